package dns

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/miekg/dns"
)

type fakeServer struct {
	udpServ dns.Server
	mx      []*dns.MX
	txt     []string
}

func (s *fakeServer) Run(t *testing.T) {
	t.Helper()
	pconn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s.udpServ.PacketConn = pconn
	s.udpServ.Handler = s
	go s.udpServ.ActivateAndServe() //nolint:errcheck
	t.Cleanup(func() { s.udpServ.PacketConn.Close() })
}

func (s *fakeServer) Addr() *net.UDPAddr {
	return s.udpServ.PacketConn.LocalAddr().(*net.UDPAddr)
}

func (s *fakeServer) ServeDNS(w dns.ResponseWriter, m *dns.Msg) {
	q := m.Question[0]
	reply := new(dns.Msg)
	reply.SetReply(m)

	switch q.Qtype {
	case dns.TypeMX:
		for _, mx := range s.mx {
			reply.Answer = append(reply.Answer, &dns.MX{
				Hdr:        dns.RR_Header{Name: q.Name, Rrtype: dns.TypeMX, Class: dns.ClassINET, Ttl: 300},
				Preference: mx.Pref,
				Mx:         dns.Fqdn(mx.Host),
			})
		}
	case dns.TypeTXT:
		for _, txt := range s.txt {
			reply.Answer = append(reply.Answer, &dns.TXT{
				Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 300},
				Txt: []string{txt},
			})
		}
	}

	if err := w.WriteMsg(reply); err != nil {
		panic(err)
	}
}

func newTestResolver(t *testing.T, srv *fakeServer) *ExtResolver {
	t.Helper()
	srv.Run(t)
	return &ExtResolver{
		cl: &dns.Client{Dialer: &net.Dialer{Timeout: 500 * time.Millisecond}},
		Cfg: &dns.ClientConfig{
			Servers: []string{"127.0.0.1"},
			Port:    strconv.Itoa(srv.Addr().Port),
			Timeout: 1,
		},
	}
}

func TestExtResolver_LookupMX(t *testing.T) {
	srv := &fakeServer{mx: []*dns.MX{{Host: "mx1.example.org", Pref: 10}, {Host: "mx2.example.org", Pref: 20}}}
	res := newTestResolver(t, srv)

	mxs, err := res.LookupMX(context.Background(), "example.org")
	if err != nil {
		t.Fatal(err)
	}
	if len(mxs) != 2 {
		t.Fatalf("expected 2 MX records, got %d", len(mxs))
	}
	if mxs[0].Host != "mx1.example.org." || mxs[0].Pref != 10 {
		t.Errorf("unexpected first MX: %+v", mxs[0])
	}
}

func TestExtResolver_LookupTXT(t *testing.T) {
	srv := &fakeServer{txt: []string{"v=spf1 -all"}}
	res := newTestResolver(t, srv)

	recs, err := res.LookupTXT(context.Background(), "example.org")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0] != "v=spf1 -all" {
		t.Fatalf("unexpected TXT records: %v", recs)
	}
}

func TestIsNotFound(t *testing.T) {
	if !IsNotFound(RCodeError{Name: "example.org", Code: dns.RcodeNameError}) {
		t.Error("NXDOMAIN rcode error should be reported as not found")
	}
	if IsNotFound(RCodeError{Name: "example.org", Code: dns.RcodeServerFailure}) {
		t.Error("SERVFAIL rcode error should not be reported as not found")
	}
}
