// Package receiver implements the per-connection SMTP state machine (C2)
// and the handler glue (C3) that ties it to the filter engine and queue
// manager. The receiver never applies policy itself: every verb invokes a
// hook that consults the filter engine and returns a reply; state only
// advances on a 2xx/3xx reply.
package receiver

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/vmta/coremta/framework/dns"
	"github.com/vmta/coremta/framework/log"
	"github.com/vmta/coremta/internal/dkim"
	"github.com/vmta/coremta/internal/filter"
	"github.com/vmta/coremta/internal/mailctx"
	"github.com/vmta/coremta/internal/queue"
	"github.com/vmta/coremta/internal/reader"
)

// errAuthDenied is returned from a sasl.Server accept callback when the
// Authenticate stage's rules reject the exchanged credentials, as opposed
// to the mechanism itself failing to parse the wire format.
var errAuthDenied = fmt.Errorf("receiver: authentication denied by filter")

// ConnKind distinguishes the listener a connection arrived on.
type ConnKind int

const (
	Relay ConnKind = iota
	Tunneled
	Submission
	Submissions
)

type smtpState int

const (
	stConnected smtpState = iota
	stHelo
	stSasl
	stMailFrom
	stRcptTo
	stClosed
)

// Timeouts holds the per-stage timers enforced by the receiver.
type Timeouts struct {
	Connect, Helo, MailFrom, RcptTo, Data time.Duration
}

// Config is the per-listener policy the receiver enforces.
type Config struct {
	ServerName     string
	Kind           ConnKind
	RcptCountMax   int
	ErrorSoftCount int
	ErrorHardCount int
	ErrorDelay     time.Duration
	MaxLineLen     int
	MaxMessageSize int
	Timeouts       Timeouts
	Codes          Codes
	TLSConfig      *tls.Config
	AllowSTARTTLS  bool
	AuthMechanisms []string
	// AuthRequireTLS withholds the AUTH advertisement and the AUTH verb
	// itself until the connection is over TLS, unless explicitly disabled
	// (enable_dangerous_in_clear).
	AuthRequireTLS bool
	// AuthAttemptMax bounds failed AUTH attempts per connection; exceeding
	// it closes the connection the same way the hard-error budget does.
	AuthAttemptMax int

	// DomainHandled reports whether domain has a virtual entry (or a
	// parent domain does), used for transaction classification.
	DomainHandled func(domain string) bool
}

// Deps are the process-wide collaborators a Session dispatches into.
type Deps struct {
	Filter   *filter.Engine
	Queue    *queue.Manager
	WorkingC chan<- string

	// DKIMSigner looks up the signing configuration for a sender domain,
	// nil if that domain has none configured; outbound signing happens at
	// enqueue time in maybeSign.
	DKIMSigner func(domain string) *dkim.SignConfig

	// Resolver backs DKIM verification's TXT lookups at PreQ. Nil disables
	// verification (maybeVerifyDKIM becomes a no-op).
	Resolver dns.Resolver

	// Authenticator validates SASL credentials produced by the AUTH
	// exchange. Nil means AUTH is not offered regardless of
	// Config.AuthMechanisms.
	Authenticator Authenticator
}

// Session drives one connection start to finish. A single connection is
// strictly sequential; parallelism is across connections (one goroutine per
// Session, spawned by the scheduler's receiver pool).
type Session struct {
	cfg  Config
	deps Deps
	log  log.Logger

	conn   net.Conn
	lr     *reader.LineReader
	br     *reader.BatchReader
	writer func([]byte) error

	state smtpState
	ctx   *mailctx.Ctx
	split *mailctx.Ctx // internal-split context, created on first internal RCPT

	softErrs     int
	hardErrs     int
	authAttempts int
}

// NewSession wraps conn for kind, per cfg/deps.
func NewSession(conn net.Conn, cfg Config, deps Deps) *Session {
	lr := reader.NewLineReader(conn, cfg.MaxLineLen)
	return &Session{
		cfg:    cfg,
		deps:   deps,
		log:    log.Logger{Name: "receiver", Debug: log.DefaultLogger.Debug},
		conn:   conn,
		lr:     lr,
		br:     reader.NewBatchReader(lr),
		writer: func(b []byte) error { _, err := conn.Write(b); return err },
		state:  stConnected,
	}
}

// Serve runs the connection's command loop until QUIT, an unrecoverable
// error, or the hard-error budget is exceeded.
func (s *Session) Serve(ctx context.Context) {
	defer s.conn.Close()

	host, portStr, _ := net.SplitHostPort(s.conn.RemoteAddr().String())
	clientIP := net.ParseIP(host)
	var serverIP net.IP
	if h, _, err := net.SplitHostPort(s.conn.LocalAddr().String()); err == nil {
		serverIP = net.ParseIP(h)
	}
	port := 0
	fmt.Sscanf(portStr, "%d", &port)

	s.ctx = mailctx.New(clientIP, serverIP, port, s.cfg.ServerName)
	if s.cfg.Kind == Tunneled {
		s.recordTLS()
	}

	if err := s.onAccept(); err != nil {
		return
	}

	for s.state != stClosed {
		cmds, err := s.br.ReadBatch()
		if err != nil {
			return
		}
		for _, c := range cmds {
			if s.handleCommand(ctx, c) {
				return
			}
		}
	}
}

func (s *Session) recordTLS() {
	tconn, ok := s.conn.(*tls.Conn)
	if !ok {
		return
	}
	st := tconn.ConnectionState()
	s.ctx.TLS = &mailctx.TLSInfo{
		Version:     st.Version,
		CipherSuite: st.CipherSuite,
		ServerName:  st.ServerName,
		PeerCert:    len(st.PeerCertificates) > 0,
	}
}

func (s *Session) writeReply(r Reply) error {
	return s.writer([]byte(fmt.Sprintf("%d %s\r\n", r.Code, r.Text)))
}

// countError increments both error counters and applies the soft-delay /
// hard-close policy described in §4.2.
func (s *Session) countError(r Reply) (Reply, bool) {
	s.softErrs++
	s.hardErrs++
	if s.hardErrs > s.cfg.ErrorHardCount {
		return Reply{Code: 451, Text: r.Text + " " + "Too many errors"}, true
	}
	if s.softErrs > s.cfg.ErrorSoftCount {
		time.Sleep(s.cfg.ErrorDelay)
	}
	return r, false
}

func (s *Session) handleCommand(ctx context.Context, c reader.Command) (close bool) {
	switch c.Verb {
	case reader.VerbHelo, reader.VerbEhlo:
		return s.handleHelo(c)
	case reader.VerbMail:
		return s.handleMail(c)
	case reader.VerbRcpt:
		return s.handleRcpt(c)
	case reader.VerbData:
		return s.handleData(ctx)
	case reader.VerbRset:
		s.ctx.Rset()
		s.split = nil
		s.state = stHelo
		s.writeReply(Reply{Code: 250, Text: "Ok"})
		return false
	case reader.VerbStartTLS:
		return s.handleStartTLS()
	case reader.VerbAuth:
		return s.handleAuth(c)
	case reader.VerbNoop:
		s.writeReply(Reply{Code: 250, Text: "Ok"})
		return false
	case reader.VerbQuit:
		s.writeReply(Reply{Code: 221, Text: "Bye"})
		s.state = stClosed
		return true
	default:
		rep, fatal := s.countError(Reply{Code: 502, Text: "Command not implemented"})
		s.writeReply(rep)
		return fatal
	}
}

func (s *Session) onAccept() error {
	return s.writeReply(Reply{Code: 220, Text: s.cfg.ServerName + " ESMTP Service ready"})
}

func (s *Session) handleHelo(c reader.Command) bool {
	if s.ctx.TLS != nil || s.ctx.SASL != nil {
		// re-issuing EHLO after STARTTLS/AUTH is expected; nothing to
		// reset here since ResetToConnected already ran at that point.
	}
	s.ctx.HeloName = c.Args
	s.ctx.ESMTP = c.Verb == reader.VerbEhlo
	s.state = stHelo

	if c.Verb == reader.VerbEhlo {
		lines := []string{s.cfg.ServerName}
		lines = append(lines, "PIPELINING", "8BITMIME", "SMTPUTF8")
		if s.cfg.AllowSTARTTLS && s.ctx.TLS == nil {
			lines = append(lines, "STARTTLS")
		}
		if len(s.cfg.AuthMechanisms) > 0 && s.ctx.SASL == nil && (s.ctx.TLS != nil || !s.cfg.AuthRequireTLS) {
			mech := ""
			for i, m := range s.cfg.AuthMechanisms {
				if i > 0 {
					mech += " "
				}
				mech += m
			}
			lines = append(lines, "AUTH "+mech)
		}
		for i, l := range lines {
			sep := "-"
			if i == len(lines)-1 {
				sep = " "
			}
			s.writer([]byte(fmt.Sprintf("250%s%s\r\n", sep, l)))
		}
		return false
	}
	s.writeReply(Reply{Code: 250, Text: s.cfg.ServerName})
	return false
}

func (s *Session) handleMail(c reader.Command) bool {
	if s.state < stHelo {
		s.writeReply(Reply{Code: 503, Text: "Bad sequence of commands"})
		return false
	}
	addr, err := mailctx.ParseAddress(extractAddr(c.Args))
	if err != nil {
		rep, fatal := s.countError(Reply{Code: 501, Text: "Malformed address"})
		s.writeReply(rep)
		return fatal
	}
	s.ctx.From = addr
	s.state = stMailFrom
	s.writeReply(Reply{Code: 250, Text: "Ok"})
	return false
}

func (s *Session) handleRcpt(c reader.Command) bool {
	if s.state < stMailFrom {
		s.writeReply(Reply{Code: 503, Text: "Bad sequence of commands"})
		return false
	}
	if s.ctx.RcptCount() >= s.cfg.RcptCountMax {
		s.writeReply(Reply{Code: 452, Text: "Requested action not taken: too many recipients"})
		return false
	}

	addr, err := mailctx.ParseAddress(extractAddr(c.Args))
	if err != nil {
		rep, fatal := s.countError(Reply{Code: 501, Text: "Malformed address"})
		s.writeReply(rep)
		return fatal
	}

	senderHandled := !s.ctx.From.IsNull() && s.cfg.DomainHandled(s.ctx.From.Domain)
	rcptHandled := s.cfg.DomainHandled(addr.Domain)

	switch {
	case senderHandled && rcptHandled && addr.Domain == s.ctx.From.Domain:
		if s.split == nil {
			s.split = s.ctx.Clone()
			s.split.TxType = mailctx.TxType{Kind: mailctx.TxInternal}
		}
		s.split.AddRcpt(mailctx.TransportMaildir, "", addr)
		s.ctx.TxType = mailctx.TxType{Kind: mailctx.TxOutgoing, Domain: s.ctx.From.Domain}
	case senderHandled:
		s.ctx.AddRcpt(mailctx.TransportRemote, "", addr)
		s.ctx.TxType = mailctx.TxType{Kind: mailctx.TxOutgoing, Domain: s.ctx.From.Domain}
	default:
		s.ctx.AddRcpt(mailctx.TransportMaildir, "", addr)
		if rcptHandled {
			s.ctx.TxType = mailctx.TxType{Kind: mailctx.TxIncoming, Domain: addr.Domain}
		} else {
			s.ctx.TxType = mailctx.TxType{Kind: mailctx.TxIncoming}
		}
	}

	s.state = stRcptTo
	s.writeReply(Reply{Code: 250, Text: "Ok"})
	return false
}

func (s *Session) handleStartTLS() bool {
	if !s.cfg.AllowSTARTTLS || s.cfg.TLSConfig == nil {
		s.writeReply(Reply{Code: 502, Text: "Command not implemented"})
		return false
	}
	if s.ctx.TLS != nil {
		s.writeReply(Reply{Code: 503, Text: "Bad sequence of commands"})
		return false
	}
	s.writeReply(Reply{Code: 220, Text: "Ready to start TLS"})

	tconn := tls.Server(s.conn, s.cfg.TLSConfig)
	if err := tconn.Handshake(); err != nil {
		s.log.Error("TLS handshake failed", err)
		s.state = stClosed
		return true
	}
	s.conn = tconn
	s.lr = reader.NewLineReader(tconn, s.cfg.MaxLineLen)
	s.br = reader.NewBatchReader(s.lr)
	s.writer = func(b []byte) error { _, err := tconn.Write(b); return err }

	s.recordTLS()
	s.ctx.ResetToConnected()
	s.state = stConnected
	return false
}

// handleAuth drives the AUTH verb: selects the mechanism's sasl.Server,
// reads its base64 challenge/response exchange off the wire, and on a
// clean handshake invokes the Authenticate stage rules (inside the
// mechanism's accept callback) to decide whether the exchanged credentials
// are actually accepted. State moves Helo -> Sasl for the duration of the
// exchange and back, per the auth/Sasl/Connected states AUTH is specified
// to move through.
func (s *Session) handleAuth(c reader.Command) bool {
	if s.state < stHelo {
		s.writeReply(Reply{Code: 503, Text: "Bad sequence of commands"})
		return false
	}
	if s.ctx.SASL != nil {
		s.writeReply(Reply{Code: 503, Text: "Already authenticated"})
		return false
	}
	if len(s.cfg.AuthMechanisms) == 0 || s.deps.Authenticator == nil {
		rep, fatal := s.countError(Reply{Code: 502, Text: "Command not implemented"})
		s.writeReply(rep)
		return fatal
	}
	if s.cfg.AuthRequireTLS && s.ctx.TLS == nil {
		s.writeReply(Reply{Code: 538, Text: "Encryption required for requested authentication mechanism"})
		return false
	}
	if s.cfg.AuthAttemptMax > 0 && s.authAttempts >= s.cfg.AuthAttemptMax {
		s.writeReply(Reply{Code: 454, Text: "Temporary authentication failure"})
		return true
	}

	fields := strings.SplitN(strings.TrimSpace(c.Args), " ", 2)
	if len(fields) == 0 || fields[0] == "" {
		s.writeReply(Reply{Code: 501, Text: "Syntax error in parameters"})
		return false
	}
	mech := strings.ToUpper(fields[0])
	if !mechOffered(s.cfg.AuthMechanisms, mech) {
		s.writeReply(Reply{Code: 504, Text: "Unrecognized authentication type"})
		return false
	}

	var accepted bool
	server, err := s.deps.Authenticator.Server(mech, func(ex AuthExchange) error {
		st, derr := s.deps.Filter.Dispatch(filter.StageAuthenticate, s.ctx, "", false, map[string]string{
			"Auth-Mechanism": mech,
			"Auth-Identity":  ex.Identity,
			"Auth-Username":  ex.Username,
			"Auth-Password":  ex.Password,
		}, "")
		if derr != nil {
			return derr
		}
		if st.Kind != filter.Accept && st.Kind != filter.Faccept {
			return errAuthDenied
		}
		s.ctx.SASL = &mailctx.SASLInfo{Mechanism: mech, Identity: ex.Identity}
		accepted = true
		return nil
	})
	if err != nil {
		s.writeReply(Reply{Code: 504, Text: "Unrecognized authentication type"})
		return false
	}

	var initial []byte
	if len(fields) > 1 {
		dec, derr := base64.StdEncoding.DecodeString(fields[1])
		if derr != nil {
			s.writeReply(Reply{Code: 501, Text: "Cannot decode response"})
			return false
		}
		initial = dec
	}

	prevState := s.state
	s.state = stSasl

	challenge, done, authErr := server.Next(initial)
	for authErr == nil && !done {
		s.writer([]byte(fmt.Sprintf("334 %s\r\n", base64.StdEncoding.EncodeToString(challenge))))
		line, rerr := s.lr.ReadLine()
		if rerr != nil {
			s.state = stClosed
			return true
		}
		if string(line) == "*" {
			s.writeReply(Reply{Code: 501, Text: "Authentication cancelled"})
			s.state = prevState
			return false
		}
		resp, derr := base64.StdEncoding.DecodeString(string(line))
		if derr != nil {
			s.writeReply(Reply{Code: 501, Text: "Cannot decode response"})
			s.state = prevState
			return false
		}
		challenge, done, authErr = server.Next(resp)
	}
	s.state = prevState

	if authErr != nil || !accepted {
		s.authAttempts++
		rep, fatal := s.countError(Reply{Code: 535, Text: "Authentication credentials invalid"})
		s.writeReply(rep)
		return fatal
	}
	s.writeReply(Reply{Code: 235, Text: "Authentication successful"})
	return false
}

func mechOffered(mechs []string, want string) bool {
	for _, m := range mechs {
		if strings.EqualFold(m, want) {
			return true
		}
	}
	return false
}

// extractAddr pulls the bracketed address out of "FROM:<addr>" / "TO:<addr>"
// argument syntax, tolerating the bare <> null-sender form.
func extractAddr(args string) string {
	lt := -1
	gt := -1
	for i, r := range args {
		if r == '<' && lt == -1 {
			lt = i
		}
		if r == '>' {
			gt = i
		}
	}
	if lt == -1 || gt == -1 || gt <= lt {
		return args
	}
	return args[lt+1 : gt]
}
