// Package server wires the independently-built components — queue, filter
// engine, delivery engine, scheduler, deferred retry loop, TLS material, and
// the SMTP listeners — into one running process. Every collaborator here is
// a concrete type, constructed directly from config rather than looked up
// in a plugin registry.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/vmta/coremta/framework/dns"
	"github.com/vmta/coremta/framework/log"
	"github.com/vmta/coremta/internal/config"
	"github.com/vmta/coremta/internal/deferred"
	"github.com/vmta/coremta/internal/delegate"
	"github.com/vmta/coremta/internal/delivery"
	"github.com/vmta/coremta/internal/dkim"
	"github.com/vmta/coremta/internal/filter"
	"github.com/vmta/coremta/internal/hooks"
	"github.com/vmta/coremta/internal/limits"
	"github.com/vmta/coremta/internal/proxyprotocol"
	"github.com/vmta/coremta/internal/queue"
	"github.com/vmta/coremta/internal/receiver"
	"github.com/vmta/coremta/internal/scheduler"
	tlsloader "github.com/vmta/coremta/internal/tls"
)

// certLoader is implemented by both tls.FileLoader and tls.SelfSignedLoader.
type certLoader interface {
	ConfigureTLS(*tls.Config)
}

// Server owns every long-lived collaborator built from one configuration
// file and the listeners accepting connections into the receiver.
type Server struct {
	cfg *config.Config
	log log.Logger

	queue     *queue.Manager
	filter    *filter.Engine
	sched     *scheduler.Scheduler
	defLoop   *deferred.Loop
	limits    *limits.Group
	tlsConfig *tls.Config
	fileLoader *tlsloader.FileLoader

	dkimByDomain map[string]*dkim.SignConfig
	resolver     dns.Resolver

	proxyProtocol proxyprotocol.Config

	shutdownTimeout time.Duration

	listeners []net.Listener
	wg        sync.WaitGroup
}

// SetShutdownTimeout bounds how long Run's shutdown waits for in-flight
// connections to finish once its context is cancelled. Zero (the default)
// waits indefinitely.
func (s *Server) SetShutdownTimeout(d time.Duration) {
	s.shutdownTimeout = d
}

// New loads cfgPath and constructs every collaborator. It does not start
// accepting connections; call Run for that.
func New(cfgPath string) (*Server, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	return NewFromConfig(cfg)
}

// NewFromConfig builds a Server from an already-parsed configuration,
// primarily so tests and cmd/mta-queue's embedded preview path don't need a
// file on disk.
func NewFromConfig(cfg *config.Config) (*Server, error) {
	s := &Server{
		cfg: cfg,
		log: log.Logger{Name: "server", Debug: log.DefaultLogger.Debug},
	}

	qm, err := queue.Open(cfg.Server.Queues.Dirpath)
	if err != nil {
		return nil, fmt.Errorf("server: opening queue: %w", err)
	}
	s.queue = qm

	eng, err := filter.NewEngine(cfg.Server.Name, cfg.App.Vsl.FilterPath, cfg.App.Vsl.FallbackPath, cfg.App.Vsl.DomainDir)
	if err != nil {
		return nil, fmt.Errorf("server: loading filter scripts: %w", err)
	}
	s.filter = eng

	dkimCfgs, err := buildDKIMConfigs(cfg)
	if err != nil {
		return nil, err
	}
	s.dkimByDomain = dkimCfgs

	resolver := dns.DefaultResolver()
	s.resolver = resolver

	delivEngine := delivery.NewEngine(delivery.Config{
		Hostname:        cfg.Server.Name,
		AttemptSTARTTLS: true,
		MaildirRoot:     filepath.Join(cfg.App.Dirpath, "maildir"),
		MBoxRoot:        filepath.Join(cfg.App.Dirpath, "mbox"),
	}, resolver, qm)

	s.sched = scheduler.New(scheduler.Config{
		WorkingChanSize:  cfg.Server.Queues.Working.ChannelSize,
		DeliveryChanSize: cfg.Server.Queues.Delivery.ChannelSize,
		WorkingWorkers:   maxInt(cfg.Server.System.ThreadPool.Processing, 1),
		DeliveryWorkers:  maxInt(cfg.Server.System.ThreadPool.Delivery, 1),
	}, eng, qm, delivEngine)

	s.defLoop = deferred.New(deferred.Config{
		TickPeriod: cfg.Server.Queues.Delivery.DeferredRetryPeriod,
		RetryMax:   cfg.Server.Queues.Delivery.DeferredRetryMax,
		Workers:    maxInt(cfg.Server.System.ThreadPool.Delivery, 1),
	}, qm, delivEngine)

	s.limits = limits.New(limits.GroupConfig{
		GlobalConcurrency: cfg.Server.ClientCountMax,
	})

	if err := s.setupTLS(); err != nil {
		return nil, err
	}

	trust, err := proxyprotocol.ParseTrust(cfg.Server.ProxyProtocol.Trust)
	if err != nil {
		return nil, fmt.Errorf("server: proxy_protocol trust list: %w", err)
	}
	s.proxyProtocol = proxyprotocol.Config{Enable: cfg.Server.ProxyProtocol.Enable, Trust: trust}

	return s, nil
}

func maxInt(v, min int) int {
	if v < min {
		return min
	}
	return v
}

// buildDKIMConfigs reads virtual.<domain>.dkim and turns it into signing
// configuration keyed by the sender domain it applies to. A Domain entry
// without a dkim.private_key is skipped (outbound mail for that domain is
// sent unsigned).
func buildDKIMConfigs(cfg *config.Config) (map[string]*dkim.SignConfig, error) {
	out := make(map[string]*dkim.SignConfig)
	for domain, d := range cfg.Virtual {
		if d.DKIM.PrivateKey == "" {
			continue
		}
		signer, err := dkim.LoadSigner(d.DKIM.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("server: dkim config for %s: %w", domain, err)
		}
		out[domain] = &dkim.SignConfig{
			SDID:       domain,
			Selector:   d.DKIM.Selector,
			PrivateKey: signer,
		}
	}
	return out, nil
}

func (s *Server) setupTLS() error {
	s.tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}

	var loader certLoader
	if s.cfg.Server.TLS.Cert != "" && s.cfg.Server.TLS.Key != "" {
		fl, err := tlsloader.NewFileLoader(s.cfg.Server.TLS.Cert, s.cfg.Server.TLS.Key)
		if err != nil {
			return fmt.Errorf("server: tls: %w", err)
		}
		s.fileLoader = fl
		loader = fl
	} else {
		sl, err := tlsloader.NewSelfSignedLoader([]string{s.cfg.Server.Name})
		if err != nil {
			return fmt.Errorf("server: tls: %w", err)
		}
		loader = sl
	}
	loader.ConfigureTLS(s.tlsConfig)
	return nil
}

// domainHandled reports whether domain (or a registrable-suffix parent) has
// a virtual entry, used by the receiver to classify incoming/outgoing/
// internal transactions.
func (s *Server) domainHandled(domain string) bool {
	domain = strings.ToLower(domain)
	if _, ok := s.cfg.Virtual[domain]; ok {
		return true
	}
	return false
}

func (s *Server) receiverConfig(kind receiver.ConnKind) receiver.Config {
	smtpCfg := s.cfg.Server.SMTP
	return receiver.Config{
		ServerName:     s.cfg.Server.Name,
		Kind:           kind,
		RcptCountMax:   smtpCfg.RcptCountMax,
		ErrorSoftCount: smtpCfg.Error.SoftCount,
		ErrorHardCount: smtpCfg.Error.HardCount,
		ErrorDelay:     smtpCfg.Error.Delay,
		MaxLineLen:     4096,
		MaxMessageSize: int(s.cfg.Server.MessageSizeLimit),
		Timeouts: receiver.Timeouts{
			Connect:  smtpCfg.TimeoutClient.Connect,
			Helo:     smtpCfg.TimeoutClient.Helo,
			MailFrom: smtpCfg.TimeoutClient.MailFrom,
			RcptTo:   smtpCfg.TimeoutClient.RcptTo,
			Data:     smtpCfg.TimeoutClient.Data,
		},
		Codes:          receiver.DefaultCodes(),
		TLSConfig:      s.tlsConfig,
		AllowSTARTTLS:  kind != receiver.Submissions,
		AuthMechanisms: smtpCfg.Auth.Mechanisms,
		AuthRequireTLS: !smtpCfg.Auth.EnableDangerousInClear,
		AuthAttemptMax: smtpCfg.Auth.AttemptCountMax,
		DomainHandled:  s.domainHandled,
	}
}

func (s *Server) deps() receiver.Deps {
	var auth receiver.Authenticator
	if len(s.cfg.Server.SMTP.Auth.Mechanisms) > 0 {
		auth = receiver.PlainLoginAuthenticator{}
	}
	return receiver.Deps{
		Filter:        s.filter,
		Queue:         s.queue,
		WorkingC:      s.sched.WorkingChan(),
		DKIMSigner:    s.dkimSigner,
		Resolver:      s.resolver,
		Authenticator: auth,
	}
}

func (s *Server) dkimSigner(domain string) *dkim.SignConfig {
	return s.dkimByDomain[strings.ToLower(domain)]
}

// Run starts every worker pool and listener and blocks until ctx is
// cancelled, then performs an ordered shutdown.
func (s *Server) Run(ctx context.Context) error {
	s.sched.Start(ctx)
	s.defLoop.Start(ctx)

	if s.cfg.Server.Delegate.Listen != "" {
		if err := s.listenAndServeDelegate(s.cfg.Server.Delegate.Listen); err != nil {
			s.ShutdownTimeout(s.shutdownTimeout)
			return err
		}
	}

	groups := []struct {
		addrs []string
		kind  receiver.ConnKind
	}{
		{s.cfg.Server.Interfaces.Addr, receiver.Relay},
		{s.cfg.Server.Interfaces.Submission, receiver.Submission},
		{s.cfg.Server.Interfaces.Submissions, receiver.Submissions},
	}

	for _, g := range groups {
		for _, raw := range g.addrs {
			if err := s.listenAndServe(ctx, raw, g.kind); err != nil {
				s.ShutdownTimeout(s.shutdownTimeout)
				return err
			}
		}
	}

	<-ctx.Done()
	s.ShutdownTimeout(s.shutdownTimeout)
	return nil
}

func (s *Server) listenAndServe(ctx context.Context, raw string, kind receiver.ConnKind) error {
	endp, err := config.ParseEndpoint(raw)
	if err != nil {
		return err
	}

	ln, err := net.Listen(endp.Network(), endp.Address())
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", raw, err)
	}
	ln = proxyprotocol.Wrap(ln, s.proxyProtocol, s.log)
	if endp.IsTLS() || kind == receiver.Submissions {
		ln = tls.NewListener(ln, s.tlsConfig)
	}
	s.listeners = append(s.listeners, ln)

	s.log.Msg("listening", "addr", raw, "kind", kind)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx, ln, kind)
	}()
	return nil
}

// listenAndServeDelegate starts the resumption listener a delegate
// directive's external service connects back to. Unlike the SMTP
// listeners, it speaks the core's own UUID+message resume protocol, not
// SMTP, so it gets no PROXY/TLS wrapping.
func (s *Server) listenAndServeDelegate(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: delegate listen %s: %w", addr, err)
	}
	s.listeners = append(s.listeners, ln)

	resumer := &delegate.Resumer{
		Queue:  s.queue,
		Filter: s.filter,
		Notify: func(stage filter.Stage, uuid string) {
			if stage == filter.StageDelivery {
				s.sched.DeliveryChan() <- uuid
				return
			}
			s.sched.WorkingChan() <- uuid
		},
		Log: log.Logger{Name: "delegate", Debug: log.DefaultLogger.Debug},
	}

	s.log.Msg("listening", "addr", addr, "kind", "delegate")
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		resumer.Serve(ln)
	}()
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, kind receiver.ConnKind) {
	rcfg := s.receiverConfig(kind)
	deps := s.deps()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				s.log.Error("accept failed", err)
				return
			}
		}

		host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
		ip := net.ParseIP(host)
		if err := s.limits.TakeMsg(ctx, ip, ""); err != nil {
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			defer s.limits.ReleaseMsg(ip, "")
			sess := receiver.NewSession(c, rcfg, deps)
			sess.Serve(ctx)
		}(conn)
	}
}

// Shutdown stops accepting new connections and waits without bound for
// in-flight connections to finish before draining the scheduler and
// deferred loop in dependency order and running any registered shutdown
// hooks. Use ShutdownTimeout to bound the drain wait instead.
func (s *Server) Shutdown() {
	s.ShutdownTimeout(0)
}

// ShutdownTimeout is Shutdown with a bound on how long it waits for
// in-flight connections to finish on their own before moving on anyway,
// for operators who'd rather drop slow stragglers than block a restart.
// A timeout of 0 waits indefinitely.
func (s *Server) ShutdownTimeout(timeout time.Duration) {
	for _, ln := range s.listeners {
		ln.Close()
	}

	if timeout <= 0 {
		s.wg.Wait()
	} else {
		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(timeout):
			s.log.Msg("shutdown: timed out waiting for in-flight connections")
		}
	}

	s.sched.Stop()
	s.defLoop.Stop()

	if s.fileLoader != nil {
		s.fileLoader.Close()
	}
	s.filter.Close()

	hooks.RunHooks(hooks.EventShutdown)
}
