// Package mailctx holds the per-transaction mail context: a stage-typed
// record that monotonically accumulates information as an SMTP transaction
// advances from connection accept through message ingestion.
package mailctx

import (
	"net"
	"time"

	"github.com/google/uuid"
)

// Stage identifies how far a transaction has advanced. Stages only ever
// advance forward; a rule denying a stage leaves the stage unchanged.
type Stage int

const (
	StageEmpty Stage = iota
	StageConnect
	StageHelo
	StageMailFrom
	StageRcptTo
	StageFinished
)

func (s Stage) String() string {
	switch s {
	case StageConnect:
		return "connect"
	case StageHelo:
		return "helo"
	case StageMailFrom:
		return "mail"
	case StageRcptTo:
		return "rcpt"
	case StageFinished:
		return "finished"
	default:
		return "empty"
	}
}

// TxKind classifies a transaction once RCPT TO has been evaluated.
type TxKind int

const (
	// TxIncoming means the sender is not locally handled. Domain is the
	// recipient's domain when it is locally handled, empty otherwise
	// (the relay-denied path).
	TxIncoming TxKind = iota
	TxOutgoing
	TxInternal
)

// TxType is the computed transaction classification, fixed once RCPT TO
// processing completes for a given context.
type TxType struct {
	Kind   TxKind
	Domain string // sender domain for Outgoing; recipient domain for Incoming(Some)
}

func (t TxType) String() string {
	switch t.Kind {
	case TxOutgoing:
		return "outgoing:" + t.Domain
	case TxInternal:
		return "internal"
	default:
		if t.Domain == "" {
			return "incoming:none"
		}
		return "incoming:" + t.Domain
	}
}

// RcptState is one of the terminal/pending states a recipient can be in.
// The status is re-evaluated per transport on retry; recipients in a
// terminal state are skipped.
type RcptState int

const (
	RcptWaiting RcptState = iota
	RcptSent
	RcptHeldBack
	RcptFailed
)

func (s RcptState) String() string {
	switch s {
	case RcptSent:
		return "sent"
	case RcptHeldBack:
		return "held_back"
	case RcptFailed:
		return "failed"
	default:
		return "waiting"
	}
}

// RcptStatus is the per-recipient delivery status carried in the queue
// context and updated as delivery attempts are made.
type RcptStatus struct {
	Forward   Address   `json:"forward"`
	State     RcptState `json:"state"`
	Errors    []string  `json:"errors,omitempty"`
	SentAt    time.Time `json:"sent_at,omitempty"`
	FailedMsg string    `json:"failed_reason,omitempty"`
}

// Transport names a delivery transport a recipient was routed to by the
// filter engine, or by classification default.
type Transport string

const (
	TransportRemote  Transport = "remote"
	TransportForward Transport = "forward"
	TransportMaildir Transport = "maildir"
	TransportMBox    Transport = "mbox"
)

// RcptGroup is the ordered list of recipients routed to one transport.
type RcptGroup struct {
	Transport Transport    `json:"transport"`
	Target    string       `json:"target,omitempty"` // forward host, maildir/mbox path
	Rcpts     []RcptStatus `json:"rcpts"`
}

// TLSInfo records the properties of an upgraded connection, populated after
// STARTTLS or a tunneled listener completes its handshake.
type TLSInfo struct {
	Version     uint16 `json:"version"`
	CipherSuite uint16 `json:"cipher_suite"`
	ServerName  string `json:"server_name,omitempty"`
	PeerCert    bool   `json:"peer_cert"`
}

// SASLInfo records the outcome of a successful AUTH exchange.
type SASLInfo struct {
	Mechanism string `json:"mechanism"`
	Identity  string `json:"identity"`
}

// Skipped memoizes a terminal rule verdict so later stages short-circuit to
// it without re-running rules (filter engine Status, serialized as a string
// tag plus reply code/text).
type Skipped struct {
	Status string `json:"status"` // accept, faccept, deny, quarantine
	Code   int    `json:"code,omitempty"`
	Reply  string `json:"reply,omitempty"`
	Queue  string `json:"queue,omitempty"` // Quarantine target
}

// Delegation carries the X-VSMTP-DELEGATION resumption coordinates for a
// context pulled back from the delegated/ queue.
type Delegation struct {
	Stage     string `json:"stage"`
	Directive string `json:"directive"`
	ID        string `json:"id"`
}

// Ctx is the mail context: the serialized unit of work stored as
// <uuid>.ctx.json in a queue directory.
type Ctx struct {
	Stage Stage `json:"stage"`

	// ConnID identifies the connection for logging across its lifetime; it
	// does not change across the several MAIL/RCPT/DATA cycles a single
	// connection may carry. UUID is the per-message identifier: it is
	// minted fresh at MAIL FROM and is what the queue manager uses to
	// name <uuid>.ctx.json / <uuid>.eml.
	ConnID string `json:"conn_id"`
	UUID   string `json:"uuid"`

	// Connect
	ClientAddr net.IP    `json:"client_addr"`
	ClientPort int       `json:"client_port"`
	ServerAddr net.IP    `json:"server_addr"`
	ServerName string    `json:"server_name"`
	Timestamp  time.Time `json:"timestamp"`
	TLS        *TLSInfo  `json:"tls,omitempty"`
	SASL       *SASLInfo `json:"sasl,omitempty"`
	Skip       *Skipped  `json:"skipped,omitempty"`
	ErrorCount int       `json:"error_count"`

	// Helo
	HeloName string `json:"helo_name,omitempty"`
	ESMTP    bool   `json:"esmtp"`

	// MailFrom
	From Address `json:"from"`

	// RcptTo
	Groups []RcptGroup `json:"groups,omitempty"`
	TxType TxType      `json:"tx_type"`

	// Delegation resumption, set only for contexts pulled from delegated/.
	Delegation *Delegation `json:"delegation,omitempty"`

	// DKIMResult is the memoized verification verdict ("pass", "fail",
	// "neutral", "permerror", "temperror", "none"); a second verify call
	// on an unchanged context reuses this instead of re-running.
	DKIMResult string `json:"dkim_result,omitempty"`
	DKIMSDID   string `json:"dkim_sdid,omitempty"`

	RetryCount int       `json:"retry_count"`
	FirstSeen  time.Time `json:"first_seen"`
	LastTry    time.Time `json:"last_try,omitempty"`
}

// New creates a fresh Connect-stage context with a newly minted UUID.
func New(clientAddr, serverAddr net.IP, clientPort int, serverName string) *Ctx {
	now := time.Now()
	return &Ctx{
		Stage:      StageConnect,
		ConnID:     uuid.NewString(),
		UUID:       uuid.NewString(),
		ClientAddr: clientAddr,
		ClientPort: clientPort,
		ServerAddr: serverAddr,
		ServerName: serverName,
		Timestamp:  now,
		FirstSeen:  now,
	}
}

// Clone deep-copies c for the internal-split path: a fresh UUID and an
// empty recipient list, everything else carried over.
func (c *Ctx) Clone() *Ctx {
	cp := *c
	cp.UUID = uuid.NewString()
	cp.Groups = nil
	cp.Skip = nil
	cp.Delegation = nil
	if c.TLS != nil {
		tlsCopy := *c.TLS
		cp.TLS = &tlsCopy
	}
	if c.SASL != nil {
		saslCopy := *c.SASL
		cp.SASL = &saslCopy
	}
	return &cp
}

// ResetToConnected clears HELO/MAIL/RCPT state after STARTTLS or AUTH
// succeeds, per RFC 3207/4954: the client must re-issue EHLO.
func (c *Ctx) ResetToConnected() {
	c.Stage = StageConnect
	c.HeloName = ""
	c.ESMTP = false
	c.From = Address{}
	c.Groups = nil
	c.TxType = TxType{}
}

// Rset empties MAIL/RCPT state (RSET command); HELO and TLS/AUTH state are
// preserved.
func (c *Ctx) Rset() {
	if c.Stage > StageHelo {
		c.Stage = StageHelo
	}
	c.From = Address{}
	c.Groups = nil
	c.TxType = TxType{}
	c.UUID = uuid.NewString()
}

// AddRcpt appends fwd to the group routed over transport, creating the
// group if needed, and returns the index of the new recipient's status.
func (c *Ctx) AddRcpt(transport Transport, target string, fwd Address) int {
	for i := range c.Groups {
		if c.Groups[i].Transport == transport && c.Groups[i].Target == target {
			c.Groups[i].Rcpts = append(c.Groups[i].Rcpts, RcptStatus{Forward: fwd, State: RcptWaiting})
			return len(c.Groups[i].Rcpts) - 1
		}
	}
	c.Groups = append(c.Groups, RcptGroup{
		Transport: transport,
		Target:    target,
		Rcpts:     []RcptStatus{{Forward: fwd, State: RcptWaiting}},
	})
	return 0
}

// RcptCount returns the total number of recipients across all groups.
func (c *Ctx) RcptCount() int {
	n := 0
	for _, g := range c.Groups {
		n += len(g.Rcpts)
	}
	return n
}

// AllTerminal reports whether every recipient across every group has
// reached a terminal state (Sent or Failed).
func (c *Ctx) AllTerminal() bool {
	for _, g := range c.Groups {
		for _, r := range g.Rcpts {
			if r.State == RcptWaiting || r.State == RcptHeldBack {
				return false
			}
		}
	}
	return true
}

// AllSent reports whether every recipient across every group is Sent.
func (c *Ctx) AllSent() bool {
	for _, g := range c.Groups {
		for _, r := range g.Rcpts {
			if r.State != RcptSent {
				return false
			}
		}
	}
	return true
}
