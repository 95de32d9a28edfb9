// Package delegate implements the resumption side of the delegate
// directive: a listener a delegating service connects back to once it has
// finished with a transaction suspended into the delegated/ queue.
package delegate

import (
	"fmt"
	"net"

	"github.com/vmta/coremta/framework/log"
	"github.com/vmta/coremta/internal/filter"
	"github.com/vmta/coremta/internal/queue"
	"github.com/vmta/coremta/internal/reader"
)

const maxResumedMessage = 64 * 1024 * 1024

// Resumer accepts one connection per resumed transaction. The wire
// protocol is deliberately DATA-shaped, since that is the framing this
// core's own reader package already has: the UUID on its own line,
// followed by the (possibly rewritten) message, terminated by a bare "."
// line.
type Resumer struct {
	Queue  *queue.Manager
	Filter *filter.Engine

	// Notify re-enters uuid's resumed stage into the working/delivery
	// channel it belongs in. Called after the resumed context is
	// persisted back into working/ or deliver/.
	Notify func(stage filter.Stage, uuid string)

	Log log.Logger
}

// Serve accepts connections on ln until it is closed.
func (r *Resumer) Serve(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go r.handle(conn)
	}
}

func (r *Resumer) handle(conn net.Conn) {
	defer conn.Close()

	lr := reader.NewLineReader(conn, 998)
	uuidLine, err := lr.ReadLine()
	if err != nil {
		return
	}
	uuid := string(uuidLine)

	mr := reader.NewMessageReader(lr, maxResumedMessage)
	body, err := mr.ReadAll()
	if err != nil {
		conn.Write([]byte("451 failed to read resumed message\r\n"))
		return
	}

	if err := r.resume(uuid, body); err != nil {
		r.Log.Error("delegate: resume failed", err, "uuid", uuid)
		conn.Write([]byte(fmt.Sprintf("451 %s\r\n", err)))
		return
	}
	conn.Write([]byte("250 Ok\r\n"))
}

func (r *Resumer) resume(uuid string, body []byte) error {
	c, err := r.Queue.GetCtx(queue.Delegated, uuid)
	if err != nil {
		return fmt.Errorf("unknown delegated transaction: %w", err)
	}
	if c.Delegation == nil {
		return fmt.Errorf("context %s carries no delegation coordinates", uuid)
	}
	stage := filter.Stage(c.Delegation.Stage)
	directive := c.Delegation.Directive
	c.Delegation = nil

	st, err := r.Filter.DispatchFrom(stage, directive, c, c.From.Domain, false, nil, "")
	if err != nil {
		return fmt.Errorf("resumed rule batch failed: %w", err)
	}

	switch st.Kind {
	case filter.Deny:
		return r.Queue.RemoveBoth(queue.Delegated, uuid)
	case filter.DelegationResult:
		return r.Queue.Delegate(queue.Delegated, c, nil, string(stage), st.Directive)
	}

	if err := r.Queue.RewriteMsg(uuid, body); err != nil {
		return fmt.Errorf("rewriting resumed body: %w", err)
	}

	dst := queue.Working
	if stage == filter.StageDelivery {
		dst = queue.Deliver
	}
	if err := r.Queue.WriteCtx(dst, c); err != nil {
		return fmt.Errorf("persisting resumed context: %w", err)
	}
	if err := r.Queue.RemoveCtx(queue.Delegated, uuid); err != nil {
		return fmt.Errorf("clearing delegated copy: %w", err)
	}

	r.Notify(stage, uuid)
	return nil
}
