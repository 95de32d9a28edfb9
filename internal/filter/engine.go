package filter

import (
	"fmt"
	"os"
	"path/filepath"

	lua "github.com/yuin/gopher-lua"
	"golang.org/x/sync/errgroup"

	"github.com/vmta/coremta/internal/mailctx"
	"github.com/vmta/coremta/internal/metrics"
)

// DomainScripts holds the up-to-three per-direction scripts for one virtual
// domain entry.
type DomainScripts struct {
	Incoming *Script
	Outgoing *Script
	Internal *Script
}

// Engine dispatches stage-keyed rule batches across the root script, the
// per-domain hierarchy, and the fallback script.
type Engine struct {
	Root     *Script
	Domains  map[string]*DomainScripts
	Fallback *Script

	ServerName string
}

// NewEngine loads rootPath as the root script, fallbackPath (optional, may
// be empty) as the fallback, and walks domainDir for per-domain script
// triples: domainDir/<domain>/{incoming,outgoing,internal}.lua. Any of the
// three may be absent for a given domain.
func NewEngine(serverName, rootPath, fallbackPath, domainDir string) (*Engine, error) {
	root, err := LoadScript(rootPath)
	if err != nil {
		return nil, err
	}
	e := &Engine{Root: root, Domains: make(map[string]*DomainScripts), ServerName: serverName}

	if fallbackPath != "" {
		fb, err := LoadScript(fallbackPath)
		if err != nil {
			return nil, err
		}
		e.Fallback = fb
	}

	if domainDir == "" {
		return e, nil
	}
	entries, err := os.ReadDir(domainDir)
	if err != nil {
		if os.IsNotExist(err) {
			return e, nil
		}
		return nil, fmt.Errorf("filter: reading domain dir: %w", err)
	}
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		domain := ent.Name()
		ds := &DomainScripts{}
		base := filepath.Join(domainDir, domain)
		for _, pair := range []struct {
			file string
			dst  **Script
		}{
			{"incoming.lua", &ds.Incoming},
			{"outgoing.lua", &ds.Outgoing},
			{"internal.lua", &ds.Internal},
		} {
			p := filepath.Join(base, pair.file)
			if _, err := os.Stat(p); err != nil {
				continue
			}
			sc, err := LoadScript(p)
			if err != nil {
				return nil, err
			}
			*pair.dst = sc
		}
		e.Domains[domain] = ds
	}
	return e, nil
}

func (e *Engine) Close() {
	e.Root.Close()
	if e.Fallback != nil {
		e.Fallback.Close()
	}
	for _, ds := range e.Domains {
		for _, s := range []*Script{ds.Incoming, ds.Outgoing, ds.Internal} {
			if s != nil {
				s.Close()
			}
		}
	}
}

// domainScript walks domain and its registrable-suffix parent chain looking
// for an entry in e.Domains, returning the selected direction's script.
func (e *Engine) domainScript(domain string, pick func(*DomainScripts) *Script) *Script {
	candidates := append([]string{domain}, mailctx.Address{Domain: domain}.ParentDomains()...)
	for _, d := range candidates {
		if ds, ok := e.Domains[d]; ok {
			if s := pick(ds); s != nil {
				return s
			}
		}
	}
	return nil
}

// Select implements the stage-selection algorithm of §4.4: which script is
// evaluated for a given stage, sender-handled flag, and transaction type.
func (e *Engine) Select(stage Stage, senderDomain string, senderHandled bool, tx mailctx.TxType) *Script {
	switch stage {
	case StageConnect, StageHelo, StageAuthenticate:
		return e.Root
	case StageMail:
		if senderHandled {
			if s := e.domainScript(senderDomain, func(ds *DomainScripts) *Script { return ds.Outgoing }); s != nil {
				return s
			}
		}
		return e.Root
	case StageRcpt, StagePreQ, StagePostQ, StageDelivery:
		switch {
		case senderHandled && tx.Kind == mailctx.TxInternal:
			if s := e.domainScript(senderDomain, func(ds *DomainScripts) *Script { return ds.Internal }); s != nil {
				return s
			}
		case senderHandled && tx.Kind == mailctx.TxOutgoing:
			if s := e.domainScript(senderDomain, func(ds *DomainScripts) *Script { return ds.Outgoing }); s != nil {
				return s
			}
		case !senderHandled && tx.Kind == mailctx.TxIncoming && tx.Domain != "":
			if s := e.domainScript(tx.Domain, func(ds *DomainScripts) *Script { return ds.Incoming }); s != nil {
				return s
			}
		case !senderHandled && tx.Kind == mailctx.TxIncoming && tx.Domain == "":
			return e.Root
		}
		if e.Fallback != nil {
			return e.Fallback
		}
		return e.Root
	default:
		return e.Root
	}
}

// Dispatch runs the rule batch selected for stage against ctx, short-
// circuiting at the first terminal Status. A terminal verdict is memoized
// into ctx.Skip so later stages short-circuit without re-running rules.
func (e *Engine) Dispatch(stage Stage, ctx *mailctx.Ctx, senderDomain string, senderHandled bool, msgHeaders map[string]string, msgBody string) (Status, error) {
	if st, ok := e.skipped(stage, ctx); ok {
		return st, nil
	}
	script := e.Select(stage, senderDomain, senderHandled, ctx.TxType)
	return e.dispatchScript(script, stage, ctx, msgHeaders, msgBody)
}

func (e *Engine) skipped(stage Stage, ctx *mailctx.Ctx) (Status, bool) {
	if ctx.Skip == nil {
		return Status{}, false
	}
	st := Status{Kind: statusKindFromTag(ctx.Skip.Status), Code: ctx.Skip.Code, Reply: ctx.Skip.Reply, Queue: ctx.Skip.Queue}
	metrics.FilterVerdicts.WithLabelValues(string(stage), st.Kind.String()).Inc()
	return st, true
}

func (e *Engine) dispatchScript(script *Script, stage Stage, ctx *mailctx.Ctx, msgHeaders map[string]string, msgBody string) (Status, error) {
	if script == nil {
		st := NextStatus()
		metrics.FilterVerdicts.WithLabelValues(string(stage), st.Kind.String()).Inc()
		return st, nil
	}
	return e.runRules(script, stage, script.Rules(stage), ctx, msgHeaders, msgBody)
}

// runRules invokes rules in order against ctx, short-circuiting at the
// first terminal Status (or the first fired delegate directive). Shared
// by a stage's normal first pass (dispatchScript) and a resumption
// continuing partway through the same batch (DispatchFrom).
func (e *Engine) runRules(script *Script, stage Stage, rules []Rule, ctx *mailctx.Ctx, msgHeaders map[string]string, msgBody string) (Status, error) {
	ctxTbl := ctxToTable(script.L, ctx)
	srvTbl := srvToTable(script.L, e.ServerName)
	msgTbl := msgToTable(script.L, msgHeaders, msgBody)

	var last Status
	for _, r := range rules {
		st, err := script.Invoke(r, ctxTbl, srvTbl, msgTbl)
		if err != nil {
			return Status{}, err
		}
		if r.Kind == KindDelegate && st.Kind != Next {
			metrics.FilterVerdicts.WithLabelValues(string(stage), DelegationResult.String()).Inc()
			return Status{Kind: DelegationResult, Queue: r.Service, Directive: r.Name}, nil
		}
		if st.Kind == Quarantine {
			last = st
			continue
		}
		if st.Kind.Terminal() {
			memoize(ctx, st)
			metrics.FilterVerdicts.WithLabelValues(string(stage), st.Kind.String()).Inc()
			return st, nil
		}
	}
	metrics.FilterVerdicts.WithLabelValues(string(stage), last.Kind.String()).Inc()
	return last, nil
}

// DispatchFrom resumes rule evaluation for a context pulled back from
// delegated/, running exactly the rules after fromDirective in stage's
// batch and no earlier, per the delegation resumption contract: a
// delegating rule at index i runs only (i, N] on resume.
func (e *Engine) DispatchFrom(stage Stage, fromDirective string, ctx *mailctx.Ctx, senderDomain string, senderHandled bool, msgHeaders map[string]string, msgBody string) (Status, error) {
	script := e.Select(stage, senderDomain, senderHandled, ctx.TxType)
	if script == nil {
		return NextStatus(), nil
	}
	rules := script.Rules(stage)
	idx := -1
	for i, r := range rules {
		if r.Name == fromDirective {
			idx = i
			break
		}
	}
	if idx == -1 {
		return Status{}, fmt.Errorf("filter: resume: directive %q not found in stage %s", fromDirective, stage)
	}
	return e.runRules(script, stage, rules[idx+1:], ctx, msgHeaders, msgBody)
}

// DispatchItem is one context to dispatch through DispatchMany, with the
// same addressing inputs Dispatch takes for a single context.
type DispatchItem struct {
	Ctx           *mailctx.Ctx
	SenderDomain  string
	SenderHandled bool
	MsgHeaders    map[string]string
	MsgBody       string
}

// DispatchResult is one item's outcome from DispatchMany.
type DispatchResult struct {
	Status Status
	Err    error
}

// DispatchMany runs stage for every item, in parallel where it is safe to
// do so. Two items that select the same Script (the common case: a
// session's main and internal-split contexts usually land on the same
// per-domain script) are invoked in that Script's registration order on
// the same goroutine, since its LState cannot run two calls at once.
// Items that land on distinct Scripts run concurrently via errgroup, since
// each Script owns an independent LState. This is the real parallel
// filter dispatch the core's dependency on golang.org/x/sync/errgroup
// grounds: safe concurrency follows from Lua VM ownership, not from the
// caller asserting it.
func (e *Engine) DispatchMany(stage Stage, items []DispatchItem) []DispatchResult {
	results := make([]DispatchResult, len(items))
	groups := make(map[*Script][]int)

	for i, it := range items {
		if st, ok := e.skipped(stage, it.Ctx); ok {
			results[i] = DispatchResult{Status: st}
			continue
		}
		script := e.Select(stage, it.SenderDomain, it.SenderHandled, it.Ctx.TxType)
		groups[script] = append(groups[script], i)
	}

	var eg errgroup.Group
	for script, idxs := range groups {
		script, idxs := script, idxs
		eg.Go(func() error {
			for _, i := range idxs {
				it := items[i]
				st, err := e.dispatchScript(script, stage, it.Ctx, it.MsgHeaders, it.MsgBody)
				results[i] = DispatchResult{Status: st, Err: err}
			}
			return nil
		})
	}
	_ = eg.Wait()
	return results
}

func memoize(ctx *mailctx.Ctx, st Status) {
	if st.Kind == Next {
		return
	}
	ctx.Skip = &mailctx.Skipped{Status: st.Kind.String(), Code: st.Code, Reply: st.Reply, Queue: st.Queue}
}

func statusKindFromTag(tag string) StatusKind {
	switch tag {
	case "accept":
		return Accept
	case "faccept":
		return Faccept
	case "deny":
		return Deny
	case "quarantine":
		return Quarantine
	default:
		return Next
	}
}

func ctxToTable(L *lua.LState, ctx *mailctx.Ctx) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("uuid", lua.LString(ctx.UUID))
	t.RawSetString("stage", lua.LString(ctx.Stage.String()))
	t.RawSetString("helo", lua.LString(ctx.HeloName))
	t.RawSetString("from", lua.LString(ctx.From.String()))
	t.RawSetString("client_addr", lua.LString(ctx.ClientAddr.String()))
	t.RawSetString("tx_type", lua.LString(ctx.TxType.String()))

	rcpts := L.NewTable()
	for _, g := range ctx.Groups {
		for _, r := range g.Rcpts {
			rcpts.Append(lua.LString(r.Forward.String()))
		}
	}
	t.RawSetString("rcpts", rcpts)
	return t
}

func srvToTable(L *lua.LState, serverName string) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("name", lua.LString(serverName))
	return t
}

func msgToTable(L *lua.LState, headers map[string]string, body string) *lua.LTable {
	t := L.NewTable()
	h := L.NewTable()
	for k, v := range headers {
		h.RawSetString(k, lua.LString(v))
	}
	t.RawSetString("headers", h)
	t.RawSetString("body", lua.LString(body))
	return t
}
