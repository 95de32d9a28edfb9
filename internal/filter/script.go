package filter

import (
	"fmt"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// Rule is one registered directive: a name, its kind, and the guest
// function to invoke.
type Rule struct {
	Name    string
	Kind    RuleKind
	Service string // KindDelegate only
	fn      *lua.LFunction
}

// Script is one compiled guest-language source file: a single Lua state
// shared by every transaction that selects it, plus the rules it
// registered, keyed by stage. gopher-lua's LState cannot run two PCalls
// concurrently, so Invoke takes mu for the duration of the guest call;
// this makes a Script safe to dispatch from many receiver/scheduler
// goroutines at once, at the cost of serializing calls into the same
// script. Dispatching two different Scripts concurrently (DispatchMany)
// needs no coordination between them, since each owns its own LState and
// mutex.
type Script struct {
	Path  string
	L     *lua.LState
	rules map[Stage][]Rule

	mu sync.Mutex
}

// LoadScript compiles path and runs it once to collect its rule/action/
// delegate registrations. The host exposes three registration functions
// as Lua globals:
//
//	rule(name, stage, fn)
//	action(name, stage, fn)
//	delegate(name, stage, service, fn)
func LoadScript(path string) (*Script, error) {
	s := &Script{
		Path:  path,
		L:     lua.NewState(),
		rules: make(map[Stage][]Rule),
	}

	s.L.SetGlobal("rule", s.L.NewFunction(s.register(KindRule)))
	s.L.SetGlobal("action", s.L.NewFunction(s.register(KindAction)))
	s.L.SetGlobal("delegate", s.L.NewFunction(s.registerDelegate))

	if err := s.L.DoFile(path); err != nil {
		s.L.Close()
		return nil, fmt.Errorf("filter: loading %s: %w", path, err)
	}
	return s, nil
}

func (s *Script) register(kind RuleKind) lua.LGFunction {
	return func(L *lua.LState) int {
		name := L.CheckString(1)
		stage := Stage(L.CheckString(2))
		fn := L.CheckFunction(3)
		s.rules[stage] = append(s.rules[stage], Rule{Name: name, Kind: kind, fn: fn})
		return 0
	}
}

func (s *Script) registerDelegate(L *lua.LState) int {
	name := L.CheckString(1)
	stage := Stage(L.CheckString(2))
	service := L.CheckString(3)
	fn := L.CheckFunction(4)
	s.rules[stage] = append(s.rules[stage], Rule{Name: name, Kind: KindDelegate, Service: service, fn: fn})
	return 0
}

// Rules returns the ordered batch registered for stage.
func (s *Script) Rules(stage Stage) []Rule {
	return s.rules[stage]
}

// Close releases the underlying Lua state.
func (s *Script) Close() {
	s.L.Close()
}

// Invoke calls r's guest function with ctx, srv, msg global-equivalent
// arguments and converts the return value to a Status. ctx/srv/msg are
// passed as Lua tables; this keeps the host/guest contract to plain data
// instead of requiring a userdata-binding library.
func (s *Script) Invoke(r Rule, ctxTbl, srvTbl, msgTbl *lua.LTable) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.L.Push(r.fn)
	s.L.Push(ctxTbl)
	s.L.Push(srvTbl)
	s.L.Push(msgTbl)
	if err := s.L.PCall(3, 1, nil); err != nil {
		// Guest exceptions map to Deny with a configurable reply, per the
		// host/guest contract (fail-closed on script error).
		return DenyStatus(550, "rule error: "+err.Error()), nil
	}
	ret := s.L.Get(-1)
	s.L.Pop(1)

	if r.Kind == KindAction {
		return NextStatus(), nil
	}
	return valueToStatus(ret), nil
}

func valueToStatus(v lua.LValue) Status {
	switch v.Type() {
	case lua.LTNil:
		return NextStatus()
	case lua.LTString:
		return stringToStatus(v.String(), 0, "")
	case lua.LTTable:
		tbl := v.(*lua.LTable)
		kind := tbl.RawGetString("status").String()
		code := 0
		if c, ok := tbl.RawGetString("code").(lua.LNumber); ok {
			code = int(c)
		}
		reply := tbl.RawGetString("reply").String()
		queue := tbl.RawGetString("queue").String()
		st := stringToStatus(kind, code, reply)
		st.Queue = queue
		return st
	default:
		return NextStatus()
	}
}

func stringToStatus(kind string, code int, reply string) Status {
	switch kind {
	case "accept":
		return Status{Kind: Accept, Code: code, Reply: reply}
	case "faccept":
		return Status{Kind: Faccept, Code: code, Reply: reply}
	case "deny":
		return Status{Kind: Deny, Code: code, Reply: reply}
	case "quarantine":
		return Status{Kind: Quarantine}
	default:
		return NextStatus()
	}
}
