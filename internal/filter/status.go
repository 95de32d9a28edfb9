package filter

// Status is the result of evaluating one rule against a transaction.
type Status struct {
	Kind  StatusKind
	Code  int
	Reply string
	Queue string // Quarantine target queue name; delegate service name for DelegationResult

	// Directive names the rule that produced a DelegationResult, carried
	// into the X-VSMTP-DELEGATION header so resumption knows where to
	// pick the rule batch back up.
	Directive string
}

type StatusKind int

const (
	// Next continues to the next rule in the batch; if the batch ends,
	// the stage itself continues.
	Next StatusKind = iota
	// Accept ends the stage, replies 2xx, and skips all further stages'
	// user rules.
	Accept
	// Faccept is a forced accept: bypass all remaining rules, including
	// antispam-style observational actions.
	Faccept
	// Deny ends the stage, replies 5xx, and closes the transaction.
	Deny
	// Quarantine continues the stage but diverts the message to a named
	// quarantine directory at PostQ.
	Quarantine
	// DelegationResult is a suspension marker: the handler writes the
	// message to delegated/ and returns no reply to the client.
	DelegationResult
	// Delegated is used internally, once, to re-enter the rule loop after
	// resumption from a delegated service.
	Delegated
)

func (k StatusKind) String() string {
	switch k {
	case Accept:
		return "accept"
	case Faccept:
		return "faccept"
	case Deny:
		return "deny"
	case Quarantine:
		return "quarantine"
	case DelegationResult:
		return "delegation_result"
	case Delegated:
		return "delegated"
	default:
		return "next"
	}
}

// Terminal reports whether k ends rule evaluation for the stage (as opposed
// to Next, which lets the batch continue).
func (k StatusKind) Terminal() bool {
	return k != Next
}

func NextStatus() Status { return Status{Kind: Next} }

func AcceptStatus(code int, reply string) Status {
	return Status{Kind: Accept, Code: code, Reply: reply}
}

func DenyStatus(code int, reply string) Status {
	return Status{Kind: Deny, Code: code, Reply: reply}
}

func QuarantineStatus(queue string) Status {
	return Status{Kind: Quarantine, Queue: queue}
}
