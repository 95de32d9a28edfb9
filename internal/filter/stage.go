package filter

// Stage is a named point in the SMTP transaction where rule batches run.
type Stage string

const (
	StageConnect       Stage = "connect"
	StageHelo          Stage = "helo"
	StageAuthenticate  Stage = "authenticate"
	StageMail          Stage = "mail"
	StageRcpt          Stage = "rcpt"
	StagePreQ          Stage = "preq"
	StagePostQ         Stage = "postq"
	StageDelivery      Stage = "delivery"
)

// RuleKind distinguishes the three directive forms a script may register.
type RuleKind int

const (
	// KindRule is transactional: its terminal status short-circuits the
	// stage.
	KindRule RuleKind = iota
	// KindAction is observational: its return value, if any, is ignored
	// and the batch always continues.
	KindAction
	// KindDelegate suspends the transaction and hands the message to an
	// external service identified by Service.
	KindDelegate
)
