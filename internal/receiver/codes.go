package receiver

// Reply is one SMTP server reply: a three-digit code and free text.
type Reply struct {
	Code int
	Text string
}

func (r Reply) Extended(footer string) Reply {
	return Reply{Code: r.Code, Text: r.Text + " " + footer}
}

// Codes is the configurable code->reply table. The core supplies these
// defaults; a config may override any entry.
type Codes struct {
	Greeting          string
	Helo              string
	EhloPlain         string
	EhloSecured       string
	Ok                string
	TooManyRecipients string
	TooManyError      string
	Timeout           string
	Denied            string
	AuthSucceeded     string
	AuthFailed        string
	DeliveryError     string
	BadSequence       string
}

func DefaultCodes() Codes {
	return Codes{
		Greeting:          "220 %s ESMTP Service ready",
		Helo:              "250 %s",
		EhloPlain:         "250-%s",
		EhloSecured:       "250-%s",
		Ok:                "250 Ok",
		TooManyRecipients: "452 Requested action not taken: too many recipients",
		TooManyError:      "Too many errors from the client",
		Timeout:           "421 Timeout exceeded, closing connection",
		Denied:            "550 Denied",
		AuthSucceeded:     "235 Authentication succeeded",
		AuthFailed:        "535 Authentication failed",
		DeliveryError:     "451 Requested action aborted: local error in processing",
		BadSequence:       "503 Bad sequence of commands",
	}
}
