package delivery

import "fmt"

// TempDnsError marks an MX/A lookup failure that may clear up on retry
// (SERVFAIL, timeout, network error) — the recipients affected stay Waiting.
type TempDnsError struct {
	Domain string
	Err    error
}

func (e *TempDnsError) Error() string {
	return fmt.Sprintf("delivery: temporary DNS error resolving %s: %v", e.Domain, e.Err)
}

func (e *TempDnsError) Unwrap() error { return e.Err }
func (e *TempDnsError) Temporary() bool { return true }

// PermDnsError marks an MX/A lookup failure that will not clear up
// (NXDOMAIN) — a terminal reason per §4.7's dead/ policy.
type PermDnsError struct {
	Domain string
	Err    error
}

func (e *PermDnsError) Error() string {
	return fmt.Sprintf("delivery: permanent DNS error resolving %s: %v", e.Domain, e.Err)
}

func (e *PermDnsError) Unwrap() error { return e.Err }
func (e *PermDnsError) Temporary() bool { return false }
