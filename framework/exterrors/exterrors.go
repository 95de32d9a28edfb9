// Package exterrors provides helpers for attaching structured context to
// errors that cross module boundaries (SMTP reply codes, DNS failure
// reasons, temporary/permanent classification) without resorting to
// sentinel error values for each case.
package exterrors

import (
	"errors"
	"fmt"
	"net"
)

type fieldsErr interface {
	Fields() map[string]interface{}
}

type unwrapper interface {
	Unwrap() error
}

type fieldsWrap struct {
	err    error
	fields map[string]interface{}
}

func (fw fieldsWrap) Error() string   { return fw.err.Error() }
func (fw fieldsWrap) Unwrap() error   { return fw.err }
func (fw fieldsWrap) Fields() map[string]interface{} {
	return fw.fields
}

// Fields walks the Unwrap chain of err and collects all Fields() maps,
// with fields from outer errors taking precedence over inner ones.
func Fields(err error) map[string]interface{} {
	fields := make(map[string]interface{}, 5)

	for err != nil {
		if errFields, ok := err.(fieldsErr); ok {
			for k, v := range errFields.Fields() {
				if fields[k] != nil {
					continue
				}
				fields[k] = v
			}
		}

		unwrap, ok := err.(unwrapper)
		if !ok {
			break
		}
		err = unwrap.Unwrap()
	}

	return fields
}

// WithFields wraps err so that Fields(err) includes the given map.
func WithFields(err error, fields map[string]interface{}) error {
	return fieldsWrap{err: err, fields: fields}
}

// TemporaryErr is implemented by errors that know whether the condition
// they describe is likely to clear up on retry.
type TemporaryErr interface {
	Temporary() bool
}

// IsTemporaryOrUnspec returns true unless err implements TemporaryErr and
// reports false. Errors are assumed retriable unless proven otherwise,
// matching the queue/delivery retry policy (spec §7, §4.7).
func IsTemporaryOrUnspec(err error) bool {
	var temp TemporaryErr
	if errors.As(err, &temp) {
		return temp.Temporary()
	}
	return true
}

// IsTemporary returns true only if err implements TemporaryErr and reports true.
func IsTemporary(err error) bool {
	var temp TemporaryErr
	if errors.As(err, &temp) {
		return temp.Temporary()
	}
	return false
}

type temporaryErr struct {
	err  error
	temp bool
}

func (t temporaryErr) Unwrap() error  { return t.err }
func (t temporaryErr) Error() string  { return t.err.Error() }
func (t temporaryErr) Temporary() bool { return t.temp }

// WithTemporary wraps err with an explicit temporary/permanent classification.
func WithTemporary(err error, temporary bool) error {
	return temporaryErr{err, temporary}
}

// UnwrapDNSErr extracts the underlying reason string from a *net.DNSError,
// used to tell TempDnsError from PermDnsError per spec §4.7/§7.
func UnwrapDNSErr(err error) (reason string, temporary bool, ok bool) {
	var dnsErr *net.DNSError
	if !errors.As(err, &dnsErr) {
		return "", false, false
	}
	return dnsErr.Err, dnsErr.IsTimeout || dnsErr.IsTemporary, true
}

// EnhancedCode is an RFC 3463 enhanced status code (class, subject, detail).
type EnhancedCode [3]int

func (c EnhancedCode) String() string {
	return fmt.Sprintf("%d.%d.%d", c[0], c[1], c[2])
}

// SMTPError is a reply carrying both the three-digit SMTP code and its
// enhanced status code, with an optional wrapped cause and free-form
// diagnostic fields surfaced by Fields.
type SMTPError struct {
	Code         int
	EnhancedCode EnhancedCode
	Message      string
	Reason       string
	Misc         map[string]interface{}
	Err          error
}

func (e *SMTPError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%d %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%d %s", e.Code, e.Message)
}

func (e *SMTPError) Unwrap() error {
	return e.Err
}

// Temporary reports whether the code is in the 4xx class.
func (e *SMTPError) Temporary() bool {
	return e.Code/100 == 4
}

func (e *SMTPError) Fields() map[string]interface{} {
	fields := make(map[string]interface{}, len(e.Misc)+3)
	for k, v := range e.Misc {
		fields[k] = v
	}
	fields["smtp_code"] = e.Code
	fields["smtp_enchcode"] = e.EnhancedCode
	if e.Reason != "" {
		fields["reason"] = e.Reason
	}
	return fields
}

// SMTPCode picks tempCode or permCode depending on err's temporary/permanent
// classification (see IsTemporaryOrUnspec), for errors that do not already
// carry an SMTP reply code of their own.
func SMTPCode(err error, tempCode, permCode int) int {
	if IsTemporaryOrUnspec(err) {
		return tempCode
	}
	return permCode
}

// SMTPEnchCode adjusts base's class digit (4 or 5) to match err's
// temporary/permanent classification.
func SMTPEnchCode(err error, base EnhancedCode) EnhancedCode {
	if IsTemporaryOrUnspec(err) {
		base[0] = 4
	} else {
		base[0] = 5
	}
	return base
}
