package mailctx

import (
	"strings"

	"github.com/vmta/coremta/framework/address"
)

// Address is an SMTP envelope address split into its local-part and domain.
// The domain is compared case-insensitively; ParentDomains is used to walk
// the registrable-suffix chain when looking up per-domain configuration.
type Address struct {
	LocalPart string
	Domain    string
}

// Null is the <> reverse path, valid as a MAIL FROM value.
var Null = Address{}

func (a Address) IsNull() bool {
	return a.LocalPart == "" && a.Domain == ""
}

func (a Address) String() string {
	if a.IsNull() {
		return ""
	}
	return a.LocalPart + "@" + a.Domain
}

// ParseAddress splits raw into an Address. An empty string parses to the
// null address without error.
func ParseAddress(raw string) (Address, error) {
	if raw == "" {
		return Null, nil
	}
	local, domain, err := address.Split(raw)
	if err != nil {
		return Address{}, err
	}
	return Address{LocalPart: local, Domain: strings.ToLower(domain)}, nil
}

// ParentDomains returns a.Domain's registrable-suffix parent chain, used to
// walk up to a configured virtual domain when the exact domain has none.
func (a Address) ParentDomains() []string {
	return address.ParentDomains(a.Domain)
}
