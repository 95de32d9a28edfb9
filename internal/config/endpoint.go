package config

import (
	"fmt"
	"strings"
)

// Endpoint is a parsed listener address of the form scheme://host:port or
// scheme:path (unix sockets). It is the same shape the server.interfaces.*
// directives use in the configuration file.
type Endpoint struct {
	Original string
	Scheme   string
	Host     string
	Port     string
	Path     string
}

func (e Endpoint) Network() string {
	if e.Scheme == "unix" {
		return "unix"
	}
	return "tcp"
}

func (e Endpoint) Address() string {
	if e.Scheme == "unix" {
		return e.Path
	}
	return e.Host + ":" + e.Port
}

func (e Endpoint) String() string {
	return e.Original
}

// IsTLS reports whether the endpoint uses implicit TLS (the "tls" scheme),
// as opposed to plaintext with an optional subsequent STARTTLS upgrade.
func (e Endpoint) IsTLS() bool {
	return e.Scheme == "tls"
}

// ParseEndpoint accepts both "scheme://host:port" and "scheme:host:port"
// forms (and "scheme:path"/"scheme:///path" for unix sockets), matching the
// addresses historically accepted in the interfaces.addr directive.
func ParseEndpoint(input string) (Endpoint, error) {
	e := Endpoint{Original: input}

	schemeSep := strings.Index(input, ":")
	if schemeSep == -1 {
		return e, fmt.Errorf("config: malformed endpoint %q: missing scheme", input)
	}
	e.Scheme = input[:schemeSep]
	rest := input[schemeSep+1:]

	if e.Scheme == "unix" {
		rest = strings.TrimPrefix(rest, "//")
		if rest == "" {
			return e, fmt.Errorf("config: malformed unix endpoint %q: missing path", input)
		}
		e.Path = rest
		return e, nil
	}

	rest = strings.TrimPrefix(rest, "//")
	host, port, err := splitHostPort(rest)
	if err != nil {
		return e, fmt.Errorf("config: malformed endpoint %q: %w", input, err)
	}
	e.Host, e.Port = host, port
	return e, nil
}

// splitHostPort is a net.SplitHostPort that also tolerates bare IPv6
// addresses without a trailing port-separating colon ambiguity, since
// config addresses always carry an explicit port.
func splitHostPort(hostport string) (host, port string, err error) {
	i := strings.LastIndex(hostport, ":")
	if i < 0 {
		return "", "", fmt.Errorf("missing port in address %q", hostport)
	}
	host = hostport[:i]
	port = hostport[i+1:]
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		host = host[1 : len(host)-1]
	}
	return host, port, nil
}
