package receiver

import (
	"errors"

	"github.com/emersion/go-sasl"
)

// ErrUnsupportedMechanism is returned by Authenticator.Server for a
// mechanism name it does not implement, regardless of what the listener
// advertises.
var ErrUnsupportedMechanism = errors.New("receiver: unsupported SASL mechanism")

// AuthExchange is the identity/username/password a sasl.Server callback
// collected from the wire, handed to accept once the mechanism's handshake
// completes. It is never persisted: mailctx.SASLInfo keeps only the
// mechanism and identity once accept approves the exchange.
type AuthExchange struct {
	Identity string
	Username string
	Password string
}

// Authenticator builds the sasl.Server for one AUTH mechanism. accept is
// called synchronously from within the mechanism's Next() once the full
// exchange has been read off the wire; its error, if any, fails the AUTH
// command with "authentication credentials invalid".
type Authenticator interface {
	Server(mech string, accept func(AuthExchange) error) (sasl.Server, error)
}

// PlainLoginAuthenticator builds sasl.Server values for PLAIN (native to
// go-sasl) and LOGIN (hand-rolled below, since the pinned go-sasl version
// does not provide a server side for it).
type PlainLoginAuthenticator struct{}

func (PlainLoginAuthenticator) Server(mech string, accept func(AuthExchange) error) (sasl.Server, error) {
	switch mech {
	case sasl.Plain:
		return sasl.NewPlainServer(func(identity, username, password string) error {
			if identity == "" {
				identity = username
			}
			return accept(AuthExchange{Identity: identity, Username: username, Password: password})
		}), nil
	case sasl.Login:
		return newLoginServer(func(username, password string) error {
			return accept(AuthExchange{Identity: username, Username: username, Password: password})
		}), nil
	}
	return nil, ErrUnsupportedMechanism
}

type loginState int

const (
	loginNotStarted loginState = iota
	loginWaitingUsername
	loginWaitingPassword
)

// loginServer is RFC-less AUTH LOGIN's username/password challenge-response
// dance: go-sasl has no server side for it, so it is hand-rolled the same
// way as every LOGIN-supporting SMTP server ends up doing.
type loginServer struct {
	state        loginState
	username     string
	authenticate func(username, password string) error
}

func newLoginServer(authenticate func(username, password string) error) sasl.Server {
	return &loginServer{authenticate: authenticate}
}

func (a *loginServer) Next(response []byte) (challenge []byte, done bool, err error) {
	switch a.state {
	case loginNotStarted:
		a.state = loginWaitingUsername
		return []byte("Username:"), false, nil
	case loginWaitingUsername:
		a.username = string(response)
		a.state = loginWaitingPassword
		return []byte("Password:"), false, nil
	case loginWaitingPassword:
		return nil, true, a.authenticate(a.username, string(response))
	}
	return nil, true, ErrUnsupportedMechanism
}
