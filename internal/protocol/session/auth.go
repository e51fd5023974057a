package session

import "strings"

// Authentication is a SASL mechanism offered during connection.start-ok.
type Authentication interface {
	Mechanism() string
	Response() string
}

// PlainAuth is the PLAIN mechanism: "\x00user\x00password".
type PlainAuth struct {
	Username string
	Password string
}

func (a *PlainAuth) Mechanism() string {
	return "PLAIN"
}

func (a *PlainAuth) Response() string {
	return "\x00" + a.Username + "\x00" + a.Password
}

// ExternalAuth defers identity to the transport, usually a TLS client
// certificate.
type ExternalAuth struct{}

func (ExternalAuth) Mechanism() string {
	return "EXTERNAL"
}

func (ExternalAuth) Response() string {
	return "\x00"
}

// pickMechanism returns the first client mechanism the server offers.
// serverMechanisms is the space separated list from connection.start.
func pickMechanism(client []Authentication, serverMechanisms string) (Authentication, bool) {
	offered := strings.Fields(serverMechanisms)
	for _, auth := range client {
		for _, m := range offered {
			if m == auth.Mechanism() {
				return auth, true
			}
		}
	}
	return nil, false
}
