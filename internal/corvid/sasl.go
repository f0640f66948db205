package corvid

import (
	"encoding/base64"

	"github.com/emersion/go-sasl"
	"github.com/pkg/errors"
)

// SASLAuthenticateFunc is the pluggable authentication check a SASL PLAIN
// exchange resolves to. The mechanism's wire-format decode is ambient
// enough to live in this package (§6's capability negotiation contract);
// what counts as a valid identity/username/password is a policy decision
// that belongs behind a hook, per §1's "module/plugin reloading... instead
// exposes named extension points" non-goal.
type SASLAuthenticateFunc func(identity, username, password string) error

// SASLSession wraps one in-progress AUTHENTICATE exchange for a single
// connection. The core only ever speaks the PLAIN mechanism directly;
// anything else is a hook's problem.
type SASLSession struct {
	server sasl.Server
	done   bool
}

// NewSASLPlainSession starts a PLAIN mechanism exchange, deferring the
// actual credential check to authenticate.
func NewSASLPlainSession(authenticate SASLAuthenticateFunc) *SASLSession {
	return &SASLSession{
		server: sasl.NewPlainServer(func(identity, username, password string) error {
			return authenticate(identity, username, password)
		}),
	}
}

// Step feeds one base64-encoded AUTHENTICATE line into the exchange. A
// bare "+" per the SASL wire format means an empty response. It returns
// the next challenge to send (base64-encoded, or "+" if empty) and whether
// the exchange has completed.
func (s *SASLSession) Step(line string) (challenge string, done bool, err error) {
	if s.done {
		return "", true, errors.New("SASL session already completed")
	}

	var response []byte
	if line != "+" {
		response, err = base64.StdEncoding.DecodeString(line)
		if err != nil {
			return "", true, errors.Wrap(err, "decoding SASL response")
		}
	}

	out, done, err := s.server.Next(response)
	if err != nil {
		s.done = true
		return "", true, err
	}
	s.done = done

	if len(out) == 0 {
		return "+", done, nil
	}
	return base64.StdEncoding.EncodeToString(out), done, nil
}
