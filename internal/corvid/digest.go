package corvid

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"

	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/sha3"
)

// digestPassword hashes pass using the algorithm named in a connect block's
// "encryption" field. An outbound link sends the digest of the configured
// send_password as its PASS; checkDigestedPassword compares an inbound
// password's digest against the configured receive_password, which is
// stored already hashed. With "plain" (or no algorithm) pass is returned,
// and so sent, unchanged.
func digestPassword(algorithm, pass string) (string, error) {
	switch algorithm {
	case "", "plain":
		return pass, nil
	case "sha256":
		sum := sha256.Sum256([]byte(pass))
		return hex.EncodeToString(sum[:]), nil
	case "sha512":
		sum := sha512.Sum512([]byte(pass))
		return hex.EncodeToString(sum[:]), nil
	case "sha3-256":
		sum := sha3.Sum256([]byte(pass))
		return hex.EncodeToString(sum[:]), nil
	case "bcrypt":
		hashed, err := bcrypt.GenerateFromPassword([]byte(pass), bcrypt.DefaultCost)
		if err != nil {
			return "", errors.Wrap(err, "hashing password")
		}
		return string(hashed), nil
	default:
		return "", errors.Errorf("unknown digest algorithm: %s", algorithm)
	}
}

// checkDigestedPassword reports whether pass, once digested with algorithm,
// matches expected. bcrypt hashes are salted, so they're verified with the
// library's own constant-time comparison rather than a second digest+equal.
func checkDigestedPassword(algorithm, pass, expected string) bool {
	if algorithm == "bcrypt" {
		return bcrypt.CompareHashAndPassword([]byte(expected), []byte(pass)) == nil
	}

	got, err := digestPassword(algorithm, pass)
	if err != nil {
		return false
	}
	return got == expected
}
