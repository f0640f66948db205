package corvid

import (
	"fmt"
	"regexp"
	"strings"
)

// maxChannelLength is the RFC channel name length limit.
const maxChannelLength = 50

// foldNick returns the canonical representation of a nickname, unique
// across the pool. It does not validate or trim the input.
func foldNick(n string) string {
	return strings.ToLower(n)
}

// foldServerName returns the canonical representation of a server name.
func foldServerName(n string) string {
	return strings.ToLower(n)
}

// foldChannel returns the canonical representation of a channel name.
func foldChannel(c string) string {
	return strings.ToLower(c)
}

// isValidNick reports whether n satisfies the configured nick syntax rules.
func isValidNick(maxLen int, n string) bool {
	if len(n) == 0 || len(n) > maxLen {
		return false
	}

	for i, char := range n {
		switch {
		case char >= 'a' && char <= 'z', char >= 'A' && char <= 'Z':
			continue
		case char >= '0' && char <= '9':
			if i == 0 {
				return false
			}
			continue
		case char == '_' || char == '-' || char == '[' || char == ']' ||
			char == '{' || char == '}' || char == '\\' || char == '|' || char == '`':
			continue
		default:
			return false
		}
	}

	return true
}

// isValidIdent reports whether u is a syntactically valid ident/username.
func isValidIdent(maxLen int, u string) bool {
	if len(u) == 0 || len(u) > maxLen {
		return false
	}

	for _, char := range u {
		switch {
		case char >= 'a' && char <= 'z', char >= 'A' && char <= 'Z':
			continue
		case char >= '0' && char <= '9':
			continue
		case char == '_' || char == '.' || char == '-':
			continue
		default:
			return false
		}
	}

	return true
}

// isValidRealName reports whether s is an acceptable real name/gecos value.
func isValidRealName(s string) bool {
	return len(s) <= 64
}

// isValidChannel reports whether c, already folded, is a valid channel name.
func isValidChannel(c string) bool {
	if len(c) == 0 || len(c) > maxChannelLength {
		return false
	}

	for i, char := range c {
		if i == 0 {
			if char == '#' || char == '&' {
				continue
			}
			return false
		}

		if char == ' ' || char == ',' || char == 7 {
			return false
		}
	}

	return true
}

// isNumericCommand reports whether command is a 3-digit numeric reply token.
func isNumericCommand(command string) bool {
	if len(command) != 3 {
		return false
	}
	for _, c := range command {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

var idPattern = regexp.MustCompile("^[A-Z][A-Z0-9]{5}$")
var sidPattern = regexp.MustCompile("^[0-9][0-9A-Z]{2}$")

// isValidUID reports whether s is a syntactically valid network-wide UID
// (SID prefix + per-server ID).
func isValidUID(s string) bool {
	if len(s) != 9 {
		return false
	}
	if !isValidSID(s[0:3]) {
		return false
	}
	return isValidID(s[3:])
}

// isValidID reports whether s is a syntactically valid per-server ID suffix.
func isValidID(s string) bool {
	return idPattern.MatchString(s)
}

// isValidSID reports whether s is a syntactically valid 3-character SID.
func isValidSID(s string) bool {
	return sidPattern.MatchString(s)
}

// maxTS6ID is the number of distinct IDs representable in 6 base-36 digits
// whose leading digit is restricted to [A-Z]: 26 * 36**5.
const maxTS6ID = 1572120576

// makeTS6ID renders id as a 6-character TS6 ID, unique per-server. The
// caller is responsible for handing out distinct ids; id must be less than
// maxTS6ID.
func makeTS6ID(id uint64) (string, error) {
	if id >= maxTS6ID {
		return "", fmt.Errorf("TS6 ID overflow: %d exceeds %d", id, maxTS6ID)
	}

	n := id
	buf := []byte("AAAAAA")

	for pos := 5; pos >= 0; pos-- {
		if n >= 36 {
			rem := n % 36
			if rem >= 26 {
				buf[pos] = byte(rem-26) + '0'
			} else {
				buf[pos] = byte(rem) + 'A'
			}
			n /= 36
			continue
		}

		if n >= 26 {
			buf[pos] = byte(n-26) + '0'
		} else {
			buf[pos] = byte(n) + 'A'
		}
		break
	}

	return string(buf), nil
}

// makeTS6UID renders the network-wide UID for id on the server identified
// by sid.
func makeTS6UID(sid string, id uint64) (string, error) {
	suffix, err := makeTS6ID(id)
	if err != nil {
		return "", err
	}
	return sid + suffix, nil
}

// collapseModeString removes effect-less sign runs from a "+/-letters"
// string: a sign with no letters before the next sign (or end of string)
// carries no information and is dropped. Adjacent same-sign runs are
// merged, since by construction there is never more than one sign in a row
// once collapsed.
func collapseModeString(s string) string {
	if s == "" {
		return ""
	}

	var out strings.Builder
	pendingSign := byte(0)
	writtenSign := byte(0)

	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '+' || c == '-' {
			// A sign is only written once a letter follows it, so a sign with
			// no letters is dropped simply by being replaced here.
			pendingSign = c
			continue
		}

		if pendingSign == 0 {
			pendingSign = '+'
		}
		// Only write the sign when it differs from the last one written, so
		// same-sign runs separated only by dropped signs merge.
		if pendingSign != writtenSign {
			out.WriteByte(pendingSign)
			writtenSign = pendingSign
		}
		out.WriteByte(c)
	}

	result := out.String()
	if result == "" {
		return ""
	}
	return result
}
