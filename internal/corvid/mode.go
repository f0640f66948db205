package corvid

import (
	"sort"
	"strings"
)

// ConvertUModeString translates a "+/-letters" user mode string from the
// letter table of the from server to the letter table of to. Each letter
// is resolved to its mode name on from, then back to a letter on to; a
// letter unknown on either side is dropped silently (the sign it rode in
// on is dropped too, per collapseModeString, if nothing else follows it).
func ConvertUModeString(from, to *Server, str string) string {
	var out strings.Builder
	sign := byte(0)

	for i := 0; i < len(str); i++ {
		c := str[i]
		if c == '+' || c == '-' {
			sign = c
			continue
		}

		name, ok := from.UModeName(c)
		if !ok {
			continue
		}
		letter, ok := to.UModeLetter(name)
		if !ok {
			continue
		}

		if sign == 0 {
			sign = '+'
		}
		out.WriteByte(sign)
		out.WriteByte(letter)
	}

	result := collapseModeString(out.String())
	if result == "" {
		return "+"
	}
	return result
}

// CModeChange is one structured entry of a channel mode change: a sign, the
// mode's logical name, and its parameter (empty if the mode takes none).
type CModeChange struct {
	Set   bool
	Name  string
	Param string
}

// ParamTranslator resolves a status-mode parameter (a user identifier) from
// its representation on one server to its representation for transmission
// elsewhere -- e.g. UID for the wire, nickname for a client. Callers supply
// this rather than mode.go reaching into the Pool directly, keeping the
// translator free of a dependency on user/pool lookups.
type ParamTranslator func(uid string) string

// ConvertCModeString translates a structured channel-mode change list
// produced by parsing str against from's table into str re-encoded against
// to's table. Modes unknown to either side are dropped, along with their
// parameter if any. Status-mode parameters are run through translateParam
// when overProtocol is set, since a status mode's parameter is always a
// user identifier. If skipStatus is set, status-mode entries are dropped
// entirely regardless of whether to knows the mode.
func ConvertCModeString(from, to *Server, str string, overProtocol, skipStatus bool, translateParam ParamTranslator) string {
	changes := parseCModeString(from, str)

	var out []CModeChange
	for _, ch := range changes {
		if skipStatus {
			if def, ok := from.CModes[ch.Name]; ok && def.Type == ModeTypeStatus {
				continue
			}
		}

		toDef, ok := to.CModes[ch.Name]
		if !ok {
			continue
		}

		param := ch.Param
		if toDef.Type == ModeTypeStatus && overProtocol && translateParam != nil && param != "" {
			param = translateParam(param)
		}

		out = append(out, CModeChange{Set: ch.Set, Name: ch.Name, Param: param})
	}

	return encodeCModeChanges(from.Name, to, out)
}

// parseCModeString walks str against srv's table, consuming parameters per
// CModeTakesParameter. Params are taken from the tail of str in the order
// encountered, matching the wire convention that a mode string's
// parameters follow all its letters.
//
// Only srv's (the *from* side's) notion of which letters take parameters
// is consulted, never the destination's.
func parseCModeString(srv *Server, str string) []CModeChange {
	fields := strings.Fields(str)
	if len(fields) == 0 {
		return nil
	}

	letters := fields[0]
	params := fields[1:]
	paramIdx := 0

	var out []CModeChange
	sign := true

	for i := 0; i < len(letters); i++ {
		c := letters[i]
		if c == '+' {
			sign = true
			continue
		}
		if c == '-' {
			sign = false
			continue
		}

		name, _, ok := srv.CModeName(c)
		if !ok {
			continue
		}

		hasParam := paramIdx < len(params)
		n := srv.CModeTakesParameter(name, sign, hasParam)

		var param string
		if n > 0 && hasParam {
			param = params[paramIdx]
			paramIdx++
		}

		out = append(out, CModeChange{Set: sign, Name: name, Param: param})
	}

	return out
}

// encodeCModeChanges renders a structured change list against dst's table
// as a single "+/-letters params..." string, collapsing sign runs. fromName
// is accepted only to keep call sites self-documenting about direction; it
// is not otherwise used.
func encodeCModeChanges(fromName string, dst *Server, changes []CModeChange) string {
	if len(changes) == 0 {
		return "+"
	}

	var letters strings.Builder
	var params []string
	sign := true
	first := true

	for _, ch := range changes {
		def, ok := dst.CModes[ch.Name]
		if !ok {
			continue
		}

		if first || ch.Set != sign {
			if ch.Set {
				letters.WriteByte('+')
			} else {
				letters.WriteByte('-')
			}
			sign = ch.Set
			first = false
		}
		letters.WriteByte(def.Letter)

		if ch.Param != "" {
			params = append(params, ch.Param)
		}
	}

	if letters.Len() == 0 {
		return "+"
	}

	result := letters.String()
	if len(params) > 0 {
		result += " " + strings.Join(params, " ")
	}
	return result
}

// CModeStringDifference computes the minimal change, against table, that
// brings oldStr to newStr (both normalised "+letters params..." strings on
// the same letter table). See §4.F for the combineLists/removeNone
// semantics.
func CModeStringDifference(table *Server, oldStr, newStr string, combineLists, removeNone bool) string {
	oldChanges := parseCModeString(table, oldStr)
	newChanges := parseCModeString(table, newStr)

	type key struct{ name, param string }
	oldSet := make(map[key]bool)
	for _, c := range oldChanges {
		oldSet[key{c.name(), c.Param}] = true
	}
	newSet := make(map[key]bool)
	for _, c := range newChanges {
		newSet[key{c.name(), c.Param}] = true
	}

	var out []CModeChange
	seenAdd := make(map[key]bool)
	for _, c := range newChanges {
		k := key{c.name(), c.Param}
		if !oldSet[k] && !seenAdd[k] {
			out = append(out, CModeChange{Set: true, Name: c.Name, Param: c.Param})
			seenAdd[k] = true
		}
	}

	if !removeNone {
		seenRemove := make(map[key]bool)
		for _, c := range oldChanges {
			k := key{c.name(), c.Param}
			if newSet[k] || seenRemove[k] {
				continue
			}
			if combineLists {
				if def, ok := table.CModes[c.Name]; ok && def.Type == ModeTypeList {
					continue
				}
			}
			out = append(out, CModeChange{Set: false, Name: c.Name, Param: c.Param})
			seenRemove[k] = true
		}
	}

	return encodeCModeChanges("", table, out)
}

// name is a small helper so the dedup key in CModeStringDifference reads
// cleanly; equivalent to c.Name but named to disambiguate from the `key`
// struct's own field.
func (c CModeChange) name() string { return c.Name }

// ParamStringer renders a single CModeChange's parameter for wire or
// client output, per the per-kind rules in §4.F: users render as UID
// (protocol) or nickname (client); servers as SID or name; anything else
// falls back to its raw string form. Callers supply this since mode.go has
// no dependency on the User/Server identity types at parameter-rendering
// time.
type ParamStringer func(CModeChange) string

// StringsFromCModes serialises a structured change list against table,
// splitting into multiple output lines once the letter count on a line
// would exceed limit. If organize, changes are sorted positives-before-
// negatives then alphabetically by name before coalescing; otherwise the
// input order is preserved. A limit of 0 or less means no splitting.
func StringsFromCModes(table *Server, changes []CModeChange, limit int, organize bool, stringer ParamStringer) []string {
	if len(changes) == 0 {
		return []string{"+"}
	}

	ordered := make([]CModeChange, len(changes))
	copy(ordered, changes)
	if organize {
		sort.SliceStable(ordered, func(i, j int) bool {
			if ordered[i].Set != ordered[j].Set {
				return ordered[i].Set
			}
			return ordered[i].Name < ordered[j].Name
		})
	}

	var lines []string
	var letters strings.Builder
	var params []string
	sign := true
	first := true
	count := 0

	flush := func() {
		if letters.Len() == 0 {
			return
		}
		line := letters.String()
		if len(params) > 0 {
			line += " " + strings.Join(params, " ")
		}
		lines = append(lines, line)
		letters.Reset()
		params = nil
		count = 0
		first = true
	}

	for _, ch := range ordered {
		def, ok := table.CModes[ch.Name]
		if !ok {
			continue
		}

		if limit > 0 && count >= limit {
			flush()
		}

		if first || ch.Set != sign {
			if ch.Set {
				letters.WriteByte('+')
			} else {
				letters.WriteByte('-')
			}
			sign = ch.Set
			first = false
		}
		letters.WriteByte(def.Letter)
		count++

		if ch.Param != "" {
			if stringer != nil {
				params = append(params, stringer(ch))
			} else {
				params = append(params, ch.Param)
			}
		}
	}
	flush()

	if len(lines) == 0 {
		return []string{"+"}
	}
	return lines
}
