package corvid

import (
	"fmt"
	"sort"
)

// User represents one IRC user, local or remote. Modes and oper flags are
// ordered slices (not maps) since both the wire representation and the
// welcome-time notices want a deterministic, insertion-order listing.
type User struct {
	UID      string
	Nick     string
	NickTime int64

	Ident    string
	RealName string

	// Host is the actual connection host; Cloak is what's shown to other
	// users, defaulting to Host (§3 "a user's cloak defaults to host").
	Host  string
	Cloak string
	IP    string

	// Server is the user's home server. Location is the next hop toward
	// that home from here; for a local user both equal Pool.Me().
	Server   *Server
	Location *Server

	Account string
	Away    string

	Modes     []string
	OperFlags []string
	Notices   map[string]struct{}
	Caps      map[string]struct{}

	// InitComplete becomes true once the welcome sequence (§4.D "Welcome")
	// has fully run; no mode or mask-change notification is sent to the
	// user before this.
	InitComplete bool

	// Conn is set only for a local user.
	Conn *Connection
}

// NewUser constructs a user entity. home and location are both me for a
// freshly-registered local user.
func NewUser(uid, nick string, home, location *Server) *User {
	return &User{
		UID:      uid,
		Nick:     nick,
		Server:   home,
		Location: location,
		Cloak:    "",
		Notices:  make(map[string]struct{}),
		Caps:     make(map[string]struct{}),
	}
}

func (u *User) String() string {
	return fmt.Sprintf("%s %s", u.UID, u.Mask())
}

// Mask returns the nick!ident@cloak mask other users see.
func (u *User) Mask() string {
	return fmt.Sprintf("%s!%s@%s", u.Nick, u.Ident, u.visibleHost())
}

func (u *User) visibleHost() string {
	if u.Cloak != "" {
		return u.Cloak
	}
	return u.Host
}

// IsLocal reports whether u is connected to this server directly.
func (u *User) IsLocal() bool {
	return u.Conn != nil
}

// HasCap reports whether u's connection has negotiated capability name.
func (u *User) HasCap(name string) bool {
	_, ok := u.Caps[name]
	return ok
}

// HasMode reports whether u currently has mode name set.
func (u *User) HasMode(name string) bool {
	for _, m := range u.Modes {
		if m == name {
			return true
		}
	}
	return false
}

// SetMode adds name to u's mode list. A no-op if already set.
func (u *User) SetMode(name string) {
	if u.HasMode(name) {
		return
	}
	u.Modes = append(u.Modes, name)
}

// UnsetMode removes name from u's mode list. A no-op if not set.
func (u *User) UnsetMode(name string) {
	for i, m := range u.Modes {
		if m == name {
			u.Modes = append(u.Modes[:i], u.Modes[i+1:]...)
			return
		}
	}
}

// IsOperator reports whether u holds at least one oper flag.
func (u *User) IsOperator() bool {
	return len(u.OperFlags) > 0
}

// HasOperFlag reports whether u holds flag, or the "all" wildcard.
func (u *User) HasOperFlag(flag string) bool {
	for _, f := range u.OperFlags {
		if f == flag || f == "all" {
			return true
		}
	}
	return false
}

// AddOperFlags adds flags to u's oper-flag set, deduplicated. If this
// transitioned u from non-operator to operator it sets mode "ircop" itself
// and returns true, so the caller knows to send the relevant numeric.
func (u *User) AddOperFlags(flags ...string) (becameOperator bool) {
	wasOperator := u.IsOperator()
	for _, f := range flags {
		found := false
		for _, existing := range u.OperFlags {
			if existing == f {
				found = true
				break
			}
		}
		if !found {
			u.OperFlags = append(u.OperFlags, f)
		}
	}
	if !wasOperator && u.IsOperator() {
		u.SetMode("ircop")
		return true
	}
	return false
}

// RemoveOperFlags removes flags from u's oper-flag set and reports whether
// this left u with no flags at all, in which case it also unsets mode
// "ircop" itself.
func (u *User) RemoveOperFlags(flags ...string) (becameNonOperator bool) {
	for _, f := range flags {
		for i, existing := range u.OperFlags {
			if existing == f {
				u.OperFlags = append(u.OperFlags[:i], u.OperFlags[i+1:]...)
				break
			}
		}
	}
	if !u.IsOperator() {
		u.UnsetMode("ircop")
		return true
	}
	return false
}

// ModeChangeResult is the outcome of HandleModeString: the mode string
// that actually took effect (canonical, per collapseModeString) plus the
// set of letters this server's umode table didn't recognise.
type ModeChangeResult struct {
	Applied        string
	UnknownLetters []byte
}

// HandleModeString interprets a "+/-letters" string against home's umode
// table, applying each known mode to u via the user_mode hook chain unless
// vetoed (force bypasses the veto, used for remote-originated changes that
// must apply unconditionally). It returns the canonical applied string.
func (u *User) HandleModeString(home *Server, hooks *HookRegistry, str string, force bool) ModeChangeResult {
	var unknown []byte
	sign := byte('+')
	seenUnknown := make(map[byte]bool)

	// touched records, for each letter seen, the state it held before this
	// string started affecting it (in first-seen order) -- so a letter that
	// toggles and toggles back nets out to nothing below, rather than
	// reporting both of its individually-real toggles as Applied.
	type touchedLetter struct {
		letter  byte
		name    string
		initial bool
	}
	var touched []touchedLetter
	seen := make(map[string]bool)

	for i := 0; i < len(str); i++ {
		c := str[i]
		if c == '+' || c == '-' {
			sign = c
			continue
		}

		name, ok := home.UModeName(c)
		if !ok {
			if !seenUnknown[c] {
				seenUnknown[c] = true
				unknown = append(unknown, c)
			}
			continue
		}

		if !seen[name] {
			seen[name] = true
			touched = append(touched, touchedLetter{letter: c, name: name, initial: u.HasMode(name)})
		}

		setting := sign == '+'
		if setting == u.HasMode(name) {
			continue
		}

		if !force {
			res := hooks.Fire("user_mode", &UserModeArgs{User: u, Name: name, Set: setting})
			if res.Stop {
				continue
			}
		}

		if setting {
			u.SetMode(name)
		} else {
			u.UnsetMode(name)
		}
	}

	var applied []byte
	for _, t := range touched {
		final := u.HasMode(t.name)
		if final == t.initial {
			continue
		}
		sign := byte('-')
		if final {
			sign = '+'
		}
		applied = append(applied, sign, t.letter)
	}

	return ModeChangeResult{
		Applied:        collapseModeString(string(applied)),
		UnknownLetters: unknown,
	}
}

// UserModeArgs is the payload passed to the "user_mode" hook: a proposed
// mode change a policy hook may veto.
type UserModeArgs struct {
	User *User
	Name string
	Set  bool
}

// ChangeNick attempts to rename u to newNick, reindexing the pool first so
// a collision leaves both pool and entity untouched. On success it fires
// will_change_nick then change_nick and updates NickTime if newTime is
// non-zero.
func (u *User) ChangeNick(pool *Pool, hooks *HookRegistry, newNick string, newTime int64) error {
	oldNick := u.Nick
	oldTime := u.NickTime

	if err := pool.ChangeNick(u, newNick); err != nil {
		return err
	}

	hooks.Fire("will_change_nick", &NickChangeArgs{User: u, OldNick: oldNick, NewNick: newNick})

	u.Nick = newNick
	if newTime != 0 {
		u.NickTime = newTime
	}

	hooks.Fire("change_nick", &NickChangeArgs{
		User: u, OldNick: oldNick, NewNick: newNick,
		OldTime: oldTime, NewTime: u.NickTime,
	})
	return nil
}

// NickChangeArgs is the payload for will_change_nick/change_nick hooks.
type NickChangeArgs struct {
	User             *User
	OldNick, NewNick string
	OldTime, NewTime int64
}

// Save forcibly renames u to its own UID, as nick-collision recovery: a
// nick_time of 100 guarantees the synthetic nick wins every subsequent
// collision-timestamp comparison.
func (u *User) Save(pool *Pool, hooks *HookRegistry) error {
	return u.ChangeNick(pool, hooks, u.UID, 100)
}

// MessageOpts carries the per-call flags do_privmsgnotice branches on.
type MessageOpts struct {
	Force       bool
	DontForward bool
}

// CanMessageArgs is the payload for the can_message/can_<cmd> and
// cant_message/cant_<cmd> hook families. Text is a pointer so hooks may
// rewrite the body in place.
type CanMessageArgs struct {
	Source  *User
	Target  *User
	Command string
	Text    *string
	ErrorReply *NumericReply
}

// DeliverFunc is supplied by the caller to actually enqueue a message to a
// local target; forwarding to a remote target's location server is a
// separate caller-supplied function, since both require access to the
// connection/transport layer this package doesn't own.
type DeliverFunc func(target *User, command, sourceMask, text string)

// ForwardFunc routes a message over the RPC fabric toward a remote user's
// location server.
type ForwardFunc func(target *User, command string, source *User, text string)

// DoPrivmsgNotice implements the messaging routing contract of §4.D. It is
// the single chokepoint command handlers must call for PRIVMSG/NOTICE
// delivery to a user target.
func DoPrivmsgNotice(hooks *HookRegistry, source, target *User, command, text string, opts MessageOpts, deliver DeliverFunc, forward ForwardFunc, sendNumeric func(*User, string, []string)) {
	if source != nil && target.Away != "" && command == "PRIVMSG" {
		sendNumeric(source, ReplyAway, []string{target.Nick, target.Away})
	}

	if source != nil && !opts.Force {
		body := text
		args := &CanMessageArgs{Source: source, Target: target, Command: command, Text: &body}
		res := hooks.Fire("can_message", args)
		if !res.Stop {
			res = hooks.Fire("can_"+command, args)
		}
		if res.Stop {
			cantRes := hooks.Fire("cant_message", args)
			if !cantRes.Stop {
				cantRes = hooks.Fire("cant_"+command, args)
			}
			reply := args.ErrorReply
			if reply == nil && !res.Silent {
				reply = res.ErrorReply
			}
			if !cantRes.Stop && reply != nil {
				sendNumeric(source, reply.Numeric, reply.Args)
			}
			return
		}
		text = body
	}

	if target.IsLocal() {
		bodyCopy := text
		args := &CanMessageArgs{Source: source, Target: target, Command: command, Text: &bodyCopy}
		res := hooks.Fire("can_receive_message", args)
		if !res.Stop {
			res = hooks.Fire("can_receive_"+command, args)
		}
		if res.Stop {
			return
		}

		mask := "*"
		if source != nil {
			mask = source.Mask()
		}
		deliver(target, command, mask, bodyCopy)
		return
	}

	if !opts.DontForward {
		forward(target, command, source, text)
	}
}

// WelcomeParams carries the fields the welcome sequence (§4.D) needs that
// don't belong on User itself: the network-visible numerics and the
// config-driven automatic mode string.
type WelcomeParams struct {
	ServerName string
	ServerInfo string
	Version    string
	AutoModes  string
	TLS        bool
	ISupport   []string
	SendYourID bool
}

// Welcome performs the local-registration welcome sequence: the peer
// broadcast, numerics 001-005 (+ optional RPL_YOURID), synthetic
// LUSERS/MOTD dispatch, the user's own opening MODE line, and
// RPL_HOSTHIDDEN if cloaked -- then marks InitComplete. The caller applies
// configured automatic modes and the ssl mode (if the connection is TLS)
// via SetMode before calling Welcome, since that step needs the home
// server's umode table to resolve letters to names, which this package
// doesn't own. sendNumeric/broadcast/dispatch are supplied by the caller
// since they need access to the transport and command-dispatch layers.
func (u *User) Welcome(home *Server, params WelcomeParams, sendNumeric func(string, []string), sendMode func(string), broadcast func(), dispatchLUSERS, dispatchMOTD func()) {
	broadcast()

	sendNumeric(ReplyWelcome, []string{fmt.Sprintf("Welcome to the network, %s", u.Mask())})
	sendNumeric(ReplyYourHost, []string{fmt.Sprintf("Your host is %s, running version %s", params.ServerName, params.Version)})
	sendNumeric(ReplyCreated, []string{"This server was created earlier"})
	sendNumeric(ReplyMyInfo, []string{params.ServerName, params.Version})
	if len(params.ISupport) > 0 {
		sendNumeric(ReplyISupport, append(params.ISupport, "are supported by this server"))
	}
	if params.SendYourID {
		sendNumeric(ReplyYourID, []string{u.UID, "your unique ID"})
	}

	dispatchLUSERS()
	dispatchMOTD()

	sendMode(u.UModeString(home))

	if u.Cloak != "" && u.Cloak != u.Host {
		sendNumeric(ReplyHostHidden, []string{u.Cloak, "is now your displayed host"})
	}

	u.InitComplete = true
}

// UModeString renders u's current mode names as a "+letters" string
// against home's umode table, sorted by letter for a stable line. Names
// home doesn't know a letter for (shouldn't normally happen, since modes
// are only ever set through that same table) are silently omitted.
func (u *User) UModeString(home *Server) string {
	letters := make([]byte, 0, len(u.Modes))
	for _, name := range u.Modes {
		if letter, ok := home.UModeLetter(name); ok {
			letters = append(letters, letter)
		}
	}
	if len(letters) == 0 {
		return "+"
	}
	sort.Slice(letters, func(i, j int) bool { return letters[i] < letters[j] })
	return "+" + string(letters)
}

// MaskChangeResult reports what Welcome-gated notifications a caller needs
// to send after GetMaskChanged runs.
type MaskChangeResult struct {
	CloakChanged bool
}

// GetMaskChanged updates u's ident/cloak and reports whether the cloak
// changed (the caller uses this to decide whether to notify the user and
// propagate CHGHOST/emulated fan-out, per §4.D).
func (u *User) GetMaskChanged(newIdent, newCloak string) MaskChangeResult {
	cloakChanged := newCloak != u.Cloak
	u.Ident = newIdent
	u.Cloak = newCloak
	return MaskChangeResult{CloakChanged: cloakChanged}
}

// EmulatedMaskChange renders the QUIT+JOIN(+MODE) fallback lines for a peer
// that hasn't negotiated chghost: a single QUIT ("once per peer"), then a
// JOIN for every channel shared with member (plus a MODE restoring each
// status prefix held there, repeated per channel, per §4.D). mask is the
// nick the MODE lines target. modesByChannel maps a shared channel name to
// the status-mode letters u holds there (already resolved to letters by
// the caller). The returned lines' first entry is always the QUIT; callers
// sending it with the user's mask as source must use the pre-change mask
// for that one line and the post-change mask for the rest, since the QUIT
// is the old identity leaving and the JOIN/MODE are the new one arriving.
func EmulatedMaskChange(channels []string, modesByChannel map[string]string, mask string) []string {
	if len(channels) == 0 {
		return nil
	}
	lines := []string{"QUIT :Changing host"}
	for _, ch := range channels {
		lines = append(lines, fmt.Sprintf("JOIN %s", ch))
		if letters := modesByChannel[ch]; letters != "" {
			lines = append(lines, fmt.Sprintf("MODE %s +%s %s", ch, letters, mask))
		}
	}
	return lines
}
