package corvid

import "fmt"

// CapBroadcastFunc sends a channel-scoped notice line to every member of
// channel whose connection has negotiated capability, once. Used for the
// capability-filtered propagation (§4.D) that AWAY/ACCOUNT notifications
// need: away-notify and account-notify peers get a line, everyone else
// doesn't.
type CapBroadcastFunc func(channels []string, capability, line string)

// Quit removes u from the pool, tells every local user sharing a channel
// with it (each told at most once even if multiple channels are shared),
// and, if propagate is set, announces the quit to linked servers. reason
// is the message shown to observers.
func (u *User) Quit(pool *Pool, channelsOf func(*User) []string, membersOf func(string) []string, reason string, propagate bool, notifyLocal func(target *User, line string), notifyServers func(line string)) {
	told := make(map[string]bool)

	for _, chName := range channelsOf(u) {
		for _, memberUID := range membersOf(chName) {
			if told[memberUID] {
				continue
			}
			member := pool.ByUID(memberUID)
			if member == nil || !member.IsLocal() {
				continue
			}
			told[memberUID] = true
			notifyLocal(member, fmt.Sprintf("QUIT %s :%s", u.Mask(), reason))
		}
	}

	if !told[u.UID] {
		notifyLocal(u, fmt.Sprintf("QUIT %s :%s", u.Mask(), reason))
	}

	if propagate {
		notifyServers(fmt.Sprintf(":%s QUIT :%s", u.UID, reason))
	}

	pool.RemoveUser(u)
}

// KillServerReason renders the wire-format reason string for a propagated
// KILL: locally the effect is exactly a Quit with a "Killed (...)"
// message; this builds the server-to-server reason format the caller
// (holding the killing oper's identity) needs for that propagation.
func KillServerReason(serverName string, target *User, killer *User, reason string) string {
	return fmt.Sprintf("%s!%s!%s!%s (%s)",
		serverName, killer.Host, killer.Ident, killer.Nick, reason)
}

// SetAway sets or clears u's away reason, fans the AWAY line out to every
// away-notify peer sharing a channel with u, and reports the line too (some
// callers still need it, e.g. for the oper-set-away confirmation numeric).
// An empty reason means "clear", matching the AWAY capability's wire
// contract of a bare AWAY command with no trailing. broadcast may be nil,
// in which case no capability fan-out happens.
func (u *User) SetAway(reason string, channelsOf func(*User) []string, broadcast CapBroadcastFunc) (notifyLine string) {
	u.Away = reason
	if reason == "" {
		notifyLine = fmt.Sprintf(":%s AWAY", u.Mask())
	} else {
		notifyLine = fmt.Sprintf(":%s AWAY :%s", u.Mask(), reason)
	}
	if broadcast != nil {
		broadcast(channelsOf(u), "away-notify", notifyLine)
	}
	return notifyLine
}

// Logout clears u's account binding, fans the ACCOUNT-capability
// notification line out to account-notify peers (a bare "*" marks
// logged-out), and reports the line. broadcast may be nil.
func (u *User) Logout(channelsOf func(*User) []string, broadcast CapBroadcastFunc) (notifyLine string) {
	u.Account = ""
	notifyLine = fmt.Sprintf(":%s ACCOUNT *", u.Mask())
	if broadcast != nil {
		broadcast(channelsOf(u), "account-notify", notifyLine)
	}
	return notifyLine
}

// Login binds u to account, fans the ACCOUNT-capability line out to
// account-notify peers, and reports the line. broadcast may be nil.
func (u *User) Login(account string, channelsOf func(*User) []string, broadcast CapBroadcastFunc) (notifyLine string) {
	u.Account = account
	notifyLine = fmt.Sprintf(":%s ACCOUNT %s", u.Mask(), account)
	if broadcast != nil {
		broadcast(channelsOf(u), "account-notify", notifyLine)
	}
	return notifyLine
}

// PartAll removes u from every channel it's a member of, returning the
// list of channel names it was removed from so the caller can clean up any
// now-empty channels. Unlike Quit, no QUIT line is sent -- part-all is used
// for the "user leaves every channel but stays connected" case (e.g. a
// service kick-all), not disconnection.
func PartAll(u *User, channelsOf func(*User) []string, part func(chName string, u *User)) []string {
	names := channelsOf(u)
	for _, name := range names {
		part(name, u)
	}
	return names
}
