package corvid

// Channel is the minimum shape this core needs for mode propagation and
// membership queries: enough for mask-change fan-out and the mode
// translator's status-mode bookkeeping. Everything else about a channel
// (topic enforcement, ban matching, join semantics) lives in the command
// handlers outside this spec's scope (§1).
type Channel struct {
	Name string

	// Members maps a UID to the set of status-mode names (e.g. "op",
	// "voice") that user currently holds in this channel.
	Members map[string]map[string]struct{}
}

// NewChannel constructs an empty channel.
func NewChannel(name string) *Channel {
	return &Channel{
		Name:    name,
		Members: make(map[string]map[string]struct{}),
	}
}

// HasMember reports whether uid is a member.
func (c *Channel) HasMember(uid string) bool {
	_, ok := c.Members[uid]
	return ok
}

// StatusModes returns the status-mode names uid holds in c, or nil if uid
// is not a member.
func (c *Channel) StatusModes(uid string) []string {
	modes, ok := c.Members[uid]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(modes))
	for m := range modes {
		out = append(out, m)
	}
	return out
}

// AddMember adds uid with no status modes. A no-op if already a member.
func (c *Channel) AddMember(uid string) {
	if _, ok := c.Members[uid]; ok {
		return
	}
	c.Members[uid] = make(map[string]struct{})
}

// RemoveMember drops uid and its status modes from c.
func (c *Channel) RemoveMember(uid string) {
	delete(c.Members, uid)
}

// GrantStatus adds a status-mode name to uid's set.
func (c *Channel) GrantStatus(uid, modeName string) {
	modes, ok := c.Members[uid]
	if !ok {
		return
	}
	modes[modeName] = struct{}{}
}

// RevokeStatus removes a status-mode name from uid's set.
func (c *Channel) RevokeStatus(uid, modeName string) {
	if modes, ok := c.Members[uid]; ok {
		delete(modes, modeName)
	}
}
