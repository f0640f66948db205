package corvid

import (
	"fmt"
	"time"
)

// ModeType names the kind of value a mode letter carries on a particular
// server. It follows the four-way classification the mode translator needs
// to make parameter-handling decisions (§4.F).
type ModeType int

const (
	// ModeTypeScalar modes carry a single optional value (key, limit).
	ModeTypeScalar ModeType = iota
	// ModeTypeFlag modes carry no parameter ever (moderated, no-external).
	ModeTypeFlag
	// ModeTypeList modes carry a repeatable value (ban, exception).
	ModeTypeList
	// ModeTypeStatus modes associate a user with a rank (op, voice); their
	// parameter is always a user identifier.
	ModeTypeStatus
)

// ModeDef is one entry of a server's letter<->name mode table.
type ModeDef struct {
	Letter byte
	Type   ModeType
}

// Server represents one linked IRC server, local or remote, including the
// local server itself (Me). The tree rooted at Me is maintained via Parent;
// Me.Parent == Me marks the root, per the hop-distance walk in §4.E.
type Server struct {
	SID  string
	Name string
	Desc string

	Proto string
	IRCd  string

	// Parent is the server through which this one is reached. For Me it is
	// Me itself. For a server reached over a direct connection, Parent ==
	// Me. For one reached transitively, Parent is the intermediate hop.
	Parent *Server

	// Children are servers whose Parent is this one.
	Children map[string]*Server // keyed by SID

	// Users are the users homed on this server (Server == this server).
	Users map[string]*User // keyed by UID

	// Conn is set only for a server reached over a direct connection. Me
	// and servers reached transitively have Conn == nil.
	Conn *Connection

	// LinkType names the protocol dialect spoken to this peer, e.g. "ts6".
	LinkType string

	// BurstSentAt records when send_burst() ran; zero until it has. Burst
	// is idempotent, guarded by this field being zero.
	BurstSentAt time.Time

	// UModes and CModes are this server's own letter<->name tables. Since
	// distinct servers may use different letters for the same logical mode,
	// every cross-server mode string must be translated through these
	// tables (§4.F).
	UModes map[string]ModeDef // name -> def
	CModes map[string]ModeDef

	uModeLetters map[byte]string // letter -> name, derived from UModes
	cModeLetters map[byte]string

	nextLocalID uint64
}

// NewLocalServer constructs the Me server: the root of the tree, parented
// to itself.
func NewLocalServer(sid, name, desc string, umodes, cmodes map[string]ModeDef) *Server {
	s := &Server{
		SID:      sid,
		Name:     name,
		Desc:     desc,
		Proto:    "6",
		IRCd:     "corvid",
		Children: make(map[string]*Server),
		Users:    make(map[string]*User),
		LinkType: "ts6",
		UModes:   umodes,
		CModes:   cmodes,
	}
	s.Parent = s
	s.rebuildLetterIndex()
	return s
}

// NewServer constructs a linked server entity, attached under parent.
func NewServer(sid, name, desc, proto, ircd string, parent *Server) *Server {
	s := &Server{
		SID:      sid,
		Name:     name,
		Desc:     desc,
		Proto:    proto,
		IRCd:     ircd,
		Parent:   parent,
		Children: make(map[string]*Server),
		Users:    make(map[string]*User),
		LinkType: "ts6",
	}
	if parent != nil {
		parent.Children[sid] = s
	}
	return s
}

func (s *Server) rebuildLetterIndex() {
	s.uModeLetters = make(map[byte]string, len(s.UModes))
	for name, def := range s.UModes {
		s.uModeLetters[def.Letter] = name
	}
	s.cModeLetters = make(map[byte]string, len(s.CModes))
	for name, def := range s.CModes {
		s.cModeLetters[def.Letter] = name
	}
}

func (s *Server) String() string {
	return fmt.Sprintf("%s %s", s.SID, s.Name)
}

// IsLocal reports whether s is reached over a direct connection (or is Me).
func (s *Server) IsLocal() bool {
	return s.Conn != nil || s.Parent == s
}

// IsRemote is the negation of IsLocal.
func (s *Server) IsRemote() bool {
	return !s.IsLocal()
}

// NextLocalID hands out a monotonically increasing per-server integer,
// consumed by makeTS6ID to mint UIDs for users homed on this server.
func (s *Server) NextLocalID() uint64 {
	id := s.nextLocalID
	s.nextLocalID++
	return id
}

// UModeLetter returns the letter this server uses for a umode name, and
// whether it knows that name at all.
func (s *Server) UModeLetter(name string) (byte, bool) {
	def, ok := s.UModes[name]
	return def.Letter, ok
}

// UModeName returns the name this server associates with a umode letter.
func (s *Server) UModeName(letter byte) (string, bool) {
	name, ok := s.uModeLetters[letter]
	return name, ok
}

// CModeLetter returns the letter this server uses for a cmode name.
func (s *Server) CModeLetter(name string) (ModeDef, bool) {
	def, ok := s.CModes[name]
	return def, ok
}

// CModeName returns the name and type this server associates with a cmode
// letter.
func (s *Server) CModeName(letter byte) (string, ModeType, bool) {
	name, ok := s.cModeLetters[letter]
	if !ok {
		return "", 0, false
	}
	return name, s.CModes[name].Type, true
}

// CModeTakesParameter reports how many parameters a cmode name consumes
// when set (setting=true) or unset (setting=false): flag modes never take
// one, list and status modes always do, and for scalar modes unsetting
// consumes a parameter only if the translator finds one present on the
// wire (the caller communicates that via hasParam).
func (s *Server) CModeTakesParameter(name string, setting bool, hasParam bool) int {
	def, ok := s.CModes[name]
	if !ok {
		return 0
	}
	switch def.Type {
	case ModeTypeFlag:
		return 0
	case ModeTypeList, ModeTypeStatus:
		return 1
	case ModeTypeScalar:
		if setting {
			return 1
		}
		if hasParam {
			return 1
		}
		return 0
	}
	return 0
}

// GetLinkedServers returns every server transitively reachable from s
// (i.e. whose path to the root passes through s), not including s itself.
func (s *Server) GetLinkedServers() []*Server {
	var out []*Server
	for _, child := range s.Children {
		out = append(out, child)
		out = append(out, child.GetLinkedServers()...)
	}
	return out
}

// HopDistance walks parent pointers from s toward origin, returning the
// number of hops, or -1 if the root (the server whose Parent is itself) is
// reached without finding origin. Only that self-parented root ends the
// walk; a longer parent cycle is not detected.
func HopDistance(s, origin *Server) int {
	hops := 0
	cur := s
	for {
		if cur == origin {
			return hops
		}
		if cur.Parent == cur {
			return -1
		}
		cur = cur.Parent
		hops++
	}
}

// SendBurst performs the one-time initial synchronisation send to a newly
// linked peer. It is idempotent, guarded by BurstSentAt: calling it twice
// is a no-op the second time. burst is the caller-supplied function that
// actually streams users/channels/modes down the wire; SendBurst only owns
// the idempotence guard and the hook fan-out around it.
func (s *Server) SendBurst(hooks *HookRegistry, burst func() error) error {
	if !s.BurstSentAt.IsZero() {
		return nil
	}

	hooks.Fire("send_burst", s)
	hooks.Fire("send_"+s.LinkType+"_burst", s)

	if err := burst(); err != nil {
		return err
	}

	s.BurstSentAt = nowFunc()
	return nil
}

// Bursted reports whether SendBurst has completed toward s. Broadcast
// (SendChildren) gates on this to avoid leaking post-burst state to a peer
// that can't yet correlate it (§4.E).
func (s *Server) Bursted() bool {
	return !s.BurstSentAt.IsZero()
}

// nowFunc is indirected so tests can observe burst timing deterministically
// without depending on wall-clock time.
var nowFunc = time.Now

// SendChildren broadcasts send to every server in all, except skip (which
// may be nil), skipping any server with no live connection and any server
// this side has not yet finished bursting toward. The burst-gate rule
// prevents a peer from observing post-burst state before it can correlate
// it against the burst it's still receiving (§4.E).
func SendChildren(all []*Server, skip *Server, send func(*Server)) {
	for _, s := range all {
		if s == skip {
			continue
		}
		if s.Conn == nil {
			continue
		}
		if !s.Bursted() {
			continue
		}
		send(s)
	}
}
