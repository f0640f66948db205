package corvid

import (
	"sync"

	"github.com/pkg/errors"
)

// Pool is the authoritative in-memory index of every known connection,
// user, and server (channels are not indexed here). It is process-wide
// state: one Pool is created at startup and torn down at shutdown, per §9's
// "explicit module-scoped state" note. Protocol processing runs on a single
// cooperative event-loop goroutine (§5), but the accept goroutine adds
// connections concurrently with it and external observers (metrics scrape,
// admin introspection) take read-only snapshots, so every accessor takes
// the mutex.
type Pool struct {
	mu sync.RWMutex

	connections map[*Connection]struct{}
	usersByUID  map[string]*User
	usersByNick map[string]*User // keyed by foldNick(nick)
	serversBySID map[string]*Server
	serversByName map[string]*Server // keyed by foldServerName(name)

	hooks *HookRegistry

	me *Server
}

// NewPool constructs an empty pool. me is the local server entity, the root
// of the server tree; it's created and indexed immediately since exactly
// one server always has parent == self.
func NewPool(me *Server) *Pool {
	p := &Pool{
		connections:   make(map[*Connection]struct{}),
		usersByUID:    make(map[string]*User),
		usersByNick:   make(map[string]*User),
		serversBySID:  make(map[string]*Server),
		serversByName: make(map[string]*Server),
		hooks:         NewHookRegistry(),
		me:            me,
	}
	p.serversBySID[me.SID] = me
	p.serversByName[foldServerName(me.Name)] = me
	return p
}

// Hooks returns the pool's shared hook registry.
func (p *Pool) Hooks() *HookRegistry {
	return p.hooks
}

// Me returns the local server entity.
func (p *Pool) Me() *Server {
	return p.me
}

// AddConnection indexes a newly accepted connection.
func (p *Pool) AddConnection(c *Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connections[c] = struct{}{}
}

// RemoveConnection drops a connection from the index. Called from
// Connection.done(); idempotent.
func (p *Pool) RemoveConnection(c *Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.connections, c)
}

// ConnectionCount returns the number of indexed connections.
func (p *Pool) ConnectionCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.connections)
}

// Connections returns a snapshot slice of every indexed connection. Safe to
// call from outside the event-loop goroutine, same as Users()/Servers().
func (p *Pool) Connections() []*Connection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Connection, 0, len(p.connections))
	for c := range p.connections {
		out = append(out, c)
	}
	return out
}

// ByNick looks up a user by nickname, case-folded per IRC lowercasing
// rules.
func (p *Pool) ByNick(nick string) *User {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.usersByNick[foldNick(nick)]
}

// ByUID looks up a user by its network-wide UID.
func (p *Pool) ByUID(uid string) *User {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.usersByUID[uid]
}

// ByServerName looks up a server by name, case-folded.
func (p *Pool) ByServerName(name string) *Server {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.serversByName[foldServerName(name)]
}

// BySID looks up a server by its SID.
func (p *Pool) BySID(sid string) *Server {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.serversBySID[sid]
}

// Users returns a snapshot slice of every indexed user. Safe to call from
// outside the event-loop goroutine (e.g. metrics collection).
func (p *Pool) Users() []*User {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*User, 0, len(p.usersByUID))
	for _, u := range p.usersByUID {
		out = append(out, u)
	}
	return out
}

// Servers returns a snapshot slice of every indexed server, including Me.
func (p *Pool) Servers() []*Server {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Server, 0, len(p.serversBySID))
	for _, s := range p.serversBySID {
		out = append(out, s)
	}
	return out
}

// AddUser indexes a newly registered or newly announced user. It fails if
// the UID is already known (conflict error, §7.3) or the nick collides
// with an existing user (case-insensitively).
func (p *Pool) AddUser(u *User) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.usersByUID[u.UID]; exists {
		return errors.Errorf("UID already exists: %s", u.UID)
	}

	folded := foldNick(u.Nick)
	if existing, exists := p.usersByNick[folded]; exists {
		return errors.Errorf("nick already in use: %s (held by %s)", u.Nick, existing.UID)
	}

	p.usersByUID[u.UID] = u
	p.usersByNick[folded] = u
	return nil
}

// RemoveUser deindexes u on quit/kill.
func (p *Pool) RemoveUser(u *User) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.usersByUID, u.UID)
	if p.usersByNick[foldNick(u.Nick)] == u {
		delete(p.usersByNick, foldNick(u.Nick))
	}
}

// ChangeNick reindexes u from its current nick to newNick. It refuses --
// leaving both the pool and u entirely unmutated -- if newNick is already
// held by a different user. On success it returns nil and the caller
// (User.ChangeNick) is responsible for updating u.Nick itself, in that
// order, so the two stay consistent even under that failure path.
func (p *Pool) ChangeNick(u *User, newNick string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	folded := foldNick(newNick)
	if existing, exists := p.usersByNick[folded]; exists && existing != u {
		return errCollision
	}

	delete(p.usersByNick, foldNick(u.Nick))
	p.usersByNick[folded] = u
	return nil
}

// errCollision is returned by ChangeNick when the target nick is taken by
// a different user. It's a sentinel rather than a formatted error since
// callers branch on it rather than logging it directly.
var errCollision = errors.New("nick collision")

// IsNickCollision reports whether err is the sentinel ChangeNick returns
// for a nick already in use.
func IsNickCollision(err error) bool {
	return errors.Cause(err) == errCollision
}

// AddServer indexes a newly linked or newly announced server. It fails if
// either the SID or the name is already known.
func (p *Pool) AddServer(s *Server) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.serversBySID[s.SID]; exists {
		return errors.Errorf("SID already exists: %s", s.SID)
	}
	folded := foldServerName(s.Name)
	if _, exists := p.serversByName[folded]; exists {
		return errors.Errorf("server name already exists: %s", s.Name)
	}

	p.serversBySID[s.SID] = s
	p.serversByName[folded] = s
	return nil
}

// RemoveServer deindexes s on server quit.
func (p *Pool) RemoveServer(s *Server) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.serversBySID, s.SID)
	delete(p.serversByName, foldServerName(s.Name))
}
