package corvid

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/hallowell-irc/corvid/internal/ircmsg"
)

// Connection is a live byte-stream peer, pre- or post-registration. It
// exclusively owns its stream (via the ircmsg reader/writer wrapping rw);
// once a user or server entity is attached the entity references it
// strongly, and it references the entity weakly (a plain, non-owning
// pointer) so the entity can outlive a clean disconnect during kill
// processing, per §3's cyclic-reference note.
type Connection struct {
	RT *Runtime

	IP   string
	Host string

	ConnectTime  time.Time
	LastResponse time.Time
	PingInAir    bool

	// Wait is the outstanding-registration-step counter. It starts at 2
	// (§4.C "Entry"): both the user path (NICK+USER) and the server path
	// (PASS+SERVER) need exactly two gating messages.
	Wait int

	Goodbye bool
	Ready   bool

	// Handshake fields, accumulated across pre-ready messages.
	Nick, Ident, Real, Pass      string
	SID, Name, Proto, IRCd, Desc string
	Want                         string // peer name this side dialed out to, if outbound

	Caps map[string]struct{}
	TLS  bool

	// User/Server are set once Ready; exactly one is non-nil.
	User   *User
	Server *Server

	reader *ircmsg.Reader
	rw     io.ReadWriteCloser

	writeErr error
}

// NewConnection wraps an accepted stream for registration processing.
func NewConnection(rt *Runtime, ip, host string, rw io.ReadWriteCloser) *Connection {
	now := nowFunc()
	return &Connection{
		RT:           rt,
		IP:           ip,
		Host:         host,
		ConnectTime:  now,
		LastResponse: now,
		Wait:         2,
		Caps:         make(map[string]struct{}),
		reader:       ircmsg.NewReader(rw),
		rw:           rw,
	}
}

func (c *Connection) String() string {
	return fmt.Sprintf("%s (%s)", c.Host, c.IP)
}

// send writes a message from the local server to this connection. Once
// Goodbye, all sends are suppressed (§4.C state 4).
func (c *Connection) send(command string, params ...string) {
	if c.Goodbye {
		return
	}
	msg := ircmsg.Message{Source: c.RT.Config.ServerName, Command: command}
	if len(params) > 0 {
		msg.Params = params[:len(params)-1]
		msg.Trailing = params[len(params)-1]
		msg.HasTrailing = true
	}
	if err := ircmsg.WriteMessage(c.rw, msg); err != nil {
		c.writeErr = err
	}
}

// sendFrom writes a message to this connection with an explicit source,
// rather than the local server's own name -- the shape a relayed message
// from another user or a remote peer needs.
func (c *Connection) sendFrom(source, command string, params ...string) {
	if c.Goodbye {
		return
	}
	msg := ircmsg.Message{Source: source, Command: command}
	if len(params) > 0 {
		msg.Params = params[:len(params)-1]
		msg.Trailing = params[len(params)-1]
		msg.HasTrailing = true
	}
	if err := ircmsg.WriteMessage(c.rw, msg); err != nil {
		c.writeErr = err
	}
}

// sendRawFrom writes a single already-formatted "COMMAND params..." line
// with an explicit source, the way EmulatedMaskChange's pre-rendered
// fallback lines need to go out: each one already has its own command and
// parameter shape baked in as text, rather than going through the
// Message/WriteMessage structured path.
func (c *Connection) sendRawFrom(source, rest string) {
	if c.Goodbye {
		return
	}
	if _, err := fmt.Fprintf(c.rw, ":%s %s\r\n", source, rest); err != nil {
		c.writeErr = err
	}
}

// touch clears PingInAir and refreshes LastResponse; called on every
// inbound message, per §4.C "Ping / timeout".
func (c *Connection) touch() {
	c.PingInAir = false
	c.LastResponse = nowFunc()
}

// ReadMessage reads and returns the next frame, or an error once the
// stream is exhausted. Callers should route each frame through
// HandlePreRegMessage or the attached entity's dispatch depending on
// c.Ready.
func (c *Connection) ReadMessage() (ircmsg.Message, error) {
	return c.reader.ReadMessage()
}

// HandlePreRegMessage processes one inbound message while c is not yet
// Ready, per the §4.C pre-ready dispatch table.
func (c *Connection) HandlePreRegMessage(msg ircmsg.Message) {
	c.touch()

	switch msg.Command {
	case "NICK":
		c.handleNick(msg)
	case "USER":
		c.handleUser(msg)
	case "SERVER":
		c.handleServer(msg)
	case "PASS":
		c.handlePass(msg)
	case "QUIT":
		reason := "~"
		if len(msg.AllParams()) > 0 {
			reason += msg.AllParams()[0]
		} else {
			reason += "Client quit"
		}
		c.Done(reason, false)
	case "ERROR":
		text := strings.Join(msg.AllParams(), " ")
		c.Done("Received ERROR: "+text, true)
	default:
		c.RT.Hooks.Fire("command_"+msg.Command, &PreRegCommandArgs{Conn: c, Message: msg})
	}
}

// PreRegCommandArgs is the payload for the generic command_<CMD> extension
// hook, the fallthrough for every pre-registration command this core
// doesn't itself understand.
type PreRegCommandArgs struct {
	Conn    *Connection
	Message ircmsg.Message
}

func (c *Connection) handleNick(msg ircmsg.Message) {
	params := msg.AllParams()
	if len(params) < 1 {
		c.send(ErrNoNicknameGiven, "*", "No nickname given")
		return
	}
	nick := params[0]
	if len(nick) > c.RT.Config.MaxNickLength {
		nick = nick[:c.RT.Config.MaxNickLength]
	}

	if existing := c.RT.Pool.ByNick(nick); existing != nil {
		c.send(ErrNicknameInUse, "*", nick, "Nickname is already in use.")
		return
	}
	if !isValidNick(c.RT.Config.MaxNickLength, nick) {
		c.send(ErrErroneousNick, "*", nick, "Erroneous nickname")
		return
	}

	c.Nick = nick
	c.RT.Hooks.Fire("reg_nick", c)
	c.decrementWait()
}

func (c *Connection) handleUser(msg ircmsg.Message) {
	all := msg.AllParams()
	if len(all) < 4 {
		c.send(ErrNotEnoughParams, "*", "USER", "Not enough parameters")
		return
	}

	c.Ident = all[0]
	c.Real = all[3]

	c.RT.Hooks.Fire("reg_user", c)
	c.decrementWait()
}

func (c *Connection) handleServer(msg ircmsg.Message) {
	all := msg.AllParams()
	if len(all) < 5 {
		c.Done("Invalid SERVER command", false)
		return
	}
	sid, name, proto, ircd, desc := all[0], all[1], all[2], all[3], all[4]

	if c.Want != "" && !strings.EqualFold(c.Want, name) {
		c.Done("unexpected server", false)
		return
	}

	if _, ok := c.RT.Config.Links[name]; !ok {
		c.RT.notice("connection_invalid", "reason", "no connect block for "+name)
		c.Done("Invalid credentials", true)
		return
	}

	expectedAddr, _ := c.RT.Config.Conn(name, "address")
	if expectedAddr != "" && expectedAddr != c.IP {
		c.RT.notice("connection_invalid", "reason", "IP mismatch for "+name)
		c.Done("Invalid credentials", true)
		return
	}

	c.SID, c.Name, c.Proto, c.IRCd, c.Desc = sid, name, proto, ircd, desc
	c.decrementWait()
}

func (c *Connection) handlePass(msg ircmsg.Message) {
	all := msg.AllParams()
	if len(all) < 1 {
		c.send(ErrNotEnoughParams, "*", "PASS", "Not enough parameters")
		return
	}
	c.Pass = all[0]
	c.decrementWait()
}

// decrementWait lowers Wait by one and triggers promotion once it reaches
// zero. §9's registration-gating design lets future auth steps extend this
// simply by incrementing Wait once more and calling decrementWait again
// when that step completes.
func (c *Connection) decrementWait() {
	if c.Wait > 0 {
		c.Wait--
	}
	if c.Wait == 0 {
		c.promote()
	}
}

// promote is atomic with respect to the pool: either an entity ends up
// fully registered and indexed, or the connection is closed (§4.C
// "Promotion is atomic").
func (c *Connection) promote() {
	switch {
	case c.Nick != "":
		c.promoteToUser()
	case c.Name != "":
		c.promoteToServer()
	default:
		c.RT.logf("warning: connection reached wait=0 with neither nick nor name set")
	}
}

func (c *Connection) promoteToUser() {
	me := c.RT.Pool.Me()
	uid, err := makeTS6UID(me.SID, me.NextLocalID())
	if err != nil {
		c.Done("Internal error", false)
		return
	}

	u := NewUser(uid, c.Nick, me, me)
	u.Ident = c.Ident
	u.RealName = c.Real
	u.Host = c.Host
	u.Cloak = c.Host
	u.IP = c.IP
	u.Conn = c
	u.Caps = c.Caps

	if err := c.RT.Pool.AddUser(u); err != nil {
		c.Done("Registration failed", false)
		return
	}

	c.User = u
	c.Ready = true
	me.Users[uid] = u

	c.RT.WelcomeLocalUser(u, c.TLS)
}

func (c *Connection) promoteToServer() {
	algorithm, _ := c.RT.Config.Conn(c.Name, "encryption")
	expected, _ := c.RT.Config.Conn(c.Name, "receive_password")

	if !checkDigestedPassword(algorithm, c.Pass, expected) {
		c.RT.notice("connection_invalid", "reason", "Received invalid password")
		c.Done("Invalid credentials", false)
		return
	}

	if c.RT.Pool.BySID(c.SID) != nil || c.RT.Pool.ByServerName(c.Name) != nil {
		c.Done("Server exists", false)
		return
	}

	me := c.RT.Pool.Me()
	s := NewServer(c.SID, c.Name, c.Desc, c.Proto, c.IRCd, me)
	s.Conn = c
	if err := c.RT.Pool.AddServer(s); err != nil {
		c.Done("Server exists", false)
		return
	}
	c.RT.metrics.Servers.Inc()

	c.Server = s
	c.Ready = true

	c.RT.AnnounceServer(s)

	if c.Pass == "" || c.Want == "" {
		sendPass, _ := c.RT.Config.Conn(c.Name, "send_password")
		digested, _ := digestPassword(algorithm, sendPass)
		c.send("SERVER", c.RT.Config.TS6SID, c.RT.Config.ServerName, "6", "corvid", c.RT.Config.ServerInfo)
		c.send("PASS", digested)
	}

	c.RT.CancelPendingConnect(c.Name)

	go func() {
		if err := c.RT.TimedSendBurstTo(s); err != nil {
			c.RT.logf("burst to %s failed: %s", s.Name, err)
		}
	}()
}

// Done implements §4.C's done(): idempotent, foolproof teardown. reason is
// shown on the wire (unless silent); silent additionally means "don't
// reveal why" for authentication failures (§7.2).
func (c *Connection) Done(reason string, silent bool) {
	if c.Goodbye {
		return
	}

	if c.User != nil {
		c.RT.QuitLocalUser(c.User, reason, true)
	}
	if c.Server != nil {
		c.RT.QuitServer(c.Server, reason)
	}

	if !silent {
		c.send("ERROR", fmt.Sprintf("Closing Link: %s (%s)", c.Host, reason))
	}

	c.RT.Pool.RemoveConnection(c)

	_ = c.rw.Close()

	c.User = nil
	c.Server = nil
	c.Goodbye = true
	c.Ready = false

	c.RT.Hooks.Detach(c)
}
