package corvid

import (
	"fmt"
	"log"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/pires/go-proxyproto"
	"golang.org/x/time/rate"

	"github.com/hallowell-irc/corvid/internal/ircmsg"
)

// Runtime is the module-scoped singleton tying the pool, configuration,
// and hook registry to a live TCP listener and the single-threaded
// cooperative event loop described in §5. Nothing here is implicitly
// constructed on first use, per §9: callers get one via NewRuntime and
// tear it down via Shutdown.
type Runtime struct {
	Config *Config
	Pool   *Pool
	Hooks  *HookRegistry

	Listener net.Listener

	eventChan    chan runtimeEvent
	shutdownChan chan struct{}
	wg           sync.WaitGroup

	pendingMu       sync.Mutex
	pendingConnects map[string]*time.Timer

	limiters   map[*Connection]*rate.Limiter
	limitersMu sync.Mutex

	metrics *Metrics

	noticeSink func(kind string, fields map[string]string)
}

type runtimeEventType int

const (
	eventNewConnection runtimeEventType = iota
	eventDeadConnection
	eventInboundMessage
	eventWakeUp
)

type runtimeEvent struct {
	Type    runtimeEventType
	Conn    *Connection
	Message ircmsg.Message
	Err     error
}

// NewRuntime constructs a Runtime around an already-loaded configuration.
// The local server entity and pool are created here, matching §9's
// "global pool / local-server singleton" note.
func NewRuntime(cfg *Config, umodes, cmodes map[string]ModeDef) *Runtime {
	me := NewLocalServer(cfg.TS6SID, cfg.ServerName, cfg.ServerInfo, umodes, cmodes)
	rt := &Runtime{
		Config:          cfg,
		Pool:            NewPool(me),
		eventChan:       make(chan runtimeEvent),
		shutdownChan:    make(chan struct{}),
		pendingConnects: make(map[string]*time.Timer),
		limiters:        make(map[*Connection]*rate.Limiter),
		metrics:         NewMetrics(),
	}
	rt.Hooks = rt.Pool.Hooks()
	return rt
}

// SetNoticeSink installs the structured operator-notice sink (§6 "Notice
// channel"). Sinks are external; a nil sink drops notices silently.
func (rt *Runtime) SetNoticeSink(fn func(kind string, fields map[string]string)) {
	rt.noticeSink = fn
}

func (rt *Runtime) notice(kind string, kv ...string) {
	if rt.noticeSink == nil {
		return
	}
	fields := make(map[string]string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields[kv[i]] = kv[i+1]
	}
	rt.noticeSink(kind, fields)
}

func (rt *Runtime) logf(format string, args ...interface{}) {
	log.Printf(format, args...)
}

// Listen opens the TCP listener. If useProxyProtocol is set (a trusted
// PROXY-protocol front end), the listener is wrapped so the accepted
// connection's IP is the real client address rather than the load
// balancer's, feeding Connection.IP/Host correctly (§3 "Connection"
// attributes).
func (rt *Runtime) Listen(useProxyProtocol bool) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%s", rt.Config.ListenHost, rt.Config.ListenPort))
	if err != nil {
		return fmt.Errorf("unable to listen: %s", err)
	}
	if useProxyProtocol {
		ln = &proxyproto.Listener{Listener: ln}
	}
	rt.Listener = ln
	return nil
}

// Run starts the accept and alarm goroutines and blocks in the event loop
// until Shutdown is called.
func (rt *Runtime) Run() {
	rt.wg.Add(1)
	go rt.acceptConnections()

	rt.wg.Add(1)
	go rt.alarm()

	rt.eventLoop()
	rt.wg.Wait()
}

// Shutdown begins server shutdown: it stops accepting new connections and
// tells every connection to close, then returns once every goroutine Run
// started has exited.
func (rt *Runtime) Shutdown() {
	close(rt.shutdownChan)
	if rt.Listener != nil {
		if err := rt.Listener.Close(); err != nil {
			rt.logf("error closing listener: %s", err)
		}
	}
	for _, c := range rt.Pool.Connections() {
		_ = c.rw.Close()
	}
	rt.wg.Wait()
}

func (rt *Runtime) isShuttingDown() bool {
	select {
	case <-rt.shutdownChan:
		return true
	default:
		return false
	}
}

// newEvent posts evt to the event loop, or drops it silently if the
// runtime is shutting down -- this is the non-blocking send pattern that
// lets any goroutine report in without risking a deadlock against a loop
// that has already stopped consuming (§5 "Cancellation").
func (rt *Runtime) newEvent(evt runtimeEvent) {
	select {
	case rt.eventChan <- evt:
	case <-rt.shutdownChan:
	}
}

func (rt *Runtime) acceptConnections() {
	defer rt.wg.Done()

	for {
		if rt.isShuttingDown() {
			break
		}

		nc, err := rt.Listener.Accept()
		if err != nil {
			if rt.isShuttingDown() {
				break
			}
			rt.logf("failed to accept connection: %s", err)
			continue
		}

		host, _, _ := net.SplitHostPort(nc.RemoteAddr().String())
		conn := NewConnection(rt, host, host, nc)
		rt.Pool.AddConnection(conn)
		rt.limitersMu.Lock()
		rt.limiters[conn] = rate.NewLimiter(rate.Every(time.Second/2), 10)
		rt.limitersMu.Unlock()

		rt.newEvent(runtimeEvent{Type: eventNewConnection, Conn: conn})

		rt.wg.Add(1)
		go rt.readLoop(conn)
	}

	rt.logf("connection accepter shutting down")
}

// readLoop pumps frames off one connection's stream and posts them to the
// event loop, one at a time, so ordering-within-a-connection (§5) holds.
// Each read happens only after the previous newEvent call returns, which is
// once the loop goroutine has received that event (not necessarily finished
// handling it). Strict per-connection ordering comes from eventChan being
// unbuffered combined with the event loop handling one event to completion
// before receiving the next.
func (rt *Runtime) readLoop(conn *Connection) {
	defer rt.wg.Done()

	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			rt.newEvent(runtimeEvent{Type: eventDeadConnection, Conn: conn, Err: err})
			return
		}
		rt.newEvent(runtimeEvent{Type: eventInboundMessage, Conn: conn, Message: msg})
	}
}

func (rt *Runtime) alarm() {
	defer rt.wg.Done()

	for {
		if rt.isShuttingDown() {
			break
		}
		time.Sleep(rt.Config.WakeupTime)
		rt.newEvent(runtimeEvent{Type: eventWakeUp})
	}
}

// eventLoop is the single cooperative-scheduling goroutine all protocol
// processing runs on (§5): every event is handled to completion, including
// its synchronous peer fan-out, before the next is taken off eventChan.
func (rt *Runtime) eventLoop() {
	for {
		select {
		case evt := <-rt.eventChan:
			rt.handleEvent(evt)
		case <-rt.shutdownChan:
			return
		}
	}
}

func (rt *Runtime) handleEvent(evt runtimeEvent) {
	switch evt.Type {
	case eventNewConnection:
		rt.metrics.Connections.Inc()

	case eventDeadConnection:
		evt.Conn.Done(transportErrorReason(evt.Err), false)

	case eventInboundMessage:
		rt.dispatchMessage(evt.Conn, evt.Message)

	case eventWakeUp:
		rt.checkAndPingConnections()
	}
}

func transportErrorReason(err error) string {
	if err == nil {
		return "Connection closed"
	}
	return err.Error()
}

// dispatchMessage flood-checks, then routes an inbound frame to the
// pre-registration handler or the registered entity's command dispatch.
// A few commands are handled by the runtime itself: PRIVMSG, NOTICE, LINKS,
// WALLOPS and REHASH from a local user, and WALLOPS from a linked server.
// Every other command's entity-level dispatch lives outside this package's
// scope (§1's "each command handler is a pluggable unit"); the runtime only
// knows how to reach it via the generic command hook.
func (rt *Runtime) dispatchMessage(conn *Connection, msg ircmsg.Message) {
	rt.limitersMu.Lock()
	limiter := rt.limiters[conn]
	rt.limitersMu.Unlock()
	if limiter != nil && !limiter.Allow() {
		return
	}

	if !conn.Ready {
		conn.HandlePreRegMessage(msg)
		return
	}

	conn.touch()
	if conn.User != nil {
		switch msg.Command {
		case "PRIVMSG", "NOTICE":
			rt.routeMessage(conn.User, msg)
			return
		case "LINKS":
			rt.doLinks(conn.User)
			return
		case "WALLOPS":
			rt.doWallops(conn.User, msg)
			return
		case "REHASH":
			rt.doRehash(conn.User)
			return
		}
		rt.Hooks.Fire("command_"+msg.Command, &UserCommandArgs{Conn: conn, User: conn.User, Message: msg})
	} else if conn.Server != nil {
		if msg.Command == "WALLOPS" {
			rt.relayWallops(conn.Server, msg)
			return
		}
		rt.Hooks.Fire("command_"+msg.Command, &ServerCommandArgs{Conn: conn, Server: conn.Server, Message: msg})
	}
}

// routeMessage is this core's §4.D chokepoint for a local user's own
// PRIVMSG/NOTICE: unlike every other command, message delivery isn't left to
// the pluggable command-handler layer, since routing to a local or remote
// target is exactly the job the entity model (DoPrivmsgNotice) already owns.
func (rt *Runtime) routeMessage(source *User, msg ircmsg.Message) {
	all := msg.AllParams()
	if len(all) == 0 {
		return
	}
	targetName := all[0]

	var text string
	if len(all) > 1 {
		text = all[1]
	}

	target := rt.Pool.ByNick(targetName)
	if target == nil {
		target = rt.Pool.ByUID(targetName)
	}
	if target == nil {
		if msg.Command == "PRIVMSG" {
			source.Conn.send(ErrNoSuchNick, targetName, "No such nick/channel")
		}
		return
	}

	DoPrivmsgNotice(rt.Hooks, source, target, msg.Command, text, MessageOpts{},
		func(to *User, command, sourceMask, text string) {
			to.Conn.sendFrom(sourceMask, command, to.Nick, text)
		},
		func(to *User, command string, from *User, text string) {
			if to.Location != nil && to.Location.Conn != nil {
				to.Location.Conn.sendFrom(from.UID, command, to.UID, text)
			}
		},
		func(u *User, numeric string, args []string) {
			u.Conn.send(numeric, append([]string{u.Nick}, args...)...)
		},
	)

	rt.metrics.MessagesRouted.Inc()
}

// doLinks answers LINKS by walking the server tree rooted at Me: itself
// first, then every server GetLinkedServers finds, each annotated with its
// HopDistance from Me.
func (rt *Runtime) doLinks(u *User) {
	me := rt.Pool.Me()

	u.Conn.send(ReplyLinks, u.Nick, me.Name, me.Name, fmt.Sprintf("%d %s", 0, rt.Config.ServerInfo))
	for _, s := range me.GetLinkedServers() {
		u.Conn.send(ReplyLinks, u.Nick, s.Name, s.Name, fmt.Sprintf("%d %s", HopDistance(s, me), s.Desc))
	}
	u.Conn.send(ReplyEndOfLinks, u.Nick, "*", "End of LINKS list")
}

// doWallops fans a local oper's WALLOPS out to every local oper (the sender
// included) and on to every linked peer, which repeats the fan-out on its
// own side.
func (rt *Runtime) doWallops(source *User, msg ircmsg.Message) {
	all := msg.AllParams()
	if len(all) == 0 {
		source.Conn.send(ErrNotEnoughParams, source.Nick, "WALLOPS", "Not enough parameters")
		return
	}
	if !source.IsOperator() {
		source.Conn.send(ErrNoPrivileges, source.Nick, "Permission Denied- You're not an IRC operator")
		return
	}

	text := all[0]

	for _, u := range rt.Pool.Users() {
		if u.Conn != nil && u.IsOperator() {
			u.Conn.sendFrom(source.Mask(), "WALLOPS", text)
		}
	}

	SendChildren(rt.Pool.Servers(), nil, func(s *Server) {
		s.Conn.sendFrom(source.UID, "WALLOPS", text)
	})
}

// relayWallops re-fans a WALLOPS received from a linked peer to this
// server's own local opers and its other linked peers, excluding the one it
// arrived from -- the same tree-broadcast shape as doWallops, starting from
// a remote source instead of a local one.
func (rt *Runtime) relayWallops(from *Server, msg ircmsg.Message) {
	all := msg.AllParams()
	if len(all) == 0 {
		return
	}
	text := all[0]

	for _, u := range rt.Pool.Users() {
		if u.Conn != nil && u.IsOperator() {
			u.Conn.sendFrom(msg.Source, "WALLOPS", text)
		}
	}

	SendChildren(rt.Pool.Servers(), from, func(s *Server) {
		s.Conn.sendFrom(msg.Source, "WALLOPS", text)
	})
}

// doRehash reloads the MOTD, oper, and connect-block portions of the main
// config file in place; every other setting keeps its loaded value until a
// restart.
func (rt *Runtime) doRehash(source *User) {
	if !source.IsOperator() {
		source.Conn.send(ErrNoPrivileges, source.Nick, "Permission Denied- You're not an IRC operator")
		return
	}

	cfg, err := LoadConfig(rt.Config.ConfigPath)
	if err != nil {
		rt.noticeOpers(fmt.Sprintf("Rehash: configuration problem: %s", err))
		return
	}

	rt.Config.MOTD = cfg.MOTD
	rt.Config.Opers = cfg.Opers
	rt.Config.Links = cfg.Links

	rt.noticeOpers(fmt.Sprintf("%s rehashed configuration.", source.Nick))
}

// noticeOpers sends a server NOTICE to every local oper.
func (rt *Runtime) noticeOpers(text string) {
	for _, u := range rt.Pool.Users() {
		if u.Conn != nil && u.IsOperator() {
			u.Conn.send("NOTICE", u.Nick, text)
		}
	}
}

// UserCommandArgs is the payload for a registered local user's generic
// command dispatch hook.
type UserCommandArgs struct {
	Conn    *Connection
	User    *User
	Message ircmsg.Message
}

// ServerCommandArgs is the payload for a linked server's generic command
// dispatch hook.
type ServerCommandArgs struct {
	Conn    *Connection
	Server  *Server
	Message ircmsg.Message
}

// checkAndPingConnections sweeps every connection: pings idle-but-alive
// ones, closes ones idle past DeadTime.
func (rt *Runtime) checkAndPingConnections() {
	now := nowFunc()

	for _, c := range rt.Pool.Connections() {
		idle := now.Sub(c.LastResponse)

		if idle > rt.Config.DeadTime {
			c.Done(fmt.Sprintf("Ping timeout: %d seconds", int(idle.Seconds())), false)
			continue
		}

		if idle < rt.Config.PingTime {
			continue
		}

		if c.PingInAir {
			continue
		}

		c.send("PING", rt.Config.ServerName)
		c.PingInAir = true
	}
}

// WelcomeLocalUser runs the §4.D welcome sequence for a freshly promoted
// local user.
func (rt *Runtime) WelcomeLocalUser(u *User, tls bool) {
	if tls {
		u.SetMode("ssl")
	}

	rt.metrics.Users.Inc()

	u.Welcome(rt.Pool.Me(), WelcomeParams{
		ServerName: rt.Config.ServerName,
		ServerInfo: rt.Config.ServerInfo,
		Version:    "corvid",
		TLS:        tls,
		ISupport:   []string{fmt.Sprintf("NETWORK=%s", rt.Config.ServerName)},
		SendYourID: true,
	},
		func(numeric string, args []string) {
			full := append([]string{numeric}, args...)
			u.Conn.send(full[0], append([]string{u.Nick}, full[1:]...)...)
		},
		func(modeStr string) {
			u.Conn.send("MODE", u.Nick, modeStr)
		},
		func() {
			rt.broadcastNewUser(u)
		},
		func() { rt.Hooks.Fire("dispatch_lusers", u) },
		func() { rt.Hooks.Fire("dispatch_motd", u) },
	)
}

func (rt *Runtime) broadcastNewUser(u *User) {
	SendChildren(rt.Pool.Servers(), nil, func(s *Server) {
		s.Conn.send("UID", u.UID, u.Nick, rt.umodesFor(u, s), u.Ident, u.Host)
	})
}

// umodesFor returns u's umode string translated into peer's letter table,
// since two linked servers needn't agree on which letter means what (§4.F).
func (rt *Runtime) umodesFor(u *User, peer *Server) string {
	str := ConvertUModeString(rt.Pool.Me(), peer, u.UModeString(rt.Pool.Me()))
	rt.metrics.ModeTranslated.Inc()
	return str
}

// statusLetters translates a channel's status-mode names (e.g. "op") into
// home's letter table (e.g. "o"), sorted for a stable MODE line.
func statusLetters(home *Server, names []string) string {
	letters := make([]byte, 0, len(names))
	for _, name := range names {
		if def, ok := home.CModeLetter(name); ok {
			letters = append(letters, def.Letter)
		}
	}
	sort.Slice(letters, func(i, j int) bool { return letters[i] < letters[j] })
	return string(letters)
}

// ApplyMaskChange updates u's ident/cloak and fans the change out per §4.D:
// RPL_HOSTHIDDEN (or its reset numeric) to u itself if local and welcomed, a
// CHGHOST line to every channel-sharing peer that's negotiated the
// capability, and the QUIT+JOIN+MODE emulation to every peer that hasn't
// (unless HideEmulatedChghost suppresses it). channels is the set u is a
// member of; like Quit/SetAway/Login/Logout this package has no channel
// registry of its own, so the caller supplies it.
func (rt *Runtime) ApplyMaskChange(u *User, newIdent, newCloak string, channels []*Channel) MaskChangeResult {
	oldMask := u.Mask()
	result := u.GetMaskChanged(newIdent, newCloak)

	if u.IsLocal() && u.InitComplete {
		sendNumeric := func(numeric string, args []string) {
			full := append([]string{numeric}, args...)
			u.Conn.send(full[0], append([]string{u.Nick}, full[1:]...)...)
		}
		if result.CloakChanged {
			if u.Cloak != "" {
				sendNumeric(ReplyHostHidden, []string{u.Cloak, "is now your displayed host"})
			} else {
				sendNumeric(ReplyHostHiddenRst, []string{"is no longer your displayed host"})
			}
		}
	}

	if !result.CloakChanged {
		return result
	}

	newMask := u.Mask()

	var chanNames []string
	modesByChannel := make(map[string]string)
	notified := make(map[string]bool)
	var chghostPeers, emulatePeers []*User

	for _, ch := range channels {
		if !ch.HasMember(u.UID) {
			continue
		}
		chanNames = append(chanNames, ch.Name)
		modesByChannel[ch.Name] = statusLetters(rt.Pool.Me(), ch.StatusModes(u.UID))

		for uid := range ch.Members {
			if uid == u.UID || notified[uid] {
				continue
			}
			notified[uid] = true
			peer := rt.Pool.ByUID(uid)
			if peer == nil || !peer.IsLocal() {
				continue
			}
			if peer.HasCap("chghost") {
				chghostPeers = append(chghostPeers, peer)
			} else if !rt.Config.HideEmulatedChghost {
				emulatePeers = append(emulatePeers, peer)
			}
		}
	}

	for _, peer := range chghostPeers {
		peer.Conn.sendFrom(oldMask, "CHGHOST", u.Ident, u.visibleHost())
	}

	if len(emulatePeers) > 0 {
		sort.Strings(chanNames)
		lines := EmulatedMaskChange(chanNames, modesByChannel, u.Nick)
		for _, peer := range emulatePeers {
			for i, line := range lines {
				source := newMask
				if i == 0 {
					source = oldMask
				}
				peer.Conn.sendRawFrom(source, line)
			}
		}
	}

	return result
}

// QuitLocalUser tears down a user: pool removal, the QUIT line to the user's
// own connection if it has one, and (if propagate) peer announcement. It
// hands Quit no channel lookup, so no channel members are notified.
func (rt *Runtime) QuitLocalUser(u *User, reason string, propagate bool) {
	rt.metrics.Users.Dec()
	u.Quit(rt.Pool,
		func(*User) []string { return nil },
		func(string) []string { return nil },
		reason, propagate,
		func(target *User, line string) {
			if target.Conn != nil {
				target.Conn.send("QUIT", line)
			}
		},
		func(line string) {
			SendChildren(rt.Pool.Servers(), nil, func(s *Server) {
				s.Conn.send("QUIT", line)
			})
		},
	)
}

// QuitServer implements the §4.E quit cascade: children first, then users
// homed there, then pool removal.
func (rt *Runtime) QuitServer(s *Server, reason string) {
	for _, child := range s.Children {
		rt.QuitServer(child, "parent server has disconnected")
	}

	for _, u := range s.Users {
		rt.QuitLocalUser(u, reason, false)
	}

	rt.Pool.RemoveServer(s)
	rt.metrics.Servers.Dec()
	rt.Hooks.Fire("server_quit", s)
}

// AnnounceServer tells every other linked peer about a newly registered
// server.
func (rt *Runtime) AnnounceServer(s *Server) {
	SendChildren(rt.Pool.Servers(), s, func(peer *Server) {
		peer.Conn.send("SID", s.Name, "1", s.SID, s.Desc)
	})
}

// SendBurstTo sends a newly linked peer one UID line for every user homed
// on this server, with modes translated into the peer's letter table.
// Channels are not sent. The send_burst hooks (§4.E) are fired around it by
// Server.SendBurst, not by this function.
func (rt *Runtime) SendBurstTo(s *Server) error {
	for _, u := range rt.Pool.Users() {
		if u.Server == rt.Pool.Me() {
			s.Conn.send("UID", u.UID, u.Nick, rt.umodesFor(u, s), u.Ident, u.Host)
		}
	}
	return nil
}

// TimedSendBurstTo performs the §4.E burst to s and records its wall-clock
// duration, success or failure, in the burst-duration histogram.
func (rt *Runtime) TimedSendBurstTo(s *Server) error {
	start := nowFunc()
	err := s.SendBurst(rt.Hooks, func() error { return rt.SendBurstTo(s) })
	rt.metrics.BurstSeconds.Observe(nowFunc().Sub(start).Seconds())
	return err
}

// SchedulePendingConnect arms a one-shot outbound-connect attempt for a
// configured link, cancellable by CancelPendingConnect (§4.C, §5).
func (rt *Runtime) SchedulePendingConnect(name string, after time.Duration, fn func()) {
	rt.pendingMu.Lock()
	defer rt.pendingMu.Unlock()
	if t, ok := rt.pendingConnects[name]; ok {
		t.Stop()
	}
	rt.pendingConnects[name] = time.AfterFunc(after, fn)
}

// CancelPendingConnect cancels any pending outbound-connect timer for
// name. A no-op if none is armed.
func (rt *Runtime) CancelPendingConnect(name string) {
	rt.pendingMu.Lock()
	defer rt.pendingMu.Unlock()
	if t, ok := rt.pendingConnects[name]; ok {
		t.Stop()
		delete(rt.pendingConnects, name)
	}
}
