package corvid

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/time/rate"

	"github.com/hallowell-irc/corvid/internal/ircmsg"
)

func drainPipe(t *testing.T, c net.Conn) chan []byte {
	out := make(chan []byte, 32)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := c.Read(buf)
			if n > 0 {
				cp := make([]byte, n)
				copy(cp, buf[:n])
				out <- cp
			}
			if err != nil {
				close(out)
				return
			}
		}
	}()
	return out
}

func TestWelcomeLocalUserSendsNumericsAndMarksComplete(t *testing.T) {
	rt := NewRuntime(testConfig(), DefaultUModes(), DefaultCModes())
	server, client := net.Pipe()
	defer client.Close()
	out := drainPipe(t, client)

	conn := NewConnection(rt, "10.0.0.1", "10.0.0.1", server)
	u := NewUser("1AAAAAAAA", "alice", rt.Pool.Me(), rt.Pool.Me())
	u.Ident, u.Host, u.Cloak = "alice", "10.0.0.1", "10.0.0.1"
	u.Conn = conn
	conn.User = u
	conn.Ready = true
	_ = rt.Pool.AddUser(u)

	done := make(chan struct{})
	go func() {
		rt.WelcomeLocalUser(u, false)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("WelcomeLocalUser did not return")
	}

	if !u.InitComplete {
		t.Fatal("expected InitComplete to be set")
	}

	select {
	case buf := <-out:
		if len(buf) == 0 {
			t.Fatal("expected welcome bytes on the wire")
		}
	case <-time.After(time.Second):
		t.Fatal("expected some welcome output")
	}
}

func TestQuitLocalUserRemovesFromPool(t *testing.T) {
	rt := NewRuntime(testConfig(), DefaultUModes(), DefaultCModes())
	u := NewUser("1AAAAAAAA", "alice", rt.Pool.Me(), rt.Pool.Me())
	_ = rt.Pool.AddUser(u)

	rt.QuitLocalUser(u, "bye", false)

	if rt.Pool.ByUID(u.UID) != nil {
		t.Fatal("expected user to be removed from pool")
	}
}

func TestQuitServerCascadesToChildrenAndUsers(t *testing.T) {
	rt := NewRuntime(testConfig(), DefaultUModes(), DefaultCModes())
	me := rt.Pool.Me()

	mid := NewServer("2BB", "mid.example.org", "mid", "6", "corvid", me)
	_ = rt.Pool.AddServer(mid)
	leaf := NewServer("3CC", "leaf.example.org", "leaf", "6", "corvid", mid)
	_ = rt.Pool.AddServer(leaf)

	u := NewUser("3CCAAAAAA", "remoteuser", leaf, leaf)
	leaf.Users[u.UID] = u
	_ = rt.Pool.AddUser(u)

	rt.QuitServer(mid, "link lost")

	if rt.Pool.BySID("2BB") != nil || rt.Pool.BySID("3CC") != nil {
		t.Fatal("expected both mid and leaf to be deindexed")
	}
	if rt.Pool.ByUID(u.UID) != nil {
		t.Fatal("expected the leaf's user to be removed too")
	}
}

func TestCheckAndPingConnectionsPingsIdle(t *testing.T) {
	rt := NewRuntime(testConfig(), DefaultUModes(), DefaultCModes())
	rt.Config.PingTime = 0
	rt.Config.DeadTime = time.Hour

	server, client := net.Pipe()
	defer client.Close()
	out := drainPipe(t, client)

	conn := NewConnection(rt, "10.0.0.1", "10.0.0.1", server)
	conn.LastResponse = nowFunc().Add(-time.Minute)
	rt.Pool.AddConnection(conn)

	go rt.checkAndPingConnections()

	select {
	case buf := <-out:
		if len(buf) == 0 {
			t.Fatal("expected a PING to be written")
		}
	case <-time.After(time.Second):
		t.Fatal("expected a PING within the timeout")
	}
}

func TestCheckAndPingConnectionsClosesDead(t *testing.T) {
	rt := NewRuntime(testConfig(), DefaultUModes(), DefaultCModes())
	rt.Config.DeadTime = 0

	server, client := net.Pipe()
	defer client.Close()
	drainPipe(t, client)

	conn := NewConnection(rt, "10.0.0.1", "10.0.0.1", server)
	conn.LastResponse = nowFunc().Add(-time.Hour)
	rt.Pool.AddConnection(conn)

	rt.checkAndPingConnections()

	if !conn.Goodbye {
		t.Fatal("expected a connection idle past DeadTime to be closed")
	}
}

func TestSchedulePendingConnectCancel(t *testing.T) {
	rt := NewRuntime(testConfig(), DefaultUModes(), DefaultCModes())

	fired := make(chan struct{}, 1)
	rt.SchedulePendingConnect("leaf.example.org", 10*time.Millisecond, func() {
		fired <- struct{}{}
	})
	rt.CancelPendingConnect("leaf.example.org")

	select {
	case <-fired:
		t.Fatal("expected the cancelled connect attempt to not fire")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDispatchMessageRoutesPrivmsgToLocalUser(t *testing.T) {
	rt := NewRuntime(testConfig(), DefaultUModes(), DefaultCModes())

	aliceServer, aliceClient := net.Pipe()
	defer aliceClient.Close()
	drainPipe(t, aliceClient)
	aliceConn := NewConnection(rt, "10.0.0.1", "10.0.0.1", aliceServer)
	alice := NewUser("1AAAAAAAA", "alice", rt.Pool.Me(), rt.Pool.Me())
	alice.Ident, alice.Host = "alice", "10.0.0.1"
	alice.Conn = aliceConn
	aliceConn.User = alice
	aliceConn.Ready = true
	require := rt.Pool.AddUser(alice)
	if require != nil {
		t.Fatalf("AddUser(alice): %s", require)
	}

	bobServer, bobClient := net.Pipe()
	defer bobClient.Close()
	out := drainPipe(t, bobClient)
	bobConn := NewConnection(rt, "10.0.0.2", "10.0.0.2", bobServer)
	bob := NewUser("1AAAAAAAB", "bob", rt.Pool.Me(), rt.Pool.Me())
	bob.Ident, bob.Host = "bob", "10.0.0.2"
	bob.Conn = bobConn
	bobConn.User = bob
	bobConn.Ready = true
	if err := rt.Pool.AddUser(bob); err != nil {
		t.Fatalf("AddUser(bob): %s", err)
	}

	before := testutil.ToFloat64(rt.metrics.MessagesRouted)

	rt.dispatchMessage(aliceConn, ircmsg.Message{
		Command: "PRIVMSG", Params: []string{"bob"}, Trailing: "hi", HasTrailing: true,
	})

	select {
	case buf := <-out:
		line := string(buf)
		if !strings.Contains(line, "PRIVMSG bob :hi") || !strings.HasPrefix(line, ":alice!alice@10.0.0.1") {
			t.Fatalf("unexpected relayed line: %q", line)
		}
	case <-time.After(time.Second):
		t.Fatal("expected the PRIVMSG to be relayed to bob")
	}

	if got := testutil.ToFloat64(rt.metrics.MessagesRouted); got != before+1 {
		t.Fatalf("expected MessagesRouted to increment by 1, got delta %v", got-before)
	}
}

func TestBroadcastNewUserTranslatesUModesAndCountsMetric(t *testing.T) {
	rt := NewRuntime(testConfig(), DefaultUModes(), DefaultCModes())

	peerServer, peerClient := net.Pipe()
	defer peerClient.Close()
	out := drainPipe(t, peerClient)

	peer := NewServer("2BB", "leaf.example.org", "leaf", "6", "corvid", rt.Pool.Me())
	peer.Conn = NewConnection(rt, "10.0.0.9", "10.0.0.9", peerServer)
	peer.Conn.Server = peer
	if err := rt.Pool.AddServer(peer); err != nil {
		t.Fatalf("AddServer: %s", err)
	}
	if err := peer.SendBurst(rt.Hooks, func() error { return nil }); err != nil {
		t.Fatalf("SendBurst: %s", err)
	}

	u := NewUser("1AAAAAAAA", "alice", rt.Pool.Me(), rt.Pool.Me())
	u.Ident, u.Host = "alice", "10.0.0.1"
	u.SetMode("ircop")
	if err := rt.Pool.AddUser(u); err != nil {
		t.Fatalf("AddUser: %s", err)
	}

	before := testutil.ToFloat64(rt.metrics.ModeTranslated)

	rt.broadcastNewUser(u)

	select {
	case buf := <-out:
		if !strings.Contains(string(buf), "UID") {
			t.Fatalf("expected a UID line, got %q", buf)
		}
	case <-time.After(time.Second):
		t.Fatal("expected the burst UID line to reach the peer")
	}

	if got := testutil.ToFloat64(rt.metrics.ModeTranslated); got != before+1 {
		t.Fatalf("expected ModeTranslated to increment by 1, got delta %v", got-before)
	}
}

func TestTimedSendBurstToRecordsDuration(t *testing.T) {
	rt := NewRuntime(testConfig(), DefaultUModes(), DefaultCModes())

	peerServer, peerClient := net.Pipe()
	defer peerClient.Close()
	drainPipe(t, peerClient)

	peer := NewServer("2BB", "leaf.example.org", "leaf", "6", "corvid", rt.Pool.Me())
	peer.Conn = NewConnection(rt, "10.0.0.9", "10.0.0.9", peerServer)
	if err := rt.Pool.AddServer(peer); err != nil {
		t.Fatalf("AddServer: %s", err)
	}

	// BurstSeconds is a histogram, so read its sample count from a gathered
	// snapshot rather than through testutil.ToFloat64.
	reg := prometheus.NewRegistry()
	reg.MustRegister(rt.metrics.BurstSeconds)
	burstCount := func() uint64 {
		mfs, err := reg.Gather()
		if err != nil || len(mfs) != 1 || len(mfs[0].GetMetric()) != 1 {
			t.Fatalf("gathering BurstSeconds: %v", err)
		}
		return mfs[0].GetMetric()[0].GetHistogram().GetSampleCount()
	}

	before := burstCount()

	if err := rt.TimedSendBurstTo(peer); err != nil {
		t.Fatalf("TimedSendBurstTo: %s", err)
	}

	if got := burstCount(); got != before+1 {
		t.Fatalf("expected one BurstSeconds observation, got delta %v", got-before)
	}
	if !peer.Bursted() {
		t.Fatal("expected the peer to be marked bursted")
	}
}

func TestDoLinksWalksServerTree(t *testing.T) {
	rt := NewRuntime(testConfig(), DefaultUModes(), DefaultCModes())
	me := rt.Pool.Me()

	mid := NewServer("2BB", "mid.example.org", "a mid server", "6", "corvid", me)
	if err := rt.Pool.AddServer(mid); err != nil {
		t.Fatalf("AddServer(mid): %s", err)
	}
	leaf := NewServer("3CC", "leaf.example.org", "a leaf server", "6", "corvid", mid)
	if err := rt.Pool.AddServer(leaf); err != nil {
		t.Fatalf("AddServer(leaf): %s", err)
	}

	server, client := net.Pipe()
	defer client.Close()
	out := drainPipe(t, client)

	conn := NewConnection(rt, "10.0.0.1", "10.0.0.1", server)
	u := NewUser("1AAAAAAAA", "alice", me, me)
	u.Conn = conn
	conn.User = u

	rt.doLinks(u)

	var lines []string
	timeout := time.After(time.Second)
collect:
	for {
		select {
		case buf, ok := <-out:
			if !ok {
				break collect
			}
			lines = append(lines, string(buf))
			if strings.Contains(string(buf), ReplyEndOfLinks) {
				break collect
			}
		case <-timeout:
			break collect
		}
	}

	joined := strings.Join(lines, "")
	if !strings.Contains(joined, "mid.example.org") || !strings.Contains(joined, "leaf.example.org") {
		t.Fatalf("expected both linked servers in LINKS output, got %q", joined)
	}
	if !strings.Contains(joined, "2 a leaf server") {
		t.Fatalf("expected the leaf's hop count of 2 in its line, got %q", joined)
	}
	if !strings.Contains(joined, ReplyEndOfLinks) {
		t.Fatalf("expected a terminating RPL_ENDOFLINKS, got %q", joined)
	}
}

func TestDoWallopsRequiresOperAndFansOut(t *testing.T) {
	rt := NewRuntime(testConfig(), DefaultUModes(), DefaultCModes())
	me := rt.Pool.Me()

	operServer, operClient := net.Pipe()
	defer operClient.Close()
	operOut := drainPipe(t, operClient)
	operConn := NewConnection(rt, "10.0.0.1", "10.0.0.1", operServer)
	oper := NewUser("1AAAAAAAA", "oper", me, me)
	oper.Conn = operConn
	operConn.User = oper
	if err := rt.Pool.AddUser(oper); err != nil {
		t.Fatalf("AddUser(oper): %s", err)
	}

	otherServer, otherClient := net.Pipe()
	defer otherClient.Close()
	otherOut := drainPipe(t, otherClient)
	otherConn := NewConnection(rt, "10.0.0.2", "10.0.0.2", otherServer)
	otherOper := NewUser("1AAAAAAAB", "otheroper", me, me)
	otherOper.Conn = otherConn
	otherConn.User = otherOper
	if err := rt.Pool.AddUser(otherOper); err != nil {
		t.Fatalf("AddUser(otherOper): %s", err)
	}
	otherOper.AddOperFlags("all")

	peerServer, peerClient := net.Pipe()
	defer peerClient.Close()
	peerOut := drainPipe(t, peerClient)
	peer := NewServer("2BB", "leaf.example.org", "leaf", "6", "corvid", me)
	peer.Conn = NewConnection(rt, "10.0.0.9", "10.0.0.9", peerServer)
	if err := rt.Pool.AddServer(peer); err != nil {
		t.Fatalf("AddServer(peer): %s", err)
	}
	if err := peer.SendBurst(rt.Hooks, func() error { return nil }); err != nil {
		t.Fatalf("SendBurst: %s", err)
	}

	rt.doWallops(oper, ircmsg.Message{Command: "WALLOPS", Trailing: "not an oper yet", HasTrailing: true})
	select {
	case buf := <-operOut:
		if !strings.Contains(string(buf), ErrNoPrivileges) {
			t.Fatalf("expected ERR_NOPRIVILEGES before gaining oper flags, got %q", buf)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a permission-denied reply")
	}

	oper.AddOperFlags("all")

	rt.doWallops(oper, ircmsg.Message{Command: "WALLOPS", Trailing: "server on fire", HasTrailing: true})

	select {
	case buf := <-otherOut:
		if !strings.Contains(string(buf), "server on fire") {
			t.Fatalf("expected the other local oper to receive the WALLOPS, got %q", buf)
		}
	case <-time.After(time.Second):
		t.Fatal("expected the other local oper to receive the WALLOPS")
	}

	select {
	case buf := <-peerOut:
		if !strings.Contains(string(buf), "server on fire") {
			t.Fatalf("expected the linked peer to receive the WALLOPS, got %q", buf)
		}
	case <-time.After(time.Second):
		t.Fatal("expected the linked peer to receive the WALLOPS")
	}
}

func TestDoRehashReloadsMOTDAndOpers(t *testing.T) {
	rt := NewRuntime(testConfig(), DefaultUModes(), DefaultCModes())
	me := rt.Pool.Me()
	rt.Config.ConfigPath = writeTestConfigFiles(t)

	server, client := net.Pipe()
	defer client.Close()
	out := drainPipe(t, client)

	conn := NewConnection(rt, "10.0.0.1", "10.0.0.1", server)
	oper := NewUser("1AAAAAAAA", "oper", me, me)
	oper.Conn = conn
	conn.User = oper
	oper.AddOperFlags("all")
	if err := rt.Pool.AddUser(oper); err != nil {
		t.Fatalf("AddUser(oper): %s", err)
	}

	rt.doRehash(oper)

	select {
	case buf := <-out:
		if !strings.Contains(string(buf), "rehashed configuration") {
			t.Fatalf("expected a rehash confirmation notice, got %q", buf)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a rehash confirmation notice")
	}

	if rt.Config.MOTD != "Welcome" {
		t.Fatalf("expected MOTD to be reloaded, got %q", rt.Config.MOTD)
	}
	if _, ok := rt.Config.Opers["root"]; !ok {
		t.Fatal("expected opers to be reloaded")
	}
	if _, ok := rt.Config.Links["leaf.example.org"]; !ok {
		t.Fatal("expected connect blocks to be reloaded")
	}
}

func TestDispatchMessageFloodControl(t *testing.T) {
	rt := NewRuntime(testConfig(), DefaultUModes(), DefaultCModes())
	server, client := net.Pipe()
	defer client.Close()
	drainPipe(t, client)

	conn := NewConnection(rt, "10.0.0.1", "10.0.0.1", server)
	rt.Pool.AddConnection(conn)
	rt.limitersMu.Lock()
	rt.limiters[conn] = rate.NewLimiter(rate.Every(time.Hour), 1)
	rt.limitersMu.Unlock()

	var handled int
	rt.Hooks.Register("command_PING", conn, func(args interface{}) HookResult {
		handled++
		return HookResult{}
	})

	// Not ready, so PING falls through to the pre-registration path and
	// fires the generic command hook there instead.
	rt.dispatchMessage(conn, ircmsg.Message{Command: "PING"})
	if handled != 1 {
		t.Fatalf("expected the pre-reg command hook to fire once, got %d", handled)
	}

	// The limiter's single token is spent, so the next frame is dropped
	// before it reaches any handler.
	rt.dispatchMessage(conn, ircmsg.Message{Command: "PING"})
	if handled != 1 {
		t.Fatalf("expected the flood limiter to drop the second message, got %d hook calls", handled)
	}
}

// TestApplyMaskChangeSendsChghostAndEmulatesFallback reproduces the §8
// scenario: a user changes cloak while two peers share a channel with her,
// one op. One peer has negotiated chghost and gets a single CHGHOST line;
// the other hasn't, and gets QUIT+JOIN+MODE instead.
func TestApplyMaskChangeSendsChghostAndEmulatesFallback(t *testing.T) {
	rt := NewRuntime(testConfig(), DefaultUModes(), DefaultCModes())

	aliceServer, aliceClient := net.Pipe()
	defer aliceClient.Close()
	drainPipe(t, aliceClient)
	aliceConn := NewConnection(rt, "10.0.0.1", "10.0.0.1", aliceServer)
	alice := NewUser("1AAAAAAAA", "alice", rt.Pool.Me(), rt.Pool.Me())
	alice.Ident, alice.Host, alice.Cloak = "alice", "alice.example.org", "alice.example.org"
	alice.Conn = aliceConn
	aliceConn.User = alice
	aliceConn.Ready = true
	if err := rt.Pool.AddUser(alice); err != nil {
		t.Fatalf("AddUser(alice): %s", err)
	}

	capServer, capClient := net.Pipe()
	defer capClient.Close()
	capOut := drainPipe(t, capClient)
	capConn := NewConnection(rt, "10.0.0.2", "10.0.0.2", capServer)
	capPeer := NewUser("1AAAAAAAB", "carol", rt.Pool.Me(), rt.Pool.Me())
	capPeer.Ident, capPeer.Host = "carol", "10.0.0.2"
	capPeer.Caps = map[string]struct{}{"chghost": {}}
	capPeer.Conn = capConn
	capConn.User = capPeer
	capConn.Ready = true
	if err := rt.Pool.AddUser(capPeer); err != nil {
		t.Fatalf("AddUser(carol): %s", err)
	}

	plainServer, plainClient := net.Pipe()
	defer plainClient.Close()
	plainOut := drainPipe(t, plainClient)
	plainConn := NewConnection(rt, "10.0.0.3", "10.0.0.3", plainServer)
	plainPeer := NewUser("1AAAAAAAC", "dave", rt.Pool.Me(), rt.Pool.Me())
	plainPeer.Ident, plainPeer.Host = "dave", "10.0.0.3"
	plainPeer.Conn = plainConn
	plainConn.User = plainPeer
	plainConn.Ready = true
	if err := rt.Pool.AddUser(plainPeer); err != nil {
		t.Fatalf("AddUser(dave): %s", err)
	}

	chan1 := NewChannel("#chan")
	chan1.AddMember(alice.UID)
	chan1.GrantStatus(alice.UID, "op")
	chan1.AddMember(capPeer.UID)
	chan1.AddMember(plainPeer.UID)

	rt.ApplyMaskChange(alice, "alice", "cloaked.example.org", []*Channel{chan1})

	select {
	case buf := <-capOut:
		line := string(buf)
		if !strings.HasPrefix(line, ":alice!alice@alice.example.org CHGHOST alice :cloaked.example.org") {
			t.Fatalf("unexpected CHGHOST line to the chghost peer: %q", line)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a CHGHOST line to the capability-negotiating peer")
	}

	var plainLines string
	for len(strings.Split(strings.TrimRight(plainLines, "\r\n"), "\r\n")) < 3 {
		select {
		case buf := <-plainOut:
			plainLines += string(buf)
		case <-time.After(time.Second):
			t.Fatalf("expected three emulated lines on the non-capability peer, got %q", plainLines)
		}
	}
	if !strings.Contains(plainLines, ":alice!alice@alice.example.org QUIT :Changing host") {
		t.Fatalf("expected the QUIT line to carry the old mask, got %q", plainLines)
	}
	if !strings.Contains(plainLines, ":alice!alice@cloaked.example.org JOIN #chan") {
		t.Fatalf("expected the JOIN line to carry the new mask, got %q", plainLines)
	}
	if !strings.Contains(plainLines, ":alice!alice@cloaked.example.org MODE #chan +o alice") {
		t.Fatalf("expected a status MODE restoring alice's op, got %q", plainLines)
	}

	if alice.Cloak != "cloaked.example.org" {
		t.Fatalf("expected alice's cloak to be updated, got %q", alice.Cloak)
	}
}
