package server

import (
	"bytes"
	"encoding/json"
	"math/rand"
	"testing"
	"time"
)

// 测试直接调用房间协程内的处理函数，绕过通道以获得确定性时序
// 时间经 fakeClock 控制，免疫窗口可精确推进

type fakeClock struct{ ms int64 }

func (c *fakeClock) now() time.Time { return time.UnixMilli(c.ms) }

func newTestRoom() (*Room, *fakeClock) {
	r := NewRoom("test-room", DefaultConfig())
	r.rng = rand.New(rand.NewSource(7))
	clk := &fakeClock{ms: 1_000_000}
	r.nowFn = clk.now
	return r, clk
}

func join(t *testing.T, r *Room, nickname string) *Player {
	t.Helper()
	return joinWithQueue(t, r, nickname, 256)
}

func joinWithQueue(t *testing.T, r *Room, nickname string, queueSize int) *Player {
	t.Helper()
	conn := NewClientConnWithQueue(nil, queueSize)
	reply := make(chan PlayerID, 1)
	r.handleJoin(joinCmd{nickname: nickname, conn: conn, reply: reply})
	select {
	case id := <-reply:
		p, ok := r.players[id]
		if !ok {
			t.Fatalf("player %s not in room after join", id)
		}
		return p
	default:
		t.Fatal("no join reply")
		return nil
	}
}

func drainEnvelopes(t *testing.T, c *ClientConn) []Envelope {
	t.Helper()
	var out []Envelope
	for {
		select {
		case b, ok := <-c.send:
			if !ok {
				return out
			}
			var env Envelope
			if err := json.Unmarshal(b, &env); err != nil {
				t.Fatalf("unmarshal broadcast: %v", err)
			}
			out = append(out, env)
		default:
			return out
		}
	}
}

func countType(msgs []Envelope, msgType string) int {
	n := 0
	for _, m := range msgs {
		if m.Type == msgType {
			n++
		}
	}
	return n
}

func countIt(r *Room) int {
	n := 0
	for _, p := range r.players {
		if p.IsIt {
			n++
		}
	}
	return n
}

func forceIt(r *Room, p *Player) {
	for _, q := range r.players {
		q.IsIt = false
	}
	p.IsIt = true
}

func place(p *Player, x, y float64) {
	p.X, p.Y = x, y
}

func TestLobbyUntilExplicitStart(t *testing.T) {
	r, _ := newTestRoom()
	alice := join(t, r, "Alice")
	bob := join(t, r, "Bob")

	if r.matchState != StateLobby {
		t.Fatalf("two joins should stay in lobby, got %v", r.matchState)
	}
	if alice.IsIt || bob.IsIt {
		t.Fatal("nobody holds pique in lobby")
	}

	r.handleRestart(alice.ID)
	if got := countIt(r); got != 1 {
		t.Fatalf("after start expected exactly one pique holder, got %d", got)
	}
	// 两人局开局即进入 x1
	if r.matchState != StateSuddenDeath {
		t.Fatalf("two eligible players means sudden death, got %v", r.matchState)
	}
}

func TestRestartIgnoredWithOnePlayer(t *testing.T) {
	r, _ := newTestRoom()
	alice := join(t, r, "Alice")

	r.handleRestart(alice.ID)
	if r.matchState != StateLobby {
		t.Fatalf("restart with one player is a no-op, got %v", r.matchState)
	}
	if alice.IsIt {
		t.Fatal("no pique holder expected")
	}
}

func TestThreePlayerStartIsRunning(t *testing.T) {
	r, clk := newTestRoom()
	a := join(t, r, "a")
	join(t, r, "b")
	join(t, r, "c")

	r.handleRestart(a.ID)
	if r.matchState != StateRunning {
		t.Fatalf("expected running, got %v", r.matchState)
	}
	if got := countIt(r); got != 1 {
		t.Fatalf("expected exactly one pique holder, got %d", got)
	}
	for _, p := range r.players {
		if p.IsIt && p.ImmuneUntil != clk.ms+r.immunityMs() {
			t.Fatalf("initial pique holder immunity = %d, want %d", p.ImmuneUntil, clk.ms+r.immunityMs())
		}
	}
}

func TestTagTransfersPique(t *testing.T) {
	r, clk := newTestRoom()
	a := join(t, r, "a")
	b := join(t, r, "b")
	c := join(t, r, "c")

	r.setState(StateRunning)
	forceIt(r, a)
	place(a, 100, 100)
	place(b, 120, 100) // 与 a 深度重叠
	place(c, 500, 500)

	r.tick(tickInterval.Seconds())

	if b.CaughtCount != 1 {
		t.Fatalf("target caughtCount = %d, want 1", b.CaughtCount)
	}
	if !b.IsIt || a.IsIt {
		t.Fatal("pique should transfer to the tagged player")
	}
	if b.ImmuneUntil != clk.ms+r.immunityMs() {
		t.Fatalf("target immunity = %d, want %d", b.ImmuneUntil, clk.ms+r.immunityMs())
	}
	if a.ImmuneUntil != clk.ms+r.taggerImmunityMs() {
		t.Fatalf("tagger immunity = %d, want %d", a.ImmuneUntil, clk.ms+r.taggerImmunityMs())
	}

	msgs := drainEnvelopes(t, c.Conn)
	if got := countType(msgs, MsgPiqueTransferred); got != 1 {
		t.Fatalf("expected exactly one piqueTransferred, got %d", got)
	}
}

func TestTaggerImmunityPreventsInstantRetag(t *testing.T) {
	r, clk := newTestRoom()
	a := join(t, r, "a")
	b := join(t, r, "b")
	c := join(t, r, "c")

	r.setState(StateRunning)
	forceIt(r, a)
	place(a, 100, 100)
	place(b, 120, 100)
	place(c, 500, 500)

	r.tick(tickInterval.Seconds()) // a 抓到 b，pique 转移
	r.tick(tickInterval.Seconds()) // a 仍免疫，b 不能立刻反抓
	if a.CaughtCount != 0 {
		t.Fatalf("tagger was retagged during immunity, caughtCount = %d", a.CaughtCount)
	}

	clk.ms += r.taggerImmunityMs() + 100
	r.tick(tickInterval.Seconds())
	if a.CaughtCount != 1 || !a.IsIt {
		t.Fatalf("after immunity lapsed expected retag, caughtCount=%d isIt=%v", a.CaughtCount, a.IsIt)
	}
}

func TestEliminationKeepsPiqueWithTagger(t *testing.T) {
	r, _ := newTestRoom()
	a := join(t, r, "a")
	b := join(t, r, "b")
	c := join(t, r, "c")

	r.setState(StateRunning)
	forceIt(r, a)
	b.CaughtCount = 2
	place(a, 100, 100)
	place(b, 120, 100)
	place(c, 500, 500)

	r.tick(tickInterval.Seconds())

	if b.CaughtCount != 3 {
		t.Fatalf("target caughtCount = %d, want 3", b.CaughtCount)
	}
	if b.IsIt {
		t.Fatal("eliminated player must not hold pique")
	}
	if !a.IsIt {
		t.Fatal("tagger keeps pique when the target is eliminated")
	}

	_, eliminated := r.partitions(r.nowMs())
	if len(eliminated) != 1 || eliminated[0].ID != string(b.ID) {
		t.Fatalf("eliminated partition = %+v, want just %s", eliminated, b.ID)
	}

	// 剩余两名在局玩家 → x1
	if r.matchState != StateSuddenDeath {
		t.Fatalf("expected sudden death, got %v", r.matchState)
	}
	msgs := drainEnvelopes(t, c.Conn)
	if got := countType(msgs, MsgPiqueChanged); got != 1 {
		t.Fatalf("expected one piqueChanged, got %d", got)
	}
	if got := countType(msgs, MsgTwoPlayerModeStarted); got != 1 {
		t.Fatalf("expected one twoPlayerModeStarted, got %d", got)
	}
}

func TestEliminatedIgnoredByTagAndInput(t *testing.T) {
	r, _ := newTestRoom()
	a := join(t, r, "a")
	b := join(t, r, "b")
	c := join(t, r, "c")

	r.setState(StateRunning)
	forceIt(r, a)
	b.CaughtCount = maxCaughtCount
	place(a, 100, 100)
	place(b, 120, 100)
	place(c, 500, 500)

	r.tick(tickInterval.Seconds())
	if b.CaughtCount != maxCaughtCount {
		t.Fatalf("eliminated player tagged again, caughtCount = %d", b.CaughtCount)
	}

	r.handleInput(inputCmd{playerID: b.ID, dir: DirRight, pressed: true})
	if b.Held[DirRight] {
		t.Fatal("eliminated player input must be ignored")
	}
}

func TestTerminationYieldsWinner(t *testing.T) {
	r, _ := newTestRoom()
	a := join(t, r, "a")
	b := join(t, r, "b")
	c := join(t, r, "c")

	r.setState(StateRunning)
	forceIt(r, a)
	b.CaughtCount = maxCaughtCount
	c.CaughtCount = 2
	place(a, 100, 100)
	place(c, 120, 100)
	place(b, 500, 500)

	r.tick(tickInterval.Seconds())

	if r.matchState != StateFinished {
		t.Fatalf("expected finished, got %v", r.matchState)
	}
	if countIt(r) != 0 {
		t.Fatal("no pique holder once finished")
	}

	msgs := drainEnvelopes(t, b.Conn)
	if got := countType(msgs, MsgFinished); got != 1 {
		t.Fatalf("expected one finished message, got %d", got)
	}
	for _, m := range msgs {
		if m.Type != MsgFinished {
			continue
		}
		var payload finishedPayload
		if err := json.Unmarshal(m.Payload, &payload); err != nil {
			t.Fatalf("unmarshal finished payload: %v", err)
		}
		if payload.WinnerID != string(a.ID) {
			t.Fatalf("winnerId = %s, want %s", payload.WinnerID, a.ID)
		}
	}
}

func TestLeaveTransfersPiqueDeterministically(t *testing.T) {
	r, _ := newTestRoom()
	a := join(t, r, "a")
	b := join(t, r, "b")
	c := join(t, r, "c")
	join(t, r, "d")

	r.setState(StateRunning)
	forceIt(r, b)
	drainEnvelopes(t, c.Conn)

	r.handleLeave(b.ID)

	if _, ok := r.players[b.ID]; ok {
		t.Fatal("left player still present")
	}
	if !a.IsIt {
		t.Fatal("pique should transfer to the earliest joined eligible player")
	}
	if countIt(r) != 1 {
		t.Fatalf("expected exactly one pique holder, got %d", countIt(r))
	}
	msgs := drainEnvelopes(t, c.Conn)
	if got := countType(msgs, MsgPiqueChanged); got != 1 {
		t.Fatalf("expected exactly one piqueChanged, got %d", got)
	}
	if got := countType(msgs, MsgPlayerLeft); got != 1 {
		t.Fatalf("expected exactly one playerLeft, got %d", got)
	}
}

func TestLeaveWithoutEliminatedReturnsToLobby(t *testing.T) {
	r, _ := newTestRoom()
	a := join(t, r, "a")
	b := join(t, r, "b")

	r.handleRestart(a.ID) // 两人局 → sudden death
	r.handleLeave(b.ID)

	if r.matchState != StateLobby {
		t.Fatalf("lone player with nobody eliminated returns to lobby, got %v", r.matchState)
	}
	if a.IsIt {
		t.Fatal("no pique holder in lobby")
	}
}

func TestLeaveIsIdempotent(t *testing.T) {
	r, _ := newTestRoom()
	a := join(t, r, "a")
	join(t, r, "b")

	r.handleLeave(a.ID)
	r.handleLeave(a.ID) // 重复离开
	if r.NumPlayers() != 1 {
		t.Fatalf("player count = %d, want 1", r.NumPlayers())
	}
}

func TestOpposedPlayersNeverOverlapBeyondMargin(t *testing.T) {
	r, _ := newTestRoom()
	a := join(t, r, "a")
	b := join(t, r, "b")

	place(a, 100, 100)
	place(b, 200, 100)
	r.handleInput(inputCmd{playerID: a.ID, dir: DirRight, pressed: true})
	r.handleInput(inputCmd{playerID: b.ID, dir: DirLeft, pressed: true})

	margin := r.overlapMargin()
	for i := 0; i < 40; i++ {
		r.tick(tickInterval.Seconds())
		if Overlaps(a.Box(), b.Box(), margin) {
			t.Fatalf("tick %d: players overlap beyond margin: a=(%v,%v) b=(%v,%v)", i, a.X, a.Y, b.X, b.Y)
		}
	}
	// 对推最终贴盒停住
	if a.X+a.Width < b.X-1 {
		t.Fatalf("players should end up flush, a right=%v b left=%v", a.X+a.Width, b.X)
	}
}

func TestRestartResetsFinishedMatch(t *testing.T) {
	r, _ := newTestRoom()
	a := join(t, r, "a")
	b := join(t, r, "b")
	c := join(t, r, "c")

	r.setState(StateRunning)
	forceIt(r, a)
	b.CaughtCount = maxCaughtCount
	c.CaughtCount = maxCaughtCount
	r.syncPhase()
	if r.matchState != StateFinished {
		t.Fatalf("expected finished, got %v", r.matchState)
	}

	drainEnvelopes(t, a.Conn)
	r.handleRestart(a.ID)

	for _, p := range r.players {
		if p.CaughtCount != 0 {
			t.Fatalf("caughtCount not reset for %s", p.Nickname)
		}
		if p.ImmuneUntil != 0 && !p.IsIt {
			t.Fatalf("immunity not reset for %s", p.Nickname)
		}
	}
	if countIt(r) != 1 {
		t.Fatalf("expected exactly one pique holder after restart, got %d", countIt(r))
	}
	if r.matchState != StateRunning {
		t.Fatalf("three players restart to running, got %v", r.matchState)
	}
	msgs := drainEnvelopes(t, a.Conn)
	if got := countType(msgs, MsgStarted); got != 1 {
		t.Fatalf("expected one started message, got %d", got)
	}
}

func TestJoinDuringSuddenDeathResumesRunning(t *testing.T) {
	r, _ := newTestRoom()
	a := join(t, r, "a")
	join(t, r, "b")

	r.handleRestart(a.ID)
	if r.matchState != StateSuddenDeath {
		t.Fatalf("expected sudden death, got %v", r.matchState)
	}

	c := join(t, r, "c")
	if r.matchState != StateRunning {
		t.Fatalf("third join should resume running, got %v", r.matchState)
	}
	if c.IsIt {
		t.Fatal("mid-match joiner never auto-assigned pique")
	}
	if c.CaughtCount != 0 {
		t.Fatalf("mid-match joiner caughtCount = %d, want 0", c.CaughtCount)
	}
	msgs := drainEnvelopes(t, a.Conn)
	if got := countType(msgs, MsgTwoPlayerModeFinished); got != 1 {
		t.Fatalf("expected one twoPlayerModeFinished, got %d", got)
	}
}

func TestInitRequestIsIdempotent(t *testing.T) {
	r, _ := newTestRoom()
	a := join(t, r, "a")
	join(t, r, "b")
	drainEnvelopes(t, a.Conn)

	r.handleInitRequest(a.ID)
	r.handleInitRequest(a.ID)

	var raw [][]byte
	for {
		select {
		case b := <-a.Conn.send:
			raw = append(raw, b)
			continue
		default:
		}
		break
	}
	if len(raw) != 2 {
		t.Fatalf("expected two init snapshots, got %d", len(raw))
	}
	if !bytes.Equal(raw[0], raw[1]) {
		t.Fatalf("snapshots differ without state change:\n%s\n%s", raw[0], raw[1])
	}
}

func TestUnknownPlayerMessagesIgnored(t *testing.T) {
	r, _ := newTestRoom()
	join(t, r, "a")

	r.handleInput(inputCmd{playerID: "ghost", dir: DirUp, pressed: true})
	r.handleInitRequest("ghost")
	r.handleRestart("ghost")

	if got := r.metrics.Snapshot()["unknown_dropped"].(int64); got != 3 {
		t.Fatalf("unknown_dropped = %d, want 3", got)
	}
}

func TestSendQueueOverflowTreatedAsLeave(t *testing.T) {
	r, _ := newTestRoom()
	slow := joinWithQueue(t, r, "slow", 1) // init 快照立即占满队列
	join(t, r, "b")                        // joined 广播溢出 → 强制离场

	if _, ok := r.players[slow.ID]; ok {
		t.Fatal("overflowed connection should be removed from the room")
	}
	if r.NumPlayers() != 1 {
		t.Fatalf("player count = %d, want 1", r.NumPlayers())
	}
	if slow.Conn.Enqueue([]byte("x")) {
		t.Fatal("overflowed connection should be closed")
	}
}

func TestNicknameSanitized(t *testing.T) {
	r, _ := newTestRoom()
	blank := join(t, r, "   ")
	long := join(t, r, "abcdefghijklmnop")

	if blank.Nickname != "Player 1" {
		t.Fatalf("blank nickname = %q, want generated default", blank.Nickname)
	}
	if long.Nickname != "abcdefghijkl" {
		t.Fatalf("long nickname = %q, want 12-rune truncation", long.Nickname)
	}
}

func TestSpawnPositionsInsideArenaAndDisjoint(t *testing.T) {
	r, _ := newTestRoom()
	for i := 0; i < 10; i++ {
		join(t, r, "p")
	}
	players := r.playersInOrder()
	for i, p := range players {
		if p.X < 0 || p.Y < 0 || p.X > r.cfg.ArenaWidth-p.Width || p.Y > r.cfg.ArenaHeight-p.Height {
			t.Fatalf("player %d spawned out of bounds at (%v,%v)", i, p.X, p.Y)
		}
		for j := i + 1; j < len(players); j++ {
			if Overlaps(p.Box(), players[j].Box(), 0) {
				t.Fatalf("players %d and %d spawned overlapping", i, j)
			}
		}
	}
}

func TestEmptyRoomInvokesOnEmpty(t *testing.T) {
	r, _ := newTestRoom()
	var disposed string
	r.onEmpty = func(id string) { disposed = id }

	a := join(t, r, "a")
	r.handleLeave(a.ID)

	if disposed != r.ID {
		t.Fatalf("onEmpty = %q, want %q", disposed, r.ID)
	}
}
