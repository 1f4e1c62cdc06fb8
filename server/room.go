package server

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MatchState 对局阶段
type MatchState int32

const (
	StateLobby MatchState = iota
	StateRunning
	StateSuddenDeath
	StateFinished
)

func (s MatchState) String() string {
	switch s {
	case StateLobby:
		return "lobby"
	case StateRunning:
		return "running"
	case StateSuddenDeath:
		return "suddenDeath"
	case StateFinished:
		return "finished"
	}
	return fmt.Sprintf("matchState(%d)", int32(s))
}

// Room 房间世界：权威状态维护在内存，所有变更操作经 cmdChan
// 汇入单一协程串行执行，Tick 不会观察到半施加的 Join/Leave
type Room struct {
	ID string

	players    map[PlayerID]*Player
	joinSeq    int
	matchState MatchState

	cmdChan chan any
	quit    chan struct{}

	cfg Config
	mu  sync.RWMutex // 仅保护 cfg 中可热更新的规则字段

	metrics *RoomMetrics
	rng     *rand.Rand
	nowFn   func() time.Time

	stateMirror atomic.Int32 // matchState 的只读镜像，供 HTTP 端点安全读取
	playerCount atomic.Int32

	tickerStarted bool
	onEmpty       func(roomID string) // 最后一名玩家离开时由房间协程回调
}

// NewRoom 创建房间，初始化数据结构
func NewRoom(id string, cfg Config) *Room {
	return &Room{
		ID:      id,
		players: make(map[PlayerID]*Player),
		cmdChan: make(chan any, 256), // 足够缓冲，避免网络读阻塞影响 Tick
		quit:    make(chan struct{}),
		cfg:     cfg,
		metrics: &RoomMetrics{},
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		nowFn:   time.Now,
	}
}

// Stop 终止房间协程
func (r *Room) Stop() {
	close(r.quit)
}

// Metrics 暴露运行指标
func (r *Room) Metrics() *RoomMetrics {
	return r.metrics
}

// State 返回对局阶段镜像（跨协程只读）
func (r *Room) State() MatchState {
	return MatchState(r.stateMirror.Load())
}

// NumPlayers 当前玩家数（跨协程只读）
func (r *Room) NumPlayers() int {
	return int(r.playerCount.Load())
}

// ---- 网关侧入口：全部经 cmdChan 串行化 ----

// Join 加入房间并等待分配的玩家标识；房间已停止时返回 false
func (r *Room) Join(nickname string, conn *ClientConn) (PlayerID, bool) {
	reply := make(chan PlayerID, 1)
	select {
	case r.cmdChan <- joinCmd{nickname: nickname, conn: conn, reply: reply}:
	case <-r.quit:
		return "", false
	}
	select {
	case id := <-reply:
		return id, true
	case <-r.quit:
		return "", false
	}
}

// RequestLeave 请求在房间协程中移除玩家；重复请求幂等
func (r *Room) RequestLeave(id PlayerID) {
	select {
	case r.cmdChan <- leaveCmd{playerID: id}:
	case <-r.quit:
	}
}

// OnInput 入站方向输入（不立即改变位置），拥塞时丢弃保证 Tick 准时
func (r *Room) OnInput(id PlayerID, dir Direction, pressed bool) {
	select {
	case r.cmdChan <- inputCmd{playerID: id, dir: dir, pressed: pressed}:
	default:
		// 丢弃：为了实时性，避免背压影响世界推进
	}
}

// RequestInit 请求重发完整快照（可重复发送，结果幂等）
func (r *Room) RequestInit(id PlayerID) {
	select {
	case r.cmdChan <- initRequestCmd{playerID: id}:
	case <-r.quit:
	}
}

// RequestRestart 请求重开对局
func (r *Room) RequestRestart(id PlayerID) {
	select {
	case r.cmdChan <- restartCmd{playerID: id}:
	case <-r.quit:
	}
}

// ---- 可热更新规则参数 ----

// Tunables 可经 /admin/config 热更新的规则参数
type Tunables struct {
	Speed            *float64 `json:"speed,omitempty"`
	ImmunityMs       *int64   `json:"immunityMs,omitempty"`
	TaggerImmunityMs *int64   `json:"taggerImmunityMs,omitempty"`
	OverlapMargin    *float64 `json:"overlapMargin,omitempty"`
}

// CurrentTunables 读取当前热更新参数
func (r *Room) CurrentTunables() Tunables {
	r.mu.RLock()
	defer r.mu.RUnlock()
	speed, imm, tagImm, margin := r.cfg.Speed, r.cfg.ImmunityMs, r.cfg.TaggerImmunityMs, r.cfg.OverlapMargin
	return Tunables{Speed: &speed, ImmunityMs: &imm, TaggerImmunityMs: &tagImm, OverlapMargin: &margin}
}

// ApplyTunables 部分更新规则参数，nil 字段保持不变
func (r *Room) ApplyTunables(t Tunables) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.Speed != nil {
		r.cfg.Speed = *t.Speed
	}
	if t.ImmunityMs != nil {
		r.cfg.ImmunityMs = *t.ImmunityMs
	}
	if t.TaggerImmunityMs != nil {
		r.cfg.TaggerImmunityMs = *t.TaggerImmunityMs
	}
	if t.OverlapMargin != nil {
		r.cfg.OverlapMargin = *t.OverlapMargin
	}
}

func (r *Room) speed() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.Speed
}

func (r *Room) immunityMs() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.ImmunityMs
}

func (r *Room) taggerImmunityMs() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.TaggerImmunityMs
}

func (r *Room) overlapMargin() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.OverlapMargin
}

// ---- 以下方法只在房间协程内执行 ----

func (r *Room) handleCommand(cmd any) {
	switch c := cmd.(type) {
	case joinCmd:
		r.handleJoin(c)
	case leaveCmd:
		r.handleLeave(c.playerID)
	case inputCmd:
		r.handleInput(c)
	case initRequestCmd:
		r.handleInitRequest(c.playerID)
	case restartCmd:
		r.handleRestart(c.playerID)
	default:
		Log.Warnf("room %s: unknown command %T", r.ID, cmd)
	}
}

func (r *Room) nowMs() int64 {
	return r.nowFn().UnixMilli()
}

func (r *Room) setState(s MatchState) {
	r.matchState = s
	r.stateMirror.Store(int32(s))
}

func (r *Room) handleJoin(c joinCmd) {
	r.joinSeq++
	p := &Player{
		ID:       NewPlayerID(),
		Nickname: sanitizeNickname(c.nickname, r.joinSeq),
		Width:    r.cfg.PlayerWidth,
		Height:   r.cfg.PlayerHeight,
		JoinSeq:  r.joinSeq,
		Conn:     c.conn,
	}
	p.X, p.Y = r.spawnPosition(nil)
	r.players[p.ID] = p
	r.playerCount.Store(int32(len(r.players)))

	now := r.nowMs()
	active, eliminated := r.partitions(now)
	// 新连接收到完整快照，其余客户端收到 joined（同样带全量分区）
	r.sendTo(p, encodeInit(p.ID, p.Snapshot(now), active, eliminated))
	r.broadcastExcept(p.ID, encodePlayerJoined(p.Snapshot(now), active, eliminated))
	c.reply <- p.ID
	Log.Infof("room %s: %s joined (%d players)", r.ID, p.Nickname, len(r.players))

	// 入局不自动开赛：大厅凑齐后由客户端发 game:restart 显式开局
	// 对局中途加入：不自动成为 pique，caughtCount 从 0 起
	r.syncPhase()
}

func (r *Room) handleLeave(id PlayerID) {
	p, ok := r.players[id]
	if !ok {
		return // 重复离开：幂等
	}
	wasIt := p.IsIt
	delete(r.players, id)
	r.playerCount.Store(int32(len(r.players)))
	if p.Conn != nil {
		p.Conn.Close()
	}
	Log.Infof("room %s: %s left (%d players)", r.ID, p.Nickname, len(r.players))

	now := r.nowMs()
	active, eliminated := r.partitions(now)
	r.broadcast(encodePlayerLeft(id, active, eliminated))

	// pique 持有者离场：确定性转移给最早入房的在局玩家
	if wasIt && (r.matchState == StateRunning || r.matchState == StateSuddenDeath) {
		if next := r.firstEligible(); next != nil {
			next.IsIt = true
			next.ImmuneUntil = now + r.immunityMs()
			active, eliminated = r.partitions(now)
			r.broadcast(encodePiqueChanged(next.ID, active, eliminated))
		}
	}
	r.assertSingleIt()
	r.syncPhase()

	if len(r.players) == 0 && r.onEmpty != nil {
		r.onEmpty(r.ID)
	}
}

func (r *Room) handleInput(c inputCmd) {
	p, ok := r.players[c.playerID]
	if !ok {
		r.metrics.IncUnknown()
		return
	}
	if p.Eliminated() {
		return // 出局后输入无效
	}
	p.Held[c.dir] = c.pressed
	r.metrics.IncAccepted()
}

func (r *Room) handleInitRequest(id PlayerID) {
	p, ok := r.players[id]
	if !ok {
		r.metrics.IncUnknown()
		return
	}
	now := r.nowMs()
	active, eliminated := r.partitions(now)
	r.sendTo(p, encodeInit(p.ID, p.Snapshot(now), active, eliminated))
}

func (r *Room) handleRestart(id PlayerID) {
	if _, ok := r.players[id]; !ok {
		r.metrics.IncUnknown()
		return
	}
	if len(r.players) < 2 {
		// 非法转换：人数不足时重开是 no-op
		Log.Debugf("room %s: restart ignored, %d players", r.ID, len(r.players))
		return
	}
	for _, p := range r.players {
		p.CaughtCount = 0
		p.IsIt = false
		p.ImmuneUntil = 0
		p.ClearHeld()
	}
	// 重新布点：逐个重采样，避免彼此重叠
	for _, p := range r.playersInOrder() {
		p.X, p.Y = r.spawnPosition(p)
	}
	r.setState(StateLobby)
	r.startMatch()
}

// startMatch 进入对局：均匀随机指定初始 pique 持有者并广播 started
func (r *Room) startMatch() {
	eligible := r.eligibleInOrder()
	if len(eligible) < 2 {
		return
	}
	for _, p := range r.players {
		p.IsIt = false
	}
	it := eligible[r.rng.Intn(len(eligible))]
	it.IsIt = true
	now := r.nowMs()
	it.ImmuneUntil = now + r.immunityMs()
	r.setState(StateRunning)

	active, eliminated := r.partitions(now)
	r.broadcast(encodeStarted(it.ID, active, eliminated))
	Log.Infof("room %s: match started, pique=%s", r.ID, it.Nickname)
	r.assertSingleIt()
	r.syncPhase()
}

// tick 推进一帧：移动解算 → 抓捕判定 → 广播
func (r *Room) tick(dt float64) {
	now := r.nowMs()
	moved := r.advancePlayers(dt)
	tagged := false
	if r.matchState == StateRunning || r.matchState == StateSuddenDeath {
		tagged = r.resolveTags(now)
	}
	if moved || tagged {
		active, eliminated := r.partitions(now)
		r.broadcast(encodePlayersUpdate(active, eliminated))
	}
}

// advancePlayers 按当前按键状态移动所有在局玩家，返回是否有人位移
func (r *Room) advancePlayers(dt float64) bool {
	speed := r.speed()
	margin := r.overlapMargin()
	moved := false
	for _, p := range r.playersInOrder() {
		if p.Eliminated() {
			continue
		}
		vx, vy := p.Velocity(speed)
		if vx == 0 && vy == 0 {
			continue
		}
		ox, oy := p.X, p.Y
		// 分轴解算：先横后纵，遇首个阻挡者贴盒停住
		if vx != 0 {
			r.moveAxis(p, vx*dt, 0, margin)
		}
		if vy != 0 {
			r.moveAxis(p, 0, vy*dt, margin)
		}
		if p.X != ox || p.Y != oy {
			moved = true
		}
	}
	return moved
}

// moveAxis 单轴位移：先裁剪到场地边界，再对其他在局玩家做阻挡检测
// 首个检测到的阻挡者生效，不保证同时绕过两个阻挡者
func (r *Room) moveAxis(p *Player, dx, dy, margin float64) {
	nx, ny := ClampToArena(p.X+dx, p.Y+dy, p.Width, p.Height, r.cfg.ArenaWidth, r.cfg.ArenaHeight)
	cand := Box{X: nx, Y: ny, W: p.Width, H: p.Height}
	for _, q := range r.playersInOrder() {
		if q.ID == p.ID || q.Eliminated() {
			continue
		}
		if !Overlaps(cand, q.Box(), margin) {
			continue
		}
		switch {
		case dx > 0:
			nx = q.X - p.Width
		case dx < 0:
			nx = q.X + q.Width
		case dy > 0:
			ny = q.Y - p.Height
		case dy < 0:
			ny = q.Y + q.Height
		}
		break
	}
	p.X, p.Y = nx, ny
}

// resolveTags 抓捕判定：pique 与首个贴上的非免疫在局玩家触发一次抓捕
func (r *Room) resolveTags(now int64) bool {
	var it *Player
	for _, p := range r.playersInOrder() {
		if p.IsIt {
			it = p
			break
		}
	}
	if it == nil || it.Eliminated() {
		return false
	}
	margin := r.overlapMargin()
	for _, q := range r.playersInOrder() {
		if q.ID == it.ID || q.Eliminated() || q.ImmuneAt(now) {
			continue
		}
		// 抓捕用外扩余量：贴上即算碰到
		if Overlaps(it.Box(), q.Box(), -margin) {
			r.applyTag(it, q, now)
			return true
		}
	}
	return false
}

// applyTag 结算一次抓捕：目标计数 +1，满 3 次出局
// pique 归属：目标若因此出局则留在抓捕者手上，否则转移给目标
func (r *Room) applyTag(tagger, target *Player, now int64) {
	target.CaughtCount++
	r.metrics.IncTags()
	if target.Eliminated() {
		target.IsIt = false
		target.ClearHeld()
		Log.Infof("room %s: %s eliminated by %s", r.ID, target.Nickname, tagger.Nickname)
		active, eliminated := r.partitions(now)
		r.broadcast(encodePiqueChanged(tagger.ID, active, eliminated))
	} else {
		tagger.IsIt = false
		target.IsIt = true
		target.ImmuneUntil = now + r.immunityMs()
		tagger.ImmuneUntil = now + r.taggerImmunityMs() // 防止立刻反抓震荡
		active, eliminated := r.partitions(now)
		r.broadcast(encodePiqueTransferred(tagger.ID, target.ID, active, eliminated))
	}
	r.assertSingleIt()
	r.syncPhase()
}

// syncPhase 依据在局人数推进对局阶段状态机
// Lobby → Running ⇄ SuddenDeath → Finished →(Restart)→ Running
func (r *Room) syncPhase() {
	eligible := len(r.eligibleInOrder())
	eliminated := len(r.players) - eligible

	switch r.matchState {
	case StateRunning:
		if eligible == 1 && eliminated >= 1 {
			r.finish()
			return
		}
		if eligible < 2 {
			// 纯离场导致无法继续：退回大厅等人
			r.backToLobby()
			return
		}
		if eligible == 2 {
			r.setState(StateSuddenDeath)
			r.broadcast(encodeTwoPlayerModeStarted())
			Log.Infof("room %s: sudden death", r.ID)
		}
	case StateSuddenDeath:
		if eligible == 1 && eliminated >= 1 {
			r.broadcast(encodeTwoPlayerModeFinished())
			r.finish()
			return
		}
		if eligible < 2 {
			r.broadcast(encodeTwoPlayerModeFinished())
			r.backToLobby()
			return
		}
		if eligible > 2 {
			r.setState(StateRunning)
			r.broadcast(encodeTwoPlayerModeFinished())
			Log.Infof("room %s: sudden death over, back to running", r.ID)
		}
	}
}

func (r *Room) finish() {
	winner := r.firstEligible()
	for _, p := range r.players {
		p.IsIt = false
		p.ClearHeld()
	}
	r.setState(StateFinished)
	if winner != nil {
		r.broadcast(encodeFinished(winner.ID))
		Log.Infof("room %s: finished, winner=%s", r.ID, winner.Nickname)
	}
}

func (r *Room) backToLobby() {
	for _, p := range r.players {
		p.IsIt = false
	}
	r.setState(StateLobby)
}

// assertSingleIt 校验核心不变量：同一时刻至多一个 pique 持有者
// 违反意味着内部状态被破坏，大声记录并保留最早入房者
func (r *Room) assertSingleIt() {
	var holders []*Player
	for _, p := range r.playersInOrder() {
		if p.IsIt {
			holders = append(holders, p)
		}
	}
	if len(holders) <= 1 {
		return
	}
	Log.Errorf("room %s: INVARIANT VIOLATION, %d players marked isIt", r.ID, len(holders))
	for _, p := range holders[1:] {
		p.IsIt = false
	}
}

// ---- 查询辅助 ----

// playersInOrder 按入房序号排序，保证广播与遍历的确定性
func (r *Room) playersInOrder() []*Player {
	out := make([]*Player, 0, len(r.players))
	for _, p := range r.players {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinSeq < out[j].JoinSeq })
	return out
}

func (r *Room) eligibleInOrder() []*Player {
	var out []*Player
	for _, p := range r.playersInOrder() {
		if p.Eligible() {
			out = append(out, p)
		}
	}
	return out
}

func (r *Room) firstEligible() *Player {
	for _, p := range r.playersInOrder() {
		if p.Eligible() {
			return p
		}
	}
	return nil
}

// partitions 生成活跃/出局两个完整分区，客户端整体替换本地视图
func (r *Room) partitions(nowMs int64) (active, eliminated []PlayerState) {
	active = make([]PlayerState, 0, len(r.players))
	eliminated = make([]PlayerState, 0)
	for _, p := range r.playersInOrder() {
		if p.Eliminated() {
			eliminated = append(eliminated, p.Snapshot(nowMs))
		} else {
			active = append(active, p.Snapshot(nowMs))
		}
	}
	return active, eliminated
}

// spawnPosition 随机出生点：避开所有现有玩家的包围盒
// 重采样 SpawnAttempts 次后接受最后一个候选，避免死循环
func (r *Room) spawnPosition(self *Player) (float64, float64) {
	var x, y float64
	for i := 0; i < r.cfg.SpawnAttempts; i++ {
		x = r.rng.Float64() * (r.cfg.ArenaWidth - r.cfg.PlayerWidth)
		y = r.rng.Float64() * (r.cfg.ArenaHeight - r.cfg.PlayerHeight)
		if !r.overlapsAny(Box{X: x, Y: y, W: r.cfg.PlayerWidth, H: r.cfg.PlayerHeight}, self) {
			return x, y
		}
	}
	return x, y
}

func (r *Room) overlapsAny(box Box, self *Player) bool {
	for _, q := range r.players {
		if self != nil && q.ID == self.ID {
			continue
		}
		if Overlaps(box, q.Box(), 0) {
			return true
		}
	}
	return false
}

// ---- 广播 ----

// broadcast 将消息压入所有连接的发送队列；溢出的连接按离场处理
func (r *Room) broadcast(msg []byte) {
	r.broadcastExcept("", msg)
}

func (r *Room) broadcastExcept(except PlayerID, msg []byte) {
	if msg == nil {
		return
	}
	var overflowed []PlayerID
	for _, p := range r.playersInOrder() {
		if p.ID == except || p.Conn == nil {
			continue
		}
		if p.Conn.Enqueue(msg) {
			r.metrics.IncBroadcast()
		} else {
			overflowed = append(overflowed, p.ID)
		}
	}
	// 资源耗尽：慢连接不允许拖累其他人，强制断开并按离场处理
	for _, id := range overflowed {
		r.metrics.IncSendOverflow()
		Log.Warnf("room %s: send queue overflow, dropping player %s", r.ID, id)
		r.handleLeave(id)
	}
}

func (r *Room) sendTo(p *Player, msg []byte) {
	if msg == nil || p.Conn == nil {
		return
	}
	if p.Conn.Enqueue(msg) {
		r.metrics.IncBroadcast()
	}
}

// sanitizeNickname 规范化昵称：去空白、截断到 12 个字符，空则生成默认名
func sanitizeNickname(nickname string, seq int) string {
	nickname = strings.TrimSpace(nickname)
	if nickname == "" {
		return fmt.Sprintf("Player %d", seq)
	}
	if runes := []rune(nickname); len(runes) > 12 {
		return string(runes[:12])
	}
	return nickname
}
