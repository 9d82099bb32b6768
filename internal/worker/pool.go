package worker

import (
	"container/heap"
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dparodi/vocalia/internal/task"
)

// SlotState mirrors the lifecycle of one managed worker process.
type SlotState string

const (
	SlotStarting    SlotState = "starting"
	SlotIdle        SlotState = "idle"
	SlotBusy        SlotState = "busy"
	SlotUnhealthy   SlotState = "unhealthy"
	SlotTerminating SlotState = "terminating"
)

// Config tunes one pool. Zero durations pick the defaults below.
type Config struct {
	Type     task.Type
	Slots    int
	Launcher Launcher

	// HealthInterval is the ping cadence; a crash is surfaced to the caller
	// within one interval.
	HealthInterval time.Duration
	// PingTimeout is how long a slot may sit on an unanswered ping.
	PingTimeout time.Duration
	// StartTimeout bounds the wait for a freshly spawned worker's ready frame.
	StartTimeout time.Duration
	// DefaultDeadline applies to submissions that carry no deadline of their
	// own. It covers queue wait plus execution.
	DefaultDeadline time.Duration
	// MaxRestarts within RestartWindow before a slot is left down and the
	// pool reports degraded capacity instead of restart-looping.
	MaxRestarts   int
	RestartWindow time.Duration
}

const (
	defaultHealthInterval = 5 * time.Second
	defaultPingTimeout    = 2 * time.Second
	defaultStartTimeout   = 30 * time.Second
	defaultTaskDeadline   = 30 * time.Second
	defaultMaxRestarts    = 3
	defaultRestartWindow  = time.Minute
	defaultRespawnBackoff = 500 * time.Millisecond
)

func (c *Config) applyDefaults() error {
	if c.Type == "" {
		return fmt.Errorf("pool config: task type is required")
	}
	if c.Launcher == nil {
		return fmt.Errorf("pool %s: launcher is required", c.Type)
	}
	if c.Slots <= 0 {
		c.Slots = 1
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = defaultHealthInterval
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = defaultPingTimeout
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = defaultStartTimeout
	}
	if c.DefaultDeadline <= 0 {
		c.DefaultDeadline = defaultTaskDeadline
	}
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = defaultMaxRestarts
	}
	if c.RestartWindow <= 0 {
		c.RestartWindow = defaultRestartWindow
	}
	return nil
}

// Status is a point-in-time capacity report for one pool.
type Status struct {
	Type       task.Type `json:"type"`
	Slots      int       `json:"slots"`
	Idle       int       `json:"idle"`
	Busy       int       `json:"busy"`
	Starting   int       `json:"starting"`
	Unhealthy  int       `json:"unhealthy"`
	QueueDepth int       `json:"queue_depth"`
	// Restarts counts worker replacements since the pool started.
	Restarts int  `json:"restarts"`
	Draining bool `json:"draining"`
}

// Degraded reports whether the pool is running below its configured capacity.
func (s Status) Degraded() bool { return s.Unhealthy > 0 }

type outcome struct {
	res task.Result
	err error
}

type pending struct {
	t         task.Task
	deadline  time.Time
	cancelled <-chan struct{}
	resultCh  chan outcome
	seq       uint64
}

type slotEvent struct {
	idx          int
	gen          int
	frame        *Frame
	streamClosed bool
	spawned      Process
	spawnErr     error
	respawn      bool
}

type shutdownReq struct {
	grace time.Duration
	done  chan struct{}
}

type slot struct {
	idx     int
	gen     int
	proc    Process
	state   SlotState
	current *pending

	spawnStartedAt  time.Time
	dispatchedAt    time.Time
	lastHeartbeat   time.Time
	pingSentAt      time.Time
	pingOutstanding bool
	restarts        []time.Time
	down            bool
}

// Pool owns a fixed set of worker slots for one task type. All mutable state
// lives inside the dispatch loop goroutine; submissions, health events and
// status probes are serialized through its channels, so no locks guard the
// queue or the slot table.
type Pool struct {
	cfg Config

	inbox      chan *pending
	events     chan slotEvent
	statusCh   chan chan Status
	shutdownCh chan shutdownReq
	done       chan struct{}

	finalMu sync.Mutex
	final   Status

	// loop-owned state below; never touched outside run().
	slots         []*slot
	queue         taskQueue
	nextSeq       uint64
	restartsTotal int
	draining      bool
}

// New starts a pool: it spawns cfg.Slots workers immediately and begins
// dispatching. Submissions made before workers finish loading simply queue.
func New(cfg Config) (*Pool, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	p := &Pool{
		cfg:        cfg,
		inbox:      make(chan *pending),
		events:     make(chan slotEvent, 64),
		statusCh:   make(chan chan Status),
		shutdownCh: make(chan shutdownReq),
		done:       make(chan struct{}),
		slots:      make([]*slot, cfg.Slots),
	}
	for i := range p.slots {
		p.slots[i] = &slot{idx: i}
	}
	go p.run()
	return p, nil
}

func (p *Pool) Type() task.Type { return p.cfg.Type }

// Submit enqueues t and blocks until it resolves with a result or a typed
// error. Cancelling ctx abandons the wait: a queued task is dropped at the
// next dispatch attempt, an in-flight one finishes on its worker and the late
// result is discarded.
func (p *Pool) Submit(ctx context.Context, t task.Task) (task.Result, error) {
	if t.Type != p.cfg.Type {
		return task.Result{}, task.NewError(task.KindUnknownTaskType,
			fmt.Sprintf("pool %s cannot execute %s task", p.cfg.Type, t.Type))
	}
	if t.SubmittedAt.IsZero() {
		t.SubmittedAt = time.Now()
	}
	d := t.Deadline
	if d <= 0 {
		d = p.cfg.DefaultDeadline
	}
	pd := &pending{
		t:         t,
		deadline:  t.SubmittedAt.Add(d),
		cancelled: ctx.Done(),
		resultCh:  make(chan outcome, 1),
	}

	select {
	case p.inbox <- pd:
	case <-p.done:
		return task.Result{}, task.NewError(task.KindPoolShuttingDown,
			fmt.Sprintf("pool %s is shut down", p.cfg.Type))
	case <-ctx.Done():
		return task.Result{}, ctx.Err()
	}

	select {
	case out := <-pd.resultCh:
		return out.res, out.err
	case <-ctx.Done():
		return task.Result{}, ctx.Err()
	}
}

// Describe reports current capacity and queue depth.
func (p *Pool) Describe() Status {
	req := make(chan Status, 1)
	select {
	case p.statusCh <- req:
		return <-req
	case <-p.done:
		p.finalMu.Lock()
		defer p.finalMu.Unlock()
		return p.final
	}
}

// Shutdown drains the pool: new submissions are rejected, queued tasks fail
// with pool_shutting_down, idle workers get a shutdown frame, and busy
// workers get up to grace to finish before being terminated. Safe to call
// more than once.
func (p *Pool) Shutdown(grace time.Duration) {
	req := shutdownReq{grace: grace, done: make(chan struct{})}
	select {
	case p.shutdownCh <- req:
		<-req.done
	case <-p.done:
	}
}

func (p *Pool) run() {
	var waiters []chan struct{}
	defer func() {
		p.finalMu.Lock()
		p.final = p.snapshot()
		p.finalMu.Unlock()
		close(p.done)
		for _, w := range waiters {
			close(w)
		}
	}()

	for _, sl := range p.slots {
		p.spawn(sl)
	}

	ticker := time.NewTicker(p.cfg.HealthInterval)
	defer ticker.Stop()

	var graceExpired <-chan time.Time
	for {
		select {
		case pd := <-p.inbox:
			if p.draining {
				deliverErr(pd, task.NewError(task.KindPoolShuttingDown,
					fmt.Sprintf("pool %s is draining", p.cfg.Type)))
				continue
			}
			p.nextSeq++
			pd.seq = p.nextSeq
			heap.Push(&p.queue, pd)
			p.dispatchIdle()

		case ev := <-p.events:
			p.handleEvent(ev)

		case req := <-p.statusCh:
			req <- p.snapshot()

		case <-ticker.C:
			p.healthCheck()
			p.expireQueue()
			p.dispatchIdle()

		case req := <-p.shutdownCh:
			waiters = append(waiters, req.done)
			if !p.draining {
				p.draining = true
				p.rejectQueued()
				p.stopIdleSlots()
				graceExpired = time.After(req.grace)
			}

		case <-graceExpired:
			p.forceStopAll()
		}

		if p.draining && p.liveSlots() == 0 {
			return
		}
	}
}

func (p *Pool) handleEvent(ev slotEvent) {
	sl := p.slots[ev.idx]
	if ev.gen != sl.gen {
		// Stale event from a replaced process.
		if ev.spawned != nil {
			ev.spawned.Kill()
		}
		return
	}

	switch {
	case ev.spawned != nil:
		if p.draining {
			ev.spawned.Kill()
			p.markDown(sl)
			return
		}
		sl.proc = ev.spawned
		sl.state = SlotStarting
		sl.spawnStartedAt = time.Now()
		p.forward(sl.proc, sl.idx, sl.gen)

	case ev.spawnErr != nil:
		log.Printf("pool %s: slot %d spawn failed: %v", p.cfg.Type, sl.idx, ev.spawnErr)
		p.recordRestart(sl)
		if sl.state == SlotUnhealthy || p.draining {
			p.markDown(sl)
			return
		}
		p.respawnLater(sl)

	case ev.respawn:
		if !p.draining && sl.state != SlotUnhealthy {
			p.spawn(sl)
		}

	case ev.streamClosed:
		if sl.state == SlotTerminating {
			p.markDown(sl)
			return
		}
		p.crashSlot(sl, "worker stream closed")

	case ev.frame != nil:
		p.handleFrame(sl, *ev.frame)
	}
}

func (p *Pool) handleFrame(sl *slot, f Frame) {
	switch f.Kind {
	case FrameReady:
		if sl.state != SlotStarting {
			return
		}
		sl.state = SlotIdle
		sl.lastHeartbeat = time.Now()
		if p.draining {
			p.stopSlot(sl)
			return
		}
		p.dispatchIdle()

	case FramePong:
		sl.lastHeartbeat = time.Now()
		sl.pingOutstanding = false

	case FrameResult:
		pd := sl.current
		if pd == nil || f.ID != pd.t.ID {
			log.Printf("pool %s: slot %d sent result for unknown task %q", p.cfg.Type, sl.idx, f.ID)
			return
		}
		sl.current = nil
		deliver(pd, task.Result{ID: f.ID, Payload: f.Payload})
		p.slotFreed(sl)

	case FrameError:
		pd := sl.current
		if pd == nil || f.ID != pd.t.ID {
			log.Printf("pool %s: slot %d sent error for unknown task %q", p.cfg.Type, sl.idx, f.ID)
			return
		}
		sl.current = nil
		werr := f.Error
		if werr == nil {
			werr = task.NewError(task.KindWorkerFailed, "worker reported an unspecified fault")
		}
		deliverErr(pd, werr)
		p.slotFreed(sl)
	}
}

// slotFreed returns a slot to idle after it emitted a reply, or retires it
// when the pool is draining.
func (p *Pool) slotFreed(sl *slot) {
	sl.state = SlotIdle
	sl.lastHeartbeat = time.Now()
	if p.draining {
		p.stopSlot(sl)
		return
	}
	p.dispatchIdle()
}

func (p *Pool) dispatchIdle() {
	for _, sl := range p.slots {
		if sl.state != SlotIdle {
			continue
		}
		pd := p.popRunnable()
		if pd == nil {
			return
		}
		frame := Frame{Kind: FrameTask, ID: pd.t.ID, Type: pd.t.Type, Payload: pd.t.Payload}
		if err := sl.proc.Send(frame); err != nil {
			// The task never reached the worker, so requeueing it is safe.
			heap.Push(&p.queue, pd)
			p.crashSlot(sl, fmt.Sprintf("task handoff failed: %v", err))
			continue
		}
		sl.current = pd
		sl.state = SlotBusy
		sl.dispatchedAt = time.Now()
	}
}

// popRunnable pops queue entries until it finds one that is neither
// cancelled nor past its deadline.
func (p *Pool) popRunnable() *pending {
	now := time.Now()
	for p.queue.Len() > 0 {
		pd := heap.Pop(&p.queue).(*pending)
		select {
		case <-pd.cancelled:
			continue
		default:
		}
		if now.After(pd.deadline) {
			deliverErr(pd, task.NewError(task.KindQueueTimeout,
				fmt.Sprintf("task %s waited past its deadline", pd.t.ID)))
			continue
		}
		return pd
	}
	return nil
}

func (p *Pool) healthCheck() {
	now := time.Now()
	for _, sl := range p.slots {
		switch sl.state {
		case SlotStarting:
			if sl.proc != nil && now.Sub(sl.spawnStartedAt) > p.cfg.StartTimeout {
				p.crashSlot(sl, "worker never became ready")
			}
		case SlotIdle, SlotBusy:
			if sl.state == SlotBusy && sl.current != nil && now.After(sl.current.deadline) {
				pd := sl.current
				sl.current = nil
				deliverErr(pd, task.NewError(task.KindExecutionTimeout,
					fmt.Sprintf("task %s exceeded its deadline", pd.t.ID)))
				p.crashSlot(sl, "task execution overran its deadline")
				continue
			}
			if sl.pingOutstanding {
				if now.Sub(sl.pingSentAt) > p.cfg.PingTimeout {
					p.crashSlot(sl, "health check timed out")
				}
				continue
			}
			if err := sl.proc.Send(Frame{Kind: FramePing}); err != nil {
				p.crashSlot(sl, fmt.Sprintf("health ping failed: %v", err))
				continue
			}
			sl.pingOutstanding = true
			sl.pingSentAt = now
		}
	}
}

func (p *Pool) expireQueue() {
	if p.queue.Len() == 0 {
		return
	}
	now := time.Now()
	kept := p.queue[:0]
	for _, pd := range p.queue {
		select {
		case <-pd.cancelled:
			continue
		default:
		}
		if now.After(pd.deadline) {
			deliverErr(pd, task.NewError(task.KindQueueTimeout,
				fmt.Sprintf("task %s waited past its deadline", pd.t.ID)))
			continue
		}
		kept = append(kept, pd)
	}
	p.queue = kept
	heap.Init(&p.queue)
}

// crashSlot fails the in-flight task, terminates the process and spawns a
// replacement unless the restart budget is spent.
func (p *Pool) crashSlot(sl *slot, reason string) {
	log.Printf("pool %s: slot %d crashed: %s", p.cfg.Type, sl.idx, reason)
	if sl.current != nil {
		pd := sl.current
		sl.current = nil
		deliverErr(pd, task.NewError(task.KindWorkerCrashed,
			fmt.Sprintf("task %s: %s", pd.t.ID, reason)))
	}
	if sl.proc != nil {
		sl.proc.Kill()
	}
	sl.gen++
	sl.proc = nil
	sl.pingOutstanding = false

	if p.draining {
		p.markDown(sl)
		return
	}
	p.recordRestart(sl)
	if sl.state == SlotUnhealthy {
		return
	}
	p.spawn(sl)
}

// recordRestart tracks restart attempts inside the rolling window and downs
// the slot when the budget is exceeded.
func (p *Pool) recordRestart(sl *slot) {
	p.restartsTotal++
	now := time.Now()
	kept := sl.restarts[:0]
	for _, ts := range sl.restarts {
		if now.Sub(ts) <= p.cfg.RestartWindow {
			kept = append(kept, ts)
		}
	}
	sl.restarts = append(kept, now)
	if len(sl.restarts) > p.cfg.MaxRestarts {
		sl.state = SlotUnhealthy
		log.Printf("pool %s: slot %d exceeded %d restarts in %s, leaving it down",
			p.cfg.Type, sl.idx, p.cfg.MaxRestarts, p.cfg.RestartWindow)
	}
}

func (p *Pool) spawn(sl *slot) {
	sl.state = SlotStarting
	sl.spawnStartedAt = time.Now()
	gen := sl.gen
	idx := sl.idx
	go func() {
		proc, err := p.cfg.Launcher()
		ev := slotEvent{idx: idx, gen: gen}
		if err != nil {
			ev.spawnErr = err
		} else {
			ev.spawned = proc
		}
		p.emit(ev)
	}()
}

func (p *Pool) respawnLater(sl *slot) {
	gen := sl.gen
	idx := sl.idx
	time.AfterFunc(defaultRespawnBackoff, func() {
		p.emit(slotEvent{idx: idx, gen: gen, respawn: true})
	})
}

func (p *Pool) forward(proc Process, idx, gen int) {
	go func() {
		for f := range proc.Frames() {
			if !p.emit(slotEvent{idx: idx, gen: gen, frame: &f}) {
				return
			}
		}
		p.emit(slotEvent{idx: idx, gen: gen, streamClosed: true})
	}()
}

func (p *Pool) emit(ev slotEvent) bool {
	select {
	case p.events <- ev:
		return true
	case <-p.done:
		if ev.spawned != nil {
			ev.spawned.Kill()
		}
		return false
	}
}

func (p *Pool) rejectQueued() {
	for p.queue.Len() > 0 {
		pd := heap.Pop(&p.queue).(*pending)
		deliverErr(pd, task.NewError(task.KindPoolShuttingDown,
			fmt.Sprintf("pool %s is draining", p.cfg.Type)))
	}
}

// stopIdleSlots sends shutdown to every slot that is not mid-task.
func (p *Pool) stopIdleSlots() {
	for _, sl := range p.slots {
		switch sl.state {
		case SlotIdle, SlotStarting:
			p.stopSlot(sl)
		case SlotUnhealthy:
			p.markDown(sl)
		}
	}
}

func (p *Pool) stopSlot(sl *slot) {
	if sl.proc != nil {
		_ = sl.proc.Send(Frame{Kind: FrameShutdown})
		sl.proc.Kill()
	}
	sl.state = SlotTerminating
	if sl.proc == nil {
		p.markDown(sl)
	}
}

func (p *Pool) forceStopAll() {
	for _, sl := range p.slots {
		if sl.down {
			continue
		}
		if sl.current != nil {
			pd := sl.current
			sl.current = nil
			deliverErr(pd, task.NewError(task.KindPoolShuttingDown,
				fmt.Sprintf("task %s terminated during shutdown", pd.t.ID)))
		}
		if sl.proc != nil {
			sl.proc.Kill()
		}
		p.markDown(sl)
	}
}

func (p *Pool) markDown(sl *slot) {
	sl.gen++
	sl.proc = nil
	sl.current = nil
	sl.down = true
	if sl.state != SlotUnhealthy {
		sl.state = SlotTerminating
	}
}

func (p *Pool) liveSlots() int {
	n := 0
	for _, sl := range p.slots {
		if !sl.down {
			n++
		}
	}
	return n
}

func (p *Pool) snapshot() Status {
	st := Status{
		Type:       p.cfg.Type,
		Slots:      len(p.slots),
		QueueDepth: p.queue.Len(),
		Restarts:   p.restartsTotal,
		Draining:   p.draining,
	}
	for _, sl := range p.slots {
		switch sl.state {
		case SlotIdle:
			st.Idle++
		case SlotBusy:
			st.Busy++
		case SlotStarting:
			st.Starting++
		case SlotUnhealthy, SlotTerminating:
			st.Unhealthy++
		}
	}
	return st
}

func deliver(pd *pending, res task.Result) {
	pd.resultCh <- outcome{res: res}
}

func deliverErr(pd *pending, err error) {
	pd.resultCh <- outcome{err: err}
}

// taskQueue orders pending work by priority (desc), then submission time,
// then arrival sequence so equal timestamps stay FIFO.
type taskQueue []*pending

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].t.Priority != q[j].t.Priority {
		return q[i].t.Priority > q[j].t.Priority
	}
	if !q[i].t.SubmittedAt.Equal(q[j].t.SubmittedAt) {
		return q[i].t.SubmittedAt.Before(q[j].t.SubmittedAt)
	}
	return q[i].seq < q[j].seq
}

func (q taskQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *taskQueue) Push(x any) { *q = append(*q, x.(*pending)) }

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	pd := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return pd
}
