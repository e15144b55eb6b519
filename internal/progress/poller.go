// Package progress watches backend-assigned operation ids until they reach
// a terminal state. Each watched id runs an independent state machine
// driven by a scheduler; poll results and stream frames feed the same
// machine, so notification and purge semantics do not depend on the
// delivery path.
package progress

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agentworkforce/knowsync/internal/knowledge"
	"github.com/agentworkforce/knowsync/internal/opcache"
)

type Logger interface {
	Printf(format string, args ...any)
}

// Client is the slice of the knowledge API the poller needs.
type Client interface {
	GetProgress(ctx context.Context, operationID string) (knowledge.Operation, error)
	ListActiveOperations(ctx context.Context) (knowledge.OperationList, error)
}

// Callbacks fire exactly once per watched id: OnComplete for
// completed/cancelled, OnError for error/failed (including the forced
// not-found terminal).
type Callbacks struct {
	OnComplete func(op knowledge.Operation)
	OnError    func(op knowledge.Operation, err error)
}

type watchState int

const (
	statePending watchState = iota
	stateActive
	stateTerminal
)

type tickResult struct {
	op       knowledge.Operation
	hasOp    bool
	notFound bool
	err      error
}

type tickEffects struct {
	record         *knowledge.Operation
	notifyComplete bool
	notifyError    bool
	stop           bool
	purgeAfter     time.Duration
}

const (
	defaultPollInterval  = time.Second
	defaultListInterval  = 5 * time.Second
	defaultNotFoundLimit = 5
	defaultCompleteGrace = 2 * time.Second
	defaultErrorGrace    = 5 * time.Second
)

// advance is the per-id state machine: PENDING -> ACTIVE -> TERMINAL.
// Pure so it can be tested without timers. notFound counts consecutive
// 404s; any successful response resets it. Transport errors keep the
// machine where it is; the next tick retries.
func advance(state watchState, notFound, notFoundLimit int, t tickResult, completeGrace, errorGrace time.Duration) (watchState, int, tickEffects) {
	if state == stateTerminal {
		return state, notFound, tickEffects{stop: true}
	}
	switch {
	case t.notFound:
		notFound++
		if notFound < notFoundLimit {
			return state, notFound, tickEffects{}
		}
		return stateTerminal, 0, tickEffects{
			record: &knowledge.Operation{
				Status:  knowledge.OpStatusError,
				Message: "operation no longer exists",
			},
			notifyError: true,
			stop:        true,
			purgeAfter:  errorGrace,
		}
	case t.err != nil:
		return state, notFound, tickEffects{}
	case !t.hasOp:
		return state, notFound, tickEffects{}
	}

	op := t.op
	if !op.Terminal() {
		return stateActive, 0, tickEffects{record: &op}
	}
	effects := tickEffects{record: &op, stop: true}
	switch op.Status {
	case knowledge.OpStatusCompleted, knowledge.OpStatusCancelled:
		effects.notifyComplete = true
		effects.purgeAfter = completeGrace
	default:
		effects.notifyError = true
		effects.purgeAfter = errorGrace
	}
	return stateTerminal, 0, effects
}

type watch struct {
	id         string
	state      watchState
	notFound   int
	notified   bool
	cbs        Callbacks
	cancelTick func()
	lastOp     *knowledge.Operation
	lastErr    error
}

type PollerOptions struct {
	Client        Client
	Store         *opcache.Store
	Scheduler     opcache.Scheduler
	Logger        Logger
	PollInterval  time.Duration
	ListInterval  time.Duration
	NotFoundLimit int
	CompleteGrace time.Duration
	ErrorGrace    time.Duration
}

type Poller struct {
	client        Client
	store         *opcache.Store
	sched         opcache.Scheduler
	logger        Logger
	interval      time.Duration
	listInterval  time.Duration
	notFoundLimit int
	completeGrace time.Duration
	errorGrace    time.Duration

	mu         sync.Mutex
	watches    map[string]*watch
	cancelList func()
}

func NewPoller(opts PollerOptions) (*Poller, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("client is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	sched := opts.Scheduler
	if sched == nil {
		sched = opcache.NewTimerScheduler()
	}
	p := &Poller{
		client:        opts.Client,
		store:         opts.Store,
		sched:         sched,
		logger:        opts.Logger,
		interval:      opts.PollInterval,
		listInterval:  opts.ListInterval,
		notFoundLimit: opts.NotFoundLimit,
		completeGrace: opts.CompleteGrace,
		errorGrace:    opts.ErrorGrace,
		watches:       map[string]*watch{},
	}
	if p.interval <= 0 {
		p.interval = defaultPollInterval
	}
	if p.listInterval <= 0 {
		p.listInterval = defaultListInterval
	}
	if p.notFoundLimit <= 0 {
		p.notFoundLimit = defaultNotFoundLimit
	}
	if p.completeGrace <= 0 {
		p.completeGrace = defaultCompleteGrace
	}
	if p.errorGrace <= 0 {
		p.errorGrace = defaultErrorGrace
	}
	return p, nil
}

// Watch starts polling id. Watching an id that is already watched keeps
// the existing machine; counters and the already-notified flag reset only
// when the id is registered fresh after removal.
func (p *Poller) Watch(id string, cbs Callbacks) {
	if id == "" {
		return
	}
	p.mu.Lock()
	if _, ok := p.watches[id]; ok {
		p.mu.Unlock()
		return
	}
	w := &watch{id: id, state: statePending, cbs: cbs}
	p.watches[id] = w
	p.mu.Unlock()
	p.scheduleTick(w, 0)
}

// WatchAll starts one independent machine per id. One id reaching a
// terminal state does not affect its siblings.
func (p *Poller) WatchAll(ids []string, cbs Callbacks) {
	for _, id := range ids {
		p.Watch(id, cbs)
	}
}

// Unwatch abandons an id: its timer is cancelled and no callback will
// fire. No stop request is sent to the server.
func (p *Poller) Unwatch(id string) {
	p.mu.Lock()
	w, ok := p.watches[id]
	if ok {
		delete(p.watches, id)
	}
	p.mu.Unlock()
	if ok && w.cancelTick != nil {
		w.cancelTick()
	}
}

// Deliver feeds a server-pushed status frame into the id's machine, as if
// a poll tick had returned it. Frames for ids that are not watched are
// still recorded in the active-operations view.
func (p *Poller) Deliver(op knowledge.Operation) {
	if op.OperationID == "" {
		return
	}
	p.mu.Lock()
	w, ok := p.watches[op.OperationID]
	p.mu.Unlock()
	if !ok {
		p.recordOperation(op)
		return
	}
	p.apply(w, tickResult{op: op, hasOp: true})
}

func (p *Poller) scheduleTick(w *watch, after time.Duration) {
	cancel := p.sched.Schedule(after, func() { p.tick(w) })
	p.mu.Lock()
	if current, ok := p.watches[w.id]; ok && current == w {
		w.cancelTick = cancel
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	cancel()
}

func (p *Poller) tick(w *watch) {
	p.mu.Lock()
	current, ok := p.watches[w.id]
	p.mu.Unlock()
	if !ok || current != w {
		return
	}
	op, err := p.client.GetProgress(context.Background(), w.id)
	result := tickResult{}
	switch {
	case err == nil:
		result.op = op
		result.hasOp = true
	case errors.Is(err, knowledge.ErrOperationNotFound):
		result.notFound = true
	default:
		result.err = err
		p.logf("poll %s failed: %v", w.id, err)
	}
	p.apply(w, result)
}

// apply runs the state machine for one observation and carries out its
// effects. The cache write, the exactly-once notification guard and the
// purge scheduling all happen here.
func (p *Poller) apply(w *watch, result tickResult) {
	p.mu.Lock()
	if current, ok := p.watches[w.id]; !ok || current != w {
		p.mu.Unlock()
		return
	}
	prevState := w.state
	nextState, nextNotFound, effects := advance(w.state, w.notFound, p.notFoundLimit, result, p.completeGrace, p.errorGrace)
	w.state = nextState
	w.notFound = nextNotFound
	if result.err != nil {
		w.lastErr = result.err
	} else if result.hasOp || result.notFound {
		w.lastErr = nil
	}
	var record *knowledge.Operation
	if effects.record != nil {
		op := *effects.record
		if op.OperationID == "" {
			op.OperationID = w.id
		}
		record = &op
		w.lastOp = &op
	}
	notifyComplete := effects.notifyComplete && !w.notified
	notifyError := effects.notifyError && !w.notified
	if notifyComplete || notifyError {
		w.notified = true
	}
	cbs := w.cbs
	p.mu.Unlock()

	if record != nil {
		p.recordOperation(*record)
	}
	if notifyComplete && cbs.OnComplete != nil {
		cbs.OnComplete(*record)
	}
	if notifyError && cbs.OnError != nil {
		cbs.OnError(*record, fmt.Errorf("operation %s: %s", record.OperationID, record.Message))
	}
	if effects.stop {
		// No further tick once terminal; the cached record survives for a
		// grace period so late consumers still observe the final status.
		// Only the transition into terminal arms the purge: observations
		// arriving after that (a duplicate stream frame, a straggling poll)
		// must not restart it with a shorter delay.
		if prevState != stateTerminal {
			p.sched.Schedule(effects.purgeAfter, func() { p.purge(w) })
		}
		return
	}
	p.scheduleTick(w, p.interval)
}

func (p *Poller) purge(w *watch) {
	p.mu.Lock()
	if current, ok := p.watches[w.id]; ok && current == w {
		delete(p.watches, w.id)
	}
	p.mu.Unlock()
	p.store.Write(knowledge.ActiveOperationsKey(), func(current opcache.View) opcache.View {
		list, ok := current.(knowledge.OperationList)
		if !ok {
			return current
		}
		kept := list.Operations[:0]
		for _, op := range list.Operations {
			if op.OperationID != w.id {
				kept = append(kept, op)
			}
		}
		list.Operations = kept
		list.Count = len(kept)
		return list
	})
}

// recordOperation upserts one operation's status into the
// active-operations partition.
func (p *Poller) recordOperation(op knowledge.Operation) {
	p.store.Write(knowledge.ActiveOperationsKey(), func(current opcache.View) opcache.View {
		list, ok := current.(knowledge.OperationList)
		if !ok {
			list = knowledge.OperationList{}
		}
		replaced := false
		for i := range list.Operations {
			if list.Operations[i].OperationID == op.OperationID {
				list.Operations[i] = op
				replaced = true
				break
			}
		}
		if !replaced {
			list.Operations = append([]knowledge.Operation{op}, list.Operations...)
		}
		list.Count = len(list.Operations)
		return list
	})
}

// WatchView is the aggregated per-id view for multi-operation consumers.
type WatchView struct {
	Data       *knowledge.Operation
	Err        error
	IsLoading  bool
	IsComplete bool
	IsFailed   bool
	IsActive   bool
}

func (p *Poller) View(id string) (WatchView, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.watches[id]
	if !ok {
		return WatchView{}, false
	}
	return p.viewLocked(w), true
}

func (p *Poller) Views() map[string]WatchView {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]WatchView, len(p.watches))
	for id, w := range p.watches {
		out[id] = p.viewLocked(w)
	}
	return out
}

func (p *Poller) viewLocked(w *watch) WatchView {
	view := WatchView{Err: w.lastErr}
	if w.lastOp != nil {
		op := *w.lastOp
		view.Data = &op
	}
	switch w.state {
	case statePending:
		view.IsLoading = true
	case stateActive:
		view.IsActive = true
	case stateTerminal:
		if w.lastOp != nil {
			switch w.lastOp.Status {
			case knowledge.OpStatusCompleted, knowledge.OpStatusCancelled:
				view.IsComplete = true
			default:
				view.IsFailed = true
			}
		} else {
			view.IsFailed = true
		}
	}
	return view
}

// StartActiveList polls the server's global active-operations listing at
// the bulk cadence and replaces the operations partition wholesale.
// Operations discovered this way are not auto-watched; only ids this
// client started (tracked in the Registry) get per-id watches.
func (p *Poller) StartActiveList() {
	p.mu.Lock()
	if p.cancelList != nil {
		p.mu.Unlock()
		return
	}
	p.cancelList = func() {}
	p.mu.Unlock()
	p.listTick()
}

func (p *Poller) StopActiveList() {
	p.mu.Lock()
	cancel := p.cancelList
	p.cancelList = nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (p *Poller) listTick() {
	list, err := p.client.ListActiveOperations(context.Background())
	if err != nil {
		p.logf("active operations poll failed: %v", err)
	} else {
		p.store.Write(knowledge.ActiveOperationsKey(), func(opcache.View) opcache.View {
			return list.CloneView()
		})
	}
	p.mu.Lock()
	if p.cancelList == nil {
		p.mu.Unlock()
		return
	}
	p.cancelList = p.sched.Schedule(p.listInterval, p.listTick)
	p.mu.Unlock()
}

func (p *Poller) logf(format string, args ...any) {
	if p.logger == nil {
		return
	}
	p.logger.Printf(format, args...)
}
