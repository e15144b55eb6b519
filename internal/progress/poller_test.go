package progress

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/knowsync/internal/knowledge"
	"github.com/agentworkforce/knowsync/internal/opcache"
)

type tickReply struct {
	op  knowledge.Operation
	err error
}

// fakeProgressClient serves scripted replies per operation id. When a
// script runs out its last reply repeats, which matches a server that
// keeps reporting the same status.
type fakeProgressClient struct {
	mu     sync.Mutex
	script map[string][]tickReply
	list   knowledge.OperationList
	calls  map[string]int
}

func newFakeProgressClient() *fakeProgressClient {
	return &fakeProgressClient{script: map[string][]tickReply{}, calls: map[string]int{}}
}

func (f *fakeProgressClient) push(id string, replies ...tickReply) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script[id] = append(f.script[id], replies...)
}

func (f *fakeProgressClient) GetProgress(ctx context.Context, id string) (knowledge.Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[id]++
	replies := f.script[id]
	if len(replies) == 0 {
		return knowledge.Operation{}, fmt.Errorf("%w: %s", knowledge.ErrOperationNotFound, id)
	}
	reply := replies[0]
	if len(replies) > 1 {
		f.script[id] = replies[1:]
	}
	return reply.op, reply.err
}

func (f *fakeProgressClient) ListActiveOperations(ctx context.Context) (knowledge.OperationList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.list.CloneView().(knowledge.OperationList), nil
}

func (f *fakeProgressClient) callCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

type notifyRecorder struct {
	mu        sync.Mutex
	completes []knowledge.Operation
	errored   []knowledge.Operation
}

func (r *notifyRecorder) callbacks() Callbacks {
	return Callbacks{
		OnComplete: func(op knowledge.Operation) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.completes = append(r.completes, op)
		},
		OnError: func(op knowledge.Operation, err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errored = append(r.errored, op)
		},
	}
}

func (r *notifyRecorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.completes), len(r.errored)
}

func newTestPoller(t *testing.T, client Client) (*Poller, *opcache.Store, *opcache.ManualScheduler) {
	t.Helper()
	sched := opcache.NewManualScheduler()
	store := opcache.NewStore(opcache.StoreOptions{Scheduler: sched})
	p, err := NewPoller(PollerOptions{Client: client, Store: store, Scheduler: sched})
	if err != nil {
		t.Fatalf("NewPoller: %v", err)
	}
	return p, store, sched
}

func op(id, status string, progress float64) knowledge.Operation {
	return knowledge.Operation{OperationID: id, OperationType: "crawl", Status: status, Progress: progress}
}

func TestAdvanceStateMachine(t *testing.T) {
	cases := []struct {
		name           string
		state          watchState
		notFound       int
		result         tickResult
		wantState      watchState
		wantNotFound   int
		wantComplete   bool
		wantError      bool
		wantStop       bool
		wantPurgeAfter time.Duration
	}{
		{
			name:      "terminal never ticks again",
			state:     stateTerminal,
			result:    tickResult{op: op("a", "crawling", 10), hasOp: true},
			wantState: stateTerminal,
			wantStop:  true,
		},
		{
			name:         "not found below limit keeps counting",
			state:        stateActive,
			notFound:     3,
			result:       tickResult{notFound: true},
			wantState:    stateActive,
			wantNotFound: 4,
		},
		{
			name:           "not found at limit forces error terminal",
			state:          stateActive,
			notFound:       4,
			result:         tickResult{notFound: true},
			wantState:      stateTerminal,
			wantError:      true,
			wantStop:       true,
			wantPurgeAfter: 5 * time.Second,
		},
		{
			name:         "success resets the counter",
			state:        stateActive,
			notFound:     4,
			result:       tickResult{op: op("a", "crawling", 10), hasOp: true},
			wantState:    stateActive,
			wantNotFound: 0,
		},
		{
			name:         "transport error changes nothing",
			state:        statePending,
			notFound:     2,
			result:       tickResult{err: fmt.Errorf("dial refused")},
			wantState:    statePending,
			wantNotFound: 2,
		},
		{
			name:           "completed notifies with short grace",
			state:          stateActive,
			result:         tickResult{op: op("a", knowledge.OpStatusCompleted, 100), hasOp: true},
			wantState:      stateTerminal,
			wantComplete:   true,
			wantStop:       true,
			wantPurgeAfter: 2 * time.Second,
		},
		{
			name:           "cancelled counts as completion",
			state:          stateActive,
			result:         tickResult{op: op("a", knowledge.OpStatusCancelled, 40), hasOp: true},
			wantState:      stateTerminal,
			wantComplete:   true,
			wantStop:       true,
			wantPurgeAfter: 2 * time.Second,
		},
		{
			name:           "failed notifies with long grace",
			state:          stateActive,
			result:         tickResult{op: op("a", knowledge.OpStatusFailed, 60), hasOp: true},
			wantState:      stateTerminal,
			wantError:      true,
			wantStop:       true,
			wantPurgeAfter: 5 * time.Second,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			state, notFound, effects := advance(tc.state, tc.notFound, 5, tc.result, 2*time.Second, 5*time.Second)
			if state != tc.wantState {
				t.Fatalf("state = %v, want %v", state, tc.wantState)
			}
			if notFound != tc.wantNotFound {
				t.Fatalf("notFound = %d, want %d", notFound, tc.wantNotFound)
			}
			if effects.notifyComplete != tc.wantComplete || effects.notifyError != tc.wantError {
				t.Fatalf("notify = %v/%v, want %v/%v", effects.notifyComplete, effects.notifyError, tc.wantComplete, tc.wantError)
			}
			if effects.stop != tc.wantStop {
				t.Fatalf("stop = %v, want %v", effects.stop, tc.wantStop)
			}
			if effects.purgeAfter != tc.wantPurgeAfter {
				t.Fatalf("purgeAfter = %v, want %v", effects.purgeAfter, tc.wantPurgeAfter)
			}
		})
	}
}

func TestAdvanceNotFoundTerminalMessage(t *testing.T) {
	_, _, effects := advance(stateActive, 4, 5, tickResult{notFound: true}, time.Second, time.Second)
	if effects.record == nil || effects.record.Message != "operation no longer exists" {
		t.Fatalf("record = %+v", effects.record)
	}
	if effects.record.Status != knowledge.OpStatusError {
		t.Fatalf("status = %q", effects.record.Status)
	}
}

func TestWatchToCompletionNotifiesOnce(t *testing.T) {
	client := newFakeProgressClient()
	client.push("op-1",
		tickReply{op: op("op-1", "crawling", 30)},
		tickReply{op: op("op-1", knowledge.OpStatusCompleted, 100)},
	)
	p, store, sched := newTestPoller(t, client)
	rec := &notifyRecorder{}

	p.Watch("op-1", rec.callbacks())
	sched.FireNext() // first poll: crawling

	view, ok := p.View("op-1")
	if !ok || !view.IsActive || view.Data == nil || view.Data.Progress != 30 {
		t.Fatalf("mid-flight view = %+v", view)
	}
	ops, _ := store.Read(knowledge.ActiveOperationsKey())
	if got := ops.(knowledge.OperationList).Operations[0].Status; got != "crawling" {
		t.Fatalf("cached status = %q", got)
	}

	sched.FireNext() // second poll: completed
	completes, errored := rec.counts()
	if completes != 1 || errored != 0 {
		t.Fatalf("notifications = %d/%d, want 1/0", completes, errored)
	}
	view, _ = p.View("op-1")
	if !view.IsComplete {
		t.Fatalf("terminal view = %+v", view)
	}

	calls := client.callCount("op-1")
	sched.FireNext() // only the purge remains, no further poll
	if client.callCount("op-1") != calls {
		t.Fatalf("polled after terminal status")
	}
	completes, errored = rec.counts()
	if completes != 1 || errored != 0 {
		t.Fatalf("notifications after purge = %d/%d, want 1/0", completes, errored)
	}
	if _, ok := p.View("op-1"); ok {
		t.Fatalf("watch survived purge")
	}
	ops, _ = store.Read(knowledge.ActiveOperationsKey())
	if got := ops.(knowledge.OperationList).Count; got != 0 {
		t.Fatalf("operations view after purge = %d entries", got)
	}
}

func TestFiveConsecutiveNotFoundForcesError(t *testing.T) {
	client := newFakeProgressClient() // empty script: every poll is a 404
	p, _, sched := newTestPoller(t, client)
	rec := &notifyRecorder{}

	p.Watch("op-gone", rec.callbacks())
	for i := 0; i < 5; i++ {
		sched.FireNext()
	}

	completes, errored := rec.counts()
	if completes != 0 || errored != 1 {
		t.Fatalf("notifications = %d/%d, want 0/1", completes, errored)
	}
	if client.callCount("op-gone") != 5 {
		t.Fatalf("polls = %d, want exactly 5", client.callCount("op-gone"))
	}
	view, _ := p.View("op-gone")
	if !view.IsFailed {
		t.Fatalf("view = %+v, want failed", view)
	}
}

func TestNotFoundCounterResetsOnSuccess(t *testing.T) {
	client := newFakeProgressClient()
	client.push("op-2",
		tickReply{err: fmt.Errorf("%w: op-2", knowledge.ErrOperationNotFound)},
		tickReply{err: fmt.Errorf("%w: op-2", knowledge.ErrOperationNotFound)},
		tickReply{err: fmt.Errorf("%w: op-2", knowledge.ErrOperationNotFound)},
		tickReply{err: fmt.Errorf("%w: op-2", knowledge.ErrOperationNotFound)},
		tickReply{op: op("op-2", "processing", 80)},
	)
	p, _, sched := newTestPoller(t, client)
	rec := &notifyRecorder{}

	p.Watch("op-2", rec.callbacks())
	for i := 0; i < 5; i++ {
		sched.FireNext()
	}

	completes, errored := rec.counts()
	if completes != 0 || errored != 0 {
		t.Fatalf("four misses then a hit must not notify, got %d/%d", completes, errored)
	}
	view, _ := p.View("op-2")
	if !view.IsActive {
		t.Fatalf("view = %+v, want active", view)
	}
}

func TestTransportErrorDoesNotConsumeNotification(t *testing.T) {
	client := newFakeProgressClient()
	client.push("op-3",
		tickReply{err: fmt.Errorf("connection reset")},
		tickReply{op: op("op-3", knowledge.OpStatusCompleted, 100)},
	)
	p, _, sched := newTestPoller(t, client)
	rec := &notifyRecorder{}

	p.Watch("op-3", rec.callbacks())
	sched.FireNext()
	sched.FireNext()

	completes, errored := rec.counts()
	if completes != 1 || errored != 0 {
		t.Fatalf("notifications = %d/%d, want 1/0", completes, errored)
	}
}

func TestWatchAllMachinesAreIndependent(t *testing.T) {
	client := newFakeProgressClient()
	client.push("op-a", tickReply{op: op("op-a", knowledge.OpStatusCompleted, 100)})
	client.push("op-b", tickReply{op: op("op-b", knowledge.OpStatusFailed, 20)})
	client.push("op-c", tickReply{op: op("op-c", "crawling", 10)})
	p, _, sched := newTestPoller(t, client)
	rec := &notifyRecorder{}

	p.WatchAll([]string{"op-a", "op-b", "op-c"}, rec.callbacks())
	sched.FireNext()

	completes, errored := rec.counts()
	if completes != 1 || errored != 1 {
		t.Fatalf("notifications = %d/%d, want 1/1", completes, errored)
	}
	view, _ := p.View("op-c")
	if !view.IsActive {
		t.Fatalf("sibling terminal states leaked into op-c: %+v", view)
	}
}

func TestUnwatchSilencesCallbacks(t *testing.T) {
	client := newFakeProgressClient()
	client.push("op-4", tickReply{op: op("op-4", knowledge.OpStatusCompleted, 100)})
	p, _, sched := newTestPoller(t, client)
	rec := &notifyRecorder{}

	p.Watch("op-4", rec.callbacks())
	p.Unwatch("op-4")
	sched.FireAll()

	completes, errored := rec.counts()
	if completes != 0 || errored != 0 {
		t.Fatalf("unwatched id notified: %d/%d", completes, errored)
	}
	if client.callCount("op-4") != 0 {
		t.Fatalf("unwatched id still polled")
	}
}

func TestDoubleWatchKeepsExistingMachine(t *testing.T) {
	client := newFakeProgressClient()
	client.push("op-5", tickReply{op: op("op-5", "crawling", 10)})
	p, _, sched := newTestPoller(t, client)

	p.Watch("op-5", Callbacks{})
	p.Watch("op-5", Callbacks{})
	sched.FireNext()

	if got := client.callCount("op-5"); got != 1 {
		t.Fatalf("polls = %d, want 1 despite double watch", got)
	}
}

func TestDeliverFeedsWatchMachine(t *testing.T) {
	client := newFakeProgressClient()
	client.push("op-6", tickReply{op: op("op-6", "starting", 0)})
	p, _, sched := newTestPoller(t, client)
	rec := &notifyRecorder{}

	p.Watch("op-6", rec.callbacks())
	sched.FireNext()

	p.Deliver(op("op-6", knowledge.OpStatusCompleted, 100))
	p.Deliver(op("op-6", knowledge.OpStatusCompleted, 100))

	completes, errored := rec.counts()
	if completes != 1 || errored != 0 {
		t.Fatalf("stream frames notified %d/%d, want 1/0", completes, errored)
	}
}

func TestDuplicateTerminalFrameKeepsGraceWindow(t *testing.T) {
	client := newFakeProgressClient()
	p, store, sched := newTestPoller(t, client)
	rec := &notifyRecorder{}

	p.Watch("op-8", rec.callbacks())
	pendingBefore := sched.Pending()

	p.Deliver(op("op-8", knowledge.OpStatusCompleted, 100))
	afterFirst := sched.Pending()
	if afterFirst != pendingBefore+1 {
		t.Fatalf("pending after terminal = %d, want %d (one purge armed)", afterFirst, pendingBefore+1)
	}

	p.Deliver(op("op-8", knowledge.OpStatusCompleted, 100))
	if got := sched.Pending(); got != afterFirst {
		t.Fatalf("duplicate terminal frame re-armed the purge: pending = %d, want %d", got, afterFirst)
	}

	// The record stays readable until the grace purge fires.
	view, ok := store.Read(knowledge.ActiveOperationsKey())
	if !ok {
		t.Fatalf("operations view gone before the grace purge")
	}
	list := view.(knowledge.OperationList)
	if list.Count != 1 || list.Operations[0].Status != knowledge.OpStatusCompleted {
		t.Fatalf("cached record during grace window = %+v", list)
	}
	if _, watched := p.View("op-8"); !watched {
		t.Fatalf("watch purged before the grace delay")
	}

	sched.FireAll()
	if _, watched := p.View("op-8"); watched {
		t.Fatalf("watch survived the grace purge")
	}
	completes, errored := rec.counts()
	if completes != 1 || errored != 0 {
		t.Fatalf("notifications = %d/%d, want 1/0", completes, errored)
	}
}

func TestDeliverUnwatchedIsRecordedOnly(t *testing.T) {
	client := newFakeProgressClient()
	p, store, _ := newTestPoller(t, client)

	p.Deliver(op("op-foreign", "crawling", 55))

	view, ok := store.Read(knowledge.ActiveOperationsKey())
	if !ok {
		t.Fatalf("operations view not populated")
	}
	list := view.(knowledge.OperationList)
	if list.Count != 1 || list.Operations[0].OperationID != "op-foreign" {
		t.Fatalf("list = %+v", list)
	}
	if _, watched := p.View("op-foreign"); watched {
		t.Fatalf("delivery must not implicitly watch")
	}
}

func TestActiveListReplacesWholesale(t *testing.T) {
	client := newFakeProgressClient()
	client.list = knowledge.OperationList{
		Operations: []knowledge.Operation{op("op-x", "crawling", 5)},
		Count:      1,
	}
	p, store, sched := newTestPoller(t, client)

	store.Write(knowledge.ActiveOperationsKey(), func(opcache.View) opcache.View {
		return knowledge.OperationList{
			Operations: []knowledge.Operation{op("op-old", "processing", 90)},
			Count:      1,
		}
	})

	p.StartActiveList()
	defer p.StopActiveList()

	view, _ := store.Read(knowledge.ActiveOperationsKey())
	list := view.(knowledge.OperationList)
	if list.Count != 1 || list.Operations[0].OperationID != "op-x" {
		t.Fatalf("list after bulk poll = %+v, want wholesale replacement", list)
	}
	if sched.Pending() == 0 {
		t.Fatalf("no follow-up bulk poll scheduled")
	}
}
