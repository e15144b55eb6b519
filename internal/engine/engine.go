// Package engine wires the cache, the mutation manager, the progress
// poller and the knowledge client into one facade. Callers start writes
// and read cached views here; everything else (placeholders, rollback,
// id reconciliation, watch lifecycle) happens behind the facade.
package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentworkforce/knowsync/internal/knowledge"
	"github.com/agentworkforce/knowsync/internal/mutation"
	"github.com/agentworkforce/knowsync/internal/opcache"
	"github.com/agentworkforce/knowsync/internal/progress"
)

type Logger interface {
	Printf(format string, args ...any)
}

// Client is the full knowledge API surface the engine drives.
type Client interface {
	StartCrawl(ctx context.Context, req knowledge.CrawlRequest) (knowledge.StartResult, error)
	UploadDocument(ctx context.Context, req knowledge.UploadRequest) (knowledge.StartResult, error)
	GetProgress(ctx context.Context, operationID string) (knowledge.Operation, error)
	ListActiveOperations(ctx context.Context) (knowledge.OperationList, error)
	StopOperation(ctx context.Context, operationID string) error
	UpdateItem(ctx context.Context, sourceID string, patch knowledge.ItemPatch) error
	DeleteItem(ctx context.Context, sourceID string) error
	GetItem(ctx context.Context, sourceID string) (knowledge.Entity, error)
	ListItems(ctx context.Context, req knowledge.PageRequest) (knowledge.EntityPage, error)
}

// Notifications are the engine-wide terminal callbacks, fired once per
// operation this client started.
type Notifications struct {
	OnComplete func(op knowledge.Operation)
	OnError    func(op knowledge.Operation, err error)
}

type Options struct {
	Client        Client
	Registry      *progress.Registry
	Scheduler     opcache.Scheduler
	Logger        Logger
	Notifications Notifications
	Poller        progress.PollerOptions
	Mutations     mutation.Options
}

type Engine struct {
	client    Client
	store     *opcache.Store
	poller    *progress.Poller
	mutations *mutation.Manager
	registry  *progress.Registry
	logger    Logger
	notify    Notifications
}

func New(opts Options) (*Engine, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("client is required")
	}
	registry := opts.Registry
	if registry == nil {
		registry = progress.NewRegistry(nil)
	}
	e := &Engine{
		client:   opts.Client,
		registry: registry,
		logger:   opts.Logger,
		notify:   opts.Notifications,
	}
	e.store = opcache.NewStore(opcache.StoreOptions{
		Fetch:     e.fetch,
		Scheduler: opts.Scheduler,
		Logger:    opts.Logger,
	})

	pollerOpts := opts.Poller
	pollerOpts.Client = opts.Client
	pollerOpts.Store = e.store
	if pollerOpts.Scheduler == nil {
		pollerOpts.Scheduler = opts.Scheduler
	}
	if pollerOpts.Logger == nil {
		pollerOpts.Logger = opts.Logger
	}
	poller, err := progress.NewPoller(pollerOpts)
	if err != nil {
		return nil, err
	}
	e.poller = poller

	mutationOpts := opts.Mutations
	mutationOpts.Store = e.store
	if mutationOpts.Logger == nil {
		mutationOpts.Logger = opts.Logger
	}
	mutations, err := mutation.NewManager(mutationOpts)
	if err != nil {
		return nil, err
	}
	e.mutations = mutations
	return e, nil
}

// fetch loads one partition's authoritative value. Keys map onto the
// client read endpoints; an unknown key is a programming error surfaced
// through the refetch log rather than a panic.
func (e *Engine) fetch(key opcache.Key) (opcache.View, error) {
	ctx := context.Background()
	switch {
	case key.String() == knowledge.ListKey().String():
		page, err := e.client.ListItems(ctx, knowledge.PageRequest{})
		if err != nil {
			return nil, err
		}
		return page, nil
	case key.HasPrefix(knowledge.SummaryPrefix()) && len(key) == 3:
		page, err := e.client.ListItems(ctx, knowledge.PageRequest{KnowledgeType: key[2]})
		if err != nil {
			return nil, err
		}
		return page, nil
	case key.HasPrefix(knowledge.KnowledgePrefix()) && len(key) == 3 && key[1] == "detail":
		entity, err := e.client.GetItem(ctx, key[2])
		if err != nil {
			return nil, err
		}
		return knowledge.EntityDetail{Entity: entity}, nil
	case key.String() == knowledge.ActiveOperationsKey().String():
		list, err := e.client.ListActiveOperations(ctx)
		if err != nil {
			return nil, err
		}
		return list, nil
	default:
		return nil, fmt.Errorf("no fetcher for partition %s", key.String())
	}
}

// Prime populates the listing partitions so later optimistic writes have
// views to land in. Filters are knowledge types; "all" is always loaded.
func (e *Engine) Prime(ctx context.Context, filters ...string) error {
	load := func(key opcache.Key, view opcache.View, err error) error {
		if err != nil {
			return err
		}
		e.store.Write(key, func(opcache.View) opcache.View { return view })
		return nil
	}
	page, err := e.client.ListItems(ctx, knowledge.PageRequest{})
	if err := load(knowledge.ListKey(), page, err); err != nil {
		return err
	}
	seen := map[string]bool{}
	for _, filter := range append([]string{"all"}, filters...) {
		filter = strings.TrimSpace(filter)
		if filter == "" || seen[filter] {
			continue
		}
		seen[filter] = true
		page, err := e.client.ListItems(ctx, knowledge.PageRequest{KnowledgeType: filter})
		if err := load(knowledge.SummaryKey(filter), page, err); err != nil {
			return err
		}
	}
	ops, err := e.client.ListActiveOperations(ctx)
	return load(knowledge.ActiveOperationsKey(), ops, err)
}

// StartCrawl begins site ingestion: optimistic placeholder first, then
// the server call, then reconciliation or rollback. Returns the
// server-issued operation id.
func (e *Engine) StartCrawl(ctx context.Context, req knowledge.CrawlRequest) (string, error) {
	tx := e.mutations.Begin(mutation.Crawl{
		URL:           req.URL,
		KnowledgeType: req.KnowledgeType,
		Tags:          req.Tags,
		MaxDepth:      req.MaxDepth,
	})
	if err := e.registry.Track(progress.TrackedOperation{
		OperationID:   tx.TempProgressID,
		OperationType: knowledge.OpTypeCrawl,
	}); err != nil {
		e.logf("registry track failed: %v", err)
	}
	result, err := e.client.StartCrawl(ctx, req)
	if err != nil {
		if trackErr := e.registry.Untrack(tx.TempProgressID); trackErr != nil {
			e.logf("registry untrack failed: %v", trackErr)
		}
		return "", tx.Abort(err)
	}
	return e.finishStart(tx, result)
}

// UploadDocument begins document ingestion with the same optimistic
// lifecycle as StartCrawl.
func (e *Engine) UploadDocument(ctx context.Context, req knowledge.UploadRequest) (string, error) {
	tx := e.mutations.Begin(mutation.Upload{
		FileName:      req.FileName,
		KnowledgeType: req.KnowledgeType,
		Tags:          req.Tags,
	})
	if err := e.registry.Track(progress.TrackedOperation{
		OperationID:   tx.TempProgressID,
		OperationType: knowledge.OpTypeUpload,
	}); err != nil {
		e.logf("registry track failed: %v", err)
	}
	result, err := e.client.UploadDocument(ctx, req)
	if err != nil {
		if trackErr := e.registry.Untrack(tx.TempProgressID); trackErr != nil {
			e.logf("registry untrack failed: %v", trackErr)
		}
		return "", tx.Abort(err)
	}
	return e.finishStart(tx, result)
}

func (e *Engine) finishStart(tx *mutation.Txn, result knowledge.StartResult) (string, error) {
	if err := e.registry.Rename(tx.TempProgressID, result.ProgressID); err != nil {
		e.logf("registry rename failed: %v", err)
	}
	if err := tx.Commit(&result); err != nil {
		return "", err
	}
	if result.ProgressID != "" {
		e.poller.Watch(result.ProgressID, e.watchCallbacks())
	}
	return result.ProgressID, nil
}

// UpdateItem applies a partial edit optimistically and confirms it with
// the server. On failure every cached copy reverts.
func (e *Engine) UpdateItem(ctx context.Context, sourceID string, patch knowledge.ItemPatch) error {
	tx := e.mutations.Begin(mutation.Update{SourceID: sourceID, Patch: patch})
	if err := e.client.UpdateItem(ctx, sourceID, patch); err != nil {
		return tx.Abort(err)
	}
	return tx.Commit(nil)
}

// DeleteItem removes the entity optimistically and confirms with the
// server.
func (e *Engine) DeleteItem(ctx context.Context, sourceID string) error {
	tx := e.mutations.Begin(mutation.Delete{SourceID: sourceID})
	if err := e.client.DeleteItem(ctx, sourceID); err != nil {
		return tx.Abort(err)
	}
	return tx.Commit(nil)
}

// StopOperation requests cancellation. The watch keeps running: the
// cancelled terminal status arrives through the normal polling path.
func (e *Engine) StopOperation(ctx context.Context, operationID string) error {
	return e.client.StopOperation(ctx, operationID)
}

// WatchOperation watches an id the caller obtained elsewhere.
func (e *Engine) WatchOperation(operationID string) {
	e.poller.Watch(operationID, e.watchCallbacks())
}

// WatchOperations starts one independent watch per id.
func (e *Engine) WatchOperations(operationIDs []string) {
	e.poller.WatchAll(operationIDs, e.watchCallbacks())
}

func (e *Engine) UnwatchOperation(operationID string) {
	e.poller.Unwatch(operationID)
}

func (e *Engine) OperationView(operationID string) (progress.WatchView, bool) {
	return e.poller.View(operationID)
}

func (e *Engine) OperationViews() map[string]progress.WatchView {
	return e.poller.Views()
}

// Resume rewatches every operation the registry says this client owns.
// Called after restart so in-flight work is not orphaned.
func (e *Engine) Resume() {
	for _, tracked := range e.registry.List() {
		if knowledge.IsTempID(tracked.OperationID) {
			// A temp id in the registry means the process died between the
			// optimistic write and the server ack. The server never issued
			// this id, so drop it.
			if err := e.registry.Untrack(tracked.OperationID); err != nil {
				e.logf("registry untrack failed: %v", err)
			}
			continue
		}
		e.poller.Watch(tracked.OperationID, e.watchCallbacks())
	}
}

func (e *Engine) watchCallbacks() progress.Callbacks {
	return progress.Callbacks{
		OnComplete: func(op knowledge.Operation) {
			e.settle(op)
			if e.notify.OnComplete != nil {
				e.notify.OnComplete(op)
			}
		},
		OnError: func(op knowledge.Operation, err error) {
			e.settle(op)
			if e.notify.OnError != nil {
				e.notify.OnError(op, err)
			}
		},
	}
}

// settle runs once per finished operation: the registry entry goes away
// and the knowledge views refetch so the final server state replaces the
// optimistic copies.
func (e *Engine) settle(op knowledge.Operation) {
	if err := e.registry.Untrack(op.OperationID); err != nil {
		e.logf("registry untrack failed: %v", err)
	}
	e.store.Invalidate(knowledge.KnowledgePrefix(), 0)
}

// StartActiveList turns on the bulk active-operations poll.
func (e *Engine) StartActiveList() {
	e.poller.StartActiveList()
}

func (e *Engine) StopActiveList() {
	e.poller.StopActiveList()
}

// Deliver feeds a pushed progress frame into the watch machinery.
func (e *Engine) Deliver(op knowledge.Operation) {
	e.poller.Deliver(op)
}

// SummaryPage reads the cached summary partition for a knowledge-type
// filter.
func (e *Engine) SummaryPage(filter string) (knowledge.EntityPage, bool) {
	view, ok := e.store.Read(knowledge.SummaryKey(filter))
	if !ok {
		return knowledge.EntityPage{}, false
	}
	page, ok := view.(knowledge.EntityPage)
	return page, ok
}

// ListPage reads the cached unfiltered listing.
func (e *Engine) ListPage() (knowledge.EntityPage, bool) {
	view, ok := e.store.Read(knowledge.ListKey())
	if !ok {
		return knowledge.EntityPage{}, false
	}
	page, ok := view.(knowledge.EntityPage)
	return page, ok
}

// EntityByID reads the cached detail partition for one entity.
func (e *Engine) EntityByID(sourceID string) (knowledge.Entity, bool) {
	view, ok := e.store.Read(knowledge.DetailKey(sourceID))
	if !ok {
		return knowledge.Entity{}, false
	}
	detail, ok := view.(knowledge.EntityDetail)
	if !ok {
		return knowledge.Entity{}, false
	}
	return detail.Entity, true
}

// ActiveOperations reads the cached active-operations partition.
func (e *Engine) ActiveOperations() (knowledge.OperationList, bool) {
	view, ok := e.store.Read(knowledge.ActiveOperationsKey())
	if !ok {
		return knowledge.OperationList{}, false
	}
	list, ok := view.(knowledge.OperationList)
	return list, ok
}

// Store exposes the cache for components that extend the engine, such as
// the folder-ingest watcher's tests.
func (e *Engine) Store() *opcache.Store {
	return e.store
}

func (e *Engine) Close() error {
	e.poller.StopActiveList()
	return e.registry.Close()
}

func (e *Engine) logf(format string, args ...any) {
	if e.logger == nil {
		return
	}
	e.logger.Printf(format, args...)
}
