// Package mutation wraps each write action in a compensating transaction
// over the cache: snapshot the partitions it will touch, apply a
// locally-synthesized result, and once the server answers either
// reconcile the synthesized identifiers with the real ones or restore the
// snapshot verbatim.
package mutation

import (
	"errors"
	"fmt"
	"time"

	"github.com/agentworkforce/knowsync/internal/knowledge"
	"github.com/agentworkforce/knowsync/internal/opcache"
)

var ErrTxnFinished = errors.New("transaction already finished")

type Logger interface {
	Printf(format string, args ...any)
}

const (
	defaultUploadSettle = time.Second
	defaultCrawlSettle  = 5 * time.Second
)

type Options struct {
	Store        *opcache.Store
	Logger       Logger
	Now          func() time.Time
	UploadSettle time.Duration
	CrawlSettle  time.Duration
}

type Manager struct {
	store        *opcache.Store
	logger       Logger
	now          func() time.Time
	uploadSettle time.Duration
	crawlSettle  time.Duration
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	m := &Manager{
		store:        opts.Store,
		logger:       opts.Logger,
		now:          opts.Now,
		uploadSettle: opts.UploadSettle,
		crawlSettle:  opts.CrawlSettle,
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.uploadSettle <= 0 {
		m.uploadSettle = defaultUploadSettle
	}
	if m.crawlSettle <= 0 {
		m.crawlSettle = defaultCrawlSettle
	}
	return m, nil
}

// Descriptor is one write action's cache footprint: which partitions it
// touches, how to apply its optimistic guess, and how to reconcile the
// guess with the server's answer.
type Descriptor interface {
	action() string
	keys(s *opcache.Store) []opcache.Key
	apply(tx *Txn, s *opcache.Store)
	settle(m *Manager) time.Duration
}

// Txn is the rollback token returned by Begin. Exactly one of Commit or
// Abort must be called.
type Txn struct {
	m              *Manager
	desc           Descriptor
	snapshot       *opcache.Snapshot
	TempSourceID   string
	TempProgressID string
	finished       bool
}

// Begin suppresses in-flight refetches of the affected partitions,
// snapshots them, synthesizes placeholder ids and applies the optimistic
// write. One atomic step per sub-operation; the snapshot is taken before
// any write.
func (m *Manager) Begin(desc Descriptor) *Txn {
	now := m.now()
	tx := &Txn{
		m:              m,
		desc:           desc,
		TempSourceID:   knowledge.TempItemID(desc.action(), now),
		TempProgressID: knowledge.TempProgressID(desc.action(), now),
	}
	tx.snapshot = m.store.BeginMutation(desc.keys(m.store))
	desc.apply(tx, m.store)
	return tx
}

// Commit rewrites the placeholder ids to the server-issued one across
// every populated partition, then schedules invalidation of the knowledge
// family rather than trusting the optimistic copy indefinitely. A nil
// result is a success with no reconciliation needed.
func (tx *Txn) Commit(result *knowledge.StartResult) error {
	if tx.finished {
		return ErrTxnFinished
	}
	tx.finished = true
	if result != nil && result.ProgressID != "" {
		tx.m.store.RewriteID(tx.TempSourceID, result.ProgressID)
		tx.m.store.RewriteID(tx.TempProgressID, result.ProgressID)
	}
	settle := tx.desc.settle(tx.m)
	tx.m.store.Invalidate(knowledge.KnowledgePrefix(), settle)
	if tx.desc.action() == knowledge.OpTypeUpload {
		// Uploads finish fast; refetch immediately as well so the new row
		// appears without waiting out the staleness window.
		tx.m.store.Invalidate(knowledge.KnowledgePrefix(), 0)
	}
	return nil
}

// Abort restores every snapshotted partition verbatim and returns the
// user-visible error: the server's literal message when it sent one, a
// generic fallback otherwise. Rollback is all-or-nothing.
func (tx *Txn) Abort(cause error) error {
	if tx.finished {
		return ErrTxnFinished
	}
	tx.finished = true
	tx.m.store.Restore(tx.snapshot)
	fallback := fmt.Sprintf("failed to %s", tx.desc.action())
	message := knowledge.ServerMessage(cause, fallback)
	tx.m.logf("%s rolled back: %v", tx.desc.action(), cause)
	return fmt.Errorf("%s: %w", message, cause)
}

func (m *Manager) logf(format string, args ...any) {
	if m.logger == nil {
		return
	}
	m.logger.Printf(format, args...)
}

// Crawl starts ingestion of a site. The placeholder entity takes its
// title from the target's hostname and goes to the head of every
// populated list/summary partition so freshly started work is visible
// without scrolling.
type Crawl struct {
	URL           string
	KnowledgeType string
	Tags          []string
	MaxDepth      int
}

func (d Crawl) action() string { return knowledge.OpTypeCrawl }

func (d Crawl) settle(m *Manager) time.Duration { return m.crawlSettle }

func (d Crawl) keys(s *opcache.Store) []opcache.Key {
	return append(entityPageKeys(s), knowledge.ActiveOperationsKey())
}

func (d Crawl) apply(tx *Txn, s *opcache.Store) {
	now := tx.m.now().UTC().Format(time.RFC3339)
	entity := knowledge.Entity{
		SourceID:      tx.TempSourceID,
		Title:         knowledge.TitleFromURL(d.URL),
		URL:           d.URL,
		Status:        knowledge.EntityStatusProcessing,
		KnowledgeType: d.KnowledgeType,
		Tags:          append([]string(nil), d.Tags...),
		Metadata: knowledge.EntityMetadata{
			KnowledgeType: d.KnowledgeType,
			Tags:          append([]string(nil), d.Tags...),
			SourceURL:     d.URL,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	insertEntityHead(s, entity)
	insertOperationHead(s, knowledge.Operation{
		OperationID:   tx.TempProgressID,
		OperationType: knowledge.OpTypeCrawl,
		Status:        knowledge.OpStatusStarting,
		Message:       "Starting crawl of " + d.URL,
		SourceID:      tx.TempSourceID,
		StartedAt:     now,
	})
}

// Upload starts ingestion of a local document.
type Upload struct {
	FileName      string
	KnowledgeType string
	Tags          []string
}

func (d Upload) action() string { return knowledge.OpTypeUpload }

func (d Upload) settle(m *Manager) time.Duration { return m.uploadSettle }

func (d Upload) keys(s *opcache.Store) []opcache.Key {
	return append(entityPageKeys(s), knowledge.ActiveOperationsKey())
}

func (d Upload) apply(tx *Txn, s *opcache.Store) {
	now := tx.m.now().UTC().Format(time.RFC3339)
	entity := knowledge.Entity{
		SourceID:      tx.TempSourceID,
		Title:         d.FileName,
		Status:        knowledge.EntityStatusProcessing,
		KnowledgeType: d.KnowledgeType,
		Tags:          append([]string(nil), d.Tags...),
		Metadata: knowledge.EntityMetadata{
			KnowledgeType: d.KnowledgeType,
			Tags:          append([]string(nil), d.Tags...),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	insertEntityHead(s, entity)
	insertOperationHead(s, knowledge.Operation{
		OperationID:   tx.TempProgressID,
		OperationType: knowledge.OpTypeUpload,
		Status:        knowledge.OpStatusStarting,
		Message:       "Uploading " + d.FileName,
		SourceID:      tx.TempSourceID,
		StartedAt:     now,
	})
}

// Update merges a partial edit into the cached detail entity and every
// summary copy. The denormalized fields and the nested metadata are two
// representations of the same fact and stay equal after the merge.
type Update struct {
	SourceID string
	Patch    knowledge.ItemPatch
}

func (d Update) action() string { return knowledge.OpTypeUpdate }

func (d Update) settle(m *Manager) time.Duration { return m.uploadSettle }

func (d Update) keys(s *opcache.Store) []opcache.Key {
	return append(entityPageKeys(s), knowledge.DetailKey(d.SourceID))
}

func (d Update) apply(tx *Txn, s *opcache.Store) {
	now := tx.m.now().UTC().Format(time.RFC3339)
	patch := func(e *knowledge.Entity) {
		applyPatch(e, d.Patch, now)
	}
	for _, key := range entityPageKeys(s) {
		s.Write(key, func(current opcache.View) opcache.View {
			page, ok := current.(knowledge.EntityPage)
			if !ok {
				return current
			}
			for i := range page.Items {
				if page.Items[i].SourceID == d.SourceID {
					patch(&page.Items[i])
				}
			}
			return page
		})
	}
	s.Write(knowledge.DetailKey(d.SourceID), func(current opcache.View) opcache.View {
		detail, ok := current.(knowledge.EntityDetail)
		if !ok {
			return current
		}
		patch(&detail.Entity)
		return detail
	})
}

// Delete removes the entity from every summary partition and decrements
// each partition's total by one, floored at zero.
type Delete struct {
	SourceID string
}

func (d Delete) action() string { return knowledge.OpTypeDelete }

func (d Delete) settle(m *Manager) time.Duration { return m.uploadSettle }

func (d Delete) keys(s *opcache.Store) []opcache.Key {
	return append(entityPageKeys(s), knowledge.DetailKey(d.SourceID))
}

func (d Delete) apply(tx *Txn, s *opcache.Store) {
	for _, key := range entityPageKeys(s) {
		s.Write(key, func(current opcache.View) opcache.View {
			page, ok := current.(knowledge.EntityPage)
			if !ok {
				return current
			}
			kept := page.Items[:0]
			removed := false
			for _, item := range page.Items {
				if item.SourceID == d.SourceID {
					removed = true
					continue
				}
				kept = append(kept, item)
			}
			page.Items = kept
			if removed && page.Total > 0 {
				page.Total--
			}
			return page
		})
	}
	s.Write(knowledge.DetailKey(d.SourceID), func(opcache.View) opcache.View {
		return nil
	})
}

func applyPatch(e *knowledge.Entity, patch knowledge.ItemPatch, now string) {
	if patch.Title != nil {
		e.Title = *patch.Title
	}
	if patch.KnowledgeType != nil {
		e.KnowledgeType = *patch.KnowledgeType
		e.Metadata.KnowledgeType = *patch.KnowledgeType
	}
	if patch.Tags != nil {
		e.Tags = append([]string(nil), patch.Tags...)
		e.Metadata.Tags = append([]string(nil), patch.Tags...)
	}
	e.UpdatedAt = now
}

// entityPageKeys lists the currently populated list and summary
// partitions. Partitions not yet populated need no optimistic write: they
// will be populated fresh from the server.
func entityPageKeys(s *opcache.Store) []opcache.Key {
	keys := []opcache.Key{}
	for _, key := range s.Keys(knowledge.SummaryPrefix()) {
		keys = append(keys, key)
	}
	if _, ok := s.Read(knowledge.ListKey()); ok {
		keys = append(keys, knowledge.ListKey())
	}
	return keys
}

func insertEntityHead(s *opcache.Store, entity knowledge.Entity) {
	for _, key := range entityPageKeys(s) {
		s.Write(key, func(current opcache.View) opcache.View {
			page, ok := current.(knowledge.EntityPage)
			if !ok {
				return current
			}
			page.Items = append([]knowledge.Entity{entity}, page.Items...)
			page.Total++
			return page
		})
	}
}

func insertOperationHead(s *opcache.Store, op knowledge.Operation) {
	s.Write(knowledge.ActiveOperationsKey(), func(current opcache.View) opcache.View {
		list, ok := current.(knowledge.OperationList)
		if !ok {
			list = knowledge.OperationList{}
		}
		list.Operations = append([]knowledge.Operation{op}, list.Operations...)
		list.Count = len(list.Operations)
		return list
	})
}
