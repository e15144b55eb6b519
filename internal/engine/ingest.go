package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/agentworkforce/knowsync/internal/knowledge"
)

// Uploader is the slice of the engine the folder watcher needs.
type Uploader interface {
	UploadDocument(ctx context.Context, req knowledge.UploadRequest) (string, error)
}

const (
	ingestProcessedDir  = "processed"
	defaultIngestSettle = 500 * time.Millisecond
)

// Ingest watches a drop folder and uploads every file placed in it.
// Uploaded files move into a processed/ subdirectory so a restart never
// uploads them twice.
type Ingest struct {
	uploader      Uploader
	dir           string
	knowledgeType string
	tags          []string
	logger        Logger
	settle        time.Duration

	mu       sync.Mutex
	debounce map[string]*time.Timer
}

func NewIngest(uploader Uploader, cfg IngestConfig, logger Logger) (*Ingest, error) {
	if uploader == nil {
		return nil, fmt.Errorf("uploader is required")
	}
	dir := strings.TrimSpace(cfg.Dir)
	if dir == "" {
		return nil, fmt.Errorf("ingest dir is required")
	}
	return &Ingest{
		uploader:      uploader,
		dir:           dir,
		knowledgeType: cfg.KnowledgeType,
		tags:          append([]string(nil), cfg.Tags...),
		logger:        logger,
		settle:        defaultIngestSettle,
	}, nil
}

// Run sweeps files already present, then watches for new ones until ctx
// is cancelled. Writes are debounced per path so a file still being
// copied in is not read half-finished.
func (in *Ingest) Run(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Join(in.dir, ingestProcessedDir), 0o755); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(in.dir); err != nil {
		return err
	}

	in.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			in.cancelPending()
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			in.schedule(ctx, event.Name)
		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			in.logf("ingest watch error: %v", watchErr)
		}
	}
}

func (in *Ingest) sweep(ctx context.Context) {
	entries, err := os.ReadDir(in.dir)
	if err != nil {
		in.logf("ingest sweep failed: %v", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		in.schedule(ctx, filepath.Join(in.dir, entry.Name()))
	}
}

// schedule arms (or re-arms) the per-path debounce timer. The file is
// processed only after the settle period passes with no further writes.
func (in *Ingest) schedule(ctx context.Context, path string) {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") {
		return
	}
	in.mu.Lock()
	if in.debounce == nil {
		in.debounce = map[string]*time.Timer{}
	}
	if timer, ok := in.debounce[path]; ok {
		timer.Stop()
	}
	in.debounce[path] = time.AfterFunc(in.settle, func() {
		in.mu.Lock()
		delete(in.debounce, path)
		in.mu.Unlock()
		in.process(ctx, path)
	})
	in.mu.Unlock()
}

func (in *Ingest) cancelPending() {
	in.mu.Lock()
	defer in.mu.Unlock()
	for _, timer := range in.debounce {
		timer.Stop()
	}
	in.debounce = nil
}

func (in *Ingest) process(ctx context.Context, path string) {
	if ctx.Err() != nil {
		return
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}
	content, err := os.ReadFile(path)
	if err != nil {
		in.logf("ingest read %s failed: %v", path, err)
		return
	}
	name := filepath.Base(path)
	opID, err := in.uploader.UploadDocument(ctx, knowledge.UploadRequest{
		FileName:      name,
		Content:       content,
		KnowledgeType: in.knowledgeType,
		Tags:          append([]string(nil), in.tags...),
	})
	if err != nil {
		in.logf("ingest upload %s failed: %v", name, err)
		return
	}
	in.logf("ingest uploaded %s as operation %s", name, opID)
	done := filepath.Join(in.dir, ingestProcessedDir, name)
	if err := os.Rename(path, done); err != nil {
		in.logf("ingest move %s failed: %v", name, err)
	}
}

func (in *Ingest) logf(format string, args ...any) {
	if in.logger == nil {
		return
	}
	in.logger.Printf(format, args...)
}
