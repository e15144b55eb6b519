package progress

import (
	"context"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"github.com/agentworkforce/knowsync/internal/knowledge"
)

// Stream subscribes to the server's pushed progress frames and feeds them
// into the poller's state machines. Polling stays on as the fallback, so a
// dropped socket degrades to the regular cadence instead of losing
// terminal notifications.
type Stream struct {
	url       string
	token     string
	logger    Logger
	baseDelay time.Duration
	maxDelay  time.Duration
}

func NewStream(baseURL, token string, logger Logger) *Stream {
	return &Stream{
		url:       streamURL(baseURL),
		token:     strings.TrimSpace(token),
		logger:    logger,
		baseDelay: time.Second,
		maxDelay:  30 * time.Second,
	}
}

func streamURL(baseURL string) string {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		baseURL = "wss://" + strings.TrimPrefix(baseURL, "https://")
	case strings.HasPrefix(baseURL, "http://"):
		baseURL = "ws://" + strings.TrimPrefix(baseURL, "http://")
	}
	return baseURL + "/api/progress/stream"
}

// Run reads frames until ctx is cancelled, redialing with backoff after
// any failure.
func (s *Stream) Run(ctx context.Context, deliver func(knowledge.Operation)) error {
	delay := s.baseDelay
	for {
		err := s.readOnce(ctx, deliver)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			s.logf("progress stream disconnected: %v", err)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
		if delay > s.maxDelay {
			delay = s.maxDelay
		}
	}
}

func (s *Stream) readOnce(ctx context.Context, deliver func(knowledge.Operation)) error {
	opts := &websocket.DialOptions{}
	if s.token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + s.token}}
	}
	conn, _, err := websocket.Dial(ctx, s.url, opts)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		op, parseErr := knowledge.ParseOperation(data)
		if parseErr != nil {
			s.logf("progress stream frame rejected: %v", parseErr)
			continue
		}
		if op.OperationID == "" {
			continue
		}
		deliver(op)
	}
}

func (s *Stream) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
