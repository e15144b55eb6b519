package progress

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/agentworkforce/knowsync/internal/knowledge"
)

func TestStreamURL(t *testing.T) {
	cases := map[string]string{
		"http://127.0.0.1:8181":    "ws://127.0.0.1:8181/api/progress/stream",
		"https://kb.example.com/":  "wss://kb.example.com/api/progress/stream",
		"  http://localhost:8181 ": "ws://localhost:8181/api/progress/stream",
	}
	for in, want := range cases {
		if got := streamURL(in); got != want {
			t.Fatalf("streamURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStreamDeliversParsedFrames(t *testing.T) {
	frames := []string{
		`{"progressId":"op-1","status":"crawling","percentage":"40"}`,
		`not json`,
		`{"status":"completed"}`,
		`{"operation_id":"op-1","status":"completed","progress":100}`,
	}
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()
		for _, frame := range frames {
			if err := conn.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
				return
			}
		}
		<-ctx.Done()
	}))
	defer server.Close()

	delivered := make(chan knowledge.Operation, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := NewStream(server.URL, "stream-token", nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = stream.Run(ctx, func(op knowledge.Operation) {
			delivered <- op
		})
	}()

	var ops []knowledge.Operation
	timeout := time.After(5 * time.Second)
	for len(ops) < 2 {
		select {
		case op := <-delivered:
			ops = append(ops, op)
		case <-timeout:
			t.Fatalf("received %d frames, want 2", len(ops))
		}
	}
	cancel()
	<-done

	// The malformed frame and the frame without an id are dropped.
	if ops[0].OperationID != "op-1" || ops[0].Status != "crawling" || ops[0].Progress != 40 {
		t.Fatalf("first frame = %+v", ops[0])
	}
	if ops[1].OperationID != "op-1" || ops[1].Status != knowledge.OpStatusCompleted {
		t.Fatalf("second frame = %+v", ops[1])
	}
	if gotAuth != "Bearer stream-token" {
		t.Fatalf("auth header = %q", gotAuth)
	}
}
