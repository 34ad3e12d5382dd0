package livestream

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/blackmichael/campusfeed/internal/domain"
)

// fakeServer answers every request with an empty result and every
// subscribe_posts with one snapshot naming the connection it came from.
// A request whose op is dropOp closes the connection instead.
type fakeServer struct {
	*httptest.Server
	upgrader websocket.Upgrader
	dropOp   string
	requests chan Request

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newFakeServer(t *testing.T, dropOp string) *fakeServer {
	t.Helper()
	fs := &fakeServer{dropOp: dropOp, requests: make(chan Request, 64)}
	fs.Server = httptest.NewServer(http.HandlerFunc(fs.serve))
	t.Cleanup(func() {
		fs.dropAll()
		fs.Close()
	})
	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.URL, "http")
}

func (fs *fakeServer) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := fs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	fs.mu.Lock()
	fs.conns = append(fs.conns, conn)
	n := len(fs.conns)
	fs.mu.Unlock()
	defer conn.Close()

	for {
		var req Request
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		fs.requests <- req

		if req.Op == fs.dropOp {
			return
		}
		if err := conn.WriteJSON(Frame{ID: req.ID}); err != nil {
			return
		}
		if req.Op == OpSubscribePosts {
			snapshot := Frame{Sub: req.Sub, Kind: KindPosts, Posts: []domain.Post{{ID: fmt.Sprintf("conn%d", n)}}}
			if err := conn.WriteJSON(snapshot); err != nil {
				return
			}
		}
	}
}

func (fs *fakeServer) dropAll() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, c := range fs.conns {
		c.Close()
	}
}

func (fs *fakeServer) nextRequest(t *testing.T, op string) Request {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case req := <-fs.requests:
			if req.Op == op {
				return req
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", op)
		}
	}
}

func startClient(t *testing.T, url string) *Client {
	t.Helper()
	c := NewClient(url, "", slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return c
}

func TestClientResubscribesAfterReconnect(t *testing.T) {
	fs := newFakeServer(t, "")
	c := startClient(t, fs.url())

	snapshots := make(chan []domain.Post, 8)
	sub, err := c.SubscribePosts(context.Background(), domain.PostQuery{Field: domain.QueryByType, Value: "feed"},
		func(posts []domain.Post) { snapshots <- posts }, nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	first := fs.nextRequest(t, OpSubscribePosts)
	waitSnapshot(t, snapshots, "conn1")

	fs.dropAll()

	second := fs.nextRequest(t, OpSubscribePosts)
	if second.Sub != first.Sub {
		t.Fatalf("expected the same subscription id, got %q then %q", first.Sub, second.Sub)
	}
	if second.Query == nil || *second.Query != *first.Query {
		t.Fatalf("expected the same query, got %+v", second.Query)
	}
	waitSnapshot(t, snapshots, "conn2")
}

func TestClientFailsPendingRequestsOnDisconnect(t *testing.T) {
	fs := newFakeServer(t, OpGetPost)
	c := startClient(t, fs.url())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.GetPost(ctx, "p1")
	if domain.CodeOf(err) != domain.CodeTransient {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestClientCloseUnsubscribes(t *testing.T) {
	fs := newFakeServer(t, "")
	c := startClient(t, fs.url())

	snapshots := make(chan []domain.Post, 8)
	sub, err := c.SubscribePosts(context.Background(), domain.PostQuery{Field: domain.QueryByUID, Value: "u1"},
		func(posts []domain.Post) { snapshots <- posts }, nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	opened := fs.nextRequest(t, OpSubscribePosts)
	waitSnapshot(t, snapshots, "conn1")

	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := sub.Close(); err != domain.ErrSubscriptionClosed {
		t.Fatalf("second close should report already closed, got %v", err)
	}

	unsub := fs.nextRequest(t, OpUnsubscribe)
	if unsub.Sub != opened.Sub {
		t.Fatalf("expected unsubscribe of %q, got %q", opened.Sub, unsub.Sub)
	}
}

func TestWireErrorRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want domain.Code
	}{
		{name: "domain", err: domain.NewError(domain.CodeNotFound, "post gone"), want: domain.CodeNotFound},
		{name: "wrapped", err: fmt.Errorf("report: %w", domain.ErrPermissionDenied), want: domain.CodePermissionDenied},
		{name: "plain", err: io.ErrUnexpectedEOF, want: domain.CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ToWireError(tt.err).Err()
			if domain.CodeOf(got) != tt.want {
				t.Fatalf("expected %s, got %v", tt.want, got)
			}
		})
	}
}

func waitSnapshot(t *testing.T, ch <-chan []domain.Post, wantID string) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case posts := <-ch:
			if len(posts) == 1 && posts[0].ID == wantID {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for snapshot from %s", wantID)
		}
	}
}
