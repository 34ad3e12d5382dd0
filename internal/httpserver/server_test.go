package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/blackmichael/campusfeed/internal/auth"
	"github.com/blackmichael/campusfeed/internal/config"
	"github.com/blackmichael/campusfeed/internal/domain"
	"github.com/blackmichael/campusfeed/internal/livestream"
	"github.com/blackmichael/campusfeed/internal/sqlite"
)

const testSecret = "test-secret"

type testEnv struct {
	repo    *sqlite.Repository
	auth    *auth.Authenticator
	server  *httptest.Server
	liveURL string
}

func newTestEnv(t *testing.T, secret string) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	repo, err := sqlite.NewRepository(filepath.Join(t.TempDir(), "feed.db"))
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	cfg := config.Default()
	cfg.TokenSecret = secret
	cfg.AdminEmails = []string{"admin@s.amity.edu"}

	authenticator := auth.NewAuthenticator(secret, cfg.AdminEmails)
	s := NewServer(cfg, repo, authenticator, logger)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Shutdown(context.Background())
		ts.Close()
	})

	return &testEnv{
		repo:    repo,
		auth:    authenticator,
		server:  ts,
		liveURL: "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/live",
	}
}

// connect starts a live client acting as uid.
func (e *testEnv) connect(t *testing.T, uid, email string) *livestream.Client {
	t.Helper()
	token := ""
	if e.auth.Enabled() {
		var err error
		token, err = e.auth.Mint(uid, email, time.Hour)
		if err != nil {
			t.Fatalf("mint token: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := livestream.NewClient(e.liveURL, token, slog.New(slog.NewTextHandler(io.Discard, nil)))
	done := make(chan struct{})
	go func() {
		defer close(done)
		client.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return client
}

func waitPosts(t *testing.T, ch <-chan []domain.Post, pred func([]domain.Post) bool) []domain.Post {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case posts := <-ch:
			if pred(posts) {
				return posts
			}
		case <-timeout:
			t.Fatal("timed out waiting for snapshot")
		}
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, "")

	resp, err := http.Get(env.server.URL + "/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestLookup(t *testing.T) {
	env := newTestEnv(t, "")
	err := env.repo.PutUserProfile(context.Background(), domain.UserProfile{
		UID:      "u1",
		Username: "priya",
		Email:    "priya@s.amity.edu",
	})
	if err != nil {
		t.Fatalf("put profile: %v", err)
	}

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantEmail  string
	}{
		{name: "found", query: "?username=Priya", wantStatus: http.StatusOK, wantEmail: "priya@s.amity.edu"},
		{name: "unknown", query: "?username=nobody", wantStatus: http.StatusNotFound},
		{name: "missing", query: "", wantStatus: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(env.server.URL + "/v1/users/lookup" + tt.query)
			if err != nil {
				t.Fatalf("get lookup: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("expected %d, got %d", tt.wantStatus, resp.StatusCode)
			}
			if tt.wantEmail == "" {
				return
			}
			var body map[string]string
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body["email"] != tt.wantEmail {
				t.Fatalf("expected %q, got %q", tt.wantEmail, body["email"])
			}
		})
	}
}

func TestLiveRejectsMissingToken(t *testing.T) {
	env := newTestEnv(t, testSecret)

	resp, err := http.Get(env.server.URL + "/v1/live")
	if err != nil {
		t.Fatalf("get live: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	client := livestream.NewClient(env.liveURL, "not-a-token", slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Run(ctx); domain.CodeOf(err) != domain.CodePermissionDenied {
		t.Fatalf("expected permission denied, got %v", err)
	}
}

func TestLiveRoundTrip(t *testing.T) {
	env := newTestEnv(t, testSecret)
	client := env.connect(t, "u1", "u1@s.amity.edu")
	ctx := context.Background()

	snapshots := make(chan []domain.Post, 16)
	sub, err := client.SubscribePosts(ctx, domain.PostQuery{Field: domain.QueryByType, Value: "feed"},
		func(posts []domain.Post) { snapshots <- posts },
		func(err error) { t.Errorf("subscription error: %v", err) },
	)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	id, err := client.CreatePost(ctx, domain.Post{
		ClientKey: "abc123",
		Text:      "hello campus",
		Author:    "Priya",
		OwnerUID:  "u1",
		Type:      domain.PostTypeFeed,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("create post: %v", err)
	}

	posts := waitPosts(t, snapshots, func(posts []domain.Post) bool { return len(posts) == 1 })
	if posts[0].ID != id || posts[0].ClientKey != "abc123" {
		t.Fatalf("unexpected snapshot %+v", posts)
	}

	if err := client.AddToSet(ctx, id, domain.FieldLikes, "u1"); err != nil {
		t.Fatalf("like: %v", err)
	}
	waitPosts(t, snapshots, func(posts []domain.Post) bool {
		return len(posts) == 1 && posts[0].Likes.Has("u1")
	})

	res, err := client.ReportPost(ctx, id, "u1", 0)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if !res.Added || res.Count != 1 || res.Deleted {
		t.Fatalf("unexpected report result %+v", res)
	}

	got, err := client.GetPost(ctx, id)
	if err != nil {
		t.Fatalf("get post: %v", err)
	}
	if !got.Reports.Has("u1") {
		t.Fatalf("expected report recorded, got %+v", got.Reports)
	}
}

func TestLiveAuthorization(t *testing.T) {
	env := newTestEnv(t, testSecret)
	ctx := context.Background()

	id, err := env.repo.CreatePost(ctx, domain.Post{
		ClientKey: "k1",
		Text:      "spicy",
		Author:    "Someone",
		OwnerUID:  "u2",
		Type:      domain.PostTypeConfessions,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("create post: %v", err)
	}

	student := env.connect(t, "u1", "u1@s.amity.edu")

	tests := []struct {
		name string
		call func() error
		want domain.Code
	}{
		{
			name: "like as another user",
			call: func() error { return student.AddToSet(ctx, id, domain.FieldLikes, "u2") },
			want: domain.CodePermissionDenied,
		},
		{
			name: "report through set mutation",
			call: func() error { return student.AddToSet(ctx, id, domain.FieldReports, "u1") },
			want: domain.CodeValidation,
		},
		{
			name: "delete without admin",
			call: func() error { return student.DeletePost(ctx, id) },
			want: domain.CodePermissionDenied,
		},
		{
			name: "empty post",
			call: func() error {
				_, err := student.CreatePost(ctx, domain.Post{OwnerUID: "u1", Type: domain.PostTypeFeed})
				return err
			},
			want: domain.CodeValidation,
		},
		{
			name: "signup outside domain",
			call: func() error {
				return student.PutUserProfile(ctx, domain.UserProfile{UID: "u1", Username: "priya", Email: "priya@gmail.com"})
			},
			want: domain.CodeValidation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); domain.CodeOf(err) != tt.want {
				t.Fatalf("expected %s, got %v", tt.want, err)
			}
		})
	}

	admin := env.connect(t, "a1", "Admin@s.amity.edu")
	if err := admin.DeletePost(ctx, id); err != nil {
		t.Fatalf("admin delete: %v", err)
	}
	if err := admin.DeletePost(ctx, id); !domain.IsNotFound(err) {
		t.Fatalf("second delete should be not found, got %v", err)
	}
}

func TestLiveCommentsStream(t *testing.T) {
	env := newTestEnv(t, "")
	client := env.connect(t, "u1", "")
	ctx := context.Background()

	postID, err := client.CreatePost(ctx, domain.Post{
		ClientKey: "k1",
		Text:      "exam tomorrow",
		Author:    "Priya",
		OwnerUID:  "u1",
		Type:      domain.PostTypeFeed,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("create post: %v", err)
	}

	snapshots := make(chan []domain.Comment, 16)
	sub, err := client.SubscribeComments(ctx, postID,
		func(comments []domain.Comment) { snapshots <- comments },
		func(err error) { t.Errorf("subscription error: %v", err) },
	)
	if err != nil {
		t.Fatalf("subscribe comments: %v", err)
	}
	defer sub.Close()

	if _, err := client.CreateComment(ctx, domain.Comment{
		PostID:    postID,
		Text:      "good luck",
		Author:    "Sam",
		OwnerUID:  "u1",
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("create comment: %v", err)
	}

	timeout := time.After(5 * time.Second)
	for {
		select {
		case comments := <-snapshots:
			if len(comments) == 1 && comments[0].Text == "good luck" {
				return
			}
		case <-timeout:
			t.Fatal("timed out waiting for comment snapshot")
		}
	}
}
