package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/blackmichael/campusfeed/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeStore is an in-memory domain.Store. Snapshots are delivered while the
// store lock is held, so each subscription sees changes in mutation order.
type fakeStore struct {
	mu       sync.Mutex
	posts    map[string]domain.Post
	comments map[string][]domain.Comment
	profiles map[string]domain.UserProfile
	nextID   int
	nextSub  int
	subs     map[int]*fakeSub

	createErr   error
	dropCreated bool // CreatePost acks but the post is gone before any snapshot
	reportCalls int
	setCalls    []string
	closes      int
}

type fakeSub struct {
	store      *fakeStore
	id         int
	query      *domain.PostQuery
	postID     string
	onPosts    domain.PostSnapshotFunc
	onComments domain.CommentSnapshotFunc
	onError    domain.SubscriptionErrorFunc
	closed     bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		posts:    make(map[string]domain.Post),
		comments: make(map[string][]domain.Comment),
		profiles: make(map[string]domain.UserProfile),
		subs:     make(map[int]*fakeSub),
	}
}

func (s *fakeSub) Close() error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	if s.closed {
		return domain.ErrSubscriptionClosed
	}
	s.closed = true
	s.store.closes++
	delete(s.store.subs, s.id)
	return nil
}

// seed inserts a confirmed post directly, bypassing CreatePost.
func (f *fakeStore) seed(p domain.Post) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	}
	f.posts[p.ID] = p
	f.notifyPostsLocked()
}

func (f *fakeStore) post(id string) (domain.Post, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.posts[id]
	return p, ok
}

func (f *fakeStore) postCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.posts)
}

func (f *fakeStore) openSubs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeStore) reports() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reportCalls
}

func (f *fakeStore) notifyPostsLocked() {
	for _, sub := range f.subs {
		if sub.query != nil {
			sub.onPosts(f.queryLocked(*sub.query))
		}
	}
}

// failPostSubs reports err to every live feed query.
func (f *fakeStore) failPostSubs(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subs {
		if sub.query != nil && sub.onError != nil {
			sub.onError(err)
		}
	}
}

func (f *fakeStore) notifyCommentsLocked(postID string) {
	for _, sub := range f.subs {
		if sub.query == nil && sub.postID == postID {
			sub.onComments(append([]domain.Comment(nil), f.comments[postID]...))
		}
	}
}

func (f *fakeStore) queryLocked(q domain.PostQuery) []domain.Post {
	var out []domain.Post
	for _, p := range f.posts {
		if q.Matches(p) {
			p.Likes = append(domain.UIDSet(nil), p.Likes...)
			p.Reports = append(domain.UIDSet(nil), p.Reports...)
			out = append(out, p)
		}
	}
	domain.SortPosts(out)
	return out
}

func (f *fakeStore) SubscribePosts(_ context.Context, q domain.PostQuery, onSnapshot domain.PostSnapshotFunc, onError domain.SubscriptionErrorFunc) (domain.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSub++
	sub := &fakeSub{store: f, id: f.nextSub, query: &q, onPosts: onSnapshot, onError: onError}
	f.subs[sub.id] = sub
	onSnapshot(f.queryLocked(q))
	return sub, nil
}

func (f *fakeStore) SubscribeComments(_ context.Context, postID string, onSnapshot domain.CommentSnapshotFunc, _ domain.SubscriptionErrorFunc) (domain.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSub++
	sub := &fakeSub{store: f, id: f.nextSub, postID: postID, onComments: onSnapshot}
	f.subs[sub.id] = sub
	onSnapshot(append([]domain.Comment(nil), f.comments[postID]...))
	return sub, nil
}

func (f *fakeStore) CreatePost(_ context.Context, p domain.Post) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.nextID++
	p.ID = fmt.Sprintf("srv%d", f.nextID)
	p.Likes = domain.UIDSet{}
	p.Reports = domain.UIDSet{}
	if !f.dropCreated {
		f.posts[p.ID] = p
	}
	f.notifyPostsLocked()
	return p.ID, nil
}

func (f *fakeStore) DeletePost(_ context.Context, postID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.posts[postID]; !ok {
		return domain.ErrNotFound
	}
	delete(f.posts, postID)
	delete(f.comments, postID)
	f.notifyPostsLocked()
	return nil
}

func (f *fakeStore) AddToSet(_ context.Context, postID string, field domain.SetField, uid string) error {
	return f.mutateSet(postID, field, "add", func(s domain.UIDSet) domain.UIDSet { return s.With(uid) })
}

func (f *fakeStore) RemoveFromSet(_ context.Context, postID string, field domain.SetField, uid string) error {
	return f.mutateSet(postID, field, "remove", func(s domain.UIDSet) domain.UIDSet { return s.Without(uid) })
}

func (f *fakeStore) mutateSet(postID string, field domain.SetField, op string, fn func(domain.UIDSet) domain.UIDSet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setCalls = append(f.setCalls, op)
	p, ok := f.posts[postID]
	if !ok {
		return domain.ErrNotFound
	}
	if field == domain.FieldLikes {
		p.Likes = fn(p.Likes)
	} else {
		p.Reports = fn(p.Reports)
	}
	f.posts[postID] = p
	f.notifyPostsLocked()
	return nil
}

func (f *fakeStore) ReportPost(_ context.Context, postID, uid string, threshold int) (domain.ReportResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reportCalls++
	p, ok := f.posts[postID]
	if !ok {
		return domain.ReportResult{}, domain.ErrNotFound
	}
	res := domain.ReportResult{Added: !p.Reports.Has(uid)}
	p.Reports = p.Reports.With(uid)
	res.Count = len(p.Reports)
	if res.Count >= threshold {
		delete(f.posts, postID)
		delete(f.comments, postID)
		res.Deleted = true
	} else {
		f.posts[postID] = p
	}
	f.notifyPostsLocked()
	return res, nil
}

func (f *fakeStore) GetPost(_ context.Context, postID string) (domain.Post, error) {
	p, ok := f.post(postID)
	if !ok {
		return domain.Post{}, domain.ErrNotFound
	}
	return p, nil
}

func (f *fakeStore) CreateComment(_ context.Context, c domain.Comment) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.posts[c.PostID]; !ok {
		return "", domain.ErrNotFound
	}
	f.nextID++
	c.ID = fmt.Sprintf("c%d", f.nextID)
	f.comments[c.PostID] = append(f.comments[c.PostID], c)
	domain.SortComments(f.comments[c.PostID])
	f.notifyCommentsLocked(c.PostID)
	return c.ID, nil
}

func (f *fakeStore) PutUserProfile(_ context.Context, p domain.UserProfile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles[p.UID] = p
	return nil
}

func (f *fakeStore) UpdateProfile(_ context.Context, uid string, patch domain.ProfilePatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[uid]
	if !ok {
		return domain.ErrNotFound
	}
	if patch.AvatarURL != nil {
		p.AvatarURL = *patch.AvatarURL
	}
	f.profiles[uid] = p
	return nil
}

func (f *fakeStore) FindEmailByUsername(_ context.Context, username string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.profiles {
		if p.Username == username {
			return p.Email, nil
		}
	}
	return "", domain.ErrNotFound
}

type fakeMedia struct {
	mu          sync.Mutex
	compressErr error
	uploadErr   error
	uploaded    [][]byte
}

func (m *fakeMedia) Compress(_ context.Context, f domain.File) (domain.File, error) {
	if m.compressErr != nil {
		return domain.File{}, m.compressErr
	}
	f.Data = append([]byte("small:"), f.Data...)
	return f, nil
}

func (m *fakeMedia) Upload(_ context.Context, f domain.File) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.uploadErr != nil {
		return "", m.uploadErr
	}
	m.uploaded = append(m.uploaded, f.Data)
	return "https://cdn.test/" + f.Name, nil
}

var errBoom = errors.New("boom")

// harness runs an Engine against a fakeStore and records every rendered view.
type harness struct {
	t      *testing.T
	store  *fakeStore
	media  *fakeMedia
	engine *Engine

	mu      sync.Mutex
	renders []FeedView
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{t: t, store: newFakeStore(), media: &fakeMedia{}}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC) }
	}
	h.engine = NewEngine(h.store, h.media, cfg, discardLogger(), func(v FeedView) {
		h.mu.Lock()
		h.renders = append(h.renders, v)
		h.mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) signIn(uid, email string) {
	h.engine.SetSession(&domain.Session{UID: uid, DisplayName: "User " + uid, Email: email})
	h.waitView(func(v FeedView) bool { return v.SignedIn && v.Session.UID == uid })
}

func (h *harness) view() FeedView {
	h.t.Helper()
	v, err := h.engine.View(context.Background())
	if err != nil {
		h.t.Fatalf("view: %v", err)
	}
	return v
}

// waitView polls the engine until pred holds.
func (h *harness) waitView(pred func(FeedView) bool) FeedView {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		v := h.view()
		if pred(v) {
			return v
		}
		if time.Now().After(deadline) {
			h.t.Fatalf("timed out waiting for view; last view has %d posts", len(v.Posts))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// waitFor polls cond until it holds.
func (h *harness) waitFor(what string, cond func() bool) {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			h.t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (h *harness) allRenders() []FeedView {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]FeedView(nil), h.renders...)
}
