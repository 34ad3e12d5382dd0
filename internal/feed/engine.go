package feed

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/blackmichael/campusfeed/internal/domain"
)

// ErrStopped is returned by calls made after the engine loop has exited.
var ErrStopped = errors.New("feed engine stopped")

// Config tunes an Engine.
type Config struct {
	// AdminEmails may delete any post.
	AdminEmails []string

	// Threshold is the strike threshold. Zero uses domain.StrikeThreshold.
	Threshold int

	// TickInterval is how often relative timestamps are re-rendered. Zero
	// uses one minute.
	TickInterval time.Duration

	// Now and NewClientKey are overridable for tests.
	Now          func() time.Time
	NewClientKey func() string
}

// Engine is the single logical thread that owns the feed state. Store
// callbacks, user actions, mutation completions and the timestamp tick all
// run as events on its loop, so none of its components need locking.
type Engine struct {
	store  domain.Store
	media  domain.MediaPipeline
	logger *slog.Logger
	render func(FeedView)
	cfg    Config
	admins map[string]struct{}

	events  chan func()
	writes  *writeQueue
	stopped chan struct{}
	runOnce sync.Once

	// Loop-owned state. ctx is the Run context.
	ctx        context.Context
	session    *domain.Session
	nav        Navigation
	subs       *SubscriptionManager
	buffer     WriteBuffer
	moderation *Moderation
	likes      *LikeReconciler
	comments   *CommentStreams
	notices    []Notice
}

// NewEngine creates an engine. render is called on the engine loop with
// every new view and must not block for long.
func NewEngine(store domain.Store, media domain.MediaPipeline, cfg Config, logger *slog.Logger, render func(FeedView)) *Engine {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.NewClientKey == nil {
		cfg.NewClientKey = uuid.NewString
	}
	if render == nil {
		render = func(FeedView) {}
	}

	admins := make(map[string]struct{}, len(cfg.AdminEmails))
	for _, email := range cfg.AdminEmails {
		admins[strings.ToLower(strings.TrimSpace(email))] = struct{}{}
	}

	e := &Engine{
		store:      store,
		media:      media,
		logger:     logger,
		render:     render,
		cfg:        cfg,
		admins:     admins,
		events:     make(chan func(), 256),
		writes:     newWriteQueue(),
		stopped:    make(chan struct{}),
		nav:        DefaultNavigation,
		moderation: NewModeration(cfg.Threshold),
		likes:      NewLikeReconciler(),
	}
	e.subs = NewSubscriptionManager(store, logger, e.schedule, e.onSnapshot)
	e.comments = NewCommentStreams(store, logger, e.schedule, e.publish)
	return e
}

// Run processes events until ctx is cancelled, then releases every live
// subscription and stops the tick. Run may be called once.
func (e *Engine) Run(ctx context.Context) error {
	started := false
	e.runOnce.Do(func() { started = true })
	if !started {
		return errors.New("feed engine already ran")
	}

	ctx, cancel := context.WithCancel(ctx)
	e.ctx = ctx

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.writes.run(ctx)
	}()

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer func() {
		ticker.Stop()
		e.teardown()
		close(e.stopped)
		cancel()
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-e.events:
			fn()
		case <-ticker.C:
			// Relative timestamps only; no data is fetched.
			e.publish()
		}
	}
}

// Follow forwards session changes from p until ctx is done or p closes.
func (e *Engine) Follow(ctx context.Context, p domain.SessionProvider) {
	ch := p.Sessions()
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-ch:
			if !ok {
				return
			}
			e.SetSession(s)
		}
	}
}

// SetSession signs a user in, updates their profile fields, or signs out
// when s is nil.
func (e *Engine) SetSession(s *domain.Session) {
	var next *domain.Session
	if s != nil {
		copied := *s
		next = &copied
	}
	e.schedule(func() { e.applySession(next) })
}

// Navigate switches the view. The previous feed subscription is released
// before the next one opens.
func (e *Engine) Navigate(nav Navigation) {
	e.schedule(func() {
		e.nav = nav
		e.resubscribe()
	})
}

// View returns the current rendered view without consuming notices.
func (e *Engine) View(ctx context.Context) (FeedView, error) {
	var v FeedView
	err := e.call(ctx, func() error {
		v = e.buildView()
		return nil
	})
	return v, err
}

// ToggleLike flips the viewer's like on postID.
func (e *Engine) ToggleLike(postID string) {
	e.schedule(func() { e.toggleLike(postID) })
}

// Report reports postID and hides it from the viewer immediately.
func (e *Engine) Report(postID string) {
	e.schedule(func() { e.report(postID) })
}

// DeletePost removes a post. Only admins may delete.
func (e *Engine) DeletePost(ctx context.Context, postID string) error {
	return e.call(ctx, func() error {
		if !e.isAdmin() {
			return domain.NewError(domain.CodePermissionDenied, "only admins can delete posts")
		}
		e.writes.push(func(ctx context.Context) {
			err := e.store.DeletePost(ctx, postID)
			switch {
			case err == nil:
				e.logger.Info("post deleted by admin", "post_id", postID)
			case domain.IsNotFound(err):
				e.logger.Debug("post already deleted", "post_id", postID)
			default:
				e.logger.Warn("delete post failed", "post_id", postID, "error", err)
			}
		})
		return nil
	})
}

// Expand opens the comment stream of postID, closing any other.
func (e *Engine) Expand(ctx context.Context, postID string) error {
	return e.call(ctx, func() error {
		if e.session == nil {
			return domain.NewError(domain.CodePermissionDenied, "sign in to read comments")
		}
		if _, err := e.comments.Expand(e.ctx, postID); err != nil {
			e.logger.Warn("expand comments failed", "post_id", postID, "error", err)
			return err
		}
		e.publish()
		return nil
	})
}

// Collapse closes the comment stream of postID.
func (e *Engine) Collapse(postID string) {
	e.schedule(func() {
		e.comments.Collapse(postID)
		e.publish()
	})
}

// PostComment submits a comment. Validation errors are returned; store
// failures are logged and not retried.
func (e *Engine) PostComment(ctx context.Context, postID, text string) error {
	return e.call(ctx, func() error {
		if e.session == nil {
			return domain.NewError(domain.CodePermissionDenied, "sign in to comment")
		}
		if err := domain.ValidateComment(text); err != nil {
			return err
		}
		author, avatar := authorFor(*e.session, domain.PostTypeFeed)
		comment := domain.Comment{
			PostID:       postID,
			Text:         strings.TrimSpace(text),
			Author:       author,
			AuthorAvatar: avatar,
			OwnerUID:     e.session.UID,
			CreatedAt:    e.cfg.Now(),
		}
		go func(ctx context.Context) {
			if _, err := e.store.CreateComment(ctx, comment); err != nil {
				e.logger.Warn("post comment failed", "post_id", postID, "error", err)
			}
		}(e.ctx)
		return nil
	})
}

// Flush waits until every like, report and delete requested before the
// call has been sent to the store.
func (e *Engine) Flush(ctx context.Context) error {
	done := make(chan struct{})
	err := e.call(ctx, func() error {
		e.writes.push(func(context.Context) { close(done) })
		return nil
	})
	if err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-e.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) schedule(fn func()) {
	select {
	case e.events <- fn:
	case <-e.stopped:
	}
}

// call runs fn on the loop and waits for its result.
func (e *Engine) call(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	select {
	case e.events <- func() { done <- fn() }:
	case <-e.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-e.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) applySession(s *domain.Session) {
	switch {
	case s == nil:
		if e.session == nil {
			return
		}
		e.logger.Info("signed out", "uid", e.session.UID)
		e.resetSession()
		e.session = nil
		e.publish()
	case e.session != nil && e.session.UID == s.UID:
		e.session = s
		e.publish()
	default:
		if e.session != nil {
			e.resetSession()
		}
		e.session = s
		e.logger.Info("signed in", "uid", s.UID)
		e.resubscribe()
	}
}

func (e *Engine) resetSession() {
	e.subs.Unsubscribe()
	e.comments.CloseAll()
	e.buffer.Reset()
	e.moderation.Reset()
	e.likes.Reset()
	e.notices = nil
}

func (e *Engine) resubscribe() {
	vc, ok := Resolve(e.nav, e.session)
	if !ok {
		e.subs.Unsubscribe()
		e.publish()
		return
	}
	if cur, active := e.subs.Current(); active && cur == vc {
		return
	}

	e.comments.CloseAll()
	e.buffer.DropWritten()
	if _, err := e.subs.Subscribe(e.ctx, vc); err != nil {
		e.logger.Error("open feed subscription failed", "view", vc.String(), "error", err)
	}
	e.publish()
}

func (e *Engine) onSnapshot(posts []domain.Post) {
	if retired := e.buffer.Retire(posts); retired > 0 {
		e.logger.Debug("optimistic posts confirmed", "count", retired)
	}
	e.checkUnconfirmed(posts)
	if e.session != nil {
		e.likes.Observe(posts, e.session.UID)
		for _, p := range e.moderation.TakeDeferred(posts, e.session.UID) {
			e.logger.Debug("sending report held for unconfirmed post", "post_id", p.ID, "client_key", p.ClientKey)
			e.sendReport(p.ID, e.session.UID)
		}
	}
	if open := e.comments.OpenPostID(); open != "" && !containsPost(posts, open) {
		e.comments.CloseAll()
	}
	e.publish()
}

func (e *Engine) checkUnconfirmed(snapshot []domain.Post) {
	vc, active := e.subs.Current()
	if !active {
		return
	}
	for _, w := range e.buffer.Unconfirmed(snapshot, vc.Query()) {
		go e.readOnce(e.ctx, w)
	}
}

// readOnce checks a written post that a snapshot did not carry. A post the
// store no longer has was deleted before it was ever confirmed, so its
// optimistic copy is dropped.
func (e *Engine) readOnce(ctx context.Context, w WrittenPost) {
	_, err := e.store.GetPost(ctx, w.ServerID)
	e.schedule(func() {
		if !domain.IsNotFound(err) {
			e.buffer.CheckDone(w.ClientKey)
			return
		}
		if _, ok := e.buffer.Fail(w.ClientKey); ok {
			e.logger.Info("written post deleted before confirmation", "client_key", w.ClientKey, "post_id", w.ServerID)
			e.publish()
		}
	})
}

func (e *Engine) toggleLike(postID string) {
	if e.session == nil {
		return
	}
	p, ok := e.findPost(postID)
	if !ok || p.Origin != domain.OriginConfirmed {
		e.logger.Debug("like ignored, post not confirmed", "post_id", postID)
		return
	}
	viewer := e.session.UID
	liked, seq := e.likes.Toggle(p, viewer)
	e.publish()

	e.writes.push(func(ctx context.Context) {
		var err error
		if liked {
			err = e.store.AddToSet(ctx, postID, domain.FieldLikes, viewer)
		} else {
			err = e.store.RemoveFromSet(ctx, postID, domain.FieldLikes, viewer)
		}
		if err != nil && !domain.IsNotFound(err) {
			e.logger.Warn("like update failed", "post_id", postID, "liked", liked, "error", err)
		}
		e.schedule(func() {
			e.likes.Ack(postID, seq, err)
			e.likes.Observe(e.subs.Last(), viewer)
			e.publish()
		})
	})
}

func (e *Engine) report(postID string) {
	if e.session == nil {
		return
	}
	viewer := e.session.UID
	p, ok := e.findPost(postID)
	if ok && p.Origin == domain.OriginOptimistic {
		e.moderation.Defer(viewer, p.ClientKey)
		e.publish()
		return
	}
	send := ok && e.moderation.ShouldReport(p, viewer)

	e.moderation.Hide(viewer, postID)
	e.publish()
	if send {
		e.sendReport(postID, viewer)
	}
}

func (e *Engine) sendReport(postID, viewer string) {
	threshold := e.moderation.Threshold()
	e.writes.push(func(ctx context.Context) {
		res, err := e.store.ReportPost(ctx, postID, viewer, threshold)
		e.schedule(func() { e.reportDone(postID, res, err) })
	})
}

func (e *Engine) reportDone(postID string, res domain.ReportResult, err error) {
	switch {
	case domain.IsNotFound(err):
		e.logger.Debug("reported post already gone", "post_id", postID)
	case err != nil:
		e.logger.Warn("report failed", "post_id", postID, "error", err)
	case res.Deleted:
		e.moderation.MarkDeleted(postID)
		e.logger.Info("post removed after reaching report threshold", "post_id", postID, "reports", res.Count)
	default:
		e.logger.Debug("post reported", "post_id", postID, "reports", res.Count, "added", res.Added)
	}
}

// findPost looks a post up in the snapshot and the write buffer, ignoring
// moderation visibility.
func (e *Engine) findPost(postID string) (domain.Post, bool) {
	vc, _ := e.subs.Current()
	for _, p := range e.buffer.Merge(e.subs.Last(), vc.Query()) {
		if p.ID == postID {
			return p, true
		}
	}
	return domain.Post{}, false
}

func (e *Engine) isAdmin() bool {
	if e.session == nil {
		return false
	}
	_, ok := e.admins[strings.ToLower(e.session.Email)]
	return ok
}

func (e *Engine) publish() {
	view := e.buildView()
	e.notices = nil
	e.render(view)
}

func (e *Engine) buildView() FeedView {
	now := e.cfg.Now()
	view := FeedView{RenderedAt: now, Notices: e.notices}
	if e.session == nil {
		return view
	}
	view.SignedIn = true
	view.Session = *e.session

	vc, active := e.subs.Current()
	if !active {
		vc, _ = Resolve(e.nav, e.session)
	}
	view.Context = vc

	viewer := e.session.UID
	merged := e.buffer.Merge(e.subs.Last(), vc.Query())
	visible := e.moderation.Filter(merged, viewer)
	admin := e.isAdmin()
	open := e.comments.OpenPostID()
	comments := e.comments.Comments()

	view.Posts = make([]PostView, 0, len(visible))
	for _, p := range visible {
		likes := e.likes.Displayed(p, viewer)
		p.Likes = likes
		pv := PostView{
			Post:            p,
			LikeCount:       len(likes),
			IsLikedByViewer: likes.Has(viewer),
			IsDeletable:     admin && p.Origin == domain.OriginConfirmed,
			Age:             RelativeAge(p.CreatedAt, now),
		}
		if p.ID == open {
			pv.Expanded = true
			pv.CommentCount = len(comments)
		}
		view.Posts = append(view.Posts, pv)
	}

	if open != "" {
		view.ExpandedPostID = open
		view.Comments = append([]domain.Comment(nil), comments...)
	}
	return view
}

func (e *Engine) teardown() {
	e.subs.Unsubscribe()
	e.comments.CloseAll()
}

func authorFor(s domain.Session, t domain.PostType) (name, avatar string) {
	if t == domain.PostTypeConfessions {
		return domain.AnonymousAuthor, ""
	}
	name = s.DisplayName
	if name == "" {
		name = domain.DefaultAuthor
	}
	return name, s.AvatarURL
}

func containsPost(posts []domain.Post, id string) bool {
	for _, p := range posts {
		if p.ID == id {
			return true
		}
	}
	return false
}

// writeQueue runs set mutations one at a time in submission order, so rapid
// toggles reach the store in the order the user made them.
type writeQueue struct {
	mu     sync.Mutex
	items  []func(context.Context)
	signal chan struct{}
}

func newWriteQueue() *writeQueue {
	return &writeQueue{signal: make(chan struct{}, 1)}
}

func (q *writeQueue) push(fn func(context.Context)) {
	q.mu.Lock()
	q.items = append(q.items, fn)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *writeQueue) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.signal:
		}
		for {
			q.mu.Lock()
			if len(q.items) == 0 {
				q.mu.Unlock()
				break
			}
			fn := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			fn(ctx)
		}
	}
}
