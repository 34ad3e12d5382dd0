package sqlite

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/blackmichael/campusfeed/internal/domain"
)

// liveQuery re-runs its query on its own goroutine whenever it is marked
// dirty. Marks coalesce, so a burst of writes yields one snapshot that
// reflects all of them, and snapshots for one query never overlap.
type liveQuery struct {
	id      uint64
	postID  string // set for comment queries
	dirty   chan struct{}
	done    chan struct{}
	closed  atomic.Bool
	release func()
}

func (q *liveQuery) mark() {
	select {
	case q.dirty <- struct{}{}:
	default:
	}
}

// Close implements domain.Subscription.
func (q *liveQuery) Close() error {
	if !q.closed.CompareAndSwap(false, true) {
		return domain.ErrSubscriptionClosed
	}
	close(q.done)
	q.release()
	return nil
}

// hub tracks open live queries and fans out change notifications.
type hub struct {
	mu       sync.Mutex
	next     uint64
	posts    map[uint64]*liveQuery
	comments map[uint64]*liveQuery
	wg       sync.WaitGroup
}

func newHub() *hub {
	return &hub{
		posts:    make(map[uint64]*liveQuery),
		comments: make(map[uint64]*liveQuery),
	}
}

// open registers a query and starts its delivery loop. run performs one
// query-and-deliver pass and must not deliver once q is closed.
func (h *hub) open(ctx context.Context, postID string, forComments bool, run func(ctx context.Context, q *liveQuery)) *liveQuery {
	h.mu.Lock()
	h.next++
	q := &liveQuery{
		id:     h.next,
		postID: postID,
		dirty:  make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	set := h.posts
	if forComments {
		set = h.comments
	}
	set[q.id] = q
	h.mu.Unlock()

	q.release = func() {
		h.mu.Lock()
		delete(set, q.id)
		h.mu.Unlock()
	}

	ctx, cancel := context.WithCancel(ctx)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer cancel()
		for {
			select {
			case <-q.done:
				return
			case <-ctx.Done():
				_ = q.Close()
				return
			case <-q.dirty:
				run(ctx, q)
			}
		}
	}()

	q.mark()
	return q
}

// postsChanged marks every post query dirty. Filters are cheap to re-run and
// a like or report change does not carry the post's type or owner.
func (h *hub) postsChanged() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, q := range h.posts {
		q.mark()
	}
}

// commentsChanged marks the comment queries of one post dirty.
func (h *hub) commentsChanged(postID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, q := range h.comments {
		if q.postID == postID {
			q.mark()
		}
	}
}

// closeAll closes every open query and waits for delivery loops to exit.
func (h *hub) closeAll() {
	h.mu.Lock()
	var all []*liveQuery
	for _, q := range h.posts {
		all = append(all, q)
	}
	for _, q := range h.comments {
		all = append(all, q)
	}
	h.mu.Unlock()

	for _, q := range all {
		_ = q.Close()
	}
	h.wg.Wait()
}
