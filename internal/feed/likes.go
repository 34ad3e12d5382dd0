package feed

import "github.com/blackmichael/campusfeed/internal/domain"

type likeIntent struct {
	liked bool
	seq   uint64
	acked bool
}

// LikeReconciler overlays the viewer's pending like intents on snapshot
// like sets until the store agrees.
type LikeReconciler struct {
	pending map[string]*likeIntent
	seq     uint64
}

// NewLikeReconciler creates an empty reconciler.
func NewLikeReconciler() *LikeReconciler {
	return &LikeReconciler{pending: make(map[string]*likeIntent)}
}

// Displayed returns the like set of p as the viewer should see it.
func (l *LikeReconciler) Displayed(p domain.Post, viewer string) domain.UIDSet {
	intent, ok := l.pending[p.ID]
	if !ok {
		return p.Likes
	}
	if intent.liked {
		return p.Likes.With(viewer)
	}
	return p.Likes.Without(viewer)
}

// Toggle flips the viewer's membership as currently displayed and returns
// the new intent with a sequence number for the matching Ack.
func (l *LikeReconciler) Toggle(p domain.Post, viewer string) (liked bool, seq uint64) {
	liked = !l.Displayed(p, viewer).Has(viewer)
	l.seq++
	l.pending[p.ID] = &likeIntent{liked: liked, seq: l.seq}
	return liked, l.seq
}

// Ack records the completion of the mutation issued with seq. Completions of
// superseded toggles are ignored. A failed mutation drops the intent so the
// snapshot value shows again.
func (l *LikeReconciler) Ack(postID string, seq uint64, err error) {
	intent, ok := l.pending[postID]
	if !ok || intent.seq != seq {
		return
	}
	if err != nil {
		delete(l.pending, postID)
		return
	}
	intent.acked = true
}

// Observe clears intents the snapshot has caught up with and intents for
// posts that are gone.
func (l *LikeReconciler) Observe(posts []domain.Post, viewer string) {
	if len(l.pending) == 0 {
		return
	}
	byID := make(map[string]domain.Post, len(posts))
	for _, p := range posts {
		byID[p.ID] = p
	}
	for id, intent := range l.pending {
		p, ok := byID[id]
		if !ok {
			delete(l.pending, id)
			continue
		}
		if intent.acked && p.Likes.Has(viewer) == intent.liked {
			delete(l.pending, id)
		}
	}
}

// Pending returns the number of unreconciled intents.
func (l *LikeReconciler) Pending() int {
	return len(l.pending)
}

// Reset forgets all pending intents.
func (l *LikeReconciler) Reset() {
	l.pending = make(map[string]*likeIntent)
}
