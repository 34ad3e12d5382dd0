package feed

import "github.com/blackmichael/campusfeed/internal/domain"

type stagedPost struct {
	post     domain.Post
	written  bool
	serverID string
	checking bool
}

// WrittenPost identifies a staged post whose write succeeded.
type WrittenPost struct {
	ClientKey string
	ServerID  string
}

// WriteBuffer holds posts shown before the store has confirmed them. Staged
// posts are kept newest first.
type WriteBuffer struct {
	staged []*stagedPost
}

// Stage inserts p at the head of the buffer as an optimistic post. Staging
// the same client key twice is a no-op.
func (b *WriteBuffer) Stage(p domain.Post) {
	if b.find(p.ClientKey) >= 0 {
		return
	}
	p.Origin = domain.OriginOptimistic
	if p.ID == "" {
		p.ID = p.ClientKey
	}
	b.staged = append([]*stagedPost{{post: p}}, b.staged...)
}

// MarkWritten records that the document write for clientKey succeeded. The
// optimistic copy stays until a snapshot carries the confirmed copy.
func (b *WriteBuffer) MarkWritten(clientKey, serverID string) {
	if i := b.find(clientKey); i >= 0 {
		b.staged[i].written = true
		b.staged[i].serverID = serverID
	}
}

// Fail removes a staged post whose write failed.
func (b *WriteBuffer) Fail(clientKey string) (domain.Post, bool) {
	i := b.find(clientKey)
	if i < 0 {
		return domain.Post{}, false
	}
	p := b.staged[i].post
	b.staged = append(b.staged[:i], b.staged[i+1:]...)
	return p, true
}

// Retire drops every staged post whose client key appears in snapshot. The
// snapshot copy wins because it carries the store id and timestamp.
func (b *WriteBuffer) Retire(snapshot []domain.Post) int {
	if len(b.staged) == 0 {
		return 0
	}
	confirmed := make(map[string]struct{}, len(snapshot))
	for _, p := range snapshot {
		if p.ClientKey != "" {
			confirmed[p.ClientKey] = struct{}{}
		}
	}

	kept := b.staged[:0]
	retired := 0
	for _, s := range b.staged {
		if _, ok := confirmed[s.post.ClientKey]; ok {
			retired++
			continue
		}
		kept = append(kept, s)
	}
	b.staged = kept
	return retired
}

// Reconcile retires confirmed posts and merges the remaining staged posts
// that match q ahead of the snapshot.
func (b *WriteBuffer) Reconcile(snapshot []domain.Post, q domain.PostQuery) []domain.Post {
	b.Retire(snapshot)
	return b.Merge(snapshot, q)
}

// Merge returns staged posts matching q followed by snapshot. It does not
// modify the buffer.
func (b *WriteBuffer) Merge(snapshot []domain.Post, q domain.PostQuery) []domain.Post {
	out := make([]domain.Post, 0, len(b.staged)+len(snapshot))
	inSnapshot := make(map[string]struct{}, len(snapshot))
	for _, p := range snapshot {
		if p.ClientKey != "" {
			inSnapshot[p.ClientKey] = struct{}{}
		}
	}
	for _, s := range b.staged {
		if _, dup := inSnapshot[s.post.ClientKey]; dup {
			continue
		}
		if q.Matches(s.post) {
			out = append(out, s.post)
		}
	}
	return append(out, snapshot...)
}

// Unconfirmed returns the written posts matching q that snapshot does not
// carry and that are not already being checked, and marks them as checked.
// Call it after Retire.
func (b *WriteBuffer) Unconfirmed(snapshot []domain.Post, q domain.PostQuery) []WrittenPost {
	inSnapshot := make(map[string]struct{}, len(snapshot))
	for _, p := range snapshot {
		if p.ClientKey != "" {
			inSnapshot[p.ClientKey] = struct{}{}
		}
	}
	var out []WrittenPost
	for _, s := range b.staged {
		if !s.written || s.checking || !q.Matches(s.post) {
			continue
		}
		if _, ok := inSnapshot[s.post.ClientKey]; ok {
			continue
		}
		s.checking = true
		out = append(out, WrittenPost{ClientKey: s.post.ClientKey, ServerID: s.serverID})
	}
	return out
}

// CheckDone clears the in-flight check on clientKey, so a later snapshot
// without it triggers another read.
func (b *WriteBuffer) CheckDone(clientKey string) {
	if i := b.find(clientKey); i >= 0 {
		b.staged[i].checking = false
	}
}

// DropWritten removes staged posts whose writes already succeeded. Used when
// the view changes: the new subscription returns their confirmed copies.
func (b *WriteBuffer) DropWritten() {
	kept := b.staged[:0]
	for _, s := range b.staged {
		if !s.written {
			kept = append(kept, s)
		}
	}
	b.staged = kept
}

// Len returns the number of staged posts.
func (b *WriteBuffer) Len() int {
	return len(b.staged)
}

// Reset empties the buffer.
func (b *WriteBuffer) Reset() {
	b.staged = nil
}

func (b *WriteBuffer) find(clientKey string) int {
	for i, s := range b.staged {
		if s.post.ClientKey == clientKey {
			return i
		}
	}
	return -1
}
