package feed

import "github.com/blackmichael/campusfeed/internal/domain"

// PostState is the moderation state of a post.
type PostState int

const (
	StateActive PostState = iota
	StateReported
	StateDeleted
)

func (s PostState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateReported:
		return "reported"
	case StateDeleted:
		return "deleted"
	}
	return "unknown"
}

// StateOf derives the moderation state of p from its report set. The
// returned count is n in Reported(n).
func StateOf(p domain.Post, threshold int) (PostState, int) {
	n := len(p.Reports)
	switch {
	case n >= threshold:
		return StateDeleted, n
	case n > 0:
		return StateReported, n
	}
	return StateActive, 0
}

type hideKey struct {
	viewer string
	postID string
}

// Moderation applies per-viewer hide-on-report and the strike threshold to
// what the viewer sees.
type Moderation struct {
	threshold int
	hidden    map[hideKey]struct{}
	deferred  map[hideKey]struct{}
	deleted   map[string]struct{}
}

// NewModeration creates a Moderation. A threshold below one uses
// domain.StrikeThreshold.
func NewModeration(threshold int) *Moderation {
	if threshold < 1 {
		threshold = domain.StrikeThreshold
	}
	return &Moderation{
		threshold: threshold,
		hidden:    make(map[hideKey]struct{}),
		deferred:  make(map[hideKey]struct{}),
		deleted:   make(map[string]struct{}),
	}
}

// Threshold returns the strike threshold.
func (m *Moderation) Threshold() int {
	return m.threshold
}

// ShouldReport reports whether viewer still needs to send a report for p.
// It is false once the viewer is in the report set or has already reported
// locally.
func (m *Moderation) ShouldReport(p domain.Post, viewer string) bool {
	if m.isHidden(p, viewer) {
		return false
	}
	return !p.Reports.Has(viewer)
}

// Hide suppresses postID for viewer. Suppression is unconditional and does
// not depend on the global report count.
func (m *Moderation) Hide(viewer, postID string) {
	m.hidden[hideKey{viewer, postID}] = struct{}{}
}

// Defer holds a report on a post that has no store id yet. The post stays
// hidden under its client key and the report is released by TakeDeferred
// once a snapshot carries the confirmed copy.
func (m *Moderation) Defer(viewer, clientKey string) {
	m.hidden[hideKey{viewer, clientKey}] = struct{}{}
	m.deferred[hideKey{viewer, clientKey}] = struct{}{}
}

// TakeDeferred returns the posts in snapshot that viewer reported before
// they were confirmed and still needs to report. Each is returned once.
func (m *Moderation) TakeDeferred(snapshot []domain.Post, viewer string) []domain.Post {
	if len(m.deferred) == 0 {
		return nil
	}
	var out []domain.Post
	for _, p := range snapshot {
		k := hideKey{viewer, p.ClientKey}
		if _, ok := m.deferred[k]; !ok || p.ClientKey == "" {
			continue
		}
		delete(m.deferred, k)
		if !p.Reports.Has(viewer) {
			out = append(out, p)
		}
	}
	return out
}

// MarkDeleted records that a report crossed the threshold.
func (m *Moderation) MarkDeleted(postID string) {
	m.deleted[postID] = struct{}{}
}

// Visible reports whether viewer may see p. The server report set makes the
// local hide derivable again after a reload.
func (m *Moderation) Visible(p domain.Post, viewer string) bool {
	if m.isHidden(p, viewer) {
		return false
	}
	if _, ok := m.deleted[p.ID]; ok {
		return false
	}
	if p.Reports.Has(viewer) {
		return false
	}
	state, _ := StateOf(p, m.threshold)
	return state != StateDeleted
}

// Filter returns the posts viewer may see, preserving order.
func (m *Moderation) Filter(posts []domain.Post, viewer string) []domain.Post {
	out := make([]domain.Post, 0, len(posts))
	for _, p := range posts {
		if m.Visible(p, viewer) {
			out = append(out, p)
		}
	}
	return out
}

// Reset forgets all local state.
func (m *Moderation) Reset() {
	m.hidden = make(map[hideKey]struct{})
	m.deferred = make(map[hideKey]struct{})
	m.deleted = make(map[string]struct{})
}

// isHidden matches the store id and the client key, so a hide recorded on
// an optimistic post still applies to its confirmed copy.
func (m *Moderation) isHidden(p domain.Post, viewer string) bool {
	if _, ok := m.hidden[hideKey{viewer, p.ID}]; ok {
		return true
	}
	if p.ClientKey == "" {
		return false
	}
	_, ok := m.hidden[hideKey{viewer, p.ClientKey}]
	return ok
}
