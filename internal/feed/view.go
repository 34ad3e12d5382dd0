package feed

import (
	"time"

	"github.com/dustin/go-humanize"

	"github.com/blackmichael/campusfeed/internal/domain"
)

// NoticeKind classifies a user-visible message.
type NoticeKind string

const (
	NoticePostFailed   NoticeKind = "post_failed"
	NoticeAvatarFailed NoticeKind = "avatar_failed"
	NoticeAvatarSaved  NoticeKind = "avatar_saved"
)

// Notice is a one-shot message shown with the next rendered view.
type Notice struct {
	Kind      NoticeKind
	Message   string
	ClientKey string
}

// PostView is one rendered feed entry.
type PostView struct {
	domain.Post

	LikeCount       int
	IsLikedByViewer bool
	Expanded        bool
	CommentCount    int // only set when Expanded
	IsDeletable     bool
	Age             string
}

// FeedView is the reconciled state handed to the UI.
type FeedView struct {
	SignedIn       bool
	Session        domain.Session
	Context        ViewContext
	Posts          []PostView
	ExpandedPostID string
	Comments       []domain.Comment
	Notices        []Notice
	RenderedAt     time.Time
}

// Post returns the rendered post with id, if present.
func (v FeedView) Post(id string) (PostView, bool) {
	for _, p := range v.Posts {
		if p.ID == id {
			return p, true
		}
	}
	return PostView{}, false
}

// PostByClientKey returns the rendered post carrying clientKey, if present.
func (v FeedView) PostByClientKey(clientKey string) (PostView, bool) {
	for _, p := range v.Posts {
		if p.ClientKey == clientKey {
			return p, true
		}
	}
	return PostView{}, false
}

// RelativeAge renders t as "5 minutes ago" relative to now.
func RelativeAge(t, now time.Time) string {
	if t.IsZero() {
		return "just now"
	}
	if now.Sub(t) < time.Minute && !t.After(now) {
		return "just now"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}

// ShareText is the copy-link fallback text for sharing a post.
func ShareText(p domain.Post, siteName, siteURL string) string {
	return "\"" + p.Text + "\" - Read more on " + siteName + "! " + siteURL
}
