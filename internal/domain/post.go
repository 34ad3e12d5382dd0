package domain

import (
	"slices"
	"time"
)

// PostType is the feed a post was written to.
type PostType string

const (
	PostTypeFeed        PostType = "feed"
	PostTypeConfessions PostType = "confessions"
)

// Valid reports whether t is one of the known post types.
func (t PostType) Valid() bool {
	return t == PostTypeFeed || t == PostTypeConfessions
}

// Origin distinguishes a locally staged post from one the store has returned.
type Origin string

const (
	OriginOptimistic Origin = "optimistic"
	OriginConfirmed  Origin = "confirmed"
)

// StrikeThreshold is the number of distinct reports at which a post is
// permanently deleted.
const StrikeThreshold = 8

const (
	// AnonymousAuthor is shown in place of the author on confessions.
	AnonymousAuthor = "Anonymous Student"

	// DefaultAuthor is used when a session has no display name.
	DefaultAuthor = "Student"
)

// Post is a single feed entry.
type Post struct {
	// ID is assigned by the store. Optimistic posts carry their ClientKey here
	// until confirmed.
	ID string `json:"id"`

	// ClientKey is generated at compose time and carried through the write so
	// the confirmed copy can be matched to the optimistic one.
	ClientKey string `json:"clientKey"`

	Text         string   `json:"text"`
	ImageURL     string   `json:"imageUrl,omitempty"`
	Author       string   `json:"author"`
	AuthorAvatar string   `json:"authorAvatar,omitempty"`
	OwnerUID     string   `json:"uid"`
	Type         PostType `json:"type"`

	Likes   UIDSet `json:"likes"`
	Reports UIDSet `json:"reports"`

	CreatedAt time.Time `json:"createdAt"`
	Origin    Origin    `json:"origin"`
}

// Comment is a reply under a post. Comments are ordered by CreatedAt
// ascending within their post.
type Comment struct {
	ID           string    `json:"id"`
	PostID       string    `json:"postId"`
	Text         string    `json:"text"`
	Author       string    `json:"author"`
	AuthorAvatar string    `json:"authorAvatar,omitempty"`
	OwnerUID     string    `json:"uid"`
	CreatedAt    time.Time `json:"createdAt"`
}

// UserProfile is the per-user document used for username to email
// resolution at login.
type UserProfile struct {
	UID       string    `json:"uid"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	AvatarURL string    `json:"avatarUrl,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// ProfilePatch carries a partial update to a user profile. Nil fields are
// left untouched.
type ProfilePatch struct {
	AvatarURL *string `json:"avatarUrl,omitempty"`
}

// Session is the signed-in user as reported by the authentication provider.
type Session struct {
	UID           string `json:"uid"`
	DisplayName   string `json:"displayName"`
	AvatarURL     string `json:"avatarUrl"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"emailVerified"`
}

// QueryField is the field a post query filters on.
type QueryField string

const (
	QueryByType QueryField = "type"
	QueryByUID  QueryField = "uid"
)

// PostQuery is an equality filter on the posts collection. Results are
// always ordered by createdAt descending, ties by id ascending.
type PostQuery struct {
	Field QueryField `json:"field"`
	Value string     `json:"value"`
}

// Matches reports whether p satisfies the query.
func (q PostQuery) Matches(p Post) bool {
	switch q.Field {
	case QueryByType:
		return string(p.Type) == q.Value
	case QueryByUID:
		return p.OwnerUID == q.Value
	default:
		return false
	}
}

// SetField names a set-valued post field.
type SetField string

const (
	FieldLikes   SetField = "likes"
	FieldReports SetField = "reports"
)

// ReportResult describes the outcome of one atomic report operation.
type ReportResult struct {
	// Added is false when the reporter had already reported the post.
	Added bool `json:"added"`

	// Count is the size of the report set read inside the transaction.
	Count int `json:"count"`

	// Deleted is true when this report crossed the threshold and removed the
	// post.
	Deleted bool `json:"deleted"`
}

// UIDSet is a set of user ids kept in sorted order.
type UIDSet []string

// Has reports whether uid is a member.
func (s UIDSet) Has(uid string) bool {
	_, ok := slices.BinarySearch(s, uid)
	return ok
}

// With returns a copy of s containing uid. Adding a member is a no-op.
func (s UIDSet) With(uid string) UIDSet {
	i, ok := slices.BinarySearch(s, uid)
	if ok {
		return s
	}
	out := make(UIDSet, 0, len(s)+1)
	out = append(out, s[:i]...)
	out = append(out, uid)
	return append(out, s[i:]...)
}

// Without returns a copy of s without uid. Removing a non-member is a no-op.
func (s UIDSet) Without(uid string) UIDSet {
	i, ok := slices.BinarySearch(s, uid)
	if !ok {
		return s
	}
	out := make(UIDSet, 0, len(s)-1)
	out = append(out, s[:i]...)
	return append(out, s[i+1:]...)
}

// NewUIDSet builds a set from arbitrary, possibly duplicated, uids.
func NewUIDSet(uids ...string) UIDSet {
	out := make(UIDSet, 0, len(uids))
	for _, uid := range uids {
		out = out.With(uid)
	}
	return out
}

// SortPosts orders posts newest first, ties broken by id.
func SortPosts(posts []Post) {
	slices.SortStableFunc(posts, func(a, b Post) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
}

// SortComments orders comments oldest first, ties broken by id.
func SortComments(comments []Comment) {
	slices.SortStableFunc(comments, func(a, b Comment) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
}
