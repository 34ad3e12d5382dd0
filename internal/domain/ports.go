package domain

import (
	"bytes"
	"context"
	"io"
)

// Subscription is a live query handle. Close releases it; closing a handle
// twice returns ErrSubscriptionClosed and has no other effect.
type Subscription interface {
	Close() error
}

// PostSnapshotFunc receives the complete, ordered result set of a post
// query each time it changes. Calls for one subscription never overlap.
type PostSnapshotFunc func(posts []Post)

// CommentSnapshotFunc receives the complete, ordered comments of a post.
type CommentSnapshotFunc func(comments []Comment)

// SubscriptionErrorFunc receives errors from a live query. The subscription
// stays open; the next successful snapshot supersedes the error.
type SubscriptionErrorFunc func(err error)

// Store is the authoritative document store the feed engine consumes.
type Store interface {
	// SubscribePosts opens a live query on the posts collection.
	SubscribePosts(ctx context.Context, q PostQuery, onSnapshot PostSnapshotFunc, onError SubscriptionErrorFunc) (Subscription, error)

	// SubscribeComments opens a live query on a post's comments.
	SubscribeComments(ctx context.Context, postID string, onSnapshot CommentSnapshotFunc, onError SubscriptionErrorFunc) (Subscription, error)

	// CreatePost writes a new post document and returns its id. Likes and
	// reports always start empty.
	CreatePost(ctx context.Context, post Post) (string, error)

	// DeletePost removes a post and its comments. Returns ErrNotFound when
	// the post is already gone.
	DeletePost(ctx context.Context, postID string) error

	// AddToSet adds uid to a set-valued field if absent.
	AddToSet(ctx context.Context, postID string, field SetField, uid string) error

	// RemoveFromSet removes uid from a set-valued field if present.
	RemoveFromSet(ctx context.Context, postID string, field SetField, uid string) error

	// ReportPost atomically adds uid to the report set and deletes the post
	// when the set reaches threshold.
	ReportPost(ctx context.Context, postID, uid string, threshold int) (ReportResult, error)

	// GetPost reads a post once. Returns ErrNotFound when absent.
	GetPost(ctx context.Context, postID string) (Post, error)

	// CreateComment appends a comment under its post.
	CreateComment(ctx context.Context, comment Comment) (string, error)

	// PutUserProfile creates a user profile. A taken username is a conflict.
	PutUserProfile(ctx context.Context, profile UserProfile) error

	// UpdateProfile applies a partial update to a user profile.
	UpdateProfile(ctx context.Context, uid string, patch ProfilePatch) error

	// FindEmailByUsername resolves a username for login.
	FindEmailByUsername(ctx context.Context, username string) (string, error)
}

// File is an image selected by the user.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// Reader returns a reader over the file contents.
func (f File) Reader() io.Reader {
	return bytes.NewReader(f.Data)
}

// MediaPipeline compresses and uploads images.
type MediaPipeline interface {
	Compress(ctx context.Context, f File) (File, error)
	Upload(ctx context.Context, f File) (string, error)
}

// SessionProvider emits the current session whenever it changes. A nil
// session means signed out.
type SessionProvider interface {
	Sessions() <-chan *Session
}
