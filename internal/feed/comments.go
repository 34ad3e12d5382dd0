package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/blackmichael/campusfeed/internal/domain"
)

// CommentStreams keeps at most one live comment query open across the whole
// feed.
type CommentStreams struct {
	store    domain.Store
	logger   *slog.Logger
	schedule func(func())
	onUpdate func()

	postID   string
	handle   domain.Subscription
	gen      uint64
	comments []domain.Comment
}

// NewCommentStreams creates a stream manager. onUpdate runs on the engine
// loop after the open stream's comments change.
func NewCommentStreams(store domain.Store, logger *slog.Logger, schedule func(func()), onUpdate func()) *CommentStreams {
	return &CommentStreams{
		store:    store,
		logger:   logger,
		schedule: schedule,
		onUpdate: onUpdate,
	}
}

// Expand opens the comment stream of postID, closing any other open stream
// first. Expanding the open post again returns its handle.
func (c *CommentStreams) Expand(ctx context.Context, postID string) (domain.Subscription, error) {
	if c.handle != nil && c.postID == postID {
		return c.handle, nil
	}
	c.closeOpen()

	c.gen++
	gen := c.gen
	sub, err := c.store.SubscribeComments(ctx, postID,
		func(comments []domain.Comment) {
			c.schedule(func() { c.accept(gen, comments) })
		},
		func(err error) {
			c.schedule(func() {
				if gen == c.gen {
					c.logger.Warn("comment stream error", "post_id", postID, "error", err)
				}
			})
		},
	)
	if err != nil {
		return nil, fmt.Errorf("subscribe comments %s: %w", postID, err)
	}

	c.postID = postID
	c.handle = sub
	c.logger.Debug("comment stream opened", "post_id", postID)
	return sub, nil
}

// Collapse closes the stream of postID. Collapsing a post that is not open is
// a no-op.
func (c *CommentStreams) Collapse(postID string) {
	if c.handle == nil || c.postID != postID {
		return
	}
	c.closeOpen()
}

// CloseAll closes the open stream, if any.
func (c *CommentStreams) CloseAll() {
	c.closeOpen()
}

// OpenPostID returns the post whose stream is open.
func (c *CommentStreams) OpenPostID() string {
	if c.handle == nil {
		return ""
	}
	return c.postID
}

// Comments returns the open stream's comments in display order.
func (c *CommentStreams) Comments() []domain.Comment {
	return c.comments
}

func (c *CommentStreams) closeOpen() {
	if c.handle == nil {
		return
	}
	handle := c.handle
	postID := c.postID
	c.handle = nil
	c.postID = ""
	c.comments = nil
	c.gen++

	if err := handle.Close(); err != nil && !errors.Is(err, domain.ErrSubscriptionClosed) {
		c.logger.Warn("close comment stream", "post_id", postID, "error", err)
	}
}

func (c *CommentStreams) accept(gen uint64, incoming []domain.Comment) {
	if gen != c.gen {
		return
	}
	c.comments = appendMerge(c.comments, incoming)
	c.onUpdate()
}

// appendMerge keeps already rendered comments in place and appends new ones
// in arrival order. It re-sorts only when a new comment is older than one
// already rendered.
func appendMerge(rendered, incoming []domain.Comment) []domain.Comment {
	present := make(map[string]struct{}, len(incoming))
	for _, cm := range incoming {
		present[cm.ID] = struct{}{}
	}

	out := make([]domain.Comment, 0, len(incoming))
	seen := make(map[string]struct{}, len(rendered))
	for _, cm := range rendered {
		if _, ok := present[cm.ID]; ok {
			out = append(out, cm)
			seen[cm.ID] = struct{}{}
		}
	}
	for _, cm := range incoming {
		if _, ok := seen[cm.ID]; !ok {
			out = append(out, cm)
		}
	}

	for i := 1; i < len(out); i++ {
		if out[i].CreatedAt.Before(out[i-1].CreatedAt) {
			domain.SortComments(out)
			break
		}
	}
	return out
}
