package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/blackmichael/campusfeed/internal/config"
	"github.com/blackmichael/campusfeed/internal/domain"
	"github.com/blackmichael/campusfeed/internal/feed"
)

// viewStream queues rendered views for the command. The engine never waits
// on it, and one-shot notices stay queued until read.
type viewStream struct {
	mu     sync.Mutex
	views  []feed.FeedView
	signal chan struct{}
}

func newViewStream() *viewStream {
	return &viewStream{signal: make(chan struct{}, 1)}
}

// render is the engine's render callback.
func (s *viewStream) render(v feed.FeedView) {
	s.mu.Lock()
	s.views = append(s.views, v)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// next returns the oldest unread view, waiting for one if needed.
func (s *viewStream) next(ctx context.Context) (feed.FeedView, error) {
	for {
		s.mu.Lock()
		if len(s.views) > 0 {
			v := s.views[0]
			s.views = s.views[1:]
			s.mu.Unlock()
			return v, nil
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return feed.FeedView{}, ctx.Err()
		case <-s.signal:
		}
	}
}

type command struct {
	engine  *feed.Engine
	views   *viewStream
	cfg     *config.Config
	timeout time.Duration
	out     io.Writer
}

func (c *command) run(ctx context.Context, cmd string, args []string, imagePath string) error {
	if cmd == "watch" {
		return c.watch(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	switch cmd {
	case "post":
		return c.post(ctx, strings.Join(args, " "), imagePath)
	case "avatar":
		if len(args) != 1 {
			return fmt.Errorf("usage: feedctl avatar <image>")
		}
		return c.avatar(ctx, args[0])
	}

	if len(args) == 0 {
		return fmt.Errorf("usage: feedctl %s <post-id>", cmd)
	}
	postID := args[0]
	if _, err := c.waitFor(ctx, "post "+postID, func(v feed.FeedView) bool {
		_, ok := v.Post(postID)
		return ok
	}); err != nil {
		return err
	}

	switch cmd {
	case "like":
		c.engine.ToggleLike(postID)
		if err := c.engine.Flush(ctx); err != nil {
			return err
		}
		v, err := c.engine.View(ctx)
		if err != nil {
			return err
		}
		if pv, ok := v.Post(postID); ok {
			fmt.Fprintf(c.out, "liked=%t likes=%d\n", pv.IsLikedByViewer, pv.LikeCount)
		}
		return nil

	case "report":
		c.engine.Report(postID)
		if err := c.engine.Flush(ctx); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "Reported %s. It is hidden from your feed.\n", postID)
		return nil

	case "delete":
		if err := c.engine.DeletePost(ctx, postID); err != nil {
			return err
		}
		if err := c.engine.Flush(ctx); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "Deleted %s\n", postID)
		return nil

	case "comments":
		if err := c.engine.Expand(ctx, postID); err != nil {
			return err
		}
		v, err := c.waitFor(ctx, "comments", func(v feed.FeedView) bool { return v.ExpandedPostID == postID })
		if err != nil {
			return err
		}
		printComments(c.out, v)
		return nil

	case "comment":
		text := strings.Join(args[1:], " ")
		if err := c.engine.Expand(ctx, postID); err != nil {
			return err
		}
		if err := c.engine.PostComment(ctx, postID, text); err != nil {
			return err
		}
		v, err := c.waitFor(ctx, "comment", func(v feed.FeedView) bool {
			for _, cm := range v.Comments {
				if cm.Text == strings.TrimSpace(text) {
					return true
				}
			}
			return false
		})
		if err != nil {
			return err
		}
		printComments(c.out, v)
		return nil

	case "share":
		v, err := c.engine.View(ctx)
		if err != nil {
			return err
		}
		pv, _ := v.Post(postID)
		fmt.Fprintln(c.out, feed.ShareText(pv.Post, c.cfg.SiteName, c.cfg.SiteURL))
		return nil
	}

	return fmt.Errorf("unknown command %q", cmd)
}

func (c *command) watch(ctx context.Context) error {
	for {
		v, err := c.views.next(ctx)
		if err != nil {
			return nil
		}
		printView(c.out, v)
	}
}

func (c *command) post(ctx context.Context, text, imagePath string) error {
	draft := feed.Draft{Text: text}
	if imagePath != "" {
		f, err := readImage(imagePath)
		if err != nil {
			return err
		}
		draft.Image = &f
	}

	if _, err := c.waitFor(ctx, "session", func(v feed.FeedView) bool { return v.SignedIn }); err != nil {
		return err
	}
	key, err := c.engine.Compose(ctx, draft)
	if err != nil {
		return err
	}

	var failed *feed.Notice
	v, err := c.waitFor(ctx, "post confirmation", func(v feed.FeedView) bool {
		for _, n := range v.Notices {
			if n.Kind == feed.NoticePostFailed && n.ClientKey == key {
				failed = &n
				return true
			}
		}
		pv, ok := v.PostByClientKey(key)
		return ok && pv.Origin == domain.OriginConfirmed
	})
	if err != nil {
		return err
	}
	if failed != nil {
		return errors.New(failed.Message)
	}
	pv, _ := v.PostByClientKey(key)
	fmt.Fprintf(c.out, "Published %s\n", pv.ID)
	return nil
}

func (c *command) avatar(ctx context.Context, path string) error {
	f, err := readImage(path)
	if err != nil {
		return err
	}
	if _, err := c.waitFor(ctx, "session", func(v feed.FeedView) bool { return v.SignedIn }); err != nil {
		return err
	}
	if err := c.engine.UpdateAvatar(ctx, f); err != nil {
		return err
	}

	var notice feed.Notice
	_, err = c.waitFor(ctx, "avatar upload", func(v feed.FeedView) bool {
		for _, n := range v.Notices {
			if n.Kind == feed.NoticeAvatarSaved || n.Kind == feed.NoticeAvatarFailed {
				notice = n
				return true
			}
		}
		return false
	})
	if err != nil {
		return err
	}
	if notice.Kind == feed.NoticeAvatarFailed {
		return errors.New(notice.Message)
	}
	fmt.Fprintln(c.out, notice.Message)
	return nil
}

// waitFor consumes rendered views until pred holds.
func (c *command) waitFor(ctx context.Context, what string, pred func(feed.FeedView) bool) (feed.FeedView, error) {
	for {
		v, err := c.views.next(ctx)
		if err != nil {
			return feed.FeedView{}, fmt.Errorf("waiting for %s: %w", what, err)
		}
		if pred(v) {
			return v, nil
		}
	}
}

func printView(w io.Writer, v feed.FeedView) {
	if !v.SignedIn {
		fmt.Fprintln(w, "(signed out)")
		return
	}
	fmt.Fprintf(w, "== %s · %d posts · %s ==\n", v.Context, len(v.Posts), v.RenderedAt.Format(time.Kitchen))
	for _, n := range v.Notices {
		fmt.Fprintf(w, "! %s\n", n.Message)
	}
	for _, p := range v.Posts {
		marker := " "
		if p.Origin == domain.OriginOptimistic {
			marker = "…"
		}
		liked := ""
		if p.IsLikedByViewer {
			liked = " (you)"
		}
		fmt.Fprintf(w, "%s [%s] %s · %s · %s%s\n", marker, p.ID, p.Author, p.Age, humanize.Plural(p.LikeCount, "like", "likes"), liked)
		if p.Text != "" {
			fmt.Fprintf(w, "    %s\n", p.Text)
		}
		if p.ImageURL != "" {
			fmt.Fprintf(w, "    %s\n", p.ImageURL)
		}
	}
}

func printComments(w io.Writer, v feed.FeedView) {
	fmt.Fprintf(w, "%s on %s\n", humanize.Plural(len(v.Comments), "comment", "comments"), v.ExpandedPostID)
	for _, cm := range v.Comments {
		fmt.Fprintf(w, "  %s (%s): %s\n", cm.Author, feed.RelativeAge(cm.CreatedAt, v.RenderedAt), cm.Text)
	}
}
