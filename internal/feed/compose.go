package feed

import (
	"context"
	"errors"
	"strings"

	"github.com/blackmichael/campusfeed/internal/domain"
)

// Draft is a post as typed into the composer.
type Draft struct {
	Text  string
	Image *domain.File
}

// Compose stages a new post on the current tab and writes it in the
// background. The returned client key identifies the optimistic post until
// the store confirms it. Only validation and session errors are returned;
// write failures roll the post back and surface as a NoticePostFailed.
func (e *Engine) Compose(ctx context.Context, d Draft) (string, error) {
	var key string
	err := e.call(ctx, func() error {
		if e.session == nil {
			return domain.NewError(domain.CodePermissionDenied, "sign in to post")
		}
		tab := e.nav.Tab
		if !tab.Valid() {
			tab = domain.PostTypeFeed
		}
		if err := domain.ValidatePostDraft(d.Text, d.Image != nil, tab); err != nil {
			return err
		}

		key = e.cfg.NewClientKey()
		author, avatar := authorFor(*e.session, tab)
		post := domain.Post{
			ID:           key,
			ClientKey:    key,
			Text:         strings.TrimSpace(d.Text),
			Author:       author,
			AuthorAvatar: avatar,
			OwnerUID:     e.session.UID,
			Type:         tab,
			Likes:        domain.UIDSet{},
			Reports:      domain.UIDSet{},
			CreatedAt:    e.cfg.Now(),
		}
		e.buffer.Stage(post)
		e.publish()

		go e.writePost(e.ctx, post, d.Image)
		return nil
	})
	return key, err
}

// UpdateAvatar uploads a new profile picture and stores its URL on the
// user's profile. The outcome is reported as a notice.
func (e *Engine) UpdateAvatar(ctx context.Context, f domain.File) error {
	return e.call(ctx, func() error {
		if e.session == nil {
			return domain.NewError(domain.CodePermissionDenied, "sign in to change your picture")
		}
		uid := e.session.UID
		go func(ctx context.Context) {
			url, err := e.uploadImage(ctx, f)
			if err == nil {
				err = e.store.UpdateProfile(ctx, uid, domain.ProfilePatch{AvatarURL: &url})
			}
			if err != nil {
				e.logger.Warn("update avatar failed", "uid", uid, "error", err)
			}
			e.schedule(func() { e.avatarDone(uid, url, err) })
		}(e.ctx)
		return nil
	})
}

func (e *Engine) writePost(ctx context.Context, post domain.Post, image *domain.File) {
	if image != nil {
		url, err := e.uploadImage(ctx, *image)
		if err != nil {
			e.logger.Error("image upload failed, rolling back post", "client_key", post.ClientKey, "error", err)
			e.schedule(func() { e.rollback(post.ClientKey, "Image upload failed. Your post was not published.") })
			return
		}
		post.ImageURL = url
	}

	write := post
	write.ID = ""
	write.Origin = ""
	id, err := e.store.CreatePost(ctx, write)
	if err != nil {
		e.logger.Error("create post failed", "client_key", post.ClientKey, "error", err)
		e.schedule(func() { e.rollback(post.ClientKey, "Your post could not be published.") })
		return
	}
	e.schedule(func() {
		e.buffer.MarkWritten(post.ClientKey, id)
		e.checkUnconfirmed(e.subs.Last())
	})
}

// uploadImage compresses f and uploads the result. A compression failure
// falls back to the original bytes.
func (e *Engine) uploadImage(ctx context.Context, f domain.File) (string, error) {
	if e.media == nil {
		return "", errors.New("no media pipeline configured")
	}
	compressed, err := e.media.Compress(ctx, f)
	if err != nil {
		e.logger.Warn("image compression failed, uploading original", "name", f.Name, "error", err)
		compressed = f
	}
	return e.media.Upload(ctx, compressed)
}

func (e *Engine) rollback(clientKey, message string) {
	if _, ok := e.buffer.Fail(clientKey); !ok {
		return
	}
	e.notices = append(e.notices, Notice{Kind: NoticePostFailed, Message: message, ClientKey: clientKey})
	e.publish()
}

func (e *Engine) avatarDone(uid, url string, err error) {
	if err != nil {
		e.notices = append(e.notices, Notice{Kind: NoticeAvatarFailed, Message: "Could not update your profile picture."})
		e.publish()
		return
	}
	if e.session != nil && e.session.UID == uid {
		e.session.AvatarURL = url
	}
	e.notices = append(e.notices, Notice{Kind: NoticeAvatarSaved, Message: "Profile picture updated."})
	e.publish()
}
