// Package feed reconciles a live post feed with optimistic local writes,
// crowd moderation and per-post comment streams.
package feed

import "github.com/blackmichael/campusfeed/internal/domain"

// Page is the top-level screen the viewer is on.
type Page string

const (
	PageFeed    Page = "feed"
	PageProfile Page = "profile"
)

// Navigation is the raw UI state the view context is derived from.
type Navigation struct {
	Page Page
	Tab  domain.PostType
}

// DefaultNavigation is the landing state after sign-in.
var DefaultNavigation = Navigation{Page: PageFeed, Tab: domain.PostTypeFeed}

// ViewContext is the query scope of the current view. Two equal contexts
// always select the same posts.
type ViewContext struct {
	Page Page
	Tab  domain.PostType
	UID  string
}

// Resolve derives the view context from navigation state. It returns false
// when nobody is signed in, since every scope needs a viewer.
func Resolve(nav Navigation, session *domain.Session) (ViewContext, bool) {
	if session == nil || session.UID == "" {
		return ViewContext{}, false
	}
	if nav.Page == PageProfile {
		return ViewContext{Page: PageProfile, UID: session.UID}, true
	}
	tab := nav.Tab
	if !tab.Valid() {
		tab = domain.PostTypeFeed
	}
	return ViewContext{Page: PageFeed, Tab: tab}, true
}

// Query returns the store query for the context.
func (vc ViewContext) Query() domain.PostQuery {
	if vc.Page == PageProfile {
		return domain.PostQuery{Field: domain.QueryByUID, Value: vc.UID}
	}
	return domain.PostQuery{Field: domain.QueryByType, Value: string(vc.Tab)}
}

// String is used in log attributes.
func (vc ViewContext) String() string {
	if vc.Page == PageProfile {
		return "profile:" + vc.UID
	}
	return string(vc.Tab)
}
