// Package livestream carries live feed queries and store mutations over a
// websocket connection.
package livestream

import (
	"encoding/json"
	"errors"

	"github.com/blackmichael/campusfeed/internal/domain"
)

// Request operations.
const (
	OpSubscribePosts    = "subscribe_posts"
	OpSubscribeComments = "subscribe_comments"
	OpUnsubscribe       = "unsubscribe"
	OpCreatePost        = "create_post"
	OpDeletePost        = "delete_post"
	OpAddToSet          = "add_to_set"
	OpRemoveFromSet     = "remove_from_set"
	OpReportPost        = "report_post"
	OpGetPost           = "get_post"
	OpCreateComment     = "create_comment"
	OpUpdateProfile     = "update_profile"
	OpPutProfile        = "put_profile"
	OpFindEmail         = "find_email"
)

// Subscription event kinds.
const (
	KindPosts    = "posts"
	KindComments = "comments"
	KindError    = "error"
)

// Request is a client to server frame. Only the fields of the named
// operation are set.
type Request struct {
	ID  string `json:"id"`
	Op  string `json:"op"`
	Sub string `json:"sub,omitempty"`

	Query    *domain.PostQuery    `json:"query,omitempty"`
	PostID   string               `json:"postId,omitempty"`
	Field    domain.SetField      `json:"field,omitempty"`
	UID      string               `json:"uid,omitempty"`
	Username string               `json:"username,omitempty"`
	Post     *domain.Post         `json:"post,omitempty"`
	Comment  *domain.Comment      `json:"comment,omitempty"`
	Profile  *domain.UserProfile  `json:"profile,omitempty"`
	Patch    *domain.ProfilePatch `json:"patch,omitempty"`
}

// Frame is a server to client frame. A frame with ID answers a request; a
// frame with Sub is an event on a subscription.
type Frame struct {
	ID     string          `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *WireError      `json:"error,omitempty"`

	Sub      string           `json:"sub,omitempty"`
	Kind     string           `json:"kind,omitempty"`
	Posts    []domain.Post    `json:"posts,omitempty"`
	Comments []domain.Comment `json:"comments,omitempty"`
}

// WireError is an error as sent over the connection.
type WireError struct {
	Code    domain.Code `json:"code"`
	Message string      `json:"message"`
}

// Err converts the wire error back to a domain error.
func (e *WireError) Err() error {
	code := e.Code
	if code == "" {
		code = domain.CodeUnknown
	}
	return domain.NewError(code, e.Message)
}

// ToWireError converts err for sending. Errors without a domain code are
// reported as internal.
func ToWireError(err error) *WireError {
	var de *domain.Error
	if errors.As(err, &de) {
		return &WireError{Code: de.Code, Message: de.Message}
	}
	return &WireError{Code: domain.CodeInternal, Message: "internal error"}
}

// IDResult is the result of create operations.
type IDResult struct {
	ID string `json:"id"`
}

// EmailResult is the result of find_email.
type EmailResult struct {
	Email string `json:"email"`
}
