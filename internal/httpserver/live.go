package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/blackmichael/campusfeed/internal/auth"
	"github.com/blackmichael/campusfeed/internal/domain"
	"github.com/blackmichael/campusfeed/internal/livestream"
)

var tracer = otel.Tracer("github.com/blackmichael/campusfeed/internal/httpserver")

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
	outboxSize     = 64
)

// handleLive upgrades the request to a websocket and serves the live
// protocol until either side closes.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	principal, err := s.auth.Authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	defer cancel()

	logger := s.logger.With("remote", r.RemoteAddr)
	if principal != nil {
		logger = logger.With("uid", principal.UID)
	}

	lc := &liveConn{
		server:    s,
		conn:      conn,
		principal: principal,
		logger:    logger,
		out:       make(chan livestream.Frame, outboxSize),
		ctx:       ctx,
		subs:      make(map[string]domain.Subscription),
	}
	lc.serve(cancel)
}

// liveConn is one client connection. Requests are handled in arrival
// order on the read loop; all writes go through out.
type liveConn struct {
	server    *Server
	conn      *websocket.Conn
	principal *auth.Principal
	logger    *slog.Logger
	out       chan livestream.Frame
	ctx       context.Context

	mu   sync.Mutex
	subs map[string]domain.Subscription
}

func (c *liveConn) serve(cancel context.CancelFunc) {
	c.logger.Info("live connection opened")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
		cancel()
	}()

	err := c.readLoop()
	cancel()
	c.closeAll()
	<-writerDone
	c.conn.Close()

	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && c.ctx.Err() == nil {
		c.logger.Warn("live connection closed with error", "error", err)
		return
	}
	c.logger.Info("live connection closed")
}

func (c *liveConn) readLoop() error {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Unblock ReadJSON when the server shuts down or the writer fails.
	stop := context.AfterFunc(c.ctx, func() {
		c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		var req livestream.Request
		if err := c.conn.ReadJSON(&req); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				c.logger.Warn("malformed request", "error", err)
				continue
			}
			return err
		}
		c.handle(req)
	}
}

func (c *liveConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case f := <-c.out:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(f); err != nil {
				c.logger.Warn("write frame failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-c.ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
			c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		}
	}
}

// send queues f for the writer. It drops the frame once the connection is
// closing.
func (c *liveConn) send(f livestream.Frame) {
	select {
	case c.out <- f:
	case <-c.ctx.Done():
	}
}

func (c *liveConn) handle(req livestream.Request) {
	ctx, span := tracer.Start(c.ctx, "live."+req.Op,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("request.id", req.ID)),
	)
	defer span.End()

	result, err := c.dispatch(ctx, req)

	f := livestream.Frame{ID: req.ID}
	if err == nil && result != nil {
		f.Result, err = json.Marshal(result)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if domain.CodeOf(err) == domain.CodeUnknown || domain.CodeOf(err) == domain.CodeInternal {
			c.logger.Error("live request failed", "op", req.Op, "error", err)
		} else {
			c.logger.Debug("live request rejected", "op", req.Op, "error", err)
		}
		f.Result = nil
		f.Error = livestream.ToWireError(err)
	}
	if req.ID != "" {
		c.send(f)
	}
}

func (c *liveConn) dispatch(ctx context.Context, req livestream.Request) (any, error) {
	store := c.server.store

	switch req.Op {
	case livestream.OpSubscribePosts:
		if req.Sub == "" || req.Query == nil {
			return nil, domain.NewError(domain.CodeValidation, "sub and query required")
		}
		return nil, c.subscribePosts(req.Sub, *req.Query)

	case livestream.OpSubscribeComments:
		if req.Sub == "" || req.PostID == "" {
			return nil, domain.NewError(domain.CodeValidation, "sub and postId required")
		}
		return nil, c.subscribeComments(req.Sub, req.PostID)

	case livestream.OpUnsubscribe:
		c.unsubscribe(req.Sub)
		return nil, nil

	case livestream.OpCreatePost:
		if req.Post == nil {
			return nil, domain.NewError(domain.CodeValidation, "post required")
		}
		if err := c.authorize(req.Post.OwnerUID); err != nil {
			return nil, err
		}
		if err := domain.ValidatePostDraft(req.Post.Text, req.Post.ImageURL != "", req.Post.Type); err != nil {
			return nil, err
		}
		id, err := store.CreatePost(ctx, *req.Post)
		if err != nil {
			return nil, err
		}
		return livestream.IDResult{ID: id}, nil

	case livestream.OpDeletePost:
		if c.principal != nil && !c.principal.Admin {
			return nil, domain.NewError(domain.CodePermissionDenied, "only admins can delete posts")
		}
		return nil, store.DeletePost(ctx, req.PostID)

	case livestream.OpAddToSet, livestream.OpRemoveFromSet:
		if req.Field == domain.FieldReports {
			return nil, domain.NewError(domain.CodeValidation, "reports change through report_post only")
		}
		if err := c.authorize(req.UID); err != nil {
			return nil, err
		}
		if req.Op == livestream.OpAddToSet {
			return nil, store.AddToSet(ctx, req.PostID, req.Field, req.UID)
		}
		return nil, store.RemoveFromSet(ctx, req.PostID, req.Field, req.UID)

	case livestream.OpReportPost:
		if err := c.authorize(req.UID); err != nil {
			return nil, err
		}
		res, err := store.ReportPost(ctx, req.PostID, req.UID, c.server.cfg.StrikeThreshold)
		if err != nil {
			return nil, err
		}
		if res.Deleted {
			c.logger.Info("post removed by reports", "post_id", req.PostID, "count", res.Count)
		}
		return res, nil

	case livestream.OpGetPost:
		post, err := store.GetPost(ctx, req.PostID)
		if err != nil {
			return nil, err
		}
		return post, nil

	case livestream.OpCreateComment:
		if req.Comment == nil {
			return nil, domain.NewError(domain.CodeValidation, "comment required")
		}
		if err := c.authorize(req.Comment.OwnerUID); err != nil {
			return nil, err
		}
		if err := domain.ValidateComment(req.Comment.Text); err != nil {
			return nil, err
		}
		id, err := store.CreateComment(ctx, *req.Comment)
		if err != nil {
			return nil, err
		}
		return livestream.IDResult{ID: id}, nil

	case livestream.OpPutProfile:
		if req.Profile == nil {
			return nil, domain.NewError(domain.CodeValidation, "profile required")
		}
		if err := c.authorize(req.Profile.UID); err != nil {
			return nil, err
		}
		email, username, err := domain.ValidateSignup(req.Profile.Email, req.Profile.Username, c.server.cfg.AllowedEmailDomain)
		if err != nil {
			return nil, err
		}
		profile := *req.Profile
		profile.Email, profile.Username = email, username
		return nil, store.PutUserProfile(ctx, profile)

	case livestream.OpUpdateProfile:
		if req.Patch == nil {
			return nil, domain.NewError(domain.CodeValidation, "patch required")
		}
		if err := c.authorize(req.UID); err != nil {
			return nil, err
		}
		return nil, store.UpdateProfile(ctx, req.UID, *req.Patch)

	case livestream.OpFindEmail:
		email, err := store.FindEmailByUsername(ctx, req.Username)
		if err != nil {
			return nil, err
		}
		return livestream.EmailResult{Email: email}, nil

	default:
		return nil, domain.NewError(domain.CodeValidation, "unknown op "+req.Op)
	}
}

// authorize checks that the caller acts as uid. Connections without a
// principal are trusted.
func (c *liveConn) authorize(uid string) error {
	if uid == "" {
		return domain.NewError(domain.CodeValidation, "uid required")
	}
	if c.principal != nil && c.principal.UID != uid {
		return domain.NewError(domain.CodePermissionDenied, "cannot act as another user")
	}
	return nil
}

func (c *liveConn) subscribePosts(id string, q domain.PostQuery) error {
	sub, err := c.server.store.SubscribePosts(c.ctx, q,
		func(posts []domain.Post) {
			c.send(livestream.Frame{Sub: id, Kind: livestream.KindPosts, Posts: posts})
		},
		c.subError(id),
	)
	if err != nil {
		return err
	}
	c.track(id, sub)
	return nil
}

func (c *liveConn) subscribeComments(id, postID string) error {
	sub, err := c.server.store.SubscribeComments(c.ctx, postID,
		func(comments []domain.Comment) {
			c.send(livestream.Frame{Sub: id, Kind: livestream.KindComments, Comments: comments})
		},
		c.subError(id),
	)
	if err != nil {
		return err
	}
	c.track(id, sub)
	return nil
}

func (c *liveConn) subError(id string) domain.SubscriptionErrorFunc {
	return func(err error) {
		c.logger.Warn("live query failed", "sub", id, "error", err)
		c.send(livestream.Frame{Sub: id, Kind: livestream.KindError, Error: livestream.ToWireError(err)})
	}
}

// track registers sub under id, replacing a subscription a reconnecting
// client re-opened under the same id.
func (c *liveConn) track(id string, sub domain.Subscription) {
	c.mu.Lock()
	old := c.subs[id]
	c.subs[id] = sub
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}
}

func (c *liveConn) unsubscribe(id string) {
	c.mu.Lock()
	sub, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if ok {
		sub.Close()
	}
}

func (c *liveConn) closeAll() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]domain.Subscription)
	c.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}
