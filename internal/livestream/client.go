package livestream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/blackmichael/campusfeed/internal/domain"
)

var tracer = otel.Tracer("github.com/blackmichael/campusfeed/internal/livestream")

const (
	writeTimeout = 10 * time.Second

	// connectWait bounds how long a request waits for a connection before
	// failing as transient.
	connectWait = 10 * time.Second
)

// Client is a domain.Store backed by a remote server. It reconnects with
// exponential backoff and re-opens every live subscription after a
// reconnect. Requests in flight when the connection drops fail as
// transient.
type Client struct {
	url    string
	token  string
	logger *slog.Logger
	dialer *websocket.Dialer

	writeMu sync.Mutex

	mu      sync.Mutex
	conn    *websocket.Conn
	ready   chan struct{}
	pending map[string]chan Frame
	subs    map[string]*subscription
	nextID  uint64
}

// NewClient creates a client for the websocket endpoint at url. token is
// sent as a bearer token when non-empty. Call Run to connect.
func NewClient(url, token string, logger *slog.Logger) *Client {
	return &Client{
		url:     url,
		token:   token,
		logger:  logger,
		dialer:  websocket.DefaultDialer,
		ready:   make(chan struct{}),
		pending: make(map[string]chan Frame),
		subs:    make(map[string]*subscription),
	}
}

// Run connects and serves the connection until ctx is cancelled,
// reconnecting on errors. It returns early only when the server rejects
// the credentials.
func (c *Client) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second

	for {
		conn, err := backoff.Retry(ctx, func() (*websocket.Conn, error) {
			return c.dial(ctx)
		},
			backoff.WithBackOff(b),
			backoff.WithMaxElapsedTime(0),
			backoff.WithNotify(func(err error, next time.Duration) {
				c.logger.Warn("live connection failed, retrying", "error", err, "retry_in", next)
			}),
		)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		c.logger.Info("live connection established", "url", c.url)
		c.attach(ctx, conn)
		err = c.readLoop(ctx, conn)
		c.detach(conn)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("live connection lost, reconnecting", "error", err)
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, backoff.Permanent(domain.WrapError(domain.CodePermissionDenied, "server rejected credentials", err))
		}
		return nil, fmt.Errorf("dial %s: %w", c.url, err)
	}
	return conn, nil
}

// attach publishes conn and re-opens the registered subscriptions on it.
func (c *Client) attach(ctx context.Context, conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	close(c.ready)
	subs := make([]*subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		go c.open(ctx, s)
	}
}

// detach forgets conn and fails every request waiting on it.
func (c *Client) detach(conn *websocket.Conn) {
	conn.Close()

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.ready = make(chan struct{})
	}
	pending := c.pending
	c.pending = make(map[string]chan Frame)
	c.mu.Unlock()

	for id, ch := range pending {
		ch <- Frame{ID: id, Error: &WireError{Code: domain.CodeTransient, Message: "connection lost"}}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}

		var f Frame
		if err := json.Unmarshal(message, &f); err != nil {
			c.logger.Error("failed to parse frame", "error", err)
			continue
		}

		switch {
		case f.ID != "":
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			delete(c.pending, f.ID)
			c.mu.Unlock()
			if ok {
				ch <- f
			}
		case f.Sub != "":
			c.dispatch(f)
		}
	}
}

// dispatch delivers a subscription event. Events are delivered from the
// read loop only, so callbacks for one subscription never overlap.
func (c *Client) dispatch(f Frame) {
	c.mu.Lock()
	s, ok := c.subs[f.Sub]
	c.mu.Unlock()
	if !ok || s.closed.Load() {
		return
	}

	switch f.Kind {
	case KindPosts:
		if s.onPosts != nil {
			posts := f.Posts
			if posts == nil {
				posts = []domain.Post{}
			}
			s.onPosts(posts)
		}
	case KindComments:
		if s.onComments != nil {
			comments := f.Comments
			if comments == nil {
				comments = []domain.Comment{}
			}
			s.onComments(comments)
		}
	case KindError:
		if s.onError != nil && f.Error != nil {
			s.onError(f.Error.Err())
		}
	}
}

// call sends req and waits for its response. out, when non-nil, receives
// the decoded result.
func (c *Client) call(ctx context.Context, req Request, out any) (err error) {
	ctx, span := tracer.Start(ctx, "livestream."+req.Op, trace.WithSpanKind(trace.SpanKindClient))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	conn, err := c.waitConn(ctx)
	if err != nil {
		return err
	}

	ch := make(chan Frame, 1)
	c.mu.Lock()
	c.nextID++
	req.ID = strconv.FormatUint(c.nextID, 10)
	c.pending[req.ID] = ch
	c.mu.Unlock()
	span.SetAttributes(attribute.String("request.id", req.ID))

	if err := c.write(conn, req); err != nil {
		c.forget(req.ID)
		return domain.WrapError(domain.CodeTransient, "send request", err)
	}

	select {
	case f := <-ch:
		if f.Error != nil {
			return f.Error.Err()
		}
		if out != nil && len(f.Result) > 0 {
			if err := json.Unmarshal(f.Result, out); err != nil {
				return fmt.Errorf("decode %s result: %w", req.Op, err)
			}
		}
		return nil
	case <-ctx.Done():
		c.forget(req.ID)
		return ctx.Err()
	}
}

func (c *Client) waitConn(ctx context.Context) (*websocket.Conn, error) {
	timer := time.NewTimer(connectWait)
	defer timer.Stop()
	for {
		c.mu.Lock()
		conn, ready := c.conn, c.ready
		c.mu.Unlock()
		if conn != nil {
			return conn, nil
		}
		select {
		case <-ready:
		case <-timer.C:
			return nil, domain.NewError(domain.CodeTransient, "not connected")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Client) write(conn *websocket.Conn, req Request) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(req)
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// subscription is a client-side live query. Its id survives reconnects.
type subscription struct {
	client     *Client
	id         string
	req        Request
	onPosts    domain.PostSnapshotFunc
	onComments domain.CommentSnapshotFunc
	onError    domain.SubscriptionErrorFunc
	closed     atomic.Bool
}

// Close implements domain.Subscription.
func (s *subscription) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return domain.ErrSubscriptionClosed
	}
	c := s.client
	c.mu.Lock()
	delete(c.subs, s.id)
	connected := c.conn != nil
	c.mu.Unlock()

	if connected {
		go c.unsubscribe(s.id)
	}
	return nil
}

func (c *Client) register(req Request, onPosts domain.PostSnapshotFunc, onComments domain.CommentSnapshotFunc, onError domain.SubscriptionErrorFunc) *subscription {
	c.mu.Lock()
	c.nextID++
	s := &subscription{
		client:     c,
		id:         "s" + strconv.FormatUint(c.nextID, 10),
		onPosts:    onPosts,
		onComments: onComments,
		onError:    onError,
	}
	req.Sub = s.id
	s.req = req
	c.subs[s.id] = s
	c.mu.Unlock()
	return s
}

// open asks the server to start s. A subscription closed while the request
// was in flight is torn down again on the server.
func (c *Client) open(ctx context.Context, s *subscription) {
	err := c.call(ctx, s.req, nil)
	if s.closed.Load() {
		if err == nil {
			c.unsubscribe(s.id)
		}
		return
	}
	if err != nil && ctx.Err() == nil {
		c.logger.Warn("open live subscription failed", "sub", s.id, "op", s.req.Op, "error", err)
		if s.onError != nil {
			s.onError(err)
		}
	}
}

func (c *Client) unsubscribe(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := c.call(ctx, Request{Op: OpUnsubscribe, Sub: id}, nil); err != nil {
		c.logger.Debug("unsubscribe failed", "sub", id, "error", err)
	}
}

// SubscribePosts implements domain.Store. The query is opened on the
// server in the background; failures are reported through onError.
func (c *Client) SubscribePosts(ctx context.Context, q domain.PostQuery, onSnapshot domain.PostSnapshotFunc, onError domain.SubscriptionErrorFunc) (domain.Subscription, error) {
	s := c.register(Request{Op: OpSubscribePosts, Query: &q}, onSnapshot, nil, onError)
	c.openIfConnected(ctx, s)
	return s, nil
}

// SubscribeComments implements domain.Store.
func (c *Client) SubscribeComments(ctx context.Context, postID string, onSnapshot domain.CommentSnapshotFunc, onError domain.SubscriptionErrorFunc) (domain.Subscription, error) {
	if postID == "" {
		return nil, domain.NewError(domain.CodeValidation, "post id required")
	}
	s := c.register(Request{Op: OpSubscribeComments, PostID: postID}, nil, onSnapshot, onError)
	c.openIfConnected(ctx, s)
	return s, nil
}

// openIfConnected starts s now; otherwise attach starts it on connect.
func (c *Client) openIfConnected(ctx context.Context, s *subscription) {
	c.mu.Lock()
	connected := c.conn != nil
	c.mu.Unlock()
	if connected {
		go c.open(context.WithoutCancel(ctx), s)
	}
}

// CreatePost implements domain.Store.
func (c *Client) CreatePost(ctx context.Context, post domain.Post) (string, error) {
	var res IDResult
	if err := c.call(ctx, Request{Op: OpCreatePost, Post: &post}, &res); err != nil {
		return "", err
	}
	return res.ID, nil
}

// DeletePost implements domain.Store.
func (c *Client) DeletePost(ctx context.Context, postID string) error {
	return c.call(ctx, Request{Op: OpDeletePost, PostID: postID}, nil)
}

// AddToSet implements domain.Store.
func (c *Client) AddToSet(ctx context.Context, postID string, field domain.SetField, uid string) error {
	return c.call(ctx, Request{Op: OpAddToSet, PostID: postID, Field: field, UID: uid}, nil)
}

// RemoveFromSet implements domain.Store.
func (c *Client) RemoveFromSet(ctx context.Context, postID string, field domain.SetField, uid string) error {
	return c.call(ctx, Request{Op: OpRemoveFromSet, PostID: postID, Field: field, UID: uid}, nil)
}

// ReportPost implements domain.Store. The server applies its own
// threshold.
func (c *Client) ReportPost(ctx context.Context, postID, uid string, _ int) (domain.ReportResult, error) {
	var res domain.ReportResult
	err := c.call(ctx, Request{Op: OpReportPost, PostID: postID, UID: uid}, &res)
	return res, err
}

// GetPost implements domain.Store.
func (c *Client) GetPost(ctx context.Context, postID string) (domain.Post, error) {
	var p domain.Post
	if err := c.call(ctx, Request{Op: OpGetPost, PostID: postID}, &p); err != nil {
		return domain.Post{}, err
	}
	return p, nil
}

// CreateComment implements domain.Store.
func (c *Client) CreateComment(ctx context.Context, comment domain.Comment) (string, error) {
	var res IDResult
	if err := c.call(ctx, Request{Op: OpCreateComment, Comment: &comment}, &res); err != nil {
		return "", err
	}
	return res.ID, nil
}

// PutUserProfile implements domain.Store.
func (c *Client) PutUserProfile(ctx context.Context, profile domain.UserProfile) error {
	return c.call(ctx, Request{Op: OpPutProfile, Profile: &profile}, nil)
}

// UpdateProfile implements domain.Store.
func (c *Client) UpdateProfile(ctx context.Context, uid string, patch domain.ProfilePatch) error {
	return c.call(ctx, Request{Op: OpUpdateProfile, UID: uid, Patch: &patch}, nil)
}

// FindEmailByUsername implements domain.Store.
func (c *Client) FindEmailByUsername(ctx context.Context, username string) (string, error) {
	var res EmailResult
	if err := c.call(ctx, Request{Op: OpFindEmail, Username: username}, &res); err != nil {
		return "", err
	}
	return res.Email, nil
}
