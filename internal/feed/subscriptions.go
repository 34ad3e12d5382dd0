package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/blackmichael/campusfeed/internal/domain"
)

// SubscriptionManager owns the single live feed query. Callbacks from the
// store are scheduled onto the engine loop and tagged with a generation so
// snapshots from a replaced query are dropped.
type SubscriptionManager struct {
	store    domain.Store
	logger   *slog.Logger
	schedule func(func())
	onUpdate func(posts []domain.Post)

	handle  domain.Subscription
	current ViewContext
	active  bool
	gen     uint64
	last    []domain.Post
}

// NewSubscriptionManager creates a manager. schedule runs a function on the
// engine loop; onUpdate is called on the loop with each accepted snapshot.
func NewSubscriptionManager(store domain.Store, logger *slog.Logger, schedule func(func()), onUpdate func([]domain.Post)) *SubscriptionManager {
	return &SubscriptionManager{
		store:    store,
		logger:   logger,
		schedule: schedule,
		onUpdate: onUpdate,
	}
}

// Subscribe makes vc the live scope. Subscribing to the active scope again
// returns the existing handle; otherwise the previous handle is released
// before the new query is opened.
func (m *SubscriptionManager) Subscribe(ctx context.Context, vc ViewContext) (domain.Subscription, error) {
	if m.active && m.current == vc {
		return m.handle, nil
	}
	m.Unsubscribe()

	m.gen++
	gen := m.gen
	m.current = vc
	m.last = nil

	sub, err := m.store.SubscribePosts(ctx, vc.Query(),
		func(posts []domain.Post) {
			m.schedule(func() { m.accept(gen, posts) })
		},
		func(err error) {
			m.schedule(func() { m.fail(gen, err) })
		},
	)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", vc, err)
	}

	m.handle = sub
	m.active = true
	m.logger.Debug("feed subscription opened", "view", vc.String(), "generation", gen)
	return sub, nil
}

// Unsubscribe releases the current handle, if any. The handle is released
// exactly once.
func (m *SubscriptionManager) Unsubscribe() {
	if !m.active {
		return
	}
	handle := m.handle
	m.handle = nil
	m.active = false
	m.gen++
	m.last = nil

	if err := handle.Close(); err != nil && !errors.Is(err, domain.ErrSubscriptionClosed) {
		m.logger.Warn("close feed subscription", "view", m.current.String(), "error", err)
	}
}

// Current returns the active scope.
func (m *SubscriptionManager) Current() (ViewContext, bool) {
	return m.current, m.active
}

// Last returns the last accepted snapshot, newest first.
func (m *SubscriptionManager) Last() []domain.Post {
	return m.last
}

func (m *SubscriptionManager) accept(gen uint64, posts []domain.Post) {
	if gen != m.gen {
		return
	}
	sorted := make([]domain.Post, len(posts))
	copy(sorted, posts)
	for i := range sorted {
		sorted[i].Origin = domain.OriginConfirmed
	}
	domain.SortPosts(sorted)

	m.last = sorted
	m.onUpdate(sorted)
}

// fail keeps the last snapshot on screen; the feed is never cleared because
// of a store error.
func (m *SubscriptionManager) fail(gen uint64, err error) {
	if gen != m.gen {
		return
	}
	m.logger.Warn("feed subscription error, keeping last snapshot",
		"view", m.current.String(),
		"posts", len(m.last),
		"error", err,
	)
}
