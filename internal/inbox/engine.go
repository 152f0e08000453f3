// Package inbox delivers announcements into per-user inboxes and keeps those
// inboxes consistent with channel membership.
package inbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"parley/api/internal/lock"
	"parley/api/internal/metrics"
	"parley/api/internal/store"
	"parley/api/internal/util"
)

const (
	defaultConcurrency = 16
	statusCASAttempts  = 3
)

type Store interface {
	GetChannel(ctx context.Context, channelID string) (store.Channel, error)
	AddParticipant(ctx context.Context, channelID, userID string) error
	RemoveParticipant(ctx context.Context, channelID, userID string) error

	InsertAnnouncement(ctx context.Context, announcement store.Announcement) error
	LatestAnnouncement(ctx context.Context, channelID string) (*store.Announcement, error)
	ListAnnouncementIDs(ctx context.Context, channelID string) ([]string, error)
	MarkFanoutComplete(ctx context.Context, announcementID string, at time.Time) error

	InsertInboxEntry(ctx context.Context, entry store.InboxEntry) (bool, error)
	FindInboxEntry(ctx context.Context, userID, announcementID string) (*store.InboxEntry, error)
	GetInboxEntry(ctx context.Context, inboxID string) (store.InboxEntry, error)
	ListInboxEntries(ctx context.Context, userID, status string) ([]store.InboxEntry, error)
	CompareAndSetInboxStatus(ctx context.Context, inboxID, from, to string) (bool, error)
	DeleteInboxEntries(ctx context.Context, inboxIDs []string) (int, error)
}

type Engine struct {
	store       Store
	locker      lock.Locker
	concurrency int
	now         func() time.Time
}

// NewEngine falls back to an in-process locker when locker is nil.
func NewEngine(s Store, locker lock.Locker, concurrency int) *Engine {
	if locker == nil {
		locker = lock.NewLocal()
	}
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Engine{
		store:       s,
		locker:      locker,
		concurrency: concurrency,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

type CreateAnnouncementInput struct {
	Title         string
	Body          string
	ChannelID     string
	TargetUserIDs []string
	IsWelcome     bool
	CreatedBy     string
}

type SubscriptionResult struct {
	Subscribed   bool `json:"subscribed"`
	InboxCreated int  `json:"inboxCreated"`
	InboxRemoved int  `json:"inboxRemoved"`
}

type StatusResult struct {
	Status  string `json:"status"`
	InboxID string `json:"inboxId"`
}

// CreateAnnouncement persists the announcement with its frozen target set and
// writes one delivered entry per target. Channel existence is the caller's
// concern. On a failed write the announcement is still returned alongside an
// error wrapping ErrPartialFanout.
func (e *Engine) CreateAnnouncement(ctx context.Context, input CreateAnnouncementInput) (store.Announcement, error) {
	if strings.TrimSpace(input.CreatedBy) == "" {
		return store.Announcement{}, ErrUnauthenticated
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return store.Announcement{}, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	channelID := strings.TrimSpace(input.ChannelID)
	if channelID == "" {
		return store.Announcement{}, fmt.Errorf("%w: channelId is required", ErrInvalidInput)
	}
	targets := normalizeIDs(input.TargetUserIDs)
	if len(targets) == 0 {
		return store.Announcement{}, fmt.Errorf("%w: at least one target user is required", ErrInvalidInput)
	}

	announcement := store.Announcement{
		ID:            util.NewID("ann"),
		ChannelID:     channelID,
		Title:         title,
		Body:          input.Body,
		CreatedBy:     input.CreatedBy,
		TargetUserIDs: targets,
		IsWelcome:     input.IsWelcome,
		CreatedAt:     e.now(),
	}
	if err := e.store.InsertAnnouncement(ctx, announcement); err != nil {
		return store.Announcement{}, fmt.Errorf("create announcement: %w", err)
	}

	if _, err := e.deliver(ctx, announcement.ID, targets); err != nil {
		return announcement, fmt.Errorf("%w: announcement %s: %w", ErrPartialFanout, announcement.ID, err)
	}
	// A failed stamp only makes the sweep revisit a fan-out that is already whole.
	if err := e.store.MarkFanoutComplete(ctx, announcement.ID, e.now()); err == nil {
		completed := e.now()
		announcement.FanoutCompletedAt = &completed
	}
	return announcement, nil
}

// HealFanout re-delivers a pending announcement and stamps it complete when
// nothing failed. Each target is handled under the same per-(user, channel)
// lock as ToggleSubscription and only while it is still a participant, so a
// concurrent unsubscribe is never undone. Targets that are not participants
// when the heal runs are dropped for good, including explicit targets that
// never joined the channel.
func (e *Engine) HealFanout(ctx context.Context, announcement store.Announcement) (int, error) {
	if _, err := e.store.GetChannel(ctx, announcement.ChannelID); err != nil {
		return 0, fmt.Errorf("heal fanout %s: %w", announcement.ID, mapNotFound(err))
	}

	var inserted int64
	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for _, userID := range normalizeIDs(announcement.TargetUserIDs) {
		g.Go(func() error {
			created, err := e.healTarget(ctx, announcement, userID)
			if created {
				atomic.AddInt64(&inserted, 1)
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return int(inserted), fmt.Errorf("heal fanout %s: %w", announcement.ID, err)
	}
	if err := e.store.MarkFanoutComplete(ctx, announcement.ID, e.now()); err != nil {
		return int(inserted), fmt.Errorf("heal fanout %s: %w", announcement.ID, err)
	}
	return int(inserted), nil
}

func (e *Engine) healTarget(ctx context.Context, announcement store.Announcement, userID string) (bool, error) {
	release, err := e.locker.Lock(ctx, subscriptionKey(userID, announcement.ChannelID))
	if err != nil {
		return false, fmt.Errorf("lock subscription: %w", err)
	}
	defer release()

	channel, err := e.store.GetChannel(ctx, announcement.ChannelID)
	if err != nil {
		return false, fmt.Errorf("load channel: %w", mapNotFound(err))
	}
	if !channel.HasParticipant(userID) {
		return false, nil
	}
	return e.insertEntry(ctx, announcement.ID, userID)
}

// deliver issues one insert-if-absent per target, all attempted even after a
// failure, and returns how many rows were new plus the first error.
func (e *Engine) deliver(ctx context.Context, announcementID string, targets []string) (int, error) {
	var inserted int64
	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for _, userID := range targets {
		g.Go(func() error {
			created, err := e.insertEntry(ctx, announcementID, userID)
			if created {
				atomic.AddInt64(&inserted, 1)
			}
			return err
		})
	}
	err := g.Wait()
	return int(inserted), err
}

// insertEntry writes one delivered entry if the pair is not already present.
func (e *Engine) insertEntry(ctx context.Context, announcementID, userID string) (bool, error) {
	created, err := e.store.InsertInboxEntry(ctx, store.InboxEntry{
		ID:             util.NewID("inb"),
		TargetUserID:   userID,
		AnnouncementID: announcementID,
		Status:         store.InboxDelivered,
	})
	switch {
	case err != nil:
		metrics.FanoutWrite("error")
		return false, fmt.Errorf("deliver to %s: %w", userID, err)
	case created:
		metrics.FanoutWrite("inserted")
	default:
		metrics.FanoutWrite("existing")
	}
	return created, nil
}

// ToggleSubscription flips the user's membership of a channel and reconciles
// their inbox with it. Runs under a per-(user, channel) lock.
func (e *Engine) ToggleSubscription(ctx context.Context, channelID, userID string) (SubscriptionResult, error) {
	if strings.TrimSpace(userID) == "" {
		return SubscriptionResult{}, ErrUnauthenticated
	}
	if strings.TrimSpace(channelID) == "" {
		return SubscriptionResult{}, fmt.Errorf("%w: channelId is required", ErrInvalidInput)
	}

	release, err := e.locker.Lock(ctx, subscriptionKey(userID, channelID))
	if err != nil {
		return SubscriptionResult{}, fmt.Errorf("lock subscription: %w", err)
	}
	defer release()

	channel, err := e.store.GetChannel(ctx, channelID)
	if err != nil {
		return SubscriptionResult{}, fmt.Errorf("load channel: %w", mapNotFound(err))
	}
	if channel.IsDirectMessage() {
		return SubscriptionResult{}, fmt.Errorf("%w: direct messages cannot be subscribed or unsubscribed", ErrInvalidInput)
	}

	var result SubscriptionResult
	if channel.HasParticipant(userID) {
		result, err = e.unsubscribe(ctx, channelID, userID)
	} else {
		result, err = e.subscribe(ctx, channelID, userID)
	}
	if err != nil {
		return result, err
	}
	metrics.SubscriptionToggle(result.Subscribed)
	return result, nil
}

func (e *Engine) subscribe(ctx context.Context, channelID, userID string) (SubscriptionResult, error) {
	result := SubscriptionResult{Subscribed: true}
	var g errgroup.Group
	g.Go(func() error {
		if err := e.store.AddParticipant(ctx, channelID, userID); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		latest, err := e.store.LatestAnnouncement(ctx, channelID)
		if err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
		if latest == nil {
			return nil
		}
		existing, err := e.store.FindInboxEntry(ctx, userID, latest.ID)
		if err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
		if existing != nil {
			return nil
		}
		created, err := e.store.InsertInboxEntry(ctx, store.InboxEntry{
			ID:             util.NewID("inb"),
			TargetUserID:   userID,
			AnnouncementID: latest.ID,
			Status:         store.InboxDelivered,
		})
		if err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
		if created {
			result.InboxCreated = 1
		}
		return nil
	})
	err := g.Wait()
	return result, err
}

func (e *Engine) unsubscribe(ctx context.Context, channelID, userID string) (SubscriptionResult, error) {
	result := SubscriptionResult{Subscribed: false}
	var g errgroup.Group
	g.Go(func() error {
		if err := e.store.RemoveParticipant(ctx, channelID, userID); err != nil {
			return fmt.Errorf("unsubscribe: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		announcementIDs, err := e.store.ListAnnouncementIDs(ctx, channelID)
		if err != nil {
			return fmt.Errorf("unsubscribe: %w", err)
		}
		if len(announcementIDs) == 0 {
			return nil
		}
		inChannel := make(map[string]struct{}, len(announcementIDs))
		for _, id := range announcementIDs {
			inChannel[id] = struct{}{}
		}
		entries, err := e.store.ListInboxEntries(ctx, userID, "")
		if err != nil {
			return fmt.Errorf("unsubscribe: %w", err)
		}
		doomed := make([]string, 0)
		for _, entry := range entries {
			if _, ok := inChannel[entry.AnnouncementID]; ok {
				doomed = append(doomed, entry.ID)
			}
		}
		removed, err := e.store.DeleteInboxEntries(ctx, doomed)
		if err != nil {
			return fmt.Errorf("unsubscribe: %w", err)
		}
		result.InboxRemoved = removed
		return nil
	})
	err := g.Wait()
	return result, err
}

// ToggleInboxStatus flips an entry between delivered and read for its owner.
func (e *Engine) ToggleInboxStatus(ctx context.Context, inboxID, userID string) (StatusResult, error) {
	if strings.TrimSpace(userID) == "" {
		return StatusResult{}, ErrUnauthenticated
	}
	for attempt := 0; attempt < statusCASAttempts; attempt++ {
		entry, err := e.store.GetInboxEntry(ctx, inboxID)
		if err != nil {
			return StatusResult{}, fmt.Errorf("load inbox entry: %w", mapNotFound(err))
		}
		if entry.TargetUserID != userID {
			return StatusResult{}, ErrForbidden
		}
		next := store.InboxRead
		if entry.Status == store.InboxRead {
			next = store.InboxDelivered
		}
		swapped, err := e.store.CompareAndSetInboxStatus(ctx, entry.ID, entry.Status, next)
		if err != nil {
			return StatusResult{}, fmt.Errorf("toggle inbox status: %w", err)
		}
		if swapped {
			metrics.InboxStatusChange(next, 1)
			return StatusResult{Status: next, InboxID: entry.ID}, nil
		}
	}
	return StatusResult{}, fmt.Errorf("%w: inbox entry %s", ErrConflict, inboxID)
}

// MarkAllAsRead moves every delivered entry of the user to read and returns
// how many actually transitioned.
func (e *Engine) MarkAllAsRead(ctx context.Context, userID string) (int, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, ErrUnauthenticated
	}
	entries, err := e.store.ListInboxEntries(ctx, userID, store.InboxDelivered)
	if err != nil {
		return 0, fmt.Errorf("list unread inbox: %w", err)
	}

	var marked int64
	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for _, entry := range entries {
		entryID := entry.ID
		g.Go(func() error {
			swapped, err := e.store.CompareAndSetInboxStatus(ctx, entryID, store.InboxDelivered, store.InboxRead)
			if err != nil {
				return fmt.Errorf("mark %s read: %w", entryID, err)
			}
			if swapped {
				atomic.AddInt64(&marked, 1)
			}
			return nil
		})
	}
	err = g.Wait()
	metrics.InboxStatusChange(store.InboxRead, int(marked))
	return int(marked), err
}

func subscriptionKey(userID, channelID string) string {
	return "subscription:" + userID + ":" + channelID
}

func mapNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// normalizeIDs trims, drops blanks and de-duplicates while keeping first-seen order.
func normalizeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
