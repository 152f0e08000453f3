package inbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"parley/api/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *memStore) {
	t.Helper()
	s := newMemStore()
	return NewEngine(s, nil, 4), s
}

func TestCreateAnnouncementFansOutToEveryTarget(t *testing.T) {
	engine, s := newTestEngine(t)
	s.addChannel(store.Channel{ID: "C", Kind: store.KindChannel, Participants: []string{"U1", "U2", "U3"}})

	announcement, err := engine.CreateAnnouncement(context.Background(), CreateAnnouncementInput{
		Title:         "Maintenance",
		Body:          "Tonight at 10",
		ChannelID:     "C",
		TargetUserIDs: []string{"U1", "U2", "U3"},
		CreatedBy:     "U1",
	})
	if err != nil {
		t.Fatalf("create announcement: %v", err)
	}
	if announcement.ID == "" {
		t.Fatal("expected announcement id")
	}
	if announcement.FanoutCompletedAt == nil {
		t.Fatal("expected fan-out to be stamped complete")
	}

	for _, userID := range []string{"U1", "U2", "U3"} {
		entries := s.entriesFor(userID)
		if len(entries) != 1 {
			t.Fatalf("expected one entry for %s, got %d", userID, len(entries))
		}
		if entries[0].AnnouncementID != announcement.ID || entries[0].Status != store.InboxDelivered {
			t.Fatalf("unexpected entry for %s: %+v", userID, entries[0])
		}
	}
}

func TestCreateAnnouncementDeduplicatesTargets(t *testing.T) {
	engine, s := newTestEngine(t)

	announcement, err := engine.CreateAnnouncement(context.Background(), CreateAnnouncementInput{
		Title:         "Hello",
		ChannelID:     "C",
		TargetUserIDs: []string{"U1", " U1 ", "", "U2"},
		CreatedBy:     "U1",
	})
	if err != nil {
		t.Fatalf("create announcement: %v", err)
	}
	if len(announcement.TargetUserIDs) != 2 {
		t.Fatalf("expected 2 distinct targets, got %v", announcement.TargetUserIDs)
	}
	if got := len(s.entriesFor("U1")); got != 1 {
		t.Fatalf("expected one entry for U1, got %d", got)
	}
}

func TestCreateAnnouncementValidation(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		input CreateAnnouncementInput
		want  error
	}{
		{"no creator", CreateAnnouncementInput{Title: "t", ChannelID: "C", TargetUserIDs: []string{"U1"}}, ErrUnauthenticated},
		{"no title", CreateAnnouncementInput{Title: "  ", ChannelID: "C", TargetUserIDs: []string{"U1"}, CreatedBy: "U1"}, ErrInvalidInput},
		{"no channel", CreateAnnouncementInput{Title: "t", TargetUserIDs: []string{"U1"}, CreatedBy: "U1"}, ErrInvalidInput},
		{"no targets", CreateAnnouncementInput{Title: "t", ChannelID: "C", TargetUserIDs: []string{" "}, CreatedBy: "U1"}, ErrInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := engine.CreateAnnouncement(ctx, tc.input); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestCreateAnnouncementPartialFailureKeepsWrittenEntries(t *testing.T) {
	engine, s := newTestEngine(t)
	s.insertInboxFn = func(entry store.InboxEntry) error {
		if entry.TargetUserID == "U2" {
			return errors.New("connection reset")
		}
		return nil
	}

	announcement, err := engine.CreateAnnouncement(context.Background(), CreateAnnouncementInput{
		Title:         "Partial",
		ChannelID:     "C",
		TargetUserIDs: []string{"U1", "U2", "U3"},
		CreatedBy:     "U1",
	})
	if !errors.Is(err, ErrPartialFanout) {
		t.Fatalf("expected ErrPartialFanout, got %v", err)
	}
	if announcement.ID == "" {
		t.Fatal("expected the announcement to be returned on partial failure")
	}
	if len(s.entriesFor("U1")) != 1 || len(s.entriesFor("U3")) != 1 {
		t.Fatal("expected successful writes to be kept")
	}
	if len(s.entriesFor("U2")) != 0 {
		t.Fatal("expected no entry for the failed target")
	}
	if s.announcements[announcement.ID].FanoutCompletedAt != nil {
		t.Fatal("partial fan-out must stay pending")
	}
}

func TestHealFanoutSkipsUsersWhoLeft(t *testing.T) {
	engine, s := newTestEngine(t)
	s.addChannel(store.Channel{ID: "C", Kind: store.KindChannel, Participants: []string{"U1", "U3"}})
	pending := store.Announcement{ID: "A", ChannelID: "C", TargetUserIDs: []string{"U1", "U2", "U3"}, CreatedAt: time.Unix(1, 0)}
	s.addAnnouncement(pending)
	s.addEntry(store.InboxEntry{ID: "e1", TargetUserID: "U1", AnnouncementID: "A", Status: store.InboxRead})

	healed, err := engine.HealFanout(context.Background(), pending)
	if err != nil {
		t.Fatalf("heal: %v", err)
	}
	if healed != 1 {
		t.Fatalf("expected one healed entry (U3), got %d", healed)
	}
	if len(s.entriesFor("U2")) != 0 {
		t.Fatal("user who left the channel must not get an entry back")
	}
	if s.entriesFor("U1")[0].Status != store.InboxRead {
		t.Fatal("existing entry must keep its status")
	}
	if s.announcements["A"].FanoutCompletedAt == nil {
		t.Fatal("expected healed announcement to be stamped complete")
	}
}

func TestHealFanoutWaitsForConcurrentUnsubscribe(t *testing.T) {
	engine, s := newTestEngine(t)
	s.addChannel(store.Channel{ID: "C", Kind: store.KindChannel, Participants: []string{"owner", "U"}})
	pending := store.Announcement{ID: "A", ChannelID: "C", TargetUserIDs: []string{"U"}, CreatedAt: time.Unix(1, 0)}
	s.addAnnouncement(pending)

	var once sync.Once
	toggled := make(chan error, 1)
	s.insertInboxFn = func(entry store.InboxEntry) error {
		once.Do(func() {
			go func() {
				_, err := engine.ToggleSubscription(context.Background(), "C", "U")
				toggled <- err
			}()
			// The unsubscribe must not finish while the heal holds U's lock.
			select {
			case err := <-toggled:
				toggled <- err
			case <-time.After(100 * time.Millisecond):
			}
		})
		return nil
	}

	if _, err := engine.HealFanout(context.Background(), pending); err != nil {
		t.Fatalf("heal: %v", err)
	}
	if err := <-toggled; err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}

	if participants := s.participants("C"); len(participants) != 1 || participants[0] != "owner" {
		t.Fatalf("expected U to have left C, participants=%v", participants)
	}
	if entries := s.entriesFor("U"); len(entries) != 0 {
		t.Fatalf("U left C but still holds %+v", entries)
	}
}

func TestSubscribeCreatesEntryForLatestAnnouncement(t *testing.T) {
	engine, s := newTestEngine(t)
	s.addChannel(store.Channel{ID: "C", Kind: store.KindChannel, Participants: []string{"owner"}})
	s.addAnnouncement(store.Announcement{ID: "A1", ChannelID: "C", CreatedAt: time.Unix(1, 0)})
	s.addAnnouncement(store.Announcement{ID: "A2", ChannelID: "C", CreatedAt: time.Unix(2, 0)})

	result, err := engine.ToggleSubscription(context.Background(), "C", "U")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if !result.Subscribed || result.InboxCreated != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	entries := s.entriesFor("U")
	if len(entries) != 1 || entries[0].AnnouncementID != "A2" || entries[0].Status != store.InboxDelivered {
		t.Fatalf("expected single delivered entry for A2, got %+v", entries)
	}
	participants := s.participants("C")
	if len(participants) != 2 || participants[1] != "U" {
		t.Fatalf("expected U to join, got %v", participants)
	}
}

func TestSubscribeDoesNotDuplicateExistingEntry(t *testing.T) {
	engine, s := newTestEngine(t)
	s.addChannel(store.Channel{ID: "C", Kind: store.KindChannel})
	s.addAnnouncement(store.Announcement{ID: "A", ChannelID: "C", CreatedAt: time.Unix(1, 0)})
	s.addEntry(store.InboxEntry{ID: "e", TargetUserID: "U", AnnouncementID: "A", Status: store.InboxRead})

	result, err := engine.ToggleSubscription(context.Background(), "C", "U")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if result.InboxCreated != 0 {
		t.Fatalf("expected no new entry, got %+v", result)
	}
	if entries := s.entriesFor("U"); len(entries) != 1 || entries[0].Status != store.InboxRead {
		t.Fatalf("expected existing entry untouched, got %+v", entries)
	}
}

func TestSubscribeToChannelWithoutAnnouncements(t *testing.T) {
	engine, s := newTestEngine(t)
	s.addChannel(store.Channel{ID: "C", Kind: store.KindChannel})

	result, err := engine.ToggleSubscription(context.Background(), "C", "U")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if !result.Subscribed || result.InboxCreated != 0 {
		t.Fatalf("unexpected result %+v", result)
	}
	if len(s.entriesFor("U")) != 0 {
		t.Fatal("expected no inbox entries")
	}
}

func TestUnsubscribeRemovesOnlyThatChannelsEntries(t *testing.T) {
	engine, s := newTestEngine(t)
	s.addChannel(store.Channel{ID: "C", Kind: store.KindChannel, Participants: []string{"U"}})
	s.addChannel(store.Channel{ID: "D", Kind: store.KindChannel, Participants: []string{"U"}})
	s.addAnnouncement(store.Announcement{ID: "A1", ChannelID: "C", CreatedAt: time.Unix(1, 0)})
	s.addAnnouncement(store.Announcement{ID: "A2", ChannelID: "C", CreatedAt: time.Unix(2, 0)})
	s.addAnnouncement(store.Announcement{ID: "B1", ChannelID: "D", CreatedAt: time.Unix(3, 0)})
	s.addEntry(store.InboxEntry{ID: "e1", TargetUserID: "U", AnnouncementID: "A1", Status: store.InboxDelivered})
	s.addEntry(store.InboxEntry{ID: "e2", TargetUserID: "U", AnnouncementID: "A2", Status: store.InboxRead})
	s.addEntry(store.InboxEntry{ID: "e3", TargetUserID: "U", AnnouncementID: "B1", Status: store.InboxDelivered})
	s.addEntry(store.InboxEntry{ID: "e4", TargetUserID: "V", AnnouncementID: "A1", Status: store.InboxDelivered})

	result, err := engine.ToggleSubscription(context.Background(), "C", "U")
	if err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if result.Subscribed || result.InboxRemoved != 2 {
		t.Fatalf("unexpected result %+v", result)
	}
	entries := s.entriesFor("U")
	if len(entries) != 1 || entries[0].AnnouncementID != "B1" {
		t.Fatalf("expected only the D entry to remain, got %+v", entries)
	}
	if len(s.entriesFor("V")) != 1 {
		t.Fatal("other users' entries must be untouched")
	}
	if len(s.participants("C")) != 0 {
		t.Fatalf("expected U removed from C, got %v", s.participants("C"))
	}
}

func TestToggleSubscriptionErrors(t *testing.T) {
	engine, s := newTestEngine(t)
	s.addChannel(store.Channel{ID: "DM", Kind: store.KindDirectMessage, Participants: []string{"U", "V"}})
	ctx := context.Background()

	if _, err := engine.ToggleSubscription(ctx, "missing", "U"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := engine.ToggleSubscription(ctx, "DM", ""); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
	if _, err := engine.ToggleSubscription(ctx, "DM", "U"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for a direct message, got %v", err)
	}
}

func TestSubscribeReportsParticipantFailure(t *testing.T) {
	engine, s := newTestEngine(t)
	s.addChannel(store.Channel{ID: "C", Kind: store.KindChannel})
	s.addAnnouncement(store.Announcement{ID: "A", ChannelID: "C", CreatedAt: time.Unix(1, 0)})
	s.addParticipantFn = func(string, string) error { return errors.New("write failed") }

	if _, err := engine.ToggleSubscription(context.Background(), "C", "U"); err == nil {
		t.Fatal("expected participant failure to surface")
	}
	if len(s.entriesFor("U")) != 1 {
		t.Fatal("inbox write is independent of the participant write")
	}
}

func TestConcurrentTogglesAreSerialized(t *testing.T) {
	engine, s := newTestEngine(t)
	s.addChannel(store.Channel{ID: "C", Kind: store.KindChannel})
	s.addAnnouncement(store.Announcement{ID: "A", ChannelID: "C", CreatedAt: time.Unix(1, 0)})

	const toggles = 9
	var wg sync.WaitGroup
	for i := 0; i < toggles; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := engine.ToggleSubscription(context.Background(), "C", "U"); err != nil {
				t.Errorf("toggle: %v", err)
			}
		}()
	}
	wg.Wait()

	participants := s.participants("C")
	if len(participants) != 1 || participants[0] != "U" {
		t.Fatalf("an odd number of toggles must leave U subscribed once, got %v", participants)
	}
	if got := len(s.entriesFor("U")); got != 1 {
		t.Fatalf("expected exactly one inbox entry, got %d", got)
	}
}

func TestToggleInboxStatusRoundTrip(t *testing.T) {
	engine, s := newTestEngine(t)
	s.addEntry(store.InboxEntry{ID: "e", TargetUserID: "U", AnnouncementID: "A", Status: store.InboxDelivered})
	ctx := context.Background()

	first, err := engine.ToggleInboxStatus(ctx, "e", "U")
	if err != nil {
		t.Fatalf("first toggle: %v", err)
	}
	if first.Status != store.InboxRead || first.InboxID != "e" {
		t.Fatalf("unexpected first result %+v", first)
	}
	second, err := engine.ToggleInboxStatus(ctx, "e", "U")
	if err != nil {
		t.Fatalf("second toggle: %v", err)
	}
	if second.Status != store.InboxDelivered {
		t.Fatalf("expected status restored, got %+v", second)
	}
}

func TestToggleInboxStatusErrors(t *testing.T) {
	engine, s := newTestEngine(t)
	s.addEntry(store.InboxEntry{ID: "e", TargetUserID: "U", AnnouncementID: "A", Status: store.InboxDelivered})
	ctx := context.Background()

	if _, err := engine.ToggleInboxStatus(ctx, "missing", "U"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := engine.ToggleInboxStatus(ctx, "e", "V"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := engine.ToggleInboxStatus(ctx, "e", ""); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
	if entry, _ := s.GetInboxEntry(ctx, "e"); entry.Status != store.InboxDelivered {
		t.Fatal("failed toggles must not change the entry")
	}
}

func TestToggleInboxStatusRetriesConcurrentChange(t *testing.T) {
	engine, s := newTestEngine(t)
	s.addEntry(store.InboxEntry{ID: "e", TargetUserID: "U", AnnouncementID: "A", Status: store.InboxDelivered})

	interfered := false
	s.casFn = func(id, from, to string) error {
		if !interfered {
			interfered = true
			s.mu.Lock()
			entry := s.entries[id]
			entry.Status = store.InboxRead
			s.entries[id] = entry
			s.mu.Unlock()
		}
		return nil
	}

	result, err := engine.ToggleInboxStatus(context.Background(), "e", "U")
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if result.Status != store.InboxDelivered {
		t.Fatalf("expected retry to flip the freshly read entry back, got %+v", result)
	}
}

func TestToggleInboxStatusGivesUpAfterRepeatedConflicts(t *testing.T) {
	engine, s := newTestEngine(t)
	s.addEntry(store.InboxEntry{ID: "e", TargetUserID: "U", AnnouncementID: "A", Status: store.InboxDelivered})
	s.casFn = func(id, from, to string) error {
		s.mu.Lock()
		entry := s.entries[id]
		entry.Status = to
		s.entries[id] = entry
		s.mu.Unlock()
		return nil
	}

	if _, err := engine.ToggleInboxStatus(context.Background(), "e", "U"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestMarkAllAsReadCountsTransitions(t *testing.T) {
	engine, s := newTestEngine(t)
	for i := 0; i < 5; i++ {
		s.addEntry(store.InboxEntry{ID: fmt.Sprintf("d%d", i), TargetUserID: "U", AnnouncementID: fmt.Sprintf("A%d", i), Status: store.InboxDelivered})
	}
	s.addEntry(store.InboxEntry{ID: "r", TargetUserID: "U", AnnouncementID: "AR", Status: store.InboxRead})
	s.addEntry(store.InboxEntry{ID: "other", TargetUserID: "V", AnnouncementID: "A0", Status: store.InboxDelivered})
	ctx := context.Background()

	marked, err := engine.MarkAllAsRead(ctx, "U")
	if err != nil {
		t.Fatalf("mark all: %v", err)
	}
	if marked != 5 {
		t.Fatalf("expected 5 transitions, got %d", marked)
	}
	again, err := engine.MarkAllAsRead(ctx, "U")
	if err != nil {
		t.Fatalf("mark all again: %v", err)
	}
	if again != 0 {
		t.Fatalf("expected 0 on second call, got %d", again)
	}
	if entry, _ := s.GetInboxEntry(ctx, "other"); entry.Status != store.InboxDelivered {
		t.Fatal("other users' entries must be untouched")
	}
	if _, err := engine.MarkAllAsRead(ctx, ""); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}
