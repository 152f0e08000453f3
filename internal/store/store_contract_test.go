package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"
)

// contractStore is the method set both backends share.
type contractStore interface {
	EnsureUserByName(ctx context.Context, name string) (User, error)
	InsertChannel(ctx context.Context, channel Channel) error
	GetChannel(ctx context.Context, channelID string) (Channel, error)
	FindDirectMessage(ctx context.Context, userA, userB string) (*Channel, error)
	ListChannelsForUser(ctx context.Context, userID string) ([]Channel, error)
	DeleteChannel(ctx context.Context, channelID string) error
	AddParticipant(ctx context.Context, channelID, userID string) error
	RemoveParticipant(ctx context.Context, channelID, userID string) error
	InsertAnnouncement(ctx context.Context, announcement Announcement) error
	GetAnnouncement(ctx context.Context, announcementID string) (Announcement, error)
	LatestAnnouncement(ctx context.Context, channelID string) (*Announcement, error)
	ListPendingFanouts(ctx context.Context, createdBefore time.Time, after PendingCursor, limit int) ([]Announcement, error)
	MarkFanoutComplete(ctx context.Context, announcementID string, at time.Time) error
	InsertInboxEntry(ctx context.Context, entry InboxEntry) (bool, error)
	FindInboxEntry(ctx context.Context, userID, announcementID string) (*InboxEntry, error)
	GetInboxEntry(ctx context.Context, inboxID string) (InboxEntry, error)
	ListInboxItems(ctx context.Context, userID string, limit int) ([]InboxItem, error)
	CompareAndSetInboxStatus(ctx context.Context, inboxID, from, to string) (bool, error)
	CountInboxEntries(ctx context.Context, userID, status string) (int, error)
	DeleteInboxEntries(ctx context.Context, inboxIDs []string) (int, error)
	InsertMessage(ctx context.Context, message Message) error
	ListMessageIDs(ctx context.Context, channelID string) ([]string, error)
	ToggleReaction(ctx context.Context, messageID, userID, emoji string) (bool, error)
	ListReactionCounts(ctx context.Context, messageIDs []string) ([]ReactionCount, error)
}

func runStoreContract(t *testing.T, s contractStore, suffix string) {
	t.Helper()
	ctx := context.Background()

	owner, err := s.EnsureUserByName(ctx, "owner-"+suffix)
	if err != nil {
		t.Fatalf("ensure owner: %v", err)
	}
	again, err := s.EnsureUserByName(ctx, "owner-"+suffix)
	if err != nil {
		t.Fatalf("ensure owner again: %v", err)
	}
	if again.ID != owner.ID {
		t.Fatalf("expected stable user id, got %q and %q", owner.ID, again.ID)
	}
	member, err := s.EnsureUserByName(ctx, "member-"+suffix)
	if err != nil {
		t.Fatalf("ensure member: %v", err)
	}

	channelID := "chn_" + suffix
	channelCreated := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	if err := s.InsertChannel(ctx, Channel{
		ID:           channelID,
		Name:         "general",
		CreatedBy:    owner.ID,
		Kind:         KindChannel,
		Participants: []string{owner.ID},
		Tags:         []string{"ops", "news"},
		CreatedAt:    channelCreated,
	}); err != nil {
		t.Fatalf("insert channel: %v", err)
	}
	if err := s.AddParticipant(ctx, channelID, member.ID); err != nil {
		t.Fatalf("add participant: %v", err)
	}
	if err := s.AddParticipant(ctx, channelID, member.ID); err != nil {
		t.Fatalf("add participant twice: %v", err)
	}
	channel, err := s.GetChannel(ctx, channelID)
	if err != nil {
		t.Fatalf("get channel: %v", err)
	}
	if !channel.CreatedAt.Equal(channelCreated) {
		t.Fatalf("expected created_at %v to be kept, got %v", channelCreated, channel.CreatedAt)
	}
	if len(channel.Participants) != 2 || !channel.HasParticipant(member.ID) {
		t.Fatalf("unexpected participants %v", channel.Participants)
	}
	if len(channel.Tags) != 2 || channel.Tags[0] != "news" {
		t.Fatalf("unexpected tags %v", channel.Tags)
	}
	listed, err := s.ListChannelsForUser(ctx, member.ID)
	if err != nil || len(listed) != 1 || listed[0].ID != channelID {
		t.Fatalf("list channels for member: %v %+v", err, listed)
	}

	if latest, err := s.LatestAnnouncement(ctx, channelID); err != nil || latest != nil {
		t.Fatalf("expected no latest announcement, got %+v err=%v", latest, err)
	}

	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"ann_a_" + suffix, "ann_b_" + suffix} {
		if err := s.InsertAnnouncement(ctx, Announcement{
			ID:            id,
			ChannelID:     channelID,
			Title:         "title",
			CreatedBy:     owner.ID,
			TargetUserIDs: []string{owner.ID, member.ID},
			CreatedAt:     base.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatalf("insert announcement %s: %v", id, err)
		}
	}
	latest, err := s.LatestAnnouncement(ctx, channelID)
	if err != nil || latest == nil || latest.ID != "ann_b_"+suffix {
		t.Fatalf("expected newest announcement, got %+v err=%v", latest, err)
	}
	announcement, err := s.GetAnnouncement(ctx, "ann_a_"+suffix)
	if err != nil {
		t.Fatalf("get announcement: %v", err)
	}
	if len(announcement.TargetUserIDs) != 2 || announcement.FanoutCompletedAt != nil {
		t.Fatalf("unexpected announcement %+v", announcement)
	}

	inserted, err := s.InsertInboxEntry(ctx, InboxEntry{ID: "inb_1_" + suffix, TargetUserID: member.ID, AnnouncementID: announcement.ID})
	if err != nil || !inserted {
		t.Fatalf("first inbox insert: inserted=%v err=%v", inserted, err)
	}
	inserted, err = s.InsertInboxEntry(ctx, InboxEntry{ID: "inb_2_" + suffix, TargetUserID: member.ID, AnnouncementID: announcement.ID})
	if err != nil || inserted {
		t.Fatalf("duplicate inbox insert must be a no-op: inserted=%v err=%v", inserted, err)
	}
	found, err := s.FindInboxEntry(ctx, member.ID, announcement.ID)
	if err != nil || found == nil || found.ID != "inb_1_"+suffix || found.Status != InboxDelivered {
		t.Fatalf("find inbox entry: %+v err=%v", found, err)
	}
	if missing, err := s.FindInboxEntry(ctx, owner.ID, announcement.ID); err != nil || missing != nil {
		t.Fatalf("expected no entry for owner, got %+v err=%v", missing, err)
	}

	swapped, err := s.CompareAndSetInboxStatus(ctx, found.ID, InboxDelivered, InboxRead)
	if err != nil || !swapped {
		t.Fatalf("cas delivered->read: %v %v", swapped, err)
	}
	swapped, err = s.CompareAndSetInboxStatus(ctx, found.ID, InboxDelivered, InboxRead)
	if err != nil || swapped {
		t.Fatalf("stale cas must not apply: %v %v", swapped, err)
	}
	if count, err := s.CountInboxEntries(ctx, member.ID, InboxRead); err != nil || count != 1 {
		t.Fatalf("count read entries: %d %v", count, err)
	}
	items, err := s.ListInboxItems(ctx, member.ID, 10)
	if err != nil || len(items) != 1 || items[0].ChannelName != "general" || items[0].Status != InboxRead {
		t.Fatalf("list inbox items: %+v err=%v", items, err)
	}

	pending, err := s.ListPendingFanouts(ctx, time.Now().UTC(), PendingCursor{}, 10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if !containsAnnouncement(pending, announcement.ID) {
		t.Fatalf("expected %s to be pending, got %+v", announcement.ID, pending)
	}
	pending, err = s.ListPendingFanouts(ctx, time.Now().UTC(), PendingCursor{CreatedAt: announcement.CreatedAt, ID: announcement.ID}, 10)
	if err != nil {
		t.Fatalf("list pending after cursor: %v", err)
	}
	if containsAnnouncement(pending, announcement.ID) || !containsAnnouncement(pending, "ann_b_"+suffix) {
		t.Fatalf("expected the page after %s to start at ann_b, got %+v", announcement.ID, pending)
	}
	if err := s.MarkFanoutComplete(ctx, announcement.ID, time.Now().UTC()); err != nil {
		t.Fatalf("mark complete: %v", err)
	}
	pending, err = s.ListPendingFanouts(ctx, time.Now().UTC(), PendingCursor{}, 10)
	if err != nil || containsAnnouncement(pending, announcement.ID) {
		t.Fatalf("completed announcement still pending: %+v err=%v", pending, err)
	}

	if err := s.InsertMessage(ctx, Message{ID: "msg_" + suffix, ChannelID: channelID, AuthorID: member.ID, Body: "hi"}); err != nil {
		t.Fatalf("insert message: %v", err)
	}
	if ids, err := s.ListMessageIDs(ctx, channelID); err != nil || len(ids) != 1 || ids[0] != "msg_"+suffix {
		t.Fatalf("list message ids: %v %v", ids, err)
	}
	added, err := s.ToggleReaction(ctx, "msg_"+suffix, owner.ID, "🎉")
	if err != nil || !added {
		t.Fatalf("add reaction: %v %v", added, err)
	}
	counts, err := s.ListReactionCounts(ctx, []string{"msg_" + suffix})
	if err != nil || len(counts) != 1 || counts[0].Count != 1 {
		t.Fatalf("reaction counts: %+v err=%v", counts, err)
	}
	added, err = s.ToggleReaction(ctx, "msg_"+suffix, owner.ID, "🎉")
	if err != nil || added {
		t.Fatalf("remove reaction: %v %v", added, err)
	}

	dmID := "dm_" + suffix
	if err := s.InsertChannel(ctx, Channel{ID: dmID, Name: "dm", CreatedBy: owner.ID, Kind: KindDirectMessage, Participants: []string{owner.ID, member.ID}}); err != nil {
		t.Fatalf("insert dm: %v", err)
	}
	err = s.InsertChannel(ctx, Channel{ID: dmID + "_dup", Name: "dm", CreatedBy: member.ID, Kind: KindDirectMessage, Participants: []string{member.ID, owner.ID}})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate for second dm, got %v", err)
	}
	dm, err := s.FindDirectMessage(ctx, member.ID, owner.ID)
	if err != nil || dm == nil || dm.ID != dmID {
		t.Fatalf("find dm: %+v err=%v", dm, err)
	}

	if err := s.DeleteChannel(ctx, channelID); err != nil {
		t.Fatalf("delete channel: %v", err)
	}
	if _, err := s.GetChannel(ctx, channelID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows after delete, got %v", err)
	}
	if _, err := s.GetInboxEntry(ctx, found.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected inbox entry removed with channel, got %v", err)
	}
	if err := s.DeleteChannel(ctx, channelID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows deleting twice, got %v", err)
	}
	if deleted, err := s.DeleteInboxEntries(ctx, nil); err != nil || deleted != 0 {
		t.Fatalf("empty delete: %d %v", deleted, err)
	}
}

func containsAnnouncement(items []Announcement, id string) bool {
	for _, item := range items {
		if item.ID == id {
			return true
		}
	}
	return false
}
