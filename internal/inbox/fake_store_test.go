package inbox

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"parley/api/internal/store"
)

// memStore is an in-memory Store with the same uniqueness rules as the real ones.
type memStore struct {
	mu            sync.Mutex
	channels      map[string]*store.Channel
	announcements map[string]store.Announcement
	entries       map[string]store.InboxEntry
	seq           int

	insertInboxFn    func(store.InboxEntry) error
	casFn            func(id, from, to string) error
	addParticipantFn func(channelID, userID string) error
}

func newMemStore() *memStore {
	return &memStore{
		channels:      map[string]*store.Channel{},
		announcements: map[string]store.Announcement{},
		entries:       map[string]store.InboxEntry{},
	}
}

func (m *memStore) addChannel(channel store.Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copyChannel := channel
	copyChannel.Participants = append([]string{}, channel.Participants...)
	m.channels[channel.ID] = &copyChannel
}

func (m *memStore) addAnnouncement(a store.Announcement) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.announcements[a.ID] = a
}

func (m *memStore) addEntry(entry store.InboxEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.CreatedAt.IsZero() {
		m.seq++
		entry.CreatedAt = time.Unix(int64(m.seq), 0).UTC()
	}
	m.entries[entry.ID] = entry
}

func (m *memStore) entriesFor(userID string) []store.InboxEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.InboxEntry, 0)
	for _, entry := range m.entries {
		if entry.TargetUserID == userID {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AnnouncementID < out[j].AnnouncementID })
	return out
}

func (m *memStore) participants(channelID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.channels[channelID].Participants...)
}

func (m *memStore) GetChannel(_ context.Context, channelID string) (store.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	channel, ok := m.channels[channelID]
	if !ok {
		return store.Channel{}, sql.ErrNoRows
	}
	out := *channel
	out.Participants = append([]string{}, channel.Participants...)
	return out, nil
}

func (m *memStore) AddParticipant(_ context.Context, channelID, userID string) error {
	if m.addParticipantFn != nil {
		if err := m.addParticipantFn(channelID, userID); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	channel := m.channels[channelID]
	if !channel.HasParticipant(userID) {
		channel.Participants = append(channel.Participants, userID)
	}
	return nil
}

func (m *memStore) RemoveParticipant(_ context.Context, channelID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	channel := m.channels[channelID]
	kept := channel.Participants[:0]
	for _, participant := range channel.Participants {
		if participant != userID {
			kept = append(kept, participant)
		}
	}
	channel.Participants = kept
	return nil
}

func (m *memStore) InsertAnnouncement(_ context.Context, a store.Announcement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.announcements[a.ID] = a
	return nil
}

func (m *memStore) LatestAnnouncement(_ context.Context, channelID string) (*store.Announcement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *store.Announcement
	for _, a := range m.announcements {
		if a.ChannelID != channelID {
			continue
		}
		if latest == nil || a.CreatedAt.After(latest.CreatedAt) || (a.CreatedAt.Equal(latest.CreatedAt) && a.ID > latest.ID) {
			item := a
			latest = &item
		}
	}
	return latest, nil
}

func (m *memStore) ListAnnouncementIDs(_ context.Context, channelID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0)
	for _, a := range m.announcements {
		if a.ChannelID == channelID {
			ids = append(ids, a.ID)
		}
	}
	return ids, nil
}

func (m *memStore) MarkFanoutComplete(_ context.Context, announcementID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.announcements[announcementID]
	if a.FanoutCompletedAt == nil {
		a.FanoutCompletedAt = &at
		m.announcements[announcementID] = a
	}
	return nil
}

func (m *memStore) InsertInboxEntry(_ context.Context, entry store.InboxEntry) (bool, error) {
	if m.insertInboxFn != nil {
		if err := m.insertInboxFn(entry); err != nil {
			return false, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.entries {
		if existing.TargetUserID == entry.TargetUserID && existing.AnnouncementID == entry.AnnouncementID {
			return false, nil
		}
	}
	m.seq++
	entry.CreatedAt = time.Unix(int64(m.seq), 0).UTC()
	m.entries[entry.ID] = entry
	return true, nil
}

func (m *memStore) FindInboxEntry(_ context.Context, userID, announcementID string) (*store.InboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range m.entries {
		if entry.TargetUserID == userID && entry.AnnouncementID == announcementID {
			item := entry
			return &item, nil
		}
	}
	return nil, nil
}

func (m *memStore) GetInboxEntry(_ context.Context, inboxID string) (store.InboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[inboxID]
	if !ok {
		return store.InboxEntry{}, sql.ErrNoRows
	}
	return entry, nil
}

func (m *memStore) ListInboxEntries(_ context.Context, userID, status string) ([]store.InboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.InboxEntry, 0)
	for _, entry := range m.entries {
		if entry.TargetUserID != userID {
			continue
		}
		if status != "" && entry.Status != status {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

func (m *memStore) CompareAndSetInboxStatus(_ context.Context, inboxID, from, to string) (bool, error) {
	if m.casFn != nil {
		if err := m.casFn(inboxID, from, to); err != nil {
			return false, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[inboxID]
	if !ok || entry.Status != from {
		return false, nil
	}
	entry.Status = to
	m.entries[inboxID] = entry
	return true, nil
}

func (m *memStore) DeleteInboxEntries(_ context.Context, inboxIDs []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deleted := 0
	for _, id := range inboxIDs {
		if _, ok := m.entries[id]; ok {
			delete(m.entries, id)
			deleted++
		}
	}
	return deleted, nil
}
