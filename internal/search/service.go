package search

import (
	"context"

	jww "github.com/spf13/jwalterweatherman"
)

// Backend is a search engine that also owns its index, such as Meili.
type Backend interface {
	Searcher
	Indexer
}

// RecordLoader reads every searchable entity from the source of truth.
type RecordLoader interface {
	LoadAllRecords(ctx context.Context) (Records, error)
}

// Service is the facade that tries the index backend first and falls back to
// a database searcher. Either may be nil.
type Service struct {
	index    Backend
	fallback Searcher
	loader   RecordLoader
}

// NewService creates a search service.
func NewService(index Backend, fallback Searcher, loader RecordLoader) *Service {
	return &Service{index: index, fallback: fallback, loader: loader}
}

func (s *Service) indexReady() bool {
	return s != nil && s.index != nil && s.index.Healthy()
}

// Search tries the index backend if healthy, otherwise falls back.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.indexReady() {
		results, total, err := s.index.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		jww.WARN.Printf("search: index error, falling back: %v", err)
	}

	if s == nil || s.fallback == nil {
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		jww.ERROR.Printf("search: fallback error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// async runs fn on the index in the background when the index is up.
func (s *Service) async(what, id string, fn func(Backend) error) {
	if !s.indexReady() {
		return
	}
	index := s.index
	go func() {
		if err := fn(index); err != nil {
			jww.WARN.Printf("search: %s %s: %v", what, id, err)
		}
	}()
}

// IndexChannel indexes a channel. Direct messages are skipped.
func (s *Service) IndexChannel(c ChannelRecord) {
	if c.Kind != "channel" {
		return
	}
	s.async("index channel", c.ID, func(b Backend) error { return b.IndexChannel(c) })
}

func (s *Service) IndexMessage(m MessageRecord) {
	s.async("index message", m.ID, func(b Backend) error { return b.IndexMessage(m) })
}

func (s *Service) IndexAnnouncement(a AnnouncementRecord) {
	s.async("index announcement", a.ID, func(b Backend) error { return b.IndexAnnouncement(a) })
}

// DeleteChannel removes a channel and the given child documents.
func (s *Service) DeleteChannel(id string, announcementIDs, messageIDs []string) {
	s.async("delete channel", id, func(b Backend) error {
		if err := b.DeleteChannel(id); err != nil {
			return err
		}
		for _, announcementID := range announcementIDs {
			if err := b.DeleteAnnouncement(announcementID); err != nil {
				return err
			}
		}
		for _, messageID := range messageIDs {
			if err := b.DeleteMessage(messageID); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReindexAll pushes the given records to the index synchronously.
func (s *Service) ReindexAll(records Records) {
	if !s.indexReady() {
		return
	}
	if err := s.index.IndexChannels(records.Channels); err != nil {
		jww.WARN.Printf("search: reindex channels: %v", err)
	}
	if err := s.index.IndexMessages(records.Messages); err != nil {
		jww.WARN.Printf("search: reindex messages: %v", err)
	}
	if err := s.index.IndexAnnouncements(records.Announcements); err != nil {
		jww.WARN.Printf("search: reindex announcements: %v", err)
	}
	jww.INFO.Printf("search: reindexed %d channels, %d messages, %d announcements",
		len(records.Channels), len(records.Messages), len(records.Announcements))
}

// ReindexFromSource loads every record and reindexes it.
func (s *Service) ReindexFromSource(ctx context.Context) {
	if !s.indexReady() || s.loader == nil {
		return
	}
	records, err := s.loader.LoadAllRecords(ctx)
	if err != nil {
		jww.ERROR.Printf("search: reindex load failed: %v", err)
		return
	}
	s.ReindexAll(records)
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
