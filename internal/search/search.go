package search

import "context"

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultChannel      ResultType = "channel"
	ResultMessage      ResultType = "message"
	ResultAnnouncement ResultType = "announcement"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type      ResultType `json:"type"`
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Snippet   string     `json:"snippet"`
	ChannelID string     `json:"channelId"`
}

// Query describes a search request. ChannelIDs are the channels the caller
// participates in; message and announcement hits are limited to them. Every
// indexed channel is public, so channel hits are not filtered.
type Query struct {
	Text       string
	FilterType ResultType // empty = all types
	ChannelIDs []string
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push entities into a search index.
type Indexer interface {
	IndexChannel(c ChannelRecord) error
	IndexMessage(m MessageRecord) error
	IndexAnnouncement(a AnnouncementRecord) error
	IndexChannels(items []ChannelRecord) error
	IndexMessages(items []MessageRecord) error
	IndexAnnouncements(items []AnnouncementRecord) error
	DeleteChannel(id string) error
	DeleteMessage(id string) error
	DeleteAnnouncement(id string) error
}

// ChannelRecord is the data we index for a channel. Direct messages are never indexed.
type ChannelRecord struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Kind        string   `json:"kind"`
	Tags        []string `json:"tags"`
}

type MessageRecord struct {
	ID        string `json:"id"`
	ChannelID string `json:"channelId"`
	AuthorID  string `json:"authorId"`
	Body      string `json:"body"`
}

type AnnouncementRecord struct {
	ID        string `json:"id"`
	ChannelID string `json:"channelId"`
	Title     string `json:"title"`
	Body      string `json:"body"`
}
