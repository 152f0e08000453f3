package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	jww "github.com/spf13/jwalterweatherman"
)

const (
	idxChannels      = "parley_channels"
	idxMessages      = "parley_messages"
	idxAnnouncements = "parley_announcements"
)

// Meili implements Searcher and Indexer via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a client and configures indexes when the server answers.
// An unreachable server is not an error; the health loop picks it up later.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		jww.WARN.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndexes() {
	indexes := []struct {
		uid        string
		filterable []string
		searchable []string
	}{
		{
			uid:        idxChannels,
			filterable: []string{"kind"},
			searchable: []string{"name", "description", "tags"},
		},
		{
			uid:        idxMessages,
			filterable: []string{"channelId", "authorId"},
			searchable: []string{"body"},
		},
		{
			uid:        idxAnnouncements,
			filterable: []string{"channelId"},
			searchable: []string{"title", "body"},
		},
	}

	for _, idx := range indexes {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{
			Uid:        idx.uid,
			PrimaryKey: "id",
		}); err != nil {
			jww.DEBUG.Printf("search: create index %s (may already exist): %v", idx.uid, err)
		}

		index := m.client.Index(idx.uid)
		filterable := make([]interface{}, len(idx.filterable))
		for i, v := range idx.filterable {
			filterable[i] = v
		}
		if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
			jww.WARN.Printf("search: update filterable attrs for %s: %v", idx.uid, err)
		}
		if _, err := index.UpdateSearchableAttributes(&idx.searchable); err != nil {
			jww.WARN.Printf("search: update searchable attrs for %s: %v", idx.uid, err)
		}
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				jww.INFO.Println("search: meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search runs one multi-search across the selected indexes and merges the hits.
func (m *Meili) Search(_ context.Context, q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}

	targetIndexes := []struct {
		uid  string
		rtyp ResultType
	}{
		{idxChannels, ResultChannel},
		{idxMessages, ResultMessage},
		{idxAnnouncements, ResultAnnouncement},
	}

	var queries []*meili.SearchRequest
	for _, ti := range targetIndexes {
		if q.FilterType != "" && q.FilterType != ti.rtyp {
			continue
		}
		sr := &meili.SearchRequest{
			IndexUID:              ti.uid,
			Query:                 q.Text,
			Limit:                 limit,
			Offset:                int64(q.Offset),
			AttributesToHighlight: []string{"*"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
		}
		if ti.rtyp != ResultChannel {
			if len(q.ChannelIDs) == 0 {
				continue
			}
			sr.Filter = channelFilter(q.ChannelIDs)
		}
		queries = append(queries, sr)
	}

	if len(queries) == 0 {
		return nil, 0, nil
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: queries,
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		rtyp := indexToResultType(sr.IndexUID)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit, rtyp))
		}
	}

	return results, total, nil
}

func channelFilter(channelIDs []string) string {
	quoted := make([]string, 0, len(channelIDs))
	for _, id := range channelIDs {
		quoted = append(quoted, fmt.Sprintf("%q", id))
	}
	return "channelId IN [" + strings.Join(quoted, ", ") + "]"
}

func indexToResultType(uid string) ResultType {
	switch uid {
	case idxChannels:
		return ResultChannel
	case idxMessages:
		return ResultMessage
	case idxAnnouncements:
		return ResultAnnouncement
	default:
		return ""
	}
}

func hitToResult(hit meili.Hit, rtyp ResultType) Result {
	r := Result{Type: rtyp}
	r.ID = decodeString(hit, "id")
	r.ChannelID = decodeString(hit, "channelId")

	switch rtyp {
	case ResultChannel:
		r.Title = firstNonBlank(decodeFormattedString(hit, "name"), decodeString(hit, "name"))
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "description"), decodeString(hit, "description"))
		r.ChannelID = r.ID
	case ResultMessage:
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "body"), decodeString(hit, "body"))
	case ResultAnnouncement:
		r.Title = firstNonBlank(decodeFormattedString(hit, "title"), decodeString(hit, "title"))
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "body"), decodeString(hit, "body"))
	}
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

// decodeFormattedString reads the highlighted variant of a field. Non-string
// formatted fields (e.g. tags) are skipped.
func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]json.RawMessage
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	var value string
	if err := json.Unmarshal(formatted[key], &value); err != nil {
		return ""
	}
	return strings.TrimSpace(value)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func (m *Meili) IndexChannel(c ChannelRecord) error {
	return m.IndexChannels([]ChannelRecord{c})
}

func (m *Meili) IndexMessage(msg MessageRecord) error {
	return m.IndexMessages([]MessageRecord{msg})
}

func (m *Meili) IndexAnnouncement(a AnnouncementRecord) error {
	return m.IndexAnnouncements([]AnnouncementRecord{a})
}

func (m *Meili) IndexChannels(items []ChannelRecord) error {
	if len(items) == 0 {
		return nil
	}
	_, err := m.client.Index(idxChannels).AddDocuments(items, nil)
	return err
}

func (m *Meili) IndexMessages(items []MessageRecord) error {
	if len(items) == 0 {
		return nil
	}
	_, err := m.client.Index(idxMessages).AddDocuments(items, nil)
	return err
}

func (m *Meili) IndexAnnouncements(items []AnnouncementRecord) error {
	if len(items) == 0 {
		return nil
	}
	_, err := m.client.Index(idxAnnouncements).AddDocuments(items, nil)
	return err
}

func (m *Meili) DeleteChannel(id string) error {
	_, err := m.client.Index(idxChannels).DeleteDocument(id, nil)
	return err
}

func (m *Meili) DeleteMessage(id string) error {
	_, err := m.client.Index(idxMessages).DeleteDocument(id, nil)
	return err
}

func (m *Meili) DeleteAnnouncement(id string) error {
	_, err := m.client.Index(idxAnnouncements).DeleteDocument(id, nil)
	return err
}
