package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

const (
	channelVector      = "to_tsvector('english', c.name || ' ' || c.description)"
	messageVector      = "to_tsvector('english', m.body)"
	announcementVector = "to_tsvector('english', a.title || ' ' || a.body)"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across channels, messages and announcements
// using plainto_tsquery and ts_rank, with ts_headline for snippets.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	channelArg := ""
	if len(q.ChannelIDs) > 0 {
		args = append(args, q.ChannelIDs)
		channelArg = "$2"
	}

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultChannel {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'channel'::text AS type, c.id, c.name AS title,
				ts_headline('english', c.description, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				c.id AS channel_id,
				ts_rank(%s, %s) AS rank
			FROM channels c
			WHERE c.kind = 'channel' AND %s @@ %s`,
			tsQuery, channelVector, tsQuery, channelVector, tsQuery))
	}

	if channelArg != "" && (q.FilterType == "" || q.FilterType == ResultMessage) {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'message'::text AS type, m.id, ''::text AS title,
				ts_headline('english', m.body, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				m.channel_id,
				ts_rank(%s, %s) AS rank
			FROM messages m
			WHERE m.channel_id = ANY(%s) AND %s @@ %s`,
			tsQuery, messageVector, tsQuery, channelArg, messageVector, tsQuery))
	}

	if channelArg != "" && (q.FilterType == "" || q.FilterType == ResultAnnouncement) {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'announcement'::text AS type, a.id, a.title,
				ts_headline('english', a.body, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				a.channel_id,
				ts_rank(%s, %s) AS rank
			FROM announcements a
			WHERE a.channel_id = ANY(%s) AND %s @@ %s`,
			tsQuery, announcementVector, tsQuery, channelArg, announcementVector, tsQuery))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	union := strings.Join(subQueries, " UNION ALL ")
	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub", union)
	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, channel_id
		FROM (%s) sub
		ORDER BY rank DESC, id
		LIMIT %d OFFSET %d`, union, limit, offset)

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.ChannelID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// Records holds everything a full reindex pushes.
type Records struct {
	Channels      []ChannelRecord
	Messages      []MessageRecord
	Announcements []AnnouncementRecord
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) (Records, error) {
	var out Records

	channelRows, err := p.db.QueryContext(ctx, `
		SELECT id, name, description, kind
		FROM channels
		WHERE kind = 'channel'
	`)
	if err != nil {
		return out, fmt.Errorf("load channels: %w", err)
	}
	defer channelRows.Close()

	out.Channels = make([]ChannelRecord, 0)
	index := map[string]int{}
	for channelRows.Next() {
		c := ChannelRecord{Tags: []string{}}
		if err := channelRows.Scan(&c.ID, &c.Name, &c.Description, &c.Kind); err != nil {
			return out, fmt.Errorf("scan channel: %w", err)
		}
		index[c.ID] = len(out.Channels)
		out.Channels = append(out.Channels, c)
	}
	if err := channelRows.Err(); err != nil {
		return out, fmt.Errorf("iterate channels: %w", err)
	}

	tagRows, err := p.db.QueryContext(ctx, `SELECT channel_id, tag FROM channel_tags ORDER BY tag`)
	if err != nil {
		return out, fmt.Errorf("load channel tags: %w", err)
	}
	defer tagRows.Close()
	for tagRows.Next() {
		var channelID, tag string
		if err := tagRows.Scan(&channelID, &tag); err != nil {
			return out, fmt.Errorf("scan channel tag: %w", err)
		}
		if i, ok := index[channelID]; ok {
			out.Channels[i].Tags = append(out.Channels[i].Tags, tag)
		}
	}
	if err := tagRows.Err(); err != nil {
		return out, fmt.Errorf("iterate channel tags: %w", err)
	}

	messageRows, err := p.db.QueryContext(ctx, `SELECT id, channel_id, author_id, body FROM messages`)
	if err != nil {
		return out, fmt.Errorf("load messages: %w", err)
	}
	defer messageRows.Close()

	out.Messages = make([]MessageRecord, 0)
	for messageRows.Next() {
		var m MessageRecord
		if err := messageRows.Scan(&m.ID, &m.ChannelID, &m.AuthorID, &m.Body); err != nil {
			return out, fmt.Errorf("scan message: %w", err)
		}
		out.Messages = append(out.Messages, m)
	}
	if err := messageRows.Err(); err != nil {
		return out, fmt.Errorf("iterate messages: %w", err)
	}

	announcementRows, err := p.db.QueryContext(ctx, `SELECT id, channel_id, title, body FROM announcements`)
	if err != nil {
		return out, fmt.Errorf("load announcements: %w", err)
	}
	defer announcementRows.Close()

	out.Announcements = make([]AnnouncementRecord, 0)
	for announcementRows.Next() {
		var a AnnouncementRecord
		if err := announcementRows.Scan(&a.ID, &a.ChannelID, &a.Title, &a.Body); err != nil {
			return out, fmt.Errorf("scan announcement: %w", err)
		}
		out.Announcements = append(out.Announcements, a)
	}
	if err := announcementRows.Err(); err != nil {
		return out, fmt.Errorf("iterate announcements: %w", err)
	}

	return out, nil
}
