package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"parley/api/internal/util"
)

// ErrDuplicate is returned when a write collides with a uniqueness constraint
// the caller is expected to handle (e.g. a concurrent direct-message create).
var ErrDuplicate = errors.New("duplicate record")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DirectMessageKey returns the order-independent key for a pair of users.
func DirectMessageKey(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return strings.Join(pair, ":")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *PostgresStore) EnsureUserByName(ctx context.Context, name string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, display_name)
		VALUES ($1, $2)
		ON CONFLICT (display_name) DO UPDATE SET display_name=EXCLUDED.display_name
		RETURNING id, display_name, created_at
	`, util.NewID("usr"), name).Scan(&user.ID, &user.DisplayName, &user.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("ensure user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `SELECT id, display_name, created_at FROM users WHERE id=$1`, userID).
		Scan(&user.ID, &user.DisplayName, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

func (s *PostgresStore) InsertChannel(ctx context.Context, channel Channel) error {
	kind := channel.Kind
	if kind == "" {
		kind = KindChannel
	}
	var dmKey sql.NullString
	if kind == KindDirectMessage && len(channel.Participants) == 2 {
		dmKey = sql.NullString{String: DirectMessageKey(channel.Participants[0], channel.Participants[1]), Valid: true}
	}
	createdAt := sql.NullTime{Time: channel.CreatedAt, Valid: !channel.CreatedAt.IsZero()}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert channel: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO channels (id, name, description, created_by, kind, dm_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, now()))
	`, channel.ID, channel.Name, channel.Description, channel.CreatedBy, kind, dmKey, createdAt); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert channel: %w", err)
	}
	for _, userID := range channel.Participants {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO channel_participants (channel_id, user_id)
			VALUES ($1, $2)
			ON CONFLICT (channel_id, user_id) DO NOTHING
		`, channel.ID, userID); err != nil {
			return fmt.Errorf("insert channel participant: %w", err)
		}
	}
	if err := replaceTags(ctx, tx, channel.ID, channel.Tags); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert channel: %w", err)
	}
	return nil
}

func replaceTags(ctx context.Context, tx *sql.Tx, channelID string, tags []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM channel_tags WHERE channel_id=$1`, channelID); err != nil {
		return fmt.Errorf("clear channel tags: %w", err)
	}
	for _, tag := range tags {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO channel_tags (channel_id, tag)
			VALUES ($1, $2)
			ON CONFLICT (channel_id, tag) DO NOTHING
		`, channelID, tag); err != nil {
			return fmt.Errorf("insert channel tag: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) GetChannel(ctx context.Context, channelID string) (Channel, error) {
	var item Channel
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, created_by, kind, created_at
		FROM channels
		WHERE id=$1
	`, channelID).Scan(&item.ID, &item.Name, &item.Description, &item.CreatedBy, &item.Kind, &item.CreatedAt)
	if err != nil {
		return Channel{}, err
	}
	items := []Channel{item}
	if err := s.attachChannelSets(ctx, items); err != nil {
		return Channel{}, err
	}
	return items[0], nil
}

func (s *PostgresStore) FindDirectMessage(ctx context.Context, userA, userB string) (*Channel, error) {
	var channelID string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM channels WHERE dm_key=$1`, DirectMessageKey(userA, userB)).Scan(&channelID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find direct message: %w", err)
	}
	channel, err := s.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	return &channel, nil
}

func (s *PostgresStore) ListChannelsForUser(ctx context.Context, userID string) ([]Channel, error) {
	return s.listChannels(ctx, `
		SELECT c.id, c.name, c.description, c.created_by, c.kind, c.created_at
		FROM channels c
		JOIN channel_participants cp ON cp.channel_id = c.id
		WHERE cp.user_id=$1
		ORDER BY c.created_at DESC
	`, userID)
}

func (s *PostgresStore) ListPublicChannels(ctx context.Context) ([]Channel, error) {
	return s.listChannels(ctx, `
		SELECT id, name, description, created_by, kind, created_at
		FROM channels
		WHERE kind='channel'
		ORDER BY name ASC
	`)
}

func (s *PostgresStore) listChannels(ctx context.Context, query string, args ...any) ([]Channel, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	items := make([]Channel, 0)
	for rows.Next() {
		var item Channel
		if err := rows.Scan(&item.ID, &item.Name, &item.Description, &item.CreatedBy, &item.Kind, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channels: %w", err)
	}
	if err := s.attachChannelSets(ctx, items); err != nil {
		return nil, err
	}
	return items, nil
}

// attachChannelSets loads participants and tags for the given channels in two queries.
func (s *PostgresStore) attachChannelSets(ctx context.Context, items []Channel) error {
	if len(items) == 0 {
		return nil
	}
	ids := make([]string, 0, len(items))
	index := make(map[string]int, len(items))
	for i := range items {
		ids = append(ids, items[i].ID)
		index[items[i].ID] = i
		items[i].Participants = []string{}
		items[i].Tags = []string{}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT channel_id, user_id
		FROM channel_participants
		WHERE channel_id = ANY($1)
		ORDER BY joined_at ASC, user_id ASC
	`, ids)
	if err != nil {
		return fmt.Errorf("list channel participants: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var channelID, userID string
		if err := rows.Scan(&channelID, &userID); err != nil {
			return fmt.Errorf("scan channel participant: %w", err)
		}
		items[index[channelID]].Participants = append(items[index[channelID]].Participants, userID)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate channel participants: %w", err)
	}

	tagRows, err := s.db.QueryContext(ctx, `
		SELECT channel_id, tag
		FROM channel_tags
		WHERE channel_id = ANY($1)
		ORDER BY tag ASC
	`, ids)
	if err != nil {
		return fmt.Errorf("list channel tags: %w", err)
	}
	defer tagRows.Close()
	for tagRows.Next() {
		var channelID, tag string
		if err := tagRows.Scan(&channelID, &tag); err != nil {
			return fmt.Errorf("scan channel tag: %w", err)
		}
		items[index[channelID]].Tags = append(items[index[channelID]].Tags, tag)
	}
	if err := tagRows.Err(); err != nil {
		return fmt.Errorf("iterate channel tags: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateChannel(ctx context.Context, channelID, name, description string, tags []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update channel: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `UPDATE channels SET name=$2, description=$3 WHERE id=$1`, channelID, name, description)
	if err != nil {
		return fmt.Errorf("update channel: %w", err)
	}
	if affected, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("update channel rows: %w", err)
	} else if affected == 0 {
		return sql.ErrNoRows
	}
	if err := replaceTags(ctx, tx, channelID, tags); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update channel: %w", err)
	}
	return nil
}

// DeleteChannel relies on ON DELETE CASCADE for participants, tags,
// announcements (and through them targets and inbox entries), messages and reactions.
func (s *PostgresStore) DeleteChannel(ctx context.Context, channelID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM channels WHERE id=$1`, channelID)
	if err != nil {
		return fmt.Errorf("delete channel: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete channel rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) AddParticipant(ctx context.Context, channelID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channel_participants (channel_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (channel_id, user_id) DO NOTHING
	`, channelID, userID)
	if err != nil {
		return fmt.Errorf("add participant: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveParticipant(ctx context.Context, channelID, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM channel_participants WHERE channel_id=$1 AND user_id=$2`, channelID, userID)
	if err != nil {
		return fmt.Errorf("remove participant: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertAnnouncement(ctx context.Context, announcement Announcement) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert announcement: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	createdAt := announcement.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO announcements (id, channel_id, title, body, created_by, is_welcome, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, announcement.ID, announcement.ChannelID, announcement.Title, announcement.Body, announcement.CreatedBy, announcement.IsWelcome, createdAt); err != nil {
		return fmt.Errorf("insert announcement: %w", err)
	}
	for _, userID := range announcement.TargetUserIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO announcement_targets (announcement_id, user_id)
			VALUES ($1, $2)
			ON CONFLICT (announcement_id, user_id) DO NOTHING
		`, announcement.ID, userID); err != nil {
			return fmt.Errorf("insert announcement target: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert announcement: %w", err)
	}
	return nil
}

const announcementColumns = `id, channel_id, title, body, created_by, is_welcome, created_at, fanout_completed_at`

func scanAnnouncement(scanner interface{ Scan(...any) error }, item *Announcement) error {
	var completed sql.NullTime
	if err := scanner.Scan(&item.ID, &item.ChannelID, &item.Title, &item.Body, &item.CreatedBy, &item.IsWelcome, &item.CreatedAt, &completed); err != nil {
		return err
	}
	if completed.Valid {
		at := completed.Time
		item.FanoutCompletedAt = &at
	}
	return nil
}

func (s *PostgresStore) GetAnnouncement(ctx context.Context, announcementID string) (Announcement, error) {
	var item Announcement
	row := s.db.QueryRowContext(ctx, `SELECT `+announcementColumns+` FROM announcements WHERE id=$1`, announcementID)
	if err := scanAnnouncement(row, &item); err != nil {
		return Announcement{}, err
	}
	items := []Announcement{item}
	if err := s.attachTargets(ctx, items); err != nil {
		return Announcement{}, err
	}
	return items[0], nil
}

func (s *PostgresStore) LatestAnnouncement(ctx context.Context, channelID string) (*Announcement, error) {
	var item Announcement
	row := s.db.QueryRowContext(ctx, `
		SELECT `+announcementColumns+`
		FROM announcements
		WHERE channel_id=$1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, channelID)
	err := scanAnnouncement(row, &item)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest announcement: %w", err)
	}
	return &item, nil
}

func (s *PostgresStore) ListAnnouncementIDs(ctx context.Context, channelID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM announcements WHERE channel_id=$1`, channelID)
	if err != nil {
		return nil, fmt.Errorf("list announcement ids: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan announcement id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate announcement ids: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) ListAnnouncements(ctx context.Context, channelID string, limit int) ([]Announcement, error) {
	return s.listAnnouncements(ctx, `
		SELECT `+announcementColumns+`
		FROM announcements
		WHERE channel_id=$1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, channelID, limit)
}

func (s *PostgresStore) ListPendingFanouts(ctx context.Context, createdBefore time.Time, after PendingCursor, limit int) ([]Announcement, error) {
	return s.listAnnouncements(ctx, `
		SELECT `+announcementColumns+`
		FROM announcements
		WHERE fanout_completed_at IS NULL AND created_at < $1
		  AND (created_at, id) > ($2, $3)
		ORDER BY created_at ASC, id ASC
		LIMIT $4
	`, createdBefore, after.CreatedAt, after.ID, limit)
}

func (s *PostgresStore) listAnnouncements(ctx context.Context, query string, args ...any) ([]Announcement, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list announcements: %w", err)
	}
	defer rows.Close()

	items := make([]Announcement, 0)
	for rows.Next() {
		var item Announcement
		if err := scanAnnouncement(rows, &item); err != nil {
			return nil, fmt.Errorf("scan announcement: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate announcements: %w", err)
	}
	if err := s.attachTargets(ctx, items); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *PostgresStore) attachTargets(ctx context.Context, items []Announcement) error {
	if len(items) == 0 {
		return nil
	}
	ids := make([]string, 0, len(items))
	index := make(map[string]int, len(items))
	for i := range items {
		ids = append(ids, items[i].ID)
		index[items[i].ID] = i
		items[i].TargetUserIDs = []string{}
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT announcement_id, user_id
		FROM announcement_targets
		WHERE announcement_id = ANY($1)
		ORDER BY user_id ASC
	`, ids)
	if err != nil {
		return fmt.Errorf("list announcement targets: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var announcementID, userID string
		if err := rows.Scan(&announcementID, &userID); err != nil {
			return fmt.Errorf("scan announcement target: %w", err)
		}
		items[index[announcementID]].TargetUserIDs = append(items[index[announcementID]].TargetUserIDs, userID)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate announcement targets: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkFanoutComplete(ctx context.Context, announcementID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE announcements
		SET fanout_completed_at=$2
		WHERE id=$1 AND fanout_completed_at IS NULL
	`, announcementID, at)
	if err != nil {
		return fmt.Errorf("mark fanout complete: %w", err)
	}
	return nil
}

// InsertInboxEntry is an insert-if-absent on (target_user_id, announcement_id).
// It reports whether a new row was written.
func (s *PostgresStore) InsertInboxEntry(ctx context.Context, entry InboxEntry) (bool, error) {
	status := entry.Status
	if status == "" {
		status = InboxDelivered
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO inbox_entries (id, target_user_id, announcement_id, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (target_user_id, announcement_id) DO NOTHING
	`, entry.ID, entry.TargetUserID, entry.AnnouncementID, status)
	if err != nil {
		return false, fmt.Errorf("insert inbox entry: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert inbox entry rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) GetInboxEntry(ctx context.Context, inboxID string) (InboxEntry, error) {
	var item InboxEntry
	err := s.db.QueryRowContext(ctx, `
		SELECT id, target_user_id, announcement_id, status, created_at
		FROM inbox_entries
		WHERE id=$1
	`, inboxID).Scan(&item.ID, &item.TargetUserID, &item.AnnouncementID, &item.Status, &item.CreatedAt)
	if err != nil {
		return InboxEntry{}, err
	}
	return item, nil
}

func (s *PostgresStore) FindInboxEntry(ctx context.Context, userID, announcementID string) (*InboxEntry, error) {
	var item InboxEntry
	err := s.db.QueryRowContext(ctx, `
		SELECT id, target_user_id, announcement_id, status, created_at
		FROM inbox_entries
		WHERE target_user_id=$1 AND announcement_id=$2
	`, userID, announcementID).Scan(&item.ID, &item.TargetUserID, &item.AnnouncementID, &item.Status, &item.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find inbox entry: %w", err)
	}
	return &item, nil
}

// ListInboxEntries returns the user's entries newest first; an empty status means all.
func (s *PostgresStore) ListInboxEntries(ctx context.Context, userID, status string) ([]InboxEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, target_user_id, announcement_id, status, created_at
		FROM inbox_entries
		WHERE target_user_id=$1
		  AND ($2 = '' OR status=$2)
		ORDER BY created_at DESC, id DESC
	`, userID, status)
	if err != nil {
		return nil, fmt.Errorf("list inbox entries: %w", err)
	}
	defer rows.Close()

	items := make([]InboxEntry, 0)
	for rows.Next() {
		var item InboxEntry
		if err := rows.Scan(&item.ID, &item.TargetUserID, &item.AnnouncementID, &item.Status, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan inbox entry: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate inbox entries: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) CompareAndSetInboxStatus(ctx context.Context, inboxID, from, to string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `UPDATE inbox_entries SET status=$3 WHERE id=$1 AND status=$2`, inboxID, from, to)
	if err != nil {
		return false, fmt.Errorf("update inbox status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update inbox status rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) DeleteInboxEntries(ctx context.Context, inboxIDs []string) (int, error) {
	if len(inboxIDs) == 0 {
		return 0, nil
	}
	result, err := s.db.ExecContext(ctx, `DELETE FROM inbox_entries WHERE id = ANY($1)`, inboxIDs)
	if err != nil {
		return 0, fmt.Errorf("delete inbox entries: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete inbox entries rows: %w", err)
	}
	return int(affected), nil
}

func (s *PostgresStore) ListInboxItems(ctx context.Context, userID string, limit int) ([]InboxItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ie.id, ie.target_user_id, ie.announcement_id, ie.status, ie.created_at,
			a.channel_id, c.name, a.title, a.body, a.created_by, a.is_welcome
		FROM inbox_entries ie
		JOIN announcements a ON a.id = ie.announcement_id
		JOIN channels c ON c.id = a.channel_id
		WHERE ie.target_user_id=$1
		ORDER BY ie.created_at DESC, ie.id DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list inbox items: %w", err)
	}
	defer rows.Close()

	items := make([]InboxItem, 0)
	for rows.Next() {
		var item InboxItem
		if err := rows.Scan(
			&item.ID,
			&item.TargetUserID,
			&item.AnnouncementID,
			&item.Status,
			&item.CreatedAt,
			&item.ChannelID,
			&item.ChannelName,
			&item.Title,
			&item.Body,
			&item.CreatedBy,
			&item.IsWelcome,
		); err != nil {
			return nil, fmt.Errorf("scan inbox item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate inbox items: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) CountInboxEntries(ctx context.Context, userID, status string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)::int FROM inbox_entries WHERE target_user_id=$1 AND ($2 = '' OR status=$2)
	`, userID, status).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count inbox entries: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) InsertMessage(ctx context.Context, message Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, channel_id, author_id, body)
		VALUES ($1, $2, $3, $4)
	`, message.ID, message.ChannelID, message.AuthorID, message.Body)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, messageID string) (Message, error) {
	var item Message
	err := s.db.QueryRowContext(ctx, `
		SELECT id, channel_id, author_id, body, created_at
		FROM messages
		WHERE id=$1
	`, messageID).Scan(&item.ID, &item.ChannelID, &item.AuthorID, &item.Body, &item.CreatedAt)
	if err != nil {
		return Message{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, channelID string, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel_id, author_id, body, created_at
		FROM messages
		WHERE channel_id=$1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0)
	for rows.Next() {
		var item Message
		if err := rows.Scan(&item.ID, &item.ChannelID, &item.AuthorID, &item.Body, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return items, nil
}

// ToggleReaction removes the reaction if present, otherwise adds it, and
// reports whether it was added.
func (s *PostgresStore) ListMessageIDs(ctx context.Context, channelID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM messages WHERE channel_id=$1`, channelID)
	if err != nil {
		return nil, fmt.Errorf("list message ids: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan message id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message ids: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) ToggleReaction(ctx context.Context, messageID, userID, emoji string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM message_reactions
		WHERE message_id=$1 AND user_id=$2 AND emoji=$3
	`, messageID, userID, emoji)
	if err != nil {
		return false, fmt.Errorf("delete message reaction: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete message reaction rows: %w", err)
	}
	if affected > 0 {
		return false, nil
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO message_reactions (message_id, user_id, emoji)
		VALUES ($1, $2, $3)
		ON CONFLICT (message_id, user_id, emoji) DO NOTHING
	`, messageID, userID, emoji); err != nil {
		return false, fmt.Errorf("insert message reaction: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) ListReactionCounts(ctx context.Context, messageIDs []string) ([]ReactionCount, error) {
	if len(messageIDs) == 0 {
		return []ReactionCount{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, emoji, COUNT(*)::int
		FROM message_reactions
		WHERE message_id = ANY($1)
		GROUP BY message_id, emoji
		ORDER BY message_id ASC, emoji ASC
	`, messageIDs)
	if err != nil {
		return nil, fmt.Errorf("list reaction counts: %w", err)
	}
	defer rows.Close()

	items := make([]ReactionCount, 0)
	for rows.Next() {
		var item ReactionCount
		if err := rows.Scan(&item.MessageID, &item.Emoji, &item.Count); err != nil {
			return nil, fmt.Errorf("scan reaction count: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reaction counts: %w", err)
	}
	return items, nil
}
