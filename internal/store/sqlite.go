package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"parley/api/internal/util"
)

// SQLiteStore is the embedded single-node store. It mirrors PostgresStore
// method for method; cascades are done explicitly since the schema is created
// by AutoMigrate without foreign keys.
type SQLiteStore struct {
	db *gorm.DB
}

func NewSQLiteStore(db *gorm.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

type userRow struct {
	ID          string `gorm:"primaryKey"`
	DisplayName string `gorm:"uniqueIndex;not null"`
	CreatedAt   time.Time
}

func (userRow) TableName() string { return "users" }

type revokedTokenRow struct {
	JTI       string `gorm:"column:jti;primaryKey"`
	ExpiresAt time.Time
}

func (revokedTokenRow) TableName() string { return "revoked_access_tokens" }

type channelRow struct {
	ID          string `gorm:"primaryKey"`
	Name        string `gorm:"not null"`
	Description string
	CreatedBy   string `gorm:"not null"`
	Kind        string `gorm:"not null;default:channel"`
	DmKey       *string `gorm:"uniqueIndex:ux_channels_dm_key"`
	CreatedAt   time.Time
}

func (channelRow) TableName() string { return "channels" }

type participantRow struct {
	ChannelID string `gorm:"primaryKey"`
	UserID    string `gorm:"primaryKey;index"`
	JoinedAt  time.Time
}

func (participantRow) TableName() string { return "channel_participants" }

type tagRow struct {
	ChannelID string `gorm:"primaryKey"`
	Tag       string `gorm:"primaryKey"`
}

func (tagRow) TableName() string { return "channel_tags" }

type announcementRow struct {
	ID                string `gorm:"primaryKey"`
	ChannelID         string `gorm:"index;not null"`
	Title             string `gorm:"not null"`
	Body              string
	CreatedBy         string `gorm:"not null"`
	IsWelcome         bool
	CreatedAt         time.Time `gorm:"index"`
	FanoutCompletedAt *time.Time
}

func (announcementRow) TableName() string { return "announcements" }

type targetRow struct {
	AnnouncementID string `gorm:"primaryKey"`
	UserID         string `gorm:"primaryKey"`
}

func (targetRow) TableName() string { return "announcement_targets" }

type inboxRow struct {
	ID             string `gorm:"primaryKey"`
	TargetUserID   string `gorm:"not null;uniqueIndex:ux_inbox_user_announcement,priority:1"`
	AnnouncementID string `gorm:"not null;uniqueIndex:ux_inbox_user_announcement,priority:2;index"`
	Status         string `gorm:"not null;default:delivered"`
	CreatedAt      time.Time
}

func (inboxRow) TableName() string { return "inbox_entries" }

type messageRow struct {
	ID        string `gorm:"primaryKey"`
	ChannelID string `gorm:"index;not null"`
	AuthorID  string `gorm:"not null"`
	Body      string `gorm:"not null"`
	CreatedAt time.Time
}

func (messageRow) TableName() string { return "messages" }

type reactionRow struct {
	MessageID string `gorm:"primaryKey"`
	UserID    string `gorm:"primaryKey"`
	Emoji     string `gorm:"primaryKey"`
	CreatedAt time.Time
}

func (reactionRow) TableName() string { return "message_reactions" }

// AutoMigrate creates or updates the SQLite schema.
func (s *SQLiteStore) AutoMigrate(ctx context.Context) error {
	err := s.db.WithContext(ctx).AutoMigrate(
		&userRow{},
		&revokedTokenRow{},
		&channelRow{},
		&participantRow{},
		&tagRow{},
		&announcementRow{},
		&targetRow{},
		&inboxRow{},
		&messageRow{},
		&reactionRow{},
	)
	if err != nil {
		return fmt.Errorf("auto migrate sqlite: %w", err)
	}
	return nil
}

// notFound maps gorm's sentinel onto the database/sql one so callers handle
// both stores the same way.
func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sql.ErrNoRows
	}
	return err
}

func isSQLiteUnique(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *SQLiteStore) EnsureUserByName(ctx context.Context, name string) (User, error) {
	var row userRow
	err := s.db.WithContext(ctx).
		Where(userRow{DisplayName: name}).
		Attrs(userRow{ID: util.NewID("usr"), CreatedAt: time.Now().UTC()}).
		FirstOrCreate(&row).Error
	if isSQLiteUnique(err) {
		err = s.db.WithContext(ctx).Where("display_name = ?", name).First(&row).Error
	}
	if err != nil {
		return User{}, fmt.Errorf("ensure user: %w", err)
	}
	return User{ID: row.ID, DisplayName: row.DisplayName, CreatedAt: row.CreatedAt}, nil
}

func (s *SQLiteStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var row userRow
	if err := s.db.WithContext(ctx).Where("id = ?", userID).First(&row).Error; err != nil {
		return User{}, notFound(err)
	}
	return User{ID: row.ID, DisplayName: row.DisplayName, CreatedAt: row.CreatedAt}, nil
}

func (s *SQLiteStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&revokedTokenRow{JTI: jti, ExpiresAt: exp}).Error
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *SQLiteStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&revokedTokenRow{}).Where("jti = ?", jti).Count(&count).Error; err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return count > 0, nil
}

func (s *SQLiteStore) InsertChannel(ctx context.Context, channel Channel) error {
	kind := channel.Kind
	if kind == "" {
		kind = KindChannel
	}
	createdAt := channel.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	row := channelRow{
		ID:          channel.ID,
		Name:        channel.Name,
		Description: channel.Description,
		CreatedBy:   channel.CreatedBy,
		Kind:        kind,
		CreatedAt:   createdAt,
	}
	if kind == KindDirectMessage && len(channel.Participants) == 2 {
		key := DirectMessageKey(channel.Participants[0], channel.Participants[1])
		row.DmKey = &key
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			if isSQLiteUnique(err) {
				return ErrDuplicate
			}
			return fmt.Errorf("insert channel: %w", err)
		}
		now := time.Now().UTC()
		for _, userID := range channel.Participants {
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
				Create(&participantRow{ChannelID: channel.ID, UserID: userID, JoinedAt: now}).Error; err != nil {
				return fmt.Errorf("insert channel participant: %w", err)
			}
		}
		return replaceTagsGorm(tx, channel.ID, channel.Tags)
	})
	return err
}

func replaceTagsGorm(tx *gorm.DB, channelID string, tags []string) error {
	if err := tx.Where("channel_id = ?", channelID).Delete(&tagRow{}).Error; err != nil {
		return fmt.Errorf("clear channel tags: %w", err)
	}
	for _, tag := range tags {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&tagRow{ChannelID: channelID, Tag: tag}).Error; err != nil {
			return fmt.Errorf("insert channel tag: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) GetChannel(ctx context.Context, channelID string) (Channel, error) {
	var row channelRow
	if err := s.db.WithContext(ctx).Where("id = ?", channelID).First(&row).Error; err != nil {
		return Channel{}, notFound(err)
	}
	items, err := s.toChannels(ctx, []channelRow{row})
	if err != nil {
		return Channel{}, err
	}
	return items[0], nil
}

func (s *SQLiteStore) FindDirectMessage(ctx context.Context, userA, userB string) (*Channel, error) {
	var row channelRow
	err := s.db.WithContext(ctx).Where("dm_key = ?", DirectMessageKey(userA, userB)).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find direct message: %w", err)
	}
	items, err := s.toChannels(ctx, []channelRow{row})
	if err != nil {
		return nil, err
	}
	return &items[0], nil
}

func (s *SQLiteStore) ListChannelsForUser(ctx context.Context, userID string) ([]Channel, error) {
	var rows []channelRow
	err := s.db.WithContext(ctx).
		Table("channels").
		Select("channels.*").
		Joins("JOIN channel_participants ON channel_participants.channel_id = channels.id").
		Where("channel_participants.user_id = ?", userID).
		Order("channels.created_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	return s.toChannels(ctx, rows)
}

func (s *SQLiteStore) ListPublicChannels(ctx context.Context) ([]Channel, error) {
	var rows []channelRow
	if err := s.db.WithContext(ctx).Where("kind = ?", KindChannel).Order("name ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	return s.toChannels(ctx, rows)
}

func (s *SQLiteStore) toChannels(ctx context.Context, rows []channelRow) ([]Channel, error) {
	items := make([]Channel, 0, len(rows))
	if len(rows) == 0 {
		return items, nil
	}
	ids := make([]string, 0, len(rows))
	index := make(map[string]int, len(rows))
	for i, row := range rows {
		items = append(items, Channel{
			ID:           row.ID,
			Name:         row.Name,
			Description:  row.Description,
			CreatedBy:    row.CreatedBy,
			Kind:         row.Kind,
			Participants: []string{},
			Tags:         []string{},
			CreatedAt:    row.CreatedAt,
		})
		ids = append(ids, row.ID)
		index[row.ID] = i
	}

	var participants []participantRow
	if err := s.db.WithContext(ctx).Where("channel_id IN ?", ids).Order("joined_at ASC, user_id ASC").Find(&participants).Error; err != nil {
		return nil, fmt.Errorf("list channel participants: %w", err)
	}
	for _, p := range participants {
		items[index[p.ChannelID]].Participants = append(items[index[p.ChannelID]].Participants, p.UserID)
	}

	var tags []tagRow
	if err := s.db.WithContext(ctx).Where("channel_id IN ?", ids).Order("tag ASC").Find(&tags).Error; err != nil {
		return nil, fmt.Errorf("list channel tags: %w", err)
	}
	for _, t := range tags {
		items[index[t.ChannelID]].Tags = append(items[index[t.ChannelID]].Tags, t.Tag)
	}
	return items, nil
}

func (s *SQLiteStore) UpdateChannel(ctx context.Context, channelID, name, description string, tags []string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&channelRow{}).Where("id = ?", channelID).
			Updates(map[string]any{"name": name, "description": description})
		if result.Error != nil {
			return fmt.Errorf("update channel: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return sql.ErrNoRows
		}
		return replaceTagsGorm(tx, channelID, tags)
	})
}

func (s *SQLiteStore) DeleteChannel(ctx context.Context, channelID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		announcements := tx.Model(&announcementRow{}).Select("id").Where("channel_id = ?", channelID)
		if err := tx.Where("announcement_id IN (?)", announcements).Delete(&inboxRow{}).Error; err != nil {
			return fmt.Errorf("delete channel inbox entries: %w", err)
		}
		if err := tx.Where("announcement_id IN (?)", announcements).Delete(&targetRow{}).Error; err != nil {
			return fmt.Errorf("delete channel announcement targets: %w", err)
		}
		if err := tx.Where("channel_id = ?", channelID).Delete(&announcementRow{}).Error; err != nil {
			return fmt.Errorf("delete channel announcements: %w", err)
		}
		messages := tx.Model(&messageRow{}).Select("id").Where("channel_id = ?", channelID)
		if err := tx.Where("message_id IN (?)", messages).Delete(&reactionRow{}).Error; err != nil {
			return fmt.Errorf("delete channel reactions: %w", err)
		}
		if err := tx.Where("channel_id = ?", channelID).Delete(&messageRow{}).Error; err != nil {
			return fmt.Errorf("delete channel messages: %w", err)
		}
		if err := tx.Where("channel_id = ?", channelID).Delete(&participantRow{}).Error; err != nil {
			return fmt.Errorf("delete channel participants: %w", err)
		}
		if err := tx.Where("channel_id = ?", channelID).Delete(&tagRow{}).Error; err != nil {
			return fmt.Errorf("delete channel tags: %w", err)
		}
		result := tx.Where("id = ?", channelID).Delete(&channelRow{})
		if result.Error != nil {
			return fmt.Errorf("delete channel: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
}

func (s *SQLiteStore) AddParticipant(ctx context.Context, channelID, userID string) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&participantRow{ChannelID: channelID, UserID: userID, JoinedAt: time.Now().UTC()}).Error
	if err != nil {
		return fmt.Errorf("add participant: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RemoveParticipant(ctx context.Context, channelID, userID string) error {
	err := s.db.WithContext(ctx).Where("channel_id = ? AND user_id = ?", channelID, userID).Delete(&participantRow{}).Error
	if err != nil {
		return fmt.Errorf("remove participant: %w", err)
	}
	return nil
}

func (s *SQLiteStore) InsertAnnouncement(ctx context.Context, announcement Announcement) error {
	createdAt := announcement.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	row := announcementRow{
		ID:        announcement.ID,
		ChannelID: announcement.ChannelID,
		Title:     announcement.Title,
		Body:      announcement.Body,
		CreatedBy: announcement.CreatedBy,
		IsWelcome: announcement.IsWelcome,
		CreatedAt: createdAt,
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("insert announcement: %w", err)
		}
		for _, userID := range announcement.TargetUserIDs {
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
				Create(&targetRow{AnnouncementID: announcement.ID, UserID: userID}).Error; err != nil {
				return fmt.Errorf("insert announcement target: %w", err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) GetAnnouncement(ctx context.Context, announcementID string) (Announcement, error) {
	var row announcementRow
	if err := s.db.WithContext(ctx).Where("id = ?", announcementID).First(&row).Error; err != nil {
		return Announcement{}, notFound(err)
	}
	items, err := s.toAnnouncements(ctx, []announcementRow{row})
	if err != nil {
		return Announcement{}, err
	}
	return items[0], nil
}

func (s *SQLiteStore) LatestAnnouncement(ctx context.Context, channelID string) (*Announcement, error) {
	var rows []announcementRow
	err := s.db.WithContext(ctx).
		Where("channel_id = ?", channelID).
		Order("created_at DESC, id DESC").
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("latest announcement: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	item := announcementFromRow(rows[0])
	return &item, nil
}

func (s *SQLiteStore) ListAnnouncementIDs(ctx context.Context, channelID string) ([]string, error) {
	ids := make([]string, 0)
	if err := s.db.WithContext(ctx).Model(&announcementRow{}).Where("channel_id = ?", channelID).Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("list announcement ids: %w", err)
	}
	return ids, nil
}

func (s *SQLiteStore) ListAnnouncements(ctx context.Context, channelID string, limit int) ([]Announcement, error) {
	var rows []announcementRow
	err := s.db.WithContext(ctx).
		Where("channel_id = ?", channelID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list announcements: %w", err)
	}
	return s.toAnnouncements(ctx, rows)
}

func (s *SQLiteStore) ListPendingFanouts(ctx context.Context, createdBefore time.Time, after PendingCursor, limit int) ([]Announcement, error) {
	var rows []announcementRow
	err := s.db.WithContext(ctx).
		Where("fanout_completed_at IS NULL AND created_at < ?", createdBefore).
		Where("created_at > ? OR (created_at = ? AND id > ?)", after.CreatedAt, after.CreatedAt, after.ID).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list pending fanouts: %w", err)
	}
	return s.toAnnouncements(ctx, rows)
}

func announcementFromRow(row announcementRow) Announcement {
	return Announcement{
		ID:                row.ID,
		ChannelID:         row.ChannelID,
		Title:             row.Title,
		Body:              row.Body,
		CreatedBy:         row.CreatedBy,
		TargetUserIDs:     []string{},
		IsWelcome:         row.IsWelcome,
		CreatedAt:         row.CreatedAt,
		FanoutCompletedAt: row.FanoutCompletedAt,
	}
}

func (s *SQLiteStore) toAnnouncements(ctx context.Context, rows []announcementRow) ([]Announcement, error) {
	items := make([]Announcement, 0, len(rows))
	if len(rows) == 0 {
		return items, nil
	}
	ids := make([]string, 0, len(rows))
	index := make(map[string]int, len(rows))
	for i, row := range rows {
		items = append(items, announcementFromRow(row))
		ids = append(ids, row.ID)
		index[row.ID] = i
	}
	var targets []targetRow
	if err := s.db.WithContext(ctx).Where("announcement_id IN ?", ids).Order("user_id ASC").Find(&targets).Error; err != nil {
		return nil, fmt.Errorf("list announcement targets: %w", err)
	}
	for _, t := range targets {
		items[index[t.AnnouncementID]].TargetUserIDs = append(items[index[t.AnnouncementID]].TargetUserIDs, t.UserID)
	}
	return items, nil
}

func (s *SQLiteStore) MarkFanoutComplete(ctx context.Context, announcementID string, at time.Time) error {
	err := s.db.WithContext(ctx).
		Model(&announcementRow{}).
		Where("id = ? AND fanout_completed_at IS NULL", announcementID).
		Update("fanout_completed_at", at).Error
	if err != nil {
		return fmt.Errorf("mark fanout complete: %w", err)
	}
	return nil
}

func (s *SQLiteStore) InsertInboxEntry(ctx context.Context, entry InboxEntry) (bool, error) {
	status := entry.Status
	if status == "" {
		status = InboxDelivered
	}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&inboxRow{
			ID:             entry.ID,
			TargetUserID:   entry.TargetUserID,
			AnnouncementID: entry.AnnouncementID,
			Status:         status,
			CreatedAt:      time.Now().UTC(),
		})
	if result.Error != nil {
		return false, fmt.Errorf("insert inbox entry: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func inboxFromRow(row inboxRow) InboxEntry {
	return InboxEntry{
		ID:             row.ID,
		TargetUserID:   row.TargetUserID,
		AnnouncementID: row.AnnouncementID,
		Status:         row.Status,
		CreatedAt:      row.CreatedAt,
	}
}

func (s *SQLiteStore) GetInboxEntry(ctx context.Context, inboxID string) (InboxEntry, error) {
	var row inboxRow
	if err := s.db.WithContext(ctx).Where("id = ?", inboxID).First(&row).Error; err != nil {
		return InboxEntry{}, notFound(err)
	}
	return inboxFromRow(row), nil
}

func (s *SQLiteStore) FindInboxEntry(ctx context.Context, userID, announcementID string) (*InboxEntry, error) {
	var row inboxRow
	err := s.db.WithContext(ctx).
		Where("target_user_id = ? AND announcement_id = ?", userID, announcementID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find inbox entry: %w", err)
	}
	entry := inboxFromRow(row)
	return &entry, nil
}

func (s *SQLiteStore) ListInboxEntries(ctx context.Context, userID, status string) ([]InboxEntry, error) {
	query := s.db.WithContext(ctx).Where("target_user_id = ?", userID)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	var rows []inboxRow
	if err := query.Order("created_at DESC, id DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list inbox entries: %w", err)
	}
	items := make([]InboxEntry, 0, len(rows))
	for _, row := range rows {
		items = append(items, inboxFromRow(row))
	}
	return items, nil
}

func (s *SQLiteStore) CompareAndSetInboxStatus(ctx context.Context, inboxID, from, to string) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&inboxRow{}).
		Where("id = ? AND status = ?", inboxID, from).
		Update("status", to)
	if result.Error != nil {
		return false, fmt.Errorf("update inbox status: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (s *SQLiteStore) DeleteInboxEntries(ctx context.Context, inboxIDs []string) (int, error) {
	if len(inboxIDs) == 0 {
		return 0, nil
	}
	result := s.db.WithContext(ctx).Where("id IN ?", inboxIDs).Delete(&inboxRow{})
	if result.Error != nil {
		return 0, fmt.Errorf("delete inbox entries: %w", result.Error)
	}
	return int(result.RowsAffected), nil
}

type inboxItemRow struct {
	ID             string
	TargetUserID   string
	AnnouncementID string
	Status         string
	CreatedAt      time.Time
	ChannelID      string
	ChannelName    string
	Title          string
	Body           string
	CreatedBy      string
	IsWelcome      bool
}

func (s *SQLiteStore) ListInboxItems(ctx context.Context, userID string, limit int) ([]InboxItem, error) {
	var rows []inboxItemRow
	err := s.db.WithContext(ctx).Raw(`
		SELECT ie.id AS id, ie.target_user_id AS target_user_id, ie.announcement_id AS announcement_id,
			ie.status AS status, ie.created_at AS created_at,
			a.channel_id AS channel_id, c.name AS channel_name, a.title AS title, a.body AS body,
			a.created_by AS created_by, a.is_welcome AS is_welcome
		FROM inbox_entries ie
		JOIN announcements a ON a.id = ie.announcement_id
		JOIN channels c ON c.id = a.channel_id
		WHERE ie.target_user_id = ?
		ORDER BY ie.created_at DESC, ie.id DESC
		LIMIT ?
	`, userID, limit).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list inbox items: %w", err)
	}
	items := make([]InboxItem, 0, len(rows))
	for _, row := range rows {
		items = append(items, InboxItem{
			InboxEntry: InboxEntry{
				ID:             row.ID,
				TargetUserID:   row.TargetUserID,
				AnnouncementID: row.AnnouncementID,
				Status:         row.Status,
				CreatedAt:      row.CreatedAt,
			},
			ChannelID:   row.ChannelID,
			ChannelName: row.ChannelName,
			Title:       row.Title,
			Body:        row.Body,
			CreatedBy:   row.CreatedBy,
			IsWelcome:   row.IsWelcome,
		})
	}
	return items, nil
}

func (s *SQLiteStore) CountInboxEntries(ctx context.Context, userID, status string) (int, error) {
	query := s.db.WithContext(ctx).Model(&inboxRow{}).Where("target_user_id = ?", userID)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count inbox entries: %w", err)
	}
	return int(count), nil
}

func (s *SQLiteStore) InsertMessage(ctx context.Context, message Message) error {
	err := s.db.WithContext(ctx).Create(&messageRow{
		ID:        message.ID,
		ChannelID: message.ChannelID,
		AuthorID:  message.AuthorID,
		Body:      message.Body,
		CreatedAt: time.Now().UTC(),
	}).Error
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetMessage(ctx context.Context, messageID string) (Message, error) {
	var row messageRow
	if err := s.db.WithContext(ctx).Where("id = ?", messageID).First(&row).Error; err != nil {
		return Message{}, notFound(err)
	}
	return Message{ID: row.ID, ChannelID: row.ChannelID, AuthorID: row.AuthorID, Body: row.Body, CreatedAt: row.CreatedAt}, nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, channelID string, limit int) ([]Message, error) {
	var rows []messageRow
	err := s.db.WithContext(ctx).
		Where("channel_id = ?", channelID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	items := make([]Message, 0, len(rows))
	for _, row := range rows {
		items = append(items, Message{ID: row.ID, ChannelID: row.ChannelID, AuthorID: row.AuthorID, Body: row.Body, CreatedAt: row.CreatedAt})
	}
	return items, nil
}

func (s *SQLiteStore) ListMessageIDs(ctx context.Context, channelID string) ([]string, error) {
	ids := make([]string, 0)
	if err := s.db.WithContext(ctx).Model(&messageRow{}).Where("channel_id = ?", channelID).Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("list message ids: %w", err)
	}
	return ids, nil
}

func (s *SQLiteStore) ToggleReaction(ctx context.Context, messageID, userID, emoji string) (bool, error) {
	result := s.db.WithContext(ctx).
		Where("message_id = ? AND user_id = ? AND emoji = ?", messageID, userID, emoji).
		Delete(&reactionRow{})
	if result.Error != nil {
		return false, fmt.Errorf("delete message reaction: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		return false, nil
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&reactionRow{MessageID: messageID, UserID: userID, Emoji: emoji, CreatedAt: time.Now().UTC()}).Error
	if err != nil {
		return false, fmt.Errorf("insert message reaction: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) ListReactionCounts(ctx context.Context, messageIDs []string) ([]ReactionCount, error) {
	items := make([]ReactionCount, 0)
	if len(messageIDs) == 0 {
		return items, nil
	}
	err := s.db.WithContext(ctx).
		Model(&reactionRow{}).
		Select("message_id, emoji, COUNT(*) AS count").
		Where("message_id IN ?", messageIDs).
		Group("message_id, emoji").
		Order("message_id ASC, emoji ASC").
		Scan(&items).Error
	if err != nil {
		return nil, fmt.Errorf("list reaction counts: %w", err)
	}
	return items, nil
}
