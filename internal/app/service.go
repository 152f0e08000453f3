package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	jww "github.com/spf13/jwalterweatherman"

	"parley/api/internal/auth"
	"parley/api/internal/emoji"
	"parley/api/internal/inbox"
	"parley/api/internal/rbac"
	"parley/api/internal/search"
	"parley/api/internal/store"
	"parley/api/internal/util"
)

const (
	maxChannelNameLength = 80
	maxMessageLength     = 4000
	defaultMessageLimit  = 50
	maxMessageLimit      = 200
	defaultListLimit     = 50
	maxListLimit         = 200
	defaultSearchLimit   = 20
	maxSearchLimit       = 100
)

type Session struct {
	Token     string
	UserID    string
	UserName  string
	JTI       string
	ExpiresAt time.Time
}

type CreateChannelInput struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}

type CreateAnnouncementInput struct {
	Title         string   `json:"title"`
	Body          string   `json:"body"`
	ChannelID     string   `json:"channelId"`
	TargetUserIDs []string `json:"targetUserIds"`
	IsWelcome     bool     `json:"isWelcome"`
}

// DataStore is everything the service reads and writes. Both the Postgres and
// the SQLite store satisfy it.
type DataStore interface {
	inbox.Store
	Revocations

	Ping(ctx context.Context) error
	EnsureUserByName(ctx context.Context, name string) (store.User, error)
	GetUserByID(ctx context.Context, userID string) (store.User, error)

	InsertChannel(ctx context.Context, channel store.Channel) error
	FindDirectMessage(ctx context.Context, userA, userB string) (*store.Channel, error)
	ListChannelsForUser(ctx context.Context, userID string) ([]store.Channel, error)
	ListPublicChannels(ctx context.Context) ([]store.Channel, error)
	UpdateChannel(ctx context.Context, channelID, name, description string, tags []string) error
	DeleteChannel(ctx context.Context, channelID string) error

	ListAnnouncements(ctx context.Context, channelID string, limit int) ([]store.Announcement, error)
	ListInboxItems(ctx context.Context, userID string, limit int) ([]store.InboxItem, error)
	CountInboxEntries(ctx context.Context, userID, status string) (int, error)

	InsertMessage(ctx context.Context, message store.Message) error
	GetMessage(ctx context.Context, messageID string) (store.Message, error)
	ListMessages(ctx context.Context, channelID string, limit int) ([]store.Message, error)
	ListMessageIDs(ctx context.Context, channelID string) ([]string, error)
	ToggleReaction(ctx context.Context, messageID, userID, emoji string) (bool, error)
	ListReactionCounts(ctx context.Context, messageIDs []string) ([]store.ReactionCount, error)
}

// Revocations tracks logged-out token ids.
type Revocations interface {
	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
}

type readinessCheck struct {
	name  string
	check func(context.Context) error
}

type Service struct {
	store       DataStore
	engine      *inbox.Engine
	signer      *auth.Signer
	revocations Revocations
	search      *search.Service
	checks      []readinessCheck
	now         func() time.Time
}

// New wires the service. A nil revocations falls back to the data store and a
// nil search service turns search into a no-op.
func New(dataStore DataStore, engine *inbox.Engine, signer *auth.Signer, revocations Revocations, searchService *search.Service) *Service {
	if revocations == nil {
		revocations = dataStore
	}
	return &Service{
		store:       dataStore,
		engine:      engine,
		signer:      signer,
		revocations: revocations,
		search:      searchService,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// AddReadinessCheck registers an extra dependency reported by /api/ready.
func (s *Service) AddReadinessCheck(name string, check func(context.Context) error) {
	s.checks = append(s.checks, readinessCheck{name: name, check: check})
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Ready runs the database ping and every registered check.
func (s *Service) Ready(ctx context.Context) (bool, map[string]any) {
	ok := true
	checks := map[string]any{}
	run := func(name string, check func(context.Context) error) {
		if err := check(ctx); err != nil {
			ok = false
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			return
		}
		checks[name] = map[string]any{"status": "ok"}
	}
	run("database", s.Ping)
	for _, c := range s.checks {
		run(c.name, c.check)
	}
	return ok, checks
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", inbox.ErrInvalidInput, fmt.Sprintf(format, args...))
}

// Session

func (s *Service) Login(ctx context.Context, name string) (Session, error) {
	userName := strings.TrimSpace(name)
	if userName == "" {
		return Session{}, invalid("name is required")
	}
	if utf8.RuneCountInString(userName) > maxChannelNameLength {
		return Session{}, invalid("name must be at most %d characters", maxChannelNameLength)
	}

	user, err := s.store.EnsureUserByName(ctx, userName)
	if err != nil {
		return Session{}, fmt.Errorf("ensure user: %w", err)
	}

	token, claims, err := s.signer.Issue(user.ID, user.DisplayName)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		JTI:       claims.JTI,
		ExpiresAt: claims.ExpiresAt(),
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := s.signer.Parse(token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.revocations.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, fmt.Errorf("check revocation: %w", err)
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		JTI:       claims.JTI,
		ExpiresAt: claims.ExpiresAt(),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session) error {
	if session.JTI == "" {
		return nil
	}
	if err := s.revocations.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

// Channels

func (s *Service) loadChannel(ctx context.Context, channelID string) (store.Channel, error) {
	channel, err := s.store.GetChannel(ctx, channelID)
	if err != nil {
		return store.Channel{}, fmt.Errorf("load channel %s: %w", channelID, err)
	}
	return channel, nil
}

func (s *Service) authorize(channel store.Channel, userID string, action rbac.Action) error {
	if !rbac.Allowed(channel, userID, action) {
		return forbiddenAction(action)
	}
	return nil
}

func (s *Service) ListMyChannels(ctx context.Context, userID string) ([]map[string]any, error) {
	channels, err := s.store.ListChannelsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	return channelPayloads(channels, userID), nil
}

func (s *Service) BrowseChannels(ctx context.Context, userID string) ([]map[string]any, error) {
	channels, err := s.store.ListPublicChannels(ctx)
	if err != nil {
		return nil, fmt.Errorf("browse channels: %w", err)
	}
	return channelPayloads(channels, userID), nil
}

func (s *Service) GetChannel(ctx context.Context, channelID, userID string) (map[string]any, error) {
	channel, err := s.loadChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(channel, userID, rbac.ActionRead); err != nil {
		return nil, err
	}
	return channelPayload(channel, userID), nil
}

func (s *Service) CreateChannel(ctx context.Context, userID string, input CreateChannelInput) (map[string]any, error) {
	name, description, tags, err := normalizeChannelInput(input)
	if err != nil {
		return nil, err
	}
	channel := store.Channel{
		ID:           util.NewID("chn"),
		Name:         name,
		Description:  description,
		CreatedBy:    userID,
		Kind:         store.KindChannel,
		Participants: []string{userID},
		Tags:         tags,
		CreatedAt:    s.now(),
	}
	if err := s.store.InsertChannel(ctx, channel); err != nil {
		return nil, fmt.Errorf("create channel: %w", err)
	}
	s.search.IndexChannel(channelRecord(channel))
	return channelPayload(channel, userID), nil
}

func (s *Service) EditChannel(ctx context.Context, channelID, userID string, input CreateChannelInput) (map[string]any, error) {
	channel, err := s.loadChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if channel.IsDirectMessage() {
		return nil, invalid("direct messages cannot be edited")
	}
	if err := s.authorize(channel, userID, rbac.ActionEdit); err != nil {
		return nil, err
	}
	name, description, tags, err := normalizeChannelInput(input)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateChannel(ctx, channelID, name, description, tags); err != nil {
		return nil, fmt.Errorf("update channel: %w", err)
	}
	updated, err := s.loadChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	s.search.IndexChannel(channelRecord(updated))
	return channelPayload(updated, userID), nil
}

// DeleteChannel removes the channel with everything that hangs off it.
func (s *Service) DeleteChannel(ctx context.Context, channelID, userID string) error {
	channel, err := s.loadChannel(ctx, channelID)
	if err != nil {
		return err
	}
	if err := s.authorize(channel, userID, rbac.ActionDelete); err != nil {
		return err
	}

	announcementIDs, err := s.store.ListAnnouncementIDs(ctx, channelID)
	if err != nil {
		return fmt.Errorf("list announcement ids: %w", err)
	}
	messageIDs, err := s.store.ListMessageIDs(ctx, channelID)
	if err != nil {
		return fmt.Errorf("list message ids: %w", err)
	}
	if err := s.store.DeleteChannel(ctx, channelID); err != nil {
		return fmt.Errorf("delete channel: %w", err)
	}
	s.search.DeleteChannel(channelID, announcementIDs, messageIDs)
	return nil
}

func (s *Service) ToggleSubscription(ctx context.Context, channelID, userID string) (inbox.SubscriptionResult, error) {
	return s.engine.ToggleSubscription(ctx, channelID, userID)
}

// CreateDirectMessage returns the existing conversation for the pair or opens one.
func (s *Service) CreateDirectMessage(ctx context.Context, userID, otherUserID string) (map[string]any, error) {
	otherUserID = strings.TrimSpace(otherUserID)
	if otherUserID == "" {
		return nil, invalid("userId is required")
	}
	if otherUserID == userID {
		return nil, invalid("cannot open a direct message with yourself")
	}

	existing, err := s.store.FindDirectMessage(ctx, userID, otherUserID)
	if err != nil {
		return nil, fmt.Errorf("find direct message: %w", err)
	}
	if existing != nil {
		return channelPayload(*existing, userID), nil
	}

	self, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	other, err := s.store.GetUserByID(ctx, otherUserID)
	if err != nil {
		return nil, fmt.Errorf("load user %s: %w", otherUserID, err)
	}

	names := []string{self.DisplayName, other.DisplayName}
	sort.Strings(names)
	channel := store.Channel{
		ID:           util.NewID("dm"),
		Name:         strings.Join(names, ", "),
		CreatedBy:    userID,
		Kind:         store.KindDirectMessage,
		Participants: []string{userID, otherUserID},
		Tags:         []string{},
		CreatedAt:    s.now(),
	}
	if err := s.store.InsertChannel(ctx, channel); err != nil {
		if !errors.Is(err, store.ErrDuplicate) {
			return nil, fmt.Errorf("create direct message: %w", err)
		}
		// Lost a race with the other participant.
		existing, findErr := s.store.FindDirectMessage(ctx, userID, otherUserID)
		if findErr != nil || existing == nil {
			return nil, fmt.Errorf("create direct message: %w", err)
		}
		return channelPayload(*existing, userID), nil
	}
	return channelPayload(channel, userID), nil
}

// Announcements

func (s *Service) ListAnnouncements(ctx context.Context, channelID, userID string, limit int) ([]map[string]any, error) {
	channel, err := s.loadChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(channel, userID, rbac.ActionRead); err != nil {
		return nil, err
	}
	items, err := s.store.ListAnnouncements(ctx, channelID, clampLimit(limit, defaultListLimit, maxListLimit))
	if err != nil {
		return nil, fmt.Errorf("list announcements: %w", err)
	}
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		out = append(out, announcementPayload(item))
	}
	return out, nil
}

// CreateAnnouncement checks the channel, snapshots its participants when no
// targets are given, and hands over to the fan-out engine.
func (s *Service) CreateAnnouncement(ctx context.Context, userID string, input CreateAnnouncementInput) (map[string]any, error) {
	channelID := strings.TrimSpace(input.ChannelID)
	if channelID == "" {
		return nil, invalid("channelId is required")
	}
	channel, err := s.loadChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(channel, userID, rbac.ActionAnnounce); err != nil {
		return nil, err
	}

	targets := input.TargetUserIDs
	if targets == nil {
		targets = channel.Participants
	}

	announcement, err := s.engine.CreateAnnouncement(ctx, inbox.CreateAnnouncementInput{
		Title:         input.Title,
		Body:          input.Body,
		ChannelID:     channelID,
		TargetUserIDs: targets,
		IsWelcome:     input.IsWelcome,
		CreatedBy:     userID,
	})
	if err != nil {
		if errors.Is(err, inbox.ErrPartialFanout) && announcement.ID != "" {
			jww.WARN.Printf("announcement %s delivered partially: %v", announcement.ID, err)
			s.search.IndexAnnouncement(announcementRecord(announcement))
			return nil, partialDelivery(announcement.ID, err)
		}
		return nil, err
	}
	s.search.IndexAnnouncement(announcementRecord(announcement))
	return announcementPayload(announcement), nil
}

// Messages

func (s *Service) SendMessage(ctx context.Context, channelID, userID, body string) (map[string]any, error) {
	channel, err := s.loadChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(channel, userID, rbac.ActionPost); err != nil {
		return nil, err
	}
	text := strings.TrimSpace(body)
	if text == "" {
		return nil, invalid("body is required")
	}
	if utf8.RuneCountInString(text) > maxMessageLength {
		return nil, invalid("body must be at most %d characters", maxMessageLength)
	}

	message := store.Message{
		ID:        util.NewID("msg"),
		ChannelID: channelID,
		AuthorID:  userID,
		Body:      text,
		CreatedAt: s.now(),
	}
	if err := s.store.InsertMessage(ctx, message); err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	s.search.IndexMessage(search.MessageRecord{
		ID:        message.ID,
		ChannelID: message.ChannelID,
		AuthorID:  message.AuthorID,
		Body:      message.Body,
	})
	return messagePayload(message, nil), nil
}

func (s *Service) ListMessages(ctx context.Context, channelID, userID string, limit int) ([]map[string]any, error) {
	channel, err := s.loadChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(channel, userID, rbac.ActionRead); err != nil {
		return nil, err
	}
	messages, err := s.store.ListMessages(ctx, channelID, clampLimit(limit, defaultMessageLimit, maxMessageLimit))
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	ids := make([]string, 0, len(messages))
	for _, message := range messages {
		ids = append(ids, message.ID)
	}
	counts, err := s.store.ListReactionCounts(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("list reactions: %w", err)
	}
	byMessage := map[string][]map[string]any{}
	for _, count := range counts {
		byMessage[count.MessageID] = append(byMessage[count.MessageID], map[string]any{
			"emoji": count.Emoji,
			"count": count.Count,
		})
	}

	out := make([]map[string]any, 0, len(messages))
	for _, message := range messages {
		out = append(out, messagePayload(message, byMessage[message.ID]))
	}
	return out, nil
}

func (s *Service) ToggleReaction(ctx context.Context, messageID, userID, reaction string) (map[string]any, error) {
	reaction = strings.TrimSpace(reaction)
	if err := emoji.ValidateReaction(reaction); err != nil {
		return nil, err
	}
	message, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("load message %s: %w", messageID, err)
	}
	channel, err := s.loadChannel(ctx, message.ChannelID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(channel, userID, rbac.ActionReact); err != nil {
		return nil, err
	}
	added, err := s.store.ToggleReaction(ctx, messageID, userID, reaction)
	if err != nil {
		return nil, fmt.Errorf("toggle reaction: %w", err)
	}
	return map[string]any{"messageId": messageID, "emoji": reaction, "added": added}, nil
}

// Inbox

func (s *Service) ListInbox(ctx context.Context, userID string, limit int) ([]map[string]any, error) {
	items, err := s.store.ListInboxItems(ctx, userID, clampLimit(limit, defaultListLimit, maxListLimit))
	if err != nil {
		return nil, fmt.Errorf("list inbox: %w", err)
	}
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		out = append(out, map[string]any{
			"id":             item.ID,
			"announcementId": item.AnnouncementID,
			"status":         item.Status,
			"createdAt":      item.CreatedAt,
			"channelId":      item.ChannelID,
			"channelName":    item.ChannelName,
			"title":          item.Title,
			"body":           item.Body,
			"createdBy":      item.CreatedBy,
			"isWelcome":      item.IsWelcome,
		})
	}
	return out, nil
}

func (s *Service) UnreadCount(ctx context.Context, userID string) (int, error) {
	count, err := s.store.CountInboxEntries(ctx, userID, store.InboxDelivered)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return count, nil
}

func (s *Service) ToggleInboxStatus(ctx context.Context, inboxID, userID string) (inbox.StatusResult, error) {
	return s.engine.ToggleInboxStatus(ctx, inboxID, userID)
}

func (s *Service) MarkAllAsRead(ctx context.Context, userID string) (int, error) {
	return s.engine.MarkAllAsRead(ctx, userID)
}

// Search

func (s *Service) Search(ctx context.Context, userID, text, filterType string, limit, offset int) (search.Response, error) {
	text = strings.TrimSpace(text)
	switch search.ResultType(filterType) {
	case "", search.ResultChannel, search.ResultMessage, search.ResultAnnouncement:
	default:
		return search.Response{}, invalid("type must be channel, message or announcement")
	}
	if offset < 0 {
		return search.Response{}, invalid("offset must not be negative")
	}
	if text == "" {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}

	channels, err := s.store.ListChannelsForUser(ctx, userID)
	if err != nil {
		return search.Response{}, fmt.Errorf("list channels: %w", err)
	}
	channelIDs := make([]string, 0, len(channels))
	for _, channel := range channels {
		channelIDs = append(channelIDs, channel.ID)
	}

	return s.search.Search(ctx, search.Query{
		Text:       text,
		FilterType: search.ResultType(filterType),
		ChannelIDs: channelIDs,
		Limit:      clampLimit(limit, defaultSearchLimit, maxSearchLimit),
		Offset:     offset,
	}), nil
}

// helpers

func normalizeChannelInput(input CreateChannelInput) (string, string, []string, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return "", "", nil, invalid("name is required")
	}
	if utf8.RuneCountInString(name) > maxChannelNameLength {
		return "", "", nil, invalid("name must be at most %d characters", maxChannelNameLength)
	}
	return name, strings.TrimSpace(input.Description), normalizeTags(input.Tags), nil
}

func normalizeTags(tags []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

func clampLimit(limit, fallback, max int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > max {
		return max
	}
	return limit
}

func channelPayloads(channels []store.Channel, userID string) []map[string]any {
	out := make([]map[string]any, 0, len(channels))
	for _, channel := range channels {
		out = append(out, channelPayload(channel, userID))
	}
	return out
}

func channelPayload(channel store.Channel, userID string) map[string]any {
	kind := channel.Kind
	if kind == "" {
		kind = store.KindChannel
	}
	participants := channel.Participants
	if participants == nil {
		participants = []string{}
	}
	tags := channel.Tags
	if tags == nil {
		tags = []string{}
	}
	return map[string]any{
		"id":           channel.ID,
		"name":         channel.Name,
		"description":  channel.Description,
		"createdBy":    channel.CreatedBy,
		"kind":         kind,
		"participants": participants,
		"tags":         tags,
		"createdAt":    channel.CreatedAt,
		"isMember":     channel.HasParticipant(userID),
		"role":         string(rbac.RoleFor(channel, userID)),
	}
}

func announcementPayload(a store.Announcement) map[string]any {
	return map[string]any{
		"id":                a.ID,
		"channelId":         a.ChannelID,
		"title":             a.Title,
		"body":              a.Body,
		"createdBy":         a.CreatedBy,
		"targetUserIds":     a.TargetUserIDs,
		"isWelcome":         a.IsWelcome,
		"createdAt":         a.CreatedAt,
		"fanoutCompletedAt": a.FanoutCompletedAt,
	}
}

func messagePayload(m store.Message, reactions []map[string]any) map[string]any {
	if reactions == nil {
		reactions = []map[string]any{}
	}
	return map[string]any{
		"id":        m.ID,
		"channelId": m.ChannelID,
		"authorId":  m.AuthorID,
		"body":      m.Body,
		"createdAt": m.CreatedAt,
		"reactions": reactions,
	}
}

func channelRecord(channel store.Channel) search.ChannelRecord {
	return search.ChannelRecord{
		ID:          channel.ID,
		Name:        channel.Name,
		Description: channel.Description,
		Kind:        channel.Kind,
		Tags:        channel.Tags,
	}
}

func announcementRecord(a store.Announcement) search.AnnouncementRecord {
	return search.AnnouncementRecord{
		ID:        a.ID,
		ChannelID: a.ChannelID,
		Title:     a.Title,
		Body:      a.Body,
	}
}
