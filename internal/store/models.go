package store

import "time"

const (
	KindChannel       = "channel"
	KindDirectMessage = "direct-message"
)

const (
	InboxDelivered = "delivered"
	InboxRead      = "read"
)

type User struct {
	ID          string
	DisplayName string
	CreatedAt   time.Time
}

type Channel struct {
	ID           string
	Name         string
	Description  string
	CreatedBy    string
	Kind         string
	Participants []string
	Tags         []string
	CreatedAt    time.Time
}

// IsDirectMessage treats an empty kind as a regular channel.
func (c Channel) IsDirectMessage() bool {
	return c.Kind == KindDirectMessage
}

func (c Channel) HasParticipant(userID string) bool {
	for _, participant := range c.Participants {
		if participant == userID {
			return true
		}
	}
	return false
}

// Announcement targets are a snapshot taken at creation time, not a reference
// to the channel's live participant set.
type Announcement struct {
	ID                string
	ChannelID         string
	Title             string
	Body              string
	CreatedBy         string
	TargetUserIDs     []string
	IsWelcome         bool
	CreatedAt         time.Time
	FanoutCompletedAt *time.Time
}

// PendingCursor marks the last announcement a pending-fanout page ended on.
// The zero value starts from the oldest.
type PendingCursor struct {
	CreatedAt time.Time
	ID        string
}

// After reports whether a is strictly past the cursor in (created_at, id) order.
func (c PendingCursor) After(a Announcement) bool {
	if !a.CreatedAt.Equal(c.CreatedAt) {
		return a.CreatedAt.After(c.CreatedAt)
	}
	return a.ID > c.ID
}

type InboxEntry struct {
	ID             string
	TargetUserID   string
	AnnouncementID string
	Status         string
	CreatedAt      time.Time
}

// InboxItem is an inbox entry joined with its announcement for listing.
type InboxItem struct {
	InboxEntry
	ChannelID   string
	ChannelName string
	Title       string
	Body        string
	CreatedBy   string
	IsWelcome   bool
}

type Message struct {
	ID        string
	ChannelID string
	AuthorID  string
	Body      string
	CreatedAt time.Time
}

type ReactionCount struct {
	MessageID string
	Emoji     string
	Count     int
}
