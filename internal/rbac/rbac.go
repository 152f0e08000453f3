// Package rbac decides which channel actions a caller may take.
package rbac

import "parley/api/internal/store"

type Role string
type Action string

const (
	RoleOwner       Role = "owner"
	RoleParticipant Role = "participant"
	RoleOutsider    Role = "outsider"
)

const (
	ActionRead     Action = "read"
	ActionPost     Action = "post"
	ActionReact    Action = "react"
	ActionAnnounce Action = "announce"
	ActionEdit     Action = "edit"
	ActionDelete   Action = "delete"
)

// RoleFor resolves the caller's role in a channel. In a direct message both
// users are plain participants.
func RoleFor(channel store.Channel, userID string) Role {
	if !channel.IsDirectMessage() && channel.CreatedBy == userID {
		return RoleOwner
	}
	if channel.HasParticipant(userID) {
		return RoleParticipant
	}
	return RoleOutsider
}

func Can(kind string, role Role, action Action) bool {
	if kind == store.KindDirectMessage {
		if role != RoleParticipant {
			return false
		}
		return action == ActionRead || action == ActionPost || action == ActionReact || action == ActionDelete
	}
	switch role {
	case RoleOwner:
		return true
	case RoleParticipant:
		return action == ActionRead || action == ActionPost || action == ActionReact || action == ActionAnnounce
	case RoleOutsider:
		return action == ActionRead
	default:
		return false
	}
}

// Allowed combines RoleFor and Can.
func Allowed(channel store.Channel, userID string, action Action) bool {
	kind := channel.Kind
	if kind == "" {
		kind = store.KindChannel
	}
	return Can(kind, RoleFor(channel, userID), action)
}
