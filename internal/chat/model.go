package chat

import "time"

// Conversation types.
const (
	TypeDirect = "DIRECT"
	TypeGroup  = "GROUP"
)

// Participant roles, ordered by privilege OWNER > ADMIN > MEMBER.
const (
	RoleOwner  = "OWNER"
	RoleAdmin  = "ADMIN"
	RoleMember = "MEMBER"
)

// Events pushed over the websocket.
const (
	EventNewMessage         = "newMessage"
	EventUpdateConversation = "updateConversation"
)

type Conversation struct {
	ID           int            `json:"id"`
	Name         string         `json:"name,omitempty"`
	Type         string         `json:"type"`
	CreatedAt    time.Time      `json:"created_at"`
	Participants []*Participant `json:"participants,omitempty"`
}

// Participant is the durable membership record binding a user to a
// conversation; its existence is authoritative for "is this user a member".
type Participant struct {
	ConversationID int       `json:"conversation_id"`
	UserID         int       `json:"user_id"`
	Username       string    `json:"username,omitempty"` // Denormalized for UI speed (fetched via JOIN)
	Role           string    `json:"role"`
	Muted          bool      `json:"muted"`
	Banned         bool      `json:"banned"`
	JoinedAt       time.Time `json:"joined_at"`
}

type Message struct {
	ID             int       `json:"id"`
	ConversationID int       `json:"conversation_id"`
	SenderID       int       `json:"sender_id"`
	Username       string    `json:"username,omitempty"` // Sender's public profile, joined in
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// ---------------------------------------------
// Request DTOs
// ---------------------------------------------

type CreateConversationRequest struct {
	Name    string `json:"name" validate:"max=100"`
	Type    string `json:"type" validate:"omitempty,oneof=DIRECT GROUP"`
	Members []int  `json:"members" validate:"dive,gt=0"`
}

type SendMessageRequest struct {
	ConversationID int    `json:"conversation_id" validate:"required,gt=0"`
	Content        string `json:"content" validate:"required,max=2000"`
}

type MuteRequest struct {
	ConversationID int  `json:"conversation_id" validate:"required,gt=0"`
	UserID         int  `json:"user_id" validate:"required,gt=0"`
	Mute           bool `json:"mute"`
}

type BanRequest struct {
	ConversationID int  `json:"conversation_id" validate:"required,gt=0"`
	UserID         int  `json:"user_id" validate:"required,gt=0"`
	Ban            bool `json:"ban"`
}

type SetAdminRequest struct {
	ConversationID int `json:"conversation_id" validate:"required,gt=0"`
	UserID         int `json:"user_id" validate:"required,gt=0"`
}
