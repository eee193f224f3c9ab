package chat

import (
	"context"
	"errors"
	"fmt"

	"go-converse/internal/metrics"
)

// Store is what the service needs from durable persistence. Implemented by
// *Repository; tests substitute an in-memory version.
type Store interface {
	CreateConversation(ctx context.Context, name, ctype string, participants []*Participant) (*Conversation, error)
	GetConversation(ctx context.Context, id int) (*Conversation, error)
	ListParticipants(ctx context.Context, conversationID int) ([]*Participant, error)
	GetParticipant(ctx context.Context, conversationID, userID int) (*Participant, error)
	AddParticipant(ctx context.Context, p *Participant) error
	RemoveParticipant(ctx context.Context, conversationID, userID int) error
	SetParticipantMuted(ctx context.Context, conversationID, userID int, muted bool) (*Participant, error)
	SetParticipantBanned(ctx context.Context, conversationID, userID int, banned bool) (*Participant, error)
	SetParticipantRole(ctx context.Context, conversationID, userID int, role string) (*Participant, error)
	SaveMessage(ctx context.Context, m *Message) (*Message, error)
	ListMessages(ctx context.Context, conversationID int) ([]*Message, error)
}

// Router is the live-delivery side. Implemented by *realtime.Router. Every
// call is advisory and fire-and-forget: a routing failure never rolls back a
// committed mutation.
type Router interface {
	AddToRoom(userID, conversationID int)
	RemoveFromRoom(userID, conversationID int)
	BroadcastToRoom(conversationID int, event string, payload any, excludeUserID int)
	BroadcastToParticipants(userIDs []int, event string, payload any, excludeUserID int)
}

// Service owns authorization and state transitions for conversations,
// participants and messages. Each operation follows the same two-step
// protocol: commit durable state first, then issue routing instructions.
type Service struct {
	store  Store
	router Router
}

func NewService(store Store, router Router) *Service {
	return &Service{store: store, router: router}
}

// CreateConversation persists the conversation with the creator as OWNER and
// every listed member as MEMBER (creator never duplicated). The creator is
// placed into the room immediately; listed members are not, they must join
// explicitly before receiving room events.
func (s *Service) CreateConversation(ctx context.Context, creatorID int, req *CreateConversationRequest) (*Conversation, error) {
	ctype := req.Type
	if ctype == "" {
		ctype = TypeGroup
	}

	participants := []*Participant{{UserID: creatorID, Role: RoleOwner}}
	seen := map[int]bool{creatorID: true}
	for _, id := range req.Members {
		if seen[id] {
			continue
		}
		seen[id] = true
		participants = append(participants, &Participant{UserID: id, Role: RoleMember})
	}

	conv, err := s.store.CreateConversation(ctx, req.Name, ctype, participants)
	if err != nil {
		return nil, err
	}
	conv.Participants, err = s.store.ListParticipants(ctx, conv.ID)
	if err != nil {
		return nil, err
	}

	s.router.AddToRoom(creatorID, conv.ID)

	// The room only holds the creator at this point, so notify the listed
	// members directly.
	ids := make([]int, 0, len(conv.Participants))
	for _, p := range conv.Participants {
		ids = append(ids, p.UserID)
	}
	s.router.BroadcastToParticipants(ids, EventUpdateConversation, conv, creatorID)

	return conv, nil
}

// JoinConversation adds the user as a MEMBER of a GROUP conversation.
// Idempotent: an existing participant row is returned as-is, without a second
// room join. DIRECT conversations are not joinable after creation.
func (s *Service) JoinConversation(ctx context.Context, userID, conversationID int) (*Participant, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: conversation not found or not joinable", ErrNotFound)
		}
		return nil, err
	}
	if conv.Type != TypeGroup {
		return nil, fmt.Errorf("%w: conversation not found or not joinable", ErrNotFound)
	}

	if existing, err := s.store.GetParticipant(ctx, conversationID, userID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	p := &Participant{ConversationID: conversationID, UserID: userID, Role: RoleMember}
	if err := s.store.AddParticipant(ctx, p); err != nil {
		if errors.Is(err, ErrConflict) {
			// Lost a join race; the winner already did the room join.
			return s.store.GetParticipant(ctx, conversationID, userID)
		}
		return nil, err
	}

	s.router.AddToRoom(userID, conversationID)
	return p, nil
}

// LeaveConversation deletes the membership row and removes the user's live
// connection from the room. An OWNER leaving transfers nothing; the
// conversation simply loses its owner.
func (s *Service) LeaveConversation(ctx context.Context, userID, conversationID int) error {
	if _, err := s.store.GetParticipant(ctx, conversationID, userID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: not in conversation", ErrNotFound)
		}
		return err
	}
	if err := s.store.RemoveParticipant(ctx, conversationID, userID); err != nil {
		return err
	}

	s.router.RemoveFromRoom(userID, conversationID)
	return nil
}

// SendMessage persists the message and fans it out to every live room member
// except the sender. Muted and banned participants cannot send; both can
// still read.
func (s *Service) SendMessage(ctx context.Context, senderID int, req *SendMessageRequest) (*Message, error) {
	p, err := s.store.GetParticipant(ctx, req.ConversationID, senderID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: you are not allowed to send messages", ErrPermissionDenied)
		}
		return nil, err
	}
	if p.Muted || p.Banned {
		return nil, fmt.Errorf("%w: you are not allowed to send messages", ErrPermissionDenied)
	}

	msg, err := s.store.SaveMessage(ctx, &Message{
		ConversationID: req.ConversationID,
		SenderID:       senderID,
		Content:        req.Content,
	})
	if err != nil {
		return nil, err
	}
	metrics.MessagesTotal.Inc()

	s.router.BroadcastToRoom(req.ConversationID, EventNewMessage, msg, senderID)
	return msg, nil
}

// GetConversation returns the conversation with its participants, NotFound
// unless the requester is one of them. Reading the detail doubles as a
// room-(re)join, which is what makes reconnect-and-refetch work.
func (s *Service) GetConversation(ctx context.Context, userID, conversationID int) (*Conversation, error) {
	if _, err := s.store.GetParticipant(ctx, conversationID, userID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: conversation not found", ErrNotFound)
		}
		return nil, err
	}

	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	conv.Participants, err = s.store.ListParticipants(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	s.router.AddToRoom(userID, conversationID)
	return conv, nil
}

// GetConversationMessages returns the conversation's messages in creation
// order. Any participant may read, muted or banned included.
func (s *Service) GetConversationMessages(ctx context.Context, userID, conversationID int) ([]*Message, error) {
	if _, err := s.store.GetParticipant(ctx, conversationID, userID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: access denied", ErrPermissionDenied)
		}
		return nil, err
	}
	return s.store.ListMessages(ctx, conversationID)
}

// MuteUser sets or clears the target's muted flag. Muting does not touch room
// membership: a muted participant keeps receiving events.
func (s *Service) MuteUser(ctx context.Context, adminID int, req *MuteRequest) (*Participant, error) {
	if err := s.requireAdmin(ctx, adminID, req.ConversationID); err != nil {
		return nil, err
	}
	p, err := s.store.SetParticipantMuted(ctx, req.ConversationID, req.UserID, req.Mute)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// BanUser sets or clears the target's banned flag and removes the target's
// live connection from the room. The participant row survives a ban; only
// live delivery and the ability to send are cut off.
func (s *Service) BanUser(ctx context.Context, adminID int, req *BanRequest) (*Participant, error) {
	if err := s.requireAdmin(ctx, adminID, req.ConversationID); err != nil {
		return nil, err
	}
	p, err := s.store.SetParticipantBanned(ctx, req.ConversationID, req.UserID, req.Ban)
	if err != nil {
		return nil, err
	}

	s.router.RemoveFromRoom(req.UserID, req.ConversationID)
	return p, nil
}

// SetAdmin promotes the target to ADMIN. Owner-only; there is no demotion.
func (s *Service) SetAdmin(ctx context.Context, ownerID int, req *SetAdminRequest) (*Participant, error) {
	if err := s.requireOwner(ctx, ownerID, req.ConversationID); err != nil {
		return nil, err
	}
	return s.store.SetParticipantRole(ctx, req.ConversationID, req.UserID, RoleAdmin)
}

func (s *Service) requireAdmin(ctx context.Context, userID, conversationID int) error {
	p, err := s.store.GetParticipant(ctx, conversationID, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: admin rights required", ErrPermissionDenied)
		}
		return err
	}
	if p.Role != RoleAdmin && p.Role != RoleOwner {
		return fmt.Errorf("%w: admin rights required", ErrPermissionDenied)
	}
	return nil
}

func (s *Service) requireOwner(ctx context.Context, userID, conversationID int) error {
	p, err := s.store.GetParticipant(ctx, conversationID, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: owner rights required", ErrPermissionDenied)
		}
		return err
	}
	if p.Role != RoleOwner {
		return fmt.Errorf("%w: owner rights required", ErrPermissionDenied)
	}
	return nil
}
