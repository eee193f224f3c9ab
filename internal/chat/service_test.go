package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"
)

// memStore is an in-memory Store with the same error contract as the
// Postgres repository.
type memStore struct {
	convs      map[int]*Conversation
	parts      map[[2]int]*Participant // {conversationID, userID}
	msgs       []*Message
	users      map[int]string // id -> username
	nextConvID int
	nextMsgID  int
	base       time.Time

	failAddWithConflict bool // simulate losing a unique-constraint race
}

func newMemStore() *memStore {
	return &memStore{
		convs: make(map[int]*Conversation),
		parts: make(map[[2]int]*Participant),
		users: make(map[int]string),
		base:  time.Now(),
	}
}

func (m *memStore) CreateConversation(_ context.Context, name, ctype string, participants []*Participant) (*Conversation, error) {
	m.nextConvID++
	conv := &Conversation{ID: m.nextConvID, Name: name, Type: ctype, CreatedAt: m.base}
	m.convs[conv.ID] = conv
	for _, p := range participants {
		p.ConversationID = conv.ID
		key := [2]int{conv.ID, p.UserID}
		if _, ok := m.parts[key]; ok {
			return nil, fmt.Errorf("%w: duplicate participant %d", ErrConflict, p.UserID)
		}
		p.JoinedAt = m.base
		m.parts[key] = p
	}
	return conv, nil
}

func (m *memStore) GetConversation(_ context.Context, id int) (*Conversation, error) {
	conv, ok := m.convs[id]
	if !ok {
		return nil, fmt.Errorf("%w: conversation %d", ErrNotFound, id)
	}
	cp := *conv
	cp.Participants = nil
	return &cp, nil
}

func (m *memStore) ListParticipants(_ context.Context, conversationID int) ([]*Participant, error) {
	var out []*Participant
	for key, p := range m.parts {
		if key[0] == conversationID {
			cp := *p
			cp.Username = m.users[p.UserID]
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *memStore) GetParticipant(_ context.Context, conversationID, userID int) (*Participant, error) {
	p, ok := m.parts[[2]int{conversationID, userID}]
	if !ok {
		return nil, fmt.Errorf("%w: participant %d in conversation %d", ErrNotFound, userID, conversationID)
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) AddParticipant(_ context.Context, p *Participant) error {
	key := [2]int{p.ConversationID, p.UserID}
	if m.failAddWithConflict {
		// The racing winner's row lands just before our insert fails.
		m.parts[key] = &Participant{ConversationID: p.ConversationID, UserID: p.UserID, Role: RoleMember, JoinedAt: m.base}
		return fmt.Errorf("%w: participant %d in conversation %d", ErrConflict, p.UserID, p.ConversationID)
	}
	if _, ok := m.parts[key]; ok {
		return fmt.Errorf("%w: participant %d in conversation %d", ErrConflict, p.UserID, p.ConversationID)
	}
	p.JoinedAt = m.base
	cp := *p
	m.parts[key] = &cp
	return nil
}

func (m *memStore) RemoveParticipant(_ context.Context, conversationID, userID int) error {
	key := [2]int{conversationID, userID}
	if _, ok := m.parts[key]; !ok {
		return fmt.Errorf("%w: participant %d in conversation %d", ErrNotFound, userID, conversationID)
	}
	delete(m.parts, key)
	return nil
}

func (m *memStore) SetParticipantMuted(_ context.Context, conversationID, userID int, muted bool) (*Participant, error) {
	p, ok := m.parts[[2]int{conversationID, userID}]
	if !ok {
		return nil, fmt.Errorf("%w: participant %d in conversation %d", ErrNotFound, userID, conversationID)
	}
	p.Muted = muted
	cp := *p
	return &cp, nil
}

func (m *memStore) SetParticipantBanned(_ context.Context, conversationID, userID int, banned bool) (*Participant, error) {
	p, ok := m.parts[[2]int{conversationID, userID}]
	if !ok {
		return nil, fmt.Errorf("%w: participant %d in conversation %d", ErrNotFound, userID, conversationID)
	}
	p.Banned = banned
	cp := *p
	return &cp, nil
}

func (m *memStore) SetParticipantRole(_ context.Context, conversationID, userID int, role string) (*Participant, error) {
	p, ok := m.parts[[2]int{conversationID, userID}]
	if !ok {
		return nil, fmt.Errorf("%w: participant %d in conversation %d", ErrNotFound, userID, conversationID)
	}
	p.Role = role
	cp := *p
	return &cp, nil
}

func (m *memStore) SaveMessage(_ context.Context, msg *Message) (*Message, error) {
	m.nextMsgID++
	msg.ID = m.nextMsgID
	msg.CreatedAt = m.base.Add(time.Duration(m.nextMsgID) * time.Millisecond)
	msg.Username = m.users[msg.SenderID]
	cp := *msg
	m.msgs = append(m.msgs, &cp)
	return msg, nil
}

func (m *memStore) ListMessages(_ context.Context, conversationID int) ([]*Message, error) {
	var out []*Message
	for _, msg := range m.msgs {
		if msg.ConversationID == conversationID {
			cp := *msg
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

var _ Store = (*memStore)(nil)

// fakeRouter records the routing instructions the service issues.
type broadcast struct {
	conversationID int
	userIDs        []int
	event          string
	payload        any
	exclude        int
}

type fakeRouter struct {
	added   [][2]int // {userID, conversationID}
	removed [][2]int
	room    []broadcast
	direct  []broadcast
}

func (f *fakeRouter) AddToRoom(userID, conversationID int) {
	f.added = append(f.added, [2]int{userID, conversationID})
}

func (f *fakeRouter) RemoveFromRoom(userID, conversationID int) {
	f.removed = append(f.removed, [2]int{userID, conversationID})
}

func (f *fakeRouter) BroadcastToRoom(conversationID int, event string, payload any, excludeUserID int) {
	f.room = append(f.room, broadcast{conversationID: conversationID, event: event, payload: payload, exclude: excludeUserID})
}

func (f *fakeRouter) BroadcastToParticipants(userIDs []int, event string, payload any, excludeUserID int) {
	f.direct = append(f.direct, broadcast{userIDs: userIDs, event: event, payload: payload, exclude: excludeUserID})
}

var _ Router = (*fakeRouter)(nil)

// newFixture seeds a GROUP conversation: user 1 OWNER, users 2 and 3 MEMBER.
func newFixture(t *testing.T) (*Service, *memStore, *fakeRouter, int) {
	t.Helper()
	store := newMemStore()
	store.users[1] = "olivia"
	store.users[2] = "amir"
	store.users[3] = "bea"

	router := &fakeRouter{}
	svc := NewService(store, router)

	conv, err := svc.CreateConversation(context.Background(), 1, &CreateConversationRequest{Name: "Team", Members: []int{2, 3}})
	if err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}

	// Reset router history so tests observe only their own operation.
	*router = fakeRouter{}
	return svc, store, router, conv.ID
}

func TestCreateConversation(t *testing.T) {
	store := newMemStore()
	store.users[1] = "olivia"
	store.users[2] = "amir"
	router := &fakeRouter{}
	svc := NewService(store, router)

	// Creator listed among members must not produce a duplicate row.
	conv, err := svc.CreateConversation(context.Background(), 1, &CreateConversationRequest{Name: "Team", Members: []int{2, 1, 2}})
	if err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}
	if conv.Type != TypeGroup {
		t.Errorf("Type = %q, want default GROUP", conv.Type)
	}
	if len(conv.Participants) != 2 {
		t.Fatalf("participants = %d, want 2", len(conv.Participants))
	}

	roles := map[int]string{}
	for _, p := range conv.Participants {
		roles[p.UserID] = p.Role
	}
	if roles[1] != RoleOwner {
		t.Errorf("creator role = %q, want OWNER", roles[1])
	}
	if roles[2] != RoleMember {
		t.Errorf("member role = %q, want MEMBER", roles[2])
	}

	// Only the creator is room-joined; listed members must join explicitly.
	if len(router.added) != 1 || router.added[0] != [2]int{1, conv.ID} {
		t.Errorf("AddToRoom calls = %v, want only creator", router.added)
	}

	// The fresh participant set is notified directly, minus the creator.
	if len(router.direct) != 1 {
		t.Fatalf("BroadcastToParticipants calls = %d, want 1", len(router.direct))
	}
	b := router.direct[0]
	if b.event != EventUpdateConversation {
		t.Errorf("event = %q, want %q", b.event, EventUpdateConversation)
	}
	if b.exclude != 1 {
		t.Errorf("exclude = %d, want creator 1", b.exclude)
	}
}

func TestJoinConversation_Idempotent(t *testing.T) {
	svc, _, router, convID := newFixture(t)

	first, err := svc.JoinConversation(context.Background(), 5, convID)
	if err != nil {
		t.Fatalf("first JoinConversation() error = %v", err)
	}
	if first.Role != RoleMember {
		t.Errorf("joiner role = %q, want MEMBER", first.Role)
	}

	second, err := svc.JoinConversation(context.Background(), 5, convID)
	if err != nil {
		t.Fatalf("second JoinConversation() error = %v", err)
	}
	if second.UserID != first.UserID || second.ConversationID != first.ConversationID {
		t.Error("second join returned a different participant row")
	}

	// Exactly one room join across both calls.
	if len(router.added) != 1 {
		t.Errorf("AddToRoom calls = %d, want 1", len(router.added))
	}
}

func TestJoinConversation_NotJoinable(t *testing.T) {
	store := newMemStore()
	store.users[1] = "olivia"
	store.users[2] = "amir"
	router := &fakeRouter{}
	svc := NewService(store, router)

	direct, err := svc.CreateConversation(context.Background(), 1, &CreateConversationRequest{Type: TypeDirect, Members: []int{2}})
	if err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}

	if _, err := svc.JoinConversation(context.Background(), 3, direct.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("joining DIRECT conversation error = %v, want ErrNotFound", err)
	}
	if _, err := svc.JoinConversation(context.Background(), 3, 999); !errors.Is(err, ErrNotFound) {
		t.Errorf("joining missing conversation error = %v, want ErrNotFound", err)
	}
}

func TestJoinConversation_LostRaceIsSuccess(t *testing.T) {
	svc, store, router, convID := newFixture(t)

	// The row appears between our existence check and insert; the insert
	// reports a unique violation and the winner already joined the room.
	store.failAddWithConflict = true

	p, err := svc.JoinConversation(context.Background(), 5, convID)
	if err != nil {
		t.Fatalf("JoinConversation() after lost race error = %v", err)
	}
	if p.UserID != 5 {
		t.Errorf("participant user = %d, want 5", p.UserID)
	}
	if len(router.added) != 0 {
		t.Errorf("AddToRoom calls = %d, want 0 after lost race", len(router.added))
	}
}

func TestLeaveConversation(t *testing.T) {
	svc, store, router, convID := newFixture(t)

	if err := svc.LeaveConversation(context.Background(), 2, convID); err != nil {
		t.Fatalf("LeaveConversation() error = %v", err)
	}
	if _, ok := store.parts[[2]int{convID, 2}]; ok {
		t.Error("participant row still present after leave")
	}
	if len(router.removed) != 1 || router.removed[0] != [2]int{2, convID} {
		t.Errorf("RemoveFromRoom calls = %v, want [[2 %d]]", router.removed, convID)
	}

	if err := svc.LeaveConversation(context.Background(), 2, convID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second leave error = %v, want ErrNotFound", err)
	}
}

func TestSendMessage_BroadcastExcludesSender(t *testing.T) {
	svc, store, router, convID := newFixture(t)

	msg, err := svc.SendMessage(context.Background(), 2, &SendMessageRequest{ConversationID: convID, Content: "hi"})
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if msg.ID == 0 || msg.Username != "amir" {
		t.Errorf("message = %+v, want assigned id and sender profile", msg)
	}
	if len(store.msgs) != 1 {
		t.Fatalf("persisted messages = %d, want 1", len(store.msgs))
	}

	if len(router.room) != 1 {
		t.Fatalf("BroadcastToRoom calls = %d, want 1", len(router.room))
	}
	b := router.room[0]
	if b.conversationID != convID || b.event != EventNewMessage {
		t.Errorf("broadcast = %+v, want newMessage to conversation %d", b, convID)
	}
	if b.exclude != 2 {
		t.Errorf("exclude = %d, want sender 2", b.exclude)
	}
	if got, ok := b.payload.(*Message); !ok || got.ID != msg.ID {
		t.Error("broadcast payload is not the persisted message")
	}
}

func TestSendMessage_NonParticipant(t *testing.T) {
	svc, store, router, convID := newFixture(t)

	_, err := svc.SendMessage(context.Background(), 42, &SendMessageRequest{ConversationID: convID, Content: "hi"})
	if !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("SendMessage() error = %v, want ErrPermissionDenied", err)
	}
	if len(store.msgs) != 0 || len(router.room) != 0 {
		t.Error("rejected send persisted or broadcast a message")
	}
}

func TestMutedParticipant_CanReadNotSend(t *testing.T) {
	svc, _, router, convID := newFixture(t)

	if _, err := svc.MuteUser(context.Background(), 1, &MuteRequest{ConversationID: convID, UserID: 2, Mute: true}); err != nil {
		t.Fatalf("MuteUser() error = %v", err)
	}
	// Muting never touches room membership.
	if len(router.removed) != 0 {
		t.Errorf("RemoveFromRoom calls after mute = %v, want none", router.removed)
	}

	if _, err := svc.SendMessage(context.Background(), 2, &SendMessageRequest{ConversationID: convID, Content: "hi"}); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("muted SendMessage() error = %v, want ErrPermissionDenied", err)
	}
	if _, err := svc.GetConversationMessages(context.Background(), 2, convID); err != nil {
		t.Errorf("muted GetConversationMessages() error = %v, want nil", err)
	}

	// Unmute restores sending.
	if _, err := svc.MuteUser(context.Background(), 1, &MuteRequest{ConversationID: convID, UserID: 2, Mute: false}); err != nil {
		t.Fatalf("unmute error = %v", err)
	}
	if _, err := svc.SendMessage(context.Background(), 2, &SendMessageRequest{ConversationID: convID, Content: "hi"}); err != nil {
		t.Errorf("unmuted SendMessage() error = %v, want nil", err)
	}
}

func TestBanUser(t *testing.T) {
	svc, store, router, convID := newFixture(t)

	p, err := svc.BanUser(context.Background(), 1, &BanRequest{ConversationID: convID, UserID: 2, Ban: true})
	if err != nil {
		t.Fatalf("BanUser() error = %v", err)
	}
	if !p.Banned {
		t.Error("participant not flagged banned")
	}
	// The row survives the ban; only live delivery is cut off.
	if _, ok := store.parts[[2]int{convID, 2}]; !ok {
		t.Error("ban deleted the participant row")
	}
	if len(router.removed) != 1 || router.removed[0] != [2]int{2, convID} {
		t.Errorf("RemoveFromRoom calls = %v, want banned user's", router.removed)
	}

	// Banned sender is rejected with nothing persisted and nothing broadcast.
	_, err = svc.SendMessage(context.Background(), 2, &SendMessageRequest{ConversationID: convID, Content: "hi"})
	if !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("banned SendMessage() error = %v, want ErrPermissionDenied", err)
	}
	if len(store.msgs) != 0 || len(router.room) != 0 {
		t.Error("banned sender's message was persisted or broadcast")
	}

	// Banned participants may still read.
	if _, err := svc.GetConversationMessages(context.Background(), 2, convID); err != nil {
		t.Errorf("banned GetConversationMessages() error = %v, want nil", err)
	}
}

func TestRoleLattice(t *testing.T) {
	svc, _, _, convID := newFixture(t)
	ctx := context.Background()

	// MEMBER cannot promote.
	if _, err := svc.SetAdmin(ctx, 2, &SetAdminRequest{ConversationID: convID, UserID: 3}); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("member SetAdmin() error = %v, want ErrPermissionDenied", err)
	}
	// MEMBER cannot moderate.
	if _, err := svc.MuteUser(ctx, 2, &MuteRequest{ConversationID: convID, UserID: 3, Mute: true}); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("member MuteUser() error = %v, want ErrPermissionDenied", err)
	}

	// OWNER promotes user 2.
	p, err := svc.SetAdmin(ctx, 1, &SetAdminRequest{ConversationID: convID, UserID: 2})
	if err != nil {
		t.Fatalf("owner SetAdmin() error = %v", err)
	}
	if p.Role != RoleAdmin {
		t.Errorf("promoted role = %q, want ADMIN", p.Role)
	}

	// ADMIN may moderate but still not promote.
	if _, err := svc.MuteUser(ctx, 2, &MuteRequest{ConversationID: convID, UserID: 3, Mute: true}); err != nil {
		t.Errorf("admin MuteUser() error = %v, want nil", err)
	}
	if _, err := svc.SetAdmin(ctx, 2, &SetAdminRequest{ConversationID: convID, UserID: 3}); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("admin SetAdmin() error = %v, want ErrPermissionDenied (owner-only)", err)
	}
}

func TestGetConversation(t *testing.T) {
	svc, _, router, convID := newFixture(t)

	conv, err := svc.GetConversation(context.Background(), 2, convID)
	if err != nil {
		t.Fatalf("GetConversation() error = %v", err)
	}
	if len(conv.Participants) != 3 {
		t.Errorf("participants = %d, want 3", len(conv.Participants))
	}

	// Reading the detail re-asserts room membership.
	if len(router.added) != 1 || router.added[0] != [2]int{2, convID} {
		t.Errorf("AddToRoom calls = %v, want requester re-join", router.added)
	}

	if _, err := svc.GetConversation(context.Background(), 42, convID); !errors.Is(err, ErrNotFound) {
		t.Errorf("non-member GetConversation() error = %v, want ErrNotFound", err)
	}
}

func TestGetConversationMessages_NonParticipant(t *testing.T) {
	svc, _, _, convID := newFixture(t)

	if _, err := svc.GetConversationMessages(context.Background(), 42, convID); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("non-member GetConversationMessages() error = %v, want ErrPermissionDenied", err)
	}
}

func TestMessageOrdering(t *testing.T) {
	svc, _, _, convID := newFixture(t)
	ctx := context.Background()

	contents := []string{"first", "second", "third"}
	senders := []int{1, 2, 3}
	for i, c := range contents {
		if _, err := svc.SendMessage(ctx, senders[i], &SendMessageRequest{ConversationID: convID, Content: c}); err != nil {
			t.Fatalf("SendMessage(%q) error = %v", c, err)
		}
		// Interleave unrelated operations between sends.
		if _, err := svc.GetConversation(ctx, 1, convID); err != nil {
			t.Fatalf("interleaved GetConversation() error = %v", err)
		}
	}

	msgs, err := svc.GetConversationMessages(ctx, 1, convID)
	if err != nil {
		t.Fatalf("GetConversationMessages() error = %v", err)
	}
	if len(msgs) != len(contents) {
		t.Fatalf("messages = %d, want %d", len(msgs), len(contents))
	}
	for i, m := range msgs {
		if m.Content != contents[i] {
			t.Errorf("message[%d] = %q, want %q", i, m.Content, contents[i])
		}
	}
}

// TestTeamScenario walks the full create/join/send/ban flow end to end at the
// service level.
func TestTeamScenario(t *testing.T) {
	store := newMemStore()
	store.users[10] = "owner"
	store.users[20] = "alice"
	router := &fakeRouter{}
	svc := NewService(store, router)
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, 10, &CreateConversationRequest{Name: "Team", Members: []int{20}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// Owner auto-joined, alice not.
	if len(router.added) != 1 || router.added[0] != [2]int{10, conv.ID} {
		t.Fatalf("after create AddToRoom = %v, want only owner", router.added)
	}

	if _, err := svc.JoinConversation(ctx, 20, conv.ID); err != nil {
		t.Fatalf("join: %v", err)
	}
	if len(router.added) != 2 {
		t.Fatalf("after join AddToRoom calls = %d, want 2", len(router.added))
	}

	msg, err := svc.SendMessage(ctx, 20, &SendMessageRequest{ConversationID: conv.ID, Content: "hi"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	last := router.room[len(router.room)-1]
	if last.exclude != 20 || last.payload.(*Message).Content != "hi" || last.payload.(*Message).SenderID != 20 {
		t.Errorf("broadcast = %+v, want hi from 20 excluding 20", last)
	}
	if msg.SenderID != 20 {
		t.Errorf("message sender = %d, want 20", msg.SenderID)
	}

	if _, err := svc.BanUser(ctx, 10, &BanRequest{ConversationID: conv.ID, UserID: 20, Ban: true}); err != nil {
		t.Fatalf("ban: %v", err)
	}
	if router.removed[len(router.removed)-1] != [2]int{20, conv.ID} {
		t.Error("ban did not remove alice from the room")
	}

	// Banned sender: denied, nothing persisted, nothing broadcast.
	msgCount, broadcastCount := len(store.msgs), len(router.room)
	if _, err := svc.SendMessage(ctx, 20, &SendMessageRequest{ConversationID: conv.ID, Content: "again"}); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("banned send error = %v, want ErrPermissionDenied", err)
	}
	if len(store.msgs) != msgCount || len(router.room) != broadcastCount {
		t.Error("banned send left a message row or broadcast behind")
	}
}
