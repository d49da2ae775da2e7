package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"fixflow/api/internal/config"
	"fixflow/api/internal/store"
	"fixflow/api/internal/util"
)

// memStore is an in-memory dataStore + cursorStore for service tests.
// It enforces the same one-channel-per-link rule as the real store so
// provisioning races behave the way they do against PostgreSQL.
type memStore struct {
	mu        sync.Mutex
	users     map[string]store.User
	channels  map[string]store.Channel
	members   map[string]map[string]time.Time
	messages  []store.Message
	nextMsgID int64
	cursors   map[string]time.Time
	refresh   map[string]string
	revoked   map[string]bool
	orders    map[string]store.WorkOrder
	assignees map[string][]string
	clock     time.Time
}

func newMemStore() *memStore {
	return &memStore{
		users:    map[string]store.User{},
		channels: map[string]store.Channel{},
		members:  map[string]map[string]time.Time{},
		cursors:  map[string]time.Time{},
		refresh:  map[string]string{},
		revoked:  map[string]bool{},
		orders:   map[string]store.WorkOrder{},
		assignees: map[string][]string{},
		clock:    time.Now().UTC(),
	}
}

// now exposes the current synthetic time without advancing it.
func (m *memStore) now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clock
}

// tick returns a strictly increasing timestamp so message ordering is
// deterministic.
func (m *memStore) tick() time.Time {
	m.clock = m.clock.Add(time.Second)
	return m.clock
}

func (m *memStore) Ping(ctx context.Context) error { return nil }

func (m *memStore) EnsureUserByName(ctx context.Context, name string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, user := range m.users {
		if user.DisplayName == name {
			return user, nil
		}
	}
	user := store.User{ID: util.NewID("usr"), DisplayName: name, Role: "technician", CreatedAt: m.tick()}
	m.users[user.ID] = user
	return user, nil
}

func (m *memStore) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return store.User{}, fmt.Errorf("user %s not found", userID)
	}
	return user, nil
}

func (m *memStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresh[tokenHash] = userID
	return nil
}

func (m *memStore) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	userID, ok := m.refresh[tokenHash]
	if !ok {
		return store.User{}, errors.New("refresh session not found")
	}
	return m.users[userID], nil
}

func (m *memStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.refresh, tokenHash)
	return nil
}

func (m *memStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[jti] = true
	return nil
}

func (m *memStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revoked[jti], nil
}

func (m *memStore) FindChannelByLink(ctx context.Context, entityType, entityID string) (*store.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, channel := range m.channels {
		if channel.Kind == store.ChannelKindLinked && channel.LinkedEntityType == entityType && channel.LinkedEntityID == entityID {
			found := channel
			return &found, nil
		}
	}
	return nil, nil
}

func (m *memStore) GetChannel(ctx context.Context, channelID string) (store.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	channel, ok := m.channels[channelID]
	if !ok {
		return store.Channel{}, notFound("Channel not found")
	}
	return channel, nil
}

func (m *memStore) InsertChannel(ctx context.Context, channel store.Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if channel.Kind == store.ChannelKindLinked {
		for _, existing := range m.channels {
			if existing.Kind == store.ChannelKindLinked &&
				existing.LinkedEntityType == channel.LinkedEntityType &&
				existing.LinkedEntityID == channel.LinkedEntityID {
				return store.ErrDuplicateChannel
			}
		}
	}
	channel.CreatedAt = m.tick()
	m.channels[channel.ID] = channel
	return nil
}

func (m *memStore) ListChannelsVisibleTo(ctx context.Context, userID string, elevated bool) ([]store.ChannelSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []store.ChannelSummary
	for _, channel := range m.channels {
		if !elevated && channel.Kind != store.ChannelKindTeam {
			if _, ok := m.members[channel.ID][userID]; !ok {
				continue
			}
		}
		summary := store.ChannelSummary{Channel: channel}
		for _, message := range m.messages {
			if message.ChannelID == channel.ID {
				at := message.CreatedAt
				if summary.LastMessageAt == nil || at.After(*summary.LastMessageAt) {
					summary.LastMessageAt = &at
				}
			}
		}
		items = append(items, summary)
	}
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.LastMessageAt == nil && b.LastMessageAt == nil {
			return a.DisplayName < b.DisplayName
		}
		if a.LastMessageAt == nil {
			return false
		}
		if b.LastMessageAt == nil {
			return true
		}
		return a.LastMessageAt.After(*b.LastMessageAt)
	})
	return items, nil
}

func (m *memStore) ReplaceChannelMembers(ctx context.Context, channelID string, userIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	replaced := map[string]time.Time{}
	for _, userID := range userIDs {
		if at, ok := m.members[channelID][userID]; ok {
			replaced[userID] = at
			continue
		}
		replaced[userID] = m.tick()
	}
	m.members[channelID] = replaced
	return nil
}

func (m *memStore) AddChannelMember(ctx context.Context, channelID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.members[channelID] == nil {
		m.members[channelID] = map[string]time.Time{}
	}
	if _, ok := m.members[channelID][userID]; !ok {
		m.members[channelID][userID] = m.tick()
	}
	return nil
}

func (m *memStore) RemoveChannelMember(ctx context.Context, channelID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.members[channelID], userID)
	return nil
}

func (m *memStore) ListChannelMembers(ctx context.Context, channelID string) ([]store.ChannelMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []store.ChannelMember
	for userID, joinedAt := range m.members[channelID] {
		items = append(items, store.ChannelMember{ChannelID: channelID, UserID: userID, JoinedAt: joinedAt})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].UserID < items[j].UserID })
	return items, nil
}

func (m *memStore) IsChannelMember(ctx context.Context, channelID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.members[channelID][userID]
	return ok, nil
}

func (m *memStore) InsertMessage(ctx context.Context, message store.Message) (store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextMsgID++
	message.ID = m.nextMsgID
	message.CreatedAt = m.tick()
	message.UpdatedAt = message.CreatedAt
	m.messages = append(m.messages, message)
	return message, nil
}

func (m *memStore) ListMessagesBefore(ctx context.Context, channelID string, before *time.Time, limit int) ([]store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []store.Message
	for _, message := range m.messages {
		if message.ChannelID != channelID {
			continue
		}
		if before != nil && !message.CreatedAt.Before(*before) {
			continue
		}
		items = append(items, message)
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].ID > items[j].ID
	})
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (m *memStore) CountMessagesSince(ctx context.Context, channelID string, after time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, message := range m.messages {
		if message.ChannelID == channelID && message.CreatedAt.After(after) {
			count++
		}
	}
	return count, nil
}

func (m *memStore) GetReadCursor(ctx context.Context, channelID, userID string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.cursors[channelID+":"+userID]
	return at, ok, nil
}

func (m *memStore) SetReadCursor(ctx context.Context, channelID, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := channelID + ":" + userID
	if existing, ok := m.cursors[key]; ok && existing.After(at) {
		return nil
	}
	m.cursors[key] = at
	return nil
}

// fakeGate freezes the records listed in terminal.
type fakeGate struct {
	mu       sync.Mutex
	terminal map[string]bool
}

func newFakeGate() *fakeGate {
	return &fakeGate{terminal: map[string]bool{}}
}

func (g *fakeGate) freeze(recordID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.terminal[recordID] = true
}

func (g *fakeGate) IsTerminal(ctx context.Context, entityType, entityID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.terminal[entityID], nil
}

// failingCursors simulates an unavailable read-state backend.
type failingCursors struct{}

func (failingCursors) GetReadCursor(ctx context.Context, channelID, userID string) (time.Time, bool, error) {
	return time.Time{}, false, errors.New("cursor backend down")
}

func (failingCursors) SetReadCursor(ctx context.Context, channelID, userID string, at time.Time) error {
	return errors.New("cursor backend down")
}

func testConfig() config.Config {
	return config.Config{
		JWTSecret:       "test-secret",
		AccessTTL:       15 * time.Minute,
		RefreshTTL:      24 * time.Hour,
		MessageMaxChars: 4000,
	}
}

func newTestService() (*Service, *memStore, *fakeGate) {
	data := newMemStore()
	gate := newFakeGate()
	service := &Service{cfg: testConfig(), store: data, cursors: data, gate: gate, now: data.now}
	return service, data, gate
}

func seedUser(t *testing.T, data *memStore, name, role string) store.User {
	t.Helper()
	user, err := data.EnsureUserByName(context.Background(), name)
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
	user.Role = role
	data.mu.Lock()
	data.users[user.ID] = user
	data.mu.Unlock()
	return user
}

func sessionFor(user store.User) Session {
	return Session{UserID: user.ID, UserName: user.DisplayName, Role: user.Role}
}

func seedLinkedChannel(t *testing.T, service *Service, recordID string, memberIDs []string) store.Channel {
	t.Helper()
	createdBy := ""
	if len(memberIDs) > 0 {
		createdBy = memberIDs[0]
	}
	if err := service.EnsureChannelForRecord(context.Background(), recordID, "WO "+recordID, createdBy, memberIDs); err != nil {
		t.Fatalf("ensure channel: %v", err)
	}
	channel, err := service.store.FindChannelByLink(context.Background(), recordEntityType, recordID)
	if err != nil || channel == nil {
		t.Fatalf("find channel: %v", err)
	}
	return *channel
}

func TestEnsureChannelForRecordProvisionsOnce(t *testing.T) {
	service, data, _ := newTestService()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			member := fmt.Sprintf("usr_%d", n)
			if err := service.EnsureChannelForRecord(ctx, "wo_race", "WO race", member, []string{member}); err != nil {
				t.Errorf("ensure %d: %v", n, err)
			}
		}(i)
	}
	wg.Wait()

	data.mu.Lock()
	defer data.mu.Unlock()
	count := 0
	for _, channel := range data.channels {
		if channel.LinkedEntityID == "wo_race" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one channel for the record, got %d", count)
	}
}

func TestEnsureChannelForRecordResync(t *testing.T) {
	service, data, _ := newTestService()
	ctx := context.Background()

	channel := seedLinkedChannel(t, service, "wo_1", []string{"usr_7", "usr_9"})

	// Assignment change: 7 drops out, 12 joins, 9 stays.
	if err := service.EnsureChannelForRecord(ctx, "wo_1", "WO wo_1", "usr_7", []string{"usr_9", "usr_12"}); err != nil {
		t.Fatalf("resync: %v", err)
	}

	members, err := data.ListChannelMembers(ctx, channel.ID)
	if err != nil {
		t.Fatalf("list members: %v", err)
	}
	got := make([]string, 0, len(members))
	for _, member := range members {
		got = append(got, member.UserID)
	}
	want := []string{"usr_12", "usr_9"}
	if len(got) != len(want) {
		t.Fatalf("members = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("members = %v, want %v", got, want)
		}
	}
}

func TestEnsureChannelForRecordIdempotent(t *testing.T) {
	service, data, _ := newTestService()
	ctx := context.Background()

	channel := seedLinkedChannel(t, service, "wo_2", []string{"usr_1", "usr_2"})
	before, _ := data.ListChannelMembers(ctx, channel.ID)

	for i := 0; i < 3; i++ {
		if err := service.EnsureChannelForRecord(ctx, "wo_2", "WO wo_2", "usr_1", []string{"usr_1", "usr_2"}); err != nil {
			t.Fatalf("resync %d: %v", i, err)
		}
	}

	after, _ := data.ListChannelMembers(ctx, channel.ID)
	if len(before) != len(after) {
		t.Fatalf("membership changed size: %d -> %d", len(before), len(after))
	}
}

func TestPostMessageValidation(t *testing.T) {
	service, data, _ := newTestService()
	ctx := context.Background()

	user := seedUser(t, data, "Tess", "technician")
	channel := seedLinkedChannel(t, service, "wo_3", []string{user.ID})

	if _, err := service.PostMessage(ctx, sessionFor(user), channel.ID, "   \n\t "); err == nil {
		t.Fatal("expected validation error for blank content")
	} else {
		var domainErr *DomainError
		if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
			t.Fatalf("expected VALIDATION_ERROR, got %v", err)
		}
	}

	if _, err := service.PostMessage(ctx, sessionFor(user), channel.ID, strings.Repeat("x", 4001)); err == nil {
		t.Fatal("expected validation error for oversized content")
	}

	message, err := service.PostMessage(ctx, sessionFor(user), channel.ID, "  pump is leaking  ")
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if message.Content != "pump is leaking" {
		t.Fatalf("content = %q, want trimmed", message.Content)
	}
	if message.Kind != store.MessageKindUser {
		t.Fatalf("kind = %q", message.Kind)
	}
}

func TestMessagesPaginationWalksBackWithoutGaps(t *testing.T) {
	service, data, _ := newTestService()
	ctx := context.Background()

	user := seedUser(t, data, "Pat", "technician")
	session := sessionFor(user)
	channel := seedLinkedChannel(t, service, "wo_4", []string{user.ID})

	total := 7
	for i := 1; i <= total; i++ {
		if _, err := service.PostMessage(ctx, session, channel.ID, fmt.Sprintf("m%d", i)); err != nil {
			t.Fatalf("post %d: %v", i, err)
		}
	}

	var collected []string
	var before *time.Time
	for page := 0; ; page++ {
		result, err := service.Messages(ctx, session, channel.ID, before, 3)
		if err != nil {
			t.Fatalf("page %d: %v", page, err)
		}
		// Each page arrives oldest to newest.
		for i := 1; i < len(result.Messages); i++ {
			if result.Messages[i].CreatedAt.Before(result.Messages[i-1].CreatedAt) {
				t.Fatal("page not in chronological order")
			}
		}
		for i := len(result.Messages) - 1; i >= 0; i-- {
			collected = append(collected, result.Messages[i].Content)
		}
		if !result.HasMore {
			if len(result.Messages) == 0 && page == 0 {
				t.Fatal("first page empty")
			}
			break
		}
		oldest := result.Messages[0].CreatedAt
		before = &oldest
	}

	if len(collected) != total {
		t.Fatalf("collected %d messages, want %d", len(collected), total)
	}
	seen := map[string]bool{}
	for _, content := range collected {
		if seen[content] {
			t.Fatalf("duplicate message %q across pages", content)
		}
		seen[content] = true
	}
}

func TestMessagesLimitValidation(t *testing.T) {
	service, data, _ := newTestService()
	user := seedUser(t, data, "Lim", "technician")
	channel := seedLinkedChannel(t, service, "wo_5", []string{user.ID})

	_, err := service.Messages(context.Background(), sessionFor(user), channel.ID, nil, 101)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR for limit 101, got %v", err)
	}
}

func TestOwnMessageCountsAsUnread(t *testing.T) {
	service, data, _ := newTestService()
	ctx := context.Background()

	user := seedUser(t, data, "Sol", "technician")
	session := sessionFor(user)
	channel := seedLinkedChannel(t, service, "wo_6", []string{user.ID})

	if err := service.MarkRead(ctx, session, channel.ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if _, err := service.PostMessage(ctx, session, channel.ID, "note to self"); err != nil {
		t.Fatalf("post: %v", err)
	}

	total, err := service.UnreadTotal(ctx, session)
	if err != nil {
		t.Fatalf("unread total: %v", err)
	}
	if total != 1 {
		t.Fatalf("unread = %d, want 1 (own messages count)", total)
	}
}

func TestMarkReadClearsUnread(t *testing.T) {
	service, data, _ := newTestService()
	ctx := context.Background()

	author := seedUser(t, data, "Ada", "technician")
	reader := seedUser(t, data, "Ray", "technician")
	channel := seedLinkedChannel(t, service, "wo_7", []string{author.ID, reader.ID})

	for i := 0; i < 3; i++ {
		if _, err := service.PostMessage(ctx, sessionFor(author), channel.ID, "update"); err != nil {
			t.Fatalf("post: %v", err)
		}
	}

	total, _ := service.UnreadTotal(ctx, sessionFor(reader))
	if total != 3 {
		t.Fatalf("unread before mark = %d, want 3", total)
	}

	if err := service.MarkRead(ctx, sessionFor(reader), channel.ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	total, _ = service.UnreadTotal(ctx, sessionFor(reader))
	if total != 0 {
		t.Fatalf("unread after mark = %d, want 0", total)
	}

	if _, err := service.PostMessage(ctx, sessionFor(author), channel.ID, "one more"); err != nil {
		t.Fatalf("post: %v", err)
	}
	total, _ = service.UnreadTotal(ctx, sessionFor(reader))
	if total != 1 {
		t.Fatalf("unread after new message = %d, want 1", total)
	}
}

func TestMarkReadIsBestEffort(t *testing.T) {
	data := newMemStore()
	gate := newFakeGate()
	service := &Service{cfg: testConfig(), store: data, cursors: failingCursors{}, gate: gate}
	ctx := context.Background()

	user := seedUser(t, data, "Flo", "technician")
	channel := seedLinkedChannel(t, service, "wo_8", []string{user.ID})

	// A broken cursor backend must not surface to the caller.
	if err := service.MarkRead(ctx, sessionFor(user), channel.ID); err != nil {
		t.Fatalf("mark read surfaced backend error: %v", err)
	}

	// Unread falls back to epoch when the cursor is unreadable.
	if _, err := service.PostMessage(ctx, sessionFor(user), channel.ID, "hello"); err != nil {
		t.Fatalf("post: %v", err)
	}
	total, err := service.UnreadTotal(ctx, sessionFor(user))
	if err != nil {
		t.Fatalf("unread total: %v", err)
	}
	if total != 1 {
		t.Fatalf("unread = %d, want 1", total)
	}
}

func TestFrozenChannelReturnsGone(t *testing.T) {
	service, data, gate := newTestService()
	ctx := context.Background()

	user := seedUser(t, data, "Gus", "technician")
	session := sessionFor(user)
	channel := seedLinkedChannel(t, service, "wo_9", []string{user.ID})

	if _, err := service.PostMessage(ctx, session, channel.ID, "before freeze"); err != nil {
		t.Fatalf("post: %v", err)
	}

	gate.freeze("wo_9")

	assertGone := func(name string, err error) {
		t.Helper()
		var domainErr *DomainError
		if !errors.As(err, &domainErr) || domainErr.Code != "GONE" {
			t.Fatalf("%s: expected GONE, got %v", name, err)
		}
	}

	_, err := service.PostMessage(ctx, session, channel.ID, "after freeze")
	assertGone("post", err)
	_, err = service.Messages(ctx, session, channel.ID, nil, 10)
	assertGone("messages", err)
	err = service.MarkRead(ctx, session, channel.ID)
	assertGone("mark read", err)
	_, err = service.GetChannel(ctx, session, channel.ID)
	assertGone("get", err)

	// Frozen channels drop out of the list instead of erroring it.
	items, err := service.ListChannels(ctx, session)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, item := range items {
		if item.ID == channel.ID {
			t.Fatal("frozen channel still listed")
		}
	}
}

func TestElevatedRoleBypassesMembership(t *testing.T) {
	service, data, _ := newTestService()
	ctx := context.Background()

	member := seedUser(t, data, "Mia", "technician")
	manager := seedUser(t, data, "Boss", "manager")
	outsider := seedUser(t, data, "Out", "technician")
	channel := seedLinkedChannel(t, service, "wo_10", []string{member.ID})

	if _, err := service.GetChannel(ctx, sessionFor(manager), channel.ID); err != nil {
		t.Fatalf("manager denied: %v", err)
	}
	// First elevated access records membership so read cursors work.
	isMember, _ := data.IsChannelMember(ctx, channel.ID, manager.ID)
	if !isMember {
		t.Fatal("manager not lazily joined")
	}

	_, err := service.GetChannel(ctx, sessionFor(outsider), channel.ID)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN for non-member, got %v", err)
	}
}

func TestCreateTeamChannelRequiresElevatedRole(t *testing.T) {
	service, data, _ := newTestService()
	ctx := context.Background()

	tech := seedUser(t, data, "Tod", "technician")
	manager := seedUser(t, data, "Meg", "manager")

	_, err := service.CreateTeamChannel(ctx, sessionFor(tech), "Night Shift")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN for technician, got %v", err)
	}

	detail, err := service.CreateTeamChannel(ctx, sessionFor(manager), "Night Shift")
	if err != nil {
		t.Fatalf("manager create: %v", err)
	}
	if detail.Kind != store.ChannelKindTeam {
		t.Fatalf("kind = %q", detail.Kind)
	}
	if len(detail.Members) != 1 || detail.Members[0].UserID != manager.ID {
		t.Fatalf("creator not a member: %+v", detail.Members)
	}
}

func TestTeamChannelOpenToAllRoles(t *testing.T) {
	service, data, _ := newTestService()
	ctx := context.Background()

	manager := seedUser(t, data, "Mel", "manager")
	requester := seedUser(t, data, "Req", "requester")

	detail, err := service.CreateTeamChannel(ctx, sessionFor(manager), "Lobby")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := service.PostMessage(ctx, sessionFor(requester), detail.ID, "hello"); err != nil {
		t.Fatalf("requester denied on team channel: %v", err)
	}
}

func TestPostSystemNoticeWithoutChannelIsSilent(t *testing.T) {
	service, data, _ := newTestService()
	ctx := context.Background()

	if err := service.PostSystemNotice(ctx, "wo_missing", "usr_x", "Status changed"); err != nil {
		t.Fatalf("expected silent no-op, got %v", err)
	}

	data.mu.Lock()
	defer data.mu.Unlock()
	if len(data.messages) != 0 {
		t.Fatalf("message appended without channel: %d", len(data.messages))
	}
}

func TestPostSystemNoticeAppendsSystemMessage(t *testing.T) {
	service, data, _ := newTestService()
	ctx := context.Background()

	seedLinkedChannel(t, service, "wo_11", []string{"usr_1"})
	if err := service.PostSystemNotice(ctx, "wo_11", "usr_1", "Assignment updated"); err != nil {
		t.Fatalf("notice: %v", err)
	}

	data.mu.Lock()
	defer data.mu.Unlock()
	if len(data.messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(data.messages))
	}
	if data.messages[0].Kind != store.MessageKindSystem {
		t.Fatalf("kind = %q, want system", data.messages[0].Kind)
	}
}

func TestListChannelsOrderedByRecentActivity(t *testing.T) {
	service, data, _ := newTestService()
	ctx := context.Background()

	user := seedUser(t, data, "Ord", "technician")
	session := sessionFor(user)
	first := seedLinkedChannel(t, service, "wo_a", []string{user.ID})
	second := seedLinkedChannel(t, service, "wo_b", []string{user.ID})

	if _, err := service.PostMessage(ctx, session, first.ID, "older"); err != nil {
		t.Fatalf("post: %v", err)
	}
	if _, err := service.PostMessage(ctx, session, second.ID, "newer"); err != nil {
		t.Fatalf("post: %v", err)
	}

	items, err := service.ListChannels(ctx, session)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("channels = %d, want 2", len(items))
	}
	if items[0].ID != second.ID {
		t.Fatalf("most recently active channel not first: %v", items[0].ID)
	}
	if items[1].Unread != 1 || items[0].Unread != 1 {
		t.Fatalf("unread counts = %d,%d, want 1,1", items[0].Unread, items[1].Unread)
	}
}

// ---- work-order backing for end-to-end handler tests ----

func (m *memStore) InsertWorkOrder(ctx context.Context, order store.WorkOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	order.CreatedAt = m.tick()
	order.UpdatedAt = order.CreatedAt
	m.orders[order.ID] = order
	return nil
}

func (m *memStore) GetWorkOrder(ctx context.Context, orderID string) (store.WorkOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok {
		return store.WorkOrder{}, sql.ErrNoRows
	}
	order.AssigneeIDs = append([]string(nil), m.assignees[orderID]...)
	return order, nil
}

func (m *memStore) GetWorkOrderStatus(ctx context.Context, orderID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok {
		return "", sql.ErrNoRows
	}
	return order.Status, nil
}

func (m *memStore) UpdateWorkOrderStatus(ctx context.Context, orderID, status string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok {
		return false, nil
	}
	order.Status = status
	order.UpdatedAt = m.tick()
	m.orders[orderID] = order
	return true, nil
}

func (m *memStore) ReplaceWorkOrderAssignees(ctx context.Context, orderID string, userIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignees[orderID] = append([]string(nil), userIDs...)
	return nil
}
