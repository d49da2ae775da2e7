package app

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"fixflow/api/internal/auth"
	"fixflow/api/internal/authpw"
	"fixflow/api/internal/config"
	"fixflow/api/internal/rbac"
	"fixflow/api/internal/store"
	"fixflow/api/internal/util"
)

// recordEntityType is the link type for channels provisioned from
// work orders.
const recordEntityType = "work_order"

const (
	defaultPageLimit = 50
	maxPageLimit     = 100
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

type ChannelView struct {
	ID             string     `json:"id"`
	Kind           string     `json:"kind"`
	DisplayName    string     `json:"displayName"`
	LinkedEntityID string     `json:"linkedEntityId,omitempty"`
	LastMessageAt  *time.Time `json:"lastMessageAt,omitempty"`
	Unread         int        `json:"unread"`
}

type ChannelDetail struct {
	ID             string       `json:"id"`
	Kind           string       `json:"kind"`
	DisplayName    string       `json:"displayName"`
	LinkedEntityID string       `json:"linkedEntityId,omitempty"`
	CreatedBy      string       `json:"createdBy"`
	CreatedAt      time.Time    `json:"createdAt"`
	Members        []MemberView `json:"members"`
	Unread         int          `json:"unread"`
}

type MemberView struct {
	UserID   string    `json:"userId"`
	JoinedAt time.Time `json:"joinedAt"`
}

type MessageView struct {
	ID        int64     `json:"id"`
	ChannelID string    `json:"channelId"`
	AuthorID  string    `json:"authorId"`
	Kind      string    `json:"kind"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

type MessagePage struct {
	Messages []MessageView `json:"messages"`
	HasMore  bool          `json:"hasMore"`
}

type dataStore interface {
	EnsureUserByName(ctx context.Context, name string) (store.User, error)
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)

	FindChannelByLink(ctx context.Context, entityType, entityID string) (*store.Channel, error)
	GetChannel(ctx context.Context, channelID string) (store.Channel, error)
	InsertChannel(ctx context.Context, channel store.Channel) error
	ListChannelsVisibleTo(ctx context.Context, userID string, elevated bool) ([]store.ChannelSummary, error)
	ReplaceChannelMembers(ctx context.Context, channelID string, userIDs []string) error
	AddChannelMember(ctx context.Context, channelID, userID string) error
	RemoveChannelMember(ctx context.Context, channelID, userID string) error
	ListChannelMembers(ctx context.Context, channelID string) ([]store.ChannelMember, error)
	IsChannelMember(ctx context.Context, channelID, userID string) (bool, error)

	InsertMessage(ctx context.Context, message store.Message) (store.Message, error)
	ListMessagesBefore(ctx context.Context, channelID string, before *time.Time, limit int) ([]store.Message, error)
	CountMessagesSince(ctx context.Context, channelID string, after time.Time) (int, error)

	Ping(ctx context.Context) error
}

// cursorStore is the read-state backend. PostgreSQL implements it; the
// Redis backend in internal/cursor can replace it.
type cursorStore interface {
	GetReadCursor(ctx context.Context, channelID, userID string) (time.Time, bool, error)
	SetReadCursor(ctx context.Context, channelID, userID string, at time.Time) error
}

// recordGate answers whether a linked entity has reached a terminal
// state. It re-queries the record on every check; nothing is cached.
type recordGate interface {
	IsTerminal(ctx context.Context, entityType, entityID string) (bool, error)
}

type Service struct {
	cfg       config.Config
	store     dataStore
	cursors   cursorStore
	gate      recordGate
	passwords *authpw.Service
	now       func() time.Time
}

func (s *Service) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

func New(cfg config.Config, dataStore *store.PostgresStore, gate recordGate, passwords *authpw.Service) *Service {
	return &Service{
		cfg:       cfg,
		store:     dataStore,
		cursors:   dataStore,
		gate:      gate,
		passwords: passwords,
	}
}

// NewWithCursorStore swaps the read-cursor backend (Redis) while the
// rest of the data stays in PostgreSQL.
func NewWithCursorStore(cfg config.Config, dataStore *store.PostgresStore, cursors cursorStore, gate recordGate, passwords *authpw.Service) *Service {
	service := New(cfg, dataStore, gate, passwords)
	service.cursors = cursors
	return service
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) PasswordService() *authpw.Service {
	return s.passwords
}

// Bootstrap seeds an empty installation with a default team channel.
func (s *Service) Bootstrap(ctx context.Context) error {
	channels, err := s.store.ListChannelsVisibleTo(ctx, "", true)
	if err != nil {
		return err
	}
	if len(channels) > 0 {
		return nil
	}

	owner, err := s.store.EnsureUserByName(ctx, "Riley Ops")
	if err != nil {
		return err
	}

	channel := store.Channel{
		ID:          util.NewID("ch"),
		Kind:        store.ChannelKindTeam,
		DisplayName: "General Maintenance",
		CreatedBy:   owner.ID,
	}
	if err := s.store.InsertChannel(ctx, channel); err != nil {
		return err
	}
	return s.store.AddChannelMember(ctx, channel.ID, owner.ID)
}

// ---- sessions ----

func (s *Service) Login(ctx context.Context, name string) (Session, error) {
	userName := strings.TrimSpace(name)
	if userName == "" {
		userName = "User"
	}

	user, err := s.store.EnsureUserByName(ctx, userName)
	if err != nil {
		return Session{}, err
	}
	return s.IssueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.store.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.store.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.IssueSession(ctx, user)
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if refreshToken != "" {
		if err := s.store.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			return err
		}
	}
	if session.JTI != "" {
		return s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	return nil
}

func (s *Service) IssueSession(ctx context.Context, user store.User) (Session, error) {
	now := s.clock()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		Role: user.Role,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.store.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
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
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// ---- access control and lifecycle gate ----

// canAccess is the single access decision: elevated roles see every
// channel, team channels are open to everyone, linked channels require
// explicit membership.
func (s *Service) canAccess(ctx context.Context, session Session, channel store.Channel) (bool, error) {
	if rbac.Elevated(rbac.Normalize(session.Role)) {
		return true, nil
	}
	if channel.Kind == store.ChannelKindTeam {
		return true, nil
	}
	return s.store.IsChannelMember(ctx, channel.ID, session.UserID)
}

// gateChannel refuses any operation on a linked channel whose record
// is terminal. Team channels are never gated.
func (s *Service) gateChannel(ctx context.Context, channel store.Channel) error {
	if channel.Kind != store.ChannelKindLinked {
		return nil
	}
	terminal, err := s.gate.IsTerminal(ctx, channel.LinkedEntityType, channel.LinkedEntityID)
	if err != nil {
		return err
	}
	if terminal {
		return gone()
	}
	return nil
}

// openChannel is the shared preamble for every per-channel operation:
// lookup, lifecycle gate, access check, lazy join.
func (s *Service) openChannel(ctx context.Context, session Session, channelID string) (store.Channel, error) {
	channel, err := s.store.GetChannel(ctx, channelID)
	if err != nil {
		return store.Channel{}, err
	}
	if err := s.gateChannel(ctx, channel); err != nil {
		return store.Channel{}, err
	}
	allowed, err := s.canAccess(ctx, session, channel)
	if err != nil {
		return store.Channel{}, err
	}
	if !allowed {
		return store.Channel{}, forbidden()
	}
	s.lazyJoin(ctx, session, channel)
	return channel, nil
}

// lazyJoin records membership for users whose access does not depend
// on it (team channels, elevated roles), so read cursors have a home.
func (s *Service) lazyJoin(ctx context.Context, session Session, channel store.Channel) {
	if channel.Kind != store.ChannelKindTeam && !rbac.Elevated(rbac.Normalize(session.Role)) {
		return
	}
	if err := s.store.AddChannelMember(ctx, channel.ID, session.UserID); err != nil {
		log.Printf("lazy join of %s to %s failed: %v", session.UserID, channel.ID, err)
	}
}

// ---- channels ----

func (s *Service) ListChannels(ctx context.Context, session Session) ([]ChannelView, error) {
	elevated := rbac.Elevated(rbac.Normalize(session.Role))
	summaries, err := s.store.ListChannelsVisibleTo(ctx, session.UserID, elevated)
	if err != nil {
		return nil, err
	}

	items := make([]ChannelView, 0, len(summaries))
	for _, summary := range summaries {
		if err := s.gateChannel(ctx, summary.Channel); err != nil {
			var domainErr *DomainError
			if errors.As(err, &domainErr) && domainErr.Code == "GONE" {
				continue
			}
			return nil, err
		}
		items = append(items, ChannelView{
			ID:             summary.ID,
			Kind:           summary.Kind,
			DisplayName:    summary.DisplayName,
			LinkedEntityID: summary.LinkedEntityID,
			LastMessageAt:  summary.LastMessageAt,
			Unread:         s.unreadCount(ctx, session, summary.Channel),
		})
	}
	return items, nil
}

func (s *Service) GetChannel(ctx context.Context, session Session, channelID string) (ChannelDetail, error) {
	channel, err := s.openChannel(ctx, session, channelID)
	if err != nil {
		return ChannelDetail{}, err
	}
	return s.channelDetail(ctx, session, channel)
}

func (s *Service) channelDetail(ctx context.Context, session Session, channel store.Channel) (ChannelDetail, error) {
	members, err := s.store.ListChannelMembers(ctx, channel.ID)
	if err != nil {
		return ChannelDetail{}, err
	}
	memberViews := make([]MemberView, 0, len(members))
	for _, member := range members {
		memberViews = append(memberViews, MemberView{UserID: member.UserID, JoinedAt: member.JoinedAt})
	}
	return ChannelDetail{
		ID:             channel.ID,
		Kind:           channel.Kind,
		DisplayName:    channel.DisplayName,
		LinkedEntityID: channel.LinkedEntityID,
		CreatedBy:      channel.CreatedBy,
		CreatedAt:      channel.CreatedAt,
		Members:        memberViews,
		Unread:         s.unreadCount(ctx, session, channel),
	}, nil
}

func (s *Service) CreateTeamChannel(ctx context.Context, session Session, displayName string) (ChannelDetail, error) {
	if !s.Can(session.Role, rbac.ActionCreateChannel) {
		return ChannelDetail{}, forbidden()
	}
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return ChannelDetail{}, validationError("displayName", "displayName is required")
	}

	channel := store.Channel{
		ID:          util.NewID("ch"),
		Kind:        store.ChannelKindTeam,
		DisplayName: displayName,
		CreatedBy:   session.UserID,
	}
	if err := s.store.InsertChannel(ctx, channel); err != nil {
		return ChannelDetail{}, err
	}
	if err := s.store.AddChannelMember(ctx, channel.ID, session.UserID); err != nil {
		return ChannelDetail{}, err
	}
	created, err := s.store.GetChannel(ctx, channel.ID)
	if err != nil {
		return ChannelDetail{}, err
	}
	return s.channelDetail(ctx, session, created)
}

// JoinChannel records explicit membership in a team channel.
func (s *Service) JoinChannel(ctx context.Context, session Session, channelID string) error {
	channel, err := s.store.GetChannel(ctx, channelID)
	if err != nil {
		return err
	}
	if err := s.gateChannel(ctx, channel); err != nil {
		return err
	}
	if channel.Kind != store.ChannelKindTeam {
		return forbidden()
	}
	return s.store.AddChannelMember(ctx, channelID, session.UserID)
}

// ---- messages ----

func (s *Service) PostMessage(ctx context.Context, session Session, channelID, content string) (MessageView, error) {
	channel, err := s.openChannel(ctx, session, channelID)
	if err != nil {
		return MessageView{}, err
	}

	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return MessageView{}, validationError("content", "content must not be empty")
	}
	if len(trimmed) > s.messageMaxChars() {
		return MessageView{}, validationError("content", "content is too long")
	}

	message, err := s.store.InsertMessage(ctx, store.Message{
		ChannelID: channel.ID,
		AuthorID:  session.UserID,
		Kind:      store.MessageKindUser,
		Content:   trimmed,
	})
	if err != nil {
		return MessageView{}, err
	}
	return messageView(message), nil
}

// Messages pages backward through a channel: up to limit messages older
// than before, returned oldest to newest.
func (s *Service) Messages(ctx context.Context, session Session, channelID string, before *time.Time, limit int) (MessagePage, error) {
	if limit == 0 {
		limit = defaultPageLimit
	}
	if limit < 0 || limit > maxPageLimit {
		return MessagePage{}, validationError("limit", "limit must be between 1 and 100")
	}

	if _, err := s.openChannel(ctx, session, channelID); err != nil {
		return MessagePage{}, err
	}

	// Fetch one past the limit to learn whether older messages remain.
	fetched, err := s.store.ListMessagesBefore(ctx, channelID, before, limit+1)
	if err != nil {
		return MessagePage{}, err
	}
	hasMore := len(fetched) > limit
	if hasMore {
		fetched = fetched[:limit]
	}

	// The store returns newest first; callers read chronologically.
	items := make([]MessageView, 0, len(fetched))
	for i := len(fetched) - 1; i >= 0; i-- {
		items = append(items, messageView(fetched[i]))
	}
	return MessagePage{Messages: items, HasMore: hasMore}, nil
}

func messageView(message store.Message) MessageView {
	return MessageView{
		ID:        message.ID,
		ChannelID: message.ChannelID,
		AuthorID:  message.AuthorID,
		Kind:      message.Kind,
		Content:   message.Content,
		CreatedAt: message.CreatedAt,
	}
}

func (s *Service) messageMaxChars() int {
	if s.cfg.MessageMaxChars > 0 {
		return s.cfg.MessageMaxChars
	}
	return 4000
}

// ---- read cursors ----

// MarkRead advances the caller's cursor to now. Read state is
// best-effort: a failing cursor backend is logged, never surfaced.
func (s *Service) MarkRead(ctx context.Context, session Session, channelID string) error {
	if _, err := s.openChannel(ctx, session, channelID); err != nil {
		return err
	}
	if err := s.cursors.SetReadCursor(ctx, channelID, session.UserID, s.clock()); err != nil {
		log.Printf("mark read for %s in %s failed: %v", session.UserID, channelID, err)
	}
	return nil
}

// unreadCount computes unread on demand: messages newer than the
// cursor, a missing cursor meaning everything. The author's own
// messages count too; unread is a pure timestamp comparison.
func (s *Service) unreadCount(ctx context.Context, session Session, channel store.Channel) int {
	lastReadAt, _, err := s.cursors.GetReadCursor(ctx, channel.ID, session.UserID)
	if err != nil {
		log.Printf("read cursor for %s in %s unavailable: %v", session.UserID, channel.ID, err)
		lastReadAt = time.Time{}
	}
	count, err := s.store.CountMessagesSince(ctx, channel.ID, lastReadAt)
	if err != nil {
		log.Printf("unread count for %s failed: %v", channel.ID, err)
		return 0
	}
	return count
}

// UnreadTotal sums unread across every channel visible to the caller.
func (s *Service) UnreadTotal(ctx context.Context, session Session) (int, error) {
	channels, err := s.ListChannels(ctx, session)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, channel := range channels {
		total += channel.Unread
	}
	return total, nil
}

// ---- work-record collaborator surface ----

// EnsureChannelForRecord provisions or converges the channel bound to
// a work record: find-and-resync, or create and, when another caller
// wins the race, fall back to the winner and resync it. The conflict
// never escapes.
func (s *Service) EnsureChannelForRecord(ctx context.Context, recordID, displayName, createdBy string, memberIDs []string) error {
	existing, err := s.store.FindChannelByLink(ctx, recordEntityType, recordID)
	if err != nil {
		return err
	}
	if existing != nil {
		return s.store.ReplaceChannelMembers(ctx, existing.ID, memberIDs)
	}

	channel := store.Channel{
		ID:               util.NewID("ch"),
		Kind:             store.ChannelKindLinked,
		LinkedEntityType: recordEntityType,
		LinkedEntityID:   recordID,
		DisplayName:      displayName,
		CreatedBy:        createdBy,
	}
	err = s.store.InsertChannel(ctx, channel)
	if err == nil {
		return s.store.ReplaceChannelMembers(ctx, channel.ID, memberIDs)
	}
	if !errors.Is(err, store.ErrDuplicateChannel) {
		return err
	}

	// Lost the provisioning race; converge on the winner.
	winner, err := s.store.FindChannelByLink(ctx, recordEntityType, recordID)
	if err != nil {
		return err
	}
	if winner == nil {
		return notFound("channel for record " + recordID + " not found")
	}
	return s.store.ReplaceChannelMembers(ctx, winner.ID, memberIDs)
}

// PostSystemNotice appends a system message to the record's channel.
// Best-effort: no channel yet means no notice, never an error.
func (s *Service) PostSystemNotice(ctx context.Context, recordID, actingUserID, text string) error {
	channel, err := s.store.FindChannelByLink(ctx, recordEntityType, recordID)
	if err != nil {
		return err
	}
	if channel == nil {
		log.Printf("no channel for record %s; system notice dropped", recordID)
		return nil
	}

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	if max := s.messageMaxChars(); len(trimmed) > max {
		trimmed = trimmed[:max]
	}

	_, err = s.store.InsertMessage(ctx, store.Message{
		ChannelID: channel.ID,
		AuthorID:  actingUserID,
		Kind:      store.MessageKindSystem,
		Content:   trimmed,
	})
	return err
}

// ChannelForRecord resolves (provisioning if needed) the channel for a
// work record and returns its detail, subject to gate and access.
func (s *Service) ChannelForRecord(ctx context.Context, session Session, recordID, displayName, createdBy string, memberIDs []string) (ChannelDetail, error) {
	terminal, err := s.gate.IsTerminal(ctx, recordEntityType, recordID)
	if err != nil {
		return ChannelDetail{}, err
	}
	if terminal {
		return ChannelDetail{}, gone()
	}

	if err := s.EnsureChannelForRecord(ctx, recordID, displayName, createdBy, memberIDs); err != nil {
		return ChannelDetail{}, err
	}
	channel, err := s.store.FindChannelByLink(ctx, recordEntityType, recordID)
	if err != nil {
		return ChannelDetail{}, err
	}
	if channel == nil {
		return ChannelDetail{}, notFound("channel for record " + recordID + " not found")
	}

	allowed, err := s.canAccess(ctx, session, *channel)
	if err != nil {
		return ChannelDetail{}, err
	}
	if !allowed {
		return ChannelDetail{}, forbidden()
	}
	s.lazyJoin(ctx, session, *channel)
	return s.channelDetail(ctx, session, *channel)
}
