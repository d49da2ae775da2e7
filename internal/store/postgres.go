package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"fixflow/api/internal/util"
)

// ErrDuplicateChannel reports that another channel already holds the
// same (linked_entity_type, linked_entity_id) link. Callers recover by
// re-fetching the winner and converging on it.
var ErrDuplicateChannel = errors.New("channel already exists for link")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// ---- users ----

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash, role)
		VALUES ($1, $2, $3, $4, $5)
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash, user.Role)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("email already registered")
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, COALESCE(password_hash, ''), role, created_at
		FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, COALESCE(password_hash, ''), role, created_at
		FROM users WHERE email=$1
	`, email).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) EnsureUserByName(ctx context.Context, name string) (User, error) {
	const findUser = `
		SELECT id, display_name, email, COALESCE(password_hash, ''), role, created_at
		FROM users WHERE display_name = $1
	`
	var user User
	err := s.db.QueryRowContext(ctx, findUser, name).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role, &user.CreatedAt)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	insertUser := `
		INSERT INTO users (id, display_name, email, role)
		VALUES ($1, $2, CONCAT(LOWER(REPLACE($2, ' ', '.')), '@local.fixflow.dev'), 'technician')
		RETURNING id, display_name, email, COALESCE(password_hash, ''), role, created_at
	`
	if err := s.db.QueryRowContext(ctx, insertUser, util.NewID("usr"), name).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role, &user.CreatedAt); err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

// ---- refresh sessions / revoked tokens ----

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.display_name, u.email, COALESCE(u.password_hash, ''), u.role, u.created_at
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
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

// ---- channels ----

func (s *PostgresStore) FindChannelByLink(ctx context.Context, entityType, entityID string) (*Channel, error) {
	const query = `
		SELECT id, kind, COALESCE(linked_entity_type, ''), COALESCE(linked_entity_id, ''), display_name, created_by, created_at
		FROM channels
		WHERE linked_entity_type=$1 AND linked_entity_id=$2
	`
	var item Channel
	err := s.db.QueryRowContext(ctx, query, entityType, entityID).Scan(
		&item.ID,
		&item.Kind,
		&item.LinkedEntityType,
		&item.LinkedEntityID,
		&item.DisplayName,
		&item.CreatedBy,
		&item.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find channel by link: %w", err)
	}
	return &item, nil
}

func (s *PostgresStore) GetChannel(ctx context.Context, channelID string) (Channel, error) {
	var item Channel
	err := s.db.QueryRowContext(ctx, `
		SELECT id, kind, COALESCE(linked_entity_type, ''), COALESCE(linked_entity_id, ''), display_name, created_by, created_at
		FROM channels
		WHERE id=$1
	`, channelID).Scan(
		&item.ID,
		&item.Kind,
		&item.LinkedEntityType,
		&item.LinkedEntityID,
		&item.DisplayName,
		&item.CreatedBy,
		&item.CreatedAt,
	)
	if err != nil {
		return Channel{}, err
	}
	return item, nil
}

// InsertChannel returns ErrDuplicateChannel when the partial unique
// index on the link rejects the row. The store's constraint, not a
// lock, decides the winner of concurrent provisioning.
func (s *PostgresStore) InsertChannel(ctx context.Context, channel Channel) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channels (id, kind, linked_entity_type, linked_entity_id, display_name, created_by)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6)
	`, channel.ID, channel.Kind, channel.LinkedEntityType, channel.LinkedEntityID, channel.DisplayName, channel.CreatedBy)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateChannel
		}
		return fmt.Errorf("insert channel: %w", err)
	}
	return nil
}

// ListChannelsVisibleTo returns the channels the user may see, newest
// conversation first. Elevated callers see everything; everyone else
// sees team channels plus linked channels they are members of.
func (s *PostgresStore) ListChannelsVisibleTo(ctx context.Context, userID string, elevated bool) ([]ChannelSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.kind, COALESCE(c.linked_entity_type, ''), COALESCE(c.linked_entity_id, ''), c.display_name, c.created_by, c.created_at,
			(SELECT MAX(m.created_at) FROM messages m WHERE m.channel_id = c.id) AS last_message_at
		FROM channels c
		WHERE $2::boolean
			OR c.kind = 'team'
			OR EXISTS (SELECT 1 FROM channel_members cm WHERE cm.channel_id = c.id AND cm.user_id = $1)
		ORDER BY last_message_at DESC NULLS LAST, c.display_name ASC
	`, userID, elevated)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	items := make([]ChannelSummary, 0)
	for rows.Next() {
		var item ChannelSummary
		if err := rows.Scan(
			&item.ID,
			&item.Kind,
			&item.LinkedEntityType,
			&item.LinkedEntityID,
			&item.DisplayName,
			&item.CreatedBy,
			&item.CreatedAt,
			&item.LastMessageAt,
		); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channels: %w", err)
	}
	return items, nil
}

// ---- membership ----

// ReplaceChannelMembers swaps the whole membership set in one
// transaction so readers never observe a half-empty set.
func (s *PostgresStore) ReplaceChannelMembers(ctx context.Context, channelID string, userIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin resync tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM channel_members WHERE channel_id=$1`, channelID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("clear channel members: %w", err)
	}
	for _, userID := range userIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO channel_members (channel_id, user_id)
			VALUES ($1, $2)
			ON CONFLICT (channel_id, user_id) DO NOTHING
		`, channelID, userID); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert channel member: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit resync tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) AddChannelMember(ctx context.Context, channelID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channel_members (channel_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (channel_id, user_id) DO NOTHING
	`, channelID, userID)
	if err != nil {
		return fmt.Errorf("add channel member: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveChannelMember(ctx context.Context, channelID, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM channel_members WHERE channel_id=$1 AND user_id=$2`, channelID, userID)
	if err != nil {
		return fmt.Errorf("remove channel member: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListChannelMembers(ctx context.Context, channelID string) ([]ChannelMember, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel_id, user_id, joined_at
		FROM channel_members
		WHERE channel_id=$1
		ORDER BY joined_at ASC, user_id ASC
	`, channelID)
	if err != nil {
		return nil, fmt.Errorf("list channel members: %w", err)
	}
	defer rows.Close()

	items := make([]ChannelMember, 0)
	for rows.Next() {
		var item ChannelMember
		if err := rows.Scan(&item.ChannelID, &item.UserID, &item.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan channel member: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channel members: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) IsChannelMember(ctx context.Context, channelID, userID string) (bool, error) {
	var member bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM channel_members WHERE channel_id=$1 AND user_id=$2)
	`, channelID, userID).Scan(&member)
	if err != nil {
		return false, fmt.Errorf("check channel member: %w", err)
	}
	return member, nil
}

// ---- messages ----

func (s *PostgresStore) InsertMessage(ctx context.Context, message Message) (Message, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO messages (channel_id, author_id, kind, content)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at
	`, message.ChannelID, message.AuthorID, message.Kind, message.Content).Scan(&message.ID, &message.CreatedAt, &message.UpdatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return message, nil
}

// ListMessagesBefore fetches up to limit messages older than before
// (all messages when before is nil), newest first. Callers reverse the
// slice for chronological order.
func (s *PostgresStore) ListMessagesBefore(ctx context.Context, channelID string, before *time.Time, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel_id, author_id, kind, content, created_at, updated_at
		FROM messages
		WHERE channel_id=$1
			AND ($2::timestamptz IS NULL OR created_at < $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, channelID, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0)
	for rows.Next() {
		var item Message
		if err := rows.Scan(&item.ID, &item.ChannelID, &item.AuthorID, &item.Kind, &item.Content, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return items, nil
}

// CountMessagesSince is the on-demand unread scan: messages strictly
// newer than the read cursor. No counter column exists to drift.
func (s *PostgresStore) CountMessagesSince(ctx context.Context, channelID string, after time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages WHERE channel_id=$1 AND created_at > $2
	`, channelID, after).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count messages since: %w", err)
	}
	return count, nil
}

// ---- read cursors ----

func (s *PostgresStore) GetReadCursor(ctx context.Context, channelID, userID string) (time.Time, bool, error) {
	var lastReadAt time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT last_read_at FROM read_cursors WHERE channel_id=$1 AND user_id=$2
	`, channelID, userID).Scan(&lastReadAt)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get read cursor: %w", err)
	}
	return lastReadAt, true, nil
}

// SetReadCursor advances the cursor and never retreats it.
func (s *PostgresStore) SetReadCursor(ctx context.Context, channelID, userID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO read_cursors (channel_id, user_id, last_read_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (channel_id, user_id) DO UPDATE SET last_read_at=GREATEST(read_cursors.last_read_at, EXCLUDED.last_read_at)
	`, channelID, userID, at)
	if err != nil {
		return fmt.Errorf("set read cursor: %w", err)
	}
	return nil
}

// ---- work orders ----

func (s *PostgresStore) InsertWorkOrder(ctx context.Context, order WorkOrder) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO work_orders (id, title, description, status, created_by)
		VALUES ($1, $2, $3, $4, $5)
	`, order.ID, order.Title, order.Description, order.Status, order.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert work order: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetWorkOrder(ctx context.Context, orderID string) (WorkOrder, error) {
	var item WorkOrder
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, COALESCE(description, ''), status, created_by, created_at, updated_at
		FROM work_orders
		WHERE id=$1
	`, orderID).Scan(&item.ID, &item.Title, &item.Description, &item.Status, &item.CreatedBy, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return WorkOrder{}, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM work_order_assignees WHERE work_order_id=$1 ORDER BY user_id ASC
	`, orderID)
	if err != nil {
		return WorkOrder{}, fmt.Errorf("list work order assignees: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return WorkOrder{}, fmt.Errorf("scan work order assignee: %w", err)
		}
		item.AssigneeIDs = append(item.AssigneeIDs, userID)
	}
	if err := rows.Err(); err != nil {
		return WorkOrder{}, fmt.Errorf("iterate work order assignees: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) GetWorkOrderStatus(ctx context.Context, orderID string) (string, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM work_orders WHERE id=$1`, orderID).Scan(&status)
	if err != nil {
		return "", err
	}
	return status, nil
}

func (s *PostgresStore) UpdateWorkOrderStatus(ctx context.Context, orderID, status string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE work_orders SET status=$2, updated_at=NOW() WHERE id=$1
	`, orderID, status)
	if err != nil {
		return false, fmt.Errorf("update work order status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update work order status rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) ReplaceWorkOrderAssignees(ctx context.Context, orderID string, userIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin assignees tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM work_order_assignees WHERE work_order_id=$1`, orderID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("clear work order assignees: %w", err)
	}
	for _, userID := range userIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO work_order_assignees (work_order_id, user_id)
			VALUES ($1, $2)
			ON CONFLICT (work_order_id, user_id) DO NOTHING
		`, orderID, userID); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert work order assignee: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit assignees tx: %w", err)
	}
	return nil
}
