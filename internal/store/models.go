package store

import "time"

// Channel kinds. A team channel is open to the whole organization; a
// linked channel is provisioned for exactly one external record.
const (
	ChannelKindTeam   = "team"
	ChannelKindLinked = "linked"
)

// Message kinds.
const (
	MessageKindUser   = "user"
	MessageKindSystem = "system"
)

type User struct {
	ID           string
	DisplayName  string
	Email        string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
}

type Channel struct {
	ID               string
	Kind             string
	LinkedEntityType string
	LinkedEntityID   string
	DisplayName      string
	CreatedBy        string
	CreatedAt        time.Time
}

// ChannelSummary is a channel plus the ordering key for channel lists.
type ChannelSummary struct {
	Channel
	LastMessageAt *time.Time
}

type ChannelMember struct {
	ChannelID string
	UserID    string
	JoinedAt  time.Time
}

type Message struct {
	ID        int64
	ChannelID string
	AuthorID  string
	Kind      string
	Content   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Work order statuses. Completed and cancelled are terminal.
const (
	WorkOrderStatusOpen       = "open"
	WorkOrderStatusInProgress = "in_progress"
	WorkOrderStatusCompleted  = "completed"
	WorkOrderStatusCancelled  = "cancelled"
)

type WorkOrder struct {
	ID          string
	Title       string
	Description string
	Status      string
	CreatedBy   string
	AssigneeIDs []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
