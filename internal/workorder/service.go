// Package workorder owns maintenance work orders: the external records
// that linked channels are bound to. The messaging core only ever sees
// a record's id, its current member set, and whether its status is
// terminal.
package workorder

import (
	"context"
	"fmt"
	"log"

	"fixflow/api/internal/store"
	"fixflow/api/internal/util"
)

// EntityType is the link type under which work-order channels are
// registered in the channel store.
const EntityType = "work_order"

var validStatuses = map[string]struct{}{
	store.WorkOrderStatusOpen:       {},
	store.WorkOrderStatusInProgress: {},
	store.WorkOrderStatusCompleted:  {},
	store.WorkOrderStatusCancelled:  {},
}

// IsTerminal reports whether a status ends the record's lifecycle.
func IsTerminal(status string) bool {
	return status == store.WorkOrderStatusCompleted || status == store.WorkOrderStatusCancelled
}

type dataStore interface {
	InsertWorkOrder(ctx context.Context, order store.WorkOrder) error
	GetWorkOrder(ctx context.Context, orderID string) (store.WorkOrder, error)
	GetWorkOrderStatus(ctx context.Context, orderID string) (string, error)
	UpdateWorkOrderStatus(ctx context.Context, orderID, status string) (bool, error)
	ReplaceWorkOrderAssignees(ctx context.Context, orderID string, userIDs []string) error
}

// Messenger is the slice of the messaging core this package calls into.
type Messenger interface {
	EnsureChannelForRecord(ctx context.Context, recordID, displayName, createdBy string, memberIDs []string) error
	PostSystemNotice(ctx context.Context, recordID, actingUserID, text string) error
}

type Service struct {
	store     dataStore
	messenger Messenger
}

func NewService(dataStore dataStore, messenger Messenger) *Service {
	return &Service{store: dataStore, messenger: messenger}
}

// Create inserts the work order and provisions its channel with the
// creator as the first member.
func (s *Service) Create(ctx context.Context, title, description, createdBy string) (store.WorkOrder, error) {
	order := store.WorkOrder{
		ID:          util.NewID("wo"),
		Title:       title,
		Description: description,
		Status:      store.WorkOrderStatusOpen,
		CreatedBy:   createdBy,
	}
	if err := s.store.InsertWorkOrder(ctx, order); err != nil {
		return store.WorkOrder{}, err
	}
	if err := s.messenger.EnsureChannelForRecord(ctx, order.ID, order.Title, createdBy, []string{createdBy}); err != nil {
		return store.WorkOrder{}, fmt.Errorf("provision channel for %s: %w", order.ID, err)
	}
	return s.store.GetWorkOrder(ctx, order.ID)
}

func (s *Service) Get(ctx context.Context, orderID string) (store.WorkOrder, error) {
	return s.store.GetWorkOrder(ctx, orderID)
}

// ReplaceAssignees swaps the assignee set and resynchronizes the
// channel membership to creator + assignees.
func (s *Service) ReplaceAssignees(ctx context.Context, orderID string, userIDs []string, actorID string) (store.WorkOrder, error) {
	order, err := s.store.GetWorkOrder(ctx, orderID)
	if err != nil {
		return store.WorkOrder{}, err
	}
	if err := s.store.ReplaceWorkOrderAssignees(ctx, orderID, userIDs); err != nil {
		return store.WorkOrder{}, err
	}
	if err := s.messenger.EnsureChannelForRecord(ctx, orderID, order.Title, order.CreatedBy, MemberIDs(order.CreatedBy, userIDs)); err != nil {
		return store.WorkOrder{}, fmt.Errorf("resync channel for %s: %w", orderID, err)
	}
	s.notify(ctx, orderID, actorID, "Assignment updated")
	return s.store.GetWorkOrder(ctx, orderID)
}

// UpdateStatus moves the record to a new status. Completed and
// cancelled freeze the channel as a side effect of the lifecycle gate
// re-querying the status; nothing is written to the channel itself.
func (s *Service) UpdateStatus(ctx context.Context, orderID, status, actorID string) (store.WorkOrder, error) {
	if _, ok := validStatuses[status]; !ok {
		return store.WorkOrder{}, fmt.Errorf("invalid status %q", status)
	}
	// Notice first: the gate refuses writes once the status is terminal.
	s.notify(ctx, orderID, actorID, "Status changed to "+status)
	updated, err := s.store.UpdateWorkOrderStatus(ctx, orderID, status)
	if err != nil {
		return store.WorkOrder{}, err
	}
	if !updated {
		return store.WorkOrder{}, fmt.Errorf("work order %s not found", orderID)
	}
	return s.store.GetWorkOrder(ctx, orderID)
}

// notify posts a system notice and never lets a failure block the
// record update that triggered it.
func (s *Service) notify(ctx context.Context, orderID, actorID, text string) {
	if err := s.messenger.PostSystemNotice(ctx, orderID, actorID, text); err != nil {
		log.Printf("system notice for %s dropped: %v", orderID, err)
	}
}

// MemberIDs is the channel member set derived from a record: creator
// plus assignees, deduplicated, order preserved.
func MemberIDs(createdBy string, assigneeIDs []string) []string {
	seen := map[string]struct{}{createdBy: {}}
	members := []string{createdBy}
	for _, id := range assigneeIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		members = append(members, id)
	}
	return members
}

// StatusGate answers the lifecycle question for linked channels by
// re-querying the record's current status on every check.
type StatusGate struct {
	store dataStore
}

func NewStatusGate(dataStore dataStore) *StatusGate {
	return &StatusGate{store: dataStore}
}

// IsTerminal reports whether the linked entity has reached a terminal
// state. Unknown entity types are never gated.
func (g *StatusGate) IsTerminal(ctx context.Context, entityType, entityID string) (bool, error) {
	if entityType != EntityType {
		return false, nil
	}
	status, err := g.store.GetWorkOrderStatus(ctx, entityID)
	if err != nil {
		return false, err
	}
	return IsTerminal(status), nil
}
