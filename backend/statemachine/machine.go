// Package statemachine owns every mutation of a request's status. Legal
// transitions are declared in a table; each transition updates the row,
// appends a journal comment and emits a domain event. Concurrent writers
// are serialized by an optimistic compare on the status column.
package statemachine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/zhilfond/domo/backend/observability"
	"github.com/zhilfond/domo/backend/store"
	"github.com/zhilfond/domo/backend/streaming"
)

// Request statuses, stored verbatim for human-readable audit.
const (
	StatusNew                = "new"
	StatusAssigned           = "assigned"
	StatusInProgress         = "in_progress"
	StatusMaterialsRequested = "materials_requested"
	StatusMaterialsDelivered = "materials_delivered"
	StatusWaitingPayment     = "waiting_payment"
	StatusCompleted          = "completed"
	StatusCancelled          = "cancelled"
	StatusRejected           = "rejected"
)

var (
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrUnauthorized      = errors.New("actor may not perform this transition")
	ErrUnknownStatus     = errors.New("unknown status")
)

// transitions is the legality table. cancelled and rejected are terminal;
// re-opening is not modeled.
var transitions = map[string][]string{
	StatusNew:                {StatusAssigned, StatusCancelled, StatusRejected},
	StatusAssigned:           {StatusInProgress, StatusCancelled},
	StatusInProgress:         {StatusMaterialsRequested, StatusWaitingPayment, StatusCompleted, StatusCancelled},
	StatusMaterialsRequested: {StatusMaterialsDelivered},
	StatusMaterialsDelivered: {StatusWaitingPayment, StatusCompleted},
	StatusWaitingPayment:     {StatusCompleted},
	StatusCompleted:          {},
	StatusCancelled:          {},
	StatusRejected:           {},
}

// transitionPermission names the permission each target status requires.
var transitionPermission = map[string]string{
	StatusAssigned:           "requests:assign",
	StatusInProgress:         "requests:work",
	StatusMaterialsRequested: "requests:work",
	StatusMaterialsDelivered: "requests:materials",
	StatusWaitingPayment:     "requests:billing",
	StatusCompleted:          "requests:work",
	StatusCancelled:          "requests:cancel",
	StatusRejected:           "requests:moderate",
}

// Known reports whether status is declared.
func Known(status string) bool {
	_, ok := transitions[status]
	return ok
}

// Legal reports whether (from, to) is a declared transition.
func Legal(from, to string) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves status.
func Terminal(status string) bool {
	return Known(status) && len(transitions[status]) == 0
}

// Actor is whoever requests the transition.
type Actor struct {
	ID          string
	Permissions []string
}

func (a Actor) allowed(permission string) bool {
	for _, p := range a.Permissions {
		if p == permission {
			return true
		}
	}
	return false
}

// Machine drives status changes against the store and the event bus.
type Machine struct {
	db  store.Store
	bus streaming.Publisher
}

func New(db store.Store, bus streaming.Publisher) *Machine {
	return &Machine{db: db, bus: bus}
}

// TransitionInput describes one requested status change.
type TransitionInput struct {
	RequestNumber string
	To            string
	Actor         Actor
	Comment       string
	Media         []string
	Internal      bool
}

// Transition moves the request to in.To if the table declares the edge
// and the actor holds the required permission. The loser of a concurrent
// race gets store.ErrStaleState and must re-read before retrying.
func (m *Machine) Transition(ctx context.Context, in TransitionInput) error {
	if !Known(in.To) {
		return fmt.Errorf("%w: %q", ErrUnknownStatus, in.To)
	}

	req, err := m.db.GetRequest(ctx, in.RequestNumber)
	if err != nil {
		return err
	}
	from := req.Status

	if !Legal(from, in.To) {
		observability.IllegalTransitions.WithLabelValues(from, in.To).Inc()
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, in.To)
	}
	if perm := transitionPermission[in.To]; perm != "" && !in.Actor.allowed(perm) {
		return fmt.Errorf("%w: %s -> %s requires %s", ErrUnauthorized, from, in.To, perm)
	}

	journal := &store.RequestComment{
		ID:             uuid.NewString(),
		RequestNumber:  in.RequestNumber,
		AuthorID:       in.Actor.ID,
		Text:           in.Comment,
		IsStatusChange: true,
		OldStatus:      from,
		NewStatus:      in.To,
		Media:          in.Media,
		IsInternal:     in.Internal,
	}

	if err := m.db.TransitionRequest(ctx, in.RequestNumber, from, in.To, journal); err != nil {
		if errors.Is(err, store.ErrStaleState) {
			observability.StateConflicts.Inc()
		}
		return err
	}

	observability.StateTransitions.WithLabelValues(from, in.To).Inc()
	m.bus.Publish(streaming.NewEvent("request.status_changed", in.RequestNumber, map[string]interface{}{
		"old_status": from,
		"new_status": in.To,
		"actor_id":   in.Actor.ID,
		"changed_at": time.Now().UTC().Format(time.RFC3339),
	}))
	return nil
}

// Replay folds the status-change journal and returns the final status.
// Used to verify that the journal reproduces the stored status and that
// no entry violates the table.
func Replay(initial string, journal []*store.RequestComment) (string, error) {
	cur := initial
	for _, c := range journal {
		if !c.IsStatusChange {
			continue
		}
		if c.OldStatus != cur {
			return "", fmt.Errorf("journal gap: entry expects %q, have %q", c.OldStatus, cur)
		}
		if !Legal(c.OldStatus, c.NewStatus) {
			return "", fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, c.OldStatus, c.NewStatus)
		}
		cur = c.NewStatus
	}
	return cur, nil
}
