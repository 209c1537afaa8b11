// Package notify builds and delivers assignment notifications for the
// downstream notifier service. Delivery is best-effort: a down notifier
// never fails the assignment that produced the event.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/zhilfond/domo/backend/store"
)

// Recipient roles in an assignment notification.
const (
	RecipientExecutor = "executor"
	RecipientCreator  = "creator"
	RecipientAssigner = "assigner"
)

// Recipient is one addressee with its delivery channels.
type Recipient struct {
	UserID   string   `json:"user_id"`
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
}

// Templates carries the localized message texts per recipient role.
type Templates struct {
	RU string `json:"ru"`
	UZ string `json:"uz"`
}

// AssignmentPayload is the wire format consumed by the notifier service.
type AssignmentPayload struct {
	EventType        string               `json:"event_type"`
	RequestNumber    string               `json:"request_number"`
	RequestTitle     string               `json:"request_title"`
	RequestCategory  string               `json:"request_category"`
	RequestPriority  int                  `json:"request_priority"`
	RequestAddress   string               `json:"request_address"`
	AssignedTo       string               `json:"assigned_to"`
	AssignedBy       string               `json:"assigned_by"`
	AssignmentReason string               `json:"assignment_reason"`
	AssignmentType   string               `json:"assignment_type"`
	AssignedAt       string               `json:"assigned_at"`
	Recipients       []Recipient          `json:"recipients"`
	Templates        map[string]Templates `json:"templates"`
}

var defaultChannels = []string{"push", "telegram"}

// BuildAssignment composes the request_assigned payload for one
// assignment. The assigner is omitted from recipients when the
// assignment was produced automatically.
func BuildAssignment(req *store.Request, a *store.RequestAssignment) AssignmentPayload {
	p := AssignmentPayload{
		EventType:        "request_assigned",
		RequestNumber:    req.Number,
		RequestTitle:     req.Title,
		RequestCategory:  req.Category,
		RequestPriority:  req.Priority,
		RequestAddress:   req.Address,
		AssignedTo:       a.AssigneeID,
		AssignedBy:       a.AssignerID,
		AssignmentReason: a.Reason,
		AssignmentType:   a.Method,
		AssignedAt:       a.AssignedAt.UTC().Format(time.RFC3339),
		Recipients: []Recipient{
			{UserID: a.AssigneeID, Type: RecipientExecutor, Channels: defaultChannels},
			{UserID: req.ApplicantID, Type: RecipientCreator, Channels: defaultChannels},
		},
		Templates: map[string]Templates{
			RecipientExecutor: {
				RU: fmt.Sprintf("Вам назначена заявка %s: %s (%s)", req.Number, req.Title, req.Address),
				UZ: fmt.Sprintf("Sizga %s ariza biriktirildi: %s (%s)", req.Number, req.Title, req.Address),
			},
			RecipientCreator: {
				RU: fmt.Sprintf("По заявке %s назначен исполнитель", req.Number),
				UZ: fmt.Sprintf("%s ariza boʻyicha ijrochi tayinlandi", req.Number),
			},
		},
	}
	if a.AssignerID != "" && a.AssignerID != a.AssigneeID && a.Method == "manual" {
		p.Recipients = append(p.Recipients, Recipient{
			UserID: a.AssignerID, Type: RecipientAssigner, Channels: defaultChannels,
		})
		p.Templates[RecipientAssigner] = Templates{
			RU: fmt.Sprintf("Назначение по заявке %s сохранено", req.Number),
			UZ: fmt.Sprintf("%s ariza boʻyicha tayinlash saqlandi", req.Number),
		}
	}
	return p
}

// Notifier delivers assignment events.
type Notifier interface {
	RequestAssigned(ctx context.Context, payload AssignmentPayload)
}

// LogNotifier is the dev-mode sink.
type LogNotifier struct{}

func (LogNotifier) RequestAssigned(_ context.Context, payload AssignmentPayload) {
	data, _ := json.Marshal(payload)
	log.Printf("[NOTIFY] %s", data)
}

// HTTPNotifier posts payloads to the notifier service with service
// credentials.
type HTTPNotifier struct {
	baseURL     string
	serviceName string
	apiKey      string
	client      *http.Client
}

func NewHTTPNotifier(baseURL, serviceName, apiKey string) *HTTPNotifier {
	return &HTTPNotifier{
		baseURL:     baseURL,
		serviceName: serviceName,
		apiKey:      apiKey,
		client:      &http.Client{Timeout: 5 * time.Second},
	}
}

func (n *HTTPNotifier) RequestAssigned(ctx context.Context, payload AssignmentPayload) {
	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[NOTIFY] marshal %s failed: %v", payload.RequestNumber, err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		n.baseURL+"/internal/notifications", bytes.NewReader(body))
	if err != nil {
		log.Printf("[NOTIFY] build request failed: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Service-Name", n.serviceName)
	req.Header.Set("X-Service-API-Key", n.apiKey)

	resp, err := n.client.Do(req)
	if err != nil {
		log.Printf("[NOTIFY] deliver %s failed: %v", payload.RequestNumber, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Printf("[NOTIFY] notifier returned %d for %s", resp.StatusCode, payload.RequestNumber)
	}
}
