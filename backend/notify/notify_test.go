package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/zhilfond/domo/backend/store"
)

func sampleRequest() *store.Request {
	return &store.Request{
		Number:      "250927-001",
		Title:       "Течёт кран",
		Category:    "plumbing",
		Priority:    3,
		Address:     "Чиланзар 5, кв. 12",
		ApplicantID: "resident-1",
	}
}

func sampleAssignment(method, assigner string) *store.RequestAssignment {
	return &store.RequestAssignment{
		RequestNumber: "250927-001",
		AssigneeID:    "exec-1",
		AssignerID:    assigner,
		Method:        method,
		Reason:        "best score 0.91 over threshold 0.60",
		Score:         0.91,
		AssignedAt:    time.Date(2025, 9, 27, 10, 0, 0, 0, time.UTC),
	}
}

func TestBuildAssignmentAutoRecipients(t *testing.T) {
	p := BuildAssignment(sampleRequest(), sampleAssignment("auto_assign", "dispatcher"))

	if p.EventType != "request_assigned" {
		t.Fatalf("event type %q", p.EventType)
	}
	if p.AssignedAt != "2025-09-27T10:00:00Z" {
		t.Fatalf("assigned_at %q", p.AssignedAt)
	}
	if len(p.Recipients) != 2 {
		t.Fatalf("auto assignment recipients: %d, want executor and creator", len(p.Recipients))
	}
	if p.Recipients[0].Type != RecipientExecutor || p.Recipients[0].UserID != "exec-1" {
		t.Fatalf("executor recipient wrong: %+v", p.Recipients[0])
	}
	if p.Recipients[1].Type != RecipientCreator || p.Recipients[1].UserID != "resident-1" {
		t.Fatalf("creator recipient wrong: %+v", p.Recipients[1])
	}

	for role, tpl := range p.Templates {
		if tpl.RU == "" || tpl.UZ == "" {
			t.Errorf("role %s missing a localization: %+v", role, tpl)
		}
	}
	for _, r := range p.Recipients {
		if len(r.Channels) == 0 {
			t.Errorf("recipient %s has no channels", r.UserID)
		}
	}
}

func TestBuildAssignmentManualAddsAssigner(t *testing.T) {
	p := BuildAssignment(sampleRequest(), sampleAssignment("manual", "assigner-1"))

	if len(p.Recipients) != 3 {
		t.Fatalf("manual assignment recipients: %d, want 3", len(p.Recipients))
	}
	last := p.Recipients[2]
	if last.Type != RecipientAssigner || last.UserID != "assigner-1" {
		t.Fatalf("assigner recipient wrong: %+v", last)
	}
	if _, ok := p.Templates[RecipientAssigner]; !ok {
		t.Fatal("no assigner template")
	}
}

func TestHTTPNotifierPostsWithServiceCredentials(t *testing.T) {
	var got AssignmentPayload
	var gotName, gotKey string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/internal/notifications" {
			t.Errorf("path %s", r.URL.Path)
		}
		gotName = r.Header.Get("X-Service-Name")
		gotKey = r.Header.Get("X-Service-API-Key")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := NewHTTPNotifier(srv.URL, "domo-backend", "sk_test")
	n.RequestAssigned(context.Background(), BuildAssignment(sampleRequest(), sampleAssignment("auto_assign", "dispatcher")))

	if gotName != "domo-backend" || gotKey != "sk_test" {
		t.Fatalf("service headers: %q / %q", gotName, gotKey)
	}
	if got.RequestNumber != "250927-001" {
		t.Fatalf("payload request number %q", got.RequestNumber)
	}
}
