package notifier

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/good-yellow-bee/threatwatch/internal/models"
)

func testEvent() *Event {
	threat := models.NewThreat(models.ThreatTypeNetwork, 0.95, 0.87)
	threat.ID = "threat-1"
	threat.SourceIP = "10.0.0.5"
	threat.RawEventRef = "raw-1"
	threat.Timestamp = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	alert := models.NewThreatAlert(models.ThreatTypeNetwork, nil)
	alert.ThreatID = threat.ID
	return &Event{Threat: threat, Alert: alert}
}

func TestSlackConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		config  SlackConfig
		wantErr bool
		errMsg  string
	}{
		{
			name:    "empty config",
			config:  SlackConfig{},
			wantErr: true,
			errMsg:  "webhook URL is required",
		},
		{
			name: "http URL rejected",
			config: SlackConfig{
				WebhookURL: "http://hooks.slack.com/services/xxx",
			},
			wantErr: true,
			errMsg:  "webhook URL must use HTTPS",
		},
		{
			name: "valid config",
			config: SlackConfig{
				WebhookURL: "https://hooks.slack.com/services/T00/B00/xxx",
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error containing %q, got nil", tt.errMsg)
				} else if !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("expected error containing %q, got %q", tt.errMsg, err.Error())
				}
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestSlackNotifierSend(t *testing.T) {
	var receivedPayload slackMessage

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST method, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected Content-Type application/json, got %s", ct)
		}
		if ua := r.Header.Get("User-Agent"); !strings.HasPrefix(ua, "ThreatWatch/") {
			t.Errorf("User-Agent = %q, want ThreatWatch/<version>", ua)
		}

		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &receivedPayload); err != nil {
			t.Errorf("failed to unmarshal payload: %v", err)
		}

		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	// Use test server URL (allow non-HTTPS for testing)
	notifier := &SlackNotifier{
		config:     SlackConfig{WebhookURL: server.URL},
		httpClient: server.Client(),
	}

	if err := notifier.Send(context.Background(), testEvent()); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if len(receivedPayload.Blocks) != 4 {
		t.Fatalf("blocks = %d, want 4", len(receivedPayload.Blocks))
	}

	header := receivedPayload.Blocks[0]
	if header.Type != "header" || header.Text == nil {
		t.Fatalf("first block = %+v, want header", header)
	}
	if !strings.Contains(header.Text.Text, "Potential network_based threat detected") {
		t.Errorf("header missing alert message, got %q", header.Text.Text)
	}

	flow := receivedPayload.Blocks[2]
	if flow.Text == nil || !strings.Contains(flow.Text.Text, "10.0.0.5") {
		t.Errorf("flow block = %+v, want source ip", flow)
	}
}

func TestSlackNotifierSendError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("invalid_payload"))
	}))
	defer server.Close()

	notifier := &SlackNotifier{
		config:     SlackConfig{WebhookURL: server.URL},
		httpClient: server.Client(),
	}

	err := notifier.Send(context.Background(), testEvent())
	if err == nil {
		t.Fatal("expected error for non-200 response")
	}
	if !strings.Contains(err.Error(), "invalid_payload") {
		t.Errorf("error should include response body, got %q", err.Error())
	}
}

func TestSeverityEmoji(t *testing.T) {
	tests := []struct {
		severity float64
		want     string
	}{
		{0.95, "\U0001F534"},
		{0.75, "\U0001F7E0"},
		{0.5, "\U0001F7E1"},
		{0.1, "\U0001F7E2"},
	}

	for _, tt := range tests {
		if got := severityEmoji(tt.severity); got != tt.want {
			t.Errorf("severityEmoji(%v) = %q, want %q", tt.severity, got, tt.want)
		}
	}
}
