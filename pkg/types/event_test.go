package types

import (
	"encoding/json"
	"testing"
)

func TestRunEventType(t *testing.T) {
	tests := []struct {
		eventType RunEventType
		expected  string
	}{
		{eventType: EventTypeRunStart, expected: "run_start"},
		{eventType: EventTypeStateEnter, expected: "state_enter"},
		{eventType: EventTypeSnapshotTaken, expected: "snapshot_taken"},
		{eventType: EventTypeVerifyResult, expected: "verify_result"},
		{eventType: EventTypeRollback, expected: "rollback"},
		{eventType: EventTypeRunEnd, expected: "run_end"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if string(tt.eventType) != tt.expected {
				t.Errorf("RunEventType = %q, want %q", tt.eventType, tt.expected)
			}
		})
	}
}

func TestNewRunEvent(t *testing.T) {
	event := NewRunEvent("task-1", EventTypeRollback, "VERIFY").
		WithMessage("restored snapshot").
		With("attempt", 1)

	if event.TaskID != "task-1" {
		t.Errorf("TaskID = %q, want task-1", event.TaskID)
	}
	if event.State != "VERIFY" {
		t.Errorf("State = %q, want VERIFY", event.State)
	}
	if event.Timestamp.IsZero() {
		t.Error("Expected timestamp to be set")
	}
	if event.Data["attempt"] != 1 {
		t.Errorf("Data[attempt] = %v, want 1", event.Data["attempt"])
	}

	data, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded["event"] != "rollback" {
		t.Errorf("event field = %v, want rollback", decoded["event"])
	}
}

func TestWithOnNilData(t *testing.T) {
	event := &RunEvent{Type: EventTypeError}
	event.With("reason", "boom")
	if event.Data["reason"] != "boom" {
		t.Errorf("Data[reason] = %v, want boom", event.Data["reason"])
	}
}
