package domain

import (
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to CallStatus
		want     bool
	}{
		{CallInitiated, CallInProgress, true},
		{CallInitiated, CallRejected, true},
		{CallInitiated, CallEnded, true},
		{CallInProgress, CallEnded, true},
		{CallInProgress, CallRejected, false},
		{CallInProgress, CallInitiated, false},
		{CallEnded, CallInProgress, false},
		{CallRejected, CallEnded, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestRecordOf(t *testing.T) {
	start := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)

	answered := NewCall("c1", "x", "y", CallTypeVideo, start)
	answered.Status = CallEnded
	answered.AnsweredAt = start.Add(5 * time.Second)
	answered.Participants = append(answered.Participants, "y")
	answered.EndedAt = start.Add(95 * time.Second)

	rec := RecordOf(answered, "x", "hangup")
	if rec.Status != RecordCompleted {
		t.Fatalf("status = %s, want completed", rec.Status)
	}
	if rec.DurationSec != 90 {
		t.Fatalf("duration = %d, want 90", rec.DurationSec)
	}
	if rec.AnsweredAt == nil || !rec.AnsweredAt.Equal(answered.AnsweredAt) {
		t.Fatalf("answeredAt = %v", rec.AnsweredAt)
	}
	if len(rec.Participants) != 2 {
		t.Fatalf("participants = %v", rec.Participants)
	}

	missed := NewCall("c2", "x", "y", CallTypeAudio, start)
	missed.Status = CallEnded
	missed.EndedAt = start.Add(30 * time.Second)
	if rec := RecordOf(missed, "", "no-answer"); rec.Status != RecordMissed || rec.DurationSec != 0 || rec.AnsweredAt != nil {
		t.Fatalf("missed record = %+v", rec)
	}

	rejected := NewCall("c3", "x", "y", CallTypeAudio, start)
	rejected.Status = CallRejected
	rejected.EndedAt = start.Add(time.Second)
	if rec := RecordOf(rejected, "y", "busy"); rec.Status != RecordRejected {
		t.Fatalf("rejected record = %+v", rec)
	}
}

func TestParseCallType(t *testing.T) {
	if typ, err := ParseCallType(""); err != nil || typ != CallTypeVideo {
		t.Fatalf("empty -> %q, %v", typ, err)
	}
	if _, err := ParseCallType("hologram"); err != ErrUnknownCallType {
		t.Fatalf("expected ErrUnknownCallType, got %v", err)
	}
}
