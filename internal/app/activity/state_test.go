package activity

import (
	"testing"
	"time"
)

func TestDeriveState_Table(t *testing.T) {
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		latest *Event
		want   State
	}{
		{
			name:   "no events",
			latest: nil,
			want:   State{CanStart: true},
		},
		{
			name:   "after start",
			latest: &Event{Kind: KindStart, OccurredAt: at},
			want:   State{LastEventKind: KindStart, LastEventTime: &at, CanStop: true, CanFinish: true},
		},
		{
			name:   "after resume",
			latest: &Event{Kind: KindResume, OccurredAt: at},
			want:   State{LastEventKind: KindResume, LastEventTime: &at, CanStop: true, CanFinish: true},
		},
		{
			name:   "after stop",
			latest: &Event{Kind: KindStop, PauseReasonCode: "1", OccurredAt: at},
			want:   State{LastEventKind: KindStop, LastEventTime: &at, PauseReasonCode: "1", CanResume: true, CanFinish: true},
		},
		{
			name:   "after finish",
			latest: &Event{Kind: KindFinish, OccurredAt: at},
			want:   State{LastEventKind: KindFinish, LastEventTime: &at, CanStart: true},
		},
		{
			name:   "unrecognized kind degrades to start-eligible",
			latest: &Event{Kind: "HANDOVER", OccurredAt: at},
			want:   State{LastEventKind: "HANDOVER", LastEventTime: &at, CanStart: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DeriveState(tt.latest)
			if got.CanStart != tt.want.CanStart || got.CanStop != tt.want.CanStop ||
				got.CanResume != tt.want.CanResume || got.CanFinish != tt.want.CanFinish {
				t.Fatalf("unexpected flags: got %+v want %+v", got, tt.want)
			}
			if got.LastEventKind != tt.want.LastEventKind || got.PauseReasonCode != tt.want.PauseReasonCode {
				t.Fatalf("unexpected state: got %+v want %+v", got, tt.want)
			}
		})
	}
}

func TestLatest_OnlyNewestEventMatters(t *testing.T) {
	base := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	events := []Event{
		{Kind: KindStop, PauseReasonCode: "2", OccurredAt: base.Add(2 * time.Hour), Seq: 3},
		{Kind: KindStart, OccurredAt: base, Seq: 1},
		{Kind: KindResume, OccurredAt: base.Add(time.Hour), Seq: 2},
	}

	st := DeriveState(Latest(events))
	if !st.CanResume || st.PauseReasonCode != "2" {
		t.Fatalf("expected paused state from latest STOP, got %+v", st)
	}

	// Prepending older history must not change the result.
	older := append([]Event{
		{Kind: KindFinish, OccurredAt: base.Add(-24 * time.Hour), Seq: 0},
	}, events...)
	st2 := DeriveState(Latest(older))
	if st2.CanResume != st.CanResume || st2.PauseReasonCode != st.PauseReasonCode {
		t.Fatalf("older events changed the derived state: %+v vs %+v", st, st2)
	}
}

func TestLatest_TieBreaksByInsertionOrder(t *testing.T) {
	at := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	events := []Event{
		{Kind: KindStart, OccurredAt: at, Seq: 10},
		{Kind: KindStop, PauseReasonCode: "1", OccurredAt: at, Seq: 11},
	}
	latest := Latest(events)
	if latest.Kind != KindStop {
		t.Fatalf("expected insertion order to break the timestamp tie, got %q", latest.Kind)
	}
}

func TestClassifyBucket(t *testing.T) {
	tests := []struct {
		kind string
		want Bucket
	}{
		{KindStart, BucketAssigned},
		{KindResume, BucketAssigned},
		{KindStop, BucketPaused},
		{KindFinish, BucketAvailable},
		{"HANDOVER", BucketAvailable},
	}
	for _, tt := range tests {
		if got := ClassifyBucket(&Event{Kind: tt.kind}); got != tt.want {
			t.Errorf("ClassifyBucket(%s) = %s, want %s", tt.kind, got, tt.want)
		}
	}
	if got := ClassifyBucket(nil); got != BucketAvailable {
		t.Errorf("ClassifyBucket(nil) = %s, want available", got)
	}
}
