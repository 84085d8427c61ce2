package ingestion_test

import (
	"testing"

	"PerpRisk/internal/ingestion"
)

func TestDeliveryFilter(t *testing.T) {
	f, err := ingestion.NewDeliveryFilter(2)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	a := ingestion.MessageID("S", 1)
	b := ingestion.MessageID("S", 2)
	c := ingestion.MessageID("S", 3)

	if f.Seen(a) {
		t.Fatal("fresh filter reports a message as seen")
	}
	f.MarkSettled(a)
	f.MarkSettled(b)
	if !f.Seen(a) || !f.Seen(b) {
		t.Fatal("settled messages not seen")
	}

	// Capacity 2: the least recently used entry goes.
	f.MarkSettled(c)
	if f.Len() != 2 {
		t.Errorf("len: got %d, want 2", f.Len())
	}
	if !f.Seen(c) {
		t.Error("newest message evicted")
	}

	f.MarkSettled("")
	if f.Seen("") {
		t.Error("empty id reported as seen")
	}
}

func TestNewDeliveryFilter_RejectsZeroCapacity(t *testing.T) {
	if _, err := ingestion.NewDeliveryFilter(0); err == nil {
		t.Error("zero capacity accepted")
	}
}

func TestMessageID(t *testing.T) {
	if got := ingestion.MessageID("PERP_RISK_UPDATES", 42); got != "PERP_RISK_UPDATES:42" {
		t.Errorf("got %q", got)
	}
}
