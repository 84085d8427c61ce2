package ingestion

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"
)

// DeliveryFilter remembers recently settled JetStream messages so a
// redelivery (an ack lost in flight, an AckWait expiry) is acked without
// publishing another generation.
type DeliveryFilter struct {
	seen *lru.Cache
}

// NewDeliveryFilter keeps the last capacity settled message IDs.
func NewDeliveryFilter(capacity int) (*DeliveryFilter, error) {
	cache, err := lru.New(capacity)
	if err != nil {
		return nil, fmt.Errorf("delivery filter: %w", err)
	}
	return &DeliveryFilter{seen: cache}, nil
}

// Seen reports whether id was already settled. Empty IDs are never seen.
func (f *DeliveryFilter) Seen(id string) bool {
	if id == "" {
		return false
	}
	return f.seen.Contains(id)
}

// MarkSettled records id after the message is acked.
func (f *DeliveryFilter) MarkSettled(id string) {
	if id != "" {
		f.seen.Add(id, struct{}{})
	}
}

func (f *DeliveryFilter) Len() int {
	return f.seen.Len()
}

// MessageID names a JetStream message by stream and stream sequence, which
// stay the same across redeliveries.
func MessageID(stream string, sequence uint64) string {
	return fmt.Sprintf("%s:%d", stream, sequence)
}
