package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"PerpRisk/internal/observability"
	"PerpRisk/internal/risk"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// SummarySubjectPrefix is followed by the user id.
const SummarySubjectPrefix = "risk.summaries"

// Publisher is the part of jetstream.JetStream the outbound publisher needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// SummaryPublisher publishes freshly computed risk summaries so downstream
// consumers (liquidators, dashboards) need not poll.
type SummaryPublisher struct {
	js        Publisher
	inputChan <-chan *risk.RiskSummary
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewSummaryPublisher(js Publisher, inputChan <-chan *risk.RiskSummary, metrics *observability.Metrics) *SummaryPublisher {
	return &SummaryPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    observability.NewLogger("summary-publisher"),
	}
}

// Run starts the outbound publisher loop.
func (sp *SummaryPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case s, ok := <-sp.inputChan:
			if !ok {
				return nil
			}

			if err := sp.publish(ctx, s); err != nil {
				// Non-fatal: consumers can fall back to the query API.
				sp.logger.Warn().Err(err).Stringer("user_id", s.UserID).Msg("summary publish failed")
				continue
			}
			sp.metrics.SummariesPublished.Inc()
		}
	}
}

func (sp *SummaryPublisher) publish(ctx context.Context, s *risk.RiskSummary) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	_, err = sp.js.Publish(ctx, SummarySubject(s), data)
	return err
}

// SummarySubject is risk.summaries.{user_id}.
func SummarySubject(s *risk.RiskSummary) string {
	return fmt.Sprintf("%s.%s", SummarySubjectPrefix, s.UserID)
}

// EnsureOutboundStream creates the summaries stream. Only the latest summary
// per account is retained.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:              "RISK_SUMMARIES",
		Subjects:          []string{SummarySubjectPrefix + ".>"},
		Storage:           jetstream.FileStorage,
		Retention:         jetstream.LimitsPolicy,
		MaxMsgsPerSubject: 1,
		MaxAge:            24 * time.Hour,
		Replicas:          1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger := observability.NewLogger("summary-publisher")
	logger.Info().Msg("ensured outbound stream RISK_SUMMARIES")
	return nil
}
