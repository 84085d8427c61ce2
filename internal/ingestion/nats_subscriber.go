package ingestion

import (
	"context"
	"fmt"
	"time"

	"PerpRisk/internal/observability"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATSSubscriber consumes venue state updates from JetStream and hands them
// to the applier over updateChan.
type NATSSubscriber struct {
	js         jetstream.JetStream
	updateChan chan<- RawUpdate
	consumers  []jetstream.ConsumeContext
	logger     zerolog.Logger
}

// RawUpdate is an unparsed message. Exactly one of AckFunc, NakFunc or
// TermFunc must be called once the update has been handled.
type RawUpdate struct {
	Subject   string
	Kind      Kind
	Data      []byte
	Timestamp time.Time
	MsgID     string // stable across redeliveries; empty when unknown
	AckFunc   func() // processed, or safely ignored
	NakFunc   func() // transient failure, redeliver
	TermFunc  func() // payload will never apply, do not redeliver
}

// SubjectConfig maps a subject filter to the kind of update it carries.
type SubjectConfig struct {
	Subject      string
	Kind         Kind
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns one durable consumer per update kind.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "risk.markets.>", Kind: KindPerpMarket, ConsumerName: "perprisk-markets", StreamName: "RISK_MARKETS"},
		{Subject: "risk.spot.>", Kind: KindSpotMarket, ConsumerName: "perprisk-spot", StreamName: "RISK_MARKETS"},
		{Subject: "risk.oracles.>", Kind: KindOracle, ConsumerName: "perprisk-oracles", StreamName: "RISK_ORACLES"},
		{Subject: "risk.users.>", Kind: KindUser, ConsumerName: "perprisk-users", StreamName: "RISK_USERS"},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, updateChan chan<- RawUpdate) *NATSSubscriber {
	return &NATSSubscriber{
		js:         js,
		updateChan: updateChan,
		logger:     observability.NewLogger("nats-subscriber"),
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		kind := cfg.Kind
		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawUpdate{
				Subject:   msg.Subject(),
				Kind:      kind,
				Data:      msg.Data(),
				Timestamp: time.Now(),
				MsgID:     messageID(msg),
				AckFunc:   func() { msg.Ack() },
				NakFunc:   func() { msg.Nak() },
				TermFunc:  func() { msg.Term() },
			}

			select {
			case ns.updateChan <- raw:
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().
			Str("subject", cfg.Subject).
			Str("consumer", cfg.ConsumerName).
			Msg("subscribed")
	}

	return nil
}

func messageID(msg jetstream.Msg) string {
	meta, err := msg.Metadata()
	if err != nil {
		return ""
	}
	return MessageID(meta.Stream, meta.Sequence.Stream)
}

// EnsureStreams creates the inbound streams if they don't exist.
// Market and oracle streams keep only the latest message per subject; user
// streams keep 72h of history so a restarted consumer can catch up.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []jetstream.StreamConfig{
		{
			Name:              "RISK_MARKETS",
			Subjects:          []string{"risk.markets.>", "risk.spot.>"},
			Storage:           jetstream.FileStorage,
			Retention:         jetstream.LimitsPolicy,
			MaxMsgsPerSubject: 1,
			Replicas:          1,
		},
		{
			Name:              "RISK_ORACLES",
			Subjects:          []string{"risk.oracles.>"},
			Storage:           jetstream.FileStorage,
			Retention:         jetstream.LimitsPolicy,
			MaxMsgsPerSubject: 1,
			Replicas:          1,
		},
		{
			Name:      "RISK_USERS",
			Subjects:  []string{"risk.users.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	logger := observability.NewLogger("nats-subscriber")
	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}

	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	logger := observability.NewLogger("nats")
	nc, err := nats.Connect(url,
		nats.Name("perprisk"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
