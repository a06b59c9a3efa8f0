// Package consumer implements C2, the log consumer: a consumer-group member
// on the result topic that decodes each record and hands it to a
// ResultHandler (the router).
package consumer

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/plain"

	"github.com/velivolant/gateway/internal/config"
	"github.com/velivolant/gateway/internal/monitoring"
	"github.com/velivolant/gateway/internal/types"
)

// State is the consumer's lifecycle state, surfaced for health checks and
// tests.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateRunning:
		return "running"
	default:
		return "disconnected"
	}
}

// ResultHandler is invoked for every successfully decoded result record.
// Implemented by the router (C3).
type ResultHandler func(ctx context.Context, result types.ResultRecord)

type wireResult struct {
	RequestID        string          `json:"requestId"`
	CorrelationID    string          `json:"correlationId"`
	Status           string          `json:"status"`
	Payload          json.RawMessage `json:"payload"`
	ComputedAt       time.Time       `json:"computedAt"`
	ProcessingTimeMs int64           `json:"processingTimeMs"`
	ErrorMessage     string          `json:"errorMessage"`
}

// Consumer wraps a franz-go consumer-group client on the result topic.
//
// Grounded directly on the teacher's internal/shared/kafka/consumer.go:
// NewClient option construction, OnPartitionsAssigned/Revoked logging,
// PollFetches/EachRecord loop, fetches.Errors() handling, and the
// log-and-continue discipline for records that fail to decode.
type Consumer struct {
	cfg     *config.Config
	logger  zerolog.Logger
	handler ResultHandler

	client *kgo.Client
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	state atomic.Int32
}

// New builds a Consumer. Start must be called to begin polling.
func New(cfg *config.Config, logger zerolog.Logger, handler ResultHandler) *Consumer {
	return &Consumer{
		cfg:     cfg,
		logger:  logger.With().Str("component", "consumer").Logger(),
		handler: handler,
	}
}

// State returns the current lifecycle state.
func (c *Consumer) State() State {
	return State(c.state.Load())
}

// Start connects to the brokers, joins the consumer group, and launches the
// poll loop in a background goroutine.
func (c *Consumer) Start(ctx context.Context) error {
	c.state.Store(int32(StateConnecting))
	c.ctx, c.cancel = context.WithCancel(ctx)

	opts := []kgo.Opt{
		kgo.SeedBrokers(splitBrokers(c.cfg.KafkaBrokers)...),
		kgo.ConsumerGroup(c.cfg.ConsumerGroup),
		kgo.ConsumeTopics(c.cfg.ResultTopic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.FetchMaxWait(500 * time.Millisecond),
		kgo.FetchMinBytes(1),
		kgo.FetchMaxBytes(10 * 1024 * 1024),
		kgo.SessionTimeout(30 * time.Second),
		kgo.HeartbeatInterval(3 * time.Second),
		kgo.RebalanceTimeout(60 * time.Second),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			c.state.Store(int32(StateSubscribed))
			c.logger.Info().Interface("partitions", assigned).Msg("partitions assigned")
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			c.logger.Info().Interface("partitions", revoked).Msg("partitions revoked")
		}),
	}

	if c.cfg.KafkaSSL {
		opts = append(opts, kgo.DialTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12}))
	}
	if c.cfg.KafkaSASLEnabled {
		opts = append(opts, kgo.SASL(plain.Auth{User: c.cfg.KafkaAPIKey, Pass: c.cfg.KafkaAPISecret}.AsMechanism()))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		c.state.Store(int32(StateDisconnected))
		return fmt.Errorf("consumer: create client: %w", err)
	}
	c.client = client

	c.wg.Add(1)
	go c.consumeLoop()

	monitoring.ConsumerConnected.Set(1)
	c.logger.Info().Str("topic", c.cfg.ResultTopic).Str("group", c.cfg.ConsumerGroup).Msg("consumer started")
	return nil
}

// Shutdown cancels the poll loop, waits for the in-flight callback to
// finish, and closes the client.
func (c *Consumer) Shutdown(ctx context.Context) error {
	if c.cancel == nil {
		return nil
	}
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		c.logger.Warn().Msg("consumer shutdown timed out waiting for in-flight callback")
	}

	if c.client != nil {
		c.client.Close()
	}
	c.state.Store(int32(StateDisconnected))
	monitoring.ConsumerConnected.Set(0)
	return nil
}

func (c *Consumer) consumeLoop() {
	defer c.wg.Done()
	defer monitoring.RecoverPanic(c.logger, "consumer.consumeLoop", nil)

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		fetches := c.client.PollFetches(c.ctx)
		if c.ctx.Err() != nil {
			return
		}
		c.state.Store(int32(StateRunning))

		if errs := fetches.Errors(); len(errs) > 0 {
			for _, err := range errs {
				c.logger.Error().
					Err(err.Err).
					Str("topic", err.Topic).
					Int32("partition", err.Partition).
					Msg("fetch error")
			}
		}

		fetches.EachRecord(func(record *kgo.Record) {
			c.processRecord(record)
		})
	}
}

// processRecord decodes a single record and dispatches it to the handler.
// A record that fails to decode is quarantined: logged and skipped, never
// retried, matching the teacher's "log and continue" discipline for bad
// fetch records.
func (c *Consumer) processRecord(record *kgo.Record) {
	defer monitoring.RecoverPanic(c.logger, "consumer.processRecord", map[string]any{
		"topic":     record.Topic,
		"partition": record.Partition,
		"offset":    record.Offset,
	})

	result, err := decode(record.Value)
	if err != nil {
		monitoring.PoisonRecordsTotal.Inc()
		c.logger.Warn().
			Err(err).
			Str("topic", record.Topic).
			Int32("partition", record.Partition).
			Int64("offset", record.Offset).
			Msg("poison record quarantined: decode failed, skipping")
		return
	}

	monitoring.ResultsConsumedTotal.WithLabelValues(string(result.Status)).Inc()
	c.handler(c.ctx, result)
}

// decode strips the optional Confluent wire-format header (magic byte +
// 4-byte schema id) before unmarshalling the JSON body.
func decode(value []byte) (types.ResultRecord, error) {
	body := value
	if len(value) >= 5 && value[0] == 0x0 {
		body = value[5:]
	}

	var wire wireResult
	if err := json.Unmarshal(body, &wire); err != nil {
		return types.ResultRecord{}, fmt.Errorf("unmarshal result: %w", err)
	}
	if wire.RequestID == "" {
		return types.ResultRecord{}, fmt.Errorf("result record missing requestId")
	}

	return types.ResultRecord{
		RequestID:        wire.RequestID,
		CorrelationID:    wire.CorrelationID,
		Status:           types.ResultStatus(wire.Status),
		Payload:          wire.Payload,
		ComputedAt:       wire.ComputedAt,
		ProcessingTimeMs: wire.ProcessingTimeMs,
		ErrorMessage:     wire.ErrorMessage,
	}, nil
}

func splitBrokers(csv string) []string {
	var brokers []string
	start := 0
	for i := 0; i <= len(csv); i++ {
		if i == len(csv) || csv[i] == ',' {
			if i > start {
				brokers = append(brokers, csv[start:i])
			}
			start = i + 1
		}
	}
	return brokers
}
