// Package producer implements C1, the log producer: it accepts a
// RequestRecord from the dispatcher and publishes it to the request topic
// with idempotent, acked delivery.
package producer

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"golang.org/x/time/rate"

	"github.com/velivolant/gateway/internal/config"
	"github.com/velivolant/gateway/internal/monitoring"
	"github.com/velivolant/gateway/internal/schemaregistry"
	"github.com/velivolant/gateway/internal/types"
)

// confluentMagicByte prefixes a Confluent-wire-format payload: 1 magic byte
// + 4-byte big-endian schema id, followed by the JSON body.
const confluentMagicByte = 0x0

// wireRequest is the JSON body published to the request topic.
type wireRequest struct {
	RequestID     string          `json:"requestId"`
	CorrelationID string          `json:"correlationId"`
	RequestType   string          `json:"requestType"`
	Payload       json.RawMessage `json:"payload"`
	UserID        *string         `json:"userId,omitempty"`
	EventID       *string         `json:"eventId,omitempty"`
	SubmittedAt   time.Time       `json:"submittedAt"`
}

// Producer publishes RequestRecords to the request topic. It holds a single
// franz-go client for the lifetime of the process, created and connected in
// Start, configured for idempotent, transactional delivery.
//
// Grounded on the teacher's kgo.NewClient option style in
// internal/shared/kafka/consumer.go, ported to the producer side.
type Producer struct {
	cfg      *config.Config
	logger   zerolog.Logger
	registry *schemaregistry.Client

	client  *kgo.Client
	limiter *rate.Limiter
}

// New builds a Producer. The underlying kgo.Client is not created here but
// in Start, which also pings the brokers; connecting is not deferred to the
// first Publish, so an unreachable broker fails Start. Publish must not be
// called before Start has succeeded.
func New(cfg *config.Config, logger zerolog.Logger, registry *schemaregistry.Client) *Producer {
	return &Producer{
		cfg:      cfg,
		logger:   logger.With().Str("component", "producer").Logger(),
		registry: registry,
		limiter:  rate.NewLimiter(rate.Limit(cfg.MaxInFlight), cfg.MaxInFlight),
	}
}

// Start establishes the underlying Kafka client connection.
func (p *Producer) Start(ctx context.Context) error {
	opts := []kgo.Opt{
		kgo.SeedBrokers(splitBrokers(p.cfg.KafkaBrokers)...),
		kgo.TransactionalID(p.cfg.ProducerTxnID),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(5 * time.Millisecond),
		kgo.RecordRetries(5),
	}

	if p.cfg.KafkaSSL {
		opts = append(opts, kgo.DialTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12}))
	}
	if p.cfg.KafkaSASLEnabled {
		opts = append(opts, saslOpt(p.cfg.KafkaAPIKey, p.cfg.KafkaAPISecret))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return fmt.Errorf("producer: create client: %w", err)
	}

	if err := client.Ping(ctx); err != nil {
		client.Close()
		return fmt.Errorf("producer: ping brokers: %w", err)
	}

	p.client = client
	p.logger.Info().Str("brokers", p.cfg.KafkaBrokers).Str("topic", p.cfg.RequestTopic).Msg("producer connected")
	return nil
}

// Shutdown flushes in-flight records and closes the client.
func (p *Producer) Shutdown(ctx context.Context) error {
	if p.client == nil {
		return nil
	}
	if err := p.client.Flush(ctx); err != nil {
		p.logger.Warn().Err(err).Msg("producer flush error during shutdown")
	}
	p.client.Close()
	return nil
}

// Publish sends a RequestRecord to the request topic, keyed by request id,
// and blocks until the broker acks it or ctx is cancelled. It is gated by a
// token-bucket rate limiter (MaxInFlight publishes per second, burst
// MaxInFlight) so a burst of submitters cannot overrun the producer's
// outbound bandwidth; the limiter paces publish starts and does not cap how
// many publishes await a broker ack at once (grounded on resource_guard.go's
// rate-limiter-in-front-of-I/O pattern, generalized from inbound consumption
// to outbound publish).
func (p *Producer) Publish(ctx context.Context, req types.RequestRecord) (partition int32, offset int64, err error) {
	monitoring.ProducerInFlight.Inc()
	defer monitoring.ProducerInFlight.Dec()

	if err := p.limiter.Wait(ctx); err != nil {
		return 0, 0, fmt.Errorf("producer: rate limit wait: %w", err)
	}

	start := time.Now()
	value, err := p.encode(req)
	if err != nil {
		monitoring.RequestsPublishFailedTotal.WithLabelValues("encode").Inc()
		return 0, 0, fmt.Errorf("producer: encode request: %w", err)
	}

	record := &kgo.Record{
		Topic: p.cfg.RequestTopic,
		Key:   []byte(req.RequestID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "correlation-id", Value: []byte(req.CorrelationID)},
			{Key: "source", Value: []byte("gateway")},
		},
	}

	resultCh := make(chan error, 1)
	var result *kgo.Record
	p.client.Produce(ctx, record, func(r *kgo.Record, e error) {
		result = r
		resultCh <- e
	})

	select {
	case <-ctx.Done():
		monitoring.RequestsPublishFailedTotal.WithLabelValues("context_cancelled").Inc()
		return 0, 0, ctx.Err()
	case err := <-resultCh:
		monitoring.PublishLatencySeconds.Observe(time.Since(start).Seconds())
		if err != nil {
			monitoring.RequestsPublishFailedTotal.WithLabelValues("broker").Inc()
			return 0, 0, fmt.Errorf("producer: publish: %w", err)
		}
		monitoring.RequestsPublishedTotal.WithLabelValues(string(req.RequestType)).Inc()
		return result.Partition, result.Offset, nil
	}
}

// encode marshals the request to JSON, prefixed with the Confluent wire
// format header when a schema registry is configured.
func (p *Producer) encode(req types.RequestRecord) ([]byte, error) {
	body, err := json.Marshal(wireRequest{
		RequestID:     req.RequestID,
		CorrelationID: req.CorrelationID,
		RequestType:   string(req.RequestType),
		Payload:       req.Payload,
		UserID:        req.UserID,
		EventID:       req.EventID,
		SubmittedAt:   req.SubmittedAt,
	})
	if err != nil {
		return nil, err
	}

	if p.registry == nil || !p.registry.Enabled() {
		return body, nil
	}

	schemaID, err := p.registry.SchemaID()
	if err != nil {
		schemaID, err = p.registry.Refresh()
		if err != nil {
			return nil, fmt.Errorf("schema id lookup (after refresh retry): %w", err)
		}
	}

	out := make([]byte, 5+len(body))
	out[0] = confluentMagicByte
	binary.BigEndian.PutUint32(out[1:5], uint32(schemaID))
	copy(out[5:], body)
	return out, nil
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

func saslOpt(key, secret string) kgo.Opt {
	return kgo.SASL(plain.Auth{User: key, Pass: secret}.AsMechanism())
}
