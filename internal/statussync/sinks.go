package statussync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker"

	"github.com/KafClaw/wagate/internal/session"
	"github.com/KafClaw/wagate/internal/timeline"
)

// HTTPSink posts statuses to the control plane's /status endpoint.
type HTTPSink struct {
	url     string
	secret  string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// HTTPSinkConfig configures an HTTPSink.
type HTTPSinkConfig struct {
	BaseURL         string
	Secret          string
	Timeout         time.Duration
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// NewHTTPSink creates a sink for {BaseURL}/status guarded by a circuit breaker.
func NewHTTPSink(cfg HTTPSinkConfig) *HTTPSink {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	failures := cfg.BreakerFailures
	return &HTTPSink{
		url:    strings.TrimRight(cfg.BaseURL, "/") + "/status",
		secret: cfg.Secret,
		client: &http.Client{Timeout: cfg.Timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "control-plane",
			MaxRequests: 1,
			Timeout:     cfg.BreakerCooldown,
			ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= failures },
		}),
	}
}

func (h *HTTPSink) Name() string { return "control_plane" }

// State exposes the breaker state for health reporting.
func (h *HTTPSink) State() string { return h.breaker.State().String() }

func (h *HTTPSink) Send(ctx context.Context, s session.Snapshot) error {
	body, err := json.Marshal(PushFromSnapshot(s))
	if err != nil {
		return err
	}
	_, err = h.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if h.secret != "" {
			req.Header.Set("Authorization", "Bearer "+h.secret)
		}
		resp, err := h.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, fmt.Errorf("control plane returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		}
		return nil, nil
	})
	return err
}

// KafkaWriter is the subset of *kafka.Writer used by KafkaSink.
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink writes statuses to a topic keyed by tenant, so a tenant's
// statuses stay in one partition and keep their order.
type KafkaSink struct {
	w KafkaWriter
}

// NewKafkaSink creates a sink writing to topic on the given brokers.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{w: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}}
}

// NewKafkaSinkWithWriter wraps an existing writer.
func NewKafkaSinkWithWriter(w KafkaWriter) *KafkaSink {
	return &KafkaSink{w: w}
}

func (k *KafkaSink) Name() string { return "kafka" }

func (k *KafkaSink) Send(ctx context.Context, s session.Snapshot) error {
	value, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return k.w.WriteMessages(ctx, kafka.Message{
		Key:     []byte(s.TenantID),
		Value:   value,
		Headers: []kafka.Header{{Key: "status", Value: []byte(s.Status.String())}},
		Time:    s.UpdatedAt,
	})
}

func (k *KafkaSink) Close() error { return k.w.Close() }

// AMQPSink publishes statuses to a topic exchange with routing key
// session.status.<tenantId>.
type AMQPSink struct {
	conn     *amqp.Connection
	exchange string
}

// NewAMQPSink dials url and declares a durable topic exchange.
func NewAMQPSink(url, exchange string) (*AMQPSink, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, err
	}
	return &AMQPSink{conn: conn, exchange: exchange}, nil
}

// RoutingKey returns the routing key for a tenant's statuses.
func RoutingKey(tenantID string) string {
	return "session.status." + tenantID
}

func (a *AMQPSink) Name() string { return "amqp" }

func (a *AMQPSink) Send(ctx context.Context, s session.Snapshot) error {
	ch, err := a.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	body, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return ch.PublishWithContext(ctx, a.exchange, RoutingKey(s.TenantID), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now(),
		Body:         body,
	})
}

func (a *AMQPSink) Close() error { return a.conn.Close() }

// TimelineSink records statuses in the local history.
type TimelineSink struct {
	svc *timeline.TimelineService
}

func NewTimelineSink(svc *timeline.TimelineService) *TimelineSink {
	return &TimelineSink{svc: svc}
}

func (t *TimelineSink) Name() string { return "timeline" }

func (t *TimelineSink) Send(_ context.Context, s session.Snapshot) error {
	return t.svc.RecordStatus(s)
}
