// Package relay forwards bus events to a Kafka topic so that consumers
// outside the process can follow commands and their status in real time.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"sensorhub/internal/event"
	"sensorhub/internal/metrics"
)

const (
	headerGroup = "sensorhub-group"
	headerType  = "sensorhub-event"
)

type Config struct {
	Enabled  bool
	Brokers  []string
	Topic    string
	ClientID string
	// Groups selects the bus topic groups to forward. Empty means all.
	Groups       []string
	FlushTimeout time.Duration
	Logger       *slog.Logger
	Metrics      *metrics.Collectors
}

func (c *Config) withDefaults() {
	if len(c.Groups) == 0 {
		c.Groups = []string{event.GroupSystems, event.GroupCommandData, event.GroupCommandStatus}
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 5 * time.Second
	}
	if c.ClientID == "" {
		c.ClientID = "sensorhub-relay"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Brokers) == 0 {
		return errors.New("relay.kafka.brokers is required")
	}
	if c.Topic == "" {
		return errors.New("relay.kafka.topic is required")
	}
	for _, g := range c.Groups {
		switch g {
		case event.GroupSystems, event.GroupCommandData, event.GroupCommandStatus:
		default:
			return fmt.Errorf("relay: unknown topic group %q", g)
		}
	}
	return nil
}

// Message is the JSON value of every relayed record.
type Message struct {
	Topic string          `json:"topic"`
	Type  string          `json:"type"`
	Time  time.Time       `json:"time"`
	Event json.RawMessage `json:"event"`
}

type producer interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
	Flush(ctx context.Context) error
	Close()
}

// Relay subscribes to whole topic groups and produces one record per
// event. Records are keyed by the bus topic so that the events of one
// command stream stay ordered within a Kafka partition.
type Relay struct {
	cfg    Config
	bus    *event.Bus
	client producer
	logger *slog.Logger

	mu   sync.Mutex
	subs []event.Subscription
}

func New(cfg Config, bus *event.Bus, opts ...kgo.Opt) (*Relay, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.ClientID(cfg.ClientID),
		kgo.ProducerLinger(5 * time.Millisecond),
	}
	cl, err := kgo.NewClient(append(kopts, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("new kafka producer: %w", err)
	}
	return newRelay(cfg, bus, cl), nil
}

func newRelay(cfg Config, bus *event.Bus, p producer) *Relay {
	cfg.withDefaults()
	return &Relay{cfg: cfg, bus: bus, client: p, logger: cfg.Logger.With("component", "relay", "topic", cfg.Topic)}
}

// Start attaches the relay to the bus. Events published before Start are
// not forwarded.
func (r *Relay) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, g := range r.cfg.Groups {
		var (
			sub event.Subscription
			err error
		)
		switch g {
		case event.GroupSystems:
			sub, err = event.NewSubscription[event.CommandStreamEvent](r.bus).WithTopics(event.GroupTopic(g)).Consume(func(e event.CommandStreamEvent) { r.forward("stream", e) })
		case event.GroupCommandData:
			sub, err = event.NewSubscription[event.CommandEvent](r.bus).WithTopics(event.GroupTopic(g)).Consume(func(e event.CommandEvent) { r.forward("command", e) })
		case event.GroupCommandStatus:
			sub, err = event.NewSubscription[event.CommandStatusEvent](r.bus).WithTopics(event.GroupTopic(g)).Consume(func(e event.CommandStatusEvent) { r.forward("status", e) })
		}
		if err != nil {
			r.cancelLocked()
			return fmt.Errorf("relay %s: %w", g, err)
		}
		r.subs = append(r.subs, sub)
	}
	r.logger.Info("relay started", "groups", r.cfg.Groups)
	return nil
}

func (r *Relay) forward(kind string, e event.Event) {
	rec, err := encode(kind, e)
	group := e.Topic().Group
	if err != nil {
		r.cfg.Metrics.Relayed(group, err)
		r.logger.Error("relay encode failed", "type", kind, "err", err)
		return
	}
	r.client.Produce(context.Background(), rec, func(_ *kgo.Record, err error) {
		r.cfg.Metrics.Relayed(group, err)
		if err != nil {
			r.logger.Warn("relay produce failed", "bus_topic", e.Topic().String(), "err", err)
		}
	})
}

func encode(kind string, e event.Event) (*kgo.Record, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	topic := e.Topic()
	value, err := json.Marshal(Message{Topic: topic.String(), Type: kind, Time: e.Time().UTC(), Event: body})
	if err != nil {
		return nil, err
	}
	return &kgo.Record{
		Key:       []byte(topic.String()),
		Value:     value,
		Timestamp: e.Time(),
		Headers: []kgo.RecordHeader{
			{Key: headerGroup, Value: []byte(topic.Group)},
			{Key: headerType, Value: []byte(kind)},
		},
	}, nil
}

// Close detaches from the bus and waits up to FlushTimeout for buffered
// records.
func (r *Relay) Close() error {
	r.mu.Lock()
	r.cancelLocked()
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.FlushTimeout)
	defer cancel()
	err := r.client.Flush(ctx)
	r.client.Close()
	return err
}

func (r *Relay) cancelLocked() {
	for _, s := range r.subs {
		s.Cancel()
	}
	r.subs = nil
}
