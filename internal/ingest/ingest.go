// Package ingest feeds deploy events from a message bus into the gate engine.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/segmentio/kafka-go"

	"github.com/aicallyu/olympus/internal/engine"
)

type Message struct {
	Topic string
	Key   []byte
	Value []byte
}

// Consumer delivers raw bus messages until Close.
type Consumer interface {
	Start(ctx context.Context) error
	Messages() <-chan Message
	Close() error
}

// Handler is the part of engine.Engine the ingestor drives.
type Handler interface {
	HandleDeployEvent(ctx context.Context, ev engine.DeployEvent) (engine.DeployResult, error)
}

var ErrMalformed = errors.New("malformed deploy event")

// Decode parses one deploy event payload. Vercel-style payloads that nest the
// fields under "payload" are accepted too.
func Decode(value []byte) (engine.DeployEvent, error) {
	var ev engine.DeployEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		return ev, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if ev.ProjectID == "" {
		var wrapped struct {
			Payload engine.DeployEvent `json:"payload"`
		}
		if err := json.Unmarshal(value, &wrapped); err == nil {
			ev = wrapped.Payload
		}
	}
	if ev.ProjectID == "" {
		return ev, fmt.Errorf("%w: project_id is required", ErrMalformed)
	}
	return ev, nil
}

// Ingestor reads deploy events and hands them to the engine one at a time.
type Ingestor struct {
	Consumer Consumer
	Handler  Handler
	Logger   *slog.Logger
}

// Run blocks until ctx is done or the consumer closes its channel. Bad
// messages and handler errors are logged and skipped.
func (i Ingestor) Run(ctx context.Context) error {
	logger := i.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if err := i.Consumer.Start(ctx); err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-i.Consumer.Messages():
			if !ok {
				return nil
			}
			ev, err := Decode(msg.Value)
			if err != nil {
				logger.Warn("skip deploy event", "topic", msg.Topic, "err", err)
				continue
			}
			res, err := i.Handler.HandleDeployEvent(ctx, ev)
			if err != nil {
				logger.Error("handle deploy event", "project_id", ev.ProjectID, "commit", ev.Commit, "err", err)
				continue
			}
			logger.Info("deploy event handled", "project_id", ev.ProjectID, "commit", ev.Commit, "status", res.Status, "triggered", len(res.Triggered))
		}
	}
}

// KafkaConsumer reads one topic with a consumer group.
type KafkaConsumer struct {
	brokers  []string
	topic    string
	groupID  string
	messages chan Message

	mu     sync.Mutex
	reader *kafka.Reader
	done   chan struct{}
}

func NewKafkaConsumer(brokers, topic, groupID string) *KafkaConsumer {
	var list []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			list = append(list, b)
		}
	}
	return &KafkaConsumer{
		brokers:  list,
		topic:    topic,
		groupID:  groupID,
		messages: make(chan Message, 100),
		done:     make(chan struct{}),
	}
}

func (c *KafkaConsumer) Start(ctx context.Context) error {
	if len(c.brokers) == 0 {
		return errors.New("kafka: no brokers configured")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reader != nil {
		return nil
	}
	c.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:  c.brokers,
		Topic:    c.topic,
		GroupID:  c.groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	go c.read(ctx, c.reader)
	return nil
}

func (c *KafkaConsumer) read(ctx context.Context, r *kafka.Reader) {
	defer close(c.messages)
	for {
		msg, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			select {
			case <-c.done:
				return
			default:
			}
			slog.Warn("kafka read error", "topic", c.topic, "err", err)
			continue
		}
		select {
		case c.messages <- Message{Topic: msg.Topic, Key: msg.Key, Value: msg.Value}:
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

func (c *KafkaConsumer) Messages() <-chan Message { return c.messages }

func (c *KafkaConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return nil
	default:
		close(c.done)
	}
	if c.reader == nil {
		return nil
	}
	return c.reader.Close()
}

// ChannelConsumer is an in-process Consumer fed with Send.
type ChannelConsumer struct {
	ch chan Message
}

func NewChannelConsumer() *ChannelConsumer {
	return &ChannelConsumer{ch: make(chan Message, 100)}
}

func (c *ChannelConsumer) Start(ctx context.Context) error { return nil }

func (c *ChannelConsumer) Messages() <-chan Message { return c.ch }

func (c *ChannelConsumer) Close() error {
	close(c.ch)
	return nil
}

func (c *ChannelConsumer) Send(msg Message) {
	c.ch <- msg
}
