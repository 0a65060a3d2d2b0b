// Package notify publishes terminal task events to an AMQP exchange so
// external consumers can react to completions without polling the store.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"taskmill/internal/eventbus"
	logx "taskmill/pkg/logx"
)

const defaultExchange = "taskmill.events"

type Config struct {
	Enabled  bool
	URL      string
	Exchange string
}

// message is the wire envelope; payload is the eventbus task event.
type message struct {
	ID        string             `json:"id"`
	Type      string             `json:"type"`
	Payload   eventbus.TaskEvent `json:"payload"`
	Timestamp time.Time          `json:"timestamp"`
}

// Service pumps task.finished events from the bus into AMQP.
//
// The channel is (re)dialed lazily: a broker outage drops events rather than
// blocking the pump, since the store remains the source of truth.
type Service struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) (*Service, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("notify: amqp url is required")
	}
	if strings.TrimSpace(cfg.Exchange) == "" {
		cfg.Exchange = defaultExchange
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, log: log.With(logx.String("comp", "notify")), bus: bus}, nil
}

// Run consumes the bus until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	events, unsub := s.bus.Subscribe(64)
	defer unsub()
	defer s.closeChannel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Type != eventbus.TypeTaskFinished {
				continue
			}
			te, ok := ev.Data.(eventbus.TaskEvent)
			if !ok {
				continue
			}
			if err := s.publish(ctx, ev.Time, te); err != nil {
				s.log.Warn("publish failed; dropping event",
					logx.Int64("task", te.ID), logx.Err(err))
			}
		}
	}
}

func (s *Service) publish(ctx context.Context, at time.Time, te eventbus.TaskEvent) error {
	ch, err := s.channel()
	if err != nil {
		return err
	}

	msg := message{
		ID:        uuid.NewString(),
		Type:      eventbus.TypeTaskFinished,
		Payload:   te,
		Timestamp: at,
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	routingKey := "task.finished." + string(te.State)
	err = ch.PublishWithContext(pctx, s.cfg.Exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    at,
		Body:         body,
	})
	if err != nil {
		// Force a redial on the next event.
		s.closeChannel()
		return fmt.Errorf("publish to %s/%s: %w", s.cfg.Exchange, routingKey, err)
	}

	s.log.Debug("published event",
		logx.Int64("task", te.ID), logx.String("routing_key", routingKey))
	return nil
}

// channel returns the current AMQP channel, dialing and declaring the
// exchange when needed.
func (s *Service) channel() (*amqp.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ch != nil && !s.ch.IsClosed() {
		return s.ch, nil
	}

	conn, err := amqp.Dial(s.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(s.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	s.conn = conn
	s.ch = ch
	s.log.Info("connected to amqp", logx.String("exchange", s.cfg.Exchange))
	return ch, nil
}

func (s *Service) closeChannel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch != nil {
		_ = s.ch.Close()
		s.ch = nil
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}
