// Package events publishes session lifecycle events to RabbitMQ so
// downstream consumers (analytics, billing) can follow tracking activity
// without polling the API. Publishing is best effort and never blocks the
// session lifecycle on broker faults.
package events

import (
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/rpol-recart/sam3-inference/internal/models"
)

// Config carries broker coordinates.
type Config struct {
	URL        string
	Exchange   string
	RoutingKey string
}

// Publisher owns one connection and channel to the broker. A nil *Publisher
// is valid and drops every event, so callers never branch on the enabled
// flag.
type Publisher struct {
	cfg  Config
	conn *amqp.Connection
	ch   *amqp.Channel
	log  zerolog.Logger
}

// New dials the broker and declares the topic exchange.
func New(cfg Config, log zerolog.Logger) (*Publisher, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	log.Info().Str("exchange", cfg.Exchange).Msg("event publisher connected")
	return &Publisher{cfg: cfg, conn: conn, ch: ch, log: log.With().Str("component", "events").Logger()}, nil
}

// Close releases the channel and connection.
func (p *Publisher) Close() {
	if p == nil {
		return
	}
	if p.ch != nil {
		p.ch.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}

type sessionEvent struct {
	Event       string    `json:"event"`
	SessionID   string    `json:"session_id"`
	Timestamp   time.Time `json:"timestamp"`
	Devices     []string  `json:"devices,omitempty"`
	TotalFrames int       `json:"total_frames,omitempty"`
	Frames      int       `json:"frames,omitempty"`
	Direction   string    `json:"direction,omitempty"`
	DurationMS  float64   `json:"duration_ms,omitempty"`
}

// SessionCreated announces a newly admitted session.
func (p *Publisher) SessionCreated(rec models.SessionRecord) {
	p.publish("created", sessionEvent{
		Event:       "session.created",
		SessionID:   rec.ID,
		Devices:     rec.AssignedDevices,
		TotalFrames: rec.Video.TotalFrames,
	})
}

// SessionClosed announces a closed (or reaped) session.
func (p *Publisher) SessionClosed(id string, devices []string) {
	p.publish("closed", sessionEvent{
		Event:     "session.closed",
		SessionID: id,
		Devices:   devices,
	})
}

// PropagationCompleted announces a finished propagation run.
func (p *Publisher) PropagationCompleted(id string, direction models.Direction, frames int, duration time.Duration) {
	p.publish("propagated", sessionEvent{
		Event:      "propagation.completed",
		SessionID:  id,
		Direction:  string(direction),
		Frames:     frames,
		DurationMS: float64(duration.Milliseconds()),
	})
}

func (p *Publisher) publish(suffix string, event sessionEvent) {
	if p == nil {
		return
	}
	event.Timestamp = time.Now().UTC()
	body, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Msg("failed to encode event")
		return
	}
	err = p.ch.Publish(p.cfg.Exchange, p.cfg.RoutingKey+"."+suffix, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    event.Timestamp,
	})
	if err != nil {
		p.log.Warn().Err(err).Str("event", event.Event).Msg("failed to publish event")
	}
}
