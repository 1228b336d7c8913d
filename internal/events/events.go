// Package events publishes pipeline lifecycle events to NATS.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/lucasnoah/agentfactory/internal/logging"
)

// Event names.
const (
	Created         = "created"
	Transition      = "transition"
	BuilderFinished = "builder_finished"
	FixRound        = "fix_round"
	Completed       = "completed"
	Failed          = "failed"
	Interrupted     = "interrupted"
)

// DefaultSubject is the subject prefix events are published under.
const DefaultSubject = "factory.pipeline"

// Event is the JSON body of every published message.
type Event struct {
	PipelineID string    `json:"pipeline_id"`
	Event      string    `json:"event"`
	State      string    `json:"state,omitempty"`
	Data       any       `json:"data,omitempty"`
	Time       time.Time `json:"time"`
}

// Publisher sends events to <subject>.<pipeline_id>.<event>. A nil
// *Publisher is valid and drops everything.
type Publisher struct {
	nc      *nats.Conn
	subject string
	log     *zap.Logger
	owned   bool
}

// Connect dials url and returns a publisher that owns the connection.
func Connect(url, subject string, logger *zap.Logger) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("agentfactory"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	p := New(nc, subject, logger)
	p.owned = true
	return p, nil
}

// New wraps an existing connection.
func New(nc *nats.Conn, subject string, logger *zap.Logger) *Publisher {
	if subject == "" {
		subject = DefaultSubject
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Publisher{nc: nc, subject: subject, log: logger}
}

// Subject returns the subject an event for pipelineID is published on.
func (p *Publisher) Subject(pipelineID, event string) string {
	return p.subject + "." + pipelineID + "." + event
}

// Publish sends one event. Publishing is fire-and-forget; ctx is only checked
// before sending.
func (p *Publisher) Publish(ctx context.Context, pipelineID, event, state string, data any) error {
	if p == nil || p.nc == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(Event{
		PipelineID: pipelineID,
		Event:      event,
		State:      state,
		Data:       data,
		Time:       time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.nc.Publish(p.Subject(pipelineID, event), body); err != nil {
		p.log.Debug("publish failed", zap.String(logging.KeyPipeline, pipelineID), zap.String("event", event), zap.Error(err))
		return fmt.Errorf("publish %s: %w", event, err)
	}
	return nil
}

// Close flushes pending messages and closes the connection when the
// publisher owns it.
func (p *Publisher) Close() {
	if p == nil || p.nc == nil {
		return
	}
	_ = p.nc.FlushTimeout(2 * time.Second)
	if p.owned {
		p.nc.Close()
	}
}
