// Package capture implements the Provider that keeps messages: it stores
// them and then announces them to live observers.
package capture

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/shineum/mailcatcher-lite/internal/broker"
	"github.com/shineum/mailcatcher-lite/internal/email"
	"github.com/shineum/mailcatcher-lite/internal/store"
)

// Publisher is the part of the broker the provider needs.
type Publisher interface {
	Publish(ev broker.Event) error
}

// Recorder receives per-message statistics.
type Recorder interface {
	MessageStored(size, anomalies int)
}

// Provider stores each message and publishes a NewMail event for it.
type Provider struct {
	store    store.Store
	events   Publisher
	recorder Recorder
	log      *zap.Logger
}

// New creates a capture provider. recorder may be nil.
func New(s store.Store, events Publisher, recorder Recorder, log *zap.Logger) *Provider {
	if log == nil {
		log = zap.NewNop()
	}
	return &Provider{store: s, events: events, recorder: recorder, log: log}
}

// Send inserts msg and only then publishes it, so an observer reacting to
// the event always finds the message in the store.
func (p *Provider) Send(_ context.Context, msg *email.Message) error {
	if err := p.store.Insert(msg); err != nil {
		if errors.Is(err, store.ErrDuplicateID) {
			p.log.DPanic("message id collision", zap.String("id", msg.ID), zap.Error(err))
		}
		return fmt.Errorf("failed to store message: %w", err)
	}

	fields := []zap.Field{
		zap.String("id", msg.ID),
		zap.String("from", msg.From),
		zap.Strings("to", msg.To),
		zap.Int("size", msg.Size),
	}
	if len(msg.Anomalies) > 0 {
		p.log.Warn("message stored with undecodable sections", append(fields, zap.Strings("anomalies", msg.Anomalies))...)
	} else {
		p.log.Info("message stored", fields...)
	}

	if p.recorder != nil {
		p.recorder.MessageStored(msg.Size, len(msg.Anomalies))
	}

	if err := p.events.Publish(broker.NewMail{Summary: msg.Summary()}); err != nil {
		// The message is stored; observers attaching later will list it.
		p.log.Debug("new mail event not published", zap.String("id", msg.ID), zap.Error(err))
	}
	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "capture"
}
