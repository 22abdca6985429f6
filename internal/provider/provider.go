// Package provider defines the interface for message sinks. A sink receives
// every message an SMTP session accepts.
package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/shineum/mailcatcher-lite/internal/email"
)

// Provider is the interface that message sinks must implement.
type Provider interface {
	// Send hands over a decoded message. An error makes the session reply
	// with a transient failure.
	Send(ctx context.Context, msg *email.Message) error

	// Name returns the human-readable name of this provider.
	Name() string
}

// Chain calls each provider in order and stops at the first failure.
type Chain []Provider

// Send delivers msg to every provider of the chain.
func (c Chain) Send(ctx context.Context, msg *email.Message) error {
	for _, p := range c {
		if err := p.Send(ctx, msg); err != nil {
			return fmt.Errorf("%s: %w", p.Name(), err)
		}
	}
	return nil
}

// Name joins the names of the chained providers.
func (c Chain) Name() string {
	names := make([]string, 0, len(c))
	for _, p := range c {
		names = append(names, p.Name())
	}
	return strings.Join(names, "+")
}
