// Package stdout implements a Provider that echoes captured messages to
// standard output.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/shineum/mailcatcher-lite/internal/email"
)

// Provider prints messages in a human-readable format.
type Provider struct {
	mu sync.Mutex
	// writer is the output destination, defaulting to os.Stdout.
	writer io.Writer
}

// New creates a new stdout Provider that writes to os.Stdout.
func New() *Provider {
	return &Provider{writer: os.Stdout}
}

// NewWithWriter creates a new stdout Provider that writes to the given writer.
// This is useful for testing.
func NewWithWriter(w io.Writer) *Provider {
	return &Provider{writer: w}
}

// Send prints the message. Sessions run concurrently, so whole messages are
// written under a lock to keep them from interleaving. It always returns nil.
func (p *Provider) Send(_ context.Context, msg *email.Message) error {
	var b strings.Builder

	b.WriteString("========================================\n")
	fmt.Fprintf(&b, "ID: %s\n", msg.ID)
	fmt.Fprintf(&b, "From: %s\n", displaySender(msg.From))
	fmt.Fprintf(&b, "To: %s\n", strings.Join(msg.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
	fmt.Fprintf(&b, "Date: %s\n", msg.Date.Format("Mon, 02 Jan 2006 15:04:05 -0700"))
	fmt.Fprintf(&b, "Size: %s\n", formatSize(msg.Size))
	b.WriteString("Body:\n")
	b.WriteString(msg.Body + "\n")

	var attachments []string
	email.Walk(msg.Content, func(l *email.Leaf) bool {
		if l.IsAttachment() {
			name := l.Filename
			if name == "" {
				name = "(unnamed " + l.ContentType + ")"
			}
			attachments = append(attachments, fmt.Sprintf("%s (%s)", name, formatSize(len(l.Body))))
		}
		return true
	})
	if len(attachments) > 0 {
		fmt.Fprintf(&b, "Attachments: %s\n", strings.Join(attachments, ", "))
	}
	if len(msg.Anomalies) > 0 {
		fmt.Fprintf(&b, "Anomalies: %s\n", strings.Join(msg.Anomalies, "; "))
	}

	b.WriteString("========================================\n")

	p.mu.Lock()
	defer p.mu.Unlock()
	// Echo output is best effort; a broken stdout must not fail the session.
	_, _ = io.WriteString(p.writer, b.String())
	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "stdout"
}

func displaySender(from string) string {
	if from == "" {
		return "<>"
	}
	return from
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
