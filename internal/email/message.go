// Package email defines the core data model shared by the SMTP sessions,
// the decoder, the message store and the web layer.
package email

import (
	"strings"
	"time"
)

// Envelope is the SMTP-level sender and recipient list collected before
// the message body is transferred. From is empty for the null sender.
type Envelope struct {
	From string
	To   []string
	Helo string
}

// Header is a single header field. In Message.Headers the value is decoded
// and folded lines are joined; in Message.RawHeaders the line is kept as it
// was received.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// String renders the header as "Name: Value".
func (h Header) String() string {
	return h.Name + ": " + h.Value
}

// Message is a captured message. It is never mutated once stored.
type Message struct {
	ID       string
	From     string
	To       []string
	Subject  string
	Date     time.Time
	Received time.Time
	Size     int

	Headers    []Header
	RawHeaders []string

	// Body is the default human-readable representation chosen from the
	// content tree. Text and HTML hold the first plain and HTML bodies.
	Body string
	Text string
	HTML string

	Content Part
	Raw     []byte

	// Anomalies lists the sections the decoder could not interpret and
	// kept raw instead.
	Anomalies []string
}

// Summary is the list/event view of a message.
type Summary struct {
	ID      string   `json:"id"`
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Date    int64    `json:"date"`
	Size    int      `json:"size"`
}

// Summary builds the summary of the message.
func (m *Message) Summary() Summary {
	to := make([]string, len(m.To))
	copy(to, m.To)
	return Summary{
		ID:      m.ID,
		From:    m.From,
		To:      to,
		Subject: m.Subject,
		Date:    m.Date.Unix(),
		Size:    m.Size,
	}
}

// Header returns every decoded value of the named header, in order.
// Name matching is case-insensitive.
func (m *Message) Header(name string) []string {
	var values []string
	for _, h := range m.Headers {
		if strings.EqualFold(h.Name, name) {
			values = append(values, h.Value)
		}
	}
	return values
}

// RawSource splits the raw transcript into its header block and body.
func (m *Message) RawSource() (headers, body string) {
	raw := string(m.Raw)
	if i := strings.Index(raw, "\r\n\r\n"); i >= 0 {
		return raw[:i], raw[i+4:]
	}
	if i := strings.Index(raw, "\n\n"); i >= 0 {
		return raw[:i], raw[i+2:]
	}
	return strings.TrimRight(raw, "\r\n"), ""
}

// HasAttachments reports whether any leaf of the content tree is an attachment.
func (m *Message) HasAttachments() bool {
	found := false
	Walk(m.Content, func(l *Leaf) bool {
		if l.IsAttachment() {
			found = true
			return false
		}
		return true
	})
	return found
}
