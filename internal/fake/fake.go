// Package fake generates plausible messages for filling a dashboard
// without an SMTP client.
package fake

import (
	"fmt"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v7"

	"github.com/shineum/mailcatcher-lite/internal/email"
)

const (
	// wrapWidth is the body line length.
	wrapWidth = 72
	// maxAge bounds how far back a generated Date header goes.
	maxAge = 180 * 24 * time.Hour
)

// Generator builds raw messages from random data. It is safe for
// concurrent use.
type Generator struct {
	faker *gofakeit.Faker
	now   func() time.Time
}

// New returns a Generator. A zero seed picks a random one.
func New(seed uint64) *Generator {
	return &Generator{faker: gofakeit.New(seed), now: time.Now}
}

// Message returns an envelope and the matching RFC 5322 transcript.
func (g *Generator) Message() (email.Envelope, []byte) {
	f := g.faker
	now := g.now()

	from, fromName := f.Email(), f.Name()
	to, toName := f.Email(), f.Name()
	subject := capitalize(strings.TrimSuffix(f.Sentence(f.IntRange(5, 10)), "."))
	date := f.DateRange(now.Add(-maxAge), now)

	paragraphs := make([]string, f.IntRange(1, 7))
	for i := range paragraphs {
		paragraphs[i] = wrap(f.Paragraph(1, f.IntRange(2, 6), f.IntRange(6, 14), ""), wrapWidth)
	}
	paragraphs[0] = "Lorem ipsum dolor sit amet, " + paragraphs[0]

	var b strings.Builder
	fmt.Fprintf(&b, "Date: %s\r\n", date.Format(time.RFC1123Z))
	fmt.Fprintf(&b, "From: %s <%s>\r\n", fromName, from)
	fmt.Fprintf(&b, "To: %s <%s>\r\n", toName, to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("X-Mailer: mailcatcher/fake\r\n")
	fmt.Fprintf(&b, "Message-Id: <%d.%d@%s>\r\n", date.Unix(), date.UnixMilli(), f.DomainName())
	b.WriteString("\r\n")
	b.WriteString(strings.Join(paragraphs, "\r\n\r\n"))
	b.WriteString("\r\n")

	return email.Envelope{From: from, To: []string{to}, Helo: "fake"}, []byte(b.String())
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// wrap breaks s into CRLF-separated lines of at most width characters,
// except for words longer than width.
func wrap(s string, width int) string {
	var (
		lines []string
		line  strings.Builder
	)
	for _, word := range strings.Fields(s) {
		if line.Len() > 0 && line.Len()+1+len(word) > width {
			lines = append(lines, line.String())
			line.Reset()
		}
		if line.Len() > 0 {
			line.WriteByte(' ')
		}
		line.WriteString(word)
	}
	if line.Len() > 0 {
		lines = append(lines, line.String())
	}
	return strings.Join(lines, "\r\n")
}
