// Package parser turns a raw SMTP DATA payload into an email.Message.
//
// Parsing never fails: anything that cannot be interpreted is kept raw and
// noted in Message.Anomalies, because a catch-all server must store every
// message it accepts.
package parser

import (
	"bytes"
	"fmt"
	"net/mail"
	"net/textproto"
	"strings"
	"time"

	"github.com/shineum/mailcatcher-lite/internal/email"
)

// Parse decodes raw (the dot-unstuffed DATA payload) received with the
// given envelope. The returned message carries a fresh id.
func Parse(env email.Envelope, raw []byte, received time.Time) *email.Message {
	to := make([]string, len(env.To))
	copy(to, env.To)

	msg := &email.Message{
		ID:       email.NewID(),
		From:     env.From,
		To:       to,
		Date:     received,
		Received: received,
		Size:     len(raw),
		Raw:      raw,
	}

	d := &decoder{}
	head, body := d.splitHeaderBody(raw)

	var fields []email.Header
	msg.RawHeaders, fields = d.parseHeaderBlock(head)

	mimeHeader := make(textproto.MIMEHeader, len(fields))
	msg.Headers = make([]email.Header, 0, len(fields))
	for _, f := range fields {
		mimeHeader.Add(f.Name, f.Value)
		msg.Headers = append(msg.Headers, email.Header{Name: f.Name, Value: d.decodeWords(f.Value)})
	}

	if subject := msg.Header("Subject"); len(subject) > 0 {
		msg.Subject = subject[0]
	}
	if date := mimeHeader.Get("Date"); date != "" {
		if t, err := mail.ParseDate(date); err == nil {
			msg.Date = t
		} else {
			d.anomaly("unparseable Date header %q", date)
		}
	}

	msg.Content = d.parsePart(mimeHeader, body, 0)
	selectBodies(msg)
	msg.Anomalies = d.anomalies
	return msg
}

type decoder struct {
	anomalies []string
}

func (d *decoder) anomaly(format string, args ...any) {
	d.anomalies = append(d.anomalies, fmt.Sprintf(format, args...))
}

// splitHeaderBody separates the header block from the body at the first
// empty line. A payload whose first line is not a header field has no
// header block at all. A header block that runs into a non-header line
// ends there.
func (d *decoder) splitHeaderBody(raw []byte) (head []string, body []byte) {
	pos := 0
	for pos < len(raw) {
		end := bytes.IndexByte(raw[pos:], '\n')
		next := len(raw)
		line := raw[pos:]
		if end >= 0 {
			line = raw[pos : pos+end]
			next = pos + end + 1
		}
		line = bytes.TrimSuffix(line, []byte("\r"))

		if len(line) == 0 {
			return head, raw[next:]
		}
		if !isContinuation(line) && !isField(line) {
			if len(head) > 0 {
				d.anomaly("header block not terminated by an empty line")
			}
			return head, raw[pos:]
		}
		head = append(head, string(line))
		pos = next
	}
	return head, nil
}

// parseHeaderBlock joins folded lines. raw keeps fold breaks as CRLF,
// fields carry the unfolded value with each fold collapsed to one space.
func (d *decoder) parseHeaderBlock(lines []string) (raw []string, fields []email.Header) {
	for _, line := range lines {
		if isContinuation([]byte(line)) {
			if len(fields) == 0 {
				d.anomaly("continuation line before first header: %q", line)
				raw = append(raw, line)
				continue
			}
			raw[len(raw)-1] += "\r\n" + line
			last := &fields[len(fields)-1]
			last.Value += " " + strings.TrimLeft(line, " \t")
			continue
		}
		name, value, _ := strings.Cut(line, ":")
		raw = append(raw, line)
		fields = append(fields, email.Header{
			Name:  strings.TrimRight(name, " \t"),
			Value: strings.TrimSpace(value),
		})
	}
	return raw, fields
}

func isContinuation(line []byte) bool {
	return len(line) > 0 && (line[0] == ' ' || line[0] == '\t')
}

// isField reports whether line starts with a valid field name and a colon.
// Whitespace between name and colon is tolerated (obsolete syntax).
func isField(line []byte) bool {
	colon := bytes.IndexByte(line, ':')
	if colon <= 0 {
		return false
	}
	name := bytes.TrimRight(line[:colon], " \t")
	if len(name) == 0 {
		return false
	}
	for _, c := range name {
		if c < 33 || c > 126 {
			return false
		}
	}
	return true
}
