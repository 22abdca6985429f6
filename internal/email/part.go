package email

import (
	"encoding/json"
	"strings"
)

// Part is a node of a message content tree: either a *Leaf or a *Composite.
type Part interface {
	isPart()
}

// Leaf is a single body part with its transfer encoding already removed.
// Body stays in the declared charset. Raw is set when the transfer
// encoding was unsupported or could not be decoded, in which case Body
// holds the bytes exactly as received.
type Leaf struct {
	ContentType      string
	Charset          string
	Filename         string
	Disposition      string
	TransferEncoding string
	Body             []byte
	Raw              bool
}

// Composite is a multipart node with its children in document order.
type Composite struct {
	ContentType string
	Boundary    string
	Children    []Part
}

func (*Leaf) isPart()      {}
func (*Composite) isPart() {}

// IsAttachment reports whether the leaf should be shown as an attachment
// rather than as a message body.
func (l *Leaf) IsAttachment() bool {
	if strings.EqualFold(l.Disposition, "attachment") {
		return true
	}
	if l.Filename != "" {
		return true
	}
	return !strings.HasPrefix(l.ContentType, "text/")
}

// Walk visits every leaf of the tree depth-first in document order until
// fn returns false.
func Walk(p Part, fn func(*Leaf) bool) bool {
	switch n := p.(type) {
	case *Leaf:
		return fn(n)
	case *Composite:
		for _, child := range n.Children {
			if !Walk(child, fn) {
				return false
			}
		}
	}
	return true
}

// Leaves returns every leaf of the tree in document order.
func Leaves(p Part) []*Leaf {
	var out []*Leaf
	Walk(p, func(l *Leaf) bool {
		out = append(out, l)
		return true
	})
	return out
}

type leafJSON struct {
	Type             string `json:"type"`
	ContentType      string `json:"contentType"`
	Charset          string `json:"charset,omitempty"`
	Filename         string `json:"filename,omitempty"`
	Disposition      string `json:"disposition,omitempty"`
	TransferEncoding string `json:"transferEncoding,omitempty"`
	Size             int    `json:"size"`
	Raw              bool   `json:"raw,omitempty"`
	Body             []byte `json:"body"`
}

// MarshalJSON renders the leaf with a "type" tag so clients can tell the
// node kinds apart.
func (l *Leaf) MarshalJSON() ([]byte, error) {
	return json.Marshal(leafJSON{
		Type:             "leaf",
		ContentType:      l.ContentType,
		Charset:          l.Charset,
		Filename:         l.Filename,
		Disposition:      l.Disposition,
		TransferEncoding: l.TransferEncoding,
		Size:             len(l.Body),
		Raw:              l.Raw,
		Body:             l.Body,
	})
}

// MarshalJSON renders the composite and its children.
func (c *Composite) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type        string `json:"type"`
		ContentType string `json:"contentType"`
		Boundary    string `json:"boundary"`
		Children    []Part `json:"children"`
	}{"composite", c.ContentType, c.Boundary, c.Children})
}
