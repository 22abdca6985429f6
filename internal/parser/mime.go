package parser

import (
	"bytes"
	"encoding/base64"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/textproto"
	"strings"

	"github.com/shineum/mailcatcher-lite/internal/email"
)

// maxDepth bounds multipart nesting; deeper content is kept as one raw leaf.
const maxDepth = 16

// parsePart builds the content tree for a body with the given header.
func (d *decoder) parsePart(h textproto.MIMEHeader, body []byte, depth int) email.Part {
	mediaType, params := d.contentType(h.Get("Content-Type"))

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		switch {
		case boundary == "":
			d.anomaly("%s without boundary", mediaType)
			return rawLeaf(mediaType, params, body)
		case depth >= maxDepth:
			d.anomaly("multipart nesting deeper than %d", maxDepth)
			return rawLeaf(mediaType, params, body)
		}
		return d.parseMultipart(mediaType, boundary, params, body, depth)
	}

	leaf := &email.Leaf{
		ContentType:      mediaType,
		Charset:          strings.ToLower(params["charset"]),
		TransferEncoding: strings.ToLower(strings.TrimSpace(h.Get("Content-Transfer-Encoding"))),
	}
	if disposition := h.Get("Content-Disposition"); disposition != "" {
		dispType, dispParams, err := mime.ParseMediaType(disposition)
		if err != nil && dispType == "" {
			d.anomaly("unparseable Content-Disposition %q", disposition)
		}
		leaf.Disposition = dispType
		leaf.Filename = d.decodeWords(dispParams["filename"])
	}
	if leaf.Filename == "" {
		leaf.Filename = d.decodeWords(params["name"])
	}
	leaf.Body, leaf.Raw = d.decodeTransfer(leaf.TransferEncoding, body)
	return leaf
}

func (d *decoder) parseMultipart(mediaType, boundary string, params map[string]string, body []byte, depth int) email.Part {
	node := &email.Composite{ContentType: mediaType, Boundary: boundary}

	mr := multipart.NewReader(bytes.NewReader(body), boundary)
	for {
		// NextRawPart keeps Content-Transfer-Encoding so decoding stays in
		// decodeTransfer for every encoding.
		p, err := mr.NextRawPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			d.anomaly("%s: %v", mediaType, err)
			if len(node.Children) > 0 {
				if rest := partsAfter(body, boundary, len(node.Children)); len(rest) > 0 {
					node.Children = append(node.Children, rawLeaf("text/plain", nil, rest))
				}
			}
			break
		}
		data, err := io.ReadAll(p)
		if err != nil {
			// A truncated part keeps whatever bytes arrived.
			d.anomaly("%s part %d: %v", mediaType, len(node.Children)+1, err)
			node.Children = append(node.Children, d.truncatedPart(p.Header, data))
			break
		}
		node.Children = append(node.Children, d.parsePart(p.Header, data, depth+1))
	}

	if len(node.Children) == 0 {
		return rawLeaf(mediaType, params, body)
	}
	return node
}

// truncatedPart keeps the header metadata of a part whose body ended early
// and stores the bytes read so far undecoded.
func (d *decoder) truncatedPart(h textproto.MIMEHeader, data []byte) *email.Leaf {
	mediaType, params := d.contentType(h.Get("Content-Type"))
	leaf := rawLeaf(mediaType, params, data)
	leaf.TransferEncoding = strings.ToLower(strings.TrimSpace(h.Get("Content-Transfer-Encoding")))
	if disposition := h.Get("Content-Disposition"); disposition != "" {
		dispType, dispParams, _ := mime.ParseMediaType(disposition)
		leaf.Disposition = dispType
		leaf.Filename = d.decodeWords(dispParams["filename"])
	}
	if leaf.Filename == "" {
		leaf.Filename = d.decodeWords(params["name"])
	}
	return leaf
}

// partsAfter returns the body text following the delimiter that opens part
// n+1, up to the next delimiter. It is nil when that delimiter is missing.
func partsAfter(body []byte, boundary string, n int) []byte {
	delim := []byte("--" + boundary)
	rest := body
	for i := 0; i <= n; i++ {
		idx := bytes.Index(rest, delim)
		if idx < 0 {
			return nil
		}
		rest = rest[idx+len(delim):]
	}
	nl := bytes.IndexByte(rest, '\n')
	if nl < 0 {
		return nil
	}
	rest = rest[nl+1:]
	if idx := bytes.Index(rest, delim); idx >= 0 {
		rest = rest[:idx]
	}
	return bytes.TrimRight(rest, "\r\n")
}

// contentType parses a Content-Type value. A missing value means
// text/plain; a broken one keeps whatever media type could be read.
func (d *decoder) contentType(value string) (string, map[string]string) {
	if strings.TrimSpace(value) == "" {
		return "text/plain", map[string]string{}
	}
	mediaType, params, err := mime.ParseMediaType(value)
	if err != nil {
		d.anomaly("unparseable Content-Type %q: %v", value, err)
		if mediaType == "" {
			mediaType = "text/plain"
		}
	}
	if params == nil {
		params = map[string]string{}
	}
	return strings.ToLower(mediaType), params
}

// decodeTransfer removes the transfer encoding. raw is true when the
// returned bytes are the input unchanged because the encoding is unknown
// or broken.
func (d *decoder) decodeTransfer(cte string, body []byte) (decoded []byte, raw bool) {
	switch cte {
	case "", "7bit", "8bit", "binary":
		return body, false

	case "base64":
		cleaned := strings.Map(func(r rune) rune {
			switch r {
			case ' ', '\t', '\r', '\n':
				return -1
			}
			return r
		}, string(body))
		out, err := base64.StdEncoding.DecodeString(cleaned)
		if err != nil {
			out, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(cleaned, "="))
		}
		if err != nil {
			d.anomaly("invalid base64 body: %v", err)
			return body, true
		}
		return out, false

	case "quoted-printable":
		out, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(body)))
		if err != nil {
			d.anomaly("invalid quoted-printable body: %v", err)
			return body, true
		}
		return out, false

	default:
		d.anomaly("unsupported transfer encoding %q", cte)
		return body, true
	}
}

func rawLeaf(mediaType string, params map[string]string, body []byte) *email.Leaf {
	ct := mediaType
	if strings.HasPrefix(ct, "multipart/") {
		ct = "text/plain"
	}
	return &email.Leaf{
		ContentType: ct,
		Charset:     strings.ToLower(params["charset"]),
		Body:        body,
		Raw:         true,
	}
}

// selectBodies fills Text, HTML and the default Body from the content tree.
// Attachments never provide a body; when nothing else exists the first leaf
// is shown.
func selectBodies(msg *email.Message) {
	var hasText, hasHTML bool
	leaves := email.Leaves(msg.Content)
	for _, l := range leaves {
		if l.IsAttachment() {
			continue
		}
		switch l.ContentType {
		case "text/plain":
			if !hasText {
				msg.Text = toUTF8(l.Charset, l.Body)
				hasText = true
			}
		case "text/html":
			if !hasHTML {
				msg.HTML = toUTF8(l.Charset, l.Body)
				hasHTML = true
			}
		}
	}

	switch {
	case hasText:
		msg.Body = msg.Text
	case hasHTML:
		msg.Body = msg.HTML
	case len(leaves) > 0:
		msg.Body = toUTF8(leaves[0].Charset, leaves[0].Body)
	}
}
