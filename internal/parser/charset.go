package parser

import (
	"bytes"
	"io"
	"mime"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
)

var wordDecoder = &mime.WordDecoder{CharsetReader: charsetReader}

// decodeWords resolves RFC 2047 encoded words in a header value. Words
// that are malformed are left as written.
func (d *decoder) decodeWords(value string) string {
	if !strings.Contains(value, "=?") {
		return value
	}
	decoded, err := wordDecoder.DecodeHeader(value)
	if err != nil {
		d.anomaly("encoded word: %v", err)
		return value
	}
	return decoded
}

// lookupEncoding resolves a charset label the way browsers do. It returns
// nil for labels it does not know.
func lookupEncoding(label string) encoding.Encoding {
	label = strings.ToLower(strings.Trim(strings.TrimSpace(label), `"'`))
	if label == "" {
		return nil
	}
	enc, err := htmlindex.Get(label)
	if err != nil {
		return nil
	}
	return enc
}

func charsetReader(label string, input io.Reader) (io.Reader, error) {
	if enc := lookupEncoding(label); enc != nil {
		return transform.NewReader(input, enc.NewDecoder()), nil
	}
	data, err := io.ReadAll(input)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(fallbackUTF8(data)), nil
}

// toUTF8 converts a body in the given charset to a UTF-8 string. Unknown
// or empty charsets go through the fallback.
func toUTF8(label string, data []byte) string {
	enc := lookupEncoding(label)
	if enc == nil {
		return string(fallbackUTF8(data))
	}
	out, _, err := transform.Bytes(enc.NewDecoder(), data)
	if err != nil {
		return string(fallbackUTF8(data))
	}
	return string(out)
}

// fallbackUTF8 keeps valid UTF-8 as is and reads anything else as
// windows-1252, the closest superset of the common 8-bit mail charsets.
func fallbackUTF8(data []byte) []byte {
	if utf8.Valid(data) {
		return data
	}
	out, err := charmap.Windows1252.NewDecoder().Bytes(data)
	if err != nil {
		return data
	}
	return out
}
