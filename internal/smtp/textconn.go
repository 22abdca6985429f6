package smtp

import (
	"bufio"
	"errors"
)

// ErrLineTooLong is returned when a line exceeds the allowed length. The
// whole line has been consumed when it is returned, so reading can go on.
var ErrLineTooLong = errors.New("smtp: line too long")

const (
	// maxCommandLine is the command line limit of RFC 5321 4.5.3.1.4,
	// CRLF included.
	maxCommandLine = 512
	// maxDataLine is the text line limit of RFC 5321 4.5.3.1.6.
	maxDataLine = 1000
)

// readLine reads one line ending in CRLF or a bare LF and returns it
// without the terminator. bufio keeps partial input across network reads
// and holds any pipelined lines for the next call.
func readLine(r *bufio.Reader, maxLen int) (string, error) {
	var line []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return "", err
		}
		if len(line)+len(chunk) > maxLen-2 {
			for isPrefix {
				if _, isPrefix, err = r.ReadLine(); err != nil {
					return "", err
				}
			}
			return "", ErrLineTooLong
		}
		line = append(line, chunk...)
		if !isPrefix {
			return string(line), nil
		}
	}
}
