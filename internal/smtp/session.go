package smtp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/shineum/mailcatcher-lite/internal/email"
	"github.com/shineum/mailcatcher-lite/internal/parser"
	"github.com/shineum/mailcatcher-lite/internal/provider"
)

// Session states for the SMTP state machine.
const (
	stateConnected = iota
	stateGreeted
	stateMailFrom
	stateRcptTo
	stateDone
)

const (
	// maxAddressLength bounds a path, well above the RFC 5321 limit of 256
	// octets for the forward path.
	maxAddressLength = 256
	maxRecipients    = 1000
)

// Session represents a single SMTP client connection and manages the
// SMTP protocol state machine.
type Session struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	state  int
	log    *zap.Logger

	provider    provider.Provider
	hostname    string
	maxSize     int64
	idleTimeout time.Duration

	// Current transaction
	helo     string
	mailFrom string
	rcptTo   []string
}

// NewSession creates a new SMTP session for the given connection.
func NewSession(conn net.Conn, cfg ServerConfig, log *zap.Logger) *Session {
	cfg.setDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{
		conn:        conn,
		reader:      bufio.NewReader(conn),
		writer:      bufio.NewWriter(conn),
		state:       stateConnected,
		log:         log,
		provider:    cfg.Provider,
		hostname:    cfg.Hostname,
		maxSize:     cfg.MaxMessageSize,
		idleTimeout: cfg.IdleTimeout,
	}
}

// Handle runs the SMTP session, processing commands until the client
// disconnects, an I/O error occurs or ctx is cancelled. Cancellation is
// noticed while waiting for the next command and answered with 421.
func (s *Session) Handle(ctx context.Context) {
	defer s.conn.Close()

	// Wake a read blocked on an idle client once the server shuts down.
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	s.log.Debug("session started")
	defer s.log.Debug("session ended")

	s.writeLine("220 %s ESMTP MailCatcher", s.hostname)

	for s.state != stateDone {
		if ctx.Err() != nil {
			s.writeLine("421 4.3.2 %s Service shutting down", s.hostname)
			return
		}
		if err := s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout)); err != nil {
			s.log.Debug("failed to set read deadline", zap.Error(err))
			return
		}
		// The deadline above may have replaced the one set on cancellation.
		if ctx.Err() != nil {
			continue
		}

		line, err := readLine(s.reader, maxCommandLine)
		if errors.Is(err, ErrLineTooLong) {
			s.writeLine("500 5.5.2 Line too long")
			continue
		}
		if err != nil {
			s.readFailed(ctx, err)
			return
		}

		if strings.TrimSpace(line) == "" {
			s.writeLine("500 5.5.2 Syntax error, empty command")
			continue
		}

		cmd, arg := parseCommand(line)
		s.handleCommand(ctx, cmd, arg)
	}
}

// readFailed ends the session after a failed read, telling the client why
// when the connection is still usable.
func (s *Session) readFailed(ctx context.Context, err error) {
	var netErr net.Error
	switch {
	case ctx.Err() != nil:
		s.writeLine("421 4.3.2 %s Service shutting down", s.hostname)
	case errors.As(err, &netErr) && netErr.Timeout():
		s.log.Debug("idle timeout")
		s.writeLine("421 4.4.2 %s Idle timeout, closing connection", s.hostname)
	case errors.Is(err, io.EOF):
	default:
		s.log.Debug("connection read error", zap.Error(err))
	}
}

// handleCommand processes a single SMTP command.
func (s *Session) handleCommand(ctx context.Context, cmd, arg string) {
	switch cmd {
	case "EHLO", "HELO":
		s.handleEHLO(cmd, arg)
	case "MAIL":
		s.handleMAIL(arg)
	case "RCPT":
		s.handleRCPT(arg)
	case "DATA":
		s.handleDATA(ctx)
	case "RSET":
		s.handleRSET()
	case "NOOP":
		s.writeLine("250 OK")
	case "VRFY":
		s.writeLine("252 2.5.2 Cannot VRFY user, but will accept message")
	case "HELP":
		s.writeLine("214 2.0.0 Commands: HELO EHLO MAIL RCPT DATA RSET NOOP VRFY HELP QUIT")
	case "STARTTLS", "AUTH":
		s.writeLine("502 5.5.1 Command not implemented")
	case "QUIT":
		s.writeLine("221 2.0.0 %s Service closing transmission channel", s.hostname)
		s.state = stateDone
	default:
		s.writeLine("500 5.5.2 Syntax error, command unrecognized")
	}
}

// handleEHLO processes EHLO/HELO commands. Any greeting is accepted and
// starts a fresh transaction.
func (s *Session) handleEHLO(cmd, arg string) {
	s.resetTransaction()
	s.helo = strings.TrimSpace(arg)
	s.state = stateGreeted

	greeting := strings.TrimSpace(fmt.Sprintf("%s Hello %s", s.hostname, s.helo))
	if cmd == "HELO" {
		s.writeLine("250 %s", greeting)
		return
	}

	// EHLO response with capabilities
	s.writeLines(
		"250-"+greeting,
		fmt.Sprintf("250-SIZE %d", s.maxSize),
		"250-8BITMIME",
		"250-PIPELINING",
		"250 SMTPUTF8",
	)
}

// handleMAIL processes the MAIL FROM command. A second MAIL inside an open
// transaction is a sequence error and leaves the envelope untouched.
func (s *Session) handleMAIL(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 5.5.1 Send HELO/EHLO first")
		return
	}
	if s.state >= stateMailFrom {
		s.writeLine("503 5.5.1 Sender already specified")
		return
	}

	rest, ok := cutPrefixFold(arg, "FROM:")
	if !ok {
		s.writeLine("501 5.5.4 Syntax: MAIL FROM:<address>")
		return
	}
	addr, params, ok := parsePath(rest)
	if !ok {
		s.writeLine("501 5.5.4 Syntax: MAIL FROM:<address>")
		return
	}
	if len(addr) > maxAddressLength {
		s.writeLine("501 5.1.7 Sender address too long")
		return
	}
	if size, ok := params["SIZE"]; ok {
		n, err := strconv.ParseInt(size, 10, 64)
		if err != nil || n < 0 {
			s.writeLine("501 5.5.4 Invalid SIZE parameter")
			return
		}
		if n > s.maxSize {
			s.writeLine("552 5.3.4 Message size exceeds fixed maximum message size")
			return
		}
	}

	s.mailFrom = addr
	s.rcptTo = nil
	s.state = stateMailFrom
	s.writeLine("250 OK")
}

// handleRCPT processes the RCPT TO command.
func (s *Session) handleRCPT(arg string) {
	if s.state < stateMailFrom {
		s.writeLine("503 5.5.1 Bad sequence of commands")
		return
	}

	rest, ok := cutPrefixFold(arg, "TO:")
	if !ok {
		s.writeLine("501 5.5.4 Syntax: RCPT TO:<address>")
		return
	}
	addr, _, ok := parsePath(rest)
	if !ok || addr == "" {
		s.writeLine("501 5.5.4 Syntax: RCPT TO:<address>")
		return
	}
	if len(addr) > maxAddressLength {
		s.writeLine("501 5.1.3 Recipient address too long")
		return
	}
	if len(s.rcptTo) >= maxRecipients {
		s.writeLine("452 4.5.3 Too many recipients")
		return
	}

	s.rcptTo = append(s.rcptTo, addr)
	s.state = stateRcptTo
	s.writeLine("250 OK")
}

// handleDATA processes the DATA command: it receives the payload, decodes
// it and hands the message to the provider.
func (s *Session) handleDATA(ctx context.Context) {
	if s.state < stateRcptTo {
		s.writeLine("503 5.5.1 Bad sequence of commands")
		return
	}

	s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")

	raw, err := s.readData(ctx)
	switch {
	case errors.Is(err, ErrLineTooLong):
		s.writeLine("500 5.5.2 Line too long")
		s.resetTransaction()
		return
	case errors.Is(err, errMessageTooBig):
		s.writeLine("552 5.3.4 Message size exceeds fixed maximum message size")
		s.resetTransaction()
		return
	case err != nil:
		s.readFailed(ctx, err)
		s.state = stateDone
		return
	}

	env := email.Envelope{From: s.mailFrom, To: s.rcptTo, Helo: s.helo}
	msg := parser.Parse(env, raw, time.Now())

	if err := s.provider.Send(ctx, msg); err != nil {
		s.log.Error("provider send failed",
			zap.String("provider", s.provider.Name()),
			zap.String("id", msg.ID),
			zap.Error(err),
		)
		s.writeLine("451 4.3.0 Temporary failure, please try again later")
		s.resetTransaction()
		return
	}

	s.writeLine("250 2.0.0 OK: queued as %s", msg.ID)
	s.resetTransaction()
}

var errMessageTooBig = errors.New("smtp: message exceeds size limit")

// readData reads the DATA payload up to the lone "." terminator and
// removes dot-stuffing. Every stored line ends in CRLF. Oversized lines
// and payloads are read to the end so the session stays in sync with the
// client, then reported as ErrLineTooLong or errMessageTooBig.
func (s *Session) readData(ctx context.Context) ([]byte, error) {
	var (
		buf     []byte
		failure error
	)
	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout)); err != nil {
			return nil, err
		}
		// The deadline above may have replaced the one set on cancellation.
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		line, err := readLine(s.reader, maxDataLine)
		if errors.Is(err, ErrLineTooLong) {
			if failure == nil {
				failure = ErrLineTooLong
			}
			buf = nil
			continue
		}
		if err != nil {
			return nil, err
		}

		if line == "." {
			break
		}
		line = strings.TrimPrefix(line, ".")

		if failure != nil {
			continue
		}
		if int64(len(buf)+len(line)+2) > s.maxSize {
			failure = errMessageTooBig
			buf = nil
			continue
		}
		buf = append(buf, line...)
		buf = append(buf, '\r', '\n')
	}

	if failure != nil {
		return nil, failure
	}
	if buf == nil {
		buf = []byte{}
	}
	return buf, nil
}

// handleRSET resets the current transaction state.
func (s *Session) handleRSET() {
	s.resetTransaction()
	s.writeLine("250 OK")
}

// resetTransaction clears the current mail transaction state without
// affecting the greeting.
func (s *Session) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil

	if s.state >= stateGreeted && s.state != stateDone {
		s.state = stateGreeted
	}
}

// writeLine writes a formatted line to the client, followed by \r\n.
func (s *Session) writeLine(format string, args ...interface{}) {
	s.writeLines(fmt.Sprintf(format, args...))
}

// writeLines writes each line followed by \r\n and flushes once. A failed
// write ends the session.
func (s *Session) writeLines(lines ...string) {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.idleTimeout)); err != nil {
		s.log.Debug("failed to set write deadline", zap.Error(err))
	}
	for _, line := range lines {
		if _, err := s.writer.WriteString(line + "\r\n"); err != nil {
			s.log.Debug("failed to write to client", zap.Error(err))
			s.state = stateDone
			return
		}
	}
	if err := s.writer.Flush(); err != nil {
		s.log.Debug("failed to flush to client", zap.Error(err))
		s.state = stateDone
	}
}

// parseCommand splits an SMTP command line into the command verb and its argument.
func parseCommand(line string) (string, string) {
	parts := strings.SplitN(strings.TrimSpace(line), " ", 2)
	cmd := strings.ToUpper(parts[0])
	arg := ""
	if len(parts) > 1 {
		arg = strings.TrimSpace(parts[1])
	}
	return cmd, arg
}

// cutPrefixFold is strings.CutPrefix with ASCII case folding.
func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return s, false
	}
	return s[len(prefix):], true
}

// parsePath extracts the address of a MAIL/RCPT argument and its ESMTP
// parameters. Both "<addr> PARAMS" and bare "addr" forms are accepted; "<>"
// yields an empty address. Parameter keywords are upper-cased.
func parsePath(s string) (addr string, params map[string]string, ok bool) {
	s = strings.TrimSpace(s)

	var rest string
	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return "", nil, false
		}
		addr, rest = s[1:end], s[end+1:]
	} else {
		addr, rest, _ = strings.Cut(s, " ")
		if addr == "" {
			return "", nil, false
		}
	}
	if strings.ContainsAny(addr, " \t<>") {
		return "", nil, false
	}
	// Source routes (@a,@b:user@c) are ignored as RFC 5321 allows.
	if strings.HasPrefix(addr, "@") {
		if i := strings.Index(addr, ":"); i >= 0 {
			addr = addr[i+1:]
		}
	}

	params = make(map[string]string)
	for _, field := range strings.Fields(rest) {
		key, value, _ := strings.Cut(field, "=")
		params[strings.ToUpper(key)] = value
	}
	return addr, params, true
}
