package smtp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/smtp-mail-saver/internal/email"
	"github.com/shineum/smtp-mail-saver/internal/metrics"
	"github.com/shineum/smtp-mail-saver/internal/provider"
)

// state is a position in the SMTP dialog.
type state int

// Session states for the SMTP state machine.
const (
	stateIdle state = iota
	stateGreeted
	stateMailFrom
	stateRcptTo
	stateData
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateGreeted:
		return "greeted"
	case stateMailFrom:
		return "mail_from"
	case stateRcptTo:
		return "rcpt_to"
	case stateData:
		return "data"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// readBufferSize is the size of the connection read buffer. Command lines
// must fit in it; DATA lines of any length are read in chunks of at most
// this size.
const readBufferSize = 4096

// errLineTooLong is returned for a command line that does not fit the read
// buffer. The rest of the line has already been discarded.
var errLineTooLong = errors.New("line too long")

// knownCommands limits the label values of the commands metric.
var knownCommands = map[string]bool{
	"HELO": true, "EHLO": true, "MAIL": true, "RCPT": true,
	"DATA": true, "RSET": true, "NOOP": true, "QUIT": true,
}

// SequenceError reports a command that is not valid in the current state.
type SequenceError struct {
	Command string
	State   string
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("command %s not allowed in state %s", e.Command, e.State)
}

// Session represents a single SMTP client connection and manages the
// SMTP protocol state machine.
type Session struct {
	conn     net.Conn
	reader   *bufio.Reader
	writer   *bufio.Writer
	state    state
	provider provider.Provider
	hostname string
	maxSize  int64
	logger   *slog.Logger
	info     email.Session

	// Current transaction
	mailFrom string
	rcptTo   []string

	// mu guards busy and closing, which coordinate shutdown with a DATA
	// transaction in progress.
	mu      sync.Mutex
	busy    bool
	closing bool
}

// NewSession creates a new SMTP session for the given connection. A
// maxSize of zero accepts messages of any size.
func NewSession(conn net.Conn, prov provider.Provider, hostname string, maxSize int64, logger *slog.Logger) *Session {
	id := uuid.NewString()
	remote := conn.RemoteAddr().String()

	return &Session{
		conn:     conn,
		reader:   bufio.NewReaderSize(conn, readBufferSize),
		writer:   bufio.NewWriter(conn),
		state:    stateIdle,
		provider: prov,
		hostname: hostname,
		maxSize:  maxSize,
		logger:   logger.With("session_id", id, "remote_addr", remote),
		info: email.Session{
			ID:         id,
			RemoteAddr: remote,
		},
	}
}

// ID returns the session's unique identifier.
func (s *Session) ID() string {
	return s.info.ID
}

// Handle runs the SMTP session, processing commands until the client
// disconnects, sends QUIT or the context is cancelled. Cancellation never
// interrupts a DATA transaction: the session finishes it and then closes.
func (s *Session) Handle(ctx context.Context) {
	defer s.conn.Close()

	metrics.SessionsTotal.Inc()
	metrics.SessionsActive.Inc()
	defer metrics.SessionsActive.Dec()

	stop := context.AfterFunc(ctx, s.interrupt)
	defer stop()

	s.logger.Info("session opened")
	defer s.logger.Info("session closed")

	s.writeLine("220 %s ESMTP mail-saver", s.hostname)

	for {
		if s.shuttingDown() {
			s.writeLine("421 %s Service shutting down", s.hostname)
			return
		}

		line, err := s.readCommand()
		if errors.Is(err, errLineTooLong) {
			metrics.CommandsTotal.WithLabelValues("UNKNOWN").Inc()
			s.writeLine("500 Error: line too long")
			continue
		}
		if err != nil {
			if s.shuttingDown() {
				s.writeLine("421 %s Service shutting down", s.hostname)
				return
			}
			if err != io.EOF {
				s.logger.Debug("connection read error", "error", err)
			}
			return
		}

		if line == "" {
			s.writeLine("500 Error: bad syntax")
			continue
		}

		cmd, arg := parseCommand(line)
		done := s.handleCommand(ctx, cmd, arg)
		if done {
			return
		}
	}
}

// interrupt marks the session as closing. An idle session is woken up from
// its blocking read; a session inside DATA is left alone until it finishes.
func (s *Session) interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closing = true
	if !s.busy {
		_ = s.conn.SetReadDeadline(time.Now())
	}
}

func (s *Session) shuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// beginData marks the session busy. It returns false when the session is
// already closing.
func (s *Session) beginData() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.busy = true
	return true
}

func (s *Session) endData() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = false
}

// handleCommand processes a single SMTP command and returns true if the session should end.
func (s *Session) handleCommand(ctx context.Context, cmd, arg string) bool {
	if knownCommands[cmd] {
		metrics.CommandsTotal.WithLabelValues(cmd).Inc()
	} else {
		metrics.CommandsTotal.WithLabelValues("UNKNOWN").Inc()
	}

	switch cmd {
	case "EHLO", "HELO":
		s.handleEHLO(cmd, arg)
	case "MAIL":
		s.handleMAIL(arg)
	case "RCPT":
		s.handleRCPT(arg)
	case "DATA":
		return s.handleDATA(ctx)
	case "RSET":
		s.handleRSET()
	case "NOOP":
		s.writeLine("250 OK")
	case "QUIT":
		s.writeLine("221 Bye")
		return true
	default:
		s.writeLine("500 Error: command %q not recognized", cmd)
	}
	return false
}

// handleEHLO processes EHLO/HELO commands. Greeting again resets any
// transaction in progress.
func (s *Session) handleEHLO(cmd, arg string) {
	if arg == "" {
		s.writeLine("501 Syntax: %s hostname", cmd)
		return
	}

	s.resetTransaction()
	s.state = stateGreeted
	s.info.Helo = arg

	if cmd == "HELO" {
		s.writeLine("250 %s Hello %s", s.hostname, arg)
		return
	}

	s.writeLine("250-%s Hello %s", s.hostname, arg)
	if s.maxSize > 0 {
		s.writeLine("250-SIZE %d", s.maxSize)
	}
	s.writeLine("250 HELP")
}

// handleMAIL processes the MAIL FROM command. The null reverse-path "<>"
// is accepted.
func (s *Session) handleMAIL(arg string) {
	if s.state < stateGreeted {
		s.rejectSequence("MAIL", "send HELO first")
		return
	}
	if s.state >= stateMailFrom {
		s.rejectSequence("MAIL", "nested MAIL command")
		return
	}

	upper := strings.ToUpper(arg)
	if !strings.HasPrefix(upper, "FROM:") {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	path := arg[5:]
	addr := extractAddress(path)
	if addr == "" && !isNullPath(path) {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	s.mailFrom = addr
	s.rcptTo = nil
	s.state = stateMailFrom
	s.writeLine("250 OK")
}

// handleRCPT processes the RCPT TO command. It may be repeated to add
// further recipients.
func (s *Session) handleRCPT(arg string) {
	if s.state < stateMailFrom {
		s.rejectSequence("RCPT", "need MAIL command")
		return
	}

	upper := strings.ToUpper(arg)
	if !strings.HasPrefix(upper, "TO:") {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	addr := extractAddress(arg[3:])
	if addr == "" {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	s.rcptTo = append(s.rcptTo, addr)
	s.state = stateRcptTo
	s.writeLine("250 OK")
}

// handleDATA reads the message payload up to the terminating "." line and
// hands it to the provider. The client is told the message was accepted
// even if the provider fails; the failure is only logged. Returns true if
// the session should end.
func (s *Session) handleDATA(ctx context.Context) bool {
	if s.state < stateRcptTo {
		s.rejectSequence("DATA", "need RCPT command")
		return false
	}

	if !s.beginData() {
		s.writeLine("421 %s Service shutting down", s.hostname)
		return true
	}
	defer s.endData()

	s.state = stateData
	s.writeLine("354 End data with <CR><LF>.<CR><LF>")

	data, tooBig, err := s.readData()
	if err != nil {
		s.logger.Error("error reading DATA", "error", err)
		return true
	}

	if tooBig {
		s.logger.Warn("message exceeds size limit", "max_size", s.maxSize)
		s.writeLine("552 Error: Too much mail data")
		s.resetTransaction()
		return false
	}

	metrics.MessageSize.Observe(float64(len(data)))

	env := &email.Envelope{
		From: s.mailFrom,
		To:   append([]string(nil), s.rcptTo...),
		Data: data,
	}

	ack, err := s.provider.Deliver(ctx, &s.info, env)
	if err != nil {
		s.logger.Error("provider failed to handle message",
			"provider", s.provider.Name(),
			"error", err,
		)
	}
	if ack == "" {
		ack = provider.Accepted
	}

	metrics.MessagesAcceptedTotal.Inc()
	s.writeLine("250 %s", ack)
	s.resetTransaction()
	return false
}

// readData reads dot-stuffed lines until the lone "." terminator. Once the
// size limit is exceeded the rest of the payload is read and discarded.
func (s *Session) readData() ([]byte, bool, error) {
	var buf bytes.Buffer
	tooBig := false
	lineStart := true

	for {
		// ReadSlice hands back at most one buffer of a long line at a time,
		// so memory stays within maxSize plus the read buffer.
		chunk, err := s.reader.ReadSlice('\n')
		partial := errors.Is(err, bufio.ErrBufferFull)
		if err != nil && !partial {
			if errors.Is(err, io.EOF) {
				return nil, false, fmt.Errorf("connection closed during DATA: %w", err)
			}
			return nil, false, err
		}

		if lineStart {
			if !partial && string(bytes.TrimRight(chunk, "\r\n")) == "." {
				return buf.Bytes(), tooBig, nil
			}
			// A leading dot was added by the client to escape the line.
			if len(chunk) > 0 && chunk[0] == '.' {
				chunk = chunk[1:]
			}
		}
		lineStart = !partial

		if tooBig {
			continue
		}
		if s.maxSize > 0 && int64(buf.Len()+len(chunk)) > s.maxSize {
			tooBig = true
			buf = bytes.Buffer{}
			continue
		}
		buf.Write(chunk)
	}
}

// readCommand reads one command line without its line ending. A line longer
// than the read buffer is consumed and reported as errLineTooLong.
func (s *Session) readCommand() (string, error) {
	line, err := s.reader.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) {
		for errors.Is(err, bufio.ErrBufferFull) {
			_, err = s.reader.ReadSlice('\n')
		}
		if err != nil {
			return "", err
		}
		return "", errLineTooLong
	}
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(line), "\r\n"), nil
}

// handleRSET resets the current transaction state.
func (s *Session) handleRSET() {
	s.resetTransaction()
	s.writeLine("250 OK")
}

// resetTransaction clears the current mail transaction without affecting
// the greeting.
func (s *Session) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil

	if s.state >= stateGreeted {
		s.state = stateGreeted
	}
}

// rejectSequence replies to a command that arrived out of order. The
// session stays open so the client can correct itself.
func (s *Session) rejectSequence(cmd, reason string) {
	err := &SequenceError{Command: cmd, State: s.state.String()}
	metrics.SequenceErrorsTotal.WithLabelValues(cmd).Inc()
	s.logger.Warn("command out of sequence", "error", err)
	s.writeLine("503 Error: %s", reason)
}

// writeLine writes a formatted line to the client, followed by \r\n.
func (s *Session) writeLine(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	_, err := s.writer.WriteString(line + "\r\n")
	if err != nil {
		s.logger.Error("failed to write to client", "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		s.logger.Error("failed to flush to client", "error", err)
	}
}

// parseCommand splits an SMTP command line into the command verb and its argument.
func parseCommand(line string) (string, string) {
	parts := strings.SplitN(line, " ", 2)
	cmd := strings.ToUpper(parts[0])
	arg := ""
	if len(parts) > 1 {
		arg = parts[1]
	}
	return cmd, arg
}

// extractAddress extracts an email address from an SMTP parameter,
// handling both angle-bracket and bare formats. ESMTP parameters after
// the path are ignored.
func extractAddress(s string) string {
	s = strings.TrimSpace(s)

	// Handle angle-bracket format: <user@example.com>
	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return ""
		}
		return s[1:end]
	}

	// Bare address format
	if i := strings.IndexByte(s, ' '); i >= 0 {
		s = s[:i]
	}
	return s
}

// isNullPath reports whether s is the null reverse-path "<>".
func isNullPath(s string) bool {
	return strings.HasPrefix(strings.TrimSpace(s), "<>")
}
