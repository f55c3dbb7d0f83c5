// Package storage lays decomposed messages out as a directory tree:
//
//	<key>/email.txt
//	<key>/email.json
//	<key>/email.html         (only when the message has HTML content)
//	<key>/attachments/<filename>
//
// The key is the capture time at one-second resolution. Two messages
// captured within the same second share a directory and may overwrite each
// other's artifacts.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/shineum/smtp-mail-saver/internal/email"
	"github.com/shineum/smtp-mail-saver/internal/metrics"
)

// KeyLayout formats the capture time into a directory key.
const KeyLayout = "20060102_150405"

// Artifact names inside a record directory.
const (
	TextFile       = "email.txt"
	JSONFile       = "email.json"
	HTMLFile       = "email.html"
	AttachmentsDir = "attachments"
)

// ErrInvalidFilename is returned for attachment names that would escape
// the attachments directory.
var ErrInvalidFilename = errors.New("invalid attachment filename")

// Backend is the filesystem a Writer lays records out on. Paths are
// slash-separated and relative to the backend root.
type Backend interface {
	MkdirAll(ctx context.Context, dir string) error
	WriteFile(ctx context.Context, name string, data []byte) error
	Name() string
}

// PersistenceError reports a failed directory or file write.
type PersistenceError struct {
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("failed to write %s: %v", e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Record describes what Persist left on the backend.
type Record struct {
	Key   string
	Files []string
}

// Writer persists decomposed messages to a Backend.
type Writer struct {
	backend Backend
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Writer.
type Option func(*Writer)

// WithClock replaces the clock used to compute directory keys.
func WithClock(now func() time.Time) Option {
	return func(w *Writer) {
		w.now = now
	}
}

// NewWriter creates a Writer on top of the given backend.
func NewWriter(backend Backend, logger *slog.Logger, opts ...Option) *Writer {
	w := &Writer{
		backend: backend,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Backend returns the backend the writer stores records on.
func (w *Writer) Backend() Backend {
	return w.backend
}

// transcript is the JSON form of a stored message.
type transcript struct {
	From        string   `json:"from"`
	To          []string `json:"to"`
	Subject     *string  `json:"subject"`
	PlainText   *string  `json:"plain_text"`
	HTMLContent *string  `json:"html_content"`
	Attachments []string `json:"attachments"`
}

// Persist writes every artifact of one message. Writes are best effort: a
// failed file does not stop the remaining ones and nothing already written
// is rolled back. All failures are returned joined together; the record is
// returned even when some writes failed.
func (w *Writer) Persist(ctx context.Context, env *email.Envelope, msg *email.Message) (*Record, error) {
	start := time.Now()
	defer func() {
		metrics.PersistDuration.Observe(time.Since(start).Seconds())
	}()

	key := w.now().Format(KeyLayout)
	rec := &Record{Key: key}
	attachmentsDir := path.Join(key, AttachmentsDir)

	if err := w.backend.MkdirAll(ctx, attachmentsDir); err != nil {
		metrics.PersistFailuresTotal.WithLabelValues("directory").Inc()
		return rec, &PersistenceError{Path: attachmentsDir, Err: err}
	}

	w.logger.Info("saving email to directory", "dir", key, "backend", w.backend.Name())

	var errs []error
	write := func(kind, name string, data []byte) bool {
		if err := w.backend.WriteFile(ctx, name, data); err != nil {
			metrics.PersistFailuresTotal.WithLabelValues(kind).Inc()
			w.logger.Error("failed to save artifact", "path", name, "error", err)
			errs = append(errs, &PersistenceError{Path: name, Err: err})
			return false
		}
		rec.Files = append(rec.Files, name)
		return true
	}

	textPath := path.Join(key, TextFile)
	if write("text", textPath, renderText(env, msg)) {
		w.logger.Info("email details saved", "path", textPath)
	}

	jsonPath := path.Join(key, JSONFile)
	data, err := renderJSON(env, msg)
	if err != nil {
		metrics.PersistFailuresTotal.WithLabelValues("json").Inc()
		errs = append(errs, &PersistenceError{Path: jsonPath, Err: err})
	} else if write("json", jsonPath, data) {
		w.logger.Info("email details saved", "path", jsonPath)
	}

	if msg.HTMLContent != nil {
		htmlPath := path.Join(key, HTMLFile)
		if write("html", htmlPath, []byte(*msg.HTMLContent)) {
			w.logger.Info("html content saved", "path", htmlPath)
		}
	}

	for _, att := range msg.Attachments {
		if att.Filename == "" {
			w.logger.Debug("skipping attachment without filename", "size", len(att.Content))
			continue
		}
		if !validFilename(att.Filename) {
			metrics.PersistFailuresTotal.WithLabelValues("attachment").Inc()
			w.logger.Error("refusing attachment filename", "filename", att.Filename)
			errs = append(errs, &PersistenceError{Path: attachmentsDir + "/" + att.Filename, Err: ErrInvalidFilename})
			continue
		}
		attPath := path.Join(attachmentsDir, att.Filename)
		if write("attachment", attPath, att.Content) {
			metrics.AttachmentsSavedTotal.Inc()
			w.logger.Info("attachment saved", "path", attPath, "size", len(att.Content))
		}
	}

	w.logger.Info("email processing complete", "dir", key, "files", len(rec.Files))

	return rec, errors.Join(errs...)
}

// renderText builds the human-readable transcript. Absent fields print as
// "None" so the file matches what earlier versions of the tool produced.
func renderText(env *email.Envelope, msg *email.Message) []byte {
	var b strings.Builder

	fmt.Fprintf(&b, "From: %s\n", env.From)
	fmt.Fprintf(&b, "To: %s\n", strings.Join(env.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\n\n", orNone(msg.Subject))
	fmt.Fprintf(&b, "Plain Text Content:\n%s\n\n", orNone(msg.PlainText))
	fmt.Fprintf(&b, "HTML Content:\n%s\n\n", orNone(msg.HTMLContent))
	fmt.Fprintf(&b, "Attachments: %s\n", strings.Join(msg.Filenames(), ", "))

	return []byte(b.String())
}

// renderJSON builds the JSON transcript with four-space indentation.
// Attachment bytes are not embedded, only their names.
func renderJSON(env *email.Envelope, msg *email.Message) ([]byte, error) {
	to := env.To
	if to == nil {
		to = []string{}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")

	err := enc.Encode(transcript{
		From:        env.From,
		To:          to,
		Subject:     msg.Subject,
		PlainText:   msg.PlainText,
		HTMLContent: msg.HTMLContent,
		Attachments: msg.Filenames(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode transcript: %w", err)
	}

	return asciiOnly(bytes.TrimSuffix(buf.Bytes(), []byte("\n"))), nil
}

// asciiOnly rewrites every rune from DEL upward as a \uXXXX escape, using a
// surrogate pair above the BMP, so transcripts are plain ASCII. The input is
// encoder output, so such runes only occur inside string literals.
func asciiOnly(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for len(data) > 0 {
		r, size := utf8.DecodeRune(data)
		data = data[size:]
		if r < utf8.RuneSelf-1 {
			out = append(out, byte(r))
			continue
		}
		if r1, r2 := utf16.EncodeRune(r); r1 != utf8.RuneError {
			out = fmt.Appendf(out, `\u%04x\u%04x`, r1, r2)
			continue
		}
		out = fmt.Appendf(out, `\u%04x`, r)
	}
	return out
}

func orNone(s *string) string {
	if s == nil {
		return "None"
	}
	return *s
}

// validFilename rejects names that are not a single path element.
func validFilename(name string) bool {
	if name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, "/\\\x00")
}
