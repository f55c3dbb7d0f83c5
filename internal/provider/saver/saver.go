// Package saver implements the default Provider: it decomposes each
// envelope and persists the result through a storage writer.
//
// Decomposition and file writes run on a fixed pool of workers so a slow
// disk never blocks the network side of other sessions. Deliver waits for
// its job to finish before returning.
package saver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shineum/smtp-mail-saver/internal/email"
	"github.com/shineum/smtp-mail-saver/internal/metrics"
	"github.com/shineum/smtp-mail-saver/internal/parser"
	"github.com/shineum/smtp-mail-saver/internal/provider"
	"github.com/shineum/smtp-mail-saver/internal/storage"
)

// ErrClosed is returned by Deliver after Close has been called.
var ErrClosed = errors.New("saver is closed")

// Persister stores a decomposed message. *storage.Writer implements it.
type Persister interface {
	Persist(ctx context.Context, env *email.Envelope, msg *email.Message) (*storage.Record, error)
}

type job struct {
	ctx  context.Context
	sess *email.Session
	env  *email.Envelope
	done chan result
}

type result struct {
	rec *storage.Record
	err error
}

// Saver decomposes and persists envelopes on a worker pool.
type Saver struct {
	persister Persister
	logger    *slog.Logger
	jobs      chan *job
	wg        sync.WaitGroup

	// mu guards closed and the jobs channel against Close racing Deliver.
	mu     sync.RWMutex
	closed bool
}

// New creates a Saver and starts its workers.
func New(p Persister, logger *slog.Logger, workers int) *Saver {
	if workers < 1 {
		workers = 1
	}

	s := &Saver{
		persister: p,
		logger:    logger,
		jobs:      make(chan *job),
	}

	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	return s
}

// Deliver queues the envelope and waits for it to be persisted. The job is
// detached from ctx: a session being shut down still finishes its write.
func (s *Saver) Deliver(ctx context.Context, sess *email.Session, env *email.Envelope) (string, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return provider.Accepted, ErrClosed
	}

	j := &job{
		ctx:  context.WithoutCancel(ctx),
		sess: sess,
		env:  env,
		done: make(chan result, 1),
	}
	metrics.QueueDepth.Inc()
	s.jobs <- j
	s.mu.RUnlock()

	res := <-j.done
	return provider.Accepted, res.err
}

// Name returns the provider name.
func (s *Saver) Name() string {
	return "saver"
}

// Close stops accepting envelopes and waits for queued ones to finish.
func (s *Saver) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.jobs)
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

func (s *Saver) worker(id int) {
	defer s.wg.Done()

	for j := range s.jobs {
		metrics.QueueDepth.Dec()
		rec, err := s.process(j)
		if err != nil {
			s.logger.Error("failed to save email",
				"worker", id,
				"session_id", j.sess.ID,
				"error", err,
			)
		}
		j.done <- result{rec: rec, err: err}
	}
}

func (s *Saver) process(j *job) (*storage.Record, error) {
	logger := s.logger.With("session_id", j.sess.ID)
	logger.Info("received new email",
		"from", j.env.From,
		"to", j.env.To,
		"size", len(j.env.Data),
	)

	msg, err := parser.Parse(j.env.Data)
	if err != nil {
		metrics.MalformedMessagesTotal.Inc()
		logger.Warn("message decomposed with defects", "error", err)
	}

	logger.Info("email content", summarize(msg)...)

	rec, err := s.persister.Persist(j.ctx, j.env, msg)
	if err != nil {
		return rec, fmt.Errorf("failed to persist message: %w", err)
	}
	return rec, nil
}

// summarize returns log attributes describing a decomposed message.
func summarize(msg *email.Message) []any {
	attachments := make([]string, 0, len(msg.Attachments))
	for _, att := range msg.Attachments {
		attachments = append(attachments, fmt.Sprintf("%s (%d bytes)", att.Filename, len(att.Content)))
	}

	attrs := []any{"attachments", attachments}
	if msg.Subject != nil {
		attrs = append(attrs, "subject", *msg.Subject)
	}
	if msg.PlainText != nil {
		attrs = append(attrs, "plain_text_len", len(*msg.PlainText))
	}
	if msg.HTMLContent != nil {
		attrs = append(attrs, "html_len", len(*msg.HTMLContent))
	}
	return attrs
}
