package stdout

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/shineum/smtp-mail-saver/internal/email"
	"github.com/shineum/smtp-mail-saver/internal/provider"
)

func raw(lines ...string) []byte {
	return []byte(strings.Join(lines, "\r\n"))
}

func TestDeliver_BasicEmail(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p := NewWithWriter(&buf)

	env := &email.Envelope{
		From: "sender@example.com",
		To:   []string{"alice@example.com", "bob@example.com"},
		Data: raw(
			"Subject: Monthly Report",
			"Content-Type: text/plain",
			"",
			"Please find the report attached.",
		),
	}

	ack, err := p.Deliver(context.Background(), &email.Session{ID: "abc"}, env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ack != provider.Accepted {
		t.Errorf("ack: got %q, want %q", ack, provider.Accepted)
	}

	output := buf.String()

	if !strings.Contains(output, "Session: abc") {
		t.Error("output missing Session line")
	}
	if !strings.Contains(output, "From: sender@example.com") {
		t.Error("output missing From header")
	}
	if !strings.Contains(output, "To: alice@example.com, bob@example.com") {
		t.Error("output missing To header")
	}
	if !strings.Contains(output, "Subject: Monthly Report") {
		t.Error("output missing Subject header")
	}
	if !strings.Contains(output, "Please find the report attached.") {
		t.Error("output missing body text")
	}
	if strings.Contains(output, "Attachments:") {
		t.Error("output should not contain Attachments line when there are none")
	}
	if strings.Contains(output, "Defects:") {
		t.Error("output should not contain Defects line for a well-formed message")
	}
	if !strings.HasPrefix(output, "========================================\n") {
		t.Error("output should start with separator line")
	}
	if !strings.HasSuffix(output, "========================================\n") {
		t.Error("output should end with separator line")
	}
}

func TestDeliver_WithAttachments(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p := NewWithWriter(&buf)

	big := base64.StdEncoding.EncodeToString(make([]byte, 1258291))
	env := &email.Envelope{
		From: "sender@example.com",
		To:   []string{"alice@example.com"},
		Data: raw(
			"Subject: Files",
			"Content-Type: multipart/mixed; boundary=b",
			"",
			"--b",
			"Content-Type: application/pdf",
			"Content-Transfer-Encoding: base64",
			"Content-Disposition: attachment; filename=\"report.pdf\"",
			"",
			big,
			"--b",
			"Content-Type: application/octet-stream",
			"Content-Disposition: attachment",
			"",
			"tiny",
			"--b--",
		),
	}

	if _, err := p.Deliver(context.Background(), nil, env); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output := buf.String()
	if !strings.Contains(output, "report.pdf (1.2 MB)") {
		t.Errorf("output missing report.pdf attachment, got:\n%s", output)
	}
	if !strings.Contains(output, "(unnamed) (4 B)") {
		t.Errorf("output missing unnamed attachment, got:\n%s", output)
	}
	if strings.Contains(output, "Session:") {
		t.Error("output should not contain Session line without a session")
	}
}

func TestDeliver_HTMLOnly(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p := NewWithWriter(&buf)

	env := &email.Envelope{
		From: "sender@example.com",
		To:   []string{"recipient@example.com"},
		Data: raw(
			"Subject: HTML Only",
			"Content-Type: text/html",
			"",
			"<p>HTML content</p>",
		),
	}

	if _, err := p.Deliver(context.Background(), nil, env); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output := buf.String()
	if !strings.Contains(output, "HTML Content:\n<p>HTML content</p>") {
		t.Error("output should display HTML body")
	}
	if strings.Contains(output, "Plain Text:") {
		t.Error("output should not contain plain text section")
	}
}

func TestDeliver_MalformedMessage(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p := NewWithWriter(&buf)

	env := &email.Envelope{
		From: "sender@example.com",
		To:   []string{"recipient@example.com"},
		Data: []byte("not a header\r\n"),
	}

	if _, err := p.Deliver(context.Background(), nil, env); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output := buf.String()
	if !strings.Contains(output, "Subject: (none)") {
		t.Error("output should mark missing subject")
	}
	if !strings.Contains(output, "Defects:") {
		t.Error("output should list decomposition defects")
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("broken pipe")
}

func TestDeliver_WriteError(t *testing.T) {
	t.Parallel()

	p := NewWithWriter(failingWriter{})
	ack, err := p.Deliver(context.Background(), nil, &email.Envelope{Data: raw("Subject: x", "", "y")})
	if err == nil {
		t.Fatal("expected error from failing writer")
	}
	if ack != provider.Accepted {
		t.Errorf("ack: got %q, want %q", ack, provider.Accepted)
	}
}

func TestName(t *testing.T) {
	t.Parallel()

	p := New()
	if p.Name() != "stdout" {
		t.Errorf("Name: got %q, want %q", p.Name(), "stdout")
	}
}

func TestFormatSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		bytes int
		want  string
	}{
		{name: "zero bytes", bytes: 0, want: "0 B"},
		{name: "small bytes", bytes: 512, want: "512 B"},
		{name: "kilobytes", bytes: 46080, want: "45.0 KB"},
		{name: "megabytes", bytes: 1258291, want: "1.2 MB"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := formatSize(tt.bytes)
			if got != tt.want {
				t.Errorf("formatSize(%d): got %q, want %q", tt.bytes, got, tt.want)
			}
		})
	}
}
