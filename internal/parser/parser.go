// Package parser decomposes raw RFC 5322 messages into subject, plain text,
// HTML and attachments.
//
// Decomposition never fails outright. Anything that cannot be parsed
// degrades to an absent field and is reported through a
// *MalformedMessageError next to a usable message.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/shineum/smtp-mail-saver/internal/email"
)

// headerLine matches the start of a header field: printable ASCII except
// the colon, followed by a colon.
var headerLine = regexp.MustCompile(`^[\x21-\x39\x3b-\x7e]+:`)

// MalformedMessageError lists the defects found while decomposing a message.
type MalformedMessageError struct {
	Defects []error
}

func (e *MalformedMessageError) Error() string {
	msgs := make([]string, 0, len(e.Defects))
	for _, d := range e.Defects {
		msgs = append(msgs, d.Error())
	}
	return "malformed message: " + strings.Join(msgs, "; ")
}

func (e *MalformedMessageError) Unwrap() []error {
	return e.Defects
}

// Parse decomposes a raw message. The returned message is never nil.
//
// A single-part message sets at most one of PlainText and HTMLContent,
// depending on its declared content type; any other type is ignored.
// A multipart message is walked one level deep: text/plain and text/html
// parts without a Content-Disposition overwrite the body fields (the last
// one wins) and parts with disposition "attachment" are collected whatever
// their type. Everything else is dropped.
func Parse(raw []byte) (*email.Message, error) {
	result := &email.Message{}
	var defects []error

	repaired, ok := repairHeader(raw)
	if !ok {
		defects = append(defects, errors.New("missing header/body separator"))
	}

	entity, err := message.Read(bytes.NewReader(repaired))
	if err != nil && !recoverable(err) {
		defects = append(defects, fmt.Errorf("failed to read message: %w", err))
		return result, &MalformedMessageError{Defects: defects}
	}
	if err != nil {
		defects = append(defects, err)
	}

	if entity.Header.Has("Subject") {
		h := mail.Header{Header: entity.Header}
		subject, err := h.Subject()
		if err != nil {
			defects = append(defects, fmt.Errorf("failed to decode subject: %w", err))
			subject = entity.Header.Get("Subject")
		}
		result.Subject = &subject
	}

	if boundary, ok := multipartBoundary(entity.Header); ok && boundary != "" {
		defects = append(defects, parseMultipart(entity, result)...)
	} else {
		defects = append(defects, parseSinglePart(entity, result)...)
	}

	if len(defects) > 0 {
		return result, &MalformedMessageError{Defects: defects}
	}
	return result, nil
}

// parseSinglePart fills the body field matching the message's own content
// type. Non-text single-part messages are not treated as attachments.
func parseSinglePart(entity *message.Entity, result *email.Message) []error {
	mediaType := contentType(entity.Header)
	if mediaType != "text/plain" && mediaType != "text/html" {
		return nil
	}

	body, err := io.ReadAll(entity.Body)
	if err != nil {
		return []error{fmt.Errorf("failed to read body: %w", err)}
	}

	content := string(body)
	if mediaType == "text/plain" {
		result.PlainText = &content
	} else {
		result.HTMLContent = &content
	}
	return nil
}

// maxSkippedLines bounds how many consecutive lines the multipart walk
// discards while looking for the next boundary after a broken part.
const maxSkippedLines = 1 << 16

// parseMultipart classifies the immediate sub-parts of a multipart entity.
// Nested multiparts are not descended into. A part whose header cannot be
// read is skipped and the walk resumes at the next boundary; a part cut
// short by the end of the message keeps what was read.
func parseMultipart(entity *message.Entity, result *email.Message) []error {
	var defects []error

	mr := entity.MultipartReader()
	if mr == nil {
		return nil
	}

	skipped := 0
	for index := 0; ; {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && (part == nil || !recoverable(err)) {
			if skipped == 0 {
				defects = append(defects, fmt.Errorf("failed to read part %d: %w", index, err))
				index++
			}
			skipped++
			// Read errors from the underlying message repeat forever.
			if strings.HasPrefix(err.Error(), "multipart: NextPart:") || skipped > maxSkippedLines {
				break
			}
			continue
		}
		if err != nil {
			defects = append(defects, fmt.Errorf("part %d: %w", index, err))
		}
		skipped = 0

		mediaType := contentType(part.Header)
		disp, hasDisp := disposition(part.Header)

		switch {
		case !hasDisp && mediaType == "text/plain":
			content, ok := readPart(part, index, &defects)
			if ok {
				text := string(content)
				result.PlainText = &text
			}
		case !hasDisp && mediaType == "text/html":
			content, ok := readPart(part, index, &defects)
			if ok {
				html := string(content)
				result.HTMLContent = &html
			}
		case disp == "attachment":
			content, ok := readPart(part, index, &defects)
			if !ok {
				break
			}
			ah := mail.AttachmentHeader{Header: part.Header}
			filename, err := ah.Filename()
			if err != nil {
				defects = append(defects, fmt.Errorf("failed to decode filename of part %d: %w", index, err))
			}
			result.Attachments = append(result.Attachments, email.Attachment{
				Filename:    filename,
				ContentType: mediaType,
				Content:     content,
			})
		}
		index++
	}

	return defects
}

// readPart reads a part body. A body truncated by the end of the message
// is kept and reported; any other read failure drops the part.
func readPart(part *message.Entity, index int, defects *[]error) ([]byte, bool) {
	content, err := io.ReadAll(part.Body)
	if err == nil {
		return content, true
	}
	*defects = append(*defects, fmt.Errorf("failed to read part %d: %w", index, err))
	return content, errors.Is(err, io.ErrUnexpectedEOF)
}

// contentType returns the lower-cased media type of an entity, defaulting to
// text/plain when the header is missing or invalid.
func contentType(h message.Header) string {
	mediaType, _, err := h.ContentType()
	if err != nil || !strings.Contains(mediaType, "/") {
		return "text/plain"
	}
	return mediaType
}

// multipartBoundary reports whether the entity is multipart and returns its
// boundary parameter.
func multipartBoundary(h message.Header) (string, bool) {
	mediaType, params, err := h.ContentType()
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		return "", false
	}
	return params["boundary"], true
}

// disposition returns the lower-cased disposition value and whether a
// Content-Disposition header is present at all.
func disposition(h message.Header) (string, bool) {
	if !h.Has("Content-Disposition") {
		return "", false
	}
	disp, _, err := h.ContentDisposition()
	if err != nil {
		disp, _, _ = strings.Cut(h.Get("Content-Disposition"), ";")
	}
	return strings.ToLower(strings.TrimSpace(disp)), true
}

// recoverable reports errors after which go-message still hands back a
// readable entity.
func recoverable(err error) bool {
	return message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)
}

// repairHeader makes sure the header block is terminated by an empty line.
// The header block ends at the first line that is neither a field nor a
// continuation; that line and everything after it become the body. The
// second return value is false when such a line had to be moved.
func repairHeader(raw []byte) ([]byte, bool) {
	offset := 0
	for offset < len(raw) {
		next := len(raw)
		if i := bytes.IndexByte(raw[offset:], '\n'); i >= 0 {
			next = offset + i + 1
		}

		line := bytes.TrimRight(raw[offset:next], "\r\n")
		if len(line) == 0 {
			return raw, true
		}

		continuation := offset > 0 && (line[0] == ' ' || line[0] == '\t')
		if !continuation && !headerLine.Match(line) {
			break
		}
		offset = next
	}

	var buf bytes.Buffer
	buf.Grow(len(raw) + 4)
	buf.Write(raw[:offset])
	if offset > 0 && raw[offset-1] != '\n' {
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
	buf.Write(raw[offset:])

	return buf.Bytes(), offset == len(raw)
}
