// Package email defines the core data model shared by the SMTP session,
// the MIME decomposer and the storage writer.
package email

// Envelope holds what one SMTP transaction captured: the sender, the
// recipients in the order they were given and the raw DATA payload.
type Envelope struct {
	From string
	To   []string
	Data []byte
}

// Session describes the SMTP connection an envelope arrived on.
type Session struct {
	ID         string
	RemoteAddr string
	Helo       string
}

// Message is a decomposed email. Nil string pointers mean the field was
// absent from the message.
type Message struct {
	Subject     *string
	PlainText   *string
	HTMLContent *string
	Attachments []Attachment
}

// Attachment is a part that was explicitly marked as an attachment.
// Filename is empty when the part did not carry one.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Filenames returns the names of all attachments that have one, in
// document order.
func (m *Message) Filenames() []string {
	names := make([]string, 0, len(m.Attachments))
	for _, att := range m.Attachments {
		if att.Filename != "" {
			names = append(names, att.Filename)
		}
	}
	return names
}
