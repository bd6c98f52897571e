// Package email defines the mail data model shared by the receiver, the store
// and the forwarders.
package email

import "strings"

// DataTerminator ends the DATA section of a message.
const DataTerminator = "\r\n.\r\n"

// Mail is a message as received over the wire: the envelope sender, the
// envelope recipients in RCPT order, and the raw DATA chunks concatenated.
type Mail struct {
	From string
	To   []string
	Data string
}

// Clone returns a deep copy of m.
func (m Mail) Clone() Mail {
	c := m
	if m.To != nil {
		c.To = append([]string(nil), m.To...)
	}
	return c
}

// Body returns Data without the trailing DATA terminator, keeping the final
// line break of the message.
func (m Mail) Body() string {
	if strings.HasSuffix(m.Data, DataTerminator) {
		return strings.TrimSuffix(m.Data, ".\r\n")
	}
	return m.Data
}

// Summary is a parsed, human-oriented view of a stored message.
type Summary struct {
	From        string
	To          []string
	Subject     string
	TextBody    string
	HtmlBody    string
	Attachments []Attachment
	MessageID   string
}

// Attachment represents a file attached to an email message.
type Attachment struct {
	Filename    string
	ContentType string
	Size        int
}
