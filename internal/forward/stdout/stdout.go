// Package stdout implements a Forwarder that prints stored mail to standard
// output.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/shineum/tmpmail/internal/email"
	"github.com/shineum/tmpmail/internal/parser"
)

// Forwarder prints messages in a human-readable format.
type Forwarder struct {
	// writer is the output destination, defaulting to os.Stdout.
	writer io.Writer
}

// New creates a stdout Forwarder that writes to os.Stdout.
func New() *Forwarder {
	return &Forwarder{writer: os.Stdout}
}

// NewWithWriter creates a Forwarder that writes to the given writer.
func NewWithWriter(w io.Writer) *Forwarder {
	return &Forwarder{writer: w}
}

// Forward prints the envelope and, when the data parses as a message, its
// headers, body and attachments. Unparseable data is printed verbatim.
func (f *Forwarder) Forward(_ context.Context, mail email.Mail) error {
	var b strings.Builder

	b.WriteString("========================================\n")
	fmt.Fprintf(&b, "Envelope-From: %s\n", mail.From)
	fmt.Fprintf(&b, "Envelope-To: %s\n", strings.Join(mail.To, ", "))

	summary, err := parser.Summarize(mail.Body())
	if err != nil {
		b.WriteString("Data:\n")
		b.WriteString(mail.Body())
		if !strings.HasSuffix(mail.Body(), "\n") {
			b.WriteString("\n")
		}
	} else {
		if summary.From != "" {
			fmt.Fprintf(&b, "From: %s\n", summary.From)
		}
		if len(summary.To) > 0 {
			fmt.Fprintf(&b, "To: %s\n", strings.Join(summary.To, ", "))
		}
		fmt.Fprintf(&b, "Subject: %s\n", summary.Subject)
		b.WriteString("Body:\n")

		body := summary.TextBody
		if body == "" {
			body = summary.HtmlBody
		}
		b.WriteString(body + "\n")

		if len(summary.Attachments) > 0 {
			attachments := make([]string, 0, len(summary.Attachments))
			for _, att := range summary.Attachments {
				attachments = append(attachments, fmt.Sprintf("%s (%s)", att.Filename, humanize.IBytes(uint64(att.Size))))
			}
			fmt.Fprintf(&b, "Attachments: %s\n", strings.Join(attachments, ", "))
		}
	}

	b.WriteString("========================================\n")

	if _, err := io.WriteString(f.writer, b.String()); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Name returns the forwarder name.
func (f *Forwarder) Name() string {
	return "stdout"
}
