// Package parser extracts a readable summary from the raw DATA of a stored
// message. Received mail is never required to be valid RFC 5322; callers fall
// back to the raw text when Summarize fails.
package parser

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/shineum/tmpmail/internal/email"
)

// Summarize parses raw as an RFC 5322 message. Transfer encodings and
// charsets are decoded; nested multiparts are walked depth first. The first
// text/plain and text/html parts become the bodies, everything else with a
// filename is listed as an attachment.
func Summarize(raw string) (*email.Summary, error) {
	mr, err := mail.CreateReader(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	defer mr.Close()

	result := &email.Summary{
		MessageID: mr.Header.Get("Message-Id"),
		To:        addressList(mr.Header, "To"),
	}

	if from := addressList(mr.Header, "From"); len(from) > 0 {
		result.From = from[0]
	}

	subject, err := mr.Header.Subject()
	if err != nil {
		subject = mr.Header.Get("Subject")
	}
	result.Subject = subject

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read next part: %w", err)
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			mediaType, _, err := h.ContentType()
			if err != nil || mediaType == "" {
				mediaType = "text/plain"
			}
			content, err := io.ReadAll(part.Body)
			if err != nil {
				slog.Warn("failed to read part content",
					"content_type", mediaType,
					"error", err,
				)
				continue
			}

			switch mediaType {
			case "text/plain":
				if result.TextBody == "" {
					result.TextBody = string(content)
				}
			case "text/html":
				if result.HtmlBody == "" {
					result.HtmlBody = string(content)
				}
			default:
				slog.Debug("skipping inline MIME part", "content_type", mediaType)
			}

		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			mediaType, _, _ := h.ContentType()
			if filename == "" {
				filename = fallbackFilename(mediaType)
			}
			content, err := io.ReadAll(part.Body)
			if err != nil {
				slog.Warn("failed to read attachment", "filename", filename, "error", err)
				continue
			}
			result.Attachments = append(result.Attachments, email.Attachment{
				Filename:    filename,
				ContentType: mediaType,
				Size:        len(content),
			})
		}
	}

	return result, nil
}

// addressList returns the bare addresses of a header, falling back to a
// simple comma split when the list does not parse.
func addressList(h mail.Header, key string) []string {
	raw := h.Get(key)
	if raw == "" {
		return nil
	}

	addresses, err := h.AddressList(key)
	if err != nil {
		parts := strings.Split(raw, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}

	result := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		result = append(result, addr.Address)
	}
	return result
}

func fallbackFilename(mediaType string) string {
	if _, sub, ok := strings.Cut(mediaType, "/"); ok && sub != "" {
		return "attachment." + sub
	}
	return "attachment"
}
