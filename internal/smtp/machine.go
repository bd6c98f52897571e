// Package smtp implements the receiving side of a minimal SMTP-like protocol:
// a per-connection state machine, the session loop that drives it, and the
// listener that dispatches connections.
package smtp

import (
	"fmt"
	"strings"

	"github.com/shineum/tmpmail/internal/email"
)

// Replies written to the client.
var (
	replyOK       = []byte("250 Ok\n")
	replyAuthOK   = []byte("235 Ok\n")
	replySendData = []byte("354 End data with <CR><LF>.<CR><LF>\n")
	replyBye      = []byte("221 Bye\n")
)

// Response is the outcome of a successfully handled input chunk.
type Response struct {
	// Reply holds the bytes to write back. It is nil for a deferred
	// response, where the client is expected to keep sending.
	Reply []byte

	// Close is set on the closing response; the connection ends after
	// Reply is written.
	Close bool
}

// Deferred reports whether nothing should be written for this response.
func (r Response) Deferred() bool {
	return r.Reply == nil
}

func immediate(b []byte) Response {
	return Response{Reply: b}
}

// Machine tracks the protocol state of one connection. It performs no I/O and
// is not safe for concurrent use; each session owns exactly one.
type Machine struct {
	state        State
	ehloGreeting []byte
}

// NewMachine returns a Machine in the Fresh state that announces domain in
// its EHLO reply.
func NewMachine(domain string) *Machine {
	return &Machine{
		state:        Fresh{},
		ehloGreeting: []byte(fmt.Sprintf("250-%s Hello %s\n250 AUTH PLAIN LOGIN\n", domain, domain)),
	}
}

// State returns a copy of the current state. Mail carried by the returned
// value does not alias the machine's own.
func (m *Machine) State() State {
	return cloneState(m.state)
}

// Take moves the current state out of the machine and resets it to Fresh.
func (m *Machine) Take() State {
	s := m.state
	m.state = Fresh{}
	return s
}

// Handle consumes one chunk of client input and returns the response to send,
// or a protocol error that must end the connection. The first
// whitespace-delimited token, lower-cased, is the command.
func (m *Machine) Handle(raw string) (Response, error) {
	fields := strings.FieldsFunc(raw, isASCIISpace)
	if len(fields) == 0 {
		return Response{}, ErrEmptyCommand
	}
	command := strings.ToLower(fields[0])
	args := fields[1:]

	switch command {
	case "noop", "help", "info", "vrfy", "expn":
		return immediate(replyOK), nil
	case "rset":
		m.state = Fresh{}
		return immediate(replyOK), nil
	case "auth":
		// Credentials are acknowledged but never checked.
		return immediate(replyAuthOK), nil
	}

	switch st := m.state.(type) {
	case Fresh:
		switch command {
		case "ehlo":
			m.state = Greeted{}
			return immediate(m.ehloGreeting), nil
		case "helo":
			m.state = Greeted{}
			return immediate(replyOK), nil
		}

	case Greeted:
		if command == "mail" {
			from, err := parsePath(args, "FROM:")
			if err != nil {
				return Response{}, err
			}
			m.state = CollectingRecipients{Mail: email.Mail{From: from}}
			return immediate(replyOK), nil
		}

	case CollectingRecipients:
		switch command {
		case "rcpt":
			to, err := parsePath(args, "TO:")
			if err != nil {
				return Response{}, err
			}
			mail := st.Mail
			mail.To = append(mail.To, to)
			m.state = CollectingRecipients{Mail: mail}
			return immediate(replyOK), nil
		case "data":
			m.state = CollectingData{Mail: st.Mail}
			return immediate(replySendData), nil
		}

	case CollectingData:
		if command == "quit" {
			m.state = Completed{Mail: st.Mail}
			return Response{Reply: replyBye, Close: true}, nil
		}
		mail := st.Mail
		mail.Data += raw
		m.state = CollectingData{Mail: mail}
		// Only the current chunk is inspected for the terminator.
		if strings.HasSuffix(raw, email.DataTerminator) {
			return immediate(replyOK), nil
		}
		return Response{}, nil
	}

	if command == "quit" {
		return Response{Reply: replyBye, Close: true}, nil
	}

	return Response{}, &UnexpectedCommandError{State: m.state.String(), Line: raw}
}

// parsePath extracts the address following prefix from MAIL/RCPT arguments.
// Both "FROM:<a@b>" and "FROM: <a@b>" are accepted.
func parsePath(args []string, prefix string) (string, error) {
	if len(args) == 0 {
		return "", &MalformedError{Reason: "missing " + prefix + " argument"}
	}
	rest, ok := strings.CutPrefix(args[0], prefix)
	if !ok {
		return "", &MalformedError{Reason: "missing " + prefix + " prefix"}
	}
	if rest != "" {
		return rest, nil
	}
	if len(args) < 2 {
		return "", &MalformedError{Reason: "missing address after " + prefix}
	}
	return args[1], nil
}

// isASCIISpace matches the separators between command tokens. Other Unicode
// spaces are part of a token.
func isASCIISpace(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\f', '\r':
		return true
	}
	return false
}
