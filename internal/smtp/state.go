package smtp

import "github.com/shineum/tmpmail/internal/email"

// State is the protocol state of a single connection. It is one of Fresh,
// Greeted, CollectingRecipients, CollectingData or Completed.
type State interface {
	String() string
	isState()
}

// Fresh is the initial state, and the state after RSET.
type Fresh struct{}

// Greeted follows a successful EHLO or HELO.
type Greeted struct{}

// CollectingRecipients holds the mail after MAIL FROM while RCPT TO
// commands are accepted.
type CollectingRecipients struct {
	Mail email.Mail
}

// CollectingData holds the mail after DATA while body chunks are appended.
type CollectingData struct {
	Mail email.Mail
}

// Completed is the terminal state reached by QUIT during DATA.
type Completed struct {
	Mail email.Mail
}

func (Fresh) isState()                {}
func (Greeted) isState()              {}
func (CollectingRecipients) isState() {}
func (CollectingData) isState()       {}
func (Completed) isState()            {}

func (Fresh) String() string                { return "Fresh" }
func (Greeted) String() string              { return "Greeted" }
func (CollectingRecipients) String() string { return "CollectingRecipients" }
func (CollectingData) String() string       { return "CollectingData" }
func (Completed) String() string            { return "Completed" }

// cloneState returns s with any carried mail deep-copied.
func cloneState(s State) State {
	switch st := s.(type) {
	case CollectingRecipients:
		return CollectingRecipients{Mail: st.Mail.Clone()}
	case CollectingData:
		return CollectingData{Mail: st.Mail.Clone()}
	case Completed:
		return Completed{Mail: st.Mail.Clone()}
	default:
		return s
	}
}
