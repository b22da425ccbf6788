// Package email gives the agent a window into the user's mailbox over
// IMAP: list, search, and read, plus a compose tool that renders
// markdown into a MIME draft and files it in the Drafts folder. The
// assistant never sends mail itself; the user reviews drafts in their
// own client.
package email

import (
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-imap/v2"
)

// Envelope is the summary line for one message, enough for list views
// and search results.
type Envelope struct {
	UID     uint32
	Date    time.Time
	From    string // "Name <addr>" or bare address
	To      []string
	Subject string
	Flags   []string
	Size    uint32
}

// Message is a fully fetched email with its text extracted from the
// MIME tree.
type Message struct {
	Envelope

	MessageID string
	Cc        []string

	// TextBody is the first text/plain part, HTMLBody the first
	// text/html part. Readers prefer TextBody and fall back to
	// extracting text from HTMLBody.
	TextBody string
	HTMLBody string
}

// Folder is one mailbox with its counters.
type Folder struct {
	Name     string
	Attrs    []string
	Messages uint32
	Unseen   uint32
}

// ListOptions bounds a folder listing.
type ListOptions struct {
	Folder string // default INBOX
	Limit  int    // default 20
	Unseen bool   // only messages without \Seen
}

// SearchOptions bounds a mailbox search.
type SearchOptions struct {
	Folder string // default INBOX
	Query  string // free text matched against message content
	From   string // sender substring
	Since  time.Time
	Before time.Time
	Limit  int // default 20
}

// drainLiteral discards an unread IMAP literal so the protocol stream
// stays in sync.
func drainLiteral(r imap.LiteralReader) {
	if r == nil {
		return
	}
	_, _ = io.Copy(io.Discard, r)
}

// formatAddress renders an IMAP address as "Name <user@host>", or the
// bare address when no display name is set.
func formatAddress(addr imap.Address) string {
	email := addr.Addr()
	if addr.Name != "" {
		return fmt.Sprintf("%s <%s>", addr.Name, email)
	}
	return email
}
