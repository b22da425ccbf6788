package email

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-message/mail"

	"github.com/penhold/squire/internal/markup"
)

// Draft holds everything needed to build one RFC 5322 message. Body is
// markdown; compose renders it into text/plain and text/html parts.
type Draft struct {
	From    string
	To      []string
	Cc      []string
	Subject string
	Body    string
}

// BuildDraft renders a Draft into a complete MIME message with a
// multipart/alternative body.
func BuildDraft(d Draft) ([]byte, error) {
	var h mail.Header
	h.SetDate(time.Now())
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generate message-id: %w", err)
	}
	h.SetSubject(d.Subject)

	from, err := mail.ParseAddress(d.From)
	if err != nil {
		return nil, fmt.Errorf("parse from address %q: %w", d.From, err)
	}
	h.SetAddressList("From", []*mail.Address{from})

	to, err := parseAddresses(d.To)
	if err != nil {
		return nil, fmt.Errorf("parse to addresses: %w", err)
	}
	h.SetAddressList("To", to)

	if len(d.Cc) > 0 {
		cc, err := parseAddresses(d.Cc)
		if err != nil {
			return nil, fmt.Errorf("parse cc addresses: %w", err)
		}
		h.SetAddressList("Cc", cc)
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create mail writer: %w", err)
	}
	tw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("create inline writer: %w", err)
	}

	var ph mail.InlineHeader
	ph.Set("Content-Type", "text/plain; charset=utf-8")
	pw, err := tw.CreatePart(ph)
	if err != nil {
		return nil, fmt.Errorf("create text part: %w", err)
	}
	if _, err := io.WriteString(pw, markup.ToPlain(d.Body)); err != nil {
		return nil, fmt.Errorf("write text part: %w", err)
	}
	if err := pw.Close(); err != nil {
		return nil, fmt.Errorf("close text part: %w", err)
	}

	var hh mail.InlineHeader
	hh.Set("Content-Type", "text/html; charset=utf-8")
	hw, err := tw.CreatePart(hh)
	if err != nil {
		return nil, fmt.Errorf("create html part: %w", err)
	}
	if _, err := io.WriteString(hw, htmlDocument(d.Body)); err != nil {
		return nil, fmt.Errorf("write html part: %w", err)
	}
	if err := hw.Close(); err != nil {
		return nil, fmt.Errorf("close html part: %w", err)
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close inline writer: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close mail writer: %w", err)
	}
	return buf.Bytes(), nil
}

// SaveDraft appends the message to the Drafts folder with the \Draft
// flag and returns the folder name used.
func (c *Client) SaveDraft(ctx context.Context, msg []byte) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected(ctx); err != nil {
		return "", err
	}

	folder, err := c.draftsFolderLocked()
	if err != nil {
		return "", err
	}

	appendCmd := c.client.Append(folder, int64(len(msg)), &imap.AppendOptions{
		Flags: []imap.Flag{imap.FlagDraft},
	})
	if _, err := appendCmd.Write(msg); err != nil {
		return "", fmt.Errorf("write draft: %w", err)
	}
	if err := appendCmd.Close(); err != nil {
		return "", fmt.Errorf("close draft: %w", err)
	}
	if _, err := appendCmd.Wait(); err != nil {
		return "", fmt.Errorf("append to %s: %w", folder, err)
	}
	return folder, nil
}

// draftsFolderLocked finds the mailbox advertising the \Drafts
// special-use, falling back to "Drafts". Cached after the first
// lookup. Caller holds c.mu.
func (c *Client) draftsFolderLocked() (string, error) {
	if c.draftsFolder != "" {
		return c.draftsFolder, nil
	}
	boxes, err := c.client.List("", "*", &imap.ListOptions{ReturnSpecialUse: true}).Collect()
	if err != nil {
		return "", fmt.Errorf("list mailboxes: %w", err)
	}
	folder := "Drafts"
	for _, mbox := range boxes {
		for _, attr := range mbox.Attrs {
			if attr == imap.MailboxAttrDrafts {
				folder = mbox.Mailbox
			}
		}
	}
	c.draftsFolder = folder
	return folder, nil
}

func parseAddresses(addrs []string) ([]*mail.Address, error) {
	out := make([]*mail.Address, 0, len(addrs))
	for _, a := range addrs {
		parsed, err := mail.ParseAddress(a)
		if err != nil {
			return nil, fmt.Errorf("parse address %q: %w", a, err)
		}
		out = append(out, parsed)
	}
	return out, nil
}

// htmlDocument wraps rendered markdown in a minimal self-contained
// document, no external resources.
func htmlDocument(md string) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html><head><meta charset="utf-8"></head>
<body style="font-family: sans-serif; font-size: 14px; line-height: 1.5;">
%s
</body></html>`, markup.ToHTML(md))
}
