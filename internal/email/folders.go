package email

import (
	"context"
	"fmt"
	"sort"

	"github.com/emersion/go-imap/v2"
)

// ListFolders returns every selectable-or-not mailbox with message and
// unseen counts, sorted by name.
func (c *Client) ListFolders(ctx context.Context) ([]Folder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}

	boxes, err := c.client.List("", "*", nil).Collect()
	if err != nil {
		return nil, fmt.Errorf("list mailboxes: %w", err)
	}

	var folders []Folder
	for _, mbox := range boxes {
		folder := Folder{Name: mbox.Mailbox}
		selectable := true
		for _, attr := range mbox.Attrs {
			folder.Attrs = append(folder.Attrs, string(attr))
			if attr == imap.MailboxAttrNoSelect {
				selectable = false
			}
		}

		if selectable {
			status, err := c.client.Status(mbox.Mailbox, &imap.StatusOptions{
				NumMessages: true,
				NumUnseen:   true,
			}).Wait()
			if err != nil {
				c.logger.Debug("status failed", "mailbox", mbox.Mailbox, "error", err)
			} else {
				if status.NumMessages != nil {
					folder.Messages = *status.NumMessages
				}
				if status.NumUnseen != nil {
					folder.Unseen = *status.NumUnseen
				}
			}
		}
		folders = append(folders, folder)
	}

	sort.Slice(folders, func(i, j int) bool { return folders[i].Name < folders[j].Name })
	return folders, nil
}
