package contacts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-vcard"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/carddav"
)

// Syncer pulls the user's CardDAV address book into the contact store.
// Sync is one-way: the server wins for synced rows, manual contacts
// are never touched. A contact the user forgot locally stays forgotten
// until its server copy changes.
type Syncer struct {
	dav      *carddav.Client
	rawURL   string
	store    *Store
	interval time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	bookPath string
}

// NewSyncer builds a syncer against a CardDAV endpoint. Discovery
// starts at rawURL; servers without discovery support fall back to
// rawURL's path as the address book collection.
func NewSyncer(httpClient *http.Client, rawURL, username, password string, store *Store, interval time.Duration, logger *slog.Logger) (*Syncer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	var hc webdav.HTTPClient = httpClient
	if username != "" {
		hc = webdav.HTTPClientWithBasicAuth(httpClient, username, password)
	}
	dav, err := carddav.NewClient(hc, rawURL)
	if err != nil {
		return nil, fmt.Errorf("carddav client: %w", err)
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Syncer{
		dav:      dav,
		rawURL:   rawURL,
		store:    store,
		interval: interval,
		logger:   logger.With("component", "contacts-sync"),
	}, nil
}

// Run syncs once immediately, then on every interval tick until the
// context ends.
func (s *Syncer) Run(ctx context.Context) {
	if err := s.SyncOnce(ctx); err != nil {
		s.logger.Warn("contacts sync failed", "error", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SyncOnce(ctx); err != nil {
				s.logger.Warn("contacts sync failed", "error", err)
			}
		}
	}
}

// SyncOnce fetches every card from the address book and reconciles the
// store: unchanged etags are skipped, changed cards upserted, and
// synced contacts missing from the server soft-deleted.
func (s *Syncer) SyncOnce(ctx context.Context) error {
	path, err := s.collectionPath(ctx)
	if err != nil {
		return err
	}

	objs, err := s.dav.QueryAddressBook(ctx, path, &carddav.AddressBookQuery{
		DataRequest: carddav.AddressDataRequest{AllProp: true},
	})
	if err != nil {
		return fmt.Errorf("query address book %s: %w", path, err)
	}

	seen := make(map[string]bool, len(objs))
	var updated int
	for _, obj := range objs {
		uid, changed, err := s.applyCard(obj)
		if uid != "" {
			// Still present on the server, even if unreadable this
			// round. Keeps a malformed card from wiping its row.
			seen[uid] = true
		}
		if err != nil {
			s.logger.Warn("skipping card", "path", obj.Path, "error", err)
			continue
		}
		if changed {
			updated++
		}
	}

	removed, err := s.store.DeleteSyncedExcept(seen)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	s.logger.Info("contacts sync complete", "cards", len(objs), "updated", updated, "removed", removed)
	return nil
}

// applyCard maps one vCard onto the store. It returns the card's uid,
// and whether anything was written.
func (s *Syncer) applyCard(obj carddav.AddressObject) (string, bool, error) {
	uid := obj.Card.Value(vcard.FieldUID)
	if uid == "" {
		uid = obj.Path
	}
	name := obj.Card.PreferredValue(vcard.FieldFormattedName)
	if name == "" {
		return uid, false, fmt.Errorf("card has no formatted name")
	}

	existing, err := s.store.FindByVCardUID(uid)
	switch {
	case err == nil:
		if obj.ETag != "" && existing.ETag == obj.ETag {
			return uid, false, nil
		}
	case errors.Is(err, sql.ErrNoRows):
		existing = &Contact{}
	default:
		return uid, false, fmt.Errorf("lookup: %w", err)
	}

	existing.Name = name
	existing.Kind = cardKind(obj.Card)
	existing.Summary = obj.Card.PreferredValue(vcard.FieldNote)
	existing.VCardUID = uid
	existing.ETag = obj.ETag
	existing.Source = SourceCardDAV

	saved, err := s.store.Upsert(existing)
	if err != nil {
		return uid, false, fmt.Errorf("upsert: %w", err)
	}

	facts := map[string][]string{
		"email": obj.Card.Values(vcard.FieldEmail),
		"phone": obj.Card.Values(vcard.FieldTelephone),
		"org":   orgValues(obj.Card),
	}
	if bday := obj.Card.Value(vcard.FieldBirthday); bday != "" {
		facts["birthday"] = []string{bday}
	} else {
		facts["birthday"] = nil
	}
	for key, values := range facts {
		if err := s.store.ReplaceFacts(saved.ID, key, values); err != nil {
			return uid, true, fmt.Errorf("facts %s: %w", key, err)
		}
	}
	return uid, true, nil
}

func (s *Syncer) collectionPath(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bookPath != "" {
		return s.bookPath, nil
	}

	path, err := s.discover(ctx)
	if err != nil {
		s.logger.Debug("address book discovery failed, using configured path", "error", err)
		u, perr := url.Parse(s.rawURL)
		if perr != nil {
			return "", fmt.Errorf("parse carddav url: %w", perr)
		}
		if u.Path == "" || u.Path == "/" {
			return "", fmt.Errorf("carddav: no address book discovered and url has no usable path")
		}
		path = u.Path
	}
	s.bookPath = path
	return path, nil
}

func (s *Syncer) discover(ctx context.Context) (string, error) {
	principal, err := s.dav.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", fmt.Errorf("find principal: %w", err)
	}
	home, err := s.dav.FindAddressBookHomeSet(ctx, principal)
	if err != nil {
		return "", fmt.Errorf("find home set: %w", err)
	}
	books, err := s.dav.FindAddressBooks(ctx, home)
	if err != nil {
		return "", fmt.Errorf("list address books: %w", err)
	}
	if len(books) == 0 {
		return "", fmt.Errorf("no address books on server")
	}
	return books[0].Path, nil
}

func cardKind(card vcard.Card) string {
	switch strings.ToLower(card.Value(vcard.FieldKind)) {
	case "org", "organization":
		return "organization"
	case "group":
		return "group"
	default:
		return "person"
	}
}

// orgValues strips the department units vCard packs after semicolons.
func orgValues(card vcard.Card) []string {
	var orgs []string
	for _, raw := range card.Values(vcard.FieldOrganization) {
		name := strings.TrimSpace(strings.SplitN(raw, ";", 2)[0])
		if name != "" {
			orgs = append(orgs, name)
		}
	}
	return orgs
}
