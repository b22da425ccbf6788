// Package contacts stores the user's address book: a sqlite table fed
// by CardDAV sync and by the contact tools, searchable via FTS5 with a
// LIKE fallback.
package contacts

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Contact sources.
const (
	SourceManual  = "manual"
	SourceCardDAV = "carddav"
)

const (
	contactColumns          = "id, name, kind, relationship, summary, vcard_uid, etag, source, last_interaction, created_at, updated_at"
	qualifiedContactColumns = "contacts.id, contacts.name, contacts.kind, contacts.relationship, contacts.summary, contacts.vcard_uid, contacts.etag, contacts.source, contacts.last_interaction, contacts.created_at, contacts.updated_at"
	activeFilter            = "deleted_at IS NULL"
)

// Contact is a person or organization in the address book.
type Contact struct {
	ID           uuid.UUID
	Name         string
	Kind         string // person, company, organization
	Relationship string // friend, colleague, family, vendor
	Summary      string
	VCardUID     string // remote identity for synced contacts
	ETag         string // remote change marker for synced contacts
	Source       string // manual or carddav
	LastSeen     time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time

	// Facts holds multi-value attributes (email, phone, org). Only
	// populated by GetWithFacts and the search render path.
	Facts map[string][]string
}

// Store manages contact persistence.
type Store struct {
	db         *sql.DB
	ftsEnabled bool
	logger     *slog.Logger
}

// NewStore creates the schema on the shared database handle.
func NewStore(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{db: db, logger: logger.With("component", "contacts")}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("contacts: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS contacts (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			kind TEXT NOT NULL DEFAULT 'person',
			relationship TEXT,
			summary TEXT,
			vcard_uid TEXT,
			etag TEXT,
			source TEXT NOT NULL DEFAULT 'manual',
			last_interaction TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			deleted_at TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_contacts_name ON contacts(name);
		CREATE INDEX IF NOT EXISTS idx_contacts_kind ON contacts(kind);
		CREATE INDEX IF NOT EXISTS idx_contacts_deleted ON contacts(deleted_at);

		CREATE TABLE IF NOT EXISTS contact_facts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			contact_id TEXT NOT NULL REFERENCES contacts(id),
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_contact_facts_contact_id ON contact_facts(contact_id);
	`)
	if err != nil {
		return err
	}

	// Synced rows are keyed by their remote uid. Names are not unique:
	// a manual contact and a synced one may collide and that is fine.
	_, _ = s.db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_contacts_vcard_uid ON contacts(vcard_uid) WHERE vcard_uid IS NOT NULL`)

	s.tryEnableFTS()
	return nil
}

// tryEnableFTS creates the FTS5 virtual table. Builds without FTS5
// fall back to LIKE-based search.
func (s *Store) tryEnableFTS() {
	_, err := s.db.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS contacts_fts USING fts5(
			name,
			relationship,
			summary,
			content=contacts,
			content_rowid=rowid
		)
	`)
	if err != nil {
		s.logger.Warn("FTS5 not available for contacts, using LIKE fallback", "error", err)
		return
	}
	s.ftsEnabled = true

	if _, err := s.db.Exec(`INSERT INTO contacts_fts(contacts_fts) VALUES('rebuild')`); err != nil {
		s.logger.Warn("contacts FTS rebuild failed", "error", err)
		s.ftsEnabled = false
	}
}

// Upsert creates or updates a contact. A contact without an ID gets a
// new UUIDv7. Updating resurrects a soft-deleted row.
func (s *Store) Upsert(c *Contact) (*Contact, error) {
	now := time.Now().UTC()
	if c.Kind == "" {
		c.Kind = "person"
	}
	if c.Source == "" {
		c.Source = SourceManual
	}

	if c.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate id: %w", err)
		}
		c.ID = id
		c.CreatedAt = now
		c.UpdatedAt = now

		_, err = s.db.Exec(`
			INSERT INTO contacts (id, name, kind, relationship, summary, vcard_uid, etag, source, last_interaction, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, c.ID.String(), c.Name, c.Kind, nullStr(c.Relationship), nullStr(c.Summary),
			nullStr(c.VCardUID), nullStr(c.ETag), c.Source, nullTime(c.LastSeen),
			now.Format(time.RFC3339), now.Format(time.RFC3339))
		if err != nil {
			return nil, fmt.Errorf("insert: %w", err)
		}
		s.rebuildFTS()
		return c, nil
	}

	c.UpdatedAt = now
	_, err := s.db.Exec(`
		UPDATE contacts SET name = ?, kind = ?, relationship = ?, summary = ?,
			vcard_uid = ?, etag = ?, source = ?, last_interaction = ?, updated_at = ?, deleted_at = NULL
		WHERE id = ?
	`, c.Name, c.Kind, nullStr(c.Relationship), nullStr(c.Summary),
		nullStr(c.VCardUID), nullStr(c.ETag), c.Source, nullTime(c.LastSeen),
		now.Format(time.RFC3339), c.ID.String())
	if err != nil {
		return nil, fmt.Errorf("update: %w", err)
	}
	s.rebuildFTS()
	return c, nil
}

// Get retrieves an active contact by ID.
func (s *Store) Get(id uuid.UUID) (*Contact, error) {
	return scanContact(s.db.QueryRow(
		`SELECT `+contactColumns+` FROM contacts WHERE `+activeFilter+` AND id = ?`,
		id.String()))
}

// GetWithFacts retrieves a contact and populates its Facts map.
func (s *Store) GetWithFacts(id uuid.UUID) (*Contact, error) {
	c, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	c.Facts, err = s.GetFacts(id)
	if err != nil {
		return nil, fmt.Errorf("get facts: %w", err)
	}
	return c, nil
}

// FindByName returns the active contact with a case-insensitive name
// match, or sql.ErrNoRows.
func (s *Store) FindByName(name string) (*Contact, error) {
	return scanContact(s.db.QueryRow(
		`SELECT `+contactColumns+` FROM contacts WHERE `+activeFilter+` AND LOWER(name) = LOWER(?)`,
		name))
}

// FindByVCardUID returns the contact synced from the given remote uid,
// or sql.ErrNoRows. Soft-deleted rows are included so a re-appearing
// remote contact resurrects its old row instead of fighting the unique
// uid index.
func (s *Store) FindByVCardUID(uid string) (*Contact, error) {
	return scanContact(s.db.QueryRow(
		`SELECT `+contactColumns+` FROM contacts WHERE vcard_uid = ?`,
		uid))
}

// Search finds active contacts matching the query.
func (s *Store) Search(query string) ([]*Contact, error) {
	if s.ftsEnabled {
		return s.searchFTS(query)
	}
	return s.searchLIKE(query)
}

func (s *Store) searchFTS(query string) ([]*Contact, error) {
	sanitized := sanitizeFTS5Query(query)
	if sanitized == "" {
		return nil, nil
	}

	rows, err := s.db.Query(`
		SELECT `+qualifiedContactColumns+`
		FROM contacts_fts
		JOIN contacts ON contacts_fts.rowid = contacts.rowid
		WHERE contacts_fts MATCH ? AND `+activeFilter+`
		ORDER BY rank
		LIMIT 50
	`, sanitized)
	if err != nil {
		s.logger.Warn("FTS5 search failed, falling back to LIKE", "error", err, "query", query)
		return s.searchLIKE(query)
	}
	defer rows.Close()

	return scanContacts(rows)
}

func (s *Store) searchLIKE(query string) ([]*Contact, error) {
	pattern := "%" + query + "%"
	rows, err := s.db.Query(
		`SELECT `+contactColumns+` FROM contacts WHERE `+activeFilter+
			` AND (name LIKE ? OR relationship LIKE ? OR summary LIKE ?) ORDER BY updated_at DESC LIMIT 50`,
		pattern, pattern, pattern)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	return scanContacts(rows)
}

// ListAll returns all active contacts ordered by name.
func (s *Store) ListAll() ([]*Contact, error) {
	rows, err := s.db.Query(
		`SELECT ` + contactColumns + ` FROM contacts WHERE ` + activeFilter + ` ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	return scanContacts(rows)
}

// Delete soft-deletes a contact by ID.
func (s *Store) Delete(id uuid.UUID) error {
	now := time.Now().UTC().Format(time.RFC3339)
	result, err := s.db.Exec(
		`UPDATE contacts SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
		now, id.String())
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return fmt.Errorf("contact not found: %s", id)
	}
	s.rebuildFTS()
	return nil
}

// DeleteByName soft-deletes a contact by case-insensitive name match.
func (s *Store) DeleteByName(name string) error {
	c, err := s.FindByName(name)
	if err != nil {
		return fmt.Errorf("find contact: %w", err)
	}
	return s.Delete(c.ID)
}

// DeleteSyncedExcept soft-deletes synced contacts whose remote uid is
// not in keep. Returns how many were removed. Manual contacts are
// never touched.
func (s *Store) DeleteSyncedExcept(keep map[string]bool) (int, error) {
	rows, err := s.db.Query(
		`SELECT id, vcard_uid FROM contacts WHERE `+activeFilter+` AND source = ? AND vcard_uid IS NOT NULL`,
		SourceCardDAV)
	if err != nil {
		return 0, fmt.Errorf("query synced: %w", err)
	}
	type row struct {
		id  string
		uid string
	}
	var stale []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.uid); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan: %w", err)
		}
		if !keep[r.uid] {
			stale = append(stale, r)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	for _, r := range stale {
		if _, err := s.db.Exec(`UPDATE contacts SET deleted_at = ? WHERE id = ?`, now, r.id); err != nil {
			return 0, fmt.Errorf("delete %s: %w", r.uid, err)
		}
	}
	if len(stale) > 0 {
		s.rebuildFTS()
	}
	return len(stale), nil
}

// SetFact adds a multi-value attribute. An existing identical
// (contact, key, value) triple is a no-op.
func (s *Store) SetFact(contactID uuid.UUID, key, value string) error {
	var exists int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM contact_facts WHERE contact_id = ? AND key = ? AND value = ?`,
		contactID.String(), key, value).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check existing fact: %w", err)
	}
	if exists > 0 {
		return nil
	}

	_, err = s.db.Exec(
		`INSERT INTO contact_facts (contact_id, key, value, updated_at) VALUES (?, ?, ?, ?)`,
		contactID.String(), key, value, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("set fact: %w", err)
	}
	return nil
}

// ReplaceFacts replaces every value under key with the given set.
// An empty set clears the key. Sync uses this so removed emails and
// numbers do not linger.
func (s *Store) ReplaceFacts(contactID uuid.UUID, key string, values []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(
		`DELETE FROM contact_facts WHERE contact_id = ? AND key = ?`,
		contactID.String(), key); err != nil {
		return fmt.Errorf("delete old facts: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, err := tx.Exec(
			`INSERT INTO contact_facts (contact_id, key, value, updated_at) VALUES (?, ?, ?, ?)`,
			contactID.String(), key, v, now); err != nil {
			return fmt.Errorf("insert fact: %w", err)
		}
	}
	return tx.Commit()
}

// GetFacts returns all attributes for a contact, multi-valued keys as
// slices.
func (s *Store) GetFacts(contactID uuid.UUID) (map[string][]string, error) {
	rows, err := s.db.Query(
		`SELECT key, value FROM contact_facts WHERE contact_id = ? ORDER BY key, value`,
		contactID.String())
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	facts := make(map[string][]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		facts[key] = append(facts[key], value)
	}
	return facts, rows.Err()
}

// FindByFact returns contacts holding a matching attribute. The value
// matches partially.
func (s *Store) FindByFact(key, value string) ([]*Contact, error) {
	rows, err := s.db.Query(`
		SELECT DISTINCT `+qualifiedContactColumns+`
		FROM contacts
		JOIN contact_facts ON contacts.id = contact_facts.contact_id
		WHERE contacts.`+activeFilter+` AND contact_facts.key = ? AND contact_facts.value LIKE ?
		ORDER BY contacts.name
	`, key, "%"+value+"%")
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	return scanContacts(rows)
}

// Stats returns the active contact count, split by source.
func (s *Store) Stats() (total int, bySource map[string]int) {
	_ = s.db.QueryRow(`SELECT COUNT(*) FROM contacts WHERE ` + activeFilter).Scan(&total)

	bySource = make(map[string]int)
	rows, err := s.db.Query(`SELECT source, COUNT(*) FROM contacts WHERE ` + activeFilter + ` GROUP BY source`)
	if err != nil {
		return total, bySource
	}
	defer rows.Close()
	for rows.Next() {
		var source string
		var count int
		if rows.Scan(&source, &count) == nil {
			bySource[source] = count
		}
	}
	return total, bySource
}

func (s *Store) rebuildFTS() {
	if !s.ftsEnabled {
		return
	}
	if _, err := s.db.Exec(`INSERT INTO contacts_fts(contacts_fts) VALUES('rebuild')`); err != nil {
		s.logger.Warn("contacts FTS rebuild failed", "error", err)
	}
}

// sanitizeFTS5Query quotes each word so user text cannot smuggle FTS5
// operators into the MATCH expression.
func sanitizeFTS5Query(query string) string {
	words := strings.Fields(query)
	if len(words) == 0 {
		return ""
	}
	quoted := make([]string, len(words))
	for i, w := range words {
		w = strings.ReplaceAll(w, `"`, `""`)
		quoted[i] = `"` + w + `"`
	}
	return strings.Join(quoted, " ")
}

// --- scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContact(row rowScanner) (*Contact, error) {
	var c Contact
	var idStr string
	var relationship, summary, vcardUID, etag, lastSeen sql.NullString
	var createdStr, updatedStr string

	err := row.Scan(&idStr, &c.Name, &c.Kind, &relationship, &summary,
		&vcardUID, &etag, &c.Source, &lastSeen, &createdStr, &updatedStr)
	if err != nil {
		return nil, err
	}

	c.ID, err = uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("parse contact id: %w", err)
	}
	c.Relationship = relationship.String
	c.Summary = summary.String
	c.VCardUID = vcardUID.String
	c.ETag = etag.String
	if lastSeen.Valid {
		c.LastSeen, _ = time.Parse(time.RFC3339, lastSeen.String)
	}
	c.CreatedAt, err = time.Parse(time.RFC3339, createdStr)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	c.UpdatedAt, err = time.Parse(time.RFC3339, updatedStr)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &c, nil
}

func scanContacts(rows *sql.Rows) ([]*Contact, error) {
	var contacts []*Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

// --- SQL helpers ---

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(time.RFC3339), Valid: true}
}
