package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
)

const contactColumns = `onionAddress, name, publicKey`

// InsertContact stores c, replacing any existing row with the same address.
// Name and key are taken from c as-is; nothing is merged with the old row.
func (db *DB) InsertContact(ctx context.Context, c *Contact) error {
	return db.withTx(ctx, []string{TableContacts}, func(tx *sqlx.Tx) error {
		_, err := tx.NamedExecContext(ctx, `
			INSERT OR REPLACE INTO contacts (onionAddress, name, publicKey)
			VALUES (:onionAddress, :name, :publicKey)`, c)
		return err
	})
}

// AddContact creates a contact that has not exchanged keys yet.
func (db *DB) AddContact(ctx context.Context, address, name string) error {
	return db.InsertContact(ctx, &Contact{Address: address, Name: name})
}

// DeleteContact removes the contact with c's address. Missing rows are not an error.
func (db *DB) DeleteContact(ctx context.Context, c *Contact) error {
	return db.withTx(ctx, []string{TableContacts}, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM contacts WHERE onionAddress = ?`, c.Address)
		return err
	})
}

// UpdatePublicKey sets the key of the contact at address, if there is one.
func (db *DB) UpdatePublicKey(ctx context.Context, address, publicKey string) error {
	return db.withTx(ctx, []string{TableContacts}, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE contacts SET publicKey = ? WHERE onionAddress = ?`, publicKey, address)
		return err
	})
}

// UpdateContactName renames the contact at address, if there is one.
func (db *DB) UpdateContactName(ctx context.Context, address, name string) error {
	return db.withTx(ctx, []string{TableContacts}, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE contacts SET name = ? WHERE onionAddress = ?`, name, address)
		return err
	})
}

// GetContact returns the contact at address, or nil if there is none.
func (db *DB) GetContact(ctx context.Context, address string) (*Contact, error) {
	var c Contact
	err := db.GetContext(ctx, &c, `SELECT `+contactColumns+` FROM contacts WHERE onionAddress = ? LIMIT 1`, address)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr(ctx, "get contact", err)
	}
	return &c, nil
}

// ListContacts returns all contacts ordered by name. Names compare with
// SQLite's BINARY collation (byte order, so "Zed" sorts before "alice");
// equal names fall back to address order.
func (db *DB) ListContacts(ctx context.Context) ([]Contact, error) {
	contacts := []Contact{}
	if err := db.SelectContext(ctx, &contacts, `
		SELECT `+contactColumns+` FROM contacts
		ORDER BY name ASC, onionAddress ASC`); err != nil {
		return nil, wrapErr(ctx, "list contacts", err)
	}
	return contacts, nil
}

// ContactCount returns the total number of contacts.
func (db *DB) ContactCount(ctx context.Context) (int64, error) {
	var count int64
	if err := db.GetContext(ctx, &count, `SELECT COUNT(*) FROM contacts`); err != nil {
		return 0, wrapErr(ctx, "contact count", err)
	}
	return count, nil
}
