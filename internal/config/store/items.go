package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// NewUID returns a fresh item uid prefixed with the item type's initial.
func NewUID(t ItemType) string {
	prefix := "i"
	if t != "" {
		prefix = string(t)[:1]
	}
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// AddItem inserts item, assigning a uid when empty. The stored item is
// returned.
func (s *Store) AddItem(ctx context.Context, item Item) (Item, error) {
	if !item.Type.Valid() {
		return Item{}, fmt.Errorf("store: add item: invalid type %q", item.Type)
	}
	if strings.TrimSpace(item.File) == "" {
		return Item{}, errors.New("store: add item: file is required")
	}
	if item.UID == "" {
		item.UID = NewUID(item.Type)
	}

	options, err := encodeOptions(item.Options)
	if err != nil {
		return Item{}, fmt.Errorf("store: encode options: %w", err)
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO items (uid, type, name, file, description, url, options)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, item.UID, string(item.Type), item.Name, item.File, item.Description, item.URL, options); err != nil {
			return fmt.Errorf("store: insert item %s: %w", item.UID, err)
		}
		return nil
	})
	if err != nil {
		return Item{}, err
	}
	return s.Item(ctx, item.UID)
}

// UpdateItem overwrites the mutable fields of an existing item.
func (s *Store) UpdateItem(ctx context.Context, item Item) error {
	options, err := encodeOptions(item.Options)
	if err != nil {
		return fmt.Errorf("store: encode options: %w", err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE items
			SET name = ?, file = ?, description = ?, url = ?, options = ?,
			    updated_at = `+nowExpr+`
			WHERE uid = ?
		`, item.Name, item.File, item.Description, item.URL, options, item.UID)
		if err != nil {
			return fmt.Errorf("store: update item %s: %w", item.UID, err)
		}
		if rows, _ := res.RowsAffected(); rows == 0 {
			return NotFoundError{Entity: "item", Key: item.UID}
		}
		return nil
	})
}

// Item returns the item with the given uid.
func (s *Store) Item(ctx context.Context, uid string) (Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE uid = ?`, uid)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, NotFoundError{Entity: "item", Key: uid}
	}
	if err != nil {
		return Item{}, fmt.Errorf("store: get item %s: %w", uid, err)
	}
	return item, nil
}

// Items lists all items ordered by creation time.
func (s *Store) Items(ctx context.Context) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+itemColumns+` FROM items ORDER BY created_at, uid`)
	if err != nil {
		return nil, fmt.Errorf("store: list items: %w", err)
	}
	return scanItems(rows, "items")
}

// DeleteItem removes an item. Chains referencing it lose the entry and the
// current pointer is cleared when it pointed at the item.
func (s *Store) DeleteItem(ctx context.Context, uid string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM items WHERE uid = ?`, uid)
		if err != nil {
			return fmt.Errorf("store: delete item %s: %w", uid, err)
		}
		if rows, _ := res.RowsAffected(); rows == 0 {
			return NotFoundError{Entity: "item", Key: uid}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM meta WHERE key = ? AND value = ?`, metaCurrentKey, uid); err != nil {
			return fmt.Errorf("store: clear current: %w", err)
		}
		return nil
	})
}

// SetCurrent selects the current profile. Only local and remote items
// qualify.
func (s *Store) SetCurrent(ctx context.Context, uid string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var itemType string
		err := tx.QueryRowContext(ctx, `SELECT type FROM items WHERE uid = ?`, uid).Scan(&itemType)
		if errors.Is(err, sql.ErrNoRows) {
			return NotFoundError{Entity: "item", Key: uid}
		}
		if err != nil {
			return fmt.Errorf("store: check item %s: %w", uid, err)
		}
		if !ItemType(itemType).IsProfile() {
			return fmt.Errorf("store: set current: item %s has type %s, want local or remote", uid, itemType)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO meta (key, value, updated_at)
			VALUES (?, ?, `+nowExpr+`)
			ON CONFLICT(key) DO UPDATE SET
				value = excluded.value,
				updated_at = excluded.updated_at
		`, metaCurrentKey, uid); err != nil {
			return fmt.Errorf("store: set current: %w", err)
		}
		return nil
	})
}

// Current returns the current profile item.
func (s *Store) Current(ctx context.Context) (Item, error) {
	var uid string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, metaCurrentKey).Scan(&uid)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, NotFoundError{Entity: "current profile"}
	}
	if err != nil {
		return Item{}, fmt.Errorf("store: get current: %w", err)
	}
	return s.Item(ctx, uid)
}
