package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SetChain replaces the ordered enhancement chain of a profile item.
func (s *Store) SetChain(ctx context.Context, profileUID string, itemUIDs []string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := requireType(ctx, tx, profileUID, ItemType.IsProfile); err != nil {
			return err
		}
		for _, uid := range itemUIDs {
			if err := requireType(ctx, tx, uid, ItemType.IsEnhancement); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM profile_chain WHERE profile_uid = ?`, profileUID); err != nil {
			return fmt.Errorf("store: clear chain %s: %w", profileUID, err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO profile_chain (profile_uid, position, item_uid, updated_at)
			VALUES (?, ?, ?, `+nowExpr+`)
		`)
		if err != nil {
			return fmt.Errorf("store: prepare chain insert: %w", err)
		}
		defer stmt.Close()

		for pos, uid := range itemUIDs {
			if _, err := stmt.ExecContext(ctx, profileUID, pos, uid); err != nil {
				return fmt.Errorf("store: insert chain entry %s: %w", uid, err)
			}
		}
		return nil
	})
}

// Chain returns the enhancement items of a profile in chain order.
func (s *Store) Chain(ctx context.Context, profileUID string) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.uid, i.type, i.name, i.file, i.description, i.url, i.options, i.created_at, i.updated_at
		FROM profile_chain c
		JOIN items i ON i.uid = c.item_uid
		WHERE c.profile_uid = ?
		ORDER BY c.position
	`, profileUID)
	if err != nil {
		return nil, fmt.Errorf("store: list chain %s: %w", profileUID, err)
	}
	return scanItems(rows, "chain")
}

func requireType(ctx context.Context, tx *sql.Tx, uid string, ok func(ItemType) bool) error {
	var itemType string
	err := tx.QueryRowContext(ctx, `SELECT type FROM items WHERE uid = ?`, uid).Scan(&itemType)
	if errors.Is(err, sql.ErrNoRows) {
		return NotFoundError{Entity: "item", Key: uid}
	}
	if err != nil {
		return fmt.Errorf("store: check item %s: %w", uid, err)
	}
	if !ok(ItemType(itemType)) {
		return fmt.Errorf("store: item %s has unexpected type %s", uid, itemType)
	}
	return nil
}
