package store

import (
	"database/sql"
	"fmt"
)

type rowScanner interface {
	Scan(dest ...any) error
}

const itemColumns = `uid, type, name, file, description, url, options, created_at, updated_at`

func scanItem(scanner rowScanner) (Item, error) {
	var (
		item       Item
		itemType   string
		optionsRaw sql.NullString
	)
	if err := scanner.Scan(
		&item.UID,
		&itemType,
		&item.Name,
		&item.File,
		&item.Description,
		&item.URL,
		&optionsRaw,
		&item.CreatedAt,
		&item.UpdatedAt,
	); err != nil {
		return Item{}, err
	}
	item.Type = ItemType(itemType)

	options, err := decodeOptions(optionsRaw)
	if err != nil {
		return Item{}, fmt.Errorf("decode options for %s: %w", item.UID, err)
	}
	item.Options = options
	return item, nil
}
