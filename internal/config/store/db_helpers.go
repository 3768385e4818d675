package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// encodeOptions stores item options as a JSON object, or NULL when there
// are none.
func encodeOptions(options map[string]string) (any, error) {
	if len(options) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(options)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// decodeOptions reads the options column. NULL and blank values decode to a
// nil map.
func decodeOptions(raw sql.NullString) (map[string]string, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	var options map[string]string
	if err := json.Unmarshal([]byte(raw.String), &options); err != nil {
		return nil, err
	}
	return options, nil
}

// scanItems reads every row as an Item and closes rows. what names the
// listing in errors ("items", "chain").
func scanItems(rows *sql.Rows, what string) ([]Item, error) {
	defer rows.Close()

	var items []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan %s: %w", what, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate %s: %w", what, err)
	}
	return items, nil
}
