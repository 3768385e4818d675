package store

import (
	"context"
	"database/sql"
	"time"
)

// ChangeSnapshot captures update markers for the profile tables. Markers
// combine the row count with the newest updated_at so deletions register.
type ChangeSnapshot struct {
	Items   string
	Chains  string
	Current string
}

// ChangeEvent describes modified groups since the last snapshot.
type ChangeEvent struct {
	ItemsChanged   bool
	ChainsChanged  bool
	CurrentChanged bool
	Snapshot       ChangeSnapshot
}

// Changed returns true when at least one tracked group changed.
func (e ChangeEvent) Changed() bool {
	return e.ItemsChanged || e.ChainsChanged || e.CurrentChanged
}

// Watch polls the store for changes made by any process (the CLI edits the
// database while the daemon runs) and emits events on the returned channel.
// The caller must cancel ctx to terminate the watcher. The interval is
// clamped to a minimum of 500ms.
func (s *Store) Watch(ctx context.Context, interval time.Duration) (<-chan ChangeEvent, error) {
	if s == nil {
		return nil, sql.ErrConnDone
	}

	if interval <= 0 {
		interval = time.Second
	}
	if interval < 500*time.Millisecond {
		interval = 500 * time.Millisecond
	}

	out := make(chan ChangeEvent, 1)

	initial, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	go func() {
		defer close(out)

		last := initial
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				next, err := s.snapshot(ctx)
				if err != nil {
					continue
				}

				ev := diffSnapshots(last, next)
				if !ev.Changed() {
					continue
				}
				select {
				case out <- ev:
					last = next
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func (s *Store) snapshot(ctx context.Context) (ChangeSnapshot, error) {
	var snap ChangeSnapshot
	if err := s.db.QueryRowContext(ctx, `
        SELECT COUNT(*) || '|' || IFNULL(MAX(updated_at), '')
        FROM items
    `).Scan(&snap.Items); err != nil {
		return ChangeSnapshot{}, err
	}

	if err := s.db.QueryRowContext(ctx, `
        SELECT COUNT(*) || '|' || IFNULL(MAX(updated_at), '')
        FROM profile_chain
    `).Scan(&snap.Chains); err != nil {
		return ChangeSnapshot{}, err
	}

	if err := s.db.QueryRowContext(ctx, `
        SELECT IFNULL(MAX(value || '|' || updated_at), '')
        FROM meta
        WHERE key = ?
    `, metaCurrentKey).Scan(&snap.Current); err != nil {
		return ChangeSnapshot{}, err
	}

	return snap, nil
}

func diffSnapshots(prev, curr ChangeSnapshot) ChangeEvent {
	return ChangeEvent{
		ItemsChanged:   curr.Items != prev.Items,
		ChainsChanged:  curr.Chains != prev.Chains,
		CurrentChanged: curr.Current != prev.Current,
		Snapshot:       curr,
	}
}
