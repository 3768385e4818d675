package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const (
	defaultBusyTimeout        = 5 * time.Second
	defaultConnectionLifetime = 0 // unlimited
)

// ErrReadOnly is returned by mutating calls on a store opened read-only.
var ErrReadOnly = errors.New("store: opened read-only")

// Options describes parameters for opening the profile store.
type Options struct {
	Path     string // profiles.db location
	ReadOnly bool   // Open database in read-only mode
}

// Store provides access to the profile item database.
type Store struct {
	db       *sql.DB
	dbPath   string
	readOnly bool
}

// NotFoundError indicates a requested record does not exist.
type NotFoundError struct {
	Entity string
	Key    string
}

func (e NotFoundError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s not found", e.Entity)
	}
	return fmt.Sprintf("%s %s not found", e.Entity, e.Key)
}

// IsNotFound returns true when err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var target NotFoundError
	return errors.As(err, &target)
}

// Open opens (and creates, unless read-only) the store at opts.Path.
func Open(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, errors.New("store: open: empty path")
	}

	dsn := opts.Path
	if opts.ReadOnly {
		dsn = fmt.Sprintf("file:%s?mode=ro", opts.Path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(defaultConnectionLifetime)
	db.SetConnMaxIdleTime(defaultConnectionLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := applyPragmas(ctx, db, opts.ReadOnly); err != nil {
		db.Close()
		return nil, err
	}

	if !opts.ReadOnly {
		if err := applySchema(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
	}

	return &Store{
		db:       db,
		dbPath:   opts.Path,
		readOnly: opts.ReadOnly,
	}, nil
}

// Close finalises the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the filesystem path of the backing database.
func (s *Store) Path() string {
	return s.dbPath
}

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	if s.readOnly {
		return ErrReadOnly
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("store: rollback failed after %v: %w", err, rbErr)
		}
		return err
	}

	return tx.Commit()
}
