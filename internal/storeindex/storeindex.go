// Copyright 2026 The bados Authors
// SPDX-License-Identifier: MIT

// Package storeindex maintains a SQLite database
// describing the entries committed to a package store.
package storeindex

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"bados.dev/pkg/pkgstore"
	"zombiezen.com/go/log"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitemigration"
	"zombiezen.com/go/sqlite/sqlitex"
)

// FileName is the name of the index database inside a store root.
const FileName = "index.db"

// Path returns the path of the index database for the given store.
func Path(dir pkgstore.Directory) string {
	return filepath.Join(string(dir), FileName)
}

// ErrNotFound is returned by [*Index.Lookup] for unknown entries.
var ErrNotFound = errors.New("entry not in index")

// Kind is the way a store entry was created.
type Kind string

// Entry kinds.
const (
	Build   Kind = "build"
	File    Kind = "file"
	Archive Kind = "archive"
)

// Entry is the index record of a store entry.
type Entry struct {
	Triplet pkgstore.Triplet
	Name    string
	Version string
	Digest  pkgstore.Digest
	Kind    Kind
	// Source is the build specification or file the entry was created from.
	Source    string
	CreatedAt time.Time
	// Dependencies are the build dependencies of a [Build] entry in declared order.
	Dependencies []pkgstore.Triplet
}

// Index is a handle to an index database.
// It is safe to use from multiple goroutines.
type Index struct {
	db *sqlitemigration.Pool
}

// Open opens the index database at the given path,
// creating and migrating it on first use.
func Open(path string) *Index {
	return &Index{
		db: sqlitemigration.NewPool(path, loadSchema(), sqlitemigration.Options{
			Flags:       sqlite.OpenCreate | sqlite.OpenReadWrite,
			PrepareConn: prepareConn,
			OnStartMigrate: func() {
				log.Debugf(context.Background(), "Migrating %s...", path)
			},
			OnError: func(err error) {
				log.Errorf(context.Background(), "Migrate %s: %v", path, err)
			},
		}),
	}
}

// Close releases any resources associated with the index.
func (idx *Index) Close() error {
	return idx.db.Close()
}

// Record adds an entry to the index.
// Recording an entry whose triplet is already present is a no-op.
func (idx *Index) Record(ctx context.Context, e *Entry) (err error) {
	conn, err := idx.db.Get(ctx)
	if err != nil {
		return fmt.Errorf("record %s: %v", e.Triplet, err)
	}
	defer idx.db.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("record %s: %v", e.Triplet, err)
	}
	defer endFn(&err)

	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	var id int64
	inserted := false
	err = sqlitex.ExecuteFS(conn, sqlFiles(), "insert_entry.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":triplet":    string(e.Triplet),
			":name":       e.Name,
			":version":    e.Version,
			":digest":     e.Digest.String(),
			":kind":       string(e.Kind),
			":source":     e.Source,
			":created_at": createdAt.UnixMilli(),
		},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			id = stmt.GetInt64("id")
			inserted = true
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("record %s: %v", e.Triplet, err)
	}
	if !inserted {
		log.Debugf(ctx, "%s already in index", e.Triplet)
		return nil
	}
	for i, dep := range e.Dependencies {
		err := sqlitex.ExecuteFS(conn, sqlFiles(), "insert_dependency.sql", &sqlitex.ExecOptions{
			Named: map[string]any{
				":entry_id": id,
				":position": i,
				":triplet":  string(dep),
			},
		})
		if err != nil {
			return fmt.Errorf("record %s: dependency %s: %v", e.Triplet, dep, err)
		}
	}
	return nil
}

// Lookup returns the index record for t.
// If t has not been recorded, Lookup returns an error
// for which errors.Is(err, [ErrNotFound]) reports true.
func (idx *Index) Lookup(ctx context.Context, t pkgstore.Triplet) (_ *Entry, err error) {
	conn, err := idx.db.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("look up %s: %v", t, err)
	}
	defer idx.db.Put(conn)
	defer sqlitex.Save(conn)(&err)

	var e *Entry
	var id int64
	err = sqlitex.ExecuteFS(conn, sqlFiles(), "find_entry.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":triplet": string(t)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			var err error
			id = stmt.GetInt64("id")
			e, err = scanEntry(stmt)
			return err
		},
	})
	if err != nil {
		return nil, fmt.Errorf("look up %s: %v", t, err)
	}
	if e == nil {
		return nil, fmt.Errorf("look up %s: %w", t, ErrNotFound)
	}
	e.Dependencies, err = entryDependencies(conn, id)
	if err != nil {
		return nil, fmt.Errorf("look up %s: %v", t, err)
	}
	return e, nil
}

// List returns every recorded entry ordered by triplet.
// Dependencies are not populated.
func (idx *Index) List(ctx context.Context) ([]*Entry, error) {
	conn, err := idx.db.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("list entries: %v", err)
	}
	defer idx.db.Put(conn)

	var entries []*Entry
	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "list_entries.sql", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			e, err := scanEntry(stmt)
			if err != nil {
				return err
			}
			entries = append(entries, e)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("list entries: %v", err)
	}
	return entries, nil
}

// Dependents returns the recorded entries that were built with t as a build dependency.
func (idx *Index) Dependents(ctx context.Context, t pkgstore.Triplet) ([]pkgstore.Triplet, error) {
	conn, err := idx.db.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("find dependents of %s: %v", t, err)
	}
	defer idx.db.Put(conn)

	var result []pkgstore.Triplet
	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "dependents.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":triplet": string(t)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			result = append(result, pkgstore.Triplet(stmt.GetText("triplet")))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("find dependents of %s: %v", t, err)
	}
	return result, nil
}

func scanEntry(stmt *sqlite.Stmt) (*Entry, error) {
	e := &Entry{
		Triplet:   pkgstore.Triplet(stmt.GetText("triplet")),
		Name:      stmt.GetText("name"),
		Version:   stmt.GetText("version"),
		Kind:      Kind(stmt.GetText("kind")),
		Source:    stmt.GetText("source"),
		CreatedAt: time.UnixMilli(stmt.GetInt64("created_at")).UTC(),
	}
	var err error
	e.Digest, err = pkgstore.ParseDigest(stmt.GetText("digest"))
	if err != nil {
		return nil, fmt.Errorf("%s: %v", e.Triplet, err)
	}
	return e, nil
}

func entryDependencies(conn *sqlite.Conn, id int64) ([]pkgstore.Triplet, error) {
	var deps []pkgstore.Triplet
	err := sqlitex.ExecuteFS(conn, sqlFiles(), "entry_dependencies.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":entry_id": id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			deps = append(deps, pkgstore.Triplet(stmt.GetText("triplet")))
			return nil
		},
	})
	return deps, err
}

func prepareConn(conn *sqlite.Conn) error {
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA journal_mode = wal;", nil); err != nil {
		return err
	}
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA foreign_keys = on;", nil); err != nil {
		return err
	}
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA busy_timeout = 10000;", nil); err != nil {
		return err
	}
	return nil
}

//go:embed sql/*.sql
//go:embed sql/schema/*.sql
var rawSQLFiles embed.FS

func sqlFiles() fs.FS {
	sub, err := fs.Sub(rawSQLFiles, "sql")
	if err != nil {
		panic(err)
	}
	return sub
}

var schemaState struct {
	init   sync.Once
	schema sqlitemigration.Schema
	err    error
}

func loadSchema() sqlitemigration.Schema {
	schemaState.init.Do(func() {
		for i := 1; ; i++ {
			migration, err := fs.ReadFile(sqlFiles(), fmt.Sprintf("schema/%02d.sql", i))
			if errors.Is(err, fs.ErrNotExist) {
				break
			}
			if err != nil {
				schemaState.err = err
				return
			}
			schemaState.schema.Migrations = append(schemaState.schema.Migrations, string(migration))
		}
	})

	if schemaState.err != nil {
		panic(schemaState.err)
	}
	return schemaState.schema
}
