// Package symbol maintains the symbol table derived from document syntax trees. The table lives in
// an in-memory SQLite database and is rebuilt wholesale per document on every reparse.
package symbol

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/MegaGrindStone/cppmcp/internal/document"
	"github.com/MegaGrindStone/cppmcp/internal/errkind"
	"github.com/MegaGrindStone/cppmcp/internal/query"
	"github.com/MegaGrindStone/cppmcp/internal/telemetry"
)

// Index is the symbol table of all open documents.
type Index struct {
	db     *sql.DB
	engine *query.Engine
	logger *slog.Logger
}

// IndexOption configures an Index.
type IndexOption func(*Index)

// WithIndexLogger sets the logger of the index.
func WithIndexLogger(logger *slog.Logger) IndexOption {
	return func(x *Index) {
		x.logger = logger
	}
}

// New opens an empty in-memory index fed by the predefined queries of engine.
func New(engine *query.Engine, options ...IndexOption) (*Index, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open symbol database: %w", err)
	}
	// Every connection to :memory: is a separate database, so the pool holds exactly one forever.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	x := &Index{db: db, engine: engine, logger: slog.Default()}
	for _, opt := range options {
		opt(x)
	}
	x.logger = x.logger.With(slog.String("component", "symbol-index"))

	if err := x.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return x, nil
}

// Close releases the database.
func (x *Index) Close() error {
	return x.db.Close()
}

func (x *Index) migrate() error {
	if _, err := x.db.Exec(schemaDDL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS symbols (
  document_id     TEXT NOT NULL,
  ordinal         INTEGER NOT NULL,
  path            TEXT NOT NULL,
  name            TEXT NOT NULL,
  qualified_name  TEXT NOT NULL,
  kind            TEXT NOT NULL,
  detail          TEXT NOT NULL DEFAULT '',
  start_byte      INTEGER NOT NULL,
  end_byte        INTEGER NOT NULL,
  start_line      INTEGER NOT NULL,
  start_col       INTEGER NOT NULL,
  end_line        INTEGER NOT NULL,
  end_col         INTEGER NOT NULL,
  parent_ordinal  INTEGER,
  PRIMARY KEY (document_id, ordinal)
);

CREATE INDEX IF NOT EXISTS idx_symbols_name ON symbols(name);
CREATE INDEX IF NOT EXISTS idx_symbols_qualified_name ON symbols(qualified_name);
CREATE INDEX IF NOT EXISTS idx_symbols_range ON symbols(document_id, start_byte, end_byte);

CREATE TABLE IF NOT EXISTS bases (
  document_id     TEXT NOT NULL,
  class_ordinal   INTEGER NOT NULL,
  position        INTEGER NOT NULL,
  name            TEXT NOT NULL,
  access          TEXT NOT NULL,
  is_virtual      BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE INDEX IF NOT EXISTS idx_bases_document ON bases(document_id);

CREATE TABLE IF NOT EXISTS calls (
  document_id     TEXT NOT NULL,
  position        INTEGER NOT NULL,
  path            TEXT NOT NULL,
  callee          TEXT NOT NULL,
  text            TEXT NOT NULL,
  caller_ordinal  INTEGER,
  start_byte      INTEGER NOT NULL,
  end_byte        INTEGER NOT NULL,
  start_line      INTEGER NOT NULL,
  start_col       INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_calls_document ON calls(document_id);
CREATE INDEX IF NOT EXISTS idx_calls_callee ON calls(callee);
`

// Build replaces the symbols of snap's document with those derived from its tree. The old rows are
// deleted and the new ones inserted in one transaction, so readers see either set but never a mix.
func (x *Index) Build(ctx context.Context, snap *document.Snapshot) error {
	if err := errkind.Checkpoint(ctx, "build index"); err != nil {
		return err
	}
	start := time.Now()

	ex, err := x.extract(ctx, snap)
	if err != nil {
		return fmt.Errorf("extract symbols of %s: %w", snap.ID, err)
	}

	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := purge(ctx, tx, snap.ID); err != nil {
		return err
	}

	symStmt, err := tx.PrepareContext(ctx, `INSERT INTO symbols (document_id, ordinal, path, name,
		qualified_name, kind, detail, start_byte, end_byte, start_line, start_col, end_line, end_col,
		parent_ordinal) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare symbol insert: %w", err)
	}
	defer symStmt.Close()
	for _, s := range ex.symbols {
		if _, err := symStmt.ExecContext(ctx, snap.ID, s.ordinal, snap.Path, s.Name, s.QualifiedName,
			string(s.Kind), s.Detail, s.Range.Start, s.Range.End, s.Start.Row, s.Start.Column,
			s.End.Row, s.End.Column, nullOrdinal(s.parent)); err != nil {
			return fmt.Errorf("insert symbol: %w", err)
		}
	}

	baseStmt, err := tx.PrepareContext(ctx, `INSERT INTO bases (document_id, class_ordinal, position,
		name, access, is_virtual) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare base insert: %w", err)
	}
	defer baseStmt.Close()
	for i, b := range ex.bases {
		if _, err := baseStmt.ExecContext(ctx, snap.ID, b.classOrdinal, i, b.name, b.access, b.virtual); err != nil {
			return fmt.Errorf("insert base: %w", err)
		}
	}

	callStmt, err := tx.PrepareContext(ctx, `INSERT INTO calls (document_id, position, path, callee,
		text, caller_ordinal, start_byte, end_byte, start_line, start_col)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare call insert: %w", err)
	}
	defer callStmt.Close()
	for i, c := range ex.calls {
		if _, err := callStmt.ExecContext(ctx, snap.ID, i, snap.Path, c.Callee, c.Text,
			nullOrdinal(c.callerOrdinal), c.Range.Start, c.Range.End, c.Start.Row, c.Start.Column); err != nil {
			return fmt.Errorf("insert call: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit symbols: %w", err)
	}

	telemetry.RecordIndexBuild(ctx, time.Since(start), len(ex.symbols))
	x.logger.Debug("symbols rebuilt",
		slog.String("document", snap.ID),
		slog.Uint64("generation", snap.Generation),
		slog.Int("symbols", len(ex.symbols)),
		slog.Int("calls", len(ex.calls)))
	return nil
}

// Purge removes every row of a document.
func (x *Index) Purge(ctx context.Context, documentID string) error {
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := purge(ctx, tx, documentID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit purge: %w", err)
	}
	return nil
}

func purge(ctx context.Context, tx *sql.Tx, documentID string) error {
	for _, table := range []string{"symbols", "bases", "calls"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE document_id = ?", documentID); err != nil {
			return fmt.Errorf("purge %s: %w", table, err)
		}
	}
	return nil
}

func nullOrdinal(ordinal int) sql.NullInt64 {
	if ordinal < 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(ordinal), Valid: true}
}
