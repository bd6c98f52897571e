package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"
)

// sqliteEngine stores mail in a local SQLite database.
type sqliteEngine struct {
	db *sql.DB
}

func openSQLite(ctx context.Context, path string) (*sqliteEngine, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database %s: %w", path, err)
	}
	// SQLite allows a single writer; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite ping failed: %w", err)
	}

	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode = WAL;`); err != nil {
		slog.Warn("failed to set PRAGMA journal_mode = WAL", "error", err)
	}

	return &sqliteEngine{db: db}, nil
}

func (e *sqliteEngine) Name() string {
	return "sqlite"
}

func (e *sqliteEngine) InitSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := e.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute %q: %w", stmt, err)
		}
	}
	return nil
}

func (e *sqliteEngine) Insert(ctx context.Context, r row) error {
	_, err := e.db.ExecContext(ctx,
		"INSERT INTO mail VALUES (?, ?, ?, ?)",
		r.Date, r.Sender, r.Recipients, r.Data)
	return err
}

func (e *sqliteEngine) DeleteBefore(ctx context.Context, cutoff string) (int64, error) {
	res, err := e.db.ExecContext(ctx, "DELETE FROM mail WHERE date < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (e *sqliteEngine) FindByRecipient(ctx context.Context, address string, limit int) ([]row, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT date, sender, recipients, data FROM mail
		WHERE instr(', ' || recipients || ', ', ', <' || ?1 || '>, ') > 0
		   OR instr(', ' || recipients || ', ', ', ' || ?1 || ', ') > 0
		ORDER BY date DESC LIMIT ?2`,
		address, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.Date, &r.Sender, &r.Recipients, &r.Data); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (e *sqliteEngine) Close() error {
	return e.db.Close()
}
