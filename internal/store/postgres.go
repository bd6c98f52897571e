package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// postgresEngine stores mail in a PostgreSQL database.
type postgresEngine struct {
	pool *pgxpool.Pool
}

func openPostgres(ctx context.Context, connString string) (*postgresEngine, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}

	return &postgresEngine{pool: pool}, nil
}

func (e *postgresEngine) Name() string {
	return "postgres"
}

func (e *postgresEngine) InitSchema(ctx context.Context) error {
	batch := &pgx.Batch{}
	for _, stmt := range schema {
		batch.Queue(stmt)
	}
	return e.pool.SendBatch(ctx, batch).Close()
}

func (e *postgresEngine) Insert(ctx context.Context, r row) error {
	_, err := e.pool.Exec(ctx,
		"INSERT INTO mail VALUES ($1, $2, $3, $4)",
		r.Date, r.Sender, r.Recipients, r.Data)
	return err
}

func (e *postgresEngine) DeleteBefore(ctx context.Context, cutoff string) (int64, error) {
	tag, err := e.pool.Exec(ctx, "DELETE FROM mail WHERE date < $1", cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (e *postgresEngine) FindByRecipient(ctx context.Context, address string, limit int) ([]row, error) {
	rows, err := e.pool.Query(ctx, `
		SELECT date, sender, recipients, data FROM mail
		WHERE strpos(', ' || recipients || ', ', ', <' || $1::text || '>, ') > 0
		   OR strpos(', ' || recipients || ', ', ', ' || $1::text || ', ') > 0
		ORDER BY date DESC LIMIT $2`,
		address, limit)
	if err != nil {
		return nil, err
	}

	return pgx.CollectRows(rows, func(rows pgx.CollectableRow) (row, error) {
		var r row
		err := rows.Scan(&r.Date, &r.Sender, &r.Recipients, &r.Data)
		return r, err
	})
}

func (e *postgresEngine) Close() error {
	e.pool.Close()
	return nil
}
