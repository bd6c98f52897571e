// Package store persists received mail and prunes it after a retention
// window. A MessageStore is shared by every connection, the retention sweeper
// and the HTTP API; all mutations go through a single lock.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shineum/tmpmail/internal/email"
	"github.com/shineum/tmpmail/internal/metrics"
)

// DateLayout is the UTC timestamp format of the date column. Values sort
// lexicographically in time order.
const DateLayout = "2006-01-02 15:04:05.000"

// DefaultDatabaseName is the SQLite file created in the temp directory when
// no store URL is configured.
const DefaultDatabaseName = "tmp-mail.db"

// DefaultLookupLimit caps Lookup results when no positive limit is given.
const DefaultLookupLimit = 50

// recipientSeparator joins envelope recipients in the recipients column.
const recipientSeparator = ", "

// schema is valid for both SQLite and PostgreSQL.
var schema = []string{
	"CREATE TABLE IF NOT EXISTS mail (date text, sender text, recipients text, data text)",
	"CREATE INDEX IF NOT EXISTS mail_date ON mail(date)",
	"CREATE INDEX IF NOT EXISTS mail_recipients ON mail(recipients)",
}

// Record is a stored message.
type Record struct {
	ReceivedAt time.Time `json:"received_at"`
	Sender     string    `json:"sender"`
	Recipients string    `json:"recipients"`
	Data       string    `json:"data"`
}

// row is a Record as it is written to and read from the mail table.
type row struct {
	Date       string
	Sender     string
	Recipients string
	Data       string
}

func (r row) record() Record {
	t, err := time.ParseInLocation(DateLayout, r.Date, time.UTC)
	if err != nil {
		slog.Warn("unparseable date in mail table", "date", r.Date, "error", err)
	}
	return Record{
		ReceivedAt: t,
		Sender:     r.Sender,
		Recipients: r.Recipients,
		Data:       r.Data,
	}
}

// engine is a storage backend for the mail table.
type engine interface {
	// Name identifies the engine in logs.
	Name() string
	// InitSchema creates the mail table and its indexes if absent.
	InitSchema(ctx context.Context) error
	Insert(ctx context.Context, r row) error
	// DeleteBefore removes rows whose date sorts before cutoff.
	DeleteBefore(ctx context.Context, cutoff string) (int64, error)
	// FindByRecipient returns up to limit rows, newest first, where one
	// element of the recipients column is address, bare or in angle
	// brackets.
	FindByRecipient(ctx context.Context, address string, limit int) ([]row, error)
	Close() error
}

// MessageStore is the retention-bounded mail store.
type MessageStore struct {
	mu     sync.RWMutex
	engine engine
	now    func() time.Time
}

func newMessageStore(e engine) *MessageStore {
	return &MessageStore{
		engine: e,
		now:    time.Now,
	}
}

// Open connects to the store at url and initialises its schema.
//
// An empty url falls back to a SQLite database in the temp directory. URLs
// starting with postgres:// or postgresql:// select PostgreSQL; file: URLs and
// bare paths select SQLite.
func Open(ctx context.Context, url string) (*MessageStore, error) {
	var (
		e   engine
		err error
	)

	switch {
	case url == "":
		path := filepath.Join(os.TempDir(), DefaultDatabaseName)
		slog.Warn("store url not set, using default local database", "path", path)
		e, err = openSQLite(ctx, path)
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		e, err = openPostgres(ctx, url)
	case strings.HasPrefix(url, "file:"):
		path := strings.TrimPrefix(strings.TrimPrefix(url, "file:"), "//")
		e, err = openSQLite(ctx, path)
	case strings.Contains(url, "://"):
		return nil, newError("open", ConnectionFailure, fmt.Errorf("unsupported store url scheme in %q", url))
	default:
		e, err = openSQLite(ctx, url)
	}
	if err != nil {
		return nil, newError("open", ConnectionFailure, err)
	}

	if err := e.InitSchema(ctx); err != nil {
		e.Close()
		return nil, newError("init schema", SchemaInitFailure, err)
	}

	slog.Info("message store ready", "engine", e.Name())
	return newMessageStore(e), nil
}

// Persist stamps mail with the current UTC time and appends it to the store.
func (s *MessageStore) Persist(ctx context.Context, mail email.Mail) error {
	r := row{
		Date:       s.now().UTC().Format(DateLayout),
		Sender:     mail.From,
		Recipients: strings.Join(mail.To, recipientSeparator),
		Data:       mail.Data,
	}

	start := time.Now()
	s.mu.Lock()
	err := s.engine.Insert(ctx, r)
	s.mu.Unlock()
	metrics.StoreOperationDuration.WithLabelValues("persist").Observe(time.Since(start).Seconds())

	if err != nil {
		return newError("persist", QueryFailure, err)
	}
	return nil
}

// Prune deletes every record received before now minus retention and returns
// how many were removed.
func (s *MessageStore) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := s.now().UTC().Add(-retention).Format(DateLayout)
	slog.Debug("deleting old mail", "before", cutoff)

	start := time.Now()
	s.mu.Lock()
	n, err := s.engine.DeleteBefore(ctx, cutoff)
	s.mu.Unlock()
	metrics.StoreOperationDuration.WithLabelValues("prune").Observe(time.Since(start).Seconds())

	if err != nil {
		return 0, newError("prune", QueryFailure, err)
	}
	return n, nil
}

// Lookup returns up to limit records addressed to recipient, newest first.
// recipient must equal a whole envelope recipient; the angle brackets are
// optional. Partial addresses match nothing.
func (s *MessageStore) Lookup(ctx context.Context, recipient string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultLookupLimit
	}

	address := bareAddress(recipient)
	if address == "" || strings.ContainsAny(address, ", ") {
		return []Record{}, nil
	}

	start := time.Now()
	s.mu.RLock()
	rows, err := s.engine.FindByRecipient(ctx, address, limit)
	s.mu.RUnlock()
	metrics.StoreOperationDuration.WithLabelValues("lookup").Observe(time.Since(start).Seconds())

	if err != nil {
		return nil, newError("lookup", QueryFailure, err)
	}

	records := make([]Record, 0, len(rows))
	for _, r := range rows {
		records = append(records, r.record())
	}
	return records, nil
}

// bareAddress strips surrounding whitespace and one pair of angle brackets.
func bareAddress(recipient string) string {
	a := strings.TrimSpace(recipient)
	if strings.HasPrefix(a, "<") && strings.HasSuffix(a, ">") {
		a = a[1 : len(a)-1]
	}
	return a
}

// Close releases the underlying engine.
func (s *MessageStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Close()
}
