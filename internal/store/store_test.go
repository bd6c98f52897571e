package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/tmpmail/internal/email"
)

func openTestStore(t *testing.T) *MessageStore {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "mail.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func countRows(t *testing.T, s *MessageStore) int {
	t.Helper()
	e, ok := s.engine.(*sqliteEngine)
	require.True(t, ok, "test store must use the sqlite engine")
	var n int
	require.NoError(t, e.db.QueryRow("SELECT COUNT(*) FROM mail").Scan(&n))
	return n
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestOpen_SchemaIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mail.db")

	first, err := Open(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := Open(context.Background(), "file://"+path)
	require.NoError(t, err)
	defer second.Close()
	assert.Equal(t, "sqlite", second.engine.Name())
}

func TestOpen_UnsupportedScheme(t *testing.T) {
	_, err := Open(context.Background(), "libsql://example.turso.io")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConnection))
	assert.False(t, errors.Is(err, ErrSchemaInit))
}

func TestOpen_SchemaInitFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mail.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec("CREATE VIEW mail AS SELECT 1 AS date, 2 AS recipients")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = Open(context.Background(), path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSchemaInit))

	var storeErr *Error
	require.True(t, errors.As(err, &storeErr))
	assert.Equal(t, SchemaInitFailure, storeErr.Kind)
}

func TestPersist_StoresEnvelopeAndData(t *testing.T) {
	s := openTestStore(t)
	received := time.Date(2026, 3, 14, 9, 26, 53, 589_000_000, time.UTC)
	s.now = fixedClock(received)

	err := s.Persist(context.Background(), email.Mail{
		From: "<a@b.com>",
		To:   []string{"<c@d.com>", "<e@f.com>"},
		Data: "hello\r\n.\r\n",
	})
	require.NoError(t, err)

	records, err := s.Lookup(context.Background(), "<e@f.com>", 0)
	require.NoError(t, err)
	require.Len(t, records, 1)

	r := records[0]
	assert.Equal(t, "<a@b.com>", r.Sender)
	assert.Equal(t, "<c@d.com>, <e@f.com>", r.Recipients)
	assert.Equal(t, "hello\r\n.\r\n", r.Data)
	assert.True(t, received.Equal(r.ReceivedAt), "got %v", r.ReceivedAt)

	e := s.engine.(*sqliteEngine)
	var date string
	require.NoError(t, e.db.QueryRow("SELECT date FROM mail").Scan(&date))
	assert.Equal(t, "2026-03-14 09:26:53.589", date)
}

func TestPersist_UsesUTC(t *testing.T) {
	s := openTestStore(t)
	loc := time.FixedZone("UTC+5", 5*60*60)
	s.now = fixedClock(time.Date(2026, 1, 1, 3, 0, 0, 0, loc))

	require.NoError(t, s.Persist(context.Background(), email.Mail{From: "<a@b.com>", To: []string{"<x@y.z>"}}))

	e := s.engine.(*sqliteEngine)
	var date string
	require.NoError(t, e.db.QueryRow("SELECT date FROM mail").Scan(&date))
	assert.Equal(t, "2025-12-31 22:00:00.000", date)
}

func TestLookup_NewestFirstAndLimit(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		s.now = fixedClock(base.Add(time.Duration(i) * time.Minute))
		require.NoError(t, s.Persist(context.Background(), email.Mail{
			From: fmt.Sprintf("<sender%d@example.com>", i),
			To:   []string{"<inbox@tmp.test>"},
		}))
	}
	require.NoError(t, s.Persist(context.Background(), email.Mail{From: "<other@example.com>", To: []string{"<someone@else.test>"}}))

	records, err := s.Lookup(context.Background(), "inbox@tmp.test", 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "<sender2@example.com>", records[0].Sender)
	assert.Equal(t, "<sender1@example.com>", records[1].Sender)

	none, err := s.Lookup(context.Background(), "nobody@tmp.test", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestLookup_MatchesWholeRecipientsOnly(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Persist(ctx, email.Mail{From: "<a@b.com>", To: []string{"<jimbob@d.com>"}, Data: "for jimbob"}))
	require.NoError(t, s.Persist(ctx, email.Mail{From: "<a@b.com>", To: []string{"<ann@d.com>", "<bob@d.com>", "<cat@d.com>"}, Data: "for bob"}))
	require.NoError(t, s.Persist(ctx, email.Mail{From: "<a@b.com>", To: []string{"plain@d.com"}, Data: "unbracketed"}))

	tests := []struct {
		name      string
		recipient string
		want      []string
	}{
		{"bare address", "bob@d.com", []string{"for bob"}},
		{"bracketed address", "<bob@d.com>", []string{"for bob"}},
		{"suffix of another address", "ob@d.com", nil},
		{"prefix of another address", "jimbob@d", nil},
		{"at sign", "@", nil},
		{"domain only", "d.com", nil},
		{"separator", ", ", nil},
		{"two joined recipients", "ann@d.com>, <bob@d.com", nil},
		{"empty", "", nil},
		{"unbracketed stored recipient", "plain@d.com", []string{"unbracketed"}},
		{"unbracketed stored recipient queried with brackets", "<plain@d.com>", []string{"unbracketed"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records, err := s.Lookup(ctx, tt.recipient, 10)
			require.NoError(t, err)

			var got []string
			for _, r := range records {
				got = append(got, r.Data)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPrune(t *testing.T) {
	const n = 5
	now := time.Date(2026, 6, 10, 8, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		pruneAt   time.Time
		retention time.Duration
		deleted   int64
		remaining int
	}{
		{
			name:      "cutoff after every record removes all",
			pruneAt:   now.Add(time.Hour),
			retention: 30 * time.Minute,
			deleted:   n,
			remaining: 0,
		},
		{
			name:      "retention longer than record age removes none",
			pruneAt:   now.Add(time.Hour),
			retention: 7 * 24 * time.Hour,
			deleted:   0,
			remaining: n,
		},
		{
			name:      "record exactly at cutoff is kept",
			pruneAt:   now.Add(time.Hour),
			retention: time.Hour,
			deleted:   0,
			remaining: n,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := openTestStore(t)
			s.now = fixedClock(now)
			for i := 0; i < n; i++ {
				require.NoError(t, s.Persist(context.Background(), email.Mail{From: "<a@b.com>", To: []string{"<c@d.com>"}}))
			}

			s.now = fixedClock(tt.pruneAt)
			deleted, err := s.Prune(context.Background(), tt.retention)
			require.NoError(t, err)
			assert.Equal(t, tt.deleted, deleted)
			assert.Equal(t, tt.remaining, countRows(t, s))
		})
	}
}

func TestPrune_OnlyOldRecords(t *testing.T) {
	s := openTestStore(t)
	now := time.Date(2026, 6, 10, 8, 0, 0, 0, time.UTC)

	s.now = fixedClock(now.Add(-8 * 24 * time.Hour))
	require.NoError(t, s.Persist(context.Background(), email.Mail{From: "<old@b.com>", To: []string{"<c@d.com>"}}))
	s.now = fixedClock(now.Add(-time.Hour))
	require.NoError(t, s.Persist(context.Background(), email.Mail{From: "<new@b.com>", To: []string{"<c@d.com>"}}))

	s.now = fixedClock(now)
	deleted, err := s.Prune(context.Background(), 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	records, err := s.Lookup(context.Background(), "<c@d.com>", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "<new@b.com>", records[0].Sender)
}

func TestConcurrentPersistAndPrune(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	const writers = 8
	const perWriter = 10

	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter+writers)

	for w := 0; w < writers; w++ {
		wg.Add(2)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				errs <- s.Persist(ctx, email.Mail{
					From: fmt.Sprintf("<w%d@example.com>", w),
					To:   []string{"<shared@tmp.test>"},
					Data: fmt.Sprintf("message %d\r\n.\r\n", i),
				})
			}
		}(w)
		go func() {
			defer wg.Done()
			_, err := s.Prune(ctx, 7*24*time.Hour)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, writers*perWriter, countRows(t, s))
}

func TestPostgres(t *testing.T) {
	url := os.Getenv("TMPMAIL_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("TMPMAIL_TEST_POSTGRES_URL not set")
	}

	ctx := context.Background()
	s, err := Open(ctx, url)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, "postgres", s.engine.Name())

	recipient := fmt.Sprintf("<pg-%d@tmp.test>", time.Now().UnixNano())
	s.now = fixedClock(time.Now().Add(-30 * 24 * time.Hour))
	require.NoError(t, s.Persist(ctx, email.Mail{From: "<a@b.com>", To: []string{recipient}, Data: "x\r\n.\r\n"}))

	records, err := s.Lookup(ctx, recipient, 1)
	require.NoError(t, err)
	require.Len(t, records, 1)

	s.now = time.Now
	deleted, err := s.Prune(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, deleted, int64(1))

	records, err = s.Lookup(ctx, recipient, 1)
	require.NoError(t, err)
	assert.Empty(t, records)
}
