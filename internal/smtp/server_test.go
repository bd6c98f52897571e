package smtp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shineum/tmpmail/internal/email"
	"github.com/shineum/tmpmail/internal/store"
)

// flakyListener fails the first failures calls to Accept and records when
// each call was made.
type flakyListener struct {
	net.Listener

	mu       sync.Mutex
	failures int
	calls    []time.Time
}

func (l *flakyListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	l.calls = append(l.calls, time.Now())
	if l.failures > 0 {
		l.failures--
		l.mu.Unlock()
		return nil, errors.New("accept: too many open files")
	}
	l.mu.Unlock()
	return l.Listener.Accept()
}

func (l *flakyListener) callTimes() []time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]time.Time(nil), l.calls...)
}

// gatedStore blocks Persist until release is closed.
type gatedStore struct {
	memoryStore
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) Persist(ctx context.Context, mail email.Mail) error {
	g.entered <- struct{}{}
	<-g.release
	return g.memoryStore.Persist(ctx, mail)
}

// startServer serves on a loopback listener until the test ends.
func startServer(t *testing.T, cfg ServerConfig) (*Server, context.CancelFunc, <-chan error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	srv := New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ctx, ln)
	}()
	t.Cleanup(cancel)
	return srv, cancel, errCh
}

func deliver(t *testing.T, addr, from, to, body string) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Errorf("failed to dial: %v", err)
		return
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	reader := bufio.NewReader(conn)

	if _, err := reader.ReadString('\n'); err != nil {
		t.Errorf("failed to read greeting: %v", err)
		return
	}
	for _, chunk := range []string{
		"HELO client\r\n",
		"MAIL FROM:<" + from + ">\r\n",
		"RCPT TO:<" + to + ">\r\n",
		"DATA\r\n",
		body + "\r\n.\r\n",
		"QUIT\r\n",
	} {
		if _, err := conn.Write([]byte(chunk)); err != nil {
			t.Errorf("failed to write %q: %v", chunk, err)
			return
		}
		if _, err := reader.ReadString('\n'); err != nil {
			t.Errorf("failed to read reply to %q: %v", chunk, err)
			return
		}
	}
}

func TestServer_Defaults(t *testing.T) {
	t.Parallel()

	srv := New(ServerConfig{})
	if srv.config.Domain != "localhost" {
		t.Errorf("Domain: got %q, want %q", srv.config.Domain, "localhost")
	}
	if srv.config.ServiceName != "tmp-mail" {
		t.Errorf("ServiceName: got %q, want %q", srv.config.ServiceName, "tmp-mail")
	}
	if srv.Addr() != "" {
		t.Errorf("Addr before Serve: got %q, want empty", srv.Addr())
	}
}

func TestServer_ConcurrentSessions(t *testing.T) {
	t.Parallel()

	ms := &memoryStore{}
	srv, cancel, errCh := startServer(t, ServerConfig{Store: ms})

	var addr string
	for i := 0; i < 100 && addr == ""; i++ {
		addr = srv.Addr()
		time.Sleep(5 * time.Millisecond)
	}
	if addr == "" {
		t.Fatal("server did not start listening")
	}

	const clients = 8
	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			deliver(t, addr, "sender@test.com", fmt.Sprintf("user%d@test.com", i), "hello")
		}(i)
	}
	wg.Wait()

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Serve returned %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	if got := len(ms.stored()); got != clients {
		t.Errorf("stored mails: got %d, want %d", got, clients)
	}
}

func TestServer_ShutdownPersistsOpenSessions(t *testing.T) {
	t.Parallel()

	ms := &memoryStore{}
	srv, cancel, errCh := startServer(t, ServerConfig{Store: ms, IdleTimeout: time.Minute})

	var addr string
	for i := 0; i < 100 && addr == ""; i++ {
		addr = srv.Addr()
		time.Sleep(5 * time.Millisecond)
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	reader := bufio.NewReader(conn)

	readLine(t, reader)
	exchange(t, conn, reader, "HELO x\r\n")
	exchange(t, conn, reader, "MAIL FROM:<a@b.com>\r\n")
	exchange(t, conn, reader, "DATA\r\n")
	send(t, conn, "in flight\r\n")
	time.Sleep(50 * time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Serve returned %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	mails := ms.stored()
	if len(mails) != 1 || mails[0].Data != "in flight\r\n" {
		t.Errorf("stored: got %+v", mails)
	}
}

func TestServer_StoresIntoSQLite(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ms, err := store.Open(ctx, filepath.Join(t.TempDir(), "mail.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer ms.Close()

	srv, cancel, errCh := startServer(t, ServerConfig{Store: ms})
	var addr string
	for i := 0; i < 100 && addr == ""; i++ {
		addr = srv.Addr()
		time.Sleep(5 * time.Millisecond)
	}

	deliver(t, addr, "a@b.com", "inbox@test.com", "Subject: hi\r\n\r\nbody")
	cancel()
	<-errCh

	records, err := ms.Lookup(ctx, "inbox@test.com", 10)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records: got %d, want 1", len(records))
	}
	if records[0].Sender != "<a@b.com>" {
		t.Errorf("Sender: got %q, want %q", records[0].Sender, "<a@b.com>")
	}
	if records[0].Recipients != "<inbox@test.com>" {
		t.Errorf("Recipients: got %q, want %q", records[0].Recipients, "<inbox@test.com>")
	}
}

func TestServer_AcceptErrorsBackOff(t *testing.T) {
	t.Parallel()

	inner, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	ln := &flakyListener{Listener: inner, failures: 4}

	ms := &memoryStore{}
	srv := New(ServerConfig{Store: ms})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ctx, ln)
	}()

	// The fifth Accept succeeds once the backoff has run.
	deliver(t, inner.Addr().String(), "a@b.com", "c@d.com", "after errors")

	calls := ln.callTimes()
	if len(calls) < 5 {
		t.Fatalf("Accept calls: got %d, want at least 5", len(calls))
	}
	want := 5 * time.Millisecond
	for i := 1; i <= 4; i++ {
		if gap := calls[i].Sub(calls[i-1]); gap < want {
			t.Errorf("gap before Accept %d: got %s, want at least %s", i+1, gap, want)
		}
		want *= 2
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Serve returned %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	if got := len(ms.stored()); got != 1 {
		t.Errorf("stored mails: got %d, want 1", got)
	}
}

func TestServer_WaitCoversSessionsPastShutdownTimeout(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	gs := &gatedStore{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	srv := New(ServerConfig{Store: gs, IdleTimeout: time.Minute})
	srv.shutdownTimeout = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ctx, ln)
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	reader := bufio.NewReader(conn)

	readLine(t, reader)
	exchange(t, conn, reader, "HELO x\r\n")
	exchange(t, conn, reader, "MAIL FROM:<a@b.com>\r\n")
	exchange(t, conn, reader, "DATA\r\n")
	send(t, conn, "slow store\r\n")
	time.Sleep(50 * time.Millisecond)

	cancel()
	select {
	case <-gs.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("session never reached Persist")
	}

	// Serve gives up on the blocked session after the shutdown timeout.
	select {
	case <-errCh:
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after its shutdown timeout")
	}

	waited := make(chan struct{})
	go func() {
		srv.Wait()
		close(waited)
	}()

	select {
	case <-waited:
		t.Fatal("Wait returned while a session was still persisting")
	case <-time.After(50 * time.Millisecond):
	}

	close(gs.release)
	select {
	case <-waited:
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return after the session finished")
	}

	if mails := gs.stored(); len(mails) != 1 || mails[0].Data != "slow store\r\n" {
		t.Errorf("stored: got %+v", mails)
	}
}
