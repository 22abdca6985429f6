package smtp

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shineum/mailcatcher-lite/internal/broker"
	"github.com/shineum/mailcatcher-lite/internal/provider/capture"
	"github.com/shineum/mailcatcher-lite/internal/store"
)

type countingObserver struct {
	started, ended, rejected atomic.Int64
}

func (o *countingObserver) SessionStarted()     { o.started.Add(1) }
func (o *countingObserver) SessionEnded()       { o.ended.Add(1) }
func (o *countingObserver) ConnectionRejected() { o.rejected.Add(1) }

// startServer serves cfg on a loopback listener until the test ends.
func startServer(t *testing.T, cfg ServerConfig) (srv *Server, cancel context.CancelFunc, done <-chan error) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	srv = New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ctx, ln) }()
	t.Cleanup(cancel)

	return srv, cancel, errc
}

func dial(t *testing.T, addr string) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	return conn, bufio.NewReader(conn)
}

// deliver runs one complete transaction and returns the final reply.
func deliver(addr string, n int) (string, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	r := bufio.NewReader(conn)

	steps := []string{
		"",
		"EHLO client.test.com",
		fmt.Sprintf("MAIL FROM:<sender%d@example.com>", n),
		"RCPT TO:<inbox@example.com>",
		"DATA",
		fmt.Sprintf("Subject: message %d\r\n\r\nbody %d\r\n.", n, n),
		"QUIT",
	}
	var last string
	for _, step := range steps {
		if step != "" {
			if _, err := fmt.Fprintf(conn, "%s\r\n", step); err != nil {
				return "", err
			}
		}
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return "", err
			}
			line = strings.TrimRight(line, "\r\n")
			if len(line) < 4 || line[3] != '-' {
				if step == "DATA" && !strings.HasPrefix(line, "354") {
					return line, nil
				}
				if strings.HasPrefix(step, "Subject:") {
					last = line
				}
				break
			}
		}
	}
	return last, nil
}

func TestServer_ConcurrentSessions(t *testing.T) {
	t.Parallel()

	mails := store.NewMemory()
	events := broker.New(broker.WithBuffer(100))
	sub := events.Subscribe()
	obs := &countingObserver{}

	srv, cancel, done := startServer(t, ServerConfig{
		Hostname: "mail.test.com",
		Provider: capture.New(mails, events, nil, nil),
		Observer: obs,
	})
	waitListening(t, srv)

	const sessions = 20
	var wg sync.WaitGroup
	errs := make(chan error, sessions)
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			reply, err := deliver(srv.Addr(), n)
			if err != nil {
				errs <- err
				return
			}
			if !strings.HasPrefix(reply, "250 2.0.0 OK: queued as ") {
				errs <- fmt.Errorf("session %d: got %q", n, reply)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	if n := mails.Len(); n != sessions {
		t.Fatalf("store holds %d messages, want %d", n, sessions)
	}
	seen := make(map[string]bool)
	for _, s := range mails.List() {
		if seen[s.ID] {
			t.Errorf("duplicate id %s", s.ID)
		}
		seen[s.ID] = true
	}

	for i := 0; i < sessions; i++ {
		select {
		case ev := <-sub.Events():
			nm, ok := ev.(broker.NewMail)
			if !ok {
				t.Fatalf("event %d: got %T, want NewMail", i, ev)
			}
			if !seen[nm.Summary.ID] {
				t.Errorf("event for unknown id %s", nm.Summary.ID)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("received %d events, want %d", i, sessions)
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Serve returned %v", err)
	}
	if obs.started.Load() != sessions || obs.ended.Load() != sessions {
		t.Errorf("observer: started %d ended %d, want %d", obs.started.Load(), obs.ended.Load(), sessions)
	}
}

func TestServer_RejectsOverConnectionLimit(t *testing.T) {
	t.Parallel()

	obs := &countingObserver{}
	srv, _, _ := startServer(t, ServerConfig{
		Hostname:       "mail.test.com",
		Provider:       &mockProvider{},
		MaxConnections: 1,
		Observer:       obs,
	})
	waitListening(t, srv)

	_, first := dial(t, srv.Addr())
	if line, _ := first.ReadString('\n'); !strings.HasPrefix(line, "220 ") {
		t.Fatalf("first greeting: got %q", line)
	}

	_, second := dial(t, srv.Addr())
	line, _ := second.ReadString('\n')
	if strings.TrimRight(line, "\r\n") != "421 4.7.0 mail.test.com Too many connections, try again later" {
		t.Errorf("second connection: got %q", line)
	}
	if obs.rejected.Load() != 1 {
		t.Errorf("rejected: got %d, want 1", obs.rejected.Load())
	}
}

func TestServer_GracefulShutdown(t *testing.T) {
	t.Parallel()

	srv, cancel, done := startServer(t, ServerConfig{
		Hostname: "mail.test.com",
		Provider: &mockProvider{},
	})
	waitListening(t, srv)

	conn, r := dial(t, srv.Addr())
	if line, _ := r.ReadString('\n'); !strings.HasPrefix(line, "220 ") {
		t.Fatalf("greeting: got %q", line)
	}
	fmt.Fprintf(conn, "HELO x\r\n")
	if line, _ := r.ReadString('\n'); !strings.HasPrefix(line, "250 ") {
		t.Fatalf("HELO: got %q", line)
	}

	cancel()

	line, _ := r.ReadString('\n')
	if !strings.HasPrefix(line, "421 4.3.2") {
		t.Errorf("open session on shutdown: got %q", line)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}

	if _, err := net.DialTimeout("tcp", srv.Addr(), time.Second); err == nil {
		t.Error("listener still accepting after shutdown")
	}
}

func waitListening(t *testing.T, srv *Server) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for srv.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("server did not start")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
