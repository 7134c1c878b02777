package server

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nodehive/pubsubd/internal/engine"
	"github.com/nodehive/pubsubd/internal/metrics"
)

var testMetrics = metrics.New()

func startServer(t *testing.T) *Server {
	t.Helper()
	eng, err := engine.New()
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	engDone := make(chan error, 1)
	go func() { engDone <- eng.Run(context.Background()) }()

	srv := New(Config{
		Addr:           "127.0.0.1:0",
		MaxLineBytes:   65536,
		MaxConnections: 64,
	}, eng, zerolog.Nop(), testMetrics)
	serveDone := make(chan error, 1)
	go func() { serveDone <- srv.Serve() }()

	deadline := time.Now().Add(2 * time.Second)
	for srv.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("server never bound its listener")
		}
		time.Sleep(5 * time.Millisecond)
	}

	t.Cleanup(func() {
		srv.Shutdown()
		eng.Stop()
		select {
		case <-engDone:
		case <-time.After(5 * time.Second):
			t.Error("dispatcher did not exit")
		}
		select {
		case <-serveDone:
		case <-time.After(5 * time.Second):
			t.Error("accept loop did not exit")
		}
	})
	return srv
}

func dial(t *testing.T, srv *Server) (net.Conn, *bufio.Reader) {
	t.Helper()
	nc, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { nc.Close() })
	nc.SetDeadline(time.Now().Add(5 * time.Second))
	return nc, bufio.NewReader(nc)
}

func sendLine(t *testing.T, nc net.Conn, line string) {
	t.Helper()
	if _, err := nc.Write([]byte(line + "\n")); err != nil {
		t.Fatalf("write %q: %v", line, err)
	}
}

func expectLine(t *testing.T, r *bufio.Reader, want string) {
	t.Helper()
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read (want %q): %v", want, err)
	}
	if got := strings.TrimRight(line, "\r\n"); got != want {
		t.Fatalf("line = %q, want %q", got, want)
	}
}

func TestEndToEndPublishSubscribe(t *testing.T) {
	srv := startServer(t)

	sub, subR := dial(t, srv)
	sendLine(t, sub, "subscribe news")
	expectLine(t, subR, "+subscribe news 1")

	pub, pubR := dial(t, srv)
	sendLine(t, pub, "publish news hello world")
	expectLine(t, pubR, ":1")

	expectLine(t, subR, "message news hello world")
}

func TestEndToEndPatternDelivery(t *testing.T) {
	srv := startServer(t)

	sub, subR := dial(t, srv)
	sendLine(t, sub, "psubscribe n*")
	expectLine(t, subR, "+psubscribe n* 1")

	pub, pubR := dial(t, srv)
	sendLine(t, pub, "publish news x")
	expectLine(t, pubR, ":1")

	expectLine(t, subR, "pmessage n* news x")
}

func TestEndToEndPublishNoSubscribers(t *testing.T) {
	srv := startServer(t)

	pub, pubR := dial(t, srv)
	sendLine(t, pub, "publish nowhere x")
	expectLine(t, pubR, ":0")
}

func TestEndToEndSubscriberCommandsAfterMigration(t *testing.T) {
	srv := startServer(t)

	sub, subR := dial(t, srv)
	sendLine(t, sub, "subscribe a b")
	expectLine(t, subR, "+subscribe a 1")
	expectLine(t, subR, "+subscribe b 2")

	// Further commands on the migrated socket are handled by the
	// dispatcher through the wire protocol.
	sendLine(t, sub, "subscribe c")
	expectLine(t, subR, "+subscribe c 3")

	sendLine(t, sub, "unsubscribe a")
	expectLine(t, subR, "+unsubscribe a 2")

	pub, pubR := dial(t, srv)
	sendLine(t, pub, "publish b x")
	expectLine(t, pubR, ":1")
	expectLine(t, subR, "message b x")
}

func TestEndToEndFullUnsubscribeEndsConnection(t *testing.T) {
	srv := startServer(t)

	sub, subR := dial(t, srv)
	sendLine(t, sub, "subscribe only")
	expectLine(t, subR, "+subscribe only 1")

	sendLine(t, sub, "unsubscribe")
	expectLine(t, subR, "+unsubscribe only 0")

	// The engine closes the socket after the farewell receipt.
	if _, err := subR.ReadString('\n'); err == nil {
		t.Fatal("connection still open after full unsubscribe")
	}
}

func TestEndToEndPingAndUnknown(t *testing.T) {
	srv := startServer(t)

	nc, r := dial(t, srv)
	sendLine(t, nc, "ping")
	expectLine(t, r, "+PONG")
	sendLine(t, nc, "frobnicate")
	line, err := r.ReadString('\n')
	if err != nil || !strings.HasPrefix(line, "-ERR") {
		t.Fatalf("unknown command reply = %q, %v", line, err)
	}
	sendLine(t, nc, "quit")
	expectLine(t, r, "+OK")
}
