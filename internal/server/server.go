// Package server is the reference accept loop around the dispatch engine.
//
// Connections start life in a blocking, goroutine-per-connection phase
// where publish/ping are handled inline. The first subscribe command
// migrates the socket into the engine: the descriptor is made non-blocking,
// handed to the dispatcher's poller, and from then on the dispatcher owns
// all I/O on it while the accept goroutine exits.
package server

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/nodehive/pubsubd/internal/engine"
	"github.com/nodehive/pubsubd/internal/metrics"
	"github.com/nodehive/pubsubd/internal/wire"
)

// Config holds the server's runtime parameters, resolved from
// internal/config by the caller.
type Config struct {
	Addr           string
	MaxLineBytes   int
	MaxConnections int
}

// Server accepts client connections and routes them between the blocking
// publisher phase and the engine-owned subscriber phase.
type Server struct {
	cfg     Config
	eng     *engine.Engine
	logger  zerolog.Logger
	metrics *metrics.Metrics

	ln     net.Listener
	active int64

	mu       sync.Mutex
	stopping bool
	wg       sync.WaitGroup
}

// New wires a Server around an already-constructed engine. The engine's
// Run loop is the caller's responsibility; Serve only feeds it.
func New(cfg Config, eng *engine.Engine, logger zerolog.Logger, m *metrics.Metrics) *Server {
	return &Server{cfg: cfg, eng: eng, logger: logger, metrics: m}
}

// Serve listens on cfg.Addr and accepts until Shutdown closes the
// listener.
func (s *Server) Serve() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.cfg.Addr, err)
	}
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		ln.Close()
		return nil
	}
	s.ln = ln
	s.mu.Unlock()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("listening")

	for {
		nc, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.metrics.RecordError("accept")
			s.logger.Warn().Err(err).Msg("accept failed")
			continue
		}
		if atomic.AddInt64(&s.active, 1) > int64(s.cfg.MaxConnections) {
			atomic.AddInt64(&s.active, -1)
			nc.Write([]byte("-ERR max connections reached\n"))
			nc.Close()
			continue
		}
		s.metrics.ConnectionAccepted()
		s.wg.Add(1)
		go s.handleConn(nc)
	}
}

// Addr reports the bound listen address, or nil before Serve has opened
// the listener. Tests bind to ":0" and discover the port through this.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Shutdown closes the listener and waits for the blocking-phase goroutines
// to drain. Connections already migrated into the engine are closed by the
// engine's own cleanup.
func (s *Server) Shutdown() {
	s.mu.Lock()
	s.stopping = true
	ln := s.ln
	s.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
	s.wg.Wait()
}

// ConnectionRetired is the engine close-hook target: it accounts for a
// migrated connection the dispatcher has just torn down.
func (s *Server) ConnectionRetired(fd int, peer string) {
	atomic.AddInt64(&s.active, -1)
	s.metrics.ConnectionClosed()
	s.logger.Debug().Int("fd", fd).Str("peer", peer).Msg("subscriber connection closed")
}

// handleConn runs the blocking phase for one connection. It returns either
// when the client goes away or after a successful migration into the
// engine, in which case the dispatcher owns the socket from then on.
func (s *Server) handleConn(nc net.Conn) {
	defer s.wg.Done()
	peer := nc.RemoteAddr().String()
	migrated := false
	defer func() {
		if !migrated {
			nc.Close()
			atomic.AddInt64(&s.active, -1)
			s.metrics.ConnectionClosed()
		}
	}()

	fd, err := sockFD(nc)
	if err != nil {
		s.logger.Warn().Err(err).Str("peer", peer).Msg("cannot resolve connection fd")
		return
	}

	r := bufio.NewReaderSize(nc, 4096)
	w := bufio.NewWriterSize(nc, 4096)

	for {
		line, err := readLine(r, s.cfg.MaxLineBytes)
		if err != nil {
			if !errors.Is(err, errLineTooLong) {
				return
			}
			s.metrics.RecordError("read")
			fmt.Fprintf(w, "-ERR line too long\n")
			w.Flush()
			return
		}
		cmd, rest := splitWord(line)
		switch strings.ToLower(cmd) {
		case "":
			continue
		case "ping":
			fmt.Fprintf(w, "+PONG\n")
		case "quit":
			fmt.Fprintf(w, "+OK\n")
			w.Flush()
			return
		case "publish":
			channel, payload := splitWord(rest)
			if channel == "" {
				fmt.Fprintf(w, "-ERR wrong number of arguments\n")
				break
			}
			start := time.Now()
			count, err := s.eng.Publish(fd, []byte(channel), []byte(payload))
			if err != nil {
				fmt.Fprintf(w, "-ERR %v\n", err)
				break
			}
			s.metrics.PublishCompleted(count, time.Since(start))
			fmt.Fprintf(w, ":%d\n", count)
		case "subscribe", "psubscribe":
			channels := splitAll(rest)
			if len(channels) == 0 {
				fmt.Fprintf(w, "-ERR wrong number of arguments\n")
				break
			}
			if err := w.Flush(); err != nil {
				return
			}
			isPattern := cmd[0] == 'p' || cmd[0] == 'P'
			if err := s.migrate(nc, channels, isPattern); err != nil {
				s.logger.Warn().Err(err).Str("peer", peer).Msg("migration failed")
				return
			}
			migrated = true
			return
		case "unsubscribe", "punsubscribe":
			// Nothing is subscribed during the blocking phase.
			fmt.Fprintf(w, "-ERR not subscribed\n")
		default:
			fmt.Fprintf(w, "-ERR unknown command '%s'\n", cmd)
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

// migrate converts nc into an engine-owned wire.Conn, registers the
// subscriptions, and queues the receipt replies. On success the dispatcher
// owns the descriptor; the original net.Conn is already closed.
func (s *Server) migrate(nc net.Conn, channels []string, isPattern bool) error {
	wc, err := wire.FromNetConn(nc, s.eng, s.cfg.MaxLineBytes)
	if err != nil {
		return err
	}
	chans := make([][]byte, len(channels))
	for i, ch := range channels {
		chans[i] = []byte(ch)
	}
	receipts, err := s.eng.Subscribe(wc, chans, isPattern)
	if err != nil {
		wc.Close()
		return err
	}
	s.metrics.SubscriptionsAdded(len(receipts))
	verb := "subscribe"
	if isPattern {
		verb = "psubscribe"
	}
	wc.QueueReceipts(verb, receipts)
	// Best effort immediate flush; leftovers go out when the dispatcher
	// next services the socket.
	wc.SendReply()
	return nil
}

var errLineTooLong = errors.New("server: line too long")

// readLine reads one '\n'-terminated line, stripping the terminator and an
// optional preceding '\r'.
func readLine(r *bufio.Reader, max int) (string, error) {
	var b []byte
	for {
		chunk, err := r.ReadSlice('\n')
		b = append(b, chunk...)
		if len(b) > max {
			return "", errLineTooLong
		}
		if err == nil {
			break
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		return "", err
	}
	b = b[:len(b)-1]
	if len(b) > 0 && b[len(b)-1] == '\r' {
		b = b[:len(b)-1]
	}
	return string(b), nil
}

func splitWord(s string) (word, rest string) {
	i := strings.IndexByte(s, ' ')
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimLeft(s[i+1:], " ")
}

func splitAll(s string) []string {
	return strings.Fields(s)
}

// sockFD extracts the descriptor of a live net.Conn without duplicating
// it. The value is only used as the publisher rendezvous key, which the
// caller owns for the duration of each Publish call.
func sockFD(nc net.Conn) (int, error) {
	sc, ok := nc.(syscall.Conn)
	if !ok {
		return 0, fmt.Errorf("server: %T does not expose its descriptor", nc)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return 0, err
	}
	fd := -1
	cerr := raw.Control(func(f uintptr) { fd = int(f) })
	if cerr != nil {
		return 0, cerr
	}
	return fd, nil
}
