package stream

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/xtxerr/cistern/config"
	"github.com/xtxerr/cistern/internal/errors"
	"github.com/xtxerr/cistern/internal/feed"
	"github.com/xtxerr/cistern/internal/logging"
)

var log = logging.Component("feed.stream")

// Config holds server configuration.
type Config struct {
	// Listen is the address to listen on (e.g. "0.0.0.0:9171").
	Listen string

	// Tokens, when non-empty, require producers to open with a hello frame
	// carrying one of them.
	Tokens []string

	AuthTimeout    time.Duration
	MaxMessageSize int
}

// Server accepts producer connections and feeds their insert frames to
// subscribers. It implements feed.Feed.
type Server struct {
	cfg     Config
	hub     *feed.Hub
	limiter *RateLimiter

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}

	shutdown chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

var _ feed.Feed = (*Server)(nil)

// NewServer creates a server. Call Start to begin listening.
func NewServer(cfg Config) *Server {
	if cfg.Listen == "" {
		cfg.Listen = config.DefaultStreamListen
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = config.DefaultStreamAuthTimeout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = config.DefaultMaxMessageSize
	}
	return &Server{
		cfg:      cfg,
		hub:      feed.NewHub(),
		limiter:  NewRateLimiter(config.DefaultAuthFailureLimit, time.Minute),
		conns:    make(map[net.Conn]struct{}),
		shutdown: make(chan struct{}),
	}
}

// Subscribe registers handlers for inserts into topic.
func (s *Server) Subscribe(_ context.Context, topic string, onEvent feed.Handler, onLost feed.LostHandler) (feed.Subscription, error) {
	return s.hub.Subscribe(topic, onEvent, onLost)
}

// Start listens and accepts connections in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	log.Info("listening", "address", ln.Addr().String(), "auth", len(s.cfg.Tokens) > 0)

	s.wg.Add(2)
	go s.acceptLoop(ln)
	go s.cleanupLoop()
	return nil
}

// Addr returns the listen address, nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops accepting, drops every producer and reports the loss to all
// subscribers.
func (s *Server) Close() error {
	s.once.Do(func() {
		log.Info("shutting down")
		close(s.shutdown)

		s.mu.Lock()
		if s.listener != nil {
			s.listener.Close()
		}
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()

		s.wg.Wait()
		s.hub.Close(errors.ErrClosed)
	})
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				log.Error("accept error", "error", err)
				time.Sleep(50 * time.Millisecond)
				continue
			}
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.limiter.Cleanup()
		case <-s.shutdown:
			return
		}
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	remote := conn.RemoteAddr().String()
	remoteIP := extractIP(remote)
	w := NewConn(conn, s.cfg.MaxMessageSize)

	if len(s.cfg.Tokens) > 0 {
		if !s.authenticate(conn, w, remote, remoteIP) {
			return
		}
	}

	log.Info("producer connected", "remote", remote)

	var frames, rejected int
	for {
		f, err := w.Read()
		if err != nil {
			break
		}
		frames++

		topic, row, err := DecodeInsert(f)
		if err != nil {
			rejected++
			log.Warn("dropping frame", "remote", remote, "error", err)
			continue
		}
		s.hub.Dispatch(topic, row)
	}

	log.Info("producer disconnected", "remote", remote, "frames", frames, "rejected", rejected)
}

func (s *Server) authenticate(conn net.Conn, w *Conn, remote, remoteIP string) bool {
	if s.limiter.IsBlocked(remoteIP) {
		log.Warn("blocked due to too many failed hellos", "remote", remote)
		return false
	}

	conn.SetDeadline(time.Now().Add(s.cfg.AuthTimeout))

	f, err := w.Read()
	if err != nil {
		log.Warn("hello read error", "remote", remote, "error", err)
		return false
	}

	if FrameType(f) != FrameHello {
		s.limiter.RecordFailure(remoteIP)
		w.Write(NewAck(false, "first frame must be hello"))
		return false
	}

	token := f.GetFields()["token"].GetStringValue()
	if !s.validToken(token) {
		s.limiter.RecordFailure(remoteIP)
		w.Write(NewAck(false, "invalid token"))
		log.Warn("hello rejected", "remote", remote, "failure_count", s.limiter.FailureCount(remoteIP))
		return false
	}

	s.limiter.Reset(remoteIP)
	conn.SetDeadline(time.Time{})

	if err := w.Write(NewAck(true, "")); err != nil {
		log.Warn("ack write error", "remote", remote, "error", err)
		return false
	}
	return true
}

func (s *Server) validToken(token string) bool {
	for _, t := range s.cfg.Tokens {
		if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
			return true
		}
	}
	return false
}

// Stats returns dispatch counters.
func (s *Server) Stats() feed.HubStats {
	return s.hub.Stats()
}

func extractIP(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}
