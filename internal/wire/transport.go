package wire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Dialer opens one connection per exchange, as every peer in the cluster
// expects exactly one request and one response per connection.
type Dialer struct {
	DialTimeout time.Duration // zero means no dial deadline
	IOTimeout   time.Duration // zero means no read/write deadline
}

func (d Dialer) dial(ctx context.Context, addr string) (net.Conn, error) {
	nd := net.Dialer{Timeout: d.DialTimeout}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if d.IOTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(d.IOTimeout))
	}
	return conn, nil
}

// RoundTrip sends a plain frame and returns the raw payload of the reply.
func (d Dialer) RoundTrip(ctx context.Context, addr string, payload []byte) ([]byte, error) {
	conn, err := d.dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := WriteFrame(conn, payload); err != nil {
		return nil, err
	}
	return ReadFrame(conn)
}

// RoundTripSequenced sends a sequenced frame and returns the raw payload of
// the reply. Replies are always plain frames.
func (d Dialer) RoundTripSequenced(ctx context.Context, addr string, seq uint32, payload []byte) ([]byte, error) {
	conn, err := d.dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := WriteSequencedFrame(conn, seq, payload); err != nil {
		return nil, err
	}
	return ReadFrame(conn)
}

// Call encodes req, performs a plain round trip and decodes into resp.
func (d Dialer) Call(ctx context.Context, addr string, req, resp any) error {
	payload, err := Marshal(req)
	if err != nil {
		return err
	}
	reply, err := d.RoundTrip(ctx, addr, payload)
	if err != nil {
		return err
	}
	return Unmarshal(reply, resp)
}

// CallSequenced is Call over a sequenced frame.
func (d Dialer) CallSequenced(ctx context.Context, addr string, seq uint32, req, resp any) error {
	payload, err := Marshal(req)
	if err != nil {
		return err
	}
	reply, err := d.RoundTripSequenced(ctx, addr, seq, payload)
	if err != nil {
		return err
	}
	return Unmarshal(reply, resp)
}

// Notify writes a sequenced frame and does not wait for a reply.
func (d Dialer) Notify(ctx context.Context, addr string, seq uint32, req any) error {
	payload, err := Marshal(req)
	if err != nil {
		return err
	}
	conn, err := d.dial(ctx, addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	return WriteSequencedFrame(conn, seq, payload)
}

// ============================================================================
// Server
// ============================================================================

// Handler serves one accepted connection. The server closes the connection
// when the handler returns.
type Handler func(ctx context.Context, conn net.Conn)

// Server accepts connections and runs each one on its own goroutine.
type Server struct {
	name    string
	ln      net.Listener
	handler Handler
	log     *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Listen binds addr. Serve must be called to start accepting.
func Listen(name, addr string, h Handler) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s on %s: %w", name, addr, err)
	}
	return &Server{
		name:    name,
		ln:      ln,
		handler: h,
		log:     slog.With("component", name),
	}, nil
}

// Addr is the bound address, useful when listening on port 0.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Serve accepts until ctx is done or Close is called.
func (s *Server) Serve(ctx context.Context) {
	s.log.Info("Server listening", "addr", s.ln.Addr().String())

	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("Error accepting an incoming stream", "error", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.wg.Add(1)
		s.mu.Unlock()

		go s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Connection handler panicked", "remote", conn.RemoteAddr().String(), "panic", r)
		}
	}()
	s.handler(ctx, conn)
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops accepting and waits for in-flight handlers.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.ln.Close()
	s.wg.Wait()
	return err
}

// RemoteIP returns the peer IP of conn without the port.
func RemoteIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
