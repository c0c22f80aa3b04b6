package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/danmuck/apductl/internal/apdu"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrServerClosed = errors.New("transport: server closed")

type ServerOptions struct {
	// ReadTimeout bounds how long a connected host may stay silent before
	// it is treated as gone. Zero waits forever.
	ReadTimeout time.Duration
	// TLS wraps every host connection when set.
	TLS    *tls.Config
	Logger *zerolog.Logger
}

type acceptResult struct {
	conn net.Conn
	err  error
}

// Server is the device end of a stream transport. It serves one host at a
// time; further hosts wait in the listen backlog until the current one
// disconnects.
type Server struct {
	ln      net.Listener
	opts    ServerOptions
	log     zerolog.Logger
	pending chan acceptResult

	mu     sync.Mutex
	conn   net.Conn
	closed bool
}

func Listen(addr string, opts ServerOptions) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewServer(ln, opts), nil
}

func NewServer(ln net.Listener, opts ServerOptions) *Server {
	if opts.TLS != nil {
		ln = tls.NewListener(ln, opts.TLS)
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Server{
		ln:   ln,
		opts: opts,
		log:  logger.With().Str("component", "transport").Str("addr", ln.Addr().String()).Logger(),
	}
}

func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Connected reports whether a host is currently attached.
func (s *Server) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Exchange transmits buf[:tx] to the attached host and receives the next
// frame into buf. Without a host it first waits for one; the pending reply
// is dropped because nobody asked for it. Any connection failure detaches
// the host and returns zero.
func (s *Server) Exchange(ctx context.Context, buf []byte, tx int, flags apdu.ExchangeFlags) (int, error) {
	conn := s.current()
	if conn != nil && tx > 0 && !flags.Has(apdu.FlagAsyncReply) {
		if err := WriteFrame(conn, buf[:tx]); err != nil {
			s.log.Debug().Err(err).Msg("write failed, detaching host")
			s.detach(conn)
			return 0, nil
		}
	}
	if conn != nil && flags.Has(apdu.FlagResetAfterReply) {
		s.log.Debug().Msg("reset after reply requested")
		s.detach(conn)
		return 0, nil
	}

	if conn == nil {
		var err error
		if conn, err = s.accept(ctx); err != nil {
			return 0, err
		}
	}

	if s.opts.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
	} else {
		_ = conn.SetReadDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	n, err := ReadFrame(conn, buf)
	stop()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		s.log.Debug().Err(err).Msg("read failed, detaching host")
		s.detach(conn)
		return 0, nil
	}
	return n, nil
}

func (s *Server) accept(ctx context.Context) (net.Conn, error) {
	if s.pending == nil {
		ch := make(chan acceptResult, 1)
		go func() {
			c, err := s.ln.Accept()
			ch <- acceptResult{conn: c, err: err}
		}()
		s.pending = ch
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-s.pending:
		s.pending = nil
		if res.err != nil {
			if s.isClosed() {
				return nil, ErrServerClosed
			}
			return nil, res.err
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = res.conn.Close()
			return nil, ErrServerClosed
		}
		s.conn = res.conn
		s.mu.Unlock()
		s.log.Info().Str("host", res.conn.RemoteAddr().String()).Msg("host attached")
		return res.conn, nil
	}
}

func (s *Server) current() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *Server) detach(conn net.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	_ = conn.Close()
	s.log.Info().Str("host", conn.RemoteAddr().String()).Msg("host detached")
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops accepting and drops the attached host.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	return s.ln.Close()
}
