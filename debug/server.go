package debug

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/jsonrpc2"
	"golang.org/x/sync/errgroup"

	"github.com/gear-lang/gear/interp"
	"github.com/gear-lang/gear/vm"
)

var (
	ErrNotPaused = errors.New("debug: execution is not paused")
	ErrClosed    = errors.New("debug: server closed")
)

// Target is the runtime being debugged.
type Target interface {
	Machine() *interp.Machine
	// Register reads a host register; ok is false for a handle that is not
	// currently allocated.
	Register(handle int64) (v vm.Value, ok bool)
}

// Server accepts one debugger client at a time and drives the target's
// step hook on its behalf.
type Server struct {
	id     uuid.UUID
	target Target
	ln     net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	g      *errgroup.Group

	attached   chan struct{}
	attachOnce sync.Once
	closeOnce  sync.Once

	// connected gates the step hook; nothing is checked while no client
	// is attached.
	connected atomic.Bool
	cmds      chan command

	mu       sync.Mutex
	conn     *jsonrpc2.Conn
	paused   bool
	lineBPs  map[int]bool
	funcBPs  map[string]bool
	mode     stepMode
	anchor   stepAnchor
	lastSeen stepAnchor
}

// Listen binds address:port. A port of 0 picks a free port; Addr reports
// it.
func Listen(target Target, address string, port int) (*Server, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(address, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	s := &Server{
		id:       uuid.New(),
		target:   target,
		ln:       ln,
		ctx:      ctx,
		cancel:   cancel,
		g:        g,
		attached: make(chan struct{}),
		cmds:     make(chan command),
		lineBPs:  make(map[int]bool),
		funcBPs:  make(map[string]bool),
	}
	g.Go(s.acceptLoop)
	log.Info().Str("session", s.id.String()).Str("addr", ln.Addr().String()).Msg("debug: listening")
	return s, nil
}

func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// WaitAttached blocks until a client has sent initialize or the server is
// closed.
func (s *Server) WaitAttached() error {
	select {
	case <-s.attached:
		return nil
	case <-s.ctx.Done():
		return ErrClosed
	}
}

// Close stops accepting, drops the client and releases a paused mutator.
// It must not be called from inside the step hook.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		s.ln.Close()
		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.mu.Unlock()
		err = s.g.Wait()
		log.Info().Str("session", s.id.String()).Msg("debug: closed")
	})
	return err
}

func (s *Server) acceptLoop() error {
	for {
		c, err := s.ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("debug: accept: %w", err)
		}
		s.mu.Lock()
		busy := s.conn != nil
		s.mu.Unlock()
		if busy {
			log.Warn().Str("remote", c.RemoteAddr().String()).Msg("debug: client already attached, rejecting")
			c.Close()
			continue
		}
		s.serve(c)
	}
}

func (s *Server) serve(c net.Conn) {
	stream := jsonrpc2.NewBufferedStream(c, jsonrpc2.VSCodeObjectCodec{})
	conn := jsonrpc2.NewConn(s.ctx, stream, jsonrpc2.HandlerWithError(s.handle))
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.connected.Store(true)
	log.Info().Str("remote", c.RemoteAddr().String()).Msg("debug: client connected")

	s.g.Go(func() error {
		select {
		case <-conn.DisconnectNotify():
		case <-s.ctx.Done():
			conn.Close()
		}
		s.detach(conn)
		return nil
	})
}

// detach forgets the client's breakpoints and lets a paused mutator run
// on.
func (s *Server) detach(conn *jsonrpc2.Conn) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.connected.Store(false)
	s.lineBPs = make(map[int]bool)
	s.funcBPs = make(map[string]bool)
	s.mode = modeRun
	paused := s.paused
	s.mu.Unlock()
	log.Info().Msg("debug: client disconnected")
	if paused {
		select {
		case s.cmds <- command{resume: &resumeCmd{mode: modeRun}}:
		case <-s.ctx.Done():
		}
	}
}

func (s *Server) notify(method string, params any) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	if err := conn.Notify(s.ctx, method, params); err != nil {
		log.Debug().Err(err).Str("event", method).Msg("debug: notify failed")
	}
}
