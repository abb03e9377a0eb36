package uds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/msageha/patchd/internal/logx"
)

// Handler serves one command. A returned *Fault keeps its code; any other
// error is reported as CodeInternal.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

type Server struct {
	path    string
	log     logx.Logger
	timeout time.Duration
	slots   *semaphore.Weighted

	mu       sync.RWMutex
	handlers map[Command]Handler
}

func NewServer(socketPath string, log logx.Logger) *Server {
	return &Server{
		path:     socketPath,
		log:      log.Component("uds"),
		timeout:  30 * time.Second,
		slots:    semaphore.NewWeighted(8),
		handlers: make(map[Command]Handler),
	}
}

// SetLimit caps the number of commands served at once. Callers beyond the
// cap get CodeBusy. Call before Serve.
func (s *Server) SetLimit(n int64) { s.slots = semaphore.NewWeighted(n) }

func (s *Server) Handle(cmd Command, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[cmd] = h
}

// Serve accepts connections until ctx is done, then waits for in-flight
// commands and removes the socket file. A stale socket left by an earlier
// process is replaced.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := s.listen()
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.log.Warn("accept failed", logx.Err(err))
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
	wg.Wait()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove socket: %w", err)
	}
	return nil
}

func (s *Server) listen() (net.Listener, error) {
	_ = os.Remove(s.path)
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, 0600); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return ln, nil
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(s.timeout))

	var req Request
	if err := readFrame(conn, &req); err != nil {
		s.log.Debug("bad request", logx.Err(err))
		return
	}
	if err := writeFrame(conn, s.dispatch(ctx, &req)); err != nil {
		s.log.Debug("reply failed", logx.String("command", string(req.Command)), logx.Err(err))
	}
}

func (s *Server) dispatch(ctx context.Context, req *Request) (rep *Reply) {
	if req.Version != Version {
		return faultf(CodeVersion, "protocol version %d, want %d", req.Version, Version)
	}
	s.mu.RLock()
	h, ok := s.handlers[req.Command]
	s.mu.RUnlock()
	if !ok {
		return faultf(CodeUnknown, "unknown command %q", req.Command)
	}
	if !s.slots.TryAcquire(1) {
		return faultf(CodeBusy, "watcher is busy")
	}
	defer s.slots.Release(1)

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("handler panic", logx.String("command", string(req.Command)),
				logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			rep = faultf(CodeInternal, "%s failed", req.Command)
		}
	}()

	body, err := h(ctx, req.Args)
	if err != nil {
		var f *Fault
		if errors.As(err, &f) {
			return &Reply{Fault: f}
		}
		return faultf(CodeInternal, "%v", err)
	}
	return okReply(body)
}
