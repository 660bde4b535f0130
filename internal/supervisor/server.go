// Package supervisor implements the Server: the accept loop, the
// connection registry, and the register/forward/restart/status handlers
// specified in spec.md section 4.5.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/socketry/async-container-supervisor/internal/call"
	"github.com/socketry/async-container-supervisor/internal/errreport"
	"github.com/socketry/async-container-supervisor/internal/monitor"
	"github.com/socketry/async-container-supervisor/internal/rpc"
	"github.com/socketry/async-container-supervisor/internal/sysprocess"
	"github.com/socketry/async-container-supervisor/internal/wire"
)

// Server accepts connections on one or more listeners, dispatches the
// well-known operations of spec.md section 4.5, and drives the
// registered Monitors' lifecycles.
type Server struct {
	log      *slog.Logger
	errs     *errreport.Client
	monitors []monitor.Monitor

	router *rpc.Router

	mu          sync.RWMutex
	connections map[string]*rpc.Connection

	wg sync.WaitGroup
}

// New constructs a Server. Monitors are registered up front; Run starts
// each one's periodic loop alongside the accept loop.
func New(log *slog.Logger, errs *errreport.Client, monitors ...monitor.Monitor) *Server {
	s := &Server{
		log:         log,
		errs:        errs,
		monitors:    monitors,
		connections: make(map[string]*rpc.Connection),
	}

	s.router = rpc.NewRouter(errs)
	s.router.Register("register", s.handleRegister)
	s.router.Register("forward", s.handleForward)
	s.router.Register("restart", s.handleRestart)
	s.router.Register("status", s.handleStatus)

	return s
}

// Dispatch implements rpc.Dispatchable by delegating to the operation
// router, so Server itself is the Connection's dispatch target.
func (s *Server) Dispatch(c *rpc.Connection, cl *call.Call) {
	s.router.Dispatch(c, cl)
}

// Run accepts connections on every listener and drives every monitor's
// Run loop, all under one errgroup so a failing monitor cannot block or
// kill the accept loop (spec.md 4.5: "each monitor's run is invoked
// under an independent task"), grounded on
// core/internal/monitor/monitor.go's own errgroup-based fan-out. Run
// blocks until ctx is cancelled or one listener's accept loop fails with
// a non-transient error; either one closes every listener and stops the
// monitors.
func (s *Server) Run(ctx context.Context, listeners []net.Listener) error {
	group, groupCtx := errgroup.WithContext(ctx)

	for _, m := range s.monitors {
		m := m
		group.Go(func() error {
			m.Run(groupCtx)
			return nil
		})
	}

	for _, l := range listeners {
		l := l
		group.Go(func() error {
			return s.acceptConnections(groupCtx, l)
		})
	}

	go func() {
		<-groupCtx.Done()
		for _, l := range listeners {
			l.Close()
		}
	}()

	return group.Wait()
}

// acceptConnections runs one listener's accept loop, grounded on
// core/pkg/server/server.go's acceptConnections: transient resource
// exhaustion (too many open files, no buffer space) is logged and
// retried with a short backoff rather than treated as fatal, since the
// condition is usually temporary load, not a configuration error.
func (s *Server) acceptConnections(ctx context.Context, l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if isTransientAcceptError(err) {
				s.log.Warn("supervisor: transient accept error, retrying", "error", err)
				time.Sleep(100 * time.Millisecond)
				continue
			}
			return fmt.Errorf("supervisor: accept: %w", err)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

func isTransientAcceptError(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNABORTED, syscall.EMFILE, syscall.ENFILE, syscall.ENOBUFS, syscall.ENOMEM:
			return true
		}
	}
	return false
}

// handleConnection runs one accepted peer's read loop to completion,
// then removes it from the registry and notifies every monitor
// (spec.md 4.5: "On disconnect ... closes the Connection and invokes
// remove(connection)").
func (s *Server) handleConnection(conn net.Conn) {
	c := rpc.New(uuid.NewString(), conn, rpc.ServerSide, s, s.log, s.errs)
	c.Serve()

	s.mu.Lock()
	if cid, ok := c.State("connection_id"); ok {
		if cidStr, ok := cid.(string); ok {
			delete(s.connections, cidStr)
		}
	}
	s.mu.Unlock()

	s.notifyMonitors(func(m monitor.Monitor) { m.Remove(c) })
}

// notifyMonitors invokes fn for every registered monitor, recovering any
// panic so a single faulty monitor cannot abort registration or poison
// the others (spec.md 4.5).
func (s *Server) notifyMonitors(fn func(monitor.Monitor)) {
	for _, m := range s.monitors {
		s.notifyOneMonitor(m, fn)
	}
}

func (s *Server) notifyOneMonitor(m monitor.Monitor, fn func(monitor.Monitor)) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err := errreport.Recover(recovered)
			s.log.Error("supervisor: monitor callback panicked", "monitor", m.Name(), "error", err)
			s.errs.CaptureException(err, map[string]string{"monitor": m.Name()})
		}
	}()
	fn(m)
}

// handleRegister implements spec.md 4.5's "register": merge state,
// assign a connection_id, index the connection, notify every monitor.
func (s *Server) handleRegister(c *rpc.Connection, cl *call.Call) {
	var params struct {
		State map[string]any `json:"state"`
	}
	if err := cl.Message.Unmarshal(&params); err != nil {
		cl.Fail(&wire.ErrorDetail{Class: "InvalidParams", Message: err.Error()})
		return
	}

	c.MergeState(params.State)

	connectionID := uuid.NewString()
	c.SetState("connection_id", connectionID)

	s.mu.Lock()
	s.connections[connectionID] = c
	s.mu.Unlock()

	s.notifyMonitors(func(m monitor.Monitor) { m.Register(c) })

	_ = cl.FinishValue(map[string]any{"connection_id": connectionID})
}

// handleForward implements spec.md 4.5's "forward": locate the target
// connection by id and stream the forwarded call's responses back to
// the original caller in real time (scenario S6).
func (s *Server) handleForward(c *rpc.Connection, cl *call.Call) {
	var params struct {
		ConnectionID string          `json:"connection_id"`
		Operation    json.RawMessage `json:"operation"`
	}
	if err := cl.Message.Unmarshal(&params); err != nil {
		cl.Fail(&wire.ErrorDetail{Class: "InvalidParams", Message: err.Error()})
		return
	}
	if params.ConnectionID == "" {
		cl.Fail(&wire.ErrorDetail{Class: "MissingParameter", Message: "Missing 'connection_id' parameter"})
		return
	}

	s.mu.RLock()
	target, ok := s.connections[params.ConnectionID]
	s.mu.RUnlock()
	if !ok {
		cl.Fail(&wire.ErrorDetail{Class: "ConnectionNotFound", Message: "Connection not found"})
		return
	}

	var op struct {
		Do string `json:"do"`
	}
	_ = json.Unmarshal(params.Operation, &op)

	rpc.Forward(context.Background(), cl, target, op.Do, params.Operation)
}

// handleRestart implements spec.md 4.5's "restart": finish immediately
// (the current call must complete before the process group dies), then
// signal the process group.
func (s *Server) handleRestart(c *rpc.Connection, cl *call.Call) {
	var params struct {
		Signal string `json:"signal"`
	}
	_ = cl.Message.Unmarshal(&params)

	cl.Finish(wire.Frame{})

	sig := sysprocess.ParseSignal(params.Signal)
	if err := sysprocess.SignalGroup(syscall.Getpgrp(), sig); err != nil {
		s.log.Error("supervisor: restart signal failed", "error", err)
		s.errs.CaptureException(err, nil)
	}
}

// handleStatus implements spec.md 4.5's "status": enumerate connections,
// let every monitor push its own status frame(s), then finish with the
// connections payload. A monitor that panics producing its status push
// an intermediate {monitor_error: ...} frame instead of aborting the
// call (spec.md 9, Open Question 2's resolution).
func (s *Server) handleStatus(c *rpc.Connection, cl *call.Call) {
	s.mu.RLock()
	entries := make([]map[string]any, 0, len(s.connections))
	for cid, conn := range s.connections {
		state := conn.StateSnapshot()
		entries = append(entries, map[string]any{
			"connection_id": cid,
			"process_id":    state["process_id"],
			"state":         state,
		})
	}
	s.mu.RUnlock()

	for _, m := range s.monitors {
		s.runStatus(m, cl)
	}

	_ = cl.FinishValue(map[string]any{"connections": entries})
}

func (s *Server) runStatus(m monitor.Monitor, cl *call.Call) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err := errreport.Recover(recovered)
			s.log.Error("supervisor: monitor status panicked", "monitor", m.Name(), "error", err)
			_ = cl.PushValue(map[string]any{
				"monitor_error": map[string]any{
					"name":    m.Name(),
					"class":   fmt.Sprintf("%T", recovered),
					"message": err.Error(),
				},
			})
		}
	}()
	m.Status(cl)
}
