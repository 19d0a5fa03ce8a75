package ipc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/billm/baaaht/ipcserver/internal/logger"
	"github.com/billm/baaaht/ipcserver/pkg/kernel"
	"github.com/billm/baaaht/ipcserver/pkg/types"
)

// MaxServiceSessions is the session capacity requested from the service
// manager for every service registered through CreateService
const MaxServiceSessions uint32 = 64

// Options configures a Server
type Options struct {
	Waiter    kernel.Waiter
	Substrate kernel.Substrate
	// Services is required only by CreateService
	Services kernel.ServiceManager

	MaxPorts          uint32
	MaxSessions       uint32
	PointerBufferSize int

	Logger     *logger.Logger
	Registerer prometheus.Registerer
}

// Stats contains server counters
type Stats struct {
	Ports            int    `json:"ports"`
	Sessions         int    `json:"sessions"`
	Factories        int    `json:"factories"`
	SessionsAccepted uint64 `json:"sessions_accepted"`
	SessionsRejected uint64 `json:"sessions_rejected"`
	SessionsClosed   uint64 `json:"sessions_closed"`
	FactoryFailures  uint64 `json:"factory_failures"`
	// Dispatched counts every request that reached the dispatch stage,
	// including those whose shape did not match the declared format.
	// DispatchFailures is the failed subset; both mirror the
	// ipcserver_dispatch_total counter.
	Dispatched       uint64 `json:"dispatched"`
	DispatchFailures uint64 `json:"dispatch_failures"`
}

type port struct {
	handle  kernel.Handle
	name    string
	factory *boundFactory
}

type session struct {
	handle kernel.Handle
	object Object
}

// Server accepts sessions on its ports and dispatches their requests to
// per-session Objects.
//
// A Server performs no internal locking. It is pumped: every method,
// including CreateService, must be called from the one goroutine that
// drives Pump or Process.
type Server struct {
	id        types.ID
	handle    kernel.Handle
	substrate kernel.Substrate
	waiter    kernel.Waiter
	services  kernel.ServiceManager
	limits    kernel.ServerLimits

	pointerBuffer []byte
	ports         map[kernel.Handle]*port
	sessions      map[kernel.Handle]*session
	factories     map[*boundFactory]struct{}

	logger  *logger.Logger
	metrics *metrics
	stats   Stats
}

// Create allocates a substrate server object sized by opts and returns a
// Server with no ports and no factories. A substrate failure is returned
// unchanged and nothing is left allocated.
func Create(opts Options) (*Server, error) {
	if opts.Waiter == nil || opts.Substrate == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "waiter and substrate are required")
	}
	if opts.MaxPorts == 0 || opts.MaxSessions == 0 {
		return nil, types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid limits: max_ports=%d max_sessions=%d", opts.MaxPorts, opts.MaxSessions))
	}
	if opts.PointerBufferSize < 0 {
		return nil, types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid pointer buffer size: %d", opts.PointerBufferSize))
	}

	log := opts.Logger
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}

	limits := kernel.ServerLimits{
		MaxPorts:          opts.MaxPorts,
		MaxSessions:       opts.MaxSessions,
		PointerBufferSize: opts.PointerBufferSize,
	}
	handle, err := opts.Substrate.CreateServer(limits)
	if err != nil {
		return nil, err
	}

	id := types.GenerateID()
	m, err := newMetrics(opts.Registerer, id.String())
	if err != nil {
		if derr := opts.Substrate.DestroyServer(handle); derr != nil {
			err = errors.Join(err, derr)
		}
		return nil, types.WrapError(types.ErrCodeInternal, "failed to register metrics", err)
	}

	s := &Server{
		id:            id,
		handle:        handle,
		substrate:     opts.Substrate,
		waiter:        opts.Waiter,
		services:      opts.Services,
		limits:        limits,
		pointerBuffer: make([]byte, opts.PointerBufferSize),
		ports:         make(map[kernel.Handle]*port),
		sessions:      make(map[kernel.Handle]*session),
		factories:     make(map[*boundFactory]struct{}),
		logger:        log.With("component", "ipc_server", "server_id", id.String()),
		metrics:       m,
	}

	s.logger.Info("IPC server created",
		"handle", handle.String(),
		"max_ports", opts.MaxPorts,
		"max_sessions", opts.MaxSessions,
		"pointer_buffer_size", opts.PointerBufferSize)

	return s, nil
}

// ID returns the server instance identifier
func (s *Server) ID() types.ID {
	return s.id
}

// Handle returns the substrate server handle, invalid once the server is
// destroyed or moved
func (s *Server) Handle() kernel.Handle {
	return s.handle
}

// Logger returns the server's component logger
func (s *Server) Logger() *logger.Logger {
	return s.logger
}

// Move transfers ownership to a new Server value. The source keeps an
// invalid handle; destroying it is a no-op and every other call fails
// with ErrCodeServerClosed.
func (s *Server) Move() *Server {
	moved := &Server{}
	*moved = *s
	*s = Server{id: s.id, logger: s.logger}
	return moved
}

func (s *Server) checkOpen() error {
	if !s.handle.IsValid() {
		return types.NewError(types.ErrCodeServerClosed, "server is destroyed or moved")
	}
	return nil
}

// CreateService publishes name through the service manager and binds the
// returned port to factory. On any failure the factory is released and the
// server is left as it was; service manager errors are returned unchanged.
func (s *Server) CreateService(name string, factory Factory) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.services == nil {
		return types.NewError(types.ErrCodeInvalidArgument, "no service manager configured")
	}
	if factory == nil {
		return types.NewError(types.ErrCodeInvalidArgument, "factory is required")
	}

	bf := s.trackFactory(factory, name)

	h, err := s.services.RegisterService(name, MaxServiceSessions)
	if err != nil {
		s.dropFactory(bf)
		s.logger.Warn("Service registration failed", "service", name, "error", err)
		return err
	}

	if err := s.bindPort(h, name, bf); err != nil {
		var rollback []error
		if uerr := s.services.UnregisterService(name); uerr != nil {
			rollback = append(rollback, uerr)
		}
		if cerr := s.substrate.CloseHandle(h); cerr != nil {
			rollback = append(rollback, cerr)
		}
		s.dropFactory(bf)
		if len(rollback) > 0 {
			s.logger.Warn("Service rollback incomplete", "service", name, "error", errors.Join(rollback...))
		}
		return err
	}

	s.logger.Info("Service registered", "service", name, "port", h.String())
	return nil
}

// AddPort binds a port that is not published through the service manager.
// The server takes ownership of the port handle on success only.
func (s *Server) AddPort(h kernel.Handle, factory Factory) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if !h.IsValid() || factory == nil {
		return types.NewError(types.ErrCodeInvalidArgument, "valid port handle and factory are required")
	}
	if _, exists := s.ports[h]; exists {
		return types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("port %s already bound", h))
	}

	bf := s.trackFactory(factory, "")
	if err := s.bindPort(h, "", bf); err != nil {
		s.dropFactory(bf)
		return err
	}

	s.logger.Debug("Port added", "port", h.String())
	return nil
}

func (s *Server) trackFactory(factory Factory, service string) *boundFactory {
	bf := &boundFactory{factory: factory, service: service}
	s.factories[bf] = struct{}{}
	s.metrics.factories.Set(float64(len(s.factories)))
	return bf
}

// dropFactory removes bf from the collection and releases it. Each
// factory passes through here exactly once.
func (s *Server) dropFactory(bf *boundFactory) {
	if _, ok := s.factories[bf]; !ok {
		return
	}
	delete(s.factories, bf)
	bf.release()
	s.metrics.factories.Set(float64(len(s.factories)))
}

func (s *Server) bindPort(h kernel.Handle, name string, bf *boundFactory) error {
	if uint32(len(s.ports)) >= s.limits.MaxPorts {
		return types.NewError(types.ErrCodeOutOfPorts,
			fmt.Sprintf("port limit reached (%d)", s.limits.MaxPorts))
	}
	if err := s.waiter.Add(h); err != nil {
		return err
	}
	s.ports[h] = &port{handle: h, name: name, factory: bf}
	s.metrics.activePorts.Set(float64(len(s.ports)))
	return nil
}

// Pump waits for one ready handle and processes it. It is the only call
// that blocks.
func (s *Server) Pump(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	h, err := s.waiter.Wait(ctx)
	if err != nil {
		return err
	}
	return s.Process(h)
}

// Process handles one readiness event. A ready port accepts a session and
// a ready session receives and dispatches one request. Failures confined
// to one session or connection attempt are handled here and return nil.
func (s *Server) Process(h kernel.Handle) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if p, ok := s.ports[h]; ok {
		return s.accept(p)
	}
	if sess, ok := s.sessions[h]; ok {
		s.handleRequest(sess)
		return nil
	}
	return types.NewError(types.ErrCodeInvalidHandle, fmt.Sprintf("handle %s is not a port or session of this server", h))
}

func (s *Server) accept(p *port) error {
	h, err := s.substrate.AcceptSession(p.handle)
	if err != nil {
		if types.IsErrCode(err, types.ErrCodeNotReady) {
			return nil
		}
		return types.WrapError(types.CodeOf(err), fmt.Sprintf("failed to accept session on port %s", p.handle), err)
	}

	log := s.logger.With("port", p.handle.String(), "session", h.String())

	if uint32(len(s.sessions)) >= s.limits.MaxSessions {
		s.reject(h, rejectReasonLimit)
		log.Warn("Session rejected", "reason", rejectReasonLimit)
		return nil
	}

	obj, err := p.factory.newObject(s)
	if err != nil {
		s.stats.FactoryFailures++
		s.reject(h, rejectReasonFactory)
		log.Warn("Session rejected", "reason", rejectReasonFactory, "code", types.CodeOf(err).String(), "error", err)
		return nil
	}

	if err := s.bindSession(h, obj); err != nil {
		s.reject(h, rejectReasonBind)
		s.closeObject(obj, log)
		log.Warn("Session rejected", "reason", rejectReasonBind, "error", err)
		return nil
	}

	s.stats.SessionsAccepted++
	s.metrics.sessionsAccepted.Inc()
	log.Debug("Session accepted", "service", p.name)
	return nil
}

func (s *Server) reject(h kernel.Handle, reason string) {
	if err := s.substrate.CloseHandle(h); err != nil {
		s.logger.Warn("Failed to close rejected session", "session", h.String(), "error", err)
	}
	s.stats.SessionsRejected++
	s.metrics.sessionsRejected.WithLabelValues(reason).Inc()
}

func (s *Server) bindSession(h kernel.Handle, obj Object) error {
	if err := s.waiter.Add(h); err != nil {
		return err
	}
	s.sessions[h] = &session{handle: h, object: obj}
	s.metrics.activeSessions.Set(float64(len(s.sessions)))
	return nil
}

func (s *Server) handleRequest(sess *session) {
	m, err := s.substrate.Receive(sess.handle, s.pointerBuffer)
	if err != nil {
		switch {
		case types.IsErrCode(err, types.ErrCodeNotReady):
		case types.IsErrCode(err, types.ErrCodeSessionClosed):
			s.closeSession(sess, closeReasonPeer)
		default:
			s.logger.Warn("Receive failed", "session", sess.handle.String(), "error", err)
			s.closeSession(sess, closeReasonReceive)
		}
		return
	}
	if m.Type == kernel.MessageClose {
		s.closeSession(sess, closeReasonPeer)
		return
	}

	var (
		msg       *Message
		delivered *kernel.Reply
	)
	defer func() { s.releaseRequestHandles(m, msg, delivered) }()

	format := Format{Request: requestFormatOf(m)}
	if rf, ok := sess.object.(ResponseFormatter); ok {
		format.Response = rf.ResponseFormat(m.RequestID, format.Request)
	}

	tf := NewTransactionFormat(format)
	defer tf.Close()

	start := time.Now()
	if err := tf.Prepare(); err != nil {
		s.stats.Dispatched++
		s.metrics.observeDispatch(start, false)
		s.failSession(sess, m.RequestID, types.CodeOf(err), err)
		return
	}
	if err := tf.Load(m); err != nil {
		s.stats.Dispatched++
		s.metrics.observeDispatch(start, false)
		s.failSession(sess, m.RequestID, types.CodeOf(err), err)
		return
	}

	msg = &Message{server: s, session: sess.handle, requestID: m.RequestID, tf: tf}
	code, err := dispatchShim(sess.object, msg, m.RequestID)
	s.stats.Dispatched++
	s.metrics.observeDispatch(start, code.IsOk())

	children := tf.takeObjects()
	if !code.IsOk() {
		s.closeChildren(children)
		s.failSession(sess, m.RequestID, code, err)
		return
	}

	clients, err := s.bindChildren(children)
	if err != nil {
		s.logger.Warn("Failed to bind child objects", "session", sess.handle.String(), "error", err)
		s.closeSession(sess, closeReasonReply)
		return
	}

	reply := tf.reply(clients)
	if err := s.substrate.Reply(sess.handle, reply); err != nil {
		s.logger.Warn("Reply failed", "session", sess.handle.String(), "error", err)
		// child sessions see their peer close on the next pump
		for _, c := range clients {
			_ = s.substrate.CloseHandle(c)
		}
		s.closeSession(sess, closeReasonReply)
		return
	}
	delivered = reply
}

// releaseRequestHandles closes the handles that arrived with a request.
// The server owns them until the request completes; only handles taken by
// the object or moved out in a delivered reply survive.
func (s *Server) releaseRequestHandles(m *kernel.Message, msg *Message, delivered *kernel.Reply) {
	keep := make(map[kernel.Handle]bool)
	if msg != nil {
		for h := range msg.taken {
			keep[h] = true
		}
	}
	if delivered != nil {
		for _, h := range delivered.MoveHandles {
			keep[h] = true
		}
	}
	for _, hs := range [][]kernel.Handle{m.CopyHandles, m.MoveHandles} {
		for _, h := range hs {
			if !h.IsValid() || keep[h] {
				continue
			}
			keep[h] = true
			if err := s.substrate.CloseHandle(h); err != nil {
				s.logger.Warn("Failed to close request handle", "handle", h.String(), "error", err)
			}
		}
	}
}

// failSession records a failed dispatch and closes the session. Nothing is
// sent to the peer beyond the substrate's own close signal.
func (s *Server) failSession(sess *session, requestID uint32, code types.ResultCode, err error) {
	s.stats.DispatchFailures++
	s.logger.Debug("Dispatch failed",
		"session", sess.handle.String(),
		"request_id", requestID,
		"code", code.String(),
		"error", err)
	s.closeSession(sess, closeReasonDispatch)
}

// bindChildren gives each child object its own session and returns the
// client ends. On failure every child, bound or not, is closed.
func (s *Server) bindChildren(children []Object) ([]kernel.Handle, error) {
	if len(children) == 0 {
		return nil, nil
	}

	clients := make([]kernel.Handle, 0, len(children))
	bound := make([]*session, 0, len(children))
	fail := func(i int, err error) ([]kernel.Handle, error) {
		for _, b := range bound {
			s.closeSession(b, closeReasonReply)
		}
		for _, c := range clients {
			_ = s.substrate.CloseHandle(c)
		}
		s.closeChildren(children[i:])
		return nil, err
	}

	for i, obj := range children {
		if uint32(len(s.sessions)) >= s.limits.MaxSessions {
			return fail(i, types.NewError(types.ErrCodeOutOfSessions,
				fmt.Sprintf("session limit reached (%d)", s.limits.MaxSessions)))
		}
		server, client, err := s.substrate.CreateSession()
		if err != nil {
			return fail(i, err)
		}
		if err := s.bindSession(server, obj); err != nil {
			_ = s.substrate.CloseHandle(server)
			_ = s.substrate.CloseHandle(client)
			return fail(i, err)
		}
		bound = append(bound, s.sessions[server])
		clients = append(clients, client)
		s.stats.SessionsAccepted++
		s.metrics.sessionsAccepted.Inc()
	}
	return clients, nil
}

func (s *Server) closeChildren(children []Object) {
	for _, obj := range children {
		s.closeObject(obj, s.logger)
	}
}

func (s *Server) closeObject(obj Object, log *logger.Logger) {
	if err := obj.Close(); err != nil {
		log.Warn("Object close failed", "error", err)
	}
}

// CloseSession closes a session explicitly. Its object is closed exactly
// once.
func (s *Server) CloseSession(h kernel.Handle) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	sess, ok := s.sessions[h]
	if !ok {
		return types.NewError(types.ErrCodeInvalidHandle, fmt.Sprintf("session %s not found", h))
	}
	return s.closeSession(sess, closeReasonExplicit)
}

// closeSession unbinds the session before closing anything so the object
// can never be reached again.
func (s *Server) closeSession(sess *session, reason string) error {
	if _, ok := s.sessions[sess.handle]; !ok {
		return nil
	}
	delete(s.sessions, sess.handle)
	s.waiter.Remove(sess.handle)

	var errs []error
	if err := sess.object.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close object for session %s: %w", sess.handle, err))
	}
	if err := s.substrate.CloseHandle(sess.handle); err != nil {
		errs = append(errs, err)
	}

	s.stats.SessionsClosed++
	s.metrics.sessionsClosed.WithLabelValues(reason).Inc()
	s.metrics.activeSessions.Set(float64(len(s.sessions)))
	s.logger.Debug("Session closed", "session", sess.handle.String(), "reason", reason)

	return errors.Join(errs...)
}

// Destroy releases every factory, closes every session and port and
// destroys the substrate server. It is a no-op on a destroyed or moved
// server.
func (s *Server) Destroy() error {
	if !s.handle.IsValid() {
		return nil
	}

	var errs []error

	for bf := range s.factories {
		s.dropFactory(bf)
	}

	for _, sess := range s.sessions {
		if err := s.closeSession(sess, closeReasonDestroyed); err != nil {
			errs = append(errs, err)
		}
	}

	for h, p := range s.ports {
		s.waiter.Remove(h)
		if p.name != "" && s.services != nil {
			if err := s.services.UnregisterService(p.name); err != nil {
				errs = append(errs, err)
			}
		}
		if err := s.substrate.CloseHandle(h); err != nil {
			errs = append(errs, err)
		}
		delete(s.ports, h)
	}
	s.metrics.activePorts.Set(0)

	if err := s.substrate.DestroyServer(s.handle); err != nil {
		errs = append(errs, err)
	}
	s.metrics.unregister()

	s.logger.Info("IPC server destroyed", "handle", s.handle.String(), "stats", s.stats)
	s.handle = kernel.InvalidHandle

	return errors.Join(errs...)
}

// PortCount returns the number of bound ports
func (s *Server) PortCount() int {
	return len(s.ports)
}

// SessionCount returns the number of live sessions
func (s *Server) SessionCount() int {
	return len(s.sessions)
}

// FactoryCount returns the number of tracked factories
func (s *Server) FactoryCount() int {
	return len(s.factories)
}

// HasSession returns true if h is a live session of this server
func (s *Server) HasSession(h kernel.Handle) bool {
	_, ok := s.sessions[h]
	return ok
}

// HasPort returns true if h is a bound port of this server
func (s *Server) HasPort(h kernel.Handle) bool {
	_, ok := s.ports[h]
	return ok
}

// Stats returns server counters
func (s *Server) Stats() Stats {
	stats := s.stats
	stats.Ports = len(s.ports)
	stats.Sessions = len(s.sessions)
	stats.Factories = len(s.factories)
	return stats
}
