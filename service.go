package tentacle

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// defaultDialTimeout bounds a dial or handshake attempt when Config.Timeout
// is left zero.
const defaultDialTimeout = 10 * time.Second

// defaultMaxPendingHandshakes caps concurrent in-flight handshakes when
// Config.MaxPendingHandshakes is left zero (spec.md §5).
const defaultMaxPendingHandshakes = 50

// idlePollInterval bounds how long the reactor can sleep in its yield
// select with nothing pending; it exists only so a dial or accept that
// resolved without reaching nudge (there is none such path today, but the
// fallback costs nothing) is still picked up promptly.
const idlePollInterval = 250 * time.Millisecond

// Config configures a Service (spec.md §6 "embedding API").
type Config struct {
	// Protocols lists every protocol this node speaks. IDs must be unique.
	Protocols []ProtocolMeta
	// Handle observes service-wide lifecycle events and errors. Required.
	Handle ServiceHandle
	// KeyPair is this node's identity key. Nil means sessions are opened
	// with no cryptographic handshake and no remote identity.
	KeyPair *KeyPair
	// Transformer performs the encrypted handshake. Required when KeyPair
	// is set.
	Transformer HandshakeTransformer
	// SessionFactory builds the multiplexed Session for an authenticated
	// connection. Required.
	SessionFactory SessionFactory
	// RunForever keeps the reactor alive with no listeners, no sessions,
	// and no pending dials, instead of treating that as termination
	// (spec.md §4.8, original_source's `quick_shutdown` / persistent-node
	// mode).
	RunForever bool
	// Timeout bounds a single dial or handshake attempt. Defaults to 10s.
	Timeout time.Duration
	// MaxPendingHandshakes bounds concurrent in-flight handshakes.
	// Defaults to 50.
	MaxPendingHandshakes int64
	// Logger receives structured diagnostics. Defaults to a no-op logger.
	Logger *zap.Logger
}

// Service is the event reactor of spec.md §2: a single goroutine (Run) owns
// every mutable field below; everything else reaches it only by sending on
// serviceTasks or sessionEvents.
type Service struct {
	cfg    Config
	logger *zap.Logger
	runID  uuid.UUID

	protocolConfigs []ProtocolMeta
	protocolByID    map[ProtocolId]ProtocolMeta

	dials      *DialSet
	listens    *ListenSet
	handshakes *handshakeDriver // nil when cfg.KeyPair is nil

	sessions       *sessionRegistry
	sessionCancels map[SessionId]context.CancelFunc
	protoHandles   *protocolHandleRegistry
	serviceCtx     *ServiceContext
	handle         ServiceHandle

	taskCount int

	sessionEvents chan SessionEvent
	serviceTasks  chan ServiceTask
	wake          chan struct{}
	quit          chan struct{}
	done          chan struct{}

	tasksWG *errgroup.Group
}

// New validates cfg and builds a Service ready for Run.
func New(cfg Config) (*Service, error) {
	var problems *multierror.Error
	if cfg.Handle == nil {
		problems = multierror.Append(problems, fmt.Errorf("Config.Handle is required"))
	}
	if cfg.SessionFactory == nil {
		problems = multierror.Append(problems, fmt.Errorf("Config.SessionFactory is required"))
	}
	if cfg.KeyPair != nil && cfg.Transformer == nil {
		problems = multierror.Append(problems, fmt.Errorf("Config.Transformer is required when Config.KeyPair is set"))
	}
	for i, p := range cfg.Protocols {
		if p.SessionHandle == nil && p.ServiceHandle == nil {
			problems = multierror.Append(problems, fmt.Errorf("protocol %d (%s): must configure at least one of ServiceHandle or SessionHandle", i, p.Name))
		}
	}
	if err := problems.ErrorOrNil(); err != nil {
		return nil, fmt.Errorf("tentacle: invalid config: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultDialTimeout
	}
	if cfg.MaxPendingHandshakes <= 0 {
		cfg.MaxPendingHandshakes = defaultMaxPendingHandshakes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	protoByID := make(map[ProtocolId]ProtocolMeta, len(cfg.Protocols))
	protoInfo := make(map[ProtocolId]ProtocolInfo, len(cfg.Protocols))
	for _, p := range cfg.Protocols {
		if _, dup := protoByID[p.ID]; dup {
			return nil, fmt.Errorf("tentacle: duplicate protocol id %d", p.ID)
		}
		protoByID[p.ID] = p
		protoInfo[p.ID] = ProtocolInfo{Name: p.Name, SupportedVersions: p.SupportedVersions}
	}

	serviceTasks := make(chan ServiceTask, 4096)
	wake := make(chan struct{}, 1)

	s := &Service{
		cfg:             cfg,
		logger:          logger,
		runID:           uuid.New(),
		protocolConfigs: cfg.Protocols,
		protocolByID:    protoByID,
		dials:           NewDialSet(wake),
		listens:         newListenSet(logger, wake),
		sessions:        newSessionRegistry(),
		sessionCancels:  make(map[SessionId]context.CancelFunc),
		protoHandles:    newProtocolHandleRegistry(),
		handle:          cfg.Handle,
		sessionEvents:   make(chan SessionEvent, 4096),
		serviceTasks:    serviceTasks,
		wake:            wake,
		quit:            make(chan struct{}),
		done:            make(chan struct{}),
	}
	s.serviceCtx = newServiceContext(ControlHandle{tasks: serviceTasks}, protoInfo)

	if cfg.KeyPair != nil {
		s.handshakes = newHandshakeDriver(cfg.Transformer, cfg.KeyPair, cfg.Timeout, cfg.MaxPendingHandshakes, logger)
	}

	if cfg.RunForever {
		s.taskCount = 1
	}

	return s, nil
}

// Control returns the handle used to submit ServiceTasks from outside Run.
func (s *Service) Control() ControlHandle { return s.serviceCtx.Control() }

// Listen binds address, starting its accept loop immediately; Run need not
// be started first. It returns the bound address with any wildcard port
// resolved.
func (s *Service) Listen(address Addr) (Addr, error) {
	bound, err := s.listens.Listen(address)
	if err != nil {
		return nil, err
	}
	s.serviceCtx.updateListens(s.listens.Addresses())
	return bound, nil
}

// Dial enqueues an outbound connection attempt to address, deduplicated by
// literal address against any attempt already in flight (spec.md §4.1).
func (s *Service) Dial(address Addr) {
	if s.dials.Enqueue(address, s.cfg.Timeout) {
		s.incrTaskCount()
	}
}

func (s *Service) incrTaskCount() { s.taskCount++ }

func (s *Service) decrTaskCount() {
	if s.cfg.RunForever && s.taskCount <= 1 {
		return
	}
	if s.taskCount > 0 {
		s.taskCount--
	}
}

// terminated reports whether the reactor has nothing left to do
// (spec.md §4.8): no listeners, no sessions, and no pending dials. A
// RunForever service never terminates this way.
func (s *Service) terminated() bool {
	if s.cfg.RunForever {
		return false
	}
	return s.listens.Len() == 0 && s.sessions.len() == 0 && s.taskCount == 0 && s.dials.Len() == 0
}

// drive hands a freshly connected socket to the handshake driver, or opens
// the session immediately when no identity key is configured
// (spec.md §4.3). The TCP-connect resolution itself was already accounted
// for by DialSet; an outbound attempt's task_count slot is only released
// once the attempt's handshake (or, here, its absence) has also resolved
// and session_open has been attempted (spec.md §4.3, scenario S2).
func (s *Service) drive(conn net.Conn, address Addr, direction Direction) {
	if s.handshakes != nil {
		s.handshakes.drive(conn, address, direction, s.sessionEvents, s.tasksWG)
		return
	}
	s.sessionOpen(conn, nil, address, direction)
	if direction == Outbound {
		s.decrTaskCount()
	}
}

// handleSessionEvent is the Router of spec.md §4.7 for events arriving from
// sessions and the handshake driver.
func (s *Service) handleSessionEvent(ev SessionEvent) {
	switch ev.Kind {
	case EvHandshakeSuccess:
		s.sessionOpen(ev.Conn, ev.RemotePubKey, ev.Address, ev.Direction)
		// Decremented after session_open is attempted, not when the dial
		// or handshake merely succeeds (spec.md §4.3).
		if ev.Direction == Outbound {
			s.decrTaskCount()
		}
	case EvHandshakeFail:
		// Only an outbound failure is reported to the handle. An inbound
		// handshake failure never reaches HandleError: anyone can dial a
		// listener and fail the handshake, and surfacing every such probe
		// as a service error would make it indistinguishable from a real
		// fault (resolved from original_source/src/service.rs, whose
		// HandshakeFail arm only calls handle.handle_error on the Client
		// side).
		if ev.Direction == Outbound {
			// Outbound failures were counted in task_count; inbound
			// failures never were (spec.md §4.3).
			s.decrTaskCount()
			s.handle.HandleError(s.serviceCtx, DialerError(ev.Address, ev.Err))
		}
	case EvSessionClose:
		s.sessionClose(ev.SessionID)
	case EvProtocolOpen:
		s.protocolOpen(ev.SessionID, ev.ProtoID, ev.Version)
	case EvProtocolMessage:
		s.protocolMessage(ev.SessionID, ev.ProtoID, ev.Data)
	case EvProtocolClose:
		s.protocolClose(ev.SessionID, ev.ProtoID)
	}
}

// handleServiceTask is the Router of spec.md §4.7 for tasks submitted
// through a ControlHandle.
func (s *Service) handleServiceTask(t ServiceTask) {
	switch t.Kind {
	case ProtocolMessageTask:
		targets := t.SessionIDs
		if targets == nil {
			for _, ctx := range s.sessions.all() {
				targets = append(targets, ctx.ID)
			}
		}
		for _, id := range targets {
			ctx, ok := s.sessions.get(id)
			if !ok {
				continue
			}
			select {
			case ctx.control <- SessionControlEvent{Kind: CtrlProtocolMessage, ProtoID: t.ProtoID, Data: t.Data}:
			default:
				s.logger.Debug("dropping protocol message, session control channel full",
					zap.Uint64("session", uint64(id)), zap.Uint64("proto", uint64(t.ProtoID)))
			}
		}
	case ProtocolNotifyTask:
		if handle, ok := s.protoHandles.serviceHandles[t.ProtoID]; ok {
			handle.Notify(s.serviceCtx, t.Token)
		}
	case ProtocolSessionNotifyTask:
		if handle, ok := s.protoHandles.sessionHandle(t.SessionID, t.ProtoID); ok {
			handle.Notify(s.serviceCtx, t.Token)
		} else {
			// The handler no longer exists (protocol or session already
			// closed); drop any notify sender still registered for this
			// key rather than leaving it ticking forever (spec.md §4.7,
			// original_source/src/service.rs's matching else branch).
			s.serviceCtx.RemoveSessionNotifySenders(t.SessionID, t.ProtoID)
		}
	case FutureTaskKind:
		if t.Future != nil {
			s.tasksWG.Go(func() error { t.Future(); return nil })
		}
	case DisconnectTask:
		s.sessionClose(t.SessionID)
	case DialTask:
		s.Dial(t.Address)
	}
}

// Close asks a running reactor to shut down and return from Run.
func (s *Service) Close() {
	select {
	case <-s.quit:
	default:
		close(s.quit)
	}
}

// Done returns a channel closed once Run has fully returned.
func (s *Service) Done() <-chan struct{} { return s.done }

// Run drives the event reactor until ctx is cancelled, Close is called, or
// the service terminates (spec.md §4.8). It must be called at most once.
func (s *Service) Run(ctx context.Context) error {
	defer close(s.done)

	s.tasksWG = &errgroup.Group{}

	s.logger.Info("reactor starting", zap.String("run_id", s.runID.String()), zap.Int("protocols", len(s.protocolConfigs)))
	defer s.logger.Info("reactor stopped", zap.String("run_id", s.runID.String()))

	for {
		if s.terminated() {
			s.shutdown()
			return nil
		}

		ready, failedDials := s.dials.PollAll()
		for _, r := range ready {
			// task_count stays held until the handshake (or its absence)
			// resolves; see drive and handleSessionEvent (spec.md §4.3).
			s.drive(r.Conn, r.Address, Outbound)
		}
		for _, f := range failedDials {
			// The TCP connect itself failed or timed out, so there is no
			// handshake to wait on; release the slot here.
			s.decrTaskCount()
			s.handle.HandleError(s.serviceCtx, DialerError(f.Address, f.Err))
		}

		accepted, failedListens := s.listens.PollAll()
		for _, a := range accepted {
			s.drive(a.Conn, a.Address, Inbound)
		}
		if len(failedListens) > 0 {
			for _, f := range failedListens {
				s.handle.HandleError(s.serviceCtx, ListenError(f.Address, f.Err))
			}
			s.serviceCtx.updateListens(s.listens.Addresses())
		}

		s.drainSessionEvents()
		s.drainServiceTasks()

		if s.terminated() {
			s.shutdown()
			return nil
		}

		select {
		case <-ctx.Done():
			s.shutdown()
			return ctx.Err()
		case <-s.quit:
			s.shutdown()
			return nil
		case <-s.wake:
		case ev := <-s.sessionEvents:
			s.handleSessionEvent(ev)
		case t := <-s.serviceTasks:
			s.handleServiceTask(t)
		case <-time.After(idlePollInterval):
		}
	}
}

func (s *Service) drainSessionEvents() {
	for {
		select {
		case ev := <-s.sessionEvents:
			s.handleSessionEvent(ev)
		default:
			return
		}
	}
}

func (s *Service) drainServiceTasks() {
	for {
		select {
		case t := <-s.serviceTasks:
			s.handleServiceTask(t)
		default:
			return
		}
	}
}

// shutdown tears down every listener and live session and waits for
// in-flight session/handshake goroutines to return.
func (s *Service) shutdown() {
	if err := s.listens.CloseAll(); err != nil {
		s.logger.Warn("error closing listeners", zap.Error(err))
	}
	for _, ctx := range s.sessions.all() {
		select {
		case ctx.control <- SessionControlEvent{Kind: CtrlClose}:
		default:
		}
		if cancel, ok := s.sessionCancels[ctx.ID]; ok {
			cancel()
		}
	}
	if s.tasksWG != nil {
		_ = s.tasksWG.Wait()
	}
}
