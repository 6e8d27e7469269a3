package session

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ContainerReleaser stops and removes a session's backing container. The
// orchestrator is the only writer of container lifecycle state; the registry
// asks it to release resources and treats "already gone" as success.
type ContainerReleaser interface {
	ReleaseContainer(ctx context.Context, containerID string) error
}

// AuditRecorder persists session start/end events. Implementations must be
// safe for concurrent use; a nil recorder disables auditing.
type AuditRecorder interface {
	SessionStarted(id, containerID, remoteAddr string)
	SessionEnded(id string, reason Reason)
}

// Config carries the lifecycle durations and ring capacity for new sessions.
type Config struct {
	// StartDeadline bounds how long a session may take from creation to
	// Active before it is torn down (covers wedged provisioning).
	StartDeadline time.Duration
	// IdleTimeout terminates a session that receives no client input.
	IdleTimeout time.Duration
	// GraceWindow keeps a disconnected session resumable.
	GraceWindow time.Duration
	// RingBytes is the output replay buffer capacity.
	RingBytes int
}

// Registry is the single source of truth for live sessions. Its reported
// count always equals the number of non-terminated sessions: Terminate is the
// only code path that removes an entry, and it also releases the socket,
// exec stream and container.
type Registry struct {
	cfg      Config
	releaser ContainerReleaser
	recorder AuditRecorder

	mu       sync.Mutex
	sessions map[string]*Session
	pending  int
}

func NewRegistry(cfg Config, releaser ContainerReleaser, recorder AuditRecorder) *Registry {
	return &Registry{
		cfg:      cfg,
		releaser: releaser,
		recorder: recorder,
		sessions: make(map[string]*Session),
	}
}

// Count returns the number of live (non-terminated) sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Reserve claims an admission slot before the handshake begins. Connections
// mid-handshake have no registry entry yet, so the cap is enforced against
// live sessions plus outstanding reservations; without this, N concurrent
// handshakes would each see a non-full registry and all be admitted. Create
// consumes the reservation; a caller that fails before Create must call
// Unreserve.
func (r *Registry) Reserve(max int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending+len(r.sessions) >= max {
		return false
	}
	r.pending++
	return true
}

// Unreserve returns an admission slot that never became a session.
func (r *Registry) Unreserve() {
	r.mu.Lock()
	if r.pending > 0 {
		r.pending--
	}
	r.mu.Unlock()
}

// Get returns a live session by id, or nil.
func (r *Registry) Get(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

// List returns snapshots of all live sessions.
func (r *Registry) List() []Info {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Snapshot())
	}
	return infos
}

// Create registers a new session for an authenticated connection. The session
// starts in AwaitingAuth with the start deadline armed; it must reach Active
// before the deadline or it is terminated.
func (r *Registry) Create(fingerprint, remoteAddr string) *Session {
	now := time.Now()
	s := &Session{
		ID:           uuid.New().String(),
		CreatedAt:    now,
		RemoteAddr:   remoteAddr,
		fingerprint:  fingerprint,
		ring:         NewOutputRing(r.cfg.RingBytes),
		state:        StateAwaitingAuth,
		idleWindow:   r.cfg.IdleTimeout,
		lastActivity: now,
	}
	s.startTimer = time.AfterFunc(r.cfg.StartDeadline, func() {
		r.Terminate(s, ReasonStartTimeout)
	})

	r.mu.Lock()
	r.sessions[s.ID] = s
	if r.pending > 0 {
		r.pending--
	}
	r.mu.Unlock()
	return s
}

// Resume returns the session with the given id if it is resumable (active or
// in its grace window) and the presented fingerprint matches its stored one.
// Unknown ids, mismatches and unresumable states are indistinguishable to the
// caller: all return nil.
func (r *Registry) Resume(id, fingerprint string) *Session {
	s := r.Get(id)
	if s == nil || !s.MatchesFingerprint(fingerprint) {
		return nil
	}
	switch s.State() {
	case StateActive, StateGraceDisconnected:
		return s
	}
	return nil
}

// BeginProvision moves a freshly created session into Provisioning.
func (r *Registry) BeginProvision(s *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAwaitingAuth {
		return false
	}
	s.state = StateProvisioning
	return true
}

// AttachContainer records the backing container so termination can release
// it. Returns false if the session terminated while the container was being
// created; the caller still owns the container in that case and must release
// it itself.
func (r *Registry) AttachContainer(s *Session, containerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateTerminated {
		return false
	}
	s.containerID = containerID
	return true
}

// Activate binds the first socket and the exec stream, completing
// provisioning: the start deadline is cancelled and the inactivity timer
// armed. Returns false if the session terminated in the meantime; the caller
// then owns the connection and stream.
func (r *Registry) Activate(s *Session, c ClientConn, exec ExecStream) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateTerminated {
		return false
	}
	s.client = c
	s.exec = exec
	s.state = StateActive
	s.lastActivity = time.Now()
	if s.startTimer != nil {
		s.startTimer.Stop()
		s.startTimer = nil
	}
	s.idleTimer = time.AfterFunc(r.cfg.IdleTimeout, func() {
		r.Terminate(s, ReasonIdle)
	})
	if r.recorder != nil {
		r.recorder.SessionStarted(s.ID, s.containerID, s.RemoteAddr)
	}
	return true
}

// Bind attaches a new socket to an existing session (resume or supersession).
// Any previously bound socket is severed with a superseded notice. The new
// connection always wins, whether or not the server had noticed the old one
// was dead. onBound, when non-nil, runs once the bind is won and before the
// replay, so callers can announce success without racing termination.
// Buffered output is replayed to the new socket before any live bytes: the
// replay happens under the session lock that also serializes ForwardOutput.
func (r *Registry) Bind(s *Session, c ClientConn, onBound func()) bool {
	s.mu.Lock()
	if s.state == StateTerminated {
		s.mu.Unlock()
		return false
	}
	prev := s.client
	s.client = c
	if s.state == StateGraceDisconnected {
		s.state = StateActive
		if s.graceTimer != nil {
			s.graceTimer.Stop()
			s.graceTimer = nil
		}
	}
	s.lastActivity = time.Now()
	if s.idleTimer != nil {
		s.idleTimer.Reset(r.cfg.IdleTimeout)
	}
	if onBound != nil {
		onBound()
	}
	if history := s.ring.Snapshot(); len(history) > 0 {
		_ = c.WriteOutput(history)
	}
	s.mu.Unlock()

	if prev != nil {
		prev.End(ReasonSuperseded)
	}
	return true
}

// Detach unbinds a socket after it closed or errored. If the socket is still
// the owner and the session is otherwise healthy, the session enters the
// grace window instead of being destroyed. A socket that was already
// superseded is ignored.
func (r *Registry) Detach(s *Session, c ClientConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != c {
		return
	}
	s.client = nil
	if s.state != StateActive {
		return
	}
	s.state = StateGraceDisconnected
	s.disconnectedAt = time.Now()
	s.graceTimer = time.AfterFunc(r.cfg.GraceWindow, func() {
		r.Terminate(s, ReasonGraceExpired)
	})
}

// Terminate is the single exit path for a session. Socket close, socket
// error, exec stream close, exec stream error and timer expiry all race to
// call it; the state guard ensures only the first caller does work and the
// rest observe a no-op. Cleanup tolerates resources that are already gone.
func (r *Registry) Terminate(s *Session, reason Reason) {
	s.mu.Lock()
	if s.state == StateTerminated {
		s.mu.Unlock()
		return
	}
	s.state = StateTerminated
	for _, t := range []*time.Timer{s.startTimer, s.idleTimer, s.graceTimer} {
		if t != nil {
			t.Stop()
		}
	}
	s.startTimer, s.idleTimer, s.graceTimer = nil, nil, nil
	client := s.client
	exec := s.exec
	containerID := s.containerID
	s.client = nil
	s.exec = nil
	s.mu.Unlock()

	if client != nil {
		client.End(reason)
	}
	if exec != nil {
		if err := exec.Close(); err != nil {
			log.Printf("[registry] session %s: exec close: %v", s.ID, err)
		}
	}
	if containerID != "" && r.releaser != nil {
		if err := r.releaser.ReleaseContainer(context.Background(), containerID); err != nil {
			log.Printf("[registry] session %s: release container %s: %v", s.ID, containerID, err)
		}
	}

	r.mu.Lock()
	delete(r.sessions, s.ID)
	r.mu.Unlock()

	if r.recorder != nil {
		r.recorder.SessionEnded(s.ID, reason)
	}
	log.Printf("[registry] session %s terminated: %s", s.ID, reason)
}

// DrainAll terminates every live session concurrently and returns when all
// cleanup has finished. Callers bound the wait themselves.
func (r *Registry) DrainAll(reason Reason) {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			r.Terminate(s, reason)
		}(s)
	}
	wg.Wait()
}

// IsLive reports whether the given session id is present in the registry.
// The periodic orphan sweep uses this to avoid touching containers that
// belong to running sessions.
func (r *Registry) IsLive(id string) bool {
	return r.Get(id) != nil
}
