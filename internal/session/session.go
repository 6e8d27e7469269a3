// Package session owns the lifecycle of browser terminal sessions: the
// registry of live sessions, the per-session state machine, the bounded
// output ring used for reconnection replay, and the timers that drive
// termination. All lifecycle transitions go through Registry methods so the
// invariants (single bound socket, terminate-exactly-once, count never
// drifting from reality) are enforced in one place.
package session

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/shellgate/shellgate/internal/auth"
)

// State is the lifecycle state of a session.
type State string

const (
	// StateAwaitingAuth covers the window between the authenticated handshake
	// and the start of provisioning.
	StateAwaitingAuth State = "awaiting_auth"
	// StateProvisioning means the sandbox container and exec stream are being
	// set up.
	StateProvisioning State = "provisioning"
	// StateActive means a socket is bound and bytes are flowing.
	StateActive State = "active"
	// StateGraceDisconnected means the socket dropped but the shell is kept
	// alive for the resume window.
	StateGraceDisconnected State = "grace_disconnected"
	// StateTerminated is terminal; the session is gone from the registry.
	StateTerminated State = "terminated"
)

// Reason explains why a session ended. It is sent to the client in the
// session_end envelope and recorded in the audit trail.
type Reason string

const (
	ReasonStartTimeout    Reason = "session did not become active in time"
	ReasonProvisionFailed Reason = "failed to provision sandbox"
	ReasonIdle            Reason = "inactivity timeout"
	ReasonGraceExpired    Reason = "resume window expired"
	ReasonShellExited     Reason = "shell exited"
	ReasonStreamError     Reason = "exec stream error"
	ReasonSuperseded      Reason = "superseded by a newer connection"
	ReasonShutdown        Reason = "server shutting down"
	ReasonOperator        Reason = "terminated by operator"
)

// ClientConn is the session's view of a bound WebSocket connection.
type ClientConn interface {
	// WriteOutput delivers decoded terminal output to the browser.
	WriteOutput(p []byte) error
	// End notifies the client of the termination reason and closes the
	// connection. It must be safe to call more than once.
	End(reason Reason)
}

// ExecStream is the session's view of the attached shell process.
type ExecStream interface {
	io.Writer
	Resize(cols, rows uint16) error
	Close() error
}

// ErrNotActive is returned when input arrives for a session that has no
// attached shell (still provisioning, or already terminated).
var ErrNotActive = errors.New("session is not active")

// Session is one logical browser-visible terminal: one container, one exec
// stream, addressable by a stable id across reconnects. Lifecycle fields are
// mutated only by Registry methods; the data-path methods below touch only
// what they must under the session lock.
type Session struct {
	ID         string
	CreatedAt  time.Time
	RemoteAddr string

	fingerprint string
	ring        *OutputRing

	inMu sync.Mutex // serializes writes to the exec stream

	mu             sync.Mutex
	state          State
	idleWindow     time.Duration
	client         ClientConn
	exec           ExecStream
	containerID    string
	lastActivity   time.Time
	disconnectedAt time.Time
	startTimer     *time.Timer
	idleTimer      *time.Timer
	graceTimer     *time.Timer
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ContainerID returns the backing container id, or "" before provisioning.
func (s *Session) ContainerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.containerID
}

// LastActivity returns the time of the last client-originated data.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Connected reports whether a socket is currently bound.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client != nil
}

// MatchesFingerprint compares the presented credential fingerprint against
// the one captured at session creation, in constant time.
func (s *Session) MatchesFingerprint(fp string) bool {
	return auth.FingerprintsEqual(s.fingerprint, fp)
}

// ForwardOutput appends decoded shell output to the ring and, when a socket
// is bound, relays it to the client. Ring append and client write happen
// under the session lock so a reconnect replay can never duplicate or drop
// bytes relative to the live stream.
func (s *Session) ForwardOutput(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateTerminated {
		return
	}
	s.ring.Write(p)
	if s.client != nil {
		// A write failure here surfaces as a read error on the socket's
		// input loop, which drives the normal detach path.
		_ = s.client.WriteOutput(p)
	}
}

// WriteInput forwards client keystrokes to the shell and refreshes the
// inactivity deadline.
func (s *Session) WriteInput(p []byte) error {
	s.mu.Lock()
	if s.exec == nil || s.state == StateTerminated {
		s.mu.Unlock()
		return ErrNotActive
	}
	exec := s.exec
	s.lastActivity = time.Now()
	if s.idleTimer != nil {
		s.idleTimer.Reset(s.idleWindow)
	}
	s.mu.Unlock()

	s.inMu.Lock()
	defer s.inMu.Unlock()
	_, err := exec.Write(p)
	return err
}

// Resize applies new pseudo-terminal dimensions. Failures are reported to the
// caller for logging and are never fatal to the session.
func (s *Session) Resize(cols, rows uint16) error {
	s.mu.Lock()
	exec := s.exec
	s.mu.Unlock()
	if exec == nil {
		return ErrNotActive
	}
	return exec.Resize(cols, rows)
}

// Info is a read-only snapshot of a session for the admin API.
type Info struct {
	ID             string    `json:"id"`
	State          State     `json:"state"`
	ContainerID    string    `json:"container_id"`
	Connected      bool      `json:"connected"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Snapshot returns the session's current Info.
func (s *Session) Snapshot() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:             s.ID,
		State:          s.state,
		ContainerID:    s.containerID,
		Connected:      s.client != nil,
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.lastActivity,
	}
}
