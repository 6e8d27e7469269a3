package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/shellgate/shellgate/internal/auth"
	"github.com/shellgate/shellgate/internal/bridge"
	"github.com/shellgate/shellgate/internal/config"
	"github.com/shellgate/shellgate/internal/logutil"
	"github.com/shellgate/shellgate/internal/session"
)

// Close codes for the terminal WebSocket. Clients treat every one of these
// as non-recoverable and must not auto-reconnect.
const (
	CloseProtocolViolation websocket.StatusCode = 4400
	CloseAuthFailed        websocket.StatusCode = 4401
	CloseIdleTimeout       websocket.StatusCode = 4408
	CloseSuperseded        websocket.StatusCode = 4409
	CloseTerminated        websocket.StatusCode = 4410
	CloseCapacity          websocket.StatusCode = 4429
	CloseServerError       websocket.StatusCode = 4500
)

// terminalRateLimit is the maximum number of input messages per second per
// connection; terminalRateBurst allows short bursts (paste operations)
// before messages are dropped.
const (
	terminalRateLimit = 200
	terminalRateBurst = 200
)

// writeTimeout bounds every outbound WebSocket write. Timer-driven
// terminations outlive the HTTP request, so writes use their own contexts.
const writeTimeout = 10 * time.Second

// Wiring set from main.go during init.
var (
	Registry       *session.Registry
	Sandbox        Provisioner
	TokenValidator auth.Validator = auth.PresenceValidator{}
)

// ShellStream is an attached shell: stdin/resize/close via session.ExecStream
// plus the raw multiplexed output stream for the bridge to decode.
type ShellStream interface {
	session.ExecStream
	Output() io.Reader
}

// Provisioner is the orchestrator surface the connection manager needs.
type Provisioner interface {
	CreateContainer(ctx context.Context, sessionID string, creds auth.Credentials) (string, error)
	AttachShell(ctx context.Context, containerID string) (ShellStream, error)
	ReleaseContainer(ctx context.Context, containerID string) error
}

// authMessage is the required first client message.
type authMessage struct {
	APIKey               string            `json:"apiKey"`
	AccessToken          string            `json:"accessToken"`
	EnvironmentVariables map[string]string `json:"environmentVariables"`
	SessionID            string            `json:"sessionId"`
}

// controlMsg covers the one recognized in-band control payload. Anything
// that does not match the resize shape is shell input, byte for byte.
type controlMsg struct {
	Type string `json:"type"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

type statusMsg struct {
	Type    string `json:"type"`
	Payload string `json:"payload"`
	Reason  string `json:"reason,omitempty"`
}

type helloMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

type sessionEndMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// TerminalWS handles the terminal WebSocket. The first message within the
// authentication deadline must be an authMessage; afterwards text frames are
// checked for resize directives and everything else is relayed to the shell.
func TerminalWS(w http.ResponseWriter, r *http.Request) {
	// The slot is reserved before the handshake so connections that are
	// still authenticating count against the cap. It is returned on every
	// path that does not create a session.
	if !Registry.Reserve(config.Cfg.MaxSessions) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		conn.Close(CloseCapacity, "session capacity exceeded")
		return
	}
	reserved := true
	defer func() {
		if reserved {
			Registry.Unreserve()
		}
	}()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("Failed to accept terminal websocket: %v", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(1024 * 1024)

	ctx := r.Context()
	sendJSON(ctx, conn, statusMsg{Type: "status", Payload: "connecting"})

	msg, ok := readAuthMessage(ctx, conn)
	if !ok {
		return
	}

	creds := auth.Credentials{
		APIKey:      msg.APIKey,
		AccessToken: msg.AccessToken,
		Env:         msg.EnvironmentVariables,
	}
	if err := TokenValidator.Validate(ctx, creds); err != nil {
		conn.Close(CloseAuthFailed, "authentication failed")
		return
	}
	fingerprint := creds.Fingerprint()

	if msg.SessionID != "" {
		if sess := Registry.Resume(msg.SessionID, fingerprint); sess != nil {
			// The resumed session is already counted as live.
			Registry.Unreserve()
			reserved = false
			resumeSession(ctx, conn, sess)
			return
		}
		// Unknown id, fingerprint mismatch, or already terminated: start a
		// fresh session. Never an error that would confirm the id existed.
		log.Printf("Resume declined for presented session id %s, creating new session",
			logutil.SanitizeForLog(msg.SessionID))
	}

	// Create consumes the reservation.
	reserved = false
	startSession(ctx, conn, r.RemoteAddr, fingerprint, creds)
}

// readAuthMessage waits for the single authentication message. On timeout,
// parse failure or missing fields the socket is closed and no session is
// created.
func readAuthMessage(ctx context.Context, conn *websocket.Conn) (authMessage, bool) {
	authCtx, cancel := context.WithTimeout(ctx, config.Cfg.AuthTimeout)
	defer cancel()

	var msg authMessage
	_, data, err := conn.Read(authCtx)
	if err != nil {
		conn.Close(CloseAuthFailed, "authentication timed out")
		return msg, false
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		conn.Close(CloseProtocolViolation, "malformed authentication message")
		return msg, false
	}
	if msg.APIKey == "" || msg.AccessToken == "" {
		conn.Close(CloseAuthFailed, "authentication failed")
		return msg, false
	}
	return msg, true
}

// startSession provisions a sandbox and binds the connection to a brand-new
// session. Any provisioning failure guarantees no orphaned container is left
// behind.
func startSession(ctx context.Context, conn *websocket.Conn, remoteAddr, fingerprint string, creds auth.Credentials) {
	sess := Registry.Create(fingerprint, remoteAddr)
	log.Printf("Terminal session created: session=%s remote=%s", sess.ID, remoteAddr)

	sendJSON(ctx, conn, helloMsg{Type: "hello", SessionID: sess.ID})

	if !Registry.BeginProvision(sess) {
		conn.Close(CloseServerError, "session expired before provisioning")
		return
	}

	containerID, err := Sandbox.CreateContainer(ctx, sess.ID, creds)
	if err != nil {
		log.Printf("Sandbox create failed: session=%s: %v", sess.ID, err)
		sendJSON(ctx, conn, sessionEndMsg{Type: "session_end", Reason: string(session.ReasonProvisionFailed)})
		conn.Close(CloseServerError, "failed to provision sandbox")
		Registry.Terminate(sess, session.ReasonProvisionFailed)
		return
	}
	if !Registry.AttachContainer(sess, containerID) {
		// The session was torn down while the container was being created;
		// the container is ours to clean up.
		if err := Sandbox.ReleaseContainer(context.Background(), containerID); err != nil {
			log.Printf("Release orphaned container %s: %v", containerID, err)
		}
		conn.Close(CloseTerminated, "session terminated")
		return
	}

	shell, err := Sandbox.AttachShell(ctx, containerID)
	if err != nil {
		log.Printf("Shell attach failed: session=%s container=%s: %v", sess.ID, containerID, err)
		sendJSON(ctx, conn, sessionEndMsg{Type: "session_end", Reason: string(session.ReasonProvisionFailed)})
		conn.Close(CloseServerError, "failed to provision sandbox")
		Registry.Terminate(sess, session.ReasonProvisionFailed)
		return
	}

	client := newWSClient(conn)
	if !Registry.Activate(sess, client, shell) {
		shell.Close()
		conn.Close(CloseTerminated, "session terminated")
		return
	}

	// Decoded stdout flows into the session (ring + bound socket) for the
	// life of the shell, across reconnects. The pump starts only after the
	// first socket is bound so no early output bypasses it, and stream
	// failure on either side converges on the single Terminate path.
	go func() {
		if err := bridge.CopyOutput(shell.Output(), sess.ForwardOutput); err != nil {
			log.Printf("Exec stream failed: session=%s: %v", sess.ID, err)
			Registry.Terminate(sess, session.ReasonStreamError)
			return
		}
		Registry.Terminate(sess, session.ReasonShellExited)
	}()

	sendJSON(ctx, conn, statusMsg{Type: "status", Payload: "connected"})
	log.Printf("Terminal session active: session=%s container=%s", sess.ID, containerID)

	inputLoop(ctx, conn, sess)
	Registry.Detach(sess, client)
}

// resumeSession rebinds a connection to an existing session. The new socket
// supersedes any previous one, and buffered output is replayed before live
// traffic resumes.
func resumeSession(ctx context.Context, conn *websocket.Conn, sess *session.Session) {
	client := newWSClient(conn)
	// Envelopes go out only once the bind is won; a bind that lost to
	// termination sends nothing.
	bound := Registry.Bind(sess, client, func() {
		sendJSON(ctx, conn, helloMsg{Type: "hello", SessionID: sess.ID})
		sendJSON(ctx, conn, statusMsg{Type: "status", Payload: "connected"})
	})
	if !bound {
		conn.Close(CloseTerminated, "session terminated")
		return
	}
	log.Printf("Terminal session resumed: session=%s", sess.ID)

	inputLoop(ctx, conn, sess)
	Registry.Detach(sess, client)
}

// inputLoop relays browser messages to the shell until the socket closes or
// errors. Text frames are checked for the resize shape; everything else is
// keystrokes.
func inputLoop(ctx context.Context, conn *websocket.Conn, sess *session.Session) {
	limiter := newTokenBucket(terminalRateBurst, terminalRateLimit)
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		if !limiter.allow() {
			continue
		}
		if len(data) > bridge.MaxInputMessageSize {
			log.Printf("Terminal input message too large: session=%s size=%d limit=%d",
				sess.ID, len(data), bridge.MaxInputMessageSize)
			continue
		}

		if msgType == websocket.MessageText && handleControl(sess, data) {
			continue
		}
		if err := sess.WriteInput(data); err != nil {
			return
		}
	}
}

// handleControl reports whether data was a recognized control payload. A
// resize with non-positive dimensions is a protocol error: logged and
// dropped, never forwarded as keystrokes and never fatal to the session.
func handleControl(sess *session.Session, data []byte) bool {
	var msg controlMsg
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type != "resize" {
		return false
	}
	if msg.Cols <= 0 || msg.Rows <= 0 {
		log.Printf("Ignoring resize with non-positive dimensions: session=%s cols=%d rows=%d",
			sess.ID, msg.Cols, msg.Rows)
		return true
	}
	cols, rows := bridge.ClampResize(msg.Cols, msg.Rows)
	if err := sess.Resize(cols, rows); err != nil {
		log.Printf("Terminal resize failed: session=%s: %v", sess.ID, err)
	}
	return true
}

func sendJSON(ctx context.Context, conn *websocket.Conn, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	conn.Write(wctx, websocket.MessageText, data)
}
