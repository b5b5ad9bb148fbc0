// Package ingest accepts contributed media over WebSocket and feeds it to
// the broadcast's relay process. One connection is one session; the relay
// is spawned lazily on the first media frame so a contributor can connect
// and probe before going live.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"tribecast/internal/transcode"
)

// maxFrameBytes bounds a single contributed frame.
const maxFrameBytes = 100 << 20

const readyMessage = "ready"

// TokenVerifier validates an ingest token and returns the profile it was
// issued for. auth.TokenService satisfies it.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// EgressStarter spawns the relay process for a profile's active broadcast.
// The broadcast coordinator satisfies it.
type EgressStarter interface {
	StartEgress(ctx context.Context, profileID string) (transcode.Process, error)
}

// Observer receives session lifecycle notifications. The metrics recorder
// satisfies it.
type Observer interface {
	SessionOpened()
	SessionClosed()
	FrameForwarded(bytes int)
}

type nopObserver struct{}

func (nopObserver) SessionOpened() {}

func (nopObserver) SessionClosed() {}

func (nopObserver) FrameForwarded(int) {}

// Controller terminates ingest WebSocket connections.
type Controller struct {
	verifier TokenVerifier
	egress   EgressStarter
	observer Observer
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewController constructs the controller. observer may be nil.
func NewController(verifier TokenVerifier, egress EgressStarter, observer Observer, logger *slog.Logger) *Controller {
	if observer == nil {
		observer = nopObserver{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		verifier: verifier,
		egress:   egress,
		observer: observer,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 << 10,
			WriteBufferSize: 64 << 10,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP authenticates the request and, only then, upgrades it. A missing
// or invalid token, or a profile mismatch, is rejected before any message is
// read.
func (c *Controller) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	profileID := strings.TrimSpace(r.URL.Query().Get("profile"))
	if token == "" || profileID == "" {
		http.Error(w, "token and profile are required", http.StatusUnauthorized)
		return
	}
	subject, err := c.verifier.Verify(token)
	if err != nil || subject != profileID {
		http.Error(w, "invalid ingest token", http.StatusUnauthorized)
		return
	}

	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	session := &session{
		controller: c,
		conn:       conn,
		profileID:  profileID,
		logger:     c.logger.With("profile_id", profileID, "remote", r.RemoteAddr),
		done:       make(chan struct{}),
	}
	c.observer.SessionOpened()
	session.run(r.Context())
}

// session is the per-connection state. The read loop is the only writer to
// the relay's stdin, so frames reach the process in arrival order. Writes to
// the connection are shared with the process watcher and go through writeMu.
type session struct {
	controller *Controller
	conn       *websocket.Conn
	profileID  string
	logger     *slog.Logger
	done       chan struct{}

	writeMu   sync.Mutex
	process   transcode.Process
	closeOnce sync.Once
}

func (s *session) run(ctx context.Context) {
	defer s.close()

	s.conn.SetReadLimit(maxFrameBytes)
	s.logger.Info("ingest session opened")

	for {
		kind, payload, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Info("ingest session read ended", "error", err)
			}
			return
		}
		switch kind {
		case websocket.TextMessage:
			if err := s.handleText(payload); err != nil {
				s.logger.Warn("ingest control message failed", "error", err)
				return
			}
		case websocket.BinaryMessage:
			if err := s.handleFrame(ctx, payload); err != nil {
				s.logger.Warn("ingest frame rejected", "error", err)
				return
			}
		}
	}
}

func (s *session) handleText(payload []byte) error {
	if strings.TrimSpace(string(payload)) != readyMessage {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, []byte(readyMessage))
}

func (s *session) handleFrame(ctx context.Context, payload []byte) error {
	if s.process == nil {
		process, err := s.controller.egress.StartEgress(ctx, s.profileID)
		if err != nil {
			s.writeClose(websocket.ClosePolicyViolation, err.Error())
			return err
		}
		s.process = process
		go s.watchProcess(process)
	}
	if _, err := s.process.Write(payload); err != nil {
		if errors.Is(err, transcode.ErrProcessTerminated) {
			s.writeClose(websocket.CloseNormalClosure, "relay terminated")
		}
		return err
	}
	s.controller.observer.FrameForwarded(len(payload))
	return nil
}

// watchProcess ends the session when the relay exits, even if the
// contributor is idle and the read loop would otherwise block forever.
func (s *session) watchProcess(process transcode.Process) {
	select {
	case <-process.Done():
		s.logger.Info("relay exited, closing ingest session", "error", process.Err())
		s.writeClose(websocket.CloseGoingAway, "relay exited")
		s.close()
	case <-s.done:
	}
}

func (s *session) writeClose(code int, reason string) {
	message := websocket.FormatCloseMessage(code, reason)
	s.writeMu.Lock()
	err := s.conn.WriteMessage(websocket.CloseMessage, message)
	s.writeMu.Unlock()
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		s.logger.Debug("write close frame", "error", err)
	}
}

// close tears the session down exactly once, however many paths race to it.
func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.process != nil {
			s.process.Terminate()
		}
		s.conn.Close()
		s.controller.observer.SessionClosed()
		s.logger.Info("ingest session closed")
	})
}
