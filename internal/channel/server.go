package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/vk/cellpilot/internal/control"
	"github.com/vk/cellpilot/internal/ctxlog"
	"github.com/zishang520/socket.io/v2/socket"
)

// Handler answers one control request arriving on the channel of kernel envID.
type Handler func(ctx context.Context, envID string, req control.Request) control.Response

type session struct {
	sock *socket.Socket
	mu   sync.Mutex
	env  string
}

func (s *session) bound() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.env
}

func (s *session) bind(env string) {
	s.mu.Lock()
	s.env = env
	s.mu.Unlock()
}

// Server is the host end of the channel.
type Server struct {
	io     *socket.Server
	logger *slog.Logger

	mu       sync.Mutex
	targets  map[string]Handler
	sessions map[string]*session
}

// NewServer creates a socket.io server. Mount Handler() under /socket.io/.
func NewServer(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		io:       socket.NewServer(nil, nil),
		logger:   logger,
		targets:  make(map[string]Handler),
		sessions: make(map[string]*session),
	}
	s.io.On("connection", func(clients ...any) {
		sock, ok := clients[0].(*socket.Socket)
		if !ok {
			return
		}
		s.accept(sock)
	})
	return s
}

// Handler returns the HTTP handler serving the socket.io endpoint.
func (s *Server) Handler() http.Handler {
	return s.io.ServeHandler(nil)
}

// Close shuts the socket.io server down.
func (s *Server) Close() {
	s.io.Close(nil)
}

// RegisterTarget installs the handler for kernel envID. A second registration
// for the same id fails; the caller unregisters first on kernel replacement.
func (s *Server) RegisterTarget(envID string, h Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.targets[envID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyPresent, envID)
	}
	s.targets[envID] = h
	s.logger.Info("🔌 Channel target registered.", "kernel_id", envID, "target", TargetName)
	return nil
}

// UnregisterTarget removes the handler of envID and closes the sockets bound
// to it. It reports whether a handler was present.
func (s *Server) UnregisterTarget(envID string) bool {
	s.mu.Lock()
	_, existed := s.targets[envID]
	delete(s.targets, envID)
	var bound []*session
	for _, sess := range s.sessions {
		if sess.bound() == envID {
			bound = append(bound, sess)
		}
	}
	s.mu.Unlock()

	for _, sess := range bound {
		sess.bind("")
		s.emit(sess.sock, eventClose, closeMsg{EnvID: envID})
	}
	if existed {
		s.logger.Info("Channel target unregistered.", "kernel_id", envID, "closed_sockets", len(bound))
	}
	return existed
}

// Targets returns the number of registered kernel ids.
func (s *Server) Targets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.targets)
}

func (s *Server) handler(envID string) (Handler, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.targets[envID]
	return h, ok
}

func (s *Server) accept(sock *socket.Socket) {
	sid := string(sock.Id())
	sess := &session{sock: sock}
	s.mu.Lock()
	s.sessions[sid] = sess
	s.mu.Unlock()

	logger := s.logger.With("sid", sid)
	logger.Debug("Channel socket connected.")

	sock.On(eventOpen, func(args ...any) {
		var msg openMsg
		if err := fromWire(args, &msg); err != nil {
			s.emit(sock, eventOpenAck, openAck{Error: fmt.Sprintf("bad comm_open: %v", err)})
			return
		}
		if msg.TargetName != TargetName {
			s.emit(sock, eventOpenAck, openAck{Error: fmt.Sprintf("%v: %s", ErrUnknownTarget, msg.TargetName)})
			return
		}
		if _, ok := s.handler(msg.EnvID); !ok {
			s.emit(sock, eventOpenAck, openAck{Error: fmt.Sprintf("%v: %s", ErrNotRegistered, msg.EnvID)})
			return
		}
		sess.bind(msg.EnvID)
		logger.Debug("Channel opened.", "kernel_id", msg.EnvID)
		s.emit(sock, eventOpenAck, openAck{OK: true})
	})

	sock.On(eventMsg, func(args ...any) {
		var req control.Request
		var msg commMsg
		err := fromWire(args, &msg)
		if err == nil {
			err = json.Unmarshal(msg.Data, &req)
		}
		if err != nil {
			s.reply(sock, control.Failure(fmt.Errorf("%w: %v", control.ErrInvalidRequest, err)))
			return
		}

		env := sess.bound()
		if env == "" {
			resp := control.Failure(ErrNotOpen)
			resp.RequestID = req.RequestID
			s.reply(sock, resp)
			return
		}
		h, ok := s.handler(env)
		if !ok {
			sess.bind("")
			s.emit(sock, eventClose, closeMsg{EnvID: env})
			return
		}

		ctx := ctxlog.WithLogger(context.Background(), logger.With("kernel_id", env))
		resp := h(ctx, env, req)
		if resp.RequestID == "" {
			resp.RequestID = req.RequestID
		}
		s.reply(sock, resp)
	})

	sock.On("disconnect", func(...any) {
		s.mu.Lock()
		delete(s.sessions, sid)
		s.mu.Unlock()
		logger.Debug("Channel socket disconnected.")
	})
}

func (s *Server) reply(sock *socket.Socket, resp control.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("Failed to encode control response.", "error", err)
		return
	}
	s.emit(sock, eventMsg, commMsg{Data: data})
}

func (s *Server) emit(sock *socket.Socket, event string, payload any) {
	wire, err := toWire(payload)
	if err != nil {
		s.logger.Error("Failed to encode channel payload.", "event", event, "error", err)
		return
	}
	sock.Emit(event, wire)
}
