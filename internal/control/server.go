package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skylight-stream/host/internal/logging"
	"github.com/skylight-stream/host/internal/workerpool"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

// Config holds control server configuration.
type Config struct {
	Listen  string
	Workers int
}

// Server exposes the host over a local WebSocket control socket. Commands
// arrive as JSON, run on a bounded worker pool, and reply with a Result
// carrying the command ID.
type Server struct {
	cfg      Config
	ctrl     Controller
	pool     *workerpool.Pool
	upgrader websocket.Upgrader
	httpSrv  *http.Server
	listener net.Listener
}

// NewServer creates a control server driving ctrl.
func NewServer(cfg Config, ctrl Controller) *Server {
	if cfg.Workers < 1 {
		cfg.Workers = 4
	}

	s := &Server{
		cfg:  cfg,
		ctrl: ctrl,
		pool: workerpool.New(cfg.Workers, 4*cfg.Workers),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	s.httpSrv = &http.Server{Handler: mux}
	return s
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("control listen on %s: %w", s.cfg.Listen, err)
	}
	s.listener = ln

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error("control server failed", logging.KeyError, err.Error())
		}
	}()

	log.Info("control server listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address. Only valid after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Listen
	}
	return s.listener.Addr().String()
}

// Shutdown closes the listener, active connections, and the worker pool.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpSrv.Shutdown(ctx)
	s.pool.Shutdown(ctx)
	return err
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("upgrade failed", logging.KeyError, err.Error())
		return
	}
	defer conn.Close()

	send := make(chan Result, 64)
	done := make(chan struct{})
	defer close(done)
	go s.writePump(conn, send, done)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("read error", logging.KeyError, err.Error())
			}
			return
		}

		var cmd Command
		if err := json.Unmarshal(message, &cmd); err != nil {
			log.Warn("failed to parse command", logging.KeyError, err.Error())
			continue
		}
		if cmd.ID == "" || cmd.Type == "" {
			continue
		}

		if !s.pool.Submit(func() {
			result := s.dispatch(cmd)
			select {
			case send <- result:
			case <-done:
			}
		}) {
			select {
			case send <- errResult(cmd.ID, fmt.Errorf("control queue full")):
			case <-done:
			}
		}
	}
}

func (s *Server) writePump(conn *websocket.Conn, send <-chan Result, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return

		case result := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(result); err != nil {
				log.Warn("write error", logging.KeyError, err.Error())
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) dispatch(cmd Command) Result {
	log.Debug("processing command", "commandId", cmd.ID, "commandType", cmd.Type)

	switch cmd.Type {
	case "list_displays":
		displays, err := s.ctrl.ListDisplays()
		if err != nil {
			return errResult(cmd.ID, err)
		}
		return okResult(cmd.ID, displays)

	case "hdr_supported":
		var req struct {
			DisplayID uint32 `json:"displayId"`
		}
		if err := decodePayload(cmd.Payload, &req); err != nil {
			return errResult(cmd.ID, err)
		}
		supported, err := s.ctrl.HDRSupported(req.DisplayID)
		if err != nil {
			return errResult(cmd.ID, err)
		}
		return okResult(cmd.ID, map[string]bool{"supported": supported})

	case "start_stream":
		var req StreamRequest
		if err := decodePayload(cmd.Payload, &req); err != nil {
			return errResult(cmd.ID, err)
		}
		if err := s.ctrl.StartStream(req); err != nil {
			return errResult(cmd.ID, err)
		}
		return okResult(cmd.ID, s.ctrl.Status())

	case "stop_stream":
		if err := s.ctrl.StopStream(); err != nil {
			return errResult(cmd.ID, err)
		}
		return okResult(cmd.ID, s.ctrl.Status())

	case "status":
		return okResult(cmd.ID, s.ctrl.Status())

	case "health":
		return okResult(cmd.ID, s.ctrl.Health())

	case "metrics":
		snap, err := s.ctrl.Metrics()
		if err != nil {
			return errResult(cmd.ID, err)
		}
		return okResult(cmd.ID, snap)

	case "snapshot":
		var req struct {
			DisplayID uint32 `json:"displayId"`
			TimeoutMS int    `json:"timeoutMs"`
		}
		if err := decodePayload(cmd.Payload, &req); err != nil {
			return errResult(cmd.ID, err)
		}
		if req.TimeoutMS <= 0 {
			req.TimeoutMS = 5000
		}
		info, err := s.ctrl.Snapshot(req.DisplayID, time.Duration(req.TimeoutMS)*time.Millisecond)
		if err != nil {
			return errResult(cmd.ID, err)
		}
		return okResult(cmd.ID, info)

	default:
		return errResult(cmd.ID, fmt.Errorf("unknown command type %q", cmd.Type))
	}
}

// decodePayload converts the loosely-typed payload map into a typed request.
func decodePayload(payload map[string]any, out any) error {
	if payload == nil {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
