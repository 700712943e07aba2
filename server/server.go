// Package server exposes a pool of pipes clients over HTTP and WebSocket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/pipes/client"
	"github.com/guseggert/pipes/task"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Processor runs tasks. *client.Pool implements it.
type Processor interface {
	Process(ctx context.Context, t *task.Task) (client.Outcome, error)
	Status() []client.ClientStatus
}

// ProcessResponse is the reply to one task, over HTTP or WebSocket.
// Exactly one of Outcome and Error is set.
type ProcessResponse struct {
	TaskID  string          `json:"task_id"`
	Outcome *client.Outcome `json:"outcome,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type StatusResponse struct {
	Clients   []client.ClientStatus `json:"clients"`
	StartedAt string                `json:"started_at"`
}

type HeartbeatResponse struct {
	LastHeartbeat string
}

// Server is an HTTP front-end for a Processor.
type Server struct {
	log  *zap.SugaredLogger
	proc Processor

	heartbeatFailureHandler func()
	heartbeatTimeout        time.Duration
	listenAddr              string

	httpServer *http.Server
	started    time.Time

	closeOnce     sync.Once
	closed        chan struct{}
	heartbeatMut  sync.Mutex
	lastHeartbeat time.Time
}

type Option func(s *Server)

// WithHeartbeatTimeout enables the heartbeat watchdog. Zero disables it.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.heartbeatTimeout = d
	}
}

// WithHeartbeatFailureHandler replaces the default watchdog action, which stops the server.
func WithHeartbeatFailureHandler(f func()) Option {
	return func(s *Server) {
		s.heartbeatFailureHandler = f
	}
}

func WithListenAddr(addr string) Option {
	return func(s *Server) {
		s.listenAddr = addr
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.log = l.Sugar().Named("server")
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(s *Server) {
		s.log = s.log.WithOptions(zap.IncreaseLevel(l))
	}
}

func New(proc Processor, opts ...Option) (*Server, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	s := &Server{
		log:        logger.Sugar().Named("server"),
		proc:       proc,
		listenAddr: "127.0.0.1:9998",
		closed:     make(chan struct{}),
		started:    time.Now(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.heartbeatFailureHandler == nil {
		s.heartbeatFailureHandler = func() {
			s.log.Warnf("no heartbeat for %s, stopping", s.heartbeatTimeout)
			if err := s.Stop(); err != nil {
				s.log.Debugf("error stopping server: %s", err)
			}
		}
	}
	return s, nil
}

// Handler returns the routes without starting a listener.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/heartbeat", s.heartbeat)
	router.GET("/status", s.status)
	router.POST("/process", s.process)
	router.GET("/process/ws", s.processWS)
	return router
}

// Run serves until Stop is called.
func (s *Server) Run() error {
	listener, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	s.log.Infof("listening on %s", listener.Addr())

	s.heartbeatMut.Lock()
	s.httpServer = &http.Server{Handler: s.Handler()}
	s.heartbeatMut.Unlock()

	if s.heartbeatTimeout > 0 {
		s.startHeartbeatCheck()
	}

	err = s.httpServer.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Stop() error {
	s.closeOnce.Do(func() { close(s.closed) })
	s.heartbeatMut.Lock()
	srv := s.httpServer
	s.heartbeatMut.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Close()
}

// startHeartbeatCheck calls the failure handler once if no heartbeat arrives within the timeout.
func (s *Server) startHeartbeatCheck() {
	s.heartbeatMut.Lock()
	s.lastHeartbeat = time.Now()
	s.heartbeatMut.Unlock()

	go func() {
		ticker := time.NewTicker(watchInterval(s.heartbeatTimeout))
		defer ticker.Stop()
		for {
			select {
			case <-s.closed:
				return
			case <-ticker.C:
			}

			s.heartbeatMut.Lock()
			lastHeartbeat := s.lastHeartbeat
			s.heartbeatMut.Unlock()

			if lastHeartbeat.Add(s.heartbeatTimeout).Before(time.Now()) {
				s.heartbeatFailureHandler()
				return
			}
		}
	}()
}

func watchInterval(d time.Duration) time.Duration {
	if i := d / 4; i < time.Second {
		return i
	}
	return time.Second
}

func writeJSON(w http.ResponseWriter, code int, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return err
	}
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(code)
	_, err = w.Write(b)
	return err
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.heartbeatMut.Lock()
	lastHeartbeat := s.lastHeartbeat
	s.lastHeartbeat = time.Now()
	s.heartbeatMut.Unlock()

	resp := HeartbeatResponse{LastHeartbeat: lastHeartbeat.UTC().Format(time.RFC3339)}
	if err := writeJSON(w, http.StatusOK, resp); err != nil {
		s.log.Debugf("error sending heartbeat response: %s", err)
	}
}

func (s *Server) status(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	resp := StatusResponse{
		Clients:   s.proc.Status(),
		StartedAt: s.started.UTC().Format(time.RFC3339),
	}
	if err := writeJSON(w, http.StatusOK, resp); err != nil {
		s.log.Debugf("error sending status response: %s", err)
	}
}

// run processes one task. Failures that are not outcomes become the response's Error.
func (s *Server) run(ctx context.Context, t *task.Task) ProcessResponse {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	o, err := s.proc.Process(ctx, t)
	if err != nil {
		s.log.Warnf("error processing %s: %s", t.ID, err)
		return ProcessResponse{TaskID: t.ID, Error: err.Error()}
	}
	return ProcessResponse{TaskID: t.ID, Outcome: &o}
}

// process is the request/response endpoint. Worker failures that are not outcomes are reported as 502,
// which clients must not retry: the task may already have reached a worker.
func (s *Server) process(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var t task.Task
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp := s.run(r.Context(), &t)
	code := http.StatusOK
	if resp.Error != "" {
		code = http.StatusBadGateway
	}
	if err := writeJSON(w, code, resp); err != nil {
		s.log.Debugf("error sending process response: %s", err)
	}
}

// processWS reads tasks and writes one ProcessResponse per task, in order, until the client closes.
func (s *Server) processWS(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.log.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	s.log.Debug("accepted WebSocket conn")
	ctx := r.Context()

	for {
		var t task.Task
		err := wsjson.Read(ctx, conn, &t)
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			s.log.Debug("got normal closure from client")
			return
		}
		if err != nil {
			s.log.Debugf("error reading task: %s", err)
			conn.Close(websocket.StatusInvalidFramePayloadData, "reading task")
			return
		}
		resp := s.run(ctx, &t)
		if err := wsjson.Write(ctx, conn, resp); err != nil {
			s.log.Debugf("error writing response: %s", err)
			return
		}
	}
}
