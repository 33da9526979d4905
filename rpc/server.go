package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// DefaultRetention is how long a finished reply stays pollable.
const DefaultRetention = 5 * time.Minute

// Handler executes one method. Args is the request's named argument
// object. The returned value is serialized into the reply envelope; a
// returned error yields a "fail" envelope.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// call is the promise for one outstanding request. done closes exactly
// once, after which env is immutable.
type call struct {
	done   chan struct{}
	env    Envelope
	expiry time.Time
}

// ServerConfig tunes the server side of the transport.
type ServerConfig struct {
	// Shard is this process's shard id; requests addressed elsewhere
	// are refused.
	Shard int
	// Retention is how long finished replies stay pollable so late and
	// repeated polls still resolve. Zero means DefaultRetention.
	Retention time.Duration
}

// Server executes requests and retains replies for polling. Handlers
// run on the server's lifetime context, not the HTTP request context:
// the posting request returns immediately while the handler is still
// running.
type Server struct {
	shard     int
	retention time.Duration
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	services map[string]map[string]Handler
	pending  map[string]*call
}

func NewServer(conf ServerConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	retention := conf.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		shard:     conf.Shard,
		retention: retention,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		services:  make(map[string]map[string]Handler),
		pending:   make(map[string]*call),
	}
	go s.sweep()
	return s
}

// Handle registers a method on a service. Registration happens before
// the routes are mounted; it is not synchronized with serving.
func (s *Server) Handle(service, method string, h Handler) {
	m, ok := s.services[service]
	if !ok {
		m = make(map[string]Handler)
		s.services[service] = m
	}
	m[method] = h
}

// Register mounts the transport endpoints.
func (s *Server) Register(r *gin.Engine) {
	r.POST("/rpc/request/:service/:shard/:method", s.handleRequest)
	r.GET("/rpc/answer/:rid", s.handleAnswer)
	r.POST("/rpc/sync/:service/:shard/:method", s.handleSync)
}

// Close stops handler execution and the reply janitor. In-flight
// handlers observe context cancellation.
func (s *Server) Close() {
	s.cancel()
}

func (s *Server) handleRequest(c *gin.Context) {
	h, env := s.resolve(c)
	if h == nil {
		c.JSON(http.StatusOK, env)
		return
	}
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusOK, Envelope{Status: StatusBadRequest, Error: err.Error()})
		return
	}
	if req.ID == "" {
		c.JSON(http.StatusOK, Envelope{Status: StatusBadRequest, Error: "missing request id"})
		return
	}

	s.mu.Lock()
	if existing, ok := s.pending[req.ID]; ok {
		// Transport-level retry of a request already accepted. Answer
		// like a poll; the handler must not run twice.
		env := s.stateLocked(existing)
		s.mu.Unlock()
		c.JSON(http.StatusOK, env)
		return
	}
	cl := &call{done: make(chan struct{})}
	s.pending[req.ID] = cl
	s.mu.Unlock()

	go s.execute(cl, h, req)
	c.JSON(http.StatusOK, Envelope{Status: StatusWait})
}

func (s *Server) handleAnswer(c *gin.Context) {
	rid := c.Param("rid")

	s.mu.Lock()
	cl, ok := s.pending[rid]
	var env Envelope
	if ok {
		env = s.stateLocked(cl)
	}
	s.mu.Unlock()

	if !ok {
		env = Envelope{Status: StatusNotFound, Error: fmt.Sprintf("unknown request id %q", rid)}
	}
	c.JSON(http.StatusOK, env)
}

func (s *Server) handleSync(c *gin.Context) {
	h, env := s.resolve(c)
	if h == nil {
		c.JSON(http.StatusOK, env)
		return
	}
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusOK, Envelope{Status: StatusBadRequest, Error: err.Error()})
		return
	}
	// Synchronous calls ride the HTTP request: the caller's timeout is
	// the call's timeout.
	res, err := h(c.Request.Context(), req.Args)
	c.JSON(http.StatusOK, buildEnvelope(res, err))
}

// resolve maps the path to a handler, or returns the error envelope to
// send instead.
func (s *Server) resolve(c *gin.Context) (Handler, Envelope) {
	shard, err := strconv.Atoi(c.Param("shard"))
	if err != nil || shard != s.shard {
		return nil, Envelope{
			Status: StatusWrongShard,
			Error:  fmt.Sprintf("request for shard %s served by shard %d", c.Param("shard"), s.shard),
		}
	}
	service, method := c.Param("service"), c.Param("method")
	h, ok := s.services[service][method]
	if !ok {
		return nil, Envelope{
			Status: StatusUnknownMethod,
			Error:  fmt.Sprintf("no method %s/%s", service, method),
		}
	}
	return h, Envelope{}
}

func (s *Server) execute(cl *call, h Handler, req Request) {
	res, err := h(s.ctx, req.Args)
	env := buildEnvelope(res, err)
	if err != nil {
		s.logger.Warn("request failed",
			zap.String("rid", req.ID),
			zap.Error(err))
	}

	s.mu.Lock()
	cl.env = env
	cl.expiry = time.Now().Add(s.retention)
	s.mu.Unlock()
	close(cl.done)
}

// stateLocked reads a call's current state. Callers hold s.mu.
func (s *Server) stateLocked(cl *call) Envelope {
	select {
	case <-cl.done:
		return cl.env
	default:
		return Envelope{Status: StatusWait}
	}
}

func buildEnvelope(res any, err error) Envelope {
	if err != nil {
		return Envelope{Status: StatusFail, Error: err.Error()}
	}
	data, err := json.Marshal(res)
	if err != nil {
		return Envelope{Status: StatusFail, Error: "marshal reply: " + err.Error()}
	}
	return Envelope{Status: StatusOK, Data: data}
}

// sweep drops finished replies past their retention window.
func (s *Server) sweep() {
	tick := time.NewTicker(s.retention / 4)
	defer tick.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-tick.C:
			s.mu.Lock()
			for rid, cl := range s.pending {
				select {
				case <-cl.done:
					if now.After(cl.expiry) {
						delete(s.pending, rid)
					}
				default:
				}
			}
			s.mu.Unlock()
		}
	}
}
