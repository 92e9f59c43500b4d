package control

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-i2p/go-overnet/lib/config"
	"github.com/go-i2p/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/oops"
)

var (
	ErrNilNode       = errors.New("control: node cannot be nil")
	ErrEmptyPassword = errors.New("control: password cannot be empty")
	ErrMissingTLS    = errors.New("control: HTTPS requires a certificate and key")
)

// maxRequestBody caps the size of one JSON-RPC request.
const maxRequestBody = 1 << 20

// tokenCleanupInterval is how often expired tokens are dropped.
const tokenCleanupInterval = 5 * time.Minute

// Server serves the control API over HTTP or HTTPS. Prometheus metrics are
// served without authentication at /metrics.
type Server struct {
	cfg        config.ControlConfig
	tls        config.TLSConfig
	auth       *AuthManager
	registry   *MethodRegistry
	httpServer *http.Server

	mu       sync.Mutex
	listener net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a control server for node. HTTPS uses the node's own
// certificate and key from tlsFiles.
func NewServer(cfg config.ControlConfig, tlsFiles config.TLSConfig, node Node) (*Server, error) {
	if node == nil {
		return nil, ErrNilNode
	}
	if cfg.Password == "" {
		return nil, ErrEmptyPassword
	}
	if cfg.UseHTTPS && (tlsFiles.CertFile == "" || tlsFiles.KeyFile == "") {
		return nil, ErrMissingTLS
	}
	config.CheckDefaultPasswordWarning(cfg.Password)

	expiration := cfg.TokenExpiration
	if expiration <= 0 {
		expiration = config.Defaults().Control.TokenExpiration
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		tls:      tlsFiles,
		auth:     NewAuthManager(cfg.Password),
		registry: NewMethodRegistry(),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.registry.Register("Authenticate", authenticateHandler(s.auth, expiration))
	s.registry.Register("Echo", RPCHandlerFunc(echoHandler))
	s.registry.Register("NodeInfo", nodeInfoHandler(node))
	s.registry.Register("ListPeers", listPeersHandler(node))
	s.registry.Register("Links", linksHandler(node))
	s.registry.Register("Diagnostics", diagnosticsHandler(node))

	metrics := prometheus.NewRegistry()
	metrics.MustRegister(newNodeCollector(node))

	mux := http.NewServeMux()
	mux.HandleFunc("/jsonrpc", s.handleRPC)
	mux.Handle("/metrics", promhttp.HandlerFor(metrics, promhttp.HandlerOpts{}))
	mux.HandleFunc("/", s.handleRPC)
	s.httpServer = &http.Server{
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: defaultListPeersWait + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// Start binds the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return oops.Wrapf(err, "control: listening on %s", s.cfg.Address)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	log.WithFields(logger.Fields{
		"at":      "(Server) Start",
		"address": ln.Addr().String(),
		"https":   s.cfg.UseHTTPS,
	}).Info("starting control server")

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		var err error
		if s.cfg.UseHTTPS {
			err = s.httpServer.ServeTLS(ln, s.tls.CertFile, s.tls.KeyFile)
		} else {
			err = s.httpServer.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).WithField("at", "(Server) Start").Error("control server error")
		}
	}()
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(tokenCleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.auth.CleanupExpiredTokens()
			}
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// SetPassword replaces the password and revokes every issued token.
func (s *Server) SetPassword(password string) {
	if password == "" {
		log.WithField("at", "(Server) SetPassword").Warn("ignoring empty control password")
		return
	}
	config.CheckDefaultPasswordWarning(password)
	s.auth.ChangePassword(password)
}

// Close shuts the server down, waiting briefly for active requests.
func (s *Server) Close() error {
	s.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.httpServer.Shutdown(ctx)
	s.wg.Wait()
	log.WithField("at", "(Server) Close").Info("control server stopped")
	return err
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeResponse(w, newErrorResponse(nil, NewRPCError(ErrCodeInvalidRequest, "Method must be POST")))
		return
	}
	if ct := r.Header.Get("Content-Type"); ct != "application/json" && ct != "application/json; charset=utf-8" {
		s.writeResponse(w, newErrorResponse(nil, NewRPCError(ErrCodeInvalidRequest, "Content-Type must be application/json")))
		return
	}

	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		s.writeResponse(w, newErrorResponse(nil, NewRPCError(ErrCodeInternalError, "Failed to read request body")))
		return
	}
	req, rpcErr := ParseRequest(body)
	if rpcErr != nil {
		s.writeResponse(w, newErrorResponse(nil, rpcErr))
		return
	}
	if rpcErr := s.checkToken(req); rpcErr != nil {
		s.writeResponse(w, newErrorResponse(req.ID, rpcErr))
		return
	}

	resp := s.registry.HandleParsedRequest(r.Context(), req)
	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.writeResponse(w, resp)
}

// checkToken requires a valid Token parameter on everything but Authenticate.
func (s *Server) checkToken(req *Request) *RPCError {
	if req.Method == "Authenticate" {
		return nil
	}
	var params struct {
		Token string `json:"Token"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Token == "" {
		return NewRPCError(ErrCodeInvalidParams, "Missing or invalid Token parameter")
	}
	if !s.auth.ValidateToken(params.Token) {
		return NewRPCError(ErrCodeAuthRequired, "Invalid or expired authentication token")
	}
	return nil
}

// writeResponse encodes resp. JSON-RPC errors still use HTTP 200.
func (s *Server) writeResponse(w http.ResponseWriter, resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		log.WithError(err).WithField("at", "(Server) writeResponse").Error("failed to marshal response")
		data, _ = json.Marshal(newErrorResponse(resp.ID, NewRPCError(ErrCodeInternalError, "Failed to serialize response")))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		log.WithError(err).WithField("at", "(Server) writeResponse").Debug("failed to write response")
	}
}
