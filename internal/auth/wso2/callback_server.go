package wso2

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// CallbackResult captures the outcome of the local OAuth callback used by
// the CLI login mode.
type CallbackResult struct {
	Code  string
	State string
	Error string
}

// CallbackServer is a minimal loopback HTTP server that receives the
// provider's redirect when logging in from the command line.
type CallbackServer struct {
	server  *http.Server
	port    int
	path    string
	result  chan *CallbackResult
	errChan chan error
	mu      sync.Mutex
	running bool
}

// NewCallbackServer constructs a callback server bound to the given port and
// redirect path.
func NewCallbackServer(port int, path string) *CallbackServer {
	if path == "" {
		path = "/auth/callback"
	}
	return &CallbackServer{
		port:    port,
		path:    path,
		result:  make(chan *CallbackResult, 1),
		errChan: make(chan error, 1),
	}
}

// Start launches the callback listener.
func (s *CallbackServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("wso2: callback server already running")
	}
	if !s.isPortAvailable() {
		return fmt.Errorf("port %d is already in use", s.port)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleCallback)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.running = true

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.errChan <- err
		}
	}()

	time.Sleep(100 * time.Millisecond)
	return nil
}

// Stop gracefully terminates the callback listener.
func (s *CallbackServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.server == nil {
		return nil
	}
	defer func() {
		s.running = false
		s.server = nil
	}()
	return s.server.Shutdown(ctx)
}

// WaitForCallback blocks until a callback result, server error, or timeout.
func (s *CallbackServer) WaitForCallback(timeout time.Duration) (*CallbackResult, error) {
	select {
	case res := <-s.result:
		return res, nil
	case err := <-s.errChan:
		return nil, err
	case <-time.After(timeout):
		return nil, fmt.Errorf("timeout waiting for OAuth callback")
	}
}

func (s *CallbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	if errParam := strings.TrimSpace(query.Get("error")); errParam != "" {
		s.sendResult(&CallbackResult{Error: errParam})
		writeCallbackPage(w, "Login failed", "The provider reported: "+errParam)
		return
	}

	code := strings.TrimSpace(query.Get("code"))
	if code == "" {
		s.sendResult(&CallbackResult{Error: "missing_code"})
		writeCallbackPage(w, "Login failed", "The callback carried no authorization code.")
		return
	}

	state := query.Get("state")
	s.sendResult(&CallbackResult{Code: code, State: state})
	writeCallbackPage(w, "Login complete", "You can close this window and return to the terminal.")
}

func (s *CallbackServer) sendResult(res *CallbackResult) {
	select {
	case s.result <- res:
	default:
		log.Debug("callback result channel full, dropping result")
	}
}

func (s *CallbackServer) isPortAvailable() bool {
	addr := fmt.Sprintf(":%d", s.port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return false
	}
	_ = listener.Close()
	return true
}

func writeCallbackPage(w http.ResponseWriter, title, detail string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<!DOCTYPE html><html><head><title>%s</title></head><body><h1>%s</h1><p>%s</p></body></html>", title, title, detail)
}
