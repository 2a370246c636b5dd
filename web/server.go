package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/mrexodia/pipewatch/config"
	"github.com/mrexodia/pipewatch/manager"
)

// Services is the runtime side of the supervisor
type Services interface {
	List() []manager.Status
	Get(name string) (manager.Status, error)
	Start(name string) error
	Stop(name string) error
	Restart(name string) error
	Subscribe(name string) ([]string, <-chan string, func(), error)
}

// Configs is the persisted side of the supervisor
type Configs interface {
	GetService(name string) (config.ServiceConfig, bool)
	SetServiceEnabled(name string, enabled bool) error
}

// Server exposes the supervisor over HTTP
type Server struct {
	services Services
	configs  Configs
	log      *logrus.Entry
	addr     string
	upgrader websocket.Upgrader
	username string // BasicAuth username (empty = no username required)
	password string // BasicAuth password (empty = no auth)

	done     chan struct{} // closed on shutdown to end log streams
	doneOnce sync.Once
}

// NewServer creates a web server for the given configuration
func NewServer(cfg config.GlobalConfig, services Services, configs Configs, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	// Parse authorization config once
	var username, password string
	if cfg.Authorization != "" {
		if idx := strings.Index(cfg.Authorization, ":"); idx > 0 {
			username = cfg.Authorization[:idx]
			password = cfg.Authorization[idx+1:]
		} else {
			password = cfg.Authorization
		}
	}

	return &Server{
		services: services,
		configs:  configs,
		log:      log.WithField("component", "web"),
		addr:     net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port)),
		username: username,
		password: password,
		done:     make(chan struct{}),
	}
}

// Handler returns the routes wrapped in authentication
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/services", s.listServices)
	mux.HandleFunc("GET /api/services/{name}", s.getService)
	mux.HandleFunc("POST /api/services/{name}/start", s.startService)
	mux.HandleFunc("POST /api/services/{name}/stop", s.stopService)
	mux.HandleFunc("POST /api/services/{name}/restart", s.restartService)
	mux.HandleFunc("POST /api/services/{name}/enable", s.enableService)
	mux.HandleFunc("POST /api/services/{name}/disable", s.disableService)
	mux.HandleFunc("GET /api/services/{name}/logs", s.streamLogs)

	return s.basicAuthMiddleware(mux)
}

// Run serves until ctx is canceled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", "http://"+s.addr).Info("starting web server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.close()
		return err
	case <-ctx.Done():
	}

	s.close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) close() {
	s.doneOnce.Do(func() { close(s.done) })
}

// basicAuthMiddleware wraps the entire handler with BasicAuth authentication
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.password == "" {
			next.ServeHTTP(w, r)
			return
		}

		username, password, ok := r.BasicAuth()
		if !ok || username != s.username || password != s.password {
			w.Header().Set("WWW-Authenticate", `Basic realm="pipewatch"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// serviceDetail is a status together with the configured command
type serviceDetail struct {
	manager.Status
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Workdir string            `json:"workdir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

func (s *Server) listServices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.services.List())
}

func (s *Server) getService(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	status, err := s.services.Get(name)
	if err != nil {
		s.writeError(w, err)
		return
	}

	detail := serviceDetail{Status: status}
	if cfg, ok := s.configs.GetService(name); ok {
		detail.Command = cfg.Command
		detail.Args = cfg.Args
		detail.Workdir = cfg.Workdir
		detail.Env = cfg.Env
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) startService(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.services.Start, "started")
}

func (s *Server) stopService(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.services.Stop, "stopped")
}

func (s *Server) restartService(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.services.Restart, "restarted")
}

func (s *Server) enableService(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, func(name string) error { return s.configs.SetServiceEnabled(name, true) }, "enabled")
}

func (s *Server) disableService(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, func(name string) error { return s.configs.SetServiceEnabled(name, false) }, "disabled")
}

func (s *Server) control(w http.ResponseWriter, r *http.Request, action func(string) error, done string) {
	name := r.PathValue("name")
	if err := action(name); err != nil {
		s.writeError(w, err)
		return
	}
	s.log.WithField("service", name).WithField("action", done).Info("service control")
	writeJSON(w, http.StatusOK, map[string]string{"status": done})
}

// streamLogs sends the buffered history as one message, then every new line
// as its own message until the client leaves or the service is removed.
func (s *Server) streamLogs(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	history, ch, unsubscribe, err := s.services.Subscribe(name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer unsubscribe()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if len(history) > 0 {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(strings.Join(history, "\n")+"\n")); err != nil {
			return
		}
	}

	// Reads are only needed to notice the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case line, ok := <-ch:
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "service removed"))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
				return
			}
		case <-gone:
			return
		case <-s.done:
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		}
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, config.ErrServiceNotFound):
		status = http.StatusNotFound
	case errors.Is(err, manager.ErrAlreadyRunning):
		status = http.StatusConflict
	case errors.Is(err, manager.ErrUnsupported):
		status = http.StatusNotImplemented
	}
	if status == http.StatusInternalServerError {
		s.log.WithError(err).Error("request failed")
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
