// Package server exposes sweeps, sessions and settings over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/goosewin/fluxsweep/internal/dialog"
	"github.com/goosewin/fluxsweep/internal/filelock"
	"github.com/goosewin/fluxsweep/internal/metrics"
	"github.com/goosewin/fluxsweep/internal/report"
	"github.com/goosewin/fluxsweep/internal/settings"
	"github.com/goosewin/fluxsweep/internal/state"
)

const (
	defaultHost = "127.0.0.1"
	defaultPort = 8080
	// Voice and photo events carry base64 media.
	defaultMaxBodyBytes = 32 << 20
)

// Sessions is the conversation surface the server drives.
type Sessions interface {
	Dispatch(ctx context.Context, userID string, ev dialog.Event) (dialog.Reply, error)
	State(userID string) dialog.State
	Stop(userID string) bool
}

// Options configures the HTTP server.
type Options struct {
	Host         string
	Port         int
	Token        string
	Open         bool
	MaxBodyBytes int64

	Sessions Sessions
	Settings settings.Store
	Metrics  *metrics.Collector
	Logger   *zap.Logger
}

// StartServer runs the HTTP server until ctx is canceled.
func StartServer(ctx context.Context, opts Options) error {
	host := strings.TrimSpace(opts.Host)
	if host == "" {
		host = defaultHost
	}
	port := opts.Port
	if port == 0 {
		port = defaultPort
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid port number: %d", port)
	}
	opts.Host = host

	if err := state.InitState(); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", host, port),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       30 * time.Second,
		Handler:           NewHandler(opts),
	}

	shutdownErr := make(chan error, 1)
	go func() {
		<-ctx.Done()
		ctxTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownErr <- srv.Shutdown(ctxTimeout)
	}()

	logger(opts).Info("server listening", zap.String("addr", srv.Addr))
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		select {
		case shutdownErr := <-shutdownErr:
			return shutdownErr
		default:
			return nil
		}
	}
	return err
}

// NewHandler builds the routed, authenticated handler.
func NewHandler(opts Options) http.Handler {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	h := &handler{opts: opts, logger: logger(opts)}

	mux := http.NewServeMux()
	mux.HandleFunc("/", h.route("root", []string{http.MethodGet}, h.root))
	mux.HandleFunc("/status", h.route("status", []string{http.MethodGet}, h.listSweeps))
	mux.HandleFunc("/status/", h.route("status_sweep", []string{http.MethodGet}, h.getSweep))
	mux.HandleFunc("/stop/", h.route("stop", []string{http.MethodPost}, h.stopSweep))
	mux.HandleFunc("/sweeps", h.route("sweeps", []string{http.MethodPost}, h.startSweep))
	mux.HandleFunc("/settings/", h.route("settings", []string{http.MethodGet, http.MethodPut, http.MethodDelete}, h.settings))
	mux.HandleFunc("/sessions/", h.route("sessions", []string{http.MethodGet, http.MethodPost}, h.sessions))
	if opts.Metrics != nil {
		metricsHandler := opts.Metrics.Handler()
		mux.HandleFunc("/metrics", h.route("metrics", []string{http.MethodGet}, func(w http.ResponseWriter, r *http.Request) {
			metricsHandler.ServeHTTP(w, r)
		}))
	}

	return withCORS(mux, opts)
}

type handler struct {
	opts   Options
	logger *zap.Logger
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// route wraps fn with auth, a method check and request metrics.
func (h *handler) route(name string, methods []string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() { h.opts.Metrics.ObserveHTTP(name, rec.status) }()

		if !authorizeRequest(rec, r, h.opts.Token) {
			return
		}
		allowed := false
		for _, method := range methods {
			if r.Method == method {
				allowed = true
				break
			}
		}
		if !allowed {
			writeJSONError(rec, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		fn(rec, r)
	}
}

func (h *handler) root(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeJSONError(w, http.StatusNotFound, "Unknown endpoint")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "fluxsweep-server"})
}

type sweepResponse struct {
	state.Sweep
	Remaining int  `json:"remaining"`
	IsAlive   bool `json:"is_alive"`
}

type listResponse struct {
	Sweeps []sweepResponse `json:"sweeps"`
}

func (h *handler) listSweeps(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/status" {
		writeJSONError(w, http.StatusNotFound, "Unknown endpoint")
		return
	}
	sweeps, err := state.ListSweeps()
	if err != nil {
		h.logger.Warn("list sweeps", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "Failed to read sweeps")
		return
	}
	response := listResponse{Sweeps: make([]sweepResponse, 0, len(sweeps))}
	for _, sweep := range sweeps {
		response.Sweeps = append(response.Sweeps, enrichSweep(sweep))
	}
	writeJSON(w, http.StatusOK, response)
}

func (h *handler) getSweep(w http.ResponseWriter, r *http.Request) {
	id, ok := pathRemainder(r.URL.Path, "/status/")
	if !ok {
		writeJSONError(w, http.StatusNotFound, "Unknown endpoint")
		return
	}
	sweep, found, err := state.GetSweep(id)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "Failed to read sweep")
		return
	}
	if !found {
		writeJSONError(w, http.StatusNotFound, fmt.Sprintf("Sweep not found: %s", id))
		return
	}
	writeJSON(w, http.StatusOK, enrichSweep(sweep))
}

func enrichSweep(sweep state.Sweep) sweepResponse {
	response := sweepResponse{Sweep: sweep, Remaining: max(sweep.Total-sweep.Attempted, 0)}
	if sweep.Running() && sweep.PID > 0 {
		if processAlive(sweep.PID) {
			response.IsAlive = true
		} else {
			response.Status = state.StatusStale
		}
	}
	return response
}

func (h *handler) stopSweep(w http.ResponseWriter, r *http.Request) {
	id, ok := pathRemainder(r.URL.Path, "/stop/")
	if !ok {
		writeJSONError(w, http.StatusNotFound, "Unknown endpoint")
		return
	}
	if err := h.requestStop(id); err != nil {
		if errors.Is(err, state.ErrSweepNotFound) {
			writeJSONError(w, http.StatusNotFound, fmt.Sprintf("Sweep not found: %s", id))
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "Failed to stop sweep")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "message": "Stop requested"})
}

// requestStop flags the sweep in the registry, which every running sweep
// polls. Sweeps owned by a session in this process are also stopped
// directly.
func (h *handler) requestStop(id string) error {
	sweep, err := state.RequestStop(id)
	if err != nil {
		return err
	}
	if sweep.Running() && sweep.PID == os.Getpid() && h.opts.Sessions != nil && sweep.Owner != "" {
		h.opts.Sessions.Stop(sweep.Owner)
	}
	return nil
}

type sweepRequest struct {
	User   string `json:"user"`
	Prompt string `json:"prompt"`
	Count  int    `json:"count"`
}

func (h *handler) startSweep(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/sweeps" {
		writeJSONError(w, http.StatusNotFound, "Unknown endpoint")
		return
	}
	if h.opts.Sessions == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "Sessions are not enabled")
		return
	}
	var req sweepRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeJSONError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	reply, err := h.opts.Sessions.Dispatch(r.Context(), req.User, dialog.SweepRequested{Prompt: req.Prompt, Count: req.Count})
	if err != nil {
		h.writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, reply)
}

type settingRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (h *handler) settings(w http.ResponseWriter, r *http.Request) {
	user, ok := pathRemainder(r.URL.Path, "/settings/")
	if !ok || strings.Contains(user, "/") {
		writeJSONError(w, http.StatusNotFound, "Unknown endpoint")
		return
	}
	if h.opts.Settings == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "Settings are not enabled")
		return
	}

	var (
		rec settings.Record
		err error
	)
	switch r.Method {
	case http.MethodGet:
		rec, err = h.opts.Settings.Get(r.Context(), user)
	case http.MethodPut:
		var req settingRequest
		if !decodeBody(w, r, &req) {
			return
		}
		rec, err = h.opts.Settings.Update(r.Context(), user, settings.SetField(req.Key, req.Value))
	case http.MethodDelete:
		rec, err = h.opts.Settings.Reset(r.Context(), user)
	}
	if err != nil {
		h.writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type sessionResponse struct {
	User  string       `json:"user"`
	State dialog.State `json:"state"`
}

func (h *handler) sessions(w http.ResponseWriter, r *http.Request) {
	rest, ok := pathRemainder(r.URL.Path, "/sessions/")
	if !ok {
		writeJSONError(w, http.StatusNotFound, "Unknown endpoint")
		return
	}
	if h.opts.Sessions == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "Sessions are not enabled")
		return
	}

	user, action, _ := strings.Cut(rest, "/")
	switch {
	case action == "" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, sessionResponse{User: user, State: h.opts.Sessions.State(user)})
	case action == "events" && r.Method == http.MethodPost:
		var envelope dialog.Envelope
		if !decodeBody(w, r, &envelope) {
			return
		}
		ev, err := envelope.Event()
		if err != nil {
			h.writeDispatchError(w, err)
			return
		}
		reply, err := h.opts.Sessions.Dispatch(r.Context(), user, ev)
		if err != nil {
			h.writeDispatchError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, reply)
	case action == "" || action == "events":
		writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
	default:
		writeJSONError(w, http.StatusNotFound, "Unknown endpoint")
	}
}

func (h *handler) writeDispatchError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, dialog.ErrBusy), errors.Is(err, dialog.ErrUnexpectedEvent):
		status = http.StatusConflict
	case errors.Is(err, dialog.ErrUnknownEvent),
		errors.Is(err, dialog.ErrTextRequired),
		errors.Is(err, dialog.ErrUserRequired),
		errors.Is(err, settings.ErrUserRequired),
		errors.Is(err, settings.ErrUnknownKey),
		errors.Is(err, settings.ErrInvalidValue):
		status = http.StatusBadRequest
	default:
		h.logger.Warn("request failed", zap.Error(err))
	}
	writeJSONError(w, status, report.Describe(err))
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return false
		}
		writeJSONError(w, http.StatusBadRequest, "Invalid JSON body")
		return false
	}
	return true
}

func withCORS(next http.Handler, opts Options) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corsOrigin := resolveCORSOrigin(r.Header.Get("Origin"), opts.Host, opts.Open)
		if corsOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", corsOrigin)
			if corsOrigin != "*" {
				w.Header().Set("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Set("Access-Control-Expose-Headers", "Content-Length, Content-Type")
			w.Header().Set("Access-Control-Max-Age", "86400")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if opts.MaxBodyBytes > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, opts.MaxBodyBytes)
		}

		next.ServeHTTP(w, r)
	})
}

func authorizeRequest(w http.ResponseWriter, r *http.Request, token string) bool {
	if token == "" {
		return true
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	fields := strings.Fields(header)
	if len(fields) != 2 || !strings.EqualFold(fields[0], "Bearer") || fields[1] != token {
		writeJSONError(w, http.StatusUnauthorized, "Invalid or missing Bearer token")
		return false
	}
	return true
}

func resolveCORSOrigin(origin, host string, open bool) string {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return ""
	}
	if open {
		return "*"
	}

	switch origin {
	case "http://localhost", "http://127.0.0.1", "http://[::1]":
		return origin
	}

	host = strings.TrimSpace(host)
	if host != "" && host != "0.0.0.0" && host != "::" {
		if origin == "http://"+host {
			return origin
		}
	}
	return ""
}

func pathRemainder(path, prefix string) (string, bool) {
	if !strings.HasPrefix(path, prefix) {
		return "", false
	}
	remainder := strings.TrimPrefix(path, prefix)
	if remainder == "" {
		return "", false
	}
	decoded, err := url.PathUnescape(remainder)
	if err != nil {
		return "", false
	}
	return decoded, true
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "Failed to encode response")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func logger(opts Options) *zap.Logger {
	if opts.Logger == nil {
		return zap.NewNop()
	}
	return opts.Logger
}

var processAlive = filelock.ProcessAlive
