package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"loom/internal/api"
	"loom/internal/config"
	"loom/internal/logging"
	"loom/internal/services"
	"loom/internal/store"
)

// httpCaller is the quota identity for requests arriving over HTTP.
const httpCaller = "api"

type apiServer struct {
	bind   string
	logger *slog.Logger
	daemon *Daemon

	listener net.Listener
	server   *http.Server
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) (*apiServer, error) {
	bind := strings.TrimSpace(cfg.Paths.APIBind)
	if bind == "" {
		return nil, nil
	}

	srv := &apiServer{
		bind:   bind,
		logger: logger,
		daemon: d,
	}

	token := cfg.Paths.APIToken
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", authMiddleware(token, srv.handleStatus))
	mux.HandleFunc("/api/execute", authMiddleware(token, srv.handleExecute))
	mux.HandleFunc("/api/ingest", authMiddleware(token, srv.handleIngest))
	mux.HandleFunc("/api/assets/", authMiddleware(token, srv.handleAsset))
	mux.HandleFunc("/api/cache/stats", authMiddleware(token, srv.handleCacheStats))

	srv.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv, nil
}

func (s *apiServer) start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log().Error("api server error", logging.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	s.log().Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	if s == nil {
		return
	}
	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
}

// addr reports the bound address once the server is listening.
func (s *apiServer) addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	status := s.daemon.Status(r.Context())
	payload := api.DaemonStatus{
		Running:      status.Running,
		PID:          status.PID,
		DBPath:       status.DBPath,
		LockFilePath: status.LockFilePath,
		Capabilities: status.Capabilities,
		Stages:       status.Stages,
		Breakers:     api.FromBreakerSnapshots(s.daemon.Orchestrator().BreakerSnapshots()),
		Cache:        api.FromCacheStats(s.daemon.CacheStats()),
		Store:        api.FromStoreHealth(status.Health),
	}
	s.writeJSON(w, http.StatusOK, payload)
}

func (s *apiServer) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	var req api.ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	result, err := s.daemon.Execute(r.Context(), httpCaller, req.Capability, req.AssetID, req.Params)
	if err != nil {
		s.writeTaxonomyError(w, err)
		return
	}

	resp := api.ExecuteResponse{
		Capability: result.Capability,
		Kind:       result.Kind,
		Payload:    json.RawMessage(result.Payload),
		FromCache:  result.FromCache,
	}
	if result.Record != nil {
		converted := api.FromResult(result.Record)
		resp.Result = &converted
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *apiServer) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	var req api.IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	asset, err := s.daemon.Ingest(r.Context(), req.Source, req.DurationSecs, req.SizeBytes)
	if err != nil {
		s.writeTaxonomyError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.IngestResponse{Asset: api.FromAsset(asset)})
}

// handleAsset routes /api/assets/{id}/status, /api/assets/{id}/results, and
// /api/assets/{id}/reprocess.
func (s *apiServer) handleAsset(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/assets/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" {
		s.writeError(w, http.StatusNotFound, errors.New("not found"))
		return
	}
	assetID, action := parts[0], parts[1]

	switch action {
	case "status":
		if r.Method != http.MethodGet {
			s.writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
			return
		}
		asset, states, err := s.daemon.AssetStatus(r.Context(), assetID)
		if err != nil {
			s.writeTaxonomyError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, api.BuildAssetStatus(asset, states))
	case "results":
		if r.Method != http.MethodGet {
			s.writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
			return
		}
		filter, err := parseResultFilter(r)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		records, err := s.daemon.Results(r.Context(), assetID, filter)
		if err != nil {
			s.writeTaxonomyError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, api.ResultsResponse{Results: api.FromResults(records)})
	case "reprocess":
		if r.Method != http.MethodPost {
			s.writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
			return
		}
		var req api.ReprocessRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
			return
		}
		if err := s.daemon.Reprocess(r.Context(), assetID, req.Stage); err != nil {
			s.writeTaxonomyError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, api.ReprocessResponse{Accepted: true})
	default:
		s.writeError(w, http.StatusNotFound, errors.New("not found"))
	}
}

func (s *apiServer) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	s.writeJSON(w, http.StatusOK, api.FromCacheStats(s.daemon.CacheStats()))
}

func parseResultFilter(r *http.Request) (store.ResultFilter, error) {
	query := r.URL.Query()
	filter := store.ResultFilter{Kind: strings.TrimSpace(query.Get("kind"))}
	if raw := strings.TrimSpace(query.Get("from")); raw != "" {
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return store.ResultFilter{}, fmt.Errorf("invalid from value %q", raw)
		}
		filter.From = &value
	}
	if raw := strings.TrimSpace(query.Get("to")); raw != "" {
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return store.ResultFilter{}, fmt.Errorf("invalid to value %q", raw)
		}
		filter.To = &value
	}
	return filter, nil
}

// writeTaxonomyError maps internal error kinds onto HTTP statuses, keeping
// the stable kind in the body so callers can branch without parsing text.
func (s *apiServer) writeTaxonomyError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, services.ErrUnknownCapability), errors.Is(err, services.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, services.ErrInvalidParameters):
		status = http.StatusBadRequest
	case errors.Is(err, services.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, services.ErrUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, services.ErrTransient), errors.Is(err, services.ErrExecution):
		status = http.StatusBadGateway
	}
	s.writeJSON(w, status, api.FromError(err))
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log().Error("failed to encode response", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *apiServer) log() *slog.Logger {
	if s.logger != nil {
		return s.logger.With(logging.String("component", "api-server"))
	}
	return logging.NewNop()
}
