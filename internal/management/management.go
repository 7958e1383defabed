// Package management provides a lightweight HTTP API for runtime inspection
// and configuration of the running proxy.
//
// Endpoints:
//
//	GET  /status         - proxy health, current host-map overrides
//	GET  /metrics        - JSON metrics snapshot
//	POST /hostmap/add    - add a dial override {"key":"host:port","dial":"addr:port"}
//	POST /hostmap/remove - remove a dial override {"key":"host:port"}
package management

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Femure/tls-interceptor-proxy/internal/config"
	"github.com/Femure/tls-interceptor-proxy/internal/metrics"
)

// Server is the management API server.
type Server struct {
	cfg       *config.Config
	startTime time.Time
	hostMap   *HostMapRegistry
	token     string           // bearer token for auth; empty = no auth
	metrics   *metrics.Metrics // nil = no metrics
}

// HostMapRegistry holds the mutable set of "host:port" -> dial address
// overrides consulted by the upstream connector (component C). It backs
// mitm.HostMapper. Changes are persisted to disk via atomic file writes
// so they survive proxy restarts.
type HostMapRegistry struct {
	mu          sync.RWMutex
	overrides   map[string]string
	persistPath string // empty = no persistence
}

// NewHostMapRegistry creates a registry seeded from cfg.HostMapFile, if
// set and present on disk; otherwise it starts empty.
func NewHostMapRegistry(cfg *config.Config) *HostMapRegistry {
	r := &HostMapRegistry{
		overrides:   make(map[string]string),
		persistPath: cfg.HostMapFile,
	}

	if r.persistPath == "" {
		return r
	}

	overrides, err := r.loadFromDisk()
	switch {
	case err == nil:
		r.overrides = overrides
		log.Printf("[HOSTMAP] Loaded %d overrides from %s", len(overrides), r.persistPath)
	case !os.IsNotExist(err):
		log.Printf("[HOSTMAP] Warning: failed to load %s: %v (starting empty)", r.persistPath, err)
	}
	return r
}

// Get implements mitm.HostMapper.
func (r *HostMapRegistry) Get(key string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.overrides[key]
	return v, ok
}

// Add registers a dial override and persists the registry to disk.
func (r *HostMapRegistry) Add(key, dial string) {
	r.mu.Lock()
	r.overrides[key] = dial
	snapshot := r.snapshotLocked()
	r.mu.Unlock()
	r.persist(snapshot)
}

// Remove deletes a dial override and persists the registry to disk.
func (r *HostMapRegistry) Remove(key string) {
	r.mu.Lock()
	delete(r.overrides, key)
	snapshot := r.snapshotLocked()
	r.mu.Unlock()
	r.persist(snapshot)
}

// All returns a copy of the current overrides, keyed by the logical
// host:port.
func (r *HostMapRegistry) All() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

func (r *HostMapRegistry) loadFromDisk() (map[string]string, error) {
	data, err := os.ReadFile(r.persistPath)
	if err != nil {
		return nil, err
	}
	var overrides map[string]string
	if err := json.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("parse %s: %w", r.persistPath, err)
	}
	return overrides, nil
}

// snapshotLocked returns a copy of the current override map. Caller must
// hold r.mu.
func (r *HostMapRegistry) snapshotLocked() map[string]string {
	out := make(map[string]string, len(r.overrides))
	for k, v := range r.overrides {
		out[k] = v
	}
	return out
}

// persist writes the given override snapshot to disk atomically. It does
// NOT hold r.mu, so it won't block Get/All calls.
func (r *HostMapRegistry) persist(overrides map[string]string) {
	if r.persistPath == "" {
		return
	}

	data, err := json.MarshalIndent(overrides, "", "  ")
	if err != nil {
		log.Printf("[HOSTMAP] Marshal error: %v", err)
		return
	}

	dir := filepath.Dir(r.persistPath)
	tmp, err := os.CreateTemp(dir, ".hostmap-*.tmp")
	if err != nil {
		log.Printf("[HOSTMAP] Persist error (create temp): %v", err)
		return
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()        //nolint:errcheck // best-effort cleanup
		os.Remove(tmpName) //nolint:errcheck // tmpName from os.CreateTemp, not user input
		log.Printf("[HOSTMAP] Persist error (write): %v", err)
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName) //nolint:errcheck // tmpName from os.CreateTemp, not user input
		log.Printf("[HOSTMAP] Persist error (close): %v", err)
		return
	}
	if err := os.Rename(tmpName, r.persistPath); err != nil { // paths from trusted config
		os.Remove(tmpName) //nolint:errcheck // tmpName from os.CreateTemp, not user input
		log.Printf("[HOSTMAP] Persist error (rename): %v", err)
		return
	}
}

// New creates a management server.
func New(cfg *config.Config, hostMap *HostMapRegistry, m *metrics.Metrics) *Server {
	s := &Server{
		cfg:       cfg,
		startTime: time.Now(),
		hostMap:   hostMap,
		token:     cfg.ManagementToken,
		metrics:   m,
	}
	if s.token != "" {
		log.Printf("[MANAGEMENT] Bearer token authentication enabled")
	}
	return s
}

// Handler returns the HTTP handler for the management API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/hostmap/add", s.handleAddHostMap)
	mux.HandleFunc("/hostmap/remove", s.handleRemoveHostMap)
	return s.authMiddleware(mux)
}

// authMiddleware checks for a valid Bearer token if one is configured.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) ||
			subtle.ConstantTimeCompare([]byte(strings.TrimSpace(auth[len(prefix):])), []byte(s.token)) != 1 {
			log.Printf("[MANAGEMENT] Unauthorized access attempt from %s to %s", r.RemoteAddr, r.URL.Path)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	type response struct {
		Status   string            `json:"status"`
		Uptime   string            `json:"uptime"`
		Port     int               `json:"port"`
		HostMap  map[string]string `json:"hostMap"`
		Outfile  string            `json:"outfile"`
	}

	resp := response{
		Status:  "running",
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
		Port:    s.cfg.Port,
		HostMap: s.hostMap.All(),
		Outfile: s.cfg.Outfile,
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAddHostMap(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1024)
	var req struct {
		Key  string `json:"key"`
		Dial string `json:"dial"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Key == "" || req.Dial == "" {
		http.Error(w, `invalid request: need {"key":"host:port","dial":"addr:port"}`, http.StatusBadRequest)
		return
	}
	s.hostMap.Add(req.Key, req.Dial)
	log.Printf("[MANAGEMENT] Added host-map override: %s -> %s", req.Key, req.Dial)
	writeJSON(w, http.StatusOK, map[string]string{"key": req.Key, "dial": req.Dial})
}

func (s *Server) handleRemoveHostMap(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1024)
	var req struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Key == "" {
		http.Error(w, `invalid request: need {"key":"host:port"}`, http.StatusBadRequest)
		return
	}
	s.hostMap.Remove(req.Key)
	log.Printf("[MANAGEMENT] Removed host-map override: %s", req.Key)
	writeJSON(w, http.StatusOK, map[string]string{"removed": req.Key})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		http.Error(w, "metrics not enabled", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[MANAGEMENT] JSON encode error: %v", err)
	}
}

// ListenAndServe starts the management HTTP server.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.BindAddress, s.cfg.ManagementPort)
	log.Printf("[MANAGEMENT] Listening on %s", addr)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}
