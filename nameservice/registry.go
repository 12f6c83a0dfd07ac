package nameservice

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
)

// Registry is an in-memory stand-in for the decentralised name service
// spec.md treats as an external system. It backs the `agentpay registry`
// command and this package's tests, registering and resolving names
// without a real on-chain name service.
type Registry struct {
	adminToken string

	mu      sync.RWMutex
	entries map[string]records
}

// NewRegistry builds an empty Registry. adminToken, if non-empty, gates
// registration behind HTTP basic auth ("user:pass"), mirroring the
// teacher's admin-vs-public route split for registration endpoints.
func NewRegistry(adminToken string) *Registry {
	return &Registry{
		adminToken: adminToken,
		entries:    make(map[string]records),
	}
}

// RegisterRoutes mounts the resolver and admin registration endpoints.
func (reg *Registry) RegisterRoutes(r chi.Router) {
	r.Get("/resolve/{name}", reg.handleResolve)
	r.With(reg.requireAdmin).Post("/register/{name}", reg.handleRegister)
}

func (reg *Registry) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reg.adminToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user+":"+pass != reg.adminToken {
			w.Header().Set("WWW-Authenticate", `Basic realm="agentpay-nameservice"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (reg *Registry) handleResolve(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	reg.mu.RLock()
	rec, ok := reg.entries[name]
	reg.mu.RUnlock()

	if !ok {
		http.Error(w, "name not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rec)
}

func (reg *Registry) handleRegister(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var rec records
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if rec.Endpoint == "" || rec.Address == "" {
		http.Error(w, "endpoint and address are required", http.StatusBadRequest)
		return
	}
	rec.Endpoint = strings.TrimSuffix(rec.Endpoint, "/")

	reg.mu.Lock()
	reg.entries[name] = rec
	reg.mu.Unlock()

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]bool{"success": true})
}
