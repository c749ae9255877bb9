package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dreamware/ramstream/internal/cluster"
	"github.com/dreamware/ramstream/internal/config"
	"github.com/dreamware/ramstream/internal/coordinator"
	"github.com/dreamware/ramstream/internal/replication"
)

type server struct {
	manager *replication.Manager
	dir     *coordinator.Directory
}

// MigrateRequest is the body of POST /vms/{id}/migrate.
type MigrateRequest struct {
	TargetNode string `json:"target_node"`
}

// FailoverRequest is the body of POST /vms/{id}/failover.
type FailoverRequest struct {
	FailedNode string `json:"failed_node"`
}

// FailoverResponse names the node that now runs the VM.
type FailoverResponse struct {
	VMID     string `json:"vm_id"`
	Promoted string `json:"promoted"`
}

func newServer(cfg *config.Config, host replication.VMHost, dial coordinator.DialFunc, reg prometheus.Registerer) (*server, error) {
	dir := coordinator.NewDirectory(coordinator.NewPlacementRegistry(), dial)
	m, err := replication.NewManager(cfg, host, dir, replication.WithRegisterer(reg))
	if err != nil {
		return nil, err
	}
	return &server{manager: m, dir: dir}, nil
}

func (s *server) routes(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("POST /register", s.handleRegister)
	mux.HandleFunc("GET /nodes", s.handleListNodes)
	mux.HandleFunc("GET /placements", s.handlePlacements)
	mux.HandleFunc("GET /vms", s.handleListVMs)
	mux.HandleFunc("GET /vms/{id}", s.handleStatus)
	mux.HandleFunc("POST /vms/{id}/start", s.handleStart)
	mux.HandleFunc("POST /vms/{id}/stop", s.handleStop)
	mux.HandleFunc("POST /vms/{id}/migrate", s.handleMigrate)
	mux.HandleFunc("POST /vms/{id}/failover", s.handleFailover)
	return mux
}

func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req cluster.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if err := s.dir.Register(req.Node); err != nil {
		cluster.WriteError(w, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	cluster.WriteJSON(w, http.StatusOK, struct {
		Nodes []cluster.NodeInfo `json:"nodes"`
	}{Nodes: s.dir.Registry().Nodes()})
}

func (s *server) handlePlacements(w http.ResponseWriter, r *http.Request) {
	cluster.WriteJSON(w, http.StatusOK, struct {
		Placements []coordinator.Placement `json:"placements"`
	}{Placements: s.dir.Registry().Placements()})
}

func (s *server) handleListVMs(w http.ResponseWriter, r *http.Request) {
	cluster.WriteJSON(w, http.StatusOK, struct {
		VMs []replication.VMReplicationState `json:"vms"`
	}{VMs: s.manager.List()})
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.manager.Status(r.PathValue("id"))
	if err != nil {
		writeReplicationError(w, err)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, st)
}

func (s *server) handleStart(w http.ResponseWriter, r *http.Request) {
	vmID := r.PathValue("id")
	if err := s.manager.StartVMReplication(r.Context(), vmID); err != nil {
		writeReplicationError(w, err)
		return
	}
	s.handleStatus(w, r)
}

func (s *server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.StopVMReplication(r.Context(), r.PathValue("id")); err != nil {
		writeReplicationError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleMigrate(w http.ResponseWriter, r *http.Request) {
	var req MigrateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TargetNode == "" {
		http.Error(w, "target_node required", http.StatusBadRequest)
		return
	}
	if err := s.manager.ExecutePlannedMigration(r.Context(), r.PathValue("id"), req.TargetNode); err != nil {
		writeReplicationError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleFailover(w http.ResponseWriter, r *http.Request) {
	var req FailoverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	vmID := r.PathValue("id")
	promoted, err := s.manager.HandleUnplannedFailover(r.Context(), vmID, req.FailedNode)
	if err != nil {
		writeReplicationError(w, err)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, FailoverResponse{VMID: vmID, Promoted: promoted})
}

// Close stops every replication loop and closes node transports.
func (s *server) Close(ctx context.Context) error {
	var errs *multierror.Error
	errs = multierror.Append(errs, s.manager.Close(ctx))
	errs = multierror.Append(errs, s.dir.Close())
	return errs.ErrorOrNil()
}

func writeReplicationError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, replication.ErrUnknownVM):
		code = http.StatusNotFound
	case errors.Is(err, replication.ErrAlreadyReplicating), errors.Is(err, replication.ErrInvalidPhase):
		code = http.StatusConflict
	case errors.Is(err, replication.ErrNoBackupNodes), errors.Is(err, coordinator.ErrNoNodes):
		code = http.StatusServiceUnavailable
	case errors.Is(err, replication.ErrConvergenceTimeout):
		code = http.StatusGatewayTimeout
	case errors.Is(err, replication.ErrMigrationFailed), errors.Is(err, replication.ErrFailoverFailed):
		code = http.StatusBadGateway
	}
	cluster.WriteError(w, code, err)
}
