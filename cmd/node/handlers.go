package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dreamware/ramstream/internal/cluster"
	"github.com/dreamware/ramstream/internal/replica"
)

// newHandler serves the backup node HTTP API over node.
func newHandler(node *replica.Node) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("POST "+cluster.PathChunk, func(w http.ResponseWriter, r *http.Request) {
		var req cluster.ChunkRequest
		if !decode(w, r, &req) {
			return
		}
		reply(w, node.ReceiveMemoryChunk(r.Context(), req.VMID, req.Pages))
	})

	mux.HandleFunc("POST "+cluster.PathFinalState, func(w http.ResponseWriter, r *http.Request) {
		var req cluster.FinalStateRequest
		if !decode(w, r, &req) {
			return
		}
		reply(w, node.ReceiveFinalState(r.Context(), req.VMID, req.State))
	})

	mux.HandleFunc("POST "+cluster.PathPromote, func(w http.ResponseWriter, r *http.Request) {
		var req cluster.VMRequest
		if !decode(w, r, &req) {
			return
		}
		reply(w, node.PromoteToPrimary(r.Context(), req.VMID))
	})

	mux.HandleFunc("POST "+cluster.PathRemaining, func(w http.ResponseWriter, r *http.Request) {
		var req cluster.ChunkRequest
		if !decode(w, r, &req) {
			return
		}
		reply(w, node.ApplyRemainingPages(r.Context(), req.VMID, req.Pages))
	})

	mux.HandleFunc("POST "+cluster.PathResume, func(w http.ResponseWriter, r *http.Request) {
		var req cluster.VMRequest
		if !decode(w, r, &req) {
			return
		}
		reply(w, node.ResumeVM(r.Context(), req.VMID))
	})

	mux.HandleFunc("GET "+cluster.PathLag, func(w http.ResponseWriter, r *http.Request) {
		vmID := r.URL.Query().Get("vm")
		lag, err := node.ReplicationLag(r.Context(), vmID)
		if err != nil {
			writeReplicaError(w, err)
			return
		}
		cluster.WriteJSON(w, http.StatusOK, cluster.LagResponse{VMID: vmID, Lag: lag})
	})

	mux.HandleFunc("GET "+cluster.PathReplicas, func(w http.ResponseWriter, _ *http.Request) {
		cluster.WriteJSON(w, http.StatusOK, struct {
			NodeID   string         `json:"node_id"`
			Replicas []replica.Info `json:"replicas"`
		}{NodeID: node.ID(), Replicas: node.Set().List()})
	})

	mux.HandleFunc("GET "+cluster.PathReplicas+"/{vm}", func(w http.ResponseWriter, r *http.Request) {
		rep, err := node.Set().Get(r.PathValue("vm"))
		if err != nil {
			writeReplicaError(w, err)
			return
		}
		cluster.WriteJSON(w, http.StatusOK, rep.Info())
	})

	mux.HandleFunc("DELETE "+cluster.PathReplicas+"/{vm}", func(w http.ResponseWriter, r *http.Request) {
		if !node.Set().Remove(r.PathValue("vm")) {
			writeReplicaError(w, replica.ErrUnknownVM)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	return mux
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		cluster.WriteError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

func reply(w http.ResponseWriter, err error) {
	if err != nil {
		writeReplicaError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeReplicaError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, replica.ErrUnknownVM):
		code = http.StatusNotFound
	case errors.Is(err, replica.ErrNotStandby), errors.Is(err, replica.ErrNotPromoted):
		code = http.StatusConflict
	}
	cluster.WriteError(w, code, err)
}
