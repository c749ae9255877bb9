package vmhost

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dreamware/ramstream/internal/cluster"
	"github.com/dreamware/ramstream/internal/replication"
)

// Host agent API paths.
const (
	PathDirtyPages     = "/vms/dirty-pages"
	PathCapture        = "/vms/capture"
	PathResumeOnTarget = "/vms/resume-on-target"
	PathThrottleCPU    = "/vms/throttle/cpu"
	PathThrottleIO     = "/vms/throttle/io"
	PathPause          = "/vms/pause"
	PathResume         = "/vms/resume"
	PathVMs            = "/vms"
)

// ThrottleRequest carries a CPU or I/O throttle directive.
type ThrottleRequest struct {
	VMID      string  `json:"vm_id"`
	Intensity float64 `json:"intensity"`
}

// TargetRequest names the node a migrated VM resumes on.
type TargetRequest struct {
	VMID   string `json:"vm_id"`
	NodeID string `json:"node_id"`
}

// PagesResponse is the reply of PathDirtyPages.
type PagesResponse struct {
	Pages []replication.MemoryPage `json:"pages"`
}

// StateResponse is the reply of PathCapture.
type StateResponse struct {
	State []byte `json:"state"`
}

// lister is implemented by hosts that can enumerate and add VMs.
type lister interface {
	List() []VMStatus
	AddVM(spec VMSpec) error
}

// NewHandler exposes host as the host agent HTTP API. PathVMs is served
// only when host can list VMs.
func NewHandler(host replication.VMHost) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc(PathDirtyPages, post(func(w http.ResponseWriter, r *http.Request) {
		var req cluster.VMRequest
		if !decode(w, r, &req) {
			return
		}
		pages, err := host.GetDirtyPages(r.Context(), req.VMID)
		if err != nil {
			writeHostError(w, err)
			return
		}
		cluster.WriteJSON(w, http.StatusOK, PagesResponse{Pages: pages})
	}))

	mux.HandleFunc(PathCapture, post(func(w http.ResponseWriter, r *http.Request) {
		var req cluster.VMRequest
		if !decode(w, r, &req) {
			return
		}
		state, err := host.PauseAndCaptureFinalState(r.Context(), req.VMID)
		if err != nil {
			writeHostError(w, err)
			return
		}
		cluster.WriteJSON(w, http.StatusOK, StateResponse{State: state})
	}))

	mux.HandleFunc(PathResumeOnTarget, post(func(w http.ResponseWriter, r *http.Request) {
		var req TargetRequest
		if !decode(w, r, &req) {
			return
		}
		reply(w, host.ResumeVMOnTarget(r.Context(), req.VMID, req.NodeID))
	}))

	mux.HandleFunc(PathThrottleCPU, post(func(w http.ResponseWriter, r *http.Request) {
		var req ThrottleRequest
		if !decode(w, r, &req) {
			return
		}
		reply(w, host.ThrottleCPU(r.Context(), req.VMID, req.Intensity))
	}))

	mux.HandleFunc(PathThrottleIO, post(func(w http.ResponseWriter, r *http.Request) {
		var req ThrottleRequest
		if !decode(w, r, &req) {
			return
		}
		reply(w, host.ThrottleIO(r.Context(), req.VMID, req.Intensity))
	}))

	mux.HandleFunc(PathPause, post(func(w http.ResponseWriter, r *http.Request) {
		var req cluster.VMRequest
		if !decode(w, r, &req) {
			return
		}
		reply(w, host.PauseExecution(r.Context(), req.VMID))
	}))

	mux.HandleFunc(PathResume, post(func(w http.ResponseWriter, r *http.Request) {
		var req cluster.VMRequest
		if !decode(w, r, &req) {
			return
		}
		reply(w, host.ResumeExecution(r.Context(), req.VMID))
	}))

	if l, ok := host.(lister); ok {
		mux.HandleFunc(PathVMs, func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet:
				cluster.WriteJSON(w, http.StatusOK, l.List())
			case http.MethodPost:
				var spec VMSpec
				if !decode(w, r, &spec) {
					return
				}
				if err := l.AddVM(spec); err != nil {
					cluster.WriteError(w, http.StatusBadRequest, err)
					return
				}
				w.WriteHeader(http.StatusCreated)
			default:
				w.WriteHeader(http.StatusMethodNotAllowed)
			}
		})
	}

	return mux
}

func post(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
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
		writeHostError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeHostError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	if errors.Is(err, replication.ErrUnknownVM) {
		code = http.StatusNotFound
	}
	cluster.WriteError(w, code, err)
}
