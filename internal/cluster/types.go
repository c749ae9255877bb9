package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dreamware/ramstream/internal/replication"
)

// NodeInfo identifies a backup node. Addr is the node's HTTP base URL;
// GRPCAddr, when set, is the host:port of its gRPC replica service.
type NodeInfo struct {
	ID       string `json:"id"`
	Addr     string `json:"addr"`
	GRPCAddr string `json:"grpc_addr,omitempty"`
}

type RegisterRequest struct {
	Node NodeInfo `json:"node"`
}

// Backup node HTTP API.
const (
	PathChunk      = "/replicas/chunk"
	PathFinalState = "/replicas/final-state"
	PathPromote    = "/replicas/promote"
	PathRemaining  = "/replicas/remaining"
	PathResume     = "/replicas/resume"
	PathLag        = "/replicas/lag"
	PathReplicas   = "/replicas"
)

type ChunkRequest struct {
	VMID  string                   `json:"vm_id"`
	Pages []replication.MemoryPage `json:"pages"`
}

type FinalStateRequest struct {
	VMID  string `json:"vm_id"`
	State []byte `json:"state"`
}

type VMRequest struct {
	VMID string `json:"vm_id"`
}

type LagResponse struct {
	VMID string        `json:"vm_id"`
	Lag  time.Duration `json:"lag_ns"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// StatusError is returned by PostJSON and GetJSON for non-2xx responses.
type StatusError struct {
	URL     string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %s: %d", e.URL, e.Code)
	}
	return fmt.Sprintf("http %s: %d: %s", e.URL, e.Code, e.Message)
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

func PostJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return statusError(url, resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return statusError(url, resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// statusError reads the error message of a failed response, accepting both
// an ErrorResponse body and plain text.
func statusError(url string, resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(data))

	var body ErrorResponse
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	return &StatusError{URL: url, Code: resp.StatusCode, Message: msg}
}

// WriteJSON writes v as a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes err as an ErrorResponse.
func WriteError(w http.ResponseWriter, code int, err error) {
	WriteJSON(w, code, ErrorResponse{Error: err.Error()})
}
