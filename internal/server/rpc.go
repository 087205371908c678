package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/copyleftdev/molmin/internal/minimize"
)

type rpcRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      interface{}       `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params,omitempty"`
}

type jobRef struct {
	JobID string `json:"job_id"`
	Keep  bool   `json:"keep,omitempty"`
}

// handleJSONRPC handles JSON-RPC 2.0 requests
func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	var request rpcRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&request); err != nil {
		s.respondWithError(w, -32700, "Parse error", nil)
		return
	}

	// Validate JSON-RPC 2.0 request
	if request.JSONRPC != "2.0" {
		s.respondWithError(w, -32600, "Invalid Request", request.ID)
		return
	}

	var (
		result interface{}
		err    error
	)
	switch request.Method {
	case "minimization.start":
		result, err = s.rpcStart(request.Params)
	case "minimization.status":
		result, err = s.rpcStatus(request.Params)
	case "minimization.cancel":
		result, err = s.rpcCancel(request.Params)
	case "minimization.list":
		result = map[string]interface{}{"jobs": s.list()}
	default:
		s.respondWithError(w, -32601, "Method not found", request.ID)
		return
	}

	if err != nil {
		s.respondWithError(w, rpcCode(err), err.Error(), request.ID)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      request.ID,
		"result":  result,
	})
}

// rpcStart handles minimization.start.
// Expected parameters: [job document]
// Returns: the job view with its job_id.
func (s *Server) rpcStart(params []json.RawMessage) (interface{}, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("missing required parameters")
	}
	var job minimize.Job
	if err := json.Unmarshal(params[0], &job); err != nil {
		return nil, fmt.Errorf("invalid job: %w", err)
	}
	return s.startJob(&job)
}

// rpcStatus handles minimization.status.
// Expected parameters: [{"job_id": "..."}]
func (s *Server) rpcStatus(params []json.RawMessage) (interface{}, error) {
	ref, err := parseJobRef(params)
	if err != nil {
		return nil, err
	}
	return s.view(ref.JobID, true)
}

// rpcCancel handles minimization.cancel.
// Expected parameters: [{"job_id": "...", "keep": false}]
func (s *Server) rpcCancel(params []json.RawMessage) (interface{}, error) {
	ref, err := parseJobRef(params)
	if err != nil {
		return nil, err
	}
	if err := s.cancelJob(ref.JobID, ref.Keep); err != nil {
		return nil, err
	}
	return map[string]string{"status": "cancellation requested"}, nil
}

func parseJobRef(params []json.RawMessage) (jobRef, error) {
	var ref jobRef
	if len(params) == 0 {
		return ref, fmt.Errorf("missing required parameters")
	}
	if err := json.Unmarshal(params[0], &ref); err != nil {
		return ref, fmt.Errorf("invalid parameter format, expected object: %w", err)
	}
	if ref.JobID == "" {
		return ref, fmt.Errorf("job_id is required")
	}
	return ref, nil
}

// respondWithError sends a JSON-RPC 2.0 error response
func (s *Server) respondWithError(w http.ResponseWriter, code int, message string, id interface{}) {
	s.logger.Error("Request error", map[string]interface{}{
		"status":  code,
		"message": message,
	})

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"jsonrpc": "2.0",
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
		"id": id,
	})
}
