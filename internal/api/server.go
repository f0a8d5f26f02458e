// Package api is the bridge's REST surface: every typed engine operation is
// exposed over HTTP so external collaborators drive the exact code path the
// orchestrator does.
package api

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/fibernet/backend/internal/bridge"
)

// Server routes HTTP requests into the bridge engine.
type Server struct {
	engine *bridge.Engine
	reader bridge.FiberReader
	logger *log.Logger
}

// NewServer builds the REST surface over an engine. reader backs the
// read-only fiber endpoint.
func NewServer(engine *bridge.Engine, reader bridge.FiberReader) *Server {
	return &Server{
		engine: engine,
		reader: reader,
		logger: log.New(log.Writer(), "[BRIDGE-API] ", log.LstdFlags),
	}
}

// Register mounts all routes on the router.
func (s *Server) Register(r *mux.Router) {
	r.HandleFunc("/agents", s.handleRegisterAgent).Methods("POST")
	r.HandleFunc("/agents/{fiberId}/activate", s.handleActivateAgent).Methods("POST")
	r.HandleFunc("/agents/{fiberId}/withdraw", s.handleWithdrawAgent).Methods("POST")

	r.HandleFunc("/contracts", s.handleProposeContract).Methods("POST")
	r.HandleFunc("/contracts/{fiberId}/accept", s.handleAcceptContract).Methods("POST")
	r.HandleFunc("/contracts/{fiberId}/reject", s.handleRejectContract).Methods("POST")
	r.HandleFunc("/contracts/{fiberId}/complete", s.handleCompleteContract).Methods("POST")
	r.HandleFunc("/contracts/{fiberId}/dispute", s.handleDisputeContract).Methods("POST")
	r.HandleFunc("/contracts/{fiberId}/finalize", s.handleFinalizeContract).Methods("POST")

	r.HandleFunc("/markets", s.handleCreateMarket).Methods("POST")
	r.HandleFunc("/markets/{fiberId}/open", s.handleOpenMarket).Methods("POST")
	r.HandleFunc("/markets/{fiberId}/commit", s.handleCommitMarket).Methods("POST")
	r.HandleFunc("/markets/{fiberId}/close", s.handleCloseMarket).Methods("POST")
	r.HandleFunc("/markets/{fiberId}/begin-resolution", s.handleBeginResolution).Methods("POST")
	r.HandleFunc("/markets/{fiberId}/resolutions", s.handleSubmitResolution).Methods("POST")
	r.HandleFunc("/markets/{fiberId}/finalize", s.handleFinalizeMarket).Methods("POST")
	r.HandleFunc("/markets/{fiberId}/refund", s.handleRefundMarket).Methods("POST")
	r.HandleFunc("/markets/{fiberId}/claim", s.handleClaimMarket).Methods("POST")
	r.HandleFunc("/markets/{fiberId}/cancel", s.handleCancelMarket).Methods("POST")

	r.HandleFunc("/fibers", s.handleCreateFiber).Methods("POST")
	r.HandleFunc("/fibers/{fiberId}/events", s.handleTransitionFiber).Methods("POST")
	r.HandleFunc("/fibers/{fiberId}", s.handleGetFiber).Methods("GET")
}

// keyedRequest is the common body shape for single-signer lifecycle verbs.
type keyedRequest struct {
	PrivateKey string `json:"privateKey"`
	Reason     string `json:"reason,omitempty"`
	Proof      string `json:"proof,omitempty"`
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req bridge.RegisterAgentRequest
	if !decode(w, r, &req) {
		return
	}
	res, oerr := s.engine.RegisterAgent(r.Context(), req)
	s.respond(w, res, oerr)
}

func (s *Server) handleActivateAgent(w http.ResponseWriter, r *http.Request) {
	var req keyedRequest
	if !decode(w, r, &req) {
		return
	}
	res, oerr := s.engine.ActivateAgent(r.Context(), req.PrivateKey, mux.Vars(r)["fiberId"])
	s.respond(w, res, oerr)
}

func (s *Server) handleWithdrawAgent(w http.ResponseWriter, r *http.Request) {
	var req keyedRequest
	if !decode(w, r, &req) {
		return
	}
	res, oerr := s.engine.WithdrawAgent(r.Context(), req.PrivateKey, mux.Vars(r)["fiberId"])
	s.respond(w, res, oerr)
}

func (s *Server) handleProposeContract(w http.ResponseWriter, r *http.Request) {
	var req bridge.ProposeContractRequest
	if !decode(w, r, &req) {
		return
	}
	res, oerr := s.engine.ProposeContract(r.Context(), req)
	s.respond(w, res, oerr)
}

func (s *Server) handleAcceptContract(w http.ResponseWriter, r *http.Request) {
	var req keyedRequest
	if !decode(w, r, &req) {
		return
	}
	res, oerr := s.engine.AcceptContract(r.Context(), req.PrivateKey, mux.Vars(r)["fiberId"])
	s.respond(w, res, oerr)
}

func (s *Server) handleRejectContract(w http.ResponseWriter, r *http.Request) {
	var req keyedRequest
	if !decode(w, r, &req) {
		return
	}
	res, oerr := s.engine.RejectContract(r.Context(), req.PrivateKey, mux.Vars(r)["fiberId"], req.Reason)
	s.respond(w, res, oerr)
}

func (s *Server) handleCompleteContract(w http.ResponseWriter, r *http.Request) {
	var req keyedRequest
	if !decode(w, r, &req) {
		return
	}
	res, oerr := s.engine.CompleteContract(r.Context(), req.PrivateKey, mux.Vars(r)["fiberId"], req.Proof)
	s.respond(w, res, oerr)
}

func (s *Server) handleDisputeContract(w http.ResponseWriter, r *http.Request) {
	var req keyedRequest
	if !decode(w, r, &req) {
		return
	}
	res, oerr := s.engine.DisputeContract(r.Context(), req.PrivateKey, mux.Vars(r)["fiberId"], req.Reason)
	s.respond(w, res, oerr)
}

func (s *Server) handleFinalizeContract(w http.ResponseWriter, r *http.Request) {
	var req keyedRequest
	if !decode(w, r, &req) {
		return
	}
	res, oerr := s.engine.FinalizeContract(r.Context(), req.PrivateKey, mux.Vars(r)["fiberId"])
	s.respond(w, res, oerr)
}

func (s *Server) handleCreateMarket(w http.ResponseWriter, r *http.Request) {
	var req bridge.CreateMarketRequest
	if !decode(w, r, &req) {
		return
	}
	res, oerr := s.engine.CreateMarket(r.Context(), req)
	s.respond(w, res, oerr)
}

func (s *Server) handleOpenMarket(w http.ResponseWriter, r *http.Request) {
	var req keyedRequest
	if !decode(w, r, &req) {
		return
	}
	res, oerr := s.engine.OpenMarket(r.Context(), req.PrivateKey, mux.Vars(r)["fiberId"])
	s.respond(w, res, oerr)
}

func (s *Server) handleCommitMarket(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PrivateKey string                 `json:"privateKey"`
		Amount     float64                `json:"amount"`
		Data       map[string]interface{} `json:"data,omitempty"`
	}
	if !decode(w, r, &req) {
		return
	}
	res, oerr := s.engine.CommitMarket(r.Context(), req.PrivateKey, mux.Vars(r)["fiberId"], req.Amount, req.Data)
	s.respond(w, res, oerr)
}

func (s *Server) handleCloseMarket(w http.ResponseWriter, r *http.Request) {
	var req keyedRequest
	if !decode(w, r, &req) {
		return
	}
	res, oerr := s.engine.CloseMarket(r.Context(), req.PrivateKey, mux.Vars(r)["fiberId"])
	s.respond(w, res, oerr)
}

func (s *Server) handleBeginResolution(w http.ResponseWriter, r *http.Request) {
	var req keyedRequest
	if !decode(w, r, &req) {
		return
	}
	res, oerr := s.engine.BeginResolution(r.Context(), req.PrivateKey, mux.Vars(r)["fiberId"])
	s.respond(w, res, oerr)
}

func (s *Server) handleSubmitResolution(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PrivateKey string `json:"privateKey"`
		Outcome    string `json:"outcome"`
		Proof      string `json:"proof,omitempty"`
	}
	if !decode(w, r, &req) {
		return
	}
	res, oerr := s.engine.SubmitResolution(r.Context(), req.PrivateKey, mux.Vars(r)["fiberId"], req.Outcome, req.Proof)
	s.respond(w, res, oerr)
}

func (s *Server) handleFinalizeMarket(w http.ResponseWriter, r *http.Request) {
	var req keyedRequest
	if !decode(w, r, &req) {
		return
	}
	res, oerr := s.engine.FinalizeMarket(r.Context(), req.PrivateKey, mux.Vars(r)["fiberId"])
	s.respond(w, res, oerr)
}

func (s *Server) handleRefundMarket(w http.ResponseWriter, r *http.Request) {
	var req keyedRequest
	if !decode(w, r, &req) {
		return
	}
	res, oerr := s.engine.RefundMarket(r.Context(), req.PrivateKey, mux.Vars(r)["fiberId"])
	s.respond(w, res, oerr)
}

func (s *Server) handleClaimMarket(w http.ResponseWriter, r *http.Request) {
	var req keyedRequest
	if !decode(w, r, &req) {
		return
	}
	res, oerr := s.engine.ClaimMarket(r.Context(), req.PrivateKey, mux.Vars(r)["fiberId"])
	s.respond(w, res, oerr)
}

func (s *Server) handleCancelMarket(w http.ResponseWriter, r *http.Request) {
	var req keyedRequest
	if !decode(w, r, &req) {
		return
	}
	res, oerr := s.engine.CancelMarket(r.Context(), req.PrivateKey, mux.Vars(r)["fiberId"])
	s.respond(w, res, oerr)
}

func (s *Server) handleCreateFiber(w http.ResponseWriter, r *http.Request) {
	var req struct {
		bridge.CreateFiberRequest
		// Callers may name a registry workflow instead of shipping a full
		// definition.
		Workflow string `json:"workflow,omitempty"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Workflow != "" {
		wf, ok := s.engine.Registry().Get(req.Workflow)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown workflow "+req.Workflow, nil)
			return
		}
		req.Definition = wf.ChainDefinition()
	}
	res, oerr := s.engine.CreateFiber(r.Context(), req.CreateFiberRequest)
	s.respond(w, res, oerr)
}

func (s *Server) handleTransitionFiber(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PrivateKey string                 `json:"privateKey"`
		EventName  string                 `json:"eventName"`
		Payload    map[string]interface{} `json:"payload,omitempty"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.EventName == "" {
		writeError(w, http.StatusBadRequest, "eventName is required", nil)
		return
	}
	res, oerr := s.engine.TransitionFiber(r.Context(), req.PrivateKey, mux.Vars(r)["fiberId"], req.EventName, req.Payload)
	s.respond(w, res, oerr)
}

func (s *Server) handleGetFiber(w http.ResponseWriter, r *http.Request) {
	fiberID := mux.Vars(r)["fiberId"]
	fiber, err := s.reader.GetStateMachine(r.Context(), fiberID)
	if err != nil {
		writeError(w, http.StatusNotFound, "fiber not visible: "+fiberID, nil)
		return
	}
	writeJSON(w, http.StatusOK, fiber)
}

// respond writes either the operation result or its OpError with the status
// the taxonomy maps to.
func (s *Server) respond(w http.ResponseWriter, res interface{}, oerr *bridge.OpError) {
	if oerr != nil {
		details := map[string]string{"kind": oerr.Kind.String()}
		writeError(w, oerr.Kind.HTTPStatus(), oerr.Message, details)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body", nil)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, details map[string]string) {
	body := map[string]interface{}{"error": msg}
	if details != nil {
		body["details"] = details
	}
	writeJSON(w, status, body)
}

// Workflows lists the registry for discovery clients.
func (s *Server) Workflows() []string { return s.engine.Registry().Names() }
