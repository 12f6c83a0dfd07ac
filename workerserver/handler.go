package workerserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agentpay/broker/identity"
	"github.com/agentpay/broker/metrics"
)

var (
	errInsufficientAmount = errors.New("workerserver: proof amount is less than the bill")
	errUnknownProofKind   = errors.New("workerserver: unknown payment_proof kind")
)

// WorkCollaborator performs the purchased task once payment is verified.
// spec.md scopes the collaborator's own implementation out: "the hosting
// agent that actually performs the purchased task (the broker only
// delivers the job payload to a work-performing collaborator and relays
// its answer)".
type WorkCollaborator interface {
	Perform(ctx context.Context, taskType string, input json.RawMessage) (json.RawMessage, error)
}

// ProofVerifier checks a submitted payment proof against a Bill without
// calling back to the client, per spec.md 4: "the worker MUST be able to
// verify a proof without calling back to the client."
type ProofVerifier interface {
	VerifyChannelClose(ctx context.Context, reference string, bill Bill) error
	VerifyAppSessionState(ctx context.Context, reference string, bill Bill) error
}

// StatusRecorder is the optional external status-record writer spec.md 4.G
// describes; failures are ignored, mirroring the teacher's
// best-effort-discovery write pattern.
type StatusRecorder interface {
	Record(state State)
}

// PriceTable maps task_type to a bill amount for that task.
type PriceTable map[string]*big.Int

// Server implements the worker HTTP API (§6): POST /job and GET /health.
type Server struct {
	identity *identity.Identity
	table    *Table
	prices   PriceTable
	asset    string
	work     WorkCollaborator
	verifier ProofVerifier
	status   StatusRecorder
	billTTL  time.Duration
	log      *slog.Logger
	metrics  *metrics.Metrics
}

// Config configures a Server.
type Config struct {
	Identity       *identity.Identity
	Prices         PriceTable
	Asset          string
	Work           WorkCollaborator
	Verifier       ProofVerifier
	Status         StatusRecorder
	MaxOutstanding int
	BillTTL        time.Duration
	Log            *slog.Logger
	Metrics        *metrics.Metrics
}

// New builds a Server from cfg.
func New(cfg Config) *Server {
	if cfg.MaxOutstanding == 0 {
		cfg.MaxOutstanding = 32
	}
	if cfg.BillTTL == 0 {
		cfg.BillTTL = 5 * time.Minute
	}
	return &Server{
		identity: cfg.Identity,
		table:    NewTable(cfg.MaxOutstanding),
		prices:   cfg.Prices,
		asset:    cfg.Asset,
		work:     cfg.Work,
		verifier: cfg.Verifier,
		status:   cfg.Status,
		billTTL:  cfg.BillTTL,
		log:      cfg.Log,
		metrics:  cfg.Metrics,
	}
}

// RegisterRoutes mounts the worker HTTP API onto r.
func (s *Server) RegisterRoutes(r chi.Router) {
	r.Post("/job", s.handleJob)
	r.Get("/health", s.handleHealth)
}

type jobRequest struct {
	TaskType     string          `json:"task_type"`
	InputData    json.RawMessage `json:"input_data"`
	JobID        string          `json:"job_id"`
	PaymentProof *paymentProof   `json:"payment_proof"`
}

type paymentProof struct {
	Kind      string   `json:"kind"`
	Reference string   `json:"reference"`
	Amount    *big.Int `json:"amount"`
}

type billResponse struct {
	Amount        string `json:"amount"`
	Asset         string `json:"asset"`
	WorkerAddress string `json:"worker_address"`
	ExpiresAt     int64  `json:"expires_at"`
}

func toBillResponse(b Bill) billResponse {
	return billResponse{
		Amount:        b.Amount.String(),
		Asset:         b.Asset,
		WorkerAddress: b.WorkerAddress.Hex(),
		ExpiresAt:     b.ExpiresAt.Unix(),
	}
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if req.JobID == "" {
		s.handleNewJob(w, r, req)
		return
	}
	s.handlePaidJob(w, r, req)
}

func (s *Server) handleNewJob(w http.ResponseWriter, r *http.Request, req jobRequest) {
	price, ok := s.prices[req.TaskType]
	if !ok {
		s.rejectMetric("unknown_task_type")
		http.Error(w, "unknown task_type", http.StatusBadRequest)
		return
	}

	bill := s.mintBill(price)

	job, err := s.table.New(req.TaskType, req.InputData, bill)
	if err != nil {
		s.rejectMetric("overloaded")
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	s.record(StateAwaitingPayment)
	s.acceptMetric(req.TaskType)

	writeJSON(w, http.StatusPaymentRequired, map[string]any{
		"job_id": job.ID,
		"bill":   toBillResponse(bill),
		"reason": "payment required",
	})
}

func (s *Server) mintBill(price *big.Int) Bill {
	return Bill{
		Amount:        new(big.Int).Set(price),
		Asset:         s.asset,
		WorkerAddress: s.identity.Address,
		ExpiresAt:     time.Now().Add(s.billTTL),
	}
}

func (s *Server) handlePaidJob(w http.ResponseWriter, r *http.Request, req jobRequest) {
	job, err := s.table.Get(req.JobID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	if job.State == StateCompleted {
		writeJSON(w, http.StatusOK, map[string]any{
			"job_id": job.ID,
			"result": job.Result,
			"status": string(StateCompleted),
		})
		return
	}

	if req.PaymentProof == nil {
		s.rejectMetric("missing_proof")
		http.Error(w, "missing payment_proof", http.StatusBadRequest)
		return
	}
	if time.Now().After(job.Bill.ExpiresAt) {
		price := s.prices[job.TaskType]
		fresh := s.mintBill(price)
		job = s.table.Reissue(job.ID, fresh)
		s.rejectMetric("bill_expired")
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"job_id": job.ID,
			"bill":   toBillResponse(fresh),
			"reason": "bill_expired",
		})
		return
	}

	if err := s.verifyProof(r.Context(), *req.PaymentProof, job.Bill); err != nil {
		s.rejectMetric("proof_invalid")
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"job_id": job.ID,
			"bill":   toBillResponse(job.Bill),
			"reason": err.Error(),
		})
		return
	}

	job, accepted := s.table.BeginWork(job.ID)
	if !accepted && job.State != StateCompleted {
		s.rejectMetric("proof_mismatch")
		http.Error(w, "proof mismatch", http.StatusConflict)
		return
	}
	s.record(StateWorking)

	result, err := s.work.Perform(r.Context(), job.TaskType, job.InputData)
	if err != nil {
		s.completeMetric("error")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.table.Complete(job.ID, result)
	s.record(StateCompleted)
	s.completeMetric("ok")

	writeJSON(w, http.StatusOK, map[string]any{
		"job_id": job.ID,
		"result": result,
		"status": string(StateCompleted),
	})
}

func (s *Server) verifyProof(ctx context.Context, proof paymentProof, bill Bill) error {
	if proof.Amount != nil && proof.Amount.Cmp(bill.Amount) < 0 {
		return errInsufficientAmount
	}
	switch proof.Kind {
	case "channel_close":
		return s.verifier.VerifyChannelClose(ctx, proof.Reference, bill)
	case "app_session_state":
		return s.verifier.VerifyAppSessionState(ctx, proof.Reference, bill)
	default:
		return errUnknownProofKind
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"address":   s.identity.Address.Hex(),
		"open_jobs": s.table.OutstandingCount(),
	})
}

func (s *Server) record(state State) {
	if s.status != nil {
		s.status.Record(state)
	}
}

func (s *Server) acceptMetric(taskType string) {
	if s.metrics != nil {
		s.metrics.JobsAccepted.WithLabelValues(taskType).Inc()
	}
}

func (s *Server) rejectMetric(reason string) {
	if s.metrics != nil {
		s.metrics.JobsRejected.WithLabelValues(reason).Inc()
	}
}

func (s *Server) completeMetric(outcome string) {
	if s.metrics != nil {
		s.metrics.JobsCompleted.WithLabelValues(outcome).Inc()
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
