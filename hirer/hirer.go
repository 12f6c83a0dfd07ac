package hirer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/agentpay/broker/config"
	"github.com/agentpay/broker/nameservice"
	"github.com/agentpay/broker/orchestrator"
)

// initialPostTimeout and paidPostTimeout are the two request deadlines
// spec.md 4.H step 5 fixes: "30 s for initial POST, 120 s for the paid POST
// (work execution may be slow)."
const (
	initialPostTimeout = 30 * time.Second
	paidPostTimeout    = 120 * time.Second
)

// Result is what a hire attempt returns to its caller.
type Result struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Reason string          `json:"reason,omitempty"`
}

// Hirer resolves worker names and drives the two-phase job POST / pay /
// re-POST flow spec.md 4.H describes.
type Hirer struct {
	resolver     *nameservice.Resolver
	orchestrator *orchestrator.Orchestrator
	httpClient   *http.Client
}

// New builds a Hirer against resolver and orch.
func New(resolver *nameservice.Resolver, orch *orchestrator.Orchestrator) *Hirer {
	return &Hirer{
		resolver:     resolver,
		orchestrator: orch,
		httpClient:   &http.Client{},
	}
}

type jobOfferRequest struct {
	TaskType  string          `json:"task_type"`
	InputData json.RawMessage `json:"input_data"`
}

type jobPaidRequest struct {
	JobID        string       `json:"job_id"`
	PaymentProof paymentProof `json:"payment_proof"`
}

type paymentProof struct {
	Kind      string   `json:"kind"`
	Reference string   `json:"reference"`
	Amount    *big.Int `json:"amount"`
}

type billWire struct {
	Amount        string `json:"amount"`
	Asset         string `json:"asset"`
	WorkerAddress string `json:"worker_address"`
	ExpiresAt     int64  `json:"expires_at"`
}

type jobResponse struct {
	JobID  string          `json:"job_id"`
	Bill   *billWire       `json:"bill"`
	Reason string          `json:"reason"`
	Result json.RawMessage `json:"result"`
	Status string          `json:"status"`
}

// Hire resolves workerName, submits the job, pays the returned bill via
// pathPreference, and re-submits with the resulting proof (spec.md 4.H).
func (h *Hirer) Hire(ctx context.Context, workerName, taskType string, inputData json.RawMessage, pathPreference config.PaymentMethod) (*Result, error) {
	resolved, err := h.resolver.Resolve(ctx, workerName)
	if err != nil {
		return &Result{Status: "failed", Reason: err.Error()}, nil
	}

	offer, err := h.postJobOffer(ctx, resolved.Endpoint, taskType, inputData)
	if err != nil {
		return &Result{Status: "failed", Reason: err.Error()}, nil
	}
	if offer.Bill == nil {
		return &Result{Status: "failed", Reason: "worker did not return a bill"}, nil
	}

	bill, err := toOrchestratorBill(*offer.Bill)
	if err != nil {
		return &Result{Status: "failed", Reason: err.Error()}, nil
	}

	proof, err := h.orchestrator.Pay(ctx, bill, resolved.Address, pathPreference)
	if err != nil {
		return &Result{Status: "failed", Reason: err.Error()}, nil
	}

	paid, err := h.postPaidJob(ctx, resolved.Endpoint, offer.JobID, proof)
	if err != nil {
		return &Result{Status: "failed", Reason: err.Error()}, nil
	}
	if paid.Status != "completed" {
		reason := paid.Reason
		if reason == "" {
			reason = "worker rejected payment proof"
		}
		return &Result{Status: "failed", Reason: reason}, nil
	}

	return &Result{Status: paid.Status, Result: paid.Result}, nil
}

func (h *Hirer) postJobOffer(ctx context.Context, endpoint, taskType string, inputData json.RawMessage) (*jobResponse, error) {
	body, err := json.Marshal(jobOfferRequest{TaskType: taskType, InputData: inputData})
	if err != nil {
		return nil, fmt.Errorf("hirer: marshal job offer: %w", err)
	}
	return h.post(ctx, endpoint, body, initialPostTimeout, http.StatusPaymentRequired)
}

func (h *Hirer) postPaidJob(ctx context.Context, endpoint, jobID string, proof *orchestrator.Proof) (*jobResponse, error) {
	body, err := json.Marshal(jobPaidRequest{
		JobID: jobID,
		PaymentProof: paymentProof{
			Kind:      string(proof.Kind),
			Reference: proof.Reference,
			Amount:    proof.Amount,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("hirer: marshal paid job: %w", err)
	}
	return h.post(ctx, endpoint, body, paidPostTimeout, http.StatusOK)
}

func (h *Hirer) post(ctx context.Context, endpoint string, body []byte, timeout time.Duration, wantStatus int) (*jobResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/job", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("hirer: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("hirer: request to %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	var out jobResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("hirer: decode response from %s: %w", endpoint, err)
	}

	if resp.StatusCode != wantStatus {
		if resp.StatusCode == http.StatusPaymentRequired && out.Reason != "" {
			return &out, nil
		}
		if out.Reason != "" {
			return nil, fmt.Errorf("hirer: %s returned %d: %s", endpoint, resp.StatusCode, out.Reason)
		}
		return nil, fmt.Errorf("hirer: %s returned unexpected status %d", endpoint, resp.StatusCode)
	}

	return &out, nil
}

func toOrchestratorBill(w billWire) (orchestrator.Bill, error) {
	amount, ok := new(big.Int).SetString(w.Amount, 10)
	if !ok {
		return orchestrator.Bill{}, errors.New("hirer: bill has invalid amount")
	}
	if !common.IsHexAddress(w.WorkerAddress) {
		return orchestrator.Bill{}, errors.New("hirer: bill has invalid worker_address")
	}
	return orchestrator.Bill{
		Amount:        amount,
		Asset:         w.Asset,
		WorkerAddress: common.HexToAddress(w.WorkerAddress),
		ExpiresAt:     time.Unix(w.ExpiresAt, 0),
	}, nil
}
