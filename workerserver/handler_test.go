package workerserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/agentpay/broker/identity"
	"github.com/agentpay/broker/workerserver"
)

type stubWork struct {
	result json.RawMessage
	err    error
	calls  int
}

func (w *stubWork) Perform(ctx context.Context, taskType string, input json.RawMessage) (json.RawMessage, error) {
	w.calls++
	if w.err != nil {
		return nil, w.err
	}
	return w.result, nil
}

type stubVerifier struct {
	channelErr error
	appErr     error
}

func (v *stubVerifier) VerifyChannelClose(ctx context.Context, reference string, bill workerserver.Bill) error {
	return v.channelErr
}

func (v *stubVerifier) VerifyAppSessionState(ctx context.Context, reference string, bill workerserver.Bill) error {
	return v.appErr
}

func newTestServer(t *testing.T, work *stubWork, verifier *stubVerifier, billTTL time.Duration) (*httptest.Server, *workerserver.Server) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	id := identity.New("worker.eth", key)

	srv := workerserver.New(workerserver.Config{
		Identity: id,
		Prices:   workerserver.PriceTable{"summarize": big.NewInt(1_000_000)},
		Asset:    "ytest.usd",
		Work:     work,
		Verifier: verifier,
		BillTTL:  billTTL,
	})

	r := chi.NewRouter()
	srv.RegisterRoutes(r)
	return httptest.NewServer(r), srv
}

func postJob(t *testing.T, ts *httptest.Server, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+"/job", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func TestNewJobReturns402WithBill(t *testing.T) {
	ts, _ := newTestServer(t, &stubWork{}, &stubVerifier{}, time.Minute)
	defer ts.Close()

	resp := postJob(t, ts, map[string]any{"task_type": "summarize", "input_data": json.RawMessage(`{"text":"hi"}`)})
	defer resp.Body.Close()
	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)

	var body struct {
		JobID string `json:"job_id"`
		Bill  struct {
			Amount string `json:"amount"`
		} `json:"bill"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotEmpty(t, body.JobID)
	require.Equal(t, "1000000", body.Bill.Amount)
}

func TestUnknownTaskTypeRejected(t *testing.T) {
	ts, _ := newTestServer(t, &stubWork{}, &stubVerifier{}, time.Minute)
	defer ts.Close()

	resp := postJob(t, ts, map[string]any{"task_type": "nonexistent"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPaidJobRunsWorkAndReturns200(t *testing.T) {
	work := &stubWork{result: json.RawMessage(`{"summary":"ok"}`)}
	ts, _ := newTestServer(t, work, &stubVerifier{}, time.Minute)
	defer ts.Close()

	resp := postJob(t, ts, map[string]any{"task_type": "summarize", "input_data": json.RawMessage(`{}`)})
	var offer struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&offer))
	resp.Body.Close()

	paid := postJob(t, ts, map[string]any{
		"job_id": offer.JobID,
		"payment_proof": map[string]any{
			"kind":      "channel_close",
			"reference": "0xdead",
			"amount":    1_000_000,
		},
	})
	defer paid.Body.Close()
	require.Equal(t, http.StatusOK, paid.StatusCode)
	require.Equal(t, 1, work.calls)

	// A second POST with a fresh proof must not re-run the work collaborator;
	// it returns the cached result (spec.md 4.G idempotence).
	replay := postJob(t, ts, map[string]any{
		"job_id": offer.JobID,
		"payment_proof": map[string]any{
			"kind":      "channel_close",
			"reference": "0xbeef",
			"amount":    1_000_000,
		},
	})
	defer replay.Body.Close()
	require.Equal(t, http.StatusOK, replay.StatusCode)
	require.Equal(t, 1, work.calls)
}

func TestInsufficientProofAmountRejectedWith402(t *testing.T) {
	ts, _ := newTestServer(t, &stubWork{}, &stubVerifier{}, time.Minute)
	defer ts.Close()

	resp := postJob(t, ts, map[string]any{"task_type": "summarize", "input_data": json.RawMessage(`{}`)})
	var offer struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&offer))
	resp.Body.Close()

	paid := postJob(t, ts, map[string]any{
		"job_id": offer.JobID,
		"payment_proof": map[string]any{
			"kind":      "channel_close",
			"reference": "0xdead",
			"amount":    1,
		},
	})
	defer paid.Body.Close()
	require.Equal(t, http.StatusPaymentRequired, paid.StatusCode)
}

func TestExpiredBillReissuedWith402(t *testing.T) {
	ts, _ := newTestServer(t, &stubWork{}, &stubVerifier{}, time.Second)
	defer ts.Close()

	resp := postJob(t, ts, map[string]any{"task_type": "summarize", "input_data": json.RawMessage(`{}`)})
	var offer struct {
		JobID string `json:"job_id"`
		Bill  struct {
			ExpiresAt int64 `json:"expires_at"`
		} `json:"bill"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&offer))
	resp.Body.Close()

	time.Sleep(1100 * time.Millisecond)

	paid := postJob(t, ts, map[string]any{
		"job_id": offer.JobID,
		"payment_proof": map[string]any{
			"kind":      "channel_close",
			"reference": "0xdead",
			"amount":    1_000_000,
		},
	})
	defer paid.Body.Close()
	require.Equal(t, http.StatusPaymentRequired, paid.StatusCode)

	var out struct {
		JobID  string `json:"job_id"`
		Reason string `json:"reason"`
		Bill   struct {
			ExpiresAt int64 `json:"expires_at"`
		} `json:"bill"`
	}
	require.NoError(t, json.NewDecoder(paid.Body).Decode(&out))
	require.Equal(t, "bill_expired", out.Reason)
	require.Equal(t, offer.JobID, out.JobID)
	require.Greater(t, out.Bill.ExpiresAt, offer.Bill.ExpiresAt)
}

func TestOverloadedRejectedWith503(t *testing.T) {
	work := &stubWork{}
	ts, srv := newTestServer(t, work, &stubVerifier{}, time.Minute)
	defer ts.Close()
	_ = srv

	// The default cap is 32; fill it with awaiting-payment jobs.
	for i := 0; i < 32; i++ {
		resp := postJob(t, ts, map[string]any{"task_type": "summarize", "input_data": json.RawMessage(`{}`)})
		resp.Body.Close()
	}
	resp := postJob(t, ts, map[string]any{"task_type": "summarize", "input_data": json.RawMessage(`{}`)})
	defer resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHealthReportsOpenJobs(t *testing.T) {
	ts, _ := newTestServer(t, &stubWork{}, &stubVerifier{}, time.Minute)
	defer ts.Close()

	resp := postJob(t, ts, map[string]any{"task_type": "summarize", "input_data": json.RawMessage(`{}`)})
	resp.Body.Close()

	health, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer health.Body.Close()
	require.Equal(t, http.StatusOK, health.StatusCode)

	var body struct {
		OpenJobs int `json:"open_jobs"`
	}
	require.NoError(t, json.NewDecoder(health.Body).Decode(&body))
	require.Equal(t, 1, body.OpenJobs)
}
