package workerserver

import (
	"encoding/json"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// State is a Job's position in the state machine spec.md 4.G / 4.I describe.
type State string

const (
	StateAwaitingPayment State = "awaiting-payment"
	StateWorking         State = "working"
	StateCompleted       State = "completed"
)

// Bill is the price quoted to the client in a 402 response.
type Bill struct {
	Amount        *big.Int       `json:"amount"`
	Asset         string         `json:"asset"`
	WorkerAddress common.Address `json:"worker_address"`
	ExpiresAt     time.Time      `json:"expires_at"`
}

// Job is one job_id's full lifecycle record.
type Job struct {
	ID        string
	TaskType  string
	InputData json.RawMessage
	Bill      Bill
	State     State
	Result    json.RawMessage
	ProofSeen bool
}

// ErrOverloaded is returned when the outstanding job count exceeds the
// configured cap (spec.md §5 backpressure: "the worker server rejects new
// jobs with 503 if the outstanding job count exceeds a configurable cap").
var ErrOverloaded = errors.New("workerserver: too many outstanding jobs")

// ErrUnknownJob is returned for an unrecognized job_id.
var ErrUnknownJob = errors.New("workerserver: unknown job_id")

// Table is the in-memory job_id -> Job map. All transitions are atomic
// under a single mutex (spec.md §5: "guarded by a mutex; transitions are
// atomic").
type Table struct {
	mu             sync.Mutex
	jobs           map[string]*Job
	maxOutstanding int
}

// NewTable builds an empty Table capped at maxOutstanding concurrently
// awaiting-payment or working jobs.
func NewTable(maxOutstanding int) *Table {
	return &Table{jobs: make(map[string]*Job), maxOutstanding: maxOutstanding}
}

// New mints a fresh job_id, records the job as awaiting-payment, and
// returns it. Fails with ErrOverloaded if too many jobs are outstanding.
func (t *Table) New(taskType string, input json.RawMessage, bill Bill) (*Job, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.outstandingLocked() >= t.maxOutstanding {
		return nil, ErrOverloaded
	}

	job := &Job{
		ID:        uuid.NewString(),
		TaskType:  taskType,
		InputData: input,
		Bill:      bill,
		State:     StateAwaitingPayment,
	}
	t.jobs[job.ID] = job
	return job, nil
}

// OutstandingCount returns the number of jobs currently awaiting payment or
// being worked, for use in health reporting.
func (t *Table) OutstandingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outstandingLocked()
}

func (t *Table) outstandingLocked() int {
	n := 0
	for _, j := range t.jobs {
		if j.State == StateAwaitingPayment || j.State == StateWorking {
			n++
		}
	}
	return n
}

// Get returns the job for id, or ErrUnknownJob.
func (t *Table) Get(id string) (*Job, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	job, ok := t.jobs[id]
	if !ok {
		return nil, ErrUnknownJob
	}
	return job, nil
}

// BeginWork transitions job from awaiting-payment to working, guarding
// against a second proof being accepted for the same job (spec.md 4.G
// idempotence: "multiple proofs for the same job_id are rejected after the
// first is accepted"). Returns false for an unknown job or while an earlier
// proof's work is still in flight; returns true for a job that has already
// completed, so the caller can serve its cached result.
func (t *Table) BeginWork(id string) (*Job, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, ok := t.jobs[id]
	if !ok {
		return nil, false
	}
	if job.ProofSeen {
		return job, job.State == StateCompleted
	}
	job.ProofSeen = true
	job.State = StateWorking
	return job, true
}

// Complete records job's result and transitions it to completed.
func (t *Table) Complete(id string, result json.RawMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if job, ok := t.jobs[id]; ok {
		job.Result = result
		job.State = StateCompleted
	}
}

// Reissue replaces job id's bill with fresh and reverts it to
// awaiting-payment, per spec.md §7 BillExpired: "client MAY retry from step
// 2 with a fresh bill" — the job_id stays the same, only the bill and its
// expiry move forward.
func (t *Table) Reissue(id string, fresh Bill) *Job {
	t.mu.Lock()
	defer t.mu.Unlock()
	job, ok := t.jobs[id]
	if !ok || job.State == StateCompleted {
		return job
	}
	job.Bill = fresh
	job.ProofSeen = false
	job.State = StateAwaitingPayment
	return job
}
