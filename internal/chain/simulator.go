package chain

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"

	"github.com/google/uuid"
)

// Simulator is an in-process execution layer for local runs and tests.
// Submissions settle to Outcome on the first receipt poll.
type Simulator struct {
	mu          sync.Mutex
	byEscrow    map[string]Submission
	receipts    map[string]Receipt
	roots       map[string]string
	failures    []error
	submissions int

	Outcome      ReceiptStatus
	RevertReason string
}

func NewSimulator() *Simulator {
	return &Simulator{
		byEscrow: make(map[string]Submission),
		receipts: make(map[string]Receipt),
		roots:    make(map[string]string),
		Outcome:  ReceiptSuccess,
	}
}

// FailNext queues errors returned by the next SubmitExecution calls.
func (s *Simulator) FailNext(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, errs...)
}

func (s *Simulator) SetRoot(policyID, root string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roots[policyID] = root
}

// Settle forces the receipt for handle.
func (s *Simulator) Settle(handle string, r Receipt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts[handle] = r
}

// Submissions counts accepted submissions, excluding idempotent replays.
func (s *Simulator) Submissions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submissions
}

func (s *Simulator) SubmitExecution(ctx context.Context, req ExecutionRequest) (Submission, error) {
	if err := ctx.Err(); err != nil {
		return Submission{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		return Submission{}, err
	}
	if sub, ok := s.byEscrow[req.EscrowID]; ok {
		return sub, nil
	}
	sub := Submission{Handle: uuid.NewString(), TxHash: randomHash()}
	s.byEscrow[req.EscrowID] = sub
	s.submissions++
	return sub, nil
}

func (s *Simulator) GetReceipt(ctx context.Context, handle string) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.receipts[handle]; ok {
		return r, nil
	}
	for escrowID, sub := range s.byEscrow {
		if sub.Handle != handle {
			continue
		}
		r := Receipt{Status: s.Outcome, TxHash: sub.TxHash, ChainEscrowID: "sim-" + escrowID}
		if s.Outcome == ReceiptReverted {
			r.Reason = s.RevertReason
		}
		s.receipts[handle] = r
		return r, nil
	}
	return Receipt{}, ErrHandleNotFound
}

func (s *Simulator) GetMembershipRoot(ctx context.Context, policyID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	root, ok := s.roots[policyID]
	if !ok {
		return "", ErrRootNotFound
	}
	return root, nil
}

func randomHash() string {
	var b [32]byte
	_, _ = rand.Read(b[:])
	return "0x" + hex.EncodeToString(b[:])
}
