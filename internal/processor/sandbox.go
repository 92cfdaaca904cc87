package processor

import (
	"context"
	"fmt"
	"sync"
)

// Sandbox is an in-memory processor. References are deterministic and
// failures can be injected.
type Sandbox struct {
	mu sync.Mutex

	chargeErr   error
	refundErr   error
	transferErr error

	charges   map[string]ChargeRequest
	refunds   []RefundRequest
	transfers []TransferRequest
	seq       int
}

func NewSandbox() *Sandbox {
	return &Sandbox{
		charges: make(map[string]ChargeRequest),
	}
}

// FailCharges makes all following charges fail with err. nil resets.
func (s *Sandbox) FailCharges(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chargeErr = err
}

// FailRefunds makes all following refunds fail with err. nil resets.
func (s *Sandbox) FailRefunds(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refundErr = err
}

// FailTransfers makes all following transfers fail with err. nil resets.
func (s *Sandbox) FailTransfers(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transferErr = err
}

func (s *Sandbox) CreateCharge(_ context.Context, req ChargeRequest) (Charge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.chargeErr != nil {
		return Charge{}, s.chargeErr
	}

	s.seq++
	ref := fmt.Sprintf("ch_sandbox_%d", s.seq)
	s.charges[ref] = req

	return Charge{
		Reference:    ref,
		ClientSecret: ref + "_secret",
		Status:       "processing",
	}, nil
}

func (s *Sandbox) Refund(_ context.Context, req RefundRequest) (RefundResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refundErr != nil {
		return RefundResult{}, s.refundErr
	}

	if _, ok := s.charges[req.Reference]; !ok {
		return RefundResult{}, fmt.Errorf("%w: no such charge %s", ErrDeclined, req.Reference)
	}

	s.refunds = append(s.refunds, req)
	return RefundResult{
		ID:     "re_" + req.RefundID.String(),
		Status: "succeeded",
	}, nil
}

func (s *Sandbox) Transfer(_ context.Context, req TransferRequest) (Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.transferErr != nil {
		return Transfer{}, s.transferErr
	}

	s.transfers = append(s.transfers, req)
	return Transfer{Reference: "tr_" + req.PayoutID.String()}, nil
}

// Charges returns the number of charges created.
func (s *Sandbox) Charges() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.charges)
}

// Refunds returns a copy of all refund requests.
func (s *Sandbox) Refunds() []RefundRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RefundRequest(nil), s.refunds...)
}

// Transfers returns a copy of all transfer requests.
func (s *Sandbox) Transfers() []TransferRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TransferRequest(nil), s.transfers...)
}
