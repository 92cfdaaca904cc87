package aggregator

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/kindly-giving/backend/internal/models"
)

// Sandbox serves transactions from memory in pages of PageSize.
type Sandbox struct {
	mu           sync.Mutex
	PageSize     int
	transactions map[string][]Transaction
	consents     map[string]Consent
	err          error
}

func NewSandbox() *Sandbox {
	return &Sandbox{
		PageSize:     50,
		transactions: make(map[string][]Transaction),
		consents:     make(map[string]Consent),
	}
}

// Add appends transactions to an account.
func (s *Sandbox) Add(accountID string, transactions ...Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transactions[accountID] = append(s.transactions[accountID], transactions...)
}

// SetConsent sets the consent reported for an account. Accounts without a
// consent set report an active one.
func (s *Sandbox) SetConsent(accountID string, consent Consent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consents[accountID] = consent
}

// Fail makes all following calls fail with err. nil resets.
func (s *Sandbox) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *Sandbox) ListTransactions(_ context.Context, accountID, cursor string) (Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return Page{}, s.err
	}

	offset := 0
	if cursor != "" {
		var err error
		offset, err = strconv.Atoi(cursor)
		if err != nil {
			return Page{}, fmt.Errorf("%w: invalid cursor %q", models.ErrExternal, cursor)
		}
	}

	all := s.transactions[accountID]
	if offset >= len(all) {
		return Page{Transactions: []Transaction{}}, nil
	}

	end := min(offset+s.PageSize, len(all))
	page := Page{Transactions: append([]Transaction(nil), all[offset:end]...)}
	if end < len(all) {
		page.NextCursor = strconv.Itoa(end)
	}

	return page, nil
}

func (s *Sandbox) Consent(_ context.Context, accountID string) (Consent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return Consent{}, s.err
	}

	consent, ok := s.consents[accountID]
	if !ok {
		return Consent{Status: string(models.ConsentActive)}, nil
	}

	return consent, nil
}
