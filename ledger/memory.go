package ledger

import (
	"context"
	"fmt"
	"sync"
)

// FaultPolicy decides whether a transfer should fail. Injected only by
// tests and local demo setups; production wiring leaves it nil.
type FaultPolicy interface {
	Fail(req Transfer) bool
}

// FaultFunc adapts a function to a FaultPolicy.
type FaultFunc func(req Transfer) bool

func (f FaultFunc) Fail(req Transfer) bool { return f(req) }

// Memory is an in-process gateway with exactly-once effect per idempotency
// key. It backs local development and the test suites.
type Memory struct {
	mu     sync.Mutex
	seq    int64
	byKey  map[string]Receipt
	policy FaultPolicy
}

func NewMemory() *Memory {
	return &Memory{byKey: make(map[string]Receipt)}
}

// WithFaultPolicy installs a failure injector.
func (m *Memory) WithFaultPolicy(policy FaultPolicy) *Memory {
	m.policy = policy
	return m
}

func (m *Memory) Transfer(_ context.Context, req Transfer) (Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if req.IdempotencyKey != "" {
		if receipt, ok := m.byKey[req.IdempotencyKey]; ok {
			return receipt, nil
		}
	}

	if m.policy != nil && m.policy.Fail(req) {
		return Receipt{}, ErrTransferFailed
	}

	m.seq++
	receipt := Receipt{TxID: fmt.Sprintf("0x%016x", m.seq)}
	if req.IdempotencyKey != "" {
		m.byKey[req.IdempotencyKey] = receipt
	}
	return receipt, nil
}

// Applied reports how many distinct transfers have been applied.
func (m *Memory) Applied() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int(m.seq)
}
