// Package token defines the fungible-token collaborator the escrow
// custody sits on. The contract core only drives transfers through the
// Client interface; which asset contract actually moves is deployment
// configuration.
package token

import (
	"context"
	"fmt"
	"sync"
)

// Client moves amount stroops of the custodied asset between holders.
// A non-nil error means no funds moved and the calling invocation must
// abort without mutating state.
type Client interface {
	Transfer(ctx context.Context, from, to string, amount int64) error
}

// Memory is an in-process asset ledger implementing Client. It mirrors
// the behavior of a standard asset contract closely enough for the test
// suites and standalone runs: balances, minting, and hard failure on
// insufficient funds.
type Memory struct {
	mu       sync.Mutex
	balances map[string]int64
}

// NewMemory creates an asset ledger with no balances.
func NewMemory() *Memory {
	return &Memory{balances: make(map[string]int64)}
}

// Mint credits amount stroops to addr.
func (m *Memory) Mint(addr string, amount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[addr] += amount
}

// Transfer moves amount stroops from one holder to another.
func (m *Memory) Transfer(ctx context.Context, from, to string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("transfer amount must be positive, got %d", amount)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.balances[from] < amount {
		return fmt.Errorf("insufficient token balance: %s holds %d stroops, needs %d", from, m.balances[from], amount)
	}
	m.balances[from] -= amount
	m.balances[to] += amount
	return nil
}

// Balance returns the stroops held by addr.
func (m *Memory) Balance(addr string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[addr]
}
