package models

import (
	"encoding/hex"
	"fmt"
	"time"
)

// ID is a 32-byte opaque handle used for project and milestone identifiers.
// It serializes as lowercase hex so entities round-trip exactly through the
// JSON storage codec.
type ID [32]byte

// IDFromString parses a 64-character hex string into an ID.
func IDFromString(s string) (ID, error) {
	var id ID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid id %q: %w", s, err)
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("invalid id length: got %d bytes, want %d", len(raw), len(id))
	}
	copy(id[:], raw)
	return id, nil
}

// String returns the lowercase hex encoding of the ID.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(b []byte) error {
	parsed, err := IDFromString(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// IsZero reports whether the ID is all zero bytes.
func (id ID) IsZero() bool {
	return id == ID{}
}

// Project is a registered project record owned by the ProjectRegistry
// contract. Immutable after registration except MetadataURI.
type Project struct {
	ProjectID    ID        `json:"project_id"`
	Owner        string    `json:"owner"` // strkey G... account of the registrant
	MetadataURI  string    `json:"metadata_uri"`
	RegisteredAt time.Time `json:"registered_at"` // ledger close time at registration
}

// EscrowAccount is the per-project ledger of custodied funds, created
// lazily on first deposit and never deleted. Both accumulators are
// monotonically non-decreasing and TotalClaimed <= TotalDeposited always
// holds.
type EscrowAccount struct {
	ProjectID      ID     `json:"project_id"`
	TotalDeposited int64  `json:"total_deposited"` // stroops
	TotalClaimed   int64  `json:"total_claimed"`   // stroops
	AttestationKey string `json:"attestation_pubkey"` // strkey G... release-authorization key
}

// Available returns the balance still held for the project, in stroops.
func (a EscrowAccount) Available() int64 {
	return a.TotalDeposited - a.TotalClaimed
}

// Milestone is a discrete funding tranche for a project, keyed by a
// globally unique milestone ID. Released is one-way; ReleasedAt is a unix
// timestamp that is non-zero iff Released is true.
type Milestone struct {
	ProjectID        ID     `json:"project_id"`
	MilestoneID      ID     `json:"milestone_id"`
	AmountStroops    int64  `json:"amount_stroops"`
	ProofRequired    bool   `json:"proof_required"`
	ProofSubmittedAt int64  `json:"proof_submitted_at,omitempty"` // unix seconds, 0 until proof lands
	Released         bool   `json:"released"`
	ReleasedAt       int64  `json:"released_at"` // unix seconds, 0 until release
	Recipient        string `json:"recipient"`   // strkey G... payout account
}

// ProofSubmitted reports whether completion evidence has been recorded
// for the milestone.
func (m Milestone) ProofSubmitted() bool {
	return m.ProofSubmittedAt > 0
}

// ProjectMilestonesSummary aggregates a project's milestones. It is
// maintained incrementally on every register/release call and always
// equals the sum over the project's Milestone records.
type ProjectMilestonesSummary struct {
	ProjectID          ID    `json:"project_id"`
	TotalMilestones    uint32 `json:"total_milestones"`
	ReleasedMilestones uint32 `json:"released_milestones"`
	TotalAmount        int64  `json:"total_amount"`    // stroops
	ReleasedAmount     int64  `json:"released_amount"` // stroops
}

// PendingPayout is a journaled outbound transfer the escrow has
// committed to but not yet executed on the token contract. Entries are
// keyed by the attestation nonce that authorized them and removed once
// the transfer settles.
type PendingPayout struct {
	ProjectID     ID     `json:"project_id"`
	Recipient     string `json:"recipient"`
	AmountStroops int64  `json:"amount_stroops"`
}

// Event is a structured event emitted by a contract invocation and
// committed atomically with its storage writes.
type Event struct {
	ContractID string         `json:"contract_id"`
	EventType  string         `json:"event_type"`
	Data       map[string]any `json:"data,omitempty"`
	Sequence   uint32         `json:"sequence"`
	Timestamp  time.Time      `json:"timestamp"`
}
