// Package attest implements the signed authorization proofs that gate
// fund-release operations. An attestation is an ed25519 signature over a
// canonical message binding the network, the contract instance, the
// action, the subject entity, the amount, the recipient, and a
// replay-protection nonce. Contracts verify it against their stored
// attestation public key and consume the nonce in the same invocation.
package attest

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"

	"escrowcore/internal/host"
	"escrowcore/internal/models"

	"github.com/stellar/go/keypair"
	"github.com/stellar/go/network"
)

// Action names the state transition an attestation authorizes. The
// action is part of the signed message, so a proof for one operation can
// never authorize another.
type Action string

const (
	ActionClaim            Action = "escrow_claim"
	ActionRelease          Action = "escrow_release"
	ActionMilestoneRelease Action = "milestone_release"
)

// Attestation wire layout: 8-byte big-endian nonce followed by a 64-byte
// ed25519 signature.
const (
	nonceLen = 8

	// MinLen is the smallest byte length a well-formed attestation can
	// have. Anything shorter is rejected before signature verification.
	MinLen = nonceLen + ed25519.SignatureSize
)

// Scheme builds and verifies attestations for one network. Binding the
// network passphrase hash into the message keeps a testnet attestation
// from replaying on mainnet.
type Scheme struct {
	networkID [32]byte
}

// NewScheme creates a Scheme for the given network passphrase.
func NewScheme(networkPassphrase string) *Scheme {
	return &Scheme{networkID: network.ID(networkPassphrase)}
}

// message assembles the canonical signed payload. Variable-length fields
// are length-prefixed so no two argument tuples share an encoding.
func (s *Scheme) message(instance string, action Action, subject models.ID, amount int64, recipient string, nonce uint64) []byte {
	msg := make([]byte, 0, 128)
	msg = append(msg, s.networkID[:]...)
	msg = appendString(msg, instance)
	msg = appendString(msg, string(action))
	msg = append(msg, subject[:]...)
	msg = binary.BigEndian.AppendUint64(msg, uint64(amount))
	msg = appendString(msg, recipient)
	msg = binary.BigEndian.AppendUint64(msg, nonce)
	return msg
}

func appendString(msg []byte, s string) []byte {
	msg = binary.BigEndian.AppendUint16(msg, uint16(len(s)))
	return append(msg, s...)
}

// Sign produces attestation bytes for the given action using the signer
// secret seed (strkey S...).
func (s *Scheme) Sign(signerSeed, instance string, action Action, subject models.ID, amount int64, recipient string, nonce uint64) ([]byte, error) {
	kp, err := keypair.ParseFull(signerSeed)
	if err != nil {
		return nil, fmt.Errorf("invalid signer seed: %w", err)
	}

	sig, err := kp.Sign(s.message(instance, action, subject, amount, recipient, nonce))
	if err != nil {
		return nil, fmt.Errorf("signing attestation: %w", err)
	}

	att := make([]byte, 0, MinLen)
	att = binary.BigEndian.AppendUint64(att, nonce)
	return append(att, sig...), nil
}

// Verify checks attestation bytes against the stored public key (strkey
// G...) and returns the embedded nonce. Every failure mode maps to
// host.ErrInvalidAttestation: the caller cannot distinguish a short
// proof from a forged one, and does not need to.
func (s *Scheme) Verify(pubkey string, attestation []byte, instance string, action Action, subject models.ID, amount int64, recipient string) (uint64, error) {
	if len(attestation) < MinLen {
		return 0, fmt.Errorf("attestation too short (%d bytes): %w", len(attestation), host.ErrInvalidAttestation)
	}

	kp, err := keypair.ParseAddress(pubkey)
	if err != nil {
		return 0, fmt.Errorf("attestation key %q unusable: %w", pubkey, host.ErrInvalidAttestation)
	}

	nonce := binary.BigEndian.Uint64(attestation[:nonceLen])
	sig := attestation[nonceLen : nonceLen+ed25519.SignatureSize]

	msg := s.message(instance, action, subject, amount, recipient, nonce)
	if err := kp.Verify(msg, sig); err != nil {
		return 0, fmt.Errorf("attestation signature rejected: %w", host.ErrInvalidAttestation)
	}
	return nonce, nil
}

// NonceKey is the storage key under which a consumed nonce is recorded.
// Consuming the nonce inside the verifying invocation makes replays fail
// deterministically once the first use commits.
func NonceKey(nonce uint64) string {
	return fmt.Sprintf("nonce/%016x", nonce)
}

// ConsumeNonce records nonce usage in the invocation's staged storage,
// failing if the nonce was already consumed by a committed invocation.
func ConsumeNonce(env *host.Env, nonce uint64) error {
	key := NonceKey(nonce)
	used, err := env.Has(key)
	if err != nil {
		return err
	}
	if used {
		return fmt.Errorf("attestation nonce %d already consumed: %w", nonce, host.ErrInvalidAttestation)
	}
	return env.Put(key, true)
}
