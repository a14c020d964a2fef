package host

import "errors"

// Sentinel errors for every way a contract invocation can fail. All of
// them are terminal for the invocation: the staging buffer is discarded
// and no storage write or event reaches the backend.
var (
	ErrAlreadyInitialized  = errors.New("already initialized")
	ErrNotInitialized      = errors.New("not initialized")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrAlreadyReleased     = errors.New("already released")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAttestation  = errors.New("invalid attestation")
	ErrUnauthorized        = errors.New("unauthorized")
)

// ErrCommitFailed marks an invocation whose function succeeded but whose
// storage commit could not be applied. It is deliberately outside the
// contract error taxonomy: the invocation body may have driven external
// collaborators (token transfers), so callers must never re-execute it
// blindly the way they would retry a transient read failure.
var ErrCommitFailed = errors.New("commit failed")

var contractErrors = []error{
	ErrAlreadyInitialized,
	ErrNotInitialized,
	ErrInvalidAmount,
	ErrNotFound,
	ErrAlreadyExists,
	ErrAlreadyReleased,
	ErrInsufficientBalance,
	ErrInvalidAttestation,
	ErrUnauthorized,
}

// IsContractError reports whether err is (or wraps) one of the contract
// sentinel errors above. Callers use this to tell a deterministic
// rejection apart from a transient backend failure: the former will fail
// identically on every retry.
func IsContractError(err error) bool {
	for _, sentinel := range contractErrors {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
