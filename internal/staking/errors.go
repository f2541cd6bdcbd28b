package staking

import "github.com/atmx/yield-engine/internal/apperr"

var (
	// ErrReentrant is returned when an operation is invoked while the same
	// call chain already holds the pool's execution token.
	ErrReentrant = apperr.New(apperr.Busy, "staking: re-entrant call rejected")

	// ErrPoolInactive is returned when buying or staking into a paused pool.
	ErrPoolInactive = apperr.New(apperr.Validation, "staking: pool is not active")

	// ErrLockNotAllowed is returned for a lock duration outside the policy.
	ErrLockNotAllowed = apperr.New(apperr.Validation, "staking: lock duration not allowed")

	// ErrNoPosition is returned when the caller holds no position in the pool.
	ErrNoPosition = apperr.New(apperr.NotFound, "staking: no position")

	// ErrNothingToClaim is returned when a claim would pay nothing.
	ErrNothingToClaim = apperr.New(apperr.Validation, "staking: nothing to claim")

	// ErrUnauthorized is returned when the caller lacks the required role.
	ErrUnauthorized = apperr.New(apperr.Authorization, "staking: caller not authorized")

	// ErrInsufficientAllocation is returned when a purchase exceeds what is
	// left of the sale allocation.
	ErrInsufficientAllocation = apperr.New(apperr.Validation, "staking: sale allocation exhausted")

	// ErrInvalidPool is returned for malformed pool parameters.
	ErrInvalidPool = apperr.New(apperr.Validation, "staking: invalid pool parameters")

	// ErrInvalidPolicy is returned for a malformed policy.
	ErrInvalidPolicy = apperr.New(apperr.Validation, "staking: invalid policy")

	// ErrLiquidityExceeded is returned when a liquidity callback exceeds the
	// earmark, the outstanding amount, or the collected quote.
	ErrLiquidityExceeded = apperr.New(apperr.Validation, "staking: liquidity amount exceeds what is available")

	// ErrInvariantViolation is returned when an operation would leave the
	// pool's accounting inconsistent. The operation is aborted.
	ErrInvariantViolation = apperr.New(apperr.Invariant, "staking: invariant violation")

	// ErrCollaboratorFailed is returned when a collaborator call after commit
	// failed and the operation was rolled back. Nothing is left applied.
	ErrCollaboratorFailed = apperr.New(apperr.Unavailable, "staking: collaborator failed; operation rolled back")

	// ErrDeliveryFailed is returned when a post-commit step failed and the
	// rollback could not be committed either. An alarm has been raised and
	// the pool needs operator attention.
	ErrDeliveryFailed = apperr.New(apperr.Invariant, "staking: post-commit delivery failed and could not be rolled back")
)
