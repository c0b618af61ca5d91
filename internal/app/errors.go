/**
 * @description
 * Sentinel errors returned by the campaign service's business logic. Handlers
 * match on these with errors.Is to choose HTTP status codes; the store layer
 * has its own sentinels which the service maps onto these at its boundary.
 */

package app

import "errors"

// Validation failures: the request is malformed regardless of current state.
var (
	ErrNameTooLong       = errors.New("campaign name exceeds maximum length")
	ErrTitleTooLong      = errors.New("proposal title exceeds maximum length")
	ErrInvalidDeadline   = errors.New("deadline must be in the future")
	ErrNoParticipants    = errors.New("spending proposal needs at least one recipient")
	ErrInvalidPercentage = errors.New("spending percentages must be within 1-100 and sum to 100")
	ErrInvalidAmount     = errors.New("amount must be positive")
)

// Authorization failures: the caller is not entitled to the operation.
var (
	ErrUnauthorised        = errors.New("only the campaign creator may do this")
	ErrNotWhitelisted      = errors.New("user is not on the campaign whitelist")
	ErrNotAuthorizedToVote = errors.New("user is not eligible to vote on this proposal")
)

// Timing failures: the operation is valid but not at this moment.
var (
	ErrDeadlineAlreadyReached = errors.New("campaign deadline has passed")
	ErrDeadlineNotReached     = errors.New("campaign deadline has not passed yet")
	ErrProposalExpired        = errors.New("proposal voting deadline has passed")
	ErrTooEarlyToSettle       = errors.New("proposal has not reached quorum yet")
)

// State-conflict failures: current state forbids the transition.
var (
	ErrTargetMetAlready  = errors.New("campaign met its target and cannot be closed")
	ErrCampaignCancelled = errors.New("campaign is cancelled")
	ErrWhitelistFull     = errors.New("campaign whitelist is at capacity")
	ErrDuplicateWallet   = errors.New("user is already on the whitelist")
	ErrAlreadyVoted      = errors.New("user has already voted on this proposal")
	ErrAlreadySettled    = errors.New("proposal is already settled")
)

// Arithmetic failures: a counter or amount would leave the representable
// range. These abort the operation with no partial effect.
var (
	ErrCounterOverflow         = errors.New("campaign counter overflow")
	ErrProposalCounterOverflow = errors.New("proposal counter overflow")
	ErrContributionOverflow    = errors.New("contribution total overflow")
	ErrMathOverflow            = errors.New("arithmetic overflow")
)

// Settlement account-set failures: the participant ledger entries presented
// for settlement do not match the expected set.
var (
	ErrInvalidParticipantAccounts = errors.New("participant entries do not match the expected settlement set")
	ErrMissingParticipantAccount  = errors.New("missing participant entry for settlement")
	ErrInvalidParticipantEvent    = errors.New("participant entry belongs to another campaign")
	ErrInvalidParticipantWallet   = errors.New("unexpected participant entry in settlement set")
)
