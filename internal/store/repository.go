/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract
 * for all data access operations required by the campaign-service. By
 * defining an interface, we decouple the application's business logic from
 * the specific database implementation (e.g., PostgreSQL), making the code
 * more modular and easier to test.
 *
 * Every method that mutates more than one row executes as a single database
 * transaction: the hosting commit boundary the core relies on for its
 * all-or-nothing operation semantics.
 */

package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/chipin/campaign-service/internal/domain"
)

// ParticipantSpend is one per-recipient `spent` increment applied during a
// spending-proposal settlement.
type ParticipantSpend struct {
	UserID uuid.UUID
	Amount int64
}

// ParticipantNetOwed is one per-participant net balance persisted during the
// final campaign settlement.
type ParticipantNetOwed struct {
	UserID  uuid.UUID
	NetOwed int64
}

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// User and account methods
	// Resolve internal UUID from an auth-provider subject (e.g., "user_abc123").
	FindUserIDByAuthSubject(ctx context.Context, subject string) (string, error)
	FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error)
	FindAccountByUserID(ctx context.Context, userID uuid.UUID) (*domain.Account, error)

	// Campaign methods
	// CreateCampaign allocates the next campaign number from the singleton
	// counter and inserts the campaign row in the same transaction. Fails
	// ErrCampaignCounterOverflow if the counter would wrap.
	CreateCampaign(ctx context.Context, campaign *domain.Campaign) (*domain.Campaign, error)
	FindCampaignByID(ctx context.Context, campaignID uuid.UUID) (*domain.Campaign, error)
	ListCampaignsByCreator(ctx context.Context, creatorID uuid.UUID) ([]domain.Campaign, error)
	// AddToWhitelist appends the batch to the campaign whitelist. The whole
	// batch is admitted or none of it (capacity and duplicate checks happen
	// in the service before this call; the unique constraint is a backstop).
	AddToWhitelist(ctx context.Context, campaignID uuid.UUID, userIDs []uuid.UUID) error
	MarkCampaignCancelled(ctx context.Context, campaignID uuid.UUID) error

	// Participant ledger methods
	FindParticipant(ctx context.Context, campaignID, userID uuid.UUID) (*domain.Participant, error)
	FindParticipantsByCampaignID(ctx context.Context, campaignID uuid.UUID) ([]domain.Participant, error)
	// ApplyContribution upserts the participant entry and bumps the campaign
	// running total as one atomic unit. Overflow is checked by the caller
	// against the freshly loaded state before this is invoked.
	ApplyContribution(ctx context.Context, campaignID, userID uuid.UUID, amount int64) error
	// MarkParticipantRefunded flips the refunded latch; returns false when the
	// entry was already refunded so disbursement stays exactly-once.
	MarkParticipantRefunded(ctx context.Context, campaignID, userID uuid.UUID) (bool, error)

	// Proposal methods
	// CreateProposal allocates the per-campaign proposal number and increments
	// campaign.proposal_count in the same transaction.
	CreateProposal(ctx context.Context, proposal *domain.Proposal) (*domain.Proposal, error)
	FindProposalByID(ctx context.Context, proposalID uuid.UUID) (*domain.Proposal, error)
	ListProposalsByCampaignID(ctx context.Context, campaignID uuid.UUID) ([]domain.Proposal, error)
	// AppendVote records one vote; the unique (proposal, voter) constraint
	// surfaces as ErrDuplicateVote.
	AppendVote(ctx context.Context, proposalID, voterID uuid.UUID, approve bool) error

	// Settlement methods. Each latches `settled` with a guarded update: a
	// concurrent second attempt observes zero affected rows and fails
	// ErrProposalAlreadySettled.
	RejectProposal(ctx context.Context, proposalID uuid.UUID) error
	ApplySpendingSettlement(ctx context.Context, proposalID, campaignID uuid.UUID, amount int64, spends []ParticipantSpend) error
	ApplyFinalSettlement(ctx context.Context, proposalID, campaignID uuid.UUID, balances []ParticipantNetOwed) error
}
