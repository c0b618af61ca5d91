/**
 * @description
 * This file defines the core domain models for the campaign-service. These
 * structs represent the main entities and data transfer objects (DTOs) used
 * throughout the service's business logic, database interactions, and API
 * layers.
 *
 * @notes
 * - Amounts are stored as `int64` to represent the value in the smallest
 *   currency unit, which avoids floating-point inaccuracies with financial
 *   data.
 * - Identities are internal user UUIDs; the API layer resolves them from
 *   validated JWT subjects before they reach the business logic.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

const (
	// MaxWhitelistSize bounds how many members a campaign whitelist can hold.
	MaxWhitelistSize = 10

	// MaxCampaignNameLength bounds the campaign name.
	MaxCampaignNameLength = 32

	// MaxProposalTitleLength bounds the proposal title.
	MaxProposalTitleLength = 32
)

// Campaign represents one time-boxed, target-amount contribution campaign.
// This struct maps directly to the `campaigns` table in the database.
type Campaign struct {
	ID                uuid.UUID   `json:"id"`
	CampaignNumber    int64       `json:"campaign_number"` // sequential, allocated by the campaign counter
	CreatorID         uuid.UUID   `json:"creator_id"`
	Name              string      `json:"name"`
	TargetAmount      int64       `json:"target_amount"`
	TotalContributed  int64       `json:"total_contributed"`
	TotalSpent        int64       `json:"total_spent"`
	Whitelist         []uuid.UUID `json:"whitelist"`
	IsCancelled       bool        `json:"is_cancelled"`
	IsFinalized       bool        `json:"is_finalized"`
	Deadline          time.Time   `json:"deadline"`
	ProposalCount     int32       `json:"proposal_count"`
	VaultAccountID    string      `json:"vault_account_id"`    // custodial account holding pooled funds
	WithdrawAccountID string      `json:"withdraw_account_id"` // custodial account receiving approved spending
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// Participant is the per-(campaign, user) contribution ledger entry. Created
// lazily on a user's first contribution and never deleted; refunds flip the
// flag instead.
type Participant struct {
	ID          uuid.UUID `json:"id"`
	CampaignID  uuid.UUID `json:"campaign_id"`
	UserID      uuid.UUID `json:"user_id"`
	Contributed int64     `json:"contributed"`
	Spent       int64     `json:"spent"`
	Refunded    bool      `json:"refunded"`
	NetOwed     int64     `json:"net_owed"` // contributed - spent, computed at final settlement
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ProposalType distinguishes spending proposals from the final campaign
// settlement proposal.
type ProposalType string

const (
	ProposalTypeSpending   ProposalType = "spending"
	ProposalTypeSettlement ProposalType = "settlement"
)

// SpendingShare assigns a percentage of a spending proposal's amount to one
// recipient, e.g. <user> => 30% of the proposed expense.
type SpendingShare struct {
	UserID     uuid.UUID `json:"user_id"`
	Percentage int32     `json:"percentage"`
}

// Proposal is a governance item scoped to exactly one campaign, subject to
// yes/no voting. Once `Settled` latches it is immutable.
type Proposal struct {
	ID             uuid.UUID       `json:"id"`
	CampaignID     uuid.UUID       `json:"campaign_id"`
	ProposalNumber int32           `json:"proposal_number"` // sequential per campaign
	Type           ProposalType    `json:"type"`
	Title          string          `json:"title"`
	Amount         int64           `json:"amount"`
	Spendings      []SpendingShare `json:"spendings,omitempty"`
	YesVotes       []uuid.UUID     `json:"yes_votes"`
	NoVotes        []uuid.UUID     `json:"no_votes"`
	CreatorID      uuid.UUID       `json:"creator_id"`
	Deadline       time.Time       `json:"deadline"`
	Settled        bool            `json:"settled"`
	Cancelled      bool            `json:"cancelled"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// User represents a simplified view of a user, containing only the data
// needed by the campaign-service.
type User struct {
	ID       uuid.UUID `json:"id"`
	Username string    `json:"username"`
}

// Account represents a user's internal custodial wallet.
type Account struct {
	ID              uuid.UUID `json:"id"`
	UserID          uuid.UUID `json:"user_id"`
	LedgerAccountID string    `json:"ledger_account_id"`
	Balance         int64     `json:"balance"`
}

// CreateCampaignRequest is the DTO for incoming campaign creation requests.
type CreateCampaignRequest struct {
	Name              string    `json:"name"`
	TargetAmount      int64     `json:"target_amount"`
	Deadline          time.Time `json:"deadline"`
	WithdrawAccountID string    `json:"withdraw_account_id,omitempty"`
}

// WhitelistRequest is the DTO for a batch whitelist admission.
type WhitelistRequest struct {
	UserIDs []uuid.UUID `json:"user_ids"`
}

// ContributeRequest is the DTO for a contribution to a campaign.
type ContributeRequest struct {
	Amount int64 `json:"amount"`
}

// CreateProposalRequest is the DTO for creating a spending proposal.
type CreateProposalRequest struct {
	Title     string          `json:"title"`
	Amount    int64           `json:"amount"`
	Spendings []SpendingShare `json:"spendings"`
	Deadline  time.Time       `json:"deadline"`
}

// CreateSettlementProposalRequest is the DTO for creating the final
// settlement proposal of a campaign.
type CreateSettlementProposalRequest struct {
	Deadline time.Time `json:"deadline"`
}

// VoteRequest is the DTO for casting a vote on a proposal.
type VoteRequest struct {
	Approve bool `json:"approve"`
}

// CampaignCreatedPayload is published to RabbitMQ when a campaign is created.
type CampaignCreatedPayload struct {
	CampaignID   uuid.UUID `json:"campaign_id"`
	CreatorID    uuid.UUID `json:"creator_id"`
	TargetAmount int64     `json:"target_amount"`
	Deadline     time.Time `json:"deadline"`
	Timestamp    time.Time `json:"timestamp"`
}

// ContributionRecordedPayload is published when a contribution lands.
type ContributionRecordedPayload struct {
	CampaignID       uuid.UUID `json:"campaign_id"`
	ContributorID    uuid.UUID `json:"contributor_id"`
	Amount           int64     `json:"amount"`
	TotalContributed int64     `json:"total_contributed"`
	Timestamp        time.Time `json:"timestamp"`
}

// ProposalSettledPayload is published when a proposal reaches a terminal
// settlement outcome (approved or rejected).
type ProposalSettledPayload struct {
	CampaignID uuid.UUID `json:"campaign_id"`
	ProposalID uuid.UUID `json:"proposal_id"`
	Approved   bool      `json:"approved"`
	Amount     int64     `json:"amount"`
	Timestamp  time.Time `json:"timestamp"`
}

// CampaignClosedPayload is published when a campaign is closed before its
// target was met. The refund worker consumes it to disburse refunds.
type CampaignClosedPayload struct {
	CampaignID uuid.UUID `json:"campaign_id"`
	CreatorID  uuid.UUID `json:"creator_id"`
	Timestamp  time.Time `json:"timestamp"`
}
