/**
 * @description
 * This file contains the core business logic for the campaign-service. The
 * `Service` struct orchestrates the campaign/proposal/settlement state
 * machine, coordinating between the database repository, the custodial
 * ledger client, and the message broker.
 *
 * Key features:
 * - Implements the main use cases: campaign lifecycle, whitelist admission,
 *   contributions, proposal governance and both settlement paths.
 * - Every precondition is validated against freshly loaded state before any
 *   mutation; counters only move through overflow-checked arithmetic.
 * - Fund movement is delegated to the ledger collaborator and must complete
 *   before ledger state is recorded.
 * - Publishes events to RabbitMQ for asynchronous processing (refunds,
 *   notifications) by other services.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/ledgerclient, pkg/accountclient, pkg/rabbitmq: For external service
 *   communication.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/chipin/campaign-service/internal/domain"
	"github.com/chipin/campaign-service/internal/store"
	"github.com/chipin/campaign-service/pkg/accountclient"
	"github.com/chipin/campaign-service/pkg/ledgerclient"
	"github.com/chipin/campaign-service/pkg/rabbitmq"
)

// CampaignEventsExchange is the topic exchange campaign lifecycle events are
// published to.
const CampaignEventsExchange = "campaign.events"

// ErrRateLimited is returned when a caller exceeds the configured request
// budget for an endpoint.
var ErrRateLimited = errors.New("too many requests")

// FundMover is the fund-transfer collaborator: it moves an amount between
// two custodial ledger accounts as an all-or-nothing operation.
type FundMover interface {
	BookTransfer(ctx context.Context, fromAccountID, toAccountID, reason string, amount int64) (*ledgerclient.TransferResponse, error)
}

// VaultProvisioner creates the custodial vault account that holds a
// campaign's pooled funds.
type VaultProvisioner interface {
	CreateVaultAccount(ctx context.Context, reference string) (*accountclient.CreateVaultAccountResponse, error)
}

// RateLimiter consumes one unit of a caller's request budget and reports the
// running count within the window.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// Service provides the core business logic for campaigns.
type Service struct {
	repo     store.Repository
	ledger   FundMover
	accounts VaultProvisioner
	producer rabbitmq.Publisher

	now func() time.Time

	rateLimiter              RateLimiter
	contributeLimitPerMinute int
	voteLimitPerMinute       int
}

// NewService creates a new campaign service instance.
func NewService(repo store.Repository, ledger FundMover, accounts VaultProvisioner, producer rabbitmq.Publisher) *Service {
	return &Service{
		repo:     repo,
		ledger:   ledger,
		accounts: accounts,
		producer: producer,
		now:      time.Now,
	}
}

// SetClock overrides the service's time source. Used by tests; the default
// is time.Now.
func (s *Service) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// SetRateLimiter wires a distributed rate limiter for the contribution and
// voting endpoints.
func (s *Service) SetRateLimiter(limiter RateLimiter, contributePerMinute, votePerMinute int) {
	s.rateLimiter = limiter
	s.contributeLimitPerMinute = contributePerMinute
	s.voteLimitPerMinute = votePerMinute
}

// ResolveInternalUserID converts an auth-provider subject (e.g., "user_abc123")
// into the internal UUID used by our database. This allows handlers to accept
// subjects from validated JWTs while repositories continue to operate on UUIDs.
func (s *Service) ResolveInternalUserID(ctx context.Context, subject string) (string, error) {
	return s.repo.FindUserIDByAuthSubject(ctx, subject)
}

func (s *Service) consumeRateLimit(ctx context.Context, scope string, subject uuid.UUID, limit int) error {
	if s.rateLimiter == nil || limit <= 0 {
		return nil
	}
	count, _, err := s.rateLimiter.ConsumeRateLimit(ctx, scope, subject.String(), limit, time.Minute)
	if err != nil {
		log.Printf("level=warn component=service msg=\"rate limiter unavailable; allowing request\" scope=%s err=%v", scope, err)
		return nil
	}
	if count > limit {
		return ErrRateLimited
	}
	return nil
}

// CreateCampaign validates the request, provisions a custodial vault account
// for the pooled funds, and allocates the next campaign number.
func (s *Service) CreateCampaign(ctx context.Context, creatorID uuid.UUID, req domain.CreateCampaignRequest) (*domain.Campaign, error) {
	if len(req.Name) > domain.MaxCampaignNameLength {
		return nil, ErrNameTooLong
	}
	if !req.Deadline.After(s.now()) {
		return nil, ErrInvalidDeadline
	}
	if req.TargetAmount < 0 {
		return nil, ErrInvalidAmount
	}

	withdrawAccountID := req.WithdrawAccountID
	if withdrawAccountID == "" {
		creatorAccount, err := s.repo.FindAccountByUserID(ctx, creatorID)
		if err != nil {
			return nil, fmt.Errorf("failed to find creator account: %w", err)
		}
		withdrawAccountID = creatorAccount.LedgerAccountID
	}

	if s.accounts == nil {
		return nil, errors.New("vault provisioning is not configured")
	}
	campaignID := uuid.New()
	vault, err := s.accounts.CreateVaultAccount(ctx, campaignID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to provision vault account: %w", err)
	}

	campaign := &domain.Campaign{
		ID:                campaignID,
		CreatorID:         creatorID,
		Name:              req.Name,
		TargetAmount:      req.TargetAmount,
		Deadline:          req.Deadline,
		VaultAccountID:    vault.LedgerAccountID,
		WithdrawAccountID: withdrawAccountID,
	}
	created, err := s.repo.CreateCampaign(ctx, campaign)
	if err != nil {
		if errors.Is(err, store.ErrCampaignCounterOverflow) {
			return nil, ErrCounterOverflow
		}
		return nil, fmt.Errorf("failed to create campaign: %w", err)
	}

	s.publish(ctx, "campaign.created", domain.CampaignCreatedPayload{
		CampaignID:   created.ID,
		CreatorID:    creatorID,
		TargetAmount: created.TargetAmount,
		Deadline:     created.Deadline,
		Timestamp:    s.now().UTC(),
	})
	return created, nil
}

// GetCampaign returns one campaign with its whitelist.
func (s *Service) GetCampaign(ctx context.Context, campaignID uuid.UUID) (*domain.Campaign, error) {
	return s.repo.FindCampaignByID(ctx, campaignID)
}

// ListCampaigns returns the campaigns created by a user.
func (s *Service) ListCampaigns(ctx context.Context, creatorID uuid.UUID) ([]domain.Campaign, error) {
	return s.repo.ListCampaignsByCreator(ctx, creatorID)
}

// CloseCampaign cancels a campaign whose deadline has passed without the
// target being met. Target-met campaigns are wound down through settlement,
// not closure. Refund disbursement happens asynchronously via the refund
// worker consuming the published close event.
func (s *Service) CloseCampaign(ctx context.Context, campaignID, callerID uuid.UUID) error {
	campaign, err := s.repo.FindCampaignByID(ctx, campaignID)
	if err != nil {
		return err
	}
	if campaign.CreatorID != callerID {
		return ErrUnauthorised
	}
	if campaign.IsCancelled {
		return ErrCampaignCancelled
	}
	if s.now().Before(campaign.Deadline) {
		return ErrDeadlineNotReached
	}
	if campaign.TotalContributed >= campaign.TargetAmount {
		return ErrTargetMetAlready
	}

	if err := s.repo.MarkCampaignCancelled(ctx, campaignID); err != nil {
		return err
	}

	s.publish(ctx, "campaign.closed", domain.CampaignClosedPayload{
		CampaignID: campaignID,
		CreatorID:  campaign.CreatorID,
		Timestamp:  s.now().UTC(),
	})
	return nil
}

// AddToWhitelist admits a batch of users to the campaign whitelist. The
// whole batch is admitted or none of it.
func (s *Service) AddToWhitelist(ctx context.Context, campaignID, callerID uuid.UUID, userIDs []uuid.UUID) error {
	if len(userIDs) == 0 {
		return nil
	}

	campaign, err := s.repo.FindCampaignByID(ctx, campaignID)
	if err != nil {
		return err
	}
	if campaign.CreatorID != callerID {
		return ErrUnauthorised
	}
	if len(campaign.Whitelist)+len(userIDs) > domain.MaxWhitelistSize {
		return ErrWhitelistFull
	}

	seen := make(map[uuid.UUID]struct{}, len(campaign.Whitelist)+len(userIDs))
	for _, member := range campaign.Whitelist {
		seen[member] = struct{}{}
	}
	for _, userID := range userIDs {
		if _, dup := seen[userID]; dup {
			return ErrDuplicateWallet
		}
		seen[userID] = struct{}{}
	}

	if err := s.repo.AddToWhitelist(ctx, campaignID, userIDs); err != nil {
		if errors.Is(err, store.ErrDuplicateWhitelistEntry) {
			return ErrDuplicateWallet
		}
		return err
	}
	return nil
}

// Contribute records a whitelisted user's contribution. The custodial
// transfer into the vault must complete before any ledger state is mutated;
// the participant upsert and the running-total bump then land as one atomic
// unit.
func (s *Service) Contribute(ctx context.Context, campaignID, contributorID uuid.UUID, amount int64) (*domain.Participant, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if err := s.consumeRateLimit(ctx, "campaign_contribute", contributorID, s.contributeLimitPerMinute); err != nil {
		return nil, err
	}

	campaign, err := s.repo.FindCampaignByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if !s.now().Before(campaign.Deadline) {
		return nil, ErrDeadlineAlreadyReached
	}
	if !containsID(campaign.Whitelist, contributorID) {
		return nil, ErrNotWhitelisted
	}
	if campaign.IsCancelled {
		return nil, ErrCampaignCancelled
	}

	contributed := int64(0)
	participant, err := s.repo.FindParticipant(ctx, campaignID, contributorID)
	if err != nil && !errors.Is(err, store.ErrParticipantNotFound) {
		return nil, err
	}
	if participant != nil {
		contributed = participant.Contributed
	}
	if _, err := checkedAdd(contributed, amount, ErrContributionOverflow); err != nil {
		return nil, err
	}
	newTotal, err := checkedAdd(campaign.TotalContributed, amount, ErrContributionOverflow)
	if err != nil {
		return nil, err
	}

	contributorAccount, err := s.repo.FindAccountByUserID(ctx, contributorID)
	if err != nil {
		return nil, fmt.Errorf("failed to find contributor account: %w", err)
	}

	// Move the funds first; a failed transfer leaves no partial contribution.
	reason := fmt.Sprintf("Contribution to campaign %s", campaign.Name)
	if _, err := s.ledger.BookTransfer(ctx, contributorAccount.LedgerAccountID, campaign.VaultAccountID, reason, amount); err != nil {
		return nil, fmt.Errorf("ledger transfer failed: %w", err)
	}

	if err := s.repo.ApplyContribution(ctx, campaignID, contributorID, amount); err != nil {
		log.Printf("CRITICAL: contribution transfer completed but ledger update failed campaign=%s user=%s amount=%d err=%v",
			campaignID, contributorID, amount, err)
		return nil, fmt.Errorf("failed to record contribution: %w", err)
	}

	s.publish(ctx, "campaign.contribution.recorded", domain.ContributionRecordedPayload{
		CampaignID:       campaignID,
		ContributorID:    contributorID,
		Amount:           amount,
		TotalContributed: newTotal,
		Timestamp:        s.now().UTC(),
	})

	return s.repo.FindParticipant(ctx, campaignID, contributorID)
}

// CreateSpendingProposal creates a proposal to spend part of the pooled
// funds, split between recipients by percentage shares that must sum to
// exactly 100.
func (s *Service) CreateSpendingProposal(ctx context.Context, campaignID, callerID uuid.UUID, req domain.CreateProposalRequest) (*domain.Proposal, error) {
	campaign, err := s.repo.FindCampaignByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if !containsID(campaign.Whitelist, callerID) {
		return nil, ErrNotWhitelisted
	}
	if len(req.Title) > domain.MaxProposalTitleLength {
		return nil, ErrTitleTooLong
	}
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if len(req.Spendings) == 0 {
		return nil, ErrNoParticipants
	}
	var percentageSum int64
	for _, share := range req.Spendings {
		if share.Percentage <= 0 || share.Percentage > 100 {
			return nil, ErrInvalidPercentage
		}
		percentageSum += int64(share.Percentage)
	}
	if percentageSum != 100 {
		return nil, ErrInvalidPercentage
	}
	if !req.Deadline.After(s.now()) {
		return nil, ErrInvalidDeadline
	}
	if campaign.ProposalCount == math.MaxInt32 {
		return nil, ErrProposalCounterOverflow
	}

	proposal := &domain.Proposal{
		ID:         uuid.New(),
		CampaignID: campaignID,
		Type:       domain.ProposalTypeSpending,
		Title:      req.Title,
		Amount:     req.Amount,
		Spendings:  req.Spendings,
		CreatorID:  callerID,
		Deadline:   req.Deadline,
	}
	return s.repo.CreateProposal(ctx, proposal)
}

// CreateSettlementProposal creates the campaign-wide settlement proposal.
// Any whitelisted member or the campaign creator may open it; the electorate
// is the whole whitelist plus the creator.
func (s *Service) CreateSettlementProposal(ctx context.Context, campaignID, callerID uuid.UUID, deadline time.Time) (*domain.Proposal, error) {
	campaign, err := s.repo.FindCampaignByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if !containsID(campaign.Whitelist, callerID) && campaign.CreatorID != callerID {
		return nil, ErrNotWhitelisted
	}
	if !deadline.After(s.now()) {
		return nil, ErrInvalidDeadline
	}
	if campaign.ProposalCount == math.MaxInt32 {
		return nil, ErrProposalCounterOverflow
	}

	proposal := &domain.Proposal{
		ID:         uuid.New(),
		CampaignID: campaignID,
		Type:       domain.ProposalTypeSettlement,
		Title:      "Settlement",
		CreatorID:  callerID,
		Deadline:   deadline,
	}
	return s.repo.CreateProposal(ctx, proposal)
}

// GetProposal returns a proposal with its spending shares and vote sets.
func (s *Service) GetProposal(ctx context.Context, proposalID uuid.UUID) (*domain.Proposal, error) {
	return s.repo.FindProposalByID(ctx, proposalID)
}

// ListProposals returns a campaign's proposals in creation order.
func (s *Service) ListProposals(ctx context.Context, campaignID uuid.UUID) ([]domain.Proposal, error) {
	return s.repo.ListProposalsByCampaignID(ctx, campaignID)
}

// Vote appends the voter to the chosen side of a proposal. Votes cannot be
// retracted or changed.
func (s *Service) Vote(ctx context.Context, proposalID, voterID uuid.UUID, approve bool) error {
	if err := s.consumeRateLimit(ctx, "proposal_vote", voterID, s.voteLimitPerMinute); err != nil {
		return err
	}

	proposal, err := s.repo.FindProposalByID(ctx, proposalID)
	if err != nil {
		return err
	}
	if proposal.Settled {
		return ErrAlreadySettled
	}
	if s.now().After(proposal.Deadline) {
		return ErrProposalExpired
	}

	switch proposal.Type {
	case domain.ProposalTypeSpending:
		// Only the listed spending recipients vote on a spending proposal.
		if !containsShare(proposal.Spendings, voterID) {
			return ErrNotAuthorizedToVote
		}
	case domain.ProposalTypeSettlement:
		campaign, err := s.repo.FindCampaignByID(ctx, proposal.CampaignID)
		if err != nil {
			return err
		}
		if !containsID(campaign.Whitelist, voterID) && campaign.CreatorID != voterID {
			return ErrNotAuthorizedToVote
		}
	}

	if containsID(proposal.YesVotes, voterID) || containsID(proposal.NoVotes, voterID) {
		return ErrAlreadyVoted
	}

	if err := s.repo.AppendVote(ctx, proposalID, voterID, approve); err != nil {
		if errors.Is(err, store.ErrDuplicateVote) {
			return ErrAlreadyVoted
		}
		return err
	}
	return nil
}

// SettleSpendingProposal evaluates a spending proposal once its quorum
// condition holds. Any no-vote rejects the proposal (a valid terminal
// outcome). On approval the proposed amount moves from the vault to the
// campaign's withdraw account under the vault's delegated authority, and
// each recipient's ledger `spent` grows by floor(amount * percentage / 100).
func (s *Service) SettleSpendingProposal(ctx context.Context, proposalID uuid.UUID) (*domain.Proposal, error) {
	proposal, err := s.repo.FindProposalByID(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if proposal.Type != domain.ProposalTypeSpending {
		return nil, store.ErrProposalNotFound
	}
	if proposal.Settled {
		return nil, ErrAlreadySettled
	}

	totalVotes := len(proposal.YesVotes) + len(proposal.NoVotes)
	if !quorumReached(s.now(), proposal.Deadline, totalVotes, len(proposal.Spendings)) {
		return nil, ErrTooEarlyToSettle
	}

	if len(proposal.NoVotes) > 0 {
		return s.rejectProposal(ctx, proposal)
	}

	campaign, err := s.repo.FindCampaignByID(ctx, proposal.CampaignID)
	if err != nil {
		return nil, err
	}

	participants, err := s.repo.FindParticipantsByCampaignID(ctx, proposal.CampaignID)
	if err != nil {
		return nil, err
	}
	byUser := make(map[uuid.UUID]*domain.Participant, len(participants))
	for i := range participants {
		byUser[participants[i].UserID] = &participants[i]
	}

	spends := make([]store.ParticipantSpend, 0, len(proposal.Spendings))
	for _, share := range proposal.Spendings {
		entry, ok := byUser[share.UserID]
		if !ok {
			return nil, ErrMissingParticipantAccount
		}
		if entry.CampaignID != campaign.ID {
			return nil, ErrInvalidParticipantEvent
		}
		shareAmount, err := spendingAmount(proposal.Amount, share.Percentage)
		if err != nil {
			return nil, err
		}
		if _, err := checkedAdd(entry.Spent, shareAmount, ErrMathOverflow); err != nil {
			return nil, err
		}
		spends = append(spends, store.ParticipantSpend{UserID: share.UserID, Amount: shareAmount})
	}

	reason := fmt.Sprintf("Approved spending: %s", proposal.Title)
	if _, err := s.ledger.BookTransfer(ctx, campaign.VaultAccountID, campaign.WithdrawAccountID, reason, proposal.Amount); err != nil {
		return nil, fmt.Errorf("vault transfer failed: %w", err)
	}

	if err := s.repo.ApplySpendingSettlement(ctx, proposal.ID, campaign.ID, proposal.Amount, spends); err != nil {
		if errors.Is(err, store.ErrProposalAlreadySettled) {
			return nil, ErrAlreadySettled
		}
		log.Printf("CRITICAL: settlement transfer completed but ledger update failed proposal=%s err=%v", proposal.ID, err)
		return nil, fmt.Errorf("failed to record settlement: %w", err)
	}

	proposal.Settled = true
	s.publish(ctx, "campaign.proposal.settled", domain.ProposalSettledPayload{
		CampaignID: campaign.ID,
		ProposalID: proposal.ID,
		Approved:   true,
		Amount:     proposal.Amount,
		Timestamp:  s.now().UTC(),
	})
	return proposal, nil
}

// SettleCampaign evaluates the final settlement proposal. The electorate is
// the whitelist plus the creator. On approval every participant's net
// balance (contributed - spent) is persisted and the campaign is finalized;
// disbursement of the balances is delegated externally. The full, exact set
// of expected participant ledger entries must be present.
func (s *Service) SettleCampaign(ctx context.Context, proposalID uuid.UUID) (*domain.Proposal, error) {
	proposal, err := s.repo.FindProposalByID(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if proposal.Type != domain.ProposalTypeSettlement {
		return nil, store.ErrProposalNotFound
	}
	if proposal.Settled {
		return nil, ErrAlreadySettled
	}

	campaign, err := s.repo.FindCampaignByID(ctx, proposal.CampaignID)
	if err != nil {
		return nil, err
	}

	eligibleVoters := len(campaign.Whitelist) + 1
	totalVotes := len(proposal.YesVotes) + len(proposal.NoVotes)
	if !quorumReached(s.now(), proposal.Deadline, totalVotes, eligibleVoters) {
		return nil, ErrTooEarlyToSettle
	}

	ok, err := approved(len(proposal.YesVotes), eligibleVoters)
	if err != nil {
		return nil, err
	}
	if !ok {
		return s.rejectProposal(ctx, proposal)
	}

	expected := make(map[uuid.UUID]struct{}, eligibleVoters)
	for _, member := range campaign.Whitelist {
		expected[member] = struct{}{}
	}
	expected[campaign.CreatorID] = struct{}{}

	participants, err := s.repo.FindParticipantsByCampaignID(ctx, proposal.CampaignID)
	if err != nil {
		return nil, err
	}
	if len(participants) != len(expected) {
		return nil, ErrInvalidParticipantAccounts
	}

	balances := make([]store.ParticipantNetOwed, 0, len(participants))
	for i := range participants {
		entry := &participants[i]
		if entry.CampaignID != campaign.ID {
			return nil, ErrInvalidParticipantEvent
		}
		if _, isExpected := expected[entry.UserID]; !isExpected {
			return nil, ErrInvalidParticipantWallet
		}
		delete(expected, entry.UserID)

		netOwed, err := checkedSub(entry.Contributed, entry.Spent, ErrMathOverflow)
		if err != nil {
			return nil, err
		}
		balances = append(balances, store.ParticipantNetOwed{UserID: entry.UserID, NetOwed: netOwed})
	}
	if len(expected) > 0 {
		return nil, ErrMissingParticipantAccount
	}

	if err := s.repo.ApplyFinalSettlement(ctx, proposal.ID, campaign.ID, balances); err != nil {
		if errors.Is(err, store.ErrProposalAlreadySettled) {
			return nil, ErrAlreadySettled
		}
		return nil, fmt.Errorf("failed to record final settlement: %w", err)
	}

	proposal.Settled = true
	s.publish(ctx, "campaign.proposal.settled", domain.ProposalSettledPayload{
		CampaignID: campaign.ID,
		ProposalID: proposal.ID,
		Approved:   true,
		Timestamp:  s.now().UTC(),
	})
	return proposal, nil
}

// rejectProposal records the rejected-and-settled terminal outcome. No funds
// move.
func (s *Service) rejectProposal(ctx context.Context, proposal *domain.Proposal) (*domain.Proposal, error) {
	if err := s.repo.RejectProposal(ctx, proposal.ID); err != nil {
		if errors.Is(err, store.ErrProposalAlreadySettled) {
			return nil, ErrAlreadySettled
		}
		return nil, err
	}
	proposal.Settled = true
	proposal.Cancelled = true

	s.publish(ctx, "campaign.proposal.settled", domain.ProposalSettledPayload{
		CampaignID: proposal.CampaignID,
		ProposalID: proposal.ID,
		Approved:   false,
		Amount:     proposal.Amount,
		Timestamp:  s.now().UTC(),
	})
	return proposal, nil
}

func (s *Service) publish(ctx context.Context, routingKey string, body interface{}) {
	if s.producer == nil {
		return
	}
	if err := s.producer.Publish(ctx, CampaignEventsExchange, routingKey, body); err != nil {
		log.Printf("level=warn component=service msg=\"event publish failed\" routing_key=%s err=%v", routingKey, err)
	}
}

func containsID(ids []uuid.UUID, target uuid.UUID) bool {
	for _, id := range ids {
		if id == target {
			return true
		}
	}
	return false
}

func containsShare(shares []domain.SpendingShare, target uuid.UUID) bool {
	for _, share := range shares {
		if share.UserID == target {
			return true
		}
	}
	return false
}
