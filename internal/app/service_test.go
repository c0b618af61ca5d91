package app

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/chipin/campaign-service/internal/domain"
	"github.com/chipin/campaign-service/internal/store"
	"github.com/chipin/campaign-service/pkg/accountclient"
	"github.com/chipin/campaign-service/pkg/ledgerclient"
)

// fakeRepo is an in-memory Repository covering the methods the service
// exercises. The embedded interface panics on anything unimplemented, which
// keeps accidental coverage gaps loud.
type fakeRepo struct {
	store.Repository

	accounts     map[uuid.UUID]*domain.Account
	campaigns    map[uuid.UUID]*domain.Campaign
	participants map[uuid.UUID]map[uuid.UUID]*domain.Participant
	proposals    map[uuid.UUID]*domain.Proposal

	nextCampaignNumber int64
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		accounts:           make(map[uuid.UUID]*domain.Account),
		campaigns:          make(map[uuid.UUID]*domain.Campaign),
		participants:       make(map[uuid.UUID]map[uuid.UUID]*domain.Participant),
		proposals:          make(map[uuid.UUID]*domain.Proposal),
		nextCampaignNumber: 1,
	}
}

func (r *fakeRepo) addAccount(userID uuid.UUID) *domain.Account {
	account := &domain.Account{
		ID:              uuid.New(),
		UserID:          userID,
		LedgerAccountID: "ledger_" + userID.String(),
	}
	r.accounts[userID] = account
	return account
}

func (r *fakeRepo) FindAccountByUserID(ctx context.Context, userID uuid.UUID) (*domain.Account, error) {
	account, ok := r.accounts[userID]
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	return account, nil
}

func (r *fakeRepo) CreateCampaign(ctx context.Context, campaign *domain.Campaign) (*domain.Campaign, error) {
	stored := *campaign
	stored.CampaignNumber = r.nextCampaignNumber
	r.nextCampaignNumber++
	r.campaigns[stored.ID] = &stored
	return &stored, nil
}

func (r *fakeRepo) FindCampaignByID(ctx context.Context, campaignID uuid.UUID) (*domain.Campaign, error) {
	campaign, ok := r.campaigns[campaignID]
	if !ok {
		return nil, store.ErrCampaignNotFound
	}
	return campaign, nil
}

func (r *fakeRepo) ListCampaignsByCreator(ctx context.Context, creatorID uuid.UUID) ([]domain.Campaign, error) {
	var out []domain.Campaign
	for _, campaign := range r.campaigns {
		if campaign.CreatorID == creatorID {
			out = append(out, *campaign)
		}
	}
	return out, nil
}

func (r *fakeRepo) AddToWhitelist(ctx context.Context, campaignID uuid.UUID, userIDs []uuid.UUID) error {
	campaign, ok := r.campaigns[campaignID]
	if !ok {
		return store.ErrCampaignNotFound
	}
	campaign.Whitelist = append(campaign.Whitelist, userIDs...)
	return nil
}

func (r *fakeRepo) MarkCampaignCancelled(ctx context.Context, campaignID uuid.UUID) error {
	campaign, ok := r.campaigns[campaignID]
	if !ok {
		return store.ErrCampaignNotFound
	}
	campaign.IsCancelled = true
	return nil
}

func (r *fakeRepo) FindParticipant(ctx context.Context, campaignID, userID uuid.UUID) (*domain.Participant, error) {
	entry, ok := r.participants[campaignID][userID]
	if !ok {
		return nil, store.ErrParticipantNotFound
	}
	return entry, nil
}

func (r *fakeRepo) FindParticipantsByCampaignID(ctx context.Context, campaignID uuid.UUID) ([]domain.Participant, error) {
	var out []domain.Participant
	for _, entry := range r.participants[campaignID] {
		out = append(out, *entry)
	}
	return out, nil
}

func (r *fakeRepo) ApplyContribution(ctx context.Context, campaignID, userID uuid.UUID, amount int64) error {
	campaign, ok := r.campaigns[campaignID]
	if !ok {
		return store.ErrCampaignNotFound
	}
	if r.participants[campaignID] == nil {
		r.participants[campaignID] = make(map[uuid.UUID]*domain.Participant)
	}
	entry, ok := r.participants[campaignID][userID]
	if !ok {
		entry = &domain.Participant{ID: uuid.New(), CampaignID: campaignID, UserID: userID}
		r.participants[campaignID][userID] = entry
	}
	entry.Contributed += amount
	campaign.TotalContributed += amount
	return nil
}

func (r *fakeRepo) MarkParticipantRefunded(ctx context.Context, campaignID, userID uuid.UUID) (bool, error) {
	entry, ok := r.participants[campaignID][userID]
	if !ok {
		return false, store.ErrParticipantNotFound
	}
	if entry.Refunded {
		return false, nil
	}
	entry.Refunded = true
	return true, nil
}

func (r *fakeRepo) CreateProposal(ctx context.Context, proposal *domain.Proposal) (*domain.Proposal, error) {
	campaign, ok := r.campaigns[proposal.CampaignID]
	if !ok {
		return nil, store.ErrCampaignNotFound
	}
	stored := *proposal
	campaign.ProposalCount++
	stored.ProposalNumber = campaign.ProposalCount
	r.proposals[stored.ID] = &stored
	return &stored, nil
}

func (r *fakeRepo) FindProposalByID(ctx context.Context, proposalID uuid.UUID) (*domain.Proposal, error) {
	proposal, ok := r.proposals[proposalID]
	if !ok {
		return nil, store.ErrProposalNotFound
	}
	return proposal, nil
}

func (r *fakeRepo) ListProposalsByCampaignID(ctx context.Context, campaignID uuid.UUID) ([]domain.Proposal, error) {
	var out []domain.Proposal
	for _, proposal := range r.proposals {
		if proposal.CampaignID == campaignID {
			out = append(out, *proposal)
		}
	}
	return out, nil
}

func (r *fakeRepo) AppendVote(ctx context.Context, proposalID, voterID uuid.UUID, approve bool) error {
	proposal, ok := r.proposals[proposalID]
	if !ok {
		return store.ErrProposalNotFound
	}
	for _, id := range append(append([]uuid.UUID{}, proposal.YesVotes...), proposal.NoVotes...) {
		if id == voterID {
			return store.ErrDuplicateVote
		}
	}
	if approve {
		proposal.YesVotes = append(proposal.YesVotes, voterID)
	} else {
		proposal.NoVotes = append(proposal.NoVotes, voterID)
	}
	return nil
}

func (r *fakeRepo) RejectProposal(ctx context.Context, proposalID uuid.UUID) error {
	proposal, ok := r.proposals[proposalID]
	if !ok {
		return store.ErrProposalNotFound
	}
	if proposal.Settled {
		return store.ErrProposalAlreadySettled
	}
	proposal.Settled = true
	proposal.Cancelled = true
	return nil
}

func (r *fakeRepo) ApplySpendingSettlement(ctx context.Context, proposalID, campaignID uuid.UUID, amount int64, spends []store.ParticipantSpend) error {
	proposal, ok := r.proposals[proposalID]
	if !ok {
		return store.ErrProposalNotFound
	}
	if proposal.Settled {
		return store.ErrProposalAlreadySettled
	}
	proposal.Settled = true
	campaign := r.campaigns[campaignID]
	campaign.TotalSpent += amount
	for _, spend := range spends {
		r.participants[campaignID][spend.UserID].Spent += spend.Amount
	}
	return nil
}

func (r *fakeRepo) ApplyFinalSettlement(ctx context.Context, proposalID, campaignID uuid.UUID, balances []store.ParticipantNetOwed) error {
	proposal, ok := r.proposals[proposalID]
	if !ok {
		return store.ErrProposalNotFound
	}
	if proposal.Settled {
		return store.ErrProposalAlreadySettled
	}
	proposal.Settled = true
	r.campaigns[campaignID].IsFinalized = true
	for _, balance := range balances {
		r.participants[campaignID][balance.UserID].NetOwed = balance.NetOwed
	}
	return nil
}

type recordedTransfer struct {
	from   string
	to     string
	reason string
	amount int64
}

type fakeLedger struct {
	transfers []recordedTransfer
	failWith  error
}

func (l *fakeLedger) BookTransfer(ctx context.Context, fromAccountID, toAccountID, reason string, amount int64) (*ledgerclient.TransferResponse, error) {
	if l.failWith != nil {
		return nil, l.failWith
	}
	l.transfers = append(l.transfers, recordedTransfer{from: fromAccountID, to: toAccountID, reason: reason, amount: amount})
	return &ledgerclient.TransferResponse{}, nil
}

type fakeVault struct {
	provisioned int
}

func (v *fakeVault) CreateVaultAccount(ctx context.Context, reference string) (*accountclient.CreateVaultAccountResponse, error) {
	v.provisioned++
	return &accountclient.CreateVaultAccountResponse{
		AccountID:       "acct_" + reference,
		LedgerAccountID: "vault_" + reference,
	}, nil
}

type publishedEvent struct {
	exchange   string
	routingKey string
	body       interface{}
}

type fakePublisher struct {
	events []publishedEvent
}

func (p *fakePublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.events = append(p.events, publishedEvent{exchange: exchange, routingKey: routingKey, body: body})
	return nil
}

func (p *fakePublisher) Close() {}

type stubRateLimiter struct {
	count int
}

func (l *stubRateLimiter) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	l.count++
	return l.count, 60, nil
}

// testHarness bundles the service with its fakes and a settable clock.
type testHarness struct {
	service   *Service
	repo      *fakeRepo
	ledger    *fakeLedger
	vault     *fakeVault
	publisher *fakePublisher
	now       time.Time
}

func newTestHarness() *testHarness {
	h := &testHarness{
		repo:      newFakeRepo(),
		ledger:    &fakeLedger{},
		vault:     &fakeVault{},
		publisher: &fakePublisher{},
		now:       time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC),
	}
	h.service = NewService(h.repo, h.ledger, h.vault, h.publisher)
	h.service.SetClock(func() time.Time { return h.now })
	return h
}

func (h *testHarness) advance(d time.Duration) {
	h.now = h.now.Add(d)
}

// newCampaign creates a campaign through the service with its creator account
// in place.
func (h *testHarness) newCampaign(t *testing.T, target int64, deadline time.Duration) (*domain.Campaign, uuid.UUID) {
	t.Helper()
	creatorID := uuid.New()
	h.repo.addAccount(creatorID)
	campaign, err := h.service.CreateCampaign(context.Background(), creatorID, domain.CreateCampaignRequest{
		Name:         "Trip fund",
		TargetAmount: target,
		Deadline:     h.now.Add(deadline),
	})
	if err != nil {
		t.Fatalf("CreateCampaign returned error: %v", err)
	}
	return campaign, creatorID
}

func (h *testHarness) whitelist(t *testing.T, campaign *domain.Campaign, creatorID uuid.UUID, members ...uuid.UUID) {
	t.Helper()
	if err := h.service.AddToWhitelist(context.Background(), campaign.ID, creatorID, members); err != nil {
		t.Fatalf("AddToWhitelist returned error: %v", err)
	}
	for _, member := range members {
		if _, ok := h.repo.accounts[member]; !ok {
			h.repo.addAccount(member)
		}
	}
}

func TestCreateCampaign_Validation(t *testing.T) {
	tests := []struct {
		name    string
		req     func(h *testHarness) domain.CreateCampaignRequest
		wantErr error
	}{
		{
			name: "name longer than 32 bytes",
			req: func(h *testHarness) domain.CreateCampaignRequest {
				return domain.CreateCampaignRequest{
					Name:         "this campaign name is far too long to accept",
					TargetAmount: 1000,
					Deadline:     h.now.Add(time.Hour),
				}
			},
			wantErr: ErrNameTooLong,
		},
		{
			name: "deadline in the past",
			req: func(h *testHarness) domain.CreateCampaignRequest {
				return domain.CreateCampaignRequest{
					Name:         "Trip fund",
					TargetAmount: 1000,
					Deadline:     h.now.Add(-time.Minute),
				}
			},
			wantErr: ErrInvalidDeadline,
		},
		{
			name: "deadline exactly now",
			req: func(h *testHarness) domain.CreateCampaignRequest {
				return domain.CreateCampaignRequest{
					Name:         "Trip fund",
					TargetAmount: 1000,
					Deadline:     h.now,
				}
			},
			wantErr: ErrInvalidDeadline,
		},
		{
			name: "negative target amount",
			req: func(h *testHarness) domain.CreateCampaignRequest {
				return domain.CreateCampaignRequest{
					Name:         "Trip fund",
					TargetAmount: -1,
					Deadline:     h.now.Add(time.Hour),
				}
			},
			wantErr: ErrInvalidAmount,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHarness()
			creatorID := uuid.New()
			h.repo.addAccount(creatorID)

			_, err := h.service.CreateCampaign(context.Background(), creatorID, tt.req(h))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestCreateCampaign_ProvisionsVaultAndDefaultsWithdrawAccount(t *testing.T) {
	h := newTestHarness()
	campaign, creatorID := h.newCampaign(t, 1000, time.Hour)

	if h.vault.provisioned != 1 {
		t.Fatalf("expected one vault account to be provisioned, got %d", h.vault.provisioned)
	}
	if campaign.VaultAccountID != "vault_"+campaign.ID.String() {
		t.Fatalf("unexpected vault account id %q", campaign.VaultAccountID)
	}
	wantWithdraw := h.repo.accounts[creatorID].LedgerAccountID
	if campaign.WithdrawAccountID != wantWithdraw {
		t.Fatalf("expected withdraw account to default to creator's account %q, got %q", wantWithdraw, campaign.WithdrawAccountID)
	}
	if campaign.CampaignNumber != 1 {
		t.Fatalf("expected first campaign number to be 1, got %d", campaign.CampaignNumber)
	}

	if len(h.publisher.events) != 1 || h.publisher.events[0].routingKey != "campaign.created" {
		t.Fatalf("expected one campaign.created event, got %+v", h.publisher.events)
	}
}

func TestAddToWhitelist_Rules(t *testing.T) {
	h := newTestHarness()
	campaign, creatorID := h.newCampaign(t, 1000, time.Hour)

	member := uuid.New()
	h.whitelist(t, campaign, creatorID, member)

	t.Run("non-creator cannot whitelist", func(t *testing.T) {
		err := h.service.AddToWhitelist(context.Background(), campaign.ID, uuid.New(), []uuid.UUID{uuid.New()})
		if !errors.Is(err, ErrUnauthorised) {
			t.Fatalf("expected ErrUnauthorised, got %v", err)
		}
	})

	t.Run("duplicate within batch", func(t *testing.T) {
		dup := uuid.New()
		err := h.service.AddToWhitelist(context.Background(), campaign.ID, creatorID, []uuid.UUID{dup, dup})
		if !errors.Is(err, ErrDuplicateWallet) {
			t.Fatalf("expected ErrDuplicateWallet, got %v", err)
		}
	})

	t.Run("duplicate against existing members", func(t *testing.T) {
		err := h.service.AddToWhitelist(context.Background(), campaign.ID, creatorID, []uuid.UUID{member})
		if !errors.Is(err, ErrDuplicateWallet) {
			t.Fatalf("expected ErrDuplicateWallet, got %v", err)
		}
	})

	t.Run("capacity is ten members", func(t *testing.T) {
		batch := make([]uuid.UUID, 0, domain.MaxWhitelistSize-1)
		for len(batch) < domain.MaxWhitelistSize-1 {
			batch = append(batch, uuid.New())
		}
		if err := h.service.AddToWhitelist(context.Background(), campaign.ID, creatorID, batch); err != nil {
			t.Fatalf("filling the whitelist to capacity failed: %v", err)
		}
		err := h.service.AddToWhitelist(context.Background(), campaign.ID, creatorID, []uuid.UUID{uuid.New()})
		if !errors.Is(err, ErrWhitelistFull) {
			t.Fatalf("expected ErrWhitelistFull, got %v", err)
		}
	})

	t.Run("empty batch is a no-op", func(t *testing.T) {
		if err := h.service.AddToWhitelist(context.Background(), campaign.ID, creatorID, nil); err != nil {
			t.Fatalf("empty batch should succeed, got %v", err)
		}
	})
}

func TestContribute_AccumulatesParticipantAndCampaignTotals(t *testing.T) {
	h := newTestHarness()
	campaign, creatorID := h.newCampaign(t, 1000, 10*time.Minute)
	alice := uuid.New()
	h.whitelist(t, campaign, creatorID, alice)

	first, err := h.service.Contribute(context.Background(), campaign.ID, alice, 400)
	if err != nil {
		t.Fatalf("first contribution failed: %v", err)
	}
	if first.Contributed != 400 {
		t.Fatalf("expected contributed=400 after first contribution, got %d", first.Contributed)
	}

	second, err := h.service.Contribute(context.Background(), campaign.ID, alice, 700)
	if err != nil {
		t.Fatalf("second contribution failed: %v", err)
	}
	if second.Contributed != 1100 {
		t.Fatalf("expected contributed=1100 after second contribution, got %d", second.Contributed)
	}
	if campaign.TotalContributed != 1100 {
		t.Fatalf("expected campaign total 1100, got %d", campaign.TotalContributed)
	}

	// Both transfers must have landed in the vault before any state moved.
	if len(h.ledger.transfers) != 2 {
		t.Fatalf("expected two ledger transfers, got %d", len(h.ledger.transfers))
	}
	for _, transfer := range h.ledger.transfers {
		if transfer.to != campaign.VaultAccountID {
			t.Fatalf("contribution transfer must target the vault, got %q", transfer.to)
		}
	}
}

func TestContribute_RejectedAfterDeadline(t *testing.T) {
	h := newTestHarness()
	campaign, creatorID := h.newCampaign(t, 1000, 10*time.Minute)
	alice := uuid.New()
	h.whitelist(t, campaign, creatorID, alice)

	if _, err := h.service.Contribute(context.Background(), campaign.ID, alice, 400); err != nil {
		t.Fatalf("contribution before deadline failed: %v", err)
	}

	h.advance(11 * time.Minute)
	_, err := h.service.Contribute(context.Background(), campaign.ID, alice, 100)
	if !errors.Is(err, ErrDeadlineAlreadyReached) {
		t.Fatalf("expected ErrDeadlineAlreadyReached, got %v", err)
	}
	if campaign.TotalContributed != 400 {
		t.Fatalf("late contribution must not change totals, got %d", campaign.TotalContributed)
	}
}

func TestContribute_Preconditions(t *testing.T) {
	h := newTestHarness()
	campaign, creatorID := h.newCampaign(t, 1000, 10*time.Minute)
	alice := uuid.New()
	h.whitelist(t, campaign, creatorID, alice)

	t.Run("zero amount", func(t *testing.T) {
		_, err := h.service.Contribute(context.Background(), campaign.ID, alice, 0)
		if !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("expected ErrInvalidAmount, got %v", err)
		}
	})

	t.Run("not whitelisted", func(t *testing.T) {
		outsider := uuid.New()
		h.repo.addAccount(outsider)
		_, err := h.service.Contribute(context.Background(), campaign.ID, outsider, 100)
		if !errors.Is(err, ErrNotWhitelisted) {
			t.Fatalf("expected ErrNotWhitelisted, got %v", err)
		}
	})

	t.Run("cancelled campaign", func(t *testing.T) {
		campaign.IsCancelled = true
		t.Cleanup(func() { campaign.IsCancelled = false })
		_, err := h.service.Contribute(context.Background(), campaign.ID, alice, 100)
		if !errors.Is(err, ErrCampaignCancelled) {
			t.Fatalf("expected ErrCampaignCancelled, got %v", err)
		}
	})

	t.Run("failed transfer leaves no partial state", func(t *testing.T) {
		h.ledger.failWith = fmt.Errorf("ledger unavailable")
		t.Cleanup(func() { h.ledger.failWith = nil })
		_, err := h.service.Contribute(context.Background(), campaign.ID, alice, 100)
		if err == nil {
			t.Fatal("expected a transfer error")
		}
		if campaign.TotalContributed != 0 {
			t.Fatalf("failed transfer must not change totals, got %d", campaign.TotalContributed)
		}
	})
}

func TestContribute_RateLimited(t *testing.T) {
	h := newTestHarness()
	campaign, creatorID := h.newCampaign(t, 1000, 10*time.Minute)
	alice := uuid.New()
	h.whitelist(t, campaign, creatorID, alice)

	h.service.SetRateLimiter(&stubRateLimiter{}, 2, 2)

	for i := 0; i < 2; i++ {
		if _, err := h.service.Contribute(context.Background(), campaign.ID, alice, 100); err != nil {
			t.Fatalf("contribution %d within budget failed: %v", i+1, err)
		}
	}
	_, err := h.service.Contribute(context.Background(), campaign.ID, alice, 100)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestCloseCampaign(t *testing.T) {
	h := newTestHarness()
	campaign, creatorID := h.newCampaign(t, 1000, 10*time.Minute)
	alice := uuid.New()
	h.whitelist(t, campaign, creatorID, alice)
	if _, err := h.service.Contribute(context.Background(), campaign.ID, alice, 400); err != nil {
		t.Fatalf("contribution failed: %v", err)
	}

	t.Run("before deadline", func(t *testing.T) {
		err := h.service.CloseCampaign(context.Background(), campaign.ID, creatorID)
		if !errors.Is(err, ErrDeadlineNotReached) {
			t.Fatalf("expected ErrDeadlineNotReached, got %v", err)
		}
	})

	t.Run("non-creator", func(t *testing.T) {
		err := h.service.CloseCampaign(context.Background(), campaign.ID, alice)
		if !errors.Is(err, ErrUnauthorised) {
			t.Fatalf("expected ErrUnauthorised, got %v", err)
		}
	})

	t.Run("after deadline below target", func(t *testing.T) {
		h.advance(10 * time.Minute)
		if err := h.service.CloseCampaign(context.Background(), campaign.ID, creatorID); err != nil {
			t.Fatalf("close failed: %v", err)
		}
		if !campaign.IsCancelled {
			t.Fatal("campaign should be cancelled")
		}
		last := h.publisher.events[len(h.publisher.events)-1]
		if last.routingKey != "campaign.closed" {
			t.Fatalf("expected campaign.closed event, got %q", last.routingKey)
		}
	})

	t.Run("already cancelled", func(t *testing.T) {
		err := h.service.CloseCampaign(context.Background(), campaign.ID, creatorID)
		if !errors.Is(err, ErrCampaignCancelled) {
			t.Fatalf("expected ErrCampaignCancelled, got %v", err)
		}
	})
}

func TestCloseCampaign_TargetMet(t *testing.T) {
	h := newTestHarness()
	campaign, creatorID := h.newCampaign(t, 1000, 10*time.Minute)
	alice := uuid.New()
	h.whitelist(t, campaign, creatorID, alice)
	if _, err := h.service.Contribute(context.Background(), campaign.ID, alice, 1000); err != nil {
		t.Fatalf("contribution failed: %v", err)
	}

	h.advance(10 * time.Minute)
	err := h.service.CloseCampaign(context.Background(), campaign.ID, creatorID)
	if !errors.Is(err, ErrTargetMetAlready) {
		t.Fatalf("expected ErrTargetMetAlready, got %v", err)
	}
}

func TestCreateSpendingProposal_ShareValidation(t *testing.T) {
	h := newTestHarness()
	campaign, creatorID := h.newCampaign(t, 1000, time.Hour)
	alice, bob := uuid.New(), uuid.New()
	h.whitelist(t, campaign, creatorID, alice, bob)

	base := func() domain.CreateProposalRequest {
		return domain.CreateProposalRequest{
			Title:    "Hotel",
			Amount:   500,
			Deadline: h.now.Add(30 * time.Minute),
			Spendings: []domain.SpendingShare{
				{UserID: alice, Percentage: 60},
				{UserID: bob, Percentage: 40},
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(req *domain.CreateProposalRequest)
		wantErr error
	}{
		{
			name:    "valid shares pass",
			mutate:  func(req *domain.CreateProposalRequest) {},
			wantErr: nil,
		},
		{
			name: "shares summing to 99 fail",
			mutate: func(req *domain.CreateProposalRequest) {
				req.Spendings[1].Percentage = 39
			},
			wantErr: ErrInvalidPercentage,
		},
		{
			name: "shares summing to 101 fail",
			mutate: func(req *domain.CreateProposalRequest) {
				req.Spendings[1].Percentage = 41
			},
			wantErr: ErrInvalidPercentage,
		},
		{
			name: "zero percentage share fails",
			mutate: func(req *domain.CreateProposalRequest) {
				req.Spendings[0].Percentage = 100
				req.Spendings[1].Percentage = 0
			},
			wantErr: ErrInvalidPercentage,
		},
		{
			name: "empty share list fails",
			mutate: func(req *domain.CreateProposalRequest) {
				req.Spendings = nil
			},
			wantErr: ErrNoParticipants,
		},
		{
			name: "title too long fails",
			mutate: func(req *domain.CreateProposalRequest) {
				req.Title = "a much much much too long proposal title"
			},
			wantErr: ErrTitleTooLong,
		},
		{
			name: "zero amount fails",
			mutate: func(req *domain.CreateProposalRequest) {
				req.Amount = 0
			},
			wantErr: ErrInvalidAmount,
		},
		{
			name: "past deadline fails",
			mutate: func(req *domain.CreateProposalRequest) {
				req.Deadline = h.now.Add(-time.Minute)
			},
			wantErr: ErrInvalidDeadline,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base()
			tt.mutate(&req)
			_, err := h.service.CreateSpendingProposal(context.Background(), campaign.ID, alice, req)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("expected success, got %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	t.Run("non-member cannot propose", func(t *testing.T) {
		req := base()
		_, err := h.service.CreateSpendingProposal(context.Background(), campaign.ID, uuid.New(), req)
		if !errors.Is(err, ErrNotWhitelisted) {
			t.Fatalf("expected ErrNotWhitelisted, got %v", err)
		}
	})
}

func TestVote_Rules(t *testing.T) {
	h := newTestHarness()
	campaign, creatorID := h.newCampaign(t, 1000, time.Hour)
	alice, bob, carol := uuid.New(), uuid.New(), uuid.New()
	h.whitelist(t, campaign, creatorID, alice, bob, carol)

	proposal, err := h.service.CreateSpendingProposal(context.Background(), campaign.ID, alice, domain.CreateProposalRequest{
		Title:    "Hotel",
		Amount:   500,
		Deadline: h.now.Add(30 * time.Minute),
		Spendings: []domain.SpendingShare{
			{UserID: alice, Percentage: 60},
			{UserID: bob, Percentage: 40},
		},
	})
	if err != nil {
		t.Fatalf("CreateSpendingProposal failed: %v", err)
	}

	t.Run("recipient can vote once", func(t *testing.T) {
		if err := h.service.Vote(context.Background(), proposal.ID, alice, true); err != nil {
			t.Fatalf("vote failed: %v", err)
		}
		err := h.service.Vote(context.Background(), proposal.ID, alice, false)
		if !errors.Is(err, ErrAlreadyVoted) {
			t.Fatalf("expected ErrAlreadyVoted, got %v", err)
		}
	})

	t.Run("non-recipient cannot vote on spending proposal", func(t *testing.T) {
		err := h.service.Vote(context.Background(), proposal.ID, carol, true)
		if !errors.Is(err, ErrNotAuthorizedToVote) {
			t.Fatalf("expected ErrNotAuthorizedToVote, got %v", err)
		}
	})

	t.Run("vote after proposal deadline fails", func(t *testing.T) {
		h.advance(31 * time.Minute)
		t.Cleanup(func() { h.advance(-31 * time.Minute) })
		err := h.service.Vote(context.Background(), proposal.ID, bob, true)
		if !errors.Is(err, ErrProposalExpired) {
			t.Fatalf("expected ErrProposalExpired, got %v", err)
		}
	})

	t.Run("vote exactly at deadline is accepted", func(t *testing.T) {
		h.now = proposal.Deadline
		if err := h.service.Vote(context.Background(), proposal.ID, bob, true); err != nil {
			t.Fatalf("vote at deadline should be accepted, got %v", err)
		}
	})
}

func TestVote_SettlementElectorateIncludesCreator(t *testing.T) {
	h := newTestHarness()
	campaign, creatorID := h.newCampaign(t, 1000, time.Hour)
	alice := uuid.New()
	h.whitelist(t, campaign, creatorID, alice)

	proposal, err := h.service.CreateSettlementProposal(context.Background(), campaign.ID, creatorID, h.now.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("CreateSettlementProposal failed: %v", err)
	}

	if err := h.service.Vote(context.Background(), proposal.ID, creatorID, true); err != nil {
		t.Fatalf("creator's settlement vote failed: %v", err)
	}
	if err := h.service.Vote(context.Background(), proposal.ID, alice, true); err != nil {
		t.Fatalf("member's settlement vote failed: %v", err)
	}
	err = h.service.Vote(context.Background(), proposal.ID, uuid.New(), true)
	if !errors.Is(err, ErrNotAuthorizedToVote) {
		t.Fatalf("expected ErrNotAuthorizedToVote for outsider, got %v", err)
	}
}

// newFundedSpendingProposal sets up a campaign with five whitelisted members
// where alice and bob carry a 60/40 spending proposal over 500.
func newFundedSpendingProposal(t *testing.T, h *testHarness) (*domain.Campaign, *domain.Proposal, uuid.UUID, uuid.UUID) {
	t.Helper()
	campaign, creatorID := h.newCampaign(t, 1000, time.Hour)
	alice, bob := uuid.New(), uuid.New()
	members := []uuid.UUID{alice, bob, uuid.New(), uuid.New(), uuid.New()}
	h.whitelist(t, campaign, creatorID, members...)

	if _, err := h.service.Contribute(context.Background(), campaign.ID, alice, 600); err != nil {
		t.Fatalf("contribution failed: %v", err)
	}
	if _, err := h.service.Contribute(context.Background(), campaign.ID, bob, 400); err != nil {
		t.Fatalf("contribution failed: %v", err)
	}

	proposal, err := h.service.CreateSpendingProposal(context.Background(), campaign.ID, alice, domain.CreateProposalRequest{
		Title:    "Hotel",
		Amount:   500,
		Deadline: h.now.Add(30 * time.Minute),
		Spendings: []domain.SpendingShare{
			{UserID: alice, Percentage: 60},
			{UserID: bob, Percentage: 40},
		},
	})
	if err != nil {
		t.Fatalf("CreateSpendingProposal failed: %v", err)
	}
	return campaign, proposal, alice, bob
}

func TestSettleSpendingProposal_SplitsAmountByShares(t *testing.T) {
	h := newTestHarness()
	campaign, proposal, alice, bob := newFundedSpendingProposal(t, h)

	if err := h.service.Vote(context.Background(), proposal.ID, alice, true); err != nil {
		t.Fatalf("vote failed: %v", err)
	}
	if err := h.service.Vote(context.Background(), proposal.ID, bob, true); err != nil {
		t.Fatalf("vote failed: %v", err)
	}

	settled, err := h.service.SettleSpendingProposal(context.Background(), proposal.ID)
	if err != nil {
		t.Fatalf("settle failed: %v", err)
	}
	if !settled.Settled || settled.Cancelled {
		t.Fatalf("expected an approved settled proposal, got settled=%t cancelled=%t", settled.Settled, settled.Cancelled)
	}

	aliceEntry := h.repo.participants[campaign.ID][alice]
	bobEntry := h.repo.participants[campaign.ID][bob]
	if aliceEntry.Spent != 300 {
		t.Fatalf("expected alice spent=300 (60%% of 500), got %d", aliceEntry.Spent)
	}
	if bobEntry.Spent != 200 {
		t.Fatalf("expected bob spent=200 (40%% of 500), got %d", bobEntry.Spent)
	}
	if campaign.TotalSpent != 500 {
		t.Fatalf("expected campaign total_spent=500, got %d", campaign.TotalSpent)
	}

	last := h.ledger.transfers[len(h.ledger.transfers)-1]
	if last.from != campaign.VaultAccountID || last.to != campaign.WithdrawAccountID || last.amount != 500 {
		t.Fatalf("expected 500 to move vault -> withdraw, got %+v", last)
	}
}

func TestSettleSpendingProposal_QuorumAndRejection(t *testing.T) {
	t.Run("too early without full participation", func(t *testing.T) {
		h := newTestHarness()
		_, proposal, alice, _ := newFundedSpendingProposal(t, h)
		if err := h.service.Vote(context.Background(), proposal.ID, alice, true); err != nil {
			t.Fatalf("vote failed: %v", err)
		}

		_, err := h.service.SettleSpendingProposal(context.Background(), proposal.ID)
		if !errors.Is(err, ErrTooEarlyToSettle) {
			t.Fatalf("expected ErrTooEarlyToSettle, got %v", err)
		}
	})

	t.Run("deadline passage opens settlement", func(t *testing.T) {
		h := newTestHarness()
		campaign, proposal, alice, _ := newFundedSpendingProposal(t, h)
		if err := h.service.Vote(context.Background(), proposal.ID, alice, true); err != nil {
			t.Fatalf("vote failed: %v", err)
		}

		h.advance(31 * time.Minute)
		settled, err := h.service.SettleSpendingProposal(context.Background(), proposal.ID)
		if err != nil {
			t.Fatalf("settle after deadline failed: %v", err)
		}
		if settled.Cancelled {
			t.Fatal("proposal with only yes votes must be approved")
		}
		if h.repo.participants[campaign.ID][alice].Spent != 300 {
			t.Fatalf("expected alice spent=300, got %d", h.repo.participants[campaign.ID][alice].Spent)
		}
	})

	t.Run("any no vote rejects", func(t *testing.T) {
		h := newTestHarness()
		campaign, proposal, alice, bob := newFundedSpendingProposal(t, h)
		if err := h.service.Vote(context.Background(), proposal.ID, alice, true); err != nil {
			t.Fatalf("vote failed: %v", err)
		}
		if err := h.service.Vote(context.Background(), proposal.ID, bob, false); err != nil {
			t.Fatalf("vote failed: %v", err)
		}

		transfersBefore := len(h.ledger.transfers)
		settled, err := h.service.SettleSpendingProposal(context.Background(), proposal.ID)
		if err != nil {
			t.Fatalf("rejection is a valid outcome, got error %v", err)
		}
		if !settled.Settled || !settled.Cancelled {
			t.Fatalf("expected rejected proposal to be settled and cancelled, got %+v", settled)
		}
		if len(h.ledger.transfers) != transfersBefore {
			t.Fatal("rejection must not move funds")
		}
		if h.repo.participants[campaign.ID][alice].Spent != 0 {
			t.Fatal("rejection must not change spent totals")
		}
	})

	t.Run("second settle fails", func(t *testing.T) {
		h := newTestHarness()
		_, proposal, alice, bob := newFundedSpendingProposal(t, h)
		if err := h.service.Vote(context.Background(), proposal.ID, alice, true); err != nil {
			t.Fatalf("vote failed: %v", err)
		}
		if err := h.service.Vote(context.Background(), proposal.ID, bob, true); err != nil {
			t.Fatalf("vote failed: %v", err)
		}
		if _, err := h.service.SettleSpendingProposal(context.Background(), proposal.ID); err != nil {
			t.Fatalf("first settle failed: %v", err)
		}
		_, err := h.service.SettleSpendingProposal(context.Background(), proposal.ID)
		if !errors.Is(err, ErrAlreadySettled) {
			t.Fatalf("expected ErrAlreadySettled, got %v", err)
		}
	})
}

// newSettlementFixture sets up a campaign with the given member count, one
// contribution each, and an open settlement proposal.
func newSettlementFixture(t *testing.T, h *testHarness, memberCount int) (*domain.Campaign, *domain.Proposal, uuid.UUID, []uuid.UUID) {
	t.Helper()
	campaign, creatorID := h.newCampaign(t, 1000, time.Hour)
	members := make([]uuid.UUID, 0, memberCount)
	for len(members) < memberCount {
		members = append(members, uuid.New())
	}
	h.whitelist(t, campaign, creatorID, members...)

	for _, member := range members {
		if _, err := h.service.Contribute(context.Background(), campaign.ID, member, 100); err != nil {
			t.Fatalf("contribution failed: %v", err)
		}
	}
	// The creator holds a ledger entry too: settlement requires the exact
	// whitelist-plus-creator set.
	if h.repo.participants[campaign.ID] == nil {
		h.repo.participants[campaign.ID] = make(map[uuid.UUID]*domain.Participant)
	}
	h.repo.participants[campaign.ID][creatorID] = &domain.Participant{
		ID:         uuid.New(),
		CampaignID: campaign.ID,
		UserID:     creatorID,
	}

	proposal, err := h.service.CreateSettlementProposal(context.Background(), campaign.ID, creatorID, h.now.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("CreateSettlementProposal failed: %v", err)
	}
	return campaign, proposal, creatorID, members
}

func TestSettleCampaign_ApprovedPersistsNetBalances(t *testing.T) {
	h := newTestHarness()
	campaign, proposal, creatorID, members := newSettlementFixture(t, h, 3)

	// Simulate prior approved spending for the first member.
	h.repo.participants[campaign.ID][members[0]].Spent = 40

	if err := h.service.Vote(context.Background(), proposal.ID, creatorID, true); err != nil {
		t.Fatalf("vote failed: %v", err)
	}
	for _, member := range members {
		if err := h.service.Vote(context.Background(), proposal.ID, member, true); err != nil {
			t.Fatalf("vote failed: %v", err)
		}
	}

	settled, err := h.service.SettleCampaign(context.Background(), proposal.ID)
	if err != nil {
		t.Fatalf("settle failed: %v", err)
	}
	if !settled.Settled || settled.Cancelled {
		t.Fatalf("expected approved settlement, got %+v", settled)
	}
	if !campaign.IsFinalized {
		t.Fatal("campaign should be finalized")
	}
	if got := h.repo.participants[campaign.ID][members[0]].NetOwed; got != 60 {
		t.Fatalf("expected net owed 100-40=60, got %d", got)
	}
	if got := h.repo.participants[campaign.ID][members[1]].NetOwed; got != 100 {
		t.Fatalf("expected net owed 100, got %d", got)
	}
	if got := h.repo.participants[campaign.ID][creatorID].NetOwed; got != 0 {
		t.Fatalf("expected creator net owed 0, got %d", got)
	}
}

func TestSettleCampaign_QuorumOverFiveMemberElectorate(t *testing.T) {
	h := newTestHarness()
	// Four members plus the creator: a five-voter electorate.
	_, proposal, creatorID, members := newSettlementFixture(t, h, 4)

	// Three of five yes votes: majority reached but quorum is not.
	if err := h.service.Vote(context.Background(), proposal.ID, creatorID, true); err != nil {
		t.Fatalf("vote failed: %v", err)
	}
	for _, member := range members[:2] {
		if err := h.service.Vote(context.Background(), proposal.ID, member, true); err != nil {
			t.Fatalf("vote failed: %v", err)
		}
	}

	_, err := h.service.SettleCampaign(context.Background(), proposal.ID)
	if !errors.Is(err, ErrTooEarlyToSettle) {
		t.Fatalf("expected ErrTooEarlyToSettle with 3 of 5 votes before deadline, got %v", err)
	}

	// Past the deadline the same tally settles: 3/5 = 60% approval.
	h.advance(31 * time.Minute)
	settled, err := h.service.SettleCampaign(context.Background(), proposal.ID)
	if err != nil {
		t.Fatalf("settle after deadline failed: %v", err)
	}
	if settled.Cancelled {
		t.Fatal("60% approval must settle as approved")
	}
}

func TestSettleCampaign_BelowMajorityRejects(t *testing.T) {
	h := newTestHarness()
	campaign, proposal, creatorID, members := newSettlementFixture(t, h, 4)

	// Two of five yes votes: 40%, below the 50% bar.
	if err := h.service.Vote(context.Background(), proposal.ID, creatorID, true); err != nil {
		t.Fatalf("vote failed: %v", err)
	}
	if err := h.service.Vote(context.Background(), proposal.ID, members[0], true); err != nil {
		t.Fatalf("vote failed: %v", err)
	}
	for _, member := range members[1:] {
		if err := h.service.Vote(context.Background(), proposal.ID, member, false); err != nil {
			t.Fatalf("vote failed: %v", err)
		}
	}

	settled, err := h.service.SettleCampaign(context.Background(), proposal.ID)
	if err != nil {
		t.Fatalf("a failed vote settles as rejection, got error %v", err)
	}
	if !settled.Settled || !settled.Cancelled {
		t.Fatalf("expected rejected settlement, got %+v", settled)
	}
	if campaign.IsFinalized {
		t.Fatal("rejected settlement must not finalize the campaign")
	}
}

func TestSettleCampaign_RequiresExactParticipantSet(t *testing.T) {
	t.Run("missing participant entry", func(t *testing.T) {
		h := newTestHarness()
		campaign, proposal, creatorID, members := newSettlementFixture(t, h, 2)
		delete(h.repo.participants[campaign.ID], members[0])

		if err := h.service.Vote(context.Background(), proposal.ID, creatorID, true); err != nil {
			t.Fatalf("vote failed: %v", err)
		}
		for _, member := range members {
			if err := h.service.Vote(context.Background(), proposal.ID, member, true); err != nil {
				t.Fatalf("vote failed: %v", err)
			}
		}

		_, err := h.service.SettleCampaign(context.Background(), proposal.ID)
		if !errors.Is(err, ErrInvalidParticipantAccounts) {
			t.Fatalf("expected ErrInvalidParticipantAccounts, got %v", err)
		}
	})

	t.Run("unexpected participant entry", func(t *testing.T) {
		h := newTestHarness()
		campaign, proposal, creatorID, members := newSettlementFixture(t, h, 2)
		delete(h.repo.participants[campaign.ID], members[0])
		outsider := uuid.New()
		h.repo.participants[campaign.ID][outsider] = &domain.Participant{
			ID:         uuid.New(),
			CampaignID: campaign.ID,
			UserID:     outsider,
		}

		if err := h.service.Vote(context.Background(), proposal.ID, creatorID, true); err != nil {
			t.Fatalf("vote failed: %v", err)
		}
		for _, member := range members {
			if err := h.service.Vote(context.Background(), proposal.ID, member, true); err != nil {
				t.Fatalf("vote failed: %v", err)
			}
		}

		_, err := h.service.SettleCampaign(context.Background(), proposal.ID)
		if !errors.Is(err, ErrInvalidParticipantWallet) {
			t.Fatalf("expected ErrInvalidParticipantWallet, got %v", err)
		}
	})
}
