/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository`
 * interface. It contains all the necessary SQL queries to interact with the
 * database tables related to campaigns, participants, proposals and votes.
 *
 * Multi-row mutations (contribution accounting, proposal creation, the two
 * settlement paths) run inside a single transaction, and terminal latches
 * use guarded updates so a concurrent second attempt observes zero affected
 * rows instead of double-applying.
 *
 * @dependencies
 * - context, errors, math: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chipin/campaign-service/internal/domain"
)

var (
	ErrUserNotFound            = errors.New("user not found")
	ErrAccountNotFound         = errors.New("account not found")
	ErrCampaignNotFound        = errors.New("campaign not found")
	ErrParticipantNotFound     = errors.New("participant not found")
	ErrProposalNotFound        = errors.New("proposal not found")
	ErrDuplicateVote           = errors.New("vote already recorded for this voter")
	ErrDuplicateWhitelistEntry = errors.New("whitelist entry already exists")
	ErrProposalAlreadySettled  = errors.New("proposal settled flag already latched")
	ErrCampaignCounterOverflow = errors.New("campaign counter would overflow")
)

const uniqueViolationCode = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// FindUserIDByAuthSubject resolves the internal UUID from an auth-provider subject.
func (r *PostgresRepository) FindUserIDByAuthSubject(ctx context.Context, subject string) (string, error) {
	var id string
	err := r.db.QueryRow(ctx, "SELECT id FROM users WHERE auth_subject = $1", subject).Scan(&id)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", ErrUserNotFound
		}
		return "", err
	}
	return id, nil
}

// FindUserByID retrieves a user from the database by their ID.
func (r *PostgresRepository) FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	var user domain.User
	query := `SELECT id, btrim(username) FROM users WHERE id = $1`
	err := r.db.QueryRow(ctx, query, userID).Scan(&user.ID, &user.Username)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// FindAccountByUserID retrieves a user's custodial wallet account.
func (r *PostgresRepository) FindAccountByUserID(ctx context.Context, userID uuid.UUID) (*domain.Account, error) {
	var account domain.Account
	query := `SELECT id, user_id, ledger_account_id, balance FROM accounts WHERE user_id = $1`
	err := r.db.QueryRow(ctx, query, userID).Scan(&account.ID, &account.UserID, &account.LedgerAccountID, &account.Balance)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// CreateCampaign allocates the next campaign number and inserts the campaign
// row in one transaction. The counter row is locked so no two creations
// observe the same number.
func (r *PostgresRepository) CreateCampaign(ctx context.Context, campaign *domain.Campaign) (*domain.Campaign, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin campaign tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var count int64
	if err := tx.QueryRow(ctx, `SELECT count FROM campaign_counter WHERE singleton FOR UPDATE`).Scan(&count); err != nil {
		return nil, fmt.Errorf("load campaign counter: %w", err)
	}
	if count == math.MaxInt64 {
		return nil, ErrCampaignCounterOverflow
	}
	if _, err := tx.Exec(ctx, `UPDATE campaign_counter SET count = count + 1 WHERE singleton`); err != nil {
		return nil, fmt.Errorf("advance campaign counter: %w", err)
	}

	campaign.CampaignNumber = count
	query := `
		INSERT INTO campaigns (
			id, campaign_number, creator_id, name, target_amount,
			total_contributed, total_spent, is_cancelled, is_finalized,
			deadline, proposal_count, vault_account_id, withdraw_account_id,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, 0, 0, FALSE, FALSE, $6, 0, $7, $8, NOW(), NOW())
		RETURNING created_at, updated_at
	`
	err = tx.QueryRow(ctx, query,
		campaign.ID,
		campaign.CampaignNumber,
		campaign.CreatorID,
		campaign.Name,
		campaign.TargetAmount,
		campaign.Deadline,
		campaign.VaultAccountID,
		campaign.WithdrawAccountID,
	).Scan(&campaign.CreatedAt, &campaign.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert campaign: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return campaign, nil
}

// FindCampaignByID loads a campaign together with its whitelist.
func (r *PostgresRepository) FindCampaignByID(ctx context.Context, campaignID uuid.UUID) (*domain.Campaign, error) {
	var c domain.Campaign
	query := `
		SELECT id, campaign_number, creator_id, name, target_amount,
		       total_contributed, total_spent, is_cancelled, is_finalized,
		       deadline, proposal_count, vault_account_id, withdraw_account_id,
		       created_at, updated_at
		FROM campaigns
		WHERE id = $1
	`
	err := r.db.QueryRow(ctx, query, campaignID).Scan(
		&c.ID, &c.CampaignNumber, &c.CreatorID, &c.Name, &c.TargetAmount,
		&c.TotalContributed, &c.TotalSpent, &c.IsCancelled, &c.IsFinalized,
		&c.Deadline, &c.ProposalCount, &c.VaultAccountID, &c.WithdrawAccountID,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrCampaignNotFound
		}
		return nil, err
	}

	rows, err := r.db.Query(ctx, `SELECT user_id FROM campaign_whitelist WHERE campaign_id = $1 ORDER BY added_at, user_id`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var member uuid.UUID
		if err := rows.Scan(&member); err != nil {
			return nil, err
		}
		c.Whitelist = append(c.Whitelist, member)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &c, nil
}

// ListCampaignsByCreator returns all campaigns created by a user, newest first.
func (r *PostgresRepository) ListCampaignsByCreator(ctx context.Context, creatorID uuid.UUID) ([]domain.Campaign, error) {
	query := `
		SELECT id, campaign_number, creator_id, name, target_amount,
		       total_contributed, total_spent, is_cancelled, is_finalized,
		       deadline, proposal_count, vault_account_id, withdraw_account_id,
		       created_at, updated_at
		FROM campaigns
		WHERE creator_id = $1
		ORDER BY created_at DESC
	`
	rows, err := r.db.Query(ctx, query, creatorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var campaigns []domain.Campaign
	for rows.Next() {
		var c domain.Campaign
		if err := rows.Scan(
			&c.ID, &c.CampaignNumber, &c.CreatorID, &c.Name, &c.TargetAmount,
			&c.TotalContributed, &c.TotalSpent, &c.IsCancelled, &c.IsFinalized,
			&c.Deadline, &c.ProposalCount, &c.VaultAccountID, &c.WithdrawAccountID,
			&c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

// AddToWhitelist inserts the whole batch in one transaction; any duplicate
// aborts the batch so admission is all-or-nothing.
func (r *PostgresRepository) AddToWhitelist(ctx context.Context, campaignID uuid.UUID, userIDs []uuid.UUID) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin whitelist tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, userID := range userIDs {
		_, err := tx.Exec(ctx,
			`INSERT INTO campaign_whitelist (campaign_id, user_id, added_at) VALUES ($1, $2, NOW())`,
			campaignID, userID,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateWhitelistEntry
			}
			return err
		}
	}
	_, err = tx.Exec(ctx, `UPDATE campaigns SET updated_at = NOW() WHERE id = $1`, campaignID)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// MarkCampaignCancelled latches the cancelled flag.
func (r *PostgresRepository) MarkCampaignCancelled(ctx context.Context, campaignID uuid.UUID) error {
	result, err := r.db.Exec(ctx,
		`UPDATE campaigns SET is_cancelled = TRUE, updated_at = NOW() WHERE id = $1 AND is_cancelled = FALSE`,
		campaignID,
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrCampaignNotFound
	}
	return nil
}

// FindParticipant loads one (campaign, user) ledger entry.
func (r *PostgresRepository) FindParticipant(ctx context.Context, campaignID, userID uuid.UUID) (*domain.Participant, error) {
	var p domain.Participant
	query := `
		SELECT id, campaign_id, user_id, contributed, spent, refunded, net_owed, created_at, updated_at
		FROM participants
		WHERE campaign_id = $1 AND user_id = $2
	`
	err := r.db.QueryRow(ctx, query, campaignID, userID).Scan(
		&p.ID, &p.CampaignID, &p.UserID, &p.Contributed, &p.Spent, &p.Refunded, &p.NetOwed, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrParticipantNotFound
		}
		return nil, err
	}
	return &p, nil
}

// FindParticipantsByCampaignID returns every ledger entry for a campaign.
func (r *PostgresRepository) FindParticipantsByCampaignID(ctx context.Context, campaignID uuid.UUID) ([]domain.Participant, error) {
	query := `
		SELECT id, campaign_id, user_id, contributed, spent, refunded, net_owed, created_at, updated_at
		FROM participants
		WHERE campaign_id = $1
		ORDER BY created_at, user_id
	`
	rows, err := r.db.Query(ctx, query, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var participants []domain.Participant
	for rows.Next() {
		var p domain.Participant
		if err := rows.Scan(
			&p.ID, &p.CampaignID, &p.UserID, &p.Contributed, &p.Spent, &p.Refunded, &p.NetOwed, &p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, err
		}
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

// ApplyContribution upserts the participant entry and bumps the campaign
// running total as one atomic unit: a failure in either leaves no partial
// contribution recorded.
func (r *PostgresRepository) ApplyContribution(ctx context.Context, campaignID, userID uuid.UUID, amount int64) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin contribution tx: %w", err)
	}
	defer tx.Rollback(ctx)

	upsert := `
		INSERT INTO participants (id, campaign_id, user_id, contributed, spent, refunded, net_owed, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, FALSE, 0, NOW(), NOW())
		ON CONFLICT (campaign_id, user_id)
		DO UPDATE SET contributed = participants.contributed + $4, updated_at = NOW()
	`
	if _, err := tx.Exec(ctx, upsert, uuid.New(), campaignID, userID, amount); err != nil {
		return fmt.Errorf("upsert participant: %w", err)
	}

	result, err := tx.Exec(ctx,
		`UPDATE campaigns SET total_contributed = total_contributed + $2, updated_at = NOW() WHERE id = $1`,
		campaignID, amount,
	)
	if err != nil {
		return fmt.Errorf("update campaign total: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrCampaignNotFound
	}
	return tx.Commit(ctx)
}

// MarkParticipantRefunded flips the refunded latch. Returns false when the
// entry was already refunded, keeping disbursement exactly-once.
func (r *PostgresRepository) MarkParticipantRefunded(ctx context.Context, campaignID, userID uuid.UUID) (bool, error) {
	result, err := r.db.Exec(ctx,
		`UPDATE participants SET refunded = TRUE, updated_at = NOW() WHERE campaign_id = $1 AND user_id = $2 AND refunded = FALSE`,
		campaignID, userID,
	)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

// CreateProposal allocates the per-campaign proposal number and increments
// campaign.proposal_count in the same transaction.
func (r *PostgresRepository) CreateProposal(ctx context.Context, proposal *domain.Proposal) (*domain.Proposal, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin proposal tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var proposalCount int32
	if err := tx.QueryRow(ctx, `SELECT proposal_count FROM campaigns WHERE id = $1 FOR UPDATE`, proposal.CampaignID).Scan(&proposalCount); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrCampaignNotFound
		}
		return nil, fmt.Errorf("load proposal counter: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE campaigns SET proposal_count = proposal_count + 1, updated_at = NOW() WHERE id = $1`, proposal.CampaignID); err != nil {
		return nil, fmt.Errorf("advance proposal counter: %w", err)
	}

	proposal.ProposalNumber = proposalCount
	insert := `
		INSERT INTO proposals (
			id, campaign_id, proposal_number, type, title, amount,
			creator_id, deadline, settled, cancelled, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE, FALSE, NOW(), NOW())
		RETURNING created_at, updated_at
	`
	err = tx.QueryRow(ctx, insert,
		proposal.ID,
		proposal.CampaignID,
		proposal.ProposalNumber,
		string(proposal.Type),
		proposal.Title,
		proposal.Amount,
		proposal.CreatorID,
		proposal.Deadline,
	).Scan(&proposal.CreatedAt, &proposal.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert proposal: %w", err)
	}

	for i, share := range proposal.Spendings {
		_, err := tx.Exec(ctx,
			`INSERT INTO proposal_spendings (proposal_id, user_id, percentage, position) VALUES ($1, $2, $3, $4)`,
			proposal.ID, share.UserID, share.Percentage, i,
		)
		if err != nil {
			return nil, fmt.Errorf("insert spending share: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return proposal, nil
}

// FindProposalByID loads a proposal with its spending shares and vote sets.
func (r *PostgresRepository) FindProposalByID(ctx context.Context, proposalID uuid.UUID) (*domain.Proposal, error) {
	var p domain.Proposal
	var proposalType string
	query := `
		SELECT id, campaign_id, proposal_number, type, title, amount,
		       creator_id, deadline, settled, cancelled, created_at, updated_at
		FROM proposals
		WHERE id = $1
	`
	err := r.db.QueryRow(ctx, query, proposalID).Scan(
		&p.ID, &p.CampaignID, &p.ProposalNumber, &proposalType, &p.Title, &p.Amount,
		&p.CreatorID, &p.Deadline, &p.Settled, &p.Cancelled, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrProposalNotFound
		}
		return nil, err
	}
	p.Type = domain.ProposalType(proposalType)

	if err := r.loadProposalDetails(ctx, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PostgresRepository) loadProposalDetails(ctx context.Context, p *domain.Proposal) error {
	shareRows, err := r.db.Query(ctx,
		`SELECT user_id, percentage FROM proposal_spendings WHERE proposal_id = $1 ORDER BY position`,
		p.ID,
	)
	if err != nil {
		return err
	}
	defer shareRows.Close()
	for shareRows.Next() {
		var share domain.SpendingShare
		if err := shareRows.Scan(&share.UserID, &share.Percentage); err != nil {
			return err
		}
		p.Spendings = append(p.Spendings, share)
	}
	if err := shareRows.Err(); err != nil {
		return err
	}

	voteRows, err := r.db.Query(ctx,
		`SELECT voter_id, approve FROM proposal_votes WHERE proposal_id = $1 ORDER BY created_at, voter_id`,
		p.ID,
	)
	if err != nil {
		return err
	}
	defer voteRows.Close()
	for voteRows.Next() {
		var voterID uuid.UUID
		var approve bool
		if err := voteRows.Scan(&voterID, &approve); err != nil {
			return err
		}
		if approve {
			p.YesVotes = append(p.YesVotes, voterID)
		} else {
			p.NoVotes = append(p.NoVotes, voterID)
		}
	}
	return voteRows.Err()
}

// ListProposalsByCampaignID returns a campaign's proposals in creation order.
func (r *PostgresRepository) ListProposalsByCampaignID(ctx context.Context, campaignID uuid.UUID) ([]domain.Proposal, error) {
	query := `
		SELECT id, campaign_id, proposal_number, type, title, amount,
		       creator_id, deadline, settled, cancelled, created_at, updated_at
		FROM proposals
		WHERE campaign_id = $1
		ORDER BY proposal_number
	`
	rows, err := r.db.Query(ctx, query, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var proposals []domain.Proposal
	for rows.Next() {
		var p domain.Proposal
		var proposalType string
		if err := rows.Scan(
			&p.ID, &p.CampaignID, &p.ProposalNumber, &proposalType, &p.Title, &p.Amount,
			&p.CreatorID, &p.Deadline, &p.Settled, &p.Cancelled, &p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, err
		}
		p.Type = domain.ProposalType(proposalType)
		proposals = append(proposals, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range proposals {
		if err := r.loadProposalDetails(ctx, &proposals[i]); err != nil {
			return nil, err
		}
	}
	return proposals, nil
}

// AppendVote records one vote. The unique (proposal_id, voter_id) constraint
// makes the no-double-vote rule hold even under concurrent submissions.
func (r *PostgresRepository) AppendVote(ctx context.Context, proposalID, voterID uuid.UUID, approve bool) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO proposal_votes (proposal_id, voter_id, approve, created_at) VALUES ($1, $2, $3, NOW())`,
		proposalID, voterID, approve,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateVote
		}
		return err
	}
	return nil
}

// latchSettled flips the settled flag inside the given transaction; zero
// affected rows means another settlement won the race.
func latchSettled(ctx context.Context, tx pgx.Tx, proposalID uuid.UUID, cancelled bool) error {
	result, err := tx.Exec(ctx,
		`UPDATE proposals SET settled = TRUE, cancelled = $2, updated_at = NOW() WHERE id = $1 AND settled = FALSE`,
		proposalID, cancelled,
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrProposalAlreadySettled
	}
	return nil
}

// RejectProposal records a rejection terminal outcome: cancelled and settled,
// no fund movement.
func (r *PostgresRepository) RejectProposal(ctx context.Context, proposalID uuid.UUID) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin reject tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := latchSettled(ctx, tx, proposalID, true); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ApplySpendingSettlement latches the proposal, adds each recipient's share
// to their ledger `spent`, and adds the settled amount to the campaign's
// running total, all in one transaction.
func (r *PostgresRepository) ApplySpendingSettlement(ctx context.Context, proposalID, campaignID uuid.UUID, amount int64, spends []ParticipantSpend) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin settlement tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := latchSettled(ctx, tx, proposalID, false); err != nil {
		return err
	}

	for _, spend := range spends {
		result, err := tx.Exec(ctx,
			`UPDATE participants SET spent = spent + $3, updated_at = NOW() WHERE campaign_id = $1 AND user_id = $2`,
			campaignID, spend.UserID, spend.Amount,
		)
		if err != nil {
			return fmt.Errorf("update participant spent: %w", err)
		}
		if result.RowsAffected() == 0 {
			return ErrParticipantNotFound
		}
	}

	result, err := tx.Exec(ctx,
		`UPDATE campaigns SET total_spent = total_spent + $2, updated_at = NOW() WHERE id = $1`,
		campaignID, amount,
	)
	if err != nil {
		return fmt.Errorf("update campaign total spent: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrCampaignNotFound
	}
	return tx.Commit(ctx)
}

// ApplyFinalSettlement latches the settlement proposal, persists every
// participant's net balance and finalizes the campaign in one transaction.
func (r *PostgresRepository) ApplyFinalSettlement(ctx context.Context, proposalID, campaignID uuid.UUID, balances []ParticipantNetOwed) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin final settlement tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := latchSettled(ctx, tx, proposalID, false); err != nil {
		return err
	}

	for _, balance := range balances {
		result, err := tx.Exec(ctx,
			`UPDATE participants SET net_owed = $3, updated_at = NOW() WHERE campaign_id = $1 AND user_id = $2`,
			campaignID, balance.UserID, balance.NetOwed,
		)
		if err != nil {
			return fmt.Errorf("persist net owed: %w", err)
		}
		if result.RowsAffected() == 0 {
			return ErrParticipantNotFound
		}
	}

	result, err := tx.Exec(ctx,
		`UPDATE campaigns SET is_finalized = TRUE, updated_at = NOW() WHERE id = $1 AND is_finalized = FALSE`,
		campaignID,
	)
	if err != nil {
		return fmt.Errorf("finalize campaign: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrCampaignNotFound
	}
	return tx.Commit(ctx)
}
