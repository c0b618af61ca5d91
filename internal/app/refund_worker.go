/**
 * @description
 * The refund worker disburses contributions back to participants after a
 * campaign is closed without meeting its target. It consumes the
 * `campaign.closed` events published by the service and instructs the ledger
 * collaborator to return each participant's outstanding balance from the
 * campaign vault.
 *
 * The refunded latch on each ledger entry is claimed before the transfer is
 * initiated, so a redelivered close event never disburses twice.
 */

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/chipin/campaign-service/internal/domain"
	"github.com/chipin/campaign-service/internal/store"
)

// RefundWorker processes campaign close events and pays refunds.
type RefundWorker struct {
	repo   store.Repository
	ledger FundMover
}

// NewRefundWorker creates a refund worker backed by the given repository and
// ledger collaborator.
func NewRefundWorker(repo store.Repository, ledger FundMover) *RefundWorker {
	return &RefundWorker{repo: repo, ledger: ledger}
}

// HandleMessage is the RabbitMQ binding entry point. It returns true when
// the delivery should be acknowledged.
func (w *RefundWorker) HandleMessage(body []byte) bool {
	var event domain.CampaignClosedPayload
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("refund-worker: failed to unmarshal payload: %v", err)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := w.processCampaign(ctx, event); err != nil {
		log.Printf("refund-worker: processing error for campaign %s: %v", event.CampaignID, err)
		return false
	}
	return true
}

func (w *RefundWorker) processCampaign(ctx context.Context, event domain.CampaignClosedPayload) error {
	campaign, err := w.repo.FindCampaignByID(ctx, event.CampaignID)
	if err != nil {
		return fmt.Errorf("lookup campaign: %w", err)
	}
	if !campaign.IsCancelled {
		log.Printf("refund-worker: campaign %s is not cancelled; acknowledging", campaign.ID)
		return nil
	}

	participants, err := w.repo.FindParticipantsByCampaignID(ctx, campaign.ID)
	if err != nil {
		return fmt.Errorf("load participants: %w", err)
	}

	for i := range participants {
		if err := w.refundParticipant(ctx, campaign, &participants[i]); err != nil {
			return err
		}
	}
	return nil
}

// refundParticipant returns one participant's outstanding balance. The
// amount is contributed minus spent, clamped at zero: approved spending has
// already left the vault.
func (w *RefundWorker) refundParticipant(ctx context.Context, campaign *domain.Campaign, entry *domain.Participant) error {
	if entry.Refunded {
		return nil
	}
	refund := entry.Contributed - entry.Spent
	if refund <= 0 {
		return nil
	}

	account, err := w.repo.FindAccountByUserID(ctx, entry.UserID)
	if err != nil {
		return fmt.Errorf("find refund account for %s: %w", entry.UserID, err)
	}

	claimed, err := w.repo.MarkParticipantRefunded(ctx, campaign.ID, entry.UserID)
	if err != nil {
		return fmt.Errorf("claim refund latch for %s: %w", entry.UserID, err)
	}
	if !claimed {
		// Another delivery already took this one.
		return nil
	}

	reason := fmt.Sprintf("Refund for closed campaign %s", campaign.Name)
	if _, err := w.ledger.BookTransfer(ctx, campaign.VaultAccountID, account.LedgerAccountID, reason, refund); err != nil {
		log.Printf("CRITICAL: refund latch claimed but transfer failed campaign=%s user=%s amount=%d err=%v",
			campaign.ID, entry.UserID, refund, err)
		return nil
	}

	log.Printf("level=info component=refund_worker msg=\"refund disbursed\" campaign=%s user=%s amount=%d",
		campaign.ID, entry.UserID, refund)
	return nil
}
