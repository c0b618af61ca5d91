/**
 * @description
 * This file contains the HTTP handlers for the campaign-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application service, and writing the HTTP response. They act as the
 * bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - github.com/go-chi/chi/v5: For route parameters.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/chipin/campaign-service/internal/app"
	"github.com/chipin/campaign-service/internal/domain"
	"github.com/chipin/campaign-service/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// CampaignHandlers holds the application service that handlers will use.
type CampaignHandlers struct {
	service *app.Service
}

// NewCampaignHandlers creates a new instance of CampaignHandlers.
func NewCampaignHandlers(service *app.Service) *CampaignHandlers {
	return &CampaignHandlers{service: service}
}

// authedUserID resolves the authenticated subject from the request context to
// the internal user UUID. It writes the error response itself and reports
// success through the boolean.
func (h *CampaignHandlers) authedUserID(w http.ResponseWriter, r *http.Request, endpoint string) (uuid.UUID, bool) {
	subject, ok := GetAuthSubject(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Could not get user ID from context")
		return uuid.Nil, false
	}

	internalIDStr, err := h.service.ResolveInternalUserID(r.Context(), subject)
	if err != nil {
		log.Printf("level=warn component=api endpoint=%s outcome=reject reason=user_resolution_failed subject=%s err=%v", endpoint, subject, err)
		h.writeError(w, http.StatusBadRequest, "User not found")
		return uuid.Nil, false
	}
	userID, err := uuid.Parse(internalIDStr)
	if err != nil {
		log.Printf("level=warn component=api endpoint=%s outcome=reject reason=invalid_user_id internal_user_id=%s", endpoint, internalIDStr)
		h.writeError(w, http.StatusBadRequest, "Invalid user ID format")
		return uuid.Nil, false
	}
	return userID, true
}

// pathUUID parses a route parameter as a UUID, writing a 400 on failure.
func (h *CampaignHandlers) pathUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid "+param+" format")
		return uuid.Nil, false
	}
	return id, true
}

// CreateCampaignHandler handles requests to create a new campaign.
func (h *CampaignHandlers) CreateCampaignHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authedUserID(w, r, "create_campaign")
	if !ok {
		return
	}

	var req domain.CreateCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	campaign, err := h.service.CreateCampaign(r.Context(), userID, req)
	if err != nil {
		log.Printf("level=warn component=api endpoint=create_campaign outcome=failed user_id=%s err=%v", userID, err)
		switch {
		case errors.Is(err, app.ErrNameTooLong),
			errors.Is(err, app.ErrInvalidDeadline),
			errors.Is(err, app.ErrInvalidAmount):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, store.ErrAccountNotFound):
			h.writeError(w, http.StatusNotFound, "No account found for creator")
		case errors.Is(err, app.ErrCounterOverflow):
			h.writeError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			h.writeError(w, http.StatusInternalServerError, "Failed to create campaign")
		}
		return
	}

	log.Printf("level=info component=api endpoint=create_campaign outcome=created campaign_id=%s creator_id=%s target=%d", campaign.ID, userID, campaign.TargetAmount)
	h.writeJSON(w, http.StatusCreated, campaign)
}

// ListCampaignsHandler returns the campaigns created by the authenticated user.
func (h *CampaignHandlers) ListCampaignsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authedUserID(w, r, "list_campaigns")
	if !ok {
		return
	}

	campaigns, err := h.service.ListCampaigns(r.Context(), userID)
	if err != nil {
		log.Printf("level=error component=api endpoint=list_campaigns outcome=failed user_id=%s err=%v", userID, err)
		h.writeError(w, http.StatusInternalServerError, "Failed to list campaigns")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"campaigns": campaigns})
}

// GetCampaignHandler returns a single campaign with its whitelist and counters.
func (h *CampaignHandlers) GetCampaignHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authedUserID(w, r, "get_campaign"); !ok {
		return
	}
	campaignID, ok := h.pathUUID(w, r, "campaignID")
	if !ok {
		return
	}

	campaign, err := h.service.GetCampaign(r.Context(), campaignID)
	if err != nil {
		if errors.Is(err, store.ErrCampaignNotFound) {
			h.writeError(w, http.StatusNotFound, "Campaign not found")
			return
		}
		log.Printf("level=error component=api endpoint=get_campaign outcome=failed campaign_id=%s err=%v", campaignID, err)
		h.writeError(w, http.StatusInternalServerError, "Failed to load campaign")
		return
	}

	h.writeJSON(w, http.StatusOK, campaign)
}

// AddToWhitelistHandler admits a batch of users to a campaign's whitelist.
func (h *CampaignHandlers) AddToWhitelistHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authedUserID(w, r, "add_to_whitelist")
	if !ok {
		return
	}
	campaignID, ok := h.pathUUID(w, r, "campaignID")
	if !ok {
		return
	}

	var req domain.WhitelistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.service.AddToWhitelist(r.Context(), campaignID, userID, req.UserIDs); err != nil {
		log.Printf("level=warn component=api endpoint=add_to_whitelist outcome=failed campaign_id=%s user_id=%s err=%v", campaignID, userID, err)
		switch {
		case errors.Is(err, store.ErrCampaignNotFound):
			h.writeError(w, http.StatusNotFound, "Campaign not found")
		case errors.Is(err, app.ErrUnauthorised):
			h.writeError(w, http.StatusForbidden, err.Error())
		case errors.Is(err, app.ErrWhitelistFull), errors.Is(err, app.ErrDuplicateWallet):
			h.writeError(w, http.StatusConflict, err.Error())
		default:
			h.writeError(w, http.StatusInternalServerError, "Failed to update whitelist")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "whitelisted"})
}

// ContributeHandler handles a whitelisted user's contribution to a campaign.
func (h *CampaignHandlers) ContributeHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authedUserID(w, r, "contribute")
	if !ok {
		return
	}
	campaignID, ok := h.pathUUID(w, r, "campaignID")
	if !ok {
		return
	}

	var req domain.ContributeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	participant, err := h.service.Contribute(r.Context(), campaignID, userID, req.Amount)
	if err != nil {
		log.Printf("level=warn component=api endpoint=contribute outcome=failed campaign_id=%s user_id=%s amount=%d err=%v", campaignID, userID, req.Amount, err)
		switch {
		case errors.Is(err, app.ErrRateLimited):
			h.writeError(w, http.StatusTooManyRequests, "Rate limit exceeded. Please try again later.")
		case errors.Is(err, store.ErrCampaignNotFound):
			h.writeError(w, http.StatusNotFound, "Campaign not found")
		case errors.Is(err, store.ErrAccountNotFound):
			h.writeError(w, http.StatusNotFound, "No account found for contributor")
		case errors.Is(err, app.ErrInvalidAmount):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, app.ErrNotWhitelisted):
			h.writeError(w, http.StatusForbidden, err.Error())
		case errors.Is(err, app.ErrDeadlineAlreadyReached),
			errors.Is(err, app.ErrCampaignCancelled):
			h.writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, app.ErrContributionOverflow):
			h.writeError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			h.writeError(w, http.StatusInternalServerError, "Failed to record contribution")
		}
		return
	}

	log.Printf("level=info component=api endpoint=contribute outcome=recorded campaign_id=%s user_id=%s amount=%d", campaignID, userID, req.Amount)
	h.writeJSON(w, http.StatusCreated, participant)
}

// CloseCampaignHandler cancels a campaign that missed its funding target.
func (h *CampaignHandlers) CloseCampaignHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authedUserID(w, r, "close_campaign")
	if !ok {
		return
	}
	campaignID, ok := h.pathUUID(w, r, "campaignID")
	if !ok {
		return
	}

	if err := h.service.CloseCampaign(r.Context(), campaignID, userID); err != nil {
		log.Printf("level=warn component=api endpoint=close_campaign outcome=failed campaign_id=%s user_id=%s err=%v", campaignID, userID, err)
		switch {
		case errors.Is(err, store.ErrCampaignNotFound):
			h.writeError(w, http.StatusNotFound, "Campaign not found")
		case errors.Is(err, app.ErrUnauthorised):
			h.writeError(w, http.StatusForbidden, err.Error())
		case errors.Is(err, app.ErrDeadlineNotReached),
			errors.Is(err, app.ErrTargetMetAlready),
			errors.Is(err, app.ErrCampaignCancelled):
			h.writeError(w, http.StatusConflict, err.Error())
		default:
			h.writeError(w, http.StatusInternalServerError, "Failed to close campaign")
		}
		return
	}

	log.Printf("level=info component=api endpoint=close_campaign outcome=closed campaign_id=%s", campaignID)
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

// CreateSpendingProposalHandler creates a spending proposal on a campaign.
func (h *CampaignHandlers) CreateSpendingProposalHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authedUserID(w, r, "create_spending_proposal")
	if !ok {
		return
	}
	campaignID, ok := h.pathUUID(w, r, "campaignID")
	if !ok {
		return
	}

	var req domain.CreateProposalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	proposal, err := h.service.CreateSpendingProposal(r.Context(), campaignID, userID, req)
	if err != nil {
		log.Printf("level=warn component=api endpoint=create_spending_proposal outcome=failed campaign_id=%s user_id=%s err=%v", campaignID, userID, err)
		h.writeProposalCreationError(w, err)
		return
	}

	log.Printf("level=info component=api endpoint=create_spending_proposal outcome=created proposal_id=%s campaign_id=%s amount=%d", proposal.ID, campaignID, proposal.Amount)
	h.writeJSON(w, http.StatusCreated, proposal)
}

// CreateSettlementProposalHandler creates the final settlement proposal of a campaign.
func (h *CampaignHandlers) CreateSettlementProposalHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authedUserID(w, r, "create_settlement_proposal")
	if !ok {
		return
	}
	campaignID, ok := h.pathUUID(w, r, "campaignID")
	if !ok {
		return
	}

	var req domain.CreateSettlementProposalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	proposal, err := h.service.CreateSettlementProposal(r.Context(), campaignID, userID, req.Deadline)
	if err != nil {
		log.Printf("level=warn component=api endpoint=create_settlement_proposal outcome=failed campaign_id=%s user_id=%s err=%v", campaignID, userID, err)
		h.writeProposalCreationError(w, err)
		return
	}

	log.Printf("level=info component=api endpoint=create_settlement_proposal outcome=created proposal_id=%s campaign_id=%s", proposal.ID, campaignID)
	h.writeJSON(w, http.StatusCreated, proposal)
}

// writeProposalCreationError maps the shared failure modes of proposal
// creation onto HTTP statuses.
func (h *CampaignHandlers) writeProposalCreationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrCampaignNotFound):
		h.writeError(w, http.StatusNotFound, "Campaign not found")
	case errors.Is(err, app.ErrNotWhitelisted), errors.Is(err, app.ErrUnauthorised):
		h.writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, app.ErrTitleTooLong),
		errors.Is(err, app.ErrInvalidAmount),
		errors.Is(err, app.ErrNoParticipants),
		errors.Is(err, app.ErrInvalidPercentage),
		errors.Is(err, app.ErrInvalidDeadline):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrCampaignCancelled):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrProposalCounterOverflow):
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		h.writeError(w, http.StatusInternalServerError, "Failed to create proposal")
	}
}

// ListProposalsHandler returns all proposals of a campaign.
func (h *CampaignHandlers) ListProposalsHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authedUserID(w, r, "list_proposals"); !ok {
		return
	}
	campaignID, ok := h.pathUUID(w, r, "campaignID")
	if !ok {
		return
	}

	proposals, err := h.service.ListProposals(r.Context(), campaignID)
	if err != nil {
		log.Printf("level=error component=api endpoint=list_proposals outcome=failed campaign_id=%s err=%v", campaignID, err)
		h.writeError(w, http.StatusInternalServerError, "Failed to list proposals")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"proposals": proposals})
}

// GetProposalHandler returns a single proposal with its vote tallies.
func (h *CampaignHandlers) GetProposalHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authedUserID(w, r, "get_proposal"); !ok {
		return
	}
	proposalID, ok := h.pathUUID(w, r, "proposalID")
	if !ok {
		return
	}

	proposal, err := h.service.GetProposal(r.Context(), proposalID)
	if err != nil {
		if errors.Is(err, store.ErrProposalNotFound) {
			h.writeError(w, http.StatusNotFound, "Proposal not found")
			return
		}
		log.Printf("level=error component=api endpoint=get_proposal outcome=failed proposal_id=%s err=%v", proposalID, err)
		h.writeError(w, http.StatusInternalServerError, "Failed to load proposal")
		return
	}

	h.writeJSON(w, http.StatusOK, proposal)
}

// VoteHandler records a yes or no vote on a proposal.
func (h *CampaignHandlers) VoteHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authedUserID(w, r, "vote")
	if !ok {
		return
	}
	proposalID, ok := h.pathUUID(w, r, "proposalID")
	if !ok {
		return
	}

	var req domain.VoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.service.Vote(r.Context(), proposalID, userID, req.Approve); err != nil {
		log.Printf("level=warn component=api endpoint=vote outcome=failed proposal_id=%s user_id=%s err=%v", proposalID, userID, err)
		switch {
		case errors.Is(err, app.ErrRateLimited):
			h.writeError(w, http.StatusTooManyRequests, "Rate limit exceeded. Please try again later.")
		case errors.Is(err, store.ErrProposalNotFound), errors.Is(err, store.ErrCampaignNotFound):
			h.writeError(w, http.StatusNotFound, "Proposal not found")
		case errors.Is(err, app.ErrNotAuthorizedToVote):
			h.writeError(w, http.StatusForbidden, err.Error())
		case errors.Is(err, app.ErrAlreadyVoted),
			errors.Is(err, app.ErrAlreadySettled),
			errors.Is(err, app.ErrProposalExpired):
			h.writeError(w, http.StatusConflict, err.Error())
		default:
			h.writeError(w, http.StatusInternalServerError, "Failed to record vote")
		}
		return
	}

	log.Printf("level=info component=api endpoint=vote outcome=recorded proposal_id=%s user_id=%s approve=%t", proposalID, userID, req.Approve)
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "voted"})
}

// SettleProposalHandler executes a proposal once its vote has concluded.
// Spending proposals disburse from the vault; the settlement proposal
// finalizes the campaign's net balances.
func (h *CampaignHandlers) SettleProposalHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authedUserID(w, r, "settle_proposal")
	if !ok {
		return
	}
	proposalID, ok := h.pathUUID(w, r, "proposalID")
	if !ok {
		return
	}

	proposal, err := h.service.GetProposal(r.Context(), proposalID)
	if err != nil {
		if errors.Is(err, store.ErrProposalNotFound) {
			h.writeError(w, http.StatusNotFound, "Proposal not found")
			return
		}
		log.Printf("level=error component=api endpoint=settle_proposal outcome=failed proposal_id=%s err=%v", proposalID, err)
		h.writeError(w, http.StatusInternalServerError, "Failed to load proposal")
		return
	}

	var settled *domain.Proposal
	if proposal.Type == domain.ProposalTypeSettlement {
		settled, err = h.service.SettleCampaign(r.Context(), proposalID)
	} else {
		settled, err = h.service.SettleSpendingProposal(r.Context(), proposalID)
	}
	if err != nil {
		log.Printf("level=warn component=api endpoint=settle_proposal outcome=failed proposal_id=%s user_id=%s err=%v", proposalID, userID, err)
		switch {
		case errors.Is(err, store.ErrProposalNotFound), errors.Is(err, store.ErrCampaignNotFound):
			h.writeError(w, http.StatusNotFound, "Proposal not found")
		case errors.Is(err, app.ErrAlreadySettled),
			errors.Is(err, app.ErrTooEarlyToSettle),
			errors.Is(err, app.ErrInvalidParticipantAccounts),
			errors.Is(err, app.ErrMissingParticipantAccount),
			errors.Is(err, app.ErrInvalidParticipantEvent),
			errors.Is(err, app.ErrInvalidParticipantWallet):
			h.writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, app.ErrMathOverflow):
			h.writeError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			h.writeError(w, http.StatusInternalServerError, "Failed to settle proposal")
		}
		return
	}

	log.Printf("level=info component=api endpoint=settle_proposal outcome=settled proposal_id=%s approved=%t", proposalID, !settled.Cancelled)
	h.writeJSON(w, http.StatusOK, settled)
}

// writeJSON is a helper for writing JSON responses.
func (h *CampaignHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *CampaignHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
