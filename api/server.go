// Package api exposes a thin chi HTTP surface over the domain services
// (spec §6's intent table). End-user request authentication, rate limiting,
// and CSRF protection are explicitly out of scope — external collaborators
// sitting in front of this service (spec §1, §6). The cross-cutting
// concerns wired here are idempotency-key replay and, on the /admin
// routes only, an HS256 service bearer-token check (requireServiceToken)
// that is disabled when no secret is configured. It is grounded on the teacher's Server/buildRouter
// (services/otc-gateway/server/server.go): thin handlers that decode a
// request, call one domain method, and re-encode its result or error.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/nhb-custody/custody-gateway/activity"
	"github.com/nhb-custody/custody-gateway/fees"
	"github.com/nhb-custody/custody-gateway/internal/httpx"
	"github.com/nhb-custody/custody-gateway/models"
	"github.com/nhb-custody/custody-gateway/proposal"
	"github.com/nhb-custody/custody-gateway/recon"
	"github.com/nhb-custody/custody-gateway/registry"
	"github.com/nhb-custody/custody-gateway/scheduler"
	"github.com/nhb-custody/custody-gateway/transfer"
	"github.com/nhb-custody/custody-gateway/users"
)

// Config wires the domain services this API surfaces.
type Config struct {
	DB         *gorm.DB
	Users      *users.Service
	Registry   *registry.Registry
	Proposals  *proposal.Engine
	Transfers  *transfer.Orchestrator
	Activity   *activity.Tracker
	Reconciler *recon.Reconciler
	Scheduler  *scheduler.Scheduler

	TreasuryVaultID uuid.UUID
	TreasuryAddress string

	// ServiceTokenSecret, when non-empty, requires a valid HS256 bearer
	// token on /admin routes (see requireServiceToken).
	ServiceTokenSecret []byte
}

// Server wraps the router built from Config.
type Server struct {
	cfg    Config
	router http.Handler
}

// New constructs the HTTP router.
func New(cfg Config) *Server {
	s := &Server{cfg: cfg}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(func(next http.Handler) http.Handler { return httpx.WithIdempotency(s.cfg.DB, next) })

	r.Route("/api/v1", func(v1 chi.Router) {
		v1.Post("/users", s.createUser)
		v1.Post("/users/{id}/anonymize", s.anonymizeUser)
		v1.Get("/multisigs/main", s.getMainMultisig)
		v1.Post("/users/{id}/multisig", s.provisionMultisig)

		v1.Post("/proposals/{id}/approve", s.approveProposal)
		v1.Post("/proposals/{id}/reject", s.rejectProposal)
		v1.Get("/proposals/{id}/time-lock", s.timeLockStatus)
		v1.Get("/proposals", s.listProposals)

		v1.Post("/transfers/internal", s.initiateInternalTransfer)
		v1.Post("/transfers/wallet", s.initiateWalletTransfer)
		v1.Post("/transfers/wallet/{id}/execute", s.executeWalletTransfer)
		v1.Post("/transfers/external", s.initiateExternalTransfer)
		v1.Post("/transfers/external/{id}/execute", s.executeExternalTransfer)

		v1.Post("/users/{id}/sync-balance", s.syncUserBalance)

		v1.Group(func(admin chi.Router) {
			admin.Use(requireServiceToken(s.cfg.ServiceTokenSecret))
			admin.Post("/admin/activity/sweep", s.runActivitySweep)
			admin.Get("/admin/activity/status", s.activityStatus)
			admin.Get("/admin/activity/removal-eligible", s.activityRemovalEligible)
			admin.Post("/admin/activity/remove", s.removeMember)
			admin.Post("/admin/recon/sweep", s.runReconSweep)
			admin.Post("/admin/monitoring/start", s.startMonitoring)
			admin.Post("/admin/monitoring/stop", s.stopMonitoring)
			admin.Get("/admin/monitoring/status", s.monitoringStatus)
		})
	})

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrNotFound), errors.Is(err, proposal.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrConflict), errors.Is(err, activity.ErrQuorumWouldBreak):
		status = http.StatusConflict
	case errors.Is(err, transfer.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, proposal.ErrInvalidState),
		errors.Is(err, proposal.ErrDuplicateApproval),
		errors.Is(err, proposal.ErrTimeLockActive),
		errors.Is(err, proposal.ErrInsufficientPerm),
		errors.Is(err, transfer.ErrInvalidAmount),
		errors.Is(err, transfer.ErrInsufficientPerm),
		errors.Is(err, transfer.ErrAmbiguousLookup),
		errors.Is(err, registry.ErrInvalidMemberN):
		status = http.StatusUnprocessableEntity
	}
	var shortfall fees.Shortfall
	if errors.As(err, &shortfall) {
		status = http.StatusUnprocessableEntity
	}
	http.Error(w, err.Error(), status)
}

func (s *Server) createUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email       string `json:"email"`
		DisplayName string `json:"display_name"`
		PhoneNumber string `json:"phone_number"`
		Wallet      string `json:"wallet"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	user, err := s.cfg.Users.CreateUser(r.Context(), req.Email, req.DisplayName, req.PhoneNumber, req.Wallet)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, user)
}

func (s *Server) anonymizeUser(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}
	user, err := s.cfg.Users.AnonymizeUser(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, user)
}

func (s *Server) getMainMultisig(w http.ResponseWriter, r *http.Request) {
	m, err := s.cfg.Registry.GetMainMultisig(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, m)
}

func (s *Server) provisionMultisig(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}
	m, err := s.cfg.Registry.ProvisionForUser(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, m)
}

func (s *Server) approveProposal(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid proposal id", http.StatusBadRequest)
		return
	}
	var req struct {
		MemberKey string `json:"member_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if err := s.cfg.Proposals.Approve(r.Context(), id, req.MemberKey); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) rejectProposal(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid proposal id", http.StatusBadRequest)
		return
	}
	var req struct {
		MemberKey string `json:"member_key"`
		Reason    string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if err := s.cfg.Proposals.Reject(r.Context(), id, req.MemberKey, req.Reason, s.cfg.Transfers.CancelDomainObject); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) timeLockStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid proposal id", http.StatusBadRequest)
		return
	}
	status, err := s.cfg.Proposals.TimeLockStatus(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) initiateInternalTransfer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SenderID          uuid.UUID `json:"sender_id"`
		ReceiverFirstName string    `json:"receiver_first_name"`
		Gross             float64   `json:"gross"`
		Notes             string    `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	result, err := s.cfg.Transfers.InternalTransfer(r.Context(), req.SenderID, req.ReceiverFirstName, s.cfg.TreasuryVaultID, req.Gross, req.Notes)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, result)
}

func (s *Server) initiateWalletTransfer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MultisigID  uuid.UUID `json:"multisig_id"`
		ProposerKey string    `json:"proposer_key"`
		FromWallet  string    `json:"from_wallet"`
		ToWallet    string    `json:"to_wallet"`
		Gross       float64   `json:"gross"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	wt, prop, err := s.cfg.Transfers.InitiateWalletTransfer(r.Context(), req.MultisigID, req.ProposerKey, req.FromWallet, req.ToWallet, req.Gross)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, struct {
		Transfer *models.WalletTransfer `json:"transfer"`
		Proposal *models.Proposal       `json:"proposal"`
	}{wt, prop})
}

func (s *Server) executeWalletTransfer(w http.ResponseWriter, r *http.Request) {
	proposalID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid proposal id", http.StatusBadRequest)
		return
	}
	var req struct {
		ExecutorKey string `json:"executor_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	wt, err := s.cfg.Transfers.ExecuteWalletTransfer(r.Context(), proposalID, req.ExecutorKey, s.cfg.TreasuryVaultID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, wt)
}

func (s *Server) initiateExternalTransfer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MultisigID     uuid.UUID `json:"multisig_id"`
		UserID         uuid.UUID `json:"user_id"`
		ProposerKey    string    `json:"proposer_key"`
		FromWallet     string    `json:"from_wallet"`
		ToExternalAddr string    `json:"to_external_address"`
		Gross          float64   `json:"gross"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	et, prop, err := s.cfg.Transfers.InitiateExternalTransfer(r.Context(), req.MultisigID, req.UserID, req.ProposerKey, req.FromWallet, req.ToExternalAddr, req.Gross)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, struct {
		Transfer *models.ExternalTransfer `json:"transfer"`
		Proposal *models.Proposal         `json:"proposal"`
	}{et, prop})
}

func (s *Server) executeExternalTransfer(w http.ResponseWriter, r *http.Request) {
	proposalID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid proposal id", http.StatusBadRequest)
		return
	}
	var req struct {
		ExecutorKey string `json:"executor_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	et, err := s.cfg.Transfers.ExecuteExternalTransfer(r.Context(), proposalID, req.ExecutorKey, s.cfg.TreasuryVaultID, s.cfg.TreasuryAddress)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, et)
}

func (s *Server) runActivitySweep(w http.ResponseWriter, r *http.Request) {
	result, err := s.cfg.Activity.Sweep(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) runReconSweep(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()
	result, err := s.cfg.Reconciler.Sweep(ctx)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) listProposals(w http.ResponseWriter, r *http.Request) {
	multisigID, err := uuid.Parse(r.URL.Query().Get("multisig_id"))
	if err != nil {
		http.Error(w, "invalid multisig_id", http.StatusBadRequest)
		return
	}
	var status *models.ProposalStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		st := models.ProposalStatus(raw)
		status = &st
	}
	proposals, err := s.cfg.Proposals.ListProposals(r.Context(), multisigID, status)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, proposals)
}

func (s *Server) syncUserBalance(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}
	force := r.URL.Query().Get("force") == "true"
	balance, err := s.cfg.Reconciler.SyncUserBalance(r.Context(), id, force)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, struct {
		Balance float64 `json:"balance"`
	}{balance})
}

func (s *Server) activityStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.cfg.Activity.Status(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) activityRemovalEligible(w http.ResponseWriter, r *http.Request) {
	eligible, err := s.cfg.Activity.RemovalEligible(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, eligible)
}

func (s *Server) removeMember(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MemberKey string `json:"member_key"`
		Reason    string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if err := s.cfg.Activity.Remove(r.Context(), req.MemberKey, req.Reason); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) startMonitoring(w http.ResponseWriter, r *http.Request) {
	s.cfg.Scheduler.Start(context.Background())
	s.writeJSON(w, http.StatusOK, s.cfg.Scheduler.Status())
}

func (s *Server) stopMonitoring(w http.ResponseWriter, r *http.Request) {
	s.cfg.Scheduler.Stop()
	s.writeJSON(w, http.StatusOK, s.cfg.Scheduler.Status())
}

func (s *Server) monitoringStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cfg.Scheduler.Status())
}
