// Package proposal implements the multisig proposal lifecycle state
// machine (spec §4.5): propose, approve, reject, time_lock_status, execute.
// It is grounded on the teacher's workflow.ValidateTransition
// (services/otc-gateway/server/workflow.go) for the allowed-transition table
// and funding.Processor / server.SignAndSubmit
// (services/otc-gateway/funding/processor.go,
// services/otc-gateway/server/sign_submit.go) for the row-locked
// unit-of-work + typed-error pattern.
package proposal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/nhb-custody/custody-gateway/models"
)

// Typed errors (spec §7). Every one is caller-visible and non-retryable
// unless noted.
var (
	ErrNotFound         = errors.New("proposal: not found")
	ErrValidation       = errors.New("proposal: validation failed")
	ErrInvalidState     = errors.New("proposal: invalid state transition")
	ErrDuplicateApproval = errors.New("proposal: duplicate approval")
	ErrTimeLockActive   = errors.New("proposal: time lock active") // retryable after wait
	ErrInsufficientPerm = errors.New("proposal: member lacks required permission")
)

// allowedTransitions enumerates the proposal state machine (spec §4.5),
// grounded on the teacher's workflow.allowedTransitions map shape.
var allowedTransitions = map[models.ProposalStatus][]models.ProposalStatus{
	models.ProposalPending:   {models.ProposalApproved, models.ProposalRejected},
	models.ProposalApproved:  {models.ProposalExecuting},
	models.ProposalExecuting: {models.ProposalExecuted, models.ProposalFailed},
	models.ProposalRejected:  {},
	models.ProposalExecuted:  {},
	models.ProposalFailed:    {},
}

// ValidateTransition reports whether next is a legal transition from
// current.
func ValidateTransition(current, next models.ProposalStatus) error {
	for _, allowed := range allowedTransitions[current] {
		if allowed == next {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidState, current, next)
}

// TimeLockStatus is the result of TimeLockStatus (spec §4.5).
type TimeLockStatus struct {
	CanExecute      bool
	RemainingSeconds int64
	Reason          string
}

// Engine implements spec §4.5's proposal lifecycle against a gorm-backed
// store. All operations run inside one unit of work (models.UnitOfWork).
type Engine struct {
	db    *gorm.DB
	nowFn func() time.Time
	// OnMemberActivity is invoked inside the same transaction as every
	// approve/reject/execute/propose call, bumping the member's activity
	// timestamp (spec §4.7). Kept as an injected hook rather than a
	// fire-and-forget side effect, per spec §9's "Cross-cutting activity
	// updates" design note.
	OnMemberActivity func(tx *gorm.DB, memberID uuid.UUID, now time.Time) error
}

// New constructs an Engine.
func New(db *gorm.DB, nowFn func() time.Time) *Engine {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Engine{db: db, nowFn: nowFn}
}

func (e *Engine) touchActivity(tx *gorm.DB, memberID uuid.UUID) error {
	if e.OnMemberActivity == nil {
		return nil
	}
	return e.OnMemberActivity(tx, memberID, e.nowFn())
}

// Propose creates a Proposal in PENDING that references a domain object by
// type and ID (spec §4.5 propose). The domain object row itself is neither
// read nor updated here; its status is whatever the caller created it with.
func (e *Engine) Propose(ctx context.Context, multisigID uuid.UUID, proposerKey string, domainObjectType string, domainObjectID uuid.UUID) (*models.Proposal, error) {
	var created *models.Proposal
	err := models.UnitOfWork(ctx, e.db, func(tx *gorm.DB) error {
		multisig, err := models.LockMultisig(tx, multisigID)
		if err != nil {
			return err
		}
		var proposer models.MultisigMember
		if err := tx.First(&proposer, "multisig_id = ? AND public_key = ?", multisig.ID, proposerKey).Error; err != nil {
			return err
		}
		if !proposer.Active || !proposer.HasPermission(models.PermissionPropose) {
			return ErrInsufficientPerm
		}

		now := e.nowFn()
		p := models.Proposal{
			ID:                uuid.New(),
			MultisigID:        multisig.ID,
			ProposerPublicKey: proposerKey,
			Status:            models.ProposalPending,
			DomainObjectType:  domainObjectType,
			DomainObjectID:    domainObjectID,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := tx.Create(&p).Error; err != nil {
			return err
		}
		if err := e.touchActivity(tx, proposer.ID); err != nil {
			return err
		}
		if err := models.AppendEvent(tx, p.ID, proposerKey, "proposal.created", domainObjectType); err != nil {
			return err
		}
		created = &p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// Approve records an Approve vote and transitions PENDING -> APPROVED once
// the distinct Approve count reaches the multisig's threshold (spec §4.5
// approve).
func (e *Engine) Approve(ctx context.Context, proposalID uuid.UUID, memberKey string) error {
	return models.UnitOfWork(ctx, e.db, func(tx *gorm.DB) error {
		p, err := models.LockProposal(tx, proposalID)
		if err != nil {
			return err
		}
		if p.Status != models.ProposalPending {
			return fmt.Errorf("%w: cannot approve proposal in state %s", ErrInvalidState, p.Status)
		}
		multisig, err := models.LockMultisig(tx, p.MultisigID)
		if err != nil {
			return err
		}
		var member models.MultisigMember
		if err := tx.First(&member, "multisig_id = ? AND public_key = ?", multisig.ID, memberKey).Error; err != nil {
			return err
		}
		if !member.Active || !member.HasPermission(models.PermissionVote) {
			return ErrInsufficientPerm
		}

		var existing models.Approval
		err = tx.First(&existing, "proposal_id = ? AND member_id = ? AND type = ?", p.ID, member.ID, models.ApprovalApprove).Error
		if err == nil {
			return ErrDuplicateApproval
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		now := e.nowFn()
		approval := models.Approval{
			ID:         uuid.New(),
			ProposalID: p.ID,
			MemberID:   member.ID,
			Type:       models.ApprovalApprove,
			CreatedAt:  now,
		}
		if err := tx.Create(&approval).Error; err != nil {
			return err
		}
		if err := e.touchActivity(tx, member.ID); err != nil {
			return err
		}

		var count int64
		if err := tx.Model(&models.Approval{}).
			Where("proposal_id = ? AND type = ?", p.ID, models.ApprovalApprove).
			Count(&count).Error; err != nil {
			return err
		}

		if int(count) >= multisig.Threshold {
			p.Status = models.ProposalApproved
			p.UpdatedAt = now
			if err := tx.Save(p).Error; err != nil {
				return err
			}
		}
		return models.AppendEvent(tx, p.ID, memberKey, "proposal.approved", fmt.Sprintf("count=%d threshold=%d", count, multisig.Threshold))
	})
}

// Reject records a Reject vote and transitions the proposal (and its linked
// domain object) to a terminal rejected state (spec §4.5 reject).
// rejectDomainObject is invoked inside the same transaction so the caller
// can cancel the linked WalletTransfer/ExternalTransfer row.
func (e *Engine) Reject(ctx context.Context, proposalID uuid.UUID, memberKey, reason string, rejectDomainObject func(tx *gorm.DB, p *models.Proposal) error) error {
	return models.UnitOfWork(ctx, e.db, func(tx *gorm.DB) error {
		p, err := models.LockProposal(tx, proposalID)
		if err != nil {
			return err
		}
		if p.Status != models.ProposalPending {
			return fmt.Errorf("%w: cannot reject proposal in state %s", ErrInvalidState, p.Status)
		}
		var member models.MultisigMember
		if err := tx.First(&member, "multisig_id = ? AND public_key = ?", p.MultisigID, memberKey).Error; err != nil {
			return err
		}
		if !member.Active || !member.HasPermission(models.PermissionVote) {
			return ErrInsufficientPerm
		}

		now := e.nowFn()
		rejection := models.Approval{
			ID:         uuid.New(),
			ProposalID: p.ID,
			MemberID:   member.ID,
			Type:       models.ApprovalReject,
			Reason:     reason,
			CreatedAt:  now,
		}
		if err := tx.Create(&rejection).Error; err != nil {
			return err
		}
		if err := e.touchActivity(tx, member.ID); err != nil {
			return err
		}

		if err := ValidateTransition(p.Status, models.ProposalRejected); err != nil {
			return err
		}
		p.Status = models.ProposalRejected
		p.UpdatedAt = now
		if err := tx.Save(p).Error; err != nil {
			return err
		}
		if rejectDomainObject != nil {
			if err := rejectDomainObject(tx, p); err != nil {
				return err
			}
		}
		return models.AppendEvent(tx, p.ID, memberKey, "proposal.rejected", reason)
	})
}

// TimeLockStatus computes {can_execute, remaining_seconds, reason} (spec
// §4.5 time_lock_status).
func (e *Engine) TimeLockStatus(ctx context.Context, proposalID uuid.UUID) (*TimeLockStatus, error) {
	var p models.Proposal
	if err := e.db.WithContext(ctx).First(&p, "id = ?", proposalID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var multisig models.Multisig
	if err := e.db.WithContext(ctx).First(&multisig, "id = ?", p.MultisigID).Error; err != nil {
		return nil, err
	}

	if multisig.TimeLockSeconds == 0 || p.Status != models.ProposalApproved {
		return &TimeLockStatus{
			CanExecute:       p.Status == models.ProposalApproved,
			RemainingSeconds: 0,
		}, nil
	}

	var latestApprove models.Approval
	err := e.db.WithContext(ctx).
		Where("proposal_id = ? AND type = ?", p.ID, models.ApprovalApprove).
		Order("created_at DESC").
		First(&latestApprove).Error
	if err != nil {
		return nil, err
	}

	elapsed := e.nowFn().Sub(latestApprove.CreatedAt)
	remaining := time.Duration(multisig.TimeLockSeconds)*time.Second - elapsed
	remainingSeconds := int64(remaining.Seconds())
	if remaining > 0 && remainingSeconds == 0 {
		// RemainingSeconds floors a sub-second remainder to 0, but
		// CanExecute below is decided on the exact duration, so a
		// sub-second remainder is not rounded up to "done".
		remainingSeconds = 0
	}
	return &TimeLockStatus{
		CanExecute:       remaining <= 0,
		RemainingSeconds: remainingSeconds,
		Reason:           "time lock active",
	}, nil
}

// ListProposals returns every Proposal owned by multisigID, optionally
// filtered to a single status (spec §6 ListProposals).
func (e *Engine) ListProposals(ctx context.Context, multisigID uuid.UUID, status *models.ProposalStatus) ([]models.Proposal, error) {
	q := e.db.WithContext(ctx).Where("multisig_id = ?", multisigID)
	if status != nil {
		q = q.Where("status = ?", *status)
	}
	var proposals []models.Proposal
	if err := q.Order("created_at DESC").Find(&proposals).Error; err != nil {
		return nil, err
	}
	return proposals, nil
}

// Executor performs the domain-specific action (§4.6) once Execute has
// validated preconditions and transitioned the proposal to EXECUTING. It
// returns the resulting tx hash (empty for purely internal actions) or an
// error. On any error, Execute rolls back the executor's own writes, moves
// the proposal to FAILED with the error text as FailureNote, commits that,
// and returns the error.
type Executor func(tx *gorm.DB, p *models.Proposal) (txHash string, err error)

// Execute transitions APPROVED -> EXECUTING -> EXECUTED|FAILED (spec §4.5
// execute). Preconditions: status APPROVED and TimeLockStatus.CanExecute.
func (e *Engine) Execute(ctx context.Context, proposalID uuid.UUID, executorKey string, run Executor) (*models.Proposal, error) {
	status, err := e.TimeLockStatus(ctx, proposalID)
	if err != nil {
		return nil, err
	}

	var result *models.Proposal
	var execErr error
	err = models.UnitOfWork(ctx, e.db, func(tx *gorm.DB) error {
		p, err := models.LockProposal(tx, proposalID)
		if err != nil {
			return err
		}
		if p.Status != models.ProposalApproved {
			return fmt.Errorf("%w: cannot execute proposal in state %s", ErrInvalidState, p.Status)
		}
		if !status.CanExecute {
			return fmt.Errorf("%w: remaining=%ds", ErrTimeLockActive, status.RemainingSeconds)
		}

		multisig, err := models.LockMultisig(tx, p.MultisigID)
		if err != nil {
			return err
		}
		var executor models.MultisigMember
		if err := tx.First(&executor, "multisig_id = ? AND public_key = ?", multisig.ID, executorKey).Error; err != nil {
			return err
		}
		if !executor.Active || !executor.HasPermission(models.PermissionExecute) {
			return ErrInsufficientPerm
		}

		now := e.nowFn()
		p.Status = models.ProposalExecuting
		p.UpdatedAt = now
		if err := tx.Save(p).Error; err != nil {
			return err
		}

		if err := tx.SavePoint("execute_domain").Error; err != nil {
			return err
		}
		txHash, runErr := run(tx, p)
		now = e.nowFn()
		if runErr != nil {
			// Undo the executor's partial writes, then commit the FAILED
			// transition; runErr is returned once the transaction is done.
			if err := tx.RollbackTo("execute_domain").Error; err != nil {
				return err
			}
			p.Status = models.ProposalFailed
			p.FailureNote = runErr.Error()
			p.UpdatedAt = now
			if err := tx.Save(p).Error; err != nil {
				return err
			}
			if err := e.touchActivity(tx, executor.ID); err != nil {
				return err
			}
			_ = models.AppendEvent(tx, p.ID, executorKey, "proposal.failed", runErr.Error())
			execErr = runErr
			return nil
		}

		p.Status = models.ProposalExecuted
		p.UpdatedAt = now
		if txHash != "" {
			p.TxHash = &txHash
		}
		if err := tx.Save(p).Error; err != nil {
			return err
		}
		if err := e.touchActivity(tx, executor.ID); err != nil {
			return err
		}
		if err := models.AppendEvent(tx, p.ID, executorKey, "proposal.executed", txHash); err != nil {
			return err
		}
		result = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	if execErr != nil {
		return nil, execErr
	}
	return result, nil
}
