// Package activity implements the member activity tracker and inactivity
// remover (spec §4.7): bumping LastActivityAt on every governance action,
// sweeping for members that have gone inactive, and retiring members once
// they are eligible for removal without dropping a multisig below quorum.
// It is grounded on the teacher's recon.Reconciler sweep shape
// (services/otc-gateway/recon/reconciler.go) generalized from balance
// reconciliation to membership bookkeeping.
package activity

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/nhb-custody/custody-gateway/models"
)

func lockingUpdate() clause.Locking {
	return clause.Locking{Strength: "UPDATE"}
}

// Typed errors (spec §7).
var (
	ErrQuorumWouldBreak = errors.New("activity: removal would drop active member count below threshold")
)

// Config carries the sweep thresholds sourced from spec §6 configuration.
type Config struct {
	InactivityThreshold time.Duration
	RemovalThreshold    time.Duration
	Now                 func() time.Time
}

// Tracker implements spec §4.7 against a gorm-backed store.
type Tracker struct {
	db  *gorm.DB
	cfg Config
}

// New constructs a Tracker.
func New(db *gorm.DB, cfg Config) *Tracker {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Tracker{db: db, cfg: cfg}
}

// Touch bumps a member's LastActivityAt and clears any in-progress
// inactivity flags, since the member has just proven they are active. It is
// intended to be called as the proposal engine's OnMemberActivity hook, in
// the same transaction as the governance action that triggered it.
func (t *Tracker) Touch(tx *gorm.DB, memberID uuid.UUID, now time.Time) error {
	return tx.Model(&models.MultisigMember{}).Where("id = ?", memberID).Updates(map[string]interface{}{
		"last_activity_at":    now,
		"is_inactive":         false,
		"inactive_since":      nil,
		"removal_eligible_at": nil,
	}).Error
}

// MemberStatus is one row of an activity status/removal-eligible listing
// (spec §6 AdminInactivity: status / removalEligible).
type MemberStatus struct {
	MemberID          uuid.UUID
	MultisigID        uuid.UUID
	PublicKey         string
	Active            bool
	LastActivityAt    time.Time
	IsInactive        bool
	InactiveSince     *time.Time
	RemovalEligibleAt *time.Time
}

// Status lists every active member's activity bookkeeping (spec §6
// AdminInactivity.status).
func (t *Tracker) Status(ctx context.Context) ([]MemberStatus, error) {
	var members []models.MultisigMember
	if err := t.db.WithContext(ctx).Where("active = ?", true).Find(&members).Error; err != nil {
		return nil, err
	}
	out := make([]MemberStatus, 0, len(members))
	for _, m := range members {
		out = append(out, MemberStatus{
			MemberID:          m.ID,
			MultisigID:        m.MultisigID,
			PublicKey:         m.PublicKey,
			Active:            m.Active,
			LastActivityAt:    m.LastActivityAt,
			IsInactive:        m.IsInactive,
			InactiveSince:     m.InactiveSince,
			RemovalEligibleAt: m.RemovalEligibleAt,
		})
	}
	return out, nil
}

// RemovalEligible narrows Status to members whose RemovalEligibleAt has
// already passed (spec §6 AdminInactivity.removalEligible).
func (t *Tracker) RemovalEligible(ctx context.Context) ([]MemberStatus, error) {
	all, err := t.Status(ctx)
	if err != nil {
		return nil, err
	}
	now := t.cfg.Now()
	out := make([]MemberStatus, 0)
	for _, m := range all {
		if m.IsInactive && m.RemovalEligibleAt != nil && !now.Before(*m.RemovalEligibleAt) {
			out = append(out, m)
		}
	}
	return out, nil
}

// Remove retires a single member by public key on operator request (spec §6
// AdminInactivity.remove), honoring the same quorum guard as Sweep: a
// removal that would drop the owning multisig's active member count below
// its threshold is refused with ErrQuorumWouldBreak rather than applied.
func (t *Tracker) Remove(ctx context.Context, memberKey, reason string) error {
	now := t.cfg.Now()
	return models.UnitOfWork(ctx, t.db, func(tx *gorm.DB) error {
		var member models.MultisigMember
		if err := tx.Clauses(lockingUpdate()).First(&member, "public_key = ? AND active = ?", memberKey, true).Error; err != nil {
			return err
		}
		var multisig models.Multisig
		if err := tx.Clauses(lockingUpdate()).First(&multisig, "id = ?", member.MultisigID).Error; err != nil {
			return err
		}
		var activeCount int64
		if err := tx.Model(&models.MultisigMember{}).
			Where("multisig_id = ? AND active = ?", multisig.ID, true).
			Count(&activeCount).Error; err != nil {
			return err
		}
		if int(activeCount)-1 < multisig.Threshold {
			_ = models.AppendEvent(tx, member.ID, "operator", "member.removal_skipped_quorum", reason)
			return ErrQuorumWouldBreak
		}

		if err := tx.Model(&models.MultisigMember{}).Where("id = ?", member.ID).Update("active", false).Error; err != nil {
			return err
		}
		if err := tx.Create(&models.RemovalEvent{
			ID:        uuid.New(),
			MemberID:  member.ID,
			Reason:    reason,
			CreatedAt: now,
		}).Error; err != nil {
			return err
		}
		return models.AppendEvent(tx, member.ID, "operator", "member.removed", reason)
	})
}

// SweepResult summarizes one Sweep invocation.
type SweepResult struct {
	MarkedInactive []uuid.UUID
	Removed        []uuid.UUID
	SkippedQuorum  []uuid.UUID
}

// Sweep scans every active member across every multisig, flags newly
// inactive members, and removes members that have passed RemovalThreshold,
// guarded so a removal never drops a multisig's active member count below
// its Threshold (spec §4.7 "quorum-preserving member removal").
func (t *Tracker) Sweep(ctx context.Context) (*SweepResult, error) {
	result := &SweepResult{}
	now := t.cfg.Now()

	err := models.UnitOfWork(ctx, t.db, func(tx *gorm.DB) error {
		var members []models.MultisigMember
		if err := tx.Where("active = ?", true).Find(&members).Error; err != nil {
			return err
		}

		for i := range members {
			m := &members[i]
			if !m.IsInactive && now.Sub(m.LastActivityAt) >= t.cfg.InactivityThreshold {
				inactiveSince := now
				eligible := inactiveSince.Add(t.cfg.RemovalThreshold)
				if err := tx.Model(&models.MultisigMember{}).Where("id = ?", m.ID).Updates(map[string]interface{}{
					"is_inactive":         true,
					"inactive_since":      inactiveSince,
					"removal_eligible_at": eligible,
				}).Error; err != nil {
					return err
				}
				m.IsInactive = true
				m.InactiveSince = &inactiveSince
				m.RemovalEligibleAt = &eligible
				result.MarkedInactive = append(result.MarkedInactive, m.ID)
				if err := models.AppendEvent(tx, m.ID, "system", "member.marked_inactive", ""); err != nil {
					return err
				}
			}
		}

		for i := range members {
			m := &members[i]
			if !m.IsInactive || m.RemovalEligibleAt == nil || now.Before(*m.RemovalEligibleAt) {
				continue
			}

			var multisig models.Multisig
			if err := tx.Clauses(lockingUpdate()).First(&multisig, "id = ?", m.MultisigID).Error; err != nil {
				return err
			}
			var activeCount int64
			if err := tx.Model(&models.MultisigMember{}).
				Where("multisig_id = ? AND active = ?", multisig.ID, true).
				Count(&activeCount).Error; err != nil {
				return err
			}
			if int(activeCount)-1 < multisig.Threshold {
				result.SkippedQuorum = append(result.SkippedQuorum, m.ID)
				if err := models.AppendEvent(tx, m.ID, "system", "member.removal_skipped_quorum", ""); err != nil {
					return err
				}
				continue
			}

			if err := tx.Model(&models.MultisigMember{}).Where("id = ?", m.ID).Update("active", false).Error; err != nil {
				return err
			}
			if err := tx.Create(&models.RemovalEvent{
				ID:        uuid.New(),
				MemberID:  m.ID,
				Reason:    "inactivity",
				CreatedAt: now,
			}).Error; err != nil {
				return err
			}
			result.Removed = append(result.Removed, m.ID)
			if err := models.AppendEvent(tx, m.ID, "system", "member.removed", "inactivity"); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
