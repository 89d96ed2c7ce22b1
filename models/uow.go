package models

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Sentinel errors surfaced by the persistence layer. Every other package
// translates these (or its own typed errors) at its boundary; nothing
// string-sniffs an error message.
var (
	ErrNotFound    = errors.New("persistence: record not found")
	ErrConflict    = errors.New("persistence: unique constraint violated")
	ErrPersistence = errors.New("persistence: unit of work failed")
)

// UnitOfWork runs fn inside one transaction, translating gorm's sentinel
// errors into this package's closed vocabulary. Every multi-row mutation in
// the proposal engine and transfer orchestrator goes through this, matching
// the teacher's funding.Processor.Process / server.transitionInvoice shape.
func UnitOfWork(ctx context.Context, db *gorm.DB, fn func(tx *gorm.DB) error) error {
	err := db.WithContext(ctx).Transaction(fn)
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrConflict
	}
	// Errors already in this package's vocabulary (propagated by fn) pass
	// through untouched so callers can errors.Is against them directly.
	return err
}

// LockProposal row-locks and loads a Proposal for update, the serialization
// point for concurrent approve/reject/execute calls (spec §5 ordering
// guarantees).
func LockProposal(tx *gorm.DB, id uuid.UUID) (*Proposal, error) {
	var p Proposal
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&p, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// LockMultisig row-locks and loads a Multisig for update.
func LockMultisig(tx *gorm.DB, id uuid.UUID) (*Multisig, error) {
	var m Multisig
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&m, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// LockMember row-locks and loads a MultisigMember for update.
func LockMember(tx *gorm.DB, id uuid.UUID) (*MultisigMember, error) {
	var m MultisigMember
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&m, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// LockUser row-locks and loads a User for update.
func LockUser(tx *gorm.DB, id uuid.UUID) (*User, error) {
	var u User
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&u, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// LockVault row-locks and loads a Vault for update.
func LockVault(tx *gorm.DB, id uuid.UUID) (*Vault, error) {
	var v Vault
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&v, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &v, nil
}

// IncrementUserBalance applies a relative balance delta via SQL, never
// load-then-store, per spec §4.1 and §5 shared-resource policy. delta may be
// negative (decrement).
func IncrementUserBalance(tx *gorm.DB, userID uuid.UUID, delta float64) error {
	res := tx.Model(&User{}).Where("id = ?", userID).
		UpdateColumn("balance", gorm.Expr("balance + ?", delta))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// IncrementVaultTotal applies a relative delta to a Vault's total balance.
func IncrementVaultTotal(tx *gorm.DB, vaultID uuid.UUID, delta float64) error {
	res := tx.Model(&Vault{}).Where("id = ?", vaultID).
		UpdateColumn("total", gorm.Expr("total + ?", delta))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// IncrementVaultFeeBalance applies a relative delta to a Vault's collected
// fee balance.
func IncrementVaultFeeBalance(tx *gorm.DB, vaultID uuid.UUID, delta float64) error {
	res := tx.Model(&Vault{}).Where("id = ?", vaultID).
		UpdateColumn("fee_balance", gorm.Expr("fee_balance + ?", delta))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// AppendEvent writes one audit-trail row inside the caller's transaction,
// mirroring the teacher's server.appendEvent helper.
func AppendEvent(tx *gorm.DB, subject uuid.UUID, actor, kind, detail string) error {
	return tx.Create(&Event{
		ID:        uuid.New(),
		Subject:   subject,
		Actor:     actor,
		Kind:      kind,
		Detail:    detail,
		CreatedAt: time.Now(),
	}).Error
}
