// Package transfer implements the three transfer entry points (spec §4.6):
// internal_transfer (purely off-chain, ungoverned), wallet_transfer and
// external_transfer (both multisig-governed, routed through the proposal
// engine's Execute hook). It is grounded on the teacher's funding.Processor
// (services/otc-gateway/funding/processor.go) for the row-locked
// unit-of-work + typed-error shape, and on server.CreateInvoice
// (services/otc-gateway/server/server.go) for the "create the domain row,
// then hand it to the workflow" split between creation and execution.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/nhb-custody/custody-gateway/chain"
	"github.com/nhb-custody/custody-gateway/fees"
	"github.com/nhb-custody/custody-gateway/models"
	"github.com/nhb-custody/custody-gateway/observability"
	"github.com/nhb-custody/custody-gateway/proposal"
	"github.com/nhb-custody/custody-gateway/treasury"
)

// Typed errors (spec §7).
var (
	ErrInsufficientPerm = errors.New("transfer: member lacks required permission")
	ErrInvalidAmount    = errors.New("transfer: amount must be positive")
	ErrUnknownVault     = errors.New("transfer: vault not found for address")
	ErrWrongDomainType  = errors.New("transfer: proposal does not reference this domain object")
	ErrNotFound         = errors.New("transfer: receiver not found")
	ErrAmbiguousLookup  = errors.New("transfer: receiver first name matches more than one user")
)

// Orchestrator implements spec §4.6 against a gorm-backed store, a chain
// client for on-chain submission, and the proposal engine for governance.
type Orchestrator struct {
	db             *gorm.DB
	chainCli       chain.Client
	proposals      *proposal.Engine
	feeRate        float64
	nowFn          func() time.Time
	treasurySigner treasury.Signer
}

// New constructs an Orchestrator with no treasury signer; WithTreasurySigner
// attaches one. Without a signer, the fee-collection leg of
// ExecuteExternalTransfer submits without a treasury-signed audit digest.
func New(db *gorm.DB, chainCli chain.Client, proposals *proposal.Engine, feeRate float64, nowFn func() time.Time) *Orchestrator {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Orchestrator{db: db, chainCli: chainCli, proposals: proposals, feeRate: feeRate, nowFn: nowFn}
}

// WithTreasurySigner attaches the in-process treasury keypair used to
// authenticate fee-collection sweeps (spec §5, §4.6.3).
func (o *Orchestrator) WithTreasurySigner(signer treasury.Signer) *Orchestrator {
	o.treasurySigner = signer
	return o
}

// InternalTransfer moves value between two custodied users entirely
// off-chain (spec §4.6.1). No proposal is created: this is the one transfer
// type spec §4.6 describes as "ungoverned". The receiver is resolved by
// first name rather than id: spec §4.6 operation 1 is
// internal_transfer(sender_id, receiver_first_name, gross, notes), failing
// with NotFound when no user's display name matches and AmbiguousLookup
// when more than one does (spec §7, scenario S6's "Bob").
func (o *Orchestrator) InternalTransfer(ctx context.Context, senderID uuid.UUID, receiverFirstName string, treasuryVaultID uuid.UUID, gross float64, notes string) (*models.InternalTransfer, error) {
	if gross <= 0 {
		return nil, ErrInvalidAmount
	}
	var result *models.InternalTransfer
	err := models.UnitOfWork(ctx, o.db, func(tx *gorm.DB) error {
		sender, err := models.LockUser(tx, senderID)
		if err != nil {
			return err
		}

		var candidates []models.User
		if err := tx.Where("display_name = ? OR display_name LIKE ?", receiverFirstName, receiverFirstName+" %").
			Find(&candidates).Error; err != nil {
			return err
		}
		if len(candidates) == 0 {
			return ErrNotFound
		}
		if len(candidates) > 1 {
			return ErrAmbiguousLookup
		}
		receiver, err := models.LockUser(tx, candidates[0].ID)
		if err != nil {
			return err
		}

		computation, err := fees.Compute(gross, o.feeRate)
		if err != nil {
			return err
		}
		if err := fees.ValidateSufficient(sender.Balance, gross, computation); err != nil {
			return err
		}

		now := o.nowFn()
		row := models.InternalTransfer{
			ID:         uuid.New(),
			SenderID:   senderID,
			ReceiverID: receiver.ID,
			Gross:      gross,
			Fee:        computation.Fee,
			Net:        computation.Net,
			Currency:   models.CurrencyUSDC,
			Status:     models.TransferCompleted,
			Notes:      notes,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		if err := models.IncrementUserBalance(tx, senderID, -gross); err != nil {
			return err
		}
		if err := models.IncrementUserBalance(tx, receiver.ID, computation.Net); err != nil {
			return err
		}
		if err := models.IncrementVaultFeeBalance(tx, treasuryVaultID, computation.Fee); err != nil {
			return err
		}
		if err := tx.Create(&models.Fee{
			ID:           uuid.New(),
			TransferType: "internal",
			TransferID:   row.ID,
			VaultID:      treasuryVaultID,
			Amount:       computation.Fee,
			Rate:         computation.Rate,
			Status:       models.FeeCollected,
			CreatedAt:    now,
		}).Error; err != nil {
			return err
		}
		if err := models.AppendEvent(tx, row.ID, "system", "internal_transfer.completed", fmt.Sprintf("gross=%.8f net=%.8f", gross, computation.Net)); err != nil {
			return err
		}
		result = &row
		return nil
	})
	if err != nil {
		return nil, err
	}
	observability.CustodyMetrics().RecordTransfer("internal", result.Currency)
	return result, nil
}

// CancelDomainObject transitions the WalletTransfer or ExternalTransfer
// linked to p to CANCELLED, for use as proposal.Engine.Reject's
// rejectDomainObject hook (spec §4.5 reject: "linked domain object to
// REJECTED/CANCELLED"; scenario S2).
func (o *Orchestrator) CancelDomainObject(tx *gorm.DB, p *models.Proposal) error {
	switch p.DomainObjectType {
	case "wallet_transfer":
		return tx.Model(&models.WalletTransfer{}).
			Where("id = ?", p.DomainObjectID).
			Updates(map[string]interface{}{"status": models.TransferCancelled, "updated_at": o.nowFn()}).Error
	case "external_transfer":
		return tx.Model(&models.ExternalTransfer{}).
			Where("id = ?", p.DomainObjectID).
			Updates(map[string]interface{}{"status": models.TransferCancelled, "updated_at": o.nowFn()}).Error
	default:
		return nil
	}
}

// InitiateWalletTransfer creates a WalletTransfer row and its governing
// Proposal in one transaction (spec §4.6.2). The two rows reference each
// other (Proposal.DomainObjectID, WalletTransfer.ProposalID), so this
// cannot reuse proposal.Engine.Propose directly — that call needs a
// DomainObjectID that does not exist until the WalletTransfer row itself is
// created.
func (o *Orchestrator) InitiateWalletTransfer(ctx context.Context, multisigID uuid.UUID, proposerKey, fromWallet, toWallet string, gross float64) (*models.WalletTransfer, *models.Proposal, error) {
	if gross <= 0 {
		return nil, nil, ErrInvalidAmount
	}
	var wt *models.WalletTransfer
	var prop *models.Proposal
	err := models.UnitOfWork(ctx, o.db, func(tx *gorm.DB) error {
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
		computation, err := fees.Compute(gross, o.feeRate)
		if err != nil {
			return err
		}

		now := o.nowFn()
		wtRow := models.WalletTransfer{
			ID:          uuid.New(),
			FromWallet:  fromWallet,
			ToWallet:    toWallet,
			Gross:       gross,
			Fee:         computation.Fee,
			Net:         computation.Net,
			Currency:    models.CurrencyUSDC,
			Status:      models.TransferPendingApproval,
			RequestedBy: proposerKey,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.Create(&wtRow).Error; err != nil {
			return err
		}
		propRow := models.Proposal{
			ID:                uuid.New(),
			MultisigID:        multisig.ID,
			ProposerPublicKey: proposerKey,
			Status:            models.ProposalPending,
			DomainObjectType:  "wallet_transfer",
			DomainObjectID:    wtRow.ID,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := tx.Create(&propRow).Error; err != nil {
			return err
		}
		wtRow.ProposalID = propRow.ID
		if err := tx.Save(&wtRow).Error; err != nil {
			return err
		}
		if err := models.AppendEvent(tx, propRow.ID, proposerKey, "wallet_transfer.proposed", fmt.Sprintf("gross=%.8f", gross)); err != nil {
			return err
		}
		wt, prop = &wtRow, &propRow
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return wt, prop, nil
}

// ExecuteWalletTransfer drives the governed wallet-transfer proposal
// through proposal.Engine.Execute, using a proposal.Executor closure that
// debits the source vault, submits the on-chain transfer, and credits the
// treasury fee vault, all inside the engine's own unit of work (spec §5
// "commit before calling C2, then a follow-up transaction to stamp
// tx_hash" — here folded into one transaction since the ledger debit and
// the chain submission share the same commit boundary as the proposal
// state transition).
func (o *Orchestrator) ExecuteWalletTransfer(ctx context.Context, proposalID uuid.UUID, executorKey string, treasuryVaultID uuid.UUID) (*models.WalletTransfer, error) {
	var result *models.WalletTransfer
	_, err := o.proposals.Execute(ctx, proposalID, executorKey, func(tx *gorm.DB, p *models.Proposal) (string, error) {
		if p.DomainObjectType != "wallet_transfer" {
			return "", ErrWrongDomainType
		}
		var wt models.WalletTransfer
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&wt, "id = ?", p.DomainObjectID).Error; err != nil {
			return "", err
		}

		var sourceVault models.Vault
		if err := tx.First(&sourceVault, "address = ?", wt.FromWallet).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return "", ErrUnknownVault
			}
			return "", err
		}
		computation, err := fees.Compute(wt.Gross, o.feeRate)
		if err != nil {
			return "", err
		}
		if err := fees.ValidateSufficient(sourceVault.Total, wt.Gross, computation); err != nil {
			return "", err
		}

		txHash, submitErr := o.chainCli.SubmitTransfer(ctx, wt.FromWallet, wt.ToWallet, computation.Net, wt.Currency)
		if submitErr != nil {
			return "", fmt.Errorf("transfer: submit wallet transfer: %w", submitErr)
		}

		if err := models.IncrementVaultTotal(tx, sourceVault.ID, -wt.Gross); err != nil {
			return "", err
		}
		if err := models.IncrementVaultFeeBalance(tx, treasuryVaultID, computation.Fee); err != nil {
			return "", err
		}
		now := o.nowFn()
		wt.Status = models.TransferCompleted
		wt.Fee = computation.Fee
		wt.Net = computation.Net
		wt.TxHash = &txHash
		wt.UpdatedAt = now
		if err := tx.Save(&wt).Error; err != nil {
			return "", err
		}
		if err := tx.Create(&models.Fee{
			ID:           uuid.New(),
			TransferType: "wallet",
			TransferID:   wt.ID,
			VaultID:      treasuryVaultID,
			Amount:       computation.Fee,
			Rate:         computation.Rate,
			Status:       models.FeeCollected,
			CreatedAt:    now,
		}).Error; err != nil {
			return "", err
		}
		result = &wt
		return txHash, nil
	})
	if err != nil {
		return nil, err
	}
	observability.CustodyMetrics().RecordTransfer("wallet", result.Currency)
	return result, nil
}

// submitFeeSweep collects the fee leg of an external transfer, routing
// through the treasury signer's audited path when one is configured (spec
// §5 shared-resource policy) and falling back to a plain submission
// otherwise.
func (o *Orchestrator) submitFeeSweep(ctx context.Context, fromWallet, treasuryAddress string, amount float64, currency string) (string, error) {
	if o.treasurySigner != nil {
		txHash, _, err := fees.RouteToTreasury(ctx, o.chainCli, o.treasurySigner, fromWallet, amount, currency)
		return txHash, err
	}
	return o.chainCli.SubmitTransfer(ctx, fromWallet, treasuryAddress, amount, currency)
}

// InitiateExternalTransfer mirrors InitiateWalletTransfer for withdrawals to
// an address not custodied by this backend (spec §4.6.3).
func (o *Orchestrator) InitiateExternalTransfer(ctx context.Context, multisigID, userID uuid.UUID, proposerKey, fromWallet, toExternalAddr string, gross float64) (*models.ExternalTransfer, *models.Proposal, error) {
	if gross <= 0 {
		return nil, nil, ErrInvalidAmount
	}
	var et *models.ExternalTransfer
	var prop *models.Proposal
	err := models.UnitOfWork(ctx, o.db, func(tx *gorm.DB) error {
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
		computation, err := fees.Compute(gross, o.feeRate)
		if err != nil {
			return err
		}

		now := o.nowFn()
		etRow := models.ExternalTransfer{
			ID:             uuid.New(),
			UserID:         userID,
			FromWallet:     fromWallet,
			ToExternalAddr: toExternalAddr,
			Gross:          gross,
			Fee:            computation.Fee,
			Net:            computation.Net,
			Currency:       models.CurrencyUSDC,
			Status:         models.TransferPendingApproval,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.Create(&etRow).Error; err != nil {
			return err
		}
		propRow := models.Proposal{
			ID:                uuid.New(),
			MultisigID:        multisig.ID,
			ProposerPublicKey: proposerKey,
			Status:            models.ProposalPending,
			DomainObjectType:  "external_transfer",
			DomainObjectID:    etRow.ID,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := tx.Create(&propRow).Error; err != nil {
			return err
		}
		etRow.ProposalID = propRow.ID
		if err := tx.Save(&etRow).Error; err != nil {
			return err
		}
		if err := models.AppendEvent(tx, propRow.ID, proposerKey, "external_transfer.proposed", fmt.Sprintf("gross=%.8f", gross)); err != nil {
			return err
		}
		et, prop = &etRow, &propRow
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return et, prop, nil
}

// ExecuteExternalTransfer submits the governed withdrawal on-chain, then
// attempts a second chain submission to sweep the fee into the treasury
// vault's on-chain address. The main withdrawal's success is never rolled
// back by a failed fee sweep: the Fee row is marked UNCOLLECTED and
// FeeSettlementTx stays nil, to be retried out of band (spec §4.6.3 / §7
// fee-collection-failure policy).
func (o *Orchestrator) ExecuteExternalTransfer(ctx context.Context, proposalID uuid.UUID, executorKey string, treasuryVaultID uuid.UUID, treasuryAddress string) (*models.ExternalTransfer, error) {
	var result *models.ExternalTransfer
	_, err := o.proposals.Execute(ctx, proposalID, executorKey, func(tx *gorm.DB, p *models.Proposal) (string, error) {
		if p.DomainObjectType != "external_transfer" {
			return "", ErrWrongDomainType
		}
		var et models.ExternalTransfer
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&et, "id = ?", p.DomainObjectID).Error; err != nil {
			return "", err
		}

		var sourceVault models.Vault
		if err := tx.First(&sourceVault, "address = ?", et.FromWallet).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return "", ErrUnknownVault
			}
			return "", err
		}
		computation, err := fees.Compute(et.Gross, o.feeRate)
		if err != nil {
			return "", err
		}
		if err := fees.ValidateSufficient(sourceVault.Total, et.Gross, computation); err != nil {
			return "", err
		}

		txHash, submitErr := o.chainCli.SubmitTransfer(ctx, et.FromWallet, et.ToExternalAddr, computation.Net, et.Currency)
		if submitErr != nil {
			return "", fmt.Errorf("transfer: submit external transfer: %w", submitErr)
		}
		if err := models.IncrementVaultTotal(tx, sourceVault.ID, -et.Gross); err != nil {
			return "", err
		}

		now := o.nowFn()
		feeStatus := models.FeeCollected
		var feeSettlementTx *string
		feeTxHash, feeErr := o.submitFeeSweep(ctx, et.FromWallet, treasuryAddress, computation.Fee, et.Currency)
		if feeErr == nil {
			feeSettlementTx = &feeTxHash
			if err := models.IncrementVaultFeeBalance(tx, treasuryVaultID, computation.Fee); err != nil {
				return "", err
			}
		} else {
			feeStatus = models.FeeUncollected
		}

		et.Status = models.TransferCompleted
		et.Fee = computation.Fee
		et.Net = computation.Net
		et.TxHash = &txHash
		et.FeeSettlementTx = feeSettlementTx
		et.UpdatedAt = now
		if err := tx.Save(&et).Error; err != nil {
			return "", err
		}
		if err := tx.Create(&models.Fee{
			ID:           uuid.New(),
			TransferType: "external",
			TransferID:   et.ID,
			VaultID:      treasuryVaultID,
			Amount:       computation.Fee,
			Rate:         computation.Rate,
			Status:       feeStatus,
			CreatedAt:    now,
		}).Error; err != nil {
			return "", err
		}
		result = &et
		return txHash, nil
	})
	if err != nil {
		return nil, err
	}
	observability.CustodyMetrics().RecordTransfer("external", result.Currency)
	return result, nil
}
