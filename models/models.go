// Package models defines the gorm entities backing the custodial multisig
// backend and the unit-of-work helpers every mutating component runs inside.
package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ProposalStatus enumerates the multisig proposal lifecycle (spec §4.5).
type ProposalStatus string

const (
	ProposalPending   ProposalStatus = "PENDING"
	ProposalApproved  ProposalStatus = "APPROVED"
	ProposalExecuting ProposalStatus = "EXECUTING"
	ProposalExecuted  ProposalStatus = "EXECUTED"
	ProposalRejected  ProposalStatus = "REJECTED"
	ProposalFailed    ProposalStatus = "FAILED"
)

// TransferStatus enumerates the lifecycle shared by WalletTransfer,
// ExternalTransfer and InternalTransfer rows.
type TransferStatus string

const (
	TransferPendingApproval TransferStatus = "PENDING_APPROVAL"
	TransferCompleted       TransferStatus = "COMPLETED"
	TransferCancelled       TransferStatus = "CANCELLED"
	TransferFailed          TransferStatus = "FAILED"
)

// ApprovalType distinguishes an Approve vote from a Reject vote.
type ApprovalType string

const (
	ApprovalApprove ApprovalType = "APPROVE"
	ApprovalReject  ApprovalType = "REJECT"
)

// MemberPermission is one bit of the {Propose, Vote, Execute} permission set.
type MemberPermission string

const (
	PermissionPropose MemberPermission = "PROPOSE"
	PermissionVote    MemberPermission = "VOTE"
	PermissionExecute MemberPermission = "EXECUTE"
)

// DepositClassification distinguishes faucet/system airdrops from genuine
// external deposits during reconciliation (spec §4.8).
type DepositClassification string

const (
	DepositAirdrop  DepositClassification = "AIRDROP"
	DepositExternal DepositClassification = "EXTERNAL"
)

// FeeStatus tracks whether a fee row settled against the treasury vault.
type FeeStatus string

const (
	FeeCollected   FeeStatus = "COLLECTED"
	FeeUncollected FeeStatus = "UNCOLLECTED"
)

// CurrencyUSDC and CurrencySOL are the only two currencies this backend
// understands; wallet-governed transfers must be USDC (spec §3 invariant 5).
const (
	CurrencyUSDC = "USDC"
	CurrencySOL  = "SOL"
)

// User is the principal entity (spec §3). Hard delete is never performed;
// Anonymize replaces personal fields in place.
type User struct {
	ID                  uuid.UUID  `gorm:"type:uuid;primaryKey"`
	Email               string     `gorm:"uniqueIndex;not null"`
	DisplayName         string     `gorm:"not null"`
	PhoneNumber         string
	WalletAddress       *string `gorm:"uniqueIndex"`
	Balance             float64 `gorm:"not null;default:0"`
	BalanceLastSyncedAt *time.Time
	MultisigID          *uuid.UUID
	Anonymized          bool `gorm:"not null;default:false"`
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Multisig is the governance record anchoring a set of members (spec §3).
type Multisig struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	PDA              string    `gorm:"uniqueIndex;not null"`
	CreateKey        string    `gorm:"uniqueIndex;not null"`
	DisplayName      string
	Threshold        int  `gorm:"not null"`
	TimeLockSeconds  int  `gorm:"not null;default:0"`
	IsMain           bool `gorm:"not null;default:false;index"`
	Active           bool `gorm:"not null;default:true"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// MultisigMember is a membership row within a Multisig (spec §3).
type MultisigMember struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey"`
	MultisigID        uuid.UUID `gorm:"not null;index"`
	PublicKey         string    `gorm:"uniqueIndex;not null"`
	Permissions       string    `gorm:"not null"` // comma-joined MemberPermission values
	Active            bool      `gorm:"not null;default:true"`
	LastActivityAt    time.Time `gorm:"not null"`
	IsInactive        bool      `gorm:"not null;default:false"`
	InactiveSince     *time.Time
	RemovalEligibleAt *time.Time
	UserID            *uuid.UUID
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// HasPermission reports whether the member's permission set includes p.
func (m MultisigMember) HasPermission(p MemberPermission) bool {
	for _, part := range splitPermissions(m.Permissions) {
		if MemberPermission(part) == p {
			return true
		}
	}
	return false
}

// Proposal is the unit of governance (spec §3, §4.5).
type Proposal struct {
	ID                uuid.UUID      `gorm:"type:uuid;primaryKey"`
	MultisigID        uuid.UUID      `gorm:"not null;index"`
	ProposerPublicKey string         `gorm:"not null"`
	Status            ProposalStatus `gorm:"not null;index"`
	DomainObjectType  string         `gorm:"not null"` // "wallet_transfer" | "external_transfer"
	DomainObjectID    uuid.UUID      `gorm:"not null"`
	TxHash            *string
	FailureNote       string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Approval is a member vote against a Proposal (spec §3).
// Uniqueness on (ProposalID, MemberID, Type) enforces spec §3 invariant: a
// member casts at most one Approve and one Reject per proposal.
type Approval struct {
	ID         uuid.UUID    `gorm:"type:uuid;primaryKey"`
	ProposalID uuid.UUID    `gorm:"not null;uniqueIndex:idx_approval_unique"`
	MemberID   uuid.UUID    `gorm:"not null;uniqueIndex:idx_approval_unique"`
	Type       ApprovalType `gorm:"not null;uniqueIndex:idx_approval_unique"`
	Reason     string
	CreatedAt  time.Time `gorm:"not null"`
}

// WalletTransfer records a multisig-governed internal-wallet-to-wallet move
// denominated in USDC (spec §4.6.2).
type WalletTransfer struct {
	ID         uuid.UUID      `gorm:"type:uuid;primaryKey"`
	FromWallet string         `gorm:"not null"`
	ToWallet   string         `gorm:"not null"`
	Gross      float64        `gorm:"not null"`
	Fee        float64        `gorm:"not null"`
	Net        float64        `gorm:"not null"`
	Currency   string         `gorm:"not null"`
	Status     TransferStatus `gorm:"not null;index"`
	TxHash     *string
	Notes      string
	ProposalID uuid.UUID `gorm:"not null;uniqueIndex"`
	RequestedBy string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ExternalTransfer records a multisig-governed withdrawal to a wallet not
// custodied by this backend (spec §4.6.3).
type ExternalTransfer struct {
	ID              uuid.UUID      `gorm:"type:uuid;primaryKey"`
	UserID          uuid.UUID      `gorm:"not null;index"`
	FromWallet      string         `gorm:"not null"`
	ToExternalAddr  string         `gorm:"not null"`
	Gross           float64        `gorm:"not null"`
	Fee             float64        `gorm:"not null"`
	Net             float64        `gorm:"not null"`
	Currency        string         `gorm:"not null"`
	Status          TransferStatus `gorm:"not null;index"`
	TxHash          *string
	Notes           string
	ProposalID      uuid.UUID `gorm:"not null;uniqueIndex"`
	FeeSettlementTx *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// InternalTransfer records a purely off-chain, ungoverned first-name transfer
// (spec §4.6.1).
type InternalTransfer struct {
	ID         uuid.UUID      `gorm:"type:uuid;primaryKey"`
	SenderID   uuid.UUID      `gorm:"not null;index"`
	ReceiverID uuid.UUID      `gorm:"not null;index"`
	Gross      float64        `gorm:"not null"`
	Fee        float64        `gorm:"not null"`
	Net        float64        `gorm:"not null"`
	Currency   string         `gorm:"not null"`
	Status     TransferStatus `gorm:"not null"`
	Notes      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Fee is a collected amount linked to a transfer and a treasury Vault
// (spec §3).
type Fee struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	TransferType string    `gorm:"not null"` // "internal" | "wallet" | "external"
	TransferID   uuid.UUID `gorm:"not null;index"`
	VaultID      uuid.UUID `gorm:"not null;index"`
	Amount       float64   `gorm:"not null"`
	Rate         float64   `gorm:"not null"`
	Status       FeeStatus `gorm:"not null;default:'COLLECTED'"`
	CreatedAt    time.Time
}

// Vault is a treasury or user-multisig-controlled pool (spec §3).
type Vault struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Address    string    `gorm:"uniqueIndex;not null"`
	Currency   string    `gorm:"not null;index"`
	Total      float64   `gorm:"not null;default:0"`
	FeeBalance float64   `gorm:"not null;default:0"`
	Active     bool      `gorm:"not null;default:true"`
	IsTreasury bool      `gorm:"not null;default:false;index"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Deposit is an ingress against a Vault, produced by the reconciler
// (spec §4.8).
type Deposit struct {
	ID             uuid.UUID             `gorm:"type:uuid;primaryKey"`
	VaultID        uuid.UUID             `gorm:"not null;uniqueIndex:idx_deposit_vault_tx"`
	TxHash         string                `gorm:"not null;uniqueIndex:idx_deposit_vault_tx"`
	Sender         string                `gorm:"not null"`
	Amount         float64               `gorm:"not null"`
	Currency       string                `gorm:"not null"`
	Classification DepositClassification `gorm:"not null"`
	Status         string                `gorm:"not null;default:'POSTED'"`
	CreatedAt      time.Time
}

// Withdrawal is an egress against a Vault (spec §3).
type Withdrawal struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	VaultID        uuid.UUID `gorm:"not null;index"`
	TxHash         string
	Amount         float64 `gorm:"not null"`
	Currency       string  `gorm:"not null"`
	Status         string  `gorm:"not null"`
	Classification string
	CreatedAt      time.Time
}

// RemovalEvent records the audit trail of a member retirement (spec §4.7).
type RemovalEvent struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	MemberID  uuid.UUID `gorm:"not null;index"`
	Reason    string    `gorm:"not null"`
	CreatedAt time.Time
}

// Event is an audit-trail row appended alongside every mutation; it mirrors
// the teacher's invoice/partner event log but generalized across every
// domain object this backend mutates (SPEC_FULL.md §5 supplement).
type Event struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Subject   uuid.UUID // proposal/member/user id, zero-value when not applicable
	Actor     string    `gorm:"not null"`
	Kind      string    `gorm:"not null;index"`
	Detail    string
	CreatedAt time.Time
}

// IdempotencyKey backs the idempotency-keyed mutation replay described in
// SPEC_FULL.md §5 (adapted from the teacher's middleware/idempotency.go).
type IdempotencyKey struct {
	Key       string `gorm:"primaryKey"`
	RequestID string
	Method    string
	Path      string
	Status    int
	Response  string
	CreatedAt time.Time
}

func splitPermissions(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// JoinPermissions renders a permission set into the comma-joined storage
// representation used by MultisigMember.Permissions.
func JoinPermissions(perms []MemberPermission) string {
	out := ""
	for i, p := range perms {
		if i > 0 {
			out += ","
		}
		out += string(p)
	}
	return out
}

// AutoMigrate creates or updates every table owned by this package.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&User{},
		&Multisig{},
		&MultisigMember{},
		&Proposal{},
		&Approval{},
		&WalletTransfer{},
		&ExternalTransfer{},
		&InternalTransfer{},
		&Fee{},
		&Vault{},
		&Deposit{},
		&Withdrawal{},
		&RemovalEvent{},
		&Event{},
		&IdempotencyKey{},
	)
}
