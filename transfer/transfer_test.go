package transfer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"github.com/nhb-custody/custody-gateway/chain"
	"github.com/nhb-custody/custody-gateway/fees"
	"github.com/nhb-custody/custody-gateway/internal/dbtest"
	"github.com/nhb-custody/custody-gateway/models"
	"github.com/nhb-custody/custody-gateway/proposal"
	"github.com/nhb-custody/custody-gateway/treasury"
)

func TestInternalTransferMovesBalanceAndCollectsFee(t *testing.T) {
	db := dbtest.New(t)
	sender := models.User{ID: uuid.New(), Email: "s@example.com", DisplayName: "S", Balance: 1000}
	receiver := models.User{ID: uuid.New(), Email: "r@example.com", DisplayName: "R", Balance: 0}
	treasury := models.Vault{ID: uuid.New(), Address: "treasury-vault", Currency: models.CurrencyUSDC, IsTreasury: true}
	if err := db.Create(&sender).Error; err != nil {
		t.Fatalf("seed sender: %v", err)
	}
	if err := db.Create(&receiver).Error; err != nil {
		t.Fatalf("seed receiver: %v", err)
	}
	if err := db.Create(&treasury).Error; err != nil {
		t.Fatalf("seed treasury: %v", err)
	}

	orch := New(db, chain.NewMemoryClient(), nil, fees.DefaultRate, nil)
	result, err := orch.InternalTransfer(context.Background(), sender.ID, "R", treasury.ID, 100, "")
	if err != nil {
		t.Fatalf("InternalTransfer: %v", err)
	}
	if result.Status != models.TransferCompleted {
		t.Fatalf("expected COMPLETED, got %s", result.Status)
	}

	var reloadedSender, reloadedReceiver models.User
	db.First(&reloadedSender, "id = ?", sender.ID)
	db.First(&reloadedReceiver, "id = ?", receiver.ID)
	if reloadedSender.Balance != 900 {
		t.Fatalf("expected sender balance 900, got %v", reloadedSender.Balance)
	}
	if reloadedReceiver.Balance != result.Net {
		t.Fatalf("expected receiver balance %v, got %v", result.Net, reloadedReceiver.Balance)
	}

	var reloadedTreasury models.Vault
	db.First(&reloadedTreasury, "id = ?", treasury.ID)
	if reloadedTreasury.FeeBalance != result.Fee {
		t.Fatalf("expected treasury fee balance %v, got %v", result.Fee, reloadedTreasury.FeeBalance)
	}
}

func TestInternalTransferRejectsInsufficientBalance(t *testing.T) {
	db := dbtest.New(t)
	sender := models.User{ID: uuid.New(), Email: "s2@example.com", DisplayName: "S2", Balance: 10}
	receiver := models.User{ID: uuid.New(), Email: "r2@example.com", DisplayName: "R2"}
	treasury := models.Vault{ID: uuid.New(), Address: "treasury-vault-2", Currency: models.CurrencyUSDC, IsTreasury: true}
	db.Create(&sender)
	db.Create(&receiver)
	db.Create(&treasury)

	orch := New(db, chain.NewMemoryClient(), nil, fees.DefaultRate, nil)
	_, err := orch.InternalTransfer(context.Background(), sender.ID, "R2", treasury.ID, 1000, "")
	var shortfall fees.Shortfall
	if !errors.As(err, &shortfall) {
		t.Fatalf("expected fees.Shortfall, got %v", err)
	}
}

func TestInternalTransferRejectsUnknownReceiverName(t *testing.T) {
	db := dbtest.New(t)
	sender := models.User{ID: uuid.New(), Email: "s3@example.com", DisplayName: "S3", Balance: 100}
	treasury := models.Vault{ID: uuid.New(), Address: "treasury-vault-3", Currency: models.CurrencyUSDC, IsTreasury: true}
	db.Create(&sender)
	db.Create(&treasury)

	orch := New(db, chain.NewMemoryClient(), nil, fees.DefaultRate, nil)
	_, err := orch.InternalTransfer(context.Background(), sender.ID, "Nobody", treasury.ID, 10, "")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInternalTransferRejectsAmbiguousReceiverName(t *testing.T) {
	db := dbtest.New(t)
	sender := models.User{ID: uuid.New(), Email: "s4@example.com", DisplayName: "S4", Balance: 100}
	bob1 := models.User{ID: uuid.New(), Email: "bob1@example.com", DisplayName: "Bob Smith"}
	bob2 := models.User{ID: uuid.New(), Email: "bob2@example.com", DisplayName: "Bob Jones"}
	treasury := models.Vault{ID: uuid.New(), Address: "treasury-vault-4", Currency: models.CurrencyUSDC, IsTreasury: true}
	db.Create(&sender)
	db.Create(&bob1)
	db.Create(&bob2)
	db.Create(&treasury)

	orch := New(db, chain.NewMemoryClient(), nil, fees.DefaultRate, nil)
	_, err := orch.InternalTransfer(context.Background(), sender.ID, "Bob", treasury.ID, 10, "")
	if !errors.Is(err, ErrAmbiguousLookup) {
		t.Fatalf("expected ErrAmbiguousLookup, got %v", err)
	}
}

func TestWalletTransferFullLifecycle(t *testing.T) {
	db := dbtest.New(t)
	multisig := models.Multisig{ID: uuid.New(), PDA: "pda-wt", CreateKey: "ck-wt", Threshold: 1, Active: true}
	db.Create(&multisig)
	member := models.MultisigMember{
		ID: uuid.New(), MultisigID: multisig.ID, PublicKey: "m1", Active: true, LastActivityAt: time.Now(),
		Permissions: models.JoinPermissions([]models.MemberPermission{models.PermissionPropose, models.PermissionVote, models.PermissionExecute}),
	}
	db.Create(&member)

	sourceVault := models.Vault{ID: uuid.New(), Address: "wallet-a", Currency: models.CurrencyUSDC, Total: 500}
	treasuryVault := models.Vault{ID: uuid.New(), Address: "treasury", Currency: models.CurrencyUSDC, IsTreasury: true}
	db.Create(&sourceVault)
	db.Create(&treasuryVault)

	chainCli := chain.NewMemoryClient()
	chainCli.NextTxHash = "wt-tx-1"
	propEngine := proposal.New(db, nil)
	orch := New(db, chainCli, propEngine, fees.DefaultRate, nil)

	wt, prop, err := orch.InitiateWalletTransfer(context.Background(), multisig.ID, "m1", "wallet-a", "wallet-b", 100)
	if err != nil {
		t.Fatalf("InitiateWalletTransfer: %v", err)
	}
	if wt.Status != models.TransferPendingApproval {
		t.Fatalf("expected PENDING_APPROVAL, got %s", wt.Status)
	}

	if err := propEngine.Approve(context.Background(), prop.ID, "m1"); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	completed, err := orch.ExecuteWalletTransfer(context.Background(), prop.ID, "m1", treasuryVault.ID)
	if err != nil {
		t.Fatalf("ExecuteWalletTransfer: %v", err)
	}
	if completed.Status != models.TransferCompleted {
		t.Fatalf("expected COMPLETED, got %s", completed.Status)
	}
	if completed.TxHash == nil || *completed.TxHash != "wt-tx-1" {
		t.Fatalf("expected tx hash wt-tx-1, got %+v", completed.TxHash)
	}

	var reloadedVault models.Vault
	db.First(&reloadedVault, "id = ?", sourceVault.ID)
	if reloadedVault.Total != 400 {
		t.Fatalf("expected source vault total 400, got %v", reloadedVault.Total)
	}
}

func TestExecuteExternalTransferCompletesWithoutTreasurySigner(t *testing.T) {
	db := dbtest.New(t)
	multisig := models.Multisig{ID: uuid.New(), PDA: "pda-et", CreateKey: "ck-et", Threshold: 1, Active: true}
	db.Create(&multisig)
	member := models.MultisigMember{
		ID: uuid.New(), MultisigID: multisig.ID, PublicKey: "m1", Active: true, LastActivityAt: time.Now(),
		Permissions: models.JoinPermissions([]models.MemberPermission{models.PermissionPropose, models.PermissionVote, models.PermissionExecute}),
	}
	db.Create(&member)
	sourceVault := models.Vault{ID: uuid.New(), Address: "wallet-c", Currency: models.CurrencyUSDC, Total: 500}
	treasuryVault := models.Vault{ID: uuid.New(), Address: "treasury-2", Currency: models.CurrencyUSDC, IsTreasury: true}
	db.Create(&sourceVault)
	db.Create(&treasuryVault)

	chainCli := chain.NewMemoryClient()
	chainCli.NextTxHash = "et-tx-1"
	// MemoryClient applies SubmitErr to every SubmitTransfer call, so this
	// fixture cannot fail the fee sweep without also failing the main
	// withdrawal; the UNCOLLECTED branch is not exercised here. This test
	// covers the path with no treasury signer configured: the withdrawal and
	// the nonzero fee sweep (100 at DefaultRate) both go through a plain
	// SubmitTransfer and the transfer completes.
	_ = chainCli

	propEngine := proposal.New(db, nil)
	orch := New(db, chain.NewMemoryClient(), propEngine, fees.DefaultRate, nil)
	et, prop, err := orch.InitiateExternalTransfer(context.Background(), multisig.ID, uuid.New(), "m1", "wallet-c", "external-addr", 100)
	if err != nil {
		t.Fatalf("InitiateExternalTransfer: %v", err)
	}
	if err := propEngine.Approve(context.Background(), prop.ID, "m1"); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	completed, err := orch.ExecuteExternalTransfer(context.Background(), prop.ID, "m1", treasuryVault.ID, "treasury-2")
	if err != nil {
		t.Fatalf("ExecuteExternalTransfer: %v", err)
	}
	if completed.Status != models.TransferCompleted {
		t.Fatalf("expected COMPLETED, got %s", completed.Status)
	}
	if completed.ID != et.ID {
		t.Fatalf("expected same external transfer row")
	}
}

// TestExecuteExternalTransferRoutesFeeThroughTreasurySigner verifies the
// fee-sweep leg of ExecuteExternalTransfer signs an audit digest with the
// configured treasury keypair (spec §5 "the treasury keypair is held in
// process memory and used exclusively by C3") instead of the unsigned
// fallback path, and still lands the same on-chain submission.
func TestExecuteExternalTransferRoutesFeeThroughTreasurySigner(t *testing.T) {
	db := dbtest.New(t)
	multisig := models.Multisig{ID: uuid.New(), PDA: "pda-et-2", CreateKey: "ck-et-2", Threshold: 1, Active: true}
	db.Create(&multisig)
	member := models.MultisigMember{
		ID: uuid.New(), MultisigID: multisig.ID, PublicKey: "m1", Active: true, LastActivityAt: time.Now(),
		Permissions: models.JoinPermissions([]models.MemberPermission{models.PermissionPropose, models.PermissionVote, models.PermissionExecute}),
	}
	db.Create(&member)
	sourceVault := models.Vault{ID: uuid.New(), Address: "wallet-d", Currency: models.CurrencyUSDC, Total: 500}
	treasuryVault := models.Vault{ID: uuid.New(), Address: "treasury-3", Currency: models.CurrencyUSDC, IsTreasury: true}
	db.Create(&sourceVault)
	db.Create(&treasuryVault)

	wallet := solana.NewWallet()
	signer, err := treasury.NewInProcessSigner(wallet.PrivateKey.String())
	if err != nil {
		t.Fatalf("NewInProcessSigner: %v", err)
	}

	chainCli := chain.NewMemoryClient()
	chainCli.NextTxHash = "et-tx-2"
	propEngine := proposal.New(db, nil)
	orch := New(db, chainCli, propEngine, fees.DefaultRate, nil).WithTreasurySigner(signer)

	et, prop, err := orch.InitiateExternalTransfer(context.Background(), multisig.ID, uuid.New(), "m1", "wallet-d", "external-addr-2", 100)
	if err != nil {
		t.Fatalf("InitiateExternalTransfer: %v", err)
	}
	if err := propEngine.Approve(context.Background(), prop.ID, "m1"); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	completed, err := orch.ExecuteExternalTransfer(context.Background(), prop.ID, "m1", treasuryVault.ID, "treasury-3")
	if err != nil {
		t.Fatalf("ExecuteExternalTransfer: %v", err)
	}
	if completed.FeeSettlementTx == nil {
		t.Fatal("expected fee settlement tx to be set when treasury signer is configured")
	}
	if completed.ID != et.ID {
		t.Fatalf("expected same external transfer row")
	}

	var lastSubmission chain.SubmittedTransfer
	if len(chainCli.Submitted) == 0 {
		t.Fatal("expected at least one submission")
	}
	lastSubmission = chainCli.Submitted[len(chainCli.Submitted)-1]
	if lastSubmission.ToAddress != signer.Address() {
		t.Fatalf("expected fee sweep destined to treasury signer address %s, got %s", signer.Address(), lastSubmission.ToAddress)
	}
}
