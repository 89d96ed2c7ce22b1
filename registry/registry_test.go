package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nhb-custody/custody-gateway/internal/dbtest"
	"github.com/nhb-custody/custody-gateway/models"
)

func testConfig() Config {
	return Config{
		Members: []MemberSeed{
			{PublicKey: "member-1-pub", Permissions: []models.MemberPermission{models.PermissionPropose, models.PermissionVote, models.PermissionExecute}},
			{PublicKey: "member-2-pub", Permissions: []models.MemberPermission{models.PermissionPropose, models.PermissionVote, models.PermissionExecute}},
		},
		DefaultThreshold: 0,
		DefaultTimeLock:  5 * time.Second,
		MinMembers:       2,
		MaxMembers:       3,
	}
}

func TestGetMainMultisigNotFound(t *testing.T) {
	db := dbtest.New(t)
	reg := New(db, testConfig())
	if _, err := reg.GetMainMultisig(context.Background()); !errors.Is(err, ErrNoMainMultisig) {
		t.Fatalf("expected ErrNoMainMultisig, got %v", err)
	}
}

func TestGetMainMultisigReturnsFlaggedRow(t *testing.T) {
	db := dbtest.New(t)
	main := models.Multisig{ID: uuid.New(), PDA: "pda-main", CreateKey: "ck-main", Threshold: 2, IsMain: true, Active: true}
	if err := db.Create(&main).Error; err != nil {
		t.Fatalf("seed main multisig: %v", err)
	}
	reg := New(db, testConfig())
	got, err := reg.GetMainMultisig(context.Background())
	if err != nil {
		t.Fatalf("GetMainMultisig: %v", err)
	}
	if got.PDA != "pda-main" {
		t.Fatalf("expected pda-main, got %s", got.PDA)
	}
}

func TestProvisionForUserCreatesOnFirstUse(t *testing.T) {
	db := dbtest.New(t)
	user := models.User{ID: uuid.New(), Email: "u1@example.com", DisplayName: "U1"}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
	reg := New(db, testConfig())

	m, err := reg.ProvisionForUser(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("ProvisionForUser: %v", err)
	}
	if m.Threshold != 2 {
		t.Fatalf("expected threshold to default to member count 2, got %d", m.Threshold)
	}

	var members []models.MultisigMember
	if err := db.Where("multisig_id = ?", m.ID).Find(&members).Error; err != nil {
		t.Fatalf("load members: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 members persisted, got %d", len(members))
	}

	var reloaded models.User
	if err := db.First(&reloaded, "id = ?", user.ID).Error; err != nil {
		t.Fatalf("reload user: %v", err)
	}
	if reloaded.MultisigID == nil || *reloaded.MultisigID != m.ID {
		t.Fatalf("expected user linked to new multisig")
	}
}

func TestProvisionForUserReturnsExistingOnSecondCall(t *testing.T) {
	db := dbtest.New(t)
	user := models.User{ID: uuid.New(), Email: "u2@example.com", DisplayName: "U2"}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
	reg := New(db, testConfig())

	first, err := reg.ProvisionForUser(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("first ProvisionForUser: %v", err)
	}
	second, err := reg.ProvisionForUser(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("second ProvisionForUser: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same multisig returned on repeat call, got %s vs %s", first.ID, second.ID)
	}
}

func TestProvisionForUserRejectsOutOfBoundsMemberCount(t *testing.T) {
	db := dbtest.New(t)
	user := models.User{ID: uuid.New(), Email: "u3@example.com", DisplayName: "U3"}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
	cfg := testConfig()
	cfg.Members = cfg.Members[:1] // only 1 member, below MinMembers
	reg := New(db, cfg)

	if _, err := reg.ProvisionForUser(context.Background(), user.ID); !errors.Is(err, ErrInvalidMemberN) {
		t.Fatalf("expected ErrInvalidMemberN, got %v", err)
	}
}
