package activity

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nhb-custody/custody-gateway/internal/dbtest"
	"github.com/nhb-custody/custody-gateway/models"
)

func TestSweepMarksInactiveMember(t *testing.T) {
	db := dbtest.New(t)
	multisig := models.Multisig{ID: uuid.New(), PDA: "pda-a", CreateKey: "ck-a", Threshold: 1, Active: true}
	db.Create(&multisig)
	stale := models.MultisigMember{ID: uuid.New(), MultisigID: multisig.ID, PublicKey: "stale", Active: true, LastActivityAt: time.Now().Add(-48 * time.Hour)}
	fresh := models.MultisigMember{ID: uuid.New(), MultisigID: multisig.ID, PublicKey: "fresh", Active: true, LastActivityAt: time.Now()}
	db.Create(&stale)
	db.Create(&fresh)

	tracker := New(db, Config{InactivityThreshold: 24 * time.Hour, RemovalThreshold: 7 * 24 * time.Hour})
	result, err := tracker.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(result.MarkedInactive) != 1 || result.MarkedInactive[0] != stale.ID {
		t.Fatalf("expected stale member marked inactive, got %+v", result.MarkedInactive)
	}

	var reloaded models.MultisigMember
	db.First(&reloaded, "id = ?", stale.ID)
	if !reloaded.IsInactive || reloaded.RemovalEligibleAt == nil {
		t.Fatalf("expected member flagged inactive with a removal eligibility date")
	}
}

func TestSweepRemovesEligibleMemberWhenQuorumHolds(t *testing.T) {
	db := dbtest.New(t)
	multisig := models.Multisig{ID: uuid.New(), PDA: "pda-b", CreateKey: "ck-b", Threshold: 1, Active: true}
	db.Create(&multisig)
	past := time.Now().Add(-10 * 24 * time.Hour)
	eligible := time.Now().Add(-time.Hour)
	inactive := models.MultisigMember{
		ID: uuid.New(), MultisigID: multisig.ID, PublicKey: "inactive-1", Active: true,
		LastActivityAt: past, IsInactive: true, InactiveSince: &past, RemovalEligibleAt: &eligible,
	}
	other := models.MultisigMember{ID: uuid.New(), MultisigID: multisig.ID, PublicKey: "other", Active: true, LastActivityAt: time.Now()}
	db.Create(&inactive)
	db.Create(&other)

	tracker := New(db, Config{InactivityThreshold: 24 * time.Hour, RemovalThreshold: 7 * 24 * time.Hour})
	result, err := tracker.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(result.Removed) != 1 || result.Removed[0] != inactive.ID {
		t.Fatalf("expected inactive member removed, got %+v", result.Removed)
	}

	var reloaded models.MultisigMember
	db.First(&reloaded, "id = ?", inactive.ID)
	if reloaded.Active {
		t.Fatalf("expected removed member to be inactive (active=false)")
	}

	var removalEvents []models.RemovalEvent
	db.Where("member_id = ?", inactive.ID).Find(&removalEvents)
	if len(removalEvents) != 1 {
		t.Fatalf("expected one RemovalEvent, got %d", len(removalEvents))
	}
}

func TestSweepSkipsRemovalThatWouldBreakQuorum(t *testing.T) {
	db := dbtest.New(t)
	multisig := models.Multisig{ID: uuid.New(), PDA: "pda-c", CreateKey: "ck-c", Threshold: 2, Active: true}
	db.Create(&multisig)
	past := time.Now().Add(-10 * 24 * time.Hour)
	eligible := time.Now().Add(-time.Hour)
	// Only 2 active members and threshold=2: removing one would leave 1 < 2.
	inactive := models.MultisigMember{
		ID: uuid.New(), MultisigID: multisig.ID, PublicKey: "inactive-2", Active: true,
		LastActivityAt: past, IsInactive: true, InactiveSince: &past, RemovalEligibleAt: &eligible,
	}
	other := models.MultisigMember{ID: uuid.New(), MultisigID: multisig.ID, PublicKey: "other-2", Active: true, LastActivityAt: time.Now()}
	db.Create(&inactive)
	db.Create(&other)

	tracker := New(db, Config{InactivityThreshold: 24 * time.Hour, RemovalThreshold: 7 * 24 * time.Hour})
	result, err := tracker.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(result.Removed) != 0 {
		t.Fatalf("expected no removals, got %+v", result.Removed)
	}
	if len(result.SkippedQuorum) != 1 || result.SkippedQuorum[0] != inactive.ID {
		t.Fatalf("expected removal skipped for quorum, got %+v", result.SkippedQuorum)
	}

	var reloaded models.MultisigMember
	db.First(&reloaded, "id = ?", inactive.ID)
	if !reloaded.Active {
		t.Fatalf("expected member to remain active when removal would break quorum")
	}
}

func TestTouchClearsInactivityFlags(t *testing.T) {
	db := dbtest.New(t)
	past := time.Now().Add(-10 * 24 * time.Hour)
	member := models.MultisigMember{
		ID: uuid.New(), MultisigID: uuid.New(), PublicKey: "touched", Active: true,
		LastActivityAt: past, IsInactive: true, InactiveSince: &past,
	}
	db.Create(&member)

	tracker := New(db, Config{InactivityThreshold: 24 * time.Hour, RemovalThreshold: 7 * 24 * time.Hour})
	now := time.Now()
	if err := tracker.Touch(db, member.ID, now); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	var reloaded models.MultisigMember
	db.First(&reloaded, "id = ?", member.ID)
	if reloaded.IsInactive {
		t.Fatalf("expected IsInactive cleared")
	}
	if reloaded.InactiveSince != nil {
		t.Fatalf("expected InactiveSince cleared")
	}
}
