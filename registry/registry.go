// Package registry implements the multisig registry (spec §4.4):
// resolving the single active "main" multisig and on-demand provisioning
// of a per-user multisig on first use. It is grounded on the teacher's
// funding.Processor unit-of-work pattern and server.ApprovePartner's
// row-locked read-or-create flow (services/otc-gateway/server/partners.go),
// generalized here to the PDA/create-key uniqueness race described in
// spec §4.4 and §9 ("On-demand provisioning race").
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"lukechampine.com/blake3"

	"github.com/nhb-custody/custody-gateway/models"
)

// Typed errors (spec §7).
var (
	ErrNoMainMultisig  = errors.New("registry: no main multisig configured")
	ErrInvalidMemberN  = errors.New("registry: member count out of configured bounds")
)

// MemberSeed is one configured multisig member (spec §6
// MULTISIG_MEMBER_{1..3}_PRIVATE_KEY maps to a public key + permission set
// at provisioning time).
type MemberSeed struct {
	PublicKey   string
	Permissions []models.MemberPermission
}

// Config carries the provisioning parameters sourced from spec §6
// configuration.
type Config struct {
	Members         []MemberSeed
	DefaultThreshold int // 0 means "= N"
	DefaultTimeLock  time.Duration
	MinMembers       int
	MaxMembers       int
	Now              func() time.Time
}

// Registry implements spec §4.4's two operations against a gorm-backed
// store.
type Registry struct {
	db  *gorm.DB
	cfg Config
}

// New constructs a Registry.
func New(db *gorm.DB, cfg Config) *Registry {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{db: db, cfg: cfg}
}

// GetMainMultisig returns the single active row flagged as main (spec
// §4.4).
func (r *Registry) GetMainMultisig(ctx context.Context) (*models.Multisig, error) {
	var m models.Multisig
	err := r.db.WithContext(ctx).First(&m, "is_main = ? AND active = ?", true, true).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoMainMultisig
		}
		return nil, err
	}
	return &m, nil
}

// ProvisionForUser returns the user's owning multisig, creating it on first
// use (spec §4.4). If a concurrent call created the multisig first (unique
// violation on PDA or member public key), the retry path re-reads rather
// than surfacing the conflict (spec §9 "On-demand provisioning race").
func (r *Registry) ProvisionForUser(ctx context.Context, userID uuid.UUID) (*models.Multisig, error) {
	if n := len(r.cfg.Members); n < r.cfg.MinMembers || n > r.cfg.MaxMembers {
		return nil, fmt.Errorf("%w: configured %d members, bounds [%d,%d]", ErrInvalidMemberN, n, r.cfg.MinMembers, r.cfg.MaxMembers)
	}

	var created *models.Multisig
	err := models.UnitOfWork(ctx, r.db, func(tx *gorm.DB) error {
		var user models.User
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&user, "id = ?", userID).Error; err != nil {
			return err
		}
		if user.MultisigID != nil {
			var existing models.Multisig
			if err := tx.First(&existing, "id = ?", *user.MultisigID).Error; err != nil {
				return err
			}
			created = &existing
			return nil
		}

		threshold := r.cfg.DefaultThreshold
		if threshold == 0 {
			threshold = len(r.cfg.Members)
		}

		createKey, pda := derivePDA(userID)
		multisig := models.Multisig{
			ID:              uuid.New(),
			PDA:             pda,
			CreateKey:       createKey,
			DisplayName:     fmt.Sprintf("user-multisig-%s", userID),
			Threshold:       threshold,
			TimeLockSeconds: int(r.cfg.DefaultTimeLock.Seconds()),
			IsMain:          false,
			Active:          true,
			CreatedAt:       r.cfg.Now(),
			UpdatedAt:       r.cfg.Now(),
		}
		if err := tx.Create(&multisig).Error; err != nil {
			return err
		}

		for _, seed := range r.cfg.Members {
			member := models.MultisigMember{
				ID:             uuid.New(),
				MultisigID:     multisig.ID,
				PublicKey:      seed.PublicKey,
				Permissions:    models.JoinPermissions(seed.Permissions),
				Active:         true,
				LastActivityAt: r.cfg.Now(),
				CreatedAt:      r.cfg.Now(),
				UpdatedAt:      r.cfg.Now(),
			}
			if err := tx.Create(&member).Error; err != nil {
				return err
			}
		}

		user.MultisigID = &multisig.ID
		user.UpdatedAt = r.cfg.Now()
		if err := tx.Save(&user).Error; err != nil {
			return err
		}

		created = &multisig
		return nil
	})
	if errors.Is(err, models.ErrConflict) {
		// Another concurrent call won the race; retry the read path only.
		var user models.User
		if readErr := r.db.WithContext(ctx).First(&user, "id = ?", userID).Error; readErr != nil {
			return nil, readErr
		}
		if user.MultisigID == nil {
			return nil, fmt.Errorf("registry: provisioning race left user without a multisig")
		}
		var existing models.Multisig
		if readErr := r.db.WithContext(ctx).First(&existing, "id = ?", *user.MultisigID).Error; readErr != nil {
			return nil, readErr
		}
		return &existing, nil
	}
	if err != nil {
		return nil, err
	}
	return created, nil
}

// derivePDA deterministically derives a (createKey, PDA) pair for userID,
// grounded on the Solana PDA-derivation vocabulary referenced in the
// squads-go example (vault transaction addresses are themselves PDAs) but
// computed here with blake3 rather than the on-chain
// find-program-address algorithm, since no on-chain program is in scope
// (spec §1 Non-goals). The digests are base58-encoded so createKey/PDA read
// like real Solana addresses rather than hex.
func derivePDA(userID uuid.UUID) (createKey string, pda string) {
	var seed [16]byte
	copy(seed[:], userID[:])
	createHash := blake3.Sum256(append([]byte("custody-gateway/create-key/"), seed[:]...))
	pdaHash := blake3.Sum256(append([]byte("custody-gateway/multisig-pda/"), createHash[:]...))
	return base58.Encode(createHash[:]), base58.Encode(pdaHash[:])
}
