// Package users implements user creation and anonymization (spec §3, §9).
// Anonymize never hard-deletes: it replaces personal fields in place with
// deterministic placeholders, grounded on the teacher's convention of
// retaining an audit-linkable row rather than removing it
// (services/otc-gateway/server/partners.go revocation pattern, generalized
// here from partner revocation to user anonymization).
package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/nhb-custody/custody-gateway/models"
)

// Typed errors (spec §7).
var (
	ErrAlreadyAnonymized = errors.New("users: user already anonymized")
)

// Service implements spec §3's user lifecycle operations.
type Service struct {
	db    *gorm.DB
	nowFn func() time.Time
}

// New constructs a Service.
func New(db *gorm.DB, nowFn func() time.Time) *Service {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Service{db: db, nowFn: nowFn}
}

// CreateUser inserts a new User row (spec §6 CreateUser: email, fullName,
// phoneNumber?, wallet). Multisig provisioning is deliberately not
// performed here: it happens on demand via the registry package (spec
// §4.4), the first time the user needs one. wallet may be empty; a user
// without one is simply excluded from the reconciler's wallet-bearing sweep
// (spec §4.8) until one is set.
func (s *Service) CreateUser(ctx context.Context, email, displayName, phoneNumber, wallet string) (*models.User, error) {
	now := s.nowFn()
	user := models.User{
		ID:          uuid.New(),
		Email:       email,
		DisplayName: displayName,
		PhoneNumber: phoneNumber,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if wallet != "" {
		user.WalletAddress = &wallet
	}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

// AnonymizeUser replaces a user's personal fields with deterministic
// placeholders and flags the row Anonymized, without deleting it (spec §9):
// the wallet address becomes "DELETED_WALLET_{id}" and the email becomes
// "anonymized_{id}@deleted.local", preserving referential integrity for any
// Proposal/Transfer/Event rows that still reference the user.
func (s *Service) AnonymizeUser(ctx context.Context, userID uuid.UUID) (*models.User, error) {
	var result *models.User
	err := models.UnitOfWork(ctx, s.db, func(tx *gorm.DB) error {
		user, err := models.LockUser(tx, userID)
		if err != nil {
			return err
		}
		if user.Anonymized {
			return ErrAlreadyAnonymized
		}

		now := s.nowFn()
		placeholderWallet := fmt.Sprintf("DELETED_WALLET_%s", userID)
		user.Email = fmt.Sprintf("anonymized_%s@deleted.local", userID)
		user.DisplayName = "Deleted User"
		user.PhoneNumber = ""
		user.WalletAddress = &placeholderWallet
		user.Anonymized = true
		user.UpdatedAt = now
		if err := tx.Save(user).Error; err != nil {
			return err
		}
		if err := models.AppendEvent(tx, userID, "system", "user.anonymized", ""); err != nil {
			return err
		}
		result = user
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
