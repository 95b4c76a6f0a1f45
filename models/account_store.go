package models

import (
	"errors"

	"gorm.io/gorm"
)

// AccountStore is the query contract over the accounts table. Every
// method takes the owning user id so a cross-user lookup cannot be
// expressed at all.
type AccountStore struct {
	db *gorm.DB
}

func NewAccountStore(db *gorm.DB) *AccountStore {
	return &AccountStore{db: db}
}

// FindByIdentity returns the record attached to the given identity, or
// nil when the identity has none.
func (s *AccountStore) FindByIdentity(userID, identityRef uint) (*Account, error) {
	var acct Account
	err := s.db.Where("user_id = ? AND identity_ref = ?", userID, identityRef).First(&acct).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

// FindByID returns the record with the given id, or nil when it does not
// exist or belongs to another user.
func (s *AccountStore) FindByID(userID, id uint) (*Account, error) {
	var acct Account
	err := s.db.Where("id = ? AND user_id = ?", id, userID).First(&acct).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

// ListEnabled returns every enabled record of the user, ordered by label,
// optionally excluding one id (the currently active account).
func (s *AccountStore) ListEnabled(userID, excludeID uint) ([]Account, error) {
	q := s.db.Where("user_id = ? AND enabled = ?", userID, true)
	if excludeID != 0 {
		q = q.Where("id <> ?", excludeID)
	}
	var accounts []Account
	if err := q.Order("label, id").Find(&accounts).Error; err != nil {
		return nil, err
	}
	return accounts, nil
}

// ListCheckable returns the records eligible for background unread
// checking: enabled, not an alias (an alias has no mailbox of its own),
// and with new-mail checking resolved on. checkDefault is the global
// default applied when the per-account override is inherit (NULL).
func (s *AccountStore) ListCheckable(userID uint, checkDefault bool) ([]Account, error) {
	q := s.db.Where("user_id = ? AND enabled = ? AND parent_id IS NULL", userID, true)
	if checkDefault {
		q = q.Where("(notify_check IS NULL OR notify_check = ?)", true)
	} else {
		q = q.Where("notify_check = ?", true)
	}
	var accounts []Account
	if err := q.Order("id").Find(&accounts).Error; err != nil {
		return nil, err
	}
	return accounts, nil
}

// IdentityEmail returns the address of the identity a record is
// attached to, for the username fallback.
func (s *AccountStore) IdentityEmail(userID, identityRef uint) (string, error) {
	var ident Identity
	err := s.db.Where("id = ? AND user_id = ?", identityRef, userID).First(&ident).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return ident.Email, nil
}

// Upsert inserts or updates the record keyed by (user, identity).
func (s *AccountStore) Upsert(acct *Account) error {
	if acct.ID == 0 {
		existing, err := s.FindByIdentity(acct.UserID, acct.IdentityRef)
		if err != nil {
			return err
		}
		if existing != nil {
			acct.ID = existing.ID
			acct.CreatedAt = existing.CreatedAt
		}
	}
	return s.db.Save(acct).Error
}

// DeleteByIdentity removes the record attached to the identity. Deleting
// a record that other records alias leaves those aliases dangling; the
// resolver fails them closed.
func (s *AccountStore) DeleteByIdentity(userID, identityRef uint) error {
	return s.db.Unscoped().
		Where("user_id = ? AND identity_ref = ?", userID, identityRef).
		Delete(&Account{}).Error
}
