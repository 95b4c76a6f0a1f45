package models

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	// A file-backed database per test; the in-memory DSN hands every
	// pooled connection its own empty database.
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "accounts.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, Migrate(db))
	return db
}

func seedAccount(t *testing.T, store *AccountStore, userID, identityRef uint, mutate func(*Account)) *Account {
	t.Helper()
	acct := &Account{
		UserID:       userID,
		IdentityRef:  identityRef,
		Enabled:      true,
		Label:        "Account",
		IMAPHost:     "ssl://mail.example.com",
		IMAPUsername: "user@example.com",
	}
	if mutate != nil {
		mutate(acct)
	}
	require.NoError(t, store.Upsert(acct))
	return acct
}

func TestFindByIdentityScopedToUser(t *testing.T) {
	store := NewAccountStore(openTestDB(t))
	seedAccount(t, store, 1, 10, nil)

	found, err := store.FindByIdentity(1, 10)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "ssl://mail.example.com", found.IMAPHost)

	// Same identity ref, different user.
	found, err = store.FindByIdentity(2, 10)
	require.NoError(t, err)
	assert.Nil(t, found)

	found, err = store.FindByIdentity(1, 99)
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestFindByIDScopedToUser(t *testing.T) {
	store := NewAccountStore(openTestDB(t))
	acct := seedAccount(t, store, 1, 10, nil)

	found, err := store.FindByID(1, acct.ID)
	require.NoError(t, err)
	require.NotNil(t, found)

	found, err = store.FindByID(2, acct.ID)
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestListEnabledOrdersAndExcludes(t *testing.T) {
	store := NewAccountStore(openTestDB(t))
	b := seedAccount(t, store, 1, 10, func(a *Account) { a.Label = "Beta" })
	seedAccount(t, store, 1, 11, func(a *Account) { a.Label = "Alpha" })
	seedAccount(t, store, 1, 12, func(a *Account) {
		a.Label = "Gone"
		a.Enabled = false
	})
	seedAccount(t, store, 2, 10, func(a *Account) { a.Label = "Other user" })

	accounts, err := store.ListEnabled(1, 0)
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, "Alpha", accounts[0].Label)
	assert.Equal(t, "Beta", accounts[1].Label)

	accounts, err = store.ListEnabled(1, b.ID)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "Alpha", accounts[0].Label)
}

func TestListCheckableFilters(t *testing.T) {
	store := NewAccountStore(openTestDB(t))
	inherit := seedAccount(t, store, 1, 10, nil) // NotifyCheck = Inherit
	on := seedAccount(t, store, 1, 11, func(a *Account) { a.NotifyCheck = On })
	seedAccount(t, store, 1, 12, func(a *Account) { a.NotifyCheck = Off })
	seedAccount(t, store, 1, 13, func(a *Account) { a.Enabled = false })
	parentID := inherit.ID
	seedAccount(t, store, 1, 14, func(a *Account) {
		a.ParentID = &parentID
		a.ClearServerConfig()
	})

	ids := func(accounts []Account) []uint {
		out := make([]uint, len(accounts))
		for i, a := range accounts {
			out[i] = a.ID
		}
		return out
	}

	// With the global default on, inherit counts as checkable.
	accounts, err := store.ListCheckable(1, true)
	require.NoError(t, err)
	assert.Equal(t, []uint{inherit.ID, on.ID}, ids(accounts))

	// With the default off, only an explicit On survives.
	accounts, err = store.ListCheckable(1, false)
	require.NoError(t, err)
	assert.Equal(t, []uint{on.ID}, ids(accounts))
}

func TestTriStateSurvivesRoundTrip(t *testing.T) {
	store := NewAccountStore(openTestDB(t))
	acct := seedAccount(t, store, 1, 10, func(a *Account) {
		a.NotifyBasic = On
		a.NotifySound = Off
		// NotifyDesktop stays Inherit and must come back as Inherit, not Off.
	})

	found, err := store.FindByID(1, acct.ID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, On, found.NotifyBasic)
	assert.Equal(t, Off, found.NotifySound)
	assert.Equal(t, Inherit, found.NotifyDesktop)
}

func TestUpsertReplacesByIdentity(t *testing.T) {
	store := NewAccountStore(openTestDB(t))
	first := seedAccount(t, store, 1, 10, func(a *Account) { a.Label = "Old" })

	replacement := &Account{
		UserID:      1,
		IdentityRef: 10,
		Enabled:     true,
		Label:       "New",
		IMAPHost:    "tls://other.example.com",
	}
	require.NoError(t, store.Upsert(replacement))
	assert.Equal(t, first.ID, replacement.ID, "upsert must reuse the existing row")

	accounts, err := store.ListEnabled(1, 0)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "New", accounts[0].Label)
	assert.Equal(t, "tls://other.example.com", accounts[0].IMAPHost)
}

func TestDeleteByIdentity(t *testing.T) {
	store := NewAccountStore(openTestDB(t))
	acct := seedAccount(t, store, 1, 10, nil)
	seedAccount(t, store, 2, 10, nil)

	require.NoError(t, store.DeleteByIdentity(1, 10))

	found, err := store.FindByID(1, acct.ID)
	require.NoError(t, err)
	assert.Nil(t, found)

	// The other user's record with the same identity ref is untouched.
	found, err = store.FindByIdentity(2, 10)
	require.NoError(t, err)
	assert.NotNil(t, found)
}

func TestIdentityEmail(t *testing.T) {
	db := openTestDB(t)
	store := NewAccountStore(db)

	ident := &Identity{UserID: 1, Email: "work@example.com", Name: "Work"}
	require.NoError(t, db.Create(ident).Error)

	email, err := store.IdentityEmail(1, ident.ID)
	require.NoError(t, err)
	assert.Equal(t, "work@example.com", email)

	// Wrong owner or unknown identity yields empty, not an error.
	email, err = store.IdentityEmail(2, ident.ID)
	require.NoError(t, err)
	assert.Empty(t, email)
}
