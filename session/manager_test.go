package session

import (
	"context"
	"errors"
	"log"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identswitch/models"
)

type fakeCipher struct{}

func (fakeCipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	return "enc:" + plaintext, nil
}

func (fakeCipher) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	if !strings.HasPrefix(ciphertext, "enc:") {
		return "", errors.New("bad ciphertext")
	}
	return strings.TrimPrefix(ciphertext, "enc:"), nil
}

type fakeAccounts struct {
	byID map[uint]*models.Account
	err  error
}

func (f *fakeAccounts) FindByID(userID, id uint) (*models.Account, error) {
	if f.err != nil {
		return nil, f.err
	}
	acct, ok := f.byID[id]
	if !ok || acct.UserID != userID {
		return nil, nil
	}
	return acct, nil
}

func testLogger() *log.Logger {
	return log.New(os.Stdout, "SESSION-TEST: ", log.LstdFlags)
}

func testAccount(id uint, label string) *models.Account {
	a := &models.Account{
		UserID:       1,
		IdentityRef:  id,
		Enabled:      true,
		Label:        label,
		IMAPHost:     "ssl://mail.example.com",
		IMAPUsername: "user@example.com",
		IMAPPassword: "enc:secret",
	}
	a.ID = id
	return a
}

func newTestManager(accounts *fakeAccounts) *Manager {
	return NewManager(NewMemoryStore(), accounts, testLogger())
}

func primaryContext() *Context {
	sc := NewContext()
	sc.Live = MailSettings{
		Host:     "home.example.com",
		Port:     993,
		Security: "ssl",
		Username: "owner@example.com",
		Password: "enc:ownerpass",
		Folders:  map[string]string{models.FolderSent: "Sent"},
	}
	return sc
}

func TestSwitchToConfiguredAccount(t *testing.T) {
	acct := testAccount(5, "Work")
	acct.DraftsMbox = "Entwürfe"
	m := newTestManager(&fakeAccounts{byID: map[uint]*models.Account{5: acct}})

	sc := primaryContext()
	res := m.SwitchTo(sc, 1, 5, "fb@example.com", fakeCipher{})

	assert.Equal(t, SwitchSwitchedTo, res.State)
	assert.Equal(t, uint(5), res.AccountID)
	assert.Equal(t, "Work", res.Label)

	assert.Equal(t, 5, sc.ActiveAccountID)
	assert.True(t, sc.Impersonating())
	assert.Equal(t, "mail.example.com", sc.Live.Host)
	assert.Equal(t, 993, sc.Live.Port)
	assert.Equal(t, "ssl", sc.Live.Security)
	assert.Equal(t, "user@example.com", sc.Live.Username)
	assert.Equal(t, "enc:secret", sc.Live.Password)
	assert.Equal(t, "Entwürfe", sc.Live.Folders[models.FolderDrafts])

	require.NotNil(t, sc.Shadow)
	assert.Equal(t, "home.example.com", sc.Shadow.Host)
}

func TestSwitchShadowSnapshotOnlyOnce(t *testing.T) {
	accounts := &fakeAccounts{byID: map[uint]*models.Account{
		5: testAccount(5, "Work"),
		6: testAccount(6, "Club"),
	}}
	m := newTestManager(accounts)

	sc := primaryContext()
	m.SwitchTo(sc, 1, 5, "", fakeCipher{})
	m.SwitchTo(sc, 1, 6, "", fakeCipher{})

	// A lateral switch must not overwrite the snapshot with account 5's
	// settings.
	require.NotNil(t, sc.Shadow)
	assert.Equal(t, "home.example.com", sc.Shadow.Host)
	assert.Equal(t, 6, sc.ActiveAccountID)
}

func TestSwitchBackRestoresPrimary(t *testing.T) {
	m := newTestManager(&fakeAccounts{byID: map[uint]*models.Account{5: testAccount(5, "Work")}})

	sc := primaryContext()
	m.SwitchTo(sc, 1, 5, "", fakeCipher{})
	res := m.SwitchTo(sc, 1, PrimaryAccountID, "", fakeCipher{})

	assert.Equal(t, SwitchPrimary, res.State)
	assert.False(t, sc.Impersonating())
	assert.Nil(t, sc.Shadow)
	assert.Equal(t, "home.example.com", sc.Live.Host)
	assert.Equal(t, "owner@example.com", sc.Live.Username)
	assert.Equal(t, "Sent", sc.Live.Folders[models.FolderSent])
}

func TestSwitchBackWhenAlreadyPrimary(t *testing.T) {
	m := newTestManager(&fakeAccounts{})

	sc := primaryContext()
	baseline := uint32(3)
	sc.Counts[PrimaryCountKey] = CountEntry{Unseen: 7, Baseline: &baseline}

	res := m.SwitchTo(sc, 1, PrimaryAccountID, "", fakeCipher{})

	assert.Equal(t, SwitchPrimary, res.State)
	// A redundant switch-back keeps the baseline; only an actual return
	// resets it.
	require.NotNil(t, sc.Counts[PrimaryCountKey].Baseline)
	assert.Equal(t, uint32(3), *sc.Counts[PrimaryCountKey].Baseline)
}

func TestSwitchBackResetsPrimaryBaseline(t *testing.T) {
	m := newTestManager(&fakeAccounts{byID: map[uint]*models.Account{5: testAccount(5, "Work")}})

	sc := primaryContext()
	baseline := uint32(3)
	sc.Counts[PrimaryCountKey] = CountEntry{Unseen: 7, Baseline: &baseline}

	m.SwitchTo(sc, 1, 5, "", fakeCipher{})
	m.SwitchTo(sc, 1, PrimaryAccountID, "", fakeCipher{})

	entry := sc.Counts[PrimaryCountKey]
	assert.Nil(t, entry.Baseline)
	assert.Equal(t, uint32(7), entry.Unseen)
}

func TestSwitchInResetsTargetBaseline(t *testing.T) {
	m := newTestManager(&fakeAccounts{byID: map[uint]*models.Account{5: testAccount(5, "Work")}})

	sc := primaryContext()
	baseline := uint32(2)
	sc.Counts[5] = CountEntry{Unseen: 9, Baseline: &baseline}

	m.SwitchTo(sc, 1, 5, "", fakeCipher{})

	assert.Nil(t, sc.Counts[5].Baseline)
}

func TestSwitchToSameAccountKeepsBaseline(t *testing.T) {
	m := newTestManager(&fakeAccounts{byID: map[uint]*models.Account{5: testAccount(5, "Work")}})

	sc := primaryContext()
	m.SwitchTo(sc, 1, 5, "", fakeCipher{})

	baseline := uint32(4)
	sc.Counts[5] = CountEntry{Unseen: 8, Baseline: &baseline}

	res := m.SwitchTo(sc, 1, 5, "", fakeCipher{})

	assert.Equal(t, SwitchSwitchedTo, res.State)
	require.NotNil(t, sc.Counts[5].Baseline)
	assert.Equal(t, uint32(4), *sc.Counts[5].Baseline)
}

func TestSwitchToUnknownAccount(t *testing.T) {
	m := newTestManager(&fakeAccounts{byID: map[uint]*models.Account{}})

	sc := primaryContext()
	res := m.SwitchTo(sc, 1, 42, "", fakeCipher{})

	assert.Equal(t, SwitchNotFound, res.State)
	assert.False(t, sc.Impersonating())
	assert.Equal(t, "home.example.com", sc.Live.Host)
}

func TestSwitchToDisabledAccount(t *testing.T) {
	acct := testAccount(5, "Work")
	acct.Enabled = false
	m := newTestManager(&fakeAccounts{byID: map[uint]*models.Account{5: acct}})

	sc := primaryContext()
	res := m.SwitchTo(sc, 1, 5, "", fakeCipher{})

	assert.Equal(t, SwitchNotFound, res.State)
}

func TestSwitchToOtherUsersAccount(t *testing.T) {
	acct := testAccount(5, "Work")
	acct.UserID = 2
	m := newTestManager(&fakeAccounts{byID: map[uint]*models.Account{5: acct}})

	sc := primaryContext()
	res := m.SwitchTo(sc, 1, 5, "", fakeCipher{})

	assert.Equal(t, SwitchNotFound, res.State)
}

func TestSwitchToUnresolvableAccount(t *testing.T) {
	acct := testAccount(5, "Broken")
	acct.IMAPHost = ""
	m := newTestManager(&fakeAccounts{byID: map[uint]*models.Account{5: acct}})

	sc := primaryContext()
	res := m.SwitchTo(sc, 1, 5, "", fakeCipher{})

	assert.Equal(t, SwitchNotFound, res.State)
	// Session state must be untouched after a failed switch.
	assert.False(t, sc.Impersonating())
	assert.Nil(t, sc.Shadow)
}

func TestSwitchToAlias(t *testing.T) {
	parent := testAccount(5, "Work")
	parentID := parent.ID
	alias := testAccount(9, "Work Alias")
	alias.ParentID = &parentID
	alias.ClearServerConfig()

	m := newTestManager(&fakeAccounts{byID: map[uint]*models.Account{5: parent, 9: alias}})

	sc := primaryContext()
	res := m.SwitchTo(sc, 1, 9, "", fakeCipher{})

	assert.Equal(t, SwitchSwitchedTo, res.State)
	assert.Equal(t, uint(9), res.AccountID)
	assert.Equal(t, "Work Alias", res.Label)
	// Connection parameters come from the parent, identity from the alias.
	assert.Equal(t, "mail.example.com", sc.Live.Host)
	assert.Equal(t, 9, sc.ActiveAccountID)
}

func TestLoadFreshAndRoundTrip(t *testing.T) {
	m := newTestManager(&fakeAccounts{byID: map[uint]*models.Account{5: testAccount(5, "Work")}})
	ctx := context.Background()

	sc, err := m.Load(ctx, "sess-1")
	require.NoError(t, err)
	assert.False(t, sc.Impersonating())
	assert.NotNil(t, sc.Counts)

	// A fresh context starts with empty live settings; the host fills
	// them in at login before any switch can happen.
	sc.Live = primaryContext().Live

	m.SwitchTo(sc, 1, 5, "", fakeCipher{})
	sc.Counts[5] = CountEntry{Unseen: 2}
	require.NoError(t, m.Save(ctx, "sess-1", sc))

	loaded, err := m.Load(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 5, loaded.ActiveAccountID)
	assert.Equal(t, uint32(2), loaded.Counts[5].Unseen)
	require.NotNil(t, loaded.Shadow)
	assert.Equal(t, "home.example.com", loaded.Shadow.Host)
}

func TestLoadCorruptContext(t *testing.T) {
	store := NewMemoryStore()
	m := NewManager(store, &fakeAccounts{}, testLogger())
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, sessionKey("sess-1"), []byte("{not json"), sessionTTL))

	sc, err := m.Load(ctx, "sess-1")
	require.NoError(t, err)
	assert.False(t, sc.Impersonating())
}

func TestDestroy(t *testing.T) {
	m := newTestManager(&fakeAccounts{byID: map[uint]*models.Account{5: testAccount(5, "Work")}})
	ctx := context.Background()

	sc := primaryContext()
	m.SwitchTo(sc, 1, 5, "", fakeCipher{})
	require.NoError(t, m.Save(ctx, "sess-1", sc))
	require.NoError(t, m.Destroy(ctx, "sess-1"))

	loaded, err := m.Load(ctx, "sess-1")
	require.NoError(t, err)
	assert.False(t, loaded.Impersonating())
}

func TestCountEntryDelta(t *testing.T) {
	baseline := uint32(3)
	assert.Equal(t, uint32(0), CountEntry{Unseen: 5}.Delta())
	assert.Equal(t, uint32(2), CountEntry{Unseen: 5, Baseline: &baseline}.Delta())
	assert.Equal(t, uint32(0), CountEntry{Unseen: 3, Baseline: &baseline}.Delta())
	assert.Equal(t, uint32(0), CountEntry{Unseen: 1, Baseline: &baseline}.Delta())
}

func TestMailSettingsCloneIsDeep(t *testing.T) {
	d := "/"
	orig := MailSettings{
		Host:      "h",
		Delimiter: &d,
		Folders:   map[string]string{models.FolderTrash: "Trash"},
	}
	cp := orig.Clone()
	cp.Folders[models.FolderTrash] = "Papierkorb"
	*cp.Delimiter = "."

	assert.Equal(t, "Trash", orig.Folders[models.FolderTrash])
	assert.Equal(t, "/", *orig.Delimiter)
}
