package controller

import (
	"log"
	"strconv"
	"strings"

	"github.com/badoux/checkmail"
	"github.com/gofiber/fiber/v2"

	"identswitch/models"
	"identswitch/resolver"
	"identswitch/session"
	"identswitch/utils"
)

// PasswordUnchanged is the sentinel the UI submits in place of a stored
// password so the real secret never round-trips through the browser.
const PasswordUnchanged = "__UNCHANGED__"

type AccountController struct {
	store   *models.AccountStore
	manager *session.Manager
	logger  *log.Logger
}

func NewAccountController(store *models.AccountStore, manager *session.Manager, logger *log.Logger) *AccountController {
	return &AccountController{store: store, manager: manager, logger: logger}
}

type SaveAccountRequest struct {
	IdentityRef uint   `json:"identity_ref" validate:"required"`
	Label       string `json:"label" validate:"max=32"`
	Enabled     bool   `json:"enabled"`

	IMAPHost      string `json:"imap_host" validate:"required,max=64"`
	IMAPSecurity  string `json:"imap_security" validate:"omitempty,oneof=none tls ssl"`
	IMAPPort      int    `json:"imap_port" validate:"omitempty,min=1,max=65535"`
	IMAPUsername  string `json:"imap_username" validate:"max=64"`
	IMAPPassword  string `json:"imap_password"`
	IMAPDelimiter string `json:"imap_delimiter" validate:"omitempty,len=1"`

	SMTPHost     string `json:"smtp_host" validate:"max=64"`
	SMTPSecurity string `json:"smtp_security" validate:"omitempty,oneof=none tls ssl"`
	SMTPPort     int    `json:"smtp_port" validate:"omitempty,min=1,max=65535"`
	SMTPAuthMode string `json:"smtp_auth_mode" validate:"omitempty,oneof=use-imap none custom"`
	SMTPUsername string `json:"smtp_username" validate:"max=64,required_if=SMTPAuthMode custom"`
	SMTPPassword string `json:"smtp_password" validate:"required_if=SMTPAuthMode custom"`

	SieveHost     string `json:"sieve_host" validate:"max=64"`
	SieveSecurity string `json:"sieve_security" validate:"omitempty,oneof=none tls ssl"`
	SievePort     int    `json:"sieve_port" validate:"omitempty,min=1,max=65535"`
	SieveAuthMode string `json:"sieve_auth_mode" validate:"omitempty,oneof=use-imap none custom"`
	SieveUsername string `json:"sieve_username" validate:"max=64,required_if=SieveAuthMode custom"`
	SievePassword string `json:"sieve_password" validate:"required_if=SieveAuthMode custom"`

	// Tri-state overrides: null inherits the global default.
	NotifyCheck   *bool `json:"notify_check"`
	NotifyBasic   *bool `json:"notify_basic"`
	NotifySound   *bool `json:"notify_sound"`
	NotifyDesktop *bool `json:"notify_desktop"`
}

// Validate runs the struct tags plus the checks they cannot express.
func (r *SaveAccountRequest) Validate() error {
	if err := utils.ValidateStruct(r); err != nil {
		return err
	}
	// Usernames that look like addresses must at least parse as one.
	for _, u := range []string{r.IMAPUsername, r.SMTPUsername, r.SieveUsername} {
		if strings.Contains(u, "@") {
			if err := checkmail.ValidateFormat(u); err != nil {
				return fiber.NewError(fiber.StatusBadRequest, "username "+u+" is not a valid address")
			}
		}
	}
	return nil
}

type SaveAliasRequest struct {
	IdentityRef uint   `json:"identity_ref" validate:"required"`
	ParentID    uint   `json:"parent_id" validate:"required"`
	Label       string `json:"label" validate:"max=32"`
	Enabled     bool   `json:"enabled"`
}

// resolvePassword decides what ends up in the stored password column.
// The comparison runs on plaintext so an unchanged password is not
// re-encrypted into a new ciphertext.
func resolvePassword(cipher session.Cipher, submitted, existingEnc string) (string, error) {
	if submitted == PasswordUnchanged {
		return existingEnc, nil
	}
	if submitted == "" {
		return "", nil
	}
	if existingEnc != "" {
		if current, err := cipher.Decrypt(existingEnc); err == nil && current == submitted {
			return existingEnc, nil
		}
	}
	return cipher.Encrypt(submitted)
}

// buildAccount assembles the candidate record from a validated request,
// composing the scheme prefix back into the persisted host layout.
func buildAccount(req *SaveAccountRequest, userID uint, existing *models.Account, cipher session.Cipher) (*models.Account, error) {
	acct := &models.Account{
		UserID:      userID,
		IdentityRef: req.IdentityRef,
		Enabled:     req.Enabled,
		Label:       req.Label,

		IMAPHost: resolver.ComposeHostScheme(resolver.SecurityFromString(req.IMAPSecurity), req.IMAPHost),
		IMAPPort: req.IMAPPort,

		SMTPHost:     resolver.ComposeHostScheme(resolver.SecurityFromString(req.SMTPSecurity), req.SMTPHost),
		SMTPPort:     req.SMTPPort,
		SMTPAuthMode: defaultAuthMode(req.SMTPAuthMode),

		SieveHost:     resolver.ComposeHostScheme(resolver.SecurityFromString(req.SieveSecurity), req.SieveHost),
		SievePort:     req.SievePort,
		SieveAuthMode: defaultAuthMode(req.SieveAuthMode),

		IMAPUsername:  req.IMAPUsername,
		SMTPUsername:  req.SMTPUsername,
		SieveUsername: req.SieveUsername,

		NotifyCheck:   models.FromBoolPtr(req.NotifyCheck),
		NotifyBasic:   models.FromBoolPtr(req.NotifyBasic),
		NotifySound:   models.FromBoolPtr(req.NotifySound),
		NotifyDesktop: models.FromBoolPtr(req.NotifyDesktop),
	}
	if req.IMAPDelimiter != "" {
		d := req.IMAPDelimiter
		acct.IMAPDelimiter = &d
	}
	if existing != nil {
		acct.ID = existing.ID
		// Folder overrides are edited through their own endpoint while
		// impersonating; a config save must not wipe them.
		acct.DraftsMbox = existing.DraftsMbox
		acct.SentMbox = existing.SentMbox
		acct.JunkMbox = existing.JunkMbox
		acct.TrashMbox = existing.TrashMbox
	}

	var err error
	var existingIMAP, existingSMTP, existingSieve string
	if existing != nil {
		existingIMAP, existingSMTP, existingSieve = existing.IMAPPassword, existing.SMTPPassword, existing.SievePassword
	}
	if acct.IMAPPassword, err = resolvePassword(cipher, req.IMAPPassword, existingIMAP); err != nil {
		return nil, err
	}
	if acct.SMTPPassword, err = resolvePassword(cipher, req.SMTPPassword, existingSMTP); err != nil {
		return nil, err
	}
	if acct.SievePassword, err = resolvePassword(cipher, req.SievePassword, existingSieve); err != nil {
		return nil, err
	}
	return acct, nil
}

func defaultAuthMode(mode string) string {
	if mode == "" {
		return models.AuthModeIMAP
	}
	return mode
}

// fallbackEmail is the owning identity's address, used as the username
// when none is configured. Falls back to the login address.
func (ac *AccountController) fallbackEmail(user *models.User, identityRef uint) string {
	if email, err := ac.store.IdentityEmail(user.ID, identityRef); err == nil && email != "" {
		return email
	}
	return user.Email
}

// ListAccounts returns every record of the user, secrets cleared.
func (ac *AccountController) ListAccounts(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	accounts, err := ac.store.ListEnabled(user.ID, 0)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch accounts",
		})
	}
	for i := range accounts {
		accounts[i].Sanitize()
	}
	return c.JSON(accounts)
}

// ListSwitchable returns the switch-menu entries: the primary plus every
// enabled record except the currently active one.
func (ac *AccountController) ListSwitchable(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	sessionID := c.Locals("sessionID").(string)

	sc, err := ac.manager.Load(c.UserContext(), sessionID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load session",
		})
	}

	var excludeID uint
	if sc.Impersonating() {
		excludeID = uint(sc.ActiveAccountID)
	}
	accounts, err := ac.store.ListEnabled(user.ID, excludeID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch accounts",
		})
	}

	type entry struct {
		ID    int    `json:"id"`
		Label string `json:"label"`
	}
	entries := make([]entry, 0, len(accounts)+1)
	if sc.Impersonating() {
		entries = append(entries, entry{ID: session.PrimaryAccountID, Label: user.Email})
	}
	for i := range accounts {
		entries = append(entries, entry{ID: int(accounts[i].ID), Label: accounts[i].DisplayName()})
	}
	return c.JSON(entries)
}

func (ac *AccountController) GetAccount(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	id, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Account ID must be numeric",
		})
	}

	acct, err := ac.store.FindByID(user.ID, uint(id))
	if err != nil || acct == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Account not found",
		})
	}
	acct.Sanitize()
	return c.JSON(acct)
}

// SaveAccount validates, connection-tests and upserts a full account
// record. A failed test aborts the save; nothing partial is persisted.
func (ac *AccountController) SaveAccount(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var req SaveAccountRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := req.Validate(); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	existing, err := ac.store.FindByIdentity(user.ID, req.IdentityRef)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch account",
		})
	}

	cipher := utils.NewUserCipher(user.ID)
	acct, err := buildAccount(&req, user.ID, existing, cipher)
	if err != nil {
		utils.LogError("encrypt_failed", err, map[string]interface{}{
			"user_id":      user.ID,
			"identity_ref": req.IdentityRef,
		})
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to encrypt credentials",
		})
	}

	if code, err := testCandidate(acct, ac.fallbackEmail(user, req.IdentityRef), cipher); err != nil {
		utils.LogError(code, err, map[string]interface{}{
			"user_id":      user.ID,
			"identity_ref": req.IdentityRef,
		})
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
			"code":  code,
		})
	}

	if err := ac.store.Upsert(acct); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to save account",
		})
	}

	utils.LogEvent("account_saved", map[string]interface{}{
		"user_id":      user.ID,
		"account_id":   acct.ID,
		"identity_ref": acct.IdentityRef,
	})

	status := fiber.StatusOK
	if existing == nil {
		status = fiber.StatusCreated
	}
	acct.Sanitize()
	return c.Status(status).JSON(acct)
}

// TestAccount runs the connection tests with the submitted credentials
// without persisting anything.
func (ac *AccountController) TestAccount(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var req SaveAccountRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := req.Validate(); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	existing, err := ac.store.FindByIdentity(user.ID, req.IdentityRef)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch account",
		})
	}

	cipher := utils.NewUserCipher(user.ID)
	acct, err := buildAccount(&req, user.ID, existing, cipher)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to encrypt credentials",
		})
	}

	if code, err := testCandidate(acct, ac.fallbackEmail(user, req.IdentityRef), cipher); err != nil {
		return c.JSON(fiber.Map{
			"success": false,
			"code":    code,
			"error":   err.Error(),
		})
	}
	return c.JSON(fiber.Map{"success": true})
}

// SaveAlias writes a parent-linked, field-cleared record. An alias of an
// alias is rejected here, not left to fail at resolution time.
func (ac *AccountController) SaveAlias(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var req SaveAliasRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	parent, err := ac.store.FindByID(user.ID, req.ParentID)
	if err != nil || parent == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Parent account not found",
		})
	}
	if parent.IsAlias() {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "An alias cannot point at another alias",
			"code":  "alias_chain",
		})
	}

	parentID := parent.ID
	acct := &models.Account{
		UserID:      user.ID,
		IdentityRef: req.IdentityRef,
		ParentID:    &parentID,
		Label:       req.Label,
		Enabled:     req.Enabled,
	}
	acct.ClearServerConfig()

	if err := ac.store.Upsert(acct); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to save alias",
		})
	}

	utils.LogEvent("alias_saved", map[string]interface{}{
		"user_id":    user.ID,
		"account_id": acct.ID,
		"parent_id":  parent.ID,
	})
	return c.Status(fiber.StatusCreated).JSON(acct)
}

type UpdateFoldersRequest struct {
	Drafts string `json:"drafts" validate:"max=128"`
	Sent   string `json:"sent" validate:"max=128"`
	Junk   string `json:"junk" validate:"max=128"`
	Trash  string `json:"trash" validate:"max=128"`
}

// UpdateFolders sets the special-folder overrides of the account the
// session is currently impersonating. Editing another account's folders
// is rejected.
func (ac *AccountController) UpdateFolders(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	sessionID := c.Locals("sessionID").(string)

	id, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Account ID must be numeric",
		})
	}

	sc, err := ac.manager.Load(c.UserContext(), sessionID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load session",
		})
	}
	if sc.ActiveAccountID != int(id) {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "Folder overrides can only be edited while using this account",
		})
	}

	var req UpdateFoldersRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	acct, err := ac.store.FindByID(user.ID, uint(id))
	if err != nil || acct == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Account not found",
		})
	}

	acct.DraftsMbox = req.Drafts
	acct.SentMbox = req.Sent
	acct.JunkMbox = req.Junk
	acct.TrashMbox = req.Trash
	if err := ac.store.Upsert(acct); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to save folders",
		})
	}

	// Keep the live session folders in step with the record.
	sc.Live.Folders = acct.Folders()
	if err := ac.manager.Save(c.UserContext(), sessionID, sc); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to save session",
		})
	}

	acct.Sanitize()
	return c.JSON(acct)
}

// DeleteAccount removes the record attached to an identity.
func (ac *AccountController) DeleteAccount(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	ref, err := strconv.ParseUint(c.Params("ref"), 10, 32)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Identity reference must be numeric",
		})
	}

	if err := ac.store.DeleteByIdentity(user.ID, uint(ref)); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to delete account",
		})
	}

	utils.LogEvent("account_deleted", map[string]interface{}{
		"user_id":      user.ID,
		"identity_ref": ref,
	})
	return c.SendStatus(fiber.StatusNoContent)
}
