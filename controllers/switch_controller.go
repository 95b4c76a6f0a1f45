package controller

import (
	"log"

	"github.com/gofiber/fiber/v2"

	"identswitch/config"
	"identswitch/models"
	"identswitch/session"
	"identswitch/utils"
)

type SwitchController struct {
	store   *models.AccountStore
	manager *session.Manager
	logger  *log.Logger
}

func NewSwitchController(store *models.AccountStore, manager *session.Manager, logger *log.Logger) *SwitchController {
	return &SwitchController{store: store, manager: manager, logger: logger}
}

type switchRequest struct {
	// AccountID is the record to switch to; -1 returns to the primary.
	AccountID int `json:"account_id"`
}

// Switch moves the session onto the requested account and answers with
// the redirect target for the mail view. A missing target is logged and
// answered without a redirect.
func (sc *SwitchController) Switch(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	sessionID := c.Locals("sessionID").(string)

	var req switchRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	ctx, err := sc.manager.Load(c.UserContext(), sessionID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load session",
		})
	}

	fallbackEmail := sc.fallbackEmail(user, req.AccountID)
	cipher := utils.NewUserCipher(user.ID)

	result := sc.manager.SwitchTo(ctx, user.ID, req.AccountID, fallbackEmail, cipher)
	if result.State == session.SwitchNotFound {
		// Already logged by the manager; the UI just stays where it is.
		return c.JSON(fiber.Map{"switched": false})
	}

	if err := sc.manager.Save(c.UserContext(), sessionID, ctx); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to save session",
		})
	}

	utils.LogEvent("account_switched", map[string]interface{}{
		"user_id":    user.ID,
		"account_id": req.AccountID,
	})

	resp := fiber.Map{
		"switched": true,
		"redirect": config.AppConfig.MailViewPath,
	}
	if result.State == session.SwitchSwitchedTo {
		resp["active_account"] = result.AccountID
		resp["label"] = result.Label
	} else {
		resp["active_account"] = session.PrimaryAccountID
	}
	return c.JSON(resp)
}

// fallbackEmail is the owning identity's address, used when an account
// has no username configured. Falls back to the login address.
func (sc *SwitchController) fallbackEmail(user *models.User, targetID int) string {
	if targetID <= session.PrimaryAccountID {
		return user.Email
	}
	acct, err := sc.store.FindByID(user.ID, uint(targetID))
	if err != nil || acct == nil {
		return user.Email
	}
	if email, err := sc.store.IdentityEmail(user.ID, acct.IdentityRef); err == nil && email != "" {
		return email
	}
	return user.Email
}
