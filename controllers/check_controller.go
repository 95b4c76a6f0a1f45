package controller

import (
	"log"

	"github.com/gofiber/fiber/v2"

	"identswitch/checker"
	"identswitch/models"
	"identswitch/session"
	"identswitch/utils"
)

// CheckController exposes the refresh-cycle trigger: the webmail client
// invokes it on its keep-alive timer, the background worker drives the
// same cycle for sessions with an open push socket.
type CheckController struct {
	checker *checker.Checker
	manager *session.Manager
	logger  *log.Logger
}

func NewCheckController(ch *checker.Checker, manager *session.Manager, logger *log.Logger) *CheckController {
	return &CheckController{checker: ch, manager: manager, logger: logger}
}

func (cc *CheckController) RunCheck(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	sessionID := c.Locals("sessionID").(string)

	sc, err := cc.manager.Load(c.UserContext(), sessionID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load session",
		})
	}

	cipher := utils.NewUserCipher(user.ID)
	if err := cc.checker.RunCycle(user.ID, user.Email, sc, cipher); err != nil {
		// Listing candidates failed; individual account failures never
		// surface here.
		utils.LogError("check_cycle_failed", err, map[string]interface{}{
			"user_id": user.ID,
		})
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Check cycle failed",
		})
	}

	if err := cc.manager.Save(c.UserContext(), sessionID, sc); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to save session",
		})
	}

	return c.JSON(fiber.Map{"checked": true})
}
