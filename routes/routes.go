package routes

import (
	"log"
	"os"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"

	"identswitch/checker"
	controller "identswitch/controllers"
	"identswitch/middleware"
	"identswitch/models"
	"identswitch/session"
)

// Deps are the shared components main wires together; the background
// worker uses the same hub, manager and checker.
type Deps struct {
	Store   *models.AccountStore
	Manager *session.Manager
	Checker *checker.Checker
	Hub     *controller.PushHub
}

func SetupRoutes(app *fiber.App, deps Deps) {
	accountLogger := log.New(os.Stdout, "ACCOUNT: ", log.LstdFlags)
	switchLogger := log.New(os.Stdout, "SWITCH: ", log.LstdFlags)
	checkLogger := log.New(os.Stdout, "CHECK: ", log.LstdFlags)

	accountController := controller.NewAccountController(deps.Store, deps.Manager, accountLogger)
	switchController := controller.NewSwitchController(deps.Store, deps.Manager, switchLogger)
	checkController := controller.NewCheckController(deps.Checker, deps.Manager, checkLogger)

	api := app.Group("/api/v1", middleware.Protected(), logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	accounts := api.Group("/accounts")
	accounts.Get("/", accountController.ListAccounts)
	accounts.Get("/switchable", accountController.ListSwitchable)
	accounts.Get("/:id", accountController.GetAccount)
	accounts.Post("/", middleware.TestRateLimiter(), accountController.SaveAccount)
	accounts.Post("/alias", accountController.SaveAlias)
	accounts.Post("/test", middleware.TestRateLimiter(), accountController.TestAccount)
	accounts.Put("/:id/folders", accountController.UpdateFolders)
	accounts.Delete("/identity/:ref", accountController.DeleteAccount)

	api.Post("/switch", switchController.Switch)
	api.Post("/check", checkController.RunCheck)

	// Push channel: counts snapshots and new-mail notifications.
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/counts", middleware.Protected(), websocket.New(deps.Hub.Handle))
}
