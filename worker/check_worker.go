package worker

import (
	"context"
	"log"
	"time"

	"identswitch/checker"
	controller "identswitch/controllers"
	"identswitch/session"
	"identswitch/utils"
)

// CheckWorker drives the refresh cycle for every session with an open
// push socket, so unread counts keep moving even when the client's own
// keep-alive timer stalls.
type CheckWorker struct {
	checker  *checker.Checker
	manager  *session.Manager
	hub      *controller.PushHub
	interval time.Duration
	logger   *log.Logger
}

func NewCheckWorker(ch *checker.Checker, manager *session.Manager, hub *controller.PushHub, interval time.Duration, logger *log.Logger) *CheckWorker {
	return &CheckWorker{
		checker:  ch,
		manager:  manager,
		hub:      hub,
		interval: interval,
		logger:   logger,
	}
}

func (w *CheckWorker) Start(ctx context.Context) {
	w.logger.Println("Starting check worker...")
	ticker := time.NewTicker(w.interval)

	for {
		select {
		case <-ticker.C:
			w.checkAllSessions(ctx)
		case <-ctx.Done():
			w.logger.Println("Stopping check worker...")
			ticker.Stop()
			return
		}
	}
}

// checkAllSessions runs one cycle per active session. Sessions are
// isolated: one user's failure never skips the rest.
func (w *CheckWorker) checkAllSessions(ctx context.Context) {
	sessions := w.hub.ActiveSessions()
	for _, sess := range sessions {
		if err := w.checkSession(ctx, sess); err != nil {
			w.logger.Printf("check session for user %d failed: %v", sess.UserID, err)
		}
	}
}

func (w *CheckWorker) checkSession(ctx context.Context, sess controller.ActiveSession) error {
	sc, err := w.manager.Load(ctx, sess.SessionID)
	if err != nil {
		return err
	}

	cipher := utils.NewUserCipher(sess.UserID)
	if err := w.checker.RunCycle(sess.UserID, sess.Email, sc, cipher); err != nil {
		return err
	}

	return w.manager.Save(ctx, sess.SessionID, sc)
}
