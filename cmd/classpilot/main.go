package main

import (
	"fmt"
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	apiv1 "github.com/ClassPilotHQ/ClassPilot/internal/api/v1"
	"github.com/ClassPilotHQ/ClassPilot/internal/pkg/billing"
	"github.com/ClassPilotHQ/ClassPilot/internal/pkg/cache"
	"github.com/ClassPilotHQ/ClassPilot/internal/pkg/creditledger"
	"github.com/ClassPilotHQ/ClassPilot/internal/pkg/database"
	"github.com/ClassPilotHQ/ClassPilot/internal/pkg/enrollment"
	"github.com/ClassPilotHQ/ClassPilot/internal/pkg/env"
	"github.com/ClassPilotHQ/ClassPilot/internal/pkg/notify"
	"github.com/ClassPilotHQ/ClassPilot/internal/pkg/payments"
	"github.com/ClassPilotHQ/ClassPilot/internal/pkg/pricing"
	"github.com/ClassPilotHQ/ClassPilot/internal/pkg/refund"
	"github.com/ClassPilotHQ/ClassPilot/internal/pkg/router"
	"github.com/ClassPilotHQ/ClassPilot/internal/pkg/sweeper"
	"github.com/ClassPilotHQ/ClassPilot/internal/pkg/waitlist"
)

func main() {
	app, sweeps := NewApplication()
	sweeps.Start()
	defer sweeps.Stop()

	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	log.Fatal(err)
}

func NewApplication() (*fiber.App, *sweeper.Manager) {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	db := database.GetDB()

	var notifier notify.Notifier = notify.LogNotifier{}
	if env.GetEnv("SMTP_HOST", "") != "" {
		notifier = notify.SMTPNotifier{}
	}

	// The fake provider stands in until a real PSP adapter is configured.
	var provider payments.Provider = payments.NewFakeProvider()

	ledger := creditledger.NewServiceFromDB(db)
	billingSvc := billing.NewService(
		billing.NewRepository(db),
		provider,
		ledger,
		notifier,
		billing.DefaultRetrySchedule(),
		env.GetEnv("ADMIN_EMAIL", "admin@classpilot.local"),
	)
	refundSvc := refund.NewService(refund.NewRepository(db), provider, notifier)
	waitlistMgr := waitlist.NewManager(waitlist.NewRepository(db), provider, notifier, waitlist.DefaultClaimWindow)
	enrollmentSvc := enrollment.NewService(
		enrollment.NewRepository(db),
		pricing.NewCalculator(pricing.DefaultConfig()),
		ledger,
		billingSvc,
		refundSvc,
		refund.DefaultConfig(),
		waitlistMgr,
		notifier,
	)
	billingSvc.SetActivator(enrollmentSvc)

	sweeps := sweeper.NewManager(billingSvc, waitlistMgr, sweeper.DefaultRetryInterval, sweeper.DefaultClaimInterval)

	// init fiber app
	app := fiber.New(fiber.Config{
		AppName: "ClassPilot",
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// fiber metrics
	app.Get("/metrics", basicauth.New(basicauth.Config{
		Users: map[string]string{
			"admin": env.GetEnv("METRICS_PASSWORD", "test"),
		},
	}), monitor.New())

	// ROUTER
	server := apiv1.NewAPIServer(enrollmentSvc, ledger, refundSvc, billingSvc, waitlistMgr, sweeps)
	router.InstallRouter(app, server)

	return app, sweeps
}
