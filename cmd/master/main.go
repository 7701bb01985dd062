package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"golang.org/x/crypto/bcrypt"

	"github.com/wpbackup/fleet/internal/config"
	"github.com/wpbackup/fleet/internal/database"
	"github.com/wpbackup/fleet/internal/handlers"
	"github.com/wpbackup/fleet/internal/middleware"
	"github.com/wpbackup/fleet/internal/models"
	"github.com/wpbackup/fleet/internal/objectstore"
	"github.com/wpbackup/fleet/internal/progressstore"
	"github.com/wpbackup/fleet/internal/quota"
	"github.com/wpbackup/fleet/internal/reconcile"
	"github.com/wpbackup/fleet/internal/scheduler"
	"github.com/wpbackup/fleet/internal/seal"
)

func main() {
	cfg := config.Load()

	if err := database.Connect(cfg); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	if err := models.AutoMigrate(database.DB); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	seedSuperAdmin()

	database.EnsureJWTSecret(cfg)
	generations := database.EnsureMasterKeyGenerations(cfg)
	keyring, err := seal.NewKeyring(generations...)
	if err != nil {
		log.Fatalf("Failed to initialize credential keyring: %v", err)
	}
	multi := objectstore.NewMulti(keyring)

	reconcileWorker := reconcile.NewWorker(multi, 1*time.Hour)
	reconcileWorker.Start()

	deletionWorker := quota.NewDeletionWorker(multi, 10*time.Minute)
	deletionWorker.Start()

	sched := scheduler.New()
	sched.Start()

	progressstore.Default().RecoverAbandoned(15 * time.Minute)

	app := fiber.New(fiber.Config{
		AppName:      "wpbackup-master v1.0",
		ServerHeader: "wpbackup-master",
		BodyLimit:    10 * 1024 * 1024,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"success": false,
				"message": err.Error(),
			})
		},
	})

	app.Use(recover.New())
	app.Use(compress.New())
	app.Use(middleware.Logger())
	app.Use(middleware.CORS())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "healthy", "service": "wpbackup-master"})
	})

	authHandler := handlers.NewAuthHandler(cfg)
	twoFAHandler := handlers.NewTwoFAHandler(cfg)
	siteHandler := handlers.NewSiteHandler()
	nodeHandler := handlers.NewNodeHandler(keyring)
	storageHandler := handlers.NewStorageHandler(keyring, multi)
	activityHandler := handlers.NewActivityHandler()
	userHandler := handlers.NewUserHandler()
	progressHandler := handlers.NewProgressHandler()
	nodeBackupHandler := handlers.NewNodeBackupHandler(keyring)

	api := app.Group("/api")
	api.Use(middleware.RateLimiter(100, 1*time.Minute))

	// Public routes: login and node enrollment (spec §4.2, §6.1)
	api.Post("/auth/login", authHandler.Login)
	api.Post("/nodes/join-request", nodeHandler.JoinRequest)
	api.Get("/nodes/status/code/:code", nodeHandler.StatusByCode)

	// mfa_pending-scoped: second factor redemption (spec §6.1)
	api.Post("/auth/2fa/verify", middleware.MFAPendingRequired(), twoFAHandler.VerifyLogin)

	// Node-auth-only: a Node fetching its storage credentials, running
	// pre-flight quota checks, and reporting job progress/results (spec §4.1,
	// §4.4, §4.5).
	api.Get("/nodes/storage-config", middleware.NodeAuthRequired(), nodeHandler.StorageConfig)
	nodeAPI := api.Group("", middleware.NodeAuthRequired())
	nodeAPI.Get("/sites/:externalID/quota/check", nodeBackupHandler.QuotaCheck)
	nodeAPI.Get("/sites/:externalID/storage-credentials", nodeBackupHandler.StorageCredentials)
	nodeAPI.Get("/nodes/due-sites", nodeBackupHandler.DueSites)
	nodeAPI.Post("/sites/:externalID/backup/claim", nodeBackupHandler.ClaimJob)
	nodeAPI.Get("/sites/:externalID/backup/cancel-check", nodeBackupHandler.CancelCheck)
	nodeAPI.Post("/backups/progress", nodeBackupHandler.ReportProgress)
	nodeAPI.Post("/backups/report", nodeBackupHandler.ReportResult)

	// Protected routes: full-scoped bearer token required
	protected := api.Group("", middleware.AuthRequired(cfg), middleware.AuditLogger())

	protected.Post("/auth/logout", authHandler.Logout)
	protected.Get("/auth/me", authHandler.Me)
	protected.Post("/auth/refresh", authHandler.RefreshToken)
	protected.Put("/auth/password", authHandler.ChangePassword)

	protected.Get("/auth/2fa/status", twoFAHandler.Status)
	protected.Post("/auth/2fa/setup", twoFAHandler.Setup)
	protected.Post("/auth/2fa/confirm", twoFAHandler.Confirm)
	protected.Post("/auth/2fa/disable", twoFAHandler.Disable)

	// Entities are addressed by their opaque external id, never the raw
	// auto-increment primary key, so a path cannot be walked by enumeration
	// (spec §3).
	sites := protected.Group("/sites")
	sites.Get("/", siteHandler.List)
	sites.Get("/:externalID", siteHandler.Get)
	sites.Post("/", siteHandler.Create)
	sites.Put("/:externalID", siteHandler.Update)
	sites.Delete("/:externalID", middleware.SuperAdminOnly(), siteHandler.Delete)
	sites.Post("/:externalID/backup/start", siteHandler.StartBackup)
	sites.Post("/:externalID/backup/stop", siteHandler.StopBackup)
	sites.Get("/:externalID/backup/status", siteHandler.BackupStatus)
	sites.Post("/:externalID/backup/reset", siteHandler.ResetStuck)
	sites.Get("/:externalID/quota", siteHandler.QuotaCheck)
	sites.Put("/:externalID/quota", middleware.SuperAdminOnly(), siteHandler.SetQuota)

	// Registered directly on api, not protected, since a browser EventSource
	// cannot set an Authorization header: SSEAuthRequired accepts the same
	// full-scoped bearer token via ?token= as well as the header (spec §6.3).
	api.Get("/sites/:externalID/progress/stream", middleware.SSEAuthRequired(cfg), progressHandler.Stream)

	nodes := protected.Group("/nodes")
	nodes.Get("/", nodeHandler.List)
	nodes.Get("/:externalID", nodeHandler.Get)
	nodes.Post("/:externalID/approve", middleware.SuperAdminOnly(), nodeHandler.Approve)
	nodes.Put("/:externalID/status", middleware.SuperAdminOnly(), nodeHandler.SetStatus)
	nodes.Put("/:externalID/quota", middleware.SuperAdminOnly(), nodeHandler.SetQuota)

	storage := protected.Group("/storage-providers", middleware.SuperAdminOnly())
	storage.Get("/", storageHandler.List)
	storage.Post("/", storageHandler.Create)
	storage.Delete("/:externalID", storageHandler.Delete)
	storage.Post("/reconcile", storageHandler.Reconcile)

	activityGroup := protected.Group("/activity")
	activityGroup.Get("/", activityHandler.List)

	users := protected.Group("/users", middleware.SuperAdminOnly())
	users.Get("/", userHandler.List)
	users.Post("/", userHandler.Create)
	users.Put("/:externalID", userHandler.Update)
	users.Delete("/:externalID", userHandler.Delete)
	users.Post("/:externalID/reset-password", userHandler.ResetPassword)
	users.Post("/assignments/nodes", userHandler.AssignNode)
	users.Delete("/assignments/nodes/:userExternalID/:nodeExternalID", userHandler.UnassignNode)
	users.Post("/assignments/sites", userHandler.AssignSite)
	users.Delete("/assignments/sites/:userExternalID/:siteExternalID", userHandler.UnassignSite)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down master server...")
		reconcileWorker.Stop()
		deletionWorker.Stop()
		sched.Stop()
		app.Shutdown()
	}()

	addr := fmt.Sprintf(":%d", cfg.APIPort)
	log.Printf("Starting wpbackup master server on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// seedSuperAdmin creates the initial super_admin account on a fresh
// install, grounded on the teacher's seedAdminUser (cmd/api/main.go).
func seedSuperAdmin() {
	var count int64
	database.DB.Model(&models.User{}).Where("role = ?", models.RoleSuperAdmin).Count(&count)
	if count > 0 {
		return
	}

	log.Println("Creating default super_admin user...")
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte("changeme123"), bcrypt.DefaultCost)
	if err != nil {
		log.Printf("Failed to hash default super_admin password: %v", err)
		return
	}

	admin := models.User{
		Username:            "admin",
		Password:            string(hashedPassword),
		Email:               "admin@wpbackup.local",
		FullName:            "System Administrator",
		Role:                models.RoleSuperAdmin,
		IsActive:            true,
		ForcePasswordChange: true,
	}
	if err := database.DB.Create(&admin).Error; err != nil {
		log.Printf("Failed to create super_admin user: %v", err)
		return
	}
	log.Println("Default super_admin created (username: admin, password: changeme123) - change this immediately")
}
