package main

import (
	"context"
	"log"
	"net/http"
	"net/smtp"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	api "github.com/examstack/exambridge/internal/api/http"
	"github.com/examstack/exambridge/internal/artifact"
	"github.com/examstack/exambridge/internal/audit"
	"github.com/examstack/exambridge/internal/auth"
	"github.com/examstack/exambridge/internal/config"
	"github.com/examstack/exambridge/internal/db"
	"github.com/examstack/exambridge/internal/extract"
	"github.com/examstack/exambridge/internal/mapping"
	"github.com/examstack/exambridge/internal/moodle"
	"github.com/examstack/exambridge/internal/notify"
	"github.com/examstack/exambridge/internal/storage"
	"github.com/examstack/exambridge/internal/submit"
)

func main() {
	cfg := config.FromEnv()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	// --- DB ---
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	dbh, driver, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db open failed: %v", err)
	}
	if err := db.Migrate(ctx, dbh, driver); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	cancel()

	// --- Stores and services ---
	files, err := storage.New(cfg.UploadDir)
	if err != nil {
		log.Fatalf("upload dir: %v", err)
	}
	artifacts := artifact.NewRepo(dbh, string(driver))
	mappings := &mapping.Store{DB: dbh}
	auditStore := &audit.Store{DB: dbh}
	queue := &submit.Queue{DB: dbh}

	sealer, err := auth.NewTokenSealer(cfg.EncryptionKey)
	if err != nil {
		log.Fatalf("encryption key: %v", err)
	}
	lms := moodle.New(cfg.MoodleBaseURL, cfg.MoodleService)
	staffSvc := auth.NewStaffService(dbh, cfg.SecretKey, time.Duration(cfg.AccessTokenExpireMinutes)*time.Minute)
	sessions := auth.NewSessionService(dbh, lms, sealer, time.Duration(cfg.SessionExpireHours)*time.Hour)
	extractor := extract.New(cfg.HFSpaceURL)

	orch := &submit.Orchestrator{
		Artifacts: artifacts,
		LMS:       lms,
		Files:     files,
		Mappings:  mappings,
		Sessions:  sessions,
		Retries:   queue,
		Notifier:  buildNotifier(cfg),
		Audit:     auditStore,
		Logger:    log.Default(),
	}

	// --- Retry worker ---
	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()
	worker := &submit.Worker{
		Queue:        queue,
		Orchestrator: orch,
		Artifacts:    artifacts,
		Sessions:     sessions,
		Logger:       log.Default(),
	}
	go worker.Run(workerCtx)

	// --- Router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Session-Id"},
		ExposedHeaders:   []string{"Content-Length", "Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(api.AuditFailures(auditStore))

	uploads := &api.Uploads{
		Artifacts: artifacts,
		Files:     files,
		Extractor: extractor,
		MaxBytes:  cfg.MaxFileSizeBytes(),
	}
	student := &api.Student{
		Artifacts:    artifacts,
		Files:        files,
		Mappings:     mappings,
		Orchestrator: orch,
	}
	admin := &api.Admin{
		Artifacts: artifacts,
		Mappings:  mappings,
		Audit:     auditStore,
		LMS:       lms,
		LMSToken:  cfg.MoodleAdminToken,
	}

	r.Post("/auth/staff/login", api.StaffLoginHandler(staffSvc, auditStore))
	r.Post("/auth/student/login", api.StudentLoginHandler(sessions, auditStore))

	// Staff surface
	r.Group(func(pr chi.Router) {
		pr.Use(auth.RequireStaff(staffSvc, api.AuthError))

		pr.Get("/auth/staff/me", api.StaffMeHandler(staffSvc))

		pr.Post("/upload/single", api.UploadHandler(uploads))
		pr.Post("/upload/bulk", api.BulkUploadHandler(uploads))
		pr.Get("/upload/all", api.ListUploadsHandler(uploads))
		pr.Get("/upload/auto-processed", api.ListAutoProcessedHandler(uploads))
		pr.Get("/upload/unassigned", api.ListUnassignedHandler(uploads))
		pr.Get("/upload/stats", api.UploadStatsHandler(uploads))

		pr.Post("/extract/scan-upload", api.ScanUploadHandler(uploads))
		pr.Get("/extract/health", api.ExtractHealthHandler(extractor))

		// Admin-only
		pr.Group(func(ar chi.Router) {
			ar.Use(auth.RequireAdmin(api.AuthError))

			ar.Get("/admin/mappings", api.ListMappingsHandler(admin))
			ar.Post("/admin/mappings", api.UpsertMappingHandler(admin))
			ar.Delete("/admin/mappings/{id}", api.DeleteMappingHandler(admin))

			ar.Get("/admin/usermap", api.ListUserMapHandler(admin))
			ar.Post("/admin/usermap", api.ImportUserMapHandler(admin))

			ar.Get("/admin/audit", api.AuditListHandler(admin))
			ar.Get("/admin/artifacts/{uuid}", api.ArtifactDetailHandler(admin))
			ar.Patch("/admin/artifacts/{uuid}", api.UpdateArtifactHandler(admin))
			ar.Delete("/admin/artifacts/{uuid}", api.DeleteArtifactHandler(admin))
			ar.Post("/admin/purge-all", api.PurgeAllHandler(admin))

			ar.Get("/admin/users/lookup", api.LookupUserHandler(admin))
		})
	})

	// Student surface
	r.Group(func(sr chi.Router) {
		sr.Use(auth.RequireStudent(sessions, api.AuthError))

		sr.Post("/auth/student/logout", api.StudentLogoutHandler(sessions, auditStore))
		sr.Get("/student/dashboard", api.DashboardHandler(student))
		sr.Get("/student/paper/{uuid}/view", api.PaperHandler(student))
		sr.Post("/student/submit/{uuid}", api.SubmitPaperHandler(student))
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := dbh.PingContext(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(200)
	})

	log.Printf("exambridge listening on %s (db driver %s)", cfg.HTTPAddr, driver)
	if err := http.ListenAndServe(cfg.HTTPAddr, r); err != nil {
		log.Fatal(err)
	}
}

// buildNotifier picks the alert transport: SendGrid, then SMTP, then the
// process log.
func buildNotifier(cfg config.Config) notify.Notifier {
	if cfg.SendGridAPIKey != "" && len(cfg.EmailTo) > 0 {
		return &notify.SendGridNotifier{
			APIKey: cfg.SendGridAPIKey,
			From:   cfg.EmailFrom,
			To:     cfg.EmailTo,
		}
	}
	if cfg.SMTPHost != "" && len(cfg.EmailTo) > 0 {
		var a smtp.Auth
		if cfg.SMTPUser != "" {
			a = smtp.PlainAuth("", cfg.SMTPUser, cfg.SMTPPass, cfg.SMTPHost)
		}
		return &notify.SMTPNotifier{
			Addr: cfg.SMTPHost + ":" + strconv.Itoa(cfg.SMTPPort),
			From: cfg.EmailFrom,
			To:   cfg.EmailTo,
			Auth: a,
		}
	}
	return &notify.LogNotifier{Logger: log.Default()}
}
