package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"aegisgate.org/internal/admin"
	"aegisgate.org/internal/approval"
	"aegisgate.org/internal/audit"
	"aegisgate.org/internal/challenge"
	"aegisgate.org/internal/httpapi"
	"aegisgate.org/internal/login"
	"aegisgate.org/internal/obs"
	"aegisgate.org/internal/policy"
	"aegisgate.org/internal/registration"
	"aegisgate.org/internal/risk"
	"aegisgate.org/internal/stream"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	dsn := os.Getenv("AEGIS_PG_DSN")
	if dsn == "" {
		log.Fatal("AEGIS_PG_DSN is required")
	}
	authSecret := os.Getenv("AEGIS_AUTH_SECRET")
	if authSecret == "" {
		log.Fatal("AEGIS_AUTH_SECRET is required")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	riskCfg := risk.DefaultConfig()
	if raw := os.Getenv("AEGIS_TRUSTED_PREFIXES"); raw != "" {
		var prefixes []string
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				prefixes = append(prefixes, p)
			}
		}
		riskCfg.TrustedPrefixes = prefixes
	}

	adminSvc := admin.NewService(admin.NewPGStore(db),
		admin.WithPepper(os.Getenv("AEGIS_PASSWORD_PEPPER")))
	tokens, err := admin.NewTokenIssuer(authSecret)
	if err != nil {
		log.Fatalf("token issuer: %v", err)
	}

	riskEngine := risk.NewEngine(riskCfg)
	policyEngine := policy.NewEngine(policy.NewPGStore(db))

	events := stream.New()
	trail := audit.NewRecorder(audit.NewPGStore(db), audit.WithPublisher(events))

	challenges := challenge.NewManager(challenge.NewPGStore(db), admin.NewPGStore(db))
	verifier := approval.NewVerifier(approval.NewPGStore(db))

	flow := login.NewFlow(adminSvc, tokens, riskEngine, policyEngine, challenges, trail, nil)
	workflow := registration.NewWorkflow(registration.NewPGStore(db),
		adminSvc, verifier, policyEngine, riskEngine, trail)

	bootstrapAdmin(adminSvc)

	// sweep expired challenges in the background
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(sweepCtx, 10*time.Second)
				if n, err := challenges.ExpireStale(ctx); err != nil {
					log.Printf("challenge sweep: %v", err)
				} else if n > 0 {
					log.Printf("challenge sweep: expired %d", n)
				}
				cancel()
			}
		}
	}()

	api := httpapi.New(httpapi.Config{
		Version:       version,
		ReadyProbe:    httpapi.ReadyProbe{DB: db},
		Admins:        adminSvc,
		Tokens:        tokens,
		Logins:        flow,
		Challenges:    challenges,
		Verifier:      verifier,
		Registrations: workflow,
		Trail:         trail,
		Events:        events,
	})

	addr := os.Getenv("AEGIS_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      0, // SSE stream must be able to outlive a fixed write window
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting aegis-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	stopSweep()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	_ = db.Close()
	log.Println("Stopped")
}

// bootstrapAdmin creates the default admin when enabled and none exists.
func bootstrapAdmin(adminSvc *admin.Service) {
	if os.Getenv("AEGIS_BOOTSTRAP_ADMIN") != "true" {
		return
	}
	username := os.Getenv("AEGIS_BOOTSTRAP_USERNAME")
	if username == "" {
		username = "admin"
	}
	password := os.Getenv("AEGIS_BOOTSTRAP_PASSWORD")
	if password == "" {
		password = "change-me-now"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	created, err := adminSvc.EnsureDefault(ctx, username, password)
	if err != nil {
		log.Fatalf("bootstrap admin: %v", err)
	}
	if created {
		log.Printf("WARNING: bootstrap admin %q created, rotate its password immediately", username)
	}
}
