package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"vaultguard.org/internal/cache"
	"vaultguard.org/internal/httpapi"
	"vaultguard.org/internal/obs"
	"vaultguard.org/internal/policy"
	"vaultguard.org/internal/rbac"
	"vaultguard.org/internal/scim"
	"vaultguard.org/internal/store/pg"
	"vaultguard.org/internal/vault"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	dsn := os.Getenv("VAULTGUARD_PG_DSN")
	if dsn == "" {
		log.Fatal("missing DSN: set VAULTGUARD_PG_DSN")
	}
	store, err := pg.Open(dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	rbacSvc, err := rbac.NewService(store, cache.NewMemory())
	if err != nil {
		log.Fatalf("rbac service: %v", err)
	}
	policySvc, err := policy.NewService(store, cache.NewMemory(), rbacSvc, rbacSvc,
		policy.WithDirectory(store))
	if err != nil {
		log.Fatalf("policy service: %v", err)
	}
	vaultSvc, err := vault.NewService(store, rbacSvc, store,
		vault.WithPolicyEvaluator(policySvc))
	if err != nil {
		log.Fatalf("vault service: %v", err)
	}
	scimSvc, err := scim.NewService(store, rbacSvc, store, rbacSvc,
		scim.WithMembershipGranter(vaultSvc))
	if err != nil {
		log.Fatalf("scim service: %v", err)
	}

	seedCtx, cancelSeed := context.WithTimeout(context.Background(), 30*time.Second)
	if err := rbacSvc.SeedSystemRoles(seedCtx); err != nil {
		cancelSeed()
		log.Fatalf("seed roles: %v", err)
	}
	cancelSeed()

	// Sweep stale approvals so expiry does not depend on read-time checks.
	sweeper := cron.New()
	if _, err := sweeper.AddFunc("@every 15m", func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		n, err := vaultSvc.ExpireStale(ctx)
		if err != nil {
			obs.Error("approval sweep failed", err, nil)
			return
		}
		if n > 0 {
			obs.Log(map[string]any{"type": "sweep", "expired_approvals": n})
		}
	}); err != nil {
		log.Fatalf("schedule sweep: %v", err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	api := httpapi.New(httpapi.Config{
		Ready:   httpapi.ReadyProbe{DB: store.DB()},
		Version: version,
		RBAC:    rbacSvc,
		Policy:  policySvc,
		Vault:   vaultSvc,
		SCIM:    scimSvc,
	})

	handler := httpapi.Logging(
		httpapi.RequestID(
			httpapi.SecurityHeaders(
				httpapi.CORS(
					httpapi.RateLimit(
						httpapi.MaxBodyBytes(api.Handler(), 1<<20),
						50, 25)))))

	addr := os.Getenv("VAULTGUARD_HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting vaultguard-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	log.Println("Stopped")
}
