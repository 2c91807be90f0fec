package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/makkenzo/keytier-api/internal/config"
	"github.com/makkenzo/keytier-api/internal/domain/credential"
	"github.com/makkenzo/keytier-api/internal/service"
	"github.com/makkenzo/keytier-api/internal/storage/postgres"
	"github.com/makkenzo/keytier-api/internal/util"
	"go.uber.org/zap"
)

// createapikey bootstraps an operator: it mints an operator token and,
// unless -token-only is set, issues a first API key straight into Postgres.
func main() {
	configPath := flag.String("config", "./configs/config.dev.yaml", "Path to configuration file")
	ownerFlag := flag.String("owner", "", "Owner id (a new one is generated when empty)")
	env := flag.String("env", string(credential.EnvironmentTest), "Key environment: test or live")
	description := flag.String("description", "Bootstrap key", "Key description")
	tokenTTL := flag.Duration("token-ttl", 24*time.Hour, "Operator token lifetime")
	tokenOnly := flag.Bool("token-only", false, "Only mint an operator token")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ownerID := uuid.New()
	if *ownerFlag != "" {
		ownerID, err = uuid.Parse(*ownerFlag)
		if err != nil {
			log.Fatalf("Invalid owner id %q: %v", *ownerFlag, err)
		}
	}

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	authService, err := service.NewAuthService(&cfg.Auth, logger)
	if err != nil {
		log.Fatalf("Failed to initialize auth service: %v", err)
	}
	token, err := authService.IssueToken(ownerID, *tokenTTL)
	if err != nil {
		log.Fatalf("Failed to issue operator token: %v", err)
	}

	fmt.Printf("Owner ID: %s\n", ownerID)
	fmt.Printf("Operator token (valid for %s):\n%s\n", *tokenTTL, token)
	if *tokenOnly {
		return
	}

	ctx := context.Background()
	pool, err := postgres.NewPgxPool(ctx, &cfg.Database, logger)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v\n", err)
	}
	defer pool.Close()

	hasher, err := util.NewHasher(cfg.Vault.Pepper)
	if err != nil {
		log.Fatalf("Invalid vault pepper: %v", err)
	}

	ledger := service.NewUsageLedger(postgres.NewUsageRepository(pool, logger), nil, cfg.Usage.IdempotencyWindow, logger)
	vault := service.NewKeyVault(postgres.NewCredentialRepository(pool, logger), postgres.NewTierRepository(pool, logger), ledger, hasher, service.VaultSettings{
		GracePeriod: cfg.Vault.GracePeriod,
		DefaultRateLimits: credential.RateLimits{
			PerHour:  cfg.Vault.DefaultPerHour,
			PerDay:   cfg.Vault.DefaultPerDay,
			PerMonth: cfg.Vault.DefaultPerMonth,
		},
	}, logger)

	raw, cred, err := vault.Generate(ctx, service.GenerateRequest{
		OwnerID:     ownerID,
		Environment: credential.Environment(*env),
		Description: *description,
	})
	if err != nil {
		log.Fatalf("Failed to generate API key: %v", err)
	}

	fmt.Printf("\nGenerated API Key (SAVE THIS securely!):\n%s\n\n", raw)
	fmt.Printf("Key ID: %s\n", cred.ID)
	fmt.Printf("Prefix: %s\n", cred.Prefix)
	fmt.Printf("Status: %s\n", cred.Status)
}
