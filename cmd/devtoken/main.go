// Command devtoken mints a bearer token for a user and registers it as the
// active session, standing in for the identity service on local setups.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/honeynil/ScanOrchestrator/internal/config"
	"github.com/honeynil/ScanOrchestrator/internal/infrastructure/auth"
	"github.com/honeynil/ScanOrchestrator/internal/infrastructure/redis"
	"github.com/honeynil/ScanOrchestrator/internal/models"
	core "github.com/honeynil/ScanOrchestrator/internal/repository/postgres"
	_ "github.com/lib/pq"
)

func main() {
	userID := flag.String("user", "", "user id to mint a token for")
	username := flag.String("name", "", "display name stored with the user")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()
	if *userID == "" {
		log.Fatal("-user is required")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	ctx := context.Background()

	token, err := auth.NewTokenService(cfg.JWTSecret).Generate(*userID, *ttl)
	if err != nil {
		log.Fatalf("Failed to sign token: %v", err)
	}

	redisClient, err := redis.NewClient(ctx, cfg.RedisAddr)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	if err := redisClient.Set(ctx, redis.SessionKey(*userID), token, *ttl); err != nil {
		log.Fatalf("Failed to store session: %v", err)
	}

	if cfg.StoreDriver == "postgres" {
		db, err := sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("Failed to connect to Postgres: %v", err)
		}
		defer db.Close()
		if err := core.Migrate(ctx, db); err != nil {
			log.Fatalf("Failed to migrate: %v", err)
		}
		if err := core.NewPostgresUserRepository(db).Upsert(ctx, &models.User{ID: *userID, Username: *username}); err != nil {
			log.Fatalf("Failed to register user: %v", err)
		}
	}

	fmt.Println(token)
}
