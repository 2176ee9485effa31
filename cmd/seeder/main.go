// Seeder applies the schema and creates a few development users. Each run
// prints the generated API keys; they are shown once and stored only as
// hashes.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/arcanahq/turnstile/internal/auth"
	"github.com/arcanahq/turnstile/internal/ledger"
)

func main() {
	_ = godotenv.Load()

	postgresURL := os.Getenv("POSTGRES_URL")
	if postgresURL == "" {
		log.Fatal("POSTGRES_URL not found")
	}

	db, err := sql.Open("postgres", postgresURL)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatal("Ping failed:", err)
	}
	fmt.Println("Connected to DB")

	// 1. Run migrations
	fmt.Println("Running migrations...")
	migrationFile, err := os.ReadFile("migrations/001_initial_schema.up.sql")
	if err != nil {
		// Try relative path if running from cmd/seeder
		migrationFile, err = os.ReadFile("../../migrations/001_initial_schema.up.sql")
		if err != nil {
			log.Fatal("Could not find migration file:", err)
		}
	}

	// Exec the whole migration file at once. lib/pq supports multiple
	// statements in Exec.
	if _, err := db.Exec(string(migrationFile)); err != nil {
		log.Printf("Migration warning (might be already applied): %v\n", err)
	} else {
		fmt.Println("Migrations applied successfully")
	}

	// 2. Seed users
	fmt.Println("Seeding users...")
	led := ledger.New(db, ledger.Config{}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	seekerKey := seedUser(ctx, led, "seeker")

	premiumKey := seedUser(ctx, led, "oracle")
	if premiumKey != "" {
		if u, err := led.GetByHandle(ctx, "oracle"); err == nil {
			if err := led.SetSpecializedPremium(ctx, u.ID, true); err != nil {
				log.Printf("could not mark oracle premium: %v\n", err)
			}
		}
	}

	adminKey := seedUser(ctx, led, "keeper")
	if adminKey != "" {
		if _, err := db.ExecContext(ctx,
			`UPDATE users SET is_admin = TRUE WHERE handle = 'keeper'`); err != nil {
			log.Printf("could not mark keeper admin: %v\n", err)
		}
	}

	fmt.Println("Seeding complete")
	fmt.Println()
	fmt.Println("API keys (shown once):")
	printKey("seeker (normal) ", seekerKey)
	printKey("oracle (premium)", premiumKey)
	printKey("keeper (admin)  ", adminKey)
}

// seedUser creates a user and returns its API key, or "" when the handle
// already exists from a previous run.
func seedUser(ctx context.Context, led *ledger.Ledger, handle string) string {
	key, err := auth.GenerateAPIKey()
	if err != nil {
		log.Fatal("failed to generate api key:", err)
	}

	if _, err := led.Create(ctx, handle, auth.HashSecret(key)); err != nil {
		log.Printf("user %s not created (might already exist): %v\n", handle, err)
		return ""
	}
	fmt.Printf("created user %s\n", handle)
	return key
}

func printKey(label, key string) {
	if key == "" {
		fmt.Printf("  %s: (unchanged, user already existed)\n", label)
		return
	}
	fmt.Printf("  %s: %s\n", label, key)
}
