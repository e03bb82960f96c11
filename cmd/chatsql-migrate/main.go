package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"

	"github.com/chatsql/chatsql/internal/config"
	"github.com/chatsql/chatsql/internal/migrations"
)

func main() {
	direction := flag.String("direction", "up", "migration direction: up|down|status")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.LoadFromEnv("chatsql-migrate")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	if cfg.DataAccess.Backend != config.BackendPostgres {
		fmt.Fprintf(os.Stderr, "schema triggers require the postgres backend, got %q\n", cfg.DataAccess.Backend)
		os.Exit(1)
	}
	if cfg.DataAccess.DSN == "" {
		fmt.Fprintln(os.Stderr, "CHATSQL_DATA_DSN is required")
		os.Exit(1)
	}

	db, err := sql.Open("pgx", cfg.DataAccess.DSN)
	if err != nil {
		fmt.Fprintf(os.Stderr, "database open error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "database ping error: %v\n", err)
		os.Exit(1)
	}

	switch *direction {
	case "up":
		if err := migrations.Install(ctx, db); err != nil {
			fmt.Fprintf(os.Stderr, "install failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("schema triggers installed")
	case "down":
		if err := migrations.Remove(ctx, db); err != nil {
			fmt.Fprintf(os.Stderr, "remove failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("schema triggers removed")
	case "status":
		installed, err := migrations.Installed(ctx, db)
		if err != nil {
			fmt.Fprintf(os.Stderr, "status failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("schema triggers installed: %t\n", installed)
	default:
		fmt.Fprintf(os.Stderr, "invalid direction: %s\n", *direction)
		os.Exit(1)
	}
}
