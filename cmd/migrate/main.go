package main

import (
	"database/sql"
	"flag"
	"log"

	"github.com/honeynil/LeadMarketService/internal/config"
	"github.com/honeynil/LeadMarketService/migrations"
	_ "github.com/lib/pq"
)

func main() {
	var command string
	var version int
	flag.StringVar(&command, "cmd", "up", "Command to run: up, down, force")
	flag.IntVar(&version, "v", -1, "Version for force command")
	flag.Parse()

	cfg := config.Load()

	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("Failed to open Postgres: %v", err)
	}
	defer db.Close()

	if err := migrations.Run(db, command, version); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	log.Printf("Migration %s done", command)
}
