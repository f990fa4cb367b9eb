package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/aeolun/pairchat/pkg/database"
	"github.com/aeolun/pairchat/pkg/server"
	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/joho/godotenv"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Command-line flags
	configPath := flag.String("config", "~/.pairchat/config.toml", "Path to config file")
	debug := flag.Bool("debug", false, "Enable debug logging to debug.log")
	addUser := flag.String("add-user", "", "Create a user with this display name, print its id and a token, then exit")
	flag.Parse()

	// .env is optional; real environment variables win
	_ = godotenv.Load()

	config, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := config.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	dbPath, err := config.GetDatabasePath()
	if err != nil {
		log.Fatalf("Failed to resolve database path: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		log.Fatalf("Failed to create database directory: %v", err)
	}

	db, err := database.Open(dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}

	serverConfig := config.ToServerConfig()

	if *addUser != "" {
		os.Exit(runAddUser(db, serverConfig, *addUser))
	}

	if err := server.InitLoggers(serverConfig.LogDir); err != nil {
		log.Fatalf("Failed to initialize loggers: %v", err)
	}
	if *debug {
		server.EnableDebugLogging(serverConfig.LogDir)
	}

	log.Printf("Using database %s", dbPath)

	srv := server.NewServer(db, serverConfig)
	if err := srv.Start(context.Background()); err != nil {
		db.Close()
		log.Fatalf("Failed to start server: %v", err)
	}

	log.Println("=== Server Started ===")
	log.Printf("Chat:    ws://localhost:%d/ws/chat/{user_id}", serverConfig.HTTPPort)
	log.Printf("History: http://localhost:%d/api/conversations/{user_id}/messages", serverConfig.HTTPPort)
	log.Println("Press Ctrl+C to shutdown")

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		shutdownTimeout,
		map[string]gfshutdown.Operation{
			"pairchat": func(ctx context.Context) error {
				// Connections are released (users marked offline) before the
				// database goes away
				if err := srv.Stop(ctx); err != nil {
					log.Printf("Server stop: %v", err)
				}
				return db.Close()
			},
		},
	)

	exitCode := <-wait
	log.Printf("Server exited with code: %d", exitCode)
	os.Exit(exitCode)
}

// runAddUser creates a user and prints a token for it
func runAddUser(db *database.DB, config server.ServerConfig, displayName string) int {
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), config.StoreTimeout)
	defer cancel()

	userID, err := db.CreateUser(ctx, displayName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create user: %v\n", err)
		return 1
	}

	auth := server.NewAuthenticator(config.JWTSecret, config.TokenIssuer, config.TokenTTL, db)
	token, err := auth.IssueToken(userID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to issue token: %v\n", err)
		return 1
	}

	fmt.Printf("user_id: %d\n", userID)
	fmt.Printf("token:   %s\n", token)
	return 0
}
