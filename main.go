// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/petrel-chat/petrel/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
	identity = flag.String("id", "", "Local identity (used when creating a new config)")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("Petrel v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Error: a peer directory is required")
		fmt.Fprintln(os.Stderr, "Usage: petrel <peer-directory>")
		os.Exit(1)
	}

	runPeer(args[0])
}

func runPeer(dirArg string) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid peer directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("Cannot create peer directory: %v", err)
	}

	cfgPath := filepath.Join(absDir, "petrel.json")
	cfg, created, err := config.Ensure(cfgPath, *identity)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		fmt.Printf("Created new config at %s\n", cfgPath)
	}

	// Paths in the config are relative to the peer directory.
	if !filepath.IsAbs(cfg.History.DBFile) {
		cfg.History.DBFile = filepath.Join(absDir, cfg.History.DBFile)
	}
	if cfg.Crypto.KeyFile != "" && !filepath.IsAbs(cfg.Crypto.KeyFile) {
		cfg.Crypto.KeyFile = filepath.Join(absDir, cfg.Crypto.KeyFile)
	}
	if cfg.Direct.DownloadDir != "" && !filepath.IsAbs(cfg.Direct.DownloadDir) {
		cfg.Direct.DownloadDir = filepath.Join(absDir, cfg.Direct.DownloadDir)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	printBanner(absDir, cfgPath, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	app := NewApp(cfg)
	if err := app.Run(ctx); err != nil {
		log.Fatalf("Peer failed: %v", err)
	}
}

func showUsage() {
	fmt.Println("Petrel - peer-to-peer chat")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  petrel <directory>         Run a chat peer from the given directory")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -id <identity>  Identity to seed a newly created config with")
	fmt.Println("  -h              Show this help message")
	fmt.Println("  -version        Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  # First run, creating ./peers/alice/petrel.json")
	fmt.Println("  petrel -id alice ./peers/alice")
	fmt.Println()
	fmt.Println("  # Subsequent runs")
	fmt.Println("  petrel ./peers/alice")
}

func printBanner(peerDir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                     Petrel Peer                        ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Peer Directory: %s\n", peerDir)
	fmt.Printf("Config File:    %s\n", cfgPath)
	fmt.Printf("Identity:       %s\n", cfg.Identity.ID)
	fmt.Printf("Relay Backend:  %s\n", cfg.Relay.Backend)
	if cfg.Relay.Backend == config.BackendSocket {
		fmt.Printf("Socket URL:     %s\n", cfg.Relay.SocketURL)
	}
	if cfg.Direct.Enabled {
		fmt.Println("Direct:         enabled")
	}
	fmt.Println()
	fmt.Println("Starting peer... (Press Ctrl+C to stop, /help for commands)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
