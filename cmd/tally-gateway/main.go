// ABOUTME: Entry point for tally-gateway, the multi-tenant bot session server
// ABOUTME: Subcommands serve the gateway, write config, mint tokens and manage tenants

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/tally-gateway/internal/auth"
	"github.com/2389/tally-gateway/internal/config"
	"github.com/2389/tally-gateway/internal/gateway"
	"github.com/2389/tally-gateway/internal/store"
	"github.com/2389/tally-gateway/internal/tenant"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  _        _ _                      _
 | |_ __ _| | |_  _ ___ __ _ __ _| |_ _____ __ ____ _ _  _
 |  _/ _' | | | || |___/ _' / _' |  _/ -_) V  V / _' | || |
  \__\__,_|_|_|\_, |   \__, \__,_|\__\___|\_/\_/\__,_|\_, |
               |__/    |___/                         |__/
`

const usage = `Usage: tally-gateway <command>

Commands:
  serve                          Start the gateway server
  init                           Create a new config file interactively
  token [--tenant ID] [--ttl D]  Mint a management API token
  tenant set ID --bot-token T    Store a tenant's bot credential
  tenant list                    List tenants with a bot configured
  health                         Check gateway health
  stats                          Show session status for every tenant
`

// getDataPath returns the path to the tally data directory.
// Priority: XDG_DATA_HOME/tally > ~/.local/share/tally
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "tally")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Print(usage)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "token":
		err = runToken(os.Args[2:])
	case "tenant":
		err = runTenant(ctx, os.Args[2:])
	case "health":
		err = runHealth(ctx)
	case "stats":
		err = runStats(ctx)
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, string, error) {
	configPath := config.DefaultPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, configPath, fmt.Errorf("loading config: %w", err)
	}
	return cfg, configPath, nil
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("State:     %s\n", cfg.State.Backend)
	if !cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	}
	if cfg.Server.PublicURL != "" {
		green.Print("    ▶ ")
		fmt.Printf("Webhooks:  %s/webhook/{tenant}\n", strings.TrimRight(cfg.Server.PublicURL, "/"))
	}
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if cfg.Auth.JWTSecret == "" {
		yellow.Println("    ! management API is unauthenticated (auth.jwt_secret not set)")
	}
	fmt.Println()

	logger.Info("starting tally-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"state_backend", cfg.State.Backend,
	)

	gw, err := gateway.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(ctx)
}

// runToken mints a JWT for the management API. Without --tenant the token is
// an operator token valid for every tenant.
func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	scope := fs.String("tenant", "", "Scope the token to one tenant")
	subject := fs.String("subject", "cli", "Token subject")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "Token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var t tenant.ID
	if *scope != "" {
		var err error
		if t, err = tenant.ParseID(*scope); err != nil {
			return err
		}
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not configured")
	}
	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(*subject, t, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Println(token)
	return nil
}

func runTenant(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: tally-gateway tenant <set|list>")
	}
	switch args[0] {
	case "set":
		return runTenantSet(ctx, args[1:])
	case "list":
		return runTenantList(ctx)
	default:
		return fmt.Errorf("unknown tenant command: %s", args[0])
	}
}

func openStore() (*store.SQLiteStore, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	sealer, err := store.NewSealer(cfg.Database.EncryptionKey)
	if err != nil {
		return nil, err
	}
	s, err := store.NewSQLiteStore(cfg.Database.Path, sealer)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return s, nil
}

// runTenantSet writes a credential straight into the database. A running
// gateway picks it up on the tenant's next activation.
func runTenantSet(ctx context.Context, args []string) error {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return errors.New("usage: tally-gateway tenant set ID --bot-token TOKEN [--mode polling|webhook]")
	}
	id, err := tenant.ParseID(args[0])
	if err != nil {
		return err
	}

	fs := flag.NewFlagSet("tenant set", flag.ContinueOnError)
	botToken := fs.String("bot-token", os.Getenv("TALLY_BOT_TOKEN"), "Bot API token")
	modeFlag := fs.String("mode", "polling", "Dispatch mode: polling or webhook")
	secret := fs.String("webhook-secret", "", "Secret the platform echoes on webhook deliveries")
	aiKey := fs.String("ai-key", "", "API key for receipt extraction")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if *botToken == "" {
		return errors.New("--bot-token (or TALLY_BOT_TOKEN) is required")
	}
	mode, err := tenant.ParseDispatchMode(*modeFlag)
	if err != nil {
		return err
	}

	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	cred := tenant.Credential{
		TenantID:      id,
		BotToken:      *botToken,
		Mode:          mode,
		WebhookSecret: *secret,
		AIKey:         *aiKey,
	}
	if err := s.PutCredential(ctx, cred); err != nil {
		return fmt.Errorf("saving credential: %w", err)
	}

	red := cred.Redacted()
	green := color.New(color.FgGreen)
	green.Printf("  ✓ Saved credential for %s\n", id)
	fmt.Printf("    token: %s  mode: %s\n", red.BotToken, red.Mode)
	fmt.Printf("\n  Activate with: POST /sessions/%s/activate\n", id)
	return nil
}

func runTenantList(ctx context.Context) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	ids, err := s.ListTenants(ctx)
	if err != nil {
		return fmt.Errorf("listing tenants: %w", err)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TENANT\tMODE\tTOKEN")
	for _, id := range ids {
		cred, err := s.GetCredential(ctx, id)
		if err != nil {
			fmt.Fprintf(w, "%s\t?\t%v\n", id, err)
			continue
		}
		red := cred.Redacted()
		fmt.Fprintf(w, "%s\t%s\t%s\n", id, red.Mode, red.BotToken)
	}
	return w.Flush()
}

// gatewayURL is where the CLI reaches a running gateway.
// Priority: TALLY_GATEWAY_URL > server.public_url (tailscale) > server.http_addr
func gatewayURL(cfg *config.Config) string {
	if u := os.Getenv("TALLY_GATEWAY_URL"); u != "" {
		return strings.TrimRight(u, "/")
	}
	if cfg.Tailscale.Enabled && cfg.Server.PublicURL != "" {
		return strings.TrimRight(cfg.Server.PublicURL, "/")
	}
	return "http://" + cfg.Server.HTTPAddr
}

func runHealth(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	body, status, err := get(ctx, gatewayURL(cfg)+"/health/ready", "")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", status, body)
	}
	fmt.Println("healthy:", string(body))
	return nil
}

func runStats(ctx context.Context) error {
	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	token := os.Getenv("TALLY_TOKEN")
	if token == "" {
		if data, err := os.ReadFile(filepath.Join(filepath.Dir(configPath), "token")); err == nil {
			token = strings.TrimSpace(string(data))
		}
	}

	body, status, err := get(ctx, gatewayURL(cfg)+"/sessions/stats", token)
	if err != nil {
		return fmt.Errorf("fetching stats: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("fetching stats: status %d: %s", status, body)
	}

	var stats gateway.StatsResponse
	if err := json.Unmarshal(body, &stats); err != nil {
		return fmt.Errorf("decoding stats: %w", err)
	}

	fmt.Printf("%d sessions (%d active, %d degraded, %d stopped), up %s\n\n",
		stats.Total, stats.Active, stats.Degraded, stats.Stopped, stats.Uptime)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TENANT\tSTATUS\tMODE\tRESTARTS\tLAST ACTIVITY")
	for _, s := range stats.Sessions {
		last := "-"
		if !s.LastActivity.IsZero() {
			last = time.Since(s.LastActivity).Round(time.Second).String() + " ago"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", s.TenantID, s.Status, s.Mode, s.RestartCount, last)
	}
	return w.Flush()
}

func get(ctx context.Context, url, token string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("creating request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("reading response: %w", err)
	}
	return body, resp.StatusCode, nil
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("tally-gateway configuration setup")
	fmt.Println("=================================")
	fmt.Println()

	outputFile := prompt(reader, "Config file path", config.DefaultPath())
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !isYes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "localhost:8080")
	publicURL := prompt(reader, "Public HTTPS URL for webhooks (leave empty for polling only)", "")

	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", filepath.Join(getDataPath(), "gateway.db"))

	fmt.Println("\n--- Conversation State ---")
	backend := prompt(reader, "State backend (memory/redis)", config.StateMemory)
	var redisAddr string
	if backend == config.StateRedis {
		redisAddr = prompt(reader, "Redis address", "localhost:6379")
	}

	fmt.Println("\n--- Receipt Extraction ---")
	extraction := isYes(prompt(reader, "Enable receipt extraction?", "no"))

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	jwtSecret, err := randomSecret()
	if err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}
	encKey, err := randomSecret()
	if err != nil {
		return fmt.Errorf("generating encryption key: %w", err)
	}

	var cfg strings.Builder
	cfg.WriteString("# tally-gateway configuration\n")
	cfg.WriteString("# Generated by tally-gateway init\n\n")

	cfg.WriteString("server:\n")
	fmt.Fprintf(&cfg, "  http_addr: %q\n", httpAddr)
	if publicURL != "" {
		fmt.Fprintf(&cfg, "  public_url: %q\n", publicURL)
	}
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	fmt.Fprintf(&cfg, "  path: %q\n", dbPath)
	fmt.Fprintf(&cfg, "  encryption_key: %q\n", encKey)
	cfg.WriteString("\n")

	cfg.WriteString("auth:\n")
	fmt.Fprintf(&cfg, "  jwt_secret: %q\n", jwtSecret)
	cfg.WriteString("\n")

	cfg.WriteString("state:\n")
	fmt.Fprintf(&cfg, "  backend: %q\n", backend)
	if redisAddr != "" {
		cfg.WriteString("  redis:\n")
		fmt.Fprintf(&cfg, "    addr: %q\n", redisAddr)
	}
	cfg.WriteString("  ttl: \"10m\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("sessions:\n")
	cfg.WriteString("  completion_timeout: \"10s\"\n")
	cfg.WriteString("  restart_base: \"1s\"\n")
	cfg.WriteString("  restart_cap: \"5m\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("extraction:\n")
	fmt.Fprintf(&cfg, "  enabled: %t\n", extraction)
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	fmt.Fprintf(&cfg, "  level: %q\n", logLevel)
	fmt.Fprintf(&cfg, "  format: %q\n", logFormat)
	cfg.WriteString("\n")

	cfg.WriteString("metrics:\n")
	cfg.WriteString("  enabled: true\n")
	cfg.WriteString("  path: \"/metrics\"\n")

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	// Secrets live in the file, so keep it private.
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nNext steps:")
	fmt.Println("  tally-gateway tenant set <id> --bot-token <token>")
	fmt.Println("  tally-gateway serve")
	return nil
}

func isYes(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}
