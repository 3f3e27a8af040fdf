// ABOUTME: Operator subcommands: init, token, health, agents, sessions
// ABOUTME: Client commands talk to the running bus over its HTTP API

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
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/agentbus/internal/auth"
	"github.com/2389/agentbus/internal/config"
	"github.com/2389/agentbus/internal/gateway"
)

// defaultTokenTTL is the lifetime of tokens minted by "agentbus token".
const defaultTokenTTL = 30 * 24 * time.Hour

// tokenPath returns where "agentbus token --save" writes and client commands read.
func tokenPath(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), "token")
}

// loadToken returns AGENTBUS_TOKEN or the saved token file, empty when neither exists.
func loadToken(configPath string) string {
	if t := os.Getenv("AGENTBUS_TOKEN"); t != "" {
		return t
	}
	data, err := os.ReadFile(tokenPath(configPath))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// generateSecret returns a random base64 secret long enough for the JWT verifier.
func generateSecret() (string, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(secretBytes), nil
}

// runToken mints a token whose subject is the agent id.
func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	agentID := fs.String("agent", "", "agent id (token subject)")
	ttl := fs.Duration("ttl", defaultTokenTTL, "token lifetime")
	save := fs.Bool("save", false, "write the token next to the config for client commands")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}

	id := strings.TrimSpace(*agentID)
	if id == "" {
		return errors.New("--agent flag is required")
	}

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("jwt_secret not configured in %s (bus runs in anonymous mode)", configPath)
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(id, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	if *save {
		path := tokenPath(configPath)
		if err := os.WriteFile(path, []byte(token), 0600); err != nil {
			return fmt.Errorf("writing token file: %w", err)
		}
		color.New(color.FgGreen).Fprintf(os.Stderr, "  ✓ Saved token: %s (expires %s)\n",
			path, time.Now().Add(*ttl).UTC().Format("Jan 02, 2006"))
	}

	fmt.Println(token)
	return nil
}

// apiClient calls the HTTP API of a running bus.
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newAPIClient() (*apiClient, error) {
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &apiClient{
		baseURL: "http://" + cfg.Server.HTTPAddr,
		token:   loadToken(configPath),
		http:    &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// get performs a GET and returns the body, or an error for non-2xx responses.
func (c *apiClient) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func runHealth(ctx context.Context) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}

	if _, err := client.get(ctx, "/health"); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	ready, err := client.get(ctx, "/health/ready")
	if err != nil {
		return fmt.Errorf("not ready: %w", err)
	}

	fmt.Printf("healthy, %s\n", ready)
	return nil
}

func runAgents(ctx context.Context) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}

	body, err := client.get(ctx, "/api/agents")
	if err != nil {
		return err
	}
	var agents []gateway.AgentInfoResponse
	if err := json.Unmarshal(body, &agents); err != nil {
		return fmt.Errorf("decoding agents: %w", err)
	}

	if len(agents) == 0 {
		fmt.Println("no agents connected")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "AGENT\tCAPABILITIES\tTOPICS\tCONNECTED")
	for _, a := range agents {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", a.AgentID,
			strings.Join(a.Capabilities, ","), strings.Join(a.Topics, ","), a.ConnectedAt)
	}
	return tw.Flush()
}

func runSessions(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("sessions", flag.ContinueOnError)
	agentID := fs.String("agent", "", "only sessions of this agent")
	open := fs.Bool("open", false, "only sessions still connected")
	limit := fs.Int("limit", 20, "maximum sessions to show")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}

	query := url.Values{}
	if *agentID != "" {
		query.Set("agent_id", *agentID)
	}
	if *open {
		query.Set("open", "true")
	}
	query.Set("limit", fmt.Sprint(*limit))

	body, err := client.get(ctx, "/api/sessions?"+query.Encode())
	if err != nil {
		return err
	}
	var resp gateway.ListSessionsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("decoding sessions: %w", err)
	}

	if len(resp.Sessions) == 0 {
		fmt.Println("no sessions recorded")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tAGENT\tCONNECTED\tDISCONNECTED\tREASON")
	for _, s := range resp.Sessions {
		disconnected, reason := s.DisconnectedAt, s.Reason
		if disconnected == "" {
			disconnected, reason = "-", "online"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.AgentID, s.ConnectedAt, disconnected, reason)
	}
	return tw.Flush()
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("agentbus configuration setup")
	fmt.Println("============================")
	fmt.Println()

	defaultConfigPath := getConfigPath()
	defaultDbPath := filepath.Join(getDataPath(), "agentbus.db")

	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address (websocket + API)", "localhost:8080")
	grpcAddr := prompt(reader, "gRPC address (health)", "localhost:50051")

	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite session ledger path", defaultDbPath)

	fmt.Println("\n--- Authentication ---")
	var jwtSecret string
	if yes(prompt(reader, "Require agent tokens?", "yes")) {
		secret, err := generateSecret()
		if err != nil {
			return err
		}
		jwtSecret = secret
	}

	fmt.Println("\n--- Tailscale Configuration ---")
	tailscaleEnabled := yes(prompt(reader, "Enable Tailscale?", "no"))

	var tsHostname, tsAuthKey string
	var tsEphemeral, tsFunnel bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, "Tailscale hostname", "agentbus")
		tsAuthKey = prompt(reader, "Tailscale auth key (leave empty to use TS_AUTHKEY)", "")
		tsEphemeral = yes(prompt(reader, "Ephemeral node?", "no"))
		tsFunnel = yes(prompt(reader, "Enable Funnel (public HTTPS)?", "no"))
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# agentbus configuration\n")
	cfg.WriteString("# Generated by agentbus init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: \"%s\"\n", httpAddr))
	cfg.WriteString(fmt.Sprintf("  grpc_addr: \"%s\"\n", grpcAddr))
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", dbPath))
	cfg.WriteString("\n")

	if jwtSecret != "" {
		cfg.WriteString("auth:\n")
		cfg.WriteString(fmt.Sprintf("  jwt_secret: \"%s\"\n", jwtSecret))
		cfg.WriteString("\n")
	}

	cfg.WriteString("tailscale:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", tailscaleEnabled))
	if tailscaleEnabled {
		cfg.WriteString(fmt.Sprintf("  hostname: \"%s\"\n", tsHostname))
		if tsAuthKey != "" {
			cfg.WriteString(fmt.Sprintf("  auth_key: \"%s\"\n", tsAuthKey))
		}
		cfg.WriteString(fmt.Sprintf("  ephemeral: %t\n", tsEphemeral))
		cfg.WriteString(fmt.Sprintf("  funnel: %t\n", tsFunnel))
	}
	cfg.WriteString("\n")

	cfg.WriteString("agents:\n")
	cfg.WriteString("  heartbeat_interval: \"30s\"\n")
	cfg.WriteString("  heartbeat_timeout: \"90s\"\n")
	cfg.WriteString("  write_timeout: \"10s\"\n")
	cfg.WriteString("  dedupe_ttl: \"5m\"\n")
	cfg.WriteString("  max_message_bytes: 1048576\n")
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))
	cfg.WriteString("\n")

	cfg.WriteString("metrics:\n")
	cfg.WriteString("  enabled: false\n")
	cfg.WriteString("  path: \"/metrics\"\n")

	// Catch typos in the answers before anything is written.
	if _, err := config.Parse([]byte(cfg.String()), config.FormatYAML); err != nil {
		return fmt.Errorf("generated config is invalid: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	mode := os.FileMode(0644)
	if jwtSecret != "" {
		mode = 0600
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), mode); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  agentbus serve\n")
	if jwtSecret != "" {
		fmt.Println("\nTo mint an agent token:")
		fmt.Printf("  agentbus token --agent <id>\n")
	}

	return nil
}

func yes(answer string) bool {
	a := strings.ToLower(answer)
	return a == "yes" || a == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
