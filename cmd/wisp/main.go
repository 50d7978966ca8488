package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/wispworks/wisp/internal/config"
	"github.com/wispworks/wisp/internal/gateway"
	"github.com/wispworks/wisp/internal/inbox"
	"github.com/wispworks/wisp/internal/listener"
	"github.com/wispworks/wisp/internal/llm"
	"github.com/wispworks/wisp/internal/memory"
	"github.com/wispworks/wisp/internal/platform"
)

// ClientFactory creates the completion client (allows mocking in tests).
type ClientFactory func(cfg *config.Config, sysPrompt string) (llm.Client, error)

// ChatOptions for running chat with custom dependencies.
type ChatOptions struct {
	ClientFactory ClientFactory
	Stdin         io.Reader
	Stdout        io.Writer
	Stderr        io.Writer
}

var rootCmd = &cobra.Command{
	Use:   "wisp",
	Short: "wisp - conversational agent daemon",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the daemon (listener + worker + scheduler)",
	RunE:  runDaemon,
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to the agent from the terminal",
	RunE:  runChat,
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Run the bridged listener only (feeds the inbox, no LLM)",
	RunE:  runListen,
}

var workCmd = &cobra.Command{
	Use:   "work",
	Short: "Run the bridged worker only (drains the inbox)",
	RunE:  runWork,
}

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Process pending inbox events once and exit",
	RunE:  runDrain,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and workspace",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show wisp status",
	RunE:  runStatus,
}

var messageFlag string

func init() {
	chatCmd.Flags().StringVarP(&messageFlag, "message", "m", "", "Single message to send")
	rootCmd.AddCommand(runCmd, listenCmd, workCmd, chatCmd, drainCmd, onboardCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Provider.APIKey == "" {
		return fmt.Errorf("API key not set. Run 'wisp onboard' or set WISP_API_KEY / ANTHROPIC_API_KEY")
	}
	if cfg.Platform.BaseURL == "" {
		return fmt.Errorf("platform URL not set. Set platform.baseUrl in %s or WISP_PLATFORM_URL", config.ConfigPath())
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	return gw.Run(context.Background())
}

// runListen starts a listener-only process: subscribe to the platform
// stream and append events to the shared inbox. It needs no API key, so
// the listening half of a bridged deployment can run on a box without
// provider credentials.
func runListen(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Platform.BaseURL == "" {
		return fmt.Errorf("platform URL not set. Set platform.baseUrl in %s or WISP_PLATFORM_URL", config.ConfigPath())
	}
	cfg.Listener.Mode = "bridged"

	pc := platform.NewClient(cfg.Platform)

	if cfg.Platform.BotUserID == "" && cfg.Platform.Token != "" {
		authCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		userID, err := pc.AuthCheck(authCtx)
		cancel()
		if err != nil {
			log.Printf("[listener] auth check warning: %v", err)
		} else {
			cfg.Platform.BotUserID = userID
		}
	}

	ib, err := inbox.New(cfg.InboxPath())
	if err != nil {
		return fmt.Errorf("open inbox: %w", err)
	}

	dial := func(ctx context.Context) (listener.EventStream, error) {
		return pc.ConnectStream(ctx)
	}
	l := listener.New(cfg.Listener, cfg.Platform, dial, nil, ib)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return l.Run(ctx)
}

// runWork starts a worker-only process that drains the inbox the
// listener process feeds.
func runWork(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Provider.APIKey == "" {
		return fmt.Errorf("API key not set. Run 'wisp onboard' or set WISP_API_KEY / ANTHROPIC_API_KEY")
	}
	cfg.Listener.Mode = "bridged"

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	return gw.RunWorker(context.Background())
}

func runChat(cmd *cobra.Command, args []string) error {
	return runChatWithOptions(ChatOptions{})
}

// runChatWithOptions runs chat with injectable dependencies for testing.
func runChatWithOptions(opts ChatOptions) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	factory := opts.ClientFactory
	if factory == nil {
		factory = llm.NewClient
	}
	client, err := factory(cfg, chatSystemPrompt(cfg))
	if err != nil {
		return err
	}
	defer client.Close()

	stdin := opts.Stdin
	if stdin == nil {
		stdin = os.Stdin
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	ctx := context.Background()

	if messageFlag != "" {
		out, err := client.Complete(ctx, llm.CompletionRequest{SessionID: "cli", Turn: messageFlag})
		if err != nil {
			return fmt.Errorf("completion error: %w", err)
		}
		fmt.Fprintln(stdout, out)
		return nil
	}

	fmt.Fprintln(stdout, "wisp chat (type 'exit' to quit)")
	scanner := bufio.NewScanner(stdin)
	for {
		fmt.Fprint(stdout, "\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			break
		}

		out, err := client.Complete(ctx, llm.CompletionRequest{SessionID: "cli-repl", Turn: input})
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			continue
		}
		fmt.Fprintln(stdout, out)
	}
	return nil
}

func chatSystemPrompt(cfg *config.Config) string {
	var sb strings.Builder
	for _, name := range []string{"AGENTS.md", "SOUL.md"} {
		if data, err := os.ReadFile(filepath.Join(cfg.Agent.Workspace, name)); err == nil {
			sb.Write(data)
			sb.WriteString("\n\n")
		}
	}
	return sb.String()
}

func runDrain(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Listener.Mode != "bridged" {
		return fmt.Errorf("drain requires listener.mode \"bridged\"")
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	defer gw.Shutdown()

	n, err := gw.DrainInbox(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("Handled %d events\n", n)
	return nil
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		cfg := config.DefaultConfig()
		data, _ := json.MarshalIndent(cfg, "", "  ")
		if err := os.WriteFile(cfgPath, data, 0644); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	cfg, _ := config.LoadConfig()
	ws := cfg.Agent.Workspace
	if err := os.MkdirAll(ws, 0755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}

	writeIfNotExists(filepath.Join(ws, "AGENTS.md"), defaultAgentsMD)
	writeIfNotExists(filepath.Join(ws, "SOUL.md"), defaultSoulMD)

	fmt.Printf("Workspace ready: %s\n", ws)
	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s to set your API key and platform URL\n", cfgPath)
	fmt.Println("  2. Or set WISP_API_KEY and WISP_PLATFORM_URL")
	fmt.Println("  3. Run 'wisp chat -m \"Hello\"' to test, then 'wisp run'")

	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Config: error (%v)\n", err)
		return nil
	}

	fmt.Printf("Config: %s\n", config.ConfigPath())
	fmt.Printf("Workspace: %s\n", cfg.Agent.Workspace)
	fmt.Printf("Model: %s\n", cfg.Agent.Model)
	fmt.Printf("Provider: %s\n", providerDisplay(cfg.Provider.Type))
	if len(cfg.Provider.APIKey) > 8 {
		fmt.Printf("API Key: %s...%s\n", cfg.Provider.APIKey[:4], cfg.Provider.APIKey[len(cfg.Provider.APIKey)-4:])
	} else if cfg.Provider.APIKey != "" {
		fmt.Println("API Key: set")
	} else {
		fmt.Println("API Key: not set")
	}
	if cfg.Platform.BaseURL != "" {
		fmt.Printf("Platform: %s\n", cfg.Platform.BaseURL)
	} else {
		fmt.Println("Platform: not configured")
	}
	fmt.Printf("Listener: %s\n", cfg.Listener.Mode)

	if store, err := memory.NewStore(cfg.MemoryDBPath(), memory.Retention{}); err == nil {
		if entries, err := store.AllSoul(); err == nil {
			fmt.Printf("Soul memory: %d entries\n", len(entries))
		}
		_ = store.Close()
	}

	if cfg.Listener.Mode == "bridged" {
		if ib, err := inbox.New(cfg.InboxPath()); err == nil {
			if all, err := ib.All(); err == nil {
				pending, failed := 0, 0
				for _, r := range all {
					switch {
					case r.Failed:
						failed++
					case !r.Handled:
						pending++
					}
				}
				if failed > 0 {
					fmt.Printf("Inbox: %d pending, %d failed (inspect %s)\n", pending, failed, cfg.InboxPath())
				} else {
					fmt.Printf("Inbox: %d pending\n", pending)
				}
			}
		}
	}

	return nil
}

func providerDisplay(t string) string {
	if t == "" {
		return "anthropic (default)"
	}
	return t
}

func writeIfNotExists(path, content string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		_ = os.WriteFile(path, []byte(content), 0644)
		fmt.Printf("  Created: %s\n", path)
	}
}

const defaultAgentsMD = `# Wisp Agent

You are wisp, a conversational agent living in a chat workspace.

You receive mentions, direct messages and thread replies, and you carry
per-thread context plus a persistent memory of the people you talk to.

## Guidelines
- Be concise and helpful
- Keep thread context in mind; people expect continuity
- Remember durable facts about users when they share them
`

const defaultSoulMD = `# Soul

You are a steady, curious presence in the workspace.

Your personality:
- Direct and efficient
- Technical when needed, simple when possible
- You notice patterns in how people work and adapt to them
`
