package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pelicanlabs/banter/internal/config"
	"github.com/pelicanlabs/banter/internal/gateway"
	"github.com/pelicanlabs/banter/internal/health"
	"github.com/pelicanlabs/banter/internal/llm"
	"github.com/pelicanlabs/banter/internal/persona"
)

var rootCmd = &cobra.Command{
	Use:   "banter",
	Short: "banter - adaptive chat companion",
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to banter in single message or REPL mode",
	RunE:  runChat,
}

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the full gateway (channels + queue + scheduler)",
	RunE:  runGateway,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and data directory",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show banter status",
	RunE:  runStatus,
}

var messageFlag string

func init() {
	chatCmd.Flags().StringVarP(&messageFlag, "message", "m", "", "Single message to send")
	rootCmd.AddCommand(chatCmd, gatewayCmd, onboardCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ChatOptions for running chat with custom dependencies
type ChatOptions struct {
	RuntimeFactory llm.RuntimeFactory
	Stdin          io.Reader
	Stdout         io.Writer
	Stderr         io.Writer
}

// runChat is the command handler that uses default options
func runChat(cmd *cobra.Command, args []string) error {
	return runChatWithOptions(ChatOptions{})
}

// runChatWithOptions runs the chat loop with injectable dependencies for testing
func runChatWithOptions(opts ChatOptions) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if opts.RuntimeFactory == nil && cfg.Provider.APIKey == "" {
		return fmt.Errorf("API key not set. Run 'banter onboard' or set BANTER_API_KEY / ANTHROPIC_API_KEY")
	}

	gen := llm.NewGenerator(cfg, opts.RuntimeFactory)
	defer gen.Close()

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
	ask := func(prompt, session string) (string, error) {
		return gen.Generate(ctx, llm.Request{
			Persona:     persona.DefaultPersona,
			Temperature: 0.7,
			Prompt:      prompt,
			SessionID:   session,
		})
	}

	// Single message mode
	if messageFlag != "" {
		out, err := ask(messageFlag, "cli")
		if err != nil {
			return fmt.Errorf("chat error: %w", err)
		}
		if out == "" {
			out = llm.Fallback()
		}
		fmt.Fprintln(stdout, out)
		return nil
	}

	// REPL mode
	fmt.Fprintln(stdout, "banter chat (type 'exit' to quit)")
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

		out, err := ask(input, "cli-repl")
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			continue
		}
		if out == "" {
			out = llm.Fallback()
		}
		fmt.Fprintln(stdout, out)
	}
	return nil
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.Provider.APIKey == "" {
		return fmt.Errorf("API key not set. Run 'banter onboard' or set BANTER_API_KEY / ANTHROPIC_API_KEY")
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	return gw.Run(context.Background())
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgPath := config.ConfigPath()

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	cfg, _ := config.LoadConfig()
	if err := os.MkdirAll(filepath.Dir(config.DBPath(cfg)), 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s to set your API key and Telegram token\n", cfgPath)
	fmt.Println("  2. Or set BANTER_API_KEY and BANTER_TELEGRAM_TOKEN")
	fmt.Println("  3. Run 'banter chat -m \"Hello\"' to test")
	fmt.Println("  4. Run 'banter gateway' to go live")

	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Config: error (%v)\n", err)
		return nil
	}

	fmt.Printf("Config: %s\n", config.ConfigPath())
	fmt.Printf("Database: %s\n", config.DBPath(cfg))
	fmt.Printf("Model: %s\n", cfg.Agent.Model)
	fmt.Printf("Provider: %s\n", providerDisplay(cfg.Provider.Type))
	if cfg.Provider.APIKey != "" && len(cfg.Provider.APIKey) > 8 {
		masked := cfg.Provider.APIKey[:4] + "..." + cfg.Provider.APIKey[len(cfg.Provider.APIKey)-4:]
		fmt.Printf("API Key: %s\n", masked)
	} else if cfg.Provider.APIKey != "" {
		fmt.Println("API Key: set")
	} else {
		fmt.Println("API Key: not set")
	}
	fmt.Printf("Telegram: enabled=%v\n", cfg.Channels.Telegram.Enabled)

	printLiveStatus(cfg)
	return nil
}

// printLiveStatus asks a running gateway for its /status snapshot.
func printLiveStatus(cfg *config.Config) {
	client := &http.Client{Timeout: 2 * time.Second}
	url := fmt.Sprintf("http://127.0.0.1:%d/status", cfg.Gateway.Port)
	resp, err := client.Get(url)
	if err != nil {
		fmt.Println("Gateway: not running")
		return
	}
	defer resp.Body.Close()

	var snap health.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		fmt.Println("Gateway: running (status unreadable)")
		return
	}
	fmt.Printf("Gateway: up %s | queue %d | usage %d/%d\n",
		snap.Uptime, snap.QueueDepth, snap.UsageToday, snap.UsageBudget)
}

func providerDisplay(t string) string {
	if t == "" {
		return "anthropic (default)"
	}
	return t
}
