package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/stellarlinkco/bennet/internal/config"
	"github.com/stellarlinkco/bennet/internal/gateway"
	"github.com/stellarlinkco/bennet/internal/history"
	"github.com/stellarlinkco/bennet/internal/logging"
	"github.com/stellarlinkco/bennet/internal/modules"
	"github.com/stellarlinkco/bennet/internal/tokenizer"
)

// agentChatID is the history chat used by `bennet agent`.
const agentChatID = "cli"

// Options inject dependencies for tests.
type Options struct {
	Completer gateway.Completer
	Stdin     io.Reader
}

func main() {
	if err := newRootCmd(Options{}).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(opts Options) *cobra.Command {
	root := &cobra.Command{
		Use:          "bennet",
		Short:        "bennet - chat assistant with pluggable background modules",
		SilenceUsage: true,
	}

	var message string
	agentCmd := &cobra.Command{
		Use:   "agent",
		Short: "Chat from the terminal, one message or REPL",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAgent(cmd, opts, message)
		},
	}
	agentCmd.Flags().StringVarP(&message, "message", "m", "", "single message to send")

	gatewayCmd := &cobra.Command{
		Use:   "gateway",
		Short: "Start the service (channels, conversation engine, modules)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runGateway(cmd, opts)
		},
	}

	onboardCmd := &cobra.Command{
		Use:   "onboard",
		Short: "Write a default config and the modules directory",
		RunE:  runOnboard,
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show configuration, storage and module files",
		RunE:  runStatus,
	}

	modulesCmd := &cobra.Command{
		Use:   "modules",
		Short: "List module manifests and their triggers",
		RunE:  runModules,
	}

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Manage stored chat history",
	}
	var (
		chatID string
		convID int64
	)
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete the messages of a chat",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHistoryClear(cmd, chatID, convID)
		},
	}
	clearCmd.Flags().StringVar(&chatID, "chat", "", "chat id to clear")
	clearCmd.Flags().Int64Var(&convID, "conversation", 0, "only clear this conversation")
	_ = clearCmd.MarkFlagRequired("chat")
	historyCmd.AddCommand(clearCmd)

	root.AddCommand(agentCmd, gatewayCmd, onboardCmd, statusCmd, modulesCmd, historyCmd)
	return root
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func runGateway(cmd *cobra.Command, opts Options) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w (run 'bennet onboard' and edit %s)", err, config.ConfigPath())
	}
	logger := logging.New(cfg.Log, cmd.ErrOrStderr())

	gw, err := gateway.NewWithOptions(cfg, logger, gateway.Options{
		Completer:  opts.Completer,
		LoadConfig: loadConfig,
	})
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	return gw.Run(contextOf(cmd))
}

func runAgent(cmd *cobra.Command, opts Options, message string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if opts.Completer == nil {
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	logger := logging.New(cfg.Log, cmd.ErrOrStderr())

	// the terminal is the only front-end, modules stay off
	local := *cfg
	local.Modules.Enabled = false
	local.Channels = config.ChannelsConfig{}
	gw, err := gateway.NewWithOptions(&local, logger, gateway.Options{Completer: opts.Completer})
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	defer gw.Shutdown()
	engine := gw.Engine()

	ctx, stop := signal.NotifyContext(contextOf(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()
	out := cmd.OutOrStdout()
	meta := map[string]any{"channel": "cli"}

	if message != "" {
		fmt.Fprintln(out, engine.Respond(ctx, agentChatID, message, meta))
		return nil
	}

	in := opts.Stdin
	if in == nil {
		in = cmd.InOrStdin()
	}
	fmt.Fprintln(out, "bennet agent (/clear to forget, 'exit' to quit)")
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		switch input {
		case "":
			continue
		case "exit", "quit":
			return nil
		case "/clear":
			n, err := engine.Clear(ctx, agentChatID)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
				continue
			}
			fmt.Fprintf(out, "History cleared (%d messages removed).\n", n)
			continue
		}
		fmt.Fprintln(out, engine.Respond(ctx, agentChatID, input, meta))
		if ctx.Err() != nil {
			break
		}
	}
	return scanner.Err()
}

func contextOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func runOnboard(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	cfgPath := config.ConfigPath()

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(out, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Modules.Dir, 0755); err != nil {
		return fmt.Errorf("create modules dir: %w", err)
	}
	writeIfNotExists(out, filepath.Join(cfg.Modules.Dir, exampleManifestName), exampleManifest)
	fmt.Fprintf(out, "Modules directory ready: %s\n", cfg.Modules.Dir)

	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Edit %s to set your provider and API key\n", cfgPath)
	fmt.Fprintln(out, "  2. Or set BENNET_PROVIDER_API_KEY / OPENAI_API_KEY / ANTHROPIC_API_KEY")
	fmt.Fprintln(out, "  3. Run 'bennet agent -m \"Hello\"' to test")
	return nil
}

func runStatus(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	ok, bad, warn := color.GreenString, color.RedString, color.YellowString

	cfgPath := config.ConfigPath()
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config:    %s\n", bad("error (%v)", err))
		return nil
	}
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Fprintf(out, "Config:    %s %s\n", cfgPath, warn("(not found, using defaults)"))
	} else {
		fmt.Fprintf(out, "Config:    %s\n", cfgPath)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(out, "Valid:     %s\n", bad("%v", err))
	} else {
		fmt.Fprintf(out, "Valid:     %s\n", ok("yes"))
	}

	fmt.Fprintf(out, "Model:     %s\n", cfg.Agent.Model)
	fmt.Fprintf(out, "Provider:  %s, API key %s\n", cfg.Provider.Type, maskKey(cfg.Provider.APIKey))
	for _, fb := range cfg.Fallbacks {
		fmt.Fprintf(out, "Fallback:  %s, API key %s\n", fb.Type, maskKey(fb.APIKey))
	}

	if fi, err := os.Stat(cfg.History.DBPath); err != nil {
		fmt.Fprintf(out, "History:   %s %s\n", cfg.History.DBPath, warn("(not created yet)"))
	} else {
		fmt.Fprintf(out, "History:   %s (%d KB)\n", cfg.History.DBPath, fi.Size()/1024)
	}

	if !cfg.Modules.Enabled {
		fmt.Fprintf(out, "Modules:   %s\n", warn("disabled"))
	} else if files, err := modules.Discover(cfg.Modules.Dir); err != nil {
		fmt.Fprintf(out, "Modules:   %s %s\n", cfg.Modules.Dir, bad("(missing, run 'bennet onboard')"))
	} else {
		fmt.Fprintf(out, "Modules:   %s (%d manifests, state in %s)\n", cfg.Modules.Dir, len(files), stateBackend(cfg.Modules))
	}

	fmt.Fprintf(out, "Telegram:  %s\n", enabled(cfg.Channels.Telegram.Enabled))
	fmt.Fprintf(out, "WebUI:     %s\n", enabled(cfg.Channels.WebUI.Enabled))
	if cfg.Gateway.AdminChatID == "" {
		fmt.Fprintf(out, "Admin:     %s\n", warn("not set, module output and alerts are only logged"))
	} else {
		fmt.Fprintf(out, "Admin:     %s\n", cfg.Gateway.AdminChatID)
	}
	return nil
}

func runModules(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	files, err := modules.Discover(cfg.Modules.Dir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		fmt.Fprintf(out, "No module manifests in %s\n", cfg.Modules.Dir)
		return nil
	}
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tKIND\tTRIGGER\tDESCRIPTION")
	for _, name := range names {
		st, err := modules.Inspect(nil, files[name])
		if err != nil {
			fmt.Fprintf(tw, "%s\t%s\t%s\t\n", name, st.Kind, color.RedString("error: %v", err))
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", name, st.Kind, describeTrigger(st), st.Description)
	}
	return tw.Flush()
}

func runHistoryClear(cmd *cobra.Command, chatID string, convID int64) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := history.Open(cfg.History.DBPath, history.Options{
		Driver:           cfg.History.Driver,
		Counter:          tokenizer.New(cfg.History.TokensPerCharacter),
		MaxHistoryLength: cfg.History.MaxHistoryLength,
		Logger:           logging.New(cfg.Log, cmd.ErrOrStderr()),
	})
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := store.ClearChatHistory(contextOf(cmd), chatID, convID)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d messages from chat %s\n", n, chatID)
	return nil
}

func describeTrigger(st modules.Status) string {
	switch {
	case st.TriggerType == modules.TriggerEvent:
		return "event:" + st.EventType
	case st.Cron != "":
		return "cron:" + st.Cron
	default:
		return "every " + st.Interval.String()
	}
}

func maskKey(key string) string {
	switch {
	case key == "":
		return color.RedString("not set")
	case len(key) > 8:
		return key[:4] + "..." + key[len(key)-4:]
	default:
		return "set"
	}
}

func enabled(on bool) string {
	if on {
		return color.GreenString("enabled")
	}
	return "disabled"
}

func stateBackend(mc config.ModulesConfig) string {
	if mc.StateBackend == "redis" {
		return "redis " + mc.Redis.Addr
	}
	return mc.StatePath
}

func writeIfNotExists(out io.Writer, path, content string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			fmt.Fprintf(out, "  Failed: %s: %v\n", path, err)
			return
		}
		fmt.Fprintf(out, "  Created: %s\n", path)
	}
}

const exampleManifestName = "_example.yaml"

const exampleManifest = `# Module manifest example. Files starting with "_" are not loaded:
# copy this file to motivator.yaml to enable it.
kind: motivator
description: hourly motivational kick to the admin chat
config:
  interval_minutes: 60
# trigger:
#   cron: "0 9 * * 1-5"
`
