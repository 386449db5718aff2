package gateway

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/stellarlinkco/bennet/internal/bus"
	"github.com/stellarlinkco/bennet/internal/modules"
)

const helpText = `Available commands:
/start - greeting
/help - this message
/clear_history - forget this chat's conversation history`

const adminHelpText = `

Admin commands:
/status - loaded modules and their state
/reload_modules - reload the modules directory now
/reload_config - reread the config and rebuild the provider
/health - check the completion providers
/stop - shut the gateway down`

const adminOnlyReply = "This command is only available to the admin."

// Modules is the part of the module registry the gateway drives.
type Modules interface {
	Start(ctx context.Context) error
	Status() []modules.Status
	Reload(ctx context.Context) (modules.ReloadStats, error)
	Shutdown(ctx context.Context) error
}

type HealthChecker interface {
	HealthCheck(ctx context.Context) map[string]error
}

var adminCommands = map[string]bool{
	"/status":         true,
	"/reload_modules": true,
	"/reload_config":  true,
	"/health":         true,
	"/stop":           true,
}

// commandResult is a command's reply. stop asks the gateway to shut down
// once the reply is queued.
type commandResult struct {
	reply string
	stop  bool
}

// isAdmin reports whether msg comes from the configured admin.
func (g *Gateway) isAdmin(msg bus.InboundMessage) bool {
	admin := g.cfg.Gateway.AdminChatID
	return admin != "" && msg.SenderID == admin
}

// command answers a slash command. ok is false when the text is not a known
// command, in which case it is handled as a normal message.
func (g *Gateway) command(ctx context.Context, msg bus.InboundMessage) (res commandResult, ok bool) {
	if !strings.HasPrefix(msg.Content, "/") {
		return res, false
	}
	name, _, _ := strings.Cut(strings.TrimSpace(msg.Content), " ")
	admin := g.isAdmin(msg)
	if adminCommands[name] && !admin {
		g.logger.Warn().Str("command", name).Str("sender_id", msg.SenderID).Msg("admin command refused")
		return commandResult{reply: adminOnlyReply}, true
	}

	switch name {
	case "/start":
		reply := "Hi! I'm ready. Send me a message, or /help for commands."
		if admin {
			reply += "\n\n👑 Admin commands are available to you."
		}
		return commandResult{reply: reply}, true
	case "/help":
		if admin {
			return commandResult{reply: helpText + adminHelpText}, true
		}
		return commandResult{reply: helpText}, true
	case "/clear_history":
		n, err := g.engine.Clear(ctx, msg.ChatID)
		if err != nil {
			g.logger.Error().Err(err).Str("chat_id", msg.ChatID).Msg("clear history failed")
			return commandResult{reply: "Failed to clear history: " + err.Error()}, true
		}
		return commandResult{reply: fmt.Sprintf("History cleared (%d messages removed).", n)}, true
	case "/status":
		if g.modules == nil {
			return commandResult{reply: "Modules are disabled."}, true
		}
		return commandResult{reply: formatStatus(g.modules.Status())}, true
	case "/reload_modules":
		if g.modules == nil {
			return commandResult{reply: "Modules are disabled."}, true
		}
		stats, err := g.modules.Reload(ctx)
		if err != nil {
			return commandResult{reply: "Reload failed: " + err.Error()}, true
		}
		return commandResult{reply: formatReload(stats)}, true
	case "/reload_config":
		if err := g.reloadConfig(); err != nil {
			g.logger.Error().Err(err).Msg("config reload failed")
			return commandResult{reply: "Config reload failed: " + err.Error()}, true
		}
		return commandResult{reply: "Configuration reloaded."}, true
	case "/health":
		h := g.healthChecker()
		if h == nil {
			return commandResult{reply: "No providers configured."}, true
		}
		return commandResult{reply: formatHealth(h.HealthCheck(ctx))}, true
	case "/stop":
		return commandResult{reply: "Gracefully shutting down...", stop: true}, true
	}
	return res, false
}

func formatStatus(st []modules.Status) string {
	if len(st) == 0 {
		return "No modules loaded."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Modules (%d):", len(st))
	for _, s := range st {
		sb.WriteString("\n• ")
		sb.WriteString(s.Name)
		switch {
		case s.TriggerType == modules.TriggerEvent:
			fmt.Fprintf(&sb, " [event: %s]", s.EventType)
		case s.Cron != "":
			fmt.Fprintf(&sb, " [cron: %s]", s.Cron)
		default:
			fmt.Fprintf(&sb, " [every %s]", s.Interval)
		}
		if s.Running {
			sb.WriteString(" running")
		} else {
			sb.WriteString(" stopped")
		}
		if n := len(s.Errors); n > 0 {
			fmt.Fprintf(&sb, ", %d error(s), last: %s", n, s.Errors[n-1])
		}
		if s.Description != "" {
			sb.WriteString("\n  ")
			sb.WriteString(s.Description)
		}
		if !s.NextRun.IsZero() {
			sb.WriteString("\n  next run ")
			sb.WriteString(s.NextRun.Format(time.DateTime))
		}
	}
	return sb.String()
}

func formatReload(stats modules.ReloadStats) string {
	list := func(names []string) string {
		if len(names) == 0 {
			return "none"
		}
		return strings.Join(names, ", ")
	}
	return fmt.Sprintf("Modules reloaded.\nLoaded: %s\nUnloaded: %s\nErrors: %s",
		list(stats.Loaded), list(stats.Unloaded), list(stats.Errors))
}

func formatHealth(h map[string]error) string {
	if len(h) == 0 {
		return "No providers configured."
	}
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	sb.WriteString("Provider health:")
	for _, name := range names {
		state := "ok"
		if h[name] != nil {
			state = "unavailable"
		}
		fmt.Fprintf(&sb, "\n• %s: %s", name, state)
	}
	return sb.String()
}
