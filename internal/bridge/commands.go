package bridge

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/utensil/opencode-telegram-mirror/internal/opencode"
	"github.com/utensil/opencode-telegram-mirror/internal/telegram"
)

// Commands published to the Telegram menu at startup.
var menuCommands = []telegram.BotCommand{
	{Command: "connect", Description: "Show the agent URL"},
	{Command: "version", Description: "Show the bot version"},
	{Command: "model", Description: "Show or set the session model"},
	{Command: "interrupt", Description: "Kill tracked processes or abort"},
	{Command: "plan", Description: "Switch the agent to plan mode"},
	{Command: "build", Description: "Switch the agent to build mode"},
	{Command: "review", Description: "Review a commit, branch, or PR"},
	{Command: "rename", Description: "Rename the session and topic"},
	{Command: "cap", Description: "Run a shell command and capture output"},
	{Command: "ps", Description: "List tracked processes"},
	{Command: "dev", Description: "List devices"},
	{Command: "use", Description: "Force-activate a device"},
	{Command: "stop", Description: "Remove a standby device"},
	{Command: "restart", Description: "Restart this instance"},
	{Command: "upgrade", Description: "Upgrade and restart"},
	{Command: "start", Description: "Launch an instance in another directory"},
}

// dispatchCommand runs a recognised slash command and reports whether the
// verb was handled; unknown verbs return false and become prompts.
func (b *Bridge) dispatchCommand(ctx context.Context, msg *telegram.Message, text string) bool {
	verb, args, _ := strings.Cut(text, " ")
	verb = strings.ToLower(strings.TrimPrefix(verb, "/"))
	// In groups commands arrive as /verb@botname.
	verb, _, _ = strings.Cut(verb, "@")
	args = strings.TrimSpace(args)

	switch verb {
	case "connect":
		url := b.agent.BaseURL()
		if url == "" {
			b.replyText(ctx, msg, "no agent URL configured")
		} else {
			b.replyText(ctx, msg, url)
		}
	case "version":
		b.replyText(ctx, msg, b.version)
	case "model":
		b.commandModel(ctx, msg, args)
	case "interrupt":
		b.commandInterrupt(ctx, msg, args)
	case "plan", "build", "review":
		b.commandAgent(ctx, msg, verb, args)
	case "rename":
		b.commandRename(ctx, msg, args)
	case "cap":
		b.commandCap(ctx, msg, args)
	case "ps":
		b.replyText(ctx, msg, FormatProcessList(b.bash.List()))
	case "dev":
		b.commandDevices(ctx, msg)
	case "use":
		b.commandUse(ctx, msg, args)
	case "stop":
		b.commandStop(ctx, msg, args)
	case "restart":
		b.commandHelper(ctx, msg, b.cfg.RestartCommand, "restart")
	case "upgrade":
		b.commandHelper(ctx, msg, b.cfg.UpgradeCommand, "upgrade")
	case "start":
		b.commandStart(ctx, msg, args)
	default:
		return false
	}
	return true
}

func (b *Bridge) commandModel(ctx context.Context, msg *telegram.Message, args string) {
	switch {
	case args == "":
		s := b.currentSession()
		if s == nil || s.Model == nil {
			b.replyText(ctx, msg, "model: default")
			return
		}
		b.replyText(ctx, msg, "model: "+s.Model.String())
	case args == "list":
		refs, err := b.agent.Models(ctx)
		if err != nil {
			b.replyText(ctx, msg, "model list failed: "+err.Error())
			return
		}
		names := make([]string, len(refs))
		for i, r := range refs {
			names[i] = r.String()
		}
		sort.Strings(names)
		b.replyText(ctx, msg, strings.Join(names, "\n"))
	case args == "reset":
		if s := b.currentSession(); s != nil {
			b.mu.Lock()
			s.Model = nil
			b.mu.Unlock()
		}
		b.replyText(ctx, msg, "model reset")
	default:
		ref, err := opencode.ParseModelRef(args)
		if err != nil {
			b.replyText(ctx, msg, err.Error())
			return
		}
		s, err := b.ensureSession(ctx)
		if err != nil {
			b.replyText(ctx, msg, "agent unavailable: "+err.Error())
			return
		}
		b.mu.Lock()
		s.Model = &ref
		b.mu.Unlock()
		b.replyText(ctx, msg, "model set to "+ref.String())
	}
}

func (b *Bridge) commandInterrupt(ctx context.Context, msg *telegram.Message, args string) {
	if args != "" {
		pid, err := strconv.Atoi(args)
		if err != nil {
			b.replyText(ctx, msg, "usage: /interrupt [pid]")
			return
		}
		if b.bash.Kill(pid) {
			b.replyText(ctx, msg, fmt.Sprintf("killed %d", pid))
		} else {
			b.replyText(ctx, msg, fmt.Sprintf("no tracked process %d", pid))
		}
		return
	}
	if n := b.bash.KillAll(); n > 0 {
		b.replyText(ctx, msg, fmt.Sprintf("killed %d tracked processes", n))
		return
	}
	b.abortSession(ctx, msg)
}

func (b *Bridge) commandAgent(ctx context.Context, msg *telegram.Message, verb, args string) {
	s, err := b.ensureSession(ctx)
	if err != nil {
		b.replyText(ctx, msg, "agent unavailable: "+err.Error())
		return
	}
	if err := b.agent.Command(ctx, s.ID, verb, args); err != nil {
		b.replyText(ctx, msg, "/"+verb+" failed: "+err.Error())
	}
}

func (b *Bridge) commandRename(ctx context.Context, msg *telegram.Message, title string) {
	if title == "" {
		b.replyText(ctx, msg, "usage: /rename <title>")
		return
	}
	s, err := b.ensureSession(ctx)
	if err != nil {
		b.replyText(ctx, msg, "agent unavailable: "+err.Error())
		return
	}
	b.applyTitle(ctx, s, title)
	b.replyText(ctx, msg, "renamed to "+title)
}

func (b *Bridge) commandCap(ctx context.Context, msg *telegram.Message, command string) {
	if command == "" {
		b.replyText(ctx, msg, "usage: /cap <command>")
		return
	}
	// Captures run detached from the update so a long command does not
	// stall ingestion.
	go func() {
		out, err := b.bash.Capture(context.WithoutCancel(ctx), command)
		out = strings.TrimSpace(out)
		if err != nil {
			if out != "" {
				out += "\n"
			}
			out += "error: " + err.Error()
		}
		if out == "" {
			out = "(no output)"
		}
		b.replyText(context.WithoutCancel(ctx), msg, "```\n"+out+"\n```")
	}()
}

func (b *Bridge) commandDevices(ctx context.Context, msg *telegram.Message) {
	reg := b.coord.Registry()
	if reg == nil {
		b.replyText(ctx, msg, "single-instance mode (no shared store)")
		return
	}
	entries, err := reg.ListDevices()
	if err != nil {
		b.replyText(ctx, msg, "device list failed: "+err.Error())
		return
	}
	if len(entries) == 0 {
		b.replyText(ctx, msg, "no devices registered")
		return
	}
	var sb strings.Builder
	for _, e := range entries {
		marker := "  "
		if e.Active {
			marker = "* "
		}
		fmt.Fprintf(&sb, "%s%d. %s\n", marker, e.Number, e.Name)
	}
	b.replyText(ctx, msg, strings.TrimRight(sb.String(), "\n"))
}

func (b *Bridge) commandUse(ctx context.Context, msg *telegram.Message, selector string) {
	reg := b.coord.Registry()
	if reg == nil {
		b.replyText(ctx, msg, "single-instance mode (no shared store)")
		return
	}
	if selector == "" {
		b.replyText(ctx, msg, "usage: /use <number|name>")
		return
	}
	entry, err := reg.FindDevice(selector)
	if err != nil {
		b.replyText(ctx, msg, err.Error())
		return
	}
	if _, err := b.coord.ForceActivate(entry.Name); err != nil {
		b.replyText(ctx, msg, "activation failed: "+err.Error())
		return
	}
	b.replyText(ctx, msg, "activated "+entry.Name)
}

func (b *Bridge) commandStop(ctx context.Context, msg *telegram.Message, selector string) {
	reg := b.coord.Registry()
	if reg == nil {
		b.replyText(ctx, msg, "single-instance mode (no shared store)")
		return
	}
	if selector == "" {
		b.replyText(ctx, msg, "usage: /stop <number|name>")
		return
	}
	entry, err := reg.FindDevice(selector)
	if err != nil {
		b.replyText(ctx, msg, err.Error())
		return
	}
	if entry.Active {
		b.replyText(ctx, msg, "refusing to stop the active device; /use another one first")
		return
	}
	if err := reg.RemoveDevice(entry.Name); err != nil {
		b.replyText(ctx, msg, "remove failed: "+err.Error())
		return
	}
	if entry.PID > 0 {
		if err := syscall.Kill(entry.PID, syscall.SIGTERM); err != nil {
			b.logger.Debug("stop: signal failed (likely another host)", "pid", entry.PID, "error", err)
		}
	}
	b.replyText(ctx, msg, "stopped "+entry.Name)
}

// commandHelper invokes the external restart/upgrade helper and reports
// its output; the helper scripts themselves are outside this program.
func (b *Bridge) commandHelper(ctx context.Context, msg *telegram.Message, helper, name string) {
	if strings.TrimSpace(helper) == "" {
		b.replyText(ctx, msg, "no "+name+" helper configured")
		return
	}
	go func() {
		out, err := b.bash.Capture(context.WithoutCancel(ctx), helper)
		text := name + " requested"
		if strings.TrimSpace(out) != "" {
			text += "\n```\n" + strings.TrimSpace(out) + "\n```"
		}
		if err != nil {
			text += "\nerror: " + err.Error()
		}
		b.replyText(context.WithoutCancel(ctx), msg, text)
	}()
}

// commandStart launches a sibling instance bound to another directory.
func (b *Bridge) commandStart(ctx context.Context, msg *telegram.Message, dir string) {
	if dir == "" {
		b.replyText(ctx, msg, "usage: /start <directory>")
		return
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		b.replyText(ctx, msg, "not a directory: "+dir)
		return
	}
	exe, err := os.Executable()
	if err != nil {
		b.replyText(ctx, msg, "cannot locate binary: "+err.Error())
		return
	}
	cmd := exec.Command(exe, dir)
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		b.replyText(ctx, msg, "start failed: "+err.Error())
		return
	}
	if err := cmd.Process.Release(); err != nil {
		b.logger.Debug("process release failed", "error", err)
	}
	b.replyText(ctx, msg, fmt.Sprintf("started instance in %s (pid %d)", dir, cmd.Process.Pid))
}
