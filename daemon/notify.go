package daemon

import (
	"context"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cumulus13/ddf/logger"
)

// Level is the severity of a notification.
type Level int

const (
	LevelInfo Level = iota
	LevelSuccess
	LevelFailure
)

func (l Level) String() string {
	switch l {
	case LevelSuccess:
		return "success"
	case LevelFailure:
		return "failure"
	default:
		return "info"
	}
}

const maxNotificationRunes = 200

type Notification struct {
	Title   string
	Message string
	Level   Level
}

// Notifier reports daemon events to the user.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= maxNotificationRunes {
		return s
	}
	return string(r[:maxNotificationRunes-3]) + "..."
}

// LogNotifier writes notifications to a logger.
type LogNotifier struct {
	Log logger.Logger
}

func (n LogNotifier) Notify(ctx context.Context, note Notification) error {
	msg := truncate(note.Message)
	switch note.Level {
	case LevelFailure:
		n.Log.Error("%s: %s", note.Title, msg)
	default:
		n.Log.Info("%s: %s", note.Title, msg)
	}
	return nil
}

// DesktopNotifier shows notifications with the platform's notification tool.
// Platforms without one are skipped silently.
type DesktopNotifier struct {
	AppName string
	Timeout time.Duration
	// run executes a command; tests replace it.
	run      func(ctx context.Context, name string, args ...string) error
	lookPath func(file string) (string, error)
	goos     string
}

func NewDesktopNotifier(appName string) *DesktopNotifier {
	return &DesktopNotifier{
		AppName: appName,
		Timeout: 3 * time.Second,
		run: func(ctx context.Context, name string, args ...string) error {
			return exec.CommandContext(ctx, name, args...).Run()
		},
		lookPath: exec.LookPath,
		goos:     runtime.GOOS,
	}
}

func appleScriptQuote(s string) string {
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s) + `"`
}

func powerShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// command returns the program and arguments for the current platform.
func (d *DesktopNotifier) command(note Notification) (string, []string) {
	msg := truncate(note.Message)
	switch d.goos {
	case "linux", "freebsd", "openbsd", "netbsd":
		urgency := "normal"
		if note.Level == LevelFailure {
			urgency = "critical"
		}
		return "notify-send", []string{"-a", d.AppName, "-u", urgency, note.Title, msg}
	case "darwin":
		script := "display notification " + appleScriptQuote(msg) + " with title " + appleScriptQuote(note.Title)
		return "osascript", []string{"-e", script}
	case "windows":
		script := "[reflection.assembly]::loadwithpartialname('System.Windows.Forms') | Out-Null;" +
			"$n = New-Object System.Windows.Forms.NotifyIcon;" +
			"$n.Icon = [System.Drawing.SystemIcons]::Information;" +
			"$n.Visible = $true;" +
			"$n.ShowBalloonTip(5000, " + powerShellQuote(note.Title) + ", " + powerShellQuote(msg) + ", 'None');" +
			"Start-Sleep -Seconds 1; $n.Dispose()"
		return "powershell", []string{"-NoProfile", "-NonInteractive", "-Command", script}
	}
	return "", nil
}

func (d *DesktopNotifier) Notify(ctx context.Context, note Notification) error {
	name, args := d.command(note)
	if name == "" {
		return nil
	}
	if _, err := d.lookPath(name); err != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()
	return errors.Wrapf(d.run(ctx, name, args...), "running %s", name)
}

// MultiNotifier fans a notification out to several notifiers.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, note Notification) error {
	var errs error
	for _, n := range m {
		if err := n.Notify(ctx, note); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	return errs
}
