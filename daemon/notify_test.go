package daemon

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/cumulus13/ddf/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingNotifier keeps every notification for assertions.
type recordingNotifier struct {
	mu    sync.Mutex
	notes []Notification
	ch    chan Notification
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{ch: make(chan Notification, 32)}
}

func (r *recordingNotifier) Notify(ctx context.Context, n Notification) error {
	r.mu.Lock()
	r.notes = append(r.notes, n)
	r.mu.Unlock()
	r.ch <- n
	return nil
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("  short\n"))
	long := strings.Repeat("✅", 300)
	out := truncate(long)
	assert.Equal(t, maxNotificationRunes, len([]rune(out)))
	assert.True(t, strings.HasSuffix(out, "..."))
}

func TestDesktopNotifierCommands(t *testing.T) {
	d := NewDesktopNotifier("ddf")
	var ran []string
	d.run = func(ctx context.Context, name string, args ...string) error {
		ran = append(ran, name+" "+strings.Join(args, "|"))
		return nil
	}
	d.lookPath = func(string) (string, error) { return "/usr/bin/x", nil }

	d.goos = "linux"
	require.NoError(t, d.Notify(context.Background(), Notification{Title: "Command Failed", Message: "❌ nope", Level: LevelFailure}))
	d.goos = "darwin"
	require.NoError(t, d.Notify(context.Background(), Notification{Title: `Say "hi"`, Message: "done"}))
	d.goos = "windows"
	require.NoError(t, d.Notify(context.Background(), Notification{Title: "it's", Message: "ok"}))
	d.goos = "plan9"
	require.NoError(t, d.Notify(context.Background(), Notification{Title: "x"}))

	require.Len(t, ran, 3)
	assert.Equal(t, "notify-send -a|ddf|-u|critical|Command Failed|❌ nope", ran[0])
	assert.Equal(t, `osascript -e|display notification "done" with title "Say \"hi\""`, ran[1])
	assert.True(t, strings.HasPrefix(ran[2], "powershell -NoProfile|-NonInteractive|-Command|"))
	assert.Contains(t, ran[2], "ShowBalloonTip(5000, 'it''s', 'ok', 'None')")
}

func TestDesktopNotifierMissingTool(t *testing.T) {
	d := NewDesktopNotifier("ddf")
	d.goos = "linux"
	d.lookPath = func(string) (string, error) { return "", errors.New("not found") }
	d.run = func(context.Context, string, ...string) error {
		t.Fatal("should not run")
		return nil
	}
	assert.NoError(t, d.Notify(context.Background(), Notification{Title: "x"}))
}

func TestMultiNotifier(t *testing.T) {
	log := logger.NewTestLogger()
	rec := newRecordingNotifier()
	m := MultiNotifier{LogNotifier{Log: log}, rec}
	require.NoError(t, m.Notify(context.Background(), Notification{Title: "Server Error", Message: "boom", Level: LevelFailure}))
	assert.Equal(t, 1, log.Count("ERROR", "Server Error: boom"))
	assert.Len(t, rec.notes, 1)
}
