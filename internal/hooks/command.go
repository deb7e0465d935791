package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/soyeahso/docchat/internal/config"
)

// DefaultCommandTimeout bounds a hook command without its own timeout.
const DefaultCommandTimeout = 10 * time.Second

// CommandHandler runs entry.Command through the shell. The payload is
// written to stdin as JSON, and DOCCHAT_EVENT / DOCCHAT_SESSION_ID are set
// in the environment.
func CommandHandler(entry config.HookEntry) Handler {
	timeout := DefaultCommandTimeout
	if entry.Timeout > 0 {
		timeout = time.Duration(entry.Timeout) * time.Millisecond
	}

	return func(ctx context.Context, p Payload) error {
		input, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("encoding payload: %w", err)
		}

		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		cmd := exec.CommandContext(ctx, "sh", "-c", entry.Command)
		cmd.Stdin = bytes.NewReader(input)
		cmd.Env = append(os.Environ(),
			"DOCCHAT_EVENT="+p.Event,
			"DOCCHAT_SESSION_ID="+string(p.SessionID),
		)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		// children of the shell can hold stderr open after a kill
		cmd.WaitDelay = time.Second

		if err := cmd.Run(); err != nil {
			if msg := strings.TrimSpace(stderr.String()); msg != "" {
				return fmt.Errorf("hook %q: %w: %s", entry.Command, err, msg)
			}
			return fmt.Errorf("hook %q: %w", entry.Command, err)
		}
		return nil
	}
}

// RegisterConfig registers a command handler for every configured hook.
func (m *Manager) RegisterConfig(cfg config.HooksConfig) {
	byEvent := map[string][]config.HookEntry{
		EventSessionStart:     cfg.SessionStart,
		EventSessionEnd:       cfg.SessionEnd,
		EventDocumentIngested: cfg.DocumentIngested,
	}
	for _, event := range AllEvents {
		for i, entry := range byEvent[event] {
			m.On(event, fmt.Sprintf("config:%s:%d", event, i), CommandHandler(entry))
		}
	}
}
