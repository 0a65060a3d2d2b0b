// Package handlers ships the built-in task handlers registered by the daemon.
//
// Embedders of the scheduler register their own; these cover the common
// operational cases (run a command, call an HTTP endpoint) and smoke testing.
package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"taskmill/internal/task"
)

// Kinds of the built-in handlers.
const (
	KindCommand = "command"
	KindHTTP    = "http"
	KindSleep   = "sleep"
)

// RegisterBuiltin binds all built-in handlers on the registry.
func RegisterBuiltin(reg *task.Registry) {
	reg.Register(KindCommand, Command{})
	reg.RegisterConstructor(KindHTTP, func() task.Handler { return NewHTTP() })
	reg.Register(KindSleep, task.HandlerFunc(sleepHandler))
}

// Command runs a program with arguments.
//
// Config keys: "cmd" (required), "args" (whitespace-separated), "dir".
// A non-zero exit is a logical failure; stderr ends up in the warning.
type Command struct{}

func (Command) Execute(ctx context.Context, cfg map[string]string) (task.Result, error) {
	name := strings.TrimSpace(cfg["cmd"])
	if name == "" {
		return task.Result{}, fmt.Errorf("command handler: %q config key is required", "cmd")
	}
	var args []string
	if raw := strings.TrimSpace(cfg["args"]); raw != "" {
		args = strings.Fields(raw)
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = cfg["dir"]
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return task.Result{}, ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return task.Result{
				OK:      false,
				Message: fmt.Sprintf("exit code %d", exitErr.ExitCode()),
				Warning: truncate(stderr.String(), 1024),
			}, nil
		}
		return task.Result{}, err
	}
	return task.Result{
		OK:      true,
		Message: truncate(strings.TrimSpace(stdout.String()), 1024),
		Warning: truncate(strings.TrimSpace(stderr.String()), 1024),
	}, nil
}

// HTTP performs one HTTP request.
//
// Config keys: "url" (required), "method" (default GET), "body",
// "expect_status" (default "2xx").
type HTTP struct {
	client *http.Client
}

func NewHTTP() *HTTP {
	return &HTTP{client: &http.Client{Timeout: 30 * time.Second}}
}

func (h *HTTP) Execute(ctx context.Context, cfg map[string]string) (task.Result, error) {
	url := strings.TrimSpace(cfg["url"])
	if url == "" {
		return task.Result{}, fmt.Errorf("http handler: %q config key is required", "url")
	}
	method := strings.ToUpper(strings.TrimSpace(cfg["method"]))
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if raw := cfg["body"]; raw != "" {
		body = strings.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return task.Result{}, err
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return task.Result{}, err
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused; the payload itself is not kept.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	if want := strings.TrimSpace(cfg["expect_status"]); want != "" && want != "2xx" {
		ok = fmt.Sprint(resp.StatusCode) == want
	}
	return task.Result{
		OK:      ok,
		Message: fmt.Sprintf("%s %s -> %d", method, url, resp.StatusCode),
	}, nil
}

// sleepHandler waits for the configured "for" duration, honoring cancellation.
// Useful for smoke-testing timeout and concurrency settings.
func sleepHandler(ctx context.Context, cfg map[string]string) (task.Result, error) {
	d := time.Second
	if raw := strings.TrimSpace(cfg["for"]); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return task.Result{}, fmt.Errorf("sleep handler: invalid duration %q: %w", raw, err)
		}
		d = parsed
	}

	select {
	case <-ctx.Done():
		return task.Result{}, ctx.Err()
	case <-time.After(d):
		return task.Result{OK: true, Message: "slept " + d.String()}, nil
	}
}

func truncate(s string, maxN int) string {
	if len(s) <= maxN {
		return s
	}
	return s[:maxN-3] + "..."
}
