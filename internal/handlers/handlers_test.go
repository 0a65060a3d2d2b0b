package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"taskmill/internal/task"
)

func TestRegisterBuiltin(t *testing.T) {
	reg := task.NewRegistry()
	RegisterBuiltin(reg)
	for _, kind := range []string{KindCommand, KindHTTP, KindSleep} {
		if _, err := reg.Resolve(kind); err != nil {
			t.Fatalf("resolve %s: %v", kind, err)
		}
	}
}

func TestCommandHandler(t *testing.T) {
	ctx := context.Background()

	if _, err := (Command{}).Execute(ctx, nil); err == nil {
		t.Fatalf("missing cmd key should error")
	}

	res, err := (Command{}).Execute(ctx, map[string]string{"cmd": "echo", "args": "hello world"})
	if err != nil {
		t.Fatalf("echo: %v", err)
	}
	if !res.OK || res.Message != "hello world" {
		t.Fatalf("unexpected echo result: %+v", res)
	}

	// Non-zero exit is a logical failure, not an error.
	res, err = (Command{}).Execute(ctx, map[string]string{"cmd": "false"})
	if err != nil {
		t.Fatalf("false: %v", err)
	}
	if res.OK || res.Message != "exit code 1" {
		t.Fatalf("expected logical failure, got %+v", res)
	}
}

func TestCommandHandlerHonorsContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := (Command{}).Execute(ctx, map[string]string{"cmd": "sleep", "args": "10"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestHTTPHandler(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/teapot" {
			w.WriteHeader(http.StatusTeapot)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx := context.Background()
	h := NewHTTP()

	res, err := h.Execute(ctx, map[string]string{"url": srv.URL})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !res.OK {
		t.Fatalf("2xx should be ok: %+v", res)
	}

	res, err = h.Execute(ctx, map[string]string{"url": srv.URL + "/teapot"})
	if err != nil {
		t.Fatalf("teapot: %v", err)
	}
	if res.OK {
		t.Fatalf("418 should be a logical failure: %+v", res)
	}

	// An explicit expectation overrides the 2xx default.
	res, err = h.Execute(ctx, map[string]string{"url": srv.URL + "/teapot", "expect_status": "418"})
	if err != nil {
		t.Fatalf("expect_status: %v", err)
	}
	if !res.OK {
		t.Fatalf("expected status match, got %+v", res)
	}

	if _, err := h.Execute(ctx, map[string]string{}); err == nil {
		t.Fatalf("missing url should error")
	}
}

func TestSleepHandler(t *testing.T) {
	res, err := sleepHandler(context.Background(), map[string]string{"for": "10ms"})
	if err != nil || !res.OK {
		t.Fatalf("sleep: %+v %v", res, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := sleepHandler(ctx, map[string]string{"for": "10s"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}

	if _, err := sleepHandler(context.Background(), map[string]string{"for": "nope"}); err == nil {
		t.Fatalf("invalid duration should error")
	}
}
