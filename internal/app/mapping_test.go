package app

import (
	"testing"
	"time"

	"taskmill/internal/config"
	"taskmill/internal/scheduler"
)

func TestMapSchedulerOptions(t *testing.T) {
	cfg := &config.Config{Scheduler: config.SchedulerConfig{
		Interval:      "250ms",
		ParallelLimit: 8,
		FetchBatch:    16,
		OnUnresolved:  "wait",
		DrainTimeout:  "10s",
	}}
	opts, err := mapSchedulerOptions(cfg)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if opts.Interval != 250*time.Millisecond || opts.ParallelLimit != 8 || opts.FetchBatch != 16 {
		t.Fatalf("unexpected options: %+v", opts)
	}
	if opts.OnUnresolved != scheduler.UnresolvedWait || opts.DrainTimeout != 10*time.Second {
		t.Fatalf("unexpected options: %+v", opts)
	}

	// Omitted interval defaults to a second.
	opts, err = mapSchedulerOptions(&config.Config{})
	if err != nil {
		t.Fatalf("map empty: %v", err)
	}
	if opts.Interval != time.Second {
		t.Fatalf("default interval wrong: %v", opts.Interval)
	}

	bad := []config.SchedulerConfig{
		{Interval: "nope"},
		{ParallelLimit: -1},
		{FetchBatch: -1},
		{OnUnresolved: "explode"},
		{DrainTimeout: "-5s"},
	}
	for _, sc := range bad {
		if _, err := mapSchedulerOptions(&config.Config{Scheduler: sc}); err == nil {
			t.Fatalf("expected error for %+v", sc)
		}
	}
}

func TestMapRecurDefs(t *testing.T) {
	cfg := &config.Config{Recurring: []config.RecurringConfig{
		{Schedule: "@every 1m", Handler: "sleep", Config: map[string]string{"for": "1s"}, Timeout: "30s"},
	}}
	defs, err := mapRecurDefs(cfg)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if len(defs) != 1 || defs[0].Timeout != 30*time.Second {
		t.Fatalf("unexpected defs: %+v", defs)
	}
	if defs[0].Name != "sleep" {
		t.Fatalf("omitted name should fall back to the handler kind, got %q", defs[0].Name)
	}

	bad := []config.RecurringConfig{
		{Handler: "sleep"},                                  // no schedule
		{Schedule: "@every 1m"},                             // no handler
		{Schedule: "@every 1m", Handler: "x", Timeout: "?"}, // bad duration
		{Schedule: "@every 1m", Handler: "x", RetryLimit: -1},
	}
	for _, rc := range bad {
		if _, err := mapRecurDefs(&config.Config{Recurring: []config.RecurringConfig{rc}}); err == nil {
			t.Fatalf("expected error for %+v", rc)
		}
	}

	if defs, err := mapRecurDefs(&config.Config{}); err != nil || defs != nil {
		t.Fatalf("empty recurring should map to nil, got %v %v", defs, err)
	}
}

func TestMapNotifyConfig(t *testing.T) {
	if nc, err := mapNotifyConfig(&config.Config{}); err != nil || nc.Enabled {
		t.Fatalf("absent section should map to disabled, got %+v %v", nc, err)
	}

	_, err := mapNotifyConfig(&config.Config{Notify: &config.NotifyConfig{Enabled: true}})
	if err == nil {
		t.Fatalf("enabled notify without url should error")
	}

	nc, err := mapNotifyConfig(&config.Config{Notify: &config.NotifyConfig{Enabled: true, URL: "amqp://localhost"}})
	if err != nil || !nc.Enabled || nc.URL != "amqp://localhost" {
		t.Fatalf("unexpected notify config: %+v %v", nc, err)
	}
}

func TestMetricsAddr(t *testing.T) {
	if addr := metricsAddr(&config.Config{}); addr != "" {
		t.Fatalf("absent metrics section should disable the server, got %q", addr)
	}
	if addr := metricsAddr(&config.Config{Metrics: &config.MetricsConfig{Enabled: true}}); addr != "127.0.0.1:9127" {
		t.Fatalf("default addr wrong: %q", addr)
	}
	if addr := metricsAddr(&config.Config{Metrics: &config.MetricsConfig{Enabled: true, Addr: ":9000"}}); addr != ":9000" {
		t.Fatalf("explicit addr not honored: %q", addr)
	}
}
