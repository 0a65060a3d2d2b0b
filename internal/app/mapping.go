package app

import (
	"fmt"
	"strings"
	"time"

	"taskmill/internal/config"
	"taskmill/internal/notify"
	"taskmill/internal/recur"
	"taskmill/internal/scheduler"
	"taskmill/internal/store"
)

func mapSchedulerOptions(cfg *config.Config) (scheduler.Options, error) {
	if cfg == nil {
		return scheduler.Options{}, nil
	}
	sc := cfg.Scheduler

	interval, err := config.ParseDurationOrDefault("scheduler.interval", sc.Interval, time.Second)
	if err != nil {
		return scheduler.Options{}, err
	}
	drain, err := config.ParseDurationField("scheduler.drain_timeout", sc.DrainTimeout)
	if err != nil {
		return scheduler.Options{}, err
	}
	if sc.ParallelLimit < 0 {
		return scheduler.Options{}, fmt.Errorf("scheduler.parallel_limit must be >= 0")
	}
	if sc.FetchBatch < 0 {
		return scheduler.Options{}, fmt.Errorf("scheduler.fetch_batch must be >= 0")
	}

	policy := scheduler.UnresolvedFail
	if strings.TrimSpace(sc.OnUnresolved) != "" {
		policy, err = scheduler.ParseUnresolvedPolicy(sc.OnUnresolved)
		if err != nil {
			return scheduler.Options{}, fmt.Errorf("scheduler.on_unresolved: %w", err)
		}
	}

	return scheduler.Options{
		Interval:      interval,
		ParallelLimit: sc.ParallelLimit,
		FetchBatch:    sc.FetchBatch,
		OnUnresolved:  policy,
		DrainTimeout:  drain,
	}, nil
}

func mapStoreConfig(cfg *config.Config) (store.Config, error) {
	if cfg == nil {
		return store.Config{}, nil
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return store.Config{}, err
	}
	return store.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		DSN:         cfg.Storage.DSN,
		BusyTimeout: busy,
	}, nil
}

func mapRecurDefs(cfg *config.Config) ([]recur.Definition, error) {
	if cfg == nil || len(cfg.Recurring) == 0 {
		return nil, nil
	}
	defs := make([]recur.Definition, 0, len(cfg.Recurring))
	for i, rc := range cfg.Recurring {
		if strings.TrimSpace(rc.Schedule) == "" {
			return nil, fmt.Errorf("recurring[%d].schedule is required", i)
		}
		if strings.TrimSpace(rc.Handler) == "" {
			return nil, fmt.Errorf("recurring[%d].handler is required", i)
		}
		if rc.RetryLimit < 0 {
			return nil, fmt.Errorf("recurring[%d].retry_limit must be >= 0", i)
		}
		timeout, err := config.ParseDurationField(fmt.Sprintf("recurring[%d].timeout", i), rc.Timeout)
		if err != nil {
			return nil, err
		}
		name := rc.Name
		if strings.TrimSpace(name) == "" {
			name = rc.Handler
		}
		defs = append(defs, recur.Definition{
			Name:        name,
			Schedule:    rc.Schedule,
			HandlerKind: rc.Handler,
			Config:      rc.Config,
			Owner:       rc.Owner,
			RetryLimit:  rc.RetryLimit,
			Timeout:     timeout,
		})
	}
	return defs, nil
}

func mapNotifyConfig(cfg *config.Config) (notify.Config, error) {
	if cfg == nil || cfg.Notify == nil {
		return notify.Config{}, nil
	}
	nc := *cfg.Notify
	if nc.Enabled && strings.TrimSpace(nc.URL) == "" {
		return notify.Config{}, fmt.Errorf("notify.url is required when notify is enabled")
	}
	return notify.Config{
		Enabled:  nc.Enabled,
		URL:      nc.URL,
		Exchange: nc.Exchange,
	}, nil
}

func metricsAddr(cfg *config.Config) string {
	if cfg == nil || cfg.Metrics == nil || !cfg.Metrics.Enabled {
		return ""
	}
	if strings.TrimSpace(cfg.Metrics.Addr) != "" {
		return cfg.Metrics.Addr
	}
	return "127.0.0.1:9127"
}
