package control_test

import (
	"errors"
	"testing"
	"time"

	"github.com/momentics/hioload-relay/api"
	"github.com/momentics/hioload-relay/control"
)

func validConfig() control.Config {
	cfg := control.DefaultConfig()
	cfg.Source = "239.1.1.1:5000"
	return cfg
}

func TestDefaultConfigNeedsSource(t *testing.T) {
	err := control.DefaultConfig().Validate()
	var ae *api.Error
	if !errors.As(err, &ae) || ae.Context["field"] != "Source" {
		t.Fatalf("expected a Source error, got %v", err)
	}
	if !errors.Is(err, api.ErrInvalidArgument) {
		t.Fatal("config errors should match ErrInvalidArgument")
	}
	if err := validConfig().Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*control.Config){
		"Workers":        func(c *control.Config) { c.Workers = 0 },
		"BufferSize":     func(c *control.Config) { c.BufferSize = 100 },
		"PoolMax":        func(c *control.Config) { c.PoolMax = c.PoolInitial - 1 },
		"HighWatermark":  func(c *control.Config) { c.HighWatermark = c.LowWatermark - 1 },
		"ReorderWindow":  func(c *control.Config) { c.ReorderWindow = 500 },
		"ReorderCollect": func(c *control.Config) { c.ReorderCollect = c.ReorderWindow + 1 },
		"MaxIovecs":      func(c *control.Config) { c.MaxIovecs = 0 },
		"BatchTimeout":   func(c *control.Config) { c.BatchTimeout = 0 },
	}
	for field, mutate := range cases {
		cfg := validConfig()
		mutate(&cfg)
		var ae *api.Error
		if err := cfg.Validate(); !errors.As(err, &ae) || ae.Context["field"] != field {
			t.Errorf("%s: got %v", field, err)
		}
	}
}

func TestConfigStoreReload(t *testing.T) {
	cs, err := control.NewConfigStore(validConfig())
	if err != nil {
		t.Fatal(err)
	}
	var seen []time.Duration
	cs.OnReload(func(c control.Config) { seen = append(seen, c.BatchTimeout) })

	next := cs.Load()
	next.BatchTimeout = 50 * time.Millisecond
	if err := cs.Store(next); err != nil {
		t.Fatal(err)
	}
	if cs.Load().BatchTimeout != 50*time.Millisecond || len(seen) != 1 || seen[0] != 50*time.Millisecond {
		t.Fatalf("reload not applied: %v", seen)
	}

	bad := next
	bad.Workers = -1
	if err := cs.Store(bad); err == nil {
		t.Fatal("invalid config stored")
	}
	if cs.Load().Workers != next.Workers || len(seen) != 1 {
		t.Fatal("rejected config leaked through")
	}
}

func TestMetricsRegistry(t *testing.T) {
	mr := control.NewMetricsRegistry()
	mr.Set("worker.1", 10)
	mr.Set("worker.0", 5)
	mr.Set("other", 1)
	if keys := mr.Keys("worker."); len(keys) != 2 || keys[0] != "worker.0" {
		t.Fatalf("keys %v", keys)
	}
	if v, ok := mr.Get("worker.1"); !ok || v.(int) != 10 {
		t.Fatalf("get %v %v", v, ok)
	}
	snap := mr.GetSnapshot()
	mr.Delete("worker.1")
	if _, ok := snap["worker.1"]; !ok {
		t.Fatal("snapshot is not a copy")
	}
	if _, ok := mr.Get("worker.1"); ok {
		t.Fatal("delete ignored")
	}
	if mr.Updated().IsZero() {
		t.Fatal("update time not tracked")
	}
}

func TestDebugProbes(t *testing.T) {
	dp := control.NewDebugProbes()
	control.RegisterPlatformProbes(dp)
	dp.RegisterProbe("answer", func() any { return 42 })
	state := dp.DumpState()
	if state["answer"] != 42 || state["platform.cpus"].(int) < 1 {
		t.Fatalf("state %v", state)
	}
	dp.UnregisterProbe("answer")
	if _, ok := dp.DumpState()["answer"]; ok {
		t.Fatal("probe not removed")
	}
}
