package main

import (
	"testing"

	"github.com/alicebob/miniredis/v2"

	"umamisso/internal/observability"
	"umamisso/internal/storage"
	"umamisso/internal/teams"
)

func TestOpenRuleStoreDefaultDisablesEngine(t *testing.T) {
	clearEnv(t)
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	rs, err := openRuleStore(cfg, observability.Discard())
	if err != nil {
		t.Fatalf("openRuleStore: %v", err)
	}
	if rs != nil {
		t.Fatalf("expected no rule store without REDIS_URL, got %T", rs)
	}
	engine := teams.NewEngine(rs, storage.NewMemoryTeamStore(), observability.Discard())
	if engine.Enabled() {
		t.Error("engine must be disabled when no rule store is configured")
	}
}

func TestOpenRuleStoreBackends(t *testing.T) {
	mr := miniredis.RunT(t)

	tests := []struct {
		name        string
		env         map[string]string
		wantEnabled bool
		wantRedis   bool
	}{
		{name: "memory opt-in", env: map[string]string{"UMAMISSO_RULE_STORE": "memory"}, wantEnabled: true},
		{name: "redis from url", env: map[string]string{"REDIS_URL": "redis://" + mr.Addr()}, wantEnabled: true, wantRedis: true},
		{name: "explicit none wins over url", env: map[string]string{"REDIS_URL": "redis://" + mr.Addr(), "UMAMISSO_RULE_STORE": "none"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			cfg, err := LoadConfig("")
			if err != nil {
				t.Fatalf("LoadConfig: %v", err)
			}
			rs, err := openRuleStore(cfg, observability.Discard())
			if err != nil {
				t.Fatalf("openRuleStore: %v", err)
			}
			if redis, ok := rs.(*teams.RedisRuleStore); ok {
				t.Cleanup(func() { _ = redis.Close() })
			}
			if _, ok := rs.(*teams.RedisRuleStore); ok != tt.wantRedis {
				t.Errorf("redis store = %v, want %v (got %T)", ok, tt.wantRedis, rs)
			}
			engine := teams.NewEngine(rs, storage.NewMemoryTeamStore(), observability.Discard())
			if engine.Enabled() != tt.wantEnabled {
				t.Errorf("Enabled() = %v, want %v", engine.Enabled(), tt.wantEnabled)
			}
		})
	}
}
