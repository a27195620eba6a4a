package main

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppConfigDerivesQueue(t *testing.T) {
	path := writeConfig(t, `
redis: {addr: "r:6379"}
challengeConfig: {bucket: "cfg"}
worker:
  challengeID: "22222222-2222-2222-2222-22222222ABCD"
  consumer: "w-1"
`)
	t.Setenv(challengeIDEnv, "")
	cfg, err := loadAppConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Worker.ChallengeID != "22222222-2222-2222-2222-22222222abcd" {
		t.Fatalf("challenge id not normalized: %q", cfg.Worker.ChallengeID)
	}
	if cfg.Worker.Queue != "challenge-22222222-2222-2222-2222-22222222abcd" {
		t.Fatalf("queue = %q", cfg.Worker.Queue)
	}
	if cfg.Config.Bucket != "cfg" || cfg.Worker.BatchSize != 10 {
		t.Fatalf("defaults not applied: %+v %+v", cfg.Config, cfg.Worker)
	}
}

func TestLoadAppConfigEnvOverride(t *testing.T) {
	path := writeConfig(t, `
redis: {addr: "r:6379"}
challengeConfig: {bucket: "cfg"}
worker: {challengeID: "not-a-uuid"}
`)
	t.Setenv(challengeIDEnv, "33333333-3333-3333-3333-333333333333")
	cfg, err := loadAppConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Worker.ChallengeID != "33333333-3333-3333-3333-333333333333" {
		t.Fatalf("env override ignored: %q", cfg.Worker.ChallengeID)
	}
}

func TestLoadAppConfigRejectsBadKey(t *testing.T) {
	path := writeConfig(t, `
redis: {addr: "r:6379"}
challengeConfig: {bucket: "cfg"}
worker: {challengeID: "nope"}
`)
	t.Setenv(challengeIDEnv, "")
	if _, err := loadAppConfig(path); err == nil {
		t.Fatalf("expected error for invalid challenge id")
	}
}
