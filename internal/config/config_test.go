package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.SampleSkipN != 2 || cfg.DebounceWindow != 3 || cfg.DebounceMinVotes != 2 {
		t.Fatalf("unexpected sampling/debounce defaults: %+v", cfg)
	}
	if cfg.RecognitionDeadline != 15*time.Second || cfg.CorrectionDeadline != 20*time.Second {
		t.Fatalf("unexpected deadlines: %v %v", cfg.RecognitionDeadline, cfg.CorrectionDeadline)
	}
	if cfg.BreakerThreshold != 3 || cfg.BreakerCooldown != 30*time.Second {
		t.Fatalf("unexpected breaker defaults: %d %v", cfg.BreakerThreshold, cfg.BreakerCooldown)
	}
	if cfg.UpstreamBaseURL != "http://127.0.0.1:1234/v1" {
		t.Fatalf("unexpected base URL: %q", cfg.UpstreamBaseURL)
	}
	if cfg.VisionModel != cfg.CorrectionModel {
		t.Fatalf("vision model should default to correction model, got %q", cfg.VisionModel)
	}
	if cfg.RecognitionBackend != BackendVision {
		t.Fatalf("unexpected backend: %q", cfg.RecognitionBackend)
	}
}

func TestLoadFileThenEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lenscribe.yaml")
	body := strings.Join([]string{
		"sample_skip_n: 5",
		"debounce_window_n: 5",
		"debounce_min_votes_k: 3",
		"upstream_base_url: http://files.example/v1/",
		"tesseract_languages: [eng, deu]",
	}, "\n")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SAMPLE_SKIP_N", "4")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.SampleSkipN != 4 {
		t.Fatalf("environment should override file, got %d", cfg.SampleSkipN)
	}
	if cfg.DebounceWindow != 5 || cfg.DebounceMinVotes != 3 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.UpstreamBaseURL != "http://files.example/v1" {
		t.Fatalf("trailing slash should be trimmed, got %q", cfg.UpstreamBaseURL)
	}
	if len(cfg.TesseractLanguages) != 2 || cfg.TesseractLanguages[1] != "deu" {
		t.Fatalf("unexpected languages: %v", cfg.TesseractLanguages)
	}
}

func TestLoadUsesConfigFileVariable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lenscribe.yaml")
	if err := os.WriteFile(path, []byte("breaker_threshold_t: 7\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BreakerThreshold != 7 {
		t.Fatalf("expected threshold from CONFIG_FILE, got %d", cfg.BreakerThreshold)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{name: "skip", env: map[string]string{"SAMPLE_SKIP_N": "0"}, want: "SAMPLE_SKIP_N"},
		{name: "votes above window", env: map[string]string{"DEBOUNCE_WINDOW_N": "2", "DEBOUNCE_MIN_VOTES_K": "3"}, want: "DEBOUNCE_MIN_VOTES_K"},
		{name: "confidence range", env: map[string]string{"MIN_BOX_CONFIDENCE": "1.5"}, want: "MIN_BOX_CONFIDENCE"},
		{name: "backend", env: map[string]string{"RECOGNITION_BACKEND": "paddle"}, want: "RECOGNITION_BACKEND"},
		{name: "threshold", env: map[string]string{"BREAKER_THRESHOLD_T": "0"}, want: "BREAKER_THRESHOLD_T"},
		{name: "mqtt encoding", env: map[string]string{"MQTT_BROKER": "tcp://localhost:1883", "MQTT_ENCODING": "xml"}, want: "MQTT_ENCODING"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("CONFIG_FILE", "")
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %s, got %v", tc.want, err)
			}
		})
	}
}
