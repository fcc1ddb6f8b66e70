package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestGetEnvDuration(t *testing.T) {
	tests := []struct {
		value    string
		expected time.Duration
	}{
		{"", 5 * time.Minute},
		{"90s", 90 * time.Second},
		{"2", 2 * time.Hour},
		{"0.5", 30 * time.Minute},
		{"soon", 5 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("TEST_DURATION", tt.value)
			if got := getEnvDuration("TEST_DURATION", 5*time.Minute); got != tt.expected {
				t.Errorf("getEnvDuration(%q) = %s, want %s", tt.value, got, tt.expected)
			}
		})
	}
}

func TestGetEnvList(t *testing.T) {
	t.Setenv("TEST_LIST", " https://a.example, ,https://b.example ")
	got := getEnvList("TEST_LIST", nil)
	if len(got) != 2 || got[0] != "https://a.example" || got[1] != "https://b.example" {
		t.Errorf("unexpected list: %v", got)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "STORAGE_BACKEND=s3\nS3_BUCKET=photos\nRATE_LIMIT_DOWNLOAD=5\nRATE_LIMIT_DOWNLOAD_WINDOW=10m\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write env file: %v", err)
	}
	// godotenv never overrides variables that are already set.
	for _, key := range []string{"STORAGE_BACKEND", "S3_BUCKET", "RATE_LIMIT_DOWNLOAD", "RATE_LIMIT_DOWNLOAD_WINDOW"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.StorageBackend != BackendS3 || cfg.S3Bucket != "photos" {
		t.Errorf("unexpected storage config: %s %s", cfg.StorageBackend, cfg.S3Bucket)
	}
	if cfg.DownloadRateLimit.Limit != 5 || cfg.DownloadRateLimit.Window != 10*time.Minute {
		t.Errorf("unexpected download limit: %+v", cfg.DownloadRateLimit)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}

	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Error("expected error for missing env file")
	}
}

func TestValidate(t *testing.T) {
	t.Run("defaults are valid", func(t *testing.T) {
		t.Setenv("STORAGE_BACKEND", "")
		if err := fromEnv().Validate(); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("reports every problem", func(t *testing.T) {
		cfg := fromEnv()
		cfg.StorageBackend = BackendS3
		cfg.S3Bucket = ""
		cfg.S3AccessKey = "only-half"
		cfg.S3SecretKey = ""
		cfg.APIRateLimit.Limit = 0

		err := cfg.Validate()
		if err == nil {
			t.Fatal("expected validation errors")
		}
		for _, want := range []string{"S3_BUCKET", "S3_SECRET_ACCESS_KEY", "api rate limit"} {
			if !strings.Contains(err.Error(), want) {
				t.Errorf("expected %q in %q", want, err.Error())
			}
		}
	})

	t.Run("unknown backend", func(t *testing.T) {
		cfg := fromEnv()
		cfg.StorageBackend = "ftp"
		if err := cfg.Validate(); err == nil {
			t.Error("expected error for unknown backend")
		}
	})
}

func TestTrustedProxyRanges(t *testing.T) {
	cfg := &Config{TrustedProxies: []string{"10.0.0.0/8", "192.0.2.10", "2001:db8::1"}}
	ranges, err := cfg.TrustedProxyRanges()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"10.0.0.0/8", "192.0.2.10/32", "2001:db8::1/128"}
	if len(ranges) != len(want) {
		t.Fatalf("expected %d ranges, got %v", len(want), ranges)
	}
	for i, r := range ranges {
		if r.String() != want[i] {
			t.Errorf("range %d = %s, want %s", i, r, want[i])
		}
	}

	cfg.TrustedProxies = []string{"proxy.internal"}
	if _, err := cfg.TrustedProxyRanges(); err == nil {
		t.Error("expected error for a hostname")
	}

	t.Setenv("STORAGE_BACKEND", "")
	bad := fromEnv()
	bad.TrustedProxies = []string{"10.0.0.0/33"}
	if err := bad.Validate(); err == nil || !strings.Contains(err.Error(), "TRUSTED_PROXIES") {
		t.Errorf("expected TRUSTED_PROXIES error, got %v", err)
	}
}
