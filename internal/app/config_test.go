package app

import (
	"os"
	"testing"
	"time"
)

var configEnvVars = []string{
	"HTTP_ADDR", "MONGO_URI", "MONGO_DB", "MONGO_TORRENTS_COLLECTION", "MONGO_FILES_COLLECTION",
	"LOG_LEVEL", "LOG_FORMAT", "TORRENT_DATA_DIR", "TORRENT_ADD_TIMEOUT", "TORRENT_NO_PEERS_TIMEOUT",
	"QUOTA_CEILING_BYTES", "QUOTA_INTERVAL", "QUOTA_INITIAL_DELAY",
	"SAMPLER_INTERVAL", "FILE_TRACKER_INTERVAL",
	"CLEANUP_INTERVAL", "CLEANUP_RETENTION_DAYS",
	"DISK_MIN_FREE_BYTES", "DISK_RESUME_FREE_BYTES", "DISK_PRESSURE_INTERVAL",
	"CORS_ALLOWED_ORIGINS",
}

func setEnvs(t *testing.T, envs map[string]string) {
	t.Helper()
	for k, v := range envs {
		t.Setenv(k, v)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	// Clear all env vars that LoadConfig reads so we get pure defaults.
	for _, k := range configEnvVars {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}

	cfg := LoadConfig()

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"HTTPAddr", cfg.HTTPAddr, ":8080"},
		{"MongoURI", cfg.MongoURI, "mongodb://localhost:27017"},
		{"MongoDatabase", cfg.MongoDatabase, "torrentvault"},
		{"MongoTorrentsCollection", cfg.MongoTorrentsCollection, "torrents"},
		{"MongoFilesCollection", cfg.MongoFilesCollection, "files"},
		{"LogLevel", cfg.LogLevel, "info"},
		{"LogFormat", cfg.LogFormat, "text"},
		{"TorrentDataDir", cfg.TorrentDataDir, "data"},
		{"AddTimeout", cfg.AddTimeout, 60 * time.Second},
		{"NoPeersTimeout", cfg.NoPeersTimeout, 2 * time.Minute},
		{"QuotaCeilingBytes", cfg.QuotaCeilingBytes, int64(50 << 30)},
		{"QuotaInterval", cfg.QuotaInterval, 6 * time.Hour},
		{"QuotaInitialDelay", cfg.QuotaInitialDelay, 30 * time.Minute},
		{"SamplerInterval", cfg.SamplerInterval, 5 * time.Second},
		{"FileTrackerInterval", cfg.FileTrackerInterval, 10 * time.Second},
		{"CleanupInterval", cfg.CleanupInterval, 24 * time.Hour},
		{"CleanupRetentionDays", cfg.CleanupRetentionDays, 30},
		{"MinDiskFreeBytes", cfg.MinDiskFreeBytes, int64(1 << 30)},
		{"ResumeDiskFreeBytes", cfg.ResumeDiskFreeBytes, int64(2 << 30)},
		{"DiskPressureInterval", cfg.DiskPressureInterval, 30 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v (%T), want %v (%T)", tt.got, tt.got, tt.want, tt.want)
			}
		})
	}

	if len(cfg.CORSAllowedOrigins) != 0 {
		t.Errorf("CORSAllowedOrigins: got %v, want nil/empty", cfg.CORSAllowedOrigins)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	setEnvs(t, map[string]string{
		"HTTP_ADDR":                 ":9090",
		"MONGO_URI":                 "mongodb://remote:27017",
		"MONGO_DB":                  "mydb",
		"MONGO_TORRENTS_COLLECTION": "t",
		"MONGO_FILES_COLLECTION":    "f",
		"LOG_LEVEL":                 "DEBUG",
		"LOG_FORMAT":                "JSON",
		"TORRENT_DATA_DIR":          "/mnt/data",
		"TORRENT_ADD_TIMEOUT":       "90s",
		"QUOTA_CEILING_BYTES":       "0",
		"QUOTA_INTERVAL":            "1h",
		"SAMPLER_INTERVAL":          "2",
		"CLEANUP_RETENTION_DAYS":    "7",
		"DISK_MIN_FREE_BYTES":       "0",
		"CORS_ALLOWED_ORIGINS":      "http://localhost:3000, https://example.com",
	})

	cfg := LoadConfig()

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"HTTPAddr", cfg.HTTPAddr, ":9090"},
		{"MongoURI", cfg.MongoURI, "mongodb://remote:27017"},
		{"MongoDatabase", cfg.MongoDatabase, "mydb"},
		{"MongoTorrentsCollection", cfg.MongoTorrentsCollection, "t"},
		{"MongoFilesCollection", cfg.MongoFilesCollection, "f"},
		{"LogLevel", cfg.LogLevel, "debug"},
		{"LogFormat", cfg.LogFormat, "json"},
		{"TorrentDataDir", cfg.TorrentDataDir, "/mnt/data"},
		{"AddTimeout", cfg.AddTimeout, 90 * time.Second},
		{"QuotaCeilingBytes", cfg.QuotaCeilingBytes, int64(0)},
		{"QuotaInterval", cfg.QuotaInterval, time.Hour},
		{"SamplerInterval", cfg.SamplerInterval, 2 * time.Second},
		{"CleanupRetentionDays", cfg.CleanupRetentionDays, 7},
		{"MinDiskFreeBytes", cfg.MinDiskFreeBytes, int64(0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v (%T), want %v (%T)", tt.got, tt.got, tt.want, tt.want)
			}
		})
	}

	wantOrigins := []string{"http://localhost:3000", "https://example.com"}
	if len(cfg.CORSAllowedOrigins) != len(wantOrigins) {
		t.Fatalf("CORSAllowedOrigins: got %d entries, want %d", len(cfg.CORSAllowedOrigins), len(wantOrigins))
	}
	for i, got := range cfg.CORSAllowedOrigins {
		if got != wantOrigins[i] {
			t.Errorf("CORSAllowedOrigins[%d]: got %q, want %q", i, got, wantOrigins[i])
		}
	}
}

func TestGetEnvInt64InvalidFallsBack(t *testing.T) {
	tests := []struct {
		name     string
		envVal   string
		fallback int64
		want     int64
	}{
		{"empty string", "", 42, 42},
		{"not a number", "abc", 42, 42},
		{"negative number", "-5", 42, 42},
		{"zero", "0", 42, 0},
		{"valid positive", "100", 42, 100},
		{"whitespace around number", "  50  ", 42, 50},
		{"float", "3.14", 42, 42},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_INT_VAR", tt.envVal)
			got := getEnvInt64("TEST_INT_VAR", tt.fallback)
			if got != tt.want {
				t.Errorf("getEnvInt64(%q, %d) = %d, want %d", tt.envVal, tt.fallback, got, tt.want)
			}
		})
	}
}

func TestGetEnvDuration(t *testing.T) {
	tests := []struct {
		name   string
		envVal string
		want   time.Duration
	}{
		{"empty", "", time.Minute},
		{"go duration", "90s", 90 * time.Second},
		{"hours", "6h", 6 * time.Hour},
		{"bare seconds", "15", 15 * time.Second},
		{"zero falls back", "0", time.Minute},
		{"negative falls back", "-3s", time.Minute},
		{"garbage falls back", "soon", time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_DURATION_VAR", tt.envVal)
			if got := getEnvDuration("TEST_DURATION_VAR", time.Minute); got != tt.want {
				t.Errorf("getEnvDuration(%q) = %v, want %v", tt.envVal, got, tt.want)
			}
		})
	}
}

func TestParseCSV(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"empty string", "", nil},
		{"whitespace only", "   ", nil},
		{"single value", "http://localhost:3000", []string{"http://localhost:3000"}},
		{"multiple values", "a,b,c", []string{"a", "b", "c"}},
		{"values with spaces", " a , b , c ", []string{"a", "b", "c"}},
		{"trailing comma", "a,b,", []string{"a", "b"}},
		{"empty entries filtered", "a,,b,,c", []string{"a", "b", "c"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseCSV(tt.input)
			if tt.want == nil {
				if got != nil {
					t.Errorf("parseCSV(%q) = %v, want nil", tt.input, got)
				}
				return
			}
			if len(got) != len(tt.want) {
				t.Fatalf("parseCSV(%q) returned %d elements, want %d", tt.input, len(got), len(tt.want))
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("parseCSV(%q)[%d] = %q, want %q", tt.input, i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestGetEnvFallback(t *testing.T) {
	t.Setenv("TEST_EXISTING", "hello")

	if got := getEnv("TEST_EXISTING", "default"); got != "hello" {
		t.Errorf("getEnv(existing) = %q, want %q", got, "hello")
	}

	t.Setenv("TEST_MISSING_XYZ", "")
	os.Unsetenv("TEST_MISSING_XYZ")
	if got := getEnv("TEST_MISSING_XYZ", "default"); got != "default" {
		t.Errorf("getEnv(missing) = %q, want %q", got, "default")
	}
}

func TestLogLevelCaseInsensitive(t *testing.T) {
	t.Setenv("LOG_LEVEL", "DEBUG")
	cfg := LoadConfig()
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel: got %q, want %q", cfg.LogLevel, "debug")
	}

	t.Setenv("LOG_LEVEL", "Warn")
	cfg = LoadConfig()
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel: got %q, want %q", cfg.LogLevel, "warn")
	}
}
