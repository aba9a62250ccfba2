package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr                string
	MongoURI                string
	MongoDatabase           string
	MongoTorrentsCollection string
	MongoFilesCollection    string
	LogLevel                string
	LogFormat               string
	TorrentDataDir          string
	AddTimeout              time.Duration
	NoPeersTimeout          time.Duration
	QuotaCeilingBytes       int64 // 0 disables eviction
	QuotaInterval           time.Duration
	QuotaInitialDelay       time.Duration
	SamplerInterval         time.Duration
	FileTrackerInterval     time.Duration
	CleanupInterval         time.Duration
	CleanupRetentionDays    int
	MinDiskFreeBytes        int64 // 0 disables the disk-pressure guard
	ResumeDiskFreeBytes     int64
	DiskPressureInterval    time.Duration
	CORSAllowedOrigins      []string
}

func LoadConfig() Config {
	return Config{
		HTTPAddr:                getEnv("HTTP_ADDR", ":8080"),
		MongoURI:                getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase:           getEnv("MONGO_DB", "torrentvault"),
		MongoTorrentsCollection: getEnv("MONGO_TORRENTS_COLLECTION", "torrents"),
		MongoFilesCollection:    getEnv("MONGO_FILES_COLLECTION", "files"),
		LogLevel:                strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:               strings.ToLower(getEnv("LOG_FORMAT", "text")),
		TorrentDataDir:          getEnv("TORRENT_DATA_DIR", "data"),
		AddTimeout:              getEnvDuration("TORRENT_ADD_TIMEOUT", 60*time.Second),
		NoPeersTimeout:          getEnvDuration("TORRENT_NO_PEERS_TIMEOUT", 2*time.Minute),
		QuotaCeilingBytes:       getEnvInt64("QUOTA_CEILING_BYTES", 50<<30),
		QuotaInterval:           getEnvDuration("QUOTA_INTERVAL", 6*time.Hour),
		QuotaInitialDelay:       getEnvDuration("QUOTA_INITIAL_DELAY", 30*time.Minute),
		SamplerInterval:         getEnvDuration("SAMPLER_INTERVAL", 5*time.Second),
		FileTrackerInterval:     getEnvDuration("FILE_TRACKER_INTERVAL", 10*time.Second),
		CleanupInterval:         getEnvDuration("CLEANUP_INTERVAL", 24*time.Hour),
		CleanupRetentionDays:    int(getEnvInt64("CLEANUP_RETENTION_DAYS", 30)),
		MinDiskFreeBytes:        getEnvInt64("DISK_MIN_FREE_BYTES", 1<<30),
		ResumeDiskFreeBytes:     getEnvInt64("DISK_RESUME_FREE_BYTES", 2<<30),
		DiskPressureInterval:    getEnvDuration("DISK_PRESSURE_INTERVAL", 30*time.Second),
		CORSAllowedOrigins:      parseCSV(os.Getenv("CORS_ALLOWED_ORIGINS")),
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	if parsed < 0 {
		return fallback
	}
	return parsed
}

// getEnvDuration accepts Go duration strings ("90s", "6h") or a bare number
// of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		if secs <= 0 {
			return fallback
		}
		return time.Duration(secs) * time.Second
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func parseCSV(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
