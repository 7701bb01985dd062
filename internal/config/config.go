package config

import (
	"crypto/rand"
	"encoding/hex"
	"log"
	"os"
	"strconv"
)

type Config struct {
	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string

	// Redis
	RedisHost     string
	RedisPort     int
	RedisPassword string

	// JWT
	JWTSecret      string
	JWTExpireHours int

	// API
	APIPort int

	// Quota / retention defaults (spec §9 Open Question: these are
	// settings, resolved per-tier by internal/settings, with these as the
	// process-wide fallback when unset at every tier)
	RetentionGraceDays   int
	ReconcileDriftPctE4  int // drift threshold in hundredths of a percent, e.g. 100 = 1%
	DefaultBackupSizeBytes int64

	// Object storage master key material (spec §4.4 credential seal)
	MasterKeyHex string

	// Node daemon temp root (spec §6.4)
	TempRoot string
}

func generateSecureSecret(length int) string {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return hex.EncodeToString([]byte(os.Getenv("HOSTNAME") + string(rune(length))))
	}
	return hex.EncodeToString(bytes)
}

func Load() *Config {
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		jwtSecret = generateSecureSecret(32)
		log.Println("WARNING: JWT_SECRET not set - generated random secret. A secret already persisted in the database takes precedence.")
	}

	dbPassword := getEnv("DB_PASSWORD", "")
	if dbPassword == "" {
		log.Println("WARNING: DB_PASSWORD not set - this is insecure for production!")
		dbPassword = "changeme"
	}

	redisPassword := getEnv("REDIS_PASSWORD", "")
	if redisPassword == "" {
		log.Println("WARNING: REDIS_PASSWORD not set - Redis is not secured!")
	}

	masterKeyHex := getEnv("MASTER_KEY_HEX", "")
	if masterKeyHex == "" {
		log.Println("WARNING: MASTER_KEY_HEX not set - generated random key. Key generations already persisted in the database take precedence.")
		masterKeyHex = generateSecureSecret(32)
	}

	return &Config{
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnvInt("DB_PORT", 5432),
		DBUser:     getEnv("DB_USER", "wpbackup"),
		DBPassword: dbPassword,
		DBName:     getEnv("DB_NAME", "wpbackup"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnvInt("REDIS_PORT", 6379),
		RedisPassword: redisPassword,

		JWTSecret:      jwtSecret,
		JWTExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 24),

		APIPort: getEnvInt("API_PORT", 8080),

		RetentionGraceDays:     getEnvInt("RETENTION_GRACE_DAYS", 7),
		ReconcileDriftPctE4:    getEnvInt("RECONCILE_DRIFT_PCT_E4", 100),
		DefaultBackupSizeBytes: int64(getEnvInt("DEFAULT_BACKUP_SIZE_MB", 1024)) * 1024 * 1024,

		MasterKeyHex: masterKeyHex,
		TempRoot:     getEnv("TEMP_ROOT", "/var/tmp/wp-backup-work"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// NodeConfig is the Backup Daemon's own process config (spec §4.2, §4.4):
// unlike Config, it never touches Postgres or Redis directly. The daemon's
// only channel back to the fleet is nodeclient's HTTP calls to Master, so an
// API key on disk is the daemon's entire local state besides its temp root.
type NodeConfig struct {
	MasterURL     string
	Hostname      string
	Address       string
	TempRoot      string
	APIKeyPath    string
	BandwidthBPS  int64
	PollInterval  int // seconds between due-sites polls
}

func LoadNode() *NodeConfig {
	hostname, _ := os.Hostname()
	return &NodeConfig{
		MasterURL:    getEnv("MASTER_URL", "http://localhost:8080"),
		Hostname:     getEnv("NODE_HOSTNAME", hostname),
		Address:      getEnv("NODE_ADDRESS", ""),
		TempRoot:     getEnv("TEMP_ROOT", "/var/tmp/wp-backup-work"),
		APIKeyPath:   getEnv("NODE_API_KEY_PATH", "/etc/wpbackup/node.key"),
		BandwidthBPS: int64(getEnvInt("BANDWIDTH_LIMIT_BPS", 0)),
		PollInterval: getEnvInt("POLL_INTERVAL_SECONDS", 60),
	}
}
