package config

import "time"

// ServerConfig holds runtime configuration for the stevedore service.
type ServerConfig struct {
	Environment         string
	Addr                string
	DatabaseURL         string
	MigrationsDir       string
	MigrateOnBoot       bool
	ServiceToken        string
	DockerHost          string
	Registry            string
	Workdir             string
	BuildTimeout        time.Duration
	DeployTimeout       time.Duration
	ArtifactTimeout     time.Duration
	AdvisorTimeout      time.Duration
	AdvisorProvider     string
	AdvisorModel        string
	AdvisorAPIKey       string
	DefaultMaxAttempts  int
	HealthProbeInterval time.Duration
	HeartbeatInterval   time.Duration
	BacklogSize         int
	RateLimitRedisAddr  string
	RateLimitRedisPass  string
	RateLimitRedisDB    int
}

// LoadServerConfig constructs a ServerConfig from environment variables.
func LoadServerConfig() ServerConfig {
	return ServerConfig{
		Environment:         GetString("APP_ENV", "development"),
		Addr:                GetString("STEVEDORE_ADDR", ":4000"),
		DatabaseURL:         GetString("DATABASE_URL", "postgres://stevedore:stevedore@db:5432/stevedore?sslmode=disable"),
		MigrationsDir:       GetString("DB_MIGRATIONS_DIR", "./migrations"),
		MigrateOnBoot:       GetBool("DB_AUTO_MIGRATE", true),
		ServiceToken:        GetString("SERVICE_TOKEN", ""),
		DockerHost:          GetString("DOCKER_HOST", "unix:///var/run/docker.sock"),
		Registry:            GetString("DOCKER_REGISTRY", "stevedore"),
		Workdir:             GetString("STEVEDORE_WORKDIR", "/tmp/stevedore"),
		BuildTimeout:        GetSeconds("BUILD_TIMEOUT_SECONDS", 600),
		DeployTimeout:       GetSeconds("DEPLOY_TIMEOUT_SECONDS", 120),
		ArtifactTimeout:     GetSeconds("ARTIFACT_TIMEOUT_SECONDS", 10),
		AdvisorTimeout:      GetSeconds("ADVISOR_TIMEOUT_SECONDS", 300),
		AdvisorProvider:     GetString("ADVISOR_PROVIDER", "gemini"),
		AdvisorModel:        GetString("ADVISOR_MODEL", "gemini-2.0-flash"),
		AdvisorAPIKey:       GetString("ADVISOR_API_KEY", ""),
		DefaultMaxAttempts:  GetInt("DEFAULT_MAX_ATTEMPTS", 3),
		HealthProbeInterval: GetSeconds("HEALTH_PROBE_SECONDS", 30),
		HeartbeatInterval:   GetSeconds("STREAM_HEARTBEAT_SECONDS", 15),
		BacklogSize:         GetInt("STREAM_BACKLOG_SIZE", 64),
		RateLimitRedisAddr:  GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass:  GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:    GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
