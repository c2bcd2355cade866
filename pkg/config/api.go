package config

import "time"

// APIConfig holds runtime configuration for the publisher API service.
type APIConfig struct {
	Environment        string
	Addr               string
	DatabaseURL        string
	MigrationsDir      string
	PublisherToken     string
	StorageBucket      string
	StorageEndpoint    string
	StorageRegion      string
	StorageAccessKey   string
	StorageSecretKey   string
	StoragePathStyle   bool
	StorageInsecure    bool
	CDNBaseURL         string
	CDNDistributionID  string
	SiteBaseURL        string
	PagesAPIURL        string
	PagesAPIToken      string
	RendererURL        string
	UploadRetries      int
	EventBuffer        int
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
	RetentionKeep      int
	RetentionInterval  time.Duration
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("API_ADDR", ":4000"),
		DatabaseURL:        GetString("DATABASE_URL", "postgres://pagedeploy:pagedeploy@db:5432/pagedeploy?sslmode=disable"),
		MigrationsDir:      GetString("DB_MIGRATIONS_DIR", "./db/migrations"),
		PublisherToken:     GetString("PUBLISHER_AUTH_TOKEN", ""),
		StorageBucket:      GetString("STORAGE_BUCKET", "pagedeploy-sites"),
		StorageEndpoint:    GetString("STORAGE_ENDPOINT", ""),
		StorageRegion:      GetString("STORAGE_REGION", "us-east-1"),
		StorageAccessKey:   GetString("STORAGE_ACCESS_KEY", ""),
		StorageSecretKey:   GetString("STORAGE_SECRET_KEY", ""),
		StoragePathStyle:   GetBool("STORAGE_PATH_STYLE", true),
		StorageInsecure:    GetBool("STORAGE_INSECURE", false),
		CDNBaseURL:         GetString("CDN_BASE_URL", "https://cdn.pagedeploy.local"),
		CDNDistributionID:  GetString("CDN_DISTRIBUTION_ID", ""),
		SiteBaseURL:        GetString("SITE_BASE_URL", "https://sites.pagedeploy.local"),
		PagesAPIURL:        GetString("PAGES_API_URL", "http://pages:3000"),
		PagesAPIToken:      GetString("PAGES_API_TOKEN", ""),
		RendererURL:        GetString("RENDERER_URL", "http://renderer:3001"),
		UploadRetries:      GetInt("UPLOAD_RETRIES", 3),
		EventBuffer:        GetInt("WS_EVENT_BUFFER", 100),
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
		RetentionKeep:      GetInt("RETENTION_KEEP_VERSIONS", 5),
		RetentionInterval:  time.Duration(GetInt("RETENTION_SWEEP_SECONDS", 3600)) * time.Second,
	}
}
