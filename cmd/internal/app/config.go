package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"voicegate/cmd/internal/access/token"
	sectoken "voicegate/cmd/security/token"
)

// Store backends.
const (
	BackendMongo    = "mongo"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

const envProduction = "production"

// Config contains all runtime configuration. Values come from an optional .env file and the environment.
type Config struct {
	Env       string `mapstructure:"APP_ENV"`
	HTTPAddr  string `mapstructure:"HTTP_ADDR"`
	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`

	ReadHeaderTimeout time.Duration `mapstructure:"HTTP_READ_HEADER_TIMEOUT"`
	ReadTimeout       time.Duration `mapstructure:"HTTP_READ_TIMEOUT"`
	WriteTimeout      time.Duration `mapstructure:"HTTP_WRITE_TIMEOUT"`
	IdleTimeout       time.Duration `mapstructure:"HTTP_IDLE_TIMEOUT"`
	MaxHeaderBytes    int           `mapstructure:"HTTP_MAX_HEADER_BYTES"`

	// AppURL prefixes share links. NEXT_PUBLIC_APP_URL is honoured when APP_URL is unset.
	AppURL       string `mapstructure:"APP_URL"`
	PublicAppURL string `mapstructure:"NEXT_PUBLIC_APP_URL"`

	TokenExpiryHours int           `mapstructure:"TOKEN_EXPIRY_HOURS"`
	SessionTTL       time.Duration `mapstructure:"SESSION_TTL"`
	TokenPolicy      string        `mapstructure:"ACCESS_TOKEN_POLICY"`
	TokenHMACKey     string        `mapstructure:"ACCESS_TOKEN_HMAC_KEY"`

	// StoreBackend is mongo, postgres or memory. Blank picks mongo when MONGODB_URI is set, then
	// postgres when DATABASE_URL is set, else memory.
	StoreBackend string `mapstructure:"STORE_BACKEND"`
	MongoURI     string `mapstructure:"MONGODB_URI"`
	MongoDB      string `mapstructure:"MONGODB_DB"`
	DatabaseURL  string `mapstructure:"DATABASE_URL"`
	DBMaxConns   int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns   int32  `mapstructure:"DB_MIN_CONNS"`
	AutoMigrate  bool   `mapstructure:"DB_AUTO_MIGRATE"`

	// CleanupInterval of 0 disables the sweeper.
	CleanupInterval time.Duration `mapstructure:"CLEANUP_INTERVAL"`
	TrustProxy      bool          `mapstructure:"TRUST_PROXY"`
	AdminAPIKey     string        `mapstructure:"ADMIN_API_KEY"`

	OpenAIAPIKey  string `mapstructure:"OPENAI_API_KEY"`
	OpenAIModel   string `mapstructure:"OPENAI_MODEL"`
	OpenAIBaseURL string `mapstructure:"OPENAI_BASE_URL"`

	ElevenLabsAPIKey  string `mapstructure:"ELEVENLABS_API_KEY"`
	ElevenLabsVoiceID string `mapstructure:"ELEVENLABS_VOICE_ID"`
	ElevenLabsModelID string `mapstructure:"ELEVENLABS_MODEL_ID"`
	ElevenLabsBaseURL string `mapstructure:"ELEVENLABS_BASE_URL"`

	WSAllowedOrigins []string `mapstructure:"WS_ALLOWED_ORIGINS"`
	WSOriginRequired bool     `mapstructure:"WS_ORIGIN_REQUIRED"`
	WSDevInsecure    bool     `mapstructure:"WS_DEV_INSECURE"`

	MetricsEnabled bool `mapstructure:"METRICS_ENABLED"`

	// Derived by LoadConfig.
	Policy  token.Policy `mapstructure:"-"`
	HMACKey []byte       `mapstructure:"-"`
}

// LoadConfig reads ./.env when present, then the environment.
func LoadConfig() (Config, error) {
	return LoadConfigFile(".env")
}

// LoadConfigFile is LoadConfig with an explicit env file. A missing file is ignored.
func LoadConfigFile(path string) (Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("env")
		_ = v.ReadInConfig()
	}
	v.AutomaticEnv()

	v.SetDefault("APP_ENV", "development")
	v.SetDefault("HTTP_ADDR", "0.0.0.0:8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("HTTP_READ_HEADER_TIMEOUT", "5s")
	v.SetDefault("HTTP_READ_TIMEOUT", "15s")
	v.SetDefault("HTTP_WRITE_TIMEOUT", "30s")
	v.SetDefault("HTTP_IDLE_TIMEOUT", "60s")
	v.SetDefault("HTTP_MAX_HEADER_BYTES", 1<<20)
	v.SetDefault("APP_URL", "")
	v.SetDefault("NEXT_PUBLIC_APP_URL", "")
	v.SetDefault("TOKEN_EXPIRY_HOURS", 24)
	v.SetDefault("SESSION_TTL", "24h")
	v.SetDefault("ACCESS_TOKEN_POLICY", string(token.PolicySingleUse))
	v.SetDefault("ACCESS_TOKEN_HMAC_KEY", "")
	v.SetDefault("STORE_BACKEND", "")
	v.SetDefault("MONGODB_URI", "")
	v.SetDefault("MONGODB_DB", "voicegate")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 0)
	v.SetDefault("DB_AUTO_MIGRATE", false)
	v.SetDefault("CLEANUP_INTERVAL", "1h")
	v.SetDefault("TRUST_PROXY", false)
	v.SetDefault("ADMIN_API_KEY", "")
	v.SetDefault("OPENAI_API_KEY", "")
	v.SetDefault("OPENAI_MODEL", "")
	v.SetDefault("OPENAI_BASE_URL", "")
	v.SetDefault("ELEVENLABS_API_KEY", "")
	v.SetDefault("ELEVENLABS_VOICE_ID", "")
	v.SetDefault("ELEVENLABS_MODEL_ID", "")
	v.SetDefault("ELEVENLABS_BASE_URL", "")
	v.SetDefault("WS_ALLOWED_ORIGINS", "http://localhost,http://127.0.0.1")
	v.SetDefault("WS_ORIGIN_REQUIRED", true)
	v.SetDefault("WS_DEV_INSECURE", false)
	v.SetDefault("METRICS_ENABLED", true)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.finish(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// finish normalises derived fields and validates.
func (c *Config) finish() error {
	c.Env = strings.ToLower(strings.TrimSpace(c.Env))
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return errors.New("config: HTTP_ADDR must be set")
	}

	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "", "json":
		c.LogFormat = "json"
	case "pretty", "text":
		c.LogFormat = "pretty"
	default:
		return fmt.Errorf("config: LOG_FORMAT must be json or pretty, got %q", c.LogFormat)
	}

	if strings.TrimSpace(c.AppURL) == "" {
		c.AppURL = strings.TrimSpace(c.PublicAppURL)
	}

	if c.TokenExpiryHours <= 0 {
		return errors.New("config: TOKEN_EXPIRY_HOURS must be positive")
	}
	if c.SessionTTL <= 0 {
		return errors.New("config: SESSION_TTL must be positive")
	}
	if c.CleanupInterval < 0 {
		return errors.New("config: CLEANUP_INTERVAL must not be negative")
	}

	p, err := token.ParsePolicy(c.TokenPolicy)
	if err != nil {
		return fmt.Errorf("config: ACCESS_TOKEN_POLICY: %w", err)
	}
	c.Policy = p

	if strings.TrimSpace(c.TokenHMACKey) != "" || !c.Development() {
		key, err := sectoken.ParseHMACKey(c.TokenHMACKey, sectoken.MinKeyBytes)
		switch {
		case errors.Is(err, sectoken.ErrHMACKeyMissing):
			return fmt.Errorf("config: ACCESS_TOKEN_HMAC_KEY is required when APP_ENV=%s", c.Env)
		case errors.Is(err, sectoken.ErrHMACKeyTooShort):
			return fmt.Errorf("config: ACCESS_TOKEN_HMAC_KEY is too short (min %d bytes)", sectoken.MinKeyBytes)
		case err != nil:
			return err
		}
		c.HMACKey = key
	}

	c.StoreBackend = strings.ToLower(strings.TrimSpace(c.StoreBackend))
	if c.StoreBackend == "" {
		switch {
		case c.MongoURI != "":
			c.StoreBackend = BackendMongo
		case c.DatabaseURL != "":
			c.StoreBackend = BackendPostgres
		default:
			c.StoreBackend = BackendMemory
		}
	}
	switch c.StoreBackend {
	case BackendMongo:
		if strings.TrimSpace(c.MongoURI) == "" {
			return errors.New("config: STORE_BACKEND=mongo requires MONGODB_URI")
		}
	case BackendPostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return errors.New("config: STORE_BACKEND=postgres requires DATABASE_URL")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("config: unknown STORE_BACKEND %q", c.StoreBackend)
	}

	return nil
}

// Development reports whether the process runs on a developer machine or in tests.
// Outside development an HMAC key for token hashing is mandatory.
func (c Config) Development() bool {
	switch c.Env {
	case "", "development", "dev", "local", "test":
		return true
	}
	return false
}

// Production reports whether cookies must be marked Secure.
func (c Config) Production() bool { return c.Env == envProduction }

// TokenTTL is the lifetime of newly issued access tokens.
func (c Config) TokenTTL() time.Duration { return time.Duration(c.TokenExpiryHours) * time.Hour }
