package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type AppConfig struct {
	API       API       `mapstructure:"api"`
	Postgres  Postgres  `mapstructure:"postgres"`
	Auth      Auth      `mapstructure:"auth"`
	Quotes    Quotes    `mapstructure:"quotes"`
	Valuation Valuation `mapstructure:"valuation"`
}

type API struct {
	Environment    string   `mapstructure:"environment"`
	Port           string   `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Postgres is optional. An empty URL runs the server on the in-memory store.
type Postgres struct {
	URL     string `mapstructure:"url"`
	Migrate bool   `mapstructure:"migrate"`
}

type Auth struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

// Quotes selects the price source. Provider is "alphavantage" or "static";
// static serves the fixed Prices map.
type Quotes struct {
	Provider string            `mapstructure:"provider"`
	APIKey   string            `mapstructure:"api_key"`
	BaseURL  string            `mapstructure:"base_url"`
	Timeout  time.Duration     `mapstructure:"timeout"`
	Prices   map[string]string `mapstructure:"prices"`
}

type Valuation struct {
	Policy      string `mapstructure:"policy"`
	Concurrency int    `mapstructure:"concurrency"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.environment", "development")
	v.SetDefault("api.port", "8080")
	v.SetDefault("api.allowed_origins", []string{"*"})
	v.SetDefault("postgres.url", "")
	v.SetDefault("postgres.migrate", true)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", 24*time.Hour)
	v.SetDefault("quotes.provider", "static")
	v.SetDefault("quotes.api_key", "")
	v.SetDefault("quotes.base_url", "https://www.alphavantage.co/query")
	v.SetDefault("quotes.timeout", 5*time.Second)
	v.SetDefault("valuation.policy", "last-known")
	v.SetDefault("valuation.concurrency", 8)
}

// Load reads the YAML file at path. Every key can be overridden by an env
// variable, e.g. PAPERTRADE_POSTGRES_URL. A missing file is not an error.
func Load(path string) (*AppConfig, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetEnvPrefix("papertrade")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("v.ReadInConfig -> %w", err)
		}
	}

	conf := &AppConfig{}
	if err := v.Unmarshal(conf); err != nil {
		return nil, fmt.Errorf("v.Unmarshal -> %w", err)
	}
	if conf.Auth.JWTSecret == "" {
		return nil, errors.New("auth.jwt_secret is required")
	}
	return conf, nil
}
