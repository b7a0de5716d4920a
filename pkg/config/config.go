package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const DefaultBaseURL = "http://localhost:8000"

type Config struct {
	API      APIConfig      `mapstructure:"api"`
	Query    QueryConfig    `mapstructure:"query"`
	Features FeatureConfig  `mapstructure:"features"`
	Session  SessionConfig  `mapstructure:"session"`
	Database DatabaseConfig `mapstructure:"database"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	OpenAI   OpenAIConfig   `mapstructure:"openai"`
	Proxy    ProxyConfig    `mapstructure:"proxy"`
	Import   ImportConfig   `mapstructure:"import"`
}

type APIConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	AuthTokenURL    string        `mapstructure:"auth_token_url"`
	AuthRegisterURL string        `mapstructure:"auth_register_url"`
	ChatAPIBaseURL  string        `mapstructure:"chat_api_base_url"`
	NetqueryURL     string        `mapstructure:"netquery_url"`
	HistoryURL      string        `mapstructure:"history_url"`
	UploadURL       string        `mapstructure:"upload_url"`
	StatusURL       string        `mapstructure:"status_url"`
	DataSourcesURL  string        `mapstructure:"datasources_url"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

type QueryConfig struct {
	TenantID   string `mapstructure:"tenant_id"`
	Debug      bool   `mapstructure:"debug"`
	TopK       int    `mapstructure:"top_k"`
	Synthesize bool   `mapstructure:"synthesize"`
}

type FeatureConfig struct {
	EnableDebugLogging bool `mapstructure:"enable_debug_logging"`
	EnableMockData     bool `mapstructure:"enable_mock_data"`
	EnableRegistration bool `mapstructure:"enable_registration"`
	EnableFeedback     bool `mapstructure:"enable_feedback"`
}

type SessionConfig struct {
	File string `mapstructure:"file"`
}

type DatabaseConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	User        string `mapstructure:"user"`
	Password    string `mapstructure:"password"`
	DBName      string `mapstructure:"dbname"`
	SSLMode     string `mapstructure:"sslmode"`
	UseInMemory bool   `mapstructure:"use_in_memory"`
}

type TelegramConfig struct {
	Token        string        `mapstructure:"token"`
	EditInterval time.Duration `mapstructure:"edit_interval"`
}

type OpenAIConfig struct {
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
}

type ProxyConfig struct {
	Listen    string  `mapstructure:"listen"`
	Path      string  `mapstructure:"path"`
	TargetURL string  `mapstructure:"target_url"`
	RPS       float64 `mapstructure:"rps"`
	Burst     int     `mapstructure:"burst"`
}

type ImportConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

func parseDatabaseURL(dbURL string) (DatabaseConfig, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return DatabaseConfig{}, err
	}

	password, _ := u.User.Password()
	port := 5432 // default PostgreSQL port
	if u.Port() != "" {
		fmt.Sscanf(u.Port(), "%d", &port)
	}

	sslMode := u.Query().Get("sslmode")
	if sslMode == "" {
		sslMode = "disable"
	}

	return DatabaseConfig{
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   strings.TrimPrefix(u.Path, "/"),
		SSLMode:  sslMode,
	}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", DefaultBaseURL)
	v.SetDefault("api.chat_api_base_url", "http://localhost:8183/api/v1")
	v.SetDefault("api.timeout", 2*time.Minute)
	v.SetDefault("query.tenant_id", "NOVUS_RAG")
	v.SetDefault("query.debug", true)
	v.SetDefault("query.top_k", 3)
	v.SetDefault("query.synthesize", true)
	v.SetDefault("features.enable_debug_logging", false)
	v.SetDefault("features.enable_mock_data", false)
	v.SetDefault("features.enable_registration", true)
	v.SetDefault("features.enable_feedback", true)
	v.SetDefault("session.file", defaultSessionFile())
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.use_in_memory", true)
	v.SetDefault("telegram.edit_interval", time.Second)
	v.SetDefault("openai.model", "gpt-3.5-turbo")
	v.SetDefault("openai.max_tokens", 20)
	v.SetDefault("openai.temperature", 0.3)
	v.SetDefault("proxy.listen", ":5001")
	v.SetDefault("proxy.path", "/api/v1/troubleshooting/query/")
	v.SetDefault("proxy.target_url", "http://localhost:8012/api/v1/troubleshooting/query/")
	v.SetDefault("proxy.rps", 5)
	v.SetDefault("proxy.burst", 10)
	v.SetDefault("import.poll_interval", 5*time.Second)
}

func defaultSessionFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".copilot-session.json"
	}
	return dir + "/copilot/session.json"
}

// LoadConfig reads path when it exists; a missing file leaves defaults and
// environment variables in charge.
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load(".env")

	v := viper.New()
	setDefaults(v)

	// Enable environment variable support
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("copilot")
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	// Check for DATABASE_URL environment variable
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		dbConfig, err := parseDatabaseURL(dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DATABASE_URL: %v", err)
		}
		config.Database = dbConfig
	}

	if baseURL := os.Getenv("COPILOT_BASE_URL"); baseURL != "" {
		config.API.BaseURL = baseURL
	}

	if token := os.Getenv("TELEGRAM_TOKEN"); token != "" {
		config.Telegram.Token = token
	}

	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		config.OpenAI.APIKey = apiKey
	}

	config.API.fillEndpoints()
	return &config, nil
}

// fillEndpoints derives unset endpoints from the base URL.
func (a *APIConfig) fillEndpoints() {
	a.BaseURL = strings.TrimRight(a.BaseURL, "/")
	if a.BaseURL == "" {
		a.BaseURL = DefaultBaseURL
	}

	derive := func(field *string, suffix string) {
		if *field == "" {
			*field = a.BaseURL + suffix
		}
	}
	derive(&a.AuthTokenURL, "/auth/login")
	derive(&a.AuthRegisterURL, "/auth/register")
	derive(&a.NetqueryURL, "/query/stream")
	derive(&a.HistoryURL, "/history")
	derive(&a.UploadURL, "/upload")
	derive(&a.StatusURL, "/status")
	derive(&a.DataSourcesURL, "/datasources")
	a.ChatAPIBaseURL = strings.TrimRight(a.ChatAPIBaseURL, "/")
}
