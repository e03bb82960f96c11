package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type LookupFunc func(string) (string, bool)

type Profile string

const (
	ProfileDev  Profile = "dev"
	ProfileTest Profile = "test"
	ProfileProd Profile = "prod"
)

const (
	ModelProviderRemote = "remote"
	ModelProviderLocal  = "local"

	RemoteAPIOpenAI = "openai"
	RemoteAPIGemini = "gemini"

	OutputModeSQL       = "sql"
	OutputModeSQLAnswer = "sql_answer"

	SessionPolicyStrict   = "strict"
	SessionPolicyRecreate = "recreate"

	BackendRemote   = "remote"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendDuckDB   = "duckdb"
)

type Config struct {
	Profile       Profile
	Service       ServiceConfig
	HTTP          HTTPConfig
	Refinement    RefinementConfig
	Schema        SchemaConfig
	Session       SessionConfig
	Model         ModelConfig
	DataAccess    DataAccessConfig
	ObjectStore   ObjectStoreConfig
	Observability ObservabilityConfig
	Auth          AuthConfig
}

type ServiceConfig struct {
	Name string
}

type HTTPConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type RefinementConfig struct {
	MaxAttempts        int
	MaxTimeouts        int
	SQLTransparency    bool
	RequestDeadline    time.Duration
	HistoryWindow      int
	HistoryTokenBudget int
	OutputMode         string
	ReadOnly           bool
	ResultPreviewRows  int
}

type SchemaConfig struct {
	FreshnessWindow time.Duration
	FetchTimeout    time.Duration
}

type SessionConfig struct {
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	Policy        string
	MaxTurns      int
}

type ModelConfig struct {
	Provider    string
	RemoteAPI   string
	BaseURL     string
	APIKey      string
	Name        string
	Temperature float64
	Timeout     time.Duration
	LocalURL    string
	LocalName   string
}

type DataAccessConfig struct {
	Backend             string
	ConnectionID        string
	ServiceURL          string
	DSN                 string
	ExecutionTimeout    time.Duration
	RowLimit            int
	MaxOpenConns        int
	MaxIdleConns        int
	ConnMaxIdleTime     time.Duration
	ConnMaxLifetime     time.Duration
	ListenInvalidations bool
}

type ObjectStoreConfig struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Prefix          string
}

type ObservabilityConfig struct {
	LogLevel slog.Level
	LogJSON  bool
}

type AuthConfig struct {
	Required   bool
	StaticKeys string
}

// LoadFromEnv reads the process environment. When CHATSQL_CONFIG_FILE names a
// YAML file, its keys fill in anything the environment leaves unset.
func LoadFromEnv(serviceName string) (Config, error) {
	lookup := LookupFunc(os.LookupEnv)
	if path, ok := os.LookupEnv("CHATSQL_CONFIG_FILE"); ok && strings.TrimSpace(path) != "" {
		fileLookup, err := FileLookup(strings.TrimSpace(path))
		if err != nil {
			return Config{}, err
		}
		lookup = Chain(lookup, fileLookup)
	}
	return Load(serviceName, lookup)
}

func Load(serviceName string, lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	profile := ProfileDev
	if raw, ok := lookup("CHATSQL_PROFILE"); ok {
		profile = Profile(strings.ToLower(strings.TrimSpace(raw)))
	}
	if !isValidProfile(profile) {
		return Config{}, fmt.Errorf("invalid CHATSQL_PROFILE: %q", profile)
	}

	cfg := defaultsForProfile(profile)
	if serviceName != "" {
		cfg.Service.Name = serviceName
	}

	if err := applyString(lookup, "CHATSQL_SERVICE_NAME", &cfg.Service.Name); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "CHATSQL_HTTP_ADDR", &cfg.HTTP.Address); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "CHATSQL_HTTP_READ_TIMEOUT", &cfg.HTTP.ReadTimeout); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "CHATSQL_HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "CHATSQL_HTTP_IDLE_TIMEOUT", &cfg.HTTP.IdleTimeout); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "CHATSQL_MAX_ATTEMPTS", &cfg.Refinement.MaxAttempts); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "CHATSQL_MAX_TIMEOUTS", &cfg.Refinement.MaxTimeouts); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "CHATSQL_SQL_TRANSPARENCY", &cfg.Refinement.SQLTransparency); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "CHATSQL_REQUEST_DEADLINE", &cfg.Refinement.RequestDeadline); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "CHATSQL_HISTORY_WINDOW", &cfg.Refinement.HistoryWindow); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "CHATSQL_HISTORY_TOKEN_BUDGET", &cfg.Refinement.HistoryTokenBudget); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "CHATSQL_OUTPUT_MODE", &cfg.Refinement.OutputMode); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "CHATSQL_READ_ONLY", &cfg.Refinement.ReadOnly); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "CHATSQL_RESULT_PREVIEW_ROWS", &cfg.Refinement.ResultPreviewRows); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "CHATSQL_SCHEMA_FRESHNESS_WINDOW", &cfg.Schema.FreshnessWindow); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "CHATSQL_SCHEMA_FETCH_TIMEOUT", &cfg.Schema.FetchTimeout); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "CHATSQL_SESSION_IDLE_TIMEOUT", &cfg.Session.IdleTimeout); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "CHATSQL_SESSION_SWEEP_INTERVAL", &cfg.Session.SweepInterval); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "CHATSQL_SESSION_POLICY", &cfg.Session.Policy); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "CHATSQL_SESSION_MAX_TURNS", &cfg.Session.MaxTurns); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "CHATSQL_MODEL_PROVIDER", &cfg.Model.Provider); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "CHATSQL_MODEL_REMOTE_API", &cfg.Model.RemoteAPI); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "CHATSQL_MODEL_BASE_URL", &cfg.Model.BaseURL); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "CHATSQL_MODEL_API_KEY", &cfg.Model.APIKey); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "CHATSQL_MODEL_NAME", &cfg.Model.Name); err != nil {
		return Config{}, err
	}
	if err := applyFloat(lookup, "CHATSQL_MODEL_TEMPERATURE", &cfg.Model.Temperature); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "CHATSQL_MODEL_TIMEOUT", &cfg.Model.Timeout); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "CHATSQL_LOCAL_MODEL_URL", &cfg.Model.LocalURL); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "CHATSQL_LOCAL_MODEL_NAME", &cfg.Model.LocalName); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "CHATSQL_DATA_BACKEND", &cfg.DataAccess.Backend); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "CHATSQL_DATA_CONNECTION_ID", &cfg.DataAccess.ConnectionID); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "CHATSQL_DATA_SERVICE_URL", &cfg.DataAccess.ServiceURL); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "CHATSQL_DATA_DSN", &cfg.DataAccess.DSN); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "CHATSQL_EXECUTION_TIMEOUT", &cfg.DataAccess.ExecutionTimeout); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "CHATSQL_RESULT_ROW_LIMIT", &cfg.DataAccess.RowLimit); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "CHATSQL_DATA_MAX_OPEN_CONNS", &cfg.DataAccess.MaxOpenConns); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "CHATSQL_DATA_MAX_IDLE_CONNS", &cfg.DataAccess.MaxIdleConns); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "CHATSQL_DATA_CONN_MAX_IDLE_TIME", &cfg.DataAccess.ConnMaxIdleTime); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "CHATSQL_DATA_CONN_MAX_LIFETIME", &cfg.DataAccess.ConnMaxLifetime); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "CHATSQL_DATA_LISTEN_INVALIDATIONS", &cfg.DataAccess.ListenInvalidations); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "CHATSQL_OBJECTSTORE_ENDPOINT", &cfg.ObjectStore.Endpoint); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "CHATSQL_OBJECTSTORE_REGION", &cfg.ObjectStore.Region); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "CHATSQL_OBJECTSTORE_BUCKET", &cfg.ObjectStore.Bucket); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "CHATSQL_OBJECTSTORE_ACCESS_KEY", &cfg.ObjectStore.AccessKeyID); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "CHATSQL_OBJECTSTORE_SECRET_KEY", &cfg.ObjectStore.SecretAccessKey); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "CHATSQL_OBJECTSTORE_USE_SSL", &cfg.ObjectStore.UseSSL); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "CHATSQL_OBJECTSTORE_PREFIX", &cfg.ObjectStore.Prefix); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "CHATSQL_LOG_JSON", &cfg.Observability.LogJSON); err != nil {
		return Config{}, err
	}
	if err := applyLogLevel(lookup, "CHATSQL_LOG_LEVEL", &cfg.Observability.LogLevel); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "CHATSQL_AUTH_REQUIRED", &cfg.Auth.Required); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "CHATSQL_AUTH_STATIC_KEYS", &cfg.Auth.StaticKeys); err != nil {
		return Config{}, err
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	if cfg.Service.Name == "" {
		return fmt.Errorf("service name is required")
	}
	if cfg.HTTP.Address == "" {
		return fmt.Errorf("http address is required")
	}
	if cfg.Refinement.MaxAttempts < 1 {
		return fmt.Errorf("invalid CHATSQL_MAX_ATTEMPTS: must be at least 1, got %d", cfg.Refinement.MaxAttempts)
	}
	if cfg.Refinement.MaxTimeouts < 0 {
		return fmt.Errorf("invalid CHATSQL_MAX_TIMEOUTS: must not be negative, got %d", cfg.Refinement.MaxTimeouts)
	}
	if cfg.Refinement.HistoryWindow < 0 {
		return fmt.Errorf("invalid CHATSQL_HISTORY_WINDOW: must not be negative, got %d", cfg.Refinement.HistoryWindow)
	}
	switch cfg.Refinement.OutputMode {
	case OutputModeSQL, OutputModeSQLAnswer:
	default:
		return fmt.Errorf("invalid CHATSQL_OUTPUT_MODE: %q", cfg.Refinement.OutputMode)
	}
	switch cfg.Session.Policy {
	case SessionPolicyStrict, SessionPolicyRecreate:
	default:
		return fmt.Errorf("invalid CHATSQL_SESSION_POLICY: %q", cfg.Session.Policy)
	}
	switch cfg.Model.Provider {
	case ModelProviderRemote:
		switch cfg.Model.RemoteAPI {
		case RemoteAPIOpenAI, RemoteAPIGemini:
		default:
			return fmt.Errorf("invalid CHATSQL_MODEL_REMOTE_API: %q", cfg.Model.RemoteAPI)
		}
	case ModelProviderLocal:
	default:
		return fmt.Errorf("invalid CHATSQL_MODEL_PROVIDER: %q", cfg.Model.Provider)
	}
	switch cfg.DataAccess.Backend {
	case BackendRemote, BackendPostgres, BackendSQLite, BackendDuckDB:
	default:
		return fmt.Errorf("invalid CHATSQL_DATA_BACKEND: %q", cfg.DataAccess.Backend)
	}
	if strings.TrimSpace(cfg.DataAccess.ConnectionID) == "" {
		return fmt.Errorf("data connection id is required")
	}
	return nil
}

func defaultsForProfile(profile Profile) Config {
	cfg := Config{
		Profile: profile,
		Service: ServiceConfig{Name: "chatsql-api"},
		HTTP: HTTPConfig{
			Address:      ":8080",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 90 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Refinement: RefinementConfig{
			MaxAttempts:        3,
			MaxTimeouts:        2,
			SQLTransparency:    false,
			RequestDeadline:    60 * time.Second,
			HistoryWindow:      6,
			HistoryTokenBudget: 2000,
			OutputMode:         OutputModeSQL,
			ReadOnly:           true,
			ResultPreviewRows:  10,
		},
		Schema: SchemaConfig{
			FreshnessWindow: 5 * time.Minute,
			FetchTimeout:    15 * time.Second,
		},
		Session: SessionConfig{
			IdleTimeout:   30 * time.Minute,
			SweepInterval: time.Minute,
			Policy:        SessionPolicyRecreate,
			MaxTurns:      40,
		},
		Model: ModelConfig{
			Provider:    ModelProviderRemote,
			RemoteAPI:   RemoteAPIOpenAI,
			BaseURL:     "https://api.openai.com/v1/",
			Name:        "gpt-5",
			Temperature: 0.1,
			Timeout:     30 * time.Second,
			LocalURL:    "http://localhost:11434",
			LocalName:   "qwen2.5-coder",
		},
		DataAccess: DataAccessConfig{
			Backend:          BackendRemote,
			ConnectionID:     "default",
			ServiceURL:       "http://127.0.0.1:8000",
			DSN:              "",
			ExecutionTimeout: 20 * time.Second,
			RowLimit:         1000,
			MaxOpenConns:     10,
			MaxIdleConns:     10,
			ConnMaxIdleTime:  5 * time.Minute,
			ConnMaxLifetime:  30 * time.Minute,
		},
		ObjectStore: ObjectStoreConfig{
			Endpoint:        "localhost:9000",
			Region:          "us-east-1",
			Bucket:          "chatsql-datasets",
			AccessKeyID:     "minio",
			SecretAccessKey: "miniostorage",
			UseSSL:          false,
		},
		Observability: ObservabilityConfig{
			LogLevel: slog.LevelDebug,
			LogJSON:  true,
		},
		Auth: AuthConfig{
			Required:   false,
			StaticKeys: "",
		},
	}

	switch profile {
	case ProfileTest:
		cfg.HTTP.Address = ":18080"
		cfg.Observability.LogLevel = slog.LevelWarn
		cfg.Auth.Required = false
	case ProfileProd:
		cfg.Observability.LogLevel = slog.LevelInfo
		cfg.Auth.Required = true
		cfg.Session.Policy = SessionPolicyStrict
		cfg.ObjectStore.UseSSL = true
	}

	return cfg
}

func isValidProfile(profile Profile) bool {
	switch profile {
	case ProfileDev, ProfileTest, ProfileProd:
		return true
	default:
		return false
	}
}

func applyString(lookup LookupFunc, key string, dst *string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	*dst = strings.TrimSpace(raw)
	return nil
}

func applyDuration(lookup LookupFunc, key string, dst *time.Duration) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyBool(lookup LookupFunc, key string, dst *bool) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyInt(lookup LookupFunc, key string, dst *int) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyFloat(lookup LookupFunc, key string, dst *float64) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyLogLevel(lookup LookupFunc, key string, dst *slog.Level) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	level := strings.ToLower(strings.TrimSpace(raw))
	switch level {
	case "debug":
		*dst = slog.LevelDebug
	case "info":
		*dst = slog.LevelInfo
	case "warn", "warning":
		*dst = slog.LevelWarn
	case "error":
		*dst = slog.LevelError
	default:
		return fmt.Errorf("invalid %s: %q", key, raw)
	}
	return nil
}
