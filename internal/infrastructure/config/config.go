package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// AppName is the canonical application name, used for the config home
// directory and the SHESHA_* environment variable prefix.
const AppName = "shesha"

// HomeDir returns the user's Shesha configuration home: ~/.shesha
func HomeDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "."+AppName)
}

// Config is the internal, viper-populated configuration tree. Load()
// returns it as is and application.New reads it directly to wire the
// Shesha factory; the engine itself never touches viper or this type.
type Config struct {
	Model     ModelConfig         `mapstructure:"model"`
	Database  DatabaseConfig      `mapstructure:"database"`
	Log       LogConfig           `mapstructure:"log"`
	Runtime   RuntimeConfig       `mapstructure:"runtime"`
	Providers []LLMProviderConfig `mapstructure:"providers"`
	Prompts   PromptsConfig       `mapstructure:"prompts"`
}

// ModelConfig names the default driver/sub-LLM model and its primary key.
type ModelConfig struct {
	Default string `mapstructure:"default"`
	APIKey  string `mapstructure:"api_key"`
}

// DatabaseConfig selects the document-store backend, mirroring the
// teacher's persistence.NewDBConnection branch on Type.
type DatabaseConfig struct {
	Type string `mapstructure:"type"` // sqlite, postgres
	DSN  string `mapstructure:"dsn"`
}

// LogConfig controls zap's output shape.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, console
}

// RuntimeConfig carries the Shesha factory's engine tunables:
// max_iterations, max_output_chars, execution_timeout,
// max_subcall_content_chars, pool_size, storage_path.
type RuntimeConfig struct {
	MaxIterations          int           `mapstructure:"max_iterations"`
	MaxOutputChars         int           `mapstructure:"max_output_chars"`
	ExecutionTimeout       time.Duration `mapstructure:"execution_timeout"`
	MaxSubcallContentChars int           `mapstructure:"max_subcall_content_chars"`
	MaxSubcallParallelism  int           `mapstructure:"max_subcall_parallelism"`
	PoolSize               int           `mapstructure:"pool_size"`
	StoragePath            string        `mapstructure:"storage_path"`
	PythonBin              string        `mapstructure:"python_bin"`
}

// LLMProviderConfig configures one entry in the LLM router's failover
// chain, the same multi-provider config shape NGOClaw uses.
type LLMProviderConfig struct {
	Name     string   `mapstructure:"name"`
	Type     string   `mapstructure:"type"` // openai, anthropic, gemini
	BaseURL  string   `mapstructure:"base_url"`
	APIKey   string   `mapstructure:"api_key"`
	Models   []string `mapstructure:"models"`
	Priority int      `mapstructure:"priority"`
}

// PromptsConfig points PromptLoader at an on-disk override directory and
// controls the fsnotify-based hot reload watcher.
type PromptsConfig struct {
	Dir       string `mapstructure:"dir"`
	HotReload bool   `mapstructure:"hot_reload"`
}

// Load reads the layered configuration: built-in defaults → a global
// ~/.shesha/config.yaml → a project-local ./config/config.yaml or
// ./config.yaml (whichever is found first, merged over the global layer) →
// SHESHA_* environment overrides (nested keys use underscores, e.g.
// SHESHA_RUNTIME_POOL_SIZE), the same layering NGOClaw's own Load() uses
// for its own config shape.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	globalDir := HomeDir()
	v.AddConfigPath(globalDir)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read global config: %w", err)
		}
	}

	for _, localDir := range []string{"./config", "."} {
		localPath := filepath.Join(localDir, "config.yaml")
		if _, err := os.Stat(localPath); err == nil {
			v2 := viper.New()
			v2.SetConfigFile(localPath)
			if err := v2.ReadInConfig(); err == nil {
				_ = v.MergeConfigMap(v2.AllSettings())
			}
			break
		}
	}

	v.SetEnvPrefix(strings.ToUpper(AppName))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.dsn", filepath.Join(HomeDir(), "shesha.db"))

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("runtime.max_iterations", 20)
	v.SetDefault("runtime.max_output_chars", 50_000)
	v.SetDefault("runtime.execution_timeout", "30s")
	v.SetDefault("runtime.max_subcall_content_chars", 500_000)
	v.SetDefault("runtime.max_subcall_parallelism", 4)
	v.SetDefault("runtime.pool_size", 4)
	v.SetDefault("runtime.storage_path", HomeDir())

	v.SetDefault("prompts.hot_reload", true)
}
