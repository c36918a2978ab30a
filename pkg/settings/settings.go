package settings

import (
	"os"
	"path/filepath"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	EngineMemory = "memory"
	EngineSQLite = "sqlite"
	EnginePebble = "pebble"

	ProviderOpenAI = "openai"
	ProviderEcho   = "echo"
)

// Settings is the configuration of the chattree command. Keys are the flag
// names; they can be set in the config file or as CHATTREE_* variables.
type Settings struct {
	StoreEngine string `mapstructure:"store-engine"`
	StorePath   string `mapstructure:"store-path"`

	Provider        string  `mapstructure:"provider"`
	BaseURL         string  `mapstructure:"base-url"`
	APIKey          string  `mapstructure:"api-key"`
	Model           string  `mapstructure:"model"`
	SystemPrompt    string  `mapstructure:"system-prompt"`
	Temperature     float32 `mapstructure:"temperature"`
	TopP            float32 `mapstructure:"top-p"`
	MaxTokens       int     `mapstructure:"max-tokens"`
	TimingsPerToken bool    `mapstructure:"timings-per-token"`

	// MetricsAddr, when set, serves prometheus metrics while generating.
	MetricsAddr string `mapstructure:"metrics-addr"`
}

// DefaultStorePath returns the store location under the user's data directory.
func DefaultStorePath(engine string) string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	name := "chattree.db"
	if engine == EnginePebble {
		name = "chattree.pebble"
	}
	return filepath.Join(dir, "chattree", name)
}

// SetDefaults registers the default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("store-engine", EngineSQLite)
	v.SetDefault("provider", ProviderOpenAI)
	v.SetDefault("base-url", "http://localhost:8080/v1")
	v.SetDefault("model", "")
	v.SetDefault("temperature", 0)
	v.SetDefault("top-p", 0)
	v.SetDefault("max-tokens", 0)
	v.SetDefault("timings-per-token", true)
}

// Load decodes and validates the settings held by v.
func Load(v *viper.Viper) (*Settings, error) {
	s := &Settings{}
	if err := v.Unmarshal(s); err != nil {
		return nil, errors.Wrap(err, "could not decode settings")
	}
	s.StoreEngine = strings.ToLower(s.StoreEngine)
	s.Provider = strings.ToLower(s.Provider)
	if s.StorePath == "" && s.StoreEngine != EngineMemory {
		s.StorePath = DefaultStorePath(s.StoreEngine)
	}
	if err := s.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid settings")
	}
	return s, nil
}

func (s *Settings) Validate() error {
	return validation.ValidateStruct(s,
		validation.Field(&s.StoreEngine,
			validation.Required,
			validation.In(EngineMemory, EngineSQLite, EnginePebble),
		),
		validation.Field(&s.StorePath,
			validation.When(s.StoreEngine != EngineMemory, validation.Required),
		),
		validation.Field(&s.Provider,
			validation.Required,
			validation.In(ProviderOpenAI, ProviderEcho),
		),
		validation.Field(&s.BaseURL,
			validation.When(s.Provider == ProviderOpenAI, validation.Required, is.RequestURL),
		),
		validation.Field(&s.Temperature, validation.Min(float32(0)), validation.Max(float32(2))),
		validation.Field(&s.TopP, validation.Min(float32(0)), validation.Max(float32(1))),
		validation.Field(&s.MaxTokens, validation.Min(0)),
		validation.Field(&s.MetricsAddr, is.DialString.Error("must be host:port")),
	)
}
