package config

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/systemshift/oaksearch/internal/server/content"
	"github.com/systemshift/oaksearch/internal/server/logging"
	"github.com/systemshift/oaksearch/internal/server/query"
	"github.com/systemshift/oaksearch/internal/server/seed"
)

// EnvPrefix prefixes environment overrides, e.g. OAKSEARCH_QUERY_READLIMIT
const EnvPrefix = "OAKSEARCH"

type Configuration struct {
	HttpPort        uint16           `mapstructure:"httpPort" validate:"required"`
	ShutdownTimeout time.Duration    `mapstructure:"shutdownTimeout"`
	Repository      RepositoryConfig `mapstructure:"repository"`
	Query           query.Options    `mapstructure:"query"`
	Seed            SeedConfig       `mapstructure:"seed"`
	Events          EventsConfig     `mapstructure:"events"`
	Logging         logging.Config   `mapstructure:"logging"`
}

type RepositoryConfig struct {
	content.Config `mapstructure:",squash"`
	AdminUser      string `mapstructure:"adminUser" validate:"required"`
	AdminPassword  string `mapstructure:"adminPassword" validate:"required"`
}

type SeedConfig struct {
	seed.Layout      `mapstructure:",squash"`
	ResumeIncomplete bool `mapstructure:"resumeIncomplete"`
}

type EventsConfig struct {
	Webhooks       []string      `mapstructure:"webhooks" validate:"dive,url"`
	WebhookTimeout time.Duration `mapstructure:"webhookTimeout"`
	BufferSize     int           `mapstructure:"bufferSize" validate:"gte=0"`
}

func setDefaults(v *viper.Viper) {
	layout := seed.DefaultLayout()
	logs := logging.DefaultConfig()

	v.SetDefault("httpPort", 8080)
	v.SetDefault("shutdownTimeout", 5*time.Second)

	v.SetDefault("repository.backend", content.BackendSQLite)
	v.SetDefault("repository.sqlite.path", "oaksearch.db")
	v.SetDefault("repository.postgres.connection", map[string]string{})
	v.SetDefault("repository.postgres.maxConns", 0)
	v.SetDefault("repository.neo4j.uri", "bolt://localhost:7687")
	v.SetDefault("repository.neo4j.username", "neo4j")
	v.SetDefault("repository.neo4j.password", "")
	v.SetDefault("repository.neo4j.database", "neo4j")
	v.SetDefault("repository.adminUser", "admin")
	v.SetDefault("repository.adminPassword", "admin")

	v.SetDefault("query.defaultLimit", query.DefaultLimit)
	v.SetDefault("query.failTraversal", false)
	v.SetDefault("query.readLimit", query.DefaultReadLimit)

	v.SetDefault("seed.root", layout.Root)
	v.SetDefault("seed.iterations", layout.Iterations)
	v.SetDefault("seed.fanout", layout.Fanout)
	v.SetDefault("seed.resumeIncomplete", true)

	v.SetDefault("events.webhooks", []string{})
	v.SetDefault("events.webhookTimeout", 30*time.Second)
	v.SetDefault("events.bufferSize", 1000)

	v.SetDefault("logging.level", logs.Level)
	v.SetDefault("logging.format", logs.Format)
}

// Load reads defaults, then the optional config file, then OAKSEARCH_
// environment overrides, and validates the result
func Load(path string) (*Configuration, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "reading config %s", path)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Configuration
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshalling config")
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func Validate(cfg *Configuration) error {
	if err := validator.New().Struct(cfg); err != nil {
		logValidationErrors(err)
		return errors.WithMessage(err, "invalid configuration")
	}
	if err := cfg.Seed.Layout.Validate(); err != nil {
		return errors.WithMessage(err, "invalid configuration")
	}
	return nil
}

func logValidationErrors(err error) {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return
	}
	for _, fieldErr := range validationErrors {
		fieldName := stripPrefix(fieldErr.Namespace())
		switch fieldErr.Tag() {
		case "required":
			log.Errorf("ConfigError: Field %s is required but was not found", fieldName)
		default:
			log.Errorf("ConfigError: Field %s has invalid value %v: %s", fieldName, fieldErr.Value(), fieldErr.Tag())
		}
	}
}

func stripPrefix(s string) string {
	if idx := strings.Index(s, "."); idx != -1 {
		return s[idx+1:]
	}
	return s
}
