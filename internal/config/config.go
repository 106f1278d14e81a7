package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	envPrefix              = "LIVING_NOTES"
	defaultHTTPAddress     = "0.0.0.0:3001"
	defaultLogLevel        = "info"
	defaultLogFormat       = "json"
	defaultAllowedOrigin   = "http://localhost:5173"
	defaultWriteWait       = 10 * time.Second
	defaultPongWait        = 60 * time.Second
	defaultPingPeriod      = 54 * time.Second
	defaultSendBuffer      = 256
	defaultMaxMessageBytes = 1 << 20
	defaultCodeLength      = 10
)

// AppConfig captures runtime configuration for the note server.
type AppConfig struct {
	HTTPAddress     string        `validate:"required,hostname_port"`
	LogLevel        string        `validate:"omitempty,oneof=debug info warn warning error"`
	LogFormat       string        `validate:"oneof=json console"`
	AllowedOrigins  []string      `validate:"min=1,dive,required"`
	WriteWait       time.Duration `validate:"gt=0"`
	PongWait        time.Duration `validate:"gt=0"`
	PingPeriod      time.Duration `validate:"gt=0,ltfield=PongWait"`
	SendBuffer      int           `validate:"min=1"`
	MaxMessageBytes int64         `validate:"min=1024"`
	CodeLength      int           `validate:"min=8,max=32"`
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("cors.allowed_origins", []string{defaultAllowedOrigin})
	configViper.SetDefault("realtime.write_wait", defaultWriteWait)
	configViper.SetDefault("realtime.pong_wait", defaultPongWait)
	configViper.SetDefault("realtime.ping_period", defaultPingPeriod)
	configViper.SetDefault("realtime.send_buffer", defaultSendBuffer)
	configViper.SetDefault("realtime.max_message_bytes", defaultMaxMessageBytes)
	configViper.SetDefault("notes.code_length", defaultCodeLength)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     strings.TrimSpace(configViper.GetString("http.address")),
		LogLevel:        strings.ToLower(strings.TrimSpace(configViper.GetString("log.level"))),
		LogFormat:       strings.ToLower(strings.TrimSpace(configViper.GetString("log.format"))),
		AllowedOrigins:  splitOrigins(configViper.GetStringSlice("cors.allowed_origins")),
		WriteWait:       configViper.GetDuration("realtime.write_wait"),
		PongWait:        configViper.GetDuration("realtime.pong_wait"),
		PingPeriod:      configViper.GetDuration("realtime.ping_period"),
		SendBuffer:      configViper.GetInt("realtime.send_buffer"),
		MaxMessageBytes: configViper.GetInt64("realtime.max_message_bytes"),
		CodeLength:      configViper.GetInt("notes.code_length"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	err := validator.New().Struct(c)
	if err == nil {
		return nil
	}
	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok || len(validationErrors) == 0 {
		return err
	}
	first := validationErrors[0]
	return fmt.Errorf("invalid configuration %s: failed %q constraint", first.Field(), first.Tag())
}

// splitOrigins accepts both list values and a comma separated env string.
func splitOrigins(values []string) []string {
	origins := make([]string, 0, len(values))
	for _, value := range values {
		for _, origin := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(origin); trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
	}
	return origins
}
