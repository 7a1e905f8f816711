// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package config loads voxrelay's application configuration, following the
// same viper + struct-validation layout as the teacher's
// api/integration-api/config package, extended with the media-gateway
// specific sections (SIP, RTP, jitter, codec defaults).
package config

import (
	"log"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// SIPConfig holds the platform's operational SIP settings — the bits the
// platform controls (port, transport, RTP range), as distinct from the
// provider credentials in ProviderConfig.
type SIPConfig struct {
	Port              int    `mapstructure:"port" validate:"required"`
	Transport         string `mapstructure:"transport" validate:"required,oneof=udp tcp tls"`
	RTPPortRangeStart int    `mapstructure:"rtp_port_range_start" validate:"required"`
	RTPPortRangeEnd   int    `mapstructure:"rtp_port_range_end" validate:"required,gtfield=RTPPortRangeStart"`
}

// JitterConfig configures the adaptive jitter buffer (spec.md §4.5).
type JitterConfig struct {
	DefaultWindowMs int `mapstructure:"default_window_ms" validate:"required"`
	MinWindowMs     int `mapstructure:"min_window_ms" validate:"required"`
	MaxWindowMs     int `mapstructure:"max_window_ms" validate:"required,gtfield=MinWindowMs"`
}

// CodecConfig configures the default packetization time and which codec
// names are advertised by default when a caller doesn't narrow the set.
type CodecConfig struct {
	DefaultPTimeMs int      `mapstructure:"default_ptime_ms" validate:"required"`
	Advertised     []string `mapstructure:"advertised" validate:"required,min=1"`
}

// TurnConfig tunes the barge-in/echo-suppression coordinator.
type TurnConfig struct {
	BargeInEnergyThresholdDBFS float64 `mapstructure:"bargein_energy_threshold_dbfs"`
	BargeInVADThreshold        float64 `mapstructure:"bargein_vad_threshold"`
	BargeInSustainMs           int     `mapstructure:"bargein_sustain_ms" validate:"required"`
	EchoCorrelationThreshold   float64 `mapstructure:"echo_correlation_threshold"`
	EchoMaxLagMs               int     `mapstructure:"echo_max_lag_ms" validate:"required"`
	ProviderStopGraceMs        int     `mapstructure:"provider_stop_grace_ms" validate:"required"`
}

// ProviderConfig holds the ASR/LLM/TTS vendor credentials and model
// selection. Unlike SIPConfig, these are the one-per-deployment defaults;
// spec.md's Non-goals exclude a per-call provider-selection API, so every
// call uses this same provider set.
type ProviderConfig struct {
	DeepgramAPIKey string `mapstructure:"deepgram_api_key"`

	OpenAIAPIKey string `mapstructure:"openai_api_key"`
	OpenAIModel  string `mapstructure:"openai_model" validate:"required"`

	CartesiaURL     string `mapstructure:"cartesia_url" validate:"required"`
	CartesiaAPIKey  string `mapstructure:"cartesia_api_key"`
	CartesiaVoiceID string `mapstructure:"cartesia_voice_id" validate:"required"`

	VADModelPath string `mapstructure:"vad_model_path"`
}

// AdminConfig configures the operator-facing HTTP console (internal/admin).
type AdminConfig struct {
	Addr string `mapstructure:"addr" validate:"required"`
}

// AppConfig is voxrelay's full application configuration.
type AppConfig struct {
	Name     string `mapstructure:"service_name" validate:"required"`
	Version  string `mapstructure:"version" validate:"required"`
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"required"`
	LogLevel string `mapstructure:"log_level" validate:"required"`

	PostgresDSN string `mapstructure:"postgres_dsn"`
	SqliteFile  string `mapstructure:"sqlite_file"`
	RedisAddr   string `mapstructure:"redis_addr"`

	SIPConfig      SIPConfig      `mapstructure:"sip" validate:"required"`
	JitterConfig   JitterConfig   `mapstructure:"jitter" validate:"required"`
	CodecConfig    CodecConfig    `mapstructure:"codec" validate:"required"`
	TurnConfig     TurnConfig     `mapstructure:"turn" validate:"required"`
	ProviderConfig ProviderConfig `mapstructure:"provider" validate:"required"`
	AdminConfig    AdminConfig    `mapstructure:"admin" validate:"required"`
}

// InitConfig reads configuration from ENV_PATH (a dotenv-style file) and
// the process environment, with voxrelay's defaults pre-seeded. Mirrors
// config.InitConfig in the teacher's integration-api.
func InitConfig() (*viper.Viper, error) {
	v := viper.NewWithOptions(viper.KeyDelimiter("__"))

	v.AddConfigPath(".")
	v.SetConfigName(".env")
	if path := os.Getenv("ENV_PATH"); path != "" {
		v.SetConfigFile(path)
	}
	v.SetConfigType("env")
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil && !os.IsNotExist(err) {
		log.Printf("voxrelay: no config file found, reading from environment variables only")
	}

	return v, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("SERVICE_NAME", "voxrelay")
	v.SetDefault("VERSION", "0.1.0")
	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("POSTGRES_DSN", "")
	v.SetDefault("SQLITE_FILE", "voxrelay.db")
	v.SetDefault("REDIS_ADDR", "localhost:6379")

	v.SetDefault("SIP__PORT", 5060)
	v.SetDefault("SIP__TRANSPORT", "udp")
	v.SetDefault("SIP__RTP_PORT_RANGE_START", 20000)
	v.SetDefault("SIP__RTP_PORT_RANGE_END", 20100)

	v.SetDefault("JITTER__DEFAULT_WINDOW_MS", 60)
	v.SetDefault("JITTER__MIN_WINDOW_MS", 20)
	v.SetDefault("JITTER__MAX_WINDOW_MS", 200)

	v.SetDefault("CODEC__DEFAULT_PTIME_MS", 20)
	v.SetDefault("CODEC__ADVERTISED", []string{"opus/48000/2", "PCMU", "PCMA"})

	v.SetDefault("TURN__BARGEIN_ENERGY_THRESHOLD_DBFS", -30.0)
	v.SetDefault("TURN__BARGEIN_VAD_THRESHOLD", 0.6)
	v.SetDefault("TURN__BARGEIN_SUSTAIN_MS", 200)
	v.SetDefault("TURN__ECHO_CORRELATION_THRESHOLD", 0.7)
	v.SetDefault("TURN__ECHO_MAX_LAG_MS", 80)
	v.SetDefault("TURN__PROVIDER_STOP_GRACE_MS", 250)

	v.SetDefault("PROVIDER__DEEPGRAM_API_KEY", "")
	v.SetDefault("PROVIDER__OPENAI_API_KEY", "")
	v.SetDefault("PROVIDER__OPENAI_MODEL", "gpt-4o-mini")
	v.SetDefault("PROVIDER__CARTESIA_URL", "wss://api.cartesia.ai/tts/websocket")
	v.SetDefault("PROVIDER__CARTESIA_API_KEY", "")
	v.SetDefault("PROVIDER__CARTESIA_VOICE_ID", "")
	v.SetDefault("PROVIDER__VAD_MODEL_PATH", "")

	v.SetDefault("ADMIN__ADDR", ":8081")
}

// GetApplicationConfig unmarshals and validates the AppConfig from viper.
func GetApplicationConfig(v *viper.Viper) (*AppConfig, error) {
	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
