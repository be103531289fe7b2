// Copyright (c) 2024-2026 Soundcast Labs
//
// Licensed under the MIT License.
// See LICENSE.md for details.

package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// AppConfig is the full server configuration, sourced from environment
// variables (optionally seeded from a .env file via ENV_PATH).
type AppConfig struct {
	Port      int    `mapstructure:"PORT" validate:"required"`
	HTTPSPort int    `mapstructure:"HTTPS_PORT"`
	TLSKey    string `mapstructure:"TLS_KEY_PATH"`
	TLSCert   string `mapstructure:"TLS_CERT_PATH"`
	LogLevel  string `mapstructure:"LOG_LEVEL" validate:"required"`

	// SFU media addresses.
	ListenIP    string `mapstructure:"LISTEN_IP" validate:"required,ip"`
	AnnouncedIP string `mapstructure:"ANNOUNCED_IP"`
	RtcMinPort  int    `mapstructure:"RTC_MIN_PORT" validate:"required"`
	RtcMaxPort  int    `mapstructure:"RTC_MAX_PORT" validate:"required,gtefield=RtcMinPort"`

	// Disjoint plain-RTP fork port ranges.
	RecordingRTPPortMin     int `mapstructure:"RECORDING_RTP_PORT_MIN" validate:"required"`
	RecordingRTPPortMax     int `mapstructure:"RECORDING_RTP_PORT_MAX" validate:"required,gtefield=RecordingRTPPortMin"`
	TranscriptionRTPPortMin int `mapstructure:"TRANSCRIPTION_RTP_PORT_MIN" validate:"required"`
	TranscriptionRTPPortMax int `mapstructure:"TRANSCRIPTION_RTP_PORT_MAX" validate:"required,gtefield=TranscriptionRTPPortMin"`

	// Storage.
	DBPath        string `mapstructure:"DB_PATH" validate:"required"`
	SqliteVecPath string `mapstructure:"SQLITE_VEC_PATH"`
	RecordingDir  string `mapstructure:"RECORDING_DIR" validate:"required"`

	// Transcription.
	TranscriptionEnabled bool   `mapstructure:"TRANSCRIPTION_ENABLED"`
	WhisperModelDir      string `mapstructure:"WHISPER_MODEL_DIR"`
	WhisperModelSize     string `mapstructure:"WHISPER_MODEL_SIZE"`
	WhisperModelURL      string `mapstructure:"WHISPER_MODEL_URL"`
	WhisperThreads       int    `mapstructure:"WHISPER_THREADS"`

	// Embeddings.
	EmbeddingEnabled  bool   `mapstructure:"EMBEDDING_ENABLED"`
	EmbeddingURL      string `mapstructure:"EMBEDDING_URL"`
	EmbeddingModel    string `mapstructure:"EMBEDDING_MODEL"`
	EmbeddingBatch    int    `mapstructure:"EMBEDDING_BATCH_SIZE"`
	EmbeddingQueueCap int    `mapstructure:"EMBEDDING_QUEUE_CAP"`

	// Converter subprocess.
	FFmpegPath string `mapstructure:"FFMPEG_PATH" validate:"required"`

	// Single-tenant bootstrap.
	SingleTenant bool   `mapstructure:"SINGLE_TENANT"`
	AdminKey     string `mapstructure:"ADMIN_KEY"`

	// Remote SFU stats push authentication.
	SfuSecretKey string `mapstructure:"SFU_SECRET_KEY"`
}

// InitConfig wires viper to the process environment and applies defaults.
func InitConfig() (*viper.Viper, error) {
	v := viper.New()

	if path := os.Getenv("ENV_PATH"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read env file %s: %w", path, err)
		}
	}
	v.AutomaticEnv()

	setDefaults(v)
	return v, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", 3000)
	v.SetDefault("HTTPS_PORT", 0)
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("LISTEN_IP", "127.0.0.1")
	v.SetDefault("ANNOUNCED_IP", "")
	v.SetDefault("RTC_MIN_PORT", 40000)
	v.SetDefault("RTC_MAX_PORT", 49999)

	v.SetDefault("RECORDING_RTP_PORT_MIN", 50000)
	v.SetDefault("RECORDING_RTP_PORT_MAX", 50099)
	v.SetDefault("TRANSCRIPTION_RTP_PORT_MIN", 50100)
	v.SetDefault("TRANSCRIPTION_RTP_PORT_MAX", 50199)

	v.SetDefault("DB_PATH", "soundcast.db")
	v.SetDefault("SQLITE_VEC_PATH", "")
	v.SetDefault("RECORDING_DIR", "recordings")

	v.SetDefault("TRANSCRIPTION_ENABLED", false)
	v.SetDefault("WHISPER_MODEL_DIR", "models")
	v.SetDefault("WHISPER_MODEL_SIZE", "base")
	v.SetDefault("WHISPER_MODEL_URL", "")
	v.SetDefault("WHISPER_THREADS", 4)

	v.SetDefault("EMBEDDING_ENABLED", false)
	v.SetDefault("EMBEDDING_URL", "http://localhost:11434")
	v.SetDefault("EMBEDDING_MODEL", "all-minilm")
	v.SetDefault("EMBEDDING_BATCH_SIZE", 10)
	v.SetDefault("EMBEDDING_QUEUE_CAP", 1024)

	v.SetDefault("FFMPEG_PATH", "ffmpeg")

	v.SetDefault("SINGLE_TENANT", false)
	v.SetDefault("ADMIN_KEY", "")
	v.SetDefault("SFU_SECRET_KEY", "")
}

// GetApplicationConfig unmarshals and validates the AppConfig.
func GetApplicationConfig(v *viper.Viper) (*AppConfig, error) {
	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	if overlaps(cfg.RecordingRTPPortMin, cfg.RecordingRTPPortMax,
		cfg.TranscriptionRTPPortMin, cfg.TranscriptionRTPPortMax) {
		return nil, fmt.Errorf("recording and transcription RTP port ranges must be disjoint")
	}
	return &cfg, nil
}

func overlaps(aMin, aMax, bMin, bMax int) bool {
	return aMin <= bMax && bMin <= aMax
}
