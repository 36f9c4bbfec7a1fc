package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	internalconfig "github.com/foxseedlab/namahousou/internal/config"
)

type envConfig struct {
	Env      string `env:"ENV" envDefault:"production"`
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`

	DatabaseURL string `env:"DATABASE_URL,required"`

	DiscordToken          string `env:"DISCORD_TOKEN,required"`
	DiscordGuildID        string `env:"DISCORD_GUILD_ID,required"`
	DiscordVoiceChannelID string `env:"DISCORD_VOICE_CHANNEL_ID,required"`

	StreamFormat       string `env:"STREAM_FORMAT" envDefault:"ogg"`
	EncoderBitrate     string `env:"ENCODER_BITRATE" envDefault:"96k"`
	EncoderHeaderLimit int    `env:"ENCODER_HEADER_LIMIT_BYTES" envDefault:"16384"`

	WatchdogSilenceSec int  `env:"WATCHDOG_SILENCE_SEC" envDefault:"10"`
	WatchdogRejoin     bool `env:"WATCHDOG_REJOIN" envDefault:"true"`

	TranscriberBackend         string `env:"TRANSCRIBER_BACKEND" envDefault:"vosk"`
	TranscribeSampleRate       int    `env:"TRANSCRIBE_SAMPLE_RATE" envDefault:"16000"`
	VoskURL                    string `env:"VOSK_URL"`
	GoogleCloudProjectID       string `env:"GOOGLE_CLOUD_PROJECT_ID"`
	GoogleCloudCredentialsJSON string `env:"GOOGLE_CLOUD_CREDENTIALS_JSON"`
	GoogleCloudSpeechLocation  string `env:"GOOGLE_CLOUD_SPEECH_LOCATION" envDefault:"asia-northeast1"`
	GoogleCloudSpeechModel     string `env:"GOOGLE_CLOUD_SPEECH_MODEL" envDefault:"chirp_3"`
	DefaultTranscribeLanguage  string `env:"DEFAULT_TRANSCRIBE_LANGUAGE" envDefault:"ja-JP"`

	TranscriptWebhookURL string `env:"TRANSCRIPT_WEBHOOK_URL"`

	AnonSlotMaxDurationSec  int `env:"ANON_SLOT_MAX_DURATION_SEC" envDefault:"300"`
	AnonSlotConnectGraceSec int `env:"ANON_SLOT_CONNECT_GRACE_SEC" envDefault:"30"`
	AnonSlotInactivitySec   int `env:"ANON_SLOT_INACTIVITY_SEC" envDefault:"15"`

	ListenerHistoryRetentionMin int `env:"LISTENER_HISTORY_RETENTION_MIN" envDefault:"180"`
}

func Load() (*internalconfig.Config, error) {
	var raw envConfig
	if err := env.Parse(&raw); err != nil {
		return nil, fmt.Errorf("environment variables are invalid or missing: %w", err)
	}

	cfg := &internalconfig.Config{
		Env:                         raw.Env,
		HTTPAddr:                    raw.HTTPAddr,
		DatabaseURL:                 raw.DatabaseURL,
		DiscordToken:                raw.DiscordToken,
		DiscordGuildID:              raw.DiscordGuildID,
		DiscordVoiceChannelID:       raw.DiscordVoiceChannelID,
		StreamFormat:                internalconfig.StreamFormat(raw.StreamFormat),
		EncoderBitrate:              raw.EncoderBitrate,
		EncoderHeaderLimit:          raw.EncoderHeaderLimit,
		WatchdogSilenceSec:          raw.WatchdogSilenceSec,
		WatchdogRejoin:              raw.WatchdogRejoin,
		TranscriberBackend:          internalconfig.TranscriberBackend(raw.TranscriberBackend),
		TranscribeSampleRate:        raw.TranscribeSampleRate,
		VoskURL:                     raw.VoskURL,
		GoogleCloudProjectID:        raw.GoogleCloudProjectID,
		GoogleCloudCredentialsJSON:  raw.GoogleCloudCredentialsJSON,
		GoogleCloudSpeechLocation:   raw.GoogleCloudSpeechLocation,
		GoogleCloudSpeechModel:      raw.GoogleCloudSpeechModel,
		DefaultTranscribeLanguage:   raw.DefaultTranscribeLanguage,
		TranscriptWebhookURL:        raw.TranscriptWebhookURL,
		AnonSlotMaxDurationSec:      raw.AnonSlotMaxDurationSec,
		AnonSlotConnectGraceSec:     raw.AnonSlotConnectGraceSec,
		AnonSlotInactivitySec:       raw.AnonSlotInactivitySec,
		ListenerHistoryRetentionMin: raw.ListenerHistoryRetentionMin,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
