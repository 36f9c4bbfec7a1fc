package config

import (
	"fmt"
)

type StreamFormat string

const (
	StreamFormatOggOpus StreamFormat = "ogg"
	StreamFormatMP3     StreamFormat = "mp3"
)

type TranscriberBackend string

const (
	TranscriberBackendVosk   TranscriberBackend = "vosk"
	TranscriberBackendGoogle TranscriberBackend = "google"
)

type Config struct {
	Env      string
	HTTPAddr string

	DatabaseURL string

	DiscordToken          string
	DiscordGuildID        string
	DiscordVoiceChannelID string

	StreamFormat       StreamFormat
	EncoderBitrate     string
	EncoderHeaderLimit int

	WatchdogSilenceSec int
	WatchdogRejoin     bool

	TranscriberBackend         TranscriberBackend
	TranscribeSampleRate       int
	VoskURL                    string
	GoogleCloudProjectID       string
	GoogleCloudCredentialsJSON string
	GoogleCloudSpeechLocation  string
	GoogleCloudSpeechModel     string
	DefaultTranscribeLanguage  string

	TranscriptWebhookURL string

	AnonSlotMaxDurationSec  int
	AnonSlotConnectGraceSec int
	AnonSlotInactivitySec   int

	ListenerHistoryRetentionMin int
}

func (c *Config) Validate() error {
	for _, req := range c.requiredFieldChecks() {
		if req.value == "" {
			return fmt.Errorf("%s is required", req.name)
		}
	}
	switch c.StreamFormat {
	case StreamFormatOggOpus, StreamFormatMP3:
	default:
		return fmt.Errorf("STREAM_FORMAT must be ogg or mp3, got %q", c.StreamFormat)
	}
	switch c.TranscriberBackend {
	case TranscriberBackendVosk:
		if c.VoskURL == "" {
			return fmt.Errorf("VOSK_URL is required when TRANSCRIBER_BACKEND=vosk")
		}
	case TranscriberBackendGoogle:
		if c.GoogleCloudProjectID == "" || c.GoogleCloudCredentialsJSON == "" {
			return fmt.Errorf("GOOGLE_CLOUD_PROJECT_ID and GOOGLE_CLOUD_CREDENTIALS_JSON are required when TRANSCRIBER_BACKEND=google")
		}
	default:
		return fmt.Errorf("TRANSCRIBER_BACKEND must be vosk or google, got %q", c.TranscriberBackend)
	}
	if c.TranscribeSampleRate <= 0 {
		return fmt.Errorf("TRANSCRIBE_SAMPLE_RATE must be positive, got %d", c.TranscribeSampleRate)
	}
	if c.EncoderHeaderLimit <= 0 {
		return fmt.Errorf("ENCODER_HEADER_LIMIT_BYTES must be positive, got %d", c.EncoderHeaderLimit)
	}
	if c.WatchdogSilenceSec <= 0 {
		return fmt.Errorf("WATCHDOG_SILENCE_SEC must be positive, got %d", c.WatchdogSilenceSec)
	}
	for _, d := range []struct {
		name  string
		value int
	}{
		{name: "ANON_SLOT_MAX_DURATION_SEC", value: c.AnonSlotMaxDurationSec},
		{name: "ANON_SLOT_CONNECT_GRACE_SEC", value: c.AnonSlotConnectGraceSec},
		{name: "ANON_SLOT_INACTIVITY_SEC", value: c.AnonSlotInactivitySec},
		{name: "LISTENER_HISTORY_RETENTION_MIN", value: c.ListenerHistoryRetentionMin},
	} {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", d.name, d.value)
		}
	}
	return nil
}

type requiredEnvField struct {
	name  string
	value string
}

func (c *Config) requiredFieldChecks() []requiredEnvField {
	return []requiredEnvField{
		{name: "HTTP_ADDR", value: c.HTTPAddr},
		{name: "DATABASE_URL", value: c.DatabaseURL},
		{name: "DISCORD_TOKEN", value: c.DiscordToken},
		{name: "DISCORD_GUILD_ID", value: c.DiscordGuildID},
		{name: "DISCORD_VOICE_CHANNEL_ID", value: c.DiscordVoiceChannelID},
		{name: "DEFAULT_TRANSCRIBE_LANGUAGE", value: c.DefaultTranscribeLanguage},
	}
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}
