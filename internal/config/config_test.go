package config

import (
	"bytes"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var configEnv = []string{
	"PORT", "MAX_UPLOAD_MB", "SHUTDOWN_TIMEOUT", "ALLOWED_ORIGINS",
	"TEMP_DIR", "MUSIC_DIR", "JOB_DB_PATH",
	"FFMPEG_PATH", "FFPROBE_PATH", "FFMPEG_CANDIDATES", "FFMPEG_TIMEOUT",
	"SWEEP_INTERVAL", "COLLATION_LANG",
	"S3_BUCKET", "S3_REGION", "S3_ENDPOINT", "AWS_ACCESS_KEY_ID", "AWS_SECRET_ACCESS_KEY",
	"LOG_FORMAT", "LOG_LEVEL",
}

// clearEnv unsets every variable Load reads; t.Setenv restores them after
// the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range configEnv {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "/tmp/imagereel", cfg.TempDir)
	assert.Equal(t, "./music", cfg.MusicDir)
	assert.Empty(t, cfg.JobDBPath)
	assert.Equal(t, 10*time.Minute, cfg.FFmpegTimeout)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, int64(200), cfg.MaxUploadMB)
	assert.Equal(t, "und", cfg.CollationLang)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.S3Enabled())
	assert.Empty(t, cfg.Candidates())
}

func TestLoad_CustomValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "3000")
	t.Setenv("TEMP_DIR", "/custom/temp")
	t.Setenv("MUSIC_DIR", "/srv/music")
	t.Setenv("JOB_DB_PATH", "/var/lib/imagereel/jobs.db")
	t.Setenv("FFMPEG_PATH", "/opt/ffmpeg/bin/ffmpeg")
	t.Setenv("FFPROBE_PATH", "/opt/ffmpeg/bin/ffprobe")
	t.Setenv("FFMPEG_CANDIDATES", "/usr/local/bin/ffmpeg, ,/opt/bin/ffmpeg")
	t.Setenv("FFMPEG_TIMEOUT", "90s")
	t.Setenv("SWEEP_INTERVAL", "15s")
	t.Setenv("MAX_UPLOAD_MB", "50")
	t.Setenv("COLLATION_LANG", "de")
	t.Setenv("S3_BUCKET", "my-bucket")
	t.Setenv("S3_REGION", "us-east-1")
	t.Setenv("S3_ENDPOINT", "http://localhost:9000")
	t.Setenv("AWS_ACCESS_KEY_ID", "access-key")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "secret-key")
	t.Setenv("LOG_FORMAT", "json")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, "/custom/temp", cfg.TempDir)
	assert.Equal(t, "/srv/music", cfg.MusicDir)
	assert.Equal(t, "/var/lib/imagereel/jobs.db", cfg.JobDBPath)
	assert.Equal(t, "/opt/ffmpeg/bin/ffmpeg", cfg.FFmpegPath)
	assert.Equal(t, "/opt/ffmpeg/bin/ffprobe", cfg.FFprobePath)
	assert.Equal(t, []string{"/usr/local/bin/ffmpeg", "/opt/bin/ffmpeg"}, cfg.Candidates())
	assert.Equal(t, 90*time.Second, cfg.FFmpegTimeout)
	assert.Equal(t, 15*time.Second, cfg.SweepInterval)
	assert.Equal(t, int64(50), cfg.MaxUploadMB)
	assert.Equal(t, int64(50<<20), cfg.MaxUploadBytes())
	assert.Equal(t, "de", cfg.CollationLang)
	assert.Equal(t, "my-bucket", cfg.S3Bucket)
	assert.Equal(t, "us-east-1", cfg.S3Region)
	assert.Equal(t, "http://localhost:9000", cfg.S3Endpoint)
	assert.Equal(t, "access-key", cfg.AWSAccessKeyID)
	assert.Equal(t, "secret-key", cfg.AWSSecretAccessKey)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.S3Enabled())
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		wantErr error
	}{
		{"port not a number", "PORT", "not-a-number", nil},
		{"timeout not a duration", "FFMPEG_TIMEOUT", "soon", nil},
		{"port out of range", "PORT", "70000", ErrInvalidPort},
		{"negative timeout", "FFMPEG_TIMEOUT", "-1s", ErrNegativeTimeout},
		{"zero sweep interval", "SWEEP_INTERVAL", "0s", ErrInvalidSweepInterval},
		{"zero upload limit", "MAX_UPLOAD_MB", "0", ErrInvalidMaxUpload},
		{"unknown log format", "LOG_FORMAT", "xml", ErrInvalidLogFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestLoad_ZeroTimeoutDisablesLimit(t *testing.T) {
	clearEnv(t)
	t.Setenv("FFMPEG_TIMEOUT", "0s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Zero(t, cfg.FFmpegTimeout)
}

func TestConfig_S3Enabled(t *testing.T) {
	tests := []struct {
		name     string
		bucket   string
		region   string
		expected bool
	}{
		{"both set", "bucket", "region", true},
		{"only bucket", "bucket", "", false},
		{"only region", "", "region", false},
		{"neither set", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				S3Bucket: tt.bucket,
				S3Region: tt.region,
			}
			assert.Equal(t, tt.expected, cfg.S3Enabled())
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		return &Config{Port: 8080, SweepInterval: time.Minute, MaxUploadMB: 200, LogFormat: "text"}
	}

	t.Run("valid config", func(t *testing.T) {
		assert.NoError(t, valid().Validate())
	})

	t.Run("bucket without region", func(t *testing.T) {
		cfg := valid()
		cfg.S3Bucket = "bucket"
		assert.ErrorIs(t, cfg.Validate(), ErrS3RegionRequired)
	})

	t.Run("access key without secret", func(t *testing.T) {
		cfg := valid()
		cfg.AWSAccessKeyID = "key"
		assert.ErrorIs(t, cfg.Validate(), ErrS3CredentialsIncomplete)
	})

	t.Run("secret without access key", func(t *testing.T) {
		cfg := valid()
		cfg.AWSSecretAccessKey = "secret"
		assert.ErrorIs(t, cfg.Validate(), ErrS3CredentialsIncomplete)
	})

	t.Run("zero port", func(t *testing.T) {
		cfg := valid()
		cfg.Port = 0
		assert.ErrorIs(t, cfg.Validate(), ErrInvalidPort)
	})
}

func TestConfig_Origins(t *testing.T) {
	cfg := &Config{AllowedOrigins: "https://a.example, https://b.example,"}
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Origins())
	assert.Empty(t, (&Config{}).Origins())
}

func TestConfig_String(t *testing.T) {
	cfg := &Config{
		Port:               8080,
		TempDir:            "/tmp/test",
		MusicDir:           "/srv/music",
		S3Bucket:           "bucket",
		S3Region:           "region",
		AWSAccessKeyID:     "AKIAEXAMPLE",
		AWSSecretAccessKey: "secret-key",
		LogFormat:          "json",
		LogLevel:           "info",
	}

	str := cfg.String()

	assert.Contains(t, str, "8080")
	assert.Contains(t, str, "/tmp/test")
	assert.Contains(t, str, "/srv/music")
	assert.Contains(t, str, "bucket")

	assert.NotContains(t, str, "AKIAEXAMPLE")
	assert.NotContains(t, str, "secret-key")
}

func TestConfig_NewLoggerTo_JSON(t *testing.T) {
	cfg := &Config{LogFormat: "json", LogLevel: "info"}

	var buf bytes.Buffer
	logger := cfg.NewLoggerTo(&buf)
	require.NotNil(t, logger)

	logger.Debug("hidden")
	logger.Info("test message", "job_id", "job-1")

	assert.Contains(t, buf.String(), `"msg":"test message"`)
	assert.Contains(t, buf.String(), `"job_id":"job-1"`)
	assert.NotContains(t, buf.String(), "hidden")
}

func TestConfig_NewLoggerTo_Text(t *testing.T) {
	cfg := &Config{LogFormat: "text", LogLevel: "debug"}

	var buf bytes.Buffer
	logger := cfg.NewLoggerTo(&buf)
	logger.Debug("visible")

	assert.Contains(t, buf.String(), "msg=visible")
	assert.NotNil(t, cfg.NewLogger())
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"debug", "DEBUG"},
		{"DEBUG", "DEBUG"},
		{"info", "INFO"},
		{"warn", "WARN"},
		{"warning", "WARN"},
		{"error", "ERROR"},
		{"ERROR", "ERROR"},
		{"unknown", "INFO"}, // defaults to info
		{"", "INFO"},        // defaults to info
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseLogLevel(tt.input).String())
		})
	}
}
