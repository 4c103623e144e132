package logging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew(t *testing.T) {
	logger, err := New(Config{Level: "debug", Format: "console"})
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	logger, err = New(Config{Level: "warn"})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
}

func TestNewRejectsBadLevel(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	assert.Error(t, err)
}

func TestNewRejectsBadRedactionPattern(t *testing.T) {
	_, err := New(Config{Redaction: RedactionConfig{
		Enabled:  true,
		Patterns: []string{"(unclosed"},
	}})
	assert.Error(t, err)
}

func encodeToString(t *testing.T, enc zapcore.Encoder) string {
	t.Helper()
	buf, err := enc.EncodeEntry(zapcore.Entry{Level: zapcore.InfoLevel, Message: "m"}, nil)
	require.NoError(t, err)
	return buf.String()
}

func TestRedactionMasksSensitiveFields(t *testing.T) {
	enc, err := newRedactingEncoder(
		newEncoder("json"),
		RedactionConfig{Enabled: true, Fields: []string{"Token", "api_key"}},
	)
	require.NoError(t, err)

	enc.AddString("token", "s3cret")
	enc.AddByteString("api_key", []byte("abc123"))
	enc.AddString("peer", "a")

	out := encodeToString(t, enc)
	assert.NotContains(t, out, "s3cret")
	assert.NotContains(t, out, "abc123")
	assert.Contains(t, out, "[REDACTED]")
	assert.Contains(t, out, `"peer":"a"`)
}

func TestRedactingEncoderPatterns(t *testing.T) {
	enc, err := newRedactingEncoder(
		newEncoder("json"),
		RedactionConfig{Enabled: true, Patterns: []string{`(?i)bearer\s+\S+`}},
	)
	require.NoError(t, err)

	enc.AddString("auth_header", "Bearer abc123")
	enc.AddString("plain", "hello")

	out := encodeToString(t, enc)
	assert.NotContains(t, out, "Bearer abc123")
	assert.Contains(t, out, "[REDACTED:pattern]")
	assert.Contains(t, out, `"plain":"hello"`)
}

func TestSampledCorePassesErrors(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	wrapped := sampledCore(core, SamplingConfig{
		Enabled:    true,
		Tick:       time.Second,
		Initial:    1,
		Thereafter: 1000,
	})
	logger := zap.New(wrapped)

	for i := 0; i < 50; i++ {
		logger.Info("repeat")
		logger.Error("boom")
	}

	var infos, errs int
	for _, e := range logs.All() {
		switch e.Level {
		case zapcore.InfoLevel:
			infos++
		case zapcore.ErrorLevel:
			errs++
		}
	}
	assert.Equal(t, 50, errs)
	assert.Less(t, infos, 50)
}
