package logger

import (
	"regexp"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// stripANSI removes ANSI color codes from a string for testing
func stripANSI(str string) string {
	ansiRegex := regexp.MustCompile(`\x1b\[[0-9;]*m`)
	return ansiRegex.ReplaceAllString(str, "")
}

// TestMinimalEncoderNeverDiscardsFields ensures the minimal encoder never
// silently drops log fields.
func TestMinimalEncoderNeverDiscardsFields(t *testing.T) {
	encoder := newMinimalEncoder()

	entry := zapcore.Entry{
		Level:      zapcore.InfoLevel,
		Time:       time.Now(),
		LoggerName: "engine",
		Message:    "Pass complete",
	}

	testFields := []struct {
		field    zapcore.Field
		mustFind string
	}{
		{zap.String("job_id", "SJQRTXA3"), "job_id=SJQRTXA3"},
		{zap.Int("processed", 12), "processed=12"},
		{zap.Int("failed", 2), "failed=2"},
		{zap.Bool("bypass_window", true), "bypass_window=true"},
		{zap.Float64("elapsed_seconds", 0.8), "elapsed_seconds=0.8"},
		{zap.Int64("log_id", 9999999), "log_id=9999999"},
		{zap.String("error_details", "null response body"), "error_details=null response body"},
		{zap.Strings("force_ids", []string{"a", "b"}), "force_ids"},
		{zap.String("field.with.dots", "test2"), "field.with.dots=test2"},
		{zap.Bool("success", false), "success=false"},
		{zap.Error(nil), ""}, // nil error must not crash
	}

	var allFields []zapcore.Field
	for _, tf := range testFields {
		allFields = append(allFields, tf.field)
	}

	buf, err := encoder.EncodeEntry(entry, allFields)
	if err != nil {
		t.Fatalf("Failed to encode entry: %v", err)
	}

	cleanOutput := stripANSI(buf.String())

	for _, tf := range testFields {
		if tf.mustFind != "" && !strings.Contains(cleanOutput, tf.mustFind) {
			t.Errorf("Field was silently discarded from log output: %s\nOutput: %s", tf.mustFind, cleanOutput)
		}
	}
}

func TestMinimalEncoderLevels(t *testing.T) {
	encoder := newMinimalEncoder()

	tests := []struct {
		level    zapcore.Level
		contains string
		excludes string
	}{
		{zapcore.InfoLevel, "all good", "INFO"},
		{zapcore.WarnLevel, "WARN", ""},
		{zapcore.ErrorLevel, "ERROR", ""},
	}

	for _, tt := range tests {
		entry := zapcore.Entry{
			Level:   tt.level,
			Time:    time.Now(),
			Message: "all good",
		}

		buf, err := encoder.EncodeEntry(entry, nil)
		if err != nil {
			t.Fatalf("Failed to encode: %v", err)
		}

		clean := stripANSI(buf.String())
		if !strings.Contains(clean, tt.contains) {
			t.Errorf("level %s: output missing %q: %s", tt.level, tt.contains, clean)
		}
		if tt.excludes != "" && strings.Contains(clean, tt.excludes) {
			t.Errorf("level %s: output should not contain %q: %s", tt.level, tt.excludes, clean)
		}
	}
}

func TestMinimalEncoderUnusualFieldTypes(t *testing.T) {
	encoder := newMinimalEncoder()

	entry := zapcore.Entry{
		Level:      zapcore.InfoLevel,
		Time:       time.Now(),
		LoggerName: "test",
		Message:    "unusual field types",
	}

	fields := []zapcore.Field{
		zap.Duration("duration", 5 * time.Second),
		zap.Time("timestamp", time.Now()),
		zap.Uint("uint", 100),
		zap.Uint64("uint64", 5000000000),
		zap.ByteString("bytes", []byte("hello world")),
	}

	buf, err := encoder.EncodeEntry(entry, fields)
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}

	clean := stripANSI(buf.String())
	for _, expected := range []string{"duration=5s", "timestamp=", "uint=100", "uint64=5000000000", "bytes=hello world"} {
		if !strings.Contains(clean, expected) {
			t.Errorf("Field representation missing %q. Output: %s", expected, clean)
		}
	}
}

func TestAbbreviateName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"engine", "engine"},
		{"engine.ticker", "e.ticker"},
		{"server.ws.client", "s.ws.client"},
	}
	for _, tt := range tests {
		if got := abbreviateName(tt.in); got != tt.want {
			t.Errorf("abbreviateName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
