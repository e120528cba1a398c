package crypto

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

// setupTestLogger configures logrus for testing and returns a buffer to capture output
func setupTestLogger(t *testing.T) *bytes.Buffer {
	t.Helper()

	var buf bytes.Buffer
	out, formatter, level := logrus.StandardLogger().Out, logrus.StandardLogger().Formatter, logrus.GetLevel()
	logrus.SetOutput(&buf)
	logrus.SetFormatter(&logrus.TextFormatter{
		DisableColors:    true,
		DisableTimestamp: true,
	})
	logrus.SetLevel(logrus.DebugLevel)

	t.Cleanup(func() {
		logrus.SetOutput(out)
		logrus.SetFormatter(formatter)
		logrus.SetLevel(level)
	})
	return &buf
}

func TestNewLogger(t *testing.T) {
	logger := NewLogger("dht", "LookupPeers")
	fields := logger.Fields()

	if fields["function"] != "LookupPeers" {
		t.Errorf("fields[function] = %v, want LookupPeers", fields["function"])
	}
	if fields["package"] != "dht" {
		t.Errorf("fields[package] = %v, want dht", fields["package"])
	}
}

func TestLoggerHelperChaining(t *testing.T) {
	var id NodeID
	id[0] = 0xab

	logger := NewLogger("crypto", "Test").
		WithField("attempt", 2).
		WithFields(logrus.Fields{"address": "mem://a"}).
		WithPeer("peer_id", id).
		WithError(errors.New("boom"), "dial")

	fields := logger.Fields()
	want := map[string]interface{}{
		"attempt":   2,
		"address":   "mem://a",
		"peer_id":   id.Short(),
		"error":     "boom",
		"operation": "dial",
	}
	for k, v := range want {
		if fields[k] != v {
			t.Errorf("fields[%s] = %v, want %v", k, fields[k], v)
		}
	}

	// Fields returns a copy
	fields["attempt"] = 99
	if logger.Fields()["attempt"] != 2 {
		t.Error("Fields() exposed the internal map")
	}
}

func TestLoggerHelperWithNilError(t *testing.T) {
	fields := NewLogger("crypto", "Test").WithError(nil, "noop").Fields()
	if _, ok := fields["error"]; ok {
		t.Error("WithError(nil) should not add an error field")
	}
	if fields["operation"] != "noop" {
		t.Errorf("fields[operation] = %v, want noop", fields["operation"])
	}
}

func TestLoggerHelperLevels(t *testing.T) {
	tests := []struct {
		name  string
		log   func(*LoggerHelper, string)
		level string
	}{
		{"debug", (*LoggerHelper).Debug, "level=debug"},
		{"info", (*LoggerHelper).Info, "level=info"},
		{"warn", (*LoggerHelper).Warn, "level=warning"},
		{"error", (*LoggerHelper).Error, "level=error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := setupTestLogger(t)
			tt.log(NewLogger("crypto", "TestLevels"), "hello")

			out := buf.String()
			if !strings.Contains(out, tt.level) {
				t.Errorf("output %q missing %q", out, tt.level)
			}
			if !strings.Contains(out, "function=TestLevels") {
				t.Errorf("output %q missing function field", out)
			}
		})
	}
}

func TestKeyPreview(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		preview string
		size    int
	}{
		{"nil", nil, "nil", 0},
		{"short", []byte{0x01, 0x02}, "0102", 2},
		{"long", bytes.Repeat([]byte{0xff}, 32), "ffffffff...", 32},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fields := KeyPreview(tt.data, "key")
			if fields["key_preview"] != tt.preview {
				t.Errorf("key_preview = %v, want %v", fields["key_preview"], tt.preview)
			}
			if fields["key_size"] != tt.size {
				t.Errorf("key_size = %v, want %v", fields["key_size"], tt.size)
			}
		})
	}
}
