package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/goliatone/go-logger/glog"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	saga "github.com/goliatone/go-saga"
)

func TestGlogFormatsArguments(t *testing.T) {
	var buf bytes.Buffer
	base := glog.NewLogger(glog.WithWriter(&buf), glog.WithLoggerTypeJSON(), glog.WithLevel("trace"))

	logger := NewGlog(base).WithContext(context.Background())
	logger.Info("step %d of %s done", 2, "checkout")

	assert.Contains(t, buf.String(), "step 2 of checkout done")
}

func TestGlogWithFields(t *testing.T) {
	var buf bytes.Buffer
	base := glog.NewLogger(glog.WithWriter(&buf), glog.WithLoggerTypeJSON(), glog.WithLevel("trace"))

	fl, ok := NewGlog(base).(saga.FieldsLogger)
	require.True(t, ok)
	fl.WithFields(map[string]any{"saga_id": "s-1"}).Warn("late")

	out := buf.String()
	assert.Contains(t, out, "late")
	assert.Contains(t, out, "s-1")
}

func TestNewGlogNil(t *testing.T) {
	assert.NotNil(t, NewGlog(nil))
}

func TestZerologLevelsAndFields(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf).Level(zerolog.TraceLevel)

	logger := NewZerolog(base)
	fl := logger.(saga.FieldsLogger)
	fl.WithFields(map[string]any{"saga_type": "checkout"}).Error("attempt %d failed", 3)
	logger.Fatal("still alive")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "error", first["level"])
	assert.Equal(t, "attempt 3 failed", first["message"])
	assert.Equal(t, "checkout", first["saga_type"])

	var second map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, "fatal", second["level"])
}

func TestZerologRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewZerolog(zerolog.New(&buf).Level(zerolog.WarnLevel))
	logger.Debug("hidden")
	logger.Info("hidden")
	assert.Empty(t, buf.String())
}

func TestNewFromConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
		check   func(t *testing.T, out string)
	}{
		{
			name: "glog json",
			cfg:  DefaultConfig(),
			check: func(t *testing.T, out string) {
				assert.Contains(t, out, "hello 1")
			},
		},
		{
			name: "zerolog json",
			cfg:  Config{Backend: BackendZerolog, Level: "debug"},
			check: func(t *testing.T, out string) {
				assert.Contains(t, out, `"message":"hello 1"`)
			},
		},
		{
			name: "zerolog console",
			cfg:  Config{Backend: BackendZerolog, Level: "info", Format: "console"},
			check: func(t *testing.T, out string) {
				assert.Contains(t, out, "hello 1")
				assert.NotContains(t, out, `"message"`)
			},
		},
		{
			name: "fmt",
			cfg:  Config{Backend: BackendFmt},
			check: func(t *testing.T, out string) {
				assert.Contains(t, out, "hello 1")
			},
		},
		{name: "bad backend", cfg: Config{Backend: "syslog"}, wantErr: true},
		{name: "bad zerolog level", cfg: Config{Backend: BackendZerolog, Level: "loud"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger, err := New(tt.cfg, &buf)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			logger.Info("hello %d", 1)
			tt.check(t, buf.String())
		})
	}
}
