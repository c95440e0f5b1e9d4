package logger

import (
	"bytes"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hardenline/stigdrive/common"
)

func TestFormatter_OrderedFields(t *testing.T) {
	f := &Formatter{TimestampFormat: "15:04:05", NoColors: true}
	entry := &logrus.Entry{
		Logger:  logrus.New(),
		Time:    time.Date(2026, 8, 29, 10, 30, 0, 0, time.UTC),
		Level:   logrus.InfoLevel,
		Message: "snapshot complete",
		Data: logrus.Fields{
			common.LogFieldHost:  "target1",
			common.LogFieldRun:   "run-abc",
			common.LogFieldStage: "backup-snapshot",
			"paths":              7,
		},
	}

	out, err := f.Format(entry)
	require.NoError(t, err)
	line := string(out)

	assert.Equal(t, "10:30:00 [INFO] | Run:run-abc | Stage:backup-snapshot | Host:target1 snapshot complete [paths=7]\n", line)
}

func TestFormatter_LevelTruncation(t *testing.T) {
	f := &Formatter{TimestampFormat: "15:04:05", NoColors: true}
	entry := &logrus.Entry{
		Logger:  logrus.New(),
		Time:    time.Now(),
		Level:   logrus.WarnLevel,
		Message: "dpkg reported errors",
		Data:    logrus.Fields{},
	}

	out, err := f.Format(entry)
	require.NoError(t, err)
	assert.Contains(t, string(out), "[WARN]")
	assert.NotContains(t, string(out), "WARNING")
}

func TestForRun(t *testing.T) {
	var buf bytes.Buffer
	orig := Log.Out
	Log.SetOutput(&buf)
	defer Log.SetOutput(orig)

	ForRun("run-123").Info("starting")
	assert.Contains(t, buf.String(), "Run:run-123")
}

func TestInitGlobalLogger_FileSink(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, InitGlobalLogger(dir, true))
	assert.Equal(t, logrus.DebugLevel, Log.GetLevel())

	// Restore console defaults for other tests.
	require.NoError(t, InitGlobalLogger("", false))
}
