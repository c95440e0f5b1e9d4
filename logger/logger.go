package logger

import (
	"io"
	"os"
	"path/filepath"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"github.com/pkg/errors"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"

	"github.com/hardenline/stigdrive/file"
)

// Log is the global logger instance. It is usable immediately with
// console defaults; InitGlobalLogger reconfigures it for a real run.
var Log *logrus.Logger

func init() {
	Log = logrus.New()
	Log.SetLevel(logrus.InfoLevel)
	Log.SetFormatter(&Formatter{TimestampFormat: "15:04:05"})
	Log.SetOutput(os.Stdout)
}

// InitGlobalLogger configures the global Log. With an outputPath, log
// lines go to a daily-rotated file under that directory (kept 7 days)
// via an lfshook file hook, and console output is discarded; otherwise
// the console formatter stays active. Verbose switches to debug level.
func InitGlobalLogger(outputPath string, verbose bool) error {
	level := logrus.InfoLevel
	if verbose {
		level = logrus.DebugLevel
	}
	Log.SetLevel(level)

	if outputPath == "" {
		Log.SetFormatter(&Formatter{TimestampFormat: "15:04:05"})
		Log.SetOutput(os.Stdout)
		return nil
	}

	if err := file.CreateDir(outputPath); err != nil {
		return errors.Wrapf(err, "failed to create log output directory %s", outputPath)
	}
	logFilePath := filepath.Join(outputPath, "stigdrive.log")

	writer, err := rotatelogs.New(
		logFilePath+".%Y%m%d",
		rotatelogs.WithLinkName(logFilePath),
		rotatelogs.WithMaxAge(7*24*time.Hour),
		rotatelogs.WithRotationTime(24*time.Hour),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to initialize rotatelogs for %s", logFilePath)
	}

	fileFormatter := &Formatter{
		TimestampFormat: "2006-01-02 15:04:05.000 MST",
		NoColors:        true,
	}
	Log.SetFormatter(fileFormatter)

	logWriters := lfshook.WriterMap{}
	for _, lv := range logrus.AllLevels {
		if Log.IsLevelEnabled(lv) {
			logWriters[lv] = writer
		}
	}
	Log.Hooks.Add(lfshook.NewHook(logWriters, fileFormatter))
	// The hook owns file output; drop the default stream so lines are
	// not written twice.
	Log.SetOutput(io.Discard)
	return nil
}

// ForRun returns an entry carrying the run ID, the root context every
// component logs under.
func ForRun(runID string) *logrus.Entry {
	return Log.WithField("Run", runID)
}
