package logger

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hardenline/stigdrive/common"
)

const (
	defaultTimestampFormat = time.RFC3339
	defaultFieldSeparator  = " | "
)

// fieldOrder pins the context fields every component attaches, so log
// lines line up: timestamp | Run | Stage | Host | message | extras.
var fieldOrder = []string{common.LogFieldRun, common.LogFieldStage, common.LogFieldHost}

// Formatter implements logrus.Formatter for both the console and the
// rotating file sink. Colors are for the console only.
type Formatter struct {
	// TimestampFormat specifies the timestamp layout. Default: time.RFC3339.
	TimestampFormat string
	// NoColors disables ANSI level coloring (set for file output).
	NoColors bool
	// FieldSeparator sits between ordered fields. Default: " | ".
	FieldSeparator string
}

func (f *Formatter) Format(entry *logrus.Entry) ([]byte, error) {
	tsFormat := f.TimestampFormat
	if tsFormat == "" {
		tsFormat = defaultTimestampFormat
	}
	sep := f.FieldSeparator
	if sep == "" {
		sep = defaultFieldSeparator
	}

	b := &bytes.Buffer{}
	b.WriteString(entry.Time.Format(tsFormat))

	level := strings.ToUpper(entry.Level.String())
	if len(level) > 4 {
		level = level[:4]
	}
	if f.NoColors {
		fmt.Fprintf(b, " [%s]", level)
	} else {
		fmt.Fprintf(b, " \x1b[%dm[%s]\x1b[0m", levelColor(entry.Level), level)
	}

	for _, key := range fieldOrder {
		if v, ok := entry.Data[key]; ok {
			b.WriteString(sep)
			fmt.Fprintf(b, "%s:%v", key, v)
		}
	}

	b.WriteString(" ")
	b.WriteString(entry.Message)

	extras := make([]string, 0, len(entry.Data))
	for key, v := range entry.Data {
		if isOrderedField(key) {
			continue
		}
		extras = append(extras, fmt.Sprintf("%s=%v", key, v))
	}
	if len(extras) > 0 {
		sort.Strings(extras)
		b.WriteString(" [")
		b.WriteString(strings.Join(extras, " "))
		b.WriteString("]")
	}

	b.WriteByte('\n')
	return b.Bytes(), nil
}

func isOrderedField(key string) bool {
	for _, k := range fieldOrder {
		if k == key {
			return true
		}
	}
	return false
}

func levelColor(level logrus.Level) int {
	switch level {
	case logrus.TraceLevel, logrus.DebugLevel:
		return 37 // gray
	case logrus.WarnLevel:
		return 33 // yellow
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		return 31 // red
	default:
		return 36 // cyan
	}
}
