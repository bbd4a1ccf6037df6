package logging

import (
	"context"
	"os"
	"path"

	stdlog "log"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

/*
 *  Provides request and diagnostics logging facilities
 */

type ctxID int

const (
	reqIDKey ctxID = iota
	doorIDKey
)

// WithRequestID returns a context which knows its HTTP request ID
func WithRequestID(ctx context.Context, reqID string) context.Context {
	return context.WithValue(ctx, reqIDKey, reqID)
}

// WithDoor returns a context tagged with the door being operated on
func WithDoor(ctx context.Context, doorID int) context.Context {
	return context.WithValue(ctx, doorIDKey, doorID)
}

type logger struct {
	logger  *logrus.Entry
	logFile *os.File
}

// The one singleton logger
var gLogger logger
var gInstanceID string

// Logger returns the global logger, decorated with any request or door
// identifiers carried by ctx
func Logger(ctx context.Context) *logrus.Entry {
	entry := gLogger.logger
	if ctx == nil {
		return entry
	}

	fields := logrus.Fields{}
	if reqID, ok := ctx.Value(reqIDKey).(string); ok {
		fields["reqid"] = reqID
	}
	if doorID, ok := ctx.Value(doorIDKey).(int); ok {
		fields["door"] = doorID
	}

	if len(fields) == 0 {
		return entry
	}

	return entry.WithFields(fields)
}

// Component returns a logger for a long lived worker
func Component(name string) *logrus.Entry {
	return gLogger.logger.WithField("component", name)
}

// InstanceID is the random ID assigned to this process at startup
func InstanceID() string {
	return gInstanceID
}

func baseFields() logrus.Fields {
	return logrus.Fields{
		"pid":      os.Getpid(),
		"exe":      path.Base(os.Args[0]),
		"instance": gInstanceID,
	}
}

func init() {
	// Viper defaults
	viper.SetDefault("logging.location", "stderr")
	viper.SetDefault("logging.format", "text")
	viper.SetDefault("logging.level", "info")

	// The app instantiation ID
	gInstanceID = uuid.New().String()

	gLogger.logger = logrus.WithFields(baseFields())
}

// Configure sets the log level and output location/format
func Configure(cfg *viper.Viper) error {
	// Configure system log location
	switch loc := cfg.GetString("logging.location"); loc {
	case "stdout":
		logrus.SetOutput(os.Stdout)
	case "stderr", "":
		logrus.SetOutput(os.Stderr)
	default:
		file, err := os.OpenFile(loc, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return errors.Wrapf(err, "opening log file %s", loc)
		}

		gLogger.logger.Debugf("Switching system log to %s", loc)
		logrus.SetOutput(file)

		if gLogger.logFile != nil {
			gLogger.logFile.Close()
		}
		gLogger.logFile = file
	}

	gLogger.logger = logrus.WithFields(baseFields())

	// Obey the level setting in the config if not already in debug mode
	if !logrus.IsLevelEnabled(logrus.DebugLevel) {
		level := cfg.GetString("logging.level")
		val, err := logrus.ParseLevel(level)
		if err != nil {
			return errors.Errorf("bad log level: [%s]", level)
		}
		logrus.SetLevel(val)
	}

	switch format := cfg.GetString("logging.format"); format {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return errors.Errorf("bad log format: [%s]", format)
	}

	// Override the standard system logger
	stdlog.SetOutput(Logger(nil).WriterLevel(logrus.DebugLevel))

	return nil
}
