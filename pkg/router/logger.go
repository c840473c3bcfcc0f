package router

import (
	"fmt"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/soundctl/audiorouter/pkg/router/util"
)

const (
	logDirectory = "logs"
	logFilename  = "audiorouter-latest-run.log"
)

// NewLogger provides a logger instance for the entire application. In
// verbose mode everything is also mirrored to the console at debug level;
// otherwise we keep a tidy info-level file log only.
func NewLogger(verbose bool) (*zap.SugaredLogger, error) {
	appDir, err := util.AppDir()
	if err != nil {
		return nil, fmt.Errorf("resolve app dir for logger: %w", err)
	}

	logDirPath := filepath.Join(appDir, logDirectory)
	if err := util.EnsureDirExists(logDirPath); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	loggerConfig := zap.NewDevelopmentConfig()
	loggerConfig.OutputPaths = []string{filepath.Join(logDirPath, logFilename)}

	if verbose {
		loggerConfig.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		loggerConfig.OutputPaths = append(loggerConfig.OutputPaths, "stdout")
	} else {
		loggerConfig.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	// make it easier to read the log file by keeping timestamps human
	loggerConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	loggerConfig.EncoderConfig.CallerKey = ""

	logger, err := loggerConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("create zap logger: %w", err)
	}

	return logger.Sugar(), nil
}
