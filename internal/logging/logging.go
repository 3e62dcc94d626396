// Package logging builds the process-wide zap logger.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/untoldecay/engram/internal/config"
)

// New builds a logger from the log.* configuration keys. When log.file is
// set, output rotates through lumberjack; otherwise it goes to stderr.
func New() *zap.Logger {
	level := zapcore.InfoLevel
	if parsed, err := zapcore.ParseLevel(config.GetString("log.level")); err == nil {
		level = parsed
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if config.GetBool("log.pretty") {
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	var sink zapcore.WriteSyncer
	if file := config.GetString("log.file"); file != "" {
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   file,
			MaxSize:    config.GetIntMin("log.max-size-mb", 1),
			MaxBackups: config.GetInt("log.max-backups"),
			MaxAge:     config.GetInt("log.max-age-days"),
			Compress:   true,
		})
	} else {
		sink = zapcore.AddSync(os.Stderr)
	}

	core := zapcore.NewCore(encoder, sink, level)
	return zap.New(core)
}
