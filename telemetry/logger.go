package telemetry

import (
	"os"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"slotshare/config"
)

const scopeName = "slotshare"

// NewLogger builds the process logger. JSON to stdout outside development,
// console output in development. When tracing is enabled records are also
// bridged to the global OTel logger provider, so call it after Setup.
func NewLogger(cfg *config.Config) *zap.Logger {
	level := zap.InfoLevel
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encCfg)
	if cfg.IsDevelopment() {
		level = zap.DebugLevel
		encCfg = zap.NewDevelopmentEncoderConfig()
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), level)
	if cfg.OTel.Enabled() {
		core = zapcore.NewTee(core, otelzap.NewCore(scopeName,
			otelzap.WithLoggerProvider(global.GetLoggerProvider()),
		))
	}

	return zap.New(core,
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.Fields(zap.String("service.name", cfg.OTel.ServiceName), zap.String("env", cfg.Env)),
	)
}
