// internal/utils/logger.go
package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"device-link/internal/config"
	"device-link/internal/model"
)

// TraceLevel sits below debug. Transient polling failures are logged here.
const TraceLevel = zapcore.DebugLevel - 1

// LoggerManager manages application logging
type LoggerManager struct {
	logger *zap.Logger
	config *config.LoggingConfig
}

// NewLogger creates a new logger instance based on configuration
func NewLogger(cfg *config.LoggingConfig) (*zap.Logger, error) {
	manager := &LoggerManager{
		config: cfg,
	}

	logger, err := manager.createLogger()
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	manager.logger = logger
	return logger, nil
}

// createLogger creates the zap logger with proper configuration
func (lm *LoggerManager) createLogger() (*zap.Logger, error) {
	encoderConfig := lm.getEncoderConfig()

	var encoder zapcore.Encoder
	switch lm.config.Format {
	case "console":
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	default:
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	writeSyncer, err := lm.getWriteSyncer()
	if err != nil {
		return nil, fmt.Errorf("failed to create write syncer: %w", err)
	}

	level, err := ParseLevel(lm.config.Level)
	if err != nil {
		return nil, fmt.Errorf("failed to parse log level: %w", err)
	}

	core := zapcore.NewCore(encoder, writeSyncer, level)

	return zap.New(core, lm.getLoggerOptions()...), nil
}

// getEncoderConfig returns encoder configuration based on format
func (lm *LoggerManager) getEncoderConfig() zapcore.EncoderConfig {
	config := zap.NewProductionEncoderConfig()

	config.TimeKey = "timestamp"
	config.EncodeTime = zapcore.TimeEncoderOfLayout(time.RFC3339Nano)

	config.LevelKey = "level"
	config.EncodeLevel = traceAware(zapcore.LowercaseLevelEncoder, "trace")

	config.CallerKey = "caller"
	config.EncodeCaller = zapcore.ShortCallerEncoder

	config.MessageKey = "message"
	config.StacktraceKey = "stacktrace"

	// Console format customizations
	if lm.config.Format == "console" {
		config.EncodeLevel = traceAware(zapcore.CapitalColorLevelEncoder, "TRACE")
		config.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000")
	}

	return config
}

// traceAware names TraceLevel, which zap's encoders would print as Level(-2)
func traceAware(base zapcore.LevelEncoder, name string) zapcore.LevelEncoder {
	return func(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
		if level == TraceLevel {
			enc.AppendString(name)
			return
		}
		base(level, enc)
	}
}

// getWriteSyncer returns write syncer based on output configuration
func (lm *LoggerManager) getWriteSyncer() (zapcore.WriteSyncer, error) {
	switch lm.config.Output {
	case "stdout":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	default:
		// File output with rotation
		if lm.config.Output == "" {
			lm.config.Output = "./logs/device-link.log"
		}

		logDir := filepath.Dir(lm.config.Output)
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		lumber := &lumberjack.Logger{
			Filename:   lm.config.Output,
			MaxSize:    lm.config.MaxSize, // MB
			MaxBackups: lm.config.MaxBackups,
			MaxAge:     lm.config.MaxAge, // days
			Compress:   lm.config.Compress,
		}

		return zapcore.AddSync(lumber), nil
	}
}

// ParseLevel parses a configured level name, including trace
func ParseLevel(name string) (zapcore.Level, error) {
	switch name {
	case "trace":
		return TraceLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "info":
		return zapcore.InfoLevel, nil
	case "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	case "fatal":
		return zapcore.FatalLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("invalid log level: %s", name)
	}
}

// getLoggerOptions returns logger options
func (lm *LoggerManager) getLoggerOptions() []zap.Option {
	return []zap.Option{
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	}
}

// LinkLogger wraps zap.Logger with connection-specific functionality
type LinkLogger struct {
	*zap.Logger
	component string
}

// NewLinkLogger creates a logger for one supervised connection
func NewLinkLogger(baseLogger *zap.Logger, component string, identity model.DeviceIdentity) *LinkLogger {
	if baseLogger == nil {
		baseLogger = zap.NewNop()
	}

	fields := []zap.Field{zap.String("component", component)}
	if !identity.IsZero() {
		fields = append(fields, zap.String("device_identity", identity.String()))
	}

	return &LinkLogger{
		Logger:    baseLogger.With(fields...),
		component: component,
	}
}

// WithIdentity returns a logger tagged with a newly learned identity
func (ll *LinkLogger) WithIdentity(identity model.DeviceIdentity) *LinkLogger {
	return &LinkLogger{
		Logger:    ll.Logger.With(zap.String("device_identity", identity.String())),
		component: ll.component,
	}
}

// Trace logs below debug level
func (ll *LinkLogger) Trace(msg string, fields ...zap.Field) {
	ll.Log(TraceLevel, msg, fields...)
}

// LogTransition logs a connection state change
func (ll *LinkLogger) LogTransition(from, to model.ConnectionState, endpoint model.EndpointRef, attempt int) {
	level := zapcore.InfoLevel
	if to == model.StateOpening {
		level = zapcore.DebugLevel
	}
	if to == model.StateFailed {
		level = zapcore.ErrorLevel
	}

	if ce := ll.Check(level, "Connection state changed"); ce != nil {
		ce.Write(
			zap.String("from", from.String()),
			zap.String("to", to.String()),
			zap.String("endpoint", endpoint.String()),
			zap.Int("attempt", attempt),
		)
	}
}

// LogAttempt logs a failed connection attempt that will be retried
func (ll *LinkLogger) LogAttempt(phase string, attempt int, endpoint model.EndpointRef, err error) {
	ll.Trace("Connection attempt failed",
		zap.String("phase", phase),
		zap.Int("attempt", attempt),
		zap.String("endpoint", endpoint.String()),
		zap.Error(err),
	)
}

// ServiceLogger provides service-level logging functionality
type ServiceLogger struct {
	*zap.Logger
	serviceName string
}

// NewServiceLogger creates a service-specific logger
func NewServiceLogger(baseLogger *zap.Logger, serviceName string) *ServiceLogger {
	if baseLogger == nil {
		baseLogger = zap.NewNop()
	}
	logger := baseLogger.With(
		zap.String("service", serviceName),
		zap.String("component", "service"),
	)

	return &ServiceLogger{
		Logger:      logger,
		serviceName: serviceName,
	}
}

// LogServiceStart logs service startup
func (sl *ServiceLogger) LogServiceStart(version string, config interface{}) {
	sl.Info("Service starting",
		zap.String("version", version),
		zap.Any("config", config),
	)
}

// LogServiceStop logs service shutdown
func (sl *ServiceLogger) LogServiceStop(reason string) {
	sl.Info("Service stopping",
		zap.String("reason", reason),
	)
}

// LogAPIRequest logs HTTP API requests
func (sl *ServiceLogger) LogAPIRequest(method, path, userAgent, clientIP string, statusCode int, duration time.Duration) {
	level := zapcore.InfoLevel
	if statusCode >= 400 {
		level = zapcore.WarnLevel
	}
	if statusCode >= 500 {
		level = zapcore.ErrorLevel
	}

	if ce := sl.Check(level, "API request"); ce != nil {
		ce.Write(
			zap.String("method", method),
			zap.String("path", path),
			zap.String("user_agent", userAgent),
			zap.String("client_ip", clientIP),
			zap.Int("status_code", statusCode),
			zap.Duration("duration", duration),
		)
	}
}

// LoggerWithRequestID adds request ID to logger
func LoggerWithRequestID(logger *zap.Logger, requestID string) *zap.Logger {
	return logger.With(zap.String("request_id", requestID))
}

// CloseLogger flushes buffered entries
func CloseLogger(logger *zap.Logger) error {
	return logger.Sync()
}
