// Package logging builds the zap logger and the gin access log middleware.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Conf holds logger options
type Conf struct {
	Level    string // DEBUG, INFO, WARN, ERROR
	Output   string // stdout or stderr
	Encoding string // console or json
}

// SetDefaults returns the default configuration
func SetDefaults() Conf {
	return Conf{
		Level:    "INFO",
		Output:   "stdout",
		Encoding: "console",
	}
}

// Validate checks the configuration
func (c Conf) Validate() error {
	switch c.Output {
	case "", "stdout", "stderr":
	default:
		return fmt.Errorf("unsupported log output %q", c.Output)
	}
	switch c.Encoding {
	case "", "console", "json":
	default:
		return fmt.Errorf("unsupported log encoding %q", c.Encoding)
	}
	return nil
}

// New creates a logger writing to the configured output
func New(conf Conf) (*zap.Logger, error) {
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid log config: %w", err)
	}

	var w io.Writer = os.Stdout
	if conf.Output == "stderr" {
		w = os.Stderr
	}
	return NewWithWriter(conf, w), nil
}

// NewWithWriter creates a logger writing to w
func NewWithWriter(conf Conf, w io.Writer) *zap.Logger {
	core := zapcore.NewCore(encoder(conf.Encoding), zapcore.AddSync(w), ParseLevel(conf.Level))
	return zap.New(core, zap.AddCaller())
}

// Nop returns a logger that discards everything
func Nop() *zap.Logger {
	return zap.NewNop()
}

func encoder(encoding string) zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "time"
	cfg.MessageKey = "msg"
	cfg.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.UTC().Format(time.RFC3339))
	}
	cfg.EncodeCaller = zapcore.ShortCallerEncoder

	if encoding == "json" {
		return zapcore.NewJSONEncoder(cfg)
	}
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewConsoleEncoder(cfg)
}

// ParseLevel converts a level name to a zap level, ignoring case. Unknown names map to INFO.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return zapcore.DebugLevel
	case "WARN", "WARNING":
		return zapcore.WarnLevel
	case "ERROR":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// RequestIDHeader carries the request id in and out of the server
const RequestIDHeader = "X-Request-ID"

// GinLogger logs one line per request. It assigns a request id when the client did not send one.
func GinLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(RequestIDHeader, requestID)

		c.Next()

		fields := []zap.Field{
			zap.String("request_id", requestID),
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		switch status := c.Writer.Status(); {
		case status >= 500:
			log.Error("request", fields...)
		case status >= 400:
			log.Warn("request", fields...)
		default:
			log.Info("request", fields...)
		}
	}
}
