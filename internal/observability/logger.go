package observability

import (
	"fmt"
	"strings"

	"github.com/upb/tenant-isolation/tenancy"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a json (production) or console (development) logger at
// the given level
func NewLogger(level, format string) (*zap.Logger, error) {
	if level == "" {
		level = "info"
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	switch strings.ToLower(format) {
	case "", "json":
		cfg = zap.NewProductionConfig()
	case "console", "text":
		cfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("invalid log format %q: use json or console", format)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

// TenantFields returns the fields identifying tc in log lines. A nil context
// yields no fields.
func TenantFields(tc *tenancy.TenantContext) []zap.Field {
	if tc == nil {
		return nil
	}
	fields := []zap.Field{
		zap.String("org_id", tc.OrgIDString()),
		zap.String("user_id", tc.UserID().String()),
		zap.String("role", tc.Role()),
	}
	if tc.RequestID() != "" {
		fields = append(fields, zap.String("request_id", tc.RequestID()))
	}
	return fields
}

// ForTenant returns a child logger carrying tc's fields
func ForTenant(logger *zap.Logger, tc *tenancy.TenantContext) *zap.Logger {
	return logger.With(TenantFields(tc)...)
}
