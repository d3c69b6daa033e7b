package postgres

import (
	"context"

	"github.com/SOLUCIONESSYCOM/go_cdc_pipeline/src/observability"
)

type nopLogger struct{}

func (l *nopLogger) Trace(ctx context.Context, message string, fields ...interface{}) observability.Logger {
	return l
}

func (l *nopLogger) Debug(ctx context.Context, message string, fields ...interface{}) observability.Logger {
	return l
}

func (l *nopLogger) Info(ctx context.Context, message string, fields ...interface{}) observability.Logger {
	return l
}

func (l *nopLogger) Warn(ctx context.Context, message string, err error, fields ...interface{}) observability.Logger {
	return l
}

func (l *nopLogger) Error(ctx context.Context, message string, err error, fields ...interface{}) observability.Logger {
	return l
}

func (l *nopLogger) Fatal(ctx context.Context, message string, err error, fields ...interface{}) observability.Logger {
	return l
}

func (l *nopLogger) AddFieldsToContext(ctx context.Context, fields map[string]string) context.Context {
	return ctx
}
