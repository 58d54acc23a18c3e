package database

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/surrealdb/surrealdb.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "hookscript-database"

// Query runs a SurrealQL statement and decodes the first statement's rows
// into T.
//
//	scripts, err := Query[scriptRow](ctx, db, "SELECT * FROM script WHERE status = $status", map[string]any{"status": "active"})
func Query[T any](ctx context.Context, db *surrealdb.DB, query string, params map[string]any) ([]T, error) {
	var rows []T
	err := traced(ctx, query, func(ctx context.Context, span trace.Span) error {
		results, err := surrealdb.Query[[]T](ctx, db, query, params)
		if err != nil {
			return err
		}
		if results != nil && len(*results) > 0 {
			rows = (*results)[0].Result
		}
		span.SetAttributes(attribute.Int("db.rows_returned", len(rows)))
		return nil
	})
	return rows, err
}

// QueryOne returns the first row, or nil, nil when there is none. SELECT
// statements without a LIMIT get LIMIT 1.
func QueryOne[T any](ctx context.Context, db *surrealdb.DB, query string, params map[string]any) (*T, error) {
	if statementKind(query) == "SELECT" && !hasLimitClause(query) {
		query += " LIMIT 1"
	}

	results, err := Query[T](ctx, db, query, params)
	if err != nil || len(results) == 0 {
		return nil, err
	}
	return &results[0], nil
}

// Execute runs statements whose rows are not needed
func Execute(ctx context.Context, db *surrealdb.DB, query string, params map[string]any) error {
	return traced(ctx, query, func(ctx context.Context, _ trace.Span) error {
		_, err := surrealdb.Query[any](ctx, db, query, params)
		return err
	})
}

// traced runs one statement under a span named after its leading keyword.
// Failures are wrapped with that keyword so logs say which kind of
// statement broke.
func traced(ctx context.Context, query string, run func(context.Context, trace.Span) error) error {
	kind := statementKind(query)
	ctx, span := otel.Tracer(tracerName).Start(ctx, "surrealdb."+strings.ToLower(kind),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "surrealdb"),
			attribute.String("db.operation", kind),
			attribute.String("db.statement", query),
		),
	)
	defer span.End()

	start := time.Now()
	err := run(ctx, span)
	slog.Debug("SurrealDB statement", "operation", kind, "took", time.Since(start), "error", err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%s failed: %w", kind, err)
	}
	return nil
}

// statementKind is the upper-cased first keyword of a statement
func statementKind(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return "QUERY"
	}
	return strings.ToUpper(fields[0])
}

func hasLimitClause(query string) bool {
	query = " " + strings.ToUpper(query) + " "
	return strings.Contains(query, " LIMIT ")
}
