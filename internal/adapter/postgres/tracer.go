package postgres

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

type QueryObserver interface {
	DBQuery(operation string, duration time.Duration, err error)
}

// QueryTracer times queries for a QueryObserver. Queries are labelled by
// their leading SQL keyword to keep label cardinality low.
type QueryTracer struct {
	observer QueryObserver
}

var _ pgx.QueryTracer = (*QueryTracer)(nil)

func NewQueryTracer(observer QueryObserver) *QueryTracer {
	return &QueryTracer{observer: observer}
}

type queryStartKey struct{}

type queryStart struct {
	at        time.Time
	operation string
}

func (t *QueryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, queryStartKey{}, queryStart{at: time.Now(), operation: queryOperation(data.SQL)})
}

func (t *QueryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	start, ok := ctx.Value(queryStartKey{}).(queryStart)
	if !ok {
		return
	}
	t.observer.DBQuery(start.operation, time.Since(start.at), data.Err)
}

// queryOperation returns the first keyword after any leading "--" comment
// lines.
func queryOperation(sql string) string {
	for line := range strings.Lines(sql) {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}
		return strings.ToLower(strings.Fields(line)[0])
	}
	return "unknown"
}
