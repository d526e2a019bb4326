package postgres

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

var (
	queryObserver atomic.Pointer[queryObserverHolder]

	// minQueryLogDuration is the threshold below which successful queries
	// are not logged. 0 logs every query.
	minQueryLogDuration atomic.Int64
)

type (
	queryStateKey struct{}
	methodKey     struct{}
	componentKey  struct{}
	statsKey      struct{}
)

// queryState travels from TraceQueryStart to TraceQueryEnd.
type queryState struct {
	sql     string
	args    []any
	start   time.Time
	caller  string
	handler string
}

type queryObserverHolder struct{ QueryObserver }

// QueryObserver receives per-query metrics (wired by main for Prometheus).
// route is the chi route pattern for API requests or the component label
// for background work.
type QueryObserver interface {
	ObserveQuery(ctx context.Context, method, route, outcome string, dur time.Duration)
}

// QueryObserverFunc adapts a plain function to QueryObserver.
type QueryObserverFunc func(ctx context.Context, method, route, outcome string, dur time.Duration)

// ObserveQuery implements QueryObserver.
func (f QueryObserverFunc) ObserveQuery(ctx context.Context, method, route, outcome string, dur time.Duration) {
	f(ctx, method, route, outcome, dur)
}

// SetQueryObserver sets the global query observer (typically a Prometheus histogram).
func SetQueryObserver(o QueryObserver) {
	if o == nil {
		queryObserver.Store(nil)
		return
	}
	queryObserver.Store(&queryObserverHolder{QueryObserver: o})
}

func getQueryObserver() QueryObserver {
	h := queryObserver.Load()
	if h == nil {
		return nil
	}
	return h.QueryObserver
}

// WithHTTPMethod stores the HTTP method in the context for query metrics labelling.
func WithHTTPMethod(ctx context.Context, method string) context.Context {
	if method == "" {
		return ctx
	}
	return context.WithValue(ctx, methodKey{}, method)
}

// WithComponent labels queries issued outside an HTTP request, such as the
// correlation workers, the retry poller or a broker consumer.
func WithComponent(ctx context.Context, component string) context.Context {
	if component == "" {
		return ctx
	}
	return context.WithValue(ctx, componentKey{}, component)
}

// queryLabels returns the method and route labels for ctx. API requests are
// labelled by method and chi route pattern; background work by component
// with method NONE.
func queryLabels(ctx context.Context) (method, route string) {
	method, _ = ctx.Value(methodKey{}).(string)
	if method == "" {
		method = "NONE"
	}
	if rc := chi.RouteContext(ctx); rc != nil {
		route = rc.RoutePattern()
	}
	if route == "" {
		route, _ = ctx.Value(componentKey{}).(string)
	}
	if route == "" {
		route = "unknown"
	}
	return method, route
}

// Stats accumulates the queries issued while handling one unit of work.
type Stats struct {
	mu       sync.Mutex
	queries  int
	errors   int
	duration time.Duration
}

// Add records one query.
func (s *Stats) Add(dur time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries++
	s.duration += dur
	if err != nil {
		s.errors++
	}
}

// Totals returns the query count, the error count and the summed duration.
func (s *Stats) Totals() (queries, errs int, dur time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries, s.errors, s.duration
}

// WithStats attaches an empty Stats to ctx and returns both.
func WithStats(ctx context.Context) (context.Context, *Stats) {
	s := &Stats{}
	return context.WithValue(ctx, statsKey{}, s), s
}

// StatsFromContext returns the Stats attached by WithStats.
func StatsFromContext(ctx context.Context) (*Stats, bool) {
	s, ok := ctx.Value(statsKey{}).(*Stats)
	return s, ok
}

// loggingTracer wraps another pgx.QueryTracer (otelpgx) and adds a
// structured log line, metrics and per-unit stats for every query.
type loggingTracer struct {
	inner pgx.QueryTracer
}

// wrapQueryTracer wraps an inner tracer with structured logging.
func wrapQueryTracer(inner pgx.QueryTracer) pgx.QueryTracer {
	return loggingTracer{inner: inner}
}

func (t loggingTracer) TraceQueryStart(
	ctx context.Context,
	conn *pgx.Conn,
	data pgx.TraceQueryStartData,
) context.Context {
	st := &queryState{sql: data.SQL, args: data.Args, start: time.Now()}
	st.caller, st.handler = findDBCallerAndHandler()

	// otelpgx creates its span first so the attributes land on it
	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		if st.caller != "" {
			span.SetAttributes(attribute.String("db.caller", st.caller))
		}
		if st.handler != "" {
			span.SetAttributes(attribute.String("db.handler", st.handler))
		}
	}

	return context.WithValue(ctx, queryStateKey{}, st)
}

func (t loggingTracer) TraceQueryEnd(
	ctx context.Context,
	conn *pgx.Conn,
	data pgx.TraceQueryEndData,
) {
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}

	st, ok := ctx.Value(queryStateKey{}).(*queryState)
	if !ok {
		return
	}
	dur := time.Since(st.start)

	if s, ok := StatsFromContext(ctx); ok {
		s.Add(dur, data.Err)
	}

	if obs := getQueryObserver(); obs != nil {
		method, route := queryLabels(ctx)
		outcome := "ok"
		if data.Err != nil {
			outcome = "error"
		}
		obs.ObserveQuery(ctx, method, route, outcome, dur)
	}

	if minDur := time.Duration(minQueryLogDuration.Load()); minDur > 0 && dur < minDur && data.Err == nil {
		return
	}

	L := log.FromContext(ctx)
	if data.Err != nil {
		L.Error(ctx, data.Err, "db query failed", queryFields(st, data, dur)...)
		return
	}
	L.Info(ctx, "db query", queryFields(st, data, dur)...)
}

func queryFields(st *queryState, data pgx.TraceQueryEndData, dur time.Duration) []any {
	fields := []any{
		"db.statement", st.sql,
		"db.args", st.args,
		"db.duration", dur.Seconds(),
	}

	if tag := strings.TrimSpace(data.CommandTag.String()); tag != "" {
		if op, _, _ := strings.Cut(tag, " "); op != "" {
			fields = append(fields, "db.operation.name", strings.ToUpper(op))
		}
		fields = append(fields, "pg.command_tag", tag, "db.rows", data.CommandTag.RowsAffected())
	}
	if st.caller != "" {
		fields = append(fields, "db.caller", st.caller)
	}
	if st.handler != "" {
		fields = append(fields, "db.handler", st.handler)
	}

	var pgErr *pgconn.PgError
	if errors.As(data.Err, &pgErr) {
		fields = append(fields,
			"db.error_code", pgErr.Code,
			"db.error_constraint", pgErr.ConstraintName,
		)
	}
	return fields
}

// findDBCallerAndHandler walks the stack to find:
//   - caller: the store method issuing the query
//   - handler: the first frame above it outside the store packages
//     (alert service, scheduler or API handler)
func findDBCallerAndHandler() (caller, handler string) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	for {
		fr, more := frames.Next()
		fn := fr.Function
		switch {
		case fn == "":
		case skipFrame(fn):
		case caller == "":
			caller = shortenFuncName(fn)
		case !strings.Contains(fn, "/internal/store/"):
			return caller, shortenFuncName(fn)
		}
		if !more {
			return caller, handler
		}
	}
}

func skipFrame(fn string) bool {
	return strings.HasPrefix(fn, "runtime.") ||
		strings.Contains(fn, "github.com/jackc/pgx/v5") ||
		strings.Contains(fn, "github.com/exaring/otelpgx") ||
		strings.Contains(fn, "github.com/linnemanlabs/tripwire/internal/postgres.")
}

// shortenFuncName trims the import path and package name, keeping the
// receiver and method.
func shortenFuncName(fn string) string {
	if i := strings.LastIndex(fn, "/"); i >= 0 && i+1 < len(fn) {
		fn = fn[i+1:]
	}
	if dot := strings.Index(fn, "."); dot >= 0 && dot+1 < len(fn) {
		fn = fn[dot+1:]
	}
	return fn
}
