package postgres

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/linnemanlabs/go-core/log"
)

func TestShortenFuncName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"full path", "github.com/linnemanlabs/tripwire/internal/store/pgstore.(*Store).Get", "(*Store).Get"},
		{"already short", "(*Store).Get", "Get"},
		{"empty string", "", ""},
		{"no dots", "main", "main"},
		{"no slashes", "pgstore.(*Store).Get", "(*Store).Get"},
		{"closure", "github.com/linnemanlabs/tripwire/internal/dispatch.(*Scheduler).Dispatch.func1", "(*Scheduler).Dispatch.func1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := shortenFuncName(tt.in)
			if got != tt.want {
				t.Errorf("shortenFuncName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSkipFrame(t *testing.T) {
	t.Parallel()

	for fn, want := range map[string]bool{
		"runtime.goexit": true,
		"github.com/jackc/pgx/v5.(*Conn).Query":                                   true,
		"github.com/exaring/otelpgx.(*Tracer).TraceQueryStart":                    true,
		"github.com/linnemanlabs/tripwire/internal/postgres.loggingTracer.TraceQueryStart": true,
		"github.com/linnemanlabs/tripwire/internal/store/pgstore.(*Store).Get":    false,
		"github.com/linnemanlabs/tripwire/internal/alert.(*Service).Observe":      false,
	} {
		if got := skipFrame(fn); got != want {
			t.Errorf("skipFrame(%q) = %v, want %v", fn, got, want)
		}
	}
}

func TestStats(t *testing.T) {
	t.Parallel()

	ctx, s := WithStats(context.Background())
	got, ok := StatsFromContext(ctx)
	if !ok || got != s {
		t.Fatal("StatsFromContext did not return the attached stats")
	}

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var err error
			if i%5 == 0 {
				err = errors.New("timeout")
			}
			s.Add(time.Millisecond, err)
		}()
	}
	wg.Wait()

	queries, errs, dur := s.Totals()
	if queries != 10 || errs != 2 || dur != 10*time.Millisecond {
		t.Errorf("Totals = %d, %d, %s; want 10, 2, 10ms", queries, errs, dur)
	}

	if _, ok := StatsFromContext(context.Background()); ok {
		t.Error("expected ok=false for plain context")
	}
}

func TestQueryLabels(t *testing.T) {
	t.Parallel()

	routed := func() context.Context {
		rctx := chi.NewRouteContext()
		rctx.RoutePatterns = []string{"/api/v1/alerts/{id}"}
		return context.WithValue(context.Background(), chi.RouteCtxKey, rctx)
	}

	tests := []struct {
		name       string
		ctx        context.Context
		wantMethod string
		wantRoute  string
	}{
		{"bare context", context.Background(), "NONE", "unknown"},
		{"component", WithComponent(context.Background(), "retry-poller"), "NONE", "retry-poller"},
		{"http request", WithHTTPMethod(routed(), http.MethodGet), http.MethodGet, "/api/v1/alerts/{id}"},
		{"route wins over component", WithComponent(routed(), "pipeline"), "NONE", "/api/v1/alerts/{id}"},
		{"empty method ignored", WithHTTPMethod(context.Background(), ""), "NONE", "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			method, route := queryLabels(tt.ctx)
			if method != tt.wantMethod || route != tt.wantRoute {
				t.Errorf("queryLabels = (%q, %q), want (%q, %q)", method, route, tt.wantMethod, tt.wantRoute)
			}
		})
	}

	if WithComponent(context.Background(), "") != context.Background() {
		t.Error("empty component should return the parent context")
	}
}

// The observer is global, so tests touching it do not run in parallel.
func TestTracer_ObservesAndCounts(t *testing.T) {
	type obs struct {
		method, route, outcome string
	}
	var (
		mu  sync.Mutex
		got []obs
	)
	SetQueryObserver(QueryObserverFunc(func(_ context.Context, method, route, outcome string, _ time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, obs{method, route, outcome})
	}))
	defer SetQueryObserver(nil)

	tr := wrapQueryTracer(nil)
	base := log.WithContext(context.Background(), log.Nop())
	ctx, stats := WithStats(WithComponent(base, "pipeline"))

	qctx := tr.TraceQueryStart(ctx, nil, pgx.TraceQueryStartData{SQL: "SELECT 1"})
	tr.TraceQueryEnd(qctx, nil, pgx.TraceQueryEndData{CommandTag: pgconn.NewCommandTag("SELECT 1")})

	qctx = tr.TraceQueryStart(ctx, nil, pgx.TraceQueryStartData{SQL: "INSERT"})
	tr.TraceQueryEnd(qctx, nil, pgx.TraceQueryEndData{Err: &pgconn.PgError{Code: "23505"}})

	// an end without a start is ignored
	tr.TraceQueryEnd(ctx, nil, pgx.TraceQueryEndData{})

	want := []obs{{"NONE", "pipeline", "ok"}, {"NONE", "pipeline", "error"}}
	if len(got) != len(want) {
		t.Fatalf("observations = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("observation %d = %+v, want %+v", i, got[i], want[i])
		}
	}
	if q, e, _ := stats.Totals(); q != 2 || e != 1 {
		t.Errorf("stats = %d queries %d errors, want 2 and 1", q, e)
	}
}

func TestSetQueryObserver(t *testing.T) {
	defer SetQueryObserver(nil)

	called := false
	SetQueryObserver(QueryObserverFunc(func(_ context.Context, _, _, _ string, _ time.Duration) {
		called = true
	}))
	got := getQueryObserver()
	if got == nil {
		t.Fatal("expected non-nil observer after Set")
	}
	got.ObserveQuery(context.Background(), "GET", "/test", "ok", time.Millisecond)
	if !called {
		t.Error("observer was not called")
	}

	SetQueryObserver(nil)
	if got := getQueryObserver(); got != nil {
		t.Errorf("expected nil observer after Set(nil), got %v", got)
	}
}

func TestNewPool_InvalidURL(t *testing.T) {
	t.Parallel()

	_, err := NewPool(context.Background(), "postgres://%zz")
	if err == nil || !strings.Contains(err.Error(), "parse database url") {
		t.Fatalf("err = %v, want parse error", err)
	}
}
