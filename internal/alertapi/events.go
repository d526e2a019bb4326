package alertapi

import (
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/linnemanlabs/tripwire/internal/authmw"
	"github.com/linnemanlabs/tripwire/internal/clock"
	"github.com/linnemanlabs/tripwire/internal/event"
)

// ClientHeader identifies an unauthenticated ingest client for rate
// limiting. Authenticated requests are limited by token name; requests
// with neither are limited by remote address.
const ClientHeader = "X-Client-Id"

func (a *API) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	if a.ingest == nil {
		writeError(w, http.StatusNotImplemented, "ingest not configured")
		return
	}

	if a.limiter != nil {
		client := clientKey(r)
		if ok, retry := a.limiter.allow(client); !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())+1))
			writeError(w, http.StatusTooManyRequests, "ingest rate limit exceeded")
			return
		}
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	ev, err := event.Normalize(body, a.clock.Now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := a.ingest.Submit(r.Context(), ev)
	if err != nil {
		a.fail(w, r, err, "failed to submit event", "event_id", ev.ID)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func clientKey(r *http.Request) string {
	if p, ok := authmw.Principal(r.Context()); ok {
		return "token:" + p
	}
	if c := r.Header.Get(ClientHeader); c != "" {
		return c
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientLimiter keeps one token bucket per client. Idle buckets are pruned
// on access once per idle period.
type clientLimiter struct {
	rps   rate.Limit
	burst int
	idle  time.Duration
	clock clock.Clock

	mu        sync.Mutex
	limiters  map[string]*limiterEntry
	lastPrune time.Time
}

func newClientLimiter(rps float64, burst int, clk clock.Clock) *clientLimiter {
	if burst < 1 {
		burst = max(1, int(rps))
	}
	return &clientLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		idle:     5 * time.Minute,
		clock:    clk,
		limiters: make(map[string]*limiterEntry),
	}
}

// allow consumes a token for client. When denied it returns how long until
// the next token.
func (l *clientLimiter) allow(client string) (bool, time.Duration) {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastPrune) > l.idle {
		for k, e := range l.limiters {
			if now.Sub(e.lastSeen) > l.idle {
				delete(l.limiters, k)
			}
		}
		l.lastPrune = now
	}

	e, ok := l.limiters[client]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.limiters[client] = e
	}
	e.lastSeen = now

	res := e.limiter.ReserveN(now, 1)
	if d := res.DelayFrom(now); d > 0 {
		res.CancelAt(now)
		return false, d
	}
	return true, 0
}

func (l *clientLimiter) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
