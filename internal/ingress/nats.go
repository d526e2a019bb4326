package ingress

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/linnemanlabs/go-core/log"
	"github.com/nats-io/nats.go"

	"github.com/linnemanlabs/tripwire/internal/clock"
)

// NATSConfig configures the NATS subscriber.
type NATSConfig struct {
	URL     string
	Subject string
	Queue   string
}

// NATSSubscriber submits every message on a subject. Requests carrying a
// reply subject get the submit result back as JSON.
type NATSSubscriber struct {
	cfg    NATSConfig
	h      *handler
	logger log.Logger
}

// NewNATSSubscriber creates a subscriber. clk and logger may be nil.
func NewNATSSubscriber(cfg NATSConfig, sub Submitter, clk clock.Clock, logger log.Logger, hooks Hooks) *NATSSubscriber {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &NATSSubscriber{
		cfg:    cfg,
		h:      &handler{transport: "nats", sub: sub, clock: clk, hooks: hooks},
		logger: logger.With("transport", "nats", "subject", cfg.Subject),
	}
}

type natsReply struct {
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// handleMsg processes one message and returns the reply payload.
func (s *NATSSubscriber) handleMsg(ctx context.Context, m *nats.Msg) []byte {
	var reply natsReply
	res, err := s.h.handle(ctx, m.Data)
	if err != nil {
		if Rejected(err) {
			s.logger.Warn(ctx, "dropping malformed event", "error", err)
		} else {
			s.logger.Error(ctx, err, "failed to submit event")
		}
		reply.Error = err.Error()
	} else {
		reply.Result = res
	}
	out, _ := json.Marshal(reply)
	return out
}

// Run connects, subscribes and blocks until ctx is done, then drains the
// connection so in-flight messages finish.
func (s *NATSSubscriber) Run(ctx context.Context) error {
	closed := make(chan struct{})
	nc, err := nats.Connect(s.cfg.URL,
		nats.Name("tripwire"),
		nats.ClosedHandler(func(*nats.Conn) { close(closed) }),
	)
	if err != nil {
		return fmt.Errorf("connect nats %s: %w", s.cfg.URL, err)
	}

	// in-flight submits outlive ctx so drain can finish them
	msgCtx := context.WithoutCancel(ctx)
	cb := func(m *nats.Msg) {
		out := s.handleMsg(msgCtx, m)
		if m.Reply == "" {
			return
		}
		if err := m.Respond(out); err != nil {
			s.logger.Warn(ctx, "failed to send reply", "error", err)
		}
	}

	if s.cfg.Queue != "" {
		_, err = nc.QueueSubscribe(s.cfg.Subject, s.cfg.Queue, cb)
	} else {
		_, err = nc.Subscribe(s.cfg.Subject, cb)
	}
	if err != nil {
		nc.Close()
		return fmt.Errorf("subscribe %s: %w", s.cfg.Subject, err)
	}
	s.logger.Info(ctx, "nats subscriber started", "queue", s.cfg.Queue)

	<-ctx.Done()
	if err := nc.Drain(); err != nil {
		s.logger.Warn(ctx, "nats drain failed", "error", err)
		nc.Close()
	}
	<-closed
	return nil
}
