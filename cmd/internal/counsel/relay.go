// Package counsel relays a user's conversation to the completion provider
// and streams the reply back, persisting both sides of the exchange
// out of band.
package counsel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"gabriel/cmd/identity"
	"gabriel/cmd/internal/conversation"
	"gabriel/cmd/internal/llm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("gabriel/counsel")

// Sink receives a reply as it is produced. Begin is called exactly once
// before the first Fragment, or at a clean end when there were none.
// Failures before Begin leave the sink untouched, so the caller can still
// answer with a structured error.
type Sink interface {
	Begin() error
	Fragment(text string) error
}

// Relay is safe for concurrent use; per-call state lives on the stack of
// Submit.
type Relay struct {
	log      *slog.Logger
	cfg      Config
	profile  Profile
	provider llm.Provider
	store    conversation.Store
	metrics  *Metrics

	wg sync.WaitGroup
}

// NewRelay wires a relay. provider may be nil, in which case every Submit
// fails with ErrProviderUnavailable.
func NewRelay(log *slog.Logger, cfg Config, profile Profile, provider llm.Provider, store conversation.Store, metrics *Metrics) (*Relay, error) {
	if store == nil {
		return nil, errors.New("counsel: nil conversation store")
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Relay{
		log:      log,
		cfg:      cfg.withDefaults(),
		profile:  profile,
		provider: provider,
		store:    store,
		metrics:  metrics,
	}, nil
}

// Configured reports whether a completion provider is wired.
func (r *Relay) Configured() bool { return r.provider != nil }

// Config returns the effective relay configuration.
func (r *Relay) Config() Config { return r.cfg }

// Submit streams the reply to turns into sink.
//
// Errors returned before the provider stream opens leave nothing persisted.
// Once it opens, the most recent user turn is written even if the stream
// then fails before its first fragment. A non-nil error after Begin means
// the stream ended early and the partial reply was discarded.
func (r *Relay) Submit(ctx context.Context, p identity.Principal, turns []Turn, sink Sink) (err error) {
	start := time.Now()
	outcome := outcomeOK
	opened := false
	defer func() {
		r.metrics.streams.WithLabelValues(outcome).Inc()
		if opened {
			r.metrics.duration.Observe(time.Since(start).Seconds())
		}
	}()

	if !p.Authenticated() {
		outcome = outcomeUnauthenticated
		return ErrUnauthenticated
	}
	if err := validateTurns(turns, r.cfg.MaxTurns, r.cfg.MaxChars); err != nil {
		outcome = outcomeInvalid
		return err
	}
	if r.provider == nil {
		outcome = outcomeUnavailable
		return ErrProviderUnavailable
	}

	ctx, span := tracer.Start(ctx, "counsel.relay")
	span.SetAttributes(
		attribute.String("user.id", p.UserID),
		attribute.Int("counsel.turns", len(turns)),
	)
	defer func() {
		span.SetAttributes(attribute.String("counsel.outcome", outcome))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
		span.End()
	}()

	// The idle timer cancels the upstream read when no fragment arrives in
	// time. It is paused while a fragment is delivered.
	sctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	idle := time.AfterFunc(r.cfg.IdleTimeout, func() { cancel(ErrIdleTimeout) })
	defer idle.Stop()

	stream, err := r.provider.Stream(sctx, llm.Request{
		Model:       r.profile.Model,
		Messages:    upstreamMessages(r.profile.SystemPrompt(), turns),
		Temperature: r.profile.Temperature,
		MaxTokens:   r.profile.MaxTokens,
	})
	if err != nil {
		outcome, err = r.classify(ctx, sctx, err, 0)
		r.log.Warn("counsel.stream.open.fail", "user_id", p.UserID, "outcome", outcome, "err", err)
		return err
	}
	opened = true
	defer func() { _ = stream.Close() }()

	if last, ok := lastUserTurn(turns); ok {
		r.persist(ctx, "user", p.UserID, func(pctx context.Context) error {
			_, err := r.store.AppendUserMessage(pctx, p.UserID, last.Content)
			return err
		})
	}

	var (
		reply     strings.Builder
		delivered int
		begun     bool
	)
	for {
		frag, rerr := stream.Recv()
		if rerr != nil {
			if errors.Is(rerr, io.EOF) && sctx.Err() == nil {
				break
			}
			outcome, err = r.classify(ctx, sctx, rerr, delivered)
			r.log.Warn("counsel.stream.fail",
				"user_id", p.UserID,
				"outcome", outcome,
				"fragments", delivered,
				"err", err,
			)
			return err
		}
		// A slow client is not an idle provider.
		idle.Stop()

		if !begun {
			begun = true
			if err := sink.Begin(); err != nil {
				outcome = outcomeClientGone
				return fmt.Errorf("counsel: begin: %w", err)
			}
		}
		if err := sink.Fragment(frag); err != nil {
			outcome = outcomeClientGone
			r.log.Info("counsel.client.gone", "user_id", p.UserID, "fragments", delivered, "err", err)
			return fmt.Errorf("counsel: deliver: %w", err)
		}
		delivered++
		r.metrics.fragments.Inc()
		reply.WriteString(frag)
		idle.Reset(r.cfg.IdleTimeout)
	}

	if !begun {
		if err := sink.Begin(); err != nil {
			outcome = outcomeClientGone
			return fmt.Errorf("counsel: begin: %w", err)
		}
	}
	span.SetAttributes(attribute.Int("counsel.fragments", delivered))

	if text := reply.String(); text != "" {
		r.persist(ctx, "assistant", p.UserID, func(pctx context.Context) error {
			_, err := r.store.AppendAssistantMessage(pctx, p.UserID, text)
			return err
		})
	}
	return nil
}

// classify maps a stream failure to an outcome and the error Submit returns.
func (r *Relay) classify(parent, sctx context.Context, err error, delivered int) (string, error) {
	switch {
	case parent.Err() != nil:
		return outcomeCanceled, parent.Err()
	case errors.Is(context.Cause(sctx), ErrIdleTimeout):
		return outcomeIdleTimeout, &UpstreamError{Err: ErrIdleTimeout, Delivered: delivered}
	default:
		return outcomeUpstreamError, &UpstreamError{Err: err, Delivered: delivered}
	}
}

// persist runs fn on a context detached from the request so that a client
// going away cannot cancel the write. Failures are logged and counted only.
func (r *Relay) persist(ctx context.Context, kind, userID string, fn func(context.Context) error) {
	pctx := context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		wctx, cancel := context.WithTimeout(pctx, r.cfg.PersistTimeout)
		defer cancel()

		if err := fn(wctx); err != nil {
			r.metrics.persist.WithLabelValues(kind, "error").Inc()
			r.log.Error("counsel.persist."+kind+".fail", "user_id", userID, "err", err)
			return
		}
		r.metrics.persist.WithLabelValues(kind, "ok").Inc()
	}()
}

// Drain waits for in-flight persistence writes or ctx, whichever is first.
func (r *Relay) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
