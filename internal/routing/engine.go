package routing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/shineum/ses-mail-router/internal/email"
	"github.com/shineum/ses-mail-router/internal/metrics"
)

// defaultParallelism bounds concurrent recipient resolutions per message.
const defaultParallelism = 8

// Engine resolves inbound messages to per-recipient decisions. It holds no
// per-message state and is safe for concurrent use.
type Engine struct {
	store       RuleStore
	gate        SecurityGate
	parallelism int
}

// Option configures an Engine.
type Option func(*Engine)

// WithSecurityGate sets the bypass token and header used by the gate.
func WithSecurityGate(g SecurityGate) Option {
	return func(e *Engine) { e.gate = g }
}

// WithParallelism bounds concurrent rule resolutions within one message.
func WithParallelism(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.parallelism = n
		}
	}
}

// NewEngine creates an Engine backed by store.
func NewEngine(store RuleStore, opts ...Option) *Engine {
	e := &Engine{store: store, parallelism: defaultParallelism}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Resolve returns one decision per recipient of msg. A store failure aborts
// the whole resolution with an error wrapping ErrRuleLookup.
func (e *Engine) Resolve(ctx context.Context, msg *email.InboundMessage) (*Resolution, error) {
	res := &Resolution{Decisions: make([]Decision, len(msg.Recipients))}

	if e.gate.Blocked(msg) {
		res.Blocked = true
		for i, rcpt := range msg.Recipients {
			res.Decisions[i] = Decision{
				Recipient:  rcpt,
				Actions:    securityBounce(),
				MatchedKey: string(MatchSecurityOverride),
			}
		}
		slog.Info("message blocked by security verdicts",
			"message_id", msg.ID,
			"recipients", len(msg.Recipients),
		)
		return res, nil
	}

	lookup := newMemo(e.store)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for i, rcpt := range msg.Recipients {
		g.Go(func() error {
			d, err := resolveRecipient(gctx, lookup, rcpt)
			if err != nil {
				return err
			}
			res.Decisions[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return res, nil
}

// ResolveWithFallback resolves msg and, if resolution fails for any reason,
// falls back to storing the message for every recipient. The fallback is
// counted separately from normal resolutions.
func (e *Engine) ResolveWithFallback(ctx context.Context, msg *email.InboundMessage) *Resolution {
	res, err := e.Resolve(ctx, msg)
	if err == nil {
		metrics.Resolutions.WithLabelValues(metrics.ResultResolved).Inc()
		if res.Blocked {
			metrics.SecurityBlocks.Inc()
		}
		countActions(res)
		return res
	}

	slog.Error("routing resolution failed, falling back to store",
		"message_id", msg.ID,
		"error", err,
	)
	metrics.Resolutions.WithLabelValues(metrics.ResultFallback).Inc()

	res = Fallback(msg)
	countActions(res)
	return res
}

// Fallback builds the safe default resolution: store, no target, for every
// recipient.
func Fallback(msg *email.InboundMessage) *Resolution {
	res := &Resolution{
		Decisions: make([]Decision, len(msg.Recipients)),
		FellBack:  true,
	}
	for i, rcpt := range msg.Recipients {
		res.Decisions[i] = Decision{
			Recipient:  rcpt,
			Actions:    defaultActions(),
			MatchedKey: string(MatchFallback),
		}
	}
	return res
}

func countActions(res *Resolution) {
	for _, d := range res.Decisions {
		for _, a := range d.Actions {
			metrics.Actions.WithLabelValues(string(a.Type)).Inc()
		}
	}
}

func resolveRecipient(ctx context.Context, lookup *memo, recipient string) (Decision, error) {
	for _, key := range LookupKeys(recipient) {
		rule, err := lookup.get(ctx, key)
		if err != nil {
			return Decision{}, err
		}
		if rule == nil {
			continue
		}
		if !rule.Enabled {
			slog.Debug("rule disabled, continuing search", "key", key)
			continue
		}
		if len(rule.Actions) == 0 {
			slog.Warn("enabled rule has no actions, continuing search", "key", key)
			continue
		}

		slog.Debug("routing rule matched", "recipient", recipient, "key", key)
		actions := make([]ActionSpec, len(rule.Actions))
		copy(actions, rule.Actions)
		return Decision{Recipient: recipient, Actions: actions, MatchedKey: key}, nil
	}

	slog.Info("no routing rule found, defaulting to store", "recipient", recipient)
	return Decision{
		Recipient:  recipient,
		Actions:    defaultActions(),
		MatchedKey: string(MatchDefault),
	}, nil
}

// memo caches rule lookups for the lifetime of a single Resolve call. Rules
// change out of band, so nothing survives past the call.
type memo struct {
	store RuleStore

	mu    sync.Mutex
	rules map[string]*Rule
}

func newMemo(store RuleStore) *memo {
	return &memo{store: store, rules: make(map[string]*Rule)}
}

func (m *memo) get(ctx context.Context, key string) (*Rule, error) {
	m.mu.Lock()
	rule, ok := m.rules[key]
	m.mu.Unlock()
	if ok {
		return rule, nil
	}

	rule, err := m.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrRuleLookup, key, err)
	}

	m.mu.Lock()
	m.rules[key] = rule
	m.mu.Unlock()
	return rule, nil
}
