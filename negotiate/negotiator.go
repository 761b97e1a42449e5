// Package negotiate finds out which structured-output protocol a model
// connection supports and remembers the answer per model identity.
package negotiate

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/m4xw311/appuse/errors"
	"github.com/m4xw311/appuse/llm"
	"github.com/m4xw311/appuse/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	probeQuestion  = "What is the capital of France? Respond with just the city name in lowercase."
	probeJSONShape = `Respond with a JSON object in this format: {"answer": "city_name_in_lowercase"}`
	probeExpected  = "paris"
	sanityQuestion = "What is the capital of France? Respond with a single word."
)

var probeSchema = llm.Schema{
	Name:        "CapitalResponse",
	Description: "The answer to the question.",
	Parameters: map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"answer": map[string]interface{}{"type": "string", "description": "The city name in lowercase."},
		},
		"required": []string{"answer"},
	},
}

var (
	resolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "appuse",
		Subsystem: "negotiate",
		Name:      "resolutions_total",
		Help:      "Tool calling method resolutions by source and method.",
	}, []string{"source", "method"})

	probes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "appuse",
		Subsystem: "negotiate",
		Name:      "probes_total",
		Help:      "Capability probes by method and outcome.",
	}, []string{"method", "result"})

	tracer = otel.Tracer("appuse.negotiate")
)

// Negotiator resolves the tool calling method for a transport.
type Negotiator struct {
	cache        *Cache
	table        []Capability
	concurrency  int
	probeTimeout time.Duration
	logger       *slog.Logger
}

type Option func(*Negotiator)

// WithCache shares a cache between negotiators.
func WithCache(c *Cache) Option { return func(n *Negotiator) { n.cache = c } }

// WithTable replaces KnownCapabilities.
func WithTable(t []Capability) Option { return func(n *Negotiator) { n.table = t } }

// WithConcurrency bounds the number of probes in flight during detection.
func WithConcurrency(limit int) Option {
	return func(n *Negotiator) {
		if limit > 0 {
			n.concurrency = limit
		}
	}
}

// WithProbeTimeout bounds each probe call. Zero means no timeout.
func WithProbeTimeout(d time.Duration) Option { return func(n *Negotiator) { n.probeTimeout = d } }

func WithLogger(l *slog.Logger) Option { return func(n *Negotiator) { n.logger = l } }

func New(opts ...Option) *Negotiator {
	n := &Negotiator{
		table:        KnownCapabilities,
		concurrency:  len(llm.PreferenceOrder),
		probeTimeout: 30 * time.Second,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.cache == nil {
		n.cache = NewCache()
	}
	return n
}

func (n *Negotiator) Cache() *Cache { return n.cache }

// TrustConnection marks t as verified without asking the model.
func (n *Negotiator) TrustConnection(t llm.Transport) {
	n.cache.MarkVerified(t.Identity(), true)
}

// VerifyConnection asks the model a trivial question and marks the
// connection verified when the answer is right.
func (n *Negotiator) VerifyConnection(ctx context.Context, t llm.Transport) error {
	id := t.Identity()
	if n.cache.Verified(id) {
		return nil
	}
	reply, err := t.Invoke(ctx, []session.Message{session.HumanMessage(sanityQuestion)})
	if err != nil {
		n.cache.MarkVerified(id, false)
		return errors.Mark(errors.ErrConnection, errors.Wrapf(err, "connection check for %s failed", id))
	}
	answer := llm.RemoveThinkTags(reply.Text())
	if !strings.Contains(strings.ToLower(answer), probeExpected) {
		n.cache.MarkVerified(id, false)
		return errors.Mark(errors.ErrConnection, errors.New("connection check for %s got unexpected answer %q", id, answer))
	}
	n.cache.MarkVerified(id, true)
	n.logger.Debug("connection verified", "llm", id.String())
	return nil
}

// Resolve returns the method to use for t. requested is MethodAuto to
// negotiate or a concrete method to validate.
func (n *Negotiator) Resolve(ctx context.Context, t llm.Transport, requested llm.Method) (llm.Method, error) {
	id := t.Identity()
	ctx, span := tracer.Start(ctx, "negotiate.resolve", trace.WithAttributes(
		attribute.String("llm.identity", id.String()),
		attribute.String("llm.method.requested", string(requested)),
	))
	defer span.End()

	m, source, err := n.resolve(ctx, t, id, requested)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.SetAttributes(attribute.String("llm.method", string(m)), attribute.String("source", source))
	resolutions.WithLabelValues(source, string(m)).Inc()
	return m, nil
}

func (n *Negotiator) resolve(ctx context.Context, t llm.Transport, id llm.Identity, requested llm.Method) (llm.Method, string, error) {
	if requested != "" && requested != llm.MethodAuto {
		m, err := n.resolveExplicit(ctx, t, id, requested)
		return m, "explicit", err
	}

	if m, ok := n.cache.Method(id); ok {
		return m, "cache", nil
	}

	if m, ok := Lookup(n.table, id); ok {
		if n.cache.Verified(id) {
			return n.cache.Store(id, m), "table", nil
		}
		if n.Probe(ctx, t, m) {
			return n.cache.Store(id, m), "table", nil
		}
		n.logger.Warn("known tool calling method failed its probe, detecting", "llm", id.String(), "method", m)
	}

	m, err := n.detect(ctx, t)
	if err != nil {
		return "", "", err
	}
	n.logger.Info("detected tool calling method", "llm", id.String(), "method", m)
	return n.cache.Store(id, m), "detected", nil
}

func (n *Negotiator) resolveExplicit(ctx context.Context, t llm.Transport, id llm.Identity, requested llm.Method) (llm.Method, error) {
	if n.cache.Validated(id, requested) || n.cache.Verified(id) {
		n.cache.MarkValidated(id, requested)
		return requested, nil
	}
	if n.Probe(ctx, t, requested) {
		n.cache.MarkValidated(id, requested)
		return requested, nil
	}
	if err := ctx.Err(); err != nil {
		return "", errors.Wrapf(err, "negotiation interrupted")
	}
	if requested == llm.MethodRaw {
		return "", errors.Mark(errors.ErrConnection, errors.New("%s does not answer in raw mode", id))
	}
	return "", errors.Mark(errors.ErrConfiguration, errors.New("%s does not support the requested tool calling method %s", id, requested))
}

// detect probes every method concurrently and picks the first success in
// preference order. Probes still running once the answer is known are
// cancelled.
func (n *Negotiator) detect(ctx context.Context, t llm.Transport) (llm.Method, error) {
	candidates := llm.PreferenceOrder

	probeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(probeCtx)
	g.SetLimit(n.concurrency)

	type outcome struct {
		idx int
		ok  bool
	}
	outcomes := make(chan outcome, len(candidates))
	launched := make(chan struct{})
	go func() {
		defer close(launched)
		for i, m := range candidates {
			// Go blocks while the limit is reached
			g.Go(func() error {
				outcomes <- outcome{idx: i, ok: n.Probe(gctx, t, m)}
				return nil
			})
		}
	}()

	// 0 pending, 1 passed, -1 failed
	state := make([]int, len(candidates))
	chosen := undecided
	for chosen == undecided {
		o := <-outcomes
		if o.ok {
			state[o.idx] = 1
		} else {
			state[o.idx] = -1
		}
		chosen = decide(state)
	}
	cancel()
	<-launched
	_ = g.Wait()

	if chosen >= 0 {
		return candidates[chosen], nil
	}
	if err := ctx.Err(); err != nil {
		return "", errors.Wrapf(err, "negotiation interrupted")
	}
	return "", errors.Mark(errors.ErrConnection, errors.New("%s failed every tool calling probe", t.Identity()))
}

const (
	undecided = -1
	noneFound = -2
)

// decide returns the index of the preferred passing probe once every more
// preferred probe has failed.
func decide(state []int) int {
	for i, s := range state {
		switch s {
		case 0:
			return undecided
		case 1:
			return i
		}
	}
	return noneFound
}

// Probe asks the capital-of-France question using method m. It never
// returns an error: any failure means the method is unusable.
func (n *Negotiator) Probe(ctx context.Context, t llm.Transport, m llm.Method) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Warn("probe panicked", "method", m, "panic", r)
			ok = false
		}
		result := "fail"
		if ok {
			result = "pass"
		}
		probes.WithLabelValues(string(m), result).Inc()
	}()

	if ctx.Err() != nil {
		return false
	}
	if n.probeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.probeTimeout)
		defer cancel()
	}

	switch m {
	case llm.MethodRaw:
		reply, err := t.Invoke(ctx, []session.Message{session.HumanMessage(probeQuestion + " " + probeJSONShape)})
		if err != nil || reply == nil {
			n.logger.Debug("raw probe failed", "error", err)
			return false
		}
		return answerInText(reply.Text())
	case llm.MethodJSONMode:
		resp, err := t.InvokeStructured(ctx, []session.Message{session.HumanMessage(probeQuestion + " " + probeJSONShape)}, probeSchema, m)
		if err != nil || resp == nil {
			n.logger.Debug("json_mode probe failed", "error", err)
			return false
		}
		if resp.Raw != nil && answerInText(resp.Raw.Text()) {
			return true
		}
		return answerInParsed(resp.Parsed)
	default:
		resp, err := t.InvokeStructured(ctx, []session.Message{session.HumanMessage(probeQuestion)}, probeSchema, m)
		if err != nil || resp == nil {
			n.logger.Debug("structured probe failed", "method", m, "error", err)
			return false
		}
		return answerInParsed(resp.Parsed)
	}
}

func answerInText(text string) bool {
	body := llm.StripCodeFences(llm.RemoveThinkTags(text))
	return answerInParsed(json.RawMessage(body))
}

func answerInParsed(data json.RawMessage) bool {
	if len(data) == 0 {
		return false
	}
	var v struct {
		Answer string `json:"answer"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(v.Answer), probeExpected)
}
