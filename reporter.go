// Package reporter records every wrapped test invocation (output, timing,
// outcome and tags) and ships the records to a results table in the
// background.
//
// A test package opts in from TestMain:
//
//	func TestMain(m *testing.M) {
//		os.Exit(reporter.Main(m))
//	}
//
// and wraps the tests it wants recorded with Run or Wrap.
package reporter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/test-reporter/capture"
	"github.com/ethereum-optimism/infra/test-reporter/config"
	"github.com/ethereum-optimism/infra/test-reporter/metrics"
	"github.com/ethereum-optimism/infra/test-reporter/queue"
	"github.com/ethereum-optimism/infra/test-reporter/shipper"
	"github.com/ethereum-optimism/infra/test-reporter/sink"
	"github.com/ethereum-optimism/infra/test-reporter/tags"
	"github.com/ethereum-optimism/infra/test-reporter/types"
)

// Reporter owns the delivery pipeline. It starts lazily on first use and
// at most once.
type Reporter struct {
	mu sync.Mutex

	log      log.Logger
	m        metrics.Metricer
	tags     *tags.Scope
	resolver *config.Resolver
	settings *config.Settings
	identity *types.Identity
	sink     sink.Sink

	started  bool
	startErr error
	closed   bool
	enabled  bool
	shipper  *shipper.Shipper
}

type Option func(*Reporter)

func WithLogger(logger log.Logger) Option {
	return func(r *Reporter) { r.log = logger }
}

func WithMetrics(m metrics.Metricer) Option {
	return func(r *Reporter) { r.m = m }
}

// WithResolver replaces the environment-backed configuration resolver.
func WithResolver(res *config.Resolver) Option {
	return func(r *Reporter) { r.resolver = res }
}

// WithSettings skips configuration resolution.
func WithSettings(s *config.Settings) Option {
	return func(r *Reporter) { r.settings = s }
}

func WithIdentity(id types.Identity) Option {
	return func(r *Reporter) { r.identity = &id }
}

// WithSink delivers to s instead of the configured sinks, regardless of the
// CI gate.
func WithSink(s sink.Sink) Option {
	return func(r *Reporter) { r.sink = s }
}

func WithTagScope(scope *tags.Scope) Option {
	return func(r *Reporter) { r.tags = scope }
}

func New(opts ...Option) *Reporter {
	r := &Reporter{}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		// bound to the real stderr so logs never end up in captured output
		r.log = log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, log.LevelInfo, false))
	}
	if r.m == nil {
		r.m = metrics.NoopMetrics
	}
	if r.tags == nil {
		r.tags = tags.Default
	}
	return r
}

// Default is the process-wide reporter used by Main, Run and Wrap.
var Default = New()

// Start brings up the pipeline. Later calls return the first result.
func (r *Reporter) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ensureStarted(ctx)
}

func (r *Reporter) ensureStarted(ctx context.Context) error {
	if r.started {
		return r.startErr
	}
	r.started = true
	if err := r.start(ctx); err != nil {
		r.startErr = NewStartupError(err)
	}
	return r.startErr
}

func (r *Reporter) start(ctx context.Context) error {
	if r.closed {
		return errors.New("reporter is closed")
	}
	if r.settings == nil {
		res := r.resolver
		if res == nil {
			var err error
			if res, err = config.DefaultResolver(); err != nil {
				return fmt.Errorf("failed to load properties: %w", err)
			}
		}
		s, err := config.Load(res)
		if err != nil {
			return fmt.Errorf("failed to load settings: %w", err)
		}
		r.settings = s
		r.resolver = res
	}
	r.enabled = r.settings.Enabled || r.sink != nil
	if !r.enabled {
		r.log.Debug("Not running on CI, test results are not recorded")
		return nil
	}

	if r.identity == nil {
		res := r.resolver
		if res == nil {
			res = config.NewResolver(nil, nil)
		}
		id := config.Identity(ctx, res)
		r.identity = &id
	}

	if r.sink == nil {
		s, err := NewSink(ctx, r.settings, r.log)
		if err != nil {
			return err
		}
		r.sink = s
	}
	r.sink = sink.NewInstrumented(r.sink, r.m)

	if r.settings.Policy == config.PolicyStrict {
		if err := r.sink.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("failed to provision schema: %w", err)
		}
	} else {
		q := queue.New(r.settings.QueueSize)
		r.shipper = shipper.New(shipper.Config{
			FlushInterval: r.settings.FlushInterval,
			FlushTimeout:  r.settings.FlushTimeout,
		}, q, r.sink, r.log, r.m)
		if err := r.shipper.Start(ctx); err != nil {
			return err
		}
	}

	r.log.Info("Recording test results",
		"sink", r.sink.Name(),
		"policy", r.settings.Policy,
		"branch", r.identity.BranchName,
		"sha", r.identity.ShortSHA)
	return nil
}

// Enabled reports whether invocations are being recorded. It is false until
// Start has succeeded.
func (r *Reporter) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started && r.startErr == nil && r.enabled && !r.closed
}

// Close enqueues the shutdown signal, waits for the final flush and closes
// the sink. ctx only bounds the wait.
func (r *Reporter) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if !r.started || r.startErr != nil || !r.enabled {
		return nil
	}

	var result error
	if r.shipper != nil {
		if err := r.shipper.Shutdown(ctx); err != nil {
			result = errors.Join(result, fmt.Errorf("failed to drain queue: %w", err))
		}
	}
	if err := r.sink.Close(); err != nil {
		result = errors.Join(result, fmt.Errorf("failed to close sink: %w", err))
	}
	return result
}

// Stats returns the shipper counters, or zero values under the strict
// policy.
func (r *Reporter) Stats() shipper.Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shipper == nil {
		return shipper.Stats{}
	}
	return r.shipper.Stats()
}

// Invocation identifies one wrapped test call.
type Invocation struct {
	// Key scopes the tags added during the call, usually the testing.TB.
	Key     any
	Package string
	Class   string
	Method  string
	Args    []any
	Tags    []string
	// Failed, when set, is consulted after a normal return.
	Failed func() bool
	// OnError receives delivery failures. It is needed when the call ends
	// in runtime.Goexit, where no error can be returned.
	OnError func(error)
}

func (inv Invocation) name() string {
	if inv.Class == inv.Method {
		return inv.Method
	}
	return inv.Class + "/" + inv.Method
}

// Intercept runs fn and records it. A panic in fn is recorded as a failure
// and then propagated; so is runtime.Goexit. Under the strict policy a
// delivery failure is returned as a *DeliveryError.
//
// When console capture is on, only one call is captured at a time. A call
// that starts while another is captured (a wrapped subtest, or a parallel
// test) is recorded without output.
func (r *Reporter) Intercept(ctx context.Context, inv Invocation, fn func()) (err error) {
	r.mu.Lock()
	startErr := r.ensureStarted(ctx)
	active := startErr == nil && r.enabled && !r.closed
	r.mu.Unlock()
	if startErr != nil {
		return startErr
	}
	if !active {
		fn()
		return nil
	}

	if inv.Key != nil {
		r.tags.Init(inv.Key)
		defer r.tags.Remove(inv.Key)
	}

	var capt *capture.Capture
	if r.settings.Capture == config.CaptureProcess {
		var cerr error
		capt, cerr = capture.StartWithOptions(capture.Options{StripANSI: true})
		switch {
		case errors.Is(cerr, capture.ErrActive):
			r.log.Warn("Output already captured by another invocation, recording without output", "test", inv.name())
		case cerr != nil:
			r.log.Warn("Failed to capture output", "test", inv.name(), "err", cerr)
		}
	}

	start := time.Now()
	returned := false
	defer func() {
		p := recover()
		end := time.Now()

		var stdout string
		if capt != nil {
			var cerr error
			if stdout, cerr = capt.Stop(); cerr != nil {
				r.log.Warn("Failed to collect output", "test", inv.name(), "err", cerr)
			}
			if capt.Truncated() {
				r.log.Debug("Captured output truncated", "test", inv.name(), "kept", len(stdout), "total", capt.TotalBytes())
			}
		}

		success := returned && p == nil
		if success && inv.Failed != nil {
			success = !inv.Failed()
		}
		var extra []string
		if inv.Key != nil {
			extra = r.tags.Snapshot(inv.Key)
		}
		rec := types.NewRecord(types.RecordParams{
			Identity:     *r.identity,
			Package:      inv.Package,
			Class:        inv.Class,
			Method:       inv.Method,
			Args:         inv.Args,
			Start:        start,
			End:          end,
			Success:      success,
			Stdout:       stdout,
			DeclaredTags: inv.Tags,
			ExtraTags:    extra,
		})
		err = r.Report(ctx, rec)
		if err != nil && inv.OnError != nil {
			inv.OnError(err)
		}

		if p != nil {
			panic(p)
		}
	}()

	fn()
	returned = true
	return nil
}

// Report delivers a finished record. Under the best-effort policy it is
// queued, blocking while the queue is full, and a rejected record is only
// logged. Under the strict policy it is inserted before Report returns.
func (r *Reporter) Report(ctx context.Context, rec types.Record) error {
	r.mu.Lock()
	active := r.started && r.startErr == nil && r.enabled
	strict := active && r.settings.Policy == config.PolicyStrict
	closed := r.closed
	shp, snk := r.shipper, r.sink
	r.mu.Unlock()
	if !active {
		return nil
	}

	test := rec.Class + "/" + rec.Method
	if strict && closed {
		r.m.RecordDropped()
		r.log.Warn("Dropped test result", "test", test, "err", shipper.ErrStopped)
		return nil
	}
	if !strict {
		if err := shp.Submit(ctx, rec); err != nil {
			r.log.Warn("Dropped test result", "test", test, "err", err)
		}
		return nil
	}

	rowErrs, err := snk.InsertBatch(ctx, []types.Record{rec})
	if err == nil && len(rowErrs) > 0 {
		err = rowErrs[0].Err
	}
	if err != nil {
		r.log.Error("Failed to deliver test result", "test", test, "err", err)
		return &DeliveryError{Test: test, Err: err}
	}
	return nil
}
