package reporter

import (
	"context"
	"reflect"
	"runtime"
	"testing"

	"github.com/ethereum-optimism/infra/test-reporter/types"
)

// Main starts the default reporter, runs the tests and flushes every
// record. Its result is the process exit code:
//
//	func TestMain(m *testing.M) {
//		os.Exit(reporter.Main(m))
//	}
func Main(m *testing.M) int {
	return Default.Main(m)
}

func (r *Reporter) Main(m *testing.M) int {
	ctx := context.Background()
	if err := r.Start(ctx); err != nil {
		r.log.Error("Failed to start test reporter", "err", err)
		return 2
	}
	code := m.Run()
	if err := r.Close(ctx); err != nil {
		r.log.Error("Failed to shut down test reporter", "err", err)
	}
	if stats := r.Stats(); stats.Failed > 0 {
		r.log.Warn("Some test results were not recorded", "failed", stats.Failed, "delivered", stats.Delivered)
	}
	return code
}

type RunOption func(*Invocation)

// WithArgs records the arguments of a parameterized case in method_desc.
func WithArgs(args ...any) RunOption {
	return func(inv *Invocation) { inv.Args = append(inv.Args, args...) }
}

// WithTags declares tags for the invocation.
func WithTags(tags ...string) RunOption {
	return func(inv *Invocation) { inv.Tags = append(inv.Tags, tags...) }
}

// WithName overrides the class and method derived from t.Name().
func WithName(class, method string) RunOption {
	return func(inv *Invocation) {
		inv.Class = class
		inv.Method = method
	}
}

// Run runs fn as a recorded invocation of t with the default reporter.
func Run(t testing.TB, fn func(t testing.TB), opts ...RunOption) {
	t.Helper()
	Default.Run(t, fn, opts...)
}

// Wrap adapts a subtest body for t.Run:
//
//	t.Run("case", reporter.Wrap(func(t *testing.T) { ... }))
func Wrap(fn func(t *testing.T), opts ...RunOption) func(t *testing.T) {
	return Default.Wrap(fn, opts...)
}

// AddTag attaches tags to the running invocation of t. Tags added outside
// Run or Wrap are ignored.
func AddTag(t testing.TB, tag ...string) {
	Default.AddTag(t, tag...)
}

func (r *Reporter) AddTag(t testing.TB, tag ...string) {
	r.tags.Add(t, tag...)
}

func (r *Reporter) Run(t testing.TB, fn func(t testing.TB), opts ...RunOption) {
	t.Helper()
	inv := r.invocation(t, fn, opts)
	if err := r.Intercept(context.Background(), inv, func() { fn(t) }); err != nil {
		if IsStartupError(err) {
			t.Fatalf("test-reporter: %v", err)
		}
	}
}

func (r *Reporter) Wrap(fn func(t *testing.T), opts ...RunOption) func(t *testing.T) {
	return func(t *testing.T) {
		t.Helper()
		r.Run(t, func(tb testing.TB) { fn(tb.(*testing.T)) }, append([]RunOption{withFunc(fn)}, opts...)...)
	}
}

// withFunc names the package after fn rather than the Wrap closure.
func withFunc(fn any) RunOption {
	return func(inv *Invocation) { inv.Package = funcPackage(fn) }
}

func (r *Reporter) invocation(t testing.TB, fn any, opts []RunOption) Invocation {
	class, method := types.SplitTestName(t.Name())
	inv := Invocation{
		Key:     t,
		Package: funcPackage(fn),
		Class:   class,
		Method:  method,
		Failed:  t.Failed,
		OnError: func(err error) {
			if IsDeliveryError(err) {
				t.Errorf("test-reporter: %v", err)
			}
		},
	}
	for _, opt := range opts {
		opt(&inv)
	}
	return inv
}

func funcPackage(fn any) string {
	f := runtime.FuncForPC(reflect.ValueOf(fn).Pointer())
	if f == nil {
		return ""
	}
	return types.PackageOf(f.Name())
}
