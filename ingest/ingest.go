// Package ingest feeds `go test -json` output into the delivery pipeline,
// for test binaries that do not link the reporter.
package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/sync/errgroup"

	"github.com/ethereum-optimism/infra/test-reporter/types"
)

const (
	maxLineSize     = 16 * 1024 * 1024
	maxFileParallel = 4
	// StdinPath reads the stream from standard input.
	StdinPath = "-"
)

// Submitter accepts finished records, blocking while the pipeline is full.
type Submitter interface {
	Submit(ctx context.Context, rec types.Record) error
}

// Result counts the tests seen in a stream.
type Result struct {
	Tests   int
	Passed  int
	Failed  int
	Skipped int
	// Incomplete counts tests that started but never reported an outcome.
	// They are also counted as Failed.
	Incomplete int
	// Rejected counts records the submitter refused.
	Rejected int
}

func (r *Result) add(o Result) {
	r.Tests += o.Tests
	r.Passed += o.Passed
	r.Failed += o.Failed
	r.Skipped += o.Skipped
	r.Incomplete += o.Incomplete
	r.Rejected += o.Rejected
}

func (r *Result) count(p parsed) {
	r.Tests++
	switch {
	case p.incomplete:
		r.Incomplete++
		r.Failed++
	case p.skipped:
		r.Skipped++
	case p.rec.Success:
		r.Passed++
	default:
		r.Failed++
	}
}

type Ingester struct {
	submit   Submitter
	identity types.Identity
	tags     []string
	log      log.Logger
}

func New(submit Submitter, identity types.Identity, logger log.Logger, tags ...string) *Ingester {
	return &Ingester{
		submit:   submit,
		identity: identity,
		tags:     tags,
		log:      logger.New("component", "ingest"),
	}
}

// IngestFiles ingests each path concurrently. StdinPath reads standard
// input.
func (in *Ingester) IngestFiles(ctx context.Context, paths []string) (Result, error) {
	var (
		mu    sync.Mutex
		total Result
	)
	p := pool.New().WithContext(ctx).WithMaxGoroutines(maxFileParallel)
	for _, path := range paths {
		p.Go(func(ctx context.Context) error {
			res, err := in.ingestPath(ctx, path)
			mu.Lock()
			total.add(res)
			mu.Unlock()
			return err
		})
	}
	err := p.Wait()
	return total, err
}

func (in *Ingester) ingestPath(ctx context.Context, path string) (Result, error) {
	if path == StdinPath {
		return in.Ingest(ctx, "stdin", os.Stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	return in.Ingest(ctx, path, f)
}

type parsed struct {
	rec        types.Record
	skipped    bool
	incomplete bool
}

// Ingest parses one test2json stream and submits its records in the order
// the tests finished. Lines that are not JSON events are ignored.
func (in *Ingester) Ingest(ctx context.Context, name string, r io.Reader) (Result, error) {
	lg := in.log.New("source", name)
	records := make(chan parsed)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(records)
		return in.parse(ctx, r, records, lg)
	})

	var res Result
	g.Go(func() error {
		for p := range records {
			res.count(p)
			if err := in.submit.Submit(ctx, p.rec); err != nil {
				if ctx.Err() != nil {
					return err
				}
				res.Rejected++
				lg.Warn("Test result rejected", "test", p.rec.Class+"/"+p.rec.Method, "err", err)
			}
		}
		return nil
	})

	err := g.Wait()
	lg.Info("Ingested test results",
		"tests", res.Tests, "passed", res.Passed, "failed", res.Failed,
		"skipped", res.Skipped, "incomplete", res.Incomplete)
	return res, err
}

func (in *Ingester) parse(ctx context.Context, r io.Reader, out chan<- parsed, lg log.Logger) error {
	p := NewParser(in.identity, in.tags...)
	send := func(rec parsed) error {
		select {
		case out <- rec:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	skippedLines := 0
	for scanner.Scan() {
		var ev TestEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			skippedLines++
			continue
		}
		if rec, ok := p.Feed(ev); ok {
			if err := send(parsed{rec: rec, skipped: ev.Action == ActionSkip}); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read test output: %w", err)
	}
	if skippedLines > 0 {
		lg.Debug("Ignored non-JSON lines", "lines", skippedLines)
	}

	for _, rec := range p.Flush() {
		lg.Warn("Test never finished, recording as failed", "test", rec.Class+"/"+rec.Method)
		if err := send(parsed{rec: rec, incomplete: true}); err != nil {
			return err
		}
	}
	return nil
}
