package ingest

import (
	"sort"
	"strings"
	"time"

	"github.com/ethereum-optimism/infra/test-reporter/types"
)

// SkippedTag marks records of skipped tests.
const SkippedTag = "skipped"

type testKey struct {
	pkg  string
	test string
}

type pending struct {
	start  time.Time
	last   time.Time
	order  int
	stdout strings.Builder
}

// Parser assembles test2json events into records, one per test or subtest.
// It is not safe for concurrent use.
type Parser struct {
	identity types.Identity
	tags     []string
	open     map[testKey]*pending
	seq      int
}

func NewParser(identity types.Identity, tags ...string) *Parser {
	return &Parser{
		identity: identity,
		tags:     tags,
		open:     make(map[testKey]*pending),
	}
}

// Feed consumes one event and returns the record it completes, if any.
// Package-level events are ignored.
func (p *Parser) Feed(ev TestEvent) (types.Record, bool) {
	if ev.Test == "" {
		return types.Record{}, false
	}
	key := testKey{pkg: ev.Package, test: ev.Test}

	switch ev.Action {
	case ActionRun, ActionOutput:
		pt := p.get(key, ev.Time)
		if ev.Action == ActionOutput && !isFraming(ev.Output) {
			pt.stdout.WriteString(ev.Output)
		}
		return types.Record{}, false
	case ActionPass, ActionFail, ActionSkip:
		pt := p.get(key, ev.Time)
		delete(p.open, key)
		start := pt.start
		if ev.Elapsed > 0 {
			start = ev.Time.Add(-time.Duration(ev.Elapsed * float64(time.Second)))
		}
		var extra []string
		if ev.Action == ActionSkip {
			extra = append(extra, SkippedTag)
		}
		return p.record(key, pt, start, ev.Time, ev.Action != ActionFail, extra), true
	default:
		if pt, ok := p.open[key]; ok && !ev.Time.IsZero() {
			pt.last = ev.Time
		}
		return types.Record{}, false
	}
}

// Flush returns failed records for every test that never reported an
// outcome, typically because the binary panicked or timed out, in the order
// the tests started.
func (p *Parser) Flush() []types.Record {
	keys := make([]testKey, 0, len(p.open))
	for k := range p.open {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return p.open[keys[i]].order < p.open[keys[j]].order })

	out := make([]types.Record, 0, len(keys))
	for _, k := range keys {
		pt := p.open[k]
		out = append(out, p.record(k, pt, pt.start, pt.last, false, nil))
	}
	clear(p.open)
	return out
}

func (p *Parser) get(key testKey, at time.Time) *pending {
	pt, ok := p.open[key]
	if !ok {
		pt = &pending{start: at, order: p.seq}
		p.seq++
		p.open[key] = pt
	}
	if !at.IsZero() {
		pt.last = at
	}
	return pt
}

func (p *Parser) record(key testKey, pt *pending, start, end time.Time, success bool, extra []string) types.Record {
	class, method := types.SplitTestName(key.test)
	return types.NewRecord(types.RecordParams{
		Identity:     p.identity,
		Package:      key.pkg,
		Class:        class,
		Method:       method,
		Start:        start,
		End:          end,
		Success:      success,
		Stdout:       pt.stdout.String(),
		DeclaredTags: p.tags,
		ExtraTags:    extra,
	})
}
