package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum-optimism/optimism/op-service/testlog"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/test-reporter/queue"
	"github.com/ethereum-optimism/infra/test-reporter/shipper"
	"github.com/ethereum-optimism/infra/test-reporter/sink"
	"github.com/ethereum-optimism/infra/test-reporter/types"
)

const stream = `{"Time":"2024-05-01T12:00:00Z","Action":"start","Package":"example.com/pkg"}
{"Time":"2024-05-01T12:00:00.001Z","Action":"run","Package":"example.com/pkg","Test":"TestPass"}
{"Time":"2024-05-01T12:00:00.002Z","Action":"output","Package":"example.com/pkg","Test":"TestPass","Output":"ok here\n"}
{"Time":"2024-05-01T12:00:00.010Z","Action":"pass","Package":"example.com/pkg","Test":"TestPass","Elapsed":0.009}
not json at all
{"Time":"2024-05-01T12:00:00.011Z","Action":"run","Package":"example.com/pkg","Test":"TestFail"}
{"Time":"2024-05-01T12:00:00.020Z","Action":"fail","Package":"example.com/pkg","Test":"TestFail","Elapsed":0.009}
{"Time":"2024-05-01T12:00:00.021Z","Action":"run","Package":"example.com/pkg","Test":"TestSkip"}
{"Time":"2024-05-01T12:00:00.022Z","Action":"skip","Package":"example.com/pkg","Test":"TestSkip"}
{"Time":"2024-05-01T12:00:00.023Z","Action":"run","Package":"example.com/pkg","Test":"TestHang"}
{"Time":"2024-05-01T12:00:00.030Z","Action":"fail","Package":"example.com/pkg","Elapsed":0.03}
`

type recordingSubmitter struct {
	mu     sync.Mutex
	recs   []types.Record
	reject func(types.Record) error
}

func (s *recordingSubmitter) Submit(_ context.Context, rec types.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reject != nil {
		if err := s.reject(rec); err != nil {
			return err
		}
	}
	s.recs = append(s.recs, rec)
	return nil
}

func (s *recordingSubmitter) methods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.recs))
	for i, r := range s.recs {
		out[i] = r.Method
	}
	return out
}

func newTestIngester(t *testing.T, sub Submitter) *Ingester {
	return New(sub, testIdentity, testlog.Logger(t, log.LevelDebug), "ci")
}

func TestIngest(t *testing.T) {
	sub := &recordingSubmitter{}
	res, err := newTestIngester(t, sub).Ingest(context.Background(), "stream", strings.NewReader(stream))
	require.NoError(t, err)

	assert.Equal(t, Result{Tests: 4, Passed: 1, Failed: 2, Skipped: 1, Incomplete: 1}, res)
	assert.Equal(t, []string{"TestPass", "TestFail", "TestSkip", "TestHang"}, sub.methods())
	assert.Equal(t, "ok here\n", sub.recs[0].Stdout)
	assert.Equal(t, []string{"CI"}, sub.recs[0].Tags)
	assert.False(t, sub.recs[3].Success)
}

func TestIngestRejectedRecords(t *testing.T) {
	sub := &recordingSubmitter{reject: func(rec types.Record) error {
		if rec.Method == "TestFail" {
			return shipper.ErrStopped
		}
		return nil
	}}
	res, err := newTestIngester(t, sub).Ingest(context.Background(), "stream", strings.NewReader(stream))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Rejected)
	assert.Equal(t, []string{"TestPass", "TestSkip", "TestHang"}, sub.methods())
}

func TestIngestCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &recordingSubmitter{reject: func(types.Record) error {
		cancel()
		return context.Canceled
	}}
	_, err := newTestIngester(t, sub).Ingest(ctx, "stream", strings.NewReader(stream))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestIngestFiles(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.json")
	b := filepath.Join(dir, "b.json")
	require.NoError(t, os.WriteFile(a, []byte(stream), 0o644))
	require.NoError(t, os.WriteFile(b, []byte(strings.ReplaceAll(stream, "example.com/pkg", "example.com/other")), 0o644))

	sub := &recordingSubmitter{}
	res, err := newTestIngester(t, sub).IngestFiles(context.Background(), []string{a, b})
	require.NoError(t, err)
	assert.Equal(t, 8, res.Tests)
	assert.Equal(t, 2, res.Incomplete)
	assert.Len(t, sub.recs, 8)
}

func TestIngestFilesMissing(t *testing.T) {
	sub := &recordingSubmitter{}
	_, err := newTestIngester(t, sub).IngestFiles(context.Background(), []string{filepath.Join(t.TempDir(), "nope.json")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open")
}

func TestIngestThroughShipper(t *testing.T) {
	mem := sink.NewMemory()
	logger := log.NewLogger(log.DiscardHandler())
	shp := shipper.New(shipper.Config{FlushInterval: 10 * time.Millisecond, PollInterval: 5 * time.Millisecond}, queue.New(2), mem, logger, nil)
	ctx := context.Background()
	require.NoError(t, shp.Start(ctx))

	res, err := New(shp, testIdentity, logger).Ingest(ctx, "stream", strings.NewReader(stream))
	require.NoError(t, err)
	require.NoError(t, shp.Shutdown(ctx))

	assert.Equal(t, 4, res.Tests)
	recs := mem.Records()
	require.Len(t, recs, 4)
	assert.Equal(t, "TestPass", recs[0].Method)
	assert.Equal(t, "TestHang", recs[3].Method)
	assert.Equal(t, int64(4), shp.Stats().Delivered)
}
