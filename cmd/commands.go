package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/urfave/cli/v2"

	oplog "github.com/ethereum-optimism/optimism/op-service/log"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"

	reporter "github.com/ethereum-optimism/infra/test-reporter"
	"github.com/ethereum-optimism/infra/test-reporter/config"
	"github.com/ethereum-optimism/infra/test-reporter/flags"
	"github.com/ethereum-optimism/infra/test-reporter/ingest"
	"github.com/ethereum-optimism/infra/test-reporter/metrics"
	"github.com/ethereum-optimism/infra/test-reporter/queue"
	"github.com/ethereum-optimism/infra/test-reporter/service"
	"github.com/ethereum-optimism/infra/test-reporter/shipper"
	"github.com/ethereum-optimism/infra/test-reporter/sink"
	"github.com/ethereum-optimism/infra/test-reporter/types"
)

const shutdownTimeout = 30 * time.Second

func newLogger(ctx *cli.Context) log.Logger {
	logger := oplog.NewLogger(oplog.AppOut(ctx), oplog.ReadCLIConfig(ctx))
	oplog.SetGlobalLogHandler(logger.Handler())
	return logger
}

// loadSettings resolves settings from the flags, then the environment.
func loadSettings(ctx *cli.Context) (*config.Resolver, *config.Settings, error) {
	props, err := flags.ReadProperties(ctx)
	if err != nil {
		return nil, nil, reporter.NewRuntimeError(fmt.Errorf("failed to read properties: %w", err))
	}
	res := config.NewResolver(props, config.Env{})
	settings, err := config.Load(res)
	if err != nil {
		return nil, nil, reporter.NewRuntimeError(fmt.Errorf("failed to load settings: %w", err))
	}
	return res, settings, nil
}

func schemaAction(ctx *cli.Context) error {
	logger := newLogger(ctx)
	_, settings, err := loadSettings(ctx)
	if err != nil {
		return err
	}
	s, err := reporter.NewSink(ctx.Context, settings, logger)
	if err != nil {
		return reporter.NewStartupError(err)
	}
	defer s.Close()

	if err := s.EnsureSchema(ctx.Context); err != nil {
		return reporter.NewStartupError(fmt.Errorf("failed to provision schema: %w", err))
	}
	logger.Info("Schema is up to date", "sink", s.Name(), "table", settings.TableName)
	return nil
}

func configAction(ctx *cli.Context) error {
	res, settings, err := loadSettings(ctx)
	if err != nil {
		return err
	}
	renderConfig(ctx.App.Writer, settings, config.Identity(ctx.Context, res))
	return nil
}

func renderConfig(w io.Writer, s *config.Settings, id types.Identity) {
	sinks := make([]string, len(s.Sinks))
	for i, st := range s.Sinks {
		sinks[i] = string(st)
	}
	password := ""
	if s.Password != "" {
		password = "********"
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("test-reporter configuration")
	t.AppendHeader(table.Row{"SECTION", "SETTING", "VALUE"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "SECTION", AutoMerge: true},
		{Name: "VALUE", WidthMax: 120, WidthMaxEnforcer: text.WrapSoft},
	})
	t.AppendRows([]table.Row{
		{"delivery", "enabled (" + config.KeyIsCI + ")", s.Enabled},
		{"delivery", "sinks", strings.Join(sinks, ",")},
		{"delivery", "policy", s.Policy},
		{"delivery", "capture", s.Capture},
		{"delivery", "queue size", s.QueueSize},
		{"delivery", "flush interval", s.FlushInterval},
		{"delivery", "flush timeout", s.FlushTimeout},
		{"table", "project", s.ProjectID},
		{"table", "database", s.DBName},
		{"table", "table", s.TableName},
		{"table", "impersonate", s.Impersonate},
		{"connection", "host", s.Host},
		{"connection", "port", s.Port},
		{"connection", "user", s.User},
		{"connection", "password", password},
		{"connection", "url", redactURL(s.DatabaseURL)},
		{"identity", "branch", id.BranchName},
		{"identity", "branch tag", id.BranchTag},
		{"identity", "short sha", id.ShortSHA},
		{"identity", "computer", id.ComputerName},
		{"identity", "module", id.ModuleName},
	})
	t.SetStyle(table.StyleLight)
	t.Render()
}

// redactURL hides the password of a connection URL.
func redactURL(raw string) string {
	at := strings.LastIndex(raw, "@")
	scheme := strings.Index(raw, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return raw
	}
	creds := raw[scheme+3 : at]
	user, _, hasPassword := strings.Cut(creds, ":")
	if !hasPassword {
		return raw
	}
	return raw[:scheme+3] + user + ":********" + raw[at:]
}

func ingestAction(ctx *cli.Context) error {
	logger := newLogger(ctx)
	res, settings, err := loadSettings(ctx)
	if err != nil {
		return err
	}
	identity := config.Identity(ctx.Context, res)

	m := metrics.NewMetrics()
	s, err := reporter.NewSink(ctx.Context, settings, logger)
	if err != nil {
		return reporter.NewStartupError(err)
	}
	s = sink.NewInstrumented(s, m)
	defer s.Close()

	q := queue.New(settings.QueueSize)
	shp := shipper.New(shipper.Config{
		FlushInterval: settings.FlushInterval,
		FlushTimeout:  settings.FlushTimeout,
	}, q, s, logger, m)
	if err := shp.Start(ctx.Context); err != nil {
		return reporter.NewStartupError(err)
	}

	if svc := newService(ctx, logger, m, shp, q); svc != nil {
		svc.Start(func(err error) { logger.Error("Service failed", "err", err) })
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = svc.Shutdown(sctx)
		}()
	}

	tags := ctx.StringSlice(flags.Tags.Name)
	if ctx.Bool(flags.RunTag.Name) {
		tags = append(tags, "run-"+uuid.NewString())
	}
	paths := ctx.Args().Slice()
	if len(paths) == 0 {
		paths = []string{ingest.StdinPath}
	}
	result, ingestErr := ingest.New(shp, identity, logger, tags...).IngestFiles(ctx.Context, paths)

	// drain whatever was accepted even if ingestion was interrupted
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := shp.Shutdown(sctx); err != nil {
		logger.Error("Failed to drain queue", "err", err)
	}

	renderSummary(ctx.App.Writer, result, shp.Stats())
	if ingestErr != nil {
		return fmt.Errorf("failed to ingest test results: %w", ingestErr)
	}
	if settings.Policy == config.PolicyStrict {
		if stats := shp.Stats(); stats.Failed > 0 || result.Rejected > 0 {
			return fmt.Errorf("%d test results were not delivered", stats.Failed+int64(result.Rejected))
		}
	}
	return nil
}

func newService(ctx *cli.Context, logger log.Logger, m *metrics.Metrics, shp *shipper.Shipper, q *queue.Queue) *service.Service {
	metricsCfg := opmetrics.ReadCLIConfig(ctx)
	healthzAddr := ctx.String(flags.HealthzAddr.Name)
	if !metricsCfg.Enabled && healthzAddr == "" {
		return nil
	}
	cfg := service.Config{HealthzAddr: healthzAddr}
	if metricsCfg.Enabled {
		cfg.MetricsAddr = net.JoinHostPort(metricsCfg.ListenAddr, strconv.Itoa(metricsCfg.ListenPort))
	}
	svc := service.New(cfg, logger, m.Registry(), func() service.Status {
		stats := shp.Stats()
		state := shp.State()
		return service.Status{
			State:      state.String(),
			Healthy:    state == shipper.Running || state == shipper.Draining,
			Delivered:  stats.Delivered,
			Failed:     stats.Failed,
			Batches:    stats.Batches,
			QueueDepth: q.Len(),
		}
	})
	return svc
}

func renderSummary(w io.Writer, res ingest.Result, stats shipper.Stats) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("Ingest summary")
	t.AppendHeader(table.Row{"TESTS", "PASSED", "FAILED", "SKIPPED", "INCOMPLETE", "DELIVERED", "NOT DELIVERED", "BATCHES"})
	t.AppendRow(table.Row{
		res.Tests, res.Passed, res.Failed, res.Skipped, res.Incomplete,
		stats.Delivered, stats.Failed + int64(res.Rejected), stats.Batches,
	})
	t.SetStyle(table.StyleLight)
	t.Render()
}
