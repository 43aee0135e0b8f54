package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Setting keys, without the DBREPORTER_ prefix.
const (
	KeyProjectID     = "PROJECT_ID"
	KeyDBName        = "DB_NAME"
	KeyTableName     = "TABLE_NAME"
	KeyImpersonate   = "GOOGLE_IMPERSONATE_SERVICE_ACCOUNT"
	KeyIsCI          = "IS_CI"
	KeyComputerName  = "COMPUTERNAME"
	KeyHostname      = "HOSTNAME"
	KeySink          = "SINK"
	KeyHost          = "HOST"
	KeyPort          = "PORT"
	KeyUser          = "USER"
	KeyPassword      = "PWD"
	KeyDatabaseURL   = "DATABASE_URL"
	KeyQueueSize     = "QUEUE_SIZE"
	KeyFlushInterval = "FLUSH_INTERVAL"
	KeyFlushTimeout  = "FLUSH_TIMEOUT"
	KeyPolicy        = "POLICY"
	KeyCapture       = "CAPTURE"
	KeyShortSHA      = "SHORT_SHA"
	KeyBranchName    = "BRANCH_NAME"
)

const (
	DefaultDBName        = "testresults"
	DefaultTableName     = "testresults"
	DefaultHost          = "localhost"
	DefaultPort          = 5432
	DefaultQueueSize     = 1000
	DefaultFlushInterval = 500 * time.Millisecond
)

// SinkType selects a delivery backend
type SinkType string

const (
	SinkBigQuery SinkType = "bigquery"
	SinkPostgres SinkType = "postgres"
	SinkSQLite   SinkType = "sqlite"
	SinkMySQL    SinkType = "mysql"
	// SinkNone discards records; useful for dry runs of the pipeline.
	SinkNone SinkType = "none"
)

// IsValid checks if the SinkType value is valid
func (s SinkType) IsValid() bool {
	switch s {
	case SinkBigQuery, SinkPostgres, SinkSQLite, SinkMySQL, SinkNone:
		return true
	default:
		return false
	}
}

// Policy selects how delivery failures affect the test run
type Policy string

const (
	// PolicyBestEffort queues records and never fails a test over delivery.
	PolicyBestEffort Policy = "best-effort"
	// PolicyStrict inserts each record synchronously and reports a delivery
	// failure as a test failure.
	PolicyStrict Policy = "strict"
)

func (p Policy) IsValid() bool {
	return p == PolicyBestEffort || p == PolicyStrict
}

// CaptureMode selects how console output is collected
type CaptureMode string

const (
	// CaptureProcess swaps the process-wide streams and serializes captured
	// invocations.
	CaptureProcess CaptureMode = "process"
	// CaptureNone records no console output and allows parallel tests.
	CaptureNone CaptureMode = "none"
)

func (c CaptureMode) IsValid() bool {
	return c == CaptureProcess || c == CaptureNone
}

// Settings is the resolved reporter configuration.
type Settings struct {
	Enabled       bool // Delivery only happens on CI (IS_CI=true)
	ProjectID     string
	DBName        string
	TableName     string
	Impersonate   string
	Sinks         []SinkType
	Host          string
	Port          int
	User          string
	Password      string
	DatabaseURL   string // Full connection URL, overrides Host/Port/User/Password
	QueueSize     int
	FlushInterval time.Duration
	FlushTimeout  time.Duration
	Policy        Policy
	Capture       CaptureMode
}

// Load resolves and validates all settings.
func Load(r *Resolver) (*Settings, error) {
	s := &Settings{
		Enabled:     r.Get(KeyIsCI) == "true",
		ProjectID:   r.Get(KeyProjectID),
		DBName:      r.GetOr(KeyDBName, DefaultDBName),
		TableName:   r.GetOr(KeyTableName, DefaultTableName),
		Impersonate: r.Get(KeyImpersonate),
		Host:        r.GetPrefixed(KeyHost, DefaultHost),
		User:        r.GetPrefixed(KeyUser, ""),
		Password:    r.GetPrefixed(KeyPassword, ""),
		DatabaseURL: r.Get(KeyDatabaseURL),
		Policy:      Policy(r.GetOr(KeyPolicy, string(PolicyBestEffort))),
		Capture:     CaptureMode(r.GetOr(KeyCapture, string(CaptureProcess))),
	}

	var err error
	if s.Port, err = intSetting(r.GetPrefixed(KeyPort, ""), DefaultPort); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", KeyPort, err)
	}
	if s.QueueSize, err = intSetting(r.Get(KeyQueueSize), DefaultQueueSize); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", KeyQueueSize, err)
	}
	if s.QueueSize <= 0 {
		return nil, fmt.Errorf("invalid %s: must be positive", KeyQueueSize)
	}
	if s.FlushInterval, err = durationSetting(r.Get(KeyFlushInterval), DefaultFlushInterval); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", KeyFlushInterval, err)
	}
	if s.FlushTimeout, err = durationSetting(r.Get(KeyFlushTimeout), 0); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", KeyFlushTimeout, err)
	}
	if !s.Policy.IsValid() {
		return nil, fmt.Errorf("invalid policy '%s'. Must be one of: %s, %s", s.Policy, PolicyBestEffort, PolicyStrict)
	}
	if !s.Capture.IsValid() {
		return nil, fmt.Errorf("invalid capture mode '%s'. Must be one of: %s, %s", s.Capture, CaptureProcess, CaptureNone)
	}

	for _, name := range strings.Split(r.GetOr(KeySink, string(SinkBigQuery)), ",") {
		st := SinkType(strings.ToLower(strings.TrimSpace(name)))
		if st == "" {
			continue
		}
		if !st.IsValid() {
			return nil, fmt.Errorf("invalid sink type: %s. Must be one of: %s, %s, %s, %s, %s",
				st, SinkBigQuery, SinkPostgres, SinkSQLite, SinkMySQL, SinkNone)
		}
		s.Sinks = append(s.Sinks, st)
	}
	if len(s.Sinks) == 0 {
		return nil, errors.New("at least one sink is required")
	}
	return s, nil
}

func intSetting(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

// durationSetting accepts Go durations ("2s") or a bare number of
// milliseconds ("500").
func durationSetting(v string, def time.Duration) (time.Duration, error) {
	if v == "" {
		return def, nil
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(v)
}
