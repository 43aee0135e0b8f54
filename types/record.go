package types

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"
)

var branchTagRegex = regexp.MustCompile(`([a-z]+-\d+)`)

// Identity describes the process that produced a set of records. It is
// resolved once at startup and shared read-only by every record.
type Identity struct {
	BranchName   string
	BranchTag    string
	ShortSHA     string
	ComputerName string
	ModuleName   string
}

// NewIdentity builds an Identity, deriving the branch tag from the branch name.
func NewIdentity(branchName, shortSHA, computerName, moduleName string) Identity {
	return Identity{
		BranchName:   branchName,
		BranchTag:    BranchTag(branchName),
		ShortSHA:     shortSHA,
		ComputerName: computerName,
		ModuleName:   moduleName,
	}
}

// Record captures the outcome of a single test invocation. Records are
// values: once built they are not modified by the pipeline.
type Record struct {
	Identity

	Package     string
	Class       string
	Method      string
	Description string // Argument-derived description, e.g. "(1,foo)"

	Start time.Time // Truncated to milliseconds
	End   time.Time // Truncated to milliseconds, never before Start

	Success bool
	Stdout  string   // Interleaved stdout/stderr text written during the invocation
	Tags    []string // Normalized, see NormalizeTags
}

// RecordParams holds the raw inputs for NewRecord.
type RecordParams struct {
	Identity     Identity
	Package      string
	Class        string
	Method       string
	Args         []any
	Start        time.Time
	End          time.Time
	Success      bool
	Stdout       string
	DeclaredTags []string
	ExtraTags    []string
}

// Sentinel is the in-band shutdown signal for the delivery queue. It is
// never delivered to a sink.
var Sentinel = Record{}

// NewRecord builds an immutable Record from raw invocation data.
func NewRecord(p RecordParams) Record {
	start := p.Start.Truncate(time.Millisecond)
	end := p.End.Truncate(time.Millisecond)
	if end.Before(start) {
		end = start
	}
	return Record{
		Identity:    p.Identity,
		Package:     p.Package,
		Class:       p.Class,
		Method:      p.Method,
		Description: Description(p.Args...),
		Start:       start,
		End:         end,
		Success:     p.Success,
		Stdout:      p.Stdout,
		Tags:        NormalizeTags(p.DeclaredTags, p.ExtraTags),
	}
}

// IsSentinel reports whether r is the shutdown Sentinel.
func (r Record) IsSentinel() bool {
	return r.Start.IsZero() && r.End.IsZero() && r.Method == "" && r.Class == "" && r.Package == ""
}

// Duration returns the elapsed time between Start and End in milliseconds.
func (r Record) Duration() int64 {
	return r.End.Sub(r.Start).Milliseconds()
}

// TagString returns the tags comma-joined, for sinks without a repeated type.
func (r Record) TagString() string {
	return strings.Join(r.Tags, ",")
}

// NormalizeTags merges any number of raw tag lists into a sorted, deduplicated
// list of upper-cased labels. Each raw entry may hold several comma-separated
// tags; whitespace runs collapse to a single space and blank entries vanish.
func NormalizeTags(raw ...[]string) []string {
	out := make([]string, 0)
	for _, list := range raw {
		for _, entry := range list {
			for _, part := range strings.Split(entry, ",") {
				tag := strings.ToUpper(strings.Join(strings.Fields(part), " "))
				if tag == "" {
					continue
				}
				out = append(out, tag)
			}
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// BranchTag extracts the ticket-style tag (e.g. "rpds-458") from a branch
// name. The first lowercase letters-digits match wins; when nothing matches
// the lower-cased branch name is returned.
func BranchTag(name string) string {
	lower := strings.ToLower(name)
	if m := branchTagRegex.FindStringSubmatch(lower); m != nil {
		return m[1]
	}
	return lower
}

// Description renders invocation arguments as "(a,b,c)".
func Description(args ...any) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = fmt.Sprint(a)
	}
	return "(" + strings.Join(parts, ",") + ")"
}
