package sink

import (
	"github.com/ethereum-optimism/infra/test-reporter/types"
)

// ColumnType is the logical type of a column; each backend maps it to a
// native type.
type ColumnType int

const (
	TypeString ColumnType = iota
	TypeText
	TypeDateTime
	TypeInt64
	TypeBool
	TypeStringList
)

func (t ColumnType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeText:
		return "text"
	case TypeDateTime:
		return "datetime"
	case TypeInt64:
		return "int64"
	case TypeBool:
		return "bool"
	case TypeStringList:
		return "string_list"
	default:
		return "unknown"
	}
}

type Column struct {
	Name string
	Type ColumnType
}

const (
	ColBranchName   = "branch_name"
	ColBranchTag    = "branch_tag"
	ColShortSHA     = "short_sha"
	ColComputerName = "computer_name"
	ColModuleName   = "module_name"
	ColPackageName  = "package_name"
	ColClassName    = "class_name"
	ColMethodName   = "method_name"
	ColMethodDesc   = "method_desc"
	ColStartTime    = "start_time"
	ColEndTime      = "end_time"
	ColDuration     = "duration"
	ColStdout       = "stdout"
	ColSuccess      = "success"
	ColTags         = "tags"
)

// Columns is the logical schema every sink provisions, in insert order.
var Columns = []Column{
	{ColBranchName, TypeString},
	{ColBranchTag, TypeString},
	{ColShortSHA, TypeString},
	{ColComputerName, TypeString},
	{ColModuleName, TypeString},
	{ColPackageName, TypeString},
	{ColClassName, TypeString},
	{ColMethodName, TypeString},
	{ColMethodDesc, TypeString},
	{ColStartTime, TypeDateTime},
	{ColEndTime, TypeDateTime},
	{ColDuration, TypeInt64},
	{ColStdout, TypeText},
	{ColSuccess, TypeBool},
	{ColTags, TypeStringList},
}

// ColumnNames returns the names of cols in order.
func ColumnNames(cols []Column) []string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names
}

// MissingColumns returns the columns of want whose name is not in existing,
// in want's order. Name comparison is exact.
func MissingColumns(existing []string, want []Column) []Column {
	have := make(map[string]struct{}, len(existing))
	for _, name := range existing {
		have[name] = struct{}{}
	}
	var missing []Column
	for _, c := range want {
		if _, ok := have[c.Name]; !ok {
			missing = append(missing, c)
		}
	}
	return missing
}

// Values returns rec's column values in Columns order. Tags are returned as
// a []string; relational sinks join them with TagString instead.
func Values(rec types.Record) []any {
	return []any{
		rec.BranchName,
		rec.BranchTag,
		rec.ShortSHA,
		rec.ComputerName,
		rec.ModuleName,
		rec.Package,
		rec.Class,
		rec.Method,
		rec.Description,
		rec.Start,
		rec.End,
		rec.Duration(),
		rec.Stdout,
		rec.Success,
		rec.Tags,
	}
}
