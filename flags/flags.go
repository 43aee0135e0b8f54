package flags

import (
	"fmt"
	"strings"

	"github.com/urfave/cli/v2"

	opservice "github.com/ethereum-optimism/optimism/op-service"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"

	"github.com/ethereum-optimism/infra/test-reporter/config"
)

const EnvVarPrefix = "OP_TEST_REPORTER"

var (
	ConfigFile = &cli.StringFlag{
		Name:    "config",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "CONFIG"),
		Usage:   "Path to a YAML or TOML property file (takes the place of " + config.ConfigFileEnv + ")",
	}
	Properties = &cli.StringSliceFlag{
		Name:    "set",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "SET"),
		Usage:   "Property override as KEY=VALUE, e.g. --set SINK=postgres,sqlite. Repeat the flag for several properties",
	}
	Tags = &cli.StringSliceFlag{
		Name:    "tag",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "TAG"),
		Usage:   "Tag added to every ingested record. May be repeated",
	}
	RunTag = &cli.BoolFlag{
		Name:    "run-tag",
		Value:   true,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "RUN_TAG"),
		Usage:   "Tag every ingested record with a generated run id",
	}
	HealthzAddr = &cli.StringFlag{
		Name:    "healthz.addr",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "HEALTHZ_ADDR"),
		Usage:   "Serve /healthz on this address during ingest (e.g. '0.0.0.0:8080'). Disabled when empty",
	}
)

var optionalFlags = []cli.Flag{
	ConfigFile,
	Properties,
	Tags,
	RunTag,
	HealthzAddr,
}

var Flags []cli.Flag

func init() {
	optionalFlags = append(optionalFlags, oplog.CLIFlags(EnvVarPrefix)...)
	optionalFlags = append(optionalFlags, opmetrics.CLIFlags(EnvVarPrefix)...)

	Flags = optionalFlags
}

// ReadProperties builds the property set from --config and --set. Values
// given with --set win over the file.
func ReadProperties(ctx *cli.Context) (*config.Properties, error) {
	props := config.NewProperties()
	if path := ctx.String(ConfigFile.Name); path != "" {
		if err := props.LoadFile(path); err != nil {
			return nil, err
		}
	}
	for _, kv := range ctx.StringSlice(Properties.Name) {
		key, value, ok := strings.Cut(kv, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid property %q: expected KEY=VALUE", kv)
		}
		props.Set(key, value)
	}
	return props, nil
}
