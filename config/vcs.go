package config

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/ethereum-optimism/infra/test-reporter/types"
)

// gitBinary is the version-control command used when SHORT_SHA or
// BRANCH_NAME are not configured.
var gitBinary = "git"

// ShortSHA returns the configured SHORT_SHA or `git rev-parse --short HEAD`.
func ShortSHA(ctx context.Context, r *Resolver) string {
	return fromPropOrGit(ctx, r, KeyShortSHA, "rev-parse", "--short", "HEAD")
}

// BranchName returns the configured BRANCH_NAME or
// `git rev-parse --abbrev-ref HEAD`.
func BranchName(ctx context.Context, r *Resolver) string {
	return fromPropOrGit(ctx, r, KeyBranchName, "rev-parse", "--abbrev-ref", "HEAD")
}

func fromPropOrGit(ctx context.Context, r *Resolver, key string, args ...string) string {
	if v := r.Get(key); v != "" {
		return v
	}
	out, err := exec.CommandContext(ctx, gitBinary, args...).Output()
	if err != nil {
		return "$" + key + " unset"
	}
	scanner := bufio.NewScanner(bytes.NewReader(out))
	if scanner.Scan() {
		return scanner.Text()
	}
	return "$" + key + " unset"
}

// ComputerName returns COMPUTERNAME, HOSTNAME, the OS host name, or
// "Unknown", in that order.
func ComputerName(r *Resolver) string {
	if v := r.Get(KeyComputerName); v != "" {
		return v
	}
	if v := r.Get(KeyHostname); v != "" {
		return v
	}
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "Unknown"
}

// ModuleName returns the name of the working directory, which for `go test`
// is the directory of the package under test.
func ModuleName() string {
	wd, err := os.Getwd()
	if err != nil {
		return "unknown"
	}
	return filepath.Base(wd)
}

// Identity resolves the process-wide identity shared by every record.
func Identity(ctx context.Context, r *Resolver) types.Identity {
	return types.NewIdentity(BranchName(ctx, r), ShortSHA(ctx, r), ComputerName(r), ModuleName())
}
