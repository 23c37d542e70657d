// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/sqlwarden/sqlwarden/internal/cache"
	"github.com/sqlwarden/sqlwarden/internal/config"
	"github.com/sqlwarden/sqlwarden/internal/contextsrc"
	wardenerr "github.com/sqlwarden/sqlwarden/pkg/errors"
	"golang.org/x/sys/unix"
)

// doctorTimeout bounds each network check.
const doctorTimeout = 5 * time.Second

func newDoctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostics",
		Long:  "Check the configuration, database connection, allow-list, context files, cache, server and disk space.",
		RunE:  runDoctor,
	}

	cmd.Flags().String("address", defaultAddress, "server address to check")

	return cmd
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	w := cmd.OutOrStdout()
	addr, _ := cmd.Flags().GetString("address")
	ctx := commandContext(cmd)

	cfg, cfgErr := loadConfig()

	checks := []struct {
		name string
		fn   func() string
	}{
		{"Binary", checkBinary},
		{"Platform", checkPlatform},
		{"Config", func() string { return checkConfig(cfgErr) }},
		{"Database", func() string { return checkDatabase(ctx, cfg) }},
		{"Context", func() string { return checkContext(cfg) }},
		{"Cache", func() string { return checkCache(ctx, cfg) }},
		{"Server", func() string { return checkServer(addr) }},
		{"Disk Space", func() string { return checkDiskSpace(".") }},
	}

	for _, c := range checks {
		if _, err := fmt.Fprintf(w, "%-20s %s\n", c.name+":", c.fn()); err != nil {
			return err
		}
	}

	return nil
}

func checkBinary() string {
	return fmt.Sprintf("sqlwarden %s (%s/%s)", version, runtime.GOOS, runtime.GOARCH)
}

func checkPlatform() string {
	return fmt.Sprintf("%s/%s, Go %s", runtime.GOOS, runtime.GOARCH, runtime.Version())
}

func checkConfig(err error) string {
	if err != nil {
		return fmt.Sprintf("invalid: %s", err)
	}
	if cfgFile := viper.ConfigFileUsed(); cfgFile != "" {
		return fmt.Sprintf("loaded from %s", cfgFile)
	}
	return "using defaults (no config file found)"
}

func checkDatabase(ctx context.Context, cfg *config.Config) string {
	if cfg == nil {
		return "skipped (config invalid)"
	}
	guard, runner, err := openGuard(cfg)
	if err != nil {
		return fmt.Sprintf("error: %s", err)
	}
	defer func() { _ = runner.Close() }()

	ctx, cancel := context.WithTimeout(ctx, doctorTimeout)
	defer cancel()
	if err := runner.Ping(ctx); err != nil {
		return fmt.Sprintf("unreachable (%s): %s", cfg.Database.Provider, err)
	}
	tables, err := guard.AllowList().Tables(ctx)
	if err != nil {
		return fmt.Sprintf("connected (%s), allow-list unavailable: %s", cfg.Database.Provider, err)
	}
	return fmt.Sprintf("connected (%s), %d table(s) allowed", cfg.Database.Provider, len(tables))
}

func checkContext(cfg *config.Config) string {
	if cfg == nil {
		return "skipped (config invalid)"
	}
	var parts []string
	if dir := cfg.Context.SemanticDir; dir != "" {
		sources, err := contextsrc.NewSemanticProvider(dir, cfg.Context.SemanticLimit).Sources()
		if err != nil {
			parts = append(parts, fmt.Sprintf("semantic docs error: %s", err))
		} else {
			parts = append(parts, fmt.Sprintf("%d semantic doc(s)", len(sources)))
		}
	}
	if path := cfg.Context.DbtManifest; path != "" {
		parts = append(parts, "dbt manifest "+fileState(path))
	}
	if path := cfg.Context.MetadataFile; path != "" {
		if _, err := contextsrc.LoadSemanticModel(path); err != nil {
			parts = append(parts, fmt.Sprintf("semantic model error: %s", err))
		} else {
			parts = append(parts, "semantic model ok")
		}
	}
	if len(parts) == 0 {
		return "schema only"
	}
	return "schema, " + strings.Join(parts, ", ")
}

func checkCache(ctx context.Context, cfg *config.Config) string {
	if cfg == nil {
		return "skipped (config invalid)"
	}
	if cfg.Cache.RedisURL == "" {
		return "disabled"
	}
	rc, err := cache.NewRedis(cache.Options{URL: cfg.Cache.RedisURL, TTL: cfg.Cache.TTL})
	if err != nil {
		return fmt.Sprintf("error: %s", err)
	}
	defer func() { _ = rc.Close() }()

	ctx, cancel := context.WithTimeout(ctx, doctorTimeout)
	defer cancel()
	if err := rc.Ping(ctx); err != nil {
		return fmt.Sprintf("unreachable: %s", err)
	}
	return fmt.Sprintf("redis ok (ttl %s)", cfg.Cache.TTL)
}

func checkServer(addr string) string {
	var body readyStatus
	if err := newServerClient(addr).getJSON("/health/ready", &body, http.StatusServiceUnavailable); err != nil {
		if wardenerr.HasCode(err, wardenerr.CodeCLIServerNotRunning) {
			return fmt.Sprintf("not running at %s (run 'sqlwarden serve')", addr)
		}
		return fmt.Sprintf("error: %s", err)
	}
	return fmt.Sprintf("%s at %s", body.Status, addr)
}

func checkDiskSpace(dir string) string {
	path, err := filepath.Abs(dir)
	if err != nil {
		path, _ = os.UserHomeDir()
	}

	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return fmt.Sprintf("unable to check: %s", err)
	}

	availBytes := stat.Bavail * uint64(stat.Bsize)
	return formatBytes(availBytes) + " available"
}

func fileState(path string) string {
	if _, err := os.Stat(path); err != nil {
		return "missing"
	}
	return "ok"
}

// formatBytes formats a byte count as a human-readable string.
func formatBytes(b uint64) string {
	const (
		gb = 1024 * 1024 * 1024
		mb = 1024 * 1024
	)
	switch {
	case b >= gb:
		return fmt.Sprintf("%.1f GB", float64(b)/float64(gb))
	case b >= mb:
		return fmt.Sprintf("%.1f MB", float64(b)/float64(mb))
	default:
		return fmt.Sprintf("%d bytes", b)
	}
}
