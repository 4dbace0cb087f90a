package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/BaSui01/crewtrace/internal/migration"
)

// =============================================================================
// 🗄️ 数据库迁移命令
// =============================================================================

// migrateAction 在已建立的迁移 CLI 上执行一个子命令
type migrateAction func(ctx context.Context, cli *migration.CLI) error

// runMigrate 解析 migrate 子命令
func runMigrate(args []string) {
	if len(args) < 1 {
		printMigrateUsage()
		os.Exit(1)
	}

	sub, rest := args[0], args[1:]
	switch sub {
	case "up":
		withMigrator(sub, rest, func(ctx context.Context, cli *migration.CLI) error { return cli.RunUp(ctx) })
	case "down":
		withMigrator(sub, rest, func(ctx context.Context, cli *migration.CLI) error { return cli.RunDown(ctx) })
	case "reset":
		withMigrator(sub, rest, func(ctx context.Context, cli *migration.CLI) error { return cli.RunDownAll(ctx) })
	case "status":
		withMigrator(sub, rest, func(ctx context.Context, cli *migration.CLI) error { return cli.RunStatus(ctx) })
	case "version":
		withMigrator(sub, rest, func(ctx context.Context, cli *migration.CLI) error { return cli.RunVersion(ctx) })
	case "info":
		withMigrator(sub, rest, func(ctx context.Context, cli *migration.CLI) error { return cli.RunInfo(ctx) })
	case "goto":
		v := positional(sub, rest)
		version, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			fail("Invalid version number: %s", v)
		}
		withMigrator(sub, rest[1:], func(ctx context.Context, cli *migration.CLI) error { return cli.RunGoto(ctx, uint(version)) })
	case "force":
		v := positional(sub, rest)
		version, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			fail("Invalid version number: %s", v)
		}
		withMigrator(sub, rest[1:], func(ctx context.Context, cli *migration.CLI) error { return cli.RunForce(ctx, int(version)) })
	case "steps":
		v := positional(sub, rest)
		n, err := strconv.Atoi(v)
		if err != nil || n == 0 {
			fail("Invalid step count: %s", v)
		}
		withMigrator(sub, rest[1:], func(ctx context.Context, cli *migration.CLI) error { return cli.RunSteps(ctx, n) })
	case "help", "-h", "--help":
		printMigrateUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown migrate subcommand: %s\n", sub)
		printMigrateUsage()
		os.Exit(1)
	}
}

// withMigrator 按 flag 或配置文件创建迁移器并执行 action
func withMigrator(sub string, args []string, action migrateAction) {
	fs := flag.NewFlagSet("migrate "+sub, flag.ExitOnError)
	migrator, err := createMigrator(fs, args)
	if err != nil {
		fail("Failed to create migrator: %v", err)
	}
	defer migrator.Close()

	if err := action(context.Background(), migration.NewCLI(migrator)); err != nil {
		fail("migrate %s failed: %v", sub, err)
	}
}

// createMigrator --db-type 与 --db-url 同时给出时直接使用，否则读取配置
func createMigrator(fs *flag.FlagSet, args []string) (*migration.DefaultMigrator, error) {
	configPath := fs.String("config", "", "Path to config file")
	dbType := fs.String("db-type", "", "Database type (postgres, mysql, sqlite)")
	dbURL := fs.String("db-url", "", "Database connection URL")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *dbType != "" && *dbURL != "" {
		return migration.NewMigratorFromURL(*dbType, *dbURL)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return nil, err
	}
	if *dbType != "" {
		cfg.Database.Driver = *dbType
	}
	return migration.NewMigratorFromDatabaseConfig(cfg.Database)
}

func positional(sub string, args []string) string {
	if len(args) < 1 || args[0] == "" || args[0][0] == '-' {
		fail("Usage: crewtrace migrate %s <value> [options]", sub)
	}
	return args[0]
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func printMigrateUsage() {
	fmt.Println(`Database Migration Commands

Usage:
  crewtrace migrate <subcommand> [options]

Subcommands:
  up        Apply all pending migrations
  down      Rollback the last migration
  steps <n> Apply (n>0) or rollback (n<0) n migrations
  status    Show migration status
  version   Show current migration version
  info      Show migrator information
  goto <v>  Migrate to a specific version
  force <v> Force set migration version (use with caution)
  reset     Rollback all migrations
  help      Show this help message

Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, mysql, sqlite (default: from config)
  --db-url <url>      Database connection URL (default: from config)

Examples:
  crewtrace migrate up
  crewtrace migrate up --config /etc/crewtrace/config.yaml
  crewtrace migrate steps -1
  crewtrace migrate goto 1
  crewtrace migrate force 0`)
}
