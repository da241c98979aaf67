// main.go - Admin control tool for tracklog
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"tracklog/internal"
	"tracklog/internal/archive"
	"tracklog/internal/settings"
	"tracklog/internal/sites"
	"tracklog/internal/store"
	"tracklog/internal/tracker"
)

const (
	defaultShutdownTimeout = 30 * time.Second
)

// Command defines the interface for all command implementations
type Command interface {
	// Name returns the command name
	Name() string
	// Description returns the command description
	Description() string
	// Execute runs the command with the given app and args
	Execute(ctx context.Context, app *internal.Application, args []string) error
}

// The set of available commands
var commands = []Command{
	&MigrateCommand{},
	&CreateSiteCommand{},
	&StatusCommand{},
	&PurgeEstimateCommand{},
	&PurgeLogsCommand{},
	&PurgeArchivesCommand{},
	&HelpCommand{},
}

func main() {
	flag.Parse()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// purges stop between chunks once ctx is cancelled
	go func() {
		sig := <-sigChan
		log.Printf("Received signal: %v, initiating cleanup...", sig)
		cancel()
	}()

	cmdName, args := parseArgs()

	cmd := findCommand(cmdName)
	if cmd == nil {
		showUsageAndExit()
	}
	if _, ok := cmd.(*HelpCommand); ok {
		cmd.Execute(ctx, nil, args)
		return
	}

	app, err := internal.NewApp()
	if err != nil {
		log.Fatalf("Failed to initialize app: %v", err)
	}

	err = cmd.Execute(ctx, app, args)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancelShutdown()
	if shutdownErr := app.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Printf("Warning: Cleanup error: %v", shutdownErr)
	}

	if err != nil {
		log.Fatalf("Command failed: %v", err)
	}
	log.Printf("Command %s completed successfully", cmd.Name())
}

// MigrateCommand runs database migrations
type MigrateCommand struct{}

func (c *MigrateCommand) Name() string        { return "migrate" }
func (c *MigrateCommand) Description() string { return "Runs database migrations and creates default settings" }

func (c *MigrateCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	log.Println("Running database migrations...")
	if err := app.Migrate(ctx); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	log.Println("Migrations completed successfully")
	return nil
}

// CreateSiteCommand registers a site to track
type CreateSiteCommand struct{}

func (c *CreateSiteCommand) Name() string        { return "create-site" }
func (c *CreateSiteCommand) Description() string { return "Creates a tracked site: [-ecommerce] [-timezone tz] <name> <main-url>" }

func (c *CreateSiteCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	fs := flag.NewFlagSet("create-site", flag.ContinueOnError)
	ecommerce := fs.Bool("ecommerce", false, "enable ecommerce tracking")
	timezone := fs.String("timezone", "UTC", "site timezone")
	aliases := fs.String("aliases", "", "comma separated alias URLs")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 2 {
		return fmt.Errorf("usage: %s [-ecommerce] [-timezone tz] [-aliases urls] <name> <main-url>", c.Name())
	}

	if _, err := time.LoadLocation(*timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", *timezone, err)
	}

	site := sites.Site{
		Name:      fs.Arg(0),
		MainURL:   fs.Arg(1),
		AliasURLs: *aliases,
		Ecommerce: *ecommerce,
		Timezone:  *timezone,
	}
	if err := sites.CreateSite(app.DBManager.GetConnection().WithContext(ctx), &site); err != nil {
		return fmt.Errorf("failed to create site: %w", err)
	}

	fmt.Printf("Created site %d (%s)\n", site.ID, site.MainURL)
	return nil
}

// StatusCommand implements a command to check the system status
type StatusCommand struct{}

func (c *StatusCommand) Name() string        { return "status" }
func (c *StatusCommand) Description() string { return "Shows the current system status" }

func (c *StatusCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	db := app.DBManager.GetConnection().WithContext(ctx)

	counts := []struct {
		label string
		model any
	}{
		{"Sites", &sites.Site{}},
		{"Visits", &tracker.Visit{}},
		{"Actions", &tracker.LogAction{}},
		{"Held locks", &store.NamedLock{}},
	}

	log.Println("System Status:")
	log.Println("- Database: Connected")
	for _, c := range counts {
		var n int64
		if err := db.Model(c.model).Count(&n).Error; err != nil {
			return fmt.Errorf("database error: %w", err)
		}
		log.Printf("- %s: %d", c.label, n)
	}

	tables, err := archive.NewTables(app.DBManager, app.Logger).NumericTables(ctx)
	if err != nil {
		return err
	}
	log.Printf("- Archive months: %d", len(tables))

	if last, ok, err := app.Settings.GetTime(ctx, settings.KeyLastLogPurge); err != nil {
		return err
	} else if ok {
		log.Printf("- Last log purge: %s", last.Format(time.RFC3339))
	} else {
		log.Println("- Last log purge: never")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get SQL DB: %w", err)
	}

	stats := sqlDB.Stats()
	log.Printf("- Max Open Connections: %d", stats.MaxOpenConnections)
	log.Printf("- Open Connections: %d", stats.OpenConnections)
	log.Printf("- In Use: %d", stats.InUse)
	log.Printf("- Idle: %d", stats.Idle)

	return nil
}

// PurgeEstimateCommand prints how many rows a log purge would delete
type PurgeEstimateCommand struct{}

func (c *PurgeEstimateCommand) Name() string        { return "purge-estimate" }
func (c *PurgeEstimateCommand) Description() string { return "Shows the rows a log purge would delete" }

func (c *PurgeEstimateCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	estimate, err := app.LogPurger.GetPurgeEstimate(ctx)
	if err != nil {
		return err
	}
	if len(estimate) == 0 {
		fmt.Println("Nothing to purge")
		return nil
	}

	tables := make([]string, 0, len(estimate))
	for table := range estimate {
		tables = append(tables, table)
	}
	sort.Strings(tables)
	for _, table := range tables {
		fmt.Printf("  %s: %d\n", table, estimate[table])
	}
	return nil
}

// PurgeLogsCommand deletes old raw logs now, whether or not scheduled purging is enabled
type PurgeLogsCommand struct{}

func (c *PurgeLogsCommand) Name() string        { return "purge-logs" }
func (c *PurgeLogsCommand) Description() string { return "Deletes raw logs older than the retention now" }

func (c *PurgeLogsCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	if err := app.LogPurger.PurgeData(ctx); err != nil {
		return fmt.Errorf("log purge failed: %w", err)
	}
	return app.Settings.SetTime(ctx, settings.KeyLastLogPurge, time.Now())
}

// PurgeArchivesCommand purges outdated archives of one month or of all months
type PurgeArchivesCommand struct{}

func (c *PurgeArchivesCommand) Name() string { return "purge-archives" }
func (c *PurgeArchivesCommand) Description() string {
	return "Purges temporary, failed and range archives: [YYYY-MM]"
}

func (c *PurgeArchivesCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	var months []time.Time
	if len(args) > 0 {
		month, err := time.Parse("2006-01", args[0])
		if err != nil {
			return fmt.Errorf("invalid month %q, expected YYYY-MM: %w", args[0], err)
		}
		months = append(months, month)
	} else {
		tables, err := archive.NewTables(app.DBManager, app.Logger).NumericTables(ctx)
		if err != nil {
			return err
		}
		for _, table := range tables {
			month, err := archive.MonthOf(table)
			if err != nil {
				return err
			}
			months = append(months, month)
		}
	}

	for _, month := range months {
		if err := app.ArchivePurger.PurgeOutdatedArchives(ctx, month); err != nil {
			return fmt.Errorf("purge of %s failed: %w", month.Format("2006-01"), err)
		}
	}
	return nil
}

// HelpCommand implements a command to show usage information
type HelpCommand struct{}

func (c *HelpCommand) Name() string        { return "help" }
func (c *HelpCommand) Description() string { return "Shows usage information" }

func (c *HelpCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	printUsage()
	return nil
}

// parseArgs parses the command name and arguments
func parseArgs() (string, []string) {
	args := flag.Args()
	if len(args) == 0 {
		return "help", []string{}
	}
	return args[0], args[1:]
}

// findCommand finds a command by name
func findCommand(name string) Command {
	for _, cmd := range commands {
		if cmd.Name() == name {
			return cmd
		}
	}
	return nil
}

func printUsage() {
	fmt.Println("Usage: tlctl [command] [args...]")
	fmt.Println("Available commands:")

	for _, cmd := range commands {
		fmt.Printf("  %s: %s\n", cmd.Name(), cmd.Description())
	}
}

// showUsageAndExit shows usage information and exits
func showUsageAndExit() {
	printUsage()
	os.Exit(1)
}
