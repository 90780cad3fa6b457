package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/livinlefevreloca/stepcron/internal/config"
	"github.com/livinlefevreloca/stepcron/internal/db"
	"github.com/livinlefevreloca/stepcron/internal/runner"
	"github.com/livinlefevreloca/stepcron/lib/cron"
	_ "github.com/mattn/go-sqlite3"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	// Parse command-line flags
	flags := flag.NewFlagSet("stepcron", flag.ContinueOnError)
	flags.SetOutput(stderr)
	configFile := flags.String("config", "", "Path to configuration file (TOML)")
	expr := flags.String("expr", "", "Print upcoming occurrences of a schedule expression and exit")
	from := flags.String("from", "", "Last-fire time for -expr (RFC3339, default now)")
	count := flags.Int("count", 5, "Number of occurrences printed by -expr")
	history := flags.String("history", "", "Print the recorded fires of a job and exit")
	limit := flags.Int("limit", 20, "Number of fires printed by -history")
	listJobs := flags.Bool("jobs", false, "Print the registered jobs and their last fire and exit")
	forget := flags.String("forget", "", "Delete a job and its fire history and exit")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	if *expr != "" {
		return printOccurrences(stdout, stderr, *expr, *from, *count)
	}

	// Load configuration
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(stderr, "failed to load configuration: %v\n", err)
		return 1
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "invalid configuration: %v\n", err)
		return 1
	}

	// Initialize structured logger
	logger := cfg.Logging.NewLogger(stderr)
	slog.SetDefault(logger)

	// Open database connection with pool settings
	logger.Info("connecting to database", "driver", cfg.Database.Driver, "dsn", cfg.Database.DSN)
	database, err := db.OpenWithConfig(cfg.Database)
	if err != nil {
		logger.Error("failed to connect to database", "error", err, "driver", cfg.Database.Driver)
		return 1
	}
	defer database.Close()

	switch {
	case *history != "":
		return printHistory(stdout, logger, database, *history, *limit)
	case *listJobs:
		return printJobs(stdout, logger, database)
	case *forget != "":
		return forgetJob(stdout, logger, database, *forget)
	}

	r, err := runner.New(cfg.Runner, cfg.Jobs, database, runner.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create runner", "error", err)
		return 1
	}

	// Stop on interrupt signal
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting stepcron", "config_file", *configFile, "jobs", len(cfg.Jobs), "driver", database.Driver())
	if err := r.Run(ctx); err != nil {
		logger.Error("runner failed", "error", err)
		return 1
	}

	stats := r.InboxStats()
	logger.Info("shut down gracefully",
		"fires_dispatched", stats.TotalReceived,
		"fires_dropped", stats.TimeoutCount)
	return 0
}

// printOccurrences writes the next count occurrences of expression after
// from, one RFC3339 timestamp per line
func printOccurrences(stdout, stderr io.Writer, expression, from string, count int) int {
	last := time.Now()
	if from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			fmt.Fprintf(stderr, "invalid -from time: %v\n", err)
			return 2
		}
		last = t
	}

	schedule, err := cron.Parse(expression)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}

	times, err := schedule.NextN(last, count)
	for _, t := range times {
		fmt.Fprintln(stdout, t.Format(time.RFC3339))
	}
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}
	return 0
}

func printHistory(stdout io.Writer, logger *slog.Logger, database *db.DB, job string, limit int) int {
	fires, err := database.RecentFires(job, limit)
	if err != nil {
		logger.Error("failed to load fires", "job", job, "error", err)
		return 1
	}

	for _, fire := range fires {
		status := "ok"
		if !fire.Success {
			status = "failed"
			if fire.Error != nil {
				status += ": " + *fire.Error
			}
		}
		fmt.Fprintf(stdout, "%s\t%s\t%s\n", fire.ScheduledAt.Format(time.RFC3339), fire.ID, status)
	}
	return 0
}

// printJobs writes every job the store knows about with its last recorded
// fire, including jobs no longer present in the configuration
func printJobs(stdout io.Writer, logger *slog.Logger, database *db.DB) int {
	jobs, err := database.GetAllJobs()
	if err != nil {
		logger.Error("failed to load jobs", "error", err)
		return 1
	}

	for _, job := range jobs {
		last := "never"
		t, err := database.LastFire(job.Name)
		switch {
		case err == nil:
			last = t.Format(time.RFC3339)
		case !db.IsNotFound(err):
			logger.Error("failed to load last fire", "job", job.Name, "error", err)
			return 1
		}
		fmt.Fprintf(stdout, "%s\t%s\t%s\n", job.Name, job.Schedule, last)
	}
	return 0
}

// forgetJob removes a job with its history, so the next run schedules it
// from the current time
func forgetJob(stdout io.Writer, logger *slog.Logger, database *db.DB, job string) int {
	if err := database.DeleteJob(job); err != nil {
		if db.IsNotFound(err) {
			logger.Error("job is not registered", "job", job)
		} else {
			logger.Error("failed to delete job", "job", job, "error", err)
		}
		return 1
	}
	fmt.Fprintf(stdout, "forgot %s\n", job)
	return 0
}
