package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/urfave/cli/v2"

	"github.com/chmdznr/olbackup/internal/archive"
	"github.com/chmdznr/olbackup/internal/backup"
	"github.com/chmdznr/olbackup/internal/config"
	"github.com/chmdznr/olbackup/internal/db"
	"github.com/chmdznr/olbackup/internal/projects"
	"github.com/chmdznr/olbackup/internal/scheduler"
	"github.com/chmdznr/olbackup/internal/session"
	"github.com/chmdznr/olbackup/internal/sync"
	"github.com/chmdznr/olbackup/pkg/models"
	"github.com/chmdznr/olbackup/pkg/utils"
	"github.com/chmdznr/olbackup/pkg/version"
)

var logger = loggo.GetLogger("olbackup")

var commonFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to the credentials file",
		Value:   config.DefaultFile,
		EnvVars: []string{"OLBACKUP_CONFIG"},
	},
	&cli.StringFlag{
		Name:  "log-level",
		Usage: "Logger levels, e.g. \"<root>=INFO;olbackup.session=DEBUG\"",
		Value: "<root>=INFO",
	},
}

var backupFlags = []cli.Flag{
	&cli.DurationFlag{
		Name:  "interval",
		Usage: "Wait between passes (overrides INTERVAL)",
	},
	&cli.StringFlag{
		Name:  "dir",
		Usage: "Backup directory (overrides BACKUP_DIR)",
	},
	&cli.BoolFlag{
		Name:  "progress",
		Usage: "Show download progress bars",
	},
	&cli.BoolFlag{
		Name:  "mirror",
		Usage: "Upload kept archives to the configured MinIO bucket after each pass",
	},
}

var interactiveFlag = &cli.BoolFlag{
	Name:  "interactive",
	Usage: "Stop after the current project when q or Esc is pressed",
}

func withFlags(groups ...[]cli.Flag) []cli.Flag {
	var flags []cli.Flag
	for _, g := range groups {
		flags = append(flags, g...)
	}
	return flags
}

func main() {
	cli.VersionFlag = &cli.BoolFlag{
		Name:    "version",
		Aliases: []string{"v"},
		Usage:   "print the version",
	}

	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "olbackup: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:                 "olbackup",
		Usage:                "Periodically back up Overleaf projects, keeping only changed archives",
		Version:              version.Version,
		EnableBashCompletion: true,
		Flags:                withFlags(commonFlags, backupFlags, []cli.Flag{interactiveFlag}),
		Action:               runLoop,
		Commands: []*cli.Command{
			{
				Name:  "version",
				Usage: "Print detailed version information",
				Action: func(c *cli.Context) error {
					fmt.Printf("Version:    %s\n", version.Version)
					fmt.Printf("Git commit: %s\n", version.GitCommit)
					fmt.Printf("Built:      %s\n", version.BuildTime)
					return nil
				},
			},
			{
				Name:   "run",
				Usage:  "Back up every selected project, then repeat after each interval",
				Flags:  withFlags(commonFlags, backupFlags, []cli.Flag{interactiveFlag}),
				Action: runLoop,
			},
			{
				Name:   "once",
				Usage:  "Run a single backup pass",
				Flags:  withFlags(commonFlags, backupFlags),
				Action: runOnce,
			},
			{
				Name:   "status",
				Usage:  "Show per-project backup statistics from the ledger",
				Flags:  withFlags(commonFlags, []cli.Flag{&cli.StringFlag{Name: "project", Usage: "Only this project name"}}),
				Action: showStatus,
			},
			{
				Name:  "push",
				Usage: "Upload kept archives not yet mirrored to MinIO",
				Flags: withFlags(commonFlags, []cli.Flag{
					&cli.IntFlag{
						Name:  "workers",
						Usage: "Number of parallel workers for uploading archives",
						Value: sync.DefaultSyncerConfig().NumWorkers,
					},
					&cli.IntFlag{
						Name:  "batch",
						Usage: "Ledger updates per batch",
						Value: sync.DefaultSyncerConfig().BatchSize,
					},
					&cli.BoolFlag{
						Name:  "progress",
						Usage: "Show upload progress bars",
					},
				}),
				Action: pushPending,
			},
			{
				Name:      "compare",
				Usage:     "Report whether two archives hold the same entries",
				ArgsUsage: "OLD NEW",
				Action:    compareArchives,
			},
		},
	}
}

// loadConfig configures logging and reads the credentials file, applying
// command line overrides.
func loadConfig(c *cli.Context) (*config.Config, error) {
	if err := loggo.ConfigureLoggers(c.String("log-level")); err != nil {
		return nil, errors.Annotate(err, "invalid --log-level")
	}
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, errors.Trace(err)
	}
	if c.IsSet("interval") {
		cfg.Interval = c.Duration("interval")
	}
	if c.IsSet("dir") {
		cfg.BackupDir = c.String("dir")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return cfg, nil
}

// mirror uploads archives waiting in the ledger.
type mirror interface {
	SyncPending(ctx context.Context) (sync.Report, error)
}

// daemon holds everything a backup pass needs.
type daemon struct {
	cfg     *config.Config
	session *session.Session
	ledger  *db.DB
	syncer  mirror
	sched   *scheduler.Scheduler
}

func (d *daemon) Close() {
	if err := d.session.Close(); err != nil {
		logger.Warningf("saving cookies: %v", err)
	}
	if err := d.ledger.Close(); err != nil {
		logger.Warningf("closing ledger: %v", err)
	}
}

// start logs in and wires the controller and scheduler. Connectivity and
// authentication failures are returned before any backup is attempted.
func start(ctx context.Context, c *cli.Context, sc scheduler.Config) (*daemon, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}

	sess, err := session.New(cfg.URL, session.Options{
		CookieFile: cfg.CookieFile,
		RateLimit:  cfg.RateLimit,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := sess.Login(ctx, cfg.Email, cfg.Password); err != nil {
		return nil, errors.Trace(err)
	}

	ledger, err := db.New(cfg.LedgerPath)
	if err != nil {
		sess.Close()
		return nil, errors.Annotate(err, "opening ledger")
	}
	d := &daemon{cfg: cfg, session: sess, ledger: ledger}

	if c.Bool("mirror") {
		d.syncer, err = sync.NewSyncer(ledger, cfg.MinIO, &sync.SyncerConfig{
			NumWorkers: sync.DefaultSyncerConfig().NumWorkers,
			BatchSize:  sync.DefaultSyncerConfig().BatchSize,
		})
		if err != nil {
			d.Close()
			return nil, errors.Annotate(err, "setting up mirror")
		}
	}

	controller := backup.NewController(sess, backup.Config{
		Dir:      cfg.BackupDir,
		Policy:   cfg.Collision,
		Recorder: ledger,
		Mirror:   cfg.MinIO.Enabled(),
		Progress: c.Bool("progress"),
	})
	resolver := &projects.Resolver{Source: sess, IDs: cfg.ProjectIDs}

	sc.Interval = cfg.Interval
	sc.OnResult = func(r scheduler.Result) {
		fmt.Println(backup.String(r.ProjectName, r.Outcome))
	}
	sc.AfterPass = d.afterPass
	d.sched = scheduler.New(resolver, controller, sc)
	return d, nil
}

// afterPass mirrors pending archives, including ones whose upload failed in
// an earlier pass.
func (d *daemon) afterPass(ctx context.Context, report scheduler.PassReport) {
	if d.syncer == nil {
		return
	}
	res, err := d.syncer.SyncPending(ctx)
	if err != nil {
		logger.Errorf("mirror after pass %d: %v", report.Pass, err)
		return
	}
	logger.Infof("mirror: %s", res)
}

// signalContext is cancelled on the first SIGINT or SIGTERM. A second signal
// terminates the process.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		stop()
	}()
	return ctx, stop
}

func runLoop(c *cli.Context) error {
	ctx, cancel := signalContext()
	defer cancel()

	var sc scheduler.Config
	if c.Bool("interactive") {
		stopCh, release, err := scheduler.KeyboardStop()
		if err != nil {
			return errors.Trace(err)
		}
		defer release()
		sc.Stop = stopCh
		fmt.Println("Press q or Esc to stop after the current project")
	}

	d, err := start(ctx, c, sc)
	if err != nil {
		return err
	}
	defer d.Close()

	logger.Infof("backing up to %s every %s", d.cfg.BackupDir, utils.FormatDuration(d.cfg.Interval))
	return d.sched.Run(ctx)
}

func runOnce(c *cli.Context) error {
	ctx, cancel := signalContext()
	defer cancel()

	d, err := start(ctx, c, scheduler.Config{MaxPasses: 1})
	if err != nil {
		return err
	}
	defer d.Close()
	return d.sched.Run(ctx)
}

func showStatus(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	ledger, err := db.New(cfg.LedgerPath)
	if err != nil {
		return errors.Annotate(err, "opening ledger")
	}
	defer ledger.Close()

	if name := c.String("project"); name != "" {
		stats, err := ledger.GetStats(name)
		if err != nil {
			return errors.Annotatef(err, "stats of %s", name)
		}
		printStats(*stats)
		return nil
	}

	all, err := ledger.ListStats()
	if err != nil {
		return errors.Annotate(err, "listing stats")
	}
	if len(all) == 0 {
		fmt.Printf("No backups recorded in %s\n", cfg.LedgerPath)
		return nil
	}
	for _, stats := range all {
		printStats(stats)
	}
	return nil
}

func pushPending(c *cli.Context) error {
	ctx, cancel := signalContext()
	defer cancel()

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	ledger, err := db.New(cfg.LedgerPath)
	if err != nil {
		return errors.Annotate(err, "opening ledger")
	}
	defer ledger.Close()

	syncer, err := sync.NewSyncer(ledger, cfg.MinIO, &sync.SyncerConfig{
		NumWorkers: c.Int("workers"),
		BatchSize:  c.Int("batch"),
		Progress:   c.Bool("progress"),
	})
	if err != nil {
		return errors.Annotate(err, "failed to create syncer")
	}

	report, err := syncer.SyncPending(ctx)
	if err != nil {
		return errors.Annotate(err, "failed to push archives")
	}
	fmt.Printf("Push completed: %s\n", report)
	return nil
}

func compareArchives(c *cli.Context) error {
	if c.NArg() != 2 {
		return cli.Exit("compare needs exactly two archives: OLD NEW", 2)
	}
	oldPath, newPath := c.Args().Get(0), c.Args().Get(1)
	same, err := archive.Equivalent(oldPath, newPath)
	if err != nil {
		return err
	}
	if !same {
		return cli.Exit(fmt.Sprintf("%s and %s differ", oldPath, newPath), 1)
	}
	fmt.Printf("%s and %s have the same contents\n", oldPath, newPath)
	return nil
}

func printStats(stats models.Stats) {
	fmt.Printf("Project: %s\n", stats.ProjectName)
	fmt.Printf("  Kept archives: %d (Size: %s)\n", stats.KeptArchives, utils.FormatSize(stats.KeptSize))
	fmt.Printf("  Discarded:     %d\n", stats.Discarded)
	fmt.Printf("  Failed:        %d\n", stats.Failed)
	fmt.Printf("  Mirrored:      %d (%d pending)\n", stats.Uploaded, stats.PendingUploads)
	fmt.Printf("  Last kept:     %s\n", utils.FormatAge(stats.LastKept))
	fmt.Printf("  Last run:      %s\n", utils.FormatAge(stats.LastRun))
}
