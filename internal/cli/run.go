// Package cli wires the indexer, study grouper, dispatcher, and
// reporter into the single dicomsend command.
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/flatmapit/dicomsend/internal/assoc"
	"github.com/flatmapit/dicomsend/internal/config"
	"github.com/flatmapit/dicomsend/internal/dispatch"
	"github.com/flatmapit/dicomsend/internal/indexer"
	"github.com/flatmapit/dicomsend/internal/model"
	"github.com/flatmapit/dicomsend/internal/report"
	"github.com/flatmapit/dicomsend/internal/study"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

// Command returns the single dicomsend command, flags matching the
// flat CLI interface: one input path, one destination, no subcommands.
func Command() *cli.Command {
	return &cli.Command{
		Name:  "dicomsend",
		Usage: "Send DICOM Part 10 files to a remote AE over a C-STORE association",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "input", Aliases: []string{"i"}, Usage: "File or directory path", Required: true},
			&cli.BoolFlag{Name: "recursive", Aliases: []string{"r"}, Usage: "Recurse into directories"},
			&cli.StringFlag{Name: "ae-title", Aliases: []string{"a"}, Usage: "Called AE title", Required: true},
			&cli.StringFlag{Name: "host", Aliases: []string{"H"}, Usage: "Destination host/IP", Required: true},
			&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Usage: "Destination TCP port", Required: true},
			&cli.StringFlag{Name: "calling-ae", Aliases: []string{"c"}, Usage: "Calling AE title", Value: "RUST_SCU"},
			&cli.IntFlag{Name: "threads", Aliases: []string{"t"}, Usage: "Max concurrent associations", Value: 1},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "Include debug-level events on console"},
			&cli.StringFlag{Name: "config", Usage: "Optional config file overriding timeouts and registries"},
			&cli.StringFlag{Name: "log-file", Usage: "Additional console log destination"},
			&cli.StringFlag{Name: "log-level", Usage: "Console log level (debug, info, warn, error)", Value: "info"},
		},
		Action: runAction,
	}
}

func runAction(c *cli.Context) error {
	if c.Int("port") < 1 || c.Int("port") > 65535 {
		return cli.Exit(fmt.Errorf("invalid arguments: --port must be in 1..65535"), 2)
	}
	if c.String("input") == "" {
		return cli.Exit(fmt.Errorf("invalid arguments: --input is required"), 2)
	}

	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return cli.Exit(fmt.Errorf("invalid arguments: %w", err), 2)
	}
	cfg.ApplyRegistryExtensions()

	logger := newLogger(c.Bool("verbose"), c.String("log-level"), c.String("log-file"))

	sessionID := uuid.NewString()
	sessionLog, err := report.AttachSessionLog(logger, sessionID)
	if err != nil {
		logger.WithError(err).Warn("failed to attach session log file")
	} else {
		defer sessionLog.Close()
	}

	paths, err := indexer.Walk([]string{c.String("input")}, c.Bool("recursive"))
	if err != nil {
		return cli.Exit(fmt.Errorf("fatal setup error: %w", err), 3)
	}
	if len(paths) == 0 {
		return cli.Exit(fmt.Errorf("invalid arguments: no files found under %s", c.String("input")), 2)
	}

	var records []model.InstanceRecord
	for _, path := range paths {
		rec, err := indexer.Index(path)
		if err != nil {
			logger.WithError(err).WithField("path", path).Warn("skipping unreadable DICOM file")
			continue
		}
		records = append(records, rec)
	}
	if len(records) == 0 {
		return cli.Exit(fmt.Errorf("fatal setup error: no indexable DICOM files under %s", c.String("input")), 3)
	}

	batches := study.Group(records)

	opts := dispatch.Options{
		Threads:   c.Int("threads"),
		CalledAE:  c.String("ae-title"),
		CallingAE: c.String("calling-ae"),
		Host:      c.String("host"),
		Port:      c.Int("port"),
		Timeouts: assoc.Timeouts{
			Connect:       cfg.ConnectTimeout(),
			Association:   cfg.AssociationTimeout(),
			DIMSEResponse: cfg.DIMSEResponseTimeout(),
		},
		ProposedPDULength: cfg.ProposedPDULength,
		QueueMultiplier:   cfg.QueueMultiplier,
		SessionID:         sessionID,
		Log:               logger,
	}

	sessionReport := dispatch.Run(c.Context, batches, opts, nil)
	if err := report.WriteSummary(sessionReport); err != nil {
		logger.WithError(err).Warn("failed to write session summary")
	}

	logger.WithFields(logrus.Fields{
		"session_id":           sessionReport.SessionID,
		"total_files":          sessionReport.TotalFiles,
		"successful_transfers": sessionReport.SuccessfulTransfers,
		"failed_transfers":     sessionReport.FailedTransfers,
	}).Info("run complete")

	if sessionReport.FailedTransfers > 0 {
		return cli.Exit("", 1)
	}
	return nil
}

func newLogger(verbose bool, level, logFile string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	if verbose && lvl > logrus.DebugLevel {
		lvl = logrus.DebugLevel
	}
	logger.SetLevel(lvl)

	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			logger.SetOutput(io.MultiWriter(os.Stderr, f))
		} else {
			logger.WithError(err).Warn("failed to open log-file, using stderr")
		}
	}
	return logger
}
