package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/andreyvit/objdb"
	"github.com/andreyvit/objdb/internal/config"
	"github.com/andreyvit/objdb/internal/logging"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	DataPath   string
	Memory     bool
	Verbose    bool
	Format     string

	Out io.Writer
	Err io.Writer

	cfg *config.Config

	// env, when set, is used instead of opening the configured storage.
	env *objdb.Env
}

// NewRootCommand creates the root command of the objdb CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "objdb",
		Short:         "objdb - inspect and edit object databases",
		Long:          "Command-line access to objdb files: list databases and object stores, read, write and scan records, create stores and indexes.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.prepare(cmd)
		},
	}
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "config file (default ~/.objdb/config.toml)")
	cmd.PersistentFlags().StringVarP(&opts.DataPath, "data", "d", "", "database file (overrides storage.path)")
	cmd.PersistentFlags().BoolVar(&opts.Memory, "memory", false, "use a transient in-memory store")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log every storage operation")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "", "output format (text|json|yaml)")

	cmd.AddCommand(newDatabasesCommand(opts))
	cmd.AddCommand(newStoresCommand(opts))
	cmd.AddCommand(newCreateStoreCommand(opts))
	cmd.AddCommand(newCreateIndexCommand(opts))
	cmd.AddCommand(newGetCommand(opts))
	cmd.AddCommand(newPutCommand(opts))
	cmd.AddCommand(newDeleteCommand(opts))
	cmd.AddCommand(newScanCommand(opts))
	cmd.AddCommand(newStatsCommand(opts))
	cmd.AddCommand(newDumpCommand(opts))
	cmd.AddCommand(newDropCommand(opts))
	cmd.AddCommand(newVersionCommand(opts))

	return cmd
}

func (opts *RootOptions) prepare(cmd *cobra.Command) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	if opts.DataPath != "" {
		cfg.Storage.Path = opts.DataPath
		cfg.Storage.Backend = config.BackendBolt
	}
	if opts.Memory {
		cfg.Storage.Backend = config.BackendMemory
	}
	if opts.Verbose {
		cfg.Logging.Verbose = true
		cfg.Logging.Level = "debug"
	}
	if opts.Format == "" {
		opts.Format = cfg.Output.Format
	}
	cfg.Output.Format = opts.Format
	if err := cfg.Validate(); err != nil {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid configuration: %v", err))
	}
	opts.cfg = cfg
	opts.Out = cmd.OutOrStdout()
	opts.Err = cmd.ErrOrStderr()

	logging.InitTo(opts.Err, cfg.Logging.Level, cfg.Logging.Format)
	return nil
}

func (opts *RootOptions) formatter() *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    opts.Out,
		ErrWriter: opts.Err,
		Verbose:   opts.Verbose,
	}
}

// openEnv opens the configured storage. The returned function closes it.
func (opts *RootOptions) openEnv() (*objdb.Env, func(), error) {
	if opts.env != nil {
		return opts.env, func() {}, nil
	}
	cfg := opts.cfg
	o := objdb.Options{
		Logger:  logging.For("objdb"),
		Verbose: cfg.Logging.Verbose,
		NoSync:  cfg.Storage.NoSync,
	}
	if cfg.Storage.Backend == config.BackendMemory {
		env := objdb.OpenMemEnv(o)
		return env, func() { env.Close() }, nil
	}
	var err error
	if o.MmapSize, err = cfg.MmapBytes(); err != nil {
		return nil, nil, err
	}
	if o.LockTimeout, err = cfg.LockTimeout(); err != nil {
		return nil, nil, err
	}
	env, err := objdb.OpenEnv(cfg.DataPath(), o)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "cannot open storage", err)
	}
	return env, func() {
		if err := env.Close(); err != nil {
			slog.Error("closing storage", "err", err)
		}
	}, nil
}
