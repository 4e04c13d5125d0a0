package commands

import (
	"github.com/spf13/cobra"

	"github.com/hupe1980/mutrun"
	"github.com/hupe1980/mutrun/internal/config"
)

// InspectCommand holds the flags of the inspect command.
type InspectCommand struct {
	configPath string
	format     string
	audit      bool
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand() *cobra.Command {
	ic := &InspectCommand{}

	cmd := &cobra.Command{
		Use:   "inspect [snapshot]",
		Short: "Summarize a saved snapshot",
		Long: `Load a snapshot from the configured store and print a summary.
Without an argument the snapshot CURRENT points at is loaded.`,
		Args: cobra.MaximumNArgs(1),
		RunE: ic.run,
	}

	cmd.Flags().StringVarP(&ic.configPath, "config", "c", "", "config file (default mutrun.yaml)")
	cmd.Flags().StringVarP(&ic.format, "format", "f", formatTable, "output format: table or yaml")
	cmd.Flags().BoolVar(&ic.audit, "audit", false, "audit the loaded population")

	return cmd
}

func (ic *InspectCommand) run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(ic.configPath)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	store, err := newStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	opts, err := engineOptions(cfg, store, logger)
	if err != nil {
		return err
	}
	eng, err := mutrun.New(opts...)
	if err != nil {
		return err
	}

	var name string
	if len(args) == 1 {
		name = args[0]
	}
	if err := eng.Load(ctx, name); err != nil {
		return err
	}
	if ic.audit {
		if _, err := eng.Audit(ctx); err != nil {
			return err
		}
	}
	return render(cmd.OutOrStdout(), ic.format, summarize(eng, name, 0))
}
