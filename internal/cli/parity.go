package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/capitalize-ai/agentsync/internal/parity"
)

// ParityOptions holds flags for the parity command.
type ParityOptions struct {
	Legacy          string
	Candidate       string
	Policy          string
	Report          string
	MaxWarnings     int
	BlockOnCritical bool
	Token           string
}

// NewParityCommand creates the parity command.
func NewParityCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ParityOptions{}

	cmd := &cobra.Command{
		Use:   "parity",
		Short: "Compare legacy and candidate snapshots and decide on promotion",
		Long: `Pull the components of two snapshot manifests, normalize and hash them,
diff mismatches and classify the diffs under a policy.

Exits 1 exactly when the decision is block and 2 on usage or I/O errors.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runParity(cmd, rootOpts, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Legacy, "legacy", "", "legacy snapshot manifest (YAML)")
	cmd.Flags().StringVar(&opts.Candidate, "candidate", "", "candidate snapshot manifest (YAML)")
	cmd.Flags().StringVar(&opts.Policy, "policy", "", "policy file (YAML)")
	cmd.Flags().StringVar(&opts.Report, "report", "", "write the JSON report here instead of stdout")
	cmd.Flags().IntVar(&opts.MaxWarnings, "max-warnings", 0, "warning diffs tolerated before blocking")
	cmd.Flags().BoolVar(&opts.BlockOnCritical, "block-on-critical", true, "block on any critical diff")
	cmd.Flags().StringVar(&opts.Token, "token", "", "bearer token for URL components")
	_ = cmd.MarkFlagRequired("legacy")
	_ = cmd.MarkFlagRequired("candidate")

	return cmd
}

func runParity(cmd *cobra.Command, rootOpts *RootOptions, opts *ParityOptions) error {
	log, err := newLogger(cmd, rootOpts)
	if err != nil {
		return WrapExitError(ExitError, "failed to create logger", err)
	}
	defer log.Sync()

	policy := parity.DefaultPolicy()
	if opts.Policy != "" {
		policy, err = parity.LoadPolicy(opts.Policy)
		if err != nil {
			return WrapExitError(ExitError, "failed to load policy", err)
		}
	}
	// Flags given explicitly override the policy file.
	if cmd.Flags().Changed("max-warnings") {
		if opts.MaxWarnings < 0 {
			return NewExitError(ExitError, "--max-warnings must not be negative")
		}
		policy.MaxWarnings = opts.MaxWarnings
	}
	if cmd.Flags().Changed("block-on-critical") || opts.Policy == "" {
		policy.BlockOnCritical = opts.BlockOnCritical
	}

	legacy, err := parity.LoadManifest(opts.Legacy)
	if err != nil {
		return WrapExitError(ExitError, "failed to load legacy manifest", err)
	}
	candidate, err := parity.LoadManifest(opts.Candidate)
	if err != nil {
		return WrapExitError(ExitError, "failed to load candidate manifest", err)
	}

	puller := parity.NewPuller()
	puller.Token = opts.Token
	report, err := parity.NewHarness(puller, nil, policy, log).Run(cmd.Context(), legacy, candidate)
	if err != nil {
		return WrapExitError(ExitError, "parity run failed", err)
	}

	if opts.Report != "" {
		if err := report.WriteFile(opts.Report); err != nil {
			return WrapExitError(ExitError, "failed to write report", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "decision=%s components=%d critical=%d warning=%d report=%s\n",
			report.Decision, report.Totals.Components, report.Totals.Critical, report.Totals.Warning, opts.Report)
	} else {
		data, err := report.Marshal()
		if err != nil {
			return WrapExitError(ExitError, "failed to render report", err)
		}
		cmd.OutOrStdout().Write(data)
	}

	if report.Blocked() {
		return NewExitError(ExitBlocked, "promotion blocked")
	}
	return nil
}
