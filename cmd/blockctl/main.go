// Command blockctl inspects and changes the manual-interaction block of an
// Instagram user.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/spf13/cobra"

	"dm-agent/internal/blocker"
	"dm-agent/internal/observability"
	"dm-agent/internal/repository"
)

// blockAdmin is the part of blocker.Blocker the commands use.
type blockAdmin interface {
	RemainingSeconds(ctx context.Context, userID string) (int, bool)
	MarkInteraction(ctx context.Context, userID string)
	Unblock(ctx context.Context, userID string) bool
}

type opener func(ctx context.Context, table string, blockTTL time.Duration) (blockAdmin, error)

func main() {
	if err := rootCmd(openDynamo).Execute(); err != nil {
		os.Exit(1)
	}
}

func openDynamo(ctx context.Context, table string, blockTTL time.Duration) (blockAdmin, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	kv, err := repository.NewKVStore(awsdynamodb.NewFromConfig(awsCfg), table)
	if err != nil {
		return nil, err
	}
	return blocker.New(kv, blocker.WithBlockTTL(blockTTL))
}

func rootCmd(open opener) *cobra.Command {
	var (
		table    string
		blockTTL time.Duration
		verbose  bool
	)

	root := &cobra.Command{
		Use:          "blockctl",
		Short:        "Inspect and change manual-interaction blocks",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := "warn"
			if verbose {
				level = "debug"
			}
			observability.Setup(cmd.ErrOrStderr(), level)
			if table == "" {
				return fmt.Errorf("--table or STATE_TABLE is required")
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&table, "table", os.Getenv("STATE_TABLE"), "DynamoDB state table (default: $STATE_TABLE)")
	root.PersistentFlags().DurationVar(&blockTTL, "block-ttl", 5*time.Minute, "block duration used by the block command")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	withBlocker := func(fn func(ctx context.Context, out io.Writer, b blockAdmin, userID string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			b, err := open(cmd.Context(), table, blockTTL)
			if err != nil {
				return err
			}
			return fn(cmd.Context(), cmd.OutOrStdout(), b, args[0])
		}
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "status <user-id>",
			Short: "Show whether the agent is blocked for a user",
			Args:  cobra.ExactArgs(1),
			RunE:  withBlocker(runStatus),
		},
		&cobra.Command{
			Use:   "block <user-id>",
			Short: "Block the agent for a user as if an operator had replied",
			Args:  cobra.ExactArgs(1),
			RunE:  withBlocker(runBlock),
		},
		&cobra.Command{
			Use:   "unblock <user-id>",
			Short: "Lift a user's block immediately",
			Args:  cobra.ExactArgs(1),
			RunE:  withBlocker(runUnblock),
		},
	)
	return root
}

func runStatus(ctx context.Context, out io.Writer, b blockAdmin, userID string) error {
	if secs, ok := b.RemainingSeconds(ctx, userID); ok {
		fmt.Fprintf(out, "%s: blocked (%ds remaining)\n", userID, secs)
		return nil
	}
	fmt.Fprintf(out, "%s: not blocked\n", userID)
	return nil
}

func runBlock(ctx context.Context, out io.Writer, b blockAdmin, userID string) error {
	b.MarkInteraction(ctx, userID)
	secs, ok := b.RemainingSeconds(ctx, userID)
	if !ok {
		return fmt.Errorf("block for %s was not recorded", userID)
	}
	fmt.Fprintf(out, "%s: blocked (%ds remaining)\n", userID, secs)
	return nil
}

func runUnblock(ctx context.Context, out io.Writer, b blockAdmin, userID string) error {
	if b.Unblock(ctx, userID) {
		fmt.Fprintf(out, "%s: unblocked\n", userID)
		return nil
	}
	fmt.Fprintf(out, "%s: was not blocked\n", userID)
	return nil
}
