package mergecmder

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/railchat/cmd/railchat/sqlitepath"
	"github.com/papercomputeco/railchat/pkg/merkle"
)

const mergeLongDesc string = `Merge transcript databases into a target database.

Transcript nodes are content addressed, so merging is a union: a node
already present in the target is skipped. Nodes whose hash does not match
their content are reported and left out.

The target defaults to $RAILCHAT_DB, ./railchat.db or ~/.railchat/railchat.db.

Examples:
  railchat merge laptop.db desktop.db
  railchat merge --target /tmp/all.db ~/alice/railchat.db ~/bob/railchat.db`

const mergeShortDesc string = "Merge transcript databases"

type mergeCommander struct {
	targetPath string
}

func NewMergeCmd() *cobra.Command {
	cmder := &mergeCommander{}

	cmd := &cobra.Command{
		Use:   "merge [sources...]",
		Short: mergeShortDesc,
		Long:  mergeLongDesc,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmder.run(cmd.Context(), cmd, args)
		},
	}

	cmd.Flags().StringVarP(&cmder.targetPath, "target", "t", "", "Path to target transcript database")

	return cmd
}

type mergeCounts struct {
	added, existed, corrupt int
}

func (c *mergeCommander) run(ctx context.Context, cmd *cobra.Command, sources []string) error {
	targetPath, err := sqlitepath.ResolveSQLitePath(c.targetPath)
	if err != nil {
		return fmt.Errorf("could not resolve target database: %w", err)
	}

	target, err := merkle.NewSQLiteStorer(targetPath)
	if err != nil {
		return fmt.Errorf("could not open target database %s: %w", targetPath, err)
	}
	defer target.Close()

	var total mergeCounts
	for _, srcPath := range sources {
		counts, err := mergeSource(ctx, target, srcPath)
		if err != nil {
			return err
		}

		total.added += counts.added
		total.existed += counts.existed
		total.corrupt += counts.corrupt

		fmt.Fprintf(cmd.OutOrStdout(), "  %s: %d new, %d already existed\n", srcPath, counts.added, counts.existed)
		if counts.corrupt > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s: skipped %d nodes with mismatched hashes\n", srcPath, counts.corrupt)
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Merged %d new nodes from %d sources (%d already existed) into %s\n",
		total.added, len(sources), total.existed, targetPath)

	return nil
}

// mergeSource copies every node of the database at srcPath into target.
// List returns parents before children, so ancestry stays intact.
func mergeSource(ctx context.Context, target merkle.Storer, srcPath string) (mergeCounts, error) {
	var counts mergeCounts

	source, err := merkle.NewSQLiteStorer(srcPath)
	if err != nil {
		return counts, fmt.Errorf("could not open source database %s: %w", srcPath, err)
	}
	defer source.Close()

	nodes, err := source.List(ctx)
	if err != nil {
		return counts, fmt.Errorf("could not list nodes from %s: %w", srcPath, err)
	}

	for _, n := range nodes {
		if !n.Verify() {
			counts.corrupt++
			continue
		}

		isNew, err := target.Put(ctx, n)
		if err != nil {
			return counts, fmt.Errorf("could not put node %s: %w", n.Hash, err)
		}
		if isNew {
			counts.added++
		} else {
			counts.existed++
		}
	}

	return counts, nil
}
