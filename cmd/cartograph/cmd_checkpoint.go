package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cartograph/cartograph/internal/checkpoint"
	perrors "github.com/cartograph/cartograph/internal/errors"
)

func newCheckpointCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect or override the consumer group checkpoint",
	}
	cmd.AddCommand(newCheckpointShowCmd(root), newCheckpointResetCmd(root), newCheckpointGroupsCmd(root))
	return cmd
}

func newCheckpointShowCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the committed offset of every partition",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := checkpoint.Open(cmd.Context(), cfg.CheckpointStoreURI)
			if err != nil {
				return perrors.NewCheckpointUnavailable("failed to open checkpoint store", err)
			}
			defer store.Close()

			cp, err := store.Load(cmd.Context(), cfg.ConsumerGroup)
			if err != nil {
				return perrors.NewCheckpointUnavailable("failed to load checkpoint", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "group: %s\n", cfg.ConsumerGroup)
			if len(cp) == 0 {
				fmt.Fprintln(out, "no committed offsets")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PARTITION\tOFFSET")
			for _, p := range cp.Partitions() {
				fmt.Fprintf(w, "%d\t%d\n", p, cp[p])
			}
			return w.Flush()
		},
	}
}

func newCheckpointGroupsCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "groups",
		Short: "List the consumer groups with a stored checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := checkpoint.Open(cmd.Context(), cfg.CheckpointStoreURI)
			if err != nil {
				return perrors.NewCheckpointUnavailable("failed to open checkpoint store", err)
			}
			defer store.Close()

			lister, ok := store.(checkpoint.GroupLister)
			if !ok {
				return fmt.Errorf("checkpoint store %s cannot list groups", cfg.CheckpointStoreURI)
			}
			groups, err := lister.Groups(cmd.Context())
			if err != nil {
				return perrors.NewCheckpointUnavailable("failed to list groups", err)
			}
			for _, g := range groups {
				fmt.Fprintln(cmd.OutOrStdout(), g)
			}
			return nil
		},
	}
}

func newCheckpointResetCmd(root *rootOptions) *cobra.Command {
	var (
		partition int
		offset    uint64
	)
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Set a partition's committed offset; records after it are re-ingested",
		Long: `reset overwrites the committed offset of one partition, moving it
backwards or forwards. Stop the ingestion service first: a running
service keeps its own in-memory watermark.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig(cmd)
			if err != nil {
				return err
			}
			if partition < 0 {
				return fmt.Errorf("--partition must not be negative")
			}
			store, err := checkpoint.Open(cmd.Context(), cfg.CheckpointStoreURI)
			if err != nil {
				return perrors.NewCheckpointUnavailable("failed to open checkpoint store", err)
			}
			defer store.Close()

			if err := store.Reset(cmd.Context(), cfg.ConsumerGroup, partition, offset); err != nil {
				return perrors.NewCheckpointUnavailable("failed to reset checkpoint", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "group %s partition %d reset to offset %d\n",
				cfg.ConsumerGroup, partition, offset)
			return nil
		},
	}
	cmd.Flags().IntVar(&partition, "partition", 0, "Partition to reset")
	cmd.Flags().Uint64Var(&offset, "offset", 0, "Offset to commit (0 = replay from the beginning)")
	cmd.MarkFlagRequired("partition")
	cmd.MarkFlagRequired("offset")
	return cmd
}
