package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/dsjohal14/seglog/internal/libs/config"
	"github.com/dsjohal14/seglog/internal/libs/obs"
	"github.com/dsjohal14/seglog/internal/wal"
)

// openLog loads configuration and opens the configured log directory. The
// background cleanup task stays disabled for one-shot commands.
func openLog(ctx context.Context) (*wal.Log, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	obs.InitLogger(cfg.LogLevel)

	opts := cfg.WALOptions()
	opts = append(opts,
		wal.WithLogger(obs.Logger("wal")),
		wal.WithSegmentCleanupInterval(0),
	)
	return wal.Open(ctx, cfg.DataDir, opts...)
}

func newAppendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "append [payload]",
		Short: "Append one record; payload from the argument or stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload []byte
			if len(args) == 1 {
				payload = []byte(args[0])
			} else {
				data, err := io.ReadAll(os.Stdin)
				if err != nil {
					return err
				}
				payload = data
			}

			l, err := openLog(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = l.Close() }()

			seq, ts, err := l.Append(cmd.Context(), payload)
			if err != nil {
				return err
			}
			if err := l.Flush(cmd.Context()); err != nil {
				return err
			}
			fmt.Printf("sequence_id=%d timestamp=%d\n", seq, ts)
			return nil
		},
	}
}

func newReadCmd() *cobra.Command {
	var (
		seq   uint64
		ts    int64
		limit int64
		watch bool
	)
	cmd := &cobra.Command{
		Use:   "read",
		Short: "Stream records to stdout",
		RunE: func(cmd *cobra.Command, _ []string) error {
			l, err := openLog(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = l.Close() }()

			opts := wal.ReadOptions{Limit: limit, Watch: watch}
			if cmd.Flags().Changed("seq") {
				opts.Position = wal.SequencePosition(seq)
			} else if cmd.Flags().Changed("ts") {
				opts.Position = wal.TimestampPosition(ts)
			}

			cur, err := l.Read(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer func() { _ = cur.Close() }()

			for cur.Next(cmd.Context()) {
				rec := cur.Record()
				fmt.Printf("%d\t%d\t%s\n", rec.Sequence, rec.Timestamp, rec.Payload())
				rec.Release()
			}
			if err := cur.Err(); err != nil && err != context.Canceled {
				return err
			}
			return nil
		},
	}
	cmd.Flags().Uint64Var(&seq, "seq", 0, "start at this sequence ID")
	cmd.Flags().Int64Var(&ts, "ts", 0, "start at this timestamp (unix nanoseconds)")
	cmd.Flags().Int64Var(&limit, "limit", -1, "stop after this many records")
	cmd.Flags().BoolVar(&watch, "watch", false, "keep streaming new records")
	return cmd
}

func newSegmentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "segments",
		Short: "List segment headers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			l, err := openLog(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = l.Close() }()

			infos, err := l.Segments(cmd.Context())
			if err != nil {
				return err
			}
			for _, info := range infos {
				state := "sealed"
				if info.Active {
					state = "active"
				}
				fmt.Printf("%s\t%s\tseq=[%d,%d]\tcount=%d\tbytes=%d\n",
					info.Path, state,
					info.Header.FirstSequence, info.Header.LastSequence,
					info.Header.MessageCount, info.Header.SizeBytes)
			}
			return nil
		},
	}
}

func newRolloverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rollover",
		Short: "Seal the active segment and start a new one",
		RunE: func(cmd *cobra.Command, _ []string) error {
			l, err := openLog(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = l.Close() }()
			return l.Rollover(cmd.Context())
		},
	}
}

func newCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Apply the retention policy now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			l, err := openLog(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = l.Close() }()
			return l.Cleanup(cmd.Context())
		},
	}
}
