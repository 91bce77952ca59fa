package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/scrypster/rapport/internal/engine"
	"github.com/scrypster/rapport/internal/queue"
)

var knownQueues = []string{engine.QueueIncoming, engine.QueueCognition, engine.QueueStatus}

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and feed the work queues",
	}
	cmd.AddCommand(newQueueStatsCmd())
	cmd.AddCommand(newQueueDeadLettersCmd())
	cmd.AddCommand(newQueueEnqueueCmd())
	return cmd
}

// withQueue opens the configured stores for the duration of fn.
func withQueue(cmd *cobra.Command, fn func(q queue.Store) error) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	if cfg.Queue.Backend == "memory" {
		return fmt.Errorf("queue commands need a durable backend, configured backend is %q", cfg.Queue.Backend)
	}
	st, err := openStores(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	return fn(st.queue)
}

func newQueueStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats [queue]",
		Short: "Print message counts per state",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			names := knownQueues
			if len(args) == 1 {
				names = args
			}
			return withQueue(cmd, func(q queue.Store) error {
				out := make([]queue.Stats, 0, len(names))
				for _, name := range names {
					s, err := q.Stats(cmd.Context(), name)
					if err != nil {
						return err
					}
					out = append(out, s)
				}
				return writeJSON(cmd.OutOrStdout(), out)
			})
		},
	}
}

func newQueueDeadLettersCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "dead-letters <queue>",
		Short: "List messages that exhausted their retries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd, func(q queue.Store) error {
				msgs, err := q.DeadLetters(cmd.Context(), args[0], limit)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), msgs)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum messages to list.")
	return cmd
}

func newQueueEnqueueCmd() *cobra.Command {
	var priority int
	cmd := &cobra.Command{
		Use:   "enqueue <queue> <json-payload>",
		Short: "Enqueue a message, e.g. a transport webhook body on incoming_messages",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload map[string]any
			if err := json.Unmarshal([]byte(args[1]), &payload); err != nil {
				return fmt.Errorf("payload must be a JSON object: %w", err)
			}
			return withQueue(cmd, func(q queue.Store) error {
				id, err := q.Enqueue(cmd.Context(), args[0], payload, queue.ClampPriority(priority))
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), id)
				return err
			})
		},
	}
	cmd.Flags().IntVar(&priority, "priority", queue.PriorityNormal,
		"Priority band, 1 (critical) to "+strconv.Itoa(queue.PriorityDeferred)+" (deferred).")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
