package commands

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/gocyphal/internal/dsdl"
	"github.com/dantte-lp/gocyphal/internal/presentation"
)

// publishCmd publishes real64 samples on a subject.
func publishCmd() *cobra.Command {
	var (
		count    int
		period   time.Duration
		priority string
	)
	cmd := &cobra.Command{
		Use:   "publish SUBJECT_ID VALUE",
		Short: "Publish uavcan.primitive.scalar.Real64 messages on a subject",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			subjectID, err := parseSubjectID(args[0])
			if err != nil {
				return err
			}
			value, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("%w: invalid value %q", errUsage, args[1])
			}
			prio, err := parsePriority(priority)
			if err != nil {
				return err
			}
			if count < 1 {
				return fmt.Errorf("%w: count must be >= 1", errUsage)
			}

			p, _, err := buildStack()
			if err != nil {
				return err
			}
			defer p.Close()

			pub, err := presentation.MakePublisher(p, dsdl.Real64Type, subjectID)
			if err != nil {
				return err
			}
			defer pub.Close()
			pub.SetPriority(prio)

			for i := range count {
				if i > 0 {
					time.Sleep(period)
				}
				ok, err := pub.Publish(cmd.Context(), &dsdl.Real64{Value: value})
				if err != nil {
					return fmt.Errorf("publish: %w", err)
				}
				if !ok {
					return fmt.Errorf("publish: send timed out")
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&count, "count", 1, "number of messages to publish")
	cmd.Flags().DurationVar(&period, "period", time.Second, "inter-message period")
	cmd.Flags().StringVar(&priority, "priority", "nominal", "transfer priority (name or 0-7)")
	return cmd
}

// subscribeCmd prints messages received on a subject.
func subscribeCmd() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "subscribe SUBJECT_ID",
		Short: "Print uavcan.primitive.scalar.Real64 messages received on a subject",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			subjectID, err := parseSubjectID(args[0])
			if err != nil {
				return err
			}
			p, _, err := buildStack()
			if err != nil {
				return err
			}
			defer p.Close()

			sub, err := presentation.MakeSubscriber(p, dsdl.Real64Type, subjectID)
			if err != nil {
				return err
			}
			defer sub.Close()

			for received := 0; count == 0 || received < count; {
				ctx, cancel := context.WithTimeout(cmd.Context(), time.Second)
				msg, meta, err := sub.Receive(ctx)
				cancel()
				if err != nil {
					return err
				}
				if meta == nil {
					if cmd.Context().Err() != nil {
						return nil
					}
					continue
				}
				received++
				doc := map[string]any{
					uint64(subjectID): map[string]any{
						"value":          msg.Value,
						"transfer_id":    meta.TransferID,
						"source_node_id": nodeIDDoc(meta.SourceNodeID),
						"priority":       meta.Priority.String(),
					},
				}
				out, err := render(doc, outputFormat)
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), out)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&count, "count", 0, "stop after this many messages (0 = run forever)")
	return cmd
}
