package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/gocyphal/internal/dsdl"
	"github.com/dantte-lp/gocyphal/internal/presentation"
	"github.com/dantte-lp/gocyphal/internal/transport/redundant"
)

// pickNodeIDCmd listens for heartbeats and prints an unoccupied node-ID.
func pickNodeIDCmd() *cobra.Command {
	var listenFor time.Duration
	cmd := &cobra.Command{
		Use:   "pick-node-id",
		Short: "Pick an unoccupied node-ID by listening for heartbeats",
		Long: "Subscribes to uavcan.node.Heartbeat for a while, collects the node-IDs of\n" +
			"live nodes and prints the lowest unoccupied value. Note that this is\n" +
			"vulnerable to race conditions; the plug-and-play allocator is the\n" +
			"authoritative mechanism.",
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, _, err := buildStack()
			if err != nil {
				return err
			}
			defer p.Close()

			sub, err := presentation.MakeSubscriberWithFixedSubjectID(p, dsdl.HeartbeatType)
			if err != nil {
				return err
			}
			defer sub.Close()

			occupied := make(map[uint16]bool)
			deadline := time.Now().Add(listenFor)
			for time.Now().Before(deadline) {
				ctx, cancel := context.WithDeadline(cmd.Context(), deadline)
				_, meta, err := sub.Receive(ctx)
				cancel()
				if err != nil {
					return err
				}
				if meta == nil {
					break
				}
				if nid, ok := meta.SourceNodeID.Get(); ok {
					occupied[nid] = true
				}
			}

			maxNodes := p.Transport().ProtocolParameters().MaxNodes
			for candidate := range maxNodes {
				if !occupied[uint16(candidate)] {
					fmt.Fprintln(cmd.OutOrStdout(), candidate)
					return nil
				}
			}
			return fmt.Errorf("no unoccupied node-ID below %d", maxNodes)
		},
	}
	cmd.Flags().DurationVar(&listenFor, "listen-for", 3*time.Second,
		"how long to listen for heartbeats")
	return cmd
}

// showTransportCmd prints the transport configuration and statistics.
func showTransportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show-transport",
		Short: "Print the register-configured transport parameters and statistics",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, _, err := buildStack()
			if err != nil {
				return err
			}
			defer p.Close()

			tr := p.Transport()
			params := tr.ProtocolParameters()
			localNodeID, err := tr.LocalNodeID()
			if err != nil {
				return err
			}
			doc := map[string]any{
				"local_node_id": nodeIDDoc(localNodeID),
				"protocol_parameters": map[string]any{
					"transfer_id_modulo": params.TransferIDModulo,
					"max_nodes":          params.MaxNodes,
					"mtu":                params.MTU,
				},
				"monotonic_transfer_id": params.TransferIDModulo >= redundant.MonotonicTransferIDModuloThreshold,
				"statistics":            fmt.Sprintf("%+v", tr.SampleStatistics()),
			}
			if group, ok := tr.(*redundant.Transport); ok {
				doc["inferiors"] = len(group.Inferiors())
			}
			out, err := render(doc, outputFormat)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), out)
			return nil
		},
	}
}
