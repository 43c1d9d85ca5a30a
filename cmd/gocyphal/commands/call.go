package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/gocyphal/internal/dsdl"
	"github.com/dantte-lp/gocyphal/internal/presentation"
	"github.com/dantte-lp/gocyphal/internal/register"
	"github.com/dantte-lp/gocyphal/internal/transport"
)

// Services invocable from the CLI. Arbitrary DSDL types require generated
// packages, which the CLI cannot load at runtime in a static build; the
// standard introspection services are compiled in.
const (
	svcGetInfo        = "uavcan.node.GetInfo"
	svcRegisterList   = "uavcan.register.List"
	svcRegisterAccess = "uavcan.register.Access"
)

// callCmd invokes one of the standard services on a remote node.
func callCmd() *cobra.Command {
	var (
		timeout  time.Duration
		priority string
	)
	cmd := &cobra.Command{
		Use:   "call SERVER_NODE_ID SERVICE [ARGS...]",
		Short: "Invoke a standard service on a remote node",
		Long: "Invoke a standard service on a remote node. Supported services:\n" +
			"  " + svcGetInfo + "\n" +
			"  " + svcRegisterList + " INDEX\n" +
			"  " + svcRegisterAccess + " NAME [VALUE]",
		Args: rangeArgs(2, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			serverNodeID, err := parseNodeID(args[0])
			if err != nil {
				return err
			}
			prio, err := parsePriority(priority)
			if err != nil {
				return err
			}
			p, _, err := buildStack()
			if err != nil {
				return err
			}
			defer p.Close()

			var doc any
			switch args[1] {
			case svcGetInfo:
				doc, err = callGetInfo(cmd, p, serverNodeID, prio, timeout)
			case svcRegisterList:
				doc, err = callRegisterList(cmd, p, serverNodeID, prio, timeout, args[2:])
			case svcRegisterAccess:
				doc, err = callRegisterAccess(cmd, p, serverNodeID, prio, timeout, args[2:])
			default:
				return fmt.Errorf("%w: unsupported service %q", errUsage, args[1])
			}
			if err != nil {
				return err
			}
			out, err := render(doc, outputFormat)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", time.Second, "response timeout")
	cmd.Flags().StringVar(&priority, "priority", "nominal", "transfer priority (name or 0-7)")
	return cmd
}

func callGetInfo(
	cmd *cobra.Command,
	p *presentation.Presentation,
	server transport.NodeID,
	prio transport.Priority,
	timeout time.Duration,
) (any, error) {
	client, err := presentation.MakeClientWithFixedServiceID(p, dsdl.GetInfoType, server)
	if err != nil {
		return nil, err
	}
	defer client.Close()
	client.SetPriority(prio)
	if err := client.SetResponseTimeout(timeout); err != nil {
		return nil, err
	}
	resp, meta, err := client.Call(cmd.Context(), &dsdl.GetInfoRequest{})
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, fmt.Errorf("no response from node %s within %v", server, timeout)
	}
	return map[string]any{
		"protocol_version": fmt.Sprintf("%d.%d", resp.ProtocolVersionMajor, resp.ProtocolVersionMinor),
		"unique_id":        fmt.Sprintf("%x", resp.UniqueID),
		"name":             resp.Name,
	}, nil
}

func callRegisterList(
	cmd *cobra.Command,
	p *presentation.Presentation,
	server transport.NodeID,
	prio transport.Priority,
	timeout time.Duration,
	args []string,
) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("%w: %s requires INDEX", errUsage, svcRegisterList)
	}
	var index uint16
	if _, err := fmt.Sscanf(args[0], "%d", &index); err != nil {
		return nil, fmt.Errorf("%w: invalid index %q", errUsage, args[0])
	}
	client, err := presentation.MakeClientWithFixedServiceID(p, register.ListType, server)
	if err != nil {
		return nil, err
	}
	defer client.Close()
	client.SetPriority(prio)
	if err := client.SetResponseTimeout(timeout); err != nil {
		return nil, err
	}
	resp, meta, err := client.Call(cmd.Context(), &register.ListRequest{Index: index})
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, fmt.Errorf("no response from node %s within %v", server, timeout)
	}
	return map[string]any{"name": resp.Name}, nil
}

func callRegisterAccess(
	cmd *cobra.Command,
	p *presentation.Presentation,
	server transport.NodeID,
	prio transport.Priority,
	timeout time.Duration,
	args []string,
) (any, error) {
	if len(args) < 1 || len(args) > 2 {
		return nil, fmt.Errorf("%w: %s requires NAME [VALUE]", errUsage, svcRegisterAccess)
	}
	req := &register.AccessRequest{Name: args[0]}
	if len(args) == 2 {
		req.Value = register.NewString(args[1])
	}
	client, err := presentation.MakeClientWithFixedServiceID(p, register.AccessType, server)
	if err != nil {
		return nil, err
	}
	defer client.Close()
	client.SetPriority(prio)
	if err := client.SetResponseTimeout(timeout); err != nil {
		return nil, err
	}
	resp, meta, err := client.Call(cmd.Context(), req)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, fmt.Errorf("no response from node %s within %v", server, timeout)
	}
	return map[string]any{
		"mutable":    resp.Mutable,
		"persistent": resp.Persistent,
		"kind":       resp.Value.Kind().String(),
		"value":      resp.Value.String(),
	}, nil
}
