package register

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/dantte-lp/gocyphal/internal/transport"
	"github.com/dantte-lp/gocyphal/internal/transport/loopback"
	"github.com/dantte-lp/gocyphal/internal/transport/redundant"
)

// Factory sentinel errors.
var (
	// ErrNoTransportsConfigured indicates the registers configure no
	// usable transport.
	ErrNoTransportsConfigured = errors.New("no transports configured via registers")

	// ErrTransportUnavailable indicates the configured transport kind is
	// not compiled into this binary. Unavailable transports simply do not
	// appear in the factory output; this error is logged, never returned.
	// When nothing else is configured, MakeTransport returns
	// ErrNoTransportsConfigured.
	ErrTransportUnavailable = errors.New("transport is not available in this build")
)

// AnonymousNodeID is the register value denoting the anonymous state for
// uavcan.node.id.
const AnonymousNodeID uint64 = 0xFFFF

// PnPMTUThresholdV2 is the MTU at or above which a plug-and-play allocatee
// should select the v2 (full unique-ID) allocation message; below it the v1
// pseudo-unique-id hash variant fits the transport. The allocatee is
// expected to re-evaluate if the MTU changes at runtime.
const PnPMTUThresholdV2 uint32 = 64

// Standard register names consumed by the factory.
const (
	regNodeID              = "uavcan.node.id"
	regNodeUniqueID        = "uavcan.node.unique_id"
	regLoopback            = "uavcan.loopback"
	regUDPIface            = "uavcan.udp.iface"
	regSerialIface         = "uavcan.serial.iface"
	regCANIface            = "uavcan.can.iface"
	regCANMTU              = "uavcan.can.mtu"
	regCANBitrate          = "uavcan.can.bitrate"
	regDiagnosticSeverity  = "uavcan.diagnostic.severity"
	regDiagnosticTimestamp = "uavcan.diagnostic.timestamp"
)

// MakeTransport constructs a transport from the standard registers:
//
//   - uavcan.node.id        local node-ID; 0xFFFF or out-of-range means anonymous
//   - uavcan.node.unique_id 16-byte unique identifier, auto-generated if absent
//   - uavcan.loopback       when set, a loopback test transport is constructed
//   - uavcan.udp.iface      whitespace-separated UDP endpoints
//   - uavcan.serial.iface   whitespace-separated serial ports
//   - uavcan.can.iface      CAN interfaces (with uavcan.can.mtu / .bitrate)
//
// When more than one transport results, they are wrapped into a redundant
// group. Transport kinds that are not compiled into the binary are skipped
// with a log entry, mirroring the behavior of optional-dependency builds.
// Returns ErrNoTransportsConfigured when nothing usable is configured.
func MakeTransport(reg *Registry, logger *slog.Logger) (transport.Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nodeID, err := nodeIDFromRegisters(reg)
	if err != nil {
		return nil, err
	}
	if _, err := UniqueID(reg); err != nil {
		return nil, err
	}

	var transports []transport.Transport

	lb, err := reg.SetDefault(regLoopback, NewBit(false), Flags{Mutable: true, Persistent: true})
	if err != nil {
		return nil, err
	}
	if bs := lb.Bools(); len(bs) > 0 && bs[0] {
		transports = append(transports, loopback.New(nodeID, loopback.WithLogger(logger)))
	}

	for _, unavailable := range []struct{ register, kind string }{
		{regUDPIface, "udp"},
		{regSerialIface, "serial"},
		{regCANIface, "can"},
	} {
		v, err := reg.SetDefault(unavailable.register, NewString(""), Flags{Mutable: true, Persistent: true})
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(v.String()) != "" {
			logger.Warn("configured transport skipped",
				slog.String("kind", unavailable.kind),
				slog.String("register", unavailable.register),
				slog.String("error", ErrTransportUnavailable.Error()),
			)
		}
	}
	// The link-parameter registers exist even when the CAN transport does
	// not, so configuration written for a full build round-trips intact.
	if _, err := reg.SetDefault(regCANMTU, NewNatural16(64), Flags{Mutable: true, Persistent: true}); err != nil {
		return nil, err
	}
	if _, err := reg.SetDefault(regCANBitrate, NewNatural16(0, 0), Flags{Mutable: true, Persistent: true}); err != nil {
		return nil, err
	}
	if _, err := reg.SetDefault(regDiagnosticSeverity, NewNatural8(0), Flags{Mutable: true, Persistent: true}); err != nil {
		return nil, err
	}
	if _, err := reg.SetDefault(regDiagnosticTimestamp, NewBit(false), Flags{Mutable: true, Persistent: true}); err != nil {
		return nil, err
	}

	switch len(transports) {
	case 0:
		return nil, ErrNoTransportsConfigured
	case 1:
		return transports[0], nil
	default:
		group := redundant.New(redundant.WithLogger(logger))
		for _, tr := range transports {
			if err := group.AttachInferior(tr); err != nil {
				_ = group.Close()
				return nil, fmt.Errorf("assemble redundant group: %w", err)
			}
		}
		return group, nil
	}
}

// nodeIDFromRegisters resolves uavcan.node.id: 0xFFFF or an out-of-range
// value means anonymous.
func nodeIDFromRegisters(reg *Registry) (transport.NodeID, error) {
	v, err := reg.SetDefault(regNodeID, NewNatural16(AnonymousNodeID), Flags{Mutable: true, Persistent: true})
	if err != nil {
		return transport.NodeID{}, err
	}
	us := v.Uints()
	if len(us) == 0 || us[0] >= AnonymousNodeID {
		return transport.NodeID{}, nil
	}
	return transport.NewNodeID(uint16(us[0])), nil
}

// UniqueID returns the node's globally-unique 16-byte identifier from
// uavcan.node.unique_id, generating and storing a random one if absent.
func UniqueID(reg *Registry) ([16]byte, error) {
	generated := uuid.New()
	v, err := reg.SetDefault(regNodeUniqueID, NewUnstructured(generated[:]),
		Flags{Mutable: false, Persistent: true})
	if err != nil {
		return [16]byte{}, err
	}
	var out [16]byte
	copy(out[:], v.Bytes())
	return out, nil
}

// PortIDFromRegisters resolves the port-ID of a named port from the
// standard introspection registers, creating them when absent:
// uavcan.<kind>.<name>.id (natural16, 0xFFFF when unset) and
// uavcan.<kind>.<name>.type (immutable string). Kind is one of "pub",
// "sub", "srv", "cln".
func PortIDFromRegisters(reg *Registry, kind, name, typeName string, defaultID uint16) (uint16, bool, error) {
	idReg := fmt.Sprintf("uavcan.%s.%s.id", kind, name)
	typeReg := fmt.Sprintf("uavcan.%s.%s.type", kind, name)
	v, err := reg.SetDefault(idReg, NewNatural16(uint64(defaultID)), Flags{Mutable: true, Persistent: true})
	if err != nil {
		return 0, false, err
	}
	if _, err := reg.SetDefault(typeReg, NewString(typeName), Flags{Mutable: false, Persistent: true}); err != nil {
		return 0, false, err
	}
	us := v.Uints()
	if len(us) == 0 || us[0] >= AnonymousNodeID {
		return 0, false, nil
	}
	return uint16(us[0]), true, nil
}
