// Package transport defines the abstract transport-layer contract of the
// Cyphal/UAVCAN v1.0 protocol stack: session specifiers, transfers, protocol
// parameters, the Transport/InputSession/OutputSession interfaces, and the
// capture/trace taxonomy used for promiscuous monitoring and postmortem
// analysis. Concrete transports (loopback, CAN, UDP, serial) and the redundant
// composite all honor this contract.
package transport
