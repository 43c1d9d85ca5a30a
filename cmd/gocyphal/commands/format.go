package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dantte-lp/gocyphal/internal/transport"
)

const (
	formatYAML = "yaml"
	formatJSON = "json"
)

// errUnsupportedFormat is returned when the requested output format is not
// supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// render serializes an arbitrary document in the requested output format.
func render(doc any, format string) (string, error) {
	switch format {
	case formatYAML:
		out, err := yaml.Marshal(doc)
		if err != nil {
			return "", fmt.Errorf("render yaml: %w", err)
		}
		return string(out), nil
	case formatJSON:
		out, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return "", fmt.Errorf("render json: %w", err)
		}
		return string(out) + "\n", nil
	default:
		return "", fmt.Errorf("%w: %w: %q", errUsage, errUnsupportedFormat, format)
	}
}

// parsePriority maps a priority name or number to the transport level.
func parsePriority(s string) (transport.Priority, error) {
	if n, err := strconv.ParseUint(s, 10, 8); err == nil && n < transport.NumPriorityLevels {
		return transport.Priority(n), nil
	}
	for p := transport.PriorityExceptional; p <= transport.PriorityOptional; p++ {
		if strings.EqualFold(p.String(), s) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown priority %q", errUsage, s)
}

// parseSubjectID parses and range-checks a subject-ID argument.
func parseSubjectID(s string) (transport.SubjectID, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil || transport.SubjectID(n) > transport.MaxSubjectID {
		return 0, fmt.Errorf("%w: invalid subject-ID %q", errUsage, s)
	}
	return transport.SubjectID(n), nil
}

// parseNodeID parses and range-checks a node-ID argument.
func parseNodeID(s string) (transport.NodeID, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil || n >= 0xFFFF {
		return transport.NodeID{}, fmt.Errorf("%w: invalid node-ID %q", errUsage, s)
	}
	return transport.NewNodeID(uint16(n)), nil
}

// nodeIDDoc renders an optional node-ID for output documents.
func nodeIDDoc(id transport.NodeID) any {
	if v, ok := id.Get(); ok {
		return v
	}
	return nil
}
