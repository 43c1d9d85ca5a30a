package register

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dantte-lp/gocyphal/internal/presentation"
)

// Server exposes a registry on the network through the standard register
// services: List resolves indexes to names (empty when out of range) and
// Access reads or writes registers with automatic cross-type conversion
// respecting the stored type. Writes to immutable registers silently leave
// the value unchanged and return the current state.
type Server struct {
	list   *presentation.Server[*ListRequest, *ListResponse]
	access *presentation.Server[*AccessRequest, *AccessResponse]
	logger *slog.Logger
}

// StartServer installs the register services on the presentation controller
// and starts serving in the background.
func StartServer(p *presentation.Presentation, reg *Registry, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{logger: logger.With(slog.String("component", "register.server"))}

	list, err := presentation.GetServerWithFixedServiceID(p, ListType)
	if err != nil {
		return nil, err
	}
	s.list = list

	access, err := presentation.GetServerWithFixedServiceID(p, AccessType)
	if err != nil {
		_ = list.Close()
		return nil, err
	}
	s.access = access

	list.ServeInBackground(func(
		_ context.Context, req *ListRequest, _ presentation.ServiceRequestMetadata,
	) (*ListResponse, error) {
		return &ListResponse{Name: reg.Index(int(req.Index))}, nil
	})
	access.ServeInBackground(func(
		_ context.Context, req *AccessRequest, meta presentation.ServiceRequestMetadata,
	) (*AccessResponse, error) {
		return s.handleAccess(reg, req, meta), nil
	})
	return s, nil
}

func (s *Server) handleAccess(
	reg *Registry,
	req *AccessRequest,
	meta presentation.ServiceRequestMetadata,
) *AccessResponse {
	if !req.Value.IsEmpty() {
		if err := reg.Set(req.Name, req.Value); err != nil {
			// The register protocol reports write failures implicitly: the
			// response carries the unchanged current state.
			s.logger.Debug("register write rejected",
				slog.String("name", req.Name),
				slog.Uint64("client_node_id", uint64(meta.ClientNodeID)),
				slog.String("error", err.Error()),
			)
			if errors.Is(err, ErrMissingRegister) {
				return &AccessResponse{}
			}
		}
	}
	value, flags, ok := reg.Get(req.Name)
	if !ok {
		return &AccessResponse{}
	}
	return &AccessResponse{
		Mutable:    flags.Mutable,
		Persistent: flags.Persistent,
		Value:      value,
	}
}

// Close stops both services.
func (s *Server) Close() error {
	err := s.list.Close()
	if e := s.access.Close(); e != nil && err == nil {
		err = e
	}
	return err
}
