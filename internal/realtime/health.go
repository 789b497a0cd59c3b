package realtime

import (
	"context"
	"encoding/json"
	"net/http"
)

// Scope says how far a health figure reaches.
type Scope string

const (
	// ScopeCluster figures cover every instance reachable over the bus.
	ScopeCluster Scope = "cluster"
	// ScopeLocal figures cover this instance only.
	ScopeLocal Scope = "local"
)

// HealthDetails describes the realtime layer. ConnectedClients is always
// local to this instance; ActiveRooms and Namespaces follow Scope.
type HealthDetails struct {
	Ready            bool  `json:"ready"`
	ConnectedClients int   `json:"connectedClients"`
	ActiveRooms      int   `json:"activeRooms"`
	Namespaces       int   `json:"namespaces"`
	Scope            Scope `json:"scope,omitempty"`
}

// HealthDetails reports the service state. Any failure to read it reports
// not ready.
func (s *Service) HealthDetails(ctx context.Context) HealthDetails {
	if s == nil || s.server == nil || s.closed.Load() {
		return HealthDetails{}
	}

	adapter := s.ns.Adapter()

	rooms, err := adapter.AllRooms(ctx)
	if err != nil {
		s.logger.Warn("Failed to read rooms for health", "error", err)
		return HealthDetails{}
	}
	namespaces, err := adapter.Namespaces(ctx)
	if err != nil {
		s.logger.Warn("Failed to read namespaces for health", "error", err)
		return HealthDetails{}
	}

	scope := ScopeLocal
	if adapter.Clustered() {
		scope = ScopeCluster
	}

	return HealthDetails{
		Ready:            true,
		ConnectedClients: s.server.ConnectedClients(),
		ActiveRooms:      len(rooms),
		Namespaces:       len(namespaces),
		Scope:            scope,
	}
}

func writeHealth(w http.ResponseWriter, details HealthDetails) {
	w.Header().Set("Content-Type", "application/json")
	if !details.Ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(details)
}
