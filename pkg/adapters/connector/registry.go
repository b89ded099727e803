package connector

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/pipeflow-io/pipeflow-engine/pkg/ratelimit"
	"github.com/pipeflow-io/pipeflow-engine/pkg/store"
)

// Registry maps a source type to its connector. Constructed explicitly at
// startup and passed by reference so tests can build isolated registries with
// fakes; there is no process-global instance.
type Registry struct {
	connectors map[string]Connector
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{connectors: make(map[string]Connector)}
}

// Register adds a connector. Registering the same type twice is a programming
// error and panics at startup.
func (r *Registry) Register(c Connector) {
	if _, exists := r.connectors[c.Type()]; exists {
		panic(fmt.Sprintf("connector for %q registered twice", c.Type()))
	}
	r.connectors[c.Type()] = c
}

// Get returns the connector for a source type.
func (r *Registry) Get(sourceType string) (Connector, error) {
	c, ok := r.connectors[sourceType]
	if !ok {
		return nil, fmt.Errorf("no connector registered for source type %q", sourceType)
	}
	return c, nil
}

// Types returns the registered source types.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.connectors))
	for t := range r.connectors {
		types = append(types, t)
	}
	return types
}

// NewDefaultRegistry wires up every built-in connector.
func NewDefaultRegistry(s store.Store, limiters *ratelimit.Registry, logger *zap.Logger) *Registry {
	r := NewRegistry()
	r.Register(NewPostgresConnector(s, logger))
	r.Register(NewMSSQLConnector(s, logger))
	r.Register(NewMongoDBConnector(s, logger))
	r.Register(NewExcelConnector(s, logger))
	r.Register(NewPDFConnector(s, logger))
	r.Register(NewGoogleAnalyticsConnector(s, limiters, logger))
	r.Register(NewGoogleAdsConnector(s, limiters, logger))
	r.Register(NewGoogleAdManagerConnector(s, limiters, logger))
	r.Register(NewMetaAdsConnector(s, limiters, logger))
	return r
}
