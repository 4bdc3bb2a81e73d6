// Package render constructs the execution backends jobs and generations are dispatched to.
package render

import (
	"fmt"

	"github.com/kiranshivaraju/renderflow/internal/config"
	"github.com/kiranshivaraju/renderflow/internal/render/httpbackend"
	"github.com/kiranshivaraju/renderflow/internal/render/mock"
	"github.com/kiranshivaraju/renderflow/pkg/models"
)

// NewBackend constructs the backend named by cfg.Provider.
// Called once per backend at server startup.
func NewBackend(name string, cfg config.BackendConfig) (models.Backend, error) {
	switch cfg.Provider {
	case "http":
		return httpbackend.New(name, cfg), nil
	case "mock":
		return mock.NewBackend(name), nil
	default:
		return nil, fmt.Errorf("unknown backend provider %q for %s: must be one of http, mock", cfg.Provider, name)
	}
}
