package render_test

import (
	"testing"

	"github.com/kiranshivaraju/renderflow/internal/config"
	"github.com/kiranshivaraju/renderflow/internal/render"
	"github.com/kiranshivaraju/renderflow/internal/render/httpbackend"
	"github.com/kiranshivaraju/renderflow/internal/render/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBackend_HTTP(t *testing.T) {
	b, err := render.NewBackend("render", config.BackendConfig{Provider: "http", BaseURL: "http://localhost:9000"})
	require.NoError(t, err)
	assert.Equal(t, "render", b.Name())
	assert.IsType(t, &httpbackend.Backend{}, b)
}

func TestNewBackend_Mock(t *testing.T) {
	b, err := render.NewBackend("llm", config.BackendConfig{Provider: "mock"})
	require.NoError(t, err)
	assert.Equal(t, "llm", b.Name())
	assert.IsType(t, &mock.Backend{}, b)
}

func TestNewBackend_Unknown(t *testing.T) {
	_, err := render.NewBackend("render", config.BackendConfig{Provider: "grpc"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "grpc")
}
