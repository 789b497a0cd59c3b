package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramory-l/sockethub/membus"
)

func TestHealthLocal(t *testing.T) {
	f := newFixture(t)
	svc := f.start(f.config())

	first, _ := connect(t, svc, f.token("u1", "s1", time.Hour))
	second, _ := connect(t, svc, "")
	first.Join("chat:c1")
	second.Join("chat:c1")
	second.Join("user:u2")

	assert.Equal(t, HealthDetails{
		Ready:            true,
		ConnectedClients: 2,
		ActiveRooms:      2,
		Namespaces:       1,
		Scope:            ScopeLocal,
	}, svc.HealthDetails(context.Background()))
}

func TestHealthCluster(t *testing.T) {
	f := newFixture(t)
	network := membus.NewNetwork()

	a := f.start(f.clusterConfig(network))
	b := f.start(f.clusterConfig(network))

	onA, _ := connect(t, a, "")
	onA.Join("chat:a")
	onB, _ := connect(t, b, "")
	onB.Join("chat:b")
	_, _ = connect(t, b, "")

	health := a.HealthDetails(context.Background())
	assert.True(t, health.Ready)
	assert.Equal(t, ScopeCluster, health.Scope)
	assert.Equal(t, 1, health.ConnectedClients)
	assert.Equal(t, 2, health.ActiveRooms)
	assert.Equal(t, 1, health.Namespaces)
}

func TestHealthAfterClose(t *testing.T) {
	f := newFixture(t)
	svc := f.start(f.config())

	require.NoError(t, svc.Close())
	require.NoError(t, svc.Close())

	assert.Equal(t, HealthDetails{}, svc.HealthDetails(context.Background()))

	var nilService *Service
	assert.False(t, nilService.HealthDetails(context.Background()).Ready)
}

func TestWriteHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	writeHealth(rec, HealthDetails{Ready: true, ConnectedClients: 3, Scope: ScopeLocal})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"ready":true,"connectedClients":3,"activeRooms":0,"namespaces":0,"scope":"local"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	writeHealth(rec, HealthDetails{})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"ready":false,"connectedClients":0,"activeRooms":0,"namespaces":0}`, rec.Body.String())
}
