package status_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshdash/internal/api"
	"meshdash/internal/gateway"
	"meshdash/internal/mockapi"
	"meshdash/internal/status"
)

func TestAggregator_AgainstMockBackend(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	stub := mockapi.New(logger)
	server := httptest.NewServer(stub.Handler())
	defer server.Close()

	var notices []gateway.Notice
	gw := gateway.New(gateway.Options{
		BaseURL:  server.URL,
		Timeout:  time.Second,
		Logger:   logger,
		Notifier: gateway.NotifierFunc(func(n gateway.Notice) { notices = append(notices, n) }),
	})
	client := api.NewClient(gw)
	agg := status.New(client, []string{"coordinator", "researcher", "coder"}, logger)

	first := agg.Refresh(context.Background())
	require.True(t, first.Online)
	require.Len(t, first.Agents, 3)

	_, f := client.Query(context.Background(), api.QueryRequest{Query: "q", ForceAllAgents: true})
	require.Nil(t, f)
	stub.Inject(mockapi.EndpointCircuit, "researcher", mockapi.Fault{Status: http.StatusInternalServerError})

	second := agg.Refresh(context.Background())
	assert.True(t, second.Online)
	assert.Equal(t, first.Agents["researcher"], second.Agents["researcher"])
	assert.True(t, second.Agents["coder"].TotalCost.IsPositive())
	assert.True(t, second.Agents["coordinator"].TotalCost.IsPositive())
	assert.Contains(t, second.LastCycle.Failed, "researcher")
	assert.Empty(t, notices, "polling is quiet")

	stub.Inject(mockapi.EndpointCost, "", mockapi.Fault{Status: http.StatusServiceUnavailable})
	third := agg.Refresh(context.Background())
	assert.False(t, third.Online)
	assert.Equal(t, second.Agents, third.Agents)
}
