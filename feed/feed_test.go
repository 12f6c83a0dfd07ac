package feed_test

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/agentpay/broker/feed"
)

func newTestServer(t *testing.T) (*httptest.Server, *feed.HTTPClient) {
	t.Helper()
	srv := feed.NewServer()
	r := chi.NewRouter()
	srv.RegisterRoutes(r)
	ts := httptest.NewServer(r)
	return ts, feed.NewHTTPClient(ts.URL)
}

func TestPostThenListRoundTrips(t *testing.T) {
	ts, client := newTestServer(t)
	defer ts.Close()

	item, err := client.Post(context.Background(), "Offering 5 AP to summarize. AgentPay. My ENS: alice.eth", "")
	require.NoError(t, err)
	require.NotEmpty(t, item.ID)
	require.Equal(t, item.ID, item.ThreadID)

	items, err := client.Items(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, item.ID, items[0].ID)
}

func TestPostRejectsEmptyText(t *testing.T) {
	ts, client := newTestServer(t)
	defer ts.Close()

	_, err := client.Post(context.Background(), "", "")
	require.Error(t, err)
}

func TestPostWithThreadIDPreserved(t *testing.T) {
	ts, client := newTestServer(t)
	defer ts.Close()

	first, err := client.Post(context.Background(), "I accept. My ENS: bob.eth", "")
	require.NoError(t, err)

	reply, err := client.Post(context.Background(), "follow up", first.ThreadID)
	require.NoError(t, err)
	require.Equal(t, first.ThreadID, reply.ThreadID)
}
