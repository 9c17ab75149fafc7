package pollingapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/michaelmichaeli/mailtrack/internal/models"
	"github.com/stretchr/testify/require"
)

type gateStub struct {
	allowed bool
	calls   int
}

func (g *gateStub) Allow(ctx context.Context, trackingNumber string, window time.Duration) (bool, error) {
	g.calls++
	return g.allowed, nil
}

func TestClient_Fetch_OK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/track.json", r.URL.Path)
		require.Equal(t, "1Z999AA10123456784", r.URL.Query().Get("number"))
		require.Equal(t, "ups", r.URL.Query().Get("carrier"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
  "status": "ok",
  "data": {
    "status": "InTransit",
    "estimatedDelivery": "2026-02-01",
    "events": [
      {"date":"2026-01-20 10:00:00","action":"SC_ACCEPTED","description":"Accepted at origin [NEW YORK]"},
      {"date":"2026-01-21 18:30:00","action":"GTMS_SIGNED","description":"Signed by recipient [BOSTON]"}
    ]
  }
}`))
	}))
	defer srv.Close()

	c := New(srv.URL, &gateStub{allowed: true})
	res, err := c.Fetch(context.Background(), "1Z999AA10123456784", models.CarrierUPS)
	require.NoError(t, err)
	require.NotNil(t, res)
	require.Equal(t, models.StatusInTransit, res.Status)
	require.NotNil(t, res.EstimatedDelivery)
	require.Len(t, res.Events, 2)

	// Тонкий код события переопределяет грубый статус отправления.
	require.Equal(t, models.StatusShipped, res.Events[0].Status)
	require.Equal(t, models.StatusDelivered, res.Events[1].Status)

	require.NotNil(t, res.Events[0].Location)
	require.Equal(t, "NEW YORK", *res.Events[0].Location)
	require.Equal(t, "BOSTON", *res.LastLocation)
	require.Equal(t, time.Date(2026, 1, 20, 10, 0, 0, 0, time.UTC), res.Events[0].EventTime)
}

func TestClient_Fetch_insideWindowIsNoop(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	g := &gateStub{allowed: false}
	c := New(srv.URL, g)
	res, err := c.Fetch(context.Background(), "X", "")
	require.NoError(t, err)
	require.Nil(t, res)
	require.Equal(t, 1, g.calls)
	require.False(t, called)
}

func TestClient_Fetch_softFailures(t *testing.T) {
	t.Run("non-2xx", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()
		res, err := New(srv.URL, &gateStub{allowed: true}).Fetch(context.Background(), "X", "")
		require.NoError(t, err)
		require.Nil(t, res)
	})

	t.Run("non-json", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("<html>maintenance</html>"))
		}))
		defer srv.Close()
		res, err := New(srv.URL, &gateStub{allowed: true}).Fetch(context.Background(), "X", "")
		require.NoError(t, err)
		require.Nil(t, res)
	})

	t.Run("empty events", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"status":"ok","data":{"status":"NotFound","events":[]}}`))
		}))
		defer srv.Close()
		res, err := New(srv.URL, &gateStub{allowed: true}).Fetch(context.Background(), "X", "")
		require.NoError(t, err)
		require.Nil(t, res)
	})
}

func TestMapEventStatus(t *testing.T) {
	require.Equal(t, models.StatusDelivered, mapEventStatus("gtms_signed", models.StatusInTransit))
	require.Equal(t, models.StatusInTransit, mapEventStatus("SOMETHING_ELSE", models.StatusInTransit))
	require.Equal(t, models.StatusInTransit, mapEventStatus("", models.StatusUnknown))
}

func TestBracketedLocation(t *testing.T) {
	require.Equal(t, "MOSCOW", bracketedLocation("Departed facility [MOSCOW]"))
	require.Equal(t, "", bracketedLocation("no location here"))
}
