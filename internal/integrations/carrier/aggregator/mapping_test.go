package aggregator

import (
	"testing"
	"time"

	"github.com/michaelmichaeli/mailtrack/internal/models"
	"github.com/stretchr/testify/require"
)

func TestMapStage(t *testing.T) {
	require.Equal(t, models.StatusDelivered, mapStage("Delivered", ""))
	require.Equal(t, models.StatusDelivered, mapStage("", "delivered to mailbox"))
	require.Equal(t, models.StatusOutForDelivery, mapStage("Out for Delivery", ""))
	require.Equal(t, models.StatusException, mapStage("Exception", "failed attempt"))
	require.Equal(t, models.StatusReturned, mapStage("Returned", ""))
	require.Equal(t, models.StatusShipped, mapStage("Picked Up", ""))
	// Неизвестная стадия трактуется как движение.
	require.Equal(t, models.StatusInTransit, mapStage("weird stage", ""))
}

func TestMapStage_terminalBeatsGeneric(t *testing.T) {
	// "delivered" проверяется раньше "in transit".
	require.Equal(t, models.StatusDelivered, mapStage("In Transit", "delivered"))
}

func TestSplitLocation(t *testing.T) {
	loc, rest := splitLocation("NEW YORK, NY - Arrived at facility")
	require.NotNil(t, loc)
	require.Equal(t, "NEW YORK, NY", *loc)
	require.Equal(t, "Arrived at facility", rest)

	// Разделение по последнему " - ": в названии места дефисы бывают.
	loc, rest = splitLocation("Saint-Denis - Hub 3 - Departed")
	require.NotNil(t, loc)
	require.Equal(t, "Saint-Denis - Hub 3", *loc)
	require.Equal(t, "Departed", rest)

	loc, rest = splitLocation("Shipment information received")
	require.Nil(t, loc)
	require.Equal(t, "Shipment information received", rest)
}

func TestNormalizeShipment(t *testing.T) {
	states := []aggState{
		{Date: "2026-01-22T10:00:00Z", Stage: "Out for Delivery", SubStatus: "", Status: "BOSTON, MA - Out for delivery"},
		{Date: "2026-01-21T08:00:00Z", Stage: "In Transit", SubStatus: "", Status: "NEW YORK, NY - Departed"},
	}
	got := normalizeShipment("ab123456789gb", "2026-01-23", "Locker 12, Main St", states)
	require.NotNil(t, got)
	require.Equal(t, "AB123456789GB", got.TrackingNumber)
	require.Equal(t, models.StatusOutForDelivery, got.Status)
	require.Len(t, got.Events, 2)
	require.Equal(t, "BOSTON, MA", *got.Events[0].Location)
	require.Equal(t, "Out for delivery", got.Events[0].Description)
	require.Equal(t, time.Date(2026, 1, 22, 10, 0, 0, 0, time.UTC), got.Events[0].EventTime)
	require.Equal(t, "BOSTON, MA", *got.LastLocation)
	require.NotNil(t, got.PickupLocation)
	require.NotNil(t, got.EstimatedDelivery)

	require.Nil(t, normalizeShipment("", "", "", nil))
	require.Nil(t, normalizeShipment("X", "", "", nil))
}
