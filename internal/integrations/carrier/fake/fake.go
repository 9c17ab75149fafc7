package fake

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/michaelmichaeli/mailtrack/internal/models"
)

// FakeClient — детерминированная заглушка upstream-источника для
// локальных запусков без сети. Статус вычисляется по трек-номеру:
// часть посылок "доставлена", часть "в пути".
type FakeClient struct{}

func New() *FakeClient { return &FakeClient{} }

func (f *FakeClient) Fetch(ctx context.Context, trackingNumber, carrierCode string) (*models.CarrierFetchResult, error) {
	now := time.Now().UTC()

	h := fnv.New32a()
	_, _ = h.Write([]byte(trackingNumber))
	v := h.Sum32()

	status := models.StatusInTransit
	if v%5 == 0 {
		status = models.StatusDelivered
	}

	loc := "SORT FACILITY"
	return &models.CarrierFetchResult{
		TrackingNumber: trackingNumber,
		Carrier:        carrierCode,
		Status:         status,
		LastLocation:   &loc,
		Events: []models.CarrierEvent{
			{
				Status:      status,
				EventTime:   now,
				Location:    &loc,
				Description: "fake carrier update",
			},
		},
	}, nil
}
