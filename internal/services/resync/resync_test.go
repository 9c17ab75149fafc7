package resync

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/michaelmichaeli/mailtrack/internal/broker/messages"
	"github.com/michaelmichaeli/mailtrack/internal/models"
	"github.com/stretchr/testify/require"
)

type fakeProducer struct {
	topic string
	key   []byte
	value []byte
	calls int
	err   error
}

func (p *fakeProducer) Publish(ctx context.Context, topic string, key, value []byte) error {
	p.calls++
	p.topic, p.key, p.value = topic, key, value
	return p.err
}

type fakeRL struct {
	allowed bool
	count   int64
	err     error
}

func (r fakeRL) Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error) {
	return r.allowed, r.count, r.err
}

type fakeCarrier struct {
	res *models.CarrierFetchResult
	err error
}

func (c fakeCarrier) Fetch(ctx context.Context, trackingNumber, carrierCode string) (*models.CarrierFetchResult, error) {
	return c.res, c.err
}

type countingCarrier struct {
	calls int
}

func (c *countingCarrier) Fetch(ctx context.Context, trackingNumber, carrierCode string) (*models.CarrierFetchResult, error) {
	c.calls++
	return nil, nil
}

func TestWorker_processOne_okPublishes(t *testing.T) {
	now := time.Now().UTC()
	loc := "Memphis, TN"
	fp := &fakeProducer{}
	w := New(nil, fakeCarrier{
		res: &models.CarrierFetchResult{
			TrackingNumber: "N",
			Carrier:        models.CarrierFedEx,
			Status:         models.StatusInTransit,
			LastLocation:   &loc,
			Events: []models.CarrierEvent{
				{Status: models.StatusInTransit, EventTime: now, Description: "Departed FedEx hub"},
			},
		},
	}, fp, fakeRL{allowed: true}, "mailtrack.package.updated").
		WithInterRequestDelay(time.Millisecond)

	pkg := &models.Package{ID: 42, UserID: 7, Carrier: models.CarrierFedEx, TrackingNumber: "N"}
	require.NoError(t, w.processOne(context.Background(), pkg))
	require.Equal(t, 1, fp.calls)
	require.Equal(t, "mailtrack.package.updated", fp.topic)

	var msg messages.PackageUpdated
	require.NoError(t, json.Unmarshal(fp.value, &msg))
	require.Equal(t, uint64(42), msg.PackageID)
	require.Equal(t, "N", msg.TrackingNumber)
	require.Equal(t, models.StatusInTransit, msg.Status)
	require.Len(t, msg.Events, 1)
	require.Nil(t, msg.Error)
}

func TestWorker_processOne_errorBackoff(t *testing.T) {
	fp := &fakeProducer{}
	w := New(nil, fakeCarrier{err: errors.New("boom")}, fp, nil, "mailtrack.package.updated").
		WithInterRequestDelay(time.Millisecond)
	pkg := &models.Package{ID: 1, Carrier: models.CarrierUPS, TrackingNumber: "N", CheckFailCount: 2}
	require.NoError(t, w.processOne(context.Background(), pkg))
	require.Equal(t, 1, fp.calls)

	var msg messages.PackageUpdated
	require.NoError(t, json.Unmarshal(fp.value, &msg))
	require.NotNil(t, msg.Error)
	require.Equal(t, "boom", *msg.Error)
	// третий провал подряд: backoff 30 минут
	require.WithinDuration(t, time.Now().UTC().Add(30*time.Minute), msg.NextCheckAt, 5*time.Second)
}

func TestWorker_processOne_nilResultKeepsStatus(t *testing.T) {
	fp := &fakeProducer{}
	w := New(nil, fakeCarrier{}, fp, nil, "t").WithInterRequestDelay(time.Millisecond)
	pkg := &models.Package{ID: 1, Carrier: models.CarrierUPS, TrackingNumber: "N", Status: models.StatusInTransit}
	require.NoError(t, w.processOne(context.Background(), pkg))

	var msg messages.PackageUpdated
	require.NoError(t, json.Unmarshal(fp.value, &msg))
	require.Nil(t, msg.Error)
	require.Equal(t, models.StatusInTransit, msg.Status)
	require.Empty(t, msg.Events)
}

func TestWorker_processOne_rateLimitDeniedSkipsFetch(t *testing.T) {
	fp := &fakeProducer{}
	fc := &countingCarrier{}
	w := New(nil, fc, fp, fakeRL{allowed: false, count: 121}, "t").
		WithInterRequestDelay(time.Millisecond)

	pkg := &models.Package{ID: 1, Carrier: models.CarrierUPS, TrackingNumber: "N"}
	require.NoError(t, w.processOne(context.Background(), pkg))

	// Лимит выбран: ни запроса к перевозчику, ни публикации. Посылка
	// вернётся по истечении lease.
	require.Zero(t, fc.calls)
	require.Zero(t, fp.calls)
}

func TestWorker_WithSettings(t *testing.T) {
	w := New(nil, fakeCarrier{}, &fakeProducer{}, nil, "t").
		WithSettings(5*time.Second, 7, 9, 11*time.Second, 13).
		WithInterRequestDelay(42 * time.Millisecond)
	require.Equal(t, 5*time.Second, w.pollInterval)
	require.Equal(t, 7, w.batchSize)
	require.Equal(t, 9, w.concurrency)
	require.Equal(t, 11*time.Second, w.lease)
	require.Equal(t, int64(13), w.rateLimitPerMinute)
	require.Equal(t, 42*time.Millisecond, w.interRequestDelay)
}

type fakeRepo struct {
	calls int
}

func (r *fakeRepo) ClaimDuePackages(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.Package, error) {
	r.calls++
	return []*models.Package{}, nil
}

func TestWorker_Run_StopsOnContextCancel(t *testing.T) {
	repo := &fakeRepo{}
	w := New(repo, fakeCarrier{}, &fakeProducer{}, nil, "t").
		WithSettings(5*time.Millisecond, 1, 1, time.Second, 1)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := w.Run(ctx)
	require.Error(t, err)
	require.GreaterOrEqual(t, repo.calls, 1)
}
