package shipments

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/michaelmichaeli/mailtrack/internal/broker/messages"
	"github.com/michaelmichaeli/mailtrack/internal/models"
	"github.com/michaelmichaeli/mailtrack/internal/storage/pgshipments"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	orders   map[string]*models.Order
	packages map[string]*models.Package
	nextID   uint64

	// hideLookup имитирует гонку: поиск по трек-номеру промахивается,
	// хотя строка уже есть и create-or-get её вернёт.
	hideLookup bool

	createPkgIn []models.PackageCreateInput
	updatedPkg  *models.Package
	updatedOrd  *models.Order
	applyUpd    *pgshipments.PackageUpdate
	refreshID   uint64
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		orders:   map[string]*models.Order{},
		packages: map[string]*models.Package{},
		nextID:   1,
	}
}

func (f *fakeRepo) GetOrderByExternalKey(_ context.Context, _ uint64, key string) (*models.Order, error) {
	return f.orders[key], nil
}
func (f *fakeRepo) CreateOrder(_ context.Context, o *models.Order) (*models.Order, error) {
	o.ID = f.nextID
	f.nextID++
	f.orders[o.ExternalKey] = o
	return o, nil
}
func (f *fakeRepo) UpdateOrder(_ context.Context, o *models.Order) error {
	f.updatedOrd = o
	f.orders[o.ExternalKey] = o
	return nil
}
func (f *fakeRepo) ListOrdersByUser(_ context.Context, _ uint64) ([]*models.Order, error) {
	var out []*models.Order
	for _, o := range f.orders {
		out = append(out, o)
	}
	return out, nil
}

func (f *fakeRepo) CreateOrGetPackages(_ context.Context, items []models.PackageCreateInput) ([]*models.Package, error) {
	f.createPkgIn = items
	out := make([]*models.Package, 0, len(items))
	for _, it := range items {
		if p, ok := f.packages[it.TrackingNumber]; ok {
			out = append(out, p)
			continue
		}
		p := &models.Package{
			ID:             f.nextID,
			UserID:         it.UserID,
			OrderID:        it.OrderID,
			TrackingNumber: it.TrackingNumber,
			Carrier:        it.Carrier,
			Status:         models.StatusUnknown,
		}
		f.nextID++
		f.packages[it.TrackingNumber] = p
		out = append(out, p)
	}
	return out, nil
}
func (f *fakeRepo) GetPackagesByIDs(_ context.Context, ids []uint64) ([]*models.Package, error) {
	var out []*models.Package
	for _, p := range f.packages {
		for _, id := range ids {
			if p.ID == id {
				out = append(out, p)
			}
		}
	}
	return out, nil
}
func (f *fakeRepo) GetPackageByTrackingNumber(_ context.Context, _ uint64, num string) (*models.Package, error) {
	if f.hideLookup {
		return nil, nil
	}
	return f.packages[num], nil
}
func (f *fakeRepo) ListPackagesByUser(_ context.Context, _ uint64) ([]*models.Package, error) {
	var out []*models.Package
	for _, p := range f.packages {
		out = append(out, p)
	}
	return out, nil
}
func (f *fakeRepo) ListPackageEvents(_ context.Context, _ uint64, _, _ int) ([]*models.TrackingEvent, error) {
	return nil, nil
}
func (f *fakeRepo) RefreshPackage(_ context.Context, id uint64) error {
	f.refreshID = id
	return nil
}
func (f *fakeRepo) UpdatePackageState(_ context.Context, p *models.Package) error {
	f.updatedPkg = p
	f.packages[p.TrackingNumber] = p
	return nil
}
func (f *fakeRepo) ApplyPackageUpdate(_ context.Context, upd pgshipments.PackageUpdate) error {
	f.applyUpd = &upd
	return nil
}

type fakeCache struct {
	m map[string][]byte
}

func (c *fakeCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	b, ok := c.m[key]
	return b, ok, nil
}
func (c *fakeCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.m[key] = value
	return nil
}
func (c *fakeCache) Del(_ context.Context, key string) error {
	delete(c.m, key)
	return nil
}

type fakeProducer struct {
	topics []string
	values [][]byte
}

func (p *fakeProducer) Publish(_ context.Context, topic string, _, value []byte) error {
	p.topics = append(p.topics, topic)
	p.values = append(p.values, value)
	return nil
}

const amazonShippedHTML = `<html><body>
<p>Your Amazon.com order of "Echo Dot" has shipped!</p>
<p>Order #111-2233445-6677889</p>
<p>Tracking number: 1Z999AA10123456784</p>
<p>Order Total: $49.99</p>
</body></html>`

func TestService_IngestEmail_createsOrderAndPackage(t *testing.T) {
	r := newFakeRepo()
	p := &fakeProducer{}
	s := New(r, nil, p, 0)

	res, err := s.IngestEmail(context.Background(), 42, amazonShippedHTML,
		"Amazon.com <ship-confirm@amazon.com>", "Your Amazon.com order has shipped")
	require.NoError(t, err)
	require.False(t, res.Discarded)
	require.True(t, res.Created)

	require.NotNil(t, res.Order)
	require.Equal(t, "111-2233445-6677889", res.Order.ExternalKey)
	require.Equal(t, models.PlatformAmazon, res.Order.Platform)

	require.NotNil(t, res.Package)
	require.Equal(t, "1Z999AA10123456784", res.Package.TrackingNumber)
	require.Equal(t, models.CarrierUPS, res.Package.Carrier)
	require.Equal(t, models.StatusShipped, res.Package.Status)

	// создание посылки не триггерит уведомление
	require.Empty(t, p.topics)
}

func TestService_IngestEmail_advancesAndNotifies(t *testing.T) {
	r := newFakeRepo()
	r.packages["1Z999AA10123456784"] = &models.Package{
		ID: 5, UserID: 42,
		TrackingNumber: "1Z999AA10123456784",
		Carrier:        models.CarrierUPS,
		Status:         models.StatusOrdered,
	}
	p := &fakeProducer{}
	s := New(r, nil, p, 0)

	res, err := s.IngestEmail(context.Background(), 42, amazonShippedHTML,
		"Amazon.com <ship-confirm@amazon.com>", "Your Amazon.com order has shipped")
	require.NoError(t, err)
	require.True(t, res.Notified)
	require.Equal(t, models.StatusShipped, res.Package.Status)

	require.Equal(t, []string{notificationsTopic}, p.topics)
	var n messages.NotificationRequested
	require.NoError(t, json.Unmarshal(p.values[0], &n))
	require.Equal(t, models.StatusOrdered, n.OldStatus)
	require.Equal(t, models.StatusShipped, n.NewStatus)
}

func TestService_IngestEmail_regressionIgnored(t *testing.T) {
	r := newFakeRepo()
	r.packages["1Z999AA10123456784"] = &models.Package{
		ID: 5, UserID: 42,
		TrackingNumber: "1Z999AA10123456784",
		Carrier:        models.CarrierUPS,
		Status:         models.StatusDelivered,
	}
	p := &fakeProducer{}
	s := New(r, nil, p, 0)

	res, err := s.IngestEmail(context.Background(), 42, amazonShippedHTML,
		"Amazon.com <ship-confirm@amazon.com>", "Your Amazon.com order has shipped")
	require.NoError(t, err)
	require.False(t, res.Notified)
	require.Equal(t, models.StatusDelivered, res.Package.Status)
	require.Empty(t, p.topics)
}

func TestService_IngestEmail_lowConfidenceDiscarded(t *testing.T) {
	r := newFakeRepo()
	s := New(r, nil, nil, 0)

	res, err := s.IngestEmail(context.Background(), 42,
		"<html><body><p>hello</p></body></html>", "friend@example.com", "lunch?")
	require.NoError(t, err)
	require.True(t, res.Discarded)
	require.Nil(t, res.Order)
	require.Nil(t, res.Package)
}

func TestService_IngestEmail_duplicateOrderMerged(t *testing.T) {
	r := newFakeRepo()
	s := New(r, nil, nil, 0)

	_, err := s.IngestEmail(context.Background(), 42, amazonShippedHTML,
		"Amazon.com <ship-confirm@amazon.com>", "Your Amazon.com order has shipped")
	require.NoError(t, err)

	res, err := s.IngestEmail(context.Background(), 42, amazonShippedHTML,
		"Amazon.com <ship-confirm@amazon.com>", "Your Amazon.com order has shipped")
	require.NoError(t, err)

	require.Len(t, r.orders, 1)
	require.Equal(t, res.Order.ID, r.orders["111-2233445-6677889"].ID)
}

func TestService_IngestText_scansAndCreates(t *testing.T) {
	r := newFakeRepo()
	s := New(r, nil, nil, 0)

	pkgs, err := s.IngestText(context.Background(), 42,
		"Your package 1Z999AA10123456784 and also 9400100000000000000000 are on the way")
	require.NoError(t, err)
	require.Len(t, pkgs, 2)
	require.Equal(t, models.CarrierUPS, r.createPkgIn[0].Carrier)
	require.Equal(t, models.CarrierUSPS, r.createPkgIn[1].Carrier)
}

func TestService_IngestText_noNumbers(t *testing.T) {
	s := New(newFakeRepo(), nil, nil, 0)
	pkgs, err := s.IngestText(context.Background(), 42, "see you tomorrow at 10")
	require.NoError(t, err)
	require.Empty(t, pkgs)
}

func TestService_AddPackage_classifiesCarrier(t *testing.T) {
	r := newFakeRepo()
	s := New(r, nil, nil, 0)

	pkg, err := s.AddPackage(context.Background(), models.PackageCreateInput{
		UserID:         42,
		TrackingNumber: "1Z999AA10123456784",
	})
	require.NoError(t, err)
	require.Equal(t, models.CarrierUPS, pkg.Carrier)

	_, err = s.AddPackage(context.Background(), models.PackageCreateInput{UserID: 42})
	require.Error(t, err)
}

func TestService_GetPackages_cacheHit(t *testing.T) {
	r := newFakeRepo()
	c := &fakeCache{m: map[string][]byte{}}
	s := New(r, c, nil, 10*time.Minute)

	want := []*models.Package{{ID: 7, TrackingNumber: "N"}}
	b, _ := json.Marshal(want)
	c.m["user:42:packages"] = b

	out, err := s.GetPackages(context.Background(), 42)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, uint64(7), out[0].ID)
}

func TestService_ApplyKafkaUpdate_buildsUpdateAndNotifies(t *testing.T) {
	r := newFakeRepo()
	r.packages["1Z999AA10123456784"] = &models.Package{
		ID: 5, UserID: 42,
		TrackingNumber: "1Z999AA10123456784",
		Status:         models.StatusInTransit,
	}
	p := &fakeProducer{}
	s := New(r, nil, p, 0)
	now := time.Now().UTC()

	msg := messages.PackageUpdated{
		PackageID:   5,
		CheckedAt:   now,
		Status:      models.StatusDelivered,
		NextCheckAt: now.Add(10 * time.Minute),
		Events: []messages.PackageEvent{
			{Status: models.StatusDelivered, EventTime: now, Description: "Delivered, front door"},
		},
	}
	require.NoError(t, s.ApplyKafkaUpdate(context.Background(), msg))

	require.NotNil(t, r.applyUpd)
	require.Equal(t, uint64(5), r.applyUpd.PackageID)
	require.Equal(t, "1Z999AA10123456784", r.applyUpd.TrackingNumber)
	require.Equal(t, models.StatusDelivered, r.applyUpd.Status)
	require.Len(t, r.applyUpd.Events, 1)

	require.Equal(t, []string{notificationsTopic}, p.topics)
}

func TestService_IngestEmail_racedCreateAdvancesAndNotifies(t *testing.T) {
	r := newFakeRepo()
	r.packages["1Z999AA10123456784"] = &models.Package{
		ID: 9, UserID: 42,
		TrackingNumber: "1Z999AA10123456784",
		Carrier:        models.CarrierUPS,
		Status:         models.StatusOrdered,
	}
	r.hideLookup = true
	p := &fakeProducer{}
	s := New(r, nil, p, 0)

	res, err := s.IngestEmail(context.Background(), 42, amazonShippedHTML,
		"Amazon.com <ship-confirm@amazon.com>", "Your Amazon.com order has shipped")
	require.NoError(t, err)
	require.True(t, res.Created)
	require.True(t, res.Notified)
	require.Equal(t, models.StatusShipped, res.Package.Status)

	require.Equal(t, []string{notificationsTopic}, p.topics)
	var n messages.NotificationRequested
	require.NoError(t, json.Unmarshal(p.values[0], &n))
	require.Equal(t, models.StatusOrdered, n.OldStatus)
	require.Equal(t, models.StatusShipped, n.NewStatus)
}

func TestService_ApplyKafkaUpdate_unknownStatusKeepsStored(t *testing.T) {
	r := newFakeRepo()
	r.packages["N1"] = &models.Package{
		ID: 5, UserID: 42,
		TrackingNumber: "N1",
		Status:         models.StatusDelivered,
	}
	p := &fakeProducer{}
	s := New(r, nil, p, 0)
	now := time.Now().UTC()

	// Upstream протух ("expired"/"notfound" нормализуются в UNKNOWN);
	// доставленная посылка не должна откатиться.
	msg := messages.PackageUpdated{
		PackageID:   5,
		CheckedAt:   now,
		Status:      models.StatusUnknown,
		NextCheckAt: now.Add(time.Hour),
		Events: []messages.PackageEvent{
			{Status: models.StatusUnknown, EventTime: now, Description: "Tracking information expired"},
		},
	}
	require.NoError(t, s.ApplyKafkaUpdate(context.Background(), msg))

	require.NotNil(t, r.applyUpd)
	require.Equal(t, models.StatusDelivered, r.applyUpd.Status)
	require.Len(t, r.applyUpd.Events, 1)
	require.Empty(t, p.topics)
}

func TestService_ApplyKafkaUpdate_sameStatusNoNotify(t *testing.T) {
	r := newFakeRepo()
	r.packages["N1"] = &models.Package{ID: 5, UserID: 42, TrackingNumber: "N1", Status: models.StatusInTransit}
	p := &fakeProducer{}
	s := New(r, nil, p, 0)

	msg := messages.PackageUpdated{
		PackageID: 5,
		Status:    models.StatusInTransit,
	}
	require.NoError(t, s.ApplyKafkaUpdate(context.Background(), msg))
	require.Empty(t, p.topics)
	// fallback next_check_at выставлен
	require.False(t, r.applyUpd.NextCheckAt.IsZero())
}
