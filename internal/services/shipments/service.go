package shipments

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/michaelmichaeli/mailtrack/internal/broker/messages"
	"github.com/michaelmichaeli/mailtrack/internal/cache"
	"github.com/michaelmichaeli/mailtrack/internal/carriers"
	"github.com/michaelmichaeli/mailtrack/internal/emailparse"
	"github.com/michaelmichaeli/mailtrack/internal/models"
	"github.com/michaelmichaeli/mailtrack/internal/services/reconcile"
	"github.com/michaelmichaeli/mailtrack/internal/storage/pgshipments"
	"github.com/pkg/errors"
)

const notificationsTopic = "mailtrack.notifications"

type Repository interface {
	GetOrderByExternalKey(ctx context.Context, userID uint64, externalKey string) (*models.Order, error)
	CreateOrder(ctx context.Context, o *models.Order) (*models.Order, error)
	UpdateOrder(ctx context.Context, o *models.Order) error
	ListOrdersByUser(ctx context.Context, userID uint64) ([]*models.Order, error)

	CreateOrGetPackages(ctx context.Context, items []models.PackageCreateInput) ([]*models.Package, error)
	GetPackagesByIDs(ctx context.Context, ids []uint64) ([]*models.Package, error)
	GetPackageByTrackingNumber(ctx context.Context, userID uint64, trackingNumber string) (*models.Package, error)
	ListPackagesByUser(ctx context.Context, userID uint64) ([]*models.Package, error)
	ListPackageEvents(ctx context.Context, packageID uint64, limit, offset int) ([]*models.TrackingEvent, error)
	RefreshPackage(ctx context.Context, packageID uint64) error
	UpdatePackageState(ctx context.Context, p *models.Package) error
	ApplyPackageUpdate(ctx context.Context, upd pgshipments.PackageUpdate) error
}

type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type Service struct {
	repo       Repository
	cache      cache.BytesCache
	producer   Publisher
	currentTTL time.Duration
}

func New(repo Repository, c cache.BytesCache, producer Publisher, currentTTL time.Duration) *Service {
	return &Service{repo: repo, cache: c, producer: producer, currentTTL: currentTTL}
}

// IngestResult — что произошло с одним входящим сигналом.
type IngestResult struct {
	Parsed    models.ParsedEmail
	Order     *models.Order
	Package   *models.Package
	Created   bool
	Notified  bool
	Discarded bool
}

// IngestEmail разбирает письмо о покупке/доставке и сверяет извлечённые
// факты с заказом и посылкой пользователя.
func (s *Service) IngestEmail(ctx context.Context, userID uint64, html, from, subject string) (*IngestResult, error) {
	if userID == 0 {
		return nil, errors.New("userId is required")
	}
	if html == "" && subject == "" {
		return nil, errors.New("email body or subject is required")
	}

	parsed := emailparse.Parse(html, from, subject)
	return s.applyParsed(ctx, userID, parsed)
}

// IngestRawEmail принимает сырой MIME (RFC 5322) и дальше работает как
// IngestEmail.
func (s *Service) IngestRawEmail(ctx context.Context, userID uint64, raw []byte) (*IngestResult, error) {
	if userID == 0 {
		return nil, errors.New("userId is required")
	}
	if len(raw) == 0 {
		return nil, errors.New("raw message is empty")
	}

	parsed, err := emailparse.ParseRaw(raw)
	if err != nil {
		return nil, err
	}
	return s.applyParsed(ctx, userID, parsed)
}

func (s *Service) applyParsed(ctx context.Context, userID uint64, parsed models.ParsedEmail) (*IngestResult, error) {
	res := &IngestResult{Parsed: parsed}

	if parsed.Confidence < reconcile.ConfidenceThreshold {
		res.Discarded = true
		return res, nil
	}

	ord, err := s.mergeIntoOrder(ctx, userID, parsed)
	if err != nil {
		return nil, err
	}
	res.Order = ord

	if parsed.TrackingNumber == nil {
		return res, nil
	}

	current, err := s.repo.GetPackageByTrackingNumber(ctx, userID, *parsed.TrackingNumber)
	if err != nil {
		return nil, err
	}

	oldStatus := ""
	if current != nil {
		oldStatus = current.Status
	}

	out := reconcile.ApplyEmail(current, parsed)
	if out.Discarded || out.State == nil {
		res.Discarded = out.Discarded
		return res, nil
	}

	if out.Created {
		var orderID uint64
		if ord != nil {
			orderID = ord.ID
		}
		pkgs, err := s.repo.CreateOrGetPackages(ctx, []models.PackageCreateInput{{
			UserID:         userID,
			OrderID:        orderID,
			Carrier:        out.State.Carrier,
			TrackingNumber: out.State.TrackingNumber,
		}})
		if err != nil {
			return nil, err
		}
		pkg := pkgs[0]
		// Посылка могла существовать: тогда письмом её только продвигаем.
		// Смена известного статуса — такой же триггер уведомления, как и в
		// ветке обновления; свежесозданная строка стартует с UNKNOWN и под
		// триггер не попадает.
		if next, changed := reconcile.AdvanceStatus(pkg.Status, out.State.Status); changed {
			old := pkg.Status
			pkg.Status = next
			if err := s.repo.UpdatePackageState(ctx, pkg); err != nil {
				return nil, err
			}
			if old != models.StatusUnknown && old != "" {
				res.Notified = true
				s.publishNotification(ctx, messages.NotificationRequested{
					UserID:         userID,
					TrackingNumber: pkg.TrackingNumber,
					OldStatus:      old,
					NewStatus:      next,
				})
			}
		}
		res.Package = pkg
		res.Created = true
		s.invalidateUser(ctx, userID)
		return res, nil
	}

	st := out.State
	st.UserID = userID
	if ord != nil && st.OrderID == 0 {
		st.OrderID = ord.ID
	}
	if err := s.repo.UpdatePackageState(ctx, st); err != nil {
		return nil, err
	}
	res.Package = st

	if out.Notify {
		res.Notified = true
		s.publishNotification(ctx, messages.NotificationRequested{
			UserID:         userID,
			TrackingNumber: st.TrackingNumber,
			OldStatus:      oldStatus,
			NewStatus:      st.Status,
		})
	}

	s.invalidateUser(ctx, userID)
	return res, nil
}

func (s *Service) mergeIntoOrder(ctx context.Context, userID uint64, parsed models.ParsedEmail) (*models.Order, error) {
	externalKey := ""
	if parsed.OrderID != nil {
		externalKey = *parsed.OrderID

		ord, err := s.repo.GetOrderByExternalKey(ctx, userID, externalKey)
		if err != nil {
			return nil, err
		}
		if ord != nil {
			if reconcile.MergeOrder(ord, parsed) {
				if err := s.repo.UpdateOrder(ctx, ord); err != nil {
					return nil, err
				}
			}
			return ord, nil
		}
	} else {
		// Без номера заказа контейнер всё равно нужен; ключ синтетический,
		// письмо без номера никогда не "найдёт" его повторно.
		externalKey = "synthetic:" + uuid.NewString()
	}

	fresh := &models.Order{
		UserID:      userID,
		ExternalKey: externalKey,
		Platform:    parsed.Platform,
		Merchant:    parsed.Merchant,
		Status:      models.StatusOrdered,
	}
	reconcile.MergeOrder(fresh, parsed)
	return s.repo.CreateOrder(ctx, fresh)
}

// IngestText сканирует произвольный текст (SMS, заметка, CSV-ячейка) на
// трек-номера и заводит посылки под найденные.
func (s *Service) IngestText(ctx context.Context, userID uint64, text string) ([]*models.Package, error) {
	if userID == 0 {
		return nil, errors.New("userId is required")
	}

	cands := carriers.ScanText(text)
	if len(cands) == 0 {
		return []*models.Package{}, nil
	}

	inputs := make([]models.PackageCreateInput, 0, len(cands))
	for _, c := range cands {
		inputs = append(inputs, models.PackageCreateInput{
			UserID:         userID,
			Carrier:        c.Carrier,
			TrackingNumber: c.TrackingNumber,
		})
	}

	pkgs, err := s.repo.CreateOrGetPackages(ctx, inputs)
	if err != nil {
		return nil, err
	}
	s.invalidateUser(ctx, userID)
	return pkgs, nil
}

// AddPackage — ручной ввод. Перевозчик, если не задан, определяется по
// форме номера.
func (s *Service) AddPackage(ctx context.Context, in models.PackageCreateInput) (*models.Package, error) {
	if in.UserID == 0 {
		return nil, errors.New("userId is required")
	}
	if in.TrackingNumber == "" {
		return nil, errors.New("trackingNumber is required")
	}
	if in.Carrier == "" {
		in.Carrier = carriers.Classify(in.TrackingNumber)
	}

	pkgs, err := s.repo.CreateOrGetPackages(ctx, []models.PackageCreateInput{in})
	if err != nil {
		return nil, err
	}
	s.invalidateUser(ctx, in.UserID)
	return pkgs[0], nil
}

// GetPackages возвращает посылки пользователя. Список кэшируется в redis
// как JSON; кэш — лучшее усилие.
func (s *Service) GetPackages(ctx context.Context, userID uint64) ([]*models.Package, error) {
	if userID == 0 {
		return nil, errors.New("userId is required")
	}

	if s.cache != nil && s.currentTTL > 0 {
		if b, ok, err := s.cache.Get(ctx, userPackagesKey(userID)); err == nil && ok {
			var pkgs []*models.Package
			if json.Unmarshal(b, &pkgs) == nil {
				return pkgs, nil
			}
		}
	}

	pkgs, err := s.repo.ListPackagesByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	if s.cache != nil && s.currentTTL > 0 {
		if b, err := json.Marshal(pkgs); err == nil {
			_ = s.cache.Set(ctx, userPackagesKey(userID), b, s.currentTTL)
		}
	}
	return pkgs, nil
}

func (s *Service) GetPackageByTrackingNumber(ctx context.Context, userID uint64, trackingNumber string) (*models.Package, error) {
	if trackingNumber == "" {
		return nil, errors.New("trackingNumber is required")
	}
	return s.repo.GetPackageByTrackingNumber(ctx, userID, trackingNumber)
}

func (s *Service) ListPackageEvents(ctx context.Context, packageID uint64, limit, offset int) ([]*models.TrackingEvent, error) {
	return s.repo.ListPackageEvents(ctx, packageID, limit, offset)
}

func (s *Service) ListOrders(ctx context.Context, userID uint64) ([]*models.Order, error) {
	if userID == 0 {
		return nil, errors.New("userId is required")
	}
	return s.repo.ListOrdersByUser(ctx, userID)
}

// RefreshPackage делает посылку "due": воркер подхватит её на ближайшем
// тике.
func (s *Service) RefreshPackage(ctx context.Context, packageID uint64) error {
	if packageID == 0 {
		return errors.New("packageId is required")
	}
	return s.repo.RefreshPackage(ctx, packageID)
}

// ApplyKafkaUpdate применяет результат опроса, пришедший от воркера.
func (s *Service) ApplyKafkaUpdate(ctx context.Context, msg messages.PackageUpdated) error {
	if msg.PackageID == 0 {
		return errors.New("package_id is required")
	}
	if msg.CheckedAt.IsZero() {
		msg.CheckedAt = time.Now().UTC()
	}
	if msg.NextCheckAt.IsZero() {
		// fallback: воркер не прислал next_check_at, проверим через час
		msg.NextCheckAt = msg.CheckedAt.Add(60 * time.Minute)
	}

	pkgs, err := s.repo.GetPackagesByIDs(ctx, []uint64{msg.PackageID})
	if err != nil {
		return err
	}
	if len(pkgs) != 1 {
		return errors.Errorf("package %d not found", msg.PackageID)
	}
	pkg := pkgs[0]

	events := make([]models.CarrierEvent, 0, len(msg.Events))
	for _, e := range msg.Events {
		events = append(events, models.CarrierEvent{
			Status:      e.Status,
			EventTime:   e.EventTime,
			Location:    e.Location,
			Description: e.Description,
		})
	}

	// Решение об уведомлении и внутрибатчевая дедупликация событий —
	// у чистого движка; SQL-слой дополнительно страхует от гонок.
	// В базу уходит статус из его Outcome: пустой или UNKNOWN upstream
	// никогда не затирает известное значение.
	notify := false
	status := msg.Status
	carrierCode := msg.Carrier
	if msg.Error == nil {
		out := reconcile.ApplyFetch(pkg, &models.CarrierFetchResult{
			TrackingNumber:    pkg.TrackingNumber,
			Carrier:           msg.Carrier,
			Status:            msg.Status,
			EstimatedDelivery: msg.EstimatedDelivery,
			LastLocation:      msg.LastLocation,
			Events:            events,
		})
		notify = out.Notify
		events = out.NewEvents
		status = out.State.Status
		carrierCode = out.State.Carrier
	}

	err = s.repo.ApplyPackageUpdate(ctx, pgshipments.PackageUpdate{
		PackageID:         msg.PackageID,
		TrackingNumber:    pkg.TrackingNumber,
		CheckedAt:         msg.CheckedAt,
		Status:            status,
		Carrier:           carrierCode,
		EstimatedDelivery: msg.EstimatedDelivery,
		LastLocation:      msg.LastLocation,
		NextCheckAt:       msg.NextCheckAt,
		Events:            events,
		Error:             msg.Error,
	})
	if err != nil {
		return err
	}

	if notify {
		s.publishNotification(ctx, messages.NotificationRequested{
			UserID:         pkg.UserID,
			TrackingNumber: pkg.TrackingNumber,
			OldStatus:      pkg.Status,
			NewStatus:      status,
		})
	}

	s.invalidateUser(ctx, pkg.UserID)
	return nil
}

func (s *Service) publishNotification(ctx context.Context, n messages.NotificationRequested) {
	if s.producer == nil {
		return
	}
	b, err := json.Marshal(n)
	if err != nil {
		return
	}
	if err := s.producer.Publish(ctx, notificationsTopic, []byte(n.TrackingNumber), b); err != nil {
		slog.Warn("notification publish failed", "tracking_number", n.TrackingNumber, "err", err)
	}
}

func (s *Service) invalidateUser(ctx context.Context, userID uint64) {
	if s.cache == nil || s.currentTTL <= 0 {
		return
	}
	_ = s.cache.Del(ctx, userPackagesKey(userID))
}

func userPackagesKey(userID uint64) string {
	return fmt.Sprintf("user:%d:packages", userID)
}
