package pgshipments

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/michaelmichaeli/mailtrack/internal/models"
	"github.com/pkg/errors"
)

const defaultInitialStatus = models.StatusUnknown

const packageColumns = `
  id, user_id, COALESCE(order_id, 0), tracking_number, carrier_code,
  status, estimated_delivery, last_location,
  last_checked_at, next_check_at,
  check_fail_count, last_error,
  created_at, updated_at`

func (s *Storage) CreateOrGetPackages(ctx context.Context, items []models.PackageCreateInput) ([]*models.Package, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ids := make([]uint64, 0, len(items))
	for _, it := range items {
		var orderID *uint64
		if it.OrderID != 0 {
			orderID = &it.OrderID
		}

		var id uint64
		err := tx.QueryRow(ctx, `
INSERT INTO packages (
  user_id, order_id, tracking_number, carrier_code, status, next_check_at, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$7)
ON CONFLICT (user_id, tracking_number)
DO UPDATE SET updated_at = packages.updated_at
RETURNING id
`, it.UserID, orderID, it.TrackingNumber, it.Carrier, defaultInitialStatus, now, now).Scan(&id)
		if err != nil {
			return nil, errors.Wrap(err, "insert package")
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}

	return s.GetPackagesByIDs(ctx, ids)
}

func (s *Storage) GetPackagesByIDs(ctx context.Context, ids []uint64) ([]*models.Package, error) {
	if len(ids) == 0 {
		return []*models.Package{}, nil
	}

	rows, err := s.db.Query(ctx, `
SELECT`+packageColumns+`
FROM packages
WHERE id = ANY($1)
`, ids)
	if err != nil {
		return nil, errors.Wrap(err, "select packages")
	}
	defer rows.Close()

	out := make([]*models.Package, 0, len(ids))
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan package")
		}
		out = append(out, p)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// GetPackageByTrackingNumber возвращает (nil, nil), если посылки нет.
func (s *Storage) GetPackageByTrackingNumber(ctx context.Context, userID uint64, trackingNumber string) (*models.Package, error) {
	row := s.db.QueryRow(ctx, `
SELECT`+packageColumns+`
FROM packages
WHERE user_id = $1 AND tracking_number = $2
`, userID, trackingNumber)

	p, err := scanPackage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select package")
	}
	return p, nil
}

func (s *Storage) ListPackagesByUser(ctx context.Context, userID uint64) ([]*models.Package, error) {
	rows, err := s.db.Query(ctx, `
SELECT`+packageColumns+`
FROM packages
WHERE user_id = $1
ORDER BY created_at DESC
`, userID)
	if err != nil {
		return nil, errors.Wrap(err, "select user packages")
	}
	defer rows.Close()

	var out []*models.Package
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan package")
		}
		out = append(out, p)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) RefreshPackage(ctx context.Context, packageID uint64) error {
	_, err := s.db.Exec(ctx, `UPDATE packages SET next_check_at = now(), updated_at = now() WHERE id = $1`, packageID)
	return errors.Wrap(err, "refresh package")
}

// UpdatePackageState сохраняет поля, изменённые сверкой письма:
// статус, перевозчика, привязку к заказу и оценку доставки.
func (s *Storage) UpdatePackageState(ctx context.Context, p *models.Package) error {
	var orderID *uint64
	if p.OrderID != 0 {
		orderID = &p.OrderID
	}

	_, err := s.db.Exec(ctx, `
UPDATE packages
SET
  order_id = $2,
  carrier_code = $3,
  status = $4,
  estimated_delivery = $5,
  last_location = $6,
  updated_at = now()
WHERE id = $1
`, p.ID, orderID, p.Carrier, p.Status, p.EstimatedDelivery, p.LastLocation)
	return errors.Wrap(err, "update package state")
}

// ClaimDuePackages выбирает пачку посылок, готовых к проверке, и "бронирует"
// их, чтобы они не попадали в повторную выборку, пока воркер их обрабатывает.
// Использует SELECT ... FOR UPDATE SKIP LOCKED.
func (s *Storage) ClaimDuePackages(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.Package, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
SELECT`+packageColumns+`
FROM packages
WHERE next_check_at <= $1
  AND status NOT IN ($2, $3)
ORDER BY next_check_at ASC
LIMIT $4
FOR UPDATE SKIP LOCKED
`, now.UTC(), models.StatusDelivered, models.StatusReturned, limit)
	if err != nil {
		return nil, errors.Wrap(err, "select due packages")
	}
	defer rows.Close()

	var picked []*models.Package
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan due package")
		}
		picked = append(picked, p)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}

	leaseUntil := now.UTC().Add(lease)
	for _, p := range picked {
		_, err := tx.Exec(ctx, `UPDATE packages SET next_check_at = $2, updated_at = now() WHERE id = $1`, p.ID, leaseUntil)
		if err != nil {
			return nil, errors.Wrap(err, "lease package")
		}
		p.NextCheckAt = leaseUntil
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return picked, nil
}

func scanPackage(row pgx.Row) (*models.Package, error) {
	var p models.Package
	var estimated *time.Time
	var lastLocation *string
	var lastCheckedAt *time.Time
	var lastError *string
	if err := row.Scan(
		&p.ID, &p.UserID, &p.OrderID, &p.TrackingNumber, &p.Carrier,
		&p.Status, &estimated, &lastLocation,
		&lastCheckedAt, &p.NextCheckAt,
		&p.CheckFailCount, &lastError,
		&p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	p.EstimatedDelivery = estimated
	p.LastLocation = lastLocation
	p.LastCheckedAt = lastCheckedAt
	p.LastError = lastError
	return &p, nil
}
