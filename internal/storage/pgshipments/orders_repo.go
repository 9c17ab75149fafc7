package pgshipments

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/michaelmichaeli/mailtrack/internal/models"
	"github.com/pkg/errors"
)

const orderColumns = `
  id, user_id, external_key, platform, merchant,
  status, items, total_amount, currency, order_date,
  created_at, updated_at`

// GetOrderByExternalKey возвращает (nil, nil), если заказа нет.
func (s *Storage) GetOrderByExternalKey(ctx context.Context, userID uint64, externalKey string) (*models.Order, error) {
	row := s.db.QueryRow(ctx, `
SELECT`+orderColumns+`
FROM orders
WHERE user_id = $1 AND external_key = $2
`, userID, externalKey)

	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select order")
	}
	return o, nil
}

func (s *Storage) GetOrderByID(ctx context.Context, id uint64) (*models.Order, error) {
	row := s.db.QueryRow(ctx, `
SELECT`+orderColumns+`
FROM orders
WHERE id = $1
`, id)

	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select order by id")
	}
	return o, nil
}

func (s *Storage) CreateOrder(ctx context.Context, o *models.Order) (*models.Order, error) {
	now := time.Now().UTC()

	var id uint64
	err := s.db.QueryRow(ctx, `
INSERT INTO orders (
  user_id, external_key, platform, merchant, status,
  items, total_amount, currency, order_date, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10)
ON CONFLICT (user_id, external_key)
DO UPDATE SET updated_at = orders.updated_at
RETURNING id
`, o.UserID, o.ExternalKey, o.Platform, o.Merchant, o.Status,
		o.Items, o.TotalAmount, o.Currency, o.OrderDate, now).Scan(&id)
	if err != nil {
		return nil, errors.Wrap(err, "insert order")
	}

	return s.GetOrderByID(ctx, id)
}

func (s *Storage) UpdateOrder(ctx context.Context, o *models.Order) error {
	_, err := s.db.Exec(ctx, `
UPDATE orders
SET
  platform = $2,
  merchant = $3,
  status = $4,
  items = $5,
  total_amount = $6,
  currency = $7,
  order_date = $8,
  updated_at = now()
WHERE id = $1
`, o.ID, o.Platform, o.Merchant, o.Status, o.Items, o.TotalAmount, o.Currency, o.OrderDate)
	return errors.Wrap(err, "update order")
}

func (s *Storage) ListOrdersByUser(ctx context.Context, userID uint64) ([]*models.Order, error) {
	rows, err := s.db.Query(ctx, `
SELECT`+orderColumns+`
FROM orders
WHERE user_id = $1
ORDER BY created_at DESC
`, userID)
	if err != nil {
		return nil, errors.Wrap(err, "select orders")
	}
	defer rows.Close()

	var out []*models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan order")
		}
		out = append(out, o)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func scanOrder(row pgx.Row) (*models.Order, error) {
	var o models.Order
	var orderDate *time.Time
	var totalAmount *float64
	var currency *string
	if err := row.Scan(
		&o.ID, &o.UserID, &o.ExternalKey, &o.Platform, &o.Merchant,
		&o.Status, &o.Items, &totalAmount, &currency, &orderDate,
		&o.CreatedAt, &o.UpdatedAt,
	); err != nil {
		return nil, err
	}
	o.OrderDate = orderDate
	o.TotalAmount = totalAmount
	o.Currency = currency
	return &o, nil
}
