package pgshipments

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/michaelmichaeli/mailtrack/internal/models"
	"github.com/pkg/errors"
)

type PackageUpdate struct {
	PackageID      uint64
	TrackingNumber string

	CheckedAt time.Time

	Status            string
	Carrier           string
	EstimatedDelivery *time.Time
	LastLocation      *string

	NextCheckAt time.Time

	Events []models.CarrierEvent

	Error *string
}

func (s *Storage) ListPackageEvents(ctx context.Context, packageID uint64, limit, offset int) ([]*models.TrackingEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(ctx, `
SELECT
  id, package_id, status, event_time, location, description, created_at
FROM package_events
WHERE package_id = $1
ORDER BY event_time DESC
LIMIT $2 OFFSET $3
`, packageID, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "select events")
	}
	defer rows.Close()

	var out []*models.TrackingEvent
	for rows.Next() {
		var e models.TrackingEvent
		var location *string
		if err := rows.Scan(
			&e.ID, &e.PackageID, &e.Status, &e.EventTime, &location, &e.Description, &e.CreatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		e.Location = location
		out = append(out, &e)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// ApplyPackageUpdate атомарно применяет результат проверки перевозчика.
// Все записи по одному трек-номеру сериализуются advisory-локом, поэтому
// конкурирующие воркеры не вставят дубликаты событий.
func (s *Storage) ApplyPackageUpdate(ctx context.Context, upd PackageUpdate) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, upd.TrackingNumber); err != nil {
		return errors.Wrap(err, "advisory lock")
	}

	if upd.Error != nil && *upd.Error != "" {
		_, err := tx.Exec(ctx, `
UPDATE packages
SET
  last_checked_at = $2,
  check_fail_count = check_fail_count + 1,
  last_error = $3,
  next_check_at = $4,
  updated_at = now()
WHERE id = $1
`, upd.PackageID, upd.CheckedAt.UTC(), *upd.Error, upd.NextCheckAt.UTC())
		if err != nil {
			return errors.Wrap(err, "update package (error)")
		}
	} else {
		_, err := tx.Exec(ctx, `
UPDATE packages
SET
  status = $3,
  carrier_code = CASE WHEN $4 <> '' THEN $4 ELSE carrier_code END,
  estimated_delivery = COALESCE($5, estimated_delivery),
  last_location = COALESCE($6, last_location),
  last_checked_at = $2,
  check_fail_count = 0,
  last_error = NULL,
  next_check_at = $7,
  updated_at = now()
WHERE id = $1
`, upd.PackageID, upd.CheckedAt.UTC(), upd.Status, upd.Carrier,
			upd.EstimatedDelivery, upd.LastLocation, upd.NextCheckAt.UTC())
		if err != nil {
			return errors.Wrap(err, "update package (ok)")
		}

		for _, e := range upd.Events {
			if err := insertEvent(ctx, tx, upd.PackageID, e); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit tx")
	}
	return nil
}

// insertEvent пропускает событие, если у посылки уже есть запись с тем же
// описанием в окне +-2 секунды: источники часто отдают одно и то же событие
// с чуть разным временем.
func insertEvent(ctx context.Context, tx pgx.Tx, packageID uint64, e models.CarrierEvent) error {
	_, err := tx.Exec(ctx, `
INSERT INTO package_events (
  package_id, status, event_time, location, description, created_at
)
SELECT $1, $2, $3, $4, $5, now()
WHERE NOT EXISTS (
  SELECT 1 FROM package_events
  WHERE package_id = $1
    AND description = $5
    AND event_time BETWEEN $3::timestamptz - interval '2 seconds'
                       AND $3::timestamptz + interval '2 seconds'
)
ON CONFLICT (package_id, description, event_time) DO NOTHING
`, packageID, e.Status, e.EventTime.UTC(), e.Location, e.Description)
	return errors.Wrap(err, "insert package event")
}
