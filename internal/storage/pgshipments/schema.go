package pgshipments

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS orders (
  id BIGSERIAL PRIMARY KEY,
  user_id BIGINT NOT NULL,
  external_key TEXT NOT NULL,
  platform TEXT NOT NULL,
  merchant TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  items TEXT[] NOT NULL DEFAULT '{}',
  total_amount DOUBLE PRECISION NULL,
  currency TEXT NULL,
  order_date TIMESTAMPTZ NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  UNIQUE (user_id, external_key)
)`,
		`
CREATE TABLE IF NOT EXISTS packages (
  id BIGSERIAL PRIMARY KEY,
  user_id BIGINT NOT NULL,
  order_id BIGINT NULL REFERENCES orders(id) ON DELETE SET NULL,
  tracking_number TEXT NOT NULL,
  carrier_code TEXT NOT NULL,
  status TEXT NOT NULL,
  estimated_delivery TIMESTAMPTZ NULL,
  last_location TEXT NULL,
  last_checked_at TIMESTAMPTZ NULL,
  next_check_at TIMESTAMPTZ NOT NULL,
  check_fail_count INT NOT NULL DEFAULT 0,
  last_error TEXT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  UNIQUE (user_id, tracking_number)
)`,
		`CREATE INDEX IF NOT EXISTS idx_packages_next_check_at ON packages(next_check_at)`,
		`CREATE INDEX IF NOT EXISTS idx_packages_tracking_number ON packages(tracking_number)`,
		`
CREATE TABLE IF NOT EXISTS package_events (
  id BIGSERIAL PRIMARY KEY,
  package_id BIGINT NOT NULL REFERENCES packages(id) ON DELETE CASCADE,
  status TEXT NOT NULL,
  event_time TIMESTAMPTZ NOT NULL,
  location TEXT NULL,
  description TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_package_events_package_id_event_time ON package_events(package_id, event_time DESC)`,
		// Точные дубликаты отсекаем уникальным индексом; близкие по времени
		// (окно +-2с на одинаковом описании) проверяются в ApplyPackageUpdate.
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_package_events_dedup ON package_events(package_id, description, event_time)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
