package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "cfg.yaml")
	require.NoError(t, os.WriteFile(p, []byte(`
database:
  host: "localhost"
  port: 5432
  username: "u"
  password: "p"
  name: "db"
kafka:
  host: "localhost"
  port: 9092
  package_updated_topic_name: "mailtrack.package.updated"
  notifications_topic_name: "mailtrack.notifications"
redis:
  host: "localhost"
  port: 6379
mailtrack:
  http_addr: ":8080"
  kafka_consumer_group: "mailtrack-api"
  current_status_ttl_seconds: 600
  carrier_source_mode: "polling"
  worker_inter_request_delay_ms: 250
  worker_carrier_rate_limits_per_minute:
    UPS: 60
    USPS: 30
`), 0o600))

	cfg, err := LoadConfig(p)
	require.NoError(t, err)
	require.Equal(t, "u", cfg.Database.Username)
	require.Equal(t, "mailtrack.package.updated", cfg.Kafka.PackageUpdatedTopicName)
	require.Equal(t, 6379, cfg.Redis.Port)
	require.Equal(t, ":8080", cfg.Mailtrack.HTTPAddr)
	require.Equal(t, "polling", cfg.Mailtrack.CarrierSourceMode)
	require.Equal(t, 60, cfg.Mailtrack.WorkerCarrierRateLimitsPerMinute["UPS"])
	require.Equal(t, 250, cfg.Mailtrack.WorkerInterRequestDelayMillis)
}

func TestLoadConfig_missingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
