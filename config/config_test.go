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
  shipment_updated_topic_name: "shipment.updated"
  shipment_delayed_topic_name: "shipment.delayed"
  refresh_requested_topic_name: "shipment.refresh.requested"
  consumer_group: "ship-worker"
redis:
  host: "localhost"
  port: 6379
carriers:
  ups:
    base_url: "https://onlinetools.ups.com"
    client_id: "ups-id"
    client_secret: "ups-secret"
  usps_user_id: "USPSUSER"
scheduler:
  http_addr: ":8081"
  queue_name: "poll-jobs"
  tick_interval_seconds: 900
  batch_size: 500
  max_enqueues_per_run: 10000
worker:
  http_addr: ":8082"
  queue_name: "poll-jobs"
  concurrency: 10
  rate_limit_ups_per_minute: 60
`), 0o600))

	cfg, err := LoadConfig(p)
	require.NoError(t, err)
	require.Equal(t, "u", cfg.Database.Username)
	require.Equal(t, "shipment.updated", cfg.Kafka.ShipmentUpdatedTopicName)
	require.Equal(t, 6379, cfg.Redis.Port)
	require.Equal(t, "ups-id", cfg.Carriers.UPS.ClientID)
	require.Equal(t, "USPSUSER", cfg.Carriers.USPSUserID)
	require.Equal(t, 900, cfg.Scheduler.TickIntervalSeconds)
	require.Equal(t, 60, cfg.Worker.RateLimitUPSPerMinute)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
