package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# Options Executor Configuration

[scheduler]
# IANA time zone for schedules and market phases
timezone = "Asia/Kolkata"
# Operational window of the timer loop (HH:MM)
window_start = "09:00"
window_end = "15:30"
# Interval between emitter passes (must be under a minute)
tick_interval = "20s"
# Minutes searched ahead on every pass
lookahead_minutes = 3
weekdays = ["MON", "TUE", "WED", "THU", "FRI"]
# Exchange holidays (YYYY-MM-DD); the timer loop stays closed on these days
holidays = []
# Maximum concurrent event handlers
bus_workers = 64

[execution]
queue_workers = 8
queue_buffer = 1024
default_product = "NRML"
default_exchange = "NFO"
default_order_type = "MARKET"
# Deduplication backend: "memory" or "redis"
dedup = "memory"
dedup_ttl = "24h"

[risk]
duplicate_lookback = "5m"
duplicate_gap = "60s"
# TIME_AND_SYMBOL, EXACT_MATCH or STRATEGY_BASED
duplicate_strategy = "TIME_AND_SYMBOL"
max_retries = 3

[simulator]
slippage_percent = 0.1
default_price = 100.0
initial_margin = 1000000.0

[brokers.kite]
base_url = "https://api.kite.trade"
rate_limit = 10.0
burst = 10
timeout = "7s"

[brokers.gateway]
base_url = "https://api.gateway.example.com/v2"
auth_url = "https://api.gateway.example.com/oauth/authorize"
token_url = "https://api.gateway.example.com/oauth/token"
redirect_url = "http://127.0.0.1:8765/callback"
rate_limit = 5.0
burst = 5
timeout = "10s"

[brokers.breaker]
max_failures = 5
reset_timeout = "30s"

[redis]
# e.g. "redis://localhost:6379/0"
url = ""

[notify]
webhook_url = ""
timeout = "5s"
# Print order and execution updates to the terminal
terminal = false
# Ring the terminal bell on errors and risk exits
bell = false
# all, orders_only, errors_only
level = "all"

[metrics]
enabled = true
addr = ":9090"

[logging]
level = "info"
console = true
file = true
`

const credentialsTemplate = `# Options Executor Credentials
# WARNING: Keep this file secure! Do not commit to version control.

# Passphrase used to encrypt broker access tokens in the store.
token_key = ""

[kite]
api_key = ""
api_secret = ""

[gateway]
client_id = ""
client_secret = ""
`

func createTemplateConfig(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "config.toml")
	if err := os.WriteFile(path, []byte(configTemplate), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	return nil
}

func createTemplateCredentials(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "credentials.toml")
	// Use restricted permissions for credentials file
	if err := os.WriteFile(path, []byte(credentialsTemplate), 0600); err != nil {
		return fmt.Errorf("writing credentials template: %w", err)
	}

	return nil
}
