// Package config handles configuration loading for tally-gateway.
//
// # Configuration File
//
// The file is read from $TALLY_CONFIG, falling back to
// $XDG_CONFIG_HOME/tally/gateway.yaml and then ~/.config/tally/gateway.yaml.
// A .toml extension selects TOML; anything else is parsed as YAML.
//
// # Environment
//
// Values may reference environment variables with ${VAR_NAME}. Unset
// variables expand to the empty string. After parsing, a fixed set of
// variables override individual fields when set:
//
//	TALLY_HTTP_ADDR, TALLY_PUBLIC_URL, TALLY_DB_PATH, TALLY_ENCRYPTION_KEY,
//	TALLY_JWT_SECRET, TALLY_STATE_BACKEND, TALLY_REDIS_ADDR,
//	TALLY_REDIS_PASSWORD, TALLY_TELEGRAM_ENDPOINT, TALLY_EXTRACTION,
//	TALLY_LOG_LEVEL, TALLY_LOG_FORMAT, TALLY_TAILSCALE, TS_AUTHKEY
//
// # Example
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	  public_url: "https://bots.example.com"
//
//	database:
//	  path: "/var/lib/tally/tally.db"
//	  encryption_key: "${TALLY_ENCRYPTION_KEY}"
//
//	auth:
//	  jwt_secret: "${TALLY_JWT_SECRET}"
//
//	sessions:
//	  max_transport_failures: 5
//	  max_restarts: 10
//	  restart_base: "1s"
//	  restart_cap: "5m"
//
//	state:
//	  backend: redis
//	  ttl: "10m"
//	  redis:
//	    addr: "localhost:6379"
//
//	extraction:
//	  enabled: true
//	  model: "gpt-4o-mini"
//
// Durations use time.ParseDuration syntax. Unset fields get defaults in Load;
// zero session tunables fall through to the orchestrator and session defaults.
package config
