package config

// CyberHerdConfig is the top-level configuration record loaded from
// config.toml with CYBERHERD_*-prefixed environment variable overrides.
type CyberHerdConfig struct {
	Database struct {
		Host            string `toml:"host" env:"CYBERHERD_DB_HOST"`
		Port            string `toml:"port" env:"CYBERHERD_DB_PORT" env-default:"5432"`
		User            string `toml:"user" env:"CYBERHERD_DB_USER"`
		Password        string `toml:"password" env:"CYBERHERD_DB_PASSWORD"`
		DB              string `toml:"db" env:"CYBERHERD_DB_NAME"`
		SslMode         string `toml:"ssl_mode" env:"CYBERHERD_DB_SSL_MODE" env-default:"disable"`
		MaxConns        int    `toml:"max_conns" env:"CYBERHERD_DB_MAX_CONNS" env-default:"25"`
		MinConns        int    `toml:"min_conns" env:"CYBERHERD_DB_MIN_CONNS" env-default:"5"`
		MaxConnLifetime int    `toml:"max_conn_lifetime" env:"CYBERHERD_DB_MAX_CONN_LIFETIME" env-default:"5"`
		MaxConnIdleTime int    `toml:"max_conn_idle_time" env:"CYBERHERD_DB_MAX_CONN_IDLE_TIME" env-default:"1"`
	} `toml:"database"`

	Redis struct {
		Host     string `toml:"host" env:"CYBERHERD_REDIS_HOST"`
		Port     string `toml:"port" env:"CYBERHERD_REDIS_PORT" env-default:"6379"`
		Password string `toml:"password" env:"CYBERHERD_REDIS_PASSWORD"`
		DB       int    `toml:"db" env:"CYBERHERD_REDIS_DB" env-default:"0"`
	} `toml:"redis"`

	Wallet struct {
		BaseURL      string `toml:"base_url" env:"CYBERHERD_WALLET_BASE_URL"`
		MainAPIKey   string `toml:"main_api_key" env:"CYBERHERD_WALLET_MAIN_API_KEY"`
		SplitAPIKey  string `toml:"split_api_key" env:"CYBERHERD_WALLET_SPLIT_API_KEY"`
		FallbackLud16 string `toml:"fallback_lud16" env:"CYBERHERD_WALLET_FALLBACK_LUD16"`
		FallbackAlias string `toml:"fallback_alias" env:"CYBERHERD_WALLET_FALLBACK_ALIAS" env-default:"CyberHerd"`
	} `toml:"wallet"`

	Feeder struct {
		BaseURL  string `toml:"base_url" env:"CYBERHERD_FEEDER_BASE_URL"`
		Username string `toml:"username" env:"CYBERHERD_FEEDER_USERNAME"`
		Password string `toml:"password" env:"CYBERHERD_FEEDER_PASSWORD"`
	} `toml:"feeder"`

	Nostr struct {
		FeedWebSocketURL string   `toml:"feed_websocket_url" env:"CYBERHERD_NOSTR_FEED_WS_URL"`
		SelfPubkeyHex    string   `toml:"self_pubkey_hex" env:"CYBERHERD_NOSTR_SELF_PUBKEY"`
		SelfSecretHex    string   `toml:"self_secret_hex" env:"CYBERHERD_NOSTR_SELF_SECRET"`
		DefaultRelays    []string `toml:"default_relays" env:"CYBERHERD_NOSTR_DEFAULT_RELAYS" env-separator:","`
	} `toml:"nostr"`

	Herd struct {
		MaxHerdSize      int `toml:"max_herd_size" env:"CYBERHERD_HERD_MAX_SIZE" env-default:"3"`
		HeadbuttMinSats  int `toml:"headbutt_min_sats" env:"CYBERHERD_HERD_HEADBUTT_MIN_SATS" env-default:"10"`
		TriggerAmountSats int `toml:"trigger_amount_sats" env:"CYBERHERD_HERD_TRIGGER_AMOUNT_SATS" env-default:"1000"`
	} `toml:"herd"`

	Secrets struct {
		EncryptionKeyBase64 string `toml:"encryption_key_base64" env:"CYBERHERD_SECRETS_ENCRYPTION_KEY"`
	} `toml:"secrets"`

	Environment string `toml:"environment" env:"ENVIRONMENT" env-default:"development"`
}
