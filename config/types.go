package config

// Canary controls routing of matching runs to the v2 enumerator and the
// thresholds that trip an automatic rollback to v1.
type Canary struct {
	Enabled                    bool     `toml:"Enabled"`
	RoutePartners              []string `toml:"RoutePartners"`
	MinSamples                 int      `toml:"MinSamples"`
	MaxErrorRateBps            int      `toml:"MaxErrorRateBps"`
	MaxTimeoutRateBps          int      `toml:"MaxTimeoutRateBps"`
	MaxLimitedRateBps          int      `toml:"MaxLimitedRateBps"`
	MaxNonNegativeDeltaRateBps int      `toml:"MaxNonNegativeDeltaRateBps"`
}

// Exports tunes the signed export framework.
type Exports struct {
	// CheckpointTTLSeconds overrides the checkpoint lifetime per stream.
	CheckpointTTLSeconds map[string]int `toml:"CheckpointTTLSeconds"`
}

// Partner is one HMAC credential accepted by the gateway.
type Partner struct {
	PartnerID string `toml:"PartnerID"`
	Secret    string `toml:"Secret"`
}

// Gateway configures the HTTP surface.
type Gateway struct {
	TimestampSkewSeconds int       `toml:"TimestampSkewSeconds"`
	NonceTTLSeconds      int       `toml:"NonceTTLSeconds"`
	NonceStorePath       string    `toml:"NonceStorePath"`
	Partners             []Partner `toml:"Partners"`
	// AllowNowOverride honors the test clock header; never enable it in
	// production.
	AllowNowOverride bool `toml:"AllowNowOverride"`
}

// RateLimit configures one route group's token bucket.
type RateLimit struct {
	RatePerSecond float64        `toml:"RatePerSecond"`
	Burst         int            `toml:"Burst"`
	DefaultTokens int            `toml:"DefaultTokens"`
	Tokens        map[string]int `toml:"Tokens"`
}

// Logging configures structured log output.
type Logging struct {
	Level      string `toml:"Level"`
	FilePath   string `toml:"FilePath"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}

// Otel configures trace and metric export.
type Otel struct {
	Enabled  bool   `toml:"Enabled"`
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
	Headers  string `toml:"Headers"`
}

// Sweeps configures the background expiry loops.
type Sweeps struct {
	AcceptPhaseSeconds   int `toml:"AcceptPhaseSeconds"`
	DepositWindowSeconds int `toml:"DepositWindowSeconds"`
}
