// Package config loads and hot-reloads the engine's configuration via
// spf13/viper + fsnotify. The ambient sections (wallet, RPC, blockchain,
// storage, TUI, websocket) mirror a single-strategy trading config layout;
// the domain sections (pipeline, monitor, copy, venue) carry the full
// execution/position/monitor/copy-trade option set.
package config

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds the engine's full configuration tree.
type Config struct {
	Wallet     WalletConfig     `mapstructure:"wallet"`
	RPC        RPCConfig        `mapstructure:"rpc"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	Copy       CopyConfig       `mapstructure:"copy"`
	Venue      VenueConfig      `mapstructure:"venue"`
	Blockchain BlockchainConfig `mapstructure:"blockchain"`
	Storage    StorageConfig    `mapstructure:"storage"`
	TUI        TUIConfig        `mapstructure:"tui"`
	WebSocket  WebSocketConfig  `mapstructure:"websocket"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
}

type WalletConfig struct {
	PrivateKeyEnv string `mapstructure:"private_key_env"`
	BaseMint      string `mapstructure:"base_mint"`
}

type RPCConfig struct {
	ShyftURL          string `mapstructure:"shyft_url"`
	ShyftAPIKeyEnv    string `mapstructure:"shyft_api_key_env"`
	FallbackURL       string `mapstructure:"fallback_url"`
	FallbackAPIKeyEnv string `mapstructure:"fallback_api_key_env"`
}

// PipelineConfig governs the Execution Pipeline.
type PipelineConfig struct {
	AutoExecuteAtomic       bool    `mapstructure:"auto_execute_atomic"`
	RequireSimulation       bool    `mapstructure:"require_simulation"`
	MaxConcurrentExecutions int     `mapstructure:"max_concurrent_executions"`
	ExecutionTimeoutSecs    int     `mapstructure:"execution_timeout_secs"`
	TipMinLamports          uint64  `mapstructure:"tip_min_lamports"`
	TipMaxLamports          uint64  `mapstructure:"tip_max_lamports"`
	DefaultTipAlpha         float64 `mapstructure:"default_tip_alpha"`
}

// MonitorConfig governs the Position Monitor.
type MonitorConfig struct {
	PriceCheckIntervalSecs int `mapstructure:"price_check_interval_secs"`
	ExitSlippageBps        int `mapstructure:"exit_slippage_bps"`
	EmergencySlippageBps   int `mapstructure:"emergency_slippage_bps"`
	MaxExitRetries         int `mapstructure:"max_exit_retries"`
	BundleTimeoutSecs      int `mapstructure:"bundle_timeout_secs"`
}

// CopyConfig governs the Copy-Execution variant.
type CopyConfig struct {
	Enabled               bool    `mapstructure:"enabled"`
	DefaultCopyPercentage float64 `mapstructure:"default_copy_percentage"`
	MaxPositionBase       float64 `mapstructure:"max_position_base"`
	MinTrustScore         float64 `mapstructure:"min_trust_score"`
	CopyDelayMs           int     `mapstructure:"copy_delay_ms"`
	RequireWhitelist      bool    `mapstructure:"require_whitelist"`
}

// VenueConfig configures the Jupiter and bonding-curve venue adapters.
type VenueConfig struct {
	JupiterAPIURL      string `mapstructure:"jupiter_api_url"`
	JupiterAPIKeysEnv  string `mapstructure:"jupiter_api_keys_env"`
	JupiterPoolSize    int    `mapstructure:"jupiter_pool_size"`
	JupiterTimeoutSecs int    `mapstructure:"jupiter_timeout_secs"`
	CurveRPCURL        string `mapstructure:"curve_rpc_url"`
	CurveTimeoutSecs   int    `mapstructure:"curve_timeout_secs"`
	RelayerURL         string `mapstructure:"relayer_url"`
	RelayerTimeoutSecs int    `mapstructure:"relayer_timeout_secs"`
}

type BlockchainConfig struct {
	BlockhashRefreshMs    int `mapstructure:"blockhash_refresh_ms"`
	BlockhashTTLSeconds   int `mapstructure:"blockhash_ttl_seconds"`
	BalanceRefreshSeconds int `mapstructure:"balance_refresh_seconds"`
}

type StorageConfig struct {
	SQLitePath        string `mapstructure:"sqlite_path"`
	SignalsBufferSize int    `mapstructure:"signals_buffer_size"`
}

type TUIConfig struct {
	RefreshRateMs int `mapstructure:"refresh_rate_ms"`
	LogLines      int `mapstructure:"log_lines"`
}

type WebSocketConfig struct {
	ShyftURL         string `mapstructure:"shyft_url"`
	ReconnectDelayMs int    `mapstructure:"reconnect_delay_ms"`
	PingIntervalMs   int    `mapstructure:"ping_interval_ms"`
}

// IngestConfig configures the edge/kol-trade HTTP ingestion server.
type IngestConfig struct {
	ListenHost string `mapstructure:"listen_host"`
	ListenPort int    `mapstructure:"listen_port"`
}

// Manager handles config loading and hot-reload.
type Manager struct {
	mu       sync.RWMutex
	config   *Config
	viper    *viper.Viper
	onChange func(*Config)
}

// NewManager loads configPath and watches it for changes.
func NewManager(configPath string) (*Manager, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.SetDefault("blockchain.blockhash_refresh_ms", 100)
	v.SetDefault("blockchain.blockhash_ttl_seconds", 60)
	v.SetDefault("blockchain.balance_refresh_seconds", 5)
	v.SetDefault("rpc.shyft_api_key_env", "SHYFT_API_KEY")
	v.SetDefault("rpc.fallback_api_key_env", "HELIUS_API_KEY")
	v.SetDefault("rpc.fallback_url", "https://api.mainnet-beta.solana.com")
	v.SetDefault("storage.sqlite_path", "./data/engine.db")
	v.SetDefault("storage.signals_buffer_size", 100)
	v.SetDefault("tui.refresh_rate_ms", 100)
	v.SetDefault("tui.log_lines", 100)
	v.SetDefault("wallet.private_key_env", "WALLET_PRIVATE_KEY")

	v.SetDefault("pipeline.auto_execute_atomic", true)
	v.SetDefault("pipeline.require_simulation", true)
	v.SetDefault("pipeline.max_concurrent_executions", 5)
	v.SetDefault("pipeline.execution_timeout_secs", 60)
	v.SetDefault("pipeline.tip_min_lamports", 1_000)
	v.SetDefault("pipeline.tip_max_lamports", 100_000)
	v.SetDefault("pipeline.default_tip_alpha", 0.05)

	v.SetDefault("monitor.price_check_interval_secs", 2)
	v.SetDefault("monitor.exit_slippage_bps", 1000)
	v.SetDefault("monitor.emergency_slippage_bps", 1200)
	v.SetDefault("monitor.max_exit_retries", 3)
	v.SetDefault("monitor.bundle_timeout_secs", 60)

	v.SetDefault("copy.enabled", true)
	v.SetDefault("copy.default_copy_percentage", 0.5)
	v.SetDefault("copy.max_position_base", 0.5)
	v.SetDefault("copy.min_trust_score", 60.0)
	v.SetDefault("copy.copy_delay_ms", 500)
	v.SetDefault("copy.require_whitelist", false)

	v.SetDefault("venue.jupiter_api_url", "https://quote-api.jup.ag/v6")
	v.SetDefault("venue.jupiter_api_keys_env", "JUPITER_API_KEYS")
	v.SetDefault("venue.jupiter_pool_size", 4)
	v.SetDefault("venue.jupiter_timeout_secs", 10)
	v.SetDefault("venue.curve_timeout_secs", 10)
	v.SetDefault("venue.relayer_timeout_secs", 30)

	v.SetDefault("ingest.listen_host", "0.0.0.0")
	v.SetDefault("ingest.listen_port", 8090)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = "./data/engine.db"
	}

	m := &Manager{
		config: &cfg,
		viper:  v,
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		log.Info().Str("file", e.Name).Msg("config file changed, reloading")
		m.reload()
	})

	return m, nil
}

// Get returns the current config (thread-safe).
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// GetPipeline returns the pipeline config (most frequently accessed).
func (m *Manager) GetPipeline() PipelineConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.Pipeline
}

// GetMonitor returns the monitor config.
func (m *Manager) GetMonitor() MonitorConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.Monitor
}

// GetCopy returns the copy-execution config.
func (m *Manager) GetCopy() CopyConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.Copy
}

// SetOnChange registers a callback for config changes.
func (m *Manager) SetOnChange(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// Update modifies config values and persists them to the backing file.
func (m *Manager) Update(fn func(*Config)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	fn(m.config)

	m.viper.Set("pipeline.auto_execute_atomic", m.config.Pipeline.AutoExecuteAtomic)
	m.viper.Set("pipeline.max_concurrent_executions", m.config.Pipeline.MaxConcurrentExecutions)
	m.viper.Set("monitor.price_check_interval_secs", m.config.Monitor.PriceCheckIntervalSecs)
	m.viper.Set("copy.enabled", m.config.Copy.Enabled)
	m.viper.Set("copy.default_copy_percentage", m.config.Copy.DefaultCopyPercentage)

	if err := m.viper.WriteConfig(); err != nil {
		return err
	}

	if m.onChange != nil {
		m.onChange(m.config)
	}

	return nil
}

func (m *Manager) reload() {
	m.mu.Lock()
	defer m.mu.Unlock()

	var cfg Config
	if err := m.viper.Unmarshal(&cfg); err != nil {
		log.Error().Err(err).Msg("failed to unmarshal config on reload")
		return
	}

	m.config = &cfg
	if m.onChange != nil {
		m.onChange(&cfg)
	}
}

// GetPrivateKey loads the wallet private key from environment.
func (m *Manager) GetPrivateKey() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return os.Getenv(m.config.Wallet.PrivateKeyEnv)
}

// GetShyftAPIKey loads the Shyft API key from environment.
func (m *Manager) GetShyftAPIKey() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return os.Getenv(m.config.RPC.ShyftAPIKeyEnv)
}

// GetFallbackAPIKey loads the fallback RPC API key from environment.
func (m *Manager) GetFallbackAPIKey() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return os.Getenv(m.config.RPC.FallbackAPIKeyEnv)
}

// GetShyftRPCURL returns the full Shyft RPC URL with API key injected.
func (m *Manager) GetShyftRPCURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	url := m.config.RPC.ShyftURL
	key := os.Getenv(m.config.RPC.ShyftAPIKeyEnv)
	if key == "" {
		return url
	}

	if strings.Contains(url, "?") {
		return url + "&api_key=" + key
	}
	return url + "?api_key=" + key
}

// GetFallbackRPCURL returns the full fallback RPC URL with API key injected,
// detecting the Helius-style "api-key" param name vs the generic "api_key".
func (m *Manager) GetFallbackRPCURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	url := m.config.RPC.FallbackURL
	key := os.Getenv(m.config.RPC.FallbackAPIKeyEnv)
	if key == "" {
		return url
	}

	param := "api_key"
	if strings.Contains(url, "helius") {
		param = "api-key"
	}

	if strings.Contains(url, "?") {
		return url + "&" + param + "=" + key
	}
	return url + "?" + param + "=" + key
}

// GetShyftWSURL returns the full Shyft WebSocket URL with API key injected.
func (m *Manager) GetShyftWSURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	url := m.config.WebSocket.ShyftURL
	key := os.Getenv(m.config.RPC.ShyftAPIKeyEnv)
	if key == "" {
		return url
	}

	if strings.Contains(url, "?") {
		return url + "&api_key=" + key
	}
	return url + "?api_key=" + key
}

// GetBlockhashRefresh returns the blockhash refresh interval as a duration.
func (m *Manager) GetBlockhashRefresh() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Duration(m.config.Blockchain.BlockhashRefreshMs) * time.Millisecond
}

// GetBalanceRefresh returns the balance refresh interval as a duration.
func (m *Manager) GetBalanceRefresh() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Duration(m.config.Blockchain.BalanceRefreshSeconds) * time.Second
}
