// =================================
// File: internal/config/config.go
// =================================
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/rovshanmuradov/solana-copybot/internal/blockchain"
)

type Config struct {
	RPCList         []string `mapstructure:"rpc_list"`
	WebSocketURL    string   `mapstructure:"websocket_url"`
	WalletsFile     string   `mapstructure:"wallets_file"`
	WalletName      string   `mapstructure:"wallet_name"`
	WatchedAccounts []string `mapstructure:"watched_accounts"`
	PositionsFile   string   `mapstructure:"positions_file"`
	Execute         bool     `mapstructure:"execute"`
	BuyAmountSOL    float64  `mapstructure:"buy_amount_sol"`
	SlippageBps     int      `mapstructure:"slippage_bps"`

	Commitment CommitmentConfig `mapstructure:"commitment"`
	Swap       SwapConfig       `mapstructure:"swap"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Metadata   MetadataConfig   `mapstructure:"metadata"`
	Tx         TxConfig         `mapstructure:"tx"`
	Listener   ListenerConfig   `mapstructure:"listener"`

	PostgresURL     string `mapstructure:"postgres_url"`
	MetricsAddr     string `mapstructure:"metrics_addr"`
	ShutdownGraceMs int    `mapstructure:"shutdown_grace_ms"`
	DebugLogging    bool   `mapstructure:"debug_logging"`
	LogFile         string `mapstructure:"log_file"`
}

// CommitmentConfig holds the durability levels, validated by ParseCommitment.
type CommitmentConfig struct {
	Subscribe string `mapstructure:"subscribe"`
	Fetch     string `mapstructure:"fetch"`
	Confirm   string `mapstructure:"confirm"`
}

type SwapConfig struct {
	APIURL              string `mapstructure:"api_url"`
	APIKey              string `mapstructure:"api_key"`
	TimeoutMs           int    `mapstructure:"timeout_ms"`
	Retries             int    `mapstructure:"retries"`
	PriorityFeeLamports uint64 `mapstructure:"priority_fee_lamports"`
}

type RiskConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	StopLossPct       float64 `mapstructure:"stop_loss_pct"`
	TakeProfitPct     float64 `mapstructure:"take_profit_pct"`
	MonitorIntervalMs int     `mapstructure:"monitor_interval_ms"`
	ExitPauseMs       int     `mapstructure:"exit_pause_ms"`
}

type ClassifierConfig struct {
	SwapPrograms []string `mapstructure:"swap_programs"`
	BaseDustSOL  float64  `mapstructure:"base_dust_sol"`
	TokenDust    float64  `mapstructure:"token_dust"`
}

type MetadataConfig struct {
	TokenListURL string `mapstructure:"token_list_url"`
	CacheTTLMs   int    `mapstructure:"cache_ttl_ms"`
}

type TxConfig struct {
	SkipPreflight     bool `mapstructure:"skip_preflight"`
	MaxRetries        int  `mapstructure:"max_retries"`
	ConfirmTimeoutMs  int  `mapstructure:"confirm_timeout_ms"`
	PollIntervalMs    int  `mapstructure:"poll_interval_ms"`
	PipelineTimeoutMs int  `mapstructure:"pipeline_timeout_ms"`
}

type ListenerConfig struct {
	MaxInFlight int `mapstructure:"max_in_flight"`
	DedupTTLMs  int `mapstructure:"dedup_ttl_ms"`
}

const (
	DefaultWalletsFile       = "configs/wallets.yaml"
	DefaultPositionsFile     = "positions.json"
	DefaultSlippageBps       = 100
	DefaultCommitment        = "confirmed"
	DefaultSwapAPIURL        = "https://lite-api.jup.ag/swap/v1"
	DefaultSwapTimeoutMs     = 10000
	DefaultSwapRetries       = 3
	DefaultStopLossPct       = 20
	DefaultTakeProfitPct     = 50
	DefaultMonitorIntervalMs = 5000
	DefaultExitPauseMs       = 2000
	DefaultBaseDustSOL       = 0.001
	DefaultTokenDust         = 0.000001
	DefaultTokenListURL      = "https://lite-api.jup.ag/tokens/v1/tagged/verified"
	DefaultCacheTTLMs        = 3600000
	DefaultTxMaxRetries      = 3
	DefaultConfirmTimeoutMs  = 60000
	DefaultPollIntervalMs    = 500
	DefaultPipelineTimeoutMs = 90000
	DefaultMaxInFlight       = 16
	DefaultDedupTTLMs        = 600000
	DefaultShutdownGraceMs   = 15000
	DefaultLogFile           = "copybot.log"

	maxSlippageBps = 10000
	envPrefix      = "COPYBOT"
)

func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	defaults := map[string]interface{}{
		"wallets_file":               DefaultWalletsFile,
		"positions_file":             DefaultPositionsFile,
		"execute":                    false,
		"slippage_bps":               DefaultSlippageBps,
		"commitment.subscribe":       DefaultCommitment,
		"commitment.fetch":           DefaultCommitment,
		"commitment.confirm":         DefaultCommitment,
		"swap.api_url":               DefaultSwapAPIURL,
		"swap.api_key":               "",
		"swap.timeout_ms":            DefaultSwapTimeoutMs,
		"swap.retries":               DefaultSwapRetries,
		"swap.priority_fee_lamports": 0,
		"risk.enabled":               false,
		"risk.stop_loss_pct":         DefaultStopLossPct,
		"risk.take_profit_pct":       DefaultTakeProfitPct,
		"risk.monitor_interval_ms":   DefaultMonitorIntervalMs,
		"risk.exit_pause_ms":         DefaultExitPauseMs,
		"classifier.base_dust_sol":   DefaultBaseDustSOL,
		"classifier.token_dust":      DefaultTokenDust,
		"metadata.token_list_url":    DefaultTokenListURL,
		"metadata.cache_ttl_ms":      DefaultCacheTTLMs,
		"tx.skip_preflight":          true,
		"tx.max_retries":             DefaultTxMaxRetries,
		"tx.confirm_timeout_ms":      DefaultConfirmTimeoutMs,
		"tx.poll_interval_ms":        DefaultPollIntervalMs,
		"tx.pipeline_timeout_ms":     DefaultPipelineTimeoutMs,
		"listener.max_in_flight":     DefaultMaxInFlight,
		"listener.dedup_ttl_ms":      DefaultDedupTTLMs,
		"postgres_url":               "",
		"metrics_addr":               "",
		"shutdown_grace_ms":          DefaultShutdownGraceMs,
		"debug_logging":              false,
		"log_file":                   DefaultLogFile,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	loadEnvironmentLists(v, &cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func validateConfig(cfg *Config) error {
	if len(cfg.RPCList) == 0 {
		return errors.New("rpc_list is empty")
	}
	for _, rpcURL := range cfg.RPCList {
		if err := validateURLWithCache(rpcURL, "http"); err != nil {
			return fmt.Errorf("rpc_list entry %q: %w", rpcURL, err)
		}
	}
	if cfg.WebSocketURL == "" {
		return errors.New("websocket_url is required")
	}
	if err := validateURLWithCache(cfg.WebSocketURL, "ws"); err != nil {
		return fmt.Errorf("websocket_url: %w", err)
	}
	if err := validateURLWithCache(cfg.Swap.APIURL, "http"); err != nil {
		return fmt.Errorf("swap.api_url: %w", err)
	}
	if cfg.Metadata.TokenListURL != "" {
		if err := validateURLWithCache(cfg.Metadata.TokenListURL, "http"); err != nil {
			return fmt.Errorf("metadata.token_list_url: %w", err)
		}
	}

	if len(cfg.WatchedAccounts) == 0 {
		return errors.New("watched_accounts is empty")
	}
	for _, account := range cfg.WatchedAccounts {
		if _, err := solana.PublicKeyFromBase58(account); err != nil {
			return fmt.Errorf("watched account %q is not a valid public key", account)
		}
	}
	for _, program := range cfg.Classifier.SwapPrograms {
		if _, err := solana.PublicKeyFromBase58(program); err != nil {
			return fmt.Errorf("swap program %q is not a valid public key", program)
		}
	}

	for name, value := range map[string]string{
		"commitment.subscribe": cfg.Commitment.Subscribe,
		"commitment.fetch":     cfg.Commitment.Fetch,
		"commitment.confirm":   cfg.Commitment.Confirm,
	} {
		if _, err := blockchain.ParseCommitment(value); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	if cfg.WalletsFile == "" {
		return errors.New("wallets_file is required")
	}
	if cfg.PositionsFile == "" {
		return errors.New("positions_file is required")
	}
	return validateNumericParams(cfg)
}

func validateNumericParams(cfg *Config) error {
	if cfg.BuyAmountSOL <= 0 || cfg.BuyAmountLamports() == 0 {
		return errors.New("buy_amount_sol must be positive")
	}
	if cfg.SlippageBps < 0 || cfg.SlippageBps > maxSlippageBps {
		return errors.New("invalid slippage_bps")
	}
	if cfg.Swap.TimeoutMs <= 0 {
		return errors.New("invalid swap.timeout_ms")
	}
	if cfg.Swap.Retries <= 0 {
		return errors.New("invalid swap.retries")
	}
	if cfg.Risk.Enabled {
		if cfg.Risk.StopLossPct <= 0 || cfg.Risk.StopLossPct >= 100 {
			return errors.New("risk.stop_loss_pct must be in (0, 100)")
		}
		if cfg.Risk.TakeProfitPct <= 0 {
			return errors.New("risk.take_profit_pct must be positive")
		}
	}
	if cfg.Risk.MonitorIntervalMs <= 0 {
		return errors.New("invalid risk.monitor_interval_ms")
	}
	if cfg.Risk.ExitPauseMs < 0 {
		return errors.New("invalid risk.exit_pause_ms")
	}
	if cfg.Classifier.BaseDustSOL < 0 || cfg.Classifier.TokenDust < 0 {
		return errors.New("classifier dust thresholds must not be negative")
	}
	if cfg.Metadata.CacheTTLMs <= 0 {
		return errors.New("invalid metadata.cache_ttl_ms")
	}
	if cfg.Tx.MaxRetries < 0 {
		return errors.New("invalid tx.max_retries")
	}
	if cfg.Tx.ConfirmTimeoutMs <= 0 || cfg.Tx.PollIntervalMs <= 0 || cfg.Tx.PipelineTimeoutMs <= 0 {
		return errors.New("tx timeouts must be positive")
	}
	if cfg.Tx.PipelineTimeoutMs < cfg.Tx.ConfirmTimeoutMs {
		return errors.New("tx.pipeline_timeout_ms must not be shorter than tx.confirm_timeout_ms")
	}
	if cfg.Listener.MaxInFlight <= 0 {
		return errors.New("invalid listener.max_in_flight")
	}
	if cfg.Listener.DedupTTLMs <= 0 {
		return errors.New("listener.dedup_ttl_ms must be positive")
	}
	if cfg.ShutdownGraceMs <= 0 {
		return errors.New("invalid shutdown_grace_ms")
	}
	return nil
}

var urlCache sync.Map

func validateURLWithCache(rawURL string, protocol string) error {
	key := protocol + "|" + rawURL
	if _, ok := urlCache.Load(key); ok {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return errors.New("invalid URL format")
	}
	if !strings.HasPrefix(parsed.Scheme, protocol) || parsed.Host == "" {
		return errors.New("invalid URL protocol")
	}
	urlCache.Store(key, parsed)
	return nil
}

// loadEnvironmentLists lets list keys be overridden with comma separated
// env values (COPYBOT_RPC_LIST, COPYBOT_WATCHED_ACCOUNTS).
func loadEnvironmentLists(v *viper.Viper, cfg *Config) {
	if list := splitList(v.GetString("RPC_LIST")); len(list) > 0 {
		cfg.RPCList = list
	}
	if list := splitList(v.GetString("WATCHED_ACCOUNTS")); len(list) > 0 {
		cfg.WatchedAccounts = list
	}
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if clean := strings.TrimSpace(item); clean != "" {
			out = append(out, clean)
		}
	}
	return out
}

// BuyAmountLamports converts buy_amount_sol to lamports.
func (c *Config) BuyAmountLamports() uint64 {
	lamports := decimal.NewFromFloat(c.BuyAmountSOL).Shift(9).Floor()
	if lamports.Sign() <= 0 {
		return 0
	}
	return uint64(lamports.IntPart())
}

// BaseDustLamports converts classifier.base_dust_sol to lamports.
func (c *Config) BaseDustLamports() uint64 {
	dust := decimal.NewFromFloat(c.Classifier.BaseDustSOL).Shift(9).Floor()
	if dust.Sign() <= 0 {
		return 0
	}
	return uint64(dust.IntPart())
}

func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
