// Package config loads the agent's runtime configuration from environment
// variables, with optional file-based overrides for local development. All
// numeric overrides are validated and clamped to safe bounds rather than
// trusted verbatim.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"slices"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

// DefaultActionRepoAddress is the canonical action repository deployment.
const DefaultActionRepoAddress = "0x907afc85f3922cbdeb7b9ed806742b4ef998df31"

// Override clamp bounds. Values outside these ranges are pulled back to the
// nearest bound, never rejected.
const (
	MinSafeTxGasOverride = 30_000
	MaxSafeTxGasOverride = 5_000_000
	MinBaseGasOverride   = 1_000
	MaxBaseGasOverride   = 500_000
)

// chainNames maps chain ids to the keys used in the JSON multisig address
// mapping.
var chainNames = map[uint64]string{
	1:        "ethereum",
	5:        "goerli",
	11155111: "sepolia",
	100:      "gnosis",
	8453:     "base",
	84532:    "base_sepolia",
	137:      "polygon",
	56:       "bsc",
}

// ChainConfig is the RPC and signing configuration.
//
// WARNING: This data type contains sensitive fields and should not be logged
// or set in file configuration.
type ChainConfig struct {
	RPCURL        string   `mapstructure:"rpc_url" yaml:"rpc_url"`                           // The primary JSON-RPC endpoint
	BackupRPCURLs []string `mapstructure:"backup_rpc_urls" yaml:"backup_rpc_urls,omitempty"` // Fallback JSON-RPC endpoints
	PrivateKey    string   `mapstructure:"private_key" yaml:"private_key"`                   // Secret: The private key of the agent account
}

// ContractsConfig locates the on-chain contracts.
type ContractsConfig struct {
	ActionRepoAddress string `mapstructure:"action_repo_address" yaml:"action_repo_address"` // The action repository contract
	SafeAddress       string `mapstructure:"safe_address" yaml:"safe_address"`               // The multisig wallet address (takes priority)
	SafeAddressMap    string `mapstructure:"safe_address_map" yaml:"safe_address_map"`       // JSON mapping of chain name or id to multisig address
	StakingAddress    string `mapstructure:"staking_address" yaml:"staking_address"`         // The staking proxy contract; empty disables checkpointing
}

// GasConfig carries operator gas and fee overrides.
type GasConfig struct {
	SafeTxGas      uint64 `mapstructure:"safe_tx_gas" yaml:"safe_tx_gas"`           // Overrides the estimated inner call gas; clamped
	BaseGas        uint64 `mapstructure:"base_gas" yaml:"base_gas"`                 // Overrides the multisig base gas; clamped
	PriorityFeeWei int64  `mapstructure:"priority_fee_wei" yaml:"priority_fee_wei"` // Overrides the RPC priority fee suggestion; clamped by the fee policy
}

// CheckpointConfig tunes the staking checkpoint scheduler.
type CheckpointConfig struct {
	Enabled         bool   `mapstructure:"enabled" yaml:"enabled"`
	StateFile       string `mapstructure:"state_file" yaml:"state_file"`
	LivenessSeconds uint64 `mapstructure:"liveness_seconds" yaml:"liveness_seconds"` // Overrides the contract's liveness period when the read fails
}

// Config wraps the entire agent configuration.
type Config struct {
	Chain      ChainConfig      `mapstructure:"chain" yaml:"chain"`
	Contracts  ContractsConfig  `mapstructure:"contracts" yaml:"contracts"`
	Gas        GasConfig        `mapstructure:"gas" yaml:"gas"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint" yaml:"checkpoint"`
	DryRun     bool             `mapstructure:"dry_run" yaml:"dry_run"` // Build transactions but never broadcast
}

// Load loads the config from the file path, falling back to env vars if the
// file does not exist. Env vars override file values either way.
func Load(filePath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(filePath)

	if err := bindEnvs(v); err != nil {
		return nil, err
	}

	if _, err := os.Stat(filePath); !errors.Is(err, fs.ErrNotExist) {
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, cfg.validate()
}

// LoadEnv loads the config from the environment variables only.
func LoadEnv() (*Config, error) {
	v := viper.New()

	if err := bindEnvs(v); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, cfg.validate()
}

// validate checks required fields and clamps overrides into bounds.
func (c *Config) validate() error {
	if strings.TrimSpace(c.Chain.RPCURL) == "" {
		return errors.New("chain.rpc_url is required")
	}
	if strings.TrimSpace(c.Chain.PrivateKey) == "" {
		return errors.New("chain.private_key is required")
	}

	if c.Contracts.ActionRepoAddress == "" {
		c.Contracts.ActionRepoAddress = DefaultActionRepoAddress
	}
	if !common.IsHexAddress(c.Contracts.ActionRepoAddress) {
		return fmt.Errorf("invalid action repo address %q", c.Contracts.ActionRepoAddress)
	}
	if c.Contracts.StakingAddress != "" && !common.IsHexAddress(c.Contracts.StakingAddress) {
		return fmt.Errorf("invalid staking contract address %q", c.Contracts.StakingAddress)
	}

	if c.Checkpoint.Enabled && strings.TrimSpace(c.Checkpoint.StateFile) == "" {
		c.Checkpoint.StateFile = "checkpoint_state.json"
	}

	c.Gas.SafeTxGas = clamp(c.Gas.SafeTxGas, MinSafeTxGasOverride, MaxSafeTxGasOverride)
	c.Gas.BaseGas = clamp(c.Gas.BaseGas, MinBaseGasOverride, MaxBaseGasOverride)
	if c.Gas.PriorityFeeWei < 0 {
		c.Gas.PriorityFeeWei = 0
	}

	return nil
}

// PriorityFeeOverride returns the configured priority fee, or nil when unset.
func (c *Config) PriorityFeeOverride() *big.Int {
	if c.Gas.PriorityFeeWei <= 0 {
		return nil
	}

	return big.NewInt(c.Gas.PriorityFeeWei)
}

// ResolveSafeAddress returns the multisig wallet address for chainID. A
// directly configured address wins; otherwise the JSON mapping is consulted
// by chain name, then by decimal chain id.
func (c *Config) ResolveSafeAddress(chainID *big.Int) (common.Address, error) {
	if addr := strings.TrimSpace(c.Contracts.SafeAddress); addr != "" {
		if !common.IsHexAddress(addr) {
			return common.Address{}, fmt.Errorf("invalid multisig address %q", addr)
		}

		return common.HexToAddress(addr), nil
	}

	raw := strings.TrimSpace(c.Contracts.SafeAddressMap)
	if raw == "" {
		return common.Address{}, errors.New("no multisig address configured")
	}

	var mapping map[string]string
	if err := json.Unmarshal([]byte(raw), &mapping); err != nil {
		return common.Address{}, fmt.Errorf("invalid multisig address mapping: %w", err)
	}

	var candidates []string
	if chainID != nil {
		if name, ok := chainNames[chainID.Uint64()]; ok {
			candidates = append(candidates, name)
		}
		candidates = append(candidates, chainID.String())
	}

	for _, key := range candidates {
		if addr, ok := mapping[key]; ok && common.IsHexAddress(addr) {
			return common.HexToAddress(addr), nil
		}
	}

	return common.Address{}, fmt.Errorf("no multisig address for chain %s in mapping", chainID)
}

func clamp(v, lo, hi uint64) uint64 {
	if v == 0 {
		return 0
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}

	return v
}

var (
	// envBindings defines how environment variables map to configuration keys
	// used by Viper. The first element in each list is the preferred name;
	// later entries keep compatibility with the legacy deployment naming.
	envBindings = map[string][]string{
		"chain.rpc_url":                 {"RPC_URL", "CONNECTION_CONFIGS_CONFIG_RPC_URLS"},
		"chain.backup_rpc_urls":         {"BACKUP_RPC_URLS"},
		"chain.private_key":             {"AGENT_PRIVATE_KEY", "ETHEREUM_PRIVATE_KEY"},
		"contracts.action_repo_address": {"ACTION_REPO_ADDRESS"},
		"contracts.safe_address":        {"SAFE_CONTRACT_ADDRESS", "CONNECTION_CONFIGS_CONFIG_SAFE_CONTRACT_ADDRESS"},
		"contracts.safe_address_map":    {"SAFE_CONTRACT_ADDRESSES", "CONNECTION_CONFIGS_CONFIG_SAFE_CONTRACT_ADDRESSES"},
		"contracts.staking_address":     {"STAKING_CONTRACT_ADDRESS"},
		"gas.safe_tx_gas":               {"ACTION_SAFE_TX_GAS"},
		"gas.base_gas":                  {"ACTION_SAFE_BASE_GAS"},
		"gas.priority_fee_wei":          {"ACTION_PRIORITY_FEE_WEI"},
		"checkpoint.enabled":            {"STAKING_CHECKPOINT_ENABLED"},
		"checkpoint.state_file":         {"STAKING_CHECKPOINT_STATE_FILE"},
		"checkpoint.liveness_seconds":   {"STAKING_LIVENESS_PERIOD"},
		"dry_run":                       {"SUBMISSION_DRY_RUN"},
	}
)

// bindEnvs binds the environment variable mappings to the viper instance.
func bindEnvs(v *viper.Viper) error {
	for key, envs := range envBindings {
		inputs := slices.Insert(envs, 0, key)

		if err := v.BindEnv(inputs...); err != nil {
			return err
		}
	}

	return nil
}
