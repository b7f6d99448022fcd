// Command pettagent wires the verified-action submission pipeline and runs
// the staking checkpoint loop. The action pipeline itself is invoked by the
// embedding agent; this process only provides the periodic checkpoint caller.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/valory-xyz/pettai-agent-sub000/chain/evm"
	"github.com/valory-xyz/pettai-agent-sub000/checkpoint"
	"github.com/valory-xyz/pettai-agent-sub000/config"
	"github.com/valory-xyz/pettai-agent-sub000/contracts"
	"github.com/valory-xyz/pettai-agent-sub000/nonces"
	"github.com/valory-xyz/pettai-agent-sub000/pkg/logger"
	"github.com/valory-xyz/pettai-agent-sub000/safeexec"
	"github.com/valory-xyz/pettai-agent-sub000/sigverify"
	"github.com/valory-xyz/pettai-agent-sub000/txpolicy"
)

// checkpointInterval is the bounded polling interval for the scheduler.
const checkpointInterval = 7 * time.Minute

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "pettagent: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	lggr, err := logger.New()
	if err != nil {
		return fmt.Errorf("failed to construct logger: %w", err)
	}
	defer func() { _ = lggr.Sync() }()

	cfg, err := config.LoadEnv()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rpcs := []evm.RPC{{Name: "primary", URL: cfg.Chain.RPCURL}}
	for i, url := range cfg.Chain.BackupRPCURLs {
		rpcs = append(rpcs, evm.RPC{Name: fmt.Sprintf("backup-%d", i+1), URL: url})
	}
	client, err := evm.NewMultiClient(lggr, "evm", rpcs)
	if err != nil {
		return fmt.Errorf("failed to connect to RPC endpoints: %w", err)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("failed to read chain id: %w", err)
	}

	account, err := evm.NewAccountFromRaw(cfg.Chain.PrivateKey)
	if err != nil {
		return fmt.Errorf("failed to load agent account: %w", err)
	}
	lggr.Infow("agent account loaded", "address", account.Address().Hex(), "chainID", chainID)

	safeAddr, err := cfg.ResolveSafeAddress(chainID)
	if err != nil {
		return fmt.Errorf("failed to resolve multisig address: %w", err)
	}
	safe := contracts.Safe{Address: safeAddr}

	ownership := sigverify.NewOwnershipValidator(lggr.Named("ownership"), client, safe, account.Address())
	if err := ownership.Validate(ctx, true); err != nil {
		return fmt.Errorf("multisig ownership validation failed at startup: %w", err)
	}

	coordinator := nonces.NewCoordinator(lggr.Named("nonces"), client)
	policy := txpolicy.New(lggr.Named("txpolicy"), cfg.PriorityFeeOverride())
	executor := safeexec.New(
		lggr.Named("safeexec"), client, account, safe,
		coordinator, policy, ownership, chainID,
		safeexec.Config{
			SafeTxGasOverride: cfg.Gas.SafeTxGas,
			BaseGasOverride:   cfg.Gas.BaseGas,
			DryRun:            cfg.DryRun,
		},
	)

	if !cfg.Checkpoint.Enabled || cfg.Contracts.StakingAddress == "" {
		lggr.Infow("staking checkpoint disabled, nothing to run")

		return nil
	}

	staking := contracts.StakingProxy{Address: common.HexToAddress(cfg.Contracts.StakingAddress)}
	store := checkpoint.NewStore(lggr.Named("checkpoint"), cfg.Checkpoint.StateFile)
	scheduler := checkpoint.New(
		lggr.Named("checkpoint"), client, staking, executor, store,
		checkpoint.Config{LivenessPeriod: time.Duration(cfg.Checkpoint.LivenessSeconds) * time.Second},
	)

	lggr.Infow("starting checkpoint loop", "interval", checkpointInterval)
	ticker := time.NewTicker(checkpointInterval)
	defer ticker.Stop()

	for {
		if txHash, submitted, err := scheduler.MaybeSubmit(ctx, false); err != nil {
			lggr.Errorw("checkpoint evaluation failed", "err", err)
		} else if submitted {
			lggr.Infow("checkpoint submitted", "tx", txHash.Hex())
		}

		select {
		case <-ctx.Done():
			lggr.Infow("shutting down")

			return nil
		case <-ticker.C:
		}
	}
}
