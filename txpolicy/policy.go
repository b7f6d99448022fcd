// Package txpolicy computes gas limits and EIP-1559 fee parameters for every
// transaction the agent submits. All heuristic constants live here so they can
// be tuned independently of the submission logic.
package txpolicy

import (
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"

	"github.com/valory-xyz/pettai-agent-sub000/pkg/logger"
)

// Fee bounds in wei. Mainnet-style tips are far above what the target chains
// need, so everything is clamped into a narrow sub-gwei band.
const (
	DefaultPriorityFeeWei = 5_000_000  // 0.005 gwei
	MinPriorityFeeWei     = 1_000_000  // 0.001 gwei floor
	MaxPriorityFeeWei     = 50_000_000 // 0.05 gwei cap
	MinFeeBufferWei       = 5_000_000  // 0.005 gwei headroom over base fee
	MaxFeeBufferWei       = 50_000_000 // 0.05 gwei cap
)

// MaxTransactionGas is the hard per-transaction gas ceiling (2^24) enforced
// network-wide since the Fusaka upgrade. Every computed limit is clamped to
// it, never rejected.
const MaxTransactionGas = 16_777_216

// Safe execTransaction gas tuning.
const (
	MinGas                       = 1
	GasAdjustment                = 50_000
	DefaultSafeTxGas             = 60_000
	DefaultBaseGas               = 10_000
	MinSafeTxGasOverride         = 30_000
	MaxSafeTxGasOverride         = 5_000_000
	MinBaseGasOverride           = 1_000
	MaxBaseGasOverride           = 500_000
	SafeExecutionHeadroom        = 10_000
	SafeGasEstimateMinHeadroom   = 60_000
	SafeIntrinsicDynamicMargin   = 120_000
	SafeMinFallbackGas           = 450_000
	SafeFallbackAdditionalBuffer = 200_000
	InnerGasEstimateMinHeadroom  = 20_000
)

// Intrinsic calldata cost parameters.
const (
	TxBaseIntrinsicGas       = 21_000
	CalldataZeroByteCost     = 4
	CalldataNonZeroByteCost  = 16
	SafeIntrinsicGasBuffer   = 10_000
	SafeIntrinsicFallbackGas = 70_000
)

// FeeParams carries either EIP-1559 fee components or a legacy gas price,
// never both.
type FeeParams struct {
	// GasPrice is set on chains that do not expose a base fee.
	GasPrice *big.Int
	// GasTipCap and GasFeeCap are set on EIP-1559 chains.
	GasTipCap *big.Int
	GasFeeCap *big.Int
}

// Dynamic reports whether the parameters describe an EIP-1559 transaction.
func (f FeeParams) Dynamic() bool {
	return f.GasPrice == nil
}

// Policy derives fee parameters and gas limits. It holds no mutable state:
// for fixed inputs its outputs are always identical.
type Policy struct {
	lggr logger.Logger

	// priorityFeeOverride, when non-nil, replaces the RPC tip suggestion.
	// It is still clamped to the bounds above.
	priorityFeeOverride *big.Int
}

// New returns a Policy. priorityFeeOverride may be nil.
func New(lggr logger.Logger, priorityFeeOverride *big.Int) *Policy {
	return &Policy{lggr: lggr, priorityFeeOverride: priorityFeeOverride}
}

// Fees computes the fee parameters from the latest block header and the
// node's suggestions. header may be nil when the header fetch failed; the
// policy then falls back to the legacy gas price, as it does when the chain
// exposes no base fee.
func (p *Policy) Fees(header *types.Header, suggestedTip, suggestedGasPrice *big.Int) FeeParams {
	if header == nil || header.BaseFee == nil {
		p.lggr.Debugw("no base fee available, using legacy gas price", "gasPrice", suggestedGasPrice)
		return FeeParams{GasPrice: suggestedGasPrice}
	}

	priorityFee := p.priorityFee(suggestedTip)
	buffer := feeBuffer(priorityFee)

	maxFee := new(big.Int).Add(header.BaseFee, priorityFee)
	maxFee.Add(maxFee, buffer)

	p.lggr.Debugw("fee params",
		"baseFee", header.BaseFee, "priorityFee", priorityFee, "buffer", buffer, "maxFee", maxFee)

	return FeeParams{
		GasTipCap: priorityFee,
		GasFeeCap: maxFee,
	}
}

func (p *Policy) priorityFee(suggestedTip *big.Int) *big.Int {
	var fee *big.Int
	switch {
	case p.priorityFeeOverride != nil:
		fee = new(big.Int).Set(p.priorityFeeOverride)
		p.lggr.Debugw("using priority fee override", "priorityFee", fee)
	case suggestedTip != nil && suggestedTip.Sign() > 0:
		fee = new(big.Int).Set(suggestedTip)
	default:
		fee = big.NewInt(DefaultPriorityFeeWei)
	}

	if fee.Sign() <= 0 {
		fee = big.NewInt(DefaultPriorityFeeWei)
	}
	if fee.Cmp(big.NewInt(MinPriorityFeeWei)) < 0 {
		fee = big.NewInt(MinPriorityFeeWei)
	} else if fee.Cmp(big.NewInt(MaxPriorityFeeWei)) > 0 {
		fee = big.NewInt(MaxPriorityFeeWei)
	}

	return fee
}

// feeBuffer returns clamp(priorityFee, MinFeeBufferWei, MaxFeeBufferWei).
func feeBuffer(priorityFee *big.Int) *big.Int {
	if priorityFee == nil || priorityFee.Sign() <= 0 {
		return big.NewInt(MinFeeBufferWei)
	}
	if priorityFee.Cmp(big.NewInt(MinFeeBufferWei)) < 0 {
		return big.NewInt(MinFeeBufferWei)
	}
	if priorityFee.Cmp(big.NewInt(MaxFeeBufferWei)) > 0 {
		return big.NewInt(MaxFeeBufferWei)
	}

	return new(big.Int).Set(priorityFee)
}

// BufferInnerEstimate cushions a simulated estimate of the inner contract
// call: max(estimate*1.2, estimate+20k), capped.
func (p *Policy) BufferInnerEstimate(estimate uint64) uint64 {
	buffered := maxUint64(estimate*6/5, estimate+InnerGasEstimateMinHeadroom)

	return p.CapGas(maxUint64(buffered, MinGas), "inner call gas estimate")
}

// BufferOuterEstimate cushions a simulated estimate of the wrapped
// execTransaction call and enforces the deterministic floor: the gas the
// wallet must be able to forward to the inner call plus the intrinsic
// calldata cost.
func (p *Policy) BufferOuterEstimate(estimate, intrinsicGas, safeTxGas, baseGas uint64) uint64 {
	buffered := maxUint64(estimate*3/2, estimate+SafeGasEstimateMinHeadroom)

	requiredWithHeadroom := OuterRequirement(safeTxGas, baseGas)
	intrinsicFloor := intrinsicGas + SafeIntrinsicDynamicMargin
	minimumLimit := maxUint64(requiredWithHeadroom+intrinsicGas, intrinsicFloor)
	if buffered < minimumLimit {
		p.lggr.Warnw("outer gas estimate below dynamic minimum, raising to minimum",
			"buffered", buffered, "minimum", minimumLimit, "intrinsic", intrinsicGas)
	}

	return p.CapGas(maxUint64(buffered, minimumLimit), "execTransaction gas estimate")
}

// ConfiguredGas derives the gas limit from the configured safeTxGas/baseGas
// pair when no usable estimate exists yet.
func (p *Policy) ConfiguredGas(safeTxGas, baseGas, intrinsicGas uint64) uint64 {
	if safeTxGas == 0 && baseGas == 0 {
		return p.CapGas(maxUint64(intrinsicGas, MinGas), "configured execTransaction gas limit")
	}

	configured := maxUint64(baseGas+safeTxGas+GasAdjustment, OuterRequirement(safeTxGas, baseGas))
	configured += intrinsicGas

	return p.CapGas(configured, "configured execTransaction gas limit")
}

// FallbackGas is the safety-net limit used when estimation fails entirely.
func (p *Policy) FallbackGas(intrinsicGas, safeTxGas, baseGas uint64) uint64 {
	requirement := OuterRequirement(safeTxGas, baseGas)
	floor := maxUint64(
		maxUint64(intrinsicGas+SafeFallbackAdditionalBuffer, requirement+intrinsicGas),
		SafeMinFallbackGas,
	)

	return p.CapGas(floor, "execTransaction gas limit fallback")
}

// CapGas clamps gas to the network's hard per-transaction ceiling, logging a
// warning when the clamp bites.
func (p *Policy) CapGas(gas uint64, context string) uint64 {
	if gas <= MaxTransactionGas {
		return gas
	}
	p.lggr.Warnw("gas exceeds per-transaction limit, capping",
		"context", context, "gas", gas, "limit", uint64(MaxTransactionGas))

	return MaxTransactionGas
}

// SafeExecMinGas returns the minimum gas the wallet's execTransaction expects
// to remain when forwarding safeTxGas to the inner call. The EVM retains 1/64
// of the available gas on a CALL, so ceil(safeTxGas*64/63) plus fixed margins
// must survive up to that point.
func SafeExecMinGas(safeTxGas uint64) uint64 {
	scaled := (safeTxGas*64 + 62) / 63
	requirement := maxUint64(scaled, safeTxGas+2_500) + 500

	return requirement
}

// OuterRequirement is the deterministic minimum the outer transaction needs
// before intrinsic calldata cost.
func OuterRequirement(safeTxGas, baseGas uint64) uint64 {
	return SafeExecMinGas(safeTxGas) + baseGas + SafeExecutionHeadroom
}

// IntrinsicGas computes the fixed cost of carrying calldata: base transaction
// cost plus per-byte calldata cost, plus a small buffer. An empty calldata
// slice yields the fallback constant.
func IntrinsicGas(calldata []byte) uint64 {
	if len(calldata) == 0 {
		return SafeIntrinsicFallbackGas
	}

	var zeroBytes uint64
	for _, b := range calldata {
		if b == 0 {
			zeroBytes++
		}
	}
	nonZeroBytes := uint64(len(calldata)) - zeroBytes

	intrinsic := uint64(TxBaseIntrinsicGas) +
		zeroBytes*CalldataZeroByteCost +
		nonZeroBytes*CalldataNonZeroByteCost

	return intrinsic + SafeIntrinsicGasBuffer
}

func maxUint64(a, b uint64) uint64 {
	if a > b {
		return a
	}

	return b
}
