package risk

import (
	"log/slog"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/davidahmann/sponsorgate/internal/policy"
	"github.com/davidahmann/sponsorgate/pkg/types"
	"github.com/ethereum/go-ethereum/common"
)

const (
	pointsHardViolation   = 100
	pointsUnknownMerchant = 20
	pointsUnknownAsset    = 15
	pointsAmountOutlier   = 25
	pointsHighVelocity    = 30
	pointsPerFailure      = 10
	minOutlierSamples     = 10
	outlierSigmas         = 2.0
	maxScore              = 100
	monitorThreshold      = 30
	manualReviewThreshold = 60
	blockThreshold        = 80
)

const (
	FlagAssetNotAllowed    = "asset_not_allowed"
	FlagMerchantNotAllowed = "merchant_not_allowed"
	FlagEpochOutOfRange    = "epoch_out_of_range"
	FlagUnknownMerchant    = "unknown_merchant"
	FlagUnknownAsset       = "unknown_asset"
	FlagAmountOutlier      = "amount_outlier"
	FlagHighVelocity       = "high_velocity"
	FlagRecentFailures     = "recent_failures"
)

type Config struct {
	OutlierWindow     int
	VelocityWindow    time.Duration
	VelocityThreshold int
	FailureWindow     time.Duration
	KnownAssets       []string
}

func DefaultConfig() Config {
	return Config{
		OutlierWindow:     100,
		VelocityWindow:    time.Hour,
		VelocityThreshold: 10,
		FailureWindow:     time.Hour,
	}
}

// Evaluator scores payment requests for one policy. It reads the ledger
// never; its only side effect is appending to History.
type Evaluator struct {
	Policy   policy.Policy
	Registry Registry
	History  *History
	Config   Config
	Logger   *slog.Logger
	Now      func() time.Time

	known map[string]struct{}
}

func NewEvaluator(p policy.Policy, registry Registry, history *History, cfg Config) *Evaluator {
	if history == nil {
		history = NewHistory(DefaultHistorySize)
	}
	defaults := DefaultConfig()
	if cfg.OutlierWindow <= 0 {
		cfg.OutlierWindow = defaults.OutlierWindow
	}
	if cfg.VelocityWindow <= 0 {
		cfg.VelocityWindow = defaults.VelocityWindow
	}
	if cfg.VelocityThreshold <= 0 {
		cfg.VelocityThreshold = defaults.VelocityThreshold
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = defaults.FailureWindow
	}
	known := make(map[string]struct{}, len(cfg.KnownAssets))
	for _, a := range cfg.KnownAssets {
		known[strings.ToLower(a)] = struct{}{}
	}
	return &Evaluator{
		Policy:   p,
		Registry: registry,
		History:  history,
		Config:   cfg,
		known:    known,
	}
}

// Evaluate scores req for the given epoch and returns the decision.
// Invalid input fails with a *ValidationError before any scoring.
func (e *Evaluator) Evaluate(req types.PaymentRequest, epoch uint64) (types.RiskDecision, error) {
	if err := ValidateRequest(req); err != nil {
		return types.RiskDecision{}, err
	}
	now := e.now()

	var (
		score      int
		flags      []string
		violations []string
	)

	if !e.Policy.AssetAllowed(req.Asset) {
		score += pointsHardViolation
		violations = append(violations, FlagAssetNotAllowed)
	}
	if !e.Policy.MerchantAllowed(req.Merchant) {
		score += pointsHardViolation
		violations = append(violations, FlagMerchantNotAllowed)
	}
	if !e.Policy.EpochValid(epoch, now) {
		score += pointsHardViolation
		violations = append(violations, FlagEpochOutOfRange)
	}
	flags = append(flags, violations...)

	merchantKnown := true
	if e.Registry == nil {
		merchantKnown = false
	} else if _, ok := e.Registry.Lookup(req.Merchant); !ok {
		merchantKnown = false
	}
	if !merchantKnown {
		score += pointsUnknownMerchant
		flags = append(flags, FlagUnknownMerchant)
	}

	_, assetKnown := e.known[strings.ToLower(req.Asset)]
	if !assetKnown {
		score += pointsUnknownAsset
		flags = append(flags, FlagUnknownAsset)
	}

	mean, stddev, samples := e.History.AmountStats(e.Config.OutlierWindow)
	if samples >= minOutlierSamples && math.Abs(toFloat(req.Amount)-mean) > outlierSigmas*stddev {
		score += pointsAmountOutlier
		flags = append(flags, FlagAmountOutlier)
	}

	if e.History.MerchantCount(req.Merchant, now.Add(-e.Config.VelocityWindow)) >= e.Config.VelocityThreshold {
		score += pointsHighVelocity
		flags = append(flags, FlagHighVelocity)
	}

	if failures := e.History.FailureCount(req.Merchant, now.Add(-e.Config.FailureWindow)); failures > 0 {
		score += pointsPerFailure * failures
		flags = append(flags, FlagRecentFailures)
	}

	if score > maxScore {
		score = maxScore
	}

	decision := classify(score, violations)
	decision.Flags = append(flags, decision.Flags...)
	decision.Confidence = confidence(merchantKnown, assetKnown, e.History.Len())

	e.History.Append(Sample{
		Merchant: req.Merchant,
		Amount:   new(big.Int).Set(req.Amount),
		At:       now,
		Approved: decision.Approved,
	})

	resolveLogger(e.Logger).Info("risk evaluated",
		"event", "risk_evaluated",
		"module", "risk",
		"policy_id", e.Policy.PolicyID,
		"epoch", epoch,
		"merchant", req.Merchant,
		"risk_score", decision.RiskScore,
		"approved", decision.Approved,
	)
	return decision, nil
}

// RecordFailure feeds a failed attempt back into the failed-attempt factor.
func (e *Evaluator) RecordFailure(merchant string, at time.Time) {
	e.History.RecordFailure(merchant, at)
}

// ValidateRequest checks addresses and amount without scoring.
func ValidateRequest(req types.PaymentRequest) error {
	if !isAddress(req.Merchant) {
		return &ValidationError{Field: "merchant", Reason: "must be a 0x-prefixed 20-byte hex address"}
	}
	if !isAddress(req.Asset) {
		return &ValidationError{Field: "asset", Reason: "must be a 0x-prefixed 20-byte hex address"}
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return &ValidationError{Field: "amount", Reason: "must be greater than zero"}
	}
	return nil
}

func classify(score int, violations []string) types.RiskDecision {
	d := types.RiskDecision{RiskScore: score}
	switch {
	case len(violations) > 0:
		d.Reason = "policy violation: " + strings.Join(violations, ", ")
		d.SuggestedAction = types.ActionBlock
	case score < monitorThreshold:
		d.Approved = true
		d.Reason = "low risk"
		d.SuggestedAction = types.ActionProceed
	case score < manualReviewThreshold:
		d.Approved = true
		d.Reason = "medium risk, monitored"
		d.Flags = []string{types.FlagRequiresMonitoring}
		d.SuggestedAction = types.ActionMonitor
	case score < blockThreshold:
		d.Reason = "requires manual review"
		d.SuggestedAction = types.ActionManualReview
	default:
		d.Reason = "very high risk"
		d.SuggestedAction = types.ActionBlock
	}
	return d
}

func confidence(merchantKnown, assetKnown bool, samples int) float64 {
	c := 0.95
	if !merchantKnown {
		c -= 0.15
	}
	if !assetKnown {
		c -= 0.10
	}
	if samples < minOutlierSamples {
		c -= 0.20
	}
	return math.Min(1, math.Max(0.1, c))
}

func (e *Evaluator) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func isAddress(s string) bool {
	return strings.HasPrefix(s, "0x") && len(s) == 2+2*common.AddressLength && common.IsHexAddress(s)
}

func resolveLogger(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.Default()
}
