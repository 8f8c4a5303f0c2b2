package runtime

import (
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// admissionConfig bounds how fast this node accepts new proposals. Grounded
// on SPEC_FULL.md's domain-stack note to replace the teacher's hand-rolled
// internal/core/ratelimiter.go token bucket with golang.org/x/time/rate's
// canonical one: Burst caps how many proposals can be admitted in a burst
// (the bound the Backpressure error kind names, §7), Rate caps the
// sustained admission rate between bursts.
type admissionConfig struct {
	Rate  rate.Limit
	Burst int
}

func defaultAdmissionConfig() admissionConfig {
	return admissionConfig{Rate: rate.Limit(500), Burst: 1000}
}

// proposalAdmission gates Propose calls with a token bucket: each call
// consumes one token, refilled at config.Rate up to config.Burst.
type proposalAdmission struct {
	limiter *rate.Limiter
	config  admissionConfig
	logger  *zap.Logger
}

func newProposalAdmission(cfg admissionConfig, logger *zap.Logger) *proposalAdmission {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &proposalAdmission{
		limiter: rate.NewLimiter(cfg.Rate, cfg.Burst),
		config:  cfg,
		logger:  logger,
	}
}

// admit reports whether a new proposal may proceed, consuming a token if
// so. There is nothing to release afterward: the bucket refills on its
// own schedule rather than on proposal completion.
func (a *proposalAdmission) admit() bool {
	if !a.limiter.Allow() {
		a.logger.Warn("runtime: rejecting proposal, admission bucket exhausted",
			zap.Int("bound", a.config.Burst))
		return false
	}
	return true
}

// outstandingCount estimates how many of the burst's tokens are currently
// spent, for diagnostics and error reporting; it is not an exact inflight
// count since tokens also refill with time.
func (a *proposalAdmission) outstandingCount() int {
	spent := float64(a.config.Burst) - a.limiter.Tokens()
	if spent < 0 {
		spent = 0
	}
	return int(spent)
}

func (a *proposalAdmission) bound() int {
	return a.config.Burst
}
