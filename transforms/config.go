package transforms

import "github.com/xyproto/env/v2"

// Environment variables read by ConfigFromEnv. Any value env.Bool accepts as true ("1",
// "true", "yes", ...) disables the corresponding rewrites.
const (
	EnvDisableTensorIterator      = "SEQFUSE_DISABLE_TI"
	EnvDisableLoop                = "SEQFUSE_DISABLE_LOOP"
	EnvDisableReverseFusion       = "SEQFUSE_DISABLE_REVERSE"
	EnvDisableBidirectionalFusion = "SEQFUSE_DISABLE_BIDIRECTIONAL"
)

// Config selects which rewrites NewPipeline includes. The zero value enables everything.
type Config struct {
	// DisableTensorIterator drops the TensorIterator→sequence converters.
	DisableTensorIterator bool

	// DisableLoop drops the Loop→sequence converters.
	DisableLoop bool

	// DisableReverseFusion drops the FuseReverseSequence stage.
	DisableReverseFusion bool

	// DisableBidirectionalFusion drops the FuseSequencesToBidirectionalSequence stage.
	DisableBidirectionalFusion bool
}

// DefaultConfig returns the configuration with every rewrite enabled.
func DefaultConfig() Config {
	return Config{}
}

// ConfigFromEnv returns DefaultConfig, with the rewrites disabled by the SEQFUSE_DISABLE_*
// environment variables turned off.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	cfg.DisableTensorIterator = env.Bool(EnvDisableTensorIterator)
	cfg.DisableLoop = env.Bool(EnvDisableLoop)
	cfg.DisableReverseFusion = env.Bool(EnvDisableReverseFusion)
	cfg.DisableBidirectionalFusion = env.Bool(EnvDisableBidirectionalFusion)
	return cfg
}
