package transforms

import (
	"slices"

	"github.com/gomlx/seqfuse/ir"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Stage names of the default pipeline.
const (
	StageConvertToSequence = "ConvertTensorIteratorToSequence"
	StageFuseReverse       = "FuseReverseSequence"
	StageFuseBidirectional = "FuseSequencesToBidirectionalSequence"
)

// Pipeline is an explicit ordered list of stages. Each stage runs over the whole graph before
// the next one starts, and unreachable nodes are swept after each stage.
type Pipeline struct {
	stages []*GraphRewrite
}

// NewPipeline creates the default pipeline: loop conversions, then reverse collapse, then
// bidirectional merge. Rewrites disabled in cfg are left out.
func NewPipeline(cfg Config) *Pipeline {
	var stages []*GraphRewrite
	convert := newConversionStage(cfg)
	if len(convert.converters) > 0 {
		stages = append(stages, convert)
	}
	if !cfg.DisableReverseFusion {
		stages = append(stages, NewGraphRewrite(StageFuseReverse, FuseReverseSequence()))
	}
	if !cfg.DisableBidirectionalFusion {
		stages = append(stages, NewGraphRewrite(StageFuseBidirectional, FuseSequencesToBidirectionalSequence()))
	}
	return NewPipelineWithStages(stages...)
}

// NewPipelineWithStages creates a pipeline running the given stages in order.
func NewPipelineWithStages(stages ...*GraphRewrite) *Pipeline {
	return &Pipeline{stages: slices.Clone(stages)}
}

// Stages returns the names of the stages, in order.
func (p *Pipeline) Stages() []string {
	names := make([]string, len(p.stages))
	for ii, stage := range p.stages {
		names[ii] = stage.Name()
	}
	return names
}

// Without returns a copy of the pipeline without the named stages.
func (p *Pipeline) Without(names ...string) *Pipeline {
	var stages []*GraphRewrite
	for _, stage := range p.stages {
		if !slices.Contains(names, stage.Name()) {
			stages = append(stages, stage)
		}
	}
	return NewPipelineWithStages(stages...)
}

// Stats reports what a Pipeline.Run did.
type Stats struct {
	// Rewrites per stage name.
	Rewrites map[string]int

	// Swept is the number of nodes removed by the sweeps after each stage, bodies included.
	Swept int
}

// Total number of rewrites, over all stages.
func (s Stats) Total() int {
	total := 0
	for _, count := range s.Rewrites {
		total += count
	}
	return total
}

// Run validates g and applies every stage in order.
//
// On error, the rewrite that failed has been rolled back, but the rewrites applied before it
// are kept.
func (p *Pipeline) Run(g *ir.Graph) (stats Stats, err error) {
	stats.Rewrites = make(map[string]int, len(p.stages))
	if err = g.Validate(); err != nil {
		return stats, errors.WithMessage(err, "pipeline input")
	}
	for _, stage := range p.stages {
		count, err := stage.Run(g)
		stats.Rewrites[stage.Name()] = count
		if err != nil {
			return stats, err
		}
		swept := g.Sweep()
		stats.Swept += swept
		klog.V(2).Infof("graph %q: stage %s applied %d rewrites, swept %d nodes", g.Name(), stage.Name(), count, swept)
	}
	return stats, nil
}
