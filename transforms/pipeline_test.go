package transforms

import (
	"testing"

	"github.com/gomlx/seqfuse/internal/irtest"
	"github.com/gomlx/seqfuse/ir"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipelineStages(t *testing.T) {
	p := NewPipeline(DefaultConfig())
	assert.Equal(t, []string{StageConvertToSequence, StageFuseReverse, StageFuseBidirectional}, p.Stages())
	assert.Equal(t, []string{StageConvertToSequence, StageFuseBidirectional}, p.Without(StageFuseReverse).Stages())
	assert.Len(t, p.Stages(), 3, "Without must not modify the original pipeline")

	p = NewPipeline(Config{DisableTensorIterator: true, DisableLoop: true, DisableBidirectionalFusion: true})
	assert.Equal(t, []string{StageFuseReverse}, p.Stages())
}

func TestPipelineWithStages(t *testing.T) {
	p := NewPipelineWithStages(ConvertLoopToSequence())
	assert.Equal(t, []string{"ConvertLoopToSequence"}, p.Stages())

	cfg := irtest.DefaultLoopConfig(ir.KindGRUCell)
	g := irtest.TensorIterator(cfg)
	stats, err := p.Run(g)
	require.NoError(t, err)
	assert.Zero(t, stats.Total(), "TensorIterator converters are not part of the pipeline")

	g = irtest.SlicedLoop(cfg)
	stats, err = p.Run(g)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Rewrites["ConvertLoopToSequence"])
}

func TestConversionStageComposition(t *testing.T) {
	names := func(r *GraphRewrite) (names []string) {
		for _, c := range r.Converters() {
			names = append(names, c.Name())
		}
		return
	}
	stage := ConvertTensorIteratorToSequence()
	assert.Equal(t, StageConvertToSequence, stage.Name())
	assert.Equal(t, []string{
		"ConvertTensorIteratorToLSTMSequence",
		"ConvertTensorIteratorToRNNSequence",
		"ConvertTensorIteratorToGRUSequence",
		"ConvertLoopToSequence",
	}, names(stage))
	assert.Equal(t, []string{
		"ConvertLoopWithScatterUpdateToSequence",
		"ConvertLoopWithSlicedInputConcatOutputToSequence",
	}, names(ConvertLoopToSequence()))
	assert.Equal(t, []string{"ConvertLoopToSequence"}, names(newConversionStage(Config{DisableTensorIterator: true})))
}

func TestConfigDisablesConversions(t *testing.T) {
	cfg := irtest.DefaultLoopConfig(ir.KindLSTMCell)

	g := irtest.TensorIterator(cfg)
	before := g.String()
	stats, err := NewPipeline(Config{DisableTensorIterator: true}).Run(g)
	require.NoError(t, err)
	assert.Zero(t, stats.Total())
	assert.Equal(t, before, g.String())

	g = irtest.SlicedLoop(cfg)
	stats, err = NewPipeline(Config{DisableTensorIterator: true}).Run(g)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total(), "loops are still converted")

	g = irtest.SlicedLoop(cfg)
	stats, err = NewPipeline(Config{DisableLoop: true}).Run(g)
	require.NoError(t, err)
	assert.Zero(t, stats.Total())
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv(EnvDisableReverseFusion, "true")
	t.Setenv(EnvDisableLoop, "1")
	cfg := ConfigFromEnv()
	assert.Equal(t, Config{DisableReverseFusion: true, DisableLoop: true}, cfg)
	assert.Equal(t, []string{StageConvertToSequence, StageFuseBidirectional}, NewPipeline(cfg).Stages())
}

func TestPipelineIsIdempotent(t *testing.T) {
	cfg := irtest.DefaultLoopConfig(ir.KindLSTMCell)
	cfg.Reverse = true
	g := irtest.TensorIterator(cfg)
	stats, err := NewPipeline(DefaultConfig()).Run(g)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Total())
	after := g.String()

	stats, err = NewPipeline(DefaultConfig()).Run(g)
	require.NoError(t, err)
	assert.Zero(t, stats.Total())
	assert.Equal(t, after, g.String())
}

func TestPipelineSweepsConstruct(t *testing.T) {
	cfg := irtest.DefaultLoopConfig(ir.KindRNNCell)
	g := irtest.TensorIterator(cfg)
	stats, err := NewPipeline(DefaultConfig()).Run(g)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Swept, "only the TensorIterator itself becomes unreachable")
	for _, n := range g.Nodes() {
		assert.Nil(t, n.Iteration(), "no iteration construct left: %s", n)
	}
}

func TestPipelineRejectsInvalidGraph(t *testing.T) {
	g := irtest.TensorIterator(irtest.DefaultLoopConfig(ir.KindGRUCell))
	ti := g.Results()[0].InputNode(0)
	ti.Iteration().Outputs[1].BodyResult = 7
	_, err := NewPipeline(DefaultConfig()).Run(g)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "body result #7")
}

func TestRewriteReportsContractViolations(t *testing.T) {
	g := irtest.TensorIterator(irtest.DefaultLoopConfig(ir.KindGRUCell))
	ti := g.Results()[0].InputNode(0)
	before := g.String()
	// The hidden state back-edge points past the body results.
	ti.Iteration().Inputs[1].BodyResult = 5
	applied, err := ConvertTensorIteratorToGRUSequence().Rewrite(g, ti)
	require.Error(t, err)
	assert.False(t, applied)
	assert.Contains(t, err.Error(), "declares back-edge from body result #5, but the body has 2 results")
	assert.Contains(t, err.Error(), "ConvertTensorIteratorToGRUSequence")
	ti.Iteration().Inputs[1].BodyResult = 1
	assert.Equal(t, before, g.String())
}

func TestFailedRewriteIsRolledBack(t *testing.T) {
	g := irtest.TensorIterator(irtest.DefaultLoopConfig(ir.KindLSTMCell))
	before := g.String()
	failing := &rule{
		name: "failing",
		rewrite: func(g *ir.Graph, n *ir.Node) bool {
			if n.Kind() != ir.KindTensorIterator {
				return false
			}
			zero := g.Constant("zeros", irtest.Floats(0, n.OutputShape(1).Dimensions...))
			g.ReplaceAllUses(n.Output(1), zero.Output(0))
			panic(errors.New("half-way failure"))
		},
	}
	count, err := NewGraphRewrite("test", failing).Run(g)
	require.Error(t, err)
	assert.Zero(t, count)
	assert.Contains(t, err.Error(), "half-way failure")
	assert.Equal(t, before, g.String())
	require.NoError(t, g.Validate())
}

func TestDeclinedRewriteIsRolledBack(t *testing.T) {
	g := irtest.TensorIterator(irtest.DefaultLoopConfig(ir.KindLSTMCell))
	before := g.String()
	declining := &rule{
		name: "declining",
		rewrite: func(g *ir.Graph, n *ir.Node) bool {
			if n.Kind() == ir.KindTensorIterator {
				g.Constant("scratch", irtest.Floats(0, 1))
			}
			return false
		},
	}
	count, err := NewGraphRewrite("test", declining).Run(g)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Equal(t, before, g.String())
}
