package encoder

import (
	"fmt"
	"log"

	"github.com/ut-ml/utransformer/internal/device"
)

// ACTConfig configures a TransformerACT instance.
type ACTConfig struct {
	Name string
	// HaltEpsilon is a small constant that allows computation to halt
	// after a single update (sigmoid never reaches exactly 1.0).
	HaltEpsilon float32
	// TimePenalty weights the relative cost of computation versus error.
	// The larger it is, the fewer computational steps the network will
	// try to make. 0.01 works well for the Transformer.
	TimePenalty float32
	// ReturnStep includes the per-token active-step counters in the
	// step result.
	ReturnStep bool
}

// DefaultACTConfig returns the configuration used by the Universal
// Transformer paper.
func DefaultACTConfig(name string) ACTConfig {
	return ACTConfig{Name: name, HaltEpsilon: 0.01, TimePenalty: 0.01}
}

// actState holds the running control tensors of the halting state machine.
// Control tensors are created lazily on the first step and re-created when
// the observed batch geometry changes (for example a smaller final batch).
// The state is owned exclusively by its TransformerACT instance.
type actState struct {
	batchSize int
	seqLen    int

	zeros device.Tensor // (batch, seq) constant template
	ones  device.Tensor // (batch, seq) constant template

	// haltBudget is the remaining halting-probability allowance per
	// token, starting at 1 - haltEpsilon. It is decremented every step
	// and may go negative: a negative budget marks "already halted" and
	// is read only as a boolean signal, never clamped.
	haltBudget device.Tensor

	// remainder tracks 1 - sum(halting probabilities so far); it becomes
	// the halting weight on the step that exhausts the budget, so the
	// weights applied to a halting token always sum to exactly 1.
	remainder device.Tensor

	// activeSteps counts the steps each token actually participated in.
	activeSteps device.Tensor

	// weightedOutput accumulates the per-step weighted inputs.
	weightedOutput device.Tensor

	// zerosLikeInput is the constant returned on globally inactive steps,
	// skipping the multiply entirely.
	zerosLikeInput device.Tensor
}

// StepResult is what one ACT invocation returns. ActiveSteps is non-nil
// only when the instance was configured with ReturnStep.
type StepResult struct {
	Input          device.Tensor
	WeightedOutput device.Tensor
	PonderCost     device.Tensor
	ActiveSteps    device.Tensor
}

// TransformerACT implements Adaptive Computation Time (ACT) for the
// Universal Transformer (https://arxiv.org/abs/1603.08983).
//
// Usage:
//
//	block, _ := NewTransformerBlock(cfg, backend)
//	act, _ := NewTransformerACT(DefaultACTConfig("act"), backend)
//	next := input
//	var res StepResult
//	for i := 0; i < depth; i++ {
//		next, _ = block.Forward(next, batch, seqLen)
//		res, _ = act.Step(next, batch, seqLen, nil)
//	}
//	ponder, _ := act.Finalize()
//	result := res.WeightedOutput
//
// Steps on the same instance must be strictly sequential in depth order:
// every call reads and mutates the running budget/remainder/accumulator
// state. Different instances are fully independent.
type TransformerACT struct {
	cfg     ACTConfig
	backend device.Backend

	dModel        int
	haltingKernel device.Tensor
	haltingBiases device.Tensor

	state *actState

	// ponderCost is recomputed (overwritten, not summed) on every step;
	// Finalize registers whatever value the last step produced.
	ponderCost device.Tensor
	losses     []device.Tensor
	finalized  bool
}

func NewTransformerACT(cfg ACTConfig, b device.Backend) (*TransformerACT, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("%w: ACT name must not be empty", ErrConfig)
	}
	if cfg.HaltEpsilon <= 0 {
		return nil, fmt.Errorf("%w: halt_epsilon must be > 0, got %f", ErrConfig, cfg.HaltEpsilon)
	}
	if cfg.TimePenalty < 0 {
		return nil, fmt.Errorf("%w: time_penalty must be >= 0, got %f", ErrConfig, cfg.TimePenalty)
	}
	return &TransformerACT{cfg: cfg, backend: b}, nil
}

func (a *TransformerACT) build(dModel int) {
	if a.haltingKernel != nil {
		if dModel != a.dModel {
			log.Panicf("%s: d_model changed from %d to %d", a.cfg.Name, a.dModel, dModel)
		}
		return
	}
	a.dModel = dModel
	a.haltingKernel = a.backend.NewTensor(dModel, 1, nil)
	a.haltingBiases = a.backend.NewTensor(1, 1, []float32{0.1})
	glorotUniform(a.haltingKernel)
}

// initControlTensors builds the step-tracking tensors on the first step.
// All following steps of a Universal Transformer run use inputs of
// identical shape, so a changed batch geometry signals a new run.
func (a *TransformerACT) initControlTensors(batch, seqLen int) {
	b := a.backend
	st := &actState{
		batchSize: batch,
		seqLen:    seqLen,
		zeros:     b.NewTensor(batch, seqLen, nil),
		ones:      b.NewTensor(batch, seqLen, nil),
	}
	st.ones.Fill(1)

	st.remainder = b.NewTensor(batch, seqLen, nil)
	st.remainder.Fill(1)
	st.activeSteps = b.NewTensor(batch, seqLen, nil)
	st.haltBudget = b.NewTensor(batch, seqLen, nil)
	st.haltBudget.Fill(1 - a.cfg.HaltEpsilon)

	a.state = st
}

// Step feeds one application of the shared-weight block through the
// halting state machine. x is the flattened (batch*seqLen, dModel) block
// output; lengths, when non-nil, marks the valid token count per batch
// element (padding positions never accrue remainder or active steps, so
// they contribute zero ponder cost).
func (a *TransformerACT) Step(x device.Tensor, batch, seqLen int, lengths []int) (StepResult, error) {
	if a.finalized {
		return StepResult{}, fmt.Errorf("%w: step after finalize", ErrInvalidInput)
	}
	if err := validateCallShape(x, batch, seqLen, a.dModel, lengths); err != nil {
		return StepResult{}, err
	}

	rows, c := x.Dims()
	a.build(c)
	b := a.backend

	// Output of the sigmoid halting unit, reshaped (batch, seqLen).
	// The flattened (batch*seqLen, 1) result is already in that row order.
	lin := b.Linear(x, a.haltingKernel, a.haltingBiases)
	lin.Sigmoid()
	halting := b.NewTensor(batch, seqLen, lin.Data())
	b.PutTensor(lin)

	if a.state == nil || a.state.batchSize != batch || a.state.seqLen != seqLen {
		a.initControlTensors(batch, seqLen)
	}
	st := a.state

	// stepIsActive: the token still has budget before this step.
	// noFurtherSteps: this step's halting output exhausts the budget.
	stepIsActive := b.GetTensor(batch, seqLen)
	stepIsActive.Copy(st.haltBudget)
	stepIsActive.GreaterScalar(0)

	noFurtherSteps := b.GetTensor(batch, seqLen)
	noFurtherSteps.Copy(st.haltBudget)
	noFurtherSteps.Sub(halting)
	noFurtherSteps.LessEqualScalar(0)

	// Halting probability is
	// a. the halting output if this isn't the last step (budget remains),
	// b. the remainder if it is,
	// c. zero for tokens that are already out of budget.
	lastStepProb := b.GetTensor(batch, seqLen)
	lastStepProb.Select(noFurtherSteps, st.remainder, halting)
	haltingProb := b.GetTensor(batch, seqLen)
	haltingProb.Select(stepIsActive, lastStepProb, st.zeros)
	b.PutTensor(lastStepProb)

	inc := b.GetTensor(batch, seqLen)
	inc.Select(stepIsActive, st.ones, st.zeros)
	st.activeSteps.Add(inc)
	b.PutTensor(inc)

	// Mask remainder and active steps with the signal lengths.
	if lengths != nil {
		st.remainder.SequenceMask(lengths)
		st.activeSteps.SequenceMask(lengths)
	}

	// We don't know which step is the last, so the ponder cost is
	// recomputed from the running state on every step; Finalize uses the
	// value of the last one.
	ponderIn := b.GetTensor(batch, seqLen)
	ponderIn.Copy(st.remainder)
	ponderIn.Add(st.activeSteps)
	ponder := ponderIn.MeanCols()
	ponder.Scale(a.cfg.TimePenalty)
	b.PutTensor(ponderIn)
	a.ponderCost = ponder

	// Remainder stays put where this step exhausts the budget (it has
	// just been consumed as the halting weight), otherwise it sheds the
	// halting output.
	shed := b.GetTensor(batch, seqLen)
	shed.Copy(st.remainder)
	shed.Sub(halting)
	newRemainder := b.NewTensor(batch, seqLen, nil)
	newRemainder.Select(noFurtherSteps, st.remainder, shed)
	b.PutTensor(shed)
	b.PutTensor(st.remainder)
	st.remainder = newRemainder

	// OK to become negative: a negative budget marks "already halted".
	st.haltBudget.Sub(halting)

	// If no token is active at this step there is no need to compute the
	// weighted output at all; a constant zero tensor preserves the exact
	// result.
	anyStepIsActive := stepIsActive.Sum() > 0
	var stepWeighted device.Tensor
	if anyStepIsActive {
		stepWeighted = b.GetTensor(rows, c)
		stepWeighted.Copy(x)
		stepWeighted.ScaleRows(haltingProb)
	} else {
		if st.zerosLikeInput == nil {
			st.zerosLikeInput = b.NewTensor(rows, c, nil)
		}
		stepWeighted = st.zerosLikeInput
	}

	if st.weightedOutput == nil {
		st.weightedOutput = b.NewTensor(rows, c, nil)
		st.weightedOutput.Copy(stepWeighted)
	} else {
		st.weightedOutput.Add(stepWeighted)
	}
	if anyStepIsActive {
		b.PutTensor(stepWeighted)
	}

	b.PutTensor(stepIsActive)
	b.PutTensor(noFurtherSteps)
	b.PutTensor(haltingProb)

	res := StepResult{
		Input:          x,
		WeightedOutput: st.weightedOutput,
		PonderCost:     a.ponderCost,
	}
	if a.cfg.ReturnStep {
		res.ActiveSteps = st.activeSteps
	}
	return res, nil
}

// Finalize registers the ponder cost of the most recent step as an
// auxiliary loss term. It must be called exactly once, after the outer
// loop of repeated steps completes.
func (a *TransformerACT) Finalize() (device.Tensor, error) {
	if a.finalized {
		return nil, fmt.Errorf("%w: finalize called twice", ErrInvalidInput)
	}
	if a.ponderCost == nil {
		return nil, fmt.Errorf("%w: finalize before any step", ErrInvalidInput)
	}
	a.finalized = true
	a.losses = append(a.losses, a.ponderCost)

	if st := a.state; st != nil {
		meanSteps := st.activeSteps.Sum() / float32(st.batchSize*st.seqLen)
		ActActiveSteps.Observe(float64(meanSteps))
	}
	return a.ponderCost, nil
}

// Losses returns the auxiliary loss terms registered by Finalize.
func (a *TransformerACT) Losses() []device.Tensor {
	return a.losses
}

// Reset clears the running control state and the finalize latch so the
// instance can process a new outer invocation sequence. Learned halting
// parameters are kept.
func (a *TransformerACT) Reset() {
	a.state = nil
	a.ponderCost = nil
	a.losses = nil
	a.finalized = false
}

func (a *TransformerACT) Name() string     { return a.cfg.Name }
func (a *TransformerACT) TypeName() string { return "TransformerACT" }

func (a *TransformerACT) Config() map[string]any {
	return map[string]any{
		"halt_epsilon": a.cfg.HaltEpsilon,
		"time_penalty": a.cfg.TimePenalty,
		"return_step":  a.cfg.ReturnStep,
	}
}

func (a *TransformerACT) Parameters() map[string]device.Tensor {
	if a.haltingKernel == nil {
		return map[string]device.Tensor{}
	}
	return map[string]device.Tensor{
		a.cfg.Name + "/halting_kernel": a.haltingKernel,
		a.cfg.Name + "/halting_biases": a.haltingBiases,
	}
}
