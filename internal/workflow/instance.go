package workflow

import (
	"time"

	"github.com/gobby-dev/gobby/internal/store"
)

// instanceState pairs a persisted workflow instance with its definition for
// the duration of one evaluation.
type instanceState struct {
	def   *Definition
	data  *store.WorkflowInstanceData
	dirty bool
}

func newInstanceState(def *Definition, data *store.WorkflowInstanceData) *instanceState {
	if data.Variables == nil {
		data.Variables = map[string]any{}
	}
	return &instanceState{def: def, data: data}
}

// currentStep resolves the instance's step, healing corrupt state: an
// unknown step name resets to the first step with cleared counters.
func (is *instanceState) currentStep() *Step {
	if !is.def.HasSteps() {
		return nil
	}
	if is.data.CurrentStep == nil {
		return nil
	}
	if s := is.def.Step(*is.data.CurrentStep); s != nil {
		return s
	}
	first := is.def.FirstStep()
	is.enterStep(first.Name)
	return first
}

func (is *instanceState) enterStep(name string) {
	now := time.Now()
	is.data.CurrentStep = &name
	is.data.StepEnteredAt = &now
	is.data.StepActionCount = 0
	is.dirty = true
}

func (is *instanceState) countAction() {
	is.data.StepActionCount++
	is.data.TotalActionCount++
	is.dirty = true
}
