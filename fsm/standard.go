package fsm

// Block states shared by every kind.
const (
	StateCreated          = "created"
	StateValidatingParams = "validating_params"
	StateReady            = "ready"
	StateWorking          = "working"
	StateDone             = "done"
	StateExecutionError   = "execution_error"
)

// Additional meta-block states.
const (
	StateGeneratingFolds    = "generating_folds"
	StateReadyToRunSubScope = "ready_to_run_sub_scope"
	StateSubScopeExecuting  = "sub_scope_executing"
)

// Standard action names.
const (
	ActionSaveParams         = "save_params"
	ActionParamsValid        = "on_params_is_valid"
	ActionParamsNotValid     = "on_params_not_valid"
	ActionExecute            = "execute"
	ActionSuccess            = "success"
	ActionError              = "error"
	ActionResetExecution     = "reset_execution"
	ActionCancel             = "cancel"
	ActionFoldsGenerated     = "on_folds_generated"
	ActionRunSubScope        = "run_sub_scope"
	ActionSubScopeDone       = "on_sub_scope_done"
	ActionContinueCollecting = "continue_collecting_sub_scope"
)

// StandardTable returns the vocabulary every plain block kind starts from.
func StandardTable() *Table {
	t := NewTable()
	registerParamActions(t)
	t.MustRegister(ActionDescriptor{Name: ActionExecute, Title: "Run block", UserVisible: true},
		StateWorking, StateReady)
	t.MustRegister(ActionDescriptor{Name: ActionSuccess, ReloadBlock: true},
		StateDone, StateWorking)
	t.MustRegister(ActionDescriptor{Name: ActionError, ReloadBlock: true},
		StateExecutionError, StateWorking, StateValidatingParams)
	t.MustRegister(ActionDescriptor{Name: ActionCancel, Title: "Cancel", UserVisible: true},
		StateReady, StateWorking)
	registerReset(t)
	return t
}

// StandardStatus classifies the states of StandardTable.
func StandardStatus() StatusMap {
	return StatusMap{
		Ready:   []string{StateReady},
		Working: []string{StateWorking},
		Done:    []string{StateDone},
		Error:   []string{StateExecutionError},
	}
}

// StandardMetaTable returns the vocabulary of iterating meta-blocks.
func StandardMetaTable() *Table {
	t := NewTable()
	registerParamActions(t)
	t.MustRegister(ActionDescriptor{Name: ActionExecute, Title: "Run block", UserVisible: true},
		StateGeneratingFolds, StateReady)
	t.MustRegister(ActionDescriptor{Name: ActionFoldsGenerated, ReloadBlock: true},
		StateReadyToRunSubScope, StateGeneratingFolds)
	t.MustRegister(ActionDescriptor{Name: ActionRunSubScope},
		StateSubScopeExecuting, StateReadyToRunSubScope)
	t.MustRegister(ActionDescriptor{Name: ActionSubScopeDone},
		StateReadyToRunSubScope, StateSubScopeExecuting)
	t.MustRegister(ActionDescriptor{Name: ActionContinueCollecting},
		StateSubScopeExecuting, StateReadyToRunSubScope)
	t.MustRegister(ActionDescriptor{Name: ActionSuccess, ReloadBlock: true},
		StateDone, StateWorking, StateReadyToRunSubScope)
	t.MustRegister(ActionDescriptor{Name: ActionError, ReloadBlock: true},
		StateExecutionError, StateWorking, StateValidatingParams, StateGeneratingFolds,
		StateReadyToRunSubScope, StateSubScopeExecuting)
	t.MustRegister(ActionDescriptor{Name: ActionCancel, Title: "Cancel", UserVisible: true},
		StateReady, StateGeneratingFolds, StateReadyToRunSubScope, StateSubScopeExecuting)
	registerReset(t)
	return t
}

// StandardMetaStatus classifies the states of StandardMetaTable.
func StandardMetaStatus() StatusMap {
	return StatusMap{
		Ready:   []string{StateReady},
		Working: []string{StateWorking, StateGeneratingFolds, StateReadyToRunSubScope, StateSubScopeExecuting},
		Done:    []string{StateDone},
		Error:   []string{StateExecutionError},
	}
}

func registerParamActions(t *Table) {
	t.MustRegister(ActionDescriptor{Name: ActionSaveParams, Title: "Save parameters", UserVisible: true},
		StateValidatingParams, StateCreated, StateReady, StateDone, StateExecutionError)
	t.MustRegister(ActionDescriptor{Name: ActionParamsValid, ReloadBlock: true},
		StateReady, StateValidatingParams)
	t.MustRegister(ActionDescriptor{Name: ActionParamsNotValid, ReloadBlock: true},
		StateCreated, StateValidatingParams)
}

func registerReset(t *Table) {
	t.MustRegister(ActionDescriptor{Name: ActionResetExecution, Title: "Reset", UserVisible: true},
		StateReady, StateReady, StateDone, StateExecutionError)
}
