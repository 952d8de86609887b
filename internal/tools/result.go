package tools

// Result is the unified return type from tool execution.
type Result struct {
	ForLLM  string `json:"for_llm"`            // content sent to the LLM
	ForUser string `json:"for_user,omitempty"` // content shown to the user
	Silent  bool   `json:"silent"`             // suppress user message
	IsError bool   `json:"is_error"`           // marks error
	Async   bool   `json:"async"`              // running asynchronously

	// ErrorKind carries the domain error category over the wire
	// (not_found, invalid_state, conflict, ...).
	ErrorKind string `json:"error_kind,omitempty"`

	// Data is the structured payload for callers that want more than text.
	Data any `json:"data,omitempty"`

	// Action instructs the calling agent; "terminate" asks a well-behaved
	// agent to exit after this response.
	Action string `json:"action,omitempty"`

	Err error `json:"-"` // internal error (not serialized)
}

func NewResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM}
}

func SilentResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM, Silent: true}
}

func ErrorResult(message string) *Result {
	return &Result{ForLLM: message, IsError: true}
}

func DataResult(forLLM string, data any) *Result {
	return &Result{ForLLM: forLLM, Data: data}
}

func (r *Result) WithError(err error) *Result {
	r.Err = err
	return r
}
