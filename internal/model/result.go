package model

// ResultStatus is the terminal outcome of one request.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultFailure ResultStatus = "failure"
)

// SimulationResult is the response written back to the caller.
// Strain and Stress always have equal length; on failure both are empty.
type SimulationResult struct {
	Strain []float64    `json:"Strain"`
	Stress []float64    `json:"Stress"`
	Status ResultStatus `json:"Status"`
	Error  string       `json:"Error,omitempty"`
}

// SuccessResult builds a success result. It panics if the series lengths
// differ, since that can only happen through a programming error.
func SuccessResult(strain, stress []float64) SimulationResult {
	if len(strain) != len(stress) {
		panic("model: strain and stress series differ in length")
	}
	return SimulationResult{Strain: strain, Stress: stress, Status: ResultSuccess}
}

// FailureResult builds a failure result with empty (non-nil) series so the
// encoded response carries [] rather than null.
func FailureResult(reason string) SimulationResult {
	return SimulationResult{
		Strain: []float64{},
		Stress: []float64{},
		Status: ResultFailure,
		Error:  reason,
	}
}

// OK reports whether the result is a success.
func (r SimulationResult) OK() bool {
	return r.Status == ResultSuccess
}
