package types

import "time"

// GateStatus is the outcome of a single gate.
type GateStatus string

const (
	GatePass  GateStatus = "PASS"
	GateWarn  GateStatus = "WARN"
	GateFail  GateStatus = "FAIL"
	GateError GateStatus = "ERROR"
)

// OverallStatus is the aggregate outcome of a verify attempt.
type OverallStatus string

const (
	OverallPass OverallStatus = "PASS"
	OverallFail OverallStatus = "FAIL"
)

// GateResult is produced once per gate per verify attempt.
type GateResult struct {
	GateName string     `json:"gate_name"`
	Status   GateStatus `json:"status"`
	Errors   []string   `json:"errors"`
	Warnings []string   `json:"warnings"`
}

// Synthesized records a placeholder artifact the gate runner wrote.
type Synthesized struct {
	Kind   string `json:"kind"`
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Verdict is the terminal accept/reject decision of a verify attempt.
type Verdict struct {
	TaskID      string        `json:"task_id"`
	Overall     OverallStatus `json:"overall"`
	Results     []GateResult  `json:"results"`
	Strict      bool          `json:"strict"`
	Attempt     int           `json:"attempt"`
	Synthesized []Synthesized `json:"synthesized,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

// Passed reports whether the verdict accepts the submission.
func (v *Verdict) Passed() bool {
	return v != nil && v.Overall == OverallPass
}

// Result returns the result for the named gate, if present.
func (v *Verdict) Result(name string) (GateResult, bool) {
	for _, r := range v.Results {
		if r.GateName == name {
			return r, true
		}
	}
	return GateResult{}, false
}
