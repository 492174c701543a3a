package orchestrator

// Stage is a step of a document load.
type Stage string

const (
	StagePlanning     Stage = "planning"
	StageSynthesizing Stage = "synthesizing"
	StageTimeline     Stage = "timeline"
	StageBuffering    Stage = "buffering"
	StageReady        Stage = "ready"
	StageCanceled     Stage = "canceled"
)

// Progress reports a document load.
type Progress struct {
	Stage   Stage   `json:"stage"`
	Percent float64 `json:"percent"`
	Message string  `json:"message"`
}

// ProgressFunc receives load progress. It may be nil.
type ProgressFunc func(Progress)

func (f ProgressFunc) report(stage Stage, percent float64, message string) {
	if f != nil {
		f(Progress{Stage: stage, Percent: percent, Message: message})
	}
}
