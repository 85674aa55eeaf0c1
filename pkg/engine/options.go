package engine

import "time"

// Options are the tunable parameters of the pipeline. A value is built once
// from configuration and passed explicitly to every stage; stages never
// modify it.
type Options struct {
	// MaxRetries bounds the self-correction loop.
	MaxRetries int

	// ConfidenceThreshold is the minimum validation confidence before a warning.
	ConfidenceThreshold float64

	// RequireConfidence turns a low confidence into a blocking failure.
	RequireConfidence bool

	// CheckTimeout bounds each outcome check.
	CheckTimeout time.Duration

	// MaxParallelChecks bounds the outcome check worker pool.
	MaxParallelChecks int

	// CommandTimeout bounds each fix command.
	CommandTimeout time.Duration

	// PollInterval is the delay between engine status polls.
	PollInterval time.Duration

	// MaxRunWait bounds how long the Observer waits for the engine to finish.
	MaxRunWait time.Duration

	// ReadOnly blocks write intents.
	ReadOnly bool

	// CancelOnAbort cancels the engine run when the pipeline is cancelled after submission.
	CancelOnAbort bool

	// ContextLimit is the number of documentation snippets requested while planning.
	ContextLimit int

	// Model names the planning model. Recorded on plans for audit only.
	Model string
}

// DefaultOptions returns the default pipeline options.
func DefaultOptions() Options {
	return Options{
		MaxRetries:          2,
		ConfidenceThreshold: 0.6,
		CheckTimeout:        30 * time.Second,
		MaxParallelChecks:   8,
		CommandTimeout:      2 * time.Minute,
		PollInterval:        10 * time.Second,
		MaxRunWait:          2 * time.Hour,
		CancelOnAbort:       true,
		ContextLimit:        5,
		Model:               "deterministic",
	}
}

// normalize fills zero values with defaults. MaxRetries of zero is kept: it
// disables correction.
func (o Options) normalize() Options {
	d := DefaultOptions()
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.ConfidenceThreshold <= 0 || o.ConfidenceThreshold > 1 {
		o.ConfidenceThreshold = d.ConfidenceThreshold
	}
	if o.CheckTimeout <= 0 {
		o.CheckTimeout = d.CheckTimeout
	}
	if o.MaxParallelChecks <= 0 {
		o.MaxParallelChecks = d.MaxParallelChecks
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = d.CommandTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.MaxRunWait <= 0 {
		o.MaxRunWait = d.MaxRunWait
	}
	if o.ContextLimit <= 0 {
		o.ContextLimit = d.ContextLimit
	}
	return o
}
