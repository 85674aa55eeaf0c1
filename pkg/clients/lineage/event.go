// Package lineage emits OpenLineage run events carrying the data-quality
// assertions of outcome checks.
//
// The Emitter implements engine.LineageEmitter. Delivery is fire-and-forget:
// events are sent from a background goroutine to every configured Sink, with
// bounded retries and exponential backoff. A failed delivery is logged and
// counted, never returned to the pipeline.
package lineage

import (
	"time"

	"github.com/openfroyo/smartpipeline/pkg/engine"
)

// OpenLineage constants.
const (
	Producer  = "https://github.com/openfroyo/smartpipeline"
	SchemaURL = "https://openlineage.io/spec/2-0-2/OpenLineage.json#/$defs/RunEvent"

	assertionsFacetSchema = "https://openlineage.io/spec/facets/1-0-1/DataQualityAssertionsDatasetFacet.json"
	runFacetSchema        = "https://openlineage.io/spec/facets/1-0-0/ParentRunFacet.json"
)

// EventType is the OpenLineage run state transition.
type EventType string

// Event types.
const (
	EventStart    EventType = "START"
	EventComplete EventType = "COMPLETE"
	EventFail     EventType = "FAIL"
)

// RunEvent is an OpenLineage run event.
type RunEvent struct {
	EventType EventType `json:"eventType"`
	EventTime time.Time `json:"eventTime"`
	Run       Run       `json:"run"`
	Job       Job       `json:"job"`
	Inputs    []Dataset `json:"inputs"`
	Outputs   []Dataset `json:"outputs"`
	Producer  string    `json:"producer"`
	SchemaURL string    `json:"schemaURL"`
}

// Run identifies the run an event belongs to.
type Run struct {
	RunID  string    `json:"runId"`
	Facets RunFacets `json:"facets,omitempty"`
}

// RunFacets are the run facets the emitter sets.
type RunFacets struct {
	Pipeline *PipelineRunFacet `json:"smartpipe,omitempty"`
}

// PipelineRunFacet correlates a workflow engine run with the plan that
// produced it.
type PipelineRunFacet struct {
	Producer   string `json:"_producer"`
	SchemaURL  string `json:"_schemaURL"`
	PlanID     string `json:"planId"`
	WorkflowID string `json:"workflowId"`
}

// Job names the workflow of a run.
type Job struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
}

// Dataset is an input or output dataset.
type Dataset struct {
	Namespace   string              `json:"namespace"`
	Name        string              `json:"name"`
	InputFacets *InputDatasetFacets `json:"inputFacets,omitempty"`
}

// InputDatasetFacets are the input facets the emitter sets.
type InputDatasetFacets struct {
	DataQualityAssertions *AssertionsFacet `json:"dataQualityAssertions,omitempty"`
}

// AssertionsFacet is the OpenLineage data-quality assertions facet.
type AssertionsFacet struct {
	Producer   string             `json:"_producer"`
	SchemaURL  string             `json:"_schemaURL"`
	Assertions []engine.Assertion `json:"assertions"`
}

// Passed counts the assertions that held.
func (f *AssertionsFacet) Passed() int {
	n := 0
	for _, a := range f.Assertions {
		if a.Success {
			n++
		}
	}
	return n
}

func startEvent(namespace, runID, planID, workflowID string, at time.Time) *RunEvent {
	return &RunEvent{
		EventType: EventStart,
		EventTime: at.UTC(),
		Run: Run{
			RunID: runID,
			Facets: RunFacets{Pipeline: &PipelineRunFacet{
				Producer:   Producer,
				SchemaURL:  runFacetSchema,
				PlanID:     planID,
				WorkflowID: workflowID,
			}},
		},
		Job:       Job{Namespace: namespace, Name: workflowID},
		Inputs:    []Dataset{},
		Outputs:   []Dataset{},
		Producer:  Producer,
		SchemaURL: SchemaURL,
	}
}

// assertionEvent reports assertions about dataset. The event type is FAIL
// when any assertion failed.
func assertionEvent(namespace, runID, dataset string, assertions []engine.Assertion, at time.Time) *RunEvent {
	eventType := EventComplete
	for _, a := range assertions {
		if !a.Success {
			eventType = EventFail
			break
		}
	}
	if assertions == nil {
		assertions = []engine.Assertion{}
	}
	return &RunEvent{
		EventType: eventType,
		EventTime: at.UTC(),
		Run:       Run{RunID: runID},
		Job:       Job{Namespace: namespace, Name: dataset},
		Inputs: []Dataset{{
			Namespace: namespace,
			Name:      dataset,
			InputFacets: &InputDatasetFacets{DataQualityAssertions: &AssertionsFacet{
				Producer:   Producer,
				SchemaURL:  assertionsFacetSchema,
				Assertions: assertions,
			}},
		}},
		Outputs:   []Dataset{},
		Producer:  Producer,
		SchemaURL: SchemaURL,
	}
}
