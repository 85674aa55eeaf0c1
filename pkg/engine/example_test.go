package engine_test

import (
	"fmt"

	"github.com/openfroyo/smartpipeline/pkg/engine"
)

// Example_classify shows how intent text is categorized before a workflow is resolved.
func Example_classify() {
	classifier := engine.NewClassifier([]string{"freeipa", "identity"})

	for _, text := range []string{
		"deploy identity server",
		"list all vms",
		"what is the blast radius of harbor_deployment",
	} {
		c := classifier.Classify(text)
		fmt.Printf("%s -> %s\n", text, c.Category)
	}
	// Output:
	// deploy identity server -> dag.trigger
	// list all vms -> vm.list
	// what is the blast radius of harbor_deployment -> lineage.blast_radius
}

// ExampleDecideStatus shows that the engine's success never hides an
// outcome check that still fails.
func ExampleDecideStatus() {
	remaining := []engine.ShadowError{{DetectedBy: "ipa_service", Severity: engine.SeverityWarning}}

	fmt.Println(engine.DecideStatus(engine.RunStateSuccess, &engine.CorrectionResult{
		FinalState: engine.StateResolved,
		RetryCount: 1,
	}))
	fmt.Println(engine.DecideStatus(engine.RunStateSuccess, &engine.CorrectionResult{
		FinalState: engine.StateResolved,
		Remaining:  remaining,
		History:    remaining,
	}))
	fmt.Println(engine.DecideStatus(engine.RunStateSuccess, &engine.CorrectionResult{
		FinalState: engine.StateEscalated,
		RetryCount: 2,
		Remaining:  remaining,
	}))
	// Output:
	// success_with_corrections
	// success_with_warnings
	// escalated
}

// ExampleExtract shows parameter extraction with a key=value override.
func ExampleExtract() {
	params := engine.Extract(engine.CategoryVMCreate, "create a vm named web01 with 4 cpus memory=2048")
	fmt.Println(params["vm_name"], params["cpus"], params["memory"])
	// Output:
	// web01 4 2048
}
