// Package kind defines the closed set of resource kinds the engine moves,
// replacing the duck-typed "type" string field of the original with a
// single enum that every kind-keyed map and migrator switches on.
package kind

// Kind tags a resource as one of the ten kinds the engine understands.
type Kind string

const (
	Dataset         Kind = "dataset"
	Example         Kind = "example"
	Experiment      Kind = "experiment"
	Run             Kind = "run"
	Feedback        Kind = "feedback"
	AnnotationQueue Kind = "annotation_queue"
	Prompt          Kind = "prompt"
	Rule            Kind = "rule"
	Chart           Kind = "chart"
	Project         Kind = "project"
)

// All enumerates every kind except Project (which is resolved along the
// way by rules and charts, never migrated on its own), in the cross-kind
// dependency order the
// orchestrator processes them (spec.md §4.5).
var All = []Kind{Dataset, Example, Experiment, Run, Feedback, Prompt, AnnotationQueue, Rule, Chart}

func (k Kind) String() string { return string(k) }
