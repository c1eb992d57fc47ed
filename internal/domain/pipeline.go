package domain

import "strings"

// Capability is a bitmask of optional features a loaded pipeline supports.
// It is decided once at load time and cached with the pipeline.
type Capability uint8

const (
	// CapPromptEncoding marks pipelines whose prompt embeddings can be
	// computed separately and cached by the worker.
	CapPromptEncoding Capability = 1 << iota
)

var capabilityNames = map[string]Capability{
	"prompt_encoding": CapPromptEncoding,
}

func (c Capability) Has(other Capability) bool {
	return c&other == other
}

// ParseCapabilities ignores names it does not know.
func ParseCapabilities(names []string) Capability {
	var out Capability
	for _, name := range names {
		if capability, ok := capabilityNames[strings.ToLower(strings.TrimSpace(name))]; ok {
			out |= capability
		}
	}
	return out
}

// PipelineSpec identifies one loadable pipeline configuration. It is the key
// of the worker's resource cache, so it must stay comparable.
type PipelineSpec struct {
	TaskName  string
	Precision string
}

// PipelineSpecFor derives the pipeline key from a queued task.
func PipelineSpecFor(env TaskEnvelope) PipelineSpec {
	spec := PipelineSpec{TaskName: env.TaskName, Precision: "default"}
	if raw, ok := env.Payload["precision"].(string); ok && strings.TrimSpace(raw) != "" {
		spec.Precision = strings.TrimSpace(raw)
	}
	return spec
}
