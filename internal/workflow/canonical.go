package workflow

// Shape identifies which envelope a raw workflow document uses.
type Shape int

const (
	// ShapeUnknown matches none of the known variants.
	ShapeUnknown Shape = iota
	// ShapeNodes is already a bare node map.
	ShapeNodes
	// ShapePrompt is wrapped as {"prompt": {...}}.
	ShapePrompt
	// ShapeInputEnvelope is wrapped as {"input": {"workflow": {...}}}.
	ShapeInputEnvelope
)

func (s Shape) String() string {
	switch s {
	case ShapeNodes:
		return "nodes"
	case ShapePrompt:
		return "prompt"
	case ShapeInputEnvelope:
		return "input_envelope"
	default:
		return "unknown"
	}
}

// Detect classifies a decoded JSON object.
func Detect(doc map[string]any) Shape {
	if _, ok := doc["prompt"].(map[string]any); ok {
		return ShapePrompt
	}
	if input, ok := doc["input"].(map[string]any); ok {
		if _, ok := input["workflow"].(map[string]any); ok {
			return ShapeInputEnvelope
		}
	}
	if len(doc) > 0 && Workflow(doc).Validate() == nil {
		return ShapeNodes
	}
	return ShapeUnknown
}

// Canonicalize strips a known envelope and returns the bare workflow along
// with the detected shape. Unknown shapes are returned as-is; callers decide
// whether to warn. Canonicalizing a canonical workflow returns it unchanged.
func Canonicalize(doc map[string]any) (Workflow, Shape) {
	shape := Detect(doc)
	switch shape {
	case ShapePrompt:
		return Workflow(doc["prompt"].(map[string]any)), shape
	case ShapeInputEnvelope:
		input := doc["input"].(map[string]any)
		return Workflow(input["workflow"].(map[string]any)), shape
	case ShapeNodes:
		return Workflow(doc), shape
	default:
		return Workflow(doc), ShapeUnknown
	}
}
