package delivery

// Semantic is a named delivery guarantee. Instances are immutable; the
// catalogue below is fixed at startup and never mutated.
type Semantic struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`

	RequiresAck    bool `json:"requires_ack"`
	AllowsRetry    bool `json:"allows_retry"`
	PreservesOrder bool `json:"preserves_order"`
	RequiresDedup  bool `json:"requires_dedup"`
}

// The built-in semantic catalogue.
var (
	AtLeastOnce = Semantic{
		ID:          "at_least_once",
		Name:        "At Least Once",
		Description: "Delivery is retried until acknowledged; duplicates are possible",
		RequiresAck: true,
		AllowsRetry: true,
	}

	ExactlyOnce = Semantic{
		ID:             "exactly_once",
		Name:           "Exactly Once",
		Description:    "Delivery is retried until acknowledged and deduplicated by correlation id",
		RequiresAck:    true,
		AllowsRetry:    true,
		PreservesOrder: true,
		RequiresDedup:  true,
	}

	Streaming = Semantic{
		ID:             "streaming",
		Name:           "Streaming",
		Description:    "Ordered fire-and-forget stream; a lost message is never replayed",
		PreservesOrder: true,
	}

	Batch = Semantic{
		ID:          "batch",
		Name:        "Batch",
		Description: "Grouped delivery of accumulated messages with acknowledgment per batch",
		RequiresAck: true,
		AllowsRetry: true,
	}
)

var catalogue = []Semantic{AtLeastOnce, ExactlyOnce, Streaming, Batch}

// Semantics returns a copy of the built-in semantic catalogue.
func Semantics() []Semantic {
	out := make([]Semantic, len(catalogue))
	copy(out, catalogue)
	return out
}

// SemanticByID looks up a built-in semantic by its identifier.
func SemanticByID(id string) (Semantic, bool) {
	for _, s := range catalogue {
		if s.ID == id {
			return s, true
		}
	}
	return Semantic{}, false
}
