package model

// Shape of the JSON the extraction prompt asks the model for.
type ExtractedConcept struct {
	Name          string   `json:"name"`
	Definition    string   `json:"definition"`
	Prerequisites []string `json:"prerequisites"`
}

type ExtractedClaim struct {
	Statement string   `json:"statement"`
	Supports  []string `json:"supports"`
}

type ExtractedPage struct {
	Concepts []ExtractedConcept `json:"concepts"`
	Claims   []ExtractedClaim   `json:"claims"`
}

type ExtractedRelationship struct {
	Source   string  `json:"source"`
	Target   string  `json:"target"`
	Relation RelType `json:"relation"`
}

type ExtractedRelationships struct {
	Relationships []ExtractedRelationship `json:"relationships"`
}

// ExtractionResult counts what a page or document extraction wrote.
type ExtractionResult struct {
	ConceptsAdded int    `json:"concepts_added"`
	ClaimsAdded   int    `json:"claims_added"`
	EdgesAdded    int    `json:"edges_added"`
	PagesFailed   int    `json:"pages_failed"`
	Strategy      string `json:"strategy,omitempty"`
}

func (r *ExtractionResult) Add(o ExtractionResult) {
	r.ConceptsAdded += o.ConceptsAdded
	r.ClaimsAdded += o.ClaimsAdded
	r.EdgesAdded += o.EdgesAdded
	r.PagesFailed += o.PagesFailed
}
