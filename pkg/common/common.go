package common

// Document is a unit of ingestion input. ID must be stable across runs so
// re-ingesting the same document is a no-op.
type Document struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// TextChunk is a contiguous, token-bounded slice of a document and the atomic
// unit of retrieval. Chunks are immutable once created; their id is a hash of
// the parent document id and the content.
type TextChunk struct {
	ID              string `json:"-"`
	Tokens          int    `json:"tokens"`
	Content         string `json:"content"`
	FullDocID       string `json:"full_doc_id"`
	ChunkOrderIndex int    `json:"chunk_order_index"`
	DocTitle        string `json:"doc_title"`
}

// Entity is a node candidate produced by extraction. Name is the normalized
// (uppercased) node id.
type Entity struct {
	Name        string `json:"entity_name"`
	Type        string `json:"entity_type"`
	Description string `json:"description"`
	SourceID    string `json:"source_id"`
	StartTime   string `json:"start_time,omitempty"`
	EndTime     string `json:"end_time,omitempty"`
}

// Relationship is a directed edge candidate produced by extraction.
type Relationship struct {
	Source      string  `json:"src_id"`
	Target      string  `json:"tgt_id"`
	Description string  `json:"description"`
	Keywords    string  `json:"keywords"`
	Weight      float64 `json:"weight"`
	SourceID    string  `json:"source_id"`
	StartTime   string  `json:"start_time,omitempty"`
	EndTime     string  `json:"end_time,omitempty"`
}

// Community is one cluster of the hierarchical partition. Level 0 is the
// coarsest partition; every community at level L+1 is contained in exactly
// one community at level L, listed in that parent's SubCommunities.
type Community struct {
	Level          int         `json:"level" msgpack:"level"`
	Title          string      `json:"title" msgpack:"title"`
	Nodes          []string    `json:"nodes" msgpack:"nodes"`
	Edges          [][2]string `json:"edges" msgpack:"edges"`
	ChunkIDs       []string    `json:"chunk_ids" msgpack:"chunk_ids"`
	Occurrence     float64     `json:"occurrence" msgpack:"occurrence"`
	SubCommunities []string    `json:"sub_communities" msgpack:"sub_communities"`
}

// Finding is one insight in a community report.
type Finding struct {
	Summary     string `json:"summary" jsonschema_description:"A short headline for the finding"`
	Explanation string `json:"explanation" jsonschema_description:"Several sentences explaining the finding, grounded in the community data"`
}

// CommunityReport is the structured summary generated for a community.
type CommunityReport struct {
	Title             string    `json:"title" jsonschema_description:"A short, specific name for the community"`
	Summary           string    `json:"summary" jsonschema_description:"An executive summary of the community's structure and key entities"`
	Rating            float64   `json:"rating" jsonschema_description:"Impact severity between 0 and 10"`
	RatingExplanation string    `json:"rating_explanation" jsonschema_description:"One sentence explaining the rating"`
	Findings          []Finding `json:"findings" jsonschema_description:"Between 3 and 10 key insights about the community"`
}
