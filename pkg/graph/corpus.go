package graph

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/OFFIS-RIT/dygrag/internal/util"
	"github.com/OFFIS-RIT/dygrag/pkg/common"
)

type corpusEntry struct {
	Title   string `json:"title"`
	DocID   string `json:"doc_id"`
	Context string `json:"context"`
}

// LoadCorpus reads a JSON array of {title, doc_id, context} entries. The
// title and id are prepended to each body so they stay visible to
// extraction and to the answer prompt.
func LoadCorpus(r io.Reader) ([]common.Document, error) {
	var entries []corpusEntry
	if err := json.NewDecoder(r).Decode(&entries); err != nil {
		return nil, fmt.Errorf("failed to decode corpus: %w", err)
	}

	docs := make([]common.Document, 0, len(entries))
	for _, e := range entries {
		if strings.TrimSpace(e.Context) == "" {
			continue
		}
		id := strings.TrimSpace(e.DocID)
		if id == "" {
			id = util.HashID("doc-", e.Title, e.Context)
		}
		docs = append(docs, common.Document{
			ID:      id,
			Title:   e.Title,
			Content: fmt.Sprintf("Title: %s\nDocument ID: %s\n\n%s", e.Title, id, e.Context),
		})
	}
	return docs, nil
}
