package report

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/OFFIS-RIT/dygrag/pkg/ai"
	"github.com/OFFIS-RIT/dygrag/pkg/common"
	"github.com/OFFIS-RIT/dygrag/pkg/store"
)

// buildPrompt renders the community as CSV tables plus source excerpts.
// Entities and relationships are ordered by descending degree so truncation
// drops the least connected ones.
func (c *Cache) buildPrompt(ctx context.Context, comm common.Community) (string, error) {
	nodeAttrs, err := c.graph.GetNodes(ctx, comm.Nodes)
	if err != nil {
		return "", err
	}
	nodeDegrees, err := c.graph.NodeDegrees(ctx, comm.Nodes)
	if err != nil {
		return "", err
	}

	keys := make([]store.EdgeKey, len(comm.Edges))
	for i, e := range comm.Edges {
		keys[i] = store.EdgeKey{Source: e[0], Target: e[1]}
	}
	edgeAttrs, err := c.graph.GetEdges(ctx, keys)
	if err != nil {
		return "", err
	}
	edgeDegrees, err := c.graph.EdgeDegrees(ctx, keys)
	if err != nil {
		return "", err
	}

	entities := make([]row, 0, len(comm.Nodes))
	for i, id := range comm.Nodes {
		a := nodeAttrs[i]
		entities = append(entities, row{
			degree: nodeDegrees[i],
			fields: []string{id, a["entity_type"], a["description"]},
		})
	}
	relations := make([]row, 0, len(keys))
	for i, k := range keys {
		a := edgeAttrs[i]
		relations = append(relations, row{
			degree: edgeDegrees[i],
			fields: []string{k.Source, k.Target, a["description"]},
		})
	}

	excerpts, err := c.excerpts(ctx, comm)
	if err != nil {
		return "", err
	}

	var entityCSV, relationCSV strings.Builder
	if err := writeRows(&entityCSV, entities); err != nil {
		return "", fmt.Errorf("render entities of %s: %w", comm.Title, err)
	}
	if err := writeRows(&relationCSV, relations); err != nil {
		return "", fmt.Errorf("render relationships of %s: %w", comm.Title, err)
	}

	budget := c.opts.MaxContextTokens
	entityText := c.truncate(strings.TrimRight(entityCSV.String(), "\n"), budget/2)
	relationText := c.truncate(strings.TrimRight(relationCSV.String(), "\n"), budget/3)
	excerptText := c.truncate(excerpts, budget/6)

	return fmt.Sprintf(ai.CommunityReportPrompt, entityText, relationText, excerptText), nil
}

func (c *Cache) excerpts(ctx context.Context, comm common.Community) (string, error) {
	ids := comm.ChunkIDs
	if len(ids) > c.opts.MaxExcerpts {
		ids = ids[:c.opts.MaxExcerpts]
	}
	if len(ids) == 0 || c.chunks == nil {
		return "", nil
	}
	recs, err := c.chunks.GetMany(ctx, ids, "content", "doc_title")
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for i, rec := range recs {
		if rec == nil {
			continue
		}
		fmt.Fprintf(&b, "### %s (%s)\n%s\n\n", store.RecordString(rec, "doc_title"), ids[i], store.RecordString(rec, "content"))
	}
	return b.String(), nil
}

func (c *Cache) truncate(text string, maxTokens int) string {
	if c.opts.Tokenizer == nil {
		return text
	}
	return ai.TruncateTokens(c.opts.Tokenizer, text, maxTokens)
}

type row struct {
	degree int
	fields []string
}

// writeRows writes rows to dst as CSV with an id column first and the
// degree last, highest degree first.
func writeRows(dst io.Writer, rows []row) error {
	sorted := slices.Clone(rows)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].degree > sorted[j].degree })

	w := csv.NewWriter(dst)
	for i, r := range sorted {
		rec := append([]string{strconv.Itoa(i)}, r.fields...)
		rec = append(rec, strconv.Itoa(r.degree))
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
