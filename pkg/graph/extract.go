package graph

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/OFFIS-RIT/dygrag/internal/util"
	"github.com/OFFIS-RIT/dygrag/pkg/ai"
	"github.com/OFFIS-RIT/dygrag/pkg/common"
	"github.com/OFFIS-RIT/dygrag/pkg/logger"
	"github.com/OFFIS-RIT/dygrag/pkg/store"
)

type extractEntity struct {
	EntityName        string `json:"entity_name" jsonschema_description:"Name of the entity, all letters capitalized"`
	EntityType        string `json:"entity_type" jsonschema_description:"One of the provided entity types"`
	EntityDescription string `json:"entity_description" jsonschema_description:"Comprehensive description of the entity's attributes, activities and information provided by the source."`
	StartTime         string `json:"start_time" jsonschema_description:"Start of the period the description applies to (YYYY, YYYY-MM or YYYY-MM-DD), empty if unknown"`
	EndTime           string `json:"end_time" jsonschema_description:"End of the period the description applies to (YYYY, YYYY-MM or YYYY-MM-DD), empty if unknown"`
}

type extractRelationship struct {
	SourceEntity            string  `json:"source_entity" jsonschema_description:"Name of the source entity, as identified in step 1"`
	TargetEntity            string  `json:"target_entity" jsonschema_description:"Name of the target entity, as identified in step 1"`
	RelationshipDescription string  `json:"relationship_description" jsonschema_description:"Explanation as to why you think the source entity and the target entity are related to each other"`
	RelationshipKeywords    string  `json:"relationship_keywords" jsonschema_description:"Comma separated keywords summarizing the relationship"`
	RelationshipStrength    float64 `json:"relationship_strength" jsonschema_description:"A numeric score indicating strength of the relationship between the source entity and target entity"`
	StartTime               string  `json:"start_time" jsonschema_description:"Start of the period the relationship holds, empty if unknown"`
	EndTime                 string  `json:"end_time" jsonschema_description:"End of the period the relationship holds, empty if unknown"`
}

type extractResponse struct {
	Entities      []extractEntity       `json:"entities" jsonschema_description:"Entities identified in the text document"`
	Relationships []extractRelationship `json:"relationships" jsonschema_description:"Relationships identified in the text document"`
}

// extraction is the graph data found in one chunk.
type extraction struct {
	ChunkID   string
	Entities  []common.Entity
	Relations []common.Relationship
	Span      common.TimeRange
}

// extractFromChunk asks the model for the entities and relationships of one
// chunk. A malformed answer is corrected once; after that the chunk yields
// nothing. Upstream failures are returned.
func extractFromChunk(
	ctx context.Context,
	llm ai.CompletionClient,
	chunk common.TextChunk,
	entityTypes []string,
) (extraction, error) {
	out := extraction{ChunkID: chunk.ID}
	if len(entityTypes) == 0 {
		entityTypes = ai.DefaultEntityTypes
	}

	prompt := fmt.Sprintf(ai.ExtractPrompt, strings.Join(entityTypes, ","), chunk.DocTitle, chunk.Content)
	messages := []ai.ChatMessage{{Role: ai.RoleUser, Message: prompt}}
	schema := ai.WithJSONSchema(
		"extract_entities_and_relationships",
		"Extract entities and relationships from a provided document.",
		&extractResponse{},
	)

	var res extractResponse
	parsed := false
	for attempt := range 2 {
		answer, err := llm.GenerateChat(ctx, messages, schema)
		if err != nil && !errors.Is(err, ai.ErrMalformedResponse) {
			return out, err
		}
		if err == nil {
			if err = ai.DecodeAnswer(answer, &res); err == nil {
				parsed = true
				break
			}
			err = ai.Malformed(err)
		}
		logger.Warn("[Graph] Malformed extraction", "chunk", chunk.ID, "attempt", attempt+1, "err", err)
		if answer != "" {
			messages = append(messages, ai.ChatMessage{Role: ai.RoleAssistant, Message: answer})
		}
		messages = append(messages, ai.ChatMessage{Role: ai.RoleUser, Message: fmt.Sprintf(ai.CorrectionPrompt, err)})
	}
	if !parsed {
		logger.Warn("[Graph] Skipping chunk after failed extraction", "chunk", chunk.ID)
		return out, nil
	}

	known := make(map[string]struct{}, len(res.Entities))
	for _, e := range res.Entities {
		name := util.NormalizeEntityName(e.EntityName)
		if name == "" {
			continue
		}
		known[name] = struct{}{}
		span := common.Span(e.StartTime, e.EndTime)
		out.Span = out.Span.Union(span)
		out.Entities = append(out.Entities, common.Entity{
			Name:        name,
			Type:        strings.ToUpper(strings.TrimSpace(e.EntityType)),
			Description: strings.TrimSpace(e.EntityDescription),
			SourceID:    chunk.ID,
			StartTime:   common.FormatTime(span.Start),
			EndTime:     common.FormatTime(span.End),
		})
	}

	for _, r := range res.Relationships {
		src := util.NormalizeEntityName(r.SourceEntity)
		tgt := util.NormalizeEntityName(r.TargetEntity)
		if src == "" || tgt == "" || src == tgt {
			continue
		}
		// Endpoints the model did not list as entities still become nodes.
		for _, name := range []string{src, tgt} {
			if _, ok := known[name]; !ok {
				known[name] = struct{}{}
				out.Entities = append(out.Entities, common.Entity{Name: name, SourceID: chunk.ID})
			}
		}
		weight := r.RelationshipStrength
		if weight <= 0 {
			weight = 1
		}
		span := common.Span(r.StartTime, r.EndTime)
		out.Span = out.Span.Union(span)
		out.Relations = append(out.Relations, common.Relationship{
			Source:      src,
			Target:      tgt,
			Description: strings.TrimSpace(r.RelationshipDescription),
			Keywords:    normalizeKeywords(r.RelationshipKeywords),
			Weight:      weight,
			SourceID:    chunk.ID,
			StartTime:   common.FormatTime(span.Start),
			EndTime:     common.FormatTime(span.End),
		})
	}

	return out, nil
}

func normalizeKeywords(v string) string {
	var parts []string
	for _, k := range strings.Split(v, ",") {
		if k = strings.TrimSpace(k); k != "" {
			parts = append(parts, k)
		}
	}
	slices.Sort(parts)
	return strings.Join(slices.Compact(parts), store.GraphFieldSep)
}

func entityNode(e common.Entity) store.NodeData {
	return store.NodeData{
		ID: e.Name,
		Attributes: store.Attributes{
			"entity_type": e.Type,
			"description": e.Description,
			"source_id":   e.SourceID,
			"start_time":  e.StartTime,
			"end_time":    e.EndTime,
		},
	}
}

func relationEdge(r common.Relationship) store.Edge {
	return store.Edge{
		EdgeKey: store.EdgeKey{Source: r.Source, Target: r.Target},
		Attributes: store.Attributes{
			"description": r.Description,
			"keywords":    r.Keywords,
			"weight":      strconv.FormatFloat(r.Weight, 'f', -1, 64),
			"source_id":   r.SourceID,
			"start_time":  r.StartTime,
			"end_time":    r.EndTime,
		},
	}
}
