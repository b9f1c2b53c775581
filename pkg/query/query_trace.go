package query

import (
	"slices"
	"sync"
)

type TraceEventKind string

const (
	TraceEventConsideredSourceIDs    TraceEventKind = "considered_source_ids"
	TraceEventUsedSourceIDs          TraceEventKind = "used_source_ids"
	TraceEventQueriedEntityIDs       TraceEventKind = "queried_entity_ids"
	TraceEventQueriedRelationshipIDs TraceEventKind = "queried_relationship_ids"
	TraceEventQueriedCommunities     TraceEventKind = "queried_communities"
)

// TraceEvent is an extensible event envelope for query tracing.
// Additive changes to this struct are backward compatible for implementers.
type TraceEvent struct {
	Kind TraceEventKind

	// IDs holds chunk ids, entity names, "source->target" relationship
	// keys or community titles depending on Kind.
	IDs []string
}

// Tracer is a sink for query tracing events.
//
// Implementers can forward events to logs, telemetry, or custom post-processing
// pipelines.
type Tracer interface {
	Record(event TraceEvent)
}

// MultiTracer fan-outs trace events to multiple tracers.
type MultiTracer []Tracer

func (m MultiTracer) Record(event TraceEvent) {
	for _, t := range m {
		if t == nil {
			continue
		}
		t.Record(event)
	}
}

func record(t Tracer, kind TraceEventKind, ids []string) {
	if t == nil || len(ids) == 0 {
		return
	}
	t.Record(TraceEvent{Kind: kind, IDs: ids})
}

func RecordConsideredSourceIDs(t Tracer, ids ...string) {
	record(t, TraceEventConsideredSourceIDs, ids)
}

func RecordUsedSourceIDs(t Tracer, ids ...string) {
	record(t, TraceEventUsedSourceIDs, ids)
}

func RecordQueriedEntityIDs(t Tracer, ids ...string) {
	record(t, TraceEventQueriedEntityIDs, ids)
}

func RecordQueriedRelationshipIDs(t Tracer, ids ...string) {
	record(t, TraceEventQueriedRelationshipIDs, ids)
}

func RecordQueriedCommunities(t Tracer, titles ...string) {
	record(t, TraceEventQueriedCommunities, titles)
}

// QueryTrace collects information about what data was considered and/or used
// during a query run.
//
// QueryTrace is safe for concurrent use.
type QueryTrace struct {
	mu   sync.Mutex
	sets map[TraceEventKind]map[string]struct{}
}

type QueryTraceSnapshot struct {
	ConsideredSourceIDs    []string `json:"considered_source_ids"`
	UsedSourceIDs          []string `json:"used_source_ids"`
	QueriedEntityIDs       []string `json:"queried_entity_ids"`
	QueriedRelationshipIDs []string `json:"queried_relationship_ids"`
	QueriedCommunities     []string `json:"queried_communities"`
}

func NewQueryTrace() *QueryTrace {
	return &QueryTrace{sets: make(map[TraceEventKind]map[string]struct{})}
}

func (t *QueryTrace) Record(event TraceEvent) {
	if t == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	switch event.Kind {
	case TraceEventConsideredSourceIDs, TraceEventUsedSourceIDs, TraceEventQueriedEntityIDs,
		TraceEventQueriedRelationshipIDs, TraceEventQueriedCommunities:
	default:
		return
	}

	set, ok := t.sets[event.Kind]
	if !ok {
		set = make(map[string]struct{})
		t.sets[event.Kind] = set
	}
	for _, id := range event.IDs {
		if id == "" {
			continue
		}
		set[id] = struct{}{}
	}
}

func (t *QueryTrace) Snapshot() QueryTraceSnapshot {
	if t == nil {
		return QueryTraceSnapshot{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	sorted := func(kind TraceEventKind) []string {
		out := make([]string, 0, len(t.sets[kind]))
		for id := range t.sets[kind] {
			out = append(out, id)
		}
		slices.Sort(out)
		return out
	}

	return QueryTraceSnapshot{
		ConsideredSourceIDs:    sorted(TraceEventConsideredSourceIDs),
		UsedSourceIDs:          sorted(TraceEventUsedSourceIDs),
		QueriedEntityIDs:       sorted(TraceEventQueriedEntityIDs),
		QueriedRelationshipIDs: sorted(TraceEventQueriedRelationshipIDs),
		QueriedCommunities:     sorted(TraceEventQueriedCommunities),
	}
}
