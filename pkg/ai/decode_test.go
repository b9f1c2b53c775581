package ai

import (
	"encoding/json"
	"strconv"
	"strings"
	"testing"

	"github.com/OFFIS-RIT/dygrag/pkg/common"
)

type entityAnswer struct {
	Entities []struct {
		EntityName string `json:"entity_name"`
		EntityType string `json:"entity_type"`
	} `json:"entities"`
	Relationships []struct {
		SourceEntity         string  `json:"source_entity"`
		TargetEntity         string  `json:"target_entity"`
		RelationshipStrength float64 `json:"relationship_strength"`
	} `json:"relationships"`
}

func TestDecodeAnswer_Extraction(t *testing.T) {
	const plain = `{"entities":[{"entity_name":"ALICE","entity_type":"PERSON"},{"entity_name":"ACME","entity_type":"ORGANIZATION"}],` +
		`"relationships":[{"source_entity":"ALICE","target_entity":"ACME","relationship_strength":8}]}`

	tests := []struct {
		name   string
		answer string
	}{
		{name: "plain", answer: plain},
		{name: "json fence", answer: "```json\n" + plain + "\n```"},
		{name: "bare fence with prose", answer: "Here is the graph:\n```\n" + plain + "\n```\nLet me know if you need more."},
		{name: "prose without fence", answer: "Sure! " + plain + " Hope this helps."},
		{name: "double encoded", answer: strconv.Quote(plain)},
		{
			name: "trailing commas and unquoted keys",
			answer: `{entities:[{entity_name:'ALICE',entity_type:'PERSON',},{entity_name:'ACME',entity_type:'ORGANIZATION'},],` +
				`relationships:[{source_entity:'ALICE',target_entity:'ACME',relationship_strength:8,}],}`,
		},
		{name: "doubled leading brace", answer: "{\n" + plain},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var got entityAnswer
			if err := DecodeAnswer(tc.answer, &got); err != nil {
				t.Fatalf("DecodeAnswer() error = %v", err)
			}
			if len(got.Entities) != 2 || got.Entities[0].EntityName != "ALICE" || got.Entities[1].EntityType != "ORGANIZATION" {
				t.Fatalf("entities = %+v", got.Entities)
			}
			if len(got.Relationships) != 1 || got.Relationships[0].TargetEntity != "ACME" || got.Relationships[0].RelationshipStrength != 8 {
				t.Fatalf("relationships = %+v", got.Relationships)
			}
		})
	}
}

func TestDecodeAnswer_TruncatedReport(t *testing.T) {
	answer := `{"title":"ACME Leadership","summary":"Alice runs ACME.","rating":6.5,` +
		`"findings":[{"summary":"Alice is CEO","explanation":"She founded it."},{"summary":"Bob joi`

	var got common.CommunityReport
	if err := DecodeAnswer(answer, &got); err != nil {
		t.Fatalf("DecodeAnswer() error = %v", err)
	}
	if got.Title != "ACME Leadership" || got.Rating != 6.5 {
		t.Fatalf("report = %+v", got)
	}
	if len(got.Findings) == 0 || got.Findings[0].Summary != "Alice is CEO" {
		t.Fatalf("findings = %+v", got.Findings)
	}
}

func TestDecodeAnswer_FencedReport(t *testing.T) {
	answer := "```json\n{\n  \"title\": \"Globex\",\n  \"summary\": \"Bob's employer.\",\n  \"findings\": []\n}\n```"

	var got common.CommunityReport
	if err := DecodeAnswer(answer, &got); err != nil {
		t.Fatalf("DecodeAnswer() error = %v", err)
	}
	if got.Title != "Globex" || got.Summary != "Bob's employer." {
		t.Fatalf("report = %+v", got)
	}
}

func TestDecodeAnswer_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		answer string
	}{
		{name: "empty", answer: "   "},
		{name: "empty fence", answer: "```json\n```"},
		{name: "prose only", answer: "I could not find any entities in this text."},
		{name: "array for object", answer: `[{"title":"A"}]`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var got common.CommunityReport
			if err := DecodeAnswer(tc.answer, &got); err == nil {
				t.Fatalf("DecodeAnswer() = %+v, want error", got)
			}
		})
	}
}

func TestGenerateSchema_ReportShape(t *testing.T) {
	raw, err := json.Marshal(GenerateSchema(&common.CommunityReport{}))
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}
	for _, want := range []string{`"findings"`, `"rating_explanation"`, `"additionalProperties":false`} {
		if !strings.Contains(string(raw), want) {
			t.Fatalf("schema missing %s: %s", want, raw)
		}
	}
}
