package store

import (
	"maps"
	"testing"
)

func TestMergeAttributes(t *testing.T) {
	tests := []struct {
		name     string
		old      Attributes
		incoming Attributes
		want     Attributes
	}{
		{
			name:     "new keys are added",
			old:      Attributes{"entity_type": "PERSON"},
			incoming: Attributes{"description": "b<SEP>a"},
			want:     Attributes{"entity_type": "PERSON", "description": "a<SEP>b"},
		},
		{
			name:     "list fields are unioned",
			old:      Attributes{"source_id": "chunk-2<SEP>chunk-1"},
			incoming: Attributes{"source_id": "chunk-3<SEP>chunk-1"},
			want:     Attributes{"source_id": "chunk-1<SEP>chunk-2<SEP>chunk-3"},
		},
		{
			name:     "scalar fields are last write wins",
			old:      Attributes{"entity_type": "PERSON", "weight": "1"},
			incoming: Attributes{"entity_type": "ORGANIZATION", "weight": ""},
			want:     Attributes{"entity_type": "ORGANIZATION", "weight": "1"},
		},
		{
			name:     "time span widens",
			old:      Attributes{"start_time": "2020-05", "end_time": "2021"},
			incoming: Attributes{"start_time": "2019", "end_time": "2020-12"},
			want:     Attributes{"start_time": "2019", "end_time": "2021"},
		},
		{
			name:     "unparsable time loses",
			old:      Attributes{"start_time": "someday"},
			incoming: Attributes{"start_time": "2020"},
			want:     Attributes{"start_time": "2020"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MergeAttributes(tt.old, tt.incoming)
			if !maps.Equal(got, tt.want) {
				t.Fatalf("MergeAttributes() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMergeAttributes_Idempotent(t *testing.T) {
	attrs := Attributes{
		"description": "x<SEP>y",
		"source_id":   "c1",
		"start_time":  "2020",
		"entity_type": "EVENT",
	}
	once := MergeAttributes(nil, attrs)
	state := once
	for i := 0; i < 5; i++ {
		state = MergeAttributes(state, attrs)
	}
	if !maps.Equal(once, state) {
		t.Fatalf("repeated merge changed state: %v vs %v", once, state)
	}
}

func TestMergeAttributes_OrderIndependentForSets(t *testing.T) {
	a := Attributes{"source_id": "c1", "description": "alpha"}
	b := Attributes{"source_id": "c2", "description": "beta"}

	ab := MergeAttributes(MergeAttributes(nil, a), b)
	ba := MergeAttributes(MergeAttributes(nil, b), a)
	if ab["source_id"] != ba["source_id"] || ab["description"] != ba["description"] {
		t.Fatalf("merge depends on order: %v vs %v", ab, ba)
	}
}

func TestMergeAttributes_DoesNotModifyInputs(t *testing.T) {
	old := Attributes{"source_id": "c1"}
	incoming := Attributes{"source_id": "c2"}
	_ = MergeAttributes(old, incoming)
	if old["source_id"] != "c1" || incoming["source_id"] != "c2" {
		t.Fatal("inputs were modified")
	}
}
