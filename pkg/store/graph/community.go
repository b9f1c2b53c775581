package graph

import (
	"fmt"
	"slices"
	"sort"

	"github.com/OFFIS-RIT/dygrag/pkg/cluster"
	"github.com/OFFIS-RIT/dygrag/pkg/common"
	"github.com/OFFIS-RIT/dygrag/pkg/store"
)

// CommunityTitle names the n-th community of a level.
func CommunityTitle(level, n int) string {
	return fmt.Sprintf("%d-%d", level, n)
}

// BuildCommunities clusters the undirected projection of the graph and
// describes every community of the hierarchy. The occurrence of a community
// is the share of all chunk ids referenced by the graph that its members
// reference.
func BuildCommunities(
	nodes map[string]store.Attributes,
	edges []store.Edge,
	opts cluster.Options,
) (map[string]common.Community, error) {
	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Source != edges[j].Source {
			return edges[i].Source < edges[j].Source
		}
		return edges[i].Target < edges[j].Target
	})
	weighted := make([]cluster.Edge, len(edges))
	for i, e := range edges {
		weighted[i] = cluster.Edge{Source: e.Source, Target: e.Target, Weight: EdgeWeight(e.Attributes)}
	}

	h, err := cluster.Run(ids, weighted, opts)
	if err != nil {
		return nil, err
	}

	chunks := make(map[string][]string, len(nodes))
	reference := map[string]struct{}{}
	for id, attrs := range nodes {
		chunks[id] = store.SplitField(attrs["source_id"])
		for _, c := range chunks[id] {
			reference[c] = struct{}{}
		}
	}

	out := map[string]common.Community{}
	for level, l := range h.Levels {
		assign := make(map[string]int, len(ids))
		for n, members := range l.Communities {
			for _, m := range members {
				assign[m] = n
			}
		}

		var children [][]string
		if level+1 < len(h.Levels) {
			children = make([][]string, len(l.Communities))
			for n, members := range h.Levels[level+1].Communities {
				p := assign[members[0]]
				children[p] = append(children[p], CommunityTitle(level+1, n))
			}
		}

		intra := make([][][2]string, len(l.Communities))
		for _, e := range edges {
			cs, okS := assign[e.Source]
			ct, okT := assign[e.Target]
			if okS && okT && cs == ct {
				intra[cs] = append(intra[cs], [2]string{e.Source, e.Target})
			}
		}

		for n, members := range l.Communities {
			var chunkIDs []string
			for _, m := range members {
				chunkIDs = append(chunkIDs, chunks[m]...)
			}
			slices.Sort(chunkIDs)
			chunkIDs = slices.Compact(chunkIDs)

			occurrence := 0.0
			if len(reference) > 0 {
				occurrence = float64(len(chunkIDs)) / float64(len(reference))
			}

			c := common.Community{
				Level:          level,
				Title:          CommunityTitle(level, n),
				Nodes:          slices.Clone(members),
				Edges:          intra[n],
				ChunkIDs:       chunkIDs,
				Occurrence:     occurrence,
				SubCommunities: []string{},
			}
			if children != nil && children[n] != nil {
				c.SubCommunities = children[n]
			}
			if c.Edges == nil {
				c.Edges = [][2]string{}
			}
			if c.ChunkIDs == nil {
				c.ChunkIDs = []string{}
			}
			out[c.Title] = c
		}
	}
	return out, nil
}
