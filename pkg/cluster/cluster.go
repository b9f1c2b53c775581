// Package cluster computes hierarchical community partitions of an
// undirected weighted graph.
//
// Passes run from fine to coarse as in Louvain aggregation and are returned
// coarse first, so Levels[0] is the coarsest partition and every community of
// Levels[L+1] lies inside exactly one community of Levels[L].
package cluster

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"sort"

	"github.com/OFFIS-RIT/dygrag/pkg/store"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/community"
	"gonum.org/v1/gonum/graph/simple"
)

const (
	AlgorithmLeiden  = "leiden"
	AlgorithmLouvain = "louvain"
)

// Options configures a clustering run.
type Options struct {
	// Algorithm is "leiden" (default) or "louvain".
	Algorithm string
	// Seed fixes the node visiting order.
	Seed uint64
	// MaxLevels caps the number of aggregation passes.
	MaxLevels int
	// Resolution scales the null model. Zero means 1.
	Resolution float64
	// MinGain is the modularity improvement a pass must reach to be kept.
	MinGain float64
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		Algorithm:  AlgorithmLeiden,
		Seed:       0xDEADBEEF,
		MaxLevels:  4,
		Resolution: 1,
		MinGain:    1e-7,
	}
}

// Edge is an undirected weighted edge.
type Edge struct {
	Source string
	Target string
	Weight float64
}

// Level is one partition. Communities hold sorted member ids and are
// ordered by their smallest member.
type Level struct {
	Communities [][]string
}

// Hierarchy is the result of a run, coarsest level first.
type Hierarchy struct {
	Levels []Level
}

// Run partitions nodes. Parallel and reverse edges are summed and
// self-loops are ignored. A graph that cannot be improved yields a single
// level of singletons.
func Run(nodes []string, edges []Edge, opts Options) (Hierarchy, error) {
	if opts.Algorithm == "" {
		opts.Algorithm = AlgorithmLeiden
	}
	if opts.Algorithm != AlgorithmLeiden && opts.Algorithm != AlgorithmLouvain {
		return Hierarchy{}, fmt.Errorf("%w: %q", store.ErrUnknownAlgorithm, opts.Algorithm)
	}
	if opts.MaxLevels <= 0 {
		opts.MaxLevels = 1
	}
	if opts.Resolution <= 0 {
		opts.Resolution = 1
	}

	ids := slices.Clone(nodes)
	slices.Sort(ids)
	ids = slices.Compact(ids)
	if len(ids) == 0 {
		return Hierarchy{}, nil
	}

	g := newProjection(ids, edges)
	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9E3779B97F4A7C15))

	// member maps every original node to its current super-node.
	member := make([]int, len(ids))
	for i := range member {
		member[i] = i
	}

	ref := g.gonum()
	prevQ := community.Q(ref, partitionNodes(member, len(ids)), opts.Resolution)

	var passes [][]int
	cur := g
	for len(passes) < opts.MaxLevels && cur.total > 0 {
		comm := cur.localMove(rng, opts.Resolution)
		if opts.Algorithm == AlgorithmLeiden {
			comm = cur.splitDisconnected(comm)
		}
		comm, count := cur.renumber(comm)
		if count == cur.n {
			break
		}

		next := make([]int, len(ids))
		for i, s := range member {
			next[i] = comm[s]
		}
		q := community.Q(ref, partitionNodes(next, count), opts.Resolution)
		if q-prevQ < opts.MinGain {
			break
		}

		passes = append(passes, next)
		member = next
		prevQ = q
		cur = cur.aggregate(comm, count)
	}

	if len(passes) == 0 {
		passes = append(passes, member)
	}

	h := Hierarchy{Levels: make([]Level, len(passes))}
	for i, p := range passes {
		h.Levels[len(passes)-1-i] = toLevel(ids, p)
	}
	return h, nil
}

func toLevel(ids []string, assign []int) Level {
	count := 0
	for _, c := range assign {
		count = max(count, c+1)
	}
	comms := make([][]string, count)
	for i, c := range assign {
		comms[c] = append(comms[c], ids[i])
	}
	return Level{Communities: comms}
}

func partitionNodes(assign []int, count int) [][]graph.Node {
	out := make([][]graph.Node, count)
	for i, c := range assign {
		out[c] = append(out[c], simple.Node(int64(i)))
	}
	return out
}

// projection is a symmetric weighted graph over super-nodes.
type projection struct {
	n      int
	adj    []map[int]float64
	self   []float64
	degree []float64
	// key is the smallest original id inside each super-node.
	key   []string
	total float64
}

func newProjection(ids []string, edges []Edge) *projection {
	index := make(map[string]int, len(ids))
	for i, id := range ids {
		index[id] = i
	}
	p := &projection{
		n:      len(ids),
		adj:    make([]map[int]float64, len(ids)),
		self:   make([]float64, len(ids)),
		degree: make([]float64, len(ids)),
		key:    slices.Clone(ids),
	}
	for i := range p.adj {
		p.adj[i] = map[int]float64{}
	}
	for _, e := range edges {
		u, okU := index[e.Source]
		v, okV := index[e.Target]
		if !okU || !okV || u == v || e.Weight <= 0 {
			continue
		}
		p.adj[u][v] += e.Weight
		p.adj[v][u] += e.Weight
		p.degree[u] += e.Weight
		p.degree[v] += e.Weight
		p.total += 2 * e.Weight
	}
	return p
}

func (p *projection) gonum() *simple.WeightedUndirectedGraph {
	g := simple.NewWeightedUndirectedGraph(0, 0)
	for i := 0; i < p.n; i++ {
		g.AddNode(simple.Node(int64(i)))
	}
	for u := 0; u < p.n; u++ {
		for v, w := range p.adj[u] {
			if u < v {
				g.SetWeightedEdge(g.NewWeightedEdge(simple.Node(int64(u)), simple.Node(int64(v)), w))
			}
		}
	}
	return g
}

func (p *projection) sortedNeighbors(u int) []int {
	out := make([]int, 0, len(p.adj[u]))
	for v := range p.adj[u] {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

// localMove greedily moves super-nodes to the neighbouring community with the
// strictly largest modularity gain until a full sweep moves nothing.
func (p *projection) localMove(rng *rand.Rand, resolution float64) []int {
	comm := make([]int, p.n)
	tot := make([]float64, p.n)
	for i := range comm {
		comm[i] = i
		tot[i] = p.degree[i]
	}
	order := rng.Perm(p.n)
	neighbors := make([][]int, p.n)
	for i := range neighbors {
		neighbors[i] = p.sortedNeighbors(i)
	}

	const maxSweeps = 100
	for range maxSweeps {
		moved := false
		for _, u := range order {
			cu := comm[u]
			links := map[int]float64{}
			var cands []int
			for _, v := range neighbors[u] {
				c := comm[v]
				if _, ok := links[c]; !ok {
					cands = append(cands, c)
				}
				links[c] += p.adj[u][v]
			}
			sort.Ints(cands)

			tot[cu] -= p.degree[u]
			gain := func(c int) float64 {
				return links[c] - resolution*tot[c]*p.degree[u]/p.total
			}
			best, bestGain := cu, gain(cu)
			for _, c := range cands {
				if g := gain(c); g > bestGain+1e-12 {
					best, bestGain = c, g
				}
			}
			tot[best] += p.degree[u]
			if best != cu {
				comm[u] = best
				moved = true
			}
		}
		if !moved {
			break
		}
	}
	return comm
}

// splitDisconnected gives every connected component of a community its own
// community id.
func (p *projection) splitDisconnected(comm []int) []int {
	out := make([]int, p.n)
	for i := range out {
		out[i] = -1
	}
	next := 0
	for start := 0; start < p.n; start++ {
		if out[start] >= 0 {
			continue
		}
		out[start] = next
		queue := []int{start}
		for len(queue) > 0 {
			u := queue[0]
			queue = queue[1:]
			for _, v := range p.sortedNeighbors(u) {
				if out[v] < 0 && comm[v] == comm[start] {
					out[v] = next
					queue = append(queue, v)
				}
			}
		}
		next++
	}
	return out
}

// renumber orders communities by their smallest original member id.
func (p *projection) renumber(comm []int) ([]int, int) {
	keys := map[int]string{}
	for u, c := range comm {
		if k, ok := keys[c]; !ok || p.key[u] < k {
			keys[c] = p.key[u]
		}
	}
	old := make([]int, 0, len(keys))
	for c := range keys {
		old = append(old, c)
	}
	sort.Slice(old, func(i, j int) bool { return keys[old[i]] < keys[old[j]] })

	remap := make(map[int]int, len(old))
	for i, c := range old {
		remap[c] = i
	}
	out := make([]int, len(comm))
	for u, c := range comm {
		out[u] = remap[c]
	}
	return out, len(old)
}

// aggregate contracts every community into a super-node. Internal weight is
// kept as a self-loop so degrees and the total weight are preserved.
func (p *projection) aggregate(comm []int, count int) *projection {
	q := &projection{
		n:      count,
		adj:    make([]map[int]float64, count),
		self:   make([]float64, count),
		degree: make([]float64, count),
		key:    make([]string, count),
		total:  p.total,
	}
	for i := range q.adj {
		q.adj[i] = map[int]float64{}
	}
	for u := 0; u < p.n; u++ {
		c := comm[u]
		q.degree[c] += p.degree[u]
		q.self[c] += p.self[u]
		if q.key[c] == "" || p.key[u] < q.key[c] {
			q.key[c] = p.key[u]
		}
		for _, v := range p.sortedNeighbors(u) {
			w := p.adj[u][v]
			d := comm[v]
			if c == d {
				q.self[c] += w
				continue
			}
			q.adj[c][d] += w
		}
	}
	return q
}
