// Package index implements the HNSW (Hierarchical Navigable Small World)
// graph each collection uses for approximate nearest-neighbor search.
package index

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/kaidb/kaidb/internal/encoding"
	"github.com/kaidb/kaidb/vdberrors"
)

// graphMagic and graphVersion identify graph.bin's framed header, per the
// persisted-state layout: magic + version + m + m_max0 + entry_point +
// node_count.
var graphMagic = encoding.NewMagic("HNSWGRPH")

const graphVersion = 1

// Params configures an HNSW graph's construction and search behavior.
type Params struct {
	M              int // max neighbors per node per layer above 0
	MMax0          int // max neighbors at layer 0
	EfConstruction int // candidate beam width during insert
	EfSearch       int // configured candidate beam width during query
	LevelMult      float64
}

// DefaultParams returns the spec defaults: m=16, m_max0=32,
// ef_construction=200, ef_search=64, level_mult=1/ln(m).
func DefaultParams() Params {
	return Params{
		M:              16,
		MMax0:          32,
		EfConstruction: 200,
		EfSearch:       64,
		LevelMult:      1.0 / math.Log(16),
	}
}

// DistanceFunc computes the distance from the vector stored at id to query.
// It is supplied by the collection, typically backed by a storage backend's
// DistanceTo, so the graph never needs to hold raw vectors itself.
type DistanceFunc func(id uint32, query []float32) (float32, error)

// VectorFunc fetches the (possibly decoded) vector stored at id, used by the
// neighbor-selection diversity check and when pruning an existing node's
// neighbor list needs a fresh query root.
type VectorFunc func(id uint32) ([]float32, error)

type layerLinks struct {
	ptr atomic.Pointer[[]uint32]
}

func (l *layerLinks) load() []uint32 {
	p := l.ptr.Load()
	if p == nil {
		return nil
	}
	return *p
}

func (l *layerLinks) store(ids []uint32) {
	cp := make([]uint32, len(ids))
	copy(cp, ids)
	l.ptr.Store(&cp)
}

type node struct {
	id     uint32
	level  int
	layers []layerLinks
	mu     sync.Mutex // serializes writers to this node's neighbor lists
}

func newNode(id uint32, level int) *node {
	return &node{id: id, level: level, layers: make([]layerLinks, level+1)}
}

// Graph is a single collection's HNSW index. Search holds the graph's read
// lock for each layer walk; per-node mutexes serialize concurrent inserts
// that touch the same neighborhood, and neighbor-list updates publish via
// atomic pointer swap so concurrent readers never see a half-written list.
type Graph struct {
	params Params

	mu         sync.RWMutex
	nodes      map[uint32]*node
	hasEntry   bool
	entryPoint uint32
	topLevel   int

	tombstones *bitset.BitSet

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewGraph creates an empty graph. tombstones may be shared with the
// collection's storage backend so both agree on which internal IDs are
// logically deleted.
func NewGraph(params Params, tombstones *bitset.BitSet) *Graph {
	if tombstones == nil {
		tombstones = bitset.New(0)
	}
	return &Graph{
		params:     params,
		nodes:      make(map[uint32]*node),
		tombstones: tombstones,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (g *Graph) selectLevel() int {
	g.rngMu.Lock()
	defer g.rngMu.Unlock()
	level := int(math.Floor(-math.Log(1-g.rng.Float64()) * g.params.LevelMult))
	if level > 32 {
		level = 32
	}
	return level
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Insert adds id with the given vector to the graph. distFn and vectorFn
// resolve distances and vectors for already-present nodes.
func (g *Graph) Insert(id uint32, vector []float32, distFn DistanceFunc, vectorFn VectorFunc) error {
	level := g.selectLevel()
	n := newNode(id, level)

	g.mu.Lock()
	if _, exists := g.nodes[id]; exists {
		g.mu.Unlock()
		return vdberrors.New("index.insert", vdberrors.KindInternalCorruption, "id already present")
	}
	g.nodes[id] = n
	if !g.hasEntry {
		g.hasEntry = true
		g.entryPoint = id
		g.topLevel = level
		g.mu.Unlock()
		return nil
	}
	entryID := g.entryPoint
	entryLevel := g.topLevel
	g.mu.Unlock()

	currNearest := []uint32{entryID}
	for lc := entryLevel; lc > level; lc-- {
		currNearest = g.searchLayerClosest(vector, currNearest, 1, lc, distFn)
		if len(currNearest) == 0 {
			currNearest = []uint32{entryID}
		}
	}

	for lc := minInt(level, entryLevel); lc >= 0; lc-- {
		capNeighbors := g.params.M
		if lc == 0 {
			capNeighbors = g.params.MMax0
		}
		candidates := g.searchLayer(vector, currNearest, g.params.EfConstruction, lc, distFn)
		neighbors := g.selectNeighborsHeuristic(vector, candidates, capNeighbors, distFn, vectorFn)
		n.layers[lc].store(neighbors)

		for _, nb := range neighbors {
			g.addConnection(nb, id, lc, distFn, vectorFn)
		}
		if len(candidates) > 0 {
			currNearest = candidates
		}
	}

	if level > entryLevel {
		g.mu.Lock()
		if level > g.topLevel {
			g.topLevel = level
			g.entryPoint = id
		}
		g.mu.Unlock()
	}
	return nil
}

func (g *Graph) addConnection(from, to uint32, layer int, distFn DistanceFunc, vectorFn VectorFunc) {
	g.mu.RLock()
	fromNode, ok := g.nodes[from]
	g.mu.RUnlock()
	if !ok || layer >= len(fromNode.layers) {
		return
	}

	fromNode.mu.Lock()
	defer fromNode.mu.Unlock()

	current := fromNode.layers[layer].load()
	for _, existing := range current {
		if existing == to {
			return
		}
	}
	updated := append(append([]uint32{}, current...), to)

	capNeighbors := g.params.M
	if layer == 0 {
		capNeighbors = g.params.MMax0
	}
	if len(updated) > capNeighbors {
		fromVec, err := vectorFn(from)
		if err == nil {
			updated = g.selectNeighborsHeuristic(fromVec, updated, capNeighbors, distFn, vectorFn)
		} else {
			updated = updated[:capNeighbors]
		}
	}
	fromNode.layers[layer].store(updated)
}

// selectNeighborsHeuristic implements the standard HNSW diversity rule:
// prefer candidates closer to query than to any neighbor already selected,
// falling back to pure proximity once the diverse pool runs dry.
func (g *Graph) selectNeighborsHeuristic(query []float32, candidates []uint32, m int, distFn DistanceFunc, vectorFn VectorFunc) []uint32 {
	if len(candidates) <= m {
		return candidates
	}

	type cd struct {
		id   uint32
		dist float32
	}
	pairs := make([]cd, 0, len(candidates))
	for _, c := range candidates {
		d, err := distFn(c, query)
		if err != nil {
			continue
		}
		pairs = append(pairs, cd{id: c, dist: d})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].dist < pairs[j].dist })

	selected := make([]uint32, 0, m)
	for _, p := range pairs {
		if len(selected) >= m {
			break
		}
		diverse := true
		for _, s := range selected {
			sv, err := vectorFn(s)
			if err != nil {
				continue
			}
			dsc, err := distFn(p.id, sv)
			if err == nil && dsc < p.dist {
				diverse = false
				break
			}
		}
		if diverse {
			selected = append(selected, p.id)
		}
	}
	if len(selected) < m {
		have := make(map[uint32]bool, len(selected))
		for _, s := range selected {
			have[s] = true
		}
		for _, p := range pairs {
			if len(selected) >= m {
				break
			}
			if !have[p.id] {
				selected = append(selected, p.id)
			}
		}
	}
	return selected
}

// searchLayer runs a greedy beam search at layer, returning up to ef
// candidates ordered closest-first.
func (g *Graph) searchLayer(query []float32, entryPoints []uint32, ef int, layer int, distFn DistanceFunc) []uint32 {
	visited := make(map[uint32]bool)
	candidates := &distHeap{}
	dynamic := &distHeap{}

	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, p := range entryPoints {
		if _, ok := g.nodes[p]; !ok {
			continue
		}
		d, err := distFn(p, query)
		if err != nil {
			continue
		}
		heapPush(candidates, heapItem{id: p, dist: d})
		heapPush(dynamic, heapItem{id: p, dist: -d})
		visited[p] = true
	}

	for candidates.Len() > 0 {
		if dynamic.Len() > 0 && (*candidates)[0].dist > -(*dynamic)[0].dist {
			break
		}
		cur := heapPop(candidates)
		curNode, ok := g.nodes[cur.id]
		if !ok || layer >= len(curNode.layers) {
			continue
		}
		for _, nb := range curNode.layers[layer].load() {
			if visited[nb] {
				continue
			}
			visited[nb] = true
			d, err := distFn(nb, query)
			if err != nil {
				continue
			}
			if dynamic.Len() < ef || d < -(*dynamic)[0].dist {
				heapPush(candidates, heapItem{id: nb, dist: d})
				heapPush(dynamic, heapItem{id: nb, dist: -d})
				if dynamic.Len() > ef {
					heapPop(dynamic)
				}
			}
		}
	}

	result := make([]uint32, 0, dynamic.Len())
	for dynamic.Len() > 0 {
		result = append(result, heapPop(dynamic).id)
	}
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	return result
}

func (g *Graph) searchLayerClosest(query []float32, entryPoints []uint32, num int, layer int, distFn DistanceFunc) []uint32 {
	res := g.searchLayer(query, entryPoints, num, layer, distFn)
	if len(res) > num {
		return res[:num]
	}
	return res
}

// AdaptiveEfSearch implements the small-graph recall guarantee: for fewer
// than 10 live nodes widen the beam to max(liveCount*2, k*3); otherwise use
// max(k*2, configuredEf).
func AdaptiveEfSearch(liveCount, k, configuredEf int) int {
	if liveCount < 10 {
		ef := liveCount * 2
		if k*3 > ef {
			ef = k * 3
		}
		return ef
	}
	ef := k * 2
	if configuredEf > ef {
		ef = configuredEf
	}
	return ef
}

// Search returns up to k internal IDs closest to query, considering
// max(ef, k) candidates at layer 0. Tombstoned nodes are skipped from the
// result set but still traversed during the beam search since they remain
// valid graph hubs until a rebuild reclaims them.
func (g *Graph) Search(query []float32, k, ef int, distFn DistanceFunc) ([]uint32, []float32, error) {
	g.mu.RLock()
	hasEntry := g.hasEntry
	entryID := g.entryPoint
	entryLevel := g.topLevel
	g.mu.RUnlock()

	if !hasEntry {
		return nil, nil, vdberrors.New("index.search", vdberrors.KindVectorNotFound, "empty index")
	}
	if ef < k {
		ef = k
	}

	currNearest := []uint32{entryID}
	for lc := entryLevel; lc > 0; lc-- {
		currNearest = g.searchLayerClosest(query, currNearest, 1, lc, distFn)
		if len(currNearest) == 0 {
			currNearest = []uint32{entryID}
		}
	}
	candidates := g.searchLayer(query, currNearest, ef, 0, distFn)

	type result struct {
		id   uint32
		dist float32
	}
	results := make([]result, 0, len(candidates))
	for _, c := range candidates {
		if g.tombstones.Test(uint(c)) {
			continue
		}
		d, err := distFn(c, query)
		if err != nil {
			continue
		}
		results = append(results, result{id: c, dist: d})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].dist < results[j].dist })

	if k > len(results) {
		k = len(results)
	}
	ids := make([]uint32, k)
	dists := make([]float32, k)
	for i := 0; i < k; i++ {
		ids[i] = results[i].id
		dists[i] = results[i].dist
	}
	return ids, dists, nil
}

// Delete tombstones id. Edges are left intact; a background rebuild (see
// pkg/asyncindex) eventually reclaims the space.
func (g *Graph) Delete(id uint32) {
	g.tombstones.Set(uint(id))
}

// Params returns the graph's construction parameters, used when exporting
// a collection's config.
func (g *Graph) Params() Params {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.params
}

// Size returns the number of live (non-tombstoned) nodes.
func (g *Graph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	count := 0
	for id := range g.nodes {
		if !g.tombstones.Test(uint(id)) {
			count++
		}
	}
	return count
}

// TotalNodes returns the node count including tombstoned entries, i.e. the
// total number of internal IDs ever assigned to this graph.
func (g *Graph) TotalNodes() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Stats summarizes the graph's shape, as returned by StatsSnapshot.
type Stats struct {
	TotalNodes      int
	ActiveNodes     int
	DeletedNodes    int
	TotalEdges      int
	AvgEdgesPerNode float64
	MaxLevel        int
	EntryPoint      uint32
	M               int
	MMax0           int
	EfConstruction  int
}

func (g *Graph) StatsSnapshot() Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()

	s := Stats{M: g.params.M, MMax0: g.params.MMax0, EfConstruction: g.params.EfConstruction, EntryPoint: g.entryPoint}
	s.TotalNodes = len(g.nodes)
	totalEdges := 0
	for id, n := range g.nodes {
		if g.tombstones.Test(uint(id)) {
			continue
		}
		s.ActiveNodes++
		if n.level > s.MaxLevel {
			s.MaxLevel = n.level
		}
		for layer := range n.layers {
			totalEdges += len(n.layers[layer].load())
		}
	}
	s.DeletedNodes = s.TotalNodes - s.ActiveNodes
	s.TotalEdges = totalEdges
	if s.ActiveNodes > 0 {
		s.AvgEdgesPerNode = float64(totalEdges) / float64(s.ActiveNodes)
	}
	return s
}

// Save writes graph.bin's framed body: header fields (m, m_max0,
// ef_construction, ef_search, level_mult, entry_point, has_entry,
// top_level, node_count) followed by each node's id, level, and per-layer
// neighbor count and neighbor IDs. Tombstone state lives in its own file and
// is not duplicated here.
func (g *Graph) Save(w io.Writer) error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	body := new(bytes.Buffer)
	fields := []any{
		int32(g.params.M),
		int32(g.params.MMax0),
		int32(g.params.EfConstruction),
		int32(g.params.EfSearch),
		g.params.LevelMult,
		g.entryPoint,
		g.hasEntry,
		int32(g.topLevel),
		uint32(len(g.nodes)),
	}
	for _, f := range fields {
		if err := binary.Write(body, binary.LittleEndian, f); err != nil {
			return err
		}
	}

	for id, n := range g.nodes {
		if err := binary.Write(body, binary.LittleEndian, id); err != nil {
			return err
		}
		if err := binary.Write(body, binary.LittleEndian, int32(n.level)); err != nil {
			return err
		}
		for layer := 0; layer <= n.level; layer++ {
			links := n.layers[layer].load()
			if err := binary.Write(body, binary.LittleEndian, uint32(len(links))); err != nil {
				return err
			}
			for _, l := range links {
				if err := binary.Write(body, binary.LittleEndian, l); err != nil {
					return err
				}
			}
		}
	}

	return encoding.WriteFramed(w, graphMagic, graphVersion, body.Bytes())
}

// Load replaces the graph's contents from a graph.bin body previously
// written by Save. The tombstone bitset passed to NewGraph is left
// untouched; the caller is responsible for loading tombstones.bin.
func (g *Graph) Load(r io.Reader) error {
	body, _, err := encoding.ReadFramed(r, graphMagic, graphVersion)
	if err != nil {
		return err
	}
	rd := bytes.NewReader(body)

	var m, mMax0, efConstruction, efSearch int32
	var levelMult float64
	var entryPoint uint32
	var hasEntry bool
	var topLevel int32
	var nodeCount uint32

	for _, f := range []any{&m, &mMax0, &efConstruction, &efSearch, &levelMult, &entryPoint, &hasEntry, &topLevel, &nodeCount} {
		if err := binary.Read(rd, binary.LittleEndian, f); err != nil {
			return vdberrors.Wrap("index.load", vdberrors.KindSnapshotCorrupted, err)
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.params = Params{M: int(m), MMax0: int(mMax0), EfConstruction: int(efConstruction), EfSearch: int(efSearch), LevelMult: levelMult}
	g.entryPoint = entryPoint
	g.hasEntry = hasEntry
	g.topLevel = int(topLevel)
	g.nodes = make(map[uint32]*node, nodeCount)

	for i := uint32(0); i < nodeCount; i++ {
		var id uint32
		var level int32
		if err := binary.Read(rd, binary.LittleEndian, &id); err != nil {
			return vdberrors.Wrap("index.load", vdberrors.KindSnapshotCorrupted, err)
		}
		if err := binary.Read(rd, binary.LittleEndian, &level); err != nil {
			return vdberrors.Wrap("index.load", vdberrors.KindSnapshotCorrupted, err)
		}
		n := newNode(id, int(level))
		for layer := 0; layer <= int(level); layer++ {
			var linkCount uint32
			if err := binary.Read(rd, binary.LittleEndian, &linkCount); err != nil {
				return vdberrors.Wrap("index.load", vdberrors.KindSnapshotCorrupted, err)
			}
			links := make([]uint32, linkCount)
			for j := uint32(0); j < linkCount; j++ {
				if err := binary.Read(rd, binary.LittleEndian, &links[j]); err != nil {
					return vdberrors.Wrap("index.load", vdberrors.KindSnapshotCorrupted, err)
				}
			}
			n.layers[layer].store(links)
		}
		g.nodes[id] = n
	}
	return nil
}
