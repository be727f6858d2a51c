package quantization

import (
	"context"
	"encoding/binary"
	"hash/fnv"
	"io"
	"math"
	"math/rand"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/chewxy/math32"
	"github.com/kaidb/kaidb/vdberrors"
)

// distanceTableCacheSize bounds how many precomputed per-query asymmetric
// distance tables are kept around; a search workload that repeats similar
// queries (e.g. paginated results for the same query) gets the table for
// free on subsequent pages.
const distanceTableCacheSize = 256

// ProductQuantizer implements product quantization: the vector space is
// split into m subspaces, each quantized independently by a k-centroid
// codebook learned with k-means. A stored vector becomes m bytes; distance
// to a query uses precomputed asymmetric distance tables.
type ProductQuantizer struct {
	m, k, d, subDim int
	codebooks       [][][]float32
	trained         bool
	generation      uint64

	tableCache *lru.Cache[uint64, [][]float32]
}

// NewProductQuantizer creates a PQ codec over dimension split into
// numSubspaces subspaces, each with numCentroids codewords (<=256 so a code
// fits in one byte; typically m in {8,16,32}, k=256).
func NewProductQuantizer(dimension, numSubspaces, numCentroids int) (*ProductQuantizer, error) {
	if dimension%numSubspaces != 0 {
		return nil, vdberrors.New("quantization.new_pq", vdberrors.KindDimensionMismatch, "dimension must be divisible by numSubspaces")
	}
	if numCentroids > 256 {
		return nil, vdberrors.New("quantization.new_pq", vdberrors.KindInvalidMetric, "numCentroids must be <= 256 for byte encoding")
	}
	cache, _ := lru.New[uint64, [][]float32](distanceTableCacheSize)
	return &ProductQuantizer{
		m:          numSubspaces,
		k:          numCentroids,
		d:          dimension,
		subDim:     dimension / numSubspaces,
		codebooks:  make([][][]float32, numSubspaces),
		tableCache: cache,
	}, nil
}

func (pq *ProductQuantizer) Trained() bool { return pq.trained }

func (pq *ProductQuantizer) CodeSize() int { return pq.m }

// Train learns per-subspace codebooks via k-means. Invalidates any cached
// distance tables from a prior generation.
func (pq *ProductQuantizer) Train(ctx context.Context, vectors [][]float32) error {
	// k-means for each subspace clusters the same N vectors into pq.k
	// centroids; the per-subspace minimum is pq.k, not pq.k*pq.m.
	if len(vectors) < pq.k {
		return vdberrors.New("quantization.pq.train", vdberrors.KindCodecNotTrained, "not enough training vectors")
	}
	for m := 0; m < pq.m; m++ {
		if err := ctx.Err(); err != nil {
			return vdberrors.New("quantization.pq.train", vdberrors.KindCancelled, "training cancelled")
		}
		subvectors := make([][]float32, len(vectors))
		start := m * pq.subDim
		end := start + pq.subDim
		for i, vec := range vectors {
			subvectors[i] = vec[start:end]
		}
		centroids, err := kMeans(ctx, subvectors, pq.k, 25)
		if err != nil {
			return vdberrors.Wrap("quantization.pq.train", vdberrors.KindCodecNotTrained, err)
		}
		pq.codebooks[m] = centroids
	}
	pq.trained = true
	pq.generation++
	pq.tableCache.Purge()
	return nil
}

func (pq *ProductQuantizer) Encode(vector []float32) ([]byte, error) {
	if !pq.trained {
		return nil, vdberrors.New("quantization.pq.encode", vdberrors.KindCodecNotTrained, "")
	}
	if len(vector) != pq.d {
		return nil, vdberrors.New("quantization.pq.encode", vdberrors.KindDimensionMismatch, "")
	}
	codes := make([]byte, pq.m)
	for m := 0; m < pq.m; m++ {
		start := m * pq.subDim
		subvec := vector[start : start+pq.subDim]
		minDist := float32(math.MaxFloat32)
		minIdx := 0
		for k := 0; k < pq.k; k++ {
			dist := euclideanDistance(subvec, pq.codebooks[m][k])
			if dist < minDist {
				minDist = dist
				minIdx = k
			}
		}
		codes[m] = byte(minIdx)
	}
	return codes, nil
}

func (pq *ProductQuantizer) Decode(codes []byte) ([]float32, error) {
	if !pq.trained {
		return nil, vdberrors.New("quantization.pq.decode", vdberrors.KindCodecNotTrained, "")
	}
	if len(codes) != pq.m {
		return nil, vdberrors.New("quantization.pq.decode", vdberrors.KindInternalCorruption, "wrong code length")
	}
	vector := make([]float32, pq.d)
	for m := 0; m < pq.m; m++ {
		idx := int(codes[m])
		if idx >= pq.k {
			return nil, vdberrors.New("quantization.pq.decode", vdberrors.KindInternalCorruption, "centroid index out of range")
		}
		copy(vector[m*pq.subDim:(m+1)*pq.subDim], pq.codebooks[m][idx])
	}
	return vector, nil
}

// DistanceTable returns the cached (or freshly computed) per-subspace
// distance-to-centroid table for query: table[m][k] = dist(query_sub_m, centroid_k).
func (pq *ProductQuantizer) DistanceTable(query []float32) [][]float32 {
	key := pq.cacheKey(query)
	if table, ok := pq.tableCache.Get(key); ok {
		return table
	}
	table := pq.computeDistanceTable(query)
	pq.tableCache.Add(key, table)
	return table
}

func (pq *ProductQuantizer) cacheKey(query []float32) uint64 {
	h := fnv.New64a()
	buf := make([]byte, 4)
	for _, f := range query {
		binary.LittleEndian.PutUint32(buf, math.Float32bits(f))
		_, _ = h.Write(buf)
	}
	binary.LittleEndian.PutUint32(buf, uint32(pq.generation))
	_, _ = h.Write(buf)
	return h.Sum64()
}

func (pq *ProductQuantizer) computeDistanceTable(query []float32) [][]float32 {
	table := make([][]float32, pq.m)
	for m := 0; m < pq.m; m++ {
		table[m] = make([]float32, pq.k)
		start := m * pq.subDim
		subquery := query[start : start+pq.subDim]
		for k := 0; k < pq.k; k++ {
			table[m][k] = euclideanDistance(subquery, pq.codebooks[m][k])
		}
	}
	return table
}

// ComputeDistance returns the asymmetric approximate distance between codes
// and query: the sum of each subspace's table[m][code[m]].
func (pq *ProductQuantizer) ComputeDistance(codes []byte, query []float32) (float32, error) {
	if !pq.trained {
		return 0, vdberrors.New("quantization.pq.distance", vdberrors.KindCodecNotTrained, "")
	}
	table := pq.DistanceTable(query)
	var total float32
	for m := 0; m < pq.m; m++ {
		total += table[m][codes[m]]
	}
	return total, nil
}

// SearchPQ ranks a set of PQ codes against query and returns the topK
// closest indices and their approximate distances.
func (pq *ProductQuantizer) SearchPQ(query []float32, codes [][]byte, topK int) ([]int, []float32) {
	if !pq.trained || len(codes) == 0 {
		return nil, nil
	}
	table := pq.DistanceTable(query)
	type result struct {
		idx  int
		dist float32
	}
	results := make([]result, len(codes))
	for i, code := range codes {
		var dist float32
		for m := 0; m < pq.m; m++ {
			dist += table[m][code[m]]
		}
		results[i] = result{idx: i, dist: dist}
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].dist < results[j].dist })
	if topK > len(results) {
		topK = len(results)
	}
	indices := make([]int, topK)
	distances := make([]float32, topK)
	for i := 0; i < topK; i++ {
		indices[i] = results[i].idx
		distances[i] = results[i].dist
	}
	return indices, distances
}

func (pq *ProductQuantizer) CompressionRatio() float32 {
	return float32(pq.d*4) / float32(pq.m)
}

func (pq *ProductQuantizer) Save(w io.Writer) error {
	if !pq.trained {
		return vdberrors.New("quantization.pq.save", vdberrors.KindCodecNotTrained, "")
	}
	for _, v := range []uint32{uint32(pq.m), uint32(pq.k), uint32(pq.d), uint32(pq.subDim)} {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	for m := 0; m < pq.m; m++ {
		for k := 0; k < pq.k; k++ {
			for d := 0; d < pq.subDim; d++ {
				if err := binary.Write(w, binary.LittleEndian, math.Float32bits(pq.codebooks[m][k][d])); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (pq *ProductQuantizer) Load(r io.Reader) error {
	var m, k, d, subDim uint32
	for _, v := range []*uint32{&m, &k, &d, &subDim} {
		if err := binary.Read(r, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	pq.m, pq.k, pq.d, pq.subDim = int(m), int(k), int(d), int(subDim)
	pq.codebooks = make([][][]float32, pq.m)
	for mi := 0; mi < pq.m; mi++ {
		pq.codebooks[mi] = make([][]float32, pq.k)
		for ki := 0; ki < pq.k; ki++ {
			pq.codebooks[mi][ki] = make([]float32, pq.subDim)
			for di := 0; di < pq.subDim; di++ {
				var bits uint32
				if err := binary.Read(r, binary.LittleEndian, &bits); err != nil {
					return err
				}
				pq.codebooks[mi][ki][di] = math.Float32frombits(bits)
			}
		}
	}
	pq.trained = true
	pq.generation++
	if pq.tableCache != nil {
		pq.tableCache.Purge()
	}
	return nil
}

// kMeans runs Lloyd's algorithm with k-means++ seeded initial centroids,
// matching the product quantizer's training-time subspace clustering.
func kMeans(ctx context.Context, vectors [][]float32, k int, maxIters int) ([][]float32, error) {
	if len(vectors) < k {
		return nil, vdberrors.New("quantization.kmeans", vdberrors.KindCodecNotTrained, "not enough vectors for k")
	}
	dim := len(vectors[0])
	centroids := kMeansPlusPlusInit(vectors, k)
	assignments := make([]int, len(vectors))
	for iter := 0; iter < maxIters; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, vdberrors.New("quantization.kmeans", vdberrors.KindCancelled, "training cancelled")
		}
		changed := false
		for i, vec := range vectors {
			minDist := float32(math.MaxFloat32)
			minIdx := 0
			for j, centroid := range centroids {
				dist := euclideanDistance(vec, centroid)
				if dist < minDist {
					minDist = dist
					minIdx = j
				}
			}
			if assignments[i] != minIdx {
				changed = true
				assignments[i] = minIdx
			}
		}
		if !changed {
			break
		}
		counts := make([]int, k)
		for i := range centroids {
			centroids[i] = make([]float32, dim)
		}
		for i, vec := range vectors {
			cluster := assignments[i]
			counts[cluster]++
			for j := 0; j < dim; j++ {
				centroids[cluster][j] += vec[j]
			}
		}
		for i := range centroids {
			if counts[i] > 0 {
				for j := 0; j < dim; j++ {
					centroids[i][j] /= float32(counts[i])
				}
			}
		}
	}
	return centroids, nil
}

// kMeansPlusPlusInit seeds k centroids by the k-means++ rule: the first
// centroid is picked uniformly at random, every subsequent one with
// probability proportional to its squared distance from the nearest
// centroid already chosen.
func kMeansPlusPlusInit(vectors [][]float32, k int) [][]float32 {
	dim := len(vectors[0])
	centroids := make([][]float32, 0, k)

	first := rand.Intn(len(vectors))
	c0 := make([]float32, dim)
	copy(c0, vectors[first])
	centroids = append(centroids, c0)

	minSq := make([]float32, len(vectors))
	for len(centroids) < k {
		var total float64
		for i, vec := range vectors {
			d := euclideanDistance(vec, centroids[len(centroids)-1])
			sq := d * d
			if len(centroids) == 1 || sq < minSq[i] {
				minSq[i] = sq
			}
			total += float64(minSq[i])
		}
		if total == 0 {
			// remaining vectors coincide with chosen centroids; fall back
			// to uniform pick to still reach k distinct seeds.
			idx := rand.Intn(len(vectors))
			c := make([]float32, dim)
			copy(c, vectors[idx])
			centroids = append(centroids, c)
			continue
		}
		target := rand.Float64() * total
		var cum float64
		chosen := len(vectors) - 1
		for i := range vectors {
			cum += float64(minSq[i])
			if cum >= target {
				chosen = i
				break
			}
		}
		c := make([]float32, dim)
		copy(c, vectors[chosen])
		centroids = append(centroids, c)
	}
	return centroids
}

func euclideanDistance(a, b []float32) float32 {
	var sum float32
	for i := range a {
		diff := a[i] - b[i]
		sum += diff * diff
	}
	return math32.Sqrt(sum)
}
