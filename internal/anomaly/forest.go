package anomaly

import (
	"math"
	"math/rand/v2"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ali-master/shield/config"
	"github.com/ali-master/shield/internal/metrics"
)

// forestDetector scores values with an isolation forest built from the
// first window of observations per series. Anomalies isolate in fewer
// random splits, yielding a score near 1; normal values score near 0.5
// or below. The cutoff is the training-score quantile implied by the
// configured contamination rate. Training is one-shot per series; the
// detection path only walks the trees.
type forestDetector struct {
	name          string
	trees         int
	sampleSize    int
	trainSize     int
	contamination float64
	seed          int64

	mu     sync.Mutex
	series *lru.Cache[string, *forestSeries]
}

type forestSeries struct {
	training []float64
	model    *isoForest
	cutoff   float64
}

func newForest(cfg config.DetectorConfig) (Detector, error) {
	trees := cfg.Trees
	if trees <= 0 {
		trees = 100
	}
	sampleSize := cfg.SampleSize
	if sampleSize <= 0 {
		sampleSize = 64
	}
	trainSize := cfg.WindowSize
	if trainSize <= 0 {
		trainSize = 256
	}
	if trainSize < sampleSize {
		trainSize = sampleSize
	}
	contamination := cfg.Contamination
	if contamination <= 0 {
		contamination = 0.05
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = 1
	}
	cache, _ := lru.New[string, *forestSeries](maxSeries)
	return &forestDetector{
		name:          detectorName(cfg, "forest"),
		trees:         trees,
		sampleSize:    sampleSize,
		trainSize:     trainSize,
		contamination: contamination,
		seed:          seed,
		series:        cache,
	}, nil
}

func (d *forestDetector) Name() string { return d.name }
func (d *forestDetector) Type() string { return "forest" }

func (d *forestDetector) Detect(samples []metrics.Sample) []Result {
	var out []Result
	for _, s := range samples {
		key := metrics.SeriesKey(s.Name, s.Labels)

		d.mu.Lock()
		fs, ok := d.series.Get(key)
		if !ok {
			fs = &forestSeries{}
			d.series.Add(key, fs)
		}
		if fs.model == nil {
			fs.training = append(fs.training, s.Value)
			if len(fs.training) >= d.trainSize {
				d.train(fs)
			}
			d.mu.Unlock()
			continue
		}
		score := fs.model.score(s.Value)
		cutoff := fs.cutoff
		d.mu.Unlock()

		r := Result{
			Metric:    key,
			Value:     s.Value,
			Score:     score,
			IsAnomaly: score > cutoff,
			Detector:  d.name,
			Timestamp: s.Timestamp,
		}
		if r.IsAnomaly {
			r.Severity = severityFor(score, cutoff)
		}
		out = append(out, r)
	}
	return out
}

// train builds the forest from the accumulated buffer and derives the
// cutoff as the (1-contamination) quantile of the training scores.
// Callers hold d.mu.
func (d *forestDetector) train(fs *forestSeries) {
	rng := rand.New(rand.NewPCG(uint64(d.seed), uint64(len(fs.training))))
	fs.model = buildForest(fs.training, d.trees, d.sampleSize, rng)

	scores := make([]float64, len(fs.training))
	for i, v := range fs.training {
		scores[i] = fs.model.score(v)
	}
	sort.Float64s(scores)
	fs.cutoff = quantile(scores, 1-d.contamination)
	fs.training = nil
}

type isoForest struct {
	trees   []*isoTree
	avgPath float64 // c(sampleSize), normalizes path lengths
}

type isoTree struct {
	split       float64
	left, right *isoTree
	size        int // external node only
}

func buildForest(values []float64, trees, sampleSize int, rng *rand.Rand) *isoForest {
	if sampleSize > len(values) {
		sampleSize = len(values)
	}
	maxDepth := int(math.Ceil(math.Log2(float64(sampleSize)))) + 1

	f := &isoForest{
		trees:   make([]*isoTree, trees),
		avgPath: avgPathLength(sampleSize),
	}
	sample := make([]float64, sampleSize)
	for i := range f.trees {
		for j := range sample {
			sample[j] = values[rng.IntN(len(values))]
		}
		f.trees[i] = buildTree(sample, 0, maxDepth, rng)
	}
	return f
}

func buildTree(values []float64, depth, maxDepth int, rng *rand.Rand) *isoTree {
	if len(values) <= 1 || depth >= maxDepth {
		return &isoTree{size: len(values)}
	}
	lo, hi := values[0], values[0]
	for _, v := range values[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if lo == hi {
		return &isoTree{size: len(values)}
	}

	split := lo + rng.Float64()*(hi-lo)
	var left, right []float64
	for _, v := range values {
		if v < split {
			left = append(left, v)
		} else {
			right = append(right, v)
		}
	}
	return &isoTree{
		split: split,
		left:  buildTree(left, depth+1, maxDepth, rng),
		right: buildTree(right, depth+1, maxDepth, rng),
	}
}

// pathLength walks v down the tree, crediting external nodes with the
// average depth of an unbuilt subtree of their size.
func (t *isoTree) pathLength(v float64, depth int) float64 {
	if t.left == nil {
		return float64(depth) + avgPathLength(t.size)
	}
	if v < t.split {
		return t.left.pathLength(v, depth+1)
	}
	return t.right.pathLength(v, depth+1)
}

// score maps the mean path length of v across all trees into [0,1].
func (f *isoForest) score(v float64) float64 {
	var sum float64
	for _, t := range f.trees {
		sum += t.pathLength(v, 0)
	}
	mean := sum / float64(len(f.trees))
	if f.avgPath == 0 {
		return 0
	}
	return math.Pow(2, -mean/f.avgPath)
}

// avgPathLength is c(n), the average path length of an unsuccessful
// BST search over n values, using the harmonic-number approximation.
func avgPathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	h := math.Log(float64(n-1)) + 0.5772156649
	return 2*h - 2*float64(n-1)/float64(n)
}
