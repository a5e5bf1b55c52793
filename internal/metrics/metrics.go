// Package metrics exposes prometheus-compatible counters and timers for
// the cache core, grounded on the same docker/go-metrics namespace idiom
// the teacher uses for its storage and middleware metrics.
package metrics

import (
	"time"

	"github.com/docker/go-metrics"
)

// NamespacePrefix roots every metric this package registers.
const NamespacePrefix = "bstcache"

var (
	// StoreNamespace covers blob and manifest I/O.
	StoreNamespace = metrics.NewNamespace(NamespacePrefix, "store", nil)
	// RefIndexNamespace covers reference resolution, commit, and eviction.
	RefIndexNamespace = metrics.NewNamespace(NamespacePrefix, "refidx", nil)
)

func init() {
	metrics.Register(StoreNamespace)
	metrics.Register(RefIndexNamespace)
}

// Recorder bundles the counters and timers the core reports. A nil
// *Recorder is valid everywhere it's accepted and every method on it is a
// no-op, so instrumentation is always optional at call sites.
type Recorder struct {
	blobPuts    metrics.Counter
	blobGets    metrics.Counter
	resolveHits metrics.Counter
	resolveMiss metrics.Counter
	commits     metrics.Counter
	evictions   metrics.Counter
	opLatency   metrics.LabeledTimer
}

// NewRecorder registers and returns a Recorder. Call once per process;
// registering the same metric name twice panics, matching docker/go-metrics'
// own behavior.
func NewRecorder() *Recorder {
	return &Recorder{
		blobPuts:    StoreNamespace.NewCounter("blob_puts_total", "number of blobs written"),
		blobGets:    StoreNamespace.NewCounter("blob_gets_total", "number of blobs read"),
		resolveHits: RefIndexNamespace.NewCounter("resolve_hits_total", "reference resolutions that found a binding"),
		resolveMiss: RefIndexNamespace.NewCounter("resolve_misses_total", "reference resolutions that found nothing"),
		commits:     RefIndexNamespace.NewCounter("commits_total", "reference bindings installed"),
		evictions:   RefIndexNamespace.NewCounter("evictions_total", "references removed by evict_to"),
		opLatency:   RefIndexNamespace.NewLabeledTimer("operation_duration_seconds", "latency of refidx operations", "operation"),
	}
}

func (r *Recorder) IncBlobPut() {
	if r == nil {
		return
	}
	r.blobPuts.Inc()
}

func (r *Recorder) IncBlobGet() {
	if r == nil {
		return
	}
	r.blobGets.Inc()
}

func (r *Recorder) IncResolve(hit bool) {
	if r == nil {
		return
	}
	if hit {
		r.resolveHits.Inc()
	} else {
		r.resolveMiss.Inc()
	}
}

func (r *Recorder) IncCommit(n int) {
	if r == nil {
		return
	}
	r.commits.Inc(float64(n))
}

func (r *Recorder) IncEvictions(n int) {
	if r == nil {
		return
	}
	if n <= 0 {
		return
	}
	r.evictions.Inc(float64(n))
}

// ObserveLatency records how long operation took, keyed by name.
func (r *Recorder) ObserveLatency(operation string, start time.Time) {
	if r == nil {
		return
	}
	r.opLatency.WithValues(operation).UpdateSince(start)
}
