package metrics

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestNewCollector(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.httpRequestsTotal)
	assert.NotNil(t, collector.httpRequestDuration)
	assert.NotNil(t, collector.queueDepth)
	assert.NotNil(t, collector.queueWait)
	assert.NotNil(t, collector.keyPoolAvailable)
	assert.NotNil(t, collector.upstreamRequestsTotal)
	assert.NotNil(t, collector.upstreamLatency)
	assert.NotNil(t, collector.cacheHits)
	assert.NotNil(t, collector.cacheMisses)
	assert.NotNil(t, collector.dbConnectionsOpen)
	assert.NotNil(t, collector.dbConnectionsIdle)
}

func TestCollector_RecordHTTPRequest(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.RecordHTTPRequest("GET", "/health", 200, 50*time.Millisecond, 128, 256)

	count := testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("GET", "/health", "200"))
	assert.Equal(t, float64(1), count)
}

func TestCollector_SetQueueDepthAndWait(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.SetQueueDepth("gpt4", 7)
	collector.SetQueueWait("gpt4", 250*time.Millisecond)

	assert.Equal(t, float64(7), testutil.ToFloat64(collector.queueDepth.WithLabelValues("gpt4")))
	assert.Equal(t, 0.25, testutil.ToFloat64(collector.queueWait.WithLabelValues("gpt4")))
}

func TestCollector_SetKeyPoolAvailable(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.SetKeyPoolAvailable("openai", "gpt4", 3)

	assert.Equal(t, float64(3), testutil.ToFloat64(collector.keyPoolAvailable.WithLabelValues("openai", "gpt4")))
}

func TestCollector_RecordUpstreamRequest(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordUpstreamRequest("anthropic", 200, 120*time.Millisecond)

	count := testutil.ToFloat64(collector.upstreamRequestsTotal.WithLabelValues("anthropic", "200"))
	assert.Equal(t, float64(1), count)
}

func TestCollector_RecordCacheOperation(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordCacheHit("models")
	collector.RecordCacheHit("models")
	collector.RecordCacheMiss("risu_token")

	assert.Equal(t, float64(2), testutil.ToFloat64(collector.cacheHits.WithLabelValues("models")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.cacheMisses.WithLabelValues("risu_token")))
}

func TestCollector_SetDBConnections(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.SetDBConnections("primary", 8, 3)

	assert.Equal(t, float64(8), testutil.ToFloat64(collector.dbConnectionsOpen.WithLabelValues("primary")))
	assert.Equal(t, float64(3), testutil.ToFloat64(collector.dbConnectionsIdle.WithLabelValues("primary")))
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collector.RecordHTTPRequest("POST", "/proxy/openai/v1/chat/completions", 200, time.Millisecond, 64, 64)
			collector.SetQueueDepth("gpt4", 1)
			collector.RecordUpstreamRequest("openai", 200, time.Millisecond)
			collector.RecordCacheHit("models")
		}()
	}
	wg.Wait()

	count := testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("POST", "/proxy/openai/v1/chat/completions", "200"))
	assert.Equal(t, float64(50), count)
}

func TestCollector_MetricsRegistration(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())
	assert.Implements(t, (*prometheus.Collector)(nil), collector.httpRequestsTotal)
}
