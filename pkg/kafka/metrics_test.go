package kafka

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// metricValue returns the counter value or histogram sample count of the
// series matching labels, or 0 if the series has not been created yet.
func metricValue(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
	series:
		for _, m := range fam.GetMetric() {
			got := make(map[string]string, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				got[lp.GetName()] = lp.GetValue()
			}
			for k, v := range labels {
				if got[k] != v {
					continue series
				}
			}
			if m.GetCounter() != nil {
				return m.GetCounter().GetValue()
			}
			if m.GetHistogram() != nil {
				return float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return 0
}

func TestMetrics_RegisteredWithHelp(t *testing.T) {
	ConsumerMessagesReceived.WithLabelValues("t", "g")
	ConsumerMessagesProcessed.WithLabelValues("t", "g")
	ConsumerMessagesFailed.WithLabelValues("t", "g")
	ConsumerProcessingDuration.WithLabelValues("t", "g")
	ConsumerMessagesDuplicate.WithLabelValues("test.event")
	ProducerMessagesPublished.WithLabelValues("t")
	ProducerPublishErrors.WithLabelValues("t")
	ProducerPublishDuration.WithLabelValues("t")

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	help := make(map[string]string, len(families))
	for _, fam := range families {
		help[fam.GetName()] = fam.GetHelp()
	}

	for _, name := range []string{
		"kafka_consumer_messages_received_total",
		"kafka_consumer_messages_processed_total",
		"kafka_consumer_messages_failed_total",
		"kafka_consumer_processing_duration_seconds",
		"kafka_consumer_messages_duplicate_total",
		"kafka_producer_messages_published_total",
		"kafka_producer_publish_errors_total",
		"kafka_producer_publish_duration_seconds",
	} {
		assert.Contains(t, help, name)
		assert.Contains(t, help[name], "Kafka", "help for %s", name)
	}
}
