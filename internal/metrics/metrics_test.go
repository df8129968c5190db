package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	// Reset the default registry so repeated NewCollector calls across
	// tests don't collide on registration.
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	c := NewCollector()

	require.NotNil(t, c)
	assert.NotNil(t, c.jobsInstalled)
	assert.NotNil(t, c.jobsMerged)
	assert.NotNil(t, c.jobsFinished)
	assert.NotNil(t, c.jobDuration)
	assert.NotNil(t, c.recoveryTime)
	assert.NotNil(t, c.runQueueDepth)
	assert.NotNil(t, c.unitsByState)
}

func TestSecondCollectorPanicsOnDuplicateRegistration(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	c := NewCollector()
	require.NotNil(t, c)

	// A process owns exactly one collector; a second registration on the
	// same registry must fail loudly rather than silently shadow metrics.
	assert.Panics(t, func() {
		NewCollector()
	})
}

func TestRecordFinishedByResult(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	c := NewCollector()

	assert.NotPanics(t, func() {
		c.RecordFinished("done", 0.25)
		c.RecordFinished("done", 1.5)
		c.RecordFinished("canceled", 0)
		c.RecordFinished("timeout", 30)
		c.RecordFinished("dependency", 0)
	})
}

func TestRecordFinishedSkipsDurationForNeverRanJobs(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	c := NewCollector()

	// A job canceled before it ever ran reports duration 0; the histogram
	// must not observe it.
	assert.NotPanics(t, func() {
		c.RecordFinished("canceled", 0)
	})
}

func TestGauges(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	c := NewCollector()

	assert.NotPanics(t, func() {
		c.SetRunQueueDepth(0)
		c.SetRunQueueDepth(17)
		c.SetRecoveryTime(0.042)
		c.SetUnitCount("active", 3)
		c.SetUnitCount("inactive", 12)
		c.SetUnitCount("failed", 0)
	})
}

func TestJobLifecycleSequence(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	c := NewCollector()

	// install → merge of a second request → finish
	assert.NotPanics(t, func() {
		c.RecordInstalled()
		c.SetRunQueueDepth(1)
		c.RecordMerged()
		c.RecordFinished("done", 0.8)
		c.SetRunQueueDepth(0)
	})
}

func TestConcurrentUpdates(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	c := NewCollector()

	done := make(chan struct{}, 50)
	for i := 0; i < 50; i++ {
		go func() {
			c.RecordInstalled()
			c.RecordFinished("done", 0.1)
			c.SetRunQueueDepth(5)
			done <- struct{}{}
		}()
	}
	for i := 0; i < 50; i++ {
		<-done
	}
}
