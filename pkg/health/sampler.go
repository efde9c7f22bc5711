package health

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/corefacility/corefacility/pkg/config"
	"github.com/corefacility/corefacility/pkg/observability"
)

// Sampler stores a sample of the host on every tick of its schedule
type Sampler struct {
	probe   Probe
	store   *Store
	cfg     config.HealthConfig
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewSampler creates a sampler; metrics may be nil
func NewSampler(probe Probe, store *Store, cfg config.HealthConfig, logger *observability.Logger, metrics *observability.Metrics) *Sampler {
	return &Sampler{probe: probe, store: store, cfg: cfg, logger: logger, metrics: metrics, now: time.Now}
}

// Run samples once, then on schedule until ctx is done. Samples older than
// the retention period are purged every hour.
func (s *Sampler) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(s.cfg.Schedule, func() { _, _ = s.SampleOnce(ctx) }); err != nil {
		return fmt.Errorf("invalid health schedule %q: %w", s.cfg.Schedule, err)
	}
	if s.cfg.Retention > 0 {
		if _, err := c.AddFunc("@hourly", func() {
			if _, err := s.Purge(ctx); err != nil {
				s.logger.WithError(err).Error("Health sample purge failed")
			}
		}); err != nil {
			return err
		}
	}

	_, _ = s.SampleOnce(ctx)
	c.Start()
	s.logger.Infof("Health sampler started on schedule %q", s.cfg.Schedule)
	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("Health sampler stopped")
	return nil
}

// SampleOnce takes and stores one sample
func (s *Sampler) SampleOnce(ctx context.Context) (*Sample, error) {
	sample, err := s.probe.Sample(ctx)
	if err == nil {
		err = s.store.Save(ctx, sample)
	}
	if err != nil {
		s.count("error")
		s.logger.WithError(err).Error("Health sample failed")
		return nil, err
	}
	s.count("ok")
	s.observe(sample)
	s.logger.WithField("sample", sample.ID).Debug("Health sample stored")
	return sample, nil
}

// Purge deletes samples older than the retention period
func (s *Sampler) Purge(ctx context.Context) (int64, error) {
	return s.store.Purge(ctx, s.now().Add(-s.cfg.Retention))
}

func (s *Sampler) count(outcome string) {
	if s.metrics != nil {
		s.metrics.SamplesTotal.WithLabelValues(outcome).Inc()
	}
}

func (s *Sampler) observe(sample *Sample) {
	if s.metrics == nil {
		return
	}
	s.metrics.CPULoad.Set(sample.CPULoad)
	s.metrics.RAMFreeBytes.Set(float64(sample.RAMFree))
	s.metrics.SwapFreeBytes.Set(float64(sample.SwapFree))
	for mount, free := range sample.DiskFree {
		s.metrics.DiskFreeBytes.WithLabelValues(mount).Set(float64(free))
	}
	s.metrics.NetworkBytes.WithLabelValues("in").Set(float64(sample.NetBytesIn))
	s.metrics.NetworkBytes.WithLabelValues("out").Set(float64(sample.NetBytesOut))
	for sensor, t := range sample.Temperatures {
		s.metrics.Temperatures.WithLabelValues(sensor).Set(t)
	}
}
