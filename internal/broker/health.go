package broker

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"localagent/internal/domain"
)

// probe checks the downstream and records the result. It returns the state
// to report together with the previous probe outcome.
func (b *Broker) probe(ctx context.Context) (domain.DownstreamState, time.Time) {
	healthy := b.downstream != nil && b.downstream.Healthy(ctx)
	now := b.now()

	b.healthMu.Lock()
	wasUnhealthy := b.probed && !b.lastHealthy
	b.probed = true
	b.lastHealthy = healthy
	b.lastCheck = now
	b.healthMu.Unlock()

	switch {
	case healthy:
		return domain.Healthy, now
	case wasUnhealthy && b.queue.Len() > 0:
		return domain.Recovering, now
	}
	return domain.Unhealthy, now
}

// HealthCheck reports broker and downstream status. Downstream is
// "recovering" when the previous probe failed, this one fails too, and work
// is waiting in the retry queue.
func (b *Broker) HealthCheck(ctx context.Context) (domain.Health, error) {
	state, checked := b.probe(ctx)
	h := domain.Health{
		Broker:           "healthy",
		Downstream:       state,
		QueueDepth:       b.queue.Len(),
		LastCheckTime:    checked.UTC().Format(time.RFC3339Nano),
		SandboxAvailable: b.executor.SandboxAvailable(),
	}
	if b.downstream != nil {
		h.DownstreamModel = b.downstream.Model()
	}
	stats, err := b.cache.Stats(ctx)
	if err != nil {
		return domain.Health{}, err
	}
	h.Cache = &domain.CacheStats{
		HitCount:   stats.HitCount,
		MissCount:  stats.MissCount,
		EntryCount: stats.EntryCount,
		TotalBytes: stats.TotalBytes,
		MaxEntries: b.cache.MaxEntries(),
	}
	h.Host = hostInfo(ctx)
	return h, nil
}

// hostInfo is best effort; platforms without load averages report zeros.
func hostInfo(ctx context.Context) *domain.HostInfo {
	info := &domain.HostInfo{}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		info.Load1 = avg.Load1
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info.MemUsedPercent = vm.UsedPercent
		info.MemAvailable = vm.Available
	}
	return info
}
