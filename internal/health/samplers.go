package health

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	"wa_manager/internal/database"
	"wa_manager/internal/services"

	"github.com/prometheus/procfs"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const bytesPerMB = 1024 * 1024

// SystemSampler reports process resources and the number of live sessions.
// CPU usage is derived from procfs between two samples and is missing where
// procfs is unavailable.
type SystemSampler struct {
	live func() int

	mu       sync.Mutex
	lastCPU  float64
	lastWall time.Time
}

// NewSystemSampler creates a system sampler; live may be nil
func NewSystemSampler(live func() int) *SystemSampler {
	return &SystemSampler{live: live}
}

func (s *SystemSampler) Sample(ctx context.Context) (map[string]float64, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	values := map[string]float64{
		"goroutines":    float64(runtime.NumGoroutine()),
		"heap_alloc_mb": float64(ms.HeapAlloc) / bytesPerMB,
		"sys_mb":        float64(ms.Sys) / bytesPerMB,
		"gc_cycles":     float64(ms.NumGC),
	}
	if ms.Sys > 0 {
		values["memory_percent"] = float64(ms.HeapAlloc) / float64(ms.Sys) * 100
	}
	if s.live != nil {
		values["live_sessions"] = float64(s.live())
	}
	s.sampleProc(values)
	return values, ctx.Err()
}

func (s *SystemSampler) sampleProc(values map[string]float64) {
	proc, err := procfs.Self()
	if err != nil {
		return
	}
	stat, err := proc.Stat()
	if err != nil {
		return
	}
	values["rss_mb"] = float64(stat.ResidentMemory()) / bytesPerMB

	if fs, err := procfs.NewDefaultFS(); err == nil {
		if info, err := fs.Meminfo(); err == nil && info.MemTotal != nil && *info.MemTotal > 0 {
			values["memory_percent"] = float64(stat.ResidentMemory()) / float64(*info.MemTotal*1024) * 100
		}
	}

	now := time.Now()
	cpu := stat.CPUTime()
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.lastWall.IsZero() {
		if wall := now.Sub(s.lastWall).Seconds(); wall > 0 {
			values["cpu_percent"] = (cpu - s.lastCPU) / wall / float64(runtime.NumCPU()) * 100
		}
	}
	s.lastCPU, s.lastWall = cpu, now
}

// NewDatabaseSampler reports ping latency and pool usage of the shared database
func NewDatabaseSampler(db *gorm.DB) Sampler {
	return SamplerFunc(func(ctx context.Context) (map[string]float64, error) {
		latency, err := database.Ping(ctx, db)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		stats := sqlDB.Stats()
		return map[string]float64{
			"latency_ms":       float64(latency.Microseconds()) / 1000,
			"open_connections": float64(stats.OpenConnections),
			"in_use":           float64(stats.InUse),
			"idle":             float64(stats.Idle),
			"wait_count":       float64(stats.WaitCount),
		}, nil
	})
}

// NewCacheSampler reports redis latency and the length of the work queue at queueKey
func NewCacheSampler(rdb *redis.Client, queueKey string) Sampler {
	return SamplerFunc(func(ctx context.Context) (map[string]float64, error) {
		if rdb == nil {
			return nil, errors.New("redis is not configured")
		}
		start := time.Now()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, err
		}
		latency := time.Since(start)

		length, err := rdb.LLen(ctx, queueKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, err
		}
		pool := rdb.PoolStats()
		return map[string]float64{
			"latency_ms":       float64(latency.Microseconds()) / 1000,
			"queue_length":     float64(length),
			"pool_total_conns": float64(pool.TotalConns),
			"pool_idle_conns":  float64(pool.IdleConns),
		}, nil
	})
}

// NewMessagingSampler reports message throughput over the trailing window
func NewMessagingSampler(messages *services.MessageStore, window time.Duration) Sampler {
	return SamplerFunc(func(ctx context.Context) (map[string]float64, error) {
		counts, err := messages.CountSince(ctx, time.Now().Add(-window))
		if err != nil {
			return nil, err
		}
		return map[string]float64{
			"sent":         float64(counts.Sent),
			"failed":       float64(counts.Failed),
			"received":     float64(counts.Received),
			"success_rate": counts.SuccessRate(),
		}, nil
	})
}
