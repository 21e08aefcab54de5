package transfer

import (
	"sync"
	"time"
)

// sampleInterval 速率采样的最小间隔
const sampleInterval = 250 * time.Millisecond

type speedSample struct {
	lastAt    time.Time
	lastBytes int64
	rate      float64
}

// speedTracker 维护每条传输的滚动速率估计
type speedTracker struct {
	mu      sync.Mutex
	samples map[string]*speedSample
}

func newSpeedTracker() *speedTracker {
	return &speedTracker{samples: make(map[string]*speedSample)}
}

// observe 记录一次进度观测
// 距上次采样不足最小间隔时不更新速率，避免毛刺
func (s *speedTracker) observe(id string, transferred int64) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	sample, ok := s.samples[id]
	if !ok {
		s.samples[id] = &speedSample{lastAt: now, lastBytes: transferred}
		return
	}
	elapsed := now.Sub(sample.lastAt)
	if elapsed < sampleInterval {
		return
	}
	delta := transferred - sample.lastBytes
	if delta < 0 {
		delta = 0
	}
	sample.rate = float64(delta) / elapsed.Seconds()
	sample.lastAt = now
	sample.lastBytes = transferred
}

// rate 返回最近一次估计的速率（字节/秒）
func (s *speedTracker) rate(id string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sample, ok := s.samples[id]; ok {
		return sample.rate
	}
	return 0
}

func (s *speedTracker) drop(id string) {
	s.mu.Lock()
	delete(s.samples, id)
	s.mu.Unlock()
}
