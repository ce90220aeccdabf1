package metrics

import (
	"context"
	"fmt"
	"maps"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/ghaccel/ghaccel/flow"
)

const (
	seriesLen      = 60
	recentConns    = 10
	recentEvents   = 20
	topDomainLimit = 20
)

// Collector accumulates process-wide counters for the reporting surface.
// A nil *Collector ignores every call.
type Collector struct {
	mu sync.RWMutex

	startTime time.Time
	meter     *flow.Meter

	totalConnections  uint64
	activeConnections uint64
	failedSetups      uint64
	kindDist          map[string]uint64
	topDomains        map[string]uint64

	scanRounds   uint64
	probesOK     uint64
	probesFailed uint64
	lastRound    *RoundInfo

	connectionRate []TimeSeriesPoint
	readRate       []TimeSeriesPoint
	writeRate      []TimeSeriesPoint
	lastConnCount  uint64
	lastUpdate     time.Time
	currentCPS     float64
	memory         MemoryStats

	recentConnections []ConnectionLog
	recentEvents      []SystemEvent
}

type Snapshot struct {
	StartTime         time.Time         `json:"start_time"`
	Uptime            string            `json:"uptime"`
	TotalConnections  uint64            `json:"total_connections"`
	ActiveConnections uint64            `json:"active_connections"`
	FailedSetups      uint64            `json:"failed_setups"`
	KindDist          map[string]uint64 `json:"kind_dist"`
	TopDomains        map[string]uint64 `json:"top_domains"`
	CurrentCPS        float64           `json:"current_cps"`
	Flow              flow.Rate         `json:"flow"`
	ScanRounds        uint64            `json:"scan_rounds"`
	ProbesOK          uint64            `json:"probes_ok"`
	ProbesFailed      uint64            `json:"probes_failed"`
	LastRound         *RoundInfo        `json:"last_round,omitempty"`
	ConnectionRate    []TimeSeriesPoint `json:"connection_rate"`
	ReadRate          []TimeSeriesPoint `json:"read_rate"`
	WriteRate         []TimeSeriesPoint `json:"write_rate"`
	MemoryUsage       MemoryStats       `json:"memory_usage"`
	Goroutines        int               `json:"goroutines"`
	RecentConnections []ConnectionLog   `json:"recent_connections"`
	RecentEvents      []SystemEvent     `json:"recent_events"`
}

type TimeSeriesPoint struct {
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
}

type MemoryStats struct {
	Allocated uint64 `json:"allocated"`
	System    uint64 `json:"system"`
	HeapInuse uint64 `json:"heap_inuse"`
	NumGC     uint32 `json:"num_gc"`
}

type ConnectionLog struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	Host      string    `json:"host"`
	Source    string    `json:"source"`
	Target    string    `json:"target"`
}

type SystemEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

type RoundInfo struct {
	ID         string        `json:"id"`
	At         time.Time     `json:"at"`
	Candidates int           `json:"candidates"`
	Available  int           `json:"available"`
	Updated    int           `json:"updated"`
	Duration   time.Duration `json:"duration"`
}

// NewCollector builds a collector reporting meter as the process flow.
func NewCollector(meter *flow.Meter) *Collector {
	now := time.Now()
	return &Collector{
		startTime:  now,
		lastUpdate: now,
		meter:      meter,
		kindDist:   make(map[string]uint64),
		topDomains: make(map[string]uint64),
	}
}

// Run samples rates once per second until ctx is done.
func (m *Collector) Run(ctx context.Context) {
	if m == nil {
		return
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.sample(now)
		}
	}
}

func (m *Collector) sample(now time.Time) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	rate := m.meter.Rate()

	m.mu.Lock()
	defer m.mu.Unlock()

	if d := now.Sub(m.lastUpdate).Seconds(); d > 0 {
		m.currentCPS = float64(m.totalConnections-m.lastConnCount) / d
	}
	m.lastConnCount = m.totalConnections
	m.lastUpdate = now

	ts := now.UnixMilli()
	m.connectionRate = appendPoint(m.connectionRate, ts, m.currentCPS)
	m.readRate = appendPoint(m.readRate, ts, rate.ReadRate)
	m.writeRate = appendPoint(m.writeRate, ts, rate.WriteRate)

	m.memory = MemoryStats{
		Allocated: ms.Alloc,
		System:    ms.Sys,
		HeapInuse: ms.HeapInuse,
		NumGC:     ms.NumGC,
	}
}

func appendPoint(s []TimeSeriesPoint, ts int64, v float64) []TimeSeriesPoint {
	s = append(s, TimeSeriesPoint{Timestamp: ts, Value: v})
	if len(s) > seriesLen {
		s = s[len(s)-seriesLen:]
	}
	return s
}

// RecordConnection counts a client connection once it has been classified.
func (m *Collector) RecordConnection(kind, host, source, target string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalConnections++
	m.activeConnections++
	m.kindDist[kind]++

	if host != "" {
		m.topDomains[host]++
		if len(m.topDomains) > topDomainLimit {
			m.pruneTopDomains()
		}
	}

	entry := ConnectionLog{Timestamp: time.Now(), Kind: kind, Host: host, Source: source, Target: target}
	m.recentConnections = append([]ConnectionLog{entry}, m.recentConnections...)
	if len(m.recentConnections) > recentConns {
		m.recentConnections = m.recentConnections[:recentConns]
	}
}

func (m *Collector) CloseConnection() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeConnections > 0 {
		m.activeConnections--
	}
}

// RecordSetupFailure counts a tunnel whose upstream could not be reached.
func (m *Collector) RecordSetupFailure(host string, err error) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.failedSetups++
	m.mu.Unlock()
	m.RecordEvent("warn", fmt.Sprintf("tunnel to %s failed: %v", host, err))
}

func (m *Collector) RecordProbe(ok bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if ok {
		m.probesOK++
	} else {
		m.probesFailed++
	}
}

func (m *Collector) RecordRound(r RoundInfo) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.scanRounds++
	m.lastRound = &r
	m.mu.Unlock()
	m.RecordEvent("info", fmt.Sprintf("scan round %s: %d/%d available, %d updates", r.ID, r.Available, r.Candidates, r.Updated))
}

func (m *Collector) RecordEvent(level, message string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	ev := SystemEvent{Timestamp: time.Now(), Level: level, Message: message}
	m.recentEvents = append([]SystemEvent{ev}, m.recentEvents...)
	if len(m.recentEvents) > recentEvents {
		m.recentEvents = m.recentEvents[:recentEvents]
	}
}

func (m *Collector) GetSnapshot() *Snapshot {
	if m == nil {
		return &Snapshot{}
	}
	rate := m.meter.Rate()

	m.mu.RLock()
	defer m.mu.RUnlock()

	s := &Snapshot{
		StartTime:         m.startTime,
		Uptime:            formatDuration(time.Since(m.startTime)),
		TotalConnections:  m.totalConnections,
		ActiveConnections: m.activeConnections,
		FailedSetups:      m.failedSetups,
		KindDist:          maps.Clone(m.kindDist),
		TopDomains:        maps.Clone(m.topDomains),
		CurrentCPS:        m.currentCPS,
		Flow:              rate,
		ScanRounds:        m.scanRounds,
		ProbesOK:          m.probesOK,
		ProbesFailed:      m.probesFailed,
		ConnectionRate:    smoothTimeSeriesData(m.connectionRate, 3),
		ReadRate:          slices.Clone(m.readRate),
		WriteRate:         slices.Clone(m.writeRate),
		MemoryUsage:       m.memory,
		Goroutines:        runtime.NumGoroutine(),
		RecentConnections: slices.Clone(m.recentConnections),
		RecentEvents:      slices.Clone(m.recentEvents),
	}
	if m.lastRound != nil {
		r := *m.lastRound
		s.LastRound = &r
	}
	if s.RecentConnections == nil {
		s.RecentConnections = []ConnectionLog{}
	}
	if s.RecentEvents == nil {
		s.RecentEvents = []SystemEvent{}
	}
	return s
}

func (m *Collector) pruneTopDomains() {
	var (
		minCount  = ^uint64(0)
		minDomain string
	)
	for d, c := range m.topDomains {
		if c < minCount {
			minCount, minDomain = c, d
		}
	}
	delete(m.topDomains, minDomain)
}

func smoothTimeSeriesData(data []TimeSeriesPoint, window int) []TimeSeriesPoint {
	if len(data) <= window {
		return slices.Clone(data)
	}
	out := make([]TimeSeriesPoint, len(data))
	for i := range data {
		sum, n := 0.0, 0
		for j := max(0, i-window/2); j <= min(len(data)-1, i+window/2); j++ {
			sum += data[j].Value
			n++
		}
		out[i] = TimeSeriesPoint{Timestamp: data[i].Timestamp, Value: sum / float64(n)}
	}
	return out
}

func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
