package diag

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"fastrelay/cmd/version"
)

var startTime = time.Now()

var enabled atomic.Bool

func Enable(v bool) { enabled.Store(v) }
func Enabled() bool { return enabled.Load() }

type ConfigInfo struct {
	Role       string `json:"role,omitempty"`
	ListenAddr string `json:"listen_addr,omitempty"`
	Transport  string `json:"transport,omitempty"`
	Targets    int    `json:"targets,omitempty"`
	BufferSize int    `json:"buffer_size,omitempty"`

	ThrottleUp   int64 `json:"throttle_up,omitempty"`
	ThrottleDown int64 `json:"throttle_down,omitempty"`
	Chaos        bool  `json:"chaos,omitempty"`

	Pprof string `json:"pprof,omitempty"`
}

// Traffic is the byte-count source the status reports from.
type Traffic interface {
	Upstream() int64
	Downstream() int64
	AverageUpstream() int64
	AverageDownstream() int64
}

type trafficBox struct{ t Traffic }
type poolBox struct{ fn func() (created, free int) }

var cfg atomic.Value     // *ConfigInfo
var traffic atomic.Value // trafficBox
var pool atomic.Value    // poolBox

var accepted atomic.Uint64
var rejected atomic.Uint64
var active atomic.Int64
var errorsTotal atomic.Uint64
var clientCloses atomic.Uint64
var chaosRejects atomic.Uint64
var chaosAborts atomic.Uint64
var throttled atomic.Uint64
var reloads atomic.Uint64

type Status struct {
	Now    time.Time `json:"now"`
	Uptime string    `json:"uptime"`

	Version   string `json:"version"`
	GitTag    string `json:"git_tag"`
	GitCommit string `json:"git_commit"`
	BuildTime string `json:"build_time"`

	Config ConfigInfo `json:"config"`

	Accepted     uint64 `json:"accepted"`
	Rejected     uint64 `json:"rejected"`
	Active       int64  `json:"active"`
	Errors       uint64 `json:"errors"`
	ClientCloses uint64 `json:"client_closes"`
	ChaosRejects uint64 `json:"chaos_rejects"`
	ChaosAborts  uint64 `json:"chaos_aborts"`
	Throttled    uint64 `json:"throttled"`
	Reloads      uint64 `json:"reloads"`

	UpBytes      int64 `json:"up_bytes"`
	DownBytes    int64 `json:"down_bytes"`
	UpAverage    int64 `json:"up_bytes_per_sec"`
	DownAverage  int64 `json:"down_bytes_per_sec"`
	PairsCreated int   `json:"pairs_created"`
	PairsFree    int   `json:"pairs_free"`

	Goroutines   int    `json:"goroutines"`
	AllocBytes   uint64 `json:"alloc_bytes"`
	SysBytes     uint64 `json:"sys_bytes"`
	NumGC        uint32 `json:"num_gc"`
	PauseTotalNs uint64 `json:"pause_total_ns"`
}

func SetConfig(info ConfigInfo) {
	cfg.Store(&info)
}

func SetTraffic(t Traffic) { traffic.Store(trafficBox{t}) }

func SetPoolStats(fn func() (created, free int)) { pool.Store(poolBox{fn}) }

func IncAccepted()     { accepted.Add(1) }
func IncRejected()     { rejected.Add(1) }
func IncActive()       { active.Add(1) }
func DecActive()       { active.Add(-1) }
func IncErrors()       { errorsTotal.Add(1) }
func IncClientCloses() { clientCloses.Add(1) }
func IncChaosRejects() { chaosRejects.Add(1) }
func IncChaosAborts()  { chaosAborts.Add(1) }
func IncThrottled()    { throttled.Add(1) }
func IncReloads()      { reloads.Add(1) }

func currentTraffic() Traffic {
	if v := traffic.Load(); v != nil {
		return v.(trafficBox).t
	}
	return nil
}

func poolStats() (int, int) {
	if v := pool.Load(); v != nil {
		if fn := v.(poolBox).fn; fn != nil {
			return fn()
		}
	}
	return 0, 0
}

func Snapshot() Status {
	s := Status{
		Now:          time.Now(),
		Uptime:       time.Since(startTime).Truncate(time.Second).String(),
		Version:      version.Version,
		GitTag:       version.GitTag,
		GitCommit:    version.GitCommit,
		BuildTime:    version.BuildTime,
		Accepted:     accepted.Load(),
		Rejected:     rejected.Load(),
		Active:       active.Load(),
		Errors:       errorsTotal.Load(),
		ClientCloses: clientCloses.Load(),
		ChaosRejects: chaosRejects.Load(),
		ChaosAborts:  chaosAborts.Load(),
		Throttled:    throttled.Load(),
		Reloads:      reloads.Load(),
		Goroutines:   runtime.NumGoroutine(),
	}
	if v := cfg.Load(); v != nil {
		s.Config = *v.(*ConfigInfo)
	}
	if t := currentTraffic(); t != nil {
		s.UpBytes = t.Upstream()
		s.DownBytes = t.Downstream()
		s.UpAverage = t.AverageUpstream()
		s.DownAverage = t.AverageDownstream()
	}
	s.PairsCreated, s.PairsFree = poolStats()

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	s.AllocBytes = ms.Alloc
	s.SysBytes = ms.Sys
	s.NumGC = ms.NumGC
	s.PauseTotalNs = ms.PauseTotalNs
	return s
}

func FormatText(s Status) string {
	throttle := "off"
	if s.Config.ThrottleUp > 0 || s.Config.ThrottleDown > 0 {
		throttle = fmt.Sprintf("up=%dB/s down=%dB/s", s.Config.ThrottleUp, s.Config.ThrottleDown)
	}
	return fmt.Sprintf(
		"fastrelay status\n"+
			"  role: %s\n"+
			"  uptime: %s\n"+
			"  version: %s (tag=%s commit=%s)\n"+
			"  connections: active=%d accepted=%d rejected=%d errors=%d client_closes=%d\n"+
			"  chaos: rejects=%d aborts=%d  throttled: %d\n"+
			"  bytes: up=%d  down=%d\n"+
			"  bandwidth: up=%dB/s  down=%dB/s\n"+
			"  pool: pairs=%d free=%d\n"+
			"  runtime: goroutines=%d alloc=%dB sys=%dB gc=%d\n"+
			"  config: listen=%s transport=%s targets=%d buffer=%d throttle=%s chaos=%v reloads=%d pprof=%s\n",
		s.Config.Role,
		s.Uptime,
		s.Version, s.GitTag, s.GitCommit,
		s.Active, s.Accepted, s.Rejected, s.Errors, s.ClientCloses,
		s.ChaosRejects, s.ChaosAborts, s.Throttled,
		s.UpBytes, s.DownBytes,
		s.UpAverage, s.DownAverage,
		s.PairsCreated, s.PairsFree,
		s.Goroutines, s.AllocBytes, s.SysBytes, s.NumGC,
		s.Config.ListenAddr, s.Config.Transport, s.Config.Targets, s.Config.BufferSize, throttle, s.Config.Chaos, s.Reloads, s.Config.Pprof,
	)
}
