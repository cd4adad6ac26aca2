package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// PIDSource reports the pid of the owned engine process, or 0 when none.
type PIDSource func() int

// EngineCollector samples CPU and memory of the owned engine process and its
// children at scrape time. Nothing is emitted while no engine is owned.
type EngineCollector struct {
	pid     PIDSource
	cpu     *prometheus.Desc
	rss     *prometheus.Desc
	threads *prometheus.Desc
	procs   *prometheus.Desc
}

func NewEngineCollector(pid PIDSource) *EngineCollector {
	return &EngineCollector{
		pid:     pid,
		cpu:     prometheus.NewDesc("enginevisor_engine_cpu_percent", "CPU usage of the engine process tree.", nil, nil),
		rss:     prometheus.NewDesc("enginevisor_engine_memory_rss_bytes", "Resident memory of the engine process tree.", nil, nil),
		threads: prometheus.NewDesc("enginevisor_engine_threads", "Threads in the engine process tree.", nil, nil),
		procs:   prometheus.NewDesc("enginevisor_engine_processes", "Processes in the engine tree, including the leader.", nil, nil),
	}
}

func (c *EngineCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cpu
	ch <- c.rss
	ch <- c.threads
	ch <- c.procs
}

func (c *EngineCollector) Collect(ch chan<- prometheus.Metric) {
	s, ok := c.sample()
	if !ok {
		return
	}
	ch <- prometheus.MustNewConstMetric(c.cpu, prometheus.GaugeValue, s.cpu)
	ch <- prometheus.MustNewConstMetric(c.rss, prometheus.GaugeValue, float64(s.rss))
	ch <- prometheus.MustNewConstMetric(c.threads, prometheus.GaugeValue, float64(s.threads))
	ch <- prometheus.MustNewConstMetric(c.procs, prometheus.GaugeValue, float64(s.procs))
}

type sample struct {
	cpu     float64
	rss     uint64
	threads int32
	procs   int
}

func (c *EngineCollector) sample() (sample, bool) {
	if c.pid == nil {
		return sample{}, false
	}
	pid := c.pid()
	if pid <= 0 {
		return sample{}, false
	}
	root, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return sample{}, false
	}
	var s sample
	tree := []*gopsproc.Process{root}
	for i := 0; i < len(tree) && i < 256; i++ {
		p := tree[i]
		s.procs++
		if v, err := p.CPUPercent(); err == nil {
			s.cpu += v
		}
		if m, err := p.MemoryInfo(); err == nil && m != nil {
			s.rss += m.RSS
		}
		if n, err := p.NumThreads(); err == nil {
			s.threads += n
		}
		if kids, err := p.Children(); err == nil {
			tree = append(tree, kids...)
		}
	}
	return s, true
}
