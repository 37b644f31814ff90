// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package prmi

import (
	"expvar"

	"github.com/prometheus/client_golang/prometheus"
)

// muxMetrics record multiplexer activity counters.
type muxMetrics struct {
	frameRecv    expvar.Int
	frameSent    expvar.Int
	frameDropped expvar.Int // frames received and discarded
	callIn       expvar.Int // number of inbound calls received
	callInErr    expvar.Int // number of inbound calls reporting a fault
	callOut      expvar.Int // number of outbound calls initiated
	callOutErr   expvar.Int // number of outbound calls reporting an error
	callActive   expvar.Int // inbound
	callPending  expvar.Int // outbound
	connsOpen    expvar.Int
	reclaimed    expvar.Int // references released by disconnection

	emap *expvar.Map
}

type metricSpec struct {
	name  string
	help  string
	gauge bool
	value func(*muxMetrics) *expvar.Int
}

var metricSpecs = []metricSpec{
	{"frames_received", "Frames received from peers.", false, func(m *muxMetrics) *expvar.Int { return &m.frameRecv }},
	{"frames_sent", "Frames sent to peers.", false, func(m *muxMetrics) *expvar.Int { return &m.frameSent }},
	{"frames_dropped", "Frames received and discarded.", false, func(m *muxMetrics) *expvar.Int { return &m.frameDropped }},
	{"calls_in", "Inbound call requests received.", false, func(m *muxMetrics) *expvar.Int { return &m.callIn }},
	{"calls_in_failed", "Inbound call requests resulting in faults.", false, func(m *muxMetrics) *expvar.Int { return &m.callInErr }},
	{"calls_active", "Inbound calls currently active.", true, func(m *muxMetrics) *expvar.Int { return &m.callActive }},
	{"calls_out", "Outbound call requests sent.", false, func(m *muxMetrics) *expvar.Int { return &m.callOut }},
	{"calls_out_failed", "Outbound call requests resulting in errors.", false, func(m *muxMetrics) *expvar.Int { return &m.callOutErr }},
	{"calls_pending", "Outbound calls currently waiting for a reply.", true, func(m *muxMetrics) *expvar.Int { return &m.callPending }},
	{"conns_open", "Connections currently open.", true, func(m *muxMetrics) *expvar.Int { return &m.connsOpen }},
	{"refs_reclaimed", "References released because their holder disconnected.", false, func(m *muxMetrics) *expvar.Int { return &m.reclaimed }},
}

func newMuxMetrics() *muxMetrics {
	mm := &muxMetrics{emap: new(expvar.Map)}
	for _, s := range metricSpecs {
		mm.emap.Set(s.name, s.value(mm))
	}
	return mm
}

// collector exports the metrics of a multiplexer to Prometheus.
type collector struct {
	mm    *muxMetrics
	descs []*prometheus.Desc
}

func newCollector(mm *muxMetrics, labels prometheus.Labels) *collector {
	c := &collector{mm: mm}
	for _, s := range metricSpecs {
		name := prometheus.BuildFQName("prmi", "mux", s.name)
		c.descs = append(c.descs, prometheus.NewDesc(name, s.help, nil, labels))
	}
	return c
}

// Describe implements part of the prometheus.Collector interface.
func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d
	}
}

// Collect implements part of the prometheus.Collector interface.
func (c *collector) Collect(ch chan<- prometheus.Metric) {
	for i, s := range metricSpecs {
		vt := prometheus.CounterValue
		if s.gauge {
			vt = prometheus.GaugeValue
		}
		ch <- prometheus.MustNewConstMetric(c.descs[i], vt, float64(s.value(c.mm).Value()))
	}
}
