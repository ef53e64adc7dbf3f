// Command multiplexd runs one server core (spec §4.C) bound to a
// byte-stream carrier, exposing its rolling counters over HTTP for
// scraping.
/*
 * Copyright (c) 2018-2024, Corvid Robotics. All rights reserved.
 */
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/corvid-robotics/multiplex/cmn/logx"
	"github.com/corvid-robotics/multiplex/config"
	"github.com/corvid-robotics/multiplex/register"
	"github.com/corvid-robotics/multiplex/server"
	"github.com/corvid-robotics/multiplex/wire"
)

var (
	id         int
	maxPayload int
	listenAddr string
	useStdio   bool
)

func init() {
	flag.IntVar(&id, "id", 1, "this server's device id (0..126)")
	flag.IntVar(&maxPayload, "max-payload", config.DefaultMultiplexFramePayload, "advertised max response payload")
	flag.StringVar(&listenAddr, "http", ":9401", "address the stats endpoint listens on")
	flag.BoolVar(&useStdio, "stdio", true, "carry frames over stdin/stdout instead of a real transport")
}

// memRegisters is a tiny in-process register.Backend, standing in for a
// motor controller's real register file so multiplexd is runnable
// without attached hardware.
type memRegisters struct {
	values map[int]register.Value
}

func newMemRegisters() *memRegisters {
	return &memRegisters{values: make(map[int]register.Value)}
}

func (m *memRegisters) Write(reg int, v register.Value) register.ErrorCode {
	m.values[reg] = v
	return 0
}

func (m *memRegisters) Read(reg int, ti register.TypeIndex) (register.Value, bool, register.ErrorCode) {
	v, ok := m.values[reg]
	if !ok {
		return register.Value{Type: ti}, true, 0
	}
	return v, true, 0
}

func main() {
	flag.Parse()
	if id < 0 || id > config.MaxDeviceID {
		logx.Errorf("multiplexd: -id must be in [0, %d], got %d", config.MaxDeviceID, id)
		logx.Flush()
		os.Exit(1)
	}

	var carrier wire.Carrier
	if useStdio {
		carrier = wire.NewByteStreamCarrier(os.Stdin, os.Stdout, wire.WithSelfID(id))
	} else {
		logx.Errorf("multiplexd: -stdio=false is not supported: stdin/stdout is the only transport")
		logx.Flush()
		os.Exit(1)
	}

	cfg := config.NewServer(id, config.WithMaxPayload(maxPayload))
	srv := server.New(cfg, carrier)
	srv.Configure(newMemRegisters())

	reg := prometheus.NewRegistry()
	collector := newStatsCollector(srv)
	reg.MustRegister(collector)

	mux := fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		if err := fasthttp.ListenAndServe(listenAddr, mux); err != nil {
			logx.Errorf("multiplexd: http listener stopped: %v", err)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logx.Infof("multiplexd: serving id=%d on stdio, stats on %s", id, listenAddr)
	logx.Flush()
	err := srv.Start(ctx)
	logx.Flush()
	if err != nil && ctx.Err() == nil {
		logx.Errorf("multiplexd: server loop exited: %v", err)
		logx.Flush()
		os.Exit(1)
	}
}

// statsCollector adapts server.Stats to the prometheus collector
// interface without requiring the server package to import prometheus
// itself (spec §4.C's Stats accessor stays dependency-free; this binary
// is where the metrics library is wired in, per SPEC_FULL.md).
type statsCollector struct {
	srv *server.Server

	framesProcessed *prometheus.Desc
	wrongAddressee  *prometheus.Desc
	writeErrors     *prometheus.Desc
	engineMalformed *prometheus.Desc
	engineUnknown   *prometheus.Desc
}

func newStatsCollector(srv *server.Server) *statsCollector {
	return &statsCollector{
		srv:             srv,
		framesProcessed: prometheus.NewDesc("multiplex_frames_processed_total", "Frames accepted by the receive loop.", nil, nil),
		wrongAddressee:  prometheus.NewDesc("multiplex_wrong_addressee_total", "Frames addressed to a different id.", nil, nil),
		writeErrors:     prometheus.NewDesc("multiplex_write_errors_total", "Reply writes that failed.", nil, nil),
		engineMalformed: prometheus.NewDesc("multiplex_engine_malformed_total", "Subframe payloads rejected as malformed.", nil, nil),
		engineUnknown:   prometheus.NewDesc("multiplex_engine_unknown_total", "Subframes of an unrecognized kind.", nil, nil),
	}
}

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.framesProcessed
	ch <- c.wrongAddressee
	ch <- c.writeErrors
	ch <- c.engineMalformed
	ch <- c.engineUnknown
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.srv.Stats()
	ch <- prometheus.MustNewConstMetric(c.framesProcessed, prometheus.CounterValue, float64(st.FramesProcessed))
	ch <- prometheus.MustNewConstMetric(c.wrongAddressee, prometheus.CounterValue, float64(st.WrongAddressee))
	ch <- prometheus.MustNewConstMetric(c.writeErrors, prometheus.CounterValue, float64(st.WriteErrors))
	ch <- prometheus.MustNewConstMetric(c.engineMalformed, prometheus.CounterValue, float64(st.EngineMalformed))
	ch <- prometheus.MustNewConstMetric(c.engineUnknown, prometheus.CounterValue, float64(st.EngineUnknown))
}
