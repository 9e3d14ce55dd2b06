// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package bus

import "expvar"

// busMetrics record connection activity counters.
type metricSet struct {
	frameRecv    expvar.Int
	frameSent    expvar.Int
	frameDropped expvar.Int // replies with no matching pending call
	callIn       expvar.Int // number of inbound calls received
	callInErr    expvar.Int // number of inbound calls reporting an error
	callOut      expvar.Int // number of outbound calls initiated
	callOutErr   expvar.Int // number of outbound calls reporting an error
	callActive   expvar.Int // inbound
	callPending  expvar.Int // outbound
	relayActive  expvar.Int // calls currently being relayed by a server

	emap *expvar.Map
}

var busMetrics = newMetricSet()

func newMetricSet() *metricSet {
	m := &metricSet{emap: new(expvar.Map)}
	m.emap.Set("frames_received", &m.frameRecv)
	m.emap.Set("frames_sent", &m.frameSent)
	m.emap.Set("frames_dropped", &m.frameDropped)
	m.emap.Set("calls_in", &m.callIn)
	m.emap.Set("calls_in_failed", &m.callInErr)
	m.emap.Set("calls_out", &m.callOut)
	m.emap.Set("calls_out_failed", &m.callOutErr)
	m.emap.Set("calls_active", &m.callActive)
	m.emap.Set("calls_pending", &m.callPending)
	m.emap.Set("relays_active", &m.relayActive)
	return m
}
