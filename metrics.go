// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package peerchat

import "expvar"

// peerMetrics record peer activity counters.
type peerMetrics struct {
	packetRecv       expvar.Int
	packetSent       expvar.Int
	packetUnhandled  expvar.Int // received, no local handler accepted it
	packetOversize   expvar.Int // dropped at send for exceeding MaxFrameSize
	packetCompressed expvar.Int // received with a compressed body
	peerActive       expvar.Int

	emap *expvar.Map
}

var rootMetrics = newPeerMetrics()

func newPeerMetrics() *peerMetrics {
	pm := &peerMetrics{emap: new(expvar.Map)}
	pm.emap.Set("packets_received", &pm.packetRecv)
	pm.emap.Set("packets_sent", &pm.packetSent)
	pm.emap.Set("packets_unhandled", &pm.packetUnhandled)
	pm.emap.Set("packets_oversize", &pm.packetOversize)
	pm.emap.Set("packets_compressed", &pm.packetCompressed)
	pm.emap.Set("peers_active", &pm.peerActive)
	return pm
}
