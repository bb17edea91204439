/*
Package rack hosts third-party audio processing units inside a mutable
processing topology and executes that topology either synchronously
inside a live audio-device callback or asynchronously across file-based
batch jobs.

Concept

Processing units are opaque capabilities. A unit is prepared with a
sample rate and a buffer size, processes blocks of non-interleaved
float64 samples and releases its resources when done. Concrete backends
(like vst2 plugins) implement the Unit interface, the engines never
depend on a particular plugin format.

Engines

Two topology engines execute units:

	graph.Graph - a directed acyclic graph of nodes with per-channel
	connections, fixed audio-in/audio-out anchors and a cached
	topological render order;
	chain.Chain - an ordered list for strictly series routing.

Two drivers pull blocks through a topology:

	realtime.Engine - couples a topology to a live device callback
	with monitoring modes, delay compensation, recording and metering;
	offline.Engine - file-to-file batch jobs across a bounded worker
	pool with cooperative pause and cancellation.

Faults

A fault during one unit's render never crosses the render boundary. The
offending node is disabled, an error is reported and the rest of the
pass still executes with silence in place of the faulty output.
*/
package rack
