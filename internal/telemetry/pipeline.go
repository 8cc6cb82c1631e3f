package telemetry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"wsrelay/internal/csvlog"
	"wsrelay/internal/hub"
	"wsrelay/internal/tsdb"
	"wsrelay/internal/wsframe"
)

// outboundReading is the wire shape broadcast to downstream clients,
// spec.md §4.6: "{name, value, timestamp, warning}". encoding/json is
// used here rather than gjson (read-only) or a codegen'd marshaler: this
// is a small, fixed-shape struct serialized once per coalesce tick, not
// a hot path easyjson-class tooling would be justified for (SPEC_FULL.md).
type outboundReading struct {
	Name      string  `json:"name"`
	Value     float64 `json:"value"`
	Timestamp uint64  `json:"timestamp"`
	Warning   int     `json:"warning"`
}

// Pipeline wires together decode, coalesce, persistence, and broadcast
// for one upstream sensor-data connection, grounded end-to-end on
// remote_ws.c:parse_sensor_data.
type Pipeline struct {
	log       zerolog.Logger
	hub       *hub.Hub
	sink      *tsdb.Sink
	csv       *csvlog.Writer
	transform Transform

	accum     FrameAccumulator
	coalescer Coalescer
}

// NewPipeline builds a telemetry pipeline. csv may be nil to disable CSV
// logging (e.g. in tests); sink may be nil to disable persistence.
func NewPipeline(log zerolog.Logger, h *hub.Hub, sink *tsdb.Sink, csv *csvlog.Writer, transform Transform) *Pipeline {
	return &Pipeline{log: log, hub: h, sink: sink, csv: csv, transform: transform}
}

// HandleUpstreamChunk is the reactor.UpstreamHandler this pipeline
// provides: it decodes whatever complete WebSocket text frames chunk
// completes, parses each as a sensor data batch, persists every reading,
// and broadcasts a coalesced batch once 100ms has elapsed since the last
// one.
func (p *Pipeline) HandleUpstreamChunk(chunk []byte) {
	for _, payload := range p.accum.Feed(chunk) {
		readings, err := DecodeBatch(payload, p.transform)
		if err != nil {
			p.log.Warn().Err(err).Msg("failed to decode upstream sensor data")
			continue
		}
		p.persist(readings)

		if flushed, ready := p.coalescer.Ingest(readings); ready {
			p.broadcast(flushed)
		}
	}
}

func (p *Pipeline) persist(readings []Reading) {
	if p.sink != nil {
		batch := make([]tsdb.Reading, len(readings))
		for i, r := range readings {
			batch[i] = tsdb.Reading{Name: r.Name, Value: r.Value, Timestamp: r.Timestamp}
		}
		p.sink.WriteBatch(context.Background(), batch)
	}
	if p.csv != nil {
		for _, r := range readings {
			if err := p.csv.Append(r.Timestamp, r.Name, r.Value); err != nil {
				p.log.Warn().Err(err).Msg("csv log append failed")
			}
		}
	}
}

func (p *Pipeline) broadcast(readings []Reading) {
	if len(readings) == 0 {
		return
	}
	out := make([]outboundReading, len(readings))
	for i, r := range readings {
		out[i] = outboundReading{
			Name:      r.Name,
			Value:     r.Value,
			Timestamp: r.Timestamp,
			Warning:   int(r.Warning),
		}
	}
	body, err := json.Marshal(out)
	if err != nil {
		p.log.Error().Err(err).Msg("failed to marshal outbound sensor batch")
		return
	}
	frame, err := wsframe.EncodeText(body)
	if err != nil {
		p.log.Error().Err(err).Msg("failed to encode outbound sensor frame")
		return
	}
	for _, s := range p.hub.Broadcast(frame) {
		p.hub.Remove(s.Fd)
	}
}

// setClock overrides the coalescer's clock hook before the first Ingest
// call; see Coalescer.Now. Used by tests to avoid wall-clock flakiness.
func (p *Pipeline) setClock(now func() time.Time) { p.coalescer.Now = now }
