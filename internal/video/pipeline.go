package video

import (
	"github.com/rs/zerolog"

	"wsrelay/internal/hub"
	"wsrelay/internal/session"
	"wsrelay/internal/wsframe"
)

// Pipeline wraps access units from a Source as binary frames and
// broadcasts them to a video Hub, establishing the sticky configuration
// frame exactly once per upstream session (spec.md §4.7).
type Pipeline struct {
	log        zerolog.Logger
	hub        *hub.Hub
	sentConfig bool
}

// NewPipeline builds a video pipeline broadcasting onto h.
func NewPipeline(log zerolog.Logger, h *hub.Hub) *Pipeline {
	return &Pipeline{log: log, hub: h}
}

// Reset clears per-upstream-session state (the "have we sent the sticky
// config yet" flag and the hub's sticky frame itself), called by
// cmd/relay's runVideoSource once the Source's access-unit stream ends,
// so the next session publishes a fresh configuration (spec.md §4.5).
func (p *Pipeline) Reset() {
	p.sentConfig = false
	p.hub.ClearStickyConfig()
}

// HandleAccessUnit processes one access unit: if no sticky config has
// been published yet for this upstream session, it is derived (preferring
// AU.Extradata, falling back to an Annex-B SPS/PPS scan on the first
// keyframe, per spec.md §4.7 and the REDESIGN FLAG in spec.md §9) and
// broadcast before the access unit itself.
func (p *Pipeline) HandleAccessUnit(au AccessUnit) {
	if !p.sentConfig {
		if cfg, ok := p.deriveConfig(au); ok {
			frame, err := wsframe.EncodeBinary(cfg)
			if err != nil {
				p.log.Error().Err(err).Msg("failed to encode sticky config frame")
			} else {
				p.hub.SetStickyConfig(frame)
				p.dropFailed(p.hub.Broadcast(frame))
				p.sentConfig = true
			}
		}
	}

	frame, err := wsframe.EncodeBinary(au.Data)
	if err != nil {
		p.log.Error().Err(err).Msg("failed to encode access unit frame")
		return
	}
	p.dropFailed(p.hub.Broadcast(frame))
}

// dropFailed removes sessions whose broadcast write failed, per spec.md
// §4.4: a write failure transitions a session to Closing rather than
// being retried within the broadcast call.
func (p *Pipeline) dropFailed(failed []*session.Session) {
	for _, s := range failed {
		p.hub.Remove(s.Fd)
	}
}

// deriveConfig prefers decoder-supplied extradata over scanning the
// first keyframe, per spec.md §4.7: "The first configuration
// encountered — either extradata if present at decoder-open, or an avcC
// record synthesized from the first keyframe's SPS/PPS."
func (p *Pipeline) deriveConfig(au AccessUnit) ([]byte, bool) {
	if len(au.Extradata) > 0 {
		return au.Extradata, true
	}
	if !au.Keyframe {
		return nil, false
	}
	sps, pps, ok := ExtractSPSPPS(au.Data)
	if !ok {
		return nil, false
	}
	cfg, err := BuildAVCConfig(sps, pps)
	if err != nil {
		p.log.Warn().Err(err).Msg("failed to synthesize avcC from keyframe")
		return nil, false
	}
	return cfg, true
}
