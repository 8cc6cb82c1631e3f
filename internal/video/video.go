// Package video implements the video pipeline's framing policy: wrapping
// access units as binary WebSocket frames, and building/serving the
// sticky configuration frame new clients need before they can decode a
// mid-stream H.264 access unit (spec.md §4.7).
//
// The RTSP demuxer itself is an out-of-scope collaborator (spec.md §6):
// this package only consumes AccessUnit values and an optional
// extradata blob, however they were produced.
package video

import "encoding/binary"

// NAL unit types this package cares about (ISO/IEC 14496-10 Table 7-1).
const (
	nalTypeSPS = 7
	nalTypePPS = 8
)

// AccessUnit is one self-contained coded video frame, in Annex-B format
// (start-code-delimited NAL units), as handed off by the RTSP demuxer.
type AccessUnit struct {
	Data      []byte
	Keyframe  bool
	Extradata []byte // only meaningful on the first AU of a session
}

// Source is the collaborator boundary spec.md §6 describes: "a source of
// opaque H.264 access units plus an extradata blob." AccessUnits must be
// closed (channel closed or context canceled) to signal the stream ended,
// at which point the caller treats it like an upstream EOF.
type Source interface {
	AccessUnits(stop <-chan struct{}) (<-chan AccessUnit, error)
}

// BuildAVCConfig synthesizes an MPEG-4 Part 15 avcC configuration record
// from raw SPS/PPS NAL units (not including the Annex-B start code; sps
// and pps begin at the NAL header byte itself, matching
// rtsp2ws_video.c:send_config_from_packet's sps[1..3]
// profile/compat/level indexing). Layout:
//
//	[0x01][profile][compat][level][0xFF][0xE1][sps_len:2][sps][0x01][pps_len:2][pps]
func BuildAVCConfig(sps, pps []byte) ([]byte, error) {
	if len(sps) < 4 {
		return nil, errSPSTooShort
	}
	if len(pps) == 0 {
		return nil, errPPSEmpty
	}

	out := make([]byte, 0, 8+len(sps)+3+len(pps))
	out = append(out, 0x01)       // configurationVersion
	out = append(out, sps[1])     // AVCProfileIndication
	out = append(out, sps[2])     // profile_compatibility
	out = append(out, sps[3])     // AVCLevelIndication
	out = append(out, 0xFF)       // reserved(6) + lengthSizeMinusOne(2) = 0b111111_11 -> 4-byte lengths
	out = append(out, 0xE1)       // reserved(3) + numOfSequenceParameterSets(5) = 1

	spsLen := make([]byte, 2)
	binary.BigEndian.PutUint16(spsLen, uint16(len(sps)))
	out = append(out, spsLen...)
	out = append(out, sps...)

	out = append(out, 0x01) // numOfPictureParameterSets = 1
	ppsLen := make([]byte, 2)
	binary.BigEndian.PutUint16(ppsLen, uint16(len(pps)))
	out = append(out, ppsLen...)
	out = append(out, pps...)

	return out, nil
}

var (
	errSPSTooShort = ErrConfig("video: SPS shorter than 4 bytes, cannot read profile/level")
	errPPSEmpty    = ErrConfig("video: PPS payload is empty")
)

// ErrConfig is a sentinel string-error type for avcC synthesis failures.
type ErrConfig string

func (e ErrConfig) Error() string { return string(e) }

// annexBStartCodes are the two start-code lengths this scanner
// recognizes. spec.md §9 flags that the original only scans 4-byte
// start codes; this is the REDESIGN FLAG resolution: scan for both.
var annexBStartCodes = [][]byte{{0, 0, 0, 1}, {0, 0, 1}}

// nextStartCode returns the index of the NAL header byte following the
// first 3- or 4-byte Annex-B start code at or after from, or -1 if none
// is found.
func nextStartCode(data []byte, from int) int {
	for i := from; i < len(data); i++ {
		for _, code := range annexBStartCodes {
			if i+len(code) <= len(data) && bytesEqual(data[i:i+len(code)], code) {
				return i + len(code)
			}
		}
	}
	return -1
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ExtractSPSPPS scans an Annex-B access unit for the first SPS (NAL type
// 7) and PPS (NAL type 8) NAL units, returning their raw payloads
// (header byte included, start code excluded) as BuildAVCConfig expects.
// Grounded on rtsp2ws_video.c:send_config_from_packet, extended to
// recognize 3-byte start codes in addition to the original's 4-byte-only
// scan (spec.md §9 REDESIGN FLAG).
func ExtractSPSPPS(accessUnit []byte) (sps, pps []byte, ok bool) {
	pos := 0
	var spsStart, ppsStart = -1, -1
	var nalStarts []int

	for {
		start := nextStartCode(accessUnit, pos)
		if start < 0 || start >= len(accessUnit) {
			break
		}
		nalStarts = append(nalStarts, start)
		pos = start + 1
	}

	for i, start := range nalStarts {
		if start >= len(accessUnit) {
			continue
		}
		nalType := accessUnit[start] & 0x1F
		end := len(accessUnit)
		if i+1 < len(nalStarts) {
			end = nextNALBoundaryEnd(accessUnit, nalStarts[i+1])
		}
		switch nalType {
		case nalTypeSPS:
			if spsStart < 0 {
				spsStart = start
				sps = accessUnit[start:end]
			}
		case nalTypePPS:
			if ppsStart < 0 {
				ppsStart = start
				pps = accessUnit[start:end]
			}
		}
		if spsStart >= 0 && ppsStart >= 0 {
			break
		}
	}

	return sps, pps, spsStart >= 0 && ppsStart >= 0
}

// nextNALBoundaryEnd trims the trailing start-code bytes of the next NAL
// off of the current one's end index.
func nextNALBoundaryEnd(data []byte, nextStart int) int {
	for _, code := range annexBStartCodes {
		if nextStart-len(code) >= 0 && bytesEqual(data[nextStart-len(code):nextStart], code) {
			return nextStart - len(code)
		}
	}
	return nextStart
}
