package video

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"wsrelay/internal/hub"
	"wsrelay/internal/session"
	"wsrelay/internal/wsframe"
)

func TestBuildAVCConfigLayout(t *testing.T) {
	sps := []byte{0x67, 0x42, 0x00, 0x1E, 0xAB, 0xCD}
	pps := []byte{0x68, 0xCE, 0x3C, 0x80}

	cfg, err := BuildAVCConfig(sps, pps)
	require.NoError(t, err)

	want := []byte{
		0x01,       // configurationVersion
		0x42,       // profile
		0x00,       // compat
		0x1E,       // level
		0xFF,       // lengthSizeMinusOne
		0xE1,       // numOfSPS = 1
		0x00, 0x06, // sps length
	}
	want = append(want, sps...)
	want = append(want, 0x01) // numOfPPS = 1
	want = append(want, 0x00, 0x04)
	want = append(want, pps...)

	require.Equal(t, want, cfg)
}

func TestBuildAVCConfigRejectsShortSPSOrEmptyPPS(t *testing.T) {
	_, err := BuildAVCConfig([]byte{0x67, 0x42, 0x00}, []byte{0x68})
	require.ErrorIs(t, err, errSPSTooShort)

	_, err = BuildAVCConfig([]byte{0x67, 0x42, 0x00, 0x1E}, nil)
	require.ErrorIs(t, err, errPPSEmpty)
}

func TestExtractSPSPPSFourByteStartCodes(t *testing.T) {
	sps := []byte{0x67, 0x42, 0x00, 0x1E, 0xAB}
	pps := []byte{0x68, 0xCE, 0x3C, 0x80}
	idr := []byte{0x65, 0x88, 0x84, 0x00}

	au := concat(
		[]byte{0, 0, 0, 1}, sps,
		[]byte{0, 0, 0, 1}, pps,
		[]byte{0, 0, 0, 1}, idr,
	)

	gotSPS, gotPPS, ok := ExtractSPSPPS(au)
	require.True(t, ok)
	require.Equal(t, sps, gotSPS)
	require.Equal(t, pps, gotPPS)
}

func TestExtractSPSPPSThreeByteStartCodes(t *testing.T) {
	sps := []byte{0x67, 0x42, 0x00, 0x1E}
	pps := []byte{0x68, 0xCE}

	au := concat(
		[]byte{0, 0, 1}, sps,
		[]byte{0, 0, 1}, pps,
	)

	gotSPS, gotPPS, ok := ExtractSPSPPS(au)
	require.True(t, ok)
	require.Equal(t, sps, gotSPS)
	require.Equal(t, pps, gotPPS)
}

func TestExtractSPSPPSMixedStartCodesAndOrdering(t *testing.T) {
	pps := []byte{0x68, 0xCE, 0x3C}
	sps := []byte{0x67, 0x42, 0x00, 0x1E, 0xFF}

	// PPS before SPS, 3-byte then 4-byte start codes.
	au := concat(
		[]byte{0, 0, 1}, pps,
		[]byte{0, 0, 0, 1}, sps,
	)

	gotSPS, gotPPS, ok := ExtractSPSPPS(au)
	require.True(t, ok)
	require.Equal(t, sps, gotSPS)
	require.Equal(t, pps, gotPPS)
}

func TestExtractSPSPPSMissingPPSReportsNotOK(t *testing.T) {
	sps := []byte{0x67, 0x42, 0x00, 0x1E}
	au := concat([]byte{0, 0, 0, 1}, sps)

	_, _, ok := ExtractSPSPPS(au)
	require.False(t, ok)
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func openPair(t *testing.T) (*session.Session, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, unix.SetNonblock(fds[1], true))
	s := session.New(fds[0])
	s.MarkOpen()
	return s, fds[1]
}

// readFrame reads exactly one frame from peer, one byte at a time, so
// frames written back to back stay queued for the next call.
func readFrame(t *testing.T, peer int) wsframe.Frame {
	t.Helper()
	var buf []byte
	one := make([]byte, 1)
	for {
		n, err := unix.Read(peer, one)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		buf = append(buf, one[0])
		f, _, err := wsframe.Decode(buf)
		if err == wsframe.ErrIncomplete {
			continue
		}
		require.NoError(t, err)
		return f
	}
}

func TestPipelineSendsSyntheticConfigOnceThenAccessUnits(t *testing.T) {
	h := hub.New(4, nil)
	s, peer := openPair(t)
	defer unix.Close(peer)
	require.NoError(t, h.Insert(s))

	p := NewPipeline(zerolog.Nop(), h)

	sps := []byte{0x67, 0x42, 0x00, 0x1E, 0xAB}
	pps := []byte{0x68, 0xCE, 0x3C, 0x80}
	keyframe := concat([]byte{0, 0, 0, 1}, sps, []byte{0, 0, 0, 1}, pps, []byte{0, 0, 0, 1}, []byte{0x65, 0x01, 0x02})

	p.HandleAccessUnit(AccessUnit{Data: keyframe, Keyframe: true})

	cfgFrame := readFrame(t, peer)
	require.Equal(t, wsframe.OpBinary, cfgFrame.Opcode)
	require.NotEmpty(t, h.StickyConfig())

	auFrame := readFrame(t, peer)
	require.Equal(t, wsframe.OpBinary, auFrame.Opcode)
	require.Equal(t, keyframe, auFrame.Payload)

	// A second access unit must not re-send the config.
	next := concat([]byte{0, 0, 0, 1}, []byte{0x41, 0x9a})
	p.HandleAccessUnit(AccessUnit{Data: next})
	onlyOne := readFrame(t, peer)
	require.Equal(t, next, onlyOne.Payload)
}

func TestPipelinePrefersExtradataOverScannedConfig(t *testing.T) {
	h := hub.New(4, nil)
	s, peer := openPair(t)
	defer unix.Close(peer)
	require.NoError(t, h.Insert(s))

	p := NewPipeline(zerolog.Nop(), h)
	extradata := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	p.HandleAccessUnit(AccessUnit{Data: []byte{0x65, 0x01}, Keyframe: true, Extradata: extradata})

	cfgFrame := readFrame(t, peer)
	require.Equal(t, extradata, cfgFrame.Payload)
}

func TestPipelineResetClearsStickyConfigForNextSession(t *testing.T) {
	h := hub.New(4, nil)
	p := NewPipeline(zerolog.Nop(), h)
	h.SetStickyConfig([]byte{0x01, 0x02})

	p.Reset()

	require.Nil(t, h.StickyConfig())
}

func TestPipelineResetAllowsFreshConfigOnNextSession(t *testing.T) {
	h := hub.New(4, nil)
	s, peer := openPair(t)
	defer unix.Close(peer)
	require.NoError(t, h.Insert(s))

	p := NewPipeline(zerolog.Nop(), h)
	firstExtradata := []byte{0x01, 0x02, 0x03}
	p.HandleAccessUnit(AccessUnit{Data: []byte{0x65}, Keyframe: true, Extradata: firstExtradata})
	readFrame(t, peer) // config
	readFrame(t, peer) // access unit

	p.Reset()

	secondExtradata := []byte{0x04, 0x05, 0x06}
	p.HandleAccessUnit(AccessUnit{Data: []byte{0x65}, Keyframe: true, Extradata: secondExtradata})
	cfgFrame := readFrame(t, peer)
	require.Equal(t, secondExtradata, cfgFrame.Payload)
}
