package hub

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"wsrelay/internal/session"
	"wsrelay/internal/wsframe"
)

type noopDetacher struct{ detached []int }

func (d *noopDetacher) Detach(fd int) { d.detached = append(d.detached, fd) }

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

func TestHubSaturationRejectsThirdInsert(t *testing.T) {
	h := New(2, &noopDetacher{})
	s1, peer1 := openPair(t)
	s2, peer2 := openPair(t)
	defer unix.Close(peer1)
	defer unix.Close(peer2)

	require.NoError(t, h.Insert(s1))
	require.NoError(t, h.Insert(s2))

	s3, peer3 := openPair(t)
	defer unix.Close(peer3)
	err := h.Insert(s3)
	require.ErrorIs(t, err, ErrFull)

	// A rejected session is the caller's to close; the hub saturation
	// test mirrors spec.md §8 scenario 4: capacity=2, two Open sessions,
	// a third accept completes then is closed without handshake activity.
	s3.Close()
}

func TestBroadcastReachesAllOpenSessionsAndReportsFailures(t *testing.T) {
	h := New(4, &noopDetacher{})
	s1, peer1 := openPair(t)
	s2, peer2 := openPair(t)
	defer unix.Close(peer1)
	defer unix.Close(peer2)
	require.NoError(t, h.Insert(s1))
	require.NoError(t, h.Insert(s2))

	// s2's peer is closed, so its next write should fail and be reported.
	unix.Close(peer2)

	frame, _ := wsframe.EncodeText([]byte("tick"))
	failed := h.Broadcast(frame)

	// s1 should have received the frame.
	buf := make([]byte, 64)
	n, err := unix.Read(peer1, buf)
	require.NoError(t, err)
	f, _, err := wsframe.Decode(buf[:n])
	require.NoError(t, err)
	require.Equal(t, "tick", string(f.Payload))

	if len(failed) != 1 {
		t.Fatalf("expected s2 write to be reported as failed (peer gone); got %d failures", len(failed))
	}
}

func TestStickyConfigIsSetOnceAndReplayedOnlyOnce(t *testing.T) {
	h := New(4, &noopDetacher{})
	frameA, _ := wsframe.EncodeBinary([]byte("config-A"))
	frameB, _ := wsframe.EncodeBinary([]byte("config-B"))

	h.SetStickyConfig(frameA)
	h.SetStickyConfig(frameB) // should be ignored (idempotent set-once)

	s, peer := openPair(t)
	defer unix.Close(peer)
	require.NoError(t, h.Insert(s))

	require.NoError(t, h.ReplayStickyConfigTo(s))
	require.NoError(t, h.ReplayStickyConfigTo(s)) // second call: no-op

	buf := make([]byte, 256)
	n, err := unix.Read(peer, buf)
	require.NoError(t, err)
	f, consumed, err := wsframe.Decode(buf[:n])
	require.NoError(t, err)
	require.Equal(t, "config-A", string(f.Payload))
	require.Equal(t, n, consumed, "replay must have happened exactly once")
}

func TestClearStickyConfigAllowsFreshPublish(t *testing.T) {
	h := New(4, &noopDetacher{})
	frameA, _ := wsframe.EncodeBinary([]byte("A"))
	h.SetStickyConfig(frameA)
	h.ClearStickyConfig()

	frameB, _ := wsframe.EncodeBinary([]byte("B"))
	h.SetStickyConfig(frameB)

	require.Equal(t, frameB, h.StickyConfig())
}

func TestRemoveDetachesAndClosesExactlyOnce(t *testing.T) {
	d := &noopDetacher{}
	h := New(4, d)
	s, peer := openPair(t)
	defer unix.Close(peer)
	require.NoError(t, h.Insert(s))

	h.Remove(s.Fd)
	require.Equal(t, []int{s.Fd}, d.detached)
	require.Equal(t, session.StateClosed, s.State)
	require.Equal(t, 0, h.Len())

	// Removing again (fd no longer present) must not double-detach.
	h.Remove(s.Fd)
	require.Equal(t, []int{s.Fd}, d.detached)
}
