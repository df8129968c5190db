package automount

import (
	"bytes"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/unitman/internal/registry"
	"github.com/ChuLiYu/unitman/pkg/unitapi"
)

type pipeEnds struct {
	r io.ReadCloser
	w io.WriteCloser
}

func newOSPipe() pipeEnds {
	pr, pw := io.Pipe()
	return pipeEnds{r: pr, w: pw}
}

func fakeKernel(t *testing.T) (*Kernel, *pipeEnds) {
	t.Helper()
	ends := newOSPipe()
	readyCalls := 0
	k := &Kernel{
		OpenAutofs:        func() (int, error) { return 10, nil },
		Mount:             func(string, int, int) error { return nil },
		OpenIoctl:         func(string) (int, uint64, error) { return 11, 42, nil },
		NegotiateProtocol: func(int) (int, int, error) { return 5, 0, nil },
		SetTimeout:        func(int, uint32) error { return nil },
		Ready: func(ioctlFD int, token uint32) error {
			readyCalls++
			return nil
		},
		Fail:    func(int, uint32, int) error { return nil },
		Expire:  func(int) (uint32, error) { return 0, ErrNoMoreTokens },
		Close:   func(int) error { return nil },
		Unmount: func(string) error { return ErrAlreadyUnmounted },
		Dup:     func(fd int) (int, error) { return fd + 1000, nil },
		Pipe: func() (io.ReadCloser, int, error) {
			return ends.r, 99, nil
		},
	}
	return k, &ends
}

func newTestUnit(t *testing.T, k *Kernel) (*Unit, *registry.Registry) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(log)
	Configure(Deps{Kernel: *k, Registry: reg, Post: nil, Log: log})
	u := &Unit{
		id:      "mnt-x.automount",
		log:     log,
		ker:     *k,
		reg:     reg,
		pending: make(map[uint32]struct{}),
		expire:  make(map[uint32]struct{}),
	}
	ru := reg.Resolve(u.id)
	ru.Type = u
	require.NoError(t, u.Load(ru))
	return u, reg
}

func TestMountPointFromName(t *testing.T) {
	mp, err := mountPointFromName("mnt-x.automount")
	require.NoError(t, err)
	assert.Equal(t, "/mnt/x", mp)

	_, err = mountPointFromName(".automount")
	assert.Error(t, err)
}

func TestStartTransitionsToWaiting(t *testing.T) {
	k, ends := fakeKernel(t)
	u, _ := newTestUnit(t, k)
	tr, err := u.Start(nil)
	require.NoError(t, err)
	assert.Equal(t, unitapi.TransOKQueued, tr)
	assert.Equal(t, StateWaiting, u.state)
	u.teardownIO()
	ends.w.Close()
}

func TestStartAlreadyWaiting(t *testing.T) {
	k, ends := fakeKernel(t)
	u, _ := newTestUnit(t, k)
	_, err := u.Start(nil)
	require.NoError(t, err)
	tr, err := u.Start(nil)
	require.NoError(t, err)
	assert.Equal(t, unitapi.TransAlready, tr)
	u.teardownIO()
	ends.w.Close()
}

func TestIOErrorReleasesResourcesAndFails(t *testing.T) {
	k, ends := fakeKernel(t)
	var mu sync.Mutex
	var closed []int
	k.Close = func(fd int) error {
		mu.Lock()
		closed = append(closed, fd)
		mu.Unlock()
		return nil
	}
	u, _ := newTestUnit(t, k)

	_, err := u.Start(nil)
	require.NoError(t, err)
	require.Equal(t, StateWaiting, u.state)

	// Severing the kernel side of the pipe errors the read loop; the unit
	// must land in failed holding no pipe, no fds, no event source.
	ends.w.Close()
	<-u.readDone

	assert.Equal(t, StateFailed, u.state)
	assert.Equal(t, ResultFailureResources, u.result)
	assert.Nil(t, u.pipe)
	assert.Zero(t, u.ioctlFD)
	assert.Zero(t, u.autofsFD)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, closed, 11, "ioctl fd must be closed")
	assert.Contains(t, closed, 10, "autofs fd must be closed")
}

func TestOnPacketMissingDirectEntersRunning(t *testing.T) {
	k, _ := fakeKernel(t)
	u, _ := newTestUnit(t, k)
	u.state = StateWaiting

	var started registry.UnitID
	globalDeps.StartSibling = func(id registry.UnitID) { started = id }
	defer func() { globalDeps.StartSibling = nil }()

	u.onPacket(Packet{Type: PacketMissingDirect, Token: 7})

	assert.Equal(t, StateRunning, u.state)
	assert.Equal(t, u.mountUnit, started)
	_, pending := u.pending[7]
	assert.True(t, pending)
}

func TestOnPacketExpireDirect(t *testing.T) {
	k, _ := fakeKernel(t)
	u, _ := newTestUnit(t, k)
	u.state = StateRunning

	var stopped registry.UnitID
	globalDeps.StopSibling = func(id registry.UnitID) { stopped = id }
	defer func() { globalDeps.StopSibling = nil }()

	u.onPacket(Packet{Type: PacketExpireDirect, Token: 3})

	assert.Equal(t, u.mountUnit, stopped)
	_, expiring := u.expire[3]
	assert.True(t, expiring)
}

func TestOnPacketUnknownTypeIgnored(t *testing.T) {
	k, _ := fakeKernel(t)
	u, _ := newTestUnit(t, k)
	u.onPacket(Packet{Type: PacketType(99), Token: 1})
	assert.Empty(t, u.pending)
	assert.Empty(t, u.expire)
}

func TestReplyRejectsPositiveStatus(t *testing.T) {
	k, _ := fakeKernel(t)
	u, _ := newTestUnit(t, k)
	u.ioctlFD = 11
	assert.Panics(t, func() { u.reply(5, 1) })
}

func TestReplyRejectsTombstoneToken(t *testing.T) {
	k, _ := fakeKernel(t)
	u, _ := newTestUnit(t, k)
	u.ioctlFD = 11
	err := u.reply(0, 0)
	assert.Error(t, err)
}

func TestUpdateMountActiveRepliesSuccessAndArmsTimer(t *testing.T) {
	k, _ := fakeKernel(t)
	u, _ := newTestUnit(t, k)
	u.ioctlFD = 11
	u.state = StateRunning
	u.idleTimeout = 0
	u.pending[7] = struct{}{}

	u.UpdateMount(unitapi.Activating, unitapi.Active)

	assert.Empty(t, u.pending)
	assert.NotNil(t, u.expireTimer)
	u.disarmExpireTimer()
}

func TestUpdateMountDeadFailsPendingAndClearsExpire(t *testing.T) {
	k, _ := fakeKernel(t)
	u, _ := newTestUnit(t, k)
	u.ioctlFD = 11
	u.pending[1] = struct{}{}
	u.expire[2] = struct{}{}

	u.UpdateMount(unitapi.Active, unitapi.Inactive)

	assert.Empty(t, u.pending)
	assert.Empty(t, u.expire)
}

func TestUpdateMountUnmountingDemotesRunningToWaiting(t *testing.T) {
	k, _ := fakeKernel(t)
	u, _ := newTestUnit(t, k)
	u.ioctlFD = 11
	u.state = StateRunning

	u.UpdateMount(unitapi.Active, unitapi.Deactivating)

	assert.Equal(t, StateWaiting, u.state)
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	k, _ := fakeKernel(t)
	u, _ := newTestUnit(t, k)
	u.state = StateRunning
	u.result = ResultSuccess
	u.devID = 77
	u.pending[5] = struct{}{}
	u.expire[9] = struct{}{}

	var buf bytes.Buffer
	fds := registry.NewFDSet()
	require.NoError(t, u.Serialize(nil, &buf, fds))

	k2, _ := fakeKernel(t)
	restored, _ := newTestUnit(t, k2)
	restored.state = StateDead
	restored.pending = make(map[uint32]struct{})
	restored.expire = make(map[uint32]struct{})

	lines := splitLines(buf.String())
	for _, line := range lines {
		if line == "" {
			continue
		}
		k, v, ok := splitKV(line)
		require.True(t, ok, "malformed line %q", line)
		require.NoError(t, restored.DeserializeItem(nil, k, v, fds))
	}

	assert.Equal(t, StateRunning, restored.state)
	assert.Equal(t, ResultSuccess, restored.result)
	assert.Equal(t, uint64(77), restored.devID)
	_, ok5 := restored.pending[5]
	assert.True(t, ok5)
	_, ok9 := restored.expire[9]
	assert.True(t, ok9)
}

func TestDeserializeItemUnknownKeyErrors(t *testing.T) {
	k, _ := fakeKernel(t)
	u, _ := newTestUnit(t, k)
	err := u.DeserializeItem(nil, "bogus", "x", registry.NewFDSet())
	assert.Error(t, err)
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

func splitKV(line string) (string, string, bool) {
	for i := 0; i < len(line); i++ {
		if line[i] == '=' {
			return line[:i], line[i+1:], true
		}
	}
	return "", "", false
}
