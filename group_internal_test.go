package cohort

import (
	"bufio"
	"bytes"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockSubstrate struct {
	mock.Mock
}

func (m *mockSubstrate) Rank(h Handle) (int, Code) {
	args := m.Called(h)
	return args.Int(0), args.Get(1).(Code)
}

func (m *mockSubstrate) Size(h Handle) (int, Code) {
	args := m.Called(h)
	return args.Int(0), args.Get(1).(Code)
}

func (m *mockSubstrate) Bcast(h Handle, buf []byte, count int, dt WireType, root int) Code {
	return m.Called(h, buf, count, dt, root).Get(0).(Code)
}

func (m *mockSubstrate) Gather(h Handle, send, recv []byte, count int, dt WireType, root int) Code {
	return m.Called(h, send, recv, count, dt, root).Get(0).(Code)
}

func (m *mockSubstrate) Scatter(h Handle, send, recv []byte, count int, dt WireType, root int) Code {
	return m.Called(h, send, recv, count, dt, root).Get(0).(Code)
}

func (m *mockSubstrate) Allgather(h Handle, send, recv []byte, count int, dt WireType) Code {
	return m.Called(h, send, recv, count, dt).Get(0).(Code)
}

func (m *mockSubstrate) Send(h Handle, buf []byte, count int, dt WireType, dest, tag int) Code {
	return m.Called(h, buf, count, dt, dest, tag).Get(0).(Code)
}

func (m *mockSubstrate) Recv(h Handle, buf []byte, count int, dt WireType, source, tag int) Code {
	return m.Called(h, buf, count, dt, source, tag).Get(0).(Code)
}

func (m *mockSubstrate) Create(h Handle, members []int) (Handle, Code) {
	args := m.Called(h, members)
	return args.Get(0).(Handle), args.Get(1).(Code)
}

func (m *mockSubstrate) Dup(h Handle) (Handle, Code) {
	args := m.Called(h)
	return args.Get(0).(Handle), args.Get(1).(Code)
}

func (m *mockSubstrate) Free(h Handle) Code {
	return m.Called(h).Get(0).(Code)
}

var testHandler slog.Handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
	Level: slog.LevelDebug,
})

func TestRankQueryFailure(t *testing.T) {
	sub := &mockSubstrate{}
	sub.On("Rank", WorldHandle).Return(0, CodeComm)

	g, err := New(sub, WithLog(testHandler))
	require.ErrorIs(t, err, ErrInvalidGroup)
	require.ErrorIs(t, err, ErrComm)
	require.Equal(t, -1, g.Rank())
	require.Equal(t, -1, g.Size())
	require.False(t, g.Valid())
	sub.AssertExpectations(t)
}

func TestSizeQueryFailure(t *testing.T) {
	sub := &mockSubstrate{}
	sub.On("Rank", WorldHandle).Return(0, CodeSuccess)
	sub.On("Size", WorldHandle).Return(0, CodeTransport)

	g, err := New(sub, WithLog(testHandler))
	require.ErrorIs(t, err, ErrInvalidGroup)
	require.Equal(t, -1, g.Rank())
	require.False(t, g.Valid())
}

func TestOwnedLifecycle(t *testing.T) {
	const owned, dup Handle = 2<<32 | 1, 2<<32 | 2

	sub := &mockSubstrate{}
	sub.On("Size", WorldHandle).Return(3, CodeSuccess)
	sub.On("Allgather", WorldHandle, []byte{1}, mock.Anything, 1, WireByte).
		Run(func(args mock.Arguments) {
			copy(args.Get(2).([]byte), []byte{1, 0, 1})
		}).
		Return(CodeSuccess)
	sub.On("Create", WorldHandle, []int{0, 2}).Return(owned, CodeSuccess)
	sub.On("Rank", owned).Return(1, CodeSuccess)
	sub.On("Size", owned).Return(2, CodeSuccess)
	sub.On("Dup", owned).Return(dup, CodeSuccess)
	sub.On("Rank", dup).Return(1, CodeSuccess)
	sub.On("Size", dup).Return(2, CodeSuccess)
	sub.On("Free", dup).Return(CodeSuccess).Once()
	sub.On("Free", owned).Return(CodeSuccess).Once()

	sink := metrics.NewInmemSink(time.Second, time.Minute)
	g, err := NewSubgroup(sub, Include, WithLog(testHandler), WithMetricSink(sink))
	require.NoError(t, err)
	require.True(t, g.Owned())
	require.Equal(t, 1, g.Rank())
	require.Equal(t, 2, g.Size())

	c, err := g.Clone()
	require.NoError(t, err)
	require.Equal(t, dup, c.Handle())

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	require.NoError(t, g.Close())
	sub.AssertExpectations(t)
}

func TestAmbientNeverFreed(t *testing.T) {
	sub := &mockSubstrate{}
	sub.On("Rank", WorldHandle).Return(0, CodeSuccess)
	sub.On("Size", WorldHandle).Return(1, CodeSuccess)

	g, err := New(sub)
	require.NoError(t, err)
	c, err := g.Clone()
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, g.Close())
	sub.AssertNotCalled(t, "Free", mock.Anything)
	sub.AssertNotCalled(t, "Dup", mock.Anything)
}

func TestCheckLogsAdvisory(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	require.NoError(t, check(logger, "broadcast", CodeSuccess))
	require.Zero(t, logs.Len())

	err := check(logger, "broadcast", CodeRoot)
	require.ErrorIs(t, err, ErrRoot)
	require.Contains(t, logs.String(), "Invalid root")
	require.Contains(t, logs.String(), "op=broadcast")
}

func TestCodes(t *testing.T) {
	require.Equal(t, "Message truncated", CodeTruncate.String())
	require.Equal(t, "Unknown error", Code(99).String())
	require.ErrorIs(t, Code(99).Err(), ErrUnknown)
	require.NoError(t, CodeSuccess.Err())
	require.True(t, Succeeded(CodeSuccess))
	require.False(t, Succeeded(CodeComm))
}

func TestWireTypes(t *testing.T) {
	require.Equal(t, WireInt8, WireTypeOf[int8]())
	require.Equal(t, WireUint64, WireTypeOf[uint64]())
	require.Equal(t, WireFloat32, WireTypeOf[float32]())
	require.Equal(t, WireByte, WireTypeOf[byte]())
	require.Equal(t, 8, WireFloat64.Size())
	require.Equal(t, 2, WireInt16.Size())
	require.Equal(t, 0, WireInvalid.Size())
	require.False(t, WireType(200).Valid())

	vals := []int16{-2, 513}
	raw := encodeScalars(vals)
	require.Equal(t, []byte{0xFE, 0xFF, 0x01, 0x02}, raw)
	out := make([]int16, 2)
	decodeScalars(raw, out)
	require.Equal(t, vals, out)
}

func TestParseMode(t *testing.T) {
	for mode, want := range map[string]int{
		"r":   os.O_RDONLY,
		"rb":  os.O_RDONLY,
		"w":   os.O_WRONLY | os.O_CREATE | os.O_TRUNC,
		"a+":  os.O_RDWR | os.O_CREATE | os.O_APPEND,
		"r+b": os.O_RDWR,
	} {
		got, err := parseMode(mode)
		require.NoError(t, err, mode)
		require.Equal(t, want, got, mode)
	}

	_, err := parseMode("x")
	require.ErrorIs(t, err, ErrBadMode)
}

func heldFile(t *testing.T, content string) *File {
	t.Helper()
	path := t.TempDir() + "/in.txt"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	fh, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { fh.Close() })
	return &File{name: path, f: fh, r: bufio.NewReader(fh)}
}

func TestScanBroadcastWithoutDestination(t *testing.T) {
	sub := &mockSubstrate{}
	sub.On("Rank", WorldHandle).Return(0, CodeSuccess)
	sub.On("Size", WorldHandle).Return(2, CodeSuccess)
	sub.On("Bcast", WorldHandle, []byte{1, 0, 0, 0}, 1, WireInt32, 0).Return(CodeSuccess).Once()

	g, err := New(sub, WithLog(testHandler))
	require.NoError(t, err)

	n, err := ScanBroadcast[int64](g, heldFile(t, "42\n"), "%d", nil)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	// only the count went through the substrate.
	sub.AssertNumberOfCalls(t, "Bcast", 1)
	sub.AssertExpectations(t)
}

func TestCloseFileFailureOnNilFile(t *testing.T) {
	sub := &mockSubstrate{}
	sub.On("Rank", WorldHandle).Return(1, CodeSuccess)
	sub.On("Size", WorldHandle).Return(2, CodeSuccess)
	sub.On("Bcast", WorldHandle, mock.Anything, 1, WireInt32, 0).
		Run(func(args mock.Arguments) {
			// the master reports its close failed.
			copy(args.Get(1).([]byte), []byte{1, 0, 0, 0})
		}).
		Return(CodeSuccess)

	g, err := New(sub, WithLog(testHandler))
	require.NoError(t, err)

	require.NotPanics(t, func() {
		err = CloseFile(g, nil)
	})
	require.ErrorIs(t, err, ErrCloseFailed)
}

func TestCloseFileFailureOnMaster(t *testing.T) {
	sub := &mockSubstrate{}
	sub.On("Rank", WorldHandle).Return(0, CodeSuccess)
	sub.On("Size", WorldHandle).Return(1, CodeSuccess)
	sub.On("Bcast", WorldHandle, []byte{1, 0, 0, 0}, 1, WireInt32, 0).Return(CodeSuccess)

	g, err := New(sub, WithLog(testHandler))
	require.NoError(t, err)

	f := heldFile(t, "")
	require.NoError(t, f.f.Close())

	err = CloseFile(g, f)
	require.ErrorIs(t, err, ErrCloseFailed)
	require.Contains(t, err.Error(), f.Name())
}

func TestUniformLoadInvalidGroup(t *testing.T) {
	sub := &mockSubstrate{}
	sub.On("Rank", WorldHandle).Return(0, CodeComm)

	g, err := New(sub, WithLog(testHandler))
	require.Error(t, err)
	require.Zero(t, UniformLoad(g, 10))
	require.Zero(t, UniformLoad(g, uint8(200)))
}

func TestSkipsSpace(t *testing.T) {
	for format, want := range map[string]bool{
		"%d":    true,
		"%5d\n": true,
		" %c":   true,
		"\n%s":  true,
		"%c":    false,
		"%%":    false,
		"x=%d":  false,
		"":      false,
	} {
		require.Equal(t, want, skipsSpace(format), format)
	}
}
