package fabric

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
	"github.com/raskyld/cohort"
	"github.com/raskyld/cohort/pkg/mesh"
)

const defaultUDPBufferSize int = 1 << 21

// TransportConfig represents configuration for the data plane.
type TransportConfig struct {
	// BufferSize of the requested UDP kernel buffer.
	BufferSize int

	// EnforceBufferSize crashes if the kernel doesn't allocate what we asked.
	// If that's false, we retry and divide by 2 the requested
	// `TransportConfig.BufferSize` until it fits or fails.
	EnforceBufferSize bool

	// TlsConfig should be configured to ensure mTLS is enabled between the
	// peers.
	TlsConfig *tls.Config

	// BindAddr and BindPort are where the data plane listens. A zero port
	// picks any free one.
	BindAddr string
	BindPort int

	// MetricsLabels to add to every metrics emitted by the transport.
	MetricLabels []metrics.Label

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// DialTimeout controls how much time we wait for stream establishment.
	DialTimeout time.Duration

	// GracePeriod is how long Shutdown lets outbound streams drain before
	// closing connections.
	GracePeriod time.Duration

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler
}

// Transport moves frames between the nodes of a job over QUIC. Each ordered
// pair of nodes uses a single unidirectional stream, so frames from one
// source arrive in the order they were sent.
type Transport struct {
	cfg     *TransportConfig
	logger  *slog.Logger
	msink   metrics.MetricSink
	deliver func(mesh.Frame) error

	// graceful termination asked, do not spam of connection error in logs
	gracefulTerm atomic.Bool

	outLk sync.Mutex
	out   map[string]*outStream

	connsLk sync.Mutex
	conns   []quic.Connection

	wg sync.WaitGroup

	// QUIC layer
	tr *quic.Transport
	ln *quic.Listener

	// UDP layer
	udpLn *net.UDPConn
}

// NewTransport binds the data plane. Every inbound frame is handed to
// deliver, which may block to apply back-pressure on the sender.
func NewTransport(cfg *TransportConfig, deliver func(mesh.Frame) error) (t *Transport, err error) {
	if cfg.TlsConfig == nil {
		return nil, ErrNoTLSConfig
	}

	t = &Transport{
		cfg:     cfg,
		deliver: deliver,
		out:     make(map[string]*outStream),
	}

	if cfg.LogHandler == nil {
		t.logger = slog.Default()
	} else {
		t.logger = slog.New(cfg.LogHandler)
	}

	if cfg.MetricSink == nil {
		t.msink = metrics.Default()
	} else {
		t.msink = cfg.MetricSink
	}

	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 30 * time.Second
	}

	defer func() {
		if err != nil {
			t.Shutdown()
		}
	}()

	addr := net.ParseIP(cfg.BindAddr)
	if addr == nil {
		addr = net.IPv4zero
	}

	udpAddr := &net.UDPAddr{IP: addr, Port: cfg.BindPort}
	udpLn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate UDP listener: %w", err)
	}
	t.udpLn = udpLn

	requested := cfg.BufferSize
	if requested == 0 {
		requested = defaultUDPBufferSize
	}

	if err := t.negociateBufferSize(requested); err != nil {
		return nil, err
	}

	t.tr = &quic.Transport{
		Conn: udpLn,
	}

	ln, err := t.tr.Listen(t.cfg.TlsConfig, t.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate QUIC listener: %w", err)
	}
	t.ln = ln

	t.wg.Add(1)
	go t.acceptCx()
	return
}

func (t *Transport) quicConfig() *quic.Config {
	return &quic.Config{
		Versions:              []quic.Version{quic.Version2, quic.Version1},
		Allow0RTT:             false,
		MaxIncomingStreams:    -1,
		MaxIncomingUniStreams: 64,
		MaxIdleTimeout:        1 * time.Minute,
		// ranks may compute for a long time between two messages.
		KeepAlivePeriod: 15 * time.Second,
	}
}

// LocalAddr is the UDP address the data plane is bound to.
func (t *Transport) LocalAddr() *net.UDPAddr {
	return t.udpLn.LocalAddr().(*net.UDPAddr)
}

// Send writes f on the stream toward addr, opening it if needed.
func (t *Transport) Send(addr string, f mesh.Frame) error {
	if t.gracefulTerm.Load() {
		return ErrShutdown
	}

	t.outLk.Lock()
	out, ok := t.out[addr]
	if !ok {
		out = &outStream{addr: addr}
		t.out[addr] = out
	}
	t.outLk.Unlock()

	mLabels := withLabels(t.cfg.MetricLabels, LabelPeerAddr.M(addr))

	out.lk.Lock()
	defer out.lk.Unlock()
	if !out.alive() {
		if err := t.open(out); err != nil {
			t.msink.IncrCounterWithLabels(
				MetricFabricStreamEstOutErrCount,
				1.0,
				withLabels(mLabels, cohort.LabelError.M(err.Error())),
			)
			return err
		}
		t.msink.IncrCounterWithLabels(MetricFabricStreamEstOutCount, 1.0, mLabels)
	}

	n, err := out.write(f)
	if err != nil {
		t.msink.IncrCounterWithLabels(MetricFabricFrameOutErrorCount, 1.0, mLabels)
		return fmt.Errorf("%w: %w", ErrStreamWrite, err)
	}
	t.msink.IncrCounterWithLabels(MetricFabricFrameOutBytes, float32(n), mLabels)
	return nil
}

// not thread safe!
// must be called by an holder of out.lk
func (t *Transport) open(out *outStream) error {
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.DialTimeout)
	defer cancel()

	if out.conn == nil || out.conn.Context().Err() != nil {
		conn, err := t.dial(ctx, out.addr)
		if err != nil {
			return err
		}
		out.conn = conn
	}

	stream, err := out.conn.OpenUniStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("transport: could not open stream to %s: %w", out.addr, err)
	}
	out.SendStream = stream
	t.logger.Debug("opened stream", LabelPeerAddr.L(out.addr), LabelStreamID.L(stream.StreamID()))
	return nil
}

func (t *Transport) dial(ctx context.Context, target string) (quic.Connection, error) {
	addr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}

	conn, err := t.tr.Dial(ctx, addr, t.cfg.TlsConfig, t.quicConfig())
	if t.gracefulTerm.Load() {
		if conn != nil {
			QErrShutdown.Close(conn, "we are shutting down! bye!")
		}
		return nil, ErrShutdown
	}
	if err != nil {
		return nil, err
	}

	t.handleConn(conn)
	return conn, nil
}

// Shutdown closes outbound streams, lets them drain for the grace period
// then drops every connection.
func (t *Transport) Shutdown() error {
	if !t.gracefulTerm.CompareAndSwap(false, true) {
		// no-op because it was already shutdown
		return nil
	}

	t.outLk.Lock()
	draining := len(t.out) > 0
	for _, out := range t.out {
		out.close()
	}
	t.outLk.Unlock()

	// dumb SO_LINGER like behaviour until it is implemented
	// in go-quic
	if t.cfg.GracePeriod > 0 && draining {
		time.Sleep(t.cfg.GracePeriod)
	}

	t.connsLk.Lock()
	for _, conn := range t.conns {
		QErrShutdown.Close(conn, "we are shutting down! bye!")
	}
	t.connsLk.Unlock()

	if t.ln != nil {
		t.ln.Close()
	}

	if t.tr != nil {
		t.tr.Close()
	}

	if t.udpLn != nil {
		t.udpLn.Close()
	}

	t.wg.Wait()
	return nil
}

func (t *Transport) negociateBufferSize(requested int) error {
	size := requested
	for size > 0 {
		if err := t.udpLn.SetReadBuffer(size); err != nil {
			if t.cfg.EnforceBufferSize {
				return ErrBufferSize
			}
			size = size >> 1
			continue
		}
		if size != requested {
			t.logger.Warn("using smaller than expected UDP buffer", "bytes", size)
		}
		t.msink.SetGaugeWithLabels(
			MetricFabricUDPBufferSizeBytes,
			float32(size),
			t.cfg.MetricLabels,
		)
		return nil
	}
	return ErrBufferSize
}

func (t *Transport) acceptCx() {
	defer t.wg.Done()
	for {
		conn, err := t.ln.Accept(context.Background())
		if err != nil {
			// NB: atm, quic-go only returns errors once the listener is
			// closed.
			if !t.gracefulTerm.Load() {
				t.logger.Warn("unexpected QUIC listener closure", cohort.LabelError.L(err))
			}
			return
		}

		t.handleConn(conn)
	}
}

func (t *Transport) handleConn(conn quic.Connection) {
	t.connsLk.Lock()
	live := t.conns[:0]
	for _, cx := range t.conns {
		if cx.Context().Err() == nil {
			live = append(live, cx)
		}
	}
	t.conns = append(live, conn)
	t.connsLk.Unlock()

	peer := conn.RemoteAddr().String()
	name := CommonName(conn.ConnectionState().TLS.PeerCertificates)
	t.msink.IncrCounterWithLabels(
		MetricFabricConnEstCount,
		1.0,
		withLabels(t.cfg.MetricLabels, LabelPeerAddr.M(peer), LabelPeerName.M(name)),
	)
	t.logger.Debug("connection established", LabelPeerAddr.L(peer), LabelPeerName.L(name))

	t.wg.Add(1)
	go t.handleStreams(conn, name)
}

func (t *Transport) handleStreams(conn quic.Connection, name string) {
	defer t.wg.Done()
	remoteAddr := conn.RemoteAddr().String()
	ctx := conn.Context()
	logger := t.logger.With(LabelPeerAddr.L(remoteAddr), LabelPeerName.L(name))
	mLabels := withLabels(t.cfg.MetricLabels, LabelPeerAddr.M(remoteAddr))

	for {
		stream, err := conn.AcceptUniStream(ctx)
		if t.gracefulTerm.Load() {
			logger.Debug("stream listener gracefully shutting down")
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				logger.Debug("connection closed", cohort.LabelError.L(err))
				return
			}
			logger.Warn("error accepting stream", cohort.LabelError.L(err))
			continue
		}

		t.msink.IncrCounterWithLabels(MetricFabricStreamEstInCount, 1.0, mLabels)
		t.wg.Add(1)
		go t.readStream(stream, logger.With(LabelStreamID.L(stream.StreamID())), mLabels)
	}
}

func (t *Transport) readStream(stream quic.ReceiveStream, logger *slog.Logger, mLabels []metrics.Label) {
	defer t.wg.Done()
	r := bufio.NewReader(stream)
	for {
		f, err := ReadFrame(r)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF) || t.gracefulTerm.Load():
				logger.Debug("stream finished")
			case errors.Is(err, ErrProtocolViolation) || errors.Is(err, ErrTooLargeFrame):
				logger.Warn("protocol violation: malformed frame", cohort.LabelError.L(err))
				stream.CancelRead(QErrStreamProtocolViolation)
				t.msink.IncrCounterWithLabels(
					MetricFabricFrameInErrorCount,
					1.0,
					withLabels(mLabels, cohort.LabelError.M("protocol_violation")),
				)
			default:
				logger.Warn("stream was broken", cohort.LabelError.L(err))
				t.msink.IncrCounterWithLabels(
					MetricFabricFrameInErrorCount,
					1.0,
					withLabels(mLabels, cohort.LabelError.M("stream_broken")),
				)
			}
			return
		}

		t.msink.IncrCounterWithLabels(MetricFabricFrameInBytes, float32(len(f.Payload)), mLabels)
		if err := t.deliver(f); err != nil {
			if mesh.IsClosed(err) {
				stream.CancelRead(QErrStreamShutdown)
				return
			}
			logger.Warn("could not deliver frame", cohort.LabelError.L(err), "source", f.Source)
		}
	}
}
