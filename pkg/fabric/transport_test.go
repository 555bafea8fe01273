package fabric

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/cohort"
	"github.com/raskyld/cohort/pkg/mesh"
	"github.com/stretchr/testify/require"
)

func generateKeyPair(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate private key: %s", err)
		return nil
	}
	return key
}

func generateCa(t *testing.T, pkey *ecdsa.PrivateKey) []byte {
	t.Helper()
	notBefore := time.Now()
	notAfter := time.Now().Add(1 * time.Hour)

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("failed to generate serialNumber: %s", err)
	}
	tmpl := x509.Certificate{
		Subject: pkix.Name{
			CommonName: "self-signed",
		},
		SerialNumber:          serialNumber,
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IPAddresses: []net.IP{
			{127, 0, 0, 1},
		},
		IsCA: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &pkey.PublicKey, pkey)
	if err != nil {
		t.Fatalf("failed to generate CA: %s", err)
		return nil
	}
	return certDER
}

func generateLeaf(t *testing.T, ca *x509.Certificate, caKP, leafKP *ecdsa.PrivateKey, cn string) []byte {
	t.Helper()
	notBefore := time.Now()
	notAfter := time.Now().Add(1 * time.Hour)

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("failed to generate serialNumber: %s", err)
	}
	tmpl := x509.Certificate{
		Subject: pkix.Name{
			CommonName: cn,
		},
		SerialNumber: serialNumber,
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		IPAddresses: []net.IP{
			{127, 0, 0, 1},
		},
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		IsCA:                  false,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, ca, &leafKP.PublicKey, caKP)
	if err != nil {
		t.Fatalf("failed to generate leaf: %s", err)
		return nil
	}
	return certDER
}

// generateMTLS returns one mTLS config per name, all signed by the same CA.
func generateMTLS(t *testing.T, names ...string) []*tls.Config {
	t.Helper()
	caKey := generateKeyPair(t)
	caDER := generateCa(t, caKey)
	ca, err := x509.ParseCertificate(caDER)
	require.NoError(t, err, "failed to parse CA")

	caPool := x509.NewCertPool()
	caPool.AddCert(ca)

	configs := make([]*tls.Config, len(names))
	for i, name := range names {
		key := generateKeyPair(t)
		leafDER := generateLeaf(t, ca, caKey, key, name)
		leaf, err := x509.ParseCertificate(leafDER)
		require.NoError(t, err, "failed to parse leaf of %s", name)

		configs[i] = &tls.Config{
			Certificates: []tls.Certificate{
				{
					Certificate: [][]byte{leafDER},
					Leaf:        leaf,
					PrivateKey:  key,
				},
			},
			ClientAuth: tls.RequireAndVerifyClientCert,
			ClientCAs:  caPool,
			RootCAs:    caPool,
			NextProtos: []string{ALPN},
		}
	}
	return configs
}

func testHandler(emitter string) slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: true,
	}).WithAttrs([]slog.Attr{
		{Key: "emitter", Value: slog.StringValue(emitter)},
	})
}

type inbox struct {
	lk     sync.Mutex
	frames []mesh.Frame
}

func (in *inbox) deliver(f mesh.Frame) error {
	in.lk.Lock()
	defer in.lk.Unlock()
	in.frames = append(in.frames, f)
	return nil
}

func (in *inbox) snapshot() []mesh.Frame {
	in.lk.Lock()
	defer in.lk.Unlock()
	return append([]mesh.Frame(nil), in.frames...)
}

func TestNewTransport(t *testing.T) {
	tlsConfs := generateMTLS(t, "node1", "node2")

	node1Metrics := metrics.NewInmemSink(time.Second, 5*time.Minute)
	node2Metrics := metrics.NewInmemSink(time.Second, 5*time.Minute)
	var in1, in2 inbox

	ts1, err := NewTransport(&TransportConfig{
		TlsConfig:  tlsConfs[0],
		BindAddr:   "127.0.0.1",
		MetricSink: node1Metrics,
		LogHandler: testHandler("node1"),
	}, in1.deliver)
	require.NoError(t, err, "failed to start node1")

	ts2, err := NewTransport(&TransportConfig{
		TlsConfig:  tlsConfs[1],
		BindAddr:   "127.0.0.1",
		MetricSink: node2Metrics,
		LogHandler: testHandler("node2"),
	}, in2.deliver)
	require.NoError(t, err, "failed to start node2")

	addr1 := ts1.LocalAddr().String()
	addr2 := ts2.LocalAddr().String()

	t.Run("frames from n1 reach n2 in order", func(t *testing.T) {
		for i := 0; i < 50; i++ {
			require.NoError(t, ts1.Send(addr2, mesh.Frame{
				Handle:  cohort.WorldHandle,
				Source:  0,
				Tag:     i,
				Payload: []byte(fmt.Sprintf("frame-%d", i)),
			}))
		}

		require.Eventually(t, func() bool {
			return len(in2.snapshot()) == 50
		}, 10*time.Second, 50*time.Millisecond)

		for i, f := range in2.snapshot() {
			require.Equal(t, i, f.Tag)
			require.Equal(t, fmt.Sprintf("frame-%d", i), string(f.Payload))
		}
	})

	t.Run("n2 answers n1 on its own stream", func(t *testing.T) {
		require.NoError(t, ts2.Send(addr1, mesh.Frame{
			Handle:  cohort.WorldHandle,
			Source:  1,
			Tag:     -1,
			Payload: []byte("pong"),
		}))

		require.Eventually(t, func() bool {
			frames := in1.snapshot()
			return len(frames) == 1 && string(frames[0].Payload) == "pong" && frames[0].Tag == -1
		}, 10*time.Second, 50*time.Millisecond)
	})

	t.Run("unresolvable destination", func(t *testing.T) {
		err := ts1.Send("not an address", mesh.Frame{})
		require.ErrorIs(t, err, ErrInvalidAddr)
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		ts1.Shutdown()
		wg.Done()
	}()
	go func() {
		ts2.Shutdown()
		wg.Done()
	}()
	wg.Wait()

	require.ErrorIs(t, ts1.Send(addr2, mesh.Frame{}), ErrShutdown)
}

func TestNewTransportRequiresTLS(t *testing.T) {
	_, err := NewTransport(&TransportConfig{}, func(mesh.Frame) error { return nil })
	require.ErrorIs(t, err, ErrNoTLSConfig)
}
