package network

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"time"

	quic "github.com/quic-go/quic-go"

	"loopmvp/internal/debuglog"
	"loopmvp/internal/proto"
)

const (
	alpn                 = "loop-quic"
	maxIdleTimeout       = 30 * time.Second
	keepAlivePeriod      = 10 * time.Second
	handshakeIdleTimeout = 5 * time.Second
	streamRWTimeout      = 5 * time.Second
	maxConnsPerIP        = 16
	maxStreamsPerIP      = 64
)

var (
	currentConns   atomic.Int64
	currentStreams atomic.Int64
)

func CurrentConns() int64   { return currentConns.Load() }
func CurrentStreams() int64 { return currentStreams.Load() }

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// devTLSCert is deterministic so that every dev node trusts every other one.
// Link frames are sealed separately, so TLS here only hides traffic shape.
func devTLSCert() (tls.Certificate, []byte, error) {
	seed := sha256.Sum256([]byte("loop-quic-dev-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(100 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}
	return cert, der, nil
}

// WriteDevTLSCA writes the dev certificate as PEM so that clients outside the
// process can pin it.
func WriteDevTLSCA(path string) error {
	_, der, err := devTLSCert()
	if err != nil {
		return err
	}
	return os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0600)
}

func serverTLSConfig(devTLS bool) (*tls.Config, error) {
	if !devTLS {
		return nil, errors.New("only dev TLS is supported")
	}
	cert, _, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpn},
	}, nil
}

// clientTLSConfig pins the dev certificate. LOOP_DEVTLS_CA_PATH overrides
// caPath; with neither set the in-process dev certificate is used.
func clientTLSConfig(devTLS bool, caPath string) (*tls.Config, error) {
	if !devTLS {
		return nil, errors.New("only dev TLS is supported")
	}
	if env := strings.TrimSpace(os.Getenv("LOOP_DEVTLS_CA_PATH")); env != "" {
		caPath = env
	}
	pool := x509.NewCertPool()
	if caPath != "" {
		data, err := os.ReadFile(caPath)
		if err != nil {
			return nil, err
		}
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("no certificates in %s", caPath)
		}
	} else {
		_, der, err := devTLSCert()
		if err != nil {
			return nil, err
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, err
		}
		pool.AddCert(cert)
	}
	return &tls.Config{
		RootCAs:    pool,
		ServerName: "localhost",
		NextProtos: []string{alpn},
	}, nil
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:       maxIdleTimeout,
		KeepAlivePeriod:      keepAlivePeriod,
		HandshakeIdleTimeout: handshakeIdleTimeout,
	}
}

// ListenAndServe accepts QUIC connections on addr and calls handle with each
// frame read from each stream. The bound address is sent on ready once the
// listener is up. It returns when ctx is cancelled.
func ListenAndServe(ctx context.Context, addr string, ready chan<- string, devTLS bool, handle func(senderAddr string, data []byte)) error {
	tlsConf, err := serverTLSConfig(devTLS)
	if err != nil {
		return err
	}
	listener, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return err
	}
	defer listener.Close()
	debugLog("quic listen ready: %s", listener.Addr())
	if ready != nil {
		select {
		case ready <- listener.Addr().String():
		default:
		}
	}
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()
	lim := newIPLimiter(maxConnsPerIP, maxStreamsPerIP)
	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go serveConn(ctx, conn, lim, handle)
	}
}

func serveConn(ctx context.Context, conn *quic.Conn, lim *ipLimiter, handle func(string, []byte)) {
	sender := conn.RemoteAddr().String()
	ip := hostOf(sender)
	if !lim.acquireConn(ip) {
		debugLog("quic conn limit for %s", ip)
		_ = conn.CloseWithError(0, "conn limit")
		return
	}
	currentConns.Add(1)
	defer func() {
		currentConns.Add(-1)
		lim.releaseConn(ip)
	}()
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			debugLog("quic accept stream from %s: %v", sender, err)
			return
		}
		if !lim.acquireStream(ip) {
			stream.CancelRead(0)
			_ = stream.Close()
			continue
		}
		// streams of one connection are handled in order, so a link is FIFO
		serveStream(stream, sender, handle)
		lim.releaseStream(ip)
	}
}

func serveStream(s *quic.Stream, sender string, handle func(string, []byte)) {
	currentStreams.Add(1)
	defer func() {
		_ = s.Close()
		currentStreams.Add(-1)
	}()
	data, err := readFrameWithTimeout(s, streamRWTimeout)
	if err != nil {
		debugLog("quic read from %s: %v", sender, err)
		return
	}
	handle(sender, data)
}

func readFrameWithTimeout(s *quic.Stream, d time.Duration) ([]byte, error) {
	_ = s.SetReadDeadline(time.Now().Add(d))
	defer s.SetReadDeadline(time.Time{})
	return proto.ReadFrame(s)
}

func writeFrameWithTimeout(s *quic.Stream, d time.Duration, data []byte) error {
	_ = s.SetWriteDeadline(time.Now().Add(d))
	defer s.SetWriteDeadline(time.Time{})
	return proto.WriteFrame(s, data)
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func debugLog(format string, args ...any) {
	debuglog.Debugf("network: "+format, args...)
}
