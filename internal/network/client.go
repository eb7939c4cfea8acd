package network

import (
	"context"
	"errors"
	"time"
)

var clientConns = newClientPool(clientConnIdle)

// Send writes data as one frame on a fresh stream to addr, reusing a pooled
// connection. Failed attempts back off exponentially up to clientMaxRetries.
// Concurrent sends to one addr go out in call order.
func Send(ctx context.Context, addr string, data []byte, devTLS bool, caPath string) error {
	tlsConf, err := clientTLSConfig(devTLS, caPath)
	if err != nil {
		return err
	}
	unlock := clientConns.lockAddr(addr)
	defer unlock()
	quicConf := quicConfig()
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()
	var lastErr error
	for attempt := 0; attempt <= clientMaxRetries; attempt++ {
		if ctx.Err() != nil {
			if lastErr != nil {
				return lastErr
			}
			return ctx.Err()
		}
		conn, err := clientConns.get(ctx, addr, tlsConf, quicConf)
		if err != nil {
			lastErr = err
			if !backoffRetry(ctx, clientConns.recordFailure(addr)) {
				break
			}
			continue
		}
		stream, err := conn.OpenStreamSync(ctx)
		if err != nil {
			lastErr = err
			clientConns.drop(addr, conn, "open stream failed")
			if !backoffRetry(ctx, clientConns.recordFailure(addr)) {
				break
			}
			continue
		}
		if err := writeFrameWithTimeout(stream, streamRWTimeout, data); err != nil {
			lastErr = err
			stream.CancelWrite(0)
			clientConns.drop(addr, conn, "write failed")
			if !backoffRetry(ctx, clientConns.recordFailure(addr)) {
				break
			}
			continue
		}
		if err := stream.Close(); err != nil {
			debugLog("quic stream close to %s: %v", addr, err)
		}
		clientConns.touch(addr, conn)
		clientConns.resetFailures(addr)
		return nil
	}
	if lastErr == nil {
		lastErr = errors.New("send failed")
	}
	return lastErr
}

// ClosePool drops every pooled client connection.
func ClosePool() {
	clientConns.closeAll()
}

func backoffRetry(ctx context.Context, failures int) bool {
	if failures <= 0 {
		return false
	}
	d := clientBackoffBase
	if failures > 1 {
		d = d * time.Duration(1<<uint(failures-1))
	}
	if d > clientBackoffMax {
		d = clientBackoffMax
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

