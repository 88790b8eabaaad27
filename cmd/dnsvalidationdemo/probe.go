package main

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"math/rand"
	"net"
	"time"

	"github.com/go-logr/logr"

	"github.com/PixelExperience/packages-modules-DnsResolver/api"
)

// dotProbeTransport implements api.ProbeTransport by performing a real
// DNS-over-TLS handshake against the endpoint and issuing a canary query for
// the root zone's NS record, the same shape of probe spec §1's "encrypted
// canary query" describes. It deliberately does not verify the response
// content beyond "a well-formed DNS message came back" — the engine only
// cares whether the channel produced an answer (spec §4.4 Step B).
type dotProbeTransport struct {
	dialTimeout time.Duration
}

func (t *dotProbeTransport) Probe(ctx context.Context, record api.EndpointRecord, mark api.Mark) bool {
	dialer := &net.Dialer{Timeout: t.dialTimeout}
	tlsConf := &tls.Config{
		ServerName:         record.TLS.ProviderName,
		InsecureSkipVerify: record.TLS.ProviderName == "", // opportunistic mode: no hostname to verify against
		MinVersion:         tls.VersionTLS12,
	}

	deadline, hasDeadline := ctx.Deadline()
	if !hasDeadline {
		deadline = time.Now().Add(t.dialTimeout)
	}

	conn, err := dialer.DialContext(ctx, "tcp", record.Identity.Addr.String())
	if err != nil {
		return false
	}
	defer conn.Close()

	tlsConn := tls.Client(conn, tlsConf)
	defer tlsConn.Close()
	_ = tlsConn.SetDeadline(deadline)

	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return false
	}

	query := buildCanaryQuery()
	framed := make([]byte, 2+len(query))
	binary.BigEndian.PutUint16(framed, uint16(len(query)))
	copy(framed[2:], query)
	if _, err := tlsConn.Write(framed); err != nil {
		return false
	}

	var lenBuf [2]byte
	if _, err := readFull(tlsConn, lenBuf[:]); err != nil {
		return false
	}
	respLen := binary.BigEndian.Uint16(lenBuf[:])
	if respLen == 0 {
		return false
	}
	resp := make([]byte, respLen)
	if _, err := readFull(tlsConn, resp); err != nil {
		return false
	}
	return len(resp) >= 12 // a DNS header's worth of bytes came back
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// buildCanaryQuery hand-assembles a minimal DNS query message for ". IN NS",
// the canary query this demo uses to exercise a DoT channel without pulling
// in a full resolver stack.
func buildCanaryQuery() []byte {
	id := uint16(rand.Intn(1 << 16))
	msg := make([]byte, 12)
	binary.BigEndian.PutUint16(msg[0:2], id)
	binary.BigEndian.PutUint16(msg[2:4], 0x0100) // recursion desired
	binary.BigEndian.PutUint16(msg[4:6], 1)       // qdcount
	// ancount, nscount, arcount all zero

	msg = append(msg, 0x00)                   // root name
	qtypeClass := make([]byte, 4)
	binary.BigEndian.PutUint16(qtypeClass[0:2], 2) // NS
	binary.BigEndian.PutUint16(qtypeClass[2:4], 1) // IN
	msg = append(msg, qtypeClass...)
	return msg
}

// loggingSubscriber implements events.ClassicSubscriber for the demo.
type loggingSubscriber struct {
	logger logr.Logger
}

func (s loggingSubscriber) OnValidationResult(netID api.NetID, identity api.EndpointIdentity, succeeded bool) {
	s.logger.Info("validation result", "netId", netID, "identity", identity.String(), "succeeded", succeeded)
}

// loggingObserver implements events.Observer for the demo.
type loggingObserver struct {
	logger logr.Logger
}

func (o loggingObserver) OnValidationStateUpdate(ipAddress string, state api.ValidationState, netID api.NetID) {
	o.logger.V(1).Info("validation state update", "netId", netID, "ipAddress", ipAddress, "state", state.String())
}
