package vts

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

const discoveryTimeout = 3 * time.Second

// discoverPort listens for the host's UDP broadcast announcement on the
// well-known discovery port and returns the WebSocket port it advertises.
// It waits at most discoveryTimeout for a broadcast to arrive.
func discoverPort(ctx context.Context, port int) (int, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		return 0, fmt.Errorf("bind discovery socket: %w", err)
	}
	defer func() { _ = conn.Close() }()

	deadline := time.Now().Add(discoveryTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)

	buf := make([]byte, 4096)
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		return 0, fmt.Errorf("await discovery broadcast: %w", err)
	}

	var env struct {
		Data discoveryData `json:"data"`
	}
	if err := json.Unmarshal(buf[:n], &env); err != nil {
		return 0, fmt.Errorf("decode discovery broadcast: %w", err)
	}
	if env.Data.Port == 0 {
		return 0, fmt.Errorf("discovery broadcast carries no port")
	}
	return env.Data.Port, nil
}
