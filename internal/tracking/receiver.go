package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/ovROG/rusty-bridge/internal/logx"
)

const (
	requestInterval = time.Second
	readTimeout     = 2 * time.Second
	streamSeconds   = 10
)

// trackingRequest is the datagram that asks the phone to stream tracking
// data back to the named local ports for the next streamSeconds seconds.
type trackingRequest struct {
	MessageType    string `json:"messageType"`
	SentBy         string `json:"sentBy"`
	SendForSeconds int    `json:"sendForSeconds"`
	Ports          []int  `json:"ports"`
}

// Receiver owns the UDP socket facing the phone. It periodically re-requests
// tracking data and publishes every decoded frame to the mailbox.
type Receiver struct {
	phoneAddr  string
	clientName string
	mailbox    *Mailbox
}

// NewReceiver returns a receiver that will request tracking data from
// phoneIP:phonePort and publish decoded frames to mb.
func NewReceiver(phoneIP string, phonePort int, clientName string, mb *Mailbox) *Receiver {
	return &Receiver{
		phoneAddr:  net.JoinHostPort(phoneIP, fmt.Sprintf("%d", phonePort)),
		clientName: clientName,
		mailbox:    mb,
	}
}

// Run binds an ephemeral UDP port and loops until ctx is done. Malformed
// datagrams and socket errors are logged and skipped; the loop only exits
// on cancellation.
func (r *Receiver) Run(ctx context.Context) error {
	phoneAddr, err := net.ResolveUDPAddr("udp", r.phoneAddr)
	if err != nil {
		return fmt.Errorf("resolve phone address: %w", err)
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return fmt.Errorf("bind tracking socket: %w", err)
	}
	defer func() { _ = conn.Close() }()

	localPort := conn.LocalAddr().(*net.UDPAddr).Port
	request, err := json.Marshal(trackingRequest{
		MessageType:    "iOSTrackingDataRequest",
		SentBy:         r.clientName,
		SendForSeconds: streamSeconds,
		Ports:          []int{localPort},
	})
	if err != nil {
		return fmt.Errorf("encode tracking request: %w", err)
	}

	logx.Log.Info().Str("phone", r.phoneAddr).Int("port", localPort).Msg("tracking receiver started")

	buf := make([]byte, 4096)
	var nextRequest time.Time
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if now := time.Now(); !now.Before(nextRequest) {
			nextRequest = now.Add(requestInterval)
			if _, err := conn.WriteToUDP(request, phoneAddr); err != nil {
				logx.Log.Warn().Err(err).Msg("unable to request tracking data")
			}
		}

		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logx.Log.Warn().Err(err).Msg("tracking receive error")
			continue
		}

		var frame Frame
		if err := json.Unmarshal(buf[:n], &frame); err != nil {
			framesDropped.Inc()
			logx.Log.Warn().Err(err).Msg("unable to decode tracking frame")
			continue
		}
		framesReceived.Inc()
		r.mailbox.Put(frame)
	}
}
