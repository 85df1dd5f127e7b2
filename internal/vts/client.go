package vts

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/ovROG/rusty-bridge/internal/logx"
	"github.com/ovROG/rusty-bridge/internal/reconnect"
	"github.com/ovROG/rusty-bridge/internal/tracking"
	"github.com/ovROG/rusty-bridge/internal/transform"
)

const (
	dialTimeout        = 5 * time.Second
	streamPollInterval = 10 * time.Millisecond

	parameterExplanation = "Custom rusty-bridge param"
)

// State is the protocol client's connection state.
type State int32

const (
	StateDisconnected State = iota
	StateAwaitingStatus
	StateAwaitingToken
	StateAwaitingAuth
	StateRegistering
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateAwaitingStatus:
		return "awaiting_status"
	case StateAwaitingToken:
		return "awaiting_token"
	case StateAwaitingAuth:
		return "awaiting_auth"
	case StateRegistering:
		return "registering"
	case StateStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// Config holds the protocol client's settings.
type Config struct {
	// HostPort is the WebSocket port tried first; on connect failure the
	// client falls back to UDP discovery on DiscoveryPort.
	HostPort      int
	DiscoveryPort int

	PluginName      string
	PluginDeveloper string

	// ResponseTimeout bounds the wait for the response to an in-flight
	// request. When it expires the connection is dropped and rebuilt, so a
	// host that never answers usefully cannot wedge the queue forever.
	// Zero disables the bound.
	ResponseTimeout time.Duration
}

// pending is one not-yet-acknowledged request. The envelope is marshaled
// once and retransmitted verbatim until its response arrives.
type pending struct {
	messageType string
	frame       []byte
}

// Status is a point-in-time snapshot of the client for the status endpoint.
type Status struct {
	State     string `json:"state"`
	Connected bool   `json:"connected"`
	HostPort  int    `json:"host_port"`
}

// Client owns the WebSocket connection lifecycle to the puppeteering host.
// All session state (token, pending queue) is owned by the goroutine
// running Run; only the status snapshot is shared.
type Client struct {
	cfg     Config
	set     *transform.Set
	tokens  *TokenStore
	mailbox *tracking.Mailbox

	state     atomic.Int32
	connected atomic.Bool
	port      atomic.Int32

	token         string
	queue         []pending
	lastFaceFound bool
}

// NewClient returns a client streaming mapped values from mb through set.
func NewClient(cfg Config, set *transform.Set, tokens *TokenStore, mb *tracking.Mailbox) *Client {
	c := &Client{cfg: cfg, set: set, tokens: tokens, mailbox: mb}
	c.port.Store(int32(cfg.HostPort))
	return c
}

// Status returns the current connection snapshot.
func (c *Client) Status() Status {
	return Status{
		State:     State(c.state.Load()).String(),
		Connected: c.connected.Load(),
		HostPort:  int(c.port.Load()),
	}
}

func (c *Client) setState(s State) {
	if State(c.state.Swap(int32(s))) != s {
		logx.Log.Debug().Str("state", s.String()).Msg("client state")
	}
}

// Run connects to the host and keeps a session alive until ctx is done.
// There is no terminal failure: every connection or session error leads
// back to discovery and reconnect with backoff.
func (c *Client) Run(ctx context.Context) error {
	port := c.cfg.HostPort
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.setState(StateDisconnected)

		conn, usedPort, err := c.connect(ctx, port)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			delay := reconnect.Delay(attempt)
			attempt++
			logx.Log.Warn().Dur("backoff", delay).Err(err).Msg("unable to reach host; retrying")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}
		attempt = 0
		port = usedPort
		c.port.Store(int32(usedPort))
		c.connected.Store(true)
		connectedGauge.Set(1)

		err = c.session(ctx, conn)

		c.connected.Store(false)
		connectedGauge.Set(0)
		if ctx.Err() != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "shutting down")
			return ctx.Err()
		}
		_ = conn.Close(websocket.StatusInternalError, "session error")
		reconnectsTotal.Inc()
		logx.Log.Warn().Err(err).Msg("host session ended; reconnecting")
	}
}

// connect dials the last-known port and, when that fails, listens for the
// host's discovery broadcast to learn the current one.
func (c *Client) connect(ctx context.Context, port int) (*websocket.Conn, int, error) {
	conn, err := c.dial(ctx, port)
	if err == nil {
		logx.Log.Info().Int("port", port).Msg("connected to host")
		return conn, port, nil
	}
	logx.Log.Warn().Int("port", port).Err(err).Msg("host connect failed; running discovery")

	discovered, err := discoverPort(ctx, c.cfg.DiscoveryPort)
	if err != nil {
		return nil, 0, err
	}
	conn, err = c.dial(ctx, discovered)
	if err != nil {
		return nil, 0, err
	}
	logx.Log.Info().Int("port", discovered).Msg("connected to host via discovery")
	return conn, discovered, nil
}

func (c *Client) dial(ctx context.Context, port int) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dctx, fmt.Sprintf("ws://127.0.0.1:%d", port), nil)
	return conn, err
}

// session drives the state machine over one connection: status check,
// authentication, parameter registration, then streaming. It returns on
// the first transport error; the caller reconnects.
func (c *Client) session(ctx context.Context, conn *websocket.Conn) error {
	tok, err := c.tokens.Load()
	if err != nil {
		logx.Log.Warn().Err(err).Msg("unable to read cached token")
	}
	c.token = tok
	c.queue = c.queue[:0]
	c.lastFaceFound = false

	if err := c.pushBack(typeAPIStateRequest, nil); err != nil {
		return err
	}
	for _, def := range c.set.CustomDefinitions() {
		data := parameterCreationData{
			ParameterName: def.Name,
			Explanation:   parameterExplanation,
			Min:           def.Min,
			Max:           def.Max,
			DefaultValue:  def.DefaultValue,
		}
		if err := c.pushBack(typeParameterCreationRequest, data); err != nil {
			return err
		}
	}
	c.syncState()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		// Strict discipline: exactly one request in flight. The front of
		// the queue is (re)sent until its response arrives; only an empty
		// queue streams tracking data.
		if len(c.queue) > 0 {
			front := c.queue[0]
			if err := conn.Write(ctx, websocket.MessageText, front.frame); err != nil {
				return fmt.Errorf("send %s: %w", front.messageType, err)
			}
		} else {
			frame, ok := c.mailbox.TryTake()
			var sent bool
			if ok {
				sent, err = c.sendInjection(ctx, conn, frame)
				if err != nil {
					return err
				}
			}
			if !sent {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(streamPollInterval):
				}
				continue
			}
		}

		data, err := c.readResponse(ctx, conn)
		if err != nil {
			return err
		}
		c.handleResponse(data)
	}
}

// sendInjection maps the frame and streams the result. A frame without a
// tracked face sends one clearing injection per face loss so the host stops
// applying stale overrides; further faceless frames send nothing.
func (c *Client) sendInjection(ctx context.Context, conn *websocket.Conn, frame tracking.Frame) (bool, error) {
	params := c.set.Map(frame)

	if !frame.FaceFound {
		if !c.lastFaceFound {
			return false, nil
		}
		c.lastFaceFound = false
		params = []transform.ParameterValue{}
	} else {
		c.lastFaceFound = true
		if len(params) == 0 {
			return false, nil
		}
	}

	b, err := marshalRequest(typeInjectRequest, injectData{
		FaceFound:       frame.FaceFound,
		Mode:            "set",
		ParameterValues: params,
	})
	if err != nil {
		logx.Log.Error().Err(err).Msg("unable to encode injection request")
		return false, nil
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		return false, fmt.Errorf("send injection: %w", err)
	}
	injectionsTotal.Inc()
	return true, nil
}

// readResponse blocks until the next substantive host frame. Ping/pong
// frames are consumed by the transport and never surface here. The wait is
// bounded by ResponseTimeout; on expiry the read fails and the session ends.
func (c *Client) readResponse(ctx context.Context, conn *websocket.Conn) ([]byte, error) {
	rctx := ctx
	if c.cfg.ResponseTimeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, c.cfg.ResponseTimeout)
		defer cancel()
	}
	_, data, err := conn.Read(rctx)
	if err != nil {
		var ce websocket.CloseError
		if errors.As(err, &ce) {
			return nil, fmt.Errorf("host closed connection: %s (%d)", ce.Reason, ce.Code)
		}
		return nil, fmt.Errorf("read host response: %w", err)
	}
	return data, nil
}

// handleResponse advances the state machine on one decoded host message.
// Responses that acknowledge the in-flight request pop it; recovery
// messages are pushed to the front so they are sent before anything else.
func (c *Client) handleResponse(data []byte) {
	resp, err := decodeResponse(data)
	if err != nil {
		// Not the awaited response; leave the in-flight request pending.
		logx.Log.Warn().Err(err).Msg("unusable host message")
		return
	}

	switch resp.MessageType {
	case typeAPIStateResponse:
		c.popFront()
		if resp.APIState.CurrentSessionAuthenticated {
			logx.Log.Info().Str("version", resp.APIState.Version).Msg("host session already authenticated")
		} else {
			c.pushFrontAuth()
		}
	case typeAuthTokenResponse:
		// Persist before the auth request goes out so a crash between the
		// two never loses an issued token.
		if err := c.tokens.Save(resp.AuthToken.AuthenticationToken); err != nil {
			logx.Log.Error().Err(err).Msg("unable to persist token")
		}
		c.token = resp.AuthToken.AuthenticationToken
		logx.Log.Info().Msg("received token from host")
		c.popFront()
		c.pushFrontAuth()
	case typeAuthResponse:
		c.popFront()
		if resp.Auth.Authenticated {
			logx.Log.Info().Msg("authenticated with host")
		} else {
			// Applies in any state: a revoked token is cleared everywhere
			// before a fresh one is requested.
			logx.Log.Warn().Str("reason", resp.Auth.Reason).Msg("token rejected; requesting a new one")
			c.token = ""
			if err := c.tokens.Clear(); err != nil {
				logx.Log.Error().Err(err).Msg("unable to delete token")
			}
			c.pushFrontAuth()
		}
	case typeParameterCreationResponse:
		c.popFront()
	case typeInjectResponse:
		// Streaming ack; injections are never queued.
	case typeAPIError:
		hostErrorsTotal.Inc()
		switch resp.APIError.ErrorID {
		case errIDParameterExists, errIDParameterDefault:
			// Registration is idempotent: an existing parameter is success.
			c.popFront()
		case errIDNoParameterData:
			// Informational; triggered by the clearing injection.
		default:
			logx.Log.Error().Int("error_id", resp.APIError.ErrorID).Str("message", resp.APIError.Message).Msg("unknown host error")
		}
	default:
		logx.Log.Warn().Str("message_type", resp.MessageType).Msg("unknown host message")
	}
	c.syncState()
}

func (c *Client) pushBack(messageType string, data any) error {
	b, err := marshalRequest(messageType, data)
	if err != nil {
		return err
	}
	c.queue = append(c.queue, pending{messageType: messageType, frame: b})
	return nil
}

func (c *Client) pushFront(messageType string, data any) {
	b, err := marshalRequest(messageType, data)
	if err != nil {
		logx.Log.Error().Str("message_type", messageType).Err(err).Msg("unable to encode request")
		return
	}
	c.queue = append([]pending{{messageType: messageType, frame: b}}, c.queue...)
}

// pushFrontAuth queues the next authentication step: an auth request when a
// token is held, otherwise a token request (which requires the user to
// accept the host's popup).
func (c *Client) pushFrontAuth() {
	if c.token != "" {
		logx.Log.Info().Msg("authenticating with host")
		c.pushFront(typeAuthRequest, authRequestData{
			PluginName:          c.cfg.PluginName,
			PluginDeveloper:     c.cfg.PluginDeveloper,
			AuthenticationToken: c.token,
		})
		return
	}
	logx.Log.Info().Msg("requesting token; accept the popup in the host")
	c.pushFront(typeAuthTokenRequest, authTokenRequestData{
		PluginName:      c.cfg.PluginName,
		PluginDeveloper: c.cfg.PluginDeveloper,
	})
}

func (c *Client) popFront() {
	if len(c.queue) > 0 {
		c.queue = c.queue[1:]
	}
}

// syncState derives the reported state from the front of the queue.
func (c *Client) syncState() {
	if len(c.queue) == 0 {
		c.setState(StateStreaming)
		return
	}
	switch c.queue[0].messageType {
	case typeAPIStateRequest:
		c.setState(StateAwaitingStatus)
	case typeAuthTokenRequest:
		c.setState(StateAwaitingToken)
	case typeAuthRequest:
		c.setState(StateAwaitingAuth)
	case typeParameterCreationRequest:
		c.setState(StateRegistering)
	}
}
