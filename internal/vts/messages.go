// Package vts implements the WebSocket protocol client for the
// VTube Studio–compatible puppeteering host: discovery, authentication,
// parameter registration, and the streaming loop.
package vts

import (
	"encoding/json"
	"fmt"

	"github.com/ovROG/rusty-bridge/internal/transform"
)

const (
	apiName    = "VTubeStudioPublicAPI"
	apiVersion = "1.0"

	// The host echoes the request ID back but the protocol discipline is
	// strictly one request in flight, so a fixed ID is sufficient.
	requestID = "iiii"
)

// Request message types recognized by the host.
const (
	typeAPIStateRequest          = "APIStateRequest"
	typeAuthTokenRequest         = "AuthenticationTokenRequest"
	typeAuthRequest              = "AuthenticationRequest"
	typeParameterCreationRequest = "ParameterCreationRequest"
	typeInjectRequest            = "InjectParameterDataRequest"
)

// Response message types recognized by the client.
const (
	typeAPIStateResponse          = "APIStateResponse"
	typeAuthTokenResponse         = "AuthenticationTokenResponse"
	typeAuthResponse              = "AuthenticationResponse"
	typeParameterCreationResponse = "ParameterCreationResponse"
	typeInjectResponse            = "InjectParameterDataResponse"
	typeAPIError                  = "APIError"
)

// Host error IDs the client understands.
const (
	errIDParameterExists  = 352
	errIDParameterDefault = 354
	errIDNoParameterData  = 450
)

// requestEnvelope is the outbound message envelope.
type requestEnvelope struct {
	APIName     string `json:"apiName"`
	APIVersion  string `json:"apiVersion"`
	RequestID   string `json:"requestID"`
	MessageType string `json:"messageType"`
	Data        any    `json:"data,omitempty"`
}

// responseEnvelope mirrors the request envelope plus a host timestamp; the
// data payload is decoded in a second pass keyed on MessageType.
type responseEnvelope struct {
	APIName     string          `json:"apiName"`
	APIVersion  string          `json:"apiVersion"`
	Timestamp   int64           `json:"timestamp"`
	RequestID   string          `json:"requestID"`
	MessageType string          `json:"messageType"`
	Data        json.RawMessage `json:"data"`
}

type authTokenRequestData struct {
	PluginName      string `json:"pluginName"`
	PluginDeveloper string `json:"pluginDeveloper"`
}

type authRequestData struct {
	PluginName          string `json:"pluginName"`
	PluginDeveloper     string `json:"pluginDeveloper"`
	AuthenticationToken string `json:"authenticationToken"`
}

type parameterCreationData struct {
	ParameterName string  `json:"parameterName"`
	Explanation   string  `json:"explanation"`
	Min           float64 `json:"min"`
	Max           float64 `json:"max"`
	DefaultValue  float64 `json:"defaultValue"`
}

type injectData struct {
	FaceFound       bool                       `json:"faceFound"`
	Mode            string                     `json:"mode"`
	ParameterValues []transform.ParameterValue `json:"parameterValues"`
}

// discoveryData is the payload of the host's UDP broadcast announcement.
// Only the port is consumed.
type discoveryData struct {
	Active      bool   `json:"active"`
	Port        int    `json:"port"`
	InstanceID  string `json:"instanceID"`
	WindowTitle string `json:"windowTitle"`
}

type apiStateData struct {
	Active                      bool   `json:"active"`
	Version                     string `json:"vTubeStudioVersion"`
	CurrentSessionAuthenticated bool   `json:"currentSessionAuthenticated"`
}

type authTokenData struct {
	AuthenticationToken string `json:"authenticationToken"`
}

type authData struct {
	Authenticated bool   `json:"authenticated"`
	Reason        string `json:"reason"`
}

type apiErrorData struct {
	ErrorID int    `json:"errorID"`
	Message string `json:"message"`
}

// response is the decoded host message: exactly one variant field is set
// for recognized message types, otherwise only MessageType and Raw.
type response struct {
	MessageType string
	APIState    *apiStateData
	AuthToken   *authTokenData
	Auth        *authData
	APIError    *apiErrorData
	Raw         json.RawMessage
}

// decodeResponse decodes a host frame once at the boundary into the closed
// response variant.
func decodeResponse(b []byte) (*response, error) {
	var env responseEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decode response envelope: %w", err)
	}
	if env.MessageType == "" {
		return nil, fmt.Errorf("response without message type")
	}

	resp := &response{MessageType: env.MessageType, Raw: env.Data}
	var err error
	switch env.MessageType {
	case typeAPIStateResponse:
		resp.APIState = &apiStateData{}
		err = json.Unmarshal(env.Data, resp.APIState)
	case typeAuthTokenResponse:
		resp.AuthToken = &authTokenData{}
		err = json.Unmarshal(env.Data, resp.AuthToken)
	case typeAuthResponse:
		resp.Auth = &authData{}
		err = json.Unmarshal(env.Data, resp.Auth)
	case typeAPIError:
		resp.APIError = &apiErrorData{}
		err = json.Unmarshal(env.Data, resp.APIError)
	case typeParameterCreationResponse, typeInjectResponse:
		// acknowledged by type alone; payload not consumed
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s data: %w", env.MessageType, err)
	}
	return resp, nil
}

// marshalRequest builds the outbound envelope for one request.
func marshalRequest(messageType string, data any) ([]byte, error) {
	b, err := json.Marshal(requestEnvelope{
		APIName:     apiName,
		APIVersion:  apiVersion,
		RequestID:   requestID,
		MessageType: messageType,
		Data:        data,
	})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", messageType, err)
	}
	return b, nil
}
