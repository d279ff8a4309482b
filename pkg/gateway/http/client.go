package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
	"github.com/samsamfire/gocanmsg/pkg/gateway"
	log "github.com/sirupsen/logrus"
)

type GatewayClient struct {
	http.Client
	baseURL string
}

func NewGatewayClient(baseURL string) *GatewayClient {
	return &GatewayClient{
		Client:  http.Client{Timeout: 5 * time.Second},
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}
}

// HTTP request to the gateway
// Does error checking : http related errors, json decode errors
// or actual gateway errors
func (client *GatewayClient) Do(method string, uri string, body io.Reader, response GatewayResponse) error {
	req, err := http.NewRequest(method, client.baseURL+uri, body)
	if err != nil {
		log.Errorf("[HTTP][CLIENT] failed to create request : %v", err)
		return err
	}
	httpResp, err := client.Client.Do(req)
	if err != nil {
		log.Errorf("[HTTP][CLIENT] failed request : %v", err)
		return err
	}
	defer httpResp.Body.Close()
	err = json.NewDecoder(httpResp.Body).Decode(response)
	if err != nil {
		log.Errorf("[HTTP][CLIENT] failed to decode response : %v", err)
		return err
	}
	return response.GetError()
}

func messagePath(names ...string) string {
	escaped := make([]string, len(names))
	for i, name := range names {
		escaped[i] = url.PathEscape(name)
	}
	return "/messages/" + strings.Join(escaped, "/")
}

// Names of all the messages of the gateway
func (client *GatewayClient) Messages() ([]string, error) {
	resp := new(MessagesResponse)
	err := client.Do(http.MethodGet, "/messages", nil, resp)
	return resp.Messages, err
}

// State of a message with all its signal values
func (client *GatewayClient) State(name string) (*gateway.MessageState, error) {
	resp := &MessageResponse{MessageState: &gateway.MessageState{}}
	err := client.Do(http.MethodGet, messagePath(name), nil, resp)
	if err != nil {
		return nil, err
	}
	return resp.MessageState, nil
}

// Read a signal value, numbers are decoded as float64
func (client *GatewayClient) Read(message string, signal string) (any, error) {
	resp := new(SignalResponse)
	err := client.Do(http.MethodGet, messagePath(message, signal), nil, resp)
	return resp.Value, err
}

// Write a signal value, value is a number or a string holding one
func (client *GatewayClient) Write(message string, signal string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	encodedReq, err := json.Marshal(WriteRequest{Value: raw})
	if err != nil {
		return err
	}
	resp := new(GatewayResponseBase)
	return client.Do(http.MethodPut, messagePath(message, signal), bytes.NewBuffer(encodedReq), resp)
}

// Stream of message states pushed by the gateway
type Stream struct {
	conn   *websocket.Conn
	format string
}

// Open a stream, format is [FormatJSON] or [FormatCBOR].
// period <= 0 uses the gateway default, no names streams every message.
func (client *GatewayClient) Stream(ctx context.Context, format string, period time.Duration, names ...string) (*Stream, error) {
	u, err := url.Parse(client.baseURL + "/stream")
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	query := url.Values{}
	query.Set("format", format)
	if period > 0 {
		query.Set("period", fmt.Sprint(period.Milliseconds()))
	}
	if len(names) > 0 {
		query.Set("messages", strings.Join(names, ","))
	}
	u.RawQuery = query.Encode()
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("stream connection failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("stream connection failed: %w", err)
	}
	return &Stream{conn: conn, format: format}, nil
}

// Next blocks until the next message state is received
func (s *Stream) Next() (*gateway.MessageState, error) {
	messageType, data, err := s.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	state := new(gateway.MessageState)
	switch messageType {
	case websocket.BinaryMessage:
		err = cbor.Unmarshal(data, state)
	default:
		err = json.Unmarshal(data, state)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %v state: %w", s.format, err)
	}
	return state, nil
}

func (s *Stream) Close() error {
	_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return s.conn.Close()
}
