package http

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/samsamfire/gocanmsg/pkg/gateway"
)

type GatewayResponse interface {
	GetError() error
}

// HTTP response base
type GatewayResponseBase struct {
	// Response, can be "OK" or "ERROR:x"
	Response string `json:"response"`
}

func NewResponseBase(response string) *GatewayResponseBase {
	return &GatewayResponseBase{Response: response}
}

func NewResponseError(err *GatewayError) []byte {
	jData, _ := json.Marshal(map[string]string{"response": err.Error(), "description": err.Description()})
	return jData
}

func NewResponseSuccess() []byte {
	jData, _ := json.Marshal(map[string]string{"response": "OK"})
	return jData
}

// Extract error if any inside of reponse
func (resp *GatewayResponseBase) GetError() error {
	if !strings.HasPrefix(resp.Response, "ERROR:") {
		return nil
	}
	responseSplitted := strings.Split(resp.Response, ":")
	if len(responseSplitted) != 2 {
		return fmt.Errorf("error decoding error field ('ERROR:' : %v)", resp.Response)
	}
	errorCode, err := strconv.ParseUint(responseSplitted[1], 0, 64)
	if err != nil {
		return fmt.Errorf("error decoding error field ('ERROR:' : %v)", err)
	}
	return NewGatewayError(int(errorCode))
}

type MessagesResponse struct {
	*GatewayResponseBase
	Messages []string `json:"messages"`
}

type MessageResponse struct {
	*GatewayResponseBase
	*gateway.MessageState
}

type SignalResponse struct {
	*GatewayResponseBase
	Message string `json:"message"`
	Signal  string `json:"signal"`
	Value   any    `json:"value"`
}

// Body of a signal write, value is a JSON number or a string holding one
// e.g. {"value": 12.5} or {"value": "0x10"}
type WriteRequest struct {
	Value json.RawMessage `json:"value"`
}

// Text form of the requested value, as accepted by [network.Network.Write]
func (req *WriteRequest) text() (string, error) {
	if len(req.Value) == 0 {
		return "", ErrGwSyntaxError
	}
	var text string
	if err := json.Unmarshal(req.Value, &text); err == nil {
		return text, nil
	}
	var number json.Number
	if err := json.Unmarshal(req.Value, &number); err != nil {
		return "", ErrGwSyntaxError
	}
	return number.String(), nil
}
