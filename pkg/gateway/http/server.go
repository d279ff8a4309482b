package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samsamfire/gocanmsg/pkg/gateway"
	"github.com/samsamfire/gocanmsg/pkg/message"
	"github.com/samsamfire/gocanmsg/pkg/network"
	log "github.com/sirupsen/logrus"
)

const API_VERSION = "1.0"
const DefaultStreamPeriod = 100 * time.Millisecond

// Handle a request, the returned value is sent back as JSON.
// A nil value with no error is answered with a default success.
type GatewayRequestHandler func(r *http.Request) (any, error)

type GatewayServer struct {
	*gateway.BaseGateway
	serveMux     *http.ServeMux
	upgrader     websocket.Upgrader
	streamPeriod time.Duration
}

// Create a new gateway
func NewGatewayServer(network *network.Network) *GatewayServer {
	gw := &GatewayServer{
		BaseGateway:  gateway.NewBaseGateway(network),
		serveMux:     http.NewServeMux(),
		streamPeriod: DefaultStreamPeriod,
	}
	gw.addRoute("GET /messages", gw.handleMessages)
	gw.addRoute("GET /messages/{msg}", gw.handleMessage)
	gw.addRoute("GET /messages/{msg}/{sig}", gw.handleRead)
	gw.addRoute("PUT /messages/{msg}/{sig}", gw.handleWrite)
	gw.addRoute("GET /info/version", gw.handleVersion)
	gw.serveMux.HandleFunc("GET /stream", gw.handleStream)
	return gw
}

// Process server, blocking
func (gw *GatewayServer) ListenAndServe(addr string) error {
	log.Infof("[HTTP] gateway listening on %v", addr)
	return http.ListenAndServe(addr, gw.serveMux)
}

func (gw *GatewayServer) Handler() http.Handler {
	return gw.serveMux
}

// Default period at which the stream checks for message updates
func (gw *GatewayServer) SetStreamPeriod(period time.Duration) {
	if period > 0 {
		gw.streamPeriod = period
	}
}

// Add a route to the server for handling a specific command
func (gw *GatewayServer) addRoute(pattern string, handler GatewayRequestHandler) {
	gw.serveMux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		log.Debugf("[HTTP] %v %v", r.Method, r.URL)
		w.Header().Set("Content-Type", "application/json")
		resp, err := handler(r)
		if err != nil {
			gwErr := toGatewayError(err)
			log.Debugf("[HTTP] %v %v failed : %v", r.Method, r.URL, err)
			w.WriteHeader(gwErr.Status())
			_, _ = w.Write(NewResponseError(gwErr))
			return
		}
		if resp == nil {
			_, _ = w.Write(NewResponseSuccess())
			return
		}
		respRaw, err := json.Marshal(resp)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write(NewResponseError(ErrGwRequestNotProcessed))
			return
		}
		_, _ = w.Write(respRaw)
	})
}

func (gw *GatewayServer) handleMessages(r *http.Request) (any, error) {
	return MessagesResponse{
		GatewayResponseBase: NewResponseBase("OK"),
		Messages:            gw.MessageNames(),
	}, nil
}

func (gw *GatewayServer) handleMessage(r *http.Request) (any, error) {
	state, err := gw.State(r.PathValue("msg"))
	if err != nil {
		return nil, err
	}
	return MessageResponse{
		GatewayResponseBase: NewResponseBase("OK"),
		MessageState:        state,
	}, nil
}

func (gw *GatewayServer) handleRead(r *http.Request) (any, error) {
	msg, sig := r.PathValue("msg"), r.PathValue("sig")
	value, err := gw.Read(msg, sig)
	if err != nil {
		return nil, err
	}
	return SignalResponse{
		GatewayResponseBase: NewResponseBase("OK"),
		Message:             msg,
		Signal:              sig,
		Value:               value,
	}, nil
}

func (gw *GatewayServer) handleWrite(r *http.Request) (any, error) {
	msg, sig := r.PathValue("msg"), r.PathValue("sig")
	var req WriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, ErrGwSyntaxError
	}
	text, err := req.text()
	if err != nil {
		return nil, err
	}
	m, err := gw.Network().Message(msg)
	if err != nil {
		return nil, err
	}
	if m.Direction() != message.Transmit {
		return nil, ErrGwReadOnly
	}
	return nil, gw.Write(msg, sig, text)
}

type VersionInfo struct {
	*GatewayResponseBase
	ApiVersion string `json:"api_version"`
}

func (gw *GatewayServer) handleVersion(r *http.Request) (any, error) {
	return VersionInfo{
		GatewayResponseBase: NewResponseBase("OK"),
		ApiVersion:          API_VERSION,
	}, nil
}
