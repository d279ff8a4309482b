package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
	"github.com/samsamfire/gocanmsg/pkg/gateway"
	log "github.com/sirupsen/logrus"
)

const (
	FormatJSON = "json"
	FormatCBOR = "cbor"

	streamWriteTimeout = time.Second
)

// Parameters of a stream, from the query string :
// format=json|cbor, period=<ms>, messages=<name>,<name>
type streamParams struct {
	format   string
	period   time.Duration
	messages []string
}

func (gw *GatewayServer) parseStreamParams(r *http.Request) (*streamParams, error) {
	query := r.URL.Query()
	params := &streamParams{format: FormatJSON, period: gw.streamPeriod}
	if format := query.Get("format"); format != "" {
		if format != FormatJSON && format != FormatCBOR {
			return nil, ErrGwSyntaxError
		}
		params.format = format
	}
	if period := query.Get("period"); period != "" {
		ms, err := strconv.ParseUint(period, 10, 32)
		if err != nil || ms == 0 {
			return nil, ErrGwSyntaxError
		}
		params.period = time.Duration(ms) * time.Millisecond
	}
	if names := query.Get("messages"); names != "" {
		for _, name := range strings.Split(names, ",") {
			if _, err := gw.Network().Message(name); err != nil {
				return nil, err
			}
			params.messages = append(params.messages, name)
		}
	} else {
		params.messages = gw.MessageNames()
	}
	return params, nil
}

// Encode a state for the stream, JSON is sent as text and CBOR as binary
func encodeState(format string, state *gateway.MessageState) (int, []byte, error) {
	if format == FormatCBOR {
		data, err := cbor.Marshal(state)
		return websocket.BinaryMessage, data, err
	}
	data, err := json.Marshal(state)
	return websocket.TextMessage, data, err
}

// Websocket stream of message states. Every period, each message whose
// sequence changed since the last push is sent. The first push sends all
// of them.
func (gw *GatewayServer) handleStream(w http.ResponseWriter, r *http.Request) {
	params, err := gw.parseStreamParams(r)
	if err != nil {
		gwErr := toGatewayError(err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(gwErr.Status())
		_, _ = w.Write(NewResponseError(gwErr))
		return
	}
	conn, err := gw.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("[HTTP] websocket upgrade failed : %v", err)
		return
	}
	defer conn.Close()
	log.Infof("[HTTP] stream opened by %v | format : %v | period : %v", r.RemoteAddr, params.format, params.period)

	// Incoming messages are discarded, a read error means the peer is gone
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(params.period)
	defer ticker.Stop()
	sent := make(map[string]uint64, len(params.messages))
	for {
		for _, name := range params.messages {
			state, err := gw.State(name)
			if err != nil {
				continue
			}
			if last, ok := sent[name]; ok && last == state.Sequence {
				continue
			}
			sent[name] = state.Sequence
			messageType, data, err := encodeState(params.format, state)
			if err != nil {
				log.Errorf("[HTTP] failed to encode %v : %v", name, err)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteMessage(messageType, data); err != nil {
				log.Debugf("[HTTP] stream closed : %v", err)
				return
			}
		}
		select {
		case <-closed:
			log.Debugf("[HTTP] stream closed by %v", r.RemoteAddr)
			return
		case <-ticker.C:
		}
	}
}
