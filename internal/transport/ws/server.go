package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"pixelcanvas.ai/internal/broadcast"
	"pixelcanvas.ai/internal/canvas"
	"pixelcanvas.ai/internal/logging"
	"pixelcanvas.ai/internal/protocol"
)

const (
	handshakeWait = 5 * time.Second
	readWait      = 60 * time.Second
	writeWait     = 5 * time.Second
	maxQueueCap   = 4096
)

type Server struct {
	hub    *broadcast.Hub
	log    logrus.FieldLogger
	buffer int

	upgrader websocket.Upgrader
}

// NewServer serves the live update stream of hub. buffer is the per-viewer
// event queue used when SUBSCRIBE does not ask for one.
func NewServer(hub *broadcast.Hub, buffer int, log logrus.FieldLogger) *Server {
	if buffer <= 0 {
		buffer = 256
	}
	return &Server{
		hub:    hub,
		log:    logging.OrDiscard(log),
		buffer: buffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sub, log := s.handshake(conn)
		if sub == nil {
			return
		}
		defer s.hub.Unsubscribe(sub)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Replies to SUBMIT share the writer with the event stream.
		acks := make(chan protocol.AckMsg, 16)

		// Writer goroutine.
		go func() {
			defer cancel()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-sub.Events():
					if !ok {
						reason := sub.Reason()
						log.WithField("reason", reason).Info("subscription ended")
						_ = writeJSON(conn, protocol.ResyncMsg{
							Type:            protocol.TypeResync,
							ProtocolVersion: protocol.Version,
							Reason:          reason,
							Seq:             s.hub.Seq(),
						})
						_ = conn.WriteControl(websocket.CloseMessage,
							websocket.FormatCloseMessage(websocket.CloseTryAgainLater, reason), time.Now().Add(time.Second))
						return
					}
					if err := writeJSON(conn, ev); err != nil {
						return
					}
				case a := <-acks:
					if err := writeJSON(conn, a); err != nil {
						return
					}
				}
			}
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(readWait))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				break
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil || base.Type != protocol.TypeSubmit {
				continue
			}
			ack := s.submit(ctx, msg, log)
			select {
			case acks <- ack:
			case <-ctx.Done():
			}
		}
	}
}

func (s *Server) submit(ctx context.Context, msg []byte, log logrus.FieldLogger) protocol.AckMsg {
	ack := protocol.AckMsg{Type: protocol.TypeAck, ProtocolVersion: protocol.Version}
	var m protocol.SubmitMsg
	if err := json.Unmarshal(msg, &m); err != nil {
		ack.Code = protocol.ErrProtoBadRequest
		ack.Message = err.Error()
		return ack
	}
	ack.AckFor = m.ID
	if m.ProtocolVersion != protocol.Version {
		ack.Code = protocol.ErrProtoBadRequest
		ack.Message = "bad protocol_version"
		return ack
	}
	if err := protocol.Validate(protocol.TypeSubmit, msg); err != nil {
		ack.Code = protocol.ErrProtoBadRequest
		ack.Message = err.Error()
		return ack
	}

	applied, err := s.hub.Apply(ctx, m.Request)
	if err != nil {
		ack.Code = protocol.CodeFor(err)
		ack.Message = err.Error()
		ack.Failures = applied.Failures
		var be *canvas.BatchError
		if len(ack.Failures) == 0 && errors.As(err, &be) {
			ack.Failures = be.Failures
		}
		log.WithError(err).WithField("ack_for", m.ID).Debug("submit rejected")
		return ack
	}
	ack.Accepted = true
	ack.Seq = applied.Seq
	ack.Applied = len(applied.Cells)
	ack.Failures = applied.Failures
	return ack
}

func (s *Server) handshake(conn *websocket.Conn) (*broadcast.Subscription, logrus.FieldLogger) {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeWait))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil, nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeSubscribe {
		reject(conn, "expected SUBSCRIBE")
		return nil, nil
	}
	if base.ProtocolVersion != protocol.Version {
		reject(conn, "bad protocol_version")
		return nil, nil
	}
	if err := protocol.Validate(protocol.TypeSubscribe, msg); err != nil {
		reject(conn, "bad SUBSCRIBE")
		return nil, nil
	}
	var hello protocol.SubscribeMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		reject(conn, "bad SUBSCRIBE")
		return nil, nil
	}
	if hello.ViewerName == "" {
		hello.ViewerName = "viewer"
	}

	buf := hello.MaxQueue
	if buf <= 0 {
		buf = s.buffer
	}
	if buf > maxQueueCap {
		buf = maxQueueCap
	}

	sub, replay, err := s.hub.SubscribeSince(buf, hello.SinceSeq)
	if sub == nil {
		reject(conn, "server shutting down")
		return nil, nil
	}
	log := s.log.WithFields(logrus.Fields{"session": sessionID(sub), "viewer": hello.ViewerName})

	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       sessionID(sub),
		Seq:             sub.StartSeq(),
		Grid:            s.hub.Grid(),
		MaxBatchCells:   s.hub.MaxBatchCells(),
	}
	if err := writeJSON(conn, welcome); err != nil {
		s.hub.Unsubscribe(sub)
		return nil, nil
	}

	resync := ""
	switch {
	case errors.Is(err, broadcast.ErrGap):
		resync = "backlog exhausted"
	case hello.SinceSeq > sub.StartSeq():
		resync = "client ahead of server"
	}
	if resync != "" {
		log.WithField("since", hello.SinceSeq).Info(resync)
		err = writeJSON(conn, protocol.ResyncMsg{
			Type:            protocol.TypeResync,
			ProtocolVersion: protocol.Version,
			Reason:          resync,
			Seq:             sub.StartSeq(),
		})
	} else if len(replay) > 0 {
		err = writeJSON(conn, protocol.EventBatchMsg{
			Type:            protocol.TypeEventBatch,
			ProtocolVersion: protocol.Version,
			Events:          replay,
			NextSeq:         sub.StartSeq() + 1,
		})
	} else {
		err = nil
	}
	if err != nil {
		s.hub.Unsubscribe(sub)
		return nil, nil
	}
	log.Debug("viewer subscribed")
	return sub, log
}

func sessionID(sub *broadcast.Subscription) string { return fmt.Sprintf("S%06d", sub.ID()) }

func reject(conn *websocket.Conn, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), time.Now().Add(time.Second))
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, b)
}
