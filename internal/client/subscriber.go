package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"pixelcanvas.ai/internal/canvas"
	"pixelcanvas.ai/internal/logging"
	"pixelcanvas.ai/internal/protocol"
)

const writeWait = 10 * time.Second

// Subscriber is a live connection to the canvasd update stream. Events are
// delivered in server order; EVENT_BATCH replays are flattened and RESYNC is
// surfaced as an Event of type TypeResync so Manager.ApplyEvent handles both.
type Subscriber struct {
	conn    *websocket.Conn
	welcome protocol.WelcomeMsg
	log     logrus.FieldLogger

	events chan protocol.Event
	acks   chan protocol.AckMsg
	done   chan struct{}

	wmu       sync.Mutex
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// Dial connects, sends SUBSCRIBE and waits for WELCOME.
func Dial(ctx context.Context, url, viewerName string, since uint64, log logrus.FieldLogger) (*Subscriber, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial: %w", canvas.ErrTransientFetch, err)
	}
	hello := protocol.SubscribeMsg{
		Type:            protocol.TypeSubscribe,
		ProtocolVersion: protocol.Version,
		ViewerName:      viewerName,
		SinceSeq:        since,
	}
	if err := conn.WriteJSON(hello); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send SUBSCRIBE: %w", err)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(dl)
	}
	_, msg, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: read WELCOME: %w", canvas.ErrTransientFetch, err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	var w protocol.WelcomeMsg
	if err := json.Unmarshal(msg, &w); err != nil || w.Type != protocol.TypeWelcome {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: expected WELCOME", canvas.ErrInvalidRequest)
	}

	s := &Subscriber{
		conn:    conn,
		welcome: w,
		log:     logging.OrDiscard(log).WithField("session", w.SessionID),
		events:  make(chan protocol.Event, 256),
		acks:    make(chan protocol.AckMsg, 16),
		done:    make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

func (s *Subscriber) Welcome() protocol.WelcomeMsg { return s.welcome }

// Events is closed when the connection ends; Err then reports why.
func (s *Subscriber) Events() <-chan protocol.Event { return s.events }

func (s *Subscriber) Acks() <-chan protocol.AckMsg { return s.acks }

func (s *Subscriber) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Submit sends a mutation; the outcome arrives on Acks with AckFor == id.
func (s *Subscriber) Submit(id string, req canvas.MutationRequest) error {
	msg := protocol.SubmitMsg{
		Type:            protocol.TypeSubmit,
		ProtocolVersion: protocol.Version,
		ID:              id,
		Request:         req,
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(msg)
}

func (s *Subscriber) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	s.wmu.Lock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	s.wmu.Unlock()
	return s.conn.Close()
}

func (s *Subscriber) fail(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

func (s *Subscriber) readLoop() {
	defer close(s.events)
	defer close(s.acks)
	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.fail(err)
			}
			return
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			s.log.WithError(err).Debug("bad frame")
			continue
		}
		switch base.Type {
		case protocol.TypeUpdate, protocol.TypeBatchUpdate:
			var ev protocol.Event
			if err := json.Unmarshal(msg, &ev); err != nil {
				continue
			}
			if !s.deliver(ev) {
				return
			}
		case protocol.TypeEventBatch:
			var b protocol.EventBatchMsg
			if err := json.Unmarshal(msg, &b); err != nil {
				continue
			}
			for _, ev := range b.Events {
				if !s.deliver(ev) {
					return
				}
			}
		case protocol.TypeResync:
			var r protocol.ResyncMsg
			if err := json.Unmarshal(msg, &r); err != nil {
				continue
			}
			s.log.WithField("reason", r.Reason).Info("server requested resync")
			if !s.deliver(protocol.Event{Type: protocol.TypeResync, Seq: r.Seq}) {
				return
			}
		case protocol.TypeAck:
			var a protocol.AckMsg
			if err := json.Unmarshal(msg, &a); err != nil {
				continue
			}
			select {
			case s.acks <- a:
			case <-s.done:
				return
			}
		default:
			s.log.WithField("type", base.Type).Debug("ignoring message")
		}
	}
}

func (s *Subscriber) deliver(ev protocol.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// AckError turns a rejected ACK into the error the HTTP API would return.
func AckError(a protocol.AckMsg) error {
	if a.Accepted {
		return nil
	}
	if len(a.Failures) > 0 {
		return &canvas.BatchError{Failures: a.Failures}
	}
	if a.Code == "" {
		return errors.New(a.Message)
	}
	return fmt.Errorf("%w: %s", protocol.ErrorFor(a.Code), a.Message)
}
