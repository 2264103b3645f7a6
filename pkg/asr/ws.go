package asr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/api/iterator"

	"github.com/quillaudio/quill/pkg/audio/pcm"
)

// wireMessage is the server-to-client frame format.
type wireMessage struct {
	Type    string  `json:"type"` // "tokens" or "error"
	Final   []Token `json:"final,omitempty"`
	Partial []Token `json:"partial,omitempty"`
	Message string  `json:"message,omitempty"`
}

// startMessage opens a recognition session.
type startMessage struct {
	Type       string `json:"type"` // "start"
	Format     string `json:"format"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Diarize    bool   `json:"diarize"`
}

type batchOrError struct {
	batch *Batch
	err   error
}

// WSStream is a TokenStream over a WebSocket connection to a streaming
// recognizer. Audio is sent as binary frames of little-endian 16-bit PCM;
// token batches arrive as JSON text frames.
type WSStream struct {
	conn    *websocket.Conn
	batchCh chan batchOrError
	closeCh chan struct{}

	writeMu   sync.Mutex
	sendDone  bool
	closeOnce sync.Once
}

var _ TokenStream = (*WSStream)(nil)

// WSConfig configures DialWS.
type WSConfig struct {
	// Header is sent with the handshake request (auth tokens etc).
	Header http.Header

	// SampleRate of the audio that will be sent. Default 16000.
	SampleRate int

	// HandshakeTimeout bounds the WebSocket handshake. Default 10s.
	HandshakeTimeout time.Duration
}

// DialWS connects to a recognizer at url and opens a diarizing
// recognition session.
func DialWS(ctx context.Context, url string, cfg *WSConfig) (*WSStream, error) {
	if cfg == nil {
		cfg = &WSConfig{}
	}
	sampleRate := cfg.SampleRate
	if sampleRate == 0 {
		sampleRate = 16000
	}
	handshakeTimeout := cfg.HandshakeTimeout
	if handshakeTimeout == 0 {
		handshakeTimeout = 10 * time.Second
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, url, cfg.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("asr: connect %s: %w (http %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("asr: connect %s: %w", url, err)
	}

	s := &WSStream{
		conn:    conn,
		batchCh: make(chan batchOrError, 100),
		closeCh: make(chan struct{}),
	}
	if err := conn.WriteJSON(startMessage{
		Type:       "start",
		Format:     "pcm_s16le",
		SampleRate: sampleRate,
		Channels:   1,
		Diarize:    true,
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("asr: start session: %w", err)
	}

	go s.readLoop()
	return s, nil
}

// Next returns the next token batch, iterator.Done when the recognizer
// has closed the stream, or ctx.Err on cancellation.
func (s *WSStream) Next(ctx context.Context) (*Batch, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case boe, ok := <-s.batchCh:
		if !ok {
			return nil, iterator.Done
		}
		if boe.err != nil {
			return nil, boe.err
		}
		return boe.batch, nil
	}
}

// Send submits mono float32 PCM samples as one binary frame.
func (s *WSStream) Send(samples []float32) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.sendDone {
		return fmt.Errorf("asr: send after CloseSend")
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, pcm.Float32ToInt16(samples))
}

// CloseSend tells the recognizer no more audio is coming. The server
// finalizes the pending hypothesis and closes its side, after which Next
// returns iterator.Done.
func (s *WSStream) CloseSend() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.sendDone {
		return nil
	}
	s.sendDone = true
	return s.conn.WriteJSON(wireMessage{Type: "end"})
}

// Close tears down the connection. Safe to call more than once.
func (s *WSStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closeCh)
		err = s.conn.Close()
	})
	return err
}

func (s *WSStream) readLoop() {
	defer close(s.batchCh)

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closeCh:
				// Local close: treat as normal end of stream.
			default:
				if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					return
				}
				s.deliver(batchOrError{err: fmt.Errorf("asr: read: %w", err)})
			}
			return
		}

		var msg wireMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			s.deliver(batchOrError{err: fmt.Errorf("asr: bad frame: %w", err)})
			continue
		}

		switch msg.Type {
		case "tokens":
			s.deliver(batchOrError{batch: &Batch{Final: msg.Final, Partial: msg.Partial}})
		case "error":
			s.deliver(batchOrError{err: fmt.Errorf("asr: server: %s", msg.Message)})
		default:
			// Ignore unknown frame types for forward compatibility.
		}
	}
}

func (s *WSStream) deliver(boe batchOrError) {
	select {
	case <-s.closeCh:
	case s.batchCh <- boe:
	}
}
