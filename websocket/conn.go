package websocket

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json/v2"
	"net"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/coregx/wsengine/internal/wslog"
)

// defaultMaxMessage bounds the total size of a reassembled (possibly
// fragmented) message, independent of the per-frame limit ReaderState
// enforces. RFC 6455 does not define a message size cap; this default
// matches a common production ceiling.
const defaultMaxMessage = 64 * 1024 * 1024

// Conn represents a WebSocket connection (RFC 6455).
//
// Conn provides high-level methods for reading and writing messages,
// automatically handling:
//   - Message fragmentation (reassembly of multi-frame messages)
//   - Control frames (Ping, Pong, Close)
//   - UTF-8 validation for text messages
//   - Thread-safe writes
//
// Example Usage:
//
//	conn, err := websocket.Upgrade(w, r, nil)
//	if err != nil {
//	    return err
//	}
//	defer conn.Close()
//
//	// Read message
//	msgType, data, err := conn.Read()
//
//	// Write text message
//	conn.WriteText("Hello, WebSocket!")
//
//	// Write JSON
//	conn.WriteJSON(map[string]string{"status": "ok"})
type Conn struct {
	id     uuid.UUID
	conn   net.Conn      // Underlying TCP connection
	reader *bufio.Reader // Buffered reader for frame parsing
	writer *bufio.Writer // Buffered writer for frame writing

	isServer bool // Server-side connection (affects masking rules)

	rs     *ReaderState // restartable frame parser, owned by this Conn alone
	masker Masker       // masking-key source for outbound client frames

	maxMessage int // cap on a reassembled message's total size

	logger zerolog.Logger

	// PingLimiter, if set, throttles automatic Pong replies to inbound
	// Pings. A peer flooding Pings cannot force unbounded Pong writes.
	PingLimiter *rate.Limiter

	// Write synchronization (RFC 6455 Section 5.1)
	// "An endpoint MUST NOT send a data frame while a fragmented message is being transmitted"
	writeMu sync.Mutex

	// Close synchronization
	closeOnce sync.Once
	closed    bool
	closeMu   sync.RWMutex

	// Fragment reassembly state
	fragmentBuf  bytes.Buffer // Accumulates fragmented message
	fragmentType byte         // Opcode of first fragment (text/binary)
	inFragment   bool         // Currently reading fragmented message
}

// newConn creates a new WebSocket connection (internal constructor).
//
// Called by Upgrade() after successful handshake.
// Not exported - users should call Upgrade() to create connections.
func newConn(ctx context.Context, netConn net.Conn, reader *bufio.Reader, writer *bufio.Writer, isServer bool, maxMessage int) *Conn {
	if maxMessage <= 0 {
		maxMessage = defaultMaxMessage
	}
	if ctx == nil {
		ctx = context.Background()
	}

	id := uuid.New()
	c := &Conn{
		id:         id,
		conn:       netConn,
		reader:     reader,
		writer:     writer,
		isServer:   isServer,
		rs:         NewReaderState(isServer, 0),
		masker:     defaultMasker,
		maxMessage: maxMessage,
		logger:     wslog.FromContext(ctx).With().Str("conn_id", id.String()).Bool("server", isServer).Logger(),
	}
	return c
}

// Read reads the next complete message from the connection.
//
// Automatically handles:
//   - Fragmentation: Reassembles multi-frame messages (FIN=0 → FIN=1)
//   - Control frames: Processes Ping/Pong/Close during message reading
//   - UTF-8 validation: For text messages (RFC 6455 Section 8.1)
//
// Returns:
//   - MessageType: TextMessage or BinaryMessage
//   - []byte: Complete message payload
//   - error: ErrClosed if connection closed, protocol errors, network errors
//
// Read is restartable at the frame boundary: the underlying ReaderState
// preserves parse progress across ErrWouldBlock, so a caller driving a
// non-blocking Stream can call Read again later without re-parsing bytes
// it already consumed.
//
// RFC 6455 Section 5.4: "A fragmented message consists of a single frame with
// the FIN bit clear and an opcode other than 0, followed by zero or more frames
// with the FIN bit clear and the opcode set to 0, and terminated by a single
// frame with the FIN bit set and an opcode of 0."
//
//nolint:gocyclo,cyclop,gocognit // Complex fragmentation+control frame handling per RFC 6455
func (c *Conn) Read() (MessageType, []byte, error) {
	c.closeMu.RLock()
	if c.closed {
		c.closeMu.RUnlock()
		return 0, nil, ErrClosed
	}
	c.closeMu.RUnlock()

	for {
		// Read next frame
		f, err := c.rs.ReadFrame(c.reader)
		if err != nil {
			if IsWouldBlock(err) {
				return 0, nil, err
			}
			if code := CloseCodeFor(err); code != 0 {
				c.logger.Warn().Err(err).Msg("closing connection after protocol violation")
				_ = c.CloseWithCode(code, "")
			}
			return 0, nil, err
		}

		// Handle control frames (RFC 6455 Section 5.5)
		// Control frames MAY be injected in the middle of a fragmented message
		switch f.opcode {
		case opcodePing:
			if c.PingLimiter != nil && !c.PingLimiter.Allow() {
				c.logger.Debug().Msg("dropping pong, ping rate exceeded")
				continue
			}
			// Auto-respond to Ping with Pong (echo application data)
			if err := c.Pong(f.payload); err != nil {
				return 0, nil, err
			}
			continue // Continue reading data frames

		case opcodePong:
			// Pong received (unsolicited or response to our Ping)
			// No action needed, just continue
			continue

		case opcodeClose:
			// Close frame received
			// RFC 6455 Section 5.5.1: Parse status code + reason
			c.handleCloseFrame(f.payload)
			return 0, nil, ErrClosed
		}

		// Data frames: Text, Binary, Continuation
		switch f.opcode {
		case opcodeText, opcodeBinary:
			// First frame of message (or unfragmented message)
			if f.fin {
				// Unfragmented message - return immediately
				msgType := MessageType(f.opcode)

				// Validate UTF-8 for text messages (RFC 6455 Section 8.1)
				if msgType == TextMessage && !utf8.Valid(f.payload) {
					_ = c.CloseWithCode(CloseInvalidFramePayloadData, "invalid UTF-8")
					return 0, nil, ErrInvalidUTF8
				}

				return msgType, f.payload, nil
			}

			// Start of fragmented message (FIN=0)
			if len(f.payload) > c.maxMessage {
				_ = c.CloseWithCode(CloseMessageTooBig, "")
				return 0, nil, ErrMessageTooLarge
			}
			c.inFragment = true
			c.fragmentType = f.opcode
			c.fragmentBuf.Reset()
			c.fragmentBuf.Write(f.payload)

		case opcodeContinuation:
			// Continuation frame
			if !c.inFragment {
				// Unexpected continuation (no prior fragment)
				_ = c.CloseWithCode(CloseProtocolError, "unexpected continuation")
				return 0, nil, ErrUnexpectedContinuation
			}

			if c.fragmentBuf.Len()+len(f.payload) > c.maxMessage {
				c.inFragment = false
				c.fragmentBuf.Reset()
				_ = c.CloseWithCode(CloseMessageTooBig, "")
				return 0, nil, ErrMessageTooLarge
			}

			// Append to fragment buffer
			c.fragmentBuf.Write(f.payload)

			if f.fin {
				// Final fragment - assemble and return
				c.inFragment = false
				msgType := MessageType(c.fragmentType)
				payload := c.fragmentBuf.Bytes()

				// Validate UTF-8 for text messages
				if msgType == TextMessage && !utf8.Valid(payload) {
					_ = c.CloseWithCode(CloseInvalidFramePayloadData, "invalid UTF-8")
					return 0, nil, ErrInvalidUTF8
				}

				// Return copy (fragmentBuf will be reused)
				result := make([]byte, len(payload))
				copy(result, payload)
				return msgType, result, nil
			}
		}

		// Loop continues for:
		// - Control frames (already handled and continued)
		// - Non-final fragments (FIN=0, continue accumulating)
	}
}

// SetNonblocking toggles non-blocking mode on the underlying transport.
//
// When enabled, a Read with no frame yet available returns an error for
// which IsWouldBlock is true instead of blocking the calling goroutine;
// ReaderState keeps whatever it already parsed, so a later Read call
// resumes rather than starting the frame over. Disable it to go back to
// blocking reads. On a Conn returned by Dial the transport ignores read
// deadlines, so enabling it there has no effect and Read keeps blocking.
func (c *Conn) SetNonblocking(on bool) error {
	if c.conn == nil {
		return nil
	}
	return NewStream(c.conn).SetNonblocking(on)
}

// ReadText reads the next text message.
//
// Convenience wrapper around Read() that:
//   - Ensures message is TextMessage (returns error otherwise)
//   - Returns string directly
//
// Returns ErrInvalidMessageType if message is not text.
func (c *Conn) ReadText() (string, error) {
	msgType, data, err := c.Read()
	if err != nil {
		return "", err
	}

	if msgType != TextMessage {
		return "", ErrInvalidMessageType
	}

	return string(data), nil
}

// ReadJSON reads the next message as JSON.
//
// Convenience wrapper around Read() that:
//   - Ensures message is TextMessage
//   - Unmarshals JSON into v
//
// Returns ErrInvalidMessageType if message is not text.
// Returns the error from json.Unmarshal if JSON is malformed.
func (c *Conn) ReadJSON(v any) error {
	msgType, data, err := c.Read()
	if err != nil {
		return err
	}

	if msgType != TextMessage {
		return ErrInvalidMessageType
	}

	return json.Unmarshal(data, v)
}

// newOutboundFrame builds a frame for messageType/payload, masking it
// with a fresh key from c.masker when this is a client connection.
// Server connections never mask (RFC 6455 Section 5.1).
func (c *Conn) newOutboundFrame(fin bool, opcode byte, payload []byte) (*frame, error) {
	f := &frame{
		fin:     fin,
		opcode:  opcode,
		masked:  !c.isServer,
		payload: payload,
	}

	if f.masked {
		mask, err := c.masker.NextMask()
		if err != nil {
			return nil, err
		}
		f.mask = mask
	}

	return f, nil
}

// Write writes a message to the connection.
//
// Automatically handles:
//   - Masking: Server frames NOT masked, client frames masked (RFC 6455 Section 5.1)
//   - Flushing: Ensures data sent immediately
//
// Thread-Safety: Safe for concurrent writes (serialized by mutex).
//
// Note: Currently does NOT fragment large messages (sends as single frame).
// Future enhancement: Fragment messages > WriteBufferSize.
func (c *Conn) Write(messageType MessageType, data []byte) error {
	c.closeMu.RLock()
	if c.closed {
		c.closeMu.RUnlock()
		return ErrClosed
	}
	c.closeMu.RUnlock()

	// Lock write mutex (prevent concurrent writes per RFC 6455 Section 5.1)
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	// Build frame
	var opcode byte
	switch messageType {
	case TextMessage:
		opcode = opcodeText

		// Validate UTF-8 (RFC 6455 Section 8.1)
		if !utf8.Valid(data) {
			return ErrInvalidUTF8
		}

	case BinaryMessage:
		opcode = opcodeBinary

	default:
		return ErrInvalidMessageType
	}

	f, err := c.newOutboundFrame(true, opcode, data)
	if err != nil {
		return err
	}

	// Write frame
	return writeFrame(c.writer, f)
}

// WriteText writes a text message.
//
// Convenience wrapper around Write() for text messages.
//
// Returns ErrInvalidUTF8 if text contains invalid UTF-8.
func (c *Conn) WriteText(text string) error {
	return c.Write(TextMessage, []byte(text))
}

// WriteJSON writes a value as JSON text message.
//
// Convenience wrapper that:
//   - Marshals v to JSON
//   - Sends as TextMessage
//
// Returns the error from json.Marshal if marshaling fails.
func (c *Conn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	return c.Write(TextMessage, data)
}

// Ping sends a ping frame (for keep-alive).
//
// Application data is optional (max 125 bytes per RFC 6455 Section 5.5).
// Peer should respond with Pong containing same application data.
//
// Use case: Heartbeat to detect dead connections.
//
//	ticker := time.NewTicker(30 * time.Second)
//	go func() {
//	    for range ticker.C {
//	        conn.Ping(nil)
//	    }
//	}()
func (c *Conn) Ping(data []byte) error {
	c.closeMu.RLock()
	if c.closed {
		c.closeMu.RUnlock()
		return ErrClosed
	}
	c.closeMu.RUnlock()

	// RFC 6455 Section 5.5: Control frame payload max 125 bytes
	if len(data) > 125 {
		return ErrControlTooLarge
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	f, err := c.newOutboundFrame(true, opcodePing, data)
	if err != nil {
		return err
	}

	return writeFrame(c.writer, f)
}

// Pong sends a pong frame (response to ping or unsolicited).
//
// Application data should echo ping data (RFC 6455 Section 5.5.3).
// Max 125 bytes.
//
// Note: Read() automatically responds to Ping frames, so manual Pong usually not needed.
func (c *Conn) Pong(data []byte) error {
	c.closeMu.RLock()
	if c.closed {
		c.closeMu.RUnlock()
		return ErrClosed
	}
	c.closeMu.RUnlock()

	if len(data) > 125 {
		return ErrControlTooLarge
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	f, err := c.newOutboundFrame(true, opcodePong, data)
	if err != nil {
		return err
	}

	return writeFrame(c.writer, f)
}

// Close sends close frame and closes connection.
//
// Uses CloseNormalClosure (1000) status code.
// Idempotent - safe to call multiple times.
//
// RFC 6455 Section 7.1.1: "The Close frame MAY contain a body that indicates
// a reason for closing.".
func (c *Conn) Close() error {
	return c.CloseWithCode(CloseNormalClosure, "")
}

// CloseWithCode sends close frame with specific status code and reason.
//
// Status codes defined in RFC 6455 Section 7.4.
// Reason is optional UTF-8 text (max ~123 bytes to fit in 125 byte frame).
//
// Close handshake (RFC 6455 Section 7.1.2):
//  1. Send Close frame
//  2. Peer responds with Close frame
//  3. Close TCP connection
//
// Idempotent - safe to call multiple times.
func (c *Conn) CloseWithCode(code CloseCode, reason string) error {
	var err error

	c.closeOnce.Do(func() {
		// Mark as closed
		c.closeMu.Lock()
		c.closed = true
		c.closeMu.Unlock()

		// Validate reason is valid UTF-8
		if reason != "" && !utf8.ValidString(reason) {
			err = ErrInvalidUTF8
			return
		}

		// Build close frame payload: 2 bytes status code + optional reason
		payload := make([]byte, 2+len(reason))
		payload[0] = byte(code >> 8)
		payload[1] = byte(code & 0xFF)
		copy(payload[2:], reason)

		// Send close frame
		c.writeMu.Lock()
		f, ferr := c.newOutboundFrame(true, opcodeClose, payload)
		if ferr != nil {
			c.writeMu.Unlock()
			err = ferr
			return
		}
		writeErr := writeFrame(c.writer, f)
		c.writeMu.Unlock()

		if writeErr != nil {
			err = writeErr
			return
		}

		c.logger.Debug().Int("code", int(code)).Msg("connection closing")

		// Close TCP connection
		// Note: Per RFC, should wait for close response, but for simplicity close immediately
		// Future enhancement: Wait for close response with timeout
		if c.conn != nil {
			err = c.conn.Close()
		}
	})

	return err
}

// isValidCloseCode reports whether an inbound close code is accepted: a
// present close code must lie in {1000-1011, 3000-4999}. The check is on
// these two ranges only, so 1004, 1005 and 1006 (inside 1000-1011) are
// accepted, while 1015 and 1012-2999 are not.
func isValidCloseCode(code CloseCode) bool {
	switch {
	case code >= 1000 && code <= 1011:
		return true
	case code >= 3000 && code <= 4999:
		return true
	default:
		return false
	}
}

// handleCloseFrame processes received close frame.
//
// RFC 6455 Section 5.5.1:
//   - Close frame MAY contain status code (2 bytes) + reason
//   - Peer should respond with Close frame
func (c *Conn) handleCloseFrame(payload []byte) {
	// Mark as closed
	c.closeMu.Lock()
	c.closed = true
	c.closeMu.Unlock()

	// Parse close code and reason, if present.
	var code CloseCode
	var reason string
	if len(payload) >= 2 {
		code = CloseCode(uint16(payload[0])<<8 | uint16(payload[1]))
		reason = string(payload[2:])
	} else {
		code = CloseNoStatusReceived
	}

	switch {
	case len(payload) >= 2 && !isValidCloseCode(code):
		c.logger.Debug().Int("code", int(code)).Msg("peer sent out-of-range close code")
		_ = c.CloseWithCode(CloseProtocolError, "")
	case !utf8.ValidString(reason):
		c.logger.Debug().Msg("peer sent non-UTF-8 close reason")
		_ = c.CloseWithCode(CloseInvalidFramePayloadData, "")
	default:
		// Respond with close frame (echo status code).
		// Ignore error - connection closing anyway.
		_ = c.CloseWithCode(code, "")
	}
}
