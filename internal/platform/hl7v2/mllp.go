package hl7v2

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// MLLPStartBlock is the MLLP start-of-message byte (VT / vertical tab).
	MLLPStartBlock = 0x0B

	// MLLPEndBlock is the MLLP end-of-message byte (FS / file separator).
	MLLPEndBlock = 0x1C

	// MLLPCarriageReturn is the trailing CR after the end block.
	MLLPCarriageReturn = 0x0D

	// DefaultMLLPMaxMessageSize is the default buffer cap for one MLLP message (1 MB).
	DefaultMLLPMaxMessageSize = 1 << 20

	// mllpReadTimeout is the read deadline applied to each connection.
	mllpReadTimeout = 30 * time.Second

	mllpWriteTimeout = 10 * time.Second
)

// ACK codes written to MSA-1.
const (
	AckAccept = "AA"
	AckError  = "AE"
	AckReject = "AR"
)

// MessageHandler is called with the parse result of each received message and
// returns the raw (unframed) reply. Return nil to send no response.
type MessageHandler func(res *Result) []byte

// MLLPOption configures an MLLPServer.
type MLLPOption func(*MLLPServer)

// WithMLLPParser sets the parser used for incoming messages.
func WithMLLPParser(p *Parser) MLLPOption {
	return func(s *MLLPServer) { s.parser = p }
}

// WithMLLPLogger sets the server logger.
func WithMLLPLogger(l zerolog.Logger) MLLPOption {
	return func(s *MLLPServer) { s.logger = l }
}

// WithMLLPObserver registers an observer notified of every parse.
func WithMLLPObserver(o Observer) MLLPOption {
	return func(s *MLLPServer) { s.observer = o }
}

// ConnectionTracker is told when MLLP connections open and close.
type ConnectionTracker interface {
	ConnectionOpened()
	ConnectionClosed()
}

// WithMLLPConnectionTracker registers t for connection open/close events.
func WithMLLPConnectionTracker(t ConnectionTracker) MLLPOption {
	return func(s *MLLPServer) { s.tracker = t }
}

// WithMLLPMaxMessageSize caps the bytes buffered for one message.
func WithMLLPMaxMessageSize(n int) MLLPOption {
	return func(s *MLLPServer) {
		if n > 0 {
			s.maxSize = n
		}
	}
}

// MLLPServer listens for HL7v2 messages over MLLP/TCP.
type MLLPServer struct {
	addr     string
	handler  MessageHandler
	parser   *Parser
	observer Observer
	tracker  ConnectionTracker
	maxSize  int
	listener net.Listener
	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	done     chan struct{}
	wg       sync.WaitGroup
	logger   zerolog.Logger
}

// NewMLLPServer creates a new MLLP server that will listen on the given
// address and reply to each message with whatever handler returns. A nil
// handler uses DefaultHandler.
func NewMLLPServer(addr string, handler MessageHandler, opts ...MLLPOption) *MLLPServer {
	if handler == nil {
		handler = DefaultHandler()
	}
	s := &MLLPServer{
		addr:    addr,
		handler: handler,
		parser:  defaultParser,
		maxSize: DefaultMLLPMaxMessageSize,
		conns:   make(map[net.Conn]struct{}),
		done:    make(chan struct{}),
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins listening for connections. It is non-blocking: the accept loop
// runs in a background goroutine.
func (s *MLLPServer) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("mllp: failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("MLLP listener started")
	return nil
}

// Stop gracefully shuts down the server. It closes the listener, then closes
// all tracked connections, and waits for all goroutines to finish.
func (s *MLLPServer) Stop() error {
	close(s.done)

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()

	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

// Addr returns the listener address string. This is especially useful when the
// server was started with port 0 (OS-assigned port).
func (s *MLLPServer) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// acceptLoop runs in its own goroutine, accepting new TCP connections until
// the listener is closed.
func (s *MLLPServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.logger.Error().Err(err).Msg("mllp: accept failed")
			return
		}

		s.trackConn(conn, true)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.trackConn(conn, false)
			defer conn.Close()
			s.handleConnection(conn)
		}()
	}
}

// trackConn adds or removes a connection from the tracked set.
func (s *MLLPServer) trackConn(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
	if s.tracker == nil {
		return
	}
	if add {
		s.tracker.ConnectionOpened()
	} else {
		s.tracker.ConnectionClosed()
	}
}

// handleConnection reads MLLP-framed messages from conn, parses them,
// dispatches to the handler, and writes back any response.
func (s *MLLPServer) handleConnection(conn net.Conn) {
	buf := make([]byte, 0, 4096)
	readBuf := make([]byte, 4096)
	remote := conn.RemoteAddr().String()

	for {
		select {
		case <-s.done:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(mllpReadTimeout))

		n, err := conn.Read(readBuf)
		if n > 0 {
			buf = append(buf, readBuf[:n]...)

			for {
				msgBytes, rest, found := UnframeMessage(buf)
				if !found {
					break
				}
				buf = rest
				s.processMessage(conn, msgBytes)
			}

			if len(buf) > s.maxSize {
				s.logger.Warn().Str("remote", remote).Int("buffered", len(buf)).
					Msg("mllp: message exceeds max size, closing connection")
				return
			}
		}

		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				if len(buf) == 0 {
					return
				}
				continue
			}
			return
		}
	}
}

// processMessage parses a single message, calls the handler, and writes
// the response (if any) back to conn.
func (s *MLLPServer) processMessage(conn net.Conn, raw []byte) {
	start := time.Now()
	res := s.parser.Parse(string(raw))
	elapsed := time.Since(start)

	if s.observer != nil {
		s.observer.ObserveParse(context.Background(), SourceMLLP, res, elapsed)
	}

	ev := s.logger.Info()
	if res.Fatal() {
		ev = s.logger.Warn()
	}
	controlID := ""
	if res.Header != nil {
		controlID = res.Header.ControlID
	}
	ev.Str("control_id", controlID).
		Str("status", string(res.Status())).
		Int("fallback_segments", res.Quality.FallbackSegments).
		Int("errors", res.Quality.Errors).
		Dur("elapsed", elapsed).
		Msg("mllp: message parsed")

	resp := s.handler(res)
	if resp == nil {
		return
	}

	conn.SetWriteDeadline(time.Now().Add(mllpWriteTimeout))
	if _, err := conn.Write(FrameMessage(resp)); err != nil {
		s.logger.Error().Err(err).Str("control_id", controlID).Msg("mllp: write failed")
	}
}

// ---------------------------------------------------------------------------
// MLLP framing helpers
// ---------------------------------------------------------------------------

// FrameMessage wraps raw HL7v2 bytes in MLLP framing:
//
//	<0x0B> + message + <0x1C><0x0D>
func FrameMessage(data []byte) []byte {
	frame := make([]byte, 0, len(data)+3)
	frame = append(frame, MLLPStartBlock)
	frame = append(frame, data...)
	frame = append(frame, MLLPEndBlock, MLLPCarriageReturn)
	return frame
}

// UnframeMessage extracts HL7v2 bytes from an MLLP frame. It looks for the
// first start block byte, then reads until end block + CR. It returns the
// extracted message, any remaining bytes after the frame, and whether a
// complete frame was found.
func UnframeMessage(data []byte) (message []byte, rest []byte, found bool) {
	startIdx := bytes.IndexByte(data, MLLPStartBlock)
	if startIdx == -1 {
		return nil, data, false
	}

	endSeq := []byte{MLLPEndBlock, MLLPCarriageReturn}
	endIdx := bytes.Index(data[startIdx+1:], endSeq)
	if endIdx == -1 {
		return nil, data, false
	}
	endIdx = startIdx + 1 + endIdx

	message = data[startIdx+1 : endIdx]
	rest = data[endIdx+2:]
	found = true
	return
}

// ---------------------------------------------------------------------------
// ACK generation
// ---------------------------------------------------------------------------

// AckCode maps a parse result to MSA-1: AR when the message could not be
// tokenized, AE when it carries errors, AA otherwise.
func AckCode(res *Result) string {
	switch res.Status() {
	case StatusFatal:
		return AckReject
	case StatusError:
		return AckError
	default:
		return AckAccept
	}
}

// GenerateACK renders an HL7v2 ACK for res with the given MSA-1 code.
//
// The ACK swaps the sending and receiving application/facility from the
// original message, references the original control ID in MSA-2 and carries
// the first error, if any, in MSA-3.
func GenerateACK(res *Result, ackCode string, now time.Time) []byte {
	d := DefaultDelimiters()
	in := res.Header
	if in == nil {
		in = &Header{}
	}

	version := in.Version
	if version == "" {
		version = "2.5.1"
	}
	processing := in.ProcessingID
	if processing == "" {
		processing = "P"
	}
	msgType := "ACK"
	if in.TriggerEvent != "" {
		msgType += string(d.Component) + d.EscapeText(in.TriggerEvent)
	}

	msh := []string{
		"MSH",
		d.EncodingCharacters(),
		d.EscapeText(in.ReceivingApp),
		d.EscapeText(in.ReceivingFacility),
		d.EscapeText(in.SendingApp),
		d.EscapeText(in.SendingFacility),
		now.UTC().Format("20060102150405"),
		"",
		msgType,
		newControlID(),
		d.EscapeText(processing),
		d.EscapeText(version),
	}
	msa := []string{"MSA", ackCode, d.EscapeText(in.ControlID)}
	if first := res.FirstError(); first != nil {
		msa = append(msa, d.EscapeText(first.Message))
	}

	sep := string(d.Field)
	return []byte(strings.Join(msh, sep) + "\r" + strings.Join(msa, sep))
}

// maxControlIDLen is the HL7 2.5 length limit of MSH-10 (ST, 20).
const maxControlIDLen = 20

// newControlID returns a random alphanumeric id that fits MSH-10.
func newControlID() string {
	id := strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", ""))
	return id[:maxControlIDLen]
}

// ---------------------------------------------------------------------------
// Default handler
// ---------------------------------------------------------------------------

// DefaultHandler returns a MessageHandler that acknowledges every message
// with the code implied by its parse result.
func DefaultHandler() MessageHandler {
	return func(res *Result) []byte {
		return GenerateACK(res, AckCode(res), time.Now())
	}
}
