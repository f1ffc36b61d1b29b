package hl7v2

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// MLLPStartBlock is the MLLP start-of-message byte (VT / vertical tab).
	MLLPStartBlock = 0x0B

	// MLLPEndBlock is the MLLP end-of-message byte (FS / file separator).
	MLLPEndBlock = 0x1C

	// MLLPCarriageReturn is the trailing CR after the end block.
	MLLPCarriageReturn = 0x0D

	defaultMaxFrameSize = 1 << 20
	defaultIdleTimeout  = 30 * time.Second
	defaultWriteTimeout = 10 * time.Second
)

// MessageHandler is called for each received MLLP frame. The payload is the
// unframed content, which may be a single message or a batch. Each returned
// message is framed and written back in order.
type MessageHandler func(ctx context.Context, payload []byte) []*Message

// MLLPOption configures an MLLPServer.
type MLLPOption func(*MLLPServer)

// WithMaxFrameSize bounds a single frame. Larger frames close the
// connection.
func WithMaxFrameSize(n int) MLLPOption {
	return func(s *MLLPServer) { s.maxFrame = n }
}

// WithIdleTimeout closes connections that send nothing for d.
func WithIdleTimeout(d time.Duration) MLLPOption {
	return func(s *MLLPServer) { s.idle = d }
}

// MLLPServer accepts MLLP/TCP connections from devices. Frames on one
// connection are handled in order; connections are handled concurrently.
type MLLPServer struct {
	addr     string
	handler  MessageHandler
	logger   zerolog.Logger
	maxFrame int
	idle     time.Duration

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

func NewMLLPServer(addr string, handler MessageHandler, logger zerolog.Logger, opts ...MLLPOption) *MLLPServer {
	ctx, cancel := context.WithCancel(context.Background())
	s := &MLLPServer{
		addr:     addr,
		handler:  handler,
		logger:   logger.With().Str("component", "mllp").Logger(),
		maxFrame: defaultMaxFrameSize,
		idle:     defaultIdleTimeout,
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start listens on the configured address and serves in the background.
func (s *MLLPServer) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("mllp: listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.serve()
	}()
	return nil
}

// Stop closes the listener and every open connection, then waits for the
// handlers to return.
func (s *MLLPServer) Stop() error {
	s.cancel()

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
	return err
}

// Addr returns the bound address, useful after listening on port 0.
func (s *MLLPServer) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *MLLPServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				s.logger.Error().Err(err).Msg("accept failed")
			}
			return
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
				conn.Close()
			}()
			s.serveConn(conn)
		}()
	}
}

// serveConn reads frames until the peer disconnects, goes idle, or sends a
// frame larger than the limit. Bytes outside frames are discarded.
func (s *MLLPServer) serveConn(conn net.Conn) {
	log := s.logger.With().Str("remote", conn.RemoteAddr().String()).Logger()
	log.Debug().Msg("connection opened")

	scanner := bufio.NewScanner(&deadlineReader{conn: conn, idle: s.idle})
	scanner.Buffer(make([]byte, 0, 4096), s.maxFrame+3)
	scanner.Split(scanFrames)

	frames := 0
	for scanner.Scan() {
		if s.ctx.Err() != nil {
			return
		}
		frames++
		if err := s.reply(conn, scanner.Bytes()); err != nil {
			log.Error().Err(err).Msg("write failed")
			return
		}
	}

	err := scanner.Err()
	var netErr net.Error
	switch {
	case err == nil, errors.Is(err, net.ErrClosed):
	case errors.Is(err, bufio.ErrTooLong):
		log.Warn().Int("max_bytes", s.maxFrame).Msg("frame exceeds max size, closing connection")
	case errors.As(err, &netErr) && netErr.Timeout():
		log.Debug().Msg("connection idle, closing")
	default:
		log.Warn().Err(err).Msg("read failed")
	}
	log.Debug().Int("frames", frames).Msg("connection closed")
}

func (s *MLLPServer) reply(conn net.Conn, payload []byte) error {
	for _, resp := range s.handler(s.ctx, payload) {
		if resp == nil {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
		if _, err := conn.Write(FrameMessage(SerializeMessage(resp))); err != nil {
			return err
		}
	}
	return nil
}

// deadlineReader extends the read deadline before every read so that only
// silence, not total connection time, closes the connection.
type deadlineReader struct {
	conn net.Conn
	idle time.Duration
}

func (r *deadlineReader) Read(p []byte) (int, error) {
	r.conn.SetReadDeadline(time.Now().Add(r.idle))
	return r.conn.Read(p)
}

// scanFrames is a bufio.SplitFunc yielding the payload of each MLLP frame.
func scanFrames(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := bytes.IndexByte(data, MLLPStartBlock)
	if start == -1 {
		// No frame has started; drop the noise.
		return len(data), nil, nil
	}
	msg, rest, found := UnframeMessage(data[start:])
	if found {
		return len(data) - len(rest), msg, nil
	}
	if atEOF {
		return len(data), nil, nil
	}
	return start, nil, nil
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
	// Find start block.
	startIdx := bytes.IndexByte(data, MLLPStartBlock)
	if startIdx == -1 {
		return nil, data, false
	}

	// Find end block sequence (0x1C 0x0D) after the start block.
	endSeq := []byte{MLLPEndBlock, MLLPCarriageReturn}
	endIdx := bytes.Index(data[startIdx+1:], endSeq)
	if endIdx == -1 {
		return nil, data, false
	}

	// Adjust endIdx to be relative to the full data slice.
	endIdx = startIdx + 1 + endIdx

	message = data[startIdx+1 : endIdx]
	rest = data[endIdx+2:]
	found = true
	return
}

