package sockets

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rocketbitz/fabric-echo/provider"
)

// Links exchange frames of the form [type u8][length u32 LE][body].
type frameType uint8

const (
	frameConnReq frameType = iota + 1
	frameAccept
	frameReject
	frameHello
	frameMsg
	frameWrite
	frameRead
	frameReadResp
	frameShutdown
)

const (
	frameHeaderLen = 5
	maxFrameBody   = defaultMaxMsgSize + 64
)

func (t frameType) String() string {
	switch t {
	case frameConnReq:
		return "connreq"
	case frameAccept:
		return "accept"
	case frameReject:
		return "reject"
	case frameHello:
		return "hello"
	case frameMsg:
		return "msg"
	case frameWrite:
		return "write"
	case frameRead:
		return "read"
	case frameReadResp:
		return "readresp"
	case frameShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

func writeFrame(w io.Writer, typ frameType, parts ...[]byte) error {
	total := 0
	for _, p := range parts {
		total += len(p)
	}
	var hdr [frameHeaderLen]byte
	hdr[0] = byte(typ)
	binary.LittleEndian.PutUint32(hdr[1:], uint32(total))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	for _, p := range parts {
		if len(p) == 0 {
			continue
		}
		if _, err := w.Write(p); err != nil {
			return err
		}
	}
	return nil
}

func readFrame(r io.Reader) (frameType, []byte, error) {
	var hdr [frameHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[1:])
	if n > maxFrameBody {
		return 0, nil, provider.ErrMsgSize
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return frameType(hdr[0]), body, nil
}

func encodeConnReq(name string, params []byte) []byte {
	body := make([]byte, 2+len(name)+len(params))
	binary.LittleEndian.PutUint16(body, uint16(len(name)))
	copy(body[2:], name)
	copy(body[2+len(name):], params)
	return body
}

func decodeConnReq(body []byte) (string, []byte, error) {
	if len(body) < 2 {
		return "", nil, provider.ErrInvalid
	}
	n := int(binary.LittleEndian.Uint16(body))
	if len(body) < 2+n {
		return "", nil, provider.ErrInvalid
	}
	return string(body[2 : 2+n]), append([]byte(nil), body[2+n:]...), nil
}

// encodeRMA builds the fixed part of write and read frames.
func encodeRMA(key, offset uint64) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf, key)
	binary.LittleEndian.PutUint64(buf[8:], offset)
	return buf
}

func decodeRMA(body []byte) (key, offset uint64, rest []byte, err error) {
	if len(body) < 16 {
		return 0, 0, nil, provider.ErrInvalid
	}
	return binary.LittleEndian.Uint64(body), binary.LittleEndian.Uint64(body[8:]), body[16:], nil
}

func encodeReadReq(id, key, offset uint64, length int) []byte {
	buf := make([]byte, 28)
	binary.LittleEndian.PutUint64(buf, id)
	copy(buf[8:], encodeRMA(key, offset))
	binary.LittleEndian.PutUint32(buf[24:], uint32(length))
	return buf
}

func decodeReadReq(body []byte) (id, key, offset uint64, length int, err error) {
	if len(body) != 28 {
		return 0, 0, 0, 0, provider.ErrInvalid
	}
	id = binary.LittleEndian.Uint64(body)
	key, offset, _, _ = decodeRMA(body[8:24])
	return id, key, offset, int(binary.LittleEndian.Uint32(body[24:])), nil
}

func encodeReadResp(id uint64, status provider.Errno) []byte {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint64(buf, id)
	binary.LittleEndian.PutUint32(buf[8:], uint32(status))
	return buf
}

func decodeReadResp(body []byte) (uint64, provider.Errno, []byte, error) {
	if len(body) < 12 {
		return 0, 0, nil, provider.ErrInvalid
	}
	return binary.LittleEndian.Uint64(body), provider.Errno(binary.LittleEndian.Uint32(body[8:])), body[12:], nil
}

type outFrame struct {
	typ   frameType
	parts [][]byte
	done  func(error)
}

// link owns one connection with a reader and a writer goroutine. Frames
// queued with send are written in order; their done callbacks run on the
// writer goroutine once the bytes are handed to the connection.
type link struct {
	log         *zap.Logger
	handler     func(*link, frameType, []byte)
	onDown      func(*link, error)
	dial        func(context.Context) (net.Conn, error)
	dialTimeout time.Duration

	mu      sync.Mutex
	remote  string
	conn    net.Conn
	queue   []outFrame
	closing bool
	stopped bool
	wake    chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

func newLink(conn net.Conn, remote string, log *zap.Logger) *link {
	return &link{
		conn:   conn,
		remote: remote,
		log:    log.With(zap.String("peer", remote)),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (l *link) start() {
	l.wg.Add(1)
	go l.run()
}

func (l *link) send(f outFrame) error {
	l.mu.Lock()
	if l.stopped || l.closing {
		l.mu.Unlock()
		return provider.ErrNotConn
	}
	l.queue = append(l.queue, f)
	l.mu.Unlock()
	l.signal()
	return nil
}

func (l *link) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *link) run() {
	defer l.wg.Done()
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		ctx, cancel := context.WithTimeout(context.Background(), l.dialTimeout)
		go func() {
			select {
			case <-l.done:
				cancel()
			case <-ctx.Done():
			}
		}()
		c, err := l.dial(ctx)
		cancel()
		if err != nil {
			l.log.Debug("dial failed", zap.Error(err))
			l.terminate(provider.ErrConnRefused)
			if l.onDown != nil {
				l.onDown(l, provider.ErrConnRefused)
			}
			return
		}
		l.mu.Lock()
		if l.stopped {
			l.mu.Unlock()
			_ = c.Close()
			return
		}
		l.conn = c
		l.mu.Unlock()
		conn = c
	}
	l.wg.Add(1)
	go l.readLoop(conn)
	l.writeLoop(conn)
}

func (l *link) writeLoop(conn net.Conn) {
	w := bufio.NewWriter(conn)
	for {
		l.mu.Lock()
		if l.stopped {
			l.mu.Unlock()
			return
		}
		if len(l.queue) == 0 {
			closing := l.closing
			l.mu.Unlock()
			if closing {
				l.terminate(nil)
				return
			}
			select {
			case <-l.wake:
			case <-l.done:
			}
			continue
		}
		f := l.queue[0]
		l.queue[0] = outFrame{}
		l.queue = l.queue[1:]
		l.mu.Unlock()

		err := writeFrame(w, f.typ, f.parts...)
		if err == nil {
			err = w.Flush()
		}
		if err != nil {
			err = provider.ErrConnReset
		}
		if f.done != nil {
			f.done(err)
		}
		if err != nil {
			l.log.Debug("write failed", zap.Stringer("frame", f.typ))
			l.terminate(err)
			return
		}
	}
}

func (l *link) readLoop(conn net.Conn) {
	defer l.wg.Done()
	for {
		typ, body, err := readFrame(conn)
		if err != nil {
			l.mu.Lock()
			local := l.stopped || l.closing
			l.mu.Unlock()
			l.terminate(provider.ErrConnReset)
			if !local && l.onDown != nil {
				if errors.Is(err, io.EOF) {
					err = provider.ErrShutdown
				}
				l.onDown(l, err)
			}
			return
		}
		if l.handler != nil {
			l.handler(l, typ, body)
		}
	}
}

// terminate stops the link without waiting for its goroutines. Frames still
// queued complete with ErrCanceled, or with cause when it is set.
func (l *link) terminate(cause error) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	close(l.done)
	if l.conn != nil {
		_ = l.conn.Close()
	}
	pending := l.queue
	l.queue = nil
	l.mu.Unlock()

	if cause == nil {
		cause = provider.ErrCanceled
	}
	for _, f := range pending {
		if f.done != nil {
			f.done(cause)
		}
	}
}

// close flushes queued frames, closes the connection and waits for the link
// goroutines. It must not be called from a link callback.
func (l *link) close() {
	l.mu.Lock()
	graceful := l.conn != nil && !l.stopped
	l.closing = true
	l.mu.Unlock()
	if graceful {
		l.signal()
	} else {
		l.terminate(nil)
	}
	l.wg.Wait()
}

func (l *link) peer() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remote
}

func (l *link) setPeer(name string) {
	l.mu.Lock()
	l.remote = name
	l.mu.Unlock()
}

func (l *link) isDown() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}
