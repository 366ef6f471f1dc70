package mqttbroker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// MQTT 3.1.1 control packet types handled by the listener.
const (
	packetConnect     = 1
	packetConnAck     = 2
	packetPublish     = 3
	packetSubscribe   = 8
	packetSubAck      = 9
	packetUnsubscribe = 10
	packetUnsubAck    = 11
	packetPingReq     = 12
	packetPingResp    = 13
	packetDisconnect  = 14
)

// Message is a QoS 0 publish received from a connected station.
type Message struct {
	ClientID string
	Topic    string
	Payload  []byte
}

// Handler is invoked for each received publish.
type Handler func(context.Context, Message)

type session struct {
	conn     net.Conn
	reader   *bufio.Reader
	writeMu  sync.Mutex
	subsMu   sync.Mutex
	subs     map[string]struct{}
	clientID string
	closed   atomic.Bool
}

func (s *session) write(packet []byte) error {
	if s.closed.Load() {
		return net.ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.conn.Write(packet)
	return err
}

// subs is written by the session's serve goroutine and read by concurrent
// publishers, so every access goes through subsMu.
func (s *session) subscribe(topic string) {
	s.subsMu.Lock()
	s.subs[topic] = struct{}{}
	s.subsMu.Unlock()
}

func (s *session) unsubscribe(topic string) {
	s.subsMu.Lock()
	delete(s.subs, topic)
	s.subsMu.Unlock()
}

func (s *session) subscribed(topic string) bool {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	_, ok := s.subs[topic]
	return ok
}

// Broker is a minimal MQTT v3.1.1 listener for stations that relay over
// MQTT instead of HTTP. Only QoS 0 publish/subscribe is supported;
// subscriptions are exact-match topic strings.
type Broker struct {
	logger  *slog.Logger
	handler atomic.Value // Handler

	mu       sync.Mutex
	listener net.Listener
	closing  atomic.Bool
	wg       sync.WaitGroup

	sessMu   sync.RWMutex
	sessions map[*session]struct{}
}

// New constructs a broker with the supplied logger.
func New(logger *slog.Logger) *Broker {
	b := &Broker{logger: logger, sessions: make(map[*session]struct{})}
	b.handler.Store(Handler(func(context.Context, Message) {}))
	return b
}

// SetHandler installs the function invoked for each received publish.
func (b *Broker) SetHandler(h Handler) {
	if h == nil {
		h = func(context.Context, Message) {}
	}
	b.handler.Store(h)
}

// Start begins accepting MQTT clients on the bind address. The returned
// channel is closed once the accept loop terminates; fatal errors are sent
// on it.
func (b *Broker) Start(bind string) (<-chan error, error) {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, fmt.Errorf("mqtt listen: %w", err)
	}

	b.mu.Lock()
	b.listener = ln
	b.mu.Unlock()

	errCh := make(chan error, 1)
	b.logger.Info("mqtt listener started", "addr", bind)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if b.closing.Load() {
					close(errCh)
					return
				}
				if ne, ok := err.(net.Error); ok && ne.Temporary() {
					b.logger.Warn("temporary accept error", "error", err)
					time.Sleep(50 * time.Millisecond)
					continue
				}
				errCh <- fmt.Errorf("mqtt accept: %w", err)
				close(errCh)
				return
			}

			sess := &session{
				conn:   conn,
				reader: bufio.NewReader(conn),
				subs:   make(map[string]struct{}),
			}
			b.track(sess)

			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.serve(sess)
			}()
		}
	}()

	return errCh, nil
}

// Addr returns the listener's address, or nil before Start.
func (b *Broker) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Stop shuts down the listener and disconnects all sessions.
func (b *Broker) Stop() error {
	if !b.closing.CompareAndSwap(false, true) {
		return nil
	}

	b.mu.Lock()
	ln := b.listener
	b.listener = nil
	b.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}

	b.sessMu.Lock()
	for sess := range b.sessions {
		sess.closed.Store(true)
		_ = sess.conn.Close()
	}
	b.sessions = make(map[*session]struct{})
	b.sessMu.Unlock()

	b.wg.Wait()
	return nil
}

// Publish sends a QoS 0 message to every session subscribed to the topic.
// Sessions that fail to write are logged and skipped.
func (b *Broker) Publish(topic string, payload []byte) error {
	packet, err := encodePublish(topic, payload)
	if err != nil {
		return err
	}

	b.sessMu.RLock()
	defer b.sessMu.RUnlock()

	for sess := range b.sessions {
		if !sess.subscribed(topic) {
			continue
		}
		if err := sess.write(packet); err != nil {
			b.logger.Warn("publish to subscriber failed", "client", sess.clientID, "topic", topic, "error", err)
		}
	}
	return nil
}

// PublishJSON marshals v and publishes it on the topic.
func (b *Broker) PublishJSON(topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode mqtt payload: %w", err)
	}
	return b.Publish(topic, payload)
}

func (b *Broker) track(sess *session) {
	b.sessMu.Lock()
	b.sessions[sess] = struct{}{}
	b.sessMu.Unlock()
}

func (b *Broker) forget(sess *session) {
	b.sessMu.Lock()
	delete(b.sessions, sess)
	b.sessMu.Unlock()
}

func (b *Broker) serve(sess *session) {
	defer func() {
		sess.closed.Store(true)
		b.forget(sess)
		_ = sess.conn.Close()
	}()

	ctx := context.Background()

	for {
		header, body, err := readPacket(sess.reader)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				b.logger.Debug("read packet error", "client", sess.clientID, "error", err)
			}
			return
		}

		switch header >> 4 {
		case packetConnect:
			if err := b.onConnect(sess, body); err != nil {
				b.logger.Debug("connect rejected", "error", err)
				return
			}
		case packetPublish:
			msg, err := decodePublish(header, body)
			if err != nil {
				b.logger.Debug("malformed publish", "client", sess.clientID, "error", err)
				return
			}
			msg.ClientID = sess.clientID
			b.dispatch(ctx, msg)
			b.relay(msg, sess)
		case packetSubscribe:
			if err := b.onSubscribe(sess, body); err != nil {
				b.logger.Debug("subscribe rejected", "client", sess.clientID, "error", err)
				return
			}
		case packetUnsubscribe:
			if err := b.onUnsubscribe(sess, body); err != nil {
				return
			}
		case packetPingReq:
			if err := sess.write([]byte{packetPingResp << 4, 0x00}); err != nil {
				return
			}
		case packetDisconnect:
			return
		default:
			b.logger.Debug("unsupported packet", "type", header>>4)
			return
		}
	}
}

// dispatch hands the message to the installed handler, containing panics
// so a bad payload cannot take the listener down.
func (b *Broker) dispatch(ctx context.Context, msg Message) {
	h, _ := b.handler.Load().(Handler)
	if h == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("mqtt handler panic", "topic", msg.Topic, "panic", r)
		}
	}()
	h(ctx, msg)
}

// relay forwards a publish to other subscribed sessions.
func (b *Broker) relay(msg Message, from *session) {
	packet, err := encodePublish(msg.Topic, msg.Payload)
	if err != nil {
		return
	}

	b.sessMu.RLock()
	defer b.sessMu.RUnlock()

	for sess := range b.sessions {
		if sess == from {
			continue
		}
		if !sess.subscribed(msg.Topic) {
			continue
		}
		if err := sess.write(packet); err != nil {
			b.logger.Debug("relay failed", "client", sess.clientID, "error", err)
		}
	}
}

func (b *Broker) onConnect(sess *session, body []byte) error {
	d := &decoder{buf: body}

	proto, err := d.string()
	if err != nil {
		return fmt.Errorf("read protocol name: %w", err)
	}
	if proto != "MQTT" {
		return fmt.Errorf("unsupported protocol %q", proto)
	}

	level, err := d.byte()
	if err != nil {
		return fmt.Errorf("read protocol level: %w", err)
	}
	if level != 4 {
		return fmt.Errorf("unsupported protocol level %d", level)
	}

	flags, err := d.byte()
	if err != nil {
		return fmt.Errorf("read connect flags: %w", err)
	}
	// Will, auth and session flags are not supported.
	if flags&0xFC != 0 {
		return fmt.Errorf("unsupported connect flags %08b", flags)
	}

	if _, err := d.uint16(); err != nil { // keepalive
		return fmt.Errorf("read keepalive: %w", err)
	}

	clientID, err := d.string()
	if err != nil {
		return fmt.Errorf("read client id: %w", err)
	}
	if clientID == "" {
		clientID = fmt.Sprintf("anon-%d", time.Now().UnixNano())
	}
	sess.clientID = clientID

	return sess.write([]byte{packetConnAck << 4, 0x02, 0x00, 0x00})
}

func (b *Broker) onSubscribe(sess *session, body []byte) error {
	d := &decoder{buf: body}

	packetID, err := d.uint16()
	if err != nil {
		return fmt.Errorf("read packet id: %w", err)
	}

	count := 0
	for d.remaining() > 0 {
		topic, err := d.string()
		if err != nil {
			return fmt.Errorf("read topic: %w", err)
		}
		qos, err := d.byte()
		if err != nil {
			return fmt.Errorf("read qos: %w", err)
		}
		if qos != 0 {
			return fmt.Errorf("unsupported qos %d", qos)
		}
		sess.subscribe(topic)
		count++
	}
	if count == 0 {
		return fmt.Errorf("subscribe with no topics")
	}

	packet := make([]byte, 0, 4+count)
	packet = append(packet, packetSubAck<<4)
	packet = append(packet, encodeLength(2+count)...)
	packet = append(packet, byte(packetID>>8), byte(packetID))
	for i := 0; i < count; i++ {
		packet = append(packet, 0x00)
	}
	return sess.write(packet)
}

func (b *Broker) onUnsubscribe(sess *session, body []byte) error {
	d := &decoder{buf: body}
	packetID, err := d.uint16()
	if err != nil {
		return fmt.Errorf("read packet id: %w", err)
	}
	for d.remaining() > 0 {
		topic, err := d.string()
		if err != nil {
			break
		}
		sess.unsubscribe(topic)
	}
	return sess.write([]byte{packetUnsubAck << 4, 0x02, byte(packetID >> 8), byte(packetID)})
}

// maxPacketSize bounds the remaining length a client may declare. The
// varint allows up to ~256 MB; station payloads are a few hundred bytes.
const maxPacketSize = 1 << 20

// readPacket consumes one full control packet from the stream.
func readPacket(r *bufio.Reader) (byte, []byte, error) {
	header, err := r.ReadByte()
	if err != nil {
		return 0, nil, err
	}

	length, err := readLength(r)
	if err != nil {
		return 0, nil, fmt.Errorf("read remaining length: %w", err)
	}
	if length > maxPacketSize {
		return 0, nil, fmt.Errorf("packet too large: %d bytes", length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, fmt.Errorf("read packet body: %w", err)
	}
	return header, body, nil
}

func decodePublish(header byte, body []byte) (Message, error) {
	if qos := (header >> 1) & 0x03; qos != 0 {
		return Message{}, fmt.Errorf("unsupported qos %d", qos)
	}

	d := &decoder{buf: body}
	topic, err := d.string()
	if err != nil {
		return Message{}, fmt.Errorf("read topic: %w", err)
	}

	payload := make([]byte, d.remaining())
	copy(payload, d.buf[d.off:])
	return Message{Topic: topic, Payload: payload}, nil
}

func encodePublish(topic string, payload []byte) ([]byte, error) {
	if len(topic) > 65535 {
		return nil, fmt.Errorf("topic too long")
	}

	remaining := 2 + len(topic) + len(payload)
	length := encodeLength(remaining)

	packet := make([]byte, 0, 1+len(length)+remaining)
	packet = append(packet, packetPublish<<4)
	packet = append(packet, length...)
	packet = append(packet, byte(len(topic)>>8), byte(len(topic)))
	packet = append(packet, topic...)
	packet = append(packet, payload...)
	return packet, nil
}

// decoder walks an MQTT packet body with big-endian length-prefixed
// strings.
type decoder struct {
	buf []byte
	off int
}

func (d *decoder) remaining() int { return len(d.buf) - d.off }

func (d *decoder) byte() (byte, error) {
	if d.remaining() < 1 {
		return 0, io.ErrUnexpectedEOF
	}
	v := d.buf[d.off]
	d.off++
	return v, nil
}

func (d *decoder) uint16() (uint16, error) {
	if d.remaining() < 2 {
		return 0, io.ErrUnexpectedEOF
	}
	v := uint16(d.buf[d.off])<<8 | uint16(d.buf[d.off+1])
	d.off += 2
	return v, nil
}

func (d *decoder) string() (string, error) {
	n, err := d.uint16()
	if err != nil {
		return "", err
	}
	if d.remaining() < int(n) {
		return "", io.ErrUnexpectedEOF
	}
	s := string(d.buf[d.off : d.off+int(n)])
	d.off += int(n)
	return s, nil
}

func readLength(r *bufio.Reader) (int, error) {
	value := 0
	multiplier := 1
	for i := 0; i < 4; i++ {
		digit, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		value += int(digit&0x7F) * multiplier
		if digit&0x80 == 0 {
			return value, nil
		}
		multiplier *= 128
	}
	return 0, fmt.Errorf("malformed remaining length")
}

func encodeLength(length int) []byte {
	if length < 0 {
		length = 0
	}
	var out []byte
	for {
		digit := byte(length % 128)
		length /= 128
		if length > 0 {
			digit |= 0x80
		}
		out = append(out, digit)
		if length == 0 {
			return out
		}
	}
}
