// Package muxsession implements tentacle.Session over a libp2p/go-yamux
// stream multiplexer: one yamux stream per open protocol, with a short
// handshake on each stream's first bytes negotiating which protocol and
// version it carries.
package muxsession

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/libp2p/go-yamux/v4"
	"github.com/multiformats/go-varint"
	"go.uber.org/zap"

	"github.com/nodecore-network/tentacle"
)

// yamuxConfig is a copy of yamux.DefaultConfig with a bounded accept
// backlog and an enabled keepalive, the same tightening the retrieved
// relay-tunnel client applies to the stock defaults.
func yamuxConfig() *yamux.Config {
	cfg := yamux.DefaultConfig()
	cfg.AcceptBacklog = 256
	cfg.EnableKeepAlive = true
	return cfg
}

// New returns a tentacle.SessionFactory backed by go-yamux.
//
// The yamux session is established synchronously inside the factory call,
// before the reactor ever spawns Run or calls OpenProtocolStream, so there
// is no window where m.sess is observably nil to a concurrent caller: the
// reactor's session_open calls the factory, then starts Run in its own
// goroutine, then immediately calls OpenProtocolStream for every configured
// protocol on an outbound session (spec.md §4.4 step 3) — all of that
// happens only after this constructor has returned. If the handshake over
// the already-authenticated connection fails here, the error is carried on
// the session and reported the first time Run is called, keeping the
// SessionFactory's no-error signature intact.
func New() tentacle.SessionFactory {
	return func(init tentacle.SessionInit) tentacle.Session {
		m := &muxSession{init: init, protocols: indexProtocols(init.Protocols), codecs: buildCodecs(init.Protocols)}

		var sess *yamux.Session
		var err error
		if init.Direction == tentacle.Outbound {
			sess, err = yamux.Client(init.Conn, yamuxConfig())
		} else {
			sess, err = yamux.Server(init.Conn, yamuxConfig())
		}
		if err != nil {
			m.setupErr = err
			return m
		}
		m.sess = sess
		m.streams = make(map[tentacle.ProtocolId]*yamux.Stream)
		return m
	}
}

func indexProtocols(protos []tentacle.ProtocolMeta) map[tentacle.ProtocolId]tentacle.ProtocolMeta {
	m := make(map[tentacle.ProtocolId]tentacle.ProtocolMeta, len(protos))
	for _, p := range protos {
		m[p.ID] = p
	}
	return m
}

type muxSession struct {
	init      tentacle.SessionInit
	protocols map[tentacle.ProtocolId]tentacle.ProtocolMeta
	codecs    map[tentacle.ProtocolId]tentacle.Codec

	mu      sync.Mutex
	streams map[tentacle.ProtocolId]*yamux.Stream
	sess    *yamux.Session

	// setupErr holds a yamux handshake failure observed synchronously in
	// New's factory closure; Run reports it the first time it is called.
	setupErr error
}

func buildCodecs(protos []tentacle.ProtocolMeta) map[tentacle.ProtocolId]tentacle.Codec {
	m := make(map[tentacle.ProtocolId]tentacle.Codec, len(protos))
	for _, p := range protos {
		if p.Codec != nil {
			m[p.ID] = p.Codec()
		}
	}
	return m
}

var _ tentacle.Session = (*muxSession)(nil)

// Run implements tentacle.Session: it serves inbound streams and reactor
// control events over the yamux session New already established, until
// ctx is cancelled. The yamux handshake itself runs synchronously inside
// New, not here, so that it completes before the reactor can race
// OpenProtocolStream against it.
func (m *muxSession) Run(ctx context.Context) {
	if m.setupErr != nil {
		m.init.Logger.Debug("yamux session setup failed", zap.Error(m.setupErr))
		m.init.Inbox <- tentacle.SessionEvent{Kind: tentacle.EvSessionClose, SessionID: m.init.ID}
		return
	}
	sess := m.sess

	go func() {
		<-ctx.Done()
		_ = sess.Close()
	}()

	go m.acceptLoop(sess)
	m.controlLoop(sess)
}

func (m *muxSession) acceptLoop(sess *yamux.Session) {
	for {
		stream, err := sess.AcceptStream()
		if err != nil {
			m.init.Inbox <- tentacle.SessionEvent{Kind: tentacle.EvSessionClose, SessionID: m.init.ID}
			return
		}
		go m.serveInboundStream(stream)
	}
}

func (m *muxSession) controlLoop(sess *yamux.Session) {
	for event := range m.init.Control {
		switch event.Kind {
		case tentacle.CtrlClose:
			_ = sess.Close()
			return
		case tentacle.CtrlProtocolMessage:
			m.writeProtocolMessage(event.ProtoID, event.Data)
		}
	}
}

// OpenProtocolStream implements tentacle.Session: opens a fresh yamux
// stream and sends the protocol-open handshake naming the configured
// protocol's most-preferred version.
func (m *muxSession) OpenProtocolStream(proto tentacle.ProtocolId) {
	meta, ok := m.protocols[proto]
	if !ok || len(meta.SupportedVersions) == 0 {
		return
	}
	m.mu.Lock()
	sess := m.sess
	m.mu.Unlock()
	if sess == nil {
		return
	}

	stream, err := sess.OpenStream()
	if err != nil {
		return
	}
	version := meta.SupportedVersions[0]
	if err := writeOpenHandshake(stream, proto, version); err != nil {
		_ = stream.Close()
		return
	}

	m.mu.Lock()
	m.streams[proto] = stream
	m.mu.Unlock()

	m.init.Inbox <- tentacle.SessionEvent{Kind: tentacle.EvProtocolOpen, SessionID: m.init.ID, ProtoID: proto, Version: version}
	go m.readLoop(stream, proto)
}

func (m *muxSession) serveInboundStream(stream *yamux.Stream) {
	proto, version, err := readOpenHandshake(stream)
	if err != nil {
		_ = stream.Close()
		return
	}
	if _, ok := m.protocols[proto]; !ok {
		_ = stream.Close()
		return
	}

	m.mu.Lock()
	m.streams[proto] = stream
	m.mu.Unlock()

	m.init.Inbox <- tentacle.SessionEvent{Kind: tentacle.EvProtocolOpen, SessionID: m.init.ID, ProtoID: proto, Version: version}
	m.readLoop(stream, proto)
}

func (m *muxSession) readLoop(stream *yamux.Stream, proto tentacle.ProtocolId) {
	defer func() {
		m.mu.Lock()
		if m.streams[proto] == stream {
			delete(m.streams, proto)
		}
		m.mu.Unlock()
		m.init.Inbox <- tentacle.SessionEvent{Kind: tentacle.EvProtocolClose, SessionID: m.init.ID, ProtoID: proto}
	}()

	for {
		raw, err := readFrame(stream)
		if err != nil {
			return
		}
		data := raw
		if codec, ok := m.codecs[proto]; ok {
			decoded, err := codec.Decode(raw)
			if err != nil {
				m.init.Logger.Debug("dropping malformed protocol frame", zap.Uint64("proto", uint64(proto)), zap.Error(err))
				continue
			}
			data = decoded
		}
		m.init.Inbox <- tentacle.SessionEvent{Kind: tentacle.EvProtocolMessage, SessionID: m.init.ID, ProtoID: proto, Data: data}
	}
}

func (m *muxSession) writeProtocolMessage(proto tentacle.ProtocolId, data []byte) {
	m.mu.Lock()
	stream, ok := m.streams[proto]
	m.mu.Unlock()
	if !ok {
		return
	}
	payload := data
	if codec, ok := m.codecs[proto]; ok {
		encoded, err := codec.Encode(data)
		if err != nil {
			m.init.Logger.Debug("dropping outbound protocol message, codec rejected it", zap.Uint64("proto", uint64(proto)), zap.Error(err))
			return
		}
		payload = encoded
	}
	if err := writeFrame(stream, payload); err != nil {
		m.init.Logger.Debug("dropping outbound protocol message after write failure", zap.Error(err))
	}
}

// writeOpenHandshake frames [varint protoID][varint versionLen][version].
func writeOpenHandshake(w io.Writer, proto tentacle.ProtocolId, version string) error {
	buf := varint.ToUvarint(uint64(proto))
	if _, err := w.Write(buf); err != nil {
		return err
	}
	return writeFrame(w, []byte(version))
}

func readOpenHandshake(r io.Reader) (tentacle.ProtocolId, string, error) {
	protoID, err := varint.ReadUvarint(byteReader{r})
	if err != nil {
		return 0, "", fmt.Errorf("muxsession: reading protocol id: %w", err)
	}
	version, err := readFrame(r)
	if err != nil {
		return 0, "", fmt.Errorf("muxsession: reading version: %w", err)
	}
	return tentacle.ProtocolId(protoID), string(version), nil
}

// writeFrame/readFrame use an unsigned-varint length prefix, the same
// encoding multiformats/go-varint gives multiaddr's own wire components.
func writeFrame(w io.Writer, payload []byte) error {
	prefix := varint.ToUvarint(uint64(len(payload)))
	if _, err := w.Write(prefix); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	n, err := varint.ReadUvarint(byteReader{r})
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// byteReader adapts an io.Reader for varint.ReadUvarint, which wants
// io.ByteReader; every concrete reader here (a yamux.Stream) exposes one
// reliable byte at a time fine through this shim.
type byteReader struct{ io.Reader }

func (b byteReader) ReadByte() (byte, error) {
	var buf [1]byte
	_, err := io.ReadFull(b.Reader, buf[:])
	return buf[0], err
}
