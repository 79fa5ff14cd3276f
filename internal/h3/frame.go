package h3

import (
	"bytes"
	"fmt"
	"io"

	"github.com/quic-go/qpack"
	"github.com/quic-go/quic-go/quicvarint"

	"github.com/naviserver/httpengine/internal/errkind"
	"github.com/naviserver/httpengine/internal/upcall"
)

// HTTP/3 frame types (RFC 9114 §7.2).
type frameType uint64

const (
	frameTypeData       frameType = 0x00
	frameTypeHeaders    frameType = 0x01
	frameTypeCancelPush frameType = 0x03
	frameTypeSettings   frameType = 0x04
	frameTypeGoAway     frameType = 0x07
	frameTypeMaxPushID  frameType = 0x0d
)

// Unidirectional stream types (RFC 9114 §6.2).
const (
	streamTypeControl      uint64 = 0x00
	streamTypePush         uint64 = 0x01
	streamTypeQPACKEncoder uint64 = 0x02
	streamTypeQPACKDecoder uint64 = 0x03
)

// Settings identifiers (RFC 9114 §7.2.4.1).
const (
	settingQPACKMaxTableCapacity uint64 = 0x01
	settingMaxFieldSectionSize   uint64 = 0x06
	settingQPACKBlockedStreams   uint64 = 0x07
)

// defaultMaxFieldSectionSize is the server's advertised header limit.
const defaultMaxFieldSectionSize = 16 * 1024

// frameEvents receives the parse results of one stream's byte flow.
// DATA payloads arrive in fragments; HEADERS blocks arrive whole.
type frameEvents interface {
	onHeadersBlock(block []byte) error
	onDataFragment(payload []byte) error
	onDataEnd() error
	onSettings(settings map[uint64]uint64) error
	onGoAway(streamID uint64) error
}

// frameParser is the incremental per-stream HTTP/3 frame state
// machine: it accepts arbitrarily fragmented input and emits events.
// HEADERS payloads are accumulated before decoding; DATA payloads are
// forwarded fragment by fragment.
type frameParser struct {
	events frameEvents

	hdr       []byte // staging for the type/length varints
	inPayload bool
	ftype     frameType
	flen      uint64
	fgot      uint64
	accum     []byte // HEADERS/SETTINGS/GOAWAY payload accumulation
}

func newFrameParser(events frameEvents) *frameParser {
	return &frameParser{events: events}
}

// feed consumes buf completely or returns an error.
func (fp *frameParser) feed(buf []byte) error {
	for len(buf) > 0 {
		if !fp.inPayload {
			n, ok, err := fp.feedHeader(buf)
			if err != nil {
				return err
			}
			buf = buf[n:]
			if !ok {
				return nil
			}
			continue
		}
		want := fp.flen - fp.fgot
		n := uint64(len(buf))
		if n > want {
			n = want
		}
		if err := fp.payload(buf[:n]); err != nil {
			return err
		}
		fp.fgot += n
		buf = buf[n:]
		if fp.fgot == fp.flen {
			if err := fp.finishFrame(); err != nil {
				return err
			}
		}
	}
	return nil
}

// feedHeader stages bytes until the type and length varints are both
// complete. Returns consumed count and whether the header finished.
func (fp *frameParser) feedHeader(buf []byte) (int, bool, error) {
	consumed := 0
	for consumed < len(buf) {
		fp.hdr = append(fp.hdr, buf[consumed])
		consumed++
		r := bytes.NewReader(fp.hdr)
		ftype, err := quicvarint.Read(r)
		if err != nil {
			continue // type varint incomplete
		}
		flen, err := quicvarint.Read(r)
		if err != nil {
			continue // length varint incomplete
		}
		if r.Len() != 0 {
			return 0, false, errkind.ProtocolError("frame header overrun", nil)
		}
		fp.hdr = fp.hdr[:0]
		fp.ftype = frameType(ftype)
		fp.flen = flen
		fp.fgot = 0
		fp.inPayload = true
		fp.accum = fp.accum[:0]
		if flen == 0 {
			if err := fp.finishFrame(); err != nil {
				return consumed, false, err
			}
		}
		return consumed, true, nil
	}
	return consumed, false, nil
}

func (fp *frameParser) payload(b []byte) error {
	switch fp.ftype {
	case frameTypeData:
		return fp.events.onDataFragment(b)
	default:
		fp.accum = append(fp.accum, b...)
		return nil
	}
}

func (fp *frameParser) finishFrame() error {
	fp.inPayload = false
	switch fp.ftype {
	case frameTypeData:
		return fp.events.onDataEnd()
	case frameTypeHeaders:
		block := append([]byte(nil), fp.accum...)
		return fp.events.onHeadersBlock(block)
	case frameTypeSettings:
		settings, err := parseSettingsPayload(fp.accum)
		if err != nil {
			return err
		}
		return fp.events.onSettings(settings)
	case frameTypeGoAway:
		sid, err := quicvarint.Read(bytes.NewReader(fp.accum))
		if err != nil {
			return errkind.ProtocolError("malformed GOAWAY", err)
		}
		return fp.events.onGoAway(sid)
	case frameTypeCancelPush, frameTypeMaxPushID:
		// Push is never enabled on this server; tolerate and ignore.
		return nil
	default:
		// Unknown frame types are skipped (RFC 9114 §9).
		return nil
	}
}

func parseSettingsPayload(payload []byte) (map[uint64]uint64, error) {
	out := make(map[uint64]uint64)
	r := bytes.NewReader(payload)
	for r.Len() > 0 {
		id, err := quicvarint.Read(r)
		if err != nil {
			return nil, errkind.ProtocolError("malformed SETTINGS id", err)
		}
		value, err := quicvarint.Read(r)
		if err != nil {
			return nil, errkind.ProtocolError("malformed SETTINGS value", err)
		}
		out[id] = value
	}
	return out, nil
}

// --- frame construction ---

// appendFrameHeader renders a frame's type and length varints.
func appendFrameHeader(buf []byte, t frameType, length uint64) []byte {
	buf = quicvarint.Append(buf, uint64(t))
	buf = quicvarint.Append(buf, length)
	return buf
}

// settingsFrame renders the server's SETTINGS frame for the control
// stream, preceded by nothing (the stream-type varint is written by
// the caller).
func settingsFrame() []byte {
	var payload []byte
	payload = quicvarint.Append(payload, settingMaxFieldSectionSize)
	payload = quicvarint.Append(payload, defaultMaxFieldSectionSize)
	payload = quicvarint.Append(payload, settingQPACKMaxTableCapacity)
	payload = quicvarint.Append(payload, 0) // static-table-only QPACK
	payload = quicvarint.Append(payload, settingQPACKBlockedStreams)
	payload = quicvarint.Append(payload, 0)
	buf := appendFrameHeader(nil, frameTypeSettings, uint64(len(payload)))
	return append(buf, payload...)
}

// goAwayFrame renders a GOAWAY carrying the lowest unhandled stream ID.
func goAwayFrame(streamID uint64) []byte {
	payload := quicvarint.Append(nil, streamID)
	buf := appendFrameHeader(nil, frameTypeGoAway, uint64(len(payload)))
	return append(buf, payload...)
}

// encodeHeadersFrame QPACK-encodes the response fields and wraps them
// in a HEADERS frame.
func encodeHeadersFrame(fields []upcall.Field) ([]byte, error) {
	var block bytes.Buffer
	enc := qpack.NewEncoder(&block)
	for _, f := range fields {
		if err := enc.WriteField(qpack.HeaderField{Name: f.Name, Value: f.Value}); err != nil {
			return nil, errkind.ProtocolError(fmt.Sprintf("QPACK encode of %q failed", f.Name), err)
		}
	}
	buf := appendFrameHeader(nil, frameTypeHeaders, uint64(len(block.Bytes())))
	return append(buf, block.Bytes()...), nil
}

// decodeHeaderBlock QPACK-decodes a HEADERS payload into fields.
func decodeHeaderBlock(block []byte) ([]qpack.HeaderField, error) {
	var fields []qpack.HeaderField
	dec := qpack.NewDecoder()
	next := dec.Decode(block)
	for {
		f, err := next()
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, errkind.ProtocolError("QPACK decode failed", err)
		}
		fields = append(fields, f)
	}
	return fields, nil
}

// dataFrameHeader renders just the DATA frame header for a payload of
// the given length; the payload itself is written straight from the
// shared pending queue so body bytes are never copied into framing.
func dataFrameHeader(length uint64) []byte {
	return appendFrameHeader(nil, frameTypeData, length)
}
