package tlschannel

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Frame types multiplexed over a single TLS byte stream. Application
// messages (frameData) and the heartbeat liveness protocol (frameHeartbeat*,
// see SPEC_FULL.md §9) share one connection, so every write needs a
// type tag and a length prefix to stay delimited.
type frameType byte

const (
	frameData frameType = iota
	frameHeartbeatChallenge
	frameHeartbeatEcho
)

const maxFrameLen = 16 << 20 // 16MiB, generous for a local chat/control mesh

// writeFrame writes one length-prefixed frame: 1-byte type, 4-byte
// big-endian length, payload.
func writeFrame(w io.Writer, t frameType, payload []byte) error {
	header := make([]byte, 5)
	header[0] = byte(t)
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

// readFrame reads one frame written by writeFrame.
func readFrame(r io.Reader) (frameType, []byte, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	t := frameType(header[0])
	n := binary.BigEndian.Uint32(header[1:])
	if n > maxFrameLen {
		return 0, nil, fmt.Errorf("tlschannel: frame length %d exceeds maximum", n)
	}
	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, err
		}
	}
	return t, payload, nil
}
