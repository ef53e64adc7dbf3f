//go:build linux

package wire

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// canfdMaxPayload is the CAN-FD carrier's fixed payload ceiling (spec
// §4.A item 2). Identifier encoding constants and DLC rounding live in
// canid.go, shared with the fdcanusb gateway carrier.
const canfdMaxPayload = 64

// canfdFrame mirrors struct canfd_frame from linux/can.h: a 4-byte id, a
// length byte, two flag/reserved bytes, and up to 64 bytes of payload. Laid
// out manually (rather than via cgo) since x/sys/unix does not expose
// SocketCAN's frame and sockaddr types; this is the same approach taken by
// the handful of pure-Go SocketCAN libraries in the wild.
type canfdFrame struct {
	id    uint32
	len   uint8
	flags uint8
	res0  uint8
	res1  uint8
	data  [64]byte
}

const canfdFrameSize = 72 // 4 + 1 + 1 + 1 + 1 + 64

func (f *canfdFrame) marshal() []byte {
	b := make([]byte, canfdFrameSize)
	binary.LittleEndian.PutUint32(b[0:4], f.id)
	b[4] = f.len
	b[5] = f.flags
	copy(b[8:], f.data[:])
	return b
}

func (f *canfdFrame) unmarshal(b []byte) {
	f.id = binary.LittleEndian.Uint32(b[0:4])
	f.len = b[4]
	f.flags = b[5]
	copy(f.data[:], b[8:])
}

// CANFDCarrier implements the CAN-FD carrier of spec §4.A over a SocketCAN
// raw socket (CAN_RAW, one interface, CAN-FD frames enabled).
type CANFDCarrier struct {
	mu     sync.Mutex
	fd     int
	selfID int
}

// NewCANFDCarrier opens a CAN_RAW socket on ifaceName (e.g. "can0"),
// enables CAN-FD frame reception, and binds it. selfID restricts Read to
// frames addressed to it or to broadcast; pass -1 to accept all.
func NewCANFDCarrier(ifaceName string, selfID int) (*CANFDCarrier, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("wire: socket(AF_CAN): %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("wire: enable CAN-FD frames: %w", err)
	}
	ifi, err := unix.IfNameToIndex(ifaceName)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("wire: lookup interface %s: %w", ifaceName, err)
	}
	if err := bindCANRaw(fd, int(ifi)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("wire: bind %s: %w", ifaceName, err)
	}
	return &CANFDCarrier{fd: fd, selfID: selfID}, nil
}

// Close releases the underlying socket.
func (c *CANFDCarrier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return unix.Close(c.fd)
}

// Write sends one frame as a single CAN-FD datagram.
func (c *CANFDCarrier) Write(_ context.Context, f Frame) error {
	if len(f.Payload) > canfdMaxPayload {
		return fmt.Errorf("wire: payload of %d bytes exceeds CAN-FD max of 64", len(f.Payload))
	}
	dlc, err := canfdRoundUpLen(len(f.Payload))
	if err != nil {
		return err
	}
	var fr canfdFrame
	fr.id = encodeCANFDID(f)
	fr.len = uint8(dlc)
	fr.flags = 0x01 // CANFD_BRS: bit rate switch, typical for FD links
	copy(fr.data[:], f.Payload)
	for i := len(f.Payload); i < dlc; i++ {
		fr.data[i] = 0x50 // spec: pad with 0x50 bytes, not NOPs
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = unix.Write(c.fd, fr.marshal())
	return err
}

// WriteMultiple sends frames in order, stopping at the first error (spec
// §4.A: "the CAN-FD carrier sends them in order and stops on the first
// error").
func (c *CANFDCarrier) WriteMultiple(ctx context.Context, frames []Frame) error {
	for _, f := range frames {
		if err := c.Write(ctx, f); err != nil {
			return err
		}
	}
	return nil
}

// Read blocks for one CAN-FD datagram addressed to this endpoint.
func (c *CANFDCarrier) Read(ctx context.Context) (Frame, error) {
	type result struct {
		f   Frame
		err error
	}
	done := make(chan result, 1)
	go func() {
		for {
			buf := make([]byte, canfdFrameSize)
			n, err := unix.Read(c.fd, buf)
			if err != nil {
				done <- result{err: err}
				return
			}
			if n < canfdFrameSize {
				continue // classic CAN frame or short read, not CAN-FD; ignore
			}
			var fr canfdFrame
			fr.unmarshal(buf)
			sourceID, destID, requestReply := decodeCANFDID(fr.id)
			if c.selfID >= 0 && destID != c.selfID && destID != 0x7f {
				continue
			}
			payload := make([]byte, fr.len)
			copy(payload, fr.data[:fr.len])
			done <- result{f: Frame{SourceID: sourceID, DestID: destID, RequestReply: requestReply, Payload: payload}}
			return
		}
	}()
	select {
	case <-ctx.Done():
		return Frame{}, ErrTimeout
	case res := <-done:
		return res.f, res.err
	}
}

// bindCANRaw binds fd to the given interface index. golang.org/x/sys/unix
// has no typed sockaddr_can, so the struct is built by hand: 2-byte
// family, 2 bytes padding, 4-byte ifindex, then 8 zeroed bytes for the
// can_addr union's tp member (rx_id, tx_id), which the kernel ignores for
// CAN_RAW sockets.
func bindCANRaw(fd, ifindex int) error {
	var sa [16]byte
	binary.LittleEndian.PutUint16(sa[0:2], unix.AF_CAN)
	binary.LittleEndian.PutUint32(sa[4:8], uint32(ifindex))
	_, _, errno := unix.Syscall(unix.SYS_BIND, uintptr(fd), uintptr(unsafe.Pointer(&sa[0])), uintptr(len(sa)))
	if errno != 0 {
		return errno
	}
	return nil
}

var _ Carrier = (*CANFDCarrier)(nil)
