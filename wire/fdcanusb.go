package wire

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/corvid-robotics/multiplex/cmn/logx"
)

// FDCANUSBCarrier talks the mjbots fdcanusb gateway's line-oriented ASCII
// protocol over a USB-serial connection: "can send <hex arbid> <hex
// payload>\n" to transmit and "rcv <hex arbid> <hex payload>\n" lines
// received asynchronously. This is not one of spec §4.A's two carriers; it
// is a third, USB-gateway variant of the CAN-FD carrier's addressing
// scheme, included because the reference hardware this engine targets is
// commonly bridged to a host over exactly this gateway.
type FDCANUSBCarrier struct {
	mu     sync.Mutex
	w      io.Writer
	lines  <-chan string
	errs   <-chan error
	selfID int
}

// NewFDCANUSBCarrier wraps an open fdcanusb device (typically a
// /dev/ttyACM* opened as a serial port at its fixed USB-CDC baud rate).
func NewFDCANUSBCarrier(r io.Reader, w io.Writer, selfID int) *FDCANUSBCarrier {
	lines := make(chan string, 16)
	errc := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			lines <- sc.Text()
		}
		if err := sc.Err(); err != nil {
			errc <- err
		} else {
			errc <- io.EOF
		}
		close(lines)
	}()
	return &FDCANUSBCarrier{w: w, lines: lines, errs: errc, selfID: selfID}
}

// Write sends one frame as a "can send" gateway command.
func (c *FDCANUSBCarrier) Write(_ context.Context, f Frame) error {
	id := encodeCANFDID(f)
	line := fmt.Sprintf("can send %x %s\n", id, hex.EncodeToString(f.Payload))
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := io.WriteString(c.w, line)
	return err
}

// WriteMultiple issues one "can send" command per frame, stopping at the
// first error, mirroring the CAN-FD carrier's semantics since the gateway
// itself has no batched-send command.
func (c *FDCANUSBCarrier) WriteMultiple(ctx context.Context, frames []Frame) error {
	for _, f := range frames {
		if err := c.Write(ctx, f); err != nil {
			return err
		}
	}
	return nil
}

// Read blocks for the next "rcv" line from the gateway, skipping "OK" and
// other diagnostic lines the gateway also emits.
func (c *FDCANUSBCarrier) Read(ctx context.Context) (Frame, error) {
	for {
		select {
		case <-ctx.Done():
			return Frame{}, ErrTimeout
		case line, ok := <-c.lines:
			if !ok {
				return Frame{}, <-c.errs
			}
			f, ok := parseRcvLine(line)
			if !ok {
				logx.Infof("fdcanusb: ignoring line %q", line)
				continue
			}
			if c.selfID >= 0 && f.DestID != c.selfID && f.DestID != 0x7f {
				continue
			}
			return f, nil
		}
	}
}

func parseRcvLine(line string) (Frame, bool) {
	fields := strings.Fields(line)
	if len(fields) != 3 || fields[0] != "rcv" {
		return Frame{}, false
	}
	id64, err := strconv.ParseUint(fields[1], 16, 32)
	if err != nil {
		return Frame{}, false
	}
	payload, err := hex.DecodeString(fields[2])
	if err != nil {
		return Frame{}, false
	}
	sourceID, destID, requestReply := decodeCANFDID(uint32(id64))
	return Frame{SourceID: sourceID, DestID: destID, RequestReply: requestReply, Payload: payload}, true
}

var _ Carrier = (*FDCANUSBCarrier)(nil)
