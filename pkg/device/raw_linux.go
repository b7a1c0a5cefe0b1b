//go:build linux

package device

import (
	"encoding/binary"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

func init() {
	Register("raw", newRawSocket)
}

// rawSocket is a Raw transport backed by an AF_PACKET SOCK_RAW socket bound
// to one interface, reading EtherType 0x88A4 frames only. This is the
// promoted-to-direct use of golang.org/x/sys/unix the teacher already reaches
// for in bus_manager.go (unix.CAN_SFF_MASK), extended here to the raw
// Ethernet socket + SIOCGIFFLAGS/SIOCSIFFLAGS ioctls a real master needs.
type rawSocket struct {
	mu     sync.Mutex
	fd     int
	ifName string
	closed bool
}

func newRawSocket(ifaceName string) (Raw, error) {
	proto := htons(0x88A4)
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(proto))
	if err != nil {
		return nil, fmt.Errorf("device: socket: %w", err)
	}
	ifi, err := unix.IoctlGetIfreq(fd, unix.SIOCGIFINDEX, ifaceName)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("device: lookup interface %q: %w", ifaceName, err)
	}
	ifIndex := ifi.Uint32()
	sll := unix.SockaddrLinklayer{Protocol: proto, Ifindex: int(ifIndex)}
	if err := unix.Bind(fd, &sll); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("device: bind: %w", err)
	}
	r := &rawSocket{fd: fd, ifName: ifaceName}
	return r, nil
}

func htons(v uint16) uint16 {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return binary.LittleEndian.Uint16(b)
}

func (r *rawSocket) WriteFrame(frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return unix.EBADF
	}
	_, err := unix.Write(r.fd, frame)
	return err
}

func (r *rawSocket) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return unix.Close(r.fd)
}

// ReceiveLoop reads frames off the socket and feeds them to dev.Receive,
// until the socket is closed. Run this in its own goroutine; it is the
// "NIC driver" side of the §6 boundary for the raw transport.
func (r *rawSocket) ReceiveLoop(dev *Device) {
	buf := make([]byte, 2048)
	for {
		n, err := unix.Read(r.fd, buf)
		if err != nil {
			if r.isClosed() {
				return
			}
			log.Warnf("[DEVICE] read error on %s: %v", r.ifName, err)
			continue
		}
		if n > 0 {
			frame := make([]byte, n)
			copy(frame, buf[:n])
			dev.Receive(frame)
		}
	}
}

func (r *rawSocket) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// SetLinkUp brings the named interface administratively up via
// SIOCGIFFLAGS/SIOCSIFFLAGS, mirroring Device.Open's contract at the OS
// level.
func SetLinkUp(ifaceName string, up bool) error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return err
	}
	defer unix.Close(fd)
	ifreq, err := unix.IoctlGetIfreq(fd, unix.SIOCGIFFLAGS, ifaceName)
	if err != nil {
		return err
	}
	flags := ifreq.Uint16()
	if up {
		flags |= unix.IFF_UP
	} else {
		flags &^= unix.IFF_UP
	}
	ifreq.SetUint16(flags)
	return unix.IoctlIfreq(fd, unix.SIOCSIFFLAGS, ifreq)
}
