package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"syscall"

	"github.com/cespare/xxhash/v2"
	"github.com/phuslu/log"
)

// PacketConn is the unreliable datagram primitive the engine runs on.
// Reads must never block: when no datagram is pending, ok is false. Peers
// are addressed by opaque strings ("host:port" for UDP).
type PacketConn interface {
	ReadFrom(buf []byte) (n int, addr string, ok bool, err error)
	WriteTo(data []byte, addr string) error
	LocalAddr() string
	Close() error
}

// AddrKey collapses a peer address into a cheap map key.
type AddrKey uint64

func MakeAddrKey(addr string) AddrKey {
	return AddrKey(xxhash.Sum64String(addr))
}

// UDPConn adapts a UDP socket to PacketConn with truly non-blocking reads
// (MSG_DONTWAIT through the raw connection, so a poll with an empty socket
// buffer returns immediately instead of stalling on a deadline).
type UDPConn struct {
	conn *net.UDPConn
	raw  syscall.RawConn

	logger *log.Logger

	addrCache map[string]*net.UDPAddr
}

func NewUDPConn(network, address string, logger *log.Logger) (*UDPConn, error) {
	addr, err := net.ResolveUDPAddr(network, address)
	if err != nil {
		return nil, fmt.Errorf("could not resolve udp addr: %w", err)
	}

	conn, err := net.ListenUDP(network, addr)
	if err != nil {
		return nil, fmt.Errorf("could not listen udp: %w", err)
	}

	raw, err := conn.SyscallConn()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("could not get raw conn: %w", err)
	}

	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	return &UDPConn{
		conn: conn,
		raw:  raw,

		logger: logger,

		addrCache: make(map[string]*net.UDPAddr),
	}, nil
}

func (c *UDPConn) ReadFrom(buf []byte) (int, string, bool, error) {
	var (
		n    int
		sa   syscall.Sockaddr
		rerr error
	)
	err := c.raw.Read(func(fd uintptr) bool {
		n, sa, rerr = syscall.Recvfrom(int(fd), buf, syscall.MSG_DONTWAIT)
		// always done: never let the runtime park this goroutine
		return true
	})
	if err != nil {
		return 0, "", false, fmt.Errorf("could not read raw conn: %w", err)
	}
	if rerr != nil {
		if errors.Is(rerr, syscall.EAGAIN) || errors.Is(rerr, syscall.EWOULDBLOCK) {
			return 0, "", false, nil
		}
		return 0, "", false, fmt.Errorf("could not recvfrom: %w", rerr)
	}
	return n, sockaddrString(sa), true, nil
}

func (c *UDPConn) WriteTo(data []byte, addr string) error {
	udpAddr, ok := c.addrCache[addr]
	if !ok {
		resolved, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			return fmt.Errorf("could not resolve udp addr %q: %w", addr, err)
		}
		c.addrCache[addr] = resolved
		udpAddr = resolved
	}

	_, err := c.conn.WriteToUDP(data, udpAddr)
	return err
}

// LocalAddr can be useful to retrieve the bound address when the conn was
// constructed with ":0".
func (c *UDPConn) LocalAddr() string {
	return c.conn.LocalAddr().String()
}

func (c *UDPConn) Close() error {
	return c.conn.Close()
}

func sockaddrString(sa syscall.Sockaddr) string {
	switch sa := sa.(type) {
	case *syscall.SockaddrInet4:
		return net.JoinHostPort(net.IP(sa.Addr[:]).String(), strconv.Itoa(sa.Port))
	case *syscall.SockaddrInet6:
		return net.JoinHostPort(net.IP(sa.Addr[:]).String(), strconv.Itoa(sa.Port))
	}
	return ""
}
