package peer

import (
	"errors"
	"net"
	"net/netip"
	"slices"
	"time"

	"github.com/edup2p/gamelink/types"
)

// frame is one packet read off a socket. br is nil for the external socket.
type frame struct {
	pkt []byte
	src netip.AddrPort
	br  *bridge
}

// sockRecv reads conn until it is closed or the peer is disposed, and queues every packet for Update.
func (p *Peer) sockRecv(conn types.UDPConn, br *bridge) {
	defer p.wg.Done()

	defer func() {
		if v := recover(); v != nil {
			p.l.Error("socket reader panicked", "err", v)
		}
	}()

	buf := make([]byte, maxPacketSize)

	for {
		if p.ctx.Err() != nil {
			return
		}

		if err := conn.SetReadDeadline(time.Now().Add(SockRecvReadTimeout)); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			p.l.Warn("could not set read deadline", "err", err)
		}

		n, ap, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}

			p.l.Debug("socket read failed", "err", err)
			continue
		}

		if n == 0 {
			continue
		}

		select {
		case <-p.ctx.Done():
			return
		case p.frames <- frame{pkt: slices.Clone(buf[:n]), src: types.NormaliseAddrPort(ap), br: br}:
		}
	}
}
