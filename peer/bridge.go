package peer

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/edup2p/gamelink/types"
)

// bridge is a loopback socket standing in for the remote side, towards the local game transport.
//
// On the hosting side, it is dialled to the game server, which sees every remote as a distinct bridge endpoint.
// On the joining side, the game client connects to it, and game is learned from the first packet.
type bridge struct {
	sess *session

	conn  types.UDPConn
	local netip.AddrPort
	game  netip.AddrPort

	closed bool
}

func (p *Peer) openBridge(s *session, bind netip.Addr, game netip.AddrPort) (*bridge, error) {
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(netip.AddrPortFrom(bind, 0)))
	if err != nil {
		return nil, fmt.Errorf("could not open bridge on %s: %w", bind, err)
	}

	br := &bridge{
		sess:  s,
		conn:  conn,
		local: types.LocalAddrPort(conn),
		game:  game,
	}

	p.wg.Add(1)
	go p.sockRecv(conn, br)

	return br, nil
}

func (b *bridge) toGame(pkt []byte) error {
	if b.closed || !b.game.IsValid() {
		return nil
	}

	_, err := b.conn.WriteToUDPAddrPort(pkt, b.game)
	return err
}

func (b *bridge) close() error {
	if b.closed {
		return nil
	}
	b.closed = true

	return b.conn.Close()
}
