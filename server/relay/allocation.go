package relay

import (
	"errors"
	"net"
	"net/netip"
	"time"

	"github.com/edup2p/gamelink/types"
	"github.com/edup2p/gamelink/types/key"
	"github.com/edup2p/gamelink/types/relay"
)

type allocation struct {
	id     string
	client netip.AddrPort

	username string
	origin   string

	conn    *net.UDPConn
	relayed netip.AddrPort

	// guarded by Server.mu
	expiry   time.Time
	lastTx   key.TxID
	lifetime time.Duration
}

// readLoop forwards everything arriving on the relayed socket to the client, as data indications.
func (s *Server) readLoop(a *allocation) {
	defer s.wg.Done()

	buf := make([]byte, MaxPacketSize)

	for {
		n, from, err := a.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.l.Debug("relayed socket read failed", "alloc", a.id, "err", err)
			continue
		}

		s.metrics.relayedBytes.WithLabelValues("to_client").Add(float64(n))

		ind := relay.DataIndication(types.NormaliseAddrPort(from), buf[:n])
		if _, err := s.conn.WriteToUDPAddrPort(ind, a.client); err != nil {
			s.l.Debug("could not forward data to client", "alloc", a.id, "client", a.client, "err", err)
		}
	}
}
