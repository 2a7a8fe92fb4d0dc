package msgsess

import (
	"errors"
	"fmt"

	"github.com/edup2p/gamelink/types"
	"github.com/edup2p/gamelink/types/bin"
	"github.com/edup2p/gamelink/types/key"
)

// Session wire message:
//   Magic (8) + Version (1) + Type (1) + SessionID (8) + Data

const wireHeaderLen = len(Magic) + 2 + key.SessionIDLen

func LooksLikeSessionWireMessage(pkt []byte) bool {
	if len(pkt) < wireHeaderLen {
		// too short, cant possibly be a wire message
		return false
	}

	return string(pkt[:len(Magic)]) == Magic
}

var errTooSmall = errors.New("session message too small")

func ParseSessionMessage(pkt []byte) (SessionMessage, error) {
	if !LooksLikeSessionWireMessage(pkt) {
		return nil, errTooSmall
	}

	pkt = pkt[len(Magic):]

	version := pkt[0]
	msgType := pkt[1]
	sess := key.SessionID(pkt[2 : 2+key.SessionIDLen])

	specificMsg := pkt[2+key.SessionIDLen:]

	if VersionMarker(version) != v1 {
		return nil, fmt.Errorf("invalid version: %x", version)
	}

	switch MessageType(msgType) {
	case OfferMessage:
		cs, err := parseCandidates(specificMsg)
		if err != nil {
			return nil, err
		}
		return &Offer{Session: sess, Candidates: cs}, nil
	case AnswerMessage:
		cs, err := parseCandidates(specificMsg)
		if err != nil {
			return nil, err
		}
		return &Answer{Session: sess, Candidates: cs}, nil
	case ProbeMessage:
		return parseProbe(sess, specificMsg)
	case ProbeAckMessage:
		return parseProbeAck(sess, specificMsg)
	case BindMessage:
		if len(specificMsg) < 1 {
			return nil, errTooSmall
		}
		return &Bind{Session: sess, Type: types.ConnectionType(specificMsg[0])}, nil
	case BindAckMessage:
		return &BindAck{Session: sess}, nil
	case ByeMessage:
		return &Bye{Session: sess}, nil
	default:
		return nil, fmt.Errorf("invalid message type: %x", msgType)
	}
}

func appendCandidates(b []byte, cs []types.Candidate) []byte {
	b = append(b, byte(len(cs)))

	for _, c := range cs {
		b = append(b, byte(c.Kind))
		b = append(b, bin.PutAddrPort(c.AddrPort)...)
	}

	return b
}

const candidateLen = 1 + bin.AddrPortLen

func parseCandidates(b []byte) ([]types.Candidate, error) {
	if len(b) < 1 {
		return nil, errTooSmall
	}

	n := int(b[0])
	b = b[1:]

	if len(b) != n*candidateLen {
		return nil, errors.New("malformed candidate list")
	}

	cs := make([]types.Candidate, 0, n)
	for i := 0; i < n; i++ {
		cs = append(cs, types.Candidate{
			Kind:     types.CandidateKind(b[0]),
			AddrPort: bin.ParseAddrPort([bin.AddrPortLen]byte(b[1:candidateLen])),
		})
		b = b[candidateLen:]
	}

	return cs, nil
}

func parseProbe(sess key.SessionID, b []byte) (*Probe, error) {
	if len(b) < 12 {
		return nil, errTooSmall
	}

	return &Probe{Session: sess, TxID: key.TxID(b[:12])}, nil
}

func parseProbeAck(sess key.SessionID, b []byte) (*ProbeAck, error) {
	if len(b) < 12+bin.AddrPortLen {
		return nil, errTooSmall
	}

	txid := key.TxID(b[:12])
	b = b[12:]

	ap := bin.ParseAddrPort([bin.AddrPortLen]byte(b[:bin.AddrPortLen]))

	return &ProbeAck{Session: sess, TxID: txid, Src: ap}, nil
}
