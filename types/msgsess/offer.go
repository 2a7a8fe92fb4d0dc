package msgsess

import (
	"fmt"

	"github.com/edup2p/gamelink/types"
	"github.com/edup2p/gamelink/types/key"
)

// Offer is sent by the joining side to open a session, carrying its gathered candidates.
type Offer struct {
	Session    key.SessionID
	Candidates []types.Candidate
}

func (o *Offer) SessionID() key.SessionID { return o.Session }

func (o *Offer) MarshalSessionMessage() []byte {
	return appendCandidates(header(OfferMessage, o.Session), o.Candidates)
}

func (o *Offer) Debug() string {
	return fmt.Sprintf("offer sess=%s candidates=%v", o.Session.Debug(), o.Candidates)
}

// Answer is the hosting side's reply to an Offer, carrying its own candidates.
type Answer struct {
	Session    key.SessionID
	Candidates []types.Candidate
}

func (a *Answer) SessionID() key.SessionID { return a.Session }

func (a *Answer) MarshalSessionMessage() []byte {
	return appendCandidates(header(AnswerMessage, a.Session), a.Candidates)
}

func (a *Answer) Debug() string {
	return fmt.Sprintf("answer sess=%s candidates=%v", a.Session.Debug(), a.Candidates)
}
