package key

// TxID is a 12-byte transaction ID, shared by STUN, relay, and probe messages.
type TxID [12]byte

// NewTxID returns a new random TxID.
func NewTxID() TxID {
	var tx TxID
	rand(tx[:])
	return tx
}
