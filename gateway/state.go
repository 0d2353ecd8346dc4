package gateway

// State is a step of a paid request.
type State int

const (
	Unpaid State = iota
	ChallengeIssued
	PayloadReceived
	SignatureValid
	NonceReserved
	Settling
	Settled
	Granted
	Rejected
	PassThrough
)

func (s State) String() string {
	switch s {
	case Unpaid:
		return "unpaid"
	case ChallengeIssued:
		return "challenge_issued"
	case PayloadReceived:
		return "payload_received"
	case SignatureValid:
		return "signature_valid"
	case NonceReserved:
		return "nonce_reserved"
	case Settling:
		return "settling"
	case Settled:
		return "settled"
	case Granted:
		return "granted"
	case Rejected:
		return "rejected"
	case PassThrough:
		return "pass_through"
	default:
		return "invalid"
	}
}

// Final reports whether no transition leaves s.
func (s State) Final() bool {
	switch s {
	case ChallengeIssued, Granted, Rejected, PassThrough:
		return true
	}
	return false
}
