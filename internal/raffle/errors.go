package raffle

import "errors"

var (
	ErrUnauthorized          = errors.New("raffle: caller is not authorized")
	ErrInvalidPhase          = errors.New("raffle: operation not allowed in current phase")
	ErrRoundExpired          = errors.New("raffle: round has expired")
	ErrRoundNotExpired       = errors.New("raffle: round has not expired")
	ErrPaymentMismatch       = errors.New("raffle: payment does not equal ticket count times price")
	ErrNoParticipants        = errors.New("raffle: no tickets sold")
	ErrPayoutFailed          = errors.New("raffle: winner payout failed")
	ErrWithdrawFailed        = errors.New("raffle: remainder withdrawal failed")
	ErrInvalidAddress        = errors.New("raffle: invalid address")
	ErrDepositFailed         = errors.New("raffle: ticket payment deposit failed")
	ErrInvalidPrice          = errors.New("raffle: ticket price must be positive")
	ErrInvalidInterval       = errors.New("raffle: round interval must be at least one second")
	ErrCredentialFailed      = errors.New("raffle: prize credential issuance failed")
	ErrRandomnessUnavailable = errors.New("raffle: randomness source failed")
	ErrRoundNotFound         = errors.New("raffle: round not found")
	ErrRestore               = errors.New("raffle: cannot restore rounds")
	ErrPersistFailed         = errors.New("raffle: transition could not be recorded")
)
