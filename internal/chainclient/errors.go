package chainclient

import "errors"

var (
	ErrWrongResponse  = errors.New("chainclient: response id/shape did not match the pending request")
	ErrTxDoesNotExist = errors.New("chainclient: server reports transaction does not exist")
	ErrClosed         = errors.New("chainclient: connection closed")
	ErrSendFailed     = errors.New("chainclient: exhausted send retries")
)
