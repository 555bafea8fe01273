package cohort

import "errors"

var (
	ErrInvalidCfg    = errors.New("group: invalid options")
	ErrInvalidMaster = errors.New("group: master rank out of range")
	ErrInvalidGroup  = errors.New("group: rank or size query failed")
	ErrNotMember     = errors.New("group: process is not a member of the subgroup")
	ErrClosed        = errors.New("group: already closed")

	ErrOpenFailed  = errors.New("group: master could not open file")
	ErrCloseFailed = errors.New("group: master could not close file")
	ErrBadMode     = errors.New("group: invalid file mode")

	// Substrate outcomes, see `Code.Err`.
	ErrComm      = errors.New("substrate: invalid communicator")
	ErrCount     = errors.New("substrate: invalid count argument")
	ErrType      = errors.New("substrate: invalid datatype argument")
	ErrBuffer    = errors.New("substrate: invalid buffer")
	ErrRoot      = errors.New("substrate: invalid root")
	ErrRank      = errors.New("substrate: invalid rank")
	ErrTag       = errors.New("substrate: invalid tag")
	ErrTruncate  = errors.New("substrate: message truncated")
	ErrTransport = errors.New("substrate: transport failure")
	ErrUnknown   = errors.New("substrate: unknown error")
)
