package fabric

import (
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"
)

var (
	ErrInvalidCfg     = errors.New("fabric: invalid options")
	ErrJoinCluster    = errors.New("fabric: could not join job")
	ErrUnknownPeer    = errors.New("fabric: rank has not been discovered")
	ErrRosterConflict = errors.New("fabric: two nodes claim the same rank")
	ErrFabricClosed   = errors.New("fabric: job is shut down")

	ErrBufferSize        = errors.New("transport: could not allocate udp buffer")
	ErrInvalidAddr       = errors.New("transport: the address you provided is invalid")
	ErrShutdown          = errors.New("transport: shutting down")
	ErrStreamWrite       = errors.New("transport: error writing to a stream")
	ErrProtocolViolation = errors.New("transport: protocol violation")
	ErrNoTLSConfig       = errors.New("transport: TlsConfig is required")
	ErrTooLargeFrame     = errors.New("transport: frame was too large")
)

var (
	QErrStreamProtocolViolation = quic.StreamErrorCode(0xFF)
	QErrStreamShutdown          = quic.StreamErrorCode(0x3)
)

var (
	QErrInternal = QuicApplicationError{
		Code:   0x1,
		Prefix: "internal",
	}
	QErrShutdown = QuicApplicationError{
		Code:   0x3,
		Prefix: "shutdown",
	}
)

type QuicApplicationError struct {
	Code   uint64
	Prefix string
}

func (qerr *QuicApplicationError) Close(conn quic.Connection, msg string) error {
	if conn != nil {
		return conn.CloseWithError(
			quic.ApplicationErrorCode(qerr.Code),
			fmt.Sprintf("%s: %s", qerr.Prefix, msg),
		)
	}
	return nil
}
