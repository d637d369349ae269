package canopen

import "errors"

var (
	ErrIllegalArgument    = errors.New("error in function arguments")
	ErrOutOfMemory        = errors.New("memory allocation failed")
	ErrIllegalBaudrate    = errors.New("illegal baudrate passed to function")
	ErrRxOverflow         = errors.New("previous message was not processed yet")
	ErrRxMsgLength        = errors.New("wrong receive message length")
	ErrRxPdoLength        = errors.New("wrong receive PDO length")
	ErrTxOverflow         = errors.New("previous message is still waiting, buffer full")
	ErrOdParameters       = errors.New("error in object dictionary parameters")
	ErrNoBus              = errors.New("no bus connected or bus stopped")
	ErrNodeIdUnconfigured = errors.New("node-id is in LSS unconfigured state")
)
