package pdu

import "fmt"

// Command status values the gateway distinguishes.
const (
	StatusOK              uint32 = 0x00000000
	StatusInvalidMsgLen   uint32 = 0x00000001
	StatusInvalidCmdLen   uint32 = 0x00000002
	StatusInvalidCmdID    uint32 = 0x00000003
	StatusInvalidBindStat uint32 = 0x00000004
	StatusAlreadyBound    uint32 = 0x00000005
	StatusSystemError     uint32 = 0x00000008
	StatusInvalidSrcAddr  uint32 = 0x0000000A
	StatusInvalidDstAddr  uint32 = 0x0000000B
	StatusBindFailed      uint32 = 0x0000000D
	StatusInvalidPassword uint32 = 0x0000000E
	StatusInvalidSystemID uint32 = 0x0000000F
	StatusMsgQueueFull    uint32 = 0x00000014
	StatusSubmitFailed    uint32 = 0x00000045
	StatusThrottled       uint32 = 0x00000058
	StatusTempAppError    uint32 = 0x00000064
	StatusUnknownError    uint32 = 0x000000FF
)

// IsTransient reports whether a rejected submit may succeed if retried.
func IsTransient(status uint32) bool {
	switch status {
	case StatusInvalidBindStat, StatusSystemError, StatusMsgQueueFull, StatusThrottled, StatusTempAppError:
		return true
	}
	return false
}

// StatusText names a command status for logs.
func StatusText(status uint32) string {
	switch status {
	case StatusOK:
		return "ESME_ROK"
	case StatusInvalidMsgLen:
		return "ESME_RINVMSGLEN"
	case StatusInvalidCmdLen:
		return "ESME_RINVCMDLEN"
	case StatusInvalidCmdID:
		return "ESME_RINVCMDID"
	case StatusInvalidBindStat:
		return "ESME_RINVBNDSTS"
	case StatusAlreadyBound:
		return "ESME_RALYBND"
	case StatusSystemError:
		return "ESME_RSYSERR"
	case StatusInvalidSrcAddr:
		return "ESME_RINVSRCADR"
	case StatusInvalidDstAddr:
		return "ESME_RINVDSTADR"
	case StatusBindFailed:
		return "ESME_RBINDFAIL"
	case StatusInvalidPassword:
		return "ESME_RINVPASWD"
	case StatusInvalidSystemID:
		return "ESME_RINVSYSID"
	case StatusMsgQueueFull:
		return "ESME_RMSGQFUL"
	case StatusSubmitFailed:
		return "ESME_RSUBMITFAIL"
	case StatusThrottled:
		return "ESME_RTHROTTLED"
	case StatusTempAppError:
		return "ESME_RX_T_APPN"
	case StatusUnknownError:
		return "ESME_RUNKNOWNERR"
	default:
		return fmt.Sprintf("0x%08X", status)
	}
}
