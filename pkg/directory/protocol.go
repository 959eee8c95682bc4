package directory

// Client wire protocol opcodes (§6 Directory wire protocol).
const (
	OpcodeRegister             byte = 0x01
	OpcodeUnregister           byte = 0x02
	OpcodeHeartbeat            byte = 0x03
	OpcodeDiscoverPeers        byte = 0x04
	OpcodeLeaveRequest         byte = 0x05
	OpcodeFetchInbox           byte = 0x06
	OpcodeRespond              byte = 0x07
	OpcodePostPermissionUpdate byte = 0x08
)

// Status codes returned in every reply (§6).
const (
	StatusOK         byte = 0
	StatusNotLeader  byte = 1
	StatusNotFound   byte = 2
	StatusConflict   byte = 3
	StatusInvalid    byte = 4
	StatusServerBusy byte = 5
)

func statusForErr(err error) byte {
	switch err {
	case nil:
		return StatusOK
	case ErrAlreadyOnlineElsewhere:
		return StatusConflict
	case ErrNotFound, ErrRequestNotFound:
		return StatusNotFound
	case ErrNotRegistered, ErrTargetUnknown:
		return StatusInvalid
	default:
		return StatusInvalid
	}
}
