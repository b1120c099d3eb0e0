package regs

// Device error codes reported in STATUS bits 16-23.
const (
	ErrorNone        uint32 = 0x00
	ErrorInvalidCmd  uint32 = 0x01
	ErrorMemFault    uint32 = 0x02
	ErrorShaderFault uint32 = 0x03
	ErrorTimeout     uint32 = 0x04
	ErrorOverflow    uint32 = 0x05
)

// ErrorInfo describes a device error code.
type ErrorInfo struct {
	Code        uint32
	Name        string
	Description string
	Recoverable bool
}

var errorTable = []ErrorInfo{
	{ErrorNone, "NONE", "No error", false},
	{ErrorInvalidCmd, "INVALID_CMD", "Invalid command", true},
	{ErrorMemFault, "MEM_FAULT", "Memory access fault", true},
	{ErrorShaderFault, "SHADER_FAULT", "Shader execution fault", true},
	{ErrorTimeout, "TIMEOUT", "Operation timeout", true},
	{ErrorOverflow, "OVERFLOW", "Queue overflow", true},
}

// LookupError returns the table entry for code. Unknown codes map to NONE,
// which is not recoverable.
func LookupError(code uint32) ErrorInfo {
	for _, info := range errorTable {
		if info.Code == code {
			return info
		}
	}
	return errorTable[0]
}
