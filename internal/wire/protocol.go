package wire

// Quill binary protocol message types.

// Frontend (client -> server) message types
const (
	MsgClientHandshake byte = '0'
	MsgParse           byte = 'P'
	MsgDescribe        byte = 'D'
	MsgExecute         byte = 'E'
	MsgOptimisticExec  byte = 'O'
	MsgSimpleQuery     byte = 'Q'
	MsgSync            byte = 'S'
	MsgFlush           byte = 'H'
	MsgLegacy          byte = 'L'
	MsgTerminate       byte = 'X'
)

// Backend (server -> client) message types
const (
	MsgAuthentication  byte = 'R'
	MsgServerKeyData   byte = 'K'
	MsgParameterStatus byte = 'S'
	MsgReadyForQuery   byte = 'Z'
	MsgParseComplete   byte = '1'
	MsgTypeDescription byte = 'T'
	MsgCommandComplete byte = 'C'
	MsgData            byte = 'D'
	MsgLegacyResult    byte = 'L'
	MsgErrorResponse   byte = 'E'
)

// Transaction status indicators (ReadyForQuery)
const (
	TxStatusIdle   byte = 'I'
	TxStatusInTx   byte = 'T'
	TxStatusFailed byte = 'E'
)

// Output formats accepted by Parse and OptimisticExecute
const (
	FormatBinary byte = 'b'
	FormatJSON   byte = 'j'
)

// Describe aspects
const (
	DescribeTypeInfo byte = 'T'
)

// ParseComplete / TypeDescription flag bits
const (
	FlagHasResult       = 1 << 0
	FlagSingletonResult = 1 << 1
)

// Protocol version advertised in the raw 4-byte preamble
const (
	ProtoVersionMajor int16 = 1
	ProtoVersionMinor int16 = 0
)

// Error classes transmitted in ErrorResponse. Codes are hierarchical:
// the high byte is the class, lower bytes narrow it.
const (
	CodeInternalServerError        uint32 = 0x01000000
	CodeUnsupportedFeatureError    uint32 = 0x02000000
	CodeProtocolError              uint32 = 0x03000000
	CodeBinaryProtocolError        uint32 = 0x03010000
	CodeUnsupportedProtocolVersion uint32 = 0x03010001
	CodeTypeSpecNotFound           uint32 = 0x03010002
	CodeUnexpectedMessage          uint32 = 0x03010003
	CodeAuthenticationError        uint32 = 0x08000000
	CodeTransactionError           uint32 = 0x10000000
)

// ErrorResponse attribute keys
const (
	AttrHint     byte = 'H'
	AttrDetail   byte = 'D'
	AttrPosition byte = 'P'
)
