package engine

// ReadStatus is the outcome of a Conn's ReadRequest call.
type ReadStatus int

const (
	ReadAll ReadStatus = iota
	ReadHalf
	ReadError
	ReadClose
	FullError
	ParseError
	DealError
)

func (s ReadStatus) String() string {
	switch s {
	case ReadAll:
		return "ReadAll"
	case ReadHalf:
		return "ReadHalf"
	case ReadError:
		return "ReadError"
	case ReadClose:
		return "ReadClose"
	case FullError:
		return "FullError"
	case ParseError:
		return "ParseError"
	case DealError:
		return "DealError"
	default:
		return "ReadStatus(?)"
	}
}

// WriteStatus is the outcome of a Conn's SendReply call.
type WriteStatus int

const (
	WriteAll WriteStatus = iota
	WriteHalf
	WriteError
)

func (s WriteStatus) String() string {
	switch s {
	case WriteAll:
		return "WriteAll"
	case WriteHalf:
		return "WriteHalf"
	case WriteError:
		return "WriteError"
	default:
		return "WriteStatus(?)"
	}
}

// Conn is the Connection collaborator the Dispatcher drives once it is
// registered via Subscribe. The engine's entry points (Publish, Subscribe,
// Unsubscribe) never call ReadRequest or SendReply; within the engine only
// the Dispatcher goroutine does.
type Conn interface {
	FD() int
	Peer() string

	ReadRequest() ReadStatus
	SendReply() WriteStatus
	ConstructPublishReply(matchedKey, channel, payload []byte, isPattern bool)

	IsReply() bool
	SetReply(bool)

	// Close releases the underlying descriptor. The engine calls it once,
	// on the Dispatcher goroutine: after the connection has been removed
	// from every routing structure, or from the registry during cleanup at
	// loop exit.
	Close() error
}
