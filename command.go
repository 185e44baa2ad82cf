package ftpengine

// CommandKind identifies the kind of a Command.
type CommandKind int

const (
	KindNone CommandKind = iota
	KindConnect
	KindDisconnect
	KindCancel
	KindList
	KindTransfer
	KindRaw
)

func (k CommandKind) String() string {
	switch k {
	case KindConnect:
		return "connect"
	case KindDisconnect:
		return "disconnect"
	case KindCancel:
		return "cancel"
	case KindList:
		return "list"
	case KindTransfer:
		return "transfer"
	case KindRaw:
		return "raw"
	default:
		return "none"
	}
}

// Command is an operation requested of an Engine. Commands are plain values;
// the engine keeps its own copy for the duration of the operation.
type Command interface {
	Kind() CommandKind
	isCommand()
}

// ConnectCommand opens a session to Server.
type ConnectCommand struct {
	Server Server
}

// DisconnectCommand closes the current session.
type DisconnectCommand struct{}

// CancelCommand aborts the operation in flight.
type CancelCommand struct{}

// ListCommand retrieves a directory listing. Path and SubDir name the
// directory; with Refresh unset a usable cached listing is returned without
// touching the network.
type ListCommand struct {
	Path    string
	SubDir  string
	Refresh bool
}

// TransferCommand downloads RemotePath/RemoteFile to LocalFile, or uploads
// LocalFile there when Download is false.
type TransferCommand struct {
	LocalFile  string
	RemotePath string
	RemoteFile string
	Download   bool
}

// RawCommand sends Command to the server verbatim.
type RawCommand struct {
	Command string
}

func (ConnectCommand) Kind() CommandKind    { return KindConnect }
func (DisconnectCommand) Kind() CommandKind { return KindDisconnect }
func (CancelCommand) Kind() CommandKind     { return KindCancel }
func (ListCommand) Kind() CommandKind       { return KindList }
func (TransferCommand) Kind() CommandKind   { return KindTransfer }
func (RawCommand) Kind() CommandKind        { return KindRaw }

func (ConnectCommand) isCommand()    {}
func (DisconnectCommand) isCommand() {}
func (CancelCommand) isCommand()     {}
func (ListCommand) isCommand()       {}
func (TransferCommand) isCommand()   {}
func (RawCommand) isCommand()        {}
