package tunnelrpc

import "fmt"

// Protocol selects the kind of public entrypoint a tunnel reserves.
type Protocol int32

const (
	ProtocolHTTP Protocol = 0
	ProtocolTCP  Protocol = 1
)

func (p Protocol) String() string {
	switch p {
	case ProtocolHTTP:
		return "HTTP"
	case ProtocolTCP:
		return "TCP"
	default:
		return fmt.Sprintf("Protocol(%d)", int32(p))
	}
}

// TransferStatus is the client-reported state of one tunneled connection
// on the Transfer stream.
type TransferStatus int32

const (
	// StatusReady means the client has dialed its local target and is
	// ready to receive request bytes for this conn_id.
	StatusReady TransferStatus = 0
	// StatusWorking carries a chunk of response bytes from the local
	// target.
	StatusWorking TransferStatus = 1
	// StatusDone means the local target closed; no more response bytes
	// follow for this conn_id.
	StatusDone TransferStatus = 2
)

func (s TransferStatus) String() string {
	switch s {
	case StatusReady:
		return "Ready"
	case StatusWorking:
		return "Working"
	case StatusDone:
		return "Done"
	default:
		return fmt.Sprintf("TransferStatus(%d)", int32(s))
	}
}

// LoginBody is the User/Login request.
type LoginBody struct {
	Token string `json:"token"`
}

// LoginReply is the User/Login response. SessionID must be presented as
// metadata "authorization" on every subsequent Tunnel call.
type LoginReply struct {
	SessionID string `json:"session_id"`
	Username  string `json:"username"`
}

// ListenParam is the Tunnel/Listen request.
type ListenParam struct {
	Protocol  Protocol `json:"protocol"`
	Subdomain string   `json:"subdomain"`
}

// ListenNotification is one element of the Tunnel/Listen stream.
//
// The first notification is always {action: "ready", message:
// <entrypoint url>}; each subsequent {action: "coming", message:
// <conn_id>} announces an external connection the client must serve.
type ListenNotification struct {
	Action  string `json:"action"`
	Message string `json:"message"`
}

// Actions carried by ListenNotification.
const (
	ActionReady  = "ready"
	ActionComing = "coming"
)

// MetadataKey is the gRPC metadata key that carries the session id on
// every Tunnel call.
const MetadataKey = "authorization"

// TransferBody is a client-to-server message on the Transfer stream.
type TransferBody struct {
	ConnID   string         `json:"conn_id"`
	Status   TransferStatus `json:"status"`
	RespData []byte         `json:"resp_data,omitempty"`
}

// TransferReply is a server-to-client message on the Transfer stream.
// An empty ReqData marks the end of the request byte stream.
type TransferReply struct {
	ConnID  string `json:"conn_id"`
	ReqData []byte `json:"req_data,omitempty"`
}
