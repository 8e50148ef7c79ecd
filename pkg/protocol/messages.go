package protocol

// Message types carried in Envelope.Type.
const (
	TypeHello           = "hello"
	TypeCapabilityQuery = "capability_query"
	TypeCapabilityReply = "capability_reply"
	TypeTransferOffer   = "transfer_offer"
	TypeTransferAccept  = "transfer_accept"
	TypeTransferReject  = "transfer_reject"
	TypeError           = "error"
)

// Hello is sent when a peer first connects to the rendezvous service.
type Hello struct {
	PeerID       string       `json:"peer_id"`
	Capabilities Capabilities `json:"capabilities"`
}

// Capabilities advertises a peer's supported transports and limits.
type Capabilities struct {
	QUIC          bool   `json:"quic"`
	TCP           bool   `json:"tcp"`
	WebRTC        bool   `json:"webrtc"`
	BrowserOnly   bool   `json:"browser_only"`
	MaxStreams    int    `json:"max_streams"`
	MaxBandwidth  int64  `json:"max_bandwidth,omitempty"`
	ListenAddr    string `json:"listen_addr,omitempty"`
	TCPListenAddr string `json:"tcp_listen_addr,omitempty"`
}

// CapabilityQuery asks the service for another peer's capabilities.
type CapabilityQuery struct {
	PeerID string `json:"peer_id"`
}

// CapabilityReply returns a peer's advertised capabilities.
type CapabilityReply struct {
	PeerID       string       `json:"peer_id"`
	Online       bool         `json:"online"`
	Capabilities Capabilities `json:"capabilities"`
}

// TransferOffer announces an outgoing transfer to the receiving peer.
type TransferOffer struct {
	TransferID string `json:"transfer_id"`
	SenderID   string `json:"sender_id"`
	TotalBytes int64  `json:"total_bytes"`
	FileCount  int    `json:"file_count"`
}

// TransferAccept accepts a transfer offer and names the download location.
type TransferAccept struct {
	TransferID  string `json:"transfer_id"`
	DownloadDir string `json:"download_dir,omitempty"`
}

// TransferReject declines a transfer offer.
type TransferReject struct {
	TransferID string `json:"transfer_id"`
	Reason     string `json:"reason,omitempty"`
}

// Error represents an error message in the protocol.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
