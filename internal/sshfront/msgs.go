package sshfront

// Wire payloads for the SSH channel and global requests the front-end
// understands, per RFC 4254. golang.org/x/crypto/ssh hands these to us
// pre-framed; we only need to (un)marshal the bodies.

type ptyRequestMsg struct {
	Term     string
	Width    uint32
	Height   uint32
	PixWidth uint32
	PixHeight uint32
	Modes    string
}

type envRequestMsg struct {
	Name  string
	Value string
}

type windowChangeMsg struct {
	Width     uint32
	Height    uint32
	PixWidth  uint32
	PixHeight uint32
}

type execMsg struct {
	Command string
}

type subsystemMsg struct {
	Subsystem string
}

type directTCPIPMsg struct {
	DestAddr   string
	DestPort   uint32
	OriginAddr string
	OriginPort uint32
}

type tcpipForwardMsg struct {
	BindAddr string
	BindPort uint32
}

type tcpipForwardReplyMsg struct {
	Port uint32
}

type forwardedTCPIPMsg struct {
	ConnectedAddr  string
	ConnectedPort  uint32
	OriginatorAddr string
	OriginatorPort uint32
}
