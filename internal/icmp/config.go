package icmp

const maxIPv4HeaderLen = 60

// Config holds socket options for the ICMP transport.
type Config struct {
	// Privileged selects a raw "ip4:icmp" socket instead of an unprivileged
	// "udp4" ICMP datagram socket. Raw sockets see every ICMP message on the
	// host, including Time Exceeded, and keep the echo identifier intact.
	Privileged bool

	// ReadBufferSize is the receive buffer for a single datagram.
	// Default is 1500 bytes.
	ReadBufferSize int

	// SendRetries bounds retries when the kernel reports ENOBUFS.
	// Default is 6.
	SendRetries int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Privileged:     false,
		ReadBufferSize: 1500,
		SendRetries:    6,
	}
}

// BufferSize returns a read buffer large enough for a reply carrying
// payloadSize bytes of echo data. The slack covers a maximal IPv4 header on
// the reply and on the quoted datagram of an error message.
func BufferSize(payloadSize int) int {
	const slack = 2*maxIPv4HeaderLen + 2*HeaderLen
	return max(DefaultConfig().ReadBufferSize, payloadSize+slack)
}

// Network returns the icmp.ListenPacket network name for the config.
func (c Config) Network() string {
	if c.Privileged {
		return "ip4:icmp"
	}
	return "udp4"
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = d.ReadBufferSize
	}
	if c.SendRetries <= 0 {
		c.SendRetries = d.SendRetries
	}
	return c
}
