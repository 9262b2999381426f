package icmp

import "testing"

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Privileged {
		t.Error("Privileged should be false by default")
	}
	if cfg.ReadBufferSize != 1500 {
		t.Errorf("ReadBufferSize = %d, want 1500", cfg.ReadBufferSize)
	}
	if cfg.SendRetries != 6 {
		t.Errorf("SendRetries = %d, want 6", cfg.SendRetries)
	}
}

func TestConfig_Network(t *testing.T) {
	tests := []struct {
		privileged bool
		want       string
	}{
		{privileged: false, want: "udp4"},
		{privileged: true, want: "ip4:icmp"},
	}

	for _, tt := range tests {
		cfg := Config{Privileged: tt.privileged}
		if got := cfg.Network(); got != tt.want {
			t.Errorf("Network() with Privileged=%v = %q, want %q", tt.privileged, got, tt.want)
		}
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{Privileged: true}.withDefaults()

	if !cfg.Privileged {
		t.Error("withDefaults() cleared Privileged")
	}
	if cfg.ReadBufferSize != 1500 {
		t.Errorf("ReadBufferSize = %d, want 1500", cfg.ReadBufferSize)
	}
	if cfg.SendRetries != 6 {
		t.Errorf("SendRetries = %d, want 6", cfg.SendRetries)
	}

	cfg = Config{ReadBufferSize: 9000, SendRetries: 2}.withDefaults()
	if cfg.ReadBufferSize != 9000 || cfg.SendRetries != 2 {
		t.Errorf("withDefaults() overrode explicit values: %+v", cfg)
	}
}

func TestBufferSize(t *testing.T) {
	tests := []struct {
		payload int
		min     int
	}{
		{payload: 0, min: 1500},
		{payload: DefaultPayloadSize, min: 1500},
		{payload: 2000, min: 20 + HeaderLen + 2000},
		{payload: MaxPayloadSize, min: 65535},
	}

	for _, tt := range tests {
		got := BufferSize(tt.payload)
		if got < tt.min {
			t.Errorf("BufferSize(%d) = %d, want at least %d", tt.payload, got, tt.min)
		}
	}

	if got := BufferSize(DefaultPayloadSize); got != 1500 {
		t.Errorf("BufferSize(%d) = %d, want the 1500 byte default", DefaultPayloadSize, got)
	}
}
