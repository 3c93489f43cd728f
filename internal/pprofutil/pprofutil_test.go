package pprofutil

import "testing"

func TestDisabledByDefault(t *testing.T) {
	t.Setenv("DROPNET_PPROF", "")
	if err := StartFromEnv(nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoopbackBindCheck(t *testing.T) {
	cases := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:6060", true},
		{"localhost:6060", true},
		{"[::1]:6060", true},
		{"0.0.0.0:6060", false},
		{"192.168.1.5:6060", false},
		{"no-port", false},
	}
	for _, tc := range cases {
		if got := isLoopbackBind(tc.addr); got != tc.want {
			t.Errorf("isLoopbackBind(%q) = %v, want %v", tc.addr, got, tc.want)
		}
	}
}
