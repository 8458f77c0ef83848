package provider

import "testing"

func TestInfoCloneIsDeep(t *testing.T) {
	orig := &Info{Provider: "sockets", DestAddr: []byte("host:1"), Handle: 7}
	cp := orig.Clone()
	cp.DestAddr[0] = 'X'
	if string(orig.DestAddr) != "host:1" {
		t.Fatalf("clone shares address storage")
	}
	if cp.Handle != 7 {
		t.Fatalf("expected handle to be carried over")
	}
	if (*Info)(nil).Clone() != nil {
		t.Fatalf("nil clone should be nil")
	}
}

func TestInfoSatisfies(t *testing.T) {
	entry := &Info{
		Provider:     "sockets",
		EndpointType: EndpointTypeRDM,
		Caps:         CapMsg | CapRMA | CapRemoteWrite,
		AddrFormat:   AddrFormatStr,
	}
	cases := []struct {
		name  string
		hints *Info
		want  bool
	}{
		{"nil", nil, true},
		{"empty", &Info{}, true},
		{"type", &Info{EndpointType: EndpointTypeRDM}, true},
		{"wrong type", &Info{EndpointType: EndpointTypeMsg}, false},
		{"caps subset", &Info{Caps: CapRMA}, true},
		{"caps missing", &Info{Caps: CapTagged}, false},
		{"provider", &Info{Provider: "verbs"}, false},
		{"format", &Info{AddrFormat: AddrFormatSockaddrIn}, false},
	}
	for _, tc := range cases {
		if got := entry.Satisfies(tc.hints); got != tc.want {
			t.Fatalf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}

	moded := &Info{Mode: ModeContext}
	if moded.Satisfies(&Info{Mode: ModeMsgPrefix}) {
		t.Fatalf("descriptor requiring FI_CONTEXT must not satisfy hints without it")
	}
}
