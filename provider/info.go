package provider

// Info is a provider-level capability descriptor. Discovery returns entries
// with negotiated values; callers pass entries with the fields they care about
// set as hints.
type Info struct {
	Provider        string
	Fabric          string
	Domain          string
	Caps            uint64
	Mode            uint64
	EndpointType    EndpointType
	AddrFormat      AddrFormat
	SrcAddr         []byte
	DestAddr        []byte
	TxSize          int
	RxSize          int
	InjectSize      uintptr
	MaxMsgSize      uintptr
	MRMode          uint64
	MRKeySize       uintptr
	MRIovLimit      uintptr
	AVType          AVType
	ProviderVersion Version
	APIVersion      Version

	// Handle carries provider state for a pending connection request. It is
	// only set on descriptors delivered with EventConnReq.
	Handle any
}

// Clone returns a deep copy of the descriptor. The connection handle is shared.
func (i *Info) Clone() *Info {
	if i == nil {
		return nil
	}
	out := *i
	out.SrcAddr = append([]byte(nil), i.SrcAddr...)
	out.DestAddr = append([]byte(nil), i.DestAddr...)
	return &out
}

// Satisfies reports whether the descriptor honours the hard requirements in
// hints: provider name, endpoint type, address format, every requested
// capability, and no mode bits the caller did not offer.
func (i *Info) Satisfies(hints *Info) bool {
	if i == nil {
		return false
	}
	if hints == nil {
		return true
	}
	if hints.Provider != "" && hints.Provider != i.Provider {
		return false
	}
	if hints.Fabric != "" && hints.Fabric != i.Fabric {
		return false
	}
	if hints.Domain != "" && hints.Domain != i.Domain {
		return false
	}
	if hints.EndpointType != EndpointTypeUnspec && hints.EndpointType != i.EndpointType {
		return false
	}
	if hints.AddrFormat != AddrFormatUnspec && hints.AddrFormat != i.AddrFormat {
		return false
	}
	if hints.Caps&^i.Caps != 0 {
		return false
	}
	if hints.Mode != 0 && i.Mode&^hints.Mode != 0 {
		return false
	}
	return true
}
