package particleusb

// Device identifies one enumerated USB device and the platform it was
// matched against. A Device is not yet open; Open promotes it to a
// Session.
type Device struct {
	VendorID     uint16
	ProductID    uint16
	SerialNumber string
	Platform     string
	Capabilities Capabilities

	backend backendFactory
}

// Has reports whether the device's platform exposes cap. Callers use
// this instead of a type-switch over a concrete device class — the
// mixin composition the source used at construction time is replaced
// by this single bitset check (Design Note 1).
func (d Device) Has(cap Capabilities) bool { return d.Capabilities.Has(cap) }

// RequireCapability returns a KindState error if the device does not
// expose cap, the standard way a feature façade guards an operation
// that's invalid on the current platform.
func (d Device) RequireCapability(cap Capabilities, feature string) error {
	if !d.Has(cap) {
		return newError(KindState, "platform does not support "+feature, nil)
	}
	return nil
}
