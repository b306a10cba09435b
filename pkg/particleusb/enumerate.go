package particleusb

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/gousb"

	"github.com/particle-iot/particle-usb/internal/transport"
)

// EnumerationFilter is one entry of the filter list spec.md §6
// describes: a device matches if it satisfies at least one filter.
// ProductID requires VendorID to be set.
type EnumerationFilter struct {
	VendorID     *uint16
	ProductID    *uint16
	SerialNumber string
}

func (f EnumerationFilter) validate() error {
	if f.ProductID != nil && f.VendorID == nil {
		return newError(KindInvalidArgument, "enumeration filter: product_id requires vendor_id", nil)
	}
	return nil
}

// backendFactory builds a fresh transport.Backend bound to one specific
// already-identified device, used by Session.Open.
type backendFactory func() transport.Backend

// candidate is what probing the bus (via gousb) finds, before matching
// it against the platform catalog.
type candidate struct {
	vendorID  uint16
	productID uint16
	serial    string
}

// probeBus opens every attached USB device just long enough to read its
// vendor/product/serial, then closes it — the same open-to-probe-
// then-close discipline guiperry-HASHER's IsUSBDeviceAvailable uses,
// generalized from one fixed VID/PID to every attached device.
func probeBus() ([]candidate, error) {
	gctx := gousb.NewContext()
	defer gctx.Close()

	var found []candidate
	devs, err := gctx.OpenDevices(func(desc *gousb.DeviceDesc) bool { return true })
	for _, d := range devs {
		serial, _ := d.SerialNumber()
		found = append(found, candidate{
			vendorID:  uint16(d.Desc.Vendor),
			productID: uint16(d.Desc.Product),
			serial:    serial,
		})
		d.Close()
	}
	if err != nil {
		return found, fmt.Errorf("%w: enumerating USB devices", transport.ErrUsb)
	}
	return found, nil
}

func matches(c candidate, filters []EnumerationFilter) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if f.VendorID != nil && *f.VendorID != c.vendorID {
			continue
		}
		if f.ProductID != nil && *f.ProductID != c.productID {
			continue
		}
		if f.SerialNumber != "" && !strings.EqualFold(f.SerialNumber, c.serial) {
			continue
		}
		return true
	}
	return false
}

func newDevice(c candidate, catalog PlatformCatalog) Device {
	caps := Capabilities(0)
	name := ""
	if info, ok := catalog.Lookup(c.vendorID, c.productID); ok {
		caps = info.Capabilities
		name = info.Name
	}
	vendorID, productID, serial := c.vendorID, c.productID, c.serial
	return Device{
		VendorID:     vendorID,
		ProductID:    productID,
		SerialNumber: serial,
		Platform:     name,
		Capabilities: caps,
		backend: func() transport.Backend {
			return &transport.GousbBackend{
				VendorID:     vendorID,
				ProductID:    productID,
				SerialNumber: serial,
			}
		},
	}
}

// List returns devices (not yet opened) matching filters, sourcing
// (vendor, product) pairs from catalog. Serial-number matching is
// case-insensitive; if any filter requests a serial, List must open
// each otherwise-matching device to read it, then close it again —
// enumeration never leaves a device open as a side effect.
func List(filters []EnumerationFilter, catalog PlatformCatalog) ([]Device, error) {
	for _, f := range filters {
		if err := f.validate(); err != nil {
			return nil, err
		}
	}

	candidates, err := probeBus()
	if err != nil {
		return nil, classify(err)
	}

	known := make(map[[2]uint16]bool)
	for _, p := range catalog.Platforms() {
		known[[2]uint16{p.VendorID, p.ProductID}] = true
	}

	var devices []Device
	for _, c := range candidates {
		if !known[[2]uint16{c.vendorID, c.productID}] {
			continue
		}
		if !matches(c, filters) {
			continue
		}
		devices = append(devices, newDevice(c, catalog))
	}
	return devices, nil
}

// OpenByID enumerates, finds the device whose serial matches id, opens
// it, and returns the session.
func OpenByID(ctx context.Context, id string, opts OpenOptions, catalog PlatformCatalog) (*Session, error) {
	devices, err := List([]EnumerationFilter{{SerialNumber: id}}, catalog)
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, newError(KindNotFound, fmt.Sprintf("no device with serial %q", id), nil)
	}

	session := &Session{Device: devices[0]}
	if err := session.Open(ctx, opts); err != nil {
		return nil, err
	}
	return session, nil
}
