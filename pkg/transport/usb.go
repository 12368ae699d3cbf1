package transport

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/gousb"
)

const usbVidQcom = 0x05c6

// 9008 is regular EDL, 900e is the ramdump-only mode some targets boot into
// after a crash.
var usbPidEDL = []gousb.ID{0x9008, 0x900e}

// The EDL interface is vendor-specific (ff/ff) with one of these protocol
// codes, and carries at least one bulk endpoint in each direction.
var usbIntfProtocols = []gousb.Protocol{0x10, 0x11, 0xff}

// bulkReader is the part of gousb.InEndpoint the transport reads through.
type bulkReader interface {
	ReadContext(ctx context.Context, buf []byte) (int, error)
}

type usbTransport struct {
	ctx  *gousb.Context
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface
	in   bulkReader
	out  *gousb.OutEndpoint
	desc string
	// Bulk transfers arrive as whole packets; reads drain this buffer so
	// short caller reads never discard the rest of a transfer.
	buf []byte
	pos int
	cap int
	// A transfer can fail after delivering part of its data; the error is
	// held here until the delivered bytes have been consumed.
	rerr error
}

func isEDLDevice(d *gousb.DeviceDesc) bool {
	if d.Vendor != usbVidQcom {
		return false
	}
	for _, pid := range usbPidEDL {
		if d.Product == pid {
			return true
		}
	}
	return false
}

// matchSerialNo checks the product string's "_SN:xxxx" suffix against the
// requested serial number.
func matchSerialNo(dev *gousb.Device, serialNo string) bool {
	prod, err := dev.Product()
	if err != nil {
		return false
	}
	i := strings.Index(prod, "_SN:")
	if i < 0 {
		return false
	}
	return strings.EqualFold(prod[i+len("_SN:"):], serialNo)
}

func openUSB(serialNo string) (*usbTransport, error) {
	ctx := gousb.NewContext()

	devs, err := ctx.OpenDevices(isEDLDevice)
	if err != nil && len(devs) == 0 {
		ctx.Close()
		return nil, fmt.Errorf("cannot enumerate USB devices: %w", err)
	}
	if len(devs) == 0 {
		ctx.Close()
		return nil, fmt.Errorf("found no devices in EDL mode")
	}

	var dev *gousb.Device
	for _, d := range devs {
		if dev == nil && (serialNo == "" || matchSerialNo(d, serialNo)) {
			dev = d
			continue
		}
		d.Close()
	}
	if dev == nil {
		ctx.Close()
		return nil, fmt.Errorf("found no devices in EDL mode with serial number %s", serialNo)
	}

	t, err := claimEDLInterface(ctx, dev)
	if err != nil {
		dev.Close()
		ctx.Close()
		return nil, err
	}
	return t, nil
}

func claimEDLInterface(ctx *gousb.Context, dev *gousb.Device) (*usbTransport, error) {
	if err := dev.SetAutoDetach(true); err != nil {
		return nil, fmt.Errorf("cannot detach kernel driver: %w", err)
	}

	for cfgNum, cfgDesc := range dev.Desc.Configs {
		for _, intfDesc := range cfgDesc.Interfaces {
			for _, alt := range intfDesc.AltSettings {
				if !isEDLInterface(alt) {
					continue
				}
				inNum, outNum, ok := bulkEndpoints(alt)
				if !ok {
					continue
				}

				cfg, err := dev.Config(cfgNum)
				if err != nil {
					return nil, fmt.Errorf("cannot select configuration %d: %w", cfgNum, err)
				}
				intf, err := cfg.Interface(alt.Number, alt.Alternate)
				if err != nil {
					cfg.Close()
					return nil, fmt.Errorf("cannot claim interface %d: %w", alt.Number, err)
				}
				in, err := intf.InEndpoint(inNum)
				if err != nil {
					intf.Close()
					cfg.Close()
					return nil, fmt.Errorf("cannot open bulk IN endpoint: %w", err)
				}
				out, err := intf.OutEndpoint(outNum)
				if err != nil {
					intf.Close()
					cfg.Close()
					return nil, fmt.Errorf("cannot open bulk OUT endpoint: %w", err)
				}

				return &usbTransport{
					ctx:  ctx,
					dev:  dev,
					cfg:  cfg,
					intf: intf,
					in:   in,
					out:  out,
					desc: fmt.Sprintf("USB device %s:%s", dev.Desc.Vendor, dev.Desc.Product),
					buf:  make([]byte, 1024*1024),
				}, nil
			}
		}
	}
	return nil, fmt.Errorf("device has no EDL interface")
}

func isEDLInterface(alt gousb.InterfaceSetting) bool {
	if alt.Class != 0xff || alt.SubClass != 0xff {
		return false
	}
	if len(alt.Endpoints) < 2 {
		return false
	}
	for _, p := range usbIntfProtocols {
		if alt.Protocol == p {
			return true
		}
	}
	return false
}

func bulkEndpoints(alt gousb.InterfaceSetting) (in, out int, ok bool) {
	in, out = -1, -1
	for _, ep := range alt.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		if ep.Direction == gousb.EndpointDirectionIn && in < 0 {
			in = ep.Number
		}
		if ep.Direction == gousb.EndpointDirectionOut && out < 0 {
			out = ep.Number
		}
	}
	return in, out, in >= 0 && out >= 0
}

func (u *usbTransport) Read(p []byte) (int, error) {
	if u.pos >= u.cap {
		if u.rerr != nil {
			err := u.rerr
			u.rerr = nil
			return 0, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
		defer cancel()
		n, err := u.in.ReadContext(ctx, u.buf)
		if err != nil && ctx.Err() != nil {
			err = ErrTimeout
		}
		if n == 0 {
			return 0, err
		}
		u.rerr = err
		u.pos, u.cap = 0, n
	}
	n := copy(p, u.buf[u.pos:u.cap])
	u.pos += n
	return n, nil
}

func (u *usbTransport) Write(p []byte) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
	defer cancel()
	n, err := u.out.WriteContext(ctx, p)
	if err != nil && ctx.Err() != nil {
		return n, ErrTimeout
	}
	return n, err
}

func (u *usbTransport) Close() error {
	u.intf.Close()
	u.cfg.Close()
	err := u.dev.Close()
	u.ctx.Close()
	return err
}

func (u *usbTransport) Name() string {
	return u.desc
}
