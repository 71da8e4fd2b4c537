package hero

import (
	"fmt"

	"go.uber.org/zap"
)

// DataAlloc returns the device address of a buffer of `size` bytes for the host buffer at `hostAddr`. An SVM device
// reaches host memory directly, so the host address is returned as is.
func (d *Device) DataAlloc(size, hostAddr uint64) (uint64, error) {
	if d.id == DeviceSVM {
		return hostAddr, nil
	}

	addr, err := d.settings.Copier.Alloc(size)
	if err != nil {
		return 0, fmt.Errorf("data alloc: %w", err)
	}
	d.log.Debug("data alloc", zap.Uint64("size", size), zap.String("addr", fmt.Sprintf("0x%08x", addr)))
	return addr, nil
}

// DataSubmit copies `src`, the host buffer at `hostAddr`, to the device buffer at `tgt`. Nothing is copied for an SVM
// device, but `tgt` must then be the host address.
func (d *Device) DataSubmit(tgt, hostAddr uint64, src []byte) error {
	if d.id == DeviceSVM {
		return checkShared(tgt, hostAddr)
	}
	if err := d.settings.Copier.HostToDevice(tgt, src); err != nil {
		return fmt.Errorf("data submit to 0x%08x: %w", tgt, err)
	}
	return nil
}

// DataRetrieve copies the device buffer at `tgt` into `dst`, the host buffer at `hostAddr`. Nothing is copied for an
// SVM device, but `tgt` must then be the host address.
func (d *Device) DataRetrieve(dst []byte, hostAddr, tgt uint64) error {
	if d.id == DeviceSVM {
		return checkShared(tgt, hostAddr)
	}
	if err := d.settings.Copier.DeviceToHost(dst, tgt); err != nil {
		return fmt.Errorf("data retrieve from 0x%08x: %w", tgt, err)
	}
	return nil
}

// DataDelete releases a buffer returned by DataAlloc.
func (d *Device) DataDelete(tgt uint64) error {
	if d.id == DeviceSVM {
		return nil
	}
	if err := d.settings.Copier.Free(tgt); err != nil {
		return fmt.Errorf("data delete 0x%08x: %w", tgt, err)
	}
	return nil
}

func checkShared(tgt, hostAddr uint64) error {
	if tgt != hostAddr {
		return fmt.Errorf("device address 0x%08x differs from host address 0x%08x in shared memory", tgt, hostAddr)
	}
	return nil
}
