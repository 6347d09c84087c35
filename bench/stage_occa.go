//go:build occa

package bench

import (
	"fmt"

	"github.com/notargets/DGCoupler/device"
)

// DeviceSupport reports whether the harness was built with OCCA staging
const DeviceSupport = true

// stage mirrors each rank's target through device memory and checks that
// nothing changed on the way. Ranks share one device and are staged in turn.
func stage(states []*rankState, cfg Config) (string, error) {
	dev, err := device.NewDevice(cfg.DeviceProps...)
	if err != nil {
		return "", err
	}
	defer dev.Free()

	for r, st := range states {
		if st.out.Len() == 0 {
			continue
		}
		before, _ := st.out.Checksum()
		m, err := device.NewMirror(dev, st.out)
		if err != nil {
			return dev.Mode(), err
		}
		for i := range st.out.Data() {
			st.out.Data()[i] = 0
		}
		m.Download()
		m.Free()
		if after, _ := st.out.Checksum(); after != before {
			return dev.Mode(), fmt.Errorf("%w: rank %d target changed through device staging", ErrVerification, r)
		}
	}
	return dev.Mode(), nil
}
