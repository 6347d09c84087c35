//go:build !occa

package bench

import "github.com/notargets/DGCoupler/utils"

// DeviceSupport reports whether the harness was built with OCCA staging
const DeviceSupport = false

// stage needs the occa build tag; without it device staging is a
// configuration error
func stage(_ []*rankState, _ Config) (string, error) {
	return "", utils.Configuration("bench.stage", -1, "device staging requested but built without the occa tag")
}
