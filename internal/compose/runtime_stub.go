//go:build !govips || !cgo

package compose

var activeRenderer renderer = imagingRenderer{}

func Startup() error {
	return nil
}

func Shutdown() {}

// Backend names the resampling backend compiled into the binary.
func Backend() string {
	return "imaging"
}
