//go:build !linux

package capture

import "errors"

// TUN is unavailable on this platform.
type TUN struct{}

// Open always fails; a platform-specific CaptureEdge must be supplied.
func Open(name string) (*TUN, error) {
	return nil, errors.New("[Capture] TUN interface not supported on this platform")
}

func (t *TUN) Name() string { return "" }

func (t *TUN) ReadPacket(buf []byte) (int, error) { return 0, errors.New("not supported") }

func (t *TUN) WritePacket(pkt []byte) error { return errors.New("not supported") }

func (t *TUN) Close() error { return nil }
