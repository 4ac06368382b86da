//go:build !linux

package poller

// NewPoller reports ErrUnsupported outside Linux
func NewPoller() (Poller, error) {
	return nil, ErrUnsupported
}

func openWakeFd() (int, error) { return -1, ErrUnsupported }

func wake(int) {}

func consume(int) {}

func closeWakeFd(int) error { return nil }
