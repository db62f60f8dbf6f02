package pool

import (
	"fmt"
	"net"
)

// allocatePorts reserves count free local TCP port pairs (SOCKS port plus
// control port per instance) by binding ephemeral listeners and releasing
// them. Failure to find a free port is the one startup error that escalates
// to the caller.
func allocatePorts(count int) ([]portPair, error) {
	pairs := make([]portPair, 0, count)
	listeners := make([]net.Listener, 0, count*2)

	defer func() {
		for _, l := range listeners {
			_ = l.Close()
		}
	}()

	grab := func() (int, error) {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return 0, fmt.Errorf("unable to allocate port: %w",
				err)
		}
		listeners = append(listeners, l)

		return l.Addr().(*net.TCPAddr).Port, nil
	}

	for i := 0; i < count; i++ {
		socks, err := grab()
		if err != nil {
			return nil, err
		}
		control, err := grab()
		if err != nil {
			return nil, err
		}

		pairs = append(pairs, portPair{socks: socks, control: control})
	}

	return pairs, nil
}

// portPair is one instance's allocated listen ports.
type portPair struct {
	socks   int
	control int
}
