package main

import (
	"fmt"
	"net"
	"strings"
)

// listen opens the listener for spec, one of "tcp://host:port" or
// "unix:///path/to.sock".
func listen(spec string) (net.Listener, error) {
	network, address, err := splitListenSpec(spec)
	if err != nil {
		return nil, err
	}
	return net.Listen(network, address)
}

func splitListenSpec(spec string) (network, address string, err error) {
	switch {
	case strings.HasPrefix(spec, "tcp://"):
		return "tcp", strings.TrimPrefix(spec, "tcp://"), nil
	case strings.HasPrefix(spec, "unix://"):
		return "unix", strings.TrimPrefix(spec, "unix://"), nil
	default:
		return "", "", fmt.Errorf("childrend: unrecognized listen address %q, want tcp:// or unix://", spec)
	}
}
