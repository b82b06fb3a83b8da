//go:build !unix

package netpoll

var probeOrder []string

var backends = map[string]func() (Poller, error){}
