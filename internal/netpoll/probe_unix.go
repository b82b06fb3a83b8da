//go:build unix && !linux

package netpoll

var probeOrder = []string{"poll"}

var backends = map[string]func() (Poller, error){
	"poll": newPoll,
}
