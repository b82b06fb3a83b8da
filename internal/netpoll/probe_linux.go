//go:build linux

package netpoll

var probeOrder = []string{"epoll", "poll", "select"}

var backends = map[string]func() (Poller, error){
	"epoll":  newEpoll,
	"poll":   newPoll,
	"select": newSelect,
}
