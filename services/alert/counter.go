package alert

import (
	"github.com/canopyhost/alertd/alert"
	kexpvar "github.com/canopyhost/alertd/expvar"
)

// errorCounterHandler counts every message delivered on the bus. It is
// installed on startup and never uninstalled.
type errorCounterHandler struct {
	count *kexpvar.Int
}

func newErrorCounterHandler(stats *kexpvar.Map) *errorCounterHandler {
	count := &kexpvar.Int{}
	stats.Set(statErrorsCounted, count)
	return &errorCounterHandler{count: count}
}

func (h *errorCounterHandler) Handle(m alert.Message) {
	h.count.Add(1)
}

// Count reports the number of messages handled since installation.
func (h *errorCounterHandler) Count() int64 {
	return h.count.IntValue()
}
