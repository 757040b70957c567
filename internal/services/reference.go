package services

import (
	"fmt"
	"sync/atomic"
	"time"
)

var refSeq uint64

// GenerateReference produces the payment reference for one checkout attempt:
// the order code plus a millisecond timestamp plus a process-wide monotonic
// sequence. References are unique across all time even for repeated checkouts
// of the same order; a retried checkout always gets a new reference.
func GenerateReference(orderCode string) string {
	seq := atomic.AddUint64(&refSeq, 1)
	return fmt.Sprintf("%s-%d-%d", orderCode, time.Now().UnixMilli(), seq)
}
