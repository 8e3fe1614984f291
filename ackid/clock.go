package ackid

import "time"

func defaultNowMicros() int64 {
	return time.Now().UnixMicro()
}
