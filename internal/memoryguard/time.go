package memoryguard

import "time"

func unixToTime(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

// nowUnixFallback disambiguates the KeepBoth remote-key sequence once all
// 99 numbered slots are taken; collisions are astronomically unlikely since
// it's keyed off wall-clock seconds rather than a counter.
func nowUnixFallback() int64 {
	return time.Now().Unix()
}
