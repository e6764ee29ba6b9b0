package idle

import "time"

// Clock はMonitorが利用する時刻とタイマーの抽象。テストでは手動で進める実装に差し替える。
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer はClock.AfterFuncが返すタイマー。
type Timer interface {
	Stop() bool
}

// SystemClock はtimeパッケージによるClockの実装。
type SystemClock struct{}

// Now は現在時刻を返す。
func (SystemClock) Now() time.Time { return time.Now() }

// AfterFunc はd経過後にfを別ゴルーチンで呼び出す。
func (SystemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
