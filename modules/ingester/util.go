package ingester

import (
	"os"
	"time"
)

func readFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func nowUnixMs() int64 {
	return time.Now().UnixMilli()
}
