package misc

import (
	"errors"
	"io/fs"
	"math"
)

// IsNotFoundError reports whether err means the underlying object does not exist
func IsNotFoundError(err error) bool {
	return err != nil && errors.Is(err, fs.ErrNotExist)
}

// BytesToMiB converts a byte count to mebibytes rounded to two decimals
func BytesToMiB(n int64) float64 {
	return math.Round(float64(n)/(1024*1024)*100) / 100
}
