// Copyright 2016 CodisLabs. All Rights Reserved.
// Licensed under the MIT (MIT-LICENSE.txt) license.

package math2

import (
	"fmt"
	"time"
)

func MaxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func MinInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// MinMaxInt clamps v into [lo, hi].
func MinMaxInt(v, lo, hi int) int {
	if lo > hi {
		panic(fmt.Sprintf("min = %d, max = %d", lo, hi))
	}
	return MinInt(MaxInt(v, lo), hi)
}

func MaxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

func MinDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func MinMaxDuration(v, lo, hi time.Duration) time.Duration {
	if lo > hi {
		panic(fmt.Sprintf("min = %s, max = %s", lo, hi))
	}
	return MinDuration(MaxDuration(v, lo), hi)
}
