package utils

import (
	"fmt"
	"math/rand"
)

func Map[T, V any](data []T, fn func(v T) V) []V {
	result := make([]V, 0, len(data))
	for _, dt := range data {
		result = append(result, fn(dt))
	}
	return result
}

func ForEach[T any](data []T, fn func(v T)) {
	for _, dt := range data {
		fn(dt)
	}
}

func Filter[T any](data []T, fn func(v T) bool) []T {
	result := []T{}
	for _, dt := range data {
		if fn(dt) {
			result = append(result, dt)
		}
	}
	return result
}

// Reverse returns a reversed copy, leaving the input untouched.
func Reverse[T any](data []T) []T {
	result := make([]T, len(data))
	for i, dt := range data {
		result[len(data)-1-i] = dt
	}
	return result
}

// Batch splits data into consecutive slices of at most size elements.
// The returned slices share the input's backing array.
func Batch[T any](data []T, size int) [][]T {
	if size <= 0 {
		size = len(data)
	}
	batches := make([][]T, 0, (len(data)+size-1)/size)
	for size < len(data) {
		data, batches = data[size:], append(batches, data[:size])
	}
	if len(data) > 0 {
		batches = append(batches, data)
	}
	return batches
}

// Sample picks k distinct indices out of n.
func Sample(n, k int) ([]int, error) {
	if n < k {
		return nil, fmt.Errorf("population is not enough for sampling (n = %d, k = %d)", n, k)
	}
	return rand.Perm(n)[:k], nil
}
