package models

import (
	"strconv"
	"strings"
	"time"
)

// Records are persisted as flat string field maps so they can live in a
// typed in-memory store or a Redis hash interchangeably. The helpers below
// keep the encoding in one place.

func fieldInt(f map[string]string, key string) int {
	n, _ := strconv.Atoi(f[key])
	return n
}

func fieldInt64(f map[string]string, key string) int64 {
	n, _ := strconv.ParseInt(f[key], 10, 64)
	return n
}

func fieldFloat(f map[string]string, key string) float64 {
	x, _ := strconv.ParseFloat(f[key], 64)
	return x
}

func fieldTime(f map[string]string, key string) time.Time {
	sec := fieldInt64(f, key)
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func putTime(f map[string]string, key string, t time.Time) {
	if t.IsZero() {
		f[key] = "0"
		return
	}
	f[key] = strconv.FormatInt(t.Unix(), 10)
}

func fieldList(f map[string]string, key string) []string {
	raw := f[key]
	if raw == "" {
		return nil
	}
	return strings.Split(raw, "\n")
}

func putList(f map[string]string, key string, items []string) {
	f[key] = strings.Join(items, "\n")
}
