package main

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

// The sqlite-vec extension backs the vec_items virtual table used for
// ANN retrieval. Auto registers it with every SQLite connection the
// process opens; without it the embedding store falls back to
// brute-force cosine scans.
func init() {
	vec.Auto()
}
