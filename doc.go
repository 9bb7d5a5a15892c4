// Copyright ©2024 The GUDA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package memchase characterizes a machine's memory hierarchy with three
// families of micro-benchmarks:
//
//   - dependent-load latency under pointer chasing, where a randomized but
//     reproducible cyclic pointer graph is threaded through a large arena and
//     walked one load-to-use dependency at a time;
//   - sustained bandwidth under streaming workloads (memcpy/memset and the
//     lmbench-style stream copy/sum/triad loops);
//   - loaded latency, where one chase thread competes with N bandwidth
//     threads for the memory system.
//
// The chase generator places one pointer per stride-sized element, groups
// elements into TLB-locality runs to amortize TLB fills, and uses a "mixer"
// table of per-element intra-stride offsets so that parallel chases (within a
// thread or across threads) never alias the same bank, set, or predictor
// entry. A branch-chase variant rewrites the cycle in place into
// branch-to-immediate machine code to measure fetch-side behavior instead of
// load behavior.
//
// Two sibling tools share the package's primitives: pingpong measures
// inter-core cache-line transfer latency, and fairness measures how evenly
// contended atomic increments are granted across cores.
//
// The package targets Linux. Chase variants that require exact machine
// encodings (prefetch hints, SIMD loads, branch rewriting) are provided on
// amd64 and arm64 where noted and degrade gracefully elsewhere.
package memchase
