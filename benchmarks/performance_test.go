// Package benchmarks
// Author: momentics <momentics@gmail.com>
//
// Performance benchmarks for hioload-relay components.

package benchmarks

import (
	"io"
	"log/slog"
	"testing"

	"github.com/momentics/hioload-relay/api"
	"github.com/momentics/hioload-relay/fake"
	"github.com/momentics/hioload-relay/pool"
	"github.com/momentics/hioload-relay/reorder"
	"github.com/momentics/hioload-relay/zerocopy"
)

func newPool(b *testing.B) *pool.Pool {
	b.Helper()
	p, err := pool.New(pool.DefaultConfig(), pool.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(p.Cleanup)
	return p
}

// BenchmarkPoolAllocRelease measures one alloc/put round trip.
func BenchmarkPoolAllocRelease(b *testing.B) {
	p := newPool(b)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r, err := p.Alloc()
		if err != nil {
			b.Fatal(err)
		}
		r.Put()
	}
}

// BenchmarkPoolAllocBatch measures the batched receive allocation.
func BenchmarkPoolAllocBatch(b *testing.B) {
	p := newPool(b)
	batch := make([]*pool.Ref, 32)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		n := p.AllocBatch(batch)
		for _, r := range batch[:n] {
			r.Put()
		}
	}
}

// BenchmarkQueueSend measures queueing 1316-byte datagrams and flushing
// them in 64 KiB batches through a socket that accepts everything.
func BenchmarkQueueSend(b *testing.B) {
	for _, zc := range []bool{false, true} {
		name := "copy"
		if zc {
			name = "zerocopy"
		}
		b.Run(name, func(b *testing.B) {
			p := newPool(b)
			sock := fake.NewSocket()
			q := zerocopy.New(zerocopy.Config{ZeroCopy: zc})
			b.SetBytes(1316)
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				r, err := p.Alloc()
				if err != nil {
					b.Fatal(err)
				}
				r.SetLen(1316)
				if err := q.Add(r); err != nil {
					b.Fatal(err)
				}
				r.Put()
				if q.ShouldFlush() {
					first := q.NextCompletionID()
					for q.Len() > 0 {
						if _, err := q.Send(sock); err != nil {
							b.Fatal(err)
						}
					}
					if zc {
						q.Complete(api.Completion{Lo: first, Hi: q.NextCompletionID() - 1})
					}
				}
			}
			b.StopTimer()
			q.Cleanup()
		})
	}
}

// BenchmarkReorderJitter measures window insertion with every pair of
// packets swapped.
func BenchmarkReorderJitter(b *testing.B) {
	p := newPool(b)
	delivered := 0
	w, err := reorder.New(reorder.DefaultConfig(), func(*pool.Ref) error {
		delivered++
		return nil
	})
	if err != nil {
		b.Fatal(err)
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		seq := uint16(i ^ 1)
		r, err := p.Alloc()
		if err != nil {
			b.Fatal(err)
		}
		r.SetLen(188)
		if _, err := w.Insert(r, seq); err != nil {
			b.Fatal(err)
		}
		r.Put()
	}
	b.StopTimer()
	w.Cleanup()
}
