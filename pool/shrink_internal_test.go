package pool

import (
	"io"
	"log/slog"
	"testing"

	"github.com/momentics/hioload-relay/fake"
)

func TestShrinkKeepsSegmentOnAliasedBuffer(t *testing.T) {
	p, err := New(Config{BufferSize: 64, InitialBuffers: 4, MaxBuffers: 16, ExpandBuffers: 4},
		WithAllocator(fake.NewAllocator()), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatal(err)
	}
	defer p.Cleanup()

	refs := make([]*Ref, 5)
	if n := p.AllocBatch(refs); n != 5 {
		t.Fatalf("allocated %d", n)
	}
	for _, r := range refs {
		r.Put()
	}
	newest, oldest := p.segments, p.segments.next

	// A buffer whose address says one segment and whose owner says another.
	stray := &newest.refs[0]
	stray.seg = oldest

	p.TryShrink(0)
	st := p.Stats()
	if st.ShrinkInconsistencies != 1 {
		t.Fatalf("inconsistencies %d, want 1", st.ShrinkInconsistencies)
	}
	if p.segments != newest || newest.freed {
		t.Fatal("segment with an aliased buffer was released")
	}
	if !oldest.freed || st.Segments != 1 {
		t.Fatalf("clean segment not released: %+v", st)
	}
	stray.seg = newest
	if err := p.Verify(); err != nil {
		t.Fatal(err)
	}
}
