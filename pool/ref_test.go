package pool_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/momentics/hioload-relay/api"
	"github.com/momentics/hioload-relay/pool"
)

func TestRefViewAndTransitions(t *testing.T) {
	p := newPool(t, pool.Config{BufferSize: 100, InitialBuffers: 2, MaxBuffers: 2, ExpandBuffers: 1}, nil)
	r, err := p.Alloc()
	if err != nil {
		t.Fatal(err)
	}
	copy(r.Buf(), "hello world")
	r.SetView(6, 5)
	if string(r.Bytes()) != "world" {
		t.Fatalf("view %q", r.Bytes())
	}
	r.Advance(2)
	if string(r.Bytes()) != "rld" || r.Offset() != 8 {
		t.Fatalf("after advance: %q at %d", r.Bytes(), r.Offset())
	}
	r.SetView(90, 20)
	if r.ValidView() {
		t.Fatal("view past capacity accepted")
	}
	r.SetLen(11)

	if err := r.MarkQueued(); err != nil {
		t.Fatal(err)
	}
	if err := r.MarkQueued(); !errors.Is(err, api.ErrAlreadyQueued) {
		t.Fatalf("second MarkQueued: %v", err)
	}
	r.MarkPending(42)
	if r.State() != pool.StatePending || r.CompletionID() != 42 {
		t.Fatalf("pending: %s id=%d", r.State(), r.CompletionID())
	}
	r.MarkHeld()
	if r.CompletionID() != 0 {
		t.Fatal("completion id survived unlink")
	}
	r.Put()
	if r.State() != pool.StateFree {
		t.Fatalf("state %s after last put", r.State())
	}
	mustVerify(t, p)
}

func TestNilRefIsNoop(t *testing.T) {
	var r *pool.Ref
	r.Get()
	r.Put()
}

func TestFileRefClosesOnLastPut(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "slate.ts"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("0123456789"); err != nil {
		t.Fatal(err)
	}
	r, err := pool.NewFileRef(f, 2, 8)
	if err != nil {
		t.Fatal(err)
	}
	if r.Kind() != pool.KindFile || r.Bytes() != nil || r.Offset() != 2 || r.Len() != 8 {
		t.Fatalf("file ref: kind=%s off=%d len=%d", r.Kind(), r.Offset(), r.Len())
	}
	r.Get()
	r.Put()
	if r.File() == nil {
		t.Fatal("file closed while referenced")
	}
	r.Put()
	if r.File() != nil {
		t.Fatal("file ref kept its file after the last put")
	}
	if _, err := f.Write([]byte("x")); !errors.Is(err, os.ErrClosed) {
		t.Fatalf("file still open: %v", err)
	}
}

func TestNewFileRefRejectsEmptyRange(t *testing.T) {
	if _, err := pool.NewFileRef(nil, 0, 10); !errors.Is(err, api.ErrInvalidWindow) {
		t.Fatalf("nil file: %v", err)
	}
	f, err := os.Open(os.DevNull)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := pool.NewFileRef(f, 0, 0); !errors.Is(err, api.ErrInvalidWindow) {
		t.Fatalf("empty range: %v", err)
	}
}
