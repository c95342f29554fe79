package zerocopy_test

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/momentics/hioload-relay/api"
	"github.com/momentics/hioload-relay/fake"
	"github.com/momentics/hioload-relay/pool"
	"github.com/momentics/hioload-relay/zerocopy"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func newPool(t *testing.T) *pool.Pool {
	t.Helper()
	p, err := pool.New(pool.Config{
		BufferSize: 256, InitialBuffers: 32, MaxBuffers: 256, ExpandBuffers: 32, LowWatermark: 4, HighWatermark: 128,
	}, pool.WithAllocator(fake.NewAllocator()), pool.WithLogger(quiet))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(p.Cleanup)
	return p
}

// enqueue copies s into a fresh buffer, queues it and drops the caller's
// reference so the queue holds the only one.
func enqueue(t *testing.T, p *pool.Pool, q *zerocopy.Queue, s string) *pool.Ref {
	t.Helper()
	r, err := p.Alloc()
	if err != nil {
		t.Fatal(err)
	}
	r.SetLen(copy(r.Buf(), s))
	if err := q.Add(r); err != nil {
		t.Fatalf("Add(%q): %v", s, err)
	}
	r.Put()
	return r
}

func allFree(t *testing.T, p *pool.Pool) {
	t.Helper()
	if err := p.Verify(); err != nil {
		t.Fatal(err)
	}
	st := p.Stats()
	if st.FreeBuffers != st.TotalBuffers {
		t.Fatalf("%d of %d buffers still referenced", st.TotalBuffers-st.FreeBuffers, st.TotalBuffers)
	}
}

func noFaults(t *testing.T, q *zerocopy.Queue) {
	t.Helper()
	if st := q.Stats(); st.UnmatchedCompletions != 0 {
		t.Fatalf("unmatched completions: %d", st.UnmatchedCompletions)
	}
}

func TestFIFOAndPartialSend(t *testing.T) {
	p := newPool(t)
	q := zerocopy.New(zerocopy.Config{ZeroCopy: true}, zerocopy.WithLogger(quiet))
	sock := fake.NewSocket()

	a := enqueue(t, p, q, "aaaa")
	b := enqueue(t, p, q, "bbbbbb")
	c := enqueue(t, p, q, "cc")
	if q.Bytes() != 12 || q.Len() != 3 {
		t.Fatalf("queued %d bytes in %d entries", q.Bytes(), q.Len())
	}

	sock.AcceptNext(7)
	n, err := q.Send(sock)
	if err != nil || n != 7 {
		t.Fatalf("send: n=%d err=%v", n, err)
	}
	if a.State() != pool.StatePending || a.CompletionID() != 0 {
		t.Fatalf("first buffer: %s id=%d", a.State(), a.CompletionID())
	}
	if b.State() != pool.StateQueued || b.Len() != 3 || b.Offset() != 3 || b.CompletionID() != 0 {
		t.Fatalf("partial buffer: %s view=(%d,%d) id=%d", b.State(), b.Offset(), b.Len(), b.CompletionID())
	}
	if q.Bytes() != 5 || q.Len() != 2 || q.Pending() != 1 {
		t.Fatalf("after partial: bytes=%d len=%d pending=%d", q.Bytes(), q.Len(), q.Pending())
	}

	if n, err = q.Send(sock); err != nil || n != 5 {
		t.Fatalf("second send: n=%d err=%v", n, err)
	}
	if b.CompletionID() != 1 || c.CompletionID() != 1 || q.Pending() != 3 || q.Len() != 0 {
		t.Fatalf("ids b=%d c=%d pending=%d", b.CompletionID(), c.CompletionID(), q.Pending())
	}
	if got := string(sock.Data()); got != "aaaabbbbbbcc" {
		t.Fatalf("wire bytes %q", got)
	}
	if st := p.Stats(); st.TotalBuffers-st.FreeBuffers != 3 {
		t.Fatal("buffers released before completion")
	}

	if got := q.Complete(api.Completion{Lo: 0, Hi: 0}); got != 1 {
		t.Fatalf("completion 0 released %d", got)
	}
	if got := q.Complete(api.Completion{Lo: 1, Hi: 1, Copied: true}); got != 2 {
		t.Fatalf("completion 1 released %d", got)
	}
	if !q.Idle() {
		t.Fatal("queue not idle")
	}
	if st := q.Stats(); st.Completions != 2 || st.Copied != 1 || st.Sends != 2 || st.BytesSent != 12 {
		t.Fatalf("stats %+v", st)
	}
	noFaults(t, q)
	allFree(t, p)
}

func TestCopyModeReleasesOnSend(t *testing.T) {
	p := newPool(t)
	q := zerocopy.New(zerocopy.DefaultConfig())
	sock := fake.NewSocket()
	for _, s := range []string{"one", "two", "three"} {
		enqueue(t, p, q, s)
	}
	if n, err := q.Send(sock); err != nil || n != 11 {
		t.Fatalf("send: n=%d err=%v", n, err)
	}
	if q.Pending() != 0 || !q.Idle() {
		t.Fatalf("copy mode left %d pending", q.Pending())
	}
	if calls := sock.Calls(); len(calls) != 1 || calls[0].ZeroCopy || calls[0].Iovecs != 3 {
		t.Fatalf("calls %+v", calls)
	}
	allFree(t, p)
}

func TestBackpressureLeavesQueueUntouched(t *testing.T) {
	p := newPool(t)
	q := zerocopy.New(zerocopy.Config{ZeroCopy: true})
	sock := fake.NewSocket()
	enqueue(t, p, q, "payload")

	sock.FailNext(api.ErrWouldBlock, fmt.Errorf("sendmsg: %w", api.ErrNoBufferSpace))
	for i := 0; i < 2; i++ {
		if _, err := q.Send(sock); !errors.Is(err, api.ErrWouldBlock) {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}
	if q.Len() != 1 || q.Bytes() != 7 || q.Pending() != 0 || q.NextCompletionID() != 0 {
		t.Fatalf("queue changed: len=%d bytes=%d pending=%d next=%d", q.Len(), q.Bytes(), q.Pending(), q.NextCompletionID())
	}
	st := q.Stats()
	if st.WouldBlock != 1 || st.NoBufferSpace != 1 || st.Sends != 0 {
		t.Fatalf("stats %+v", st)
	}
	if n, err := q.Send(sock); err != nil || n != 7 {
		t.Fatalf("retry: n=%d err=%v", n, err)
	}
	q.Complete(api.Completion{Lo: 0, Hi: 0})
	noFaults(t, q)
	allFree(t, p)
}

func TestSendErrorPropagates(t *testing.T) {
	p := newPool(t)
	q := zerocopy.New(zerocopy.DefaultConfig())
	sock := fake.NewSocket()
	enqueue(t, p, q, "x")
	boom := errors.New("connection reset")
	sock.FailNext(boom)
	if _, err := q.Send(sock); !errors.Is(err, boom) {
		t.Fatalf("got %v", err)
	}
	if q.Len() != 1 {
		t.Fatal("failed send consumed the entry")
	}
	q.Cleanup()
	allFree(t, p)
}

func TestAddRejectsInvalidWindow(t *testing.T) {
	p := newPool(t)
	q := zerocopy.New(zerocopy.DefaultConfig())
	r, err := p.Alloc()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Put()
	for _, view := range [][2]int{{250, 10}, {-1, 4}, {0, 257}} {
		r.SetView(view[0], view[1])
		if err := q.Add(r); !errors.Is(err, api.ErrInvalidWindow) {
			t.Fatalf("view %v: %v", view, err)
		}
	}
	if r.Refs() != 1 || r.State() != pool.StateHeld || q.Len() != 0 || q.Bytes() != 0 {
		t.Fatal("rejected add had side effects")
	}
	r.SetLen(0)
	if err := q.Add(r); err != nil || q.Len() != 0 {
		t.Fatalf("empty view: err=%v len=%d", err, q.Len())
	}
}

func TestAddTwiceRejected(t *testing.T) {
	p := newPool(t)
	q := zerocopy.New(zerocopy.DefaultConfig())
	r := enqueue(t, p, q, "once")
	if err := q.Add(r); !errors.Is(err, api.ErrAlreadyQueued) {
		t.Fatalf("second add: %v", err)
	}
	if r.Refs() != 1 || q.Len() != 1 {
		t.Fatalf("refs=%d len=%d", r.Refs(), q.Len())
	}
	q.Cleanup()
	allFree(t, p)
}

func TestSendRespectsIovecCap(t *testing.T) {
	p := newPool(t)
	q := zerocopy.New(zerocopy.Config{MaxIovecs: 4})
	sock := fake.NewSocket()
	for i := 0; i < 10; i++ {
		enqueue(t, p, q, "0123456789")
	}
	if n, _ := q.Send(sock); n != 40 {
		t.Fatalf("sent %d", n)
	}
	if calls := sock.Calls(); calls[0].Iovecs != 4 {
		t.Fatalf("iovecs %d", calls[0].Iovecs)
	}
	if q.Len() != 6 || q.Bytes() != 60 {
		t.Fatalf("len=%d bytes=%d", q.Len(), q.Bytes())
	}
	q.Cleanup()
	allFree(t, p)
}

func TestFileEntriesInterleave(t *testing.T) {
	p := newPool(t)
	q := zerocopy.New(zerocopy.Config{ZeroCopy: true})
	sock := fake.NewSocket()

	path := filepath.Join(t.TempDir(), "slate.ts")
	if err := os.WriteFile(path, []byte("0123456789"), 0o600); err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}

	enqueue(t, p, q, "hdr")
	if q.ShouldFlush() {
		t.Fatal("three bytes should not trigger a flush")
	}
	if err := q.AddFile(f, 2, 6); err != nil {
		t.Fatal(err)
	}
	if !q.ShouldFlush() {
		t.Fatal("queued file should trigger a flush")
	}
	enqueue(t, p, q, "tail")
	if q.Bytes() != 7 {
		t.Fatalf("file counted toward batch bytes: %d", q.Bytes())
	}

	sock.AcceptNext(-1, 4)
	for q.Len() > 0 {
		if _, err := q.Send(sock); err != nil {
			t.Fatal(err)
		}
	}
	if got := string(sock.Data()); got != "hdr234567tail" {
		t.Fatalf("wire bytes %q", got)
	}
	calls := sock.Calls()
	if len(calls) != 4 || !calls[1].File || !calls[2].File || calls[3].File {
		t.Fatalf("calls %+v", calls)
	}
	if _, err := f.Read(make([]byte, 1)); !errors.Is(err, os.ErrClosed) {
		t.Fatalf("file not closed after send: %v", err)
	}
	if q.Pending() != 2 {
		t.Fatalf("pending %d", q.Pending())
	}
	if got := q.Complete(api.Completion{Lo: 0, Hi: 1}); got != 2 {
		t.Fatalf("released %d", got)
	}
	noFaults(t, q)
	allFree(t, p)
}

func TestCompletionWraparound(t *testing.T) {
	p := newPool(t)
	q := zerocopy.New(zerocopy.Config{ZeroCopy: true}, zerocopy.WithFirstCompletionID(0xFFFFFFFE))
	sock := fake.NewSocket()

	refs := make(map[uint32]*pool.Ref)
	for i := 0; i < 5; i++ {
		r := enqueue(t, p, q, fmt.Sprintf("pkt%d", i))
		if _, err := q.Send(sock); err != nil {
			t.Fatal(err)
		}
		refs[r.CompletionID()] = r
	}
	for _, id := range []uint32{0xFFFFFFFE, 0xFFFFFFFF, 0, 1, 2} {
		if r, ok := refs[id]; !ok || r.State() != pool.StatePending {
			t.Fatalf("id %#x not pending", id)
		}
	}

	if got := q.Complete(api.Completion{Lo: 0xFFFFFFFF, Hi: 1}); got != 3 {
		t.Fatalf("wrapped range released %d, want 3", got)
	}
	for _, id := range []uint32{0xFFFFFFFF, 0, 1} {
		if refs[id].State() != pool.StateFree {
			t.Fatalf("id %#x not released", id)
		}
	}
	for _, id := range []uint32{0xFFFFFFFE, 2} {
		if refs[id].State() != pool.StatePending {
			t.Fatalf("id %#x released outside the range", id)
		}
	}
	q.Complete(api.Completion{Lo: 0xFFFFFFFE, Hi: 0xFFFFFFFE})
	q.Complete(api.Completion{Lo: 2, Hi: 2})
	noFaults(t, q)
	allFree(t, p)
}

func TestPartialOnlySendCompletion(t *testing.T) {
	p := newPool(t)
	q := zerocopy.New(zerocopy.Config{ZeroCopy: true}, zerocopy.WithLogger(quiet))
	sock := fake.NewSocket()
	r := enqueue(t, p, q, "0123456789")

	sock.AcceptNext(4)
	if _, err := q.Send(sock); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Send(sock); err != nil {
		t.Fatal(err)
	}
	if r.CompletionID() != 1 {
		t.Fatalf("id %d, want the id of the send that finished it", r.CompletionID())
	}
	if got := q.Complete(api.Completion{Lo: 0, Hi: 0}); got != 0 {
		t.Fatalf("report for the partial send released %d", got)
	}
	if got := q.Complete(api.Completion{Lo: 1, Hi: 1}); got != 1 {
		t.Fatalf("released %d", got)
	}
	noFaults(t, q)
	allFree(t, p)
}

func TestUnmatchedCompletionCounted(t *testing.T) {
	q := zerocopy.New(zerocopy.Config{ZeroCopy: true}, zerocopy.WithLogger(quiet))
	if got := q.Complete(api.Completion{Lo: 5, Hi: 9}); got != 0 {
		t.Fatalf("released %d from an empty queue", got)
	}
	if st := q.Stats(); st.UnmatchedCompletions != 1 {
		t.Fatalf("unmatched completion not counted: %+v", st)
	}
}

func TestHandleCompletionsDrainsSocket(t *testing.T) {
	p := newPool(t)
	q := zerocopy.New(zerocopy.Config{ZeroCopy: true})
	sock := fake.NewSocket()
	for i := 0; i < 40; i++ {
		enqueue(t, p, q, "data")
		if _, err := q.Send(sock); err != nil {
			t.Fatal(err)
		}
	}
	for i := uint32(0); i < 40; i += 2 {
		sock.Complete(api.Completion{Lo: i, Hi: i + 1})
	}
	n, err := q.HandleCompletions(sock)
	if err != nil || n != 20 {
		t.Fatalf("reports=%d err=%v", n, err)
	}
	if n, err := q.HandleCompletions(sock); err != nil || n != 0 {
		t.Fatalf("empty error queue: n=%d err=%v", n, err)
	}
	noFaults(t, q)
	allFree(t, p)

	boom := errors.New("recvmsg failed")
	sock.SetReadError(boom)
	if _, err := q.HandleCompletions(sock); !errors.Is(err, boom) {
		t.Fatalf("read error: %v", err)
	}
}

func TestBatchAndTimeoutTriggers(t *testing.T) {
	p := newPool(t)
	now := time.Unix(1000, 0)
	q := zerocopy.New(zerocopy.Config{BatchBytes: 100}, zerocopy.WithClock(func() time.Time { return now }))

	if q.FlushDue(0) {
		t.Fatal("empty queue is never due")
	}
	enqueue(t, p, q, string(bytes.Repeat([]byte{'x'}, 60)))
	if q.ShouldFlush() {
		t.Fatal("flush below threshold")
	}
	now = now.Add(50 * time.Millisecond)
	if q.FlushDue(100 * time.Millisecond) {
		t.Fatal("flush before timeout")
	}
	now = now.Add(60 * time.Millisecond)
	if !q.FlushDue(100 * time.Millisecond) {
		t.Fatal("timeout flush not due")
	}
	enqueue(t, p, q, string(bytes.Repeat([]byte{'y'}, 60)))
	if !q.ShouldFlush() {
		t.Fatal("threshold reached without flush")
	}
	st := q.Stats()
	if st.BatchSends != 1 || st.TimeoutFlushes != 1 {
		t.Fatalf("stats %+v", st)
	}
	q.Cleanup()
	allFree(t, p)
}

func TestCleanupReleasesSendAndPending(t *testing.T) {
	p := newPool(t)
	q := zerocopy.New(zerocopy.Config{ZeroCopy: true})
	sock := fake.NewSocket()
	for i := 0; i < 3; i++ {
		enqueue(t, p, q, "abcd")
	}
	sock.AcceptNext(6)
	if _, err := q.Send(sock); err != nil {
		t.Fatal(err)
	}
	if q.Pending() != 1 || q.Len() != 2 {
		t.Fatalf("pending=%d len=%d", q.Pending(), q.Len())
	}
	if got := q.Cleanup(); got != 3 {
		t.Fatalf("cleanup dropped %d", got)
	}
	if !q.Idle() || q.Bytes() != 0 {
		t.Fatal("queue not empty after cleanup")
	}
	allFree(t, p)
}

func TestZeroCopyEndToEnd(t *testing.T) {
	p := newPool(t)
	q := zerocopy.New(zerocopy.Config{ZeroCopy: true})
	sock := fake.NewSocket()

	r, err := p.Alloc()
	if err != nil {
		t.Fatal(err)
	}
	r.SetLen(copy(r.Buf(), "188 bytes of transport stream, give or take"))
	if err := q.Add(r); err != nil {
		t.Fatal(err)
	}
	r.Put()

	n, err := q.Send(sock)
	if err != nil || n != r.Len() {
		t.Fatalf("send: n=%d err=%v", n, err)
	}
	if r.State() != pool.StatePending || r.Refs() != 1 || q.Pending() != 1 {
		t.Fatalf("after send: state=%s refs=%d pending=%d", r.State(), r.Refs(), q.Pending())
	}

	sock.Complete(api.Completion{Lo: r.CompletionID(), Hi: r.CompletionID()})
	if got, err := q.HandleCompletions(sock); err != nil || got != 1 {
		t.Fatalf("completions=%d err=%v", got, err)
	}
	if r.State() != pool.StateFree || q.Pending() != 0 {
		t.Fatalf("after completion: state=%s pending=%d", r.State(), q.Pending())
	}
	noFaults(t, q)
	allFree(t, p)
}

func TestRandomizedSendPreservesBytes(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	p := newPool(t)
	q := zerocopy.New(zerocopy.Config{ZeroCopy: true, MaxIovecs: 8})
	sock := fake.NewSocket()

	var want bytes.Buffer
	var completed uint32
	for step := 0; step < 3000; step++ {
		switch rng.Intn(4) {
		case 0, 1:
			size := 1 + rng.Intn(200)
			payload := make([]byte, size)
			rng.Read(payload)
			r, err := p.Alloc()
			if err != nil {
				continue
			}
			r.SetLen(copy(r.Buf(), payload))
			if err := q.Add(r); err != nil {
				t.Fatal(err)
			}
			r.Put()
			want.Write(payload)
		case 2:
			sock.AcceptNext(rng.Intn(600))
			if _, err := q.Send(sock); err != nil {
				t.Fatal(err)
			}
		case 3:
			if next := q.NextCompletionID(); next != completed {
				q.Complete(api.Completion{Lo: completed, Hi: next - 1})
				completed = next
			}
		}
	}
	for q.Len() > 0 {
		if _, err := q.Send(sock); err != nil {
			t.Fatal(err)
		}
	}
	if next := q.NextCompletionID(); next != completed {
		q.Complete(api.Completion{Lo: completed, Hi: next - 1})
	}
	if !bytes.Equal(sock.Data(), want.Bytes()) {
		t.Fatalf("wire bytes diverge: got %d bytes, want %d", len(sock.Data()), want.Len())
	}
	if q.Pending() != 0 {
		t.Fatalf("%d buffers never completed", q.Pending())
	}
	noFaults(t, q)
	allFree(t, p)
}
