package dedup

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	logx "payrelay/pkg/logx"
)

func backends(t *testing.T) map[string]func() (Store, func(time.Duration)) {
	t.Helper()
	return map[string]func() (Store, func(time.Duration)){
		"memory": func() (Store, func(time.Duration)) {
			var off atomic.Int64
			base := time.Now()
			m := NewMemory(0)
			m.now = func() time.Time { return base.Add(time.Duration(off.Load())) }
			return m, func(d time.Duration) { off.Add(int64(d)) }
		},
		"redis": func() (Store, func(time.Duration)) {
			mr := miniredis.RunT(t)
			rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			return NewRedisFromClient(rdb, ""), mr.FastForward
		},
	}
}

func TestMarkOnceAndExpiry(t *testing.T) {
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			st, advance := mk()
			defer st.Close()
			ctx := context.Background()

			if seen, _ := st.Seen(ctx, "k1"); seen {
				t.Fatal("fresh key reported seen")
			}
			first, err := st.MarkOnce(ctx, "k1", time.Minute)
			if err != nil || !first {
				t.Fatalf("first mark: %v %v", first, err)
			}
			again, err := st.MarkOnce(ctx, "k1", time.Minute)
			if err != nil || again {
				t.Fatalf("second mark: %v %v", again, err)
			}
			if seen, _ := st.Seen(ctx, "k1"); !seen {
				t.Fatal("marked key not seen")
			}

			advance(2 * time.Minute)
			if seen, _ := st.Seen(ctx, "k1"); seen {
				t.Fatal("expired key still seen")
			}
			if ok, _ := st.MarkOnce(ctx, "k1", time.Minute); !ok {
				t.Fatal("expired key should be markable again")
			}
		})
	}
}

func TestForgetAllowsMarkAgain(t *testing.T) {
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			st, _ := mk()
			defer st.Close()
			ctx := context.Background()

			if ok, err := st.MarkOnce(ctx, "k1", time.Hour); err != nil || !ok {
				t.Fatalf("mark: %v %v", ok, err)
			}
			if err := st.Forget(ctx, "k1"); err != nil {
				t.Fatalf("forget: %v", err)
			}
			if seen, _ := st.Seen(ctx, "k1"); seen {
				t.Fatal("forgotten key still seen")
			}
			if ok, _ := st.MarkOnce(ctx, "k1", time.Hour); !ok {
				t.Fatal("forgotten key should be markable again")
			}
			if err := st.Forget(ctx, "absent"); err != nil {
				t.Fatalf("forget absent: %v", err)
			}
			if err := st.Forget(ctx, ""); err == nil {
				t.Fatal("empty key accepted")
			}
		})
	}
}

func TestMarkOnceSingleWinner(t *testing.T) {
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			st, _ := mk()
			defer st.Close()

			var (
				wg   sync.WaitGroup
				wins atomic.Int32
			)
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if ok, err := st.MarkOnce(context.Background(), "race", time.Minute); err == nil && ok {
						wins.Add(1)
					}
				}()
			}
			wg.Wait()
			if wins.Load() != 1 {
				t.Fatalf("winners = %d", wins.Load())
			}
		})
	}
}

func TestMemoryEvictsOverCap(t *testing.T) {
	t.Parallel()
	m := NewMemory(2)
	ctx := context.Background()
	_, _ = m.MarkOnce(ctx, "a", time.Minute)
	_, _ = m.MarkOnce(ctx, "b", 2*time.Minute)
	_, _ = m.MarkOnce(ctx, "c", 3*time.Minute)
	if m.Len() != 2 {
		t.Fatalf("len = %d", m.Len())
	}
	if seen, _ := m.Seen(ctx, "a"); seen {
		t.Fatal("earliest expiry should be evicted")
	}
}

func TestOpenDefaultsToMemory(t *testing.T) {
	t.Parallel()
	st, err := Open(context.Background(), Config{}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := st.(*Memory); !ok {
		t.Fatalf("got %T", st)
	}
}

func TestOpenRedis(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	st, err := Open(context.Background(), Config{RedisURL: "redis://" + mr.Addr() + "/0"}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	if _, ok := st.(*Redis); !ok {
		t.Fatalf("got %T", st)
	}
}

func TestEmptyKeyRejected(t *testing.T) {
	t.Parallel()
	if _, err := NewMemory(0).MarkOnce(context.Background(), "", time.Second); err == nil {
		t.Fatal("expected error")
	}
}
