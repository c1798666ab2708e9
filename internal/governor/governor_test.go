package governor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"policyrag/internal/config"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testGovernorConfig() config.GovernorConfig {
	cfg := config.Default().Governor
	cfg.DBPoolSize = 3
	cfg.DBAcquireTimeout = config.Duration(200 * time.Millisecond)
	cfg.LLMPermits = 2
	cfg.LLMAcquireTimeout = config.Duration(200 * time.Millisecond)
	return cfg
}

func TestAcquireDB_NeverExceedsPoolSize(t *testing.T) {
	g := New(testGovernorConfig())

	const workers = 20
	var inUse, maxInUse atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := g.AcquireDB(context.Background())
			if err != nil {
				// Bounded wait may expire under contention; that is the
				// documented alternative to queueing forever.
				if !errors.Is(err, ErrResourceExhausted) {
					t.Errorf("AcquireDB error = %v, want ErrResourceExhausted", err)
				}
				return
			}
			defer release()

			n := inUse.Add(1)
			for {
				m := maxInUse.Load()
				if n <= m || maxInUse.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inUse.Add(-1)
		}()
	}
	wg.Wait()

	if got := maxInUse.Load(); got > 3 {
		t.Fatalf("max concurrent DB holders = %d, want <= pool size 3", got)
	}
	if got := int(g.dbInUse.Load()); got != 0 {
		t.Fatalf("dbInUse after all releases = %d, want 0", got)
	}
}

func TestAcquireDB_TimeoutWhenSaturated(t *testing.T) {
	cfg := testGovernorConfig()
	cfg.DBPoolSize = 1
	cfg.DBAcquireTimeout = config.Duration(30 * time.Millisecond)
	g := New(cfg)

	release, err := g.AcquireDB(context.Background())
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer release()

	start := time.Now()
	_, err = g.AcquireDB(context.Background())
	if !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("second acquire error = %v, want ErrResourceExhausted", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("acquire blocked %v, want bounded wait", elapsed)
	}
	if got := g.Metrics().TotalDBTimeouts; got != 1 {
		t.Fatalf("TotalDBTimeouts = %d, want 1", got)
	}
}

func TestAcquireDB_ReleasesOnCancellation(t *testing.T) {
	cfg := testGovernorConfig()
	cfg.DBPoolSize = 1
	g := New(cfg)

	release, err := g.AcquireDB(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := g.AcquireDB(ctx)
		errCh <- err
	}()
	cancel()

	if err := <-errCh; !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("cancelled acquire error = %v, want ErrResourceExhausted", err)
	}

	// The slot held by the first acquisition must still be returnable
	// and immediately reusable.
	release()
	release() // idempotent

	release2, err := g.AcquireDB(context.Background())
	if err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
	release2()
}

func TestAcquireLLM_WaitPolicyBounds(t *testing.T) {
	cfg := testGovernorConfig()
	cfg.LLMPermits = 1
	cfg.LLMAcquireTimeout = config.Duration(30 * time.Millisecond)
	g := New(cfg)

	release, err := g.AcquireLLM(context.Background())
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	_, err = g.AcquireLLM(context.Background())
	if !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("saturated acquire error = %v, want ErrResourceExhausted", err)
	}

	release()
	release2, err := g.AcquireLLM(context.Background())
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	release2()
}

func TestAcquireLLM_RejectPolicyFailsFast(t *testing.T) {
	cfg := testGovernorConfig()
	cfg.LLMPermits = 1
	cfg.LLMPolicy = "reject"
	g := New(cfg)

	release, err := g.AcquireLLM(context.Background())
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer release()

	start := time.Now()
	_, err = g.AcquireLLM(context.Background())
	if !errors.Is(err, ErrBackpressure) {
		t.Fatalf("saturated acquire error = %v, want ErrBackpressure", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Millisecond {
		t.Fatalf("reject policy took %v, want immediate failure", elapsed)
	}
}

func TestHealth_ReflectsSaturationAndBreakers(t *testing.T) {
	g := New(testGovernorConfig())

	h := g.Health()
	if !h.Ready {
		t.Fatal("fresh governor should be ready")
	}
	if h.DBPoolSize != 3 || h.LLMPermits != 2 {
		t.Fatalf("health sizes = %d/%d, want 3/2", h.DBPoolSize, h.LLMPermits)
	}

	release, err := g.AcquireDB(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if got := g.Health().DBInUse; got != 1 {
		t.Fatalf("DBInUse = %d, want 1", got)
	}
	release()

	// Trip the generation breaker; health must go not-ready.
	b := g.Breaker(DepGeneration)
	for i := 0; i < 10; i++ {
		b.RecordFailure()
	}
	if g.Health().Ready {
		t.Fatal("governor with an open breaker should not be ready")
	}
}
