package health

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func healthyChecker(name string) Checker {
	return func(_ context.Context) Status {
		return Status{Name: name, Healthy: true}
	}
}

func TestEmptyRegistryIsHealthy(t *testing.T) {
	healthy, statuses := NewRegistry().CheckAll(context.Background())
	if !healthy {
		t.Fatal("registry with no checkers should be healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("statuses = %d, want 0", len(statuses))
	}
}

func TestCheckAllAggregates(t *testing.T) {
	r := NewRegistry()
	r.Register("postgres", healthyChecker("postgres"))
	r.Register("redis", healthyChecker("redis"))

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("all checkers pass, registry should be healthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("statuses = %d, want 2", len(statuses))
	}

	// One failing subsystem flips the aggregate.
	r.Register("rpc", func(_ context.Context) Status {
		return Status{Name: "rpc", Healthy: false, Detail: "dial timeout"}
	})
	healthy, statuses = r.CheckAll(context.Background())
	if healthy {
		t.Fatal("failing checker should make registry unhealthy")
	}
	if statuses[2].Detail != "dial timeout" {
		t.Fatalf("detail = %q", statuses[2].Detail)
	}
}

func TestPingChecker(t *testing.T) {
	ok := PingChecker("postgres", func(context.Context) error { return nil })
	st := ok(context.Background())
	if !st.Healthy || st.Name != "postgres" || st.Detail != "" {
		t.Fatalf("unexpected status: %+v", st)
	}

	bad := PingChecker("redis", func(context.Context) error {
		return errors.New("connection refused")
	})
	st = bad(context.Background())
	if st.Healthy {
		t.Fatal("failing ping should be unhealthy")
	}
	if st.Detail != "connection refused" {
		t.Fatalf("detail = %q", st.Detail)
	}
}

func TestConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("postgres", healthyChecker("postgres"))
		}()
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()
}
