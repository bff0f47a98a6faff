package limiter

import (
	"context"
	"fmt"
)

func ExampleFixedWindowLimiter() {
	clock := NewManualClock(0)
	l := NewFixedWindowLimiter(NewMemoryStore(), WithClock(clock))

	limit := Limit{
		Rate:   2,
		Period: 10,
	}
	id := Identity{Namespace: "user", Key: "user_123"}

	for i := 0; i < 3; i++ {
		dec, err := l.Allow(context.Background(), id, limit)
		if err != nil {
			panic(err)
		}
		fmt.Println(dec.Allow, dec.Remaining, dec.RetryAfter)
	}
	// Output:
	// true 1 0
	// true 0 0
	// false 0 10
}

func ExampleLimiter_IncN() {
	ctx := context.Background()
	l, err := New(NewMemoryStore(), Identity{Namespace: "batch", Key: "export"}, Limit{Rate: 5, Period: 60})
	if err != nil {
		panic(err)
	}

	first, _ := l.IncN(ctx, 1000, 3)
	second, _ := l.IncN(ctx, 1000, 3)
	wait, _ := l.TimeToWait(ctx, 1015)
	fmt.Println(first, second, wait)
	// Output:
	// 3 2 45
}
