package webhook_test

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/member-payments/internal/webhook"
)

var _ = Describe("MemoryQueue", func() {
	var (
		queue *webhook.MemoryQueue
		mu    sync.Mutex
		got   []string
	)

	handled := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), got...)
	}

	BeforeEach(func() {
		logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
		queue = webhook.NewMemoryQueue(2, 10, logger)
		got = nil
	})

	It("hands each event to the handler after its delay", func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			_ = queue.Run(ctx, func(_ context.Context, id string) {
				mu.Lock()
				got = append(got, id)
				mu.Unlock()
			})
		}()

		Expect(queue.Enqueue(ctx, "evt1", 5*time.Millisecond)).To(Succeed())
		Expect(queue.Enqueue(ctx, "evt2", time.Hour)).To(Succeed())

		Eventually(handled).WithTimeout(time.Second).Should(Equal([]string{"evt1"}))
		Expect(queue.Len()).To(Equal(1))
	})

	It("keeps a single timer when an event is rescheduled", func() {
		ctx := context.Background()

		Expect(queue.Enqueue(ctx, "evt1", time.Hour)).To(Succeed())
		Expect(queue.Enqueue(ctx, "evt1", time.Hour)).To(Succeed())

		Expect(queue.Len()).To(Equal(1))
	})

	It("stops when its context is cancelled", func() {
		ctx, cancel := context.WithCancel(context.Background())
		Expect(queue.Enqueue(ctx, "evt1", time.Hour)).To(Succeed())

		done := make(chan error, 1)
		go func() { done <- queue.Run(ctx, func(context.Context, string) {}) }()
		cancel()

		Eventually(done).WithTimeout(time.Second).Should(Receive(MatchError(context.Canceled)))
		Expect(queue.Len()).To(BeZero())
	})
})
