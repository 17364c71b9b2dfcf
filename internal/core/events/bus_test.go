package events_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"

	"github.com/frahmantamala/member-payments/internal/core/events"
)

func TestEvents(t *testing.T) {
	gomega.RegisterFailHandler(ginkgo.Fail)
	ginkgo.RunSpecs(t, "Events Suite")
}

type contextKey struct{}

var _ = ginkgo.Describe("EventBus", func() {
	var bus *events.EventBus

	ginkgo.BeforeEach(func() {
		bus = events.NewEventBus(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError})))
	})

	ginkgo.It("delivers to handlers of the event type and to wildcard subscribers", func() {
		var (
			mu   sync.Mutex
			seen []string
		)
		record := func(name string) events.Handler {
			return func(_ context.Context, e events.Event) error {
				mu.Lock()
				defer mu.Unlock()
				seen = append(seen, name+":"+e.EventType())
				return nil
			}
		}
		bus.Subscribe(events.EventTypeIntentSucceeded, record("succeeded"))
		bus.Subscribe(events.EventTypeIntentFailed, record("failed"))
		bus.Subscribe(events.AllEvents, record("all"))

		err := bus.PublishSync(context.Background(), events.NewIntentStatusChangedEvent(
			events.EventTypeIntentSucceeded, "intent-1", "pr_1", "PROCESSING", "SUCCEEDED", "", "webhook"))

		gomega.Expect(err).NotTo(gomega.HaveOccurred())
		gomega.Expect(seen).To(gomega.ConsistOf("succeeded:intent.succeeded", "all:intent.succeeded"))
	})

	ginkgo.It("keeps context values but not cancellation for asynchronous handlers", func() {
		got := make(chan bool, 1)
		bus.Subscribe(events.EventTypeOperatorAlert, func(ctx context.Context, _ events.Event) error {
			time.Sleep(10 * time.Millisecond)
			got <- ctx.Value(contextKey{}) == "trace-1" && ctx.Err() == nil
			return nil
		})

		ctx, cancel := context.WithCancel(context.WithValue(context.Background(), contextKey{}, "trace-1"))
		gomega.Expect(bus.Publish(ctx, events.NewOperatorAlertEvent("orphan_event", "", "evt1", "detail"))).To(gomega.Succeed())
		cancel()

		gomega.Eventually(got).Should(gomega.Receive(gomega.BeTrue()))
	})

	ginkgo.It("delivers operator alerts with their own event id and the gateway event id", func() {
		got := make(chan events.Event, 1)
		bus.Subscribe(events.EventTypeOperatorAlert, func(_ context.Context, event events.Event) error {
			got <- event
			return nil
		})

		alert := events.NewOperatorAlertEvent("orphan_event", "", "evt1", "no intent")
		gomega.Expect(bus.PublishSync(context.Background(), alert)).To(gomega.Succeed())

		var delivered events.Event
		gomega.Eventually(got).Should(gomega.Receive(&delivered))
		gomega.Expect(delivered.EventID()).ToNot(gomega.BeEmpty())
		gomega.Expect(delivered.EventID()).ToNot(gomega.Equal("evt1"))
		gomega.Expect(delivered.(*events.OperatorAlertEvent).ProviderEventID).To(gomega.Equal("evt1"))
	})

	ginkgo.It("returns the first handler error when publishing synchronously", func() {
		bus.Subscribe(events.EventTypeIntentCreated, func(context.Context, events.Event) error {
			return errors.New("downstream unavailable")
		})

		err := bus.PublishSync(context.Background(), events.NewIntentCreatedEvent("intent-1", "abc", "member-1", 5000, "USD"))

		gomega.Expect(err).To(gomega.MatchError(gomega.ContainSubstring("downstream unavailable")))
	})

	ginkgo.It("is a no-op without subscribers", func() {
		gomega.Expect(bus.Publish(context.Background(), events.NewIntentCreatedEvent("intent-1", "abc", "member-1", 5000, "USD"))).To(gomega.Succeed())
	})

	ginkgo.It("drains asynchronous handlers before shutdown", func() {
		var delivered sync.WaitGroup
		delivered.Add(1)
		finished := false
		bus.Subscribe(events.EventTypeIntentCreated, func(context.Context, events.Event) error {
			defer delivered.Done()
			time.Sleep(20 * time.Millisecond)
			finished = true
			return nil
		})

		gomega.Expect(bus.Publish(context.Background(), events.NewIntentCreatedEvent("intent-1", "abc", "member-1", 5000, "USD"))).To(gomega.Succeed())
		gomega.Expect(bus.Drain(context.Background())).To(gomega.Succeed())

		delivered.Wait()
		gomega.Expect(finished).To(gomega.BeTrue())
	})

	ginkgo.It("stops waiting for handlers when the drain deadline passes", func() {
		release := make(chan struct{})
		defer close(release)
		bus.Subscribe(events.EventTypeIntentCreated, func(context.Context, events.Event) error {
			<-release
			return nil
		})
		gomega.Expect(bus.Publish(context.Background(), events.NewIntentCreatedEvent("intent-1", "abc", "member-1", 5000, "USD"))).To(gomega.Succeed())

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		gomega.Expect(bus.Drain(ctx)).To(gomega.MatchError(context.DeadlineExceeded))
	})

	ginkgo.It("turns a panicking handler into an error", func() {
		bus.Subscribe(events.EventTypeIntentCreated, func(context.Context, events.Event) error {
			panic("boom")
		})

		err := bus.PublishSync(context.Background(), events.NewIntentCreatedEvent("intent-1", "abc", "member-1", 5000, "USD"))

		gomega.Expect(err).To(gomega.MatchError(gomega.ContainSubstring("boom")))
	})
})
