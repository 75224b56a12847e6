package resilience

import (
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var errUpstream = errors.New("upstream unavailable")

var _ = Describe("CircuitBreaker", func() {
	var breaker *CircuitBreaker

	BeforeEach(func() {
		breaker = NewCircuitBreaker("upstream-client", 0.5, 50*time.Millisecond)
	})

	Describe("initial state", func() {
		It("starts closed with no failures", func() {
			Expect(breaker.GetState()).To(Equal(StateClosed))
			Expect(breaker.GetFailures()).To(Equal(uint32(0)))
			Expect(breaker.GetFailureRate()).To(Equal(0.0))
		})
	})

	Describe("Call", func() {
		It("passes through the wrapped function's result on success", func() {
			result, err := breaker.Call(func() (interface{}, error) {
				return "ok", nil
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal("ok"))
		})

		It("propagates the wrapped function's error", func() {
			_, err := breaker.Call(func() (interface{}, error) {
				return nil, errUpstream
			})
			Expect(err).To(MatchError(errUpstream))
		})
	})

	Describe("tripping open", func() {
		It("opens once at least 10 requests have been seen and the failure ratio crosses the threshold", func() {
			for i := 0; i < 10; i++ {
				_, _ = breaker.Call(func() (interface{}, error) {
					return nil, errUpstream
				})
			}

			Expect(breaker.GetState()).To(Equal(StateOpen))
			// Opening the breaker starts a new, empty counting window.
			Expect(breaker.GetFailureRate()).To(Equal(0.0))
		})

		It("rejects calls without invoking fn while open", func() {
			for i := 0; i < 10; i++ {
				_, _ = breaker.Call(func() (interface{}, error) {
					return nil, errUpstream
				})
			}
			Expect(breaker.GetState()).To(Equal(StateOpen))

			called := false
			_, err := breaker.Call(func() (interface{}, error) {
				called = true
				return "should not run", nil
			})

			Expect(err).To(HaveOccurred())
			Expect(called).To(BeFalse())
		})

		It("closes again once a probe succeeds after the reset timeout elapses", func() {
			for i := 0; i < 10; i++ {
				_, _ = breaker.Call(func() (interface{}, error) {
					return nil, errUpstream
				})
			}
			Expect(breaker.GetState()).To(Equal(StateOpen))

			Eventually(func() State {
				breaker.Call(func() (interface{}, error) { return "probe", nil })
				return breaker.GetState()
			}, time.Second, 10*time.Millisecond).Should(Equal(StateClosed))
		})
	})

	Describe("Name", func() {
		It("returns the configured name", func() {
			Expect(breaker.Name()).To(Equal("upstream-client"))
		})
	})
})
