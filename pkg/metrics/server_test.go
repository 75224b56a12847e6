package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Server", func() {
	var (
		logger *logrus.Logger
		server *Server
		port   string
	)

	BeforeEach(func() {
		logger = logrus.New()
		logger.SetLevel(logrus.FatalLevel)
		port = "18099"
	})

	AfterEach(func() {
		if server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = server.Stop(ctx)
		}
	})

	Describe("NewServer", func() {
		It("builds a server bound to the requested port", func() {
			server = NewServer(port, logger, nil)
			Expect(server.httpServer.Addr).To(Equal(":" + port))
		})
	})

	Describe("liveness and readiness", func() {
		BeforeEach(func() {
			server = NewServer(port, logger, nil)
			server.StartAsync()
			Eventually(func() error {
				_, err := http.Get(fmt.Sprintf("http://127.0.0.1:%s/healthz", port))
				return err
			}, time.Second, 10*time.Millisecond).Should(Succeed())
		})

		It("reports OK on /healthz", func() {
			resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%s/healthz", port))
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			body, _ := io.ReadAll(resp.Body)
			Expect(string(body)).To(Equal("OK"))
		})

		It("reports OK on /readyz when no readiness function is set", func() {
			resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%s/readyz", port))
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		It("serves Prometheus metrics on /metrics", func() {
			resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%s/metrics", port))
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})
	})

	Describe("readiness failure", func() {
		BeforeEach(func() {
			server = NewServer(port, logger, func() error {
				return errors.New("database unreachable")
			})
			server.StartAsync()
			Eventually(func() error {
				_, err := http.Get(fmt.Sprintf("http://127.0.0.1:%s/readyz", port))
				return err
			}, time.Second, 10*time.Millisecond).Should(Succeed())
		})

		It("reports 503 when the readiness function errors", func() {
			resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%s/readyz", port))
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusServiceUnavailable))
		})
	})

	Describe("Stop", func() {
		It("shuts the server down without error", func() {
			server = NewServer(port, logger, nil)
			server.StartAsync()
			Eventually(func() error {
				_, err := http.Get(fmt.Sprintf("http://127.0.0.1:%s/healthz", port))
				return err
			}, time.Second, 10*time.Millisecond).Should(Succeed())

			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			Expect(server.Stop(ctx)).NotTo(HaveOccurred())
		})
	})
})
