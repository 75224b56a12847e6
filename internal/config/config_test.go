package config

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Config", func() {
	var (
		tempDir    string
		configFile string
	)

	BeforeEach(func() {
		var err error
		tempDir, err = os.MkdirTemp("", "config-test")
		Expect(err).NotTo(HaveOccurred())
		configFile = filepath.Join(tempDir, "config.yaml")
	})

	AfterEach(func() {
		os.RemoveAll(tempDir)
	})

	Describe("Load", func() {
		Context("when config file exists with valid content", func() {
			BeforeEach(func() {
				validConfig := `
database:
  host: "db.internal"
  port: 5432
  user: "maccas"
  database: "maccas"

upstream:
  client_id: "abc123"
  client_secret: "s3cr3t"
  sensor_data: "opaque-blob"

retry:
  initial_backoff: 100ms
  max_attempts: 5

lock:
  redemption_ttl: 15m
  cleanup_ttl: 15m

dispatcher:
  max_concurrency: 20

image_bucket: "offer-images"
`
				err := os.WriteFile(configFile, []byte(validConfig), 0644)
				Expect(err).NotTo(HaveOccurred())
			})

			It("should load configuration successfully", func() {
				cfg, err := Load(configFile)
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg).NotTo(BeNil())

				Expect(cfg.Database.Host).To(Equal("db.internal"))
				Expect(cfg.Database.Port).To(Equal(5432))

				Expect(cfg.Upstream.ClientID).To(Equal("abc123"))
				Expect(cfg.Upstream.ClientSecret).To(Equal("s3cr3t"))
				Expect(cfg.Upstream.SensorData).To(Equal("opaque-blob"))

				Expect(cfg.Retry.InitialBackoff).To(Equal(100 * time.Millisecond))
				Expect(cfg.Retry.MaxAttempts).To(Equal(5))

				Expect(cfg.Lock.RedemptionTTL).To(Equal(15 * time.Minute))
				Expect(cfg.Dispatcher.MaxConcurrency).To(Equal(20))

				Expect(cfg.ImageBucket).To(Equal("offer-images"))
			})
		})

		Context("when config file has minimal content", func() {
			BeforeEach(func() {
				minimalConfig := `
upstream:
  client_id: "abc123"
`
				err := os.WriteFile(configFile, []byte(minimalConfig), 0644)
				Expect(err).NotTo(HaveOccurred())
			})

			It("should load with defaults for missing values", func() {
				cfg, err := Load(configFile)
				Expect(err).NotTo(HaveOccurred())

				Expect(cfg.Upstream.ClientID).To(Equal("abc123"))
				Expect(cfg.Database.Host).To(Equal("localhost"))
				Expect(cfg.Dispatcher.MaxConcurrency).To(Equal(10))
				Expect(cfg.Retry.MaxAttempts).To(Equal(5))
			})
		})

		Context("when config file does not exist", func() {
			It("should return an error", func() {
				_, err := Load("/nonexistent/config.yaml")
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("failed to read config file"))
			})
		})

		Context("when config file has invalid YAML", func() {
			BeforeEach(func() {
				invalidConfig := `
database:
  host: "db"
  invalid_yaml: [
upstream:
  client_id: "x"
`
				err := os.WriteFile(configFile, []byte(invalidConfig), 0644)
				Expect(err).NotTo(HaveOccurred())
			})

			It("should return an error", func() {
				_, err := Load(configFile)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("failed to parse config file"))
			})
		})
	})

	Describe("validate", func() {
		var cfg *Config

		BeforeEach(func() {
			cfg = defaults()
			cfg.Upstream.ClientID = "abc123"
		})

		Context("when config is valid", func() {
			It("should pass validation", func() {
				Expect(validate(cfg)).NotTo(HaveOccurred())
			})
		})

		Context("when upstream client id is missing", func() {
			BeforeEach(func() {
				cfg.Upstream.ClientID = ""
			})

			It("should return a validation error", func() {
				err := validate(cfg)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("upstream client id is required"))
			})
		})

		Context("when dispatcher max concurrency is invalid", func() {
			BeforeEach(func() {
				cfg.Dispatcher.MaxConcurrency = 0
			})

			It("should return a validation error", func() {
				err := validate(cfg)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("dispatcher max concurrency must be greater than 0"))
			})
		})

		Context("when retry initial backoff is zero", func() {
			BeforeEach(func() {
				cfg.Retry.InitialBackoff = 0
			})

			It("should return a validation error", func() {
				err := validate(cfg)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("retry initial backoff must be greater than 0"))
			})
		})
	})

	Describe("loadFromEnv", func() {
		var cfg *Config

		BeforeEach(func() {
			cfg = defaults()
			os.Clearenv()
		})

		AfterEach(func() {
			os.Clearenv()
		})

		Context("when environment variables are set", func() {
			BeforeEach(func() {
				os.Setenv("MACCAS_DB_PASSWORD", "hunter2")
				os.Setenv("MACCAS_CLIENT_SECRET", "s3cr3t")
				os.Setenv("MACCAS_REDIS_ADDR", "redis:6379")
				os.Setenv("MACCAS_DISPATCHER_MAX_CONCURRENCY", "42")
			})

			It("should overlay the environment onto the config", func() {
				err := loadFromEnv(cfg)
				Expect(err).NotTo(HaveOccurred())

				Expect(cfg.Database.Password).To(Equal("hunter2"))
				Expect(cfg.Upstream.ClientSecret).To(Equal("s3cr3t"))
				Expect(cfg.CacheBus.Addr).To(Equal("redis:6379"))
				Expect(cfg.Dispatcher.MaxConcurrency).To(Equal(42))
			})
		})

		Context("when no environment variables are set", func() {
			It("should not modify the config", func() {
				original := *cfg
				err := loadFromEnv(cfg)
				Expect(err).NotTo(HaveOccurred())
				Expect(*cfg).To(Equal(original))
			})
		})

		Context("when a numeric override is malformed", func() {
			BeforeEach(func() {
				os.Setenv("MACCAS_DISPATCHER_MAX_CONCURRENCY", "not-a-number")
			})

			It("should return an error", func() {
				err := loadFromEnv(cfg)
				Expect(err).To(HaveOccurred())
			})
		})
	})
})
