package logger_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/0xfelix/cpanel-dns01-hook/pkg/logger"
)

var _ = Describe("New", func() {
	It("should log at info level by default", func() {
		log, err := logger.New(false)
		Expect(err).ToNot(HaveOccurred())
		Expect(log.Core().Enabled(zap.InfoLevel)).To(BeTrue())
		Expect(log.Core().Enabled(zap.DebugLevel)).To(BeFalse())
	})

	It("should log at debug level when debugging", func() {
		log, err := logger.New(true)
		Expect(err).ToNot(HaveOccurred())
		Expect(log.Core().Enabled(zap.DebugLevel)).To(BeTrue())
	})
})
