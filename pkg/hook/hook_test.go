package hook_test

import (
	"context"
	"net/http"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
	"go.uber.org/zap"

	"github.com/0xfelix/cpanel-dns01-hook/pkg/config"
	"github.com/0xfelix/cpanel-dns01-hook/pkg/cpanel"
	"github.com/0xfelix/cpanel-dns01-hook/pkg/cpanel/cpaneltest"
	"github.com/0xfelix/cpanel-dns01-hook/pkg/hook"
	"github.com/0xfelix/cpanel-dns01-hook/pkg/propagation/dnstest"
)

func setEnv(key, value string) {
	old, ok := os.LookupEnv(key)
	Expect(os.Setenv(key, value)).To(Succeed())
	DeferCleanup(restoreEnv, key, old, ok)
}

func unsetEnv(key string) {
	old, ok := os.LookupEnv(key)
	Expect(os.Unsetenv(key)).To(Succeed())
	DeferCleanup(restoreEnv, key, old, ok)
}

func restoreEnv(key, old string, ok bool) {
	if ok {
		Expect(os.Setenv(key, old)).To(Succeed())
	} else {
		Expect(os.Unsetenv(key)).To(Succeed())
	}
}

var _ = Describe("Hook", func() {
	var (
		api    *ghttp.Server
		dnsSrv *dnstest.Server
		cfg    *config.Config
	)

	BeforeEach(func() {
		api = ghttp.NewServer()
		DeferCleanup(api.Close)

		var err error
		dnsSrv, err = dnstest.Start()
		Expect(err).ToNot(HaveOccurred())
		DeferCleanup(dnsSrv.Close)
		dnsSrv.AddRR("example.com. 3600 IN NS ns1.example.com.")
		dnsSrv.AddRR("ns1.example.com. 3600 IN A 127.0.0.1")

		cfg = &config.Config{
			BaseURL:             api.URL(),
			Username:            cpaneltest.Username,
			Token:               cpaneltest.Token,
			Domain:              cpaneltest.ZoneName,
			Timeout:             5,
			RecordTTL:           cpaneltest.DefaultTTL,
			ScratchDir:          GinkgoT().TempDir(),
			PropagationTimeout:  100 * time.Millisecond,
			PropagationInterval: 20 * time.Millisecond,
			PropagationPolicy:   config.PolicyWarn,
			BootstrapResolvers:  []string{dnsSrv.Addr()},
			FallbackResolvers:   []string{dnsSrv.Addr()},
			DNSPort:             dnsSrv.Port(),
		}
	})

	newHook := func() *hook.Hook {
		h, err := hook.New(cfg, zap.NewNop())
		Expect(err).ToNot(HaveOccurred())
		return h
	}

	Context("Auth", func() {
		It("should publish the record and confirm propagation", func(ctx context.Context) {
			setEnv("CERTBOT_DOMAIN", cpaneltest.SubDomain)
			setEnv("CERTBOT_VALIDATION", cpaneltest.SubTXTValue)
			dnsSrv.AddRR(cpaneltest.SubRecordNameAbs + ` 60 IN TXT "` + cpaneltest.SubTXTValue + `"`)
			api.AppendHandlers(cpaneltest.AddZoneRecord(cpaneltest.Token,
				cpaneltest.SubRecordName, cpaneltest.SubTXTValue, cpaneltest.DefaultTTL))

			Expect(newHook().Auth(ctx)).To(Succeed())
			Expect(api.ReceivedRequests()).To(HaveLen(1))
		})

		It("should succeed on a propagation timeout by default", func(ctx context.Context) {
			setEnv("CERTBOT_DOMAIN", cpaneltest.ZoneName)
			setEnv("CERTBOT_VALIDATION", cpaneltest.TXTValue)
			api.AppendHandlers(cpaneltest.AddZoneRecord(cpaneltest.Token,
				cpaneltest.ApexRecordName, cpaneltest.TXTValue, cpaneltest.DefaultTTL))

			Expect(newHook().Auth(ctx)).To(Succeed())
		})

		It("should fail on a propagation timeout with the fail policy", func(ctx context.Context) {
			cfg.PropagationPolicy = config.PolicyFail
			setEnv("CERTBOT_DOMAIN", cpaneltest.ZoneName)
			setEnv("CERTBOT_VALIDATION", cpaneltest.TXTValue)
			api.AppendHandlers(cpaneltest.AddZoneRecord(cpaneltest.Token,
				cpaneltest.ApexRecordName, cpaneltest.TXTValue, cpaneltest.DefaultTTL))

			Expect(newHook().Auth(ctx)).To(MatchError(ContainSubstring("not observed")))
		})

		It("should fail when the API rejects the record", func(ctx context.Context) {
			setEnv("CERTBOT_DOMAIN", cpaneltest.ZoneName)
			setEnv("CERTBOT_VALIDATION", cpaneltest.TXTValue)
			api.AppendHandlers(ghttp.RespondWith(http.StatusUnauthorized, nil))

			Expect(newHook().Auth(ctx)).To(MatchError(ContainSubstring("status code 401")))
		})

		DescribeTable("should require the certbot environment", func(ctx context.Context, domain, validation string) {
			if domain == "" {
				unsetEnv("CERTBOT_DOMAIN")
			} else {
				setEnv("CERTBOT_DOMAIN", domain)
			}
			if validation == "" {
				unsetEnv("CERTBOT_VALIDATION")
			} else {
				setEnv("CERTBOT_VALIDATION", validation)
			}

			Expect(newHook().Auth(ctx)).To(MatchError(ContainSubstring("certbot environment")))
			Expect(api.ReceivedRequests()).To(BeEmpty())
		},
			Entry("no domain", "", cpaneltest.TXTValue),
			Entry("no validation", cpaneltest.ZoneName, ""),
		)
	})

	Context("Cleanup", func() {
		It("should remove the record published by Auth and be idempotent", func(ctx context.Context) {
			setEnv("CERTBOT_DOMAIN", cpaneltest.ZoneName)
			setEnv("CERTBOT_VALIDATION", cpaneltest.TXTValue)
			cfg.PropagationPolicy = config.PolicySkip
			remaining := []cpanel.Record{cpaneltest.Records()[0], cpaneltest.Records()[2]}
			api.AppendHandlers(
				cpaneltest.AddZoneRecord(cpaneltest.Token,
					cpaneltest.ApexRecordName, cpaneltest.TXTValue, cpaneltest.DefaultTTL),
				cpaneltest.FetchZoneRecords(cpaneltest.Token, cpaneltest.Records()),
				cpaneltest.RemoveZoneRecord(cpaneltest.Token, cpaneltest.ApexLine),
				cpaneltest.FetchZoneRecords(cpaneltest.Token, remaining),
			)

			Expect(newHook().Auth(ctx)).To(Succeed())
			Expect(newHook().Cleanup(ctx)).To(Succeed())
			Expect(newHook().Cleanup(ctx)).To(Succeed())
			Expect(api.ReceivedRequests()).To(HaveLen(4))
		})

		It("should remove both records of an apex and wildcard certificate", func(ctx context.Context) {
			cfg.PropagationPolicy = config.PolicySkip
			setEnv("CERTBOT_DOMAIN", cpaneltest.ZoneName)
			afterApex := cpaneltest.WildcardRecords()
			afterApex = []cpanel.Record{afterApex[0], afterApex[2], afterApex[3]}
			afterApex[1].Line--
			afterApex[2].Line--
			api.AppendHandlers(
				cpaneltest.AddZoneRecord(cpaneltest.Token,
					cpaneltest.ApexRecordName, cpaneltest.TXTValue, cpaneltest.DefaultTTL),
				cpaneltest.AddZoneRecord(cpaneltest.Token,
					cpaneltest.ApexRecordName, cpaneltest.WildTXTValue, cpaneltest.DefaultTTL),
				cpaneltest.FetchZoneRecords(cpaneltest.Token, cpaneltest.WildcardRecords()),
				cpaneltest.RemoveZoneRecord(cpaneltest.Token, cpaneltest.ApexLine),
				cpaneltest.FetchZoneRecords(cpaneltest.Token, afterApex),
				cpaneltest.RemoveZoneRecord(cpaneltest.Token, cpaneltest.WildLine-1),
			)

			// certbot strips "*." from CERTBOT_DOMAIN, both runs see the apex.
			setEnv("CERTBOT_VALIDATION", cpaneltest.TXTValue)
			Expect(newHook().Auth(ctx)).To(Succeed())
			setEnv("CERTBOT_VALIDATION", cpaneltest.WildTXTValue)
			Expect(newHook().Auth(ctx)).To(Succeed())

			setEnv("CERTBOT_VALIDATION", cpaneltest.TXTValue)
			Expect(newHook().Cleanup(ctx)).To(Succeed())
			setEnv("CERTBOT_VALIDATION", cpaneltest.WildTXTValue)
			Expect(newHook().Cleanup(ctx)).To(Succeed())

			Expect(api.ReceivedRequests()).To(HaveLen(6))
			entries, err := os.ReadDir(cfg.ScratchDir)
			Expect(err).ToNot(HaveOccurred())
			Expect(entries).To(BeEmpty())
		})

		It("should succeed without a validation value or scratch file", func(ctx context.Context) {
			setEnv("CERTBOT_DOMAIN", cpaneltest.ZoneName)
			unsetEnv("CERTBOT_VALIDATION")

			Expect(newHook().Cleanup(ctx)).To(Succeed())
			Expect(api.ReceivedRequests()).To(BeEmpty())
		})

		It("should fail when the zone cannot be listed", func(ctx context.Context) {
			setEnv("CERTBOT_DOMAIN", cpaneltest.ZoneName)
			setEnv("CERTBOT_VALIDATION", cpaneltest.TXTValue)
			api.AppendHandlers(cpaneltest.Failed(cpanel.FuncFetchZoneRecords, "Access denied"))

			Expect(newHook().Cleanup(ctx)).To(MatchError(ContainSubstring("Access denied")))
		})

		It("should require the domain", func(ctx context.Context) {
			unsetEnv("CERTBOT_DOMAIN")
			Expect(newHook().Cleanup(ctx)).To(MatchError(ContainSubstring("CERTBOT_DOMAIN")))
		})
	})

	It("should report the propagation bounds", func() {
		timeout, interval := newHook().Timeout()
		Expect(timeout).To(Equal(100 * time.Millisecond))
		Expect(interval).To(Equal(20 * time.Millisecond))
	})

	It("should refuse an empty api token", func() {
		cfg.Token = ""
		_, err := hook.New(cfg, zap.NewNop())
		Expect(err).To(HaveOccurred())
	})
})
