package scratch_test

import (
	"os"
	"path/filepath"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/0xfelix/cpanel-dns01-hook/pkg/scratch"
)

var _ = Describe("Store", func() {
	const (
		domain = "www.example.com"
		secret = "CPANELAPITOKEN"
	)

	var (
		dir   string
		store *scratch.Store
	)

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		var err error
		store, err = scratch.New(dir, secret)
		Expect(err).ToNot(HaveOccurred())
	})

	It("should require a secret", func() {
		_, err := scratch.New(dir, "")
		Expect(err).To(MatchError(scratch.ErrNoSecret))
	})

	DescribeTable("should load exactly what was saved", func(value string) {
		Expect(store.Save(domain, value)).To(Succeed())

		loaded, err := store.Load(domain)
		Expect(err).ToNot(HaveOccurred())
		Expect(loaded).To(Equal([]string{value}))
	},
		Entry("acme token", "gfj9Xq...Rg85nM-9kE_3ZlQ0wPqT1u5a8BkmUfkCNg"),
		Entry("surrounding whitespace", "  abc123\n"),
		Entry("quotes", `"quoted"`),
		Entry("empty", ""),
	)

	It("should restrict the token file to its owner and not store plaintext", func() {
		Expect(store.Save(domain, "abc123")).To(Succeed())

		path := store.TokenPath(domain, "abc123")
		info, err := os.Stat(path)
		Expect(err).ToNot(HaveOccurred())
		Expect(info.Mode().Perm()).To(Equal(os.FileMode(0o600)))
		Expect(path).ToNot(ContainSubstring("abc123"))

		b, err := os.ReadFile(path)
		Expect(err).ToNot(HaveOccurred())
		Expect(string(b)).ToNot(ContainSubstring("abc123"))
		Expect(string(b)).ToNot(ContainSubstring("\n"))
	})

	It("should keep the files of different domains apart", func() {
		Expect(store.Save("example.com", "apex")).To(Succeed())
		Expect(store.Save(domain, "sub")).To(Succeed())

		Expect(store.Load("example.com")).To(Equal([]string{"apex"}))
		Expect(store.Load(domain)).To(Equal([]string{"sub"}))
	})

	It("should keep every pending value of one domain", func() {
		Expect(store.Save(domain, "apexval")).To(Succeed())
		Expect(store.Save(domain, "wildval")).To(Succeed())
		Expect(store.TokenPath(domain, "apexval")).ToNot(Equal(store.TokenPath(domain, "wildval")))

		Expect(store.Load(domain)).To(ConsistOf("apexval", "wildval"))
	})

	It("should not duplicate a value saved twice", func() {
		Expect(store.Save(domain, "abc123")).To(Succeed())
		Expect(store.Save(domain, "abc123")).To(Succeed())
		Expect(store.Load(domain)).To(Equal([]string{"abc123"}))

		entries, err := os.ReadDir(dir)
		Expect(err).ToNot(HaveOccurred())
		Expect(entries).To(HaveLen(1))
	})

	It("should load nothing for an unknown domain", func() {
		Expect(store.Save("example.com", "apex")).To(Succeed())

		values, err := store.Load(domain)
		Expect(err).ToNot(HaveOccurred())
		Expect(values).To(BeEmpty())
	})

	It("should load nothing from a missing directory", func() {
		missing, err := scratch.New(filepath.Join(dir, "missing"), secret)
		Expect(err).ToNot(HaveOccurred())

		values, err := missing.Load(domain)
		Expect(err).ToNot(HaveOccurred())
		Expect(values).To(BeEmpty())
	})

	It("should refuse a file sealed with another secret", func() {
		Expect(store.Save(domain, "abc123")).To(Succeed())

		other, err := scratch.New(dir, "another token")
		Expect(err).ToNot(HaveOccurred())
		Expect(os.Rename(store.TokenPath(domain, "abc123"), other.TokenPath(domain, "abc123"))).To(Succeed())

		values, err := other.Load(domain)
		Expect(err).To(MatchError(scratch.ErrCorrupt))
		Expect(values).To(BeEmpty())
	})

	It("should skip a tampered file and still load the others", func() {
		Expect(store.Save(domain, "good")).To(Succeed())
		Expect(os.WriteFile(store.TokenPath(domain, "bad"), []byte("abc123"), 0o600)).To(Succeed())

		values, err := store.Load(domain)
		Expect(err).To(MatchError(scratch.ErrCorrupt))
		Expect(values).To(Equal([]string{"good"}))
	})

	It("should remove one value and the snapshot and tolerate missing files", func() {
		Expect(store.Save(domain, "apexval")).To(Succeed())
		Expect(store.Save(domain, "wildval")).To(Succeed())
		Expect(store.SaveSnapshot(domain, []string{"a", "b"})).To(Succeed())
		Expect(store.SnapshotPath(domain)).To(BeAnExistingFile())

		Expect(store.Remove(domain, "apexval")).To(Succeed())
		Expect(store.TokenPath(domain, "apexval")).ToNot(BeAnExistingFile())
		Expect(store.SnapshotPath(domain)).ToNot(BeAnExistingFile())
		Expect(store.Load(domain)).To(Equal([]string{"wildval"}))

		Expect(store.Remove(domain, "apexval")).To(Succeed())
	})

	It("should remove every file of a domain", func() {
		Expect(store.Save(domain, "apexval")).To(Succeed())
		Expect(store.Save(domain, "wildval")).To(Succeed())
		Expect(store.Save("example.com", "other")).To(Succeed())
		Expect(store.SaveSnapshot(domain, []string{"a"})).To(Succeed())

		Expect(store.RemoveAll(domain)).To(Succeed())
		Expect(store.Load(domain)).To(BeEmpty())
		Expect(store.SnapshotPath(domain)).ToNot(BeAnExistingFile())
		Expect(store.Load("example.com")).To(Equal([]string{"other"}))

		Expect(store.RemoveAll(domain)).To(Succeed())
	})

	It("should not mix up a domain with a longer one", func() {
		Expect(store.Save("example.com", "short")).To(Succeed())
		Expect(store.Save("example.com.au", "long")).To(Succeed())

		Expect(store.Load("example.com")).To(Equal([]string{"short"}))
		Expect(store.RemoveAll("example.com")).To(Succeed())
		Expect(store.Load("example.com.au")).To(Equal([]string{"long"}))
	})

	It("should sanitize the domain in file names", func() {
		Expect(filepath.Dir(store.TokenPath("../../etc/passwd", "v"))).To(Equal(dir))

		base := filepath.Base(store.TokenPath("*.Example.COM.", "v"))
		Expect(base).To(HavePrefix("cpanel-dns01-_.example.com+"))
		Expect(base).To(HaveSuffix(".token"))
		Expect(strings.TrimSuffix(strings.TrimPrefix(base, "cpanel-dns01-_.example.com+"), ".token")).To(HaveLen(16))
	})
})
