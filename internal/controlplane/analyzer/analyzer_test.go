package analyzer

import (
	"context"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/packpool/packpool/internal/controlplane/metrics"
	"github.com/packpool/packpool/internal/controlplane/store"
	"github.com/packpool/packpool/internal/protocol"
)

var _ = Describe("Analyzer", func() {
	var (
		st  *store.Store
		a   *Analyzer
		ctx context.Context
	)

	BeforeEach(func() {
		var err error
		st, err = store.Open(filepath.Join(GinkgoT().TempDir(), "controlplane.db"), zap.NewNop())
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { _ = st.Close() })
		a = New(st, zap.NewNop())
		ctx = context.Background()
	})

	newPool := func(policy store.SyncPolicy) *store.Pool {
		pool, err := st.CreatePool(store.Pool{Name: "web", Policy: policy})
		Expect(err).NotTo(HaveOccurred())
		return pool
	}

	newMember := func(pool *store.Pool, name string, listings ...protocol.RepositoryListing) *store.Endpoint {
		ep, err := st.RegisterEndpoint(protocol.RegisterPayload{Name: name, Hostname: name + ".internal"}, "pek_"+name)
		Expect(err).NotTo(HaveOccurred())
		Expect(st.AssignEndpoint(ep.ID, pool.ID)).To(Succeed())
		if len(listings) > 0 {
			Expect(st.ReplaceRepositories(ep.ID, listings)).To(Succeed())
		}
		return ep
	}

	repo := func(name string, packages map[string]protocol.PackageInfo) protocol.RepositoryListing {
		return protocol.RepositoryListing{Name: name, Packages: packages}
	}

	pkg := func(version string) protocol.PackageInfo {
		return protocol.PackageInfo{Version: version}
	}

	Context("with agreeing endpoints", func() {
		It("reports the shared packages as common", func() {
			pool := newPool(store.SyncPolicy{})
			newMember(pool, "web-01", repo("main", map[string]protocol.PackageInfo{
				"nginx": pkg("1.24.0"), "curl": pkg("8.5.0"),
			}))
			newMember(pool, "web-02", repo("main", map[string]protocol.PackageInfo{
				"nginx": pkg("1.24.0"), "curl": pkg("8.5.0"),
			}))

			report, err := a.Analyze(ctx, pool.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Endpoints).To(Equal(2))
			Expect(report.CommonPackages).To(HaveKeyWithValue("nginx", "1.24.0"))
			Expect(report.CommonPackages).To(HaveKeyWithValue("curl", "8.5.0"))
			Expect(report.ExcludedPackages).To(BeEmpty())
			Expect(report.Conflicts).To(BeEmpty())
		})

		It("caches the report for later retrieval", func() {
			pool := newPool(store.SyncPolicy{})
			newMember(pool, "web-01", repo("main", map[string]protocol.PackageInfo{"nginx": pkg("1.24.0")}))

			computed, err := a.Analyze(ctx, pool.ID)
			Expect(err).NotTo(HaveOccurred())

			cached, err := a.Report(pool.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(cached.CommonPackages).To(Equal(computed.CommonPackages))
		})
	})

	Context("when a package is missing from some endpoints", func() {
		It("excludes it with the missing-from-some reason", func() {
			pool := newPool(store.SyncPolicy{})
			newMember(pool, "web-01", repo("main", map[string]protocol.PackageInfo{
				"nginx": pkg("1.24.0"), "htop": pkg("3.3.0"),
			}))
			newMember(pool, "web-02", repo("main", map[string]protocol.PackageInfo{
				"nginx": pkg("1.24.0"),
			}))

			report, err := a.Analyze(ctx, pool.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.CommonPackages).To(HaveKey("nginx"))
			Expect(report.CommonPackages).NotTo(HaveKey("htop"))
			Expect(report.ExcludedPackages).To(HaveKey("htop"))
			Expect(report.ExcludedPackages["htop"].Reason).To(Equal(store.ReasonMissingFromSome))
			Expect(report.ExcludedPackages["htop"].Detail).To(ContainSubstring("1 of 2"))
		})

		It("treats an endpoint with no repository data as missing everything", func() {
			pool := newPool(store.SyncPolicy{})
			newMember(pool, "web-01", repo("main", map[string]protocol.PackageInfo{"nginx": pkg("1.24.0")}))
			newMember(pool, "web-02") // silent member

			report, err := a.Analyze(ctx, pool.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.CommonPackages).To(BeEmpty())
			Expect(report.ExcludedPackages["nginx"].Reason).To(Equal(store.ReasonMissingFromSome))
		})
	})

	Context("when endpoints disagree on a version", func() {
		disagreeing := func(policy store.SyncPolicy) *store.Pool {
			pool := newPool(policy)
			newMember(pool, "web-01", repo("main", map[string]protocol.PackageInfo{"curl": pkg("8.4.0")}))
			newMember(pool, "web-02", repo("main", map[string]protocol.PackageInfo{"curl": pkg("8.5.0")}))
			return pool
		}

		It("leaves the conflict to the operator under the manual policy", func() {
			pool := disagreeing(store.SyncPolicy{ConflictResolution: store.ConflictManual})

			report, err := a.Analyze(ctx, pool.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.CommonPackages).NotTo(HaveKey("curl"))
			Expect(report.ExcludedPackages["curl"].Reason).To(Equal(store.ReasonVersionConflict))
			Expect(report.Conflicts).To(HaveKey("curl"))
			Expect(report.Conflicts["curl"].Suggested).To(Equal("8.5.0"))
			Expect(report.Conflicts["curl"].Versions).To(HaveLen(2))
		})

		It("picks the newest version under the newest policy", func() {
			pool := disagreeing(store.SyncPolicy{ConflictResolution: store.ConflictNewest})

			report, err := a.Analyze(ctx, pool.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.CommonPackages).To(HaveKeyWithValue("curl", "8.5.0"))
			Expect(report.Conflicts).To(BeEmpty())
		})

		It("picks the oldest version under the oldest policy", func() {
			pool := disagreeing(store.SyncPolicy{ConflictResolution: store.ConflictOldest})

			report, err := a.Analyze(ctx, pool.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.CommonPackages).To(HaveKeyWithValue("curl", "8.4.0"))
		})
	})

	Context("with malformed repository entries", func() {
		It("excludes the entry without failing the run", func() {
			pool := newPool(store.SyncPolicy{})
			newMember(pool, "web-01", repo("main", map[string]protocol.PackageInfo{
				"nginx":  pkg("1.24.0"),
				"broken": pkg(""), // no version
			}))
			newMember(pool, "web-02", repo("main", map[string]protocol.PackageInfo{
				"nginx": pkg("1.24.0"),
			}))

			report, err := a.Analyze(ctx, pool.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.CommonPackages).To(HaveKeyWithValue("nginx", "1.24.0"))
			Expect(report.ExcludedPackages["broken"].Reason).To(Equal(store.ReasonMalformed))
		})
	})

	Context("with pool policy exclusions", func() {
		It("always excludes explicitly listed packages", func() {
			pool := newPool(store.SyncPolicy{ExcludedPackages: []string{"kernel"}})
			newMember(pool, "web-01", repo("main", map[string]protocol.PackageInfo{
				"kernel": pkg("6.8.0"), "nginx": pkg("1.24.0"),
			}))

			report, err := a.Analyze(ctx, pool.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.CommonPackages).NotTo(HaveKey("kernel"))
			Expect(report.ExcludedPackages["kernel"].Reason).To(Equal(store.ReasonPoolPolicy))
			Expect(report.CommonPackages).To(HaveKey("nginx"))
		})

		It("ignores packages seen only through excluded repositories", func() {
			pool := newPool(store.SyncPolicy{ExcludedRepos: []string{"testing"}})
			newMember(pool, "web-01",
				repo("main", map[string]protocol.PackageInfo{"nginx": pkg("1.24.0")}),
				repo("testing", map[string]protocol.PackageInfo{"beta": pkg("0.1.0")}),
			)

			report, err := a.Analyze(ctx, pool.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.CommonPackages).To(HaveKey("nginx"))
			Expect(report.CommonPackages).NotTo(HaveKey("beta"))
			Expect(report.ExcludedPackages).NotTo(HaveKey("beta"))
		})
	})

	Context("when one endpoint sees a package in several repositories", func() {
		It("counts the endpoint once, with its newest version", func() {
			pool := newPool(store.SyncPolicy{})
			newMember(pool, "web-01",
				repo("main", map[string]protocol.PackageInfo{"curl": pkg("8.4.0")}),
				repo("updates", map[string]protocol.PackageInfo{"curl": pkg("8.5.0")}),
			)
			newMember(pool, "web-02", repo("main", map[string]protocol.PackageInfo{"curl": pkg("8.5.0")}))

			report, err := a.Analyze(ctx, pool.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.CommonPackages).To(HaveKeyWithValue("curl", "8.5.0"))
			Expect(report.Conflicts).To(BeEmpty())
		})
	})

	Context("with an empty pool", func() {
		It("produces an empty report", func() {
			pool := newPool(store.SyncPolicy{})

			report, err := a.Analyze(ctx, pool.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Endpoints).To(BeZero())
			Expect(report.CommonPackages).To(BeEmpty())
			Expect(report.ExcludedPackages).To(BeEmpty())
		})

		It("fails for an unknown pool", func() {
			_, err := a.Analyze(ctx, "missing")
			Expect(err).To(MatchError(store.ErrNotFound))
		})
	})

	Context("analysis metrics", func() {
		It("counts successful runs and gauges the conflict count", func() {
			pool := newPool(store.SyncPolicy{ConflictResolution: store.ConflictManual})
			newMember(pool, "web-01", repo("main", map[string]protocol.PackageInfo{"curl": pkg("8.4.0")}))
			newMember(pool, "web-02", repo("main", map[string]protocol.PackageInfo{"curl": pkg("8.5.0")}))

			okBefore := testutil.ToFloat64(metrics.AnalysesTotal.WithLabelValues("ok"))

			_, err := a.Analyze(ctx, pool.ID)
			Expect(err).NotTo(HaveOccurred())

			Expect(testutil.ToFloat64(metrics.AnalysesTotal.WithLabelValues("ok"))).To(Equal(okBefore + 1))
			Expect(testutil.ToFloat64(metrics.ConflictsDetected.WithLabelValues(pool.ID))).To(Equal(1.0))
		})

		It("counts failed runs without touching the conflict gauge", func() {
			errBefore := testutil.ToFloat64(metrics.AnalysesTotal.WithLabelValues("error"))

			_, err := a.Analyze(ctx, "missing")
			Expect(err).To(HaveOccurred())

			Expect(testutil.ToFloat64(metrics.AnalysesTotal.WithLabelValues("error"))).To(Equal(errBefore + 1))
		})
	})

	Context("re-running on unchanged inputs", func() {
		It("produces the same content", func() {
			pool := newPool(store.SyncPolicy{ConflictResolution: store.ConflictManual})
			newMember(pool, "web-01", repo("main", map[string]protocol.PackageInfo{
				"nginx": pkg("1.24.0"), "curl": pkg("8.4.0"), "htop": pkg("3.3.0"),
			}))
			newMember(pool, "web-02", repo("main", map[string]protocol.PackageInfo{
				"nginx": pkg("1.24.0"), "curl": pkg("8.5.0"),
			}))

			first, err := a.Analyze(ctx, pool.ID)
			Expect(err).NotTo(HaveOccurred())
			second, err := a.Analyze(ctx, pool.ID)
			Expect(err).NotTo(HaveOccurred())

			Expect(second.CommonPackages).To(Equal(first.CommonPackages))
			Expect(second.ExcludedPackages).To(Equal(first.ExcludedPackages))
			Expect(second.Conflicts).To(Equal(first.Conflicts))
		})
	})
})
