package auth

import (
	"context"
	"strings"
	"time"

	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/crypto/bcrypt"

	apperrors "github.com/frahmantamala/fieldguard/internal"
	"github.com/frahmantamala/fieldguard/internal/core/events"
	"github.com/frahmantamala/fieldguard/internal/metrics"
	"github.com/frahmantamala/fieldguard/pkg/logger"
)

func newTestService(bus *events.EventBus, m *metrics.Metrics) (*Service, *memoryRepository) {
	repo := newMemoryRepository()
	gen := NewJWTTokenGenerator("test-access-secret-0123456789abcdef", "test-refresh-secret-0123456789abcdef", 15*time.Minute, time.Hour, "fieldguard")
	tracker := NewRefreshTokenTracker(repo, NewTokenHasher(bcrypt.MinCost), logger.Discard())
	return NewService(gen, tracker, bus, m, logger.Discard()), repo
}

var _ = ginkgo.Describe("AuthService", func() {
	var (
		ctx     context.Context
		service *Service
		repo    *memoryRepository
		bus     *events.EventBus
		reg     *prometheus.Registry
		client  = ClientInfo{IPAddress: "192.0.2.7", UserAgent: "curl"}
	)

	ginkgo.BeforeEach(func() {
		ctx = context.Background()
		bus = events.NewEventBus(logger.Discard())
		reg = prometheus.NewRegistry()
		service, repo = newTestService(bus, metrics.New(reg))
	})

	ginkgo.Describe("IssueSession", func() {
		ginkgo.It("returns a usable pair", func() {
			// When
			pair, err := service.IssueSession(ctx, apperrors.Principal{UserID: "u1", Role: "doctor"}, client)

			// Then
			gomega.Expect(err).NotTo(gomega.HaveOccurred())
			gomega.Expect(pair.TokenType).To(gomega.Equal("Bearer"))
			claims, err := service.ValidateAccessToken(pair.AccessToken)
			gomega.Expect(err).NotTo(gomega.HaveOccurred())
			gomega.Expect(claims.Role).To(gomega.Equal("doctor"))
			gomega.Expect(repo.all()).To(gomega.HaveLen(1))
		})

		ginkgo.It("requires a user id", func() {
			_, err := service.IssueSession(ctx, apperrors.Principal{Role: "user"}, client)
			appErr, ok := apperrors.IsAppError(err)
			gomega.Expect(ok).To(gomega.BeTrue())
			gomega.Expect(appErr.Code).To(gomega.Equal(apperrors.ErrCodeValidationFailed))
		})

		ginkgo.It("defaults to the public role", func() {
			pair, _ := service.IssueSession(ctx, apperrors.Principal{UserID: "u1"}, client)
			claims, _ := service.ValidateAccessToken(pair.AccessToken)
			gomega.Expect(claims.Role).To(gomega.Equal(apperrors.RolePublic))
		})
	})

	ginkgo.Describe("Refresh", func() {
		ginkgo.It("rotates the refresh token and keeps the role", func() {
			pair, _ := service.IssueSession(ctx, apperrors.Principal{UserID: "u1", Role: "manager"}, client)

			next, err := service.Refresh(ctx, pair.RefreshToken, client)

			gomega.Expect(err).NotTo(gomega.HaveOccurred())
			gomega.Expect(next.RefreshToken).NotTo(gomega.Equal(pair.RefreshToken))
			claims, _ := service.ValidateAccessToken(next.AccessToken)
			gomega.Expect(claims.Role).To(gomega.Equal("manager"))
		})

		ginkgo.It("reports a replay, publishes the event and counts it", func() {
			// Given a subscriber for security events
			received := make(chan *events.RefreshTokenReuseEvent, 1)
			bus.Subscribe(events.EventTypeRefreshTokenReuse, func(_ context.Context, e events.Event) error {
				received <- e.(*events.RefreshTokenReuseEvent)
				return nil
			})
			pair, _ := service.IssueSession(ctx, apperrors.Principal{UserID: "u1", Role: "user"}, client)
			next, err := service.Refresh(ctx, pair.RefreshToken, client)
			gomega.Expect(err).NotTo(gomega.HaveOccurred())

			// When the first refresh token is replayed
			_, err = service.Refresh(ctx, pair.RefreshToken, client)

			// Then the caller gets the reuse error
			appErr, ok := apperrors.IsAppError(err)
			gomega.Expect(ok).To(gomega.BeTrue())
			gomega.Expect(appErr.Code).To(gomega.Equal(apperrors.ErrCodeTokenReuseDetected))

			// And the event carries the user and client
			var ev *events.RefreshTokenReuseEvent
			gomega.Eventually(received).Should(gomega.Receive(&ev))
			gomega.Expect(ev.UserID).To(gomega.Equal("u1"))
			gomega.Expect(ev.IPAddress).To(gomega.Equal("192.0.2.7"))

			// And the rotated successor no longer works
			_, err = service.Refresh(ctx, next.RefreshToken, client)
			gomega.Expect(err).To(gomega.HaveOccurred())

			expected := `
# HELP fieldguard_refresh_token_reuse_total Refresh token replays that revoked a token family.
# TYPE fieldguard_refresh_token_reuse_total counter
fieldguard_refresh_token_reuse_total 2
`
			gomega.Expect(testutil.GatherAndCompare(reg, strings.NewReader(expected), "fieldguard_refresh_token_reuse_total")).To(gomega.Succeed())
		})

		ginkgo.It("rejects garbage and access tokens with the generic error", func() {
			pair, _ := service.IssueSession(ctx, apperrors.Principal{UserID: "u1", Role: "user"}, client)

			for _, token := range []string{"garbage", pair.AccessToken} {
				_, err := service.Refresh(ctx, token, client)
				appErr, ok := apperrors.IsAppError(err)
				gomega.Expect(ok).To(gomega.BeTrue())
				gomega.Expect(appErr.Code).To(gomega.Equal(apperrors.ErrCodeInvalidRefreshToken))
			}
		})

		ginkgo.It("works without a bus or metrics", func() {
			bare, _ := newTestService(nil, nil)
			pair, _ := bare.IssueSession(ctx, apperrors.Principal{UserID: "u1", Role: "user"}, client)
			_, _ = bare.Refresh(ctx, pair.RefreshToken, client)

			_, err := bare.Refresh(ctx, pair.RefreshToken, client)
			gomega.Expect(err).To(gomega.HaveOccurred())
		})
	})

	ginkgo.Describe("Logout", func() {
		ginkgo.It("revokes the presented token and is idempotent", func() {
			pair, _ := service.IssueSession(ctx, apperrors.Principal{UserID: "u1", Role: "user"}, client)

			gomega.Expect(service.Logout(ctx, pair.RefreshToken)).To(gomega.Succeed())
			gomega.Expect(service.Logout(ctx, pair.RefreshToken)).To(gomega.Succeed())

			for _, t := range repo.all() {
				gomega.Expect(t.RevokedReason).To(gomega.Equal(ReasonLogout))
			}
		})

		ginkgo.It("revokes every session of a user", func() {
			a, _ := service.IssueSession(ctx, apperrors.Principal{UserID: "u1", Role: "user"}, client)
			service.IssueSession(ctx, apperrors.Principal{UserID: "u1", Role: "user"}, client)

			n, err := service.LogoutAll(ctx, "u1")
			gomega.Expect(err).NotTo(gomega.HaveOccurred())
			gomega.Expect(n).To(gomega.Equal(int64(2)))

			_, err = service.Refresh(ctx, a.RefreshToken, client)
			gomega.Expect(err).To(gomega.HaveOccurred())
		})
	})

	ginkgo.It("maps expired access tokens to TOKEN_EXPIRED", func() {
		gen := NewJWTTokenGenerator("test-access-secret-0123456789abcdef", "r", time.Minute, time.Hour, "fieldguard")
		gen.now = func() time.Time { return time.Now().Add(-time.Hour) }
		token, _, _ := gen.GenerateAccessToken("u1", "user")

		_, err := service.ValidateAccessToken(token)
		gomega.Expect(err).To(gomega.Equal(apperrors.ErrTokenExpired))
	})
})
