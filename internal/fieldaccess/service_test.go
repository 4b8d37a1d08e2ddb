package fieldaccess_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	apperrors "github.com/frahmantamala/fieldguard/internal"
	fieldaccessDatamodel "github.com/frahmantamala/fieldguard/internal/core/datamodel/fieldaccess"
	"github.com/frahmantamala/fieldguard/internal/core/ids"
	"github.com/frahmantamala/fieldguard/internal/fieldaccess"
	"github.com/frahmantamala/fieldguard/internal/fieldaccess/postgres"
	"github.com/frahmantamala/fieldguard/pkg/logger"
)

func newTestDB() *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	Expect(err).NotTo(HaveOccurred())
	sqlDB, err := db.DB()
	Expect(err).NotTo(HaveOccurred())
	// every connection to :memory: is a separate database
	sqlDB.SetMaxOpenConns(1)
	Expect(db.AutoMigrate(&fieldaccessDatamodel.Rule{}, &fieldaccessDatamodel.AccessLog{})).To(Succeed())
	return db
}

type failingRules struct {
	fieldaccess.RuleRepository
}

func (failingRules) FindApplicable(context.Context, string, *string, time.Time) ([]*fieldaccess.Rule, error) {
	return nil, errors.New("connection refused")
}

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }

var _ = Describe("Field access service", func() {
	var (
		ctx     context.Context
		now     time.Time
		rules   fieldaccess.RuleRepository
		logs    fieldaccess.AccessLogRepository
		service *fieldaccess.Service
	)

	BeforeEach(func() {
		ctx = context.Background()
		now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		db := newTestDB()
		rules = postgres.NewRuleRepository(db)
		logs = postgres.NewAccessLogRepository(db)
		service = fieldaccess.NewService(rules, logs, logger.Discard(), fieldaccess.WithClock(func() time.Time { return now }))
	})

	create := func(dto fieldaccess.CreateRuleDTO) *fieldaccess.Rule {
		rule, err := service.CreateRule(ctx, dto, "admin-1")
		Expect(err).NotTo(HaveOccurred())
		return rule
	}

	Describe("GetEffectivePolicy", func() {
		It("returns the built-in policy when no rules exist", func() {
			policy, err := service.GetEffectivePolicy(ctx, fieldaccess.RoleManager, "")
			Expect(err).NotTo(HaveOccurred())
			Expect(policy).To(Equal(fieldaccess.GetPolicy(fieldaccess.RoleManager)))
		})

		It("unions every matching rule onto the defaults", func() {
			// Given two rules for the same role at different priorities
			create(fieldaccess.CreateRuleDTO{Role: fieldaccess.RoleManager, Deny: []string{"salary"}, Priority: 10})
			create(fieldaccess.CreateRuleDTO{Role: fieldaccess.RoleManager, Deny: []string{"phone"}, Allow: []string{"extra"}, Priority: 1})

			// When the policy is resolved
			policy, err := service.GetEffectivePolicy(ctx, fieldaccess.RoleManager, "")
			Expect(err).NotTo(HaveOccurred())

			// Then both rules contribute and built-in denies stay
			Expect(policy.Deny).To(ContainElements("boardNotes", "salary", "phone"))
			Expect(policy.Allow).To(ContainElements("*", "extra"))
			Expect(policy.CanAccessField("salary")).To(BeFalse())
			Expect(policy.CanAccessField("phone")).To(BeFalse())
		})

		It("cannot re-allow a built-in deny", func() {
			create(fieldaccess.CreateRuleDTO{Role: fieldaccess.RoleUser, Allow: []string{"medicalNotes"}})
			policy, _ := service.GetEffectivePolicy(ctx, fieldaccess.RoleUser, "")
			Expect(policy.CanAccessField("medicalNotes")).To(BeFalse())
		})

		It("ignores inactive and expired rules", func() {
			inactive := create(fieldaccess.CreateRuleDTO{Role: fieldaccess.RoleManager, Deny: []string{"inactiveField"}})
			_, err := service.SetRuleActive(ctx, inactive.ID, false, "admin-1")
			Expect(err).NotTo(HaveOccurred())

			expired := now.Add(-time.Hour)
			Expect(rules.Create(ctx, &fieldaccess.Rule{
				ID: ids.New(), Role: fieldaccess.RoleManager, Deny: []string{"expiredField"},
				IsActive: true, ExpiresAt: &expired, CreatedAt: now, UpdatedAt: now,
			})).To(Succeed())

			policy, err := service.GetEffectivePolicy(ctx, fieldaccess.RoleManager, "")
			Expect(err).NotTo(HaveOccurred())
			Expect(policy.Deny).NotTo(ContainElement("inactiveField"))
			Expect(policy.Deny).NotTo(ContainElement("expiredField"))
		})

		It("applies entity rules only to that entity", func() {
			create(fieldaccess.CreateRuleDTO{Role: fieldaccess.RoleManager, EntityName: strPtr("Invoice"), Deny: []string{"margin"}})

			global, _ := service.GetEffectivePolicy(ctx, fieldaccess.RoleManager, "")
			Expect(global.Deny).NotTo(ContainElement("margin"))

			invoice, _ := service.GetEffectivePolicy(ctx, fieldaccess.RoleManager, "Invoice")
			Expect(invoice.Deny).To(ContainElement("margin"))

			visit, _ := service.GetEffectivePolicy(ctx, fieldaccess.RoleManager, "Visit")
			Expect(visit.Deny).NotTo(ContainElement("margin"))
		})

		It("takes action flags from the highest priority entity rule", func() {
			create(fieldaccess.CreateRuleDTO{Role: fieldaccess.RoleDoctor, EntityName: strPtr("Visit"), AllowDelete: boolPtr(true), Priority: 5})
			create(fieldaccess.CreateRuleDTO{Role: fieldaccess.RoleDoctor, EntityName: strPtr("Visit"), Priority: 1})

			policy, _ := service.GetEffectivePolicy(ctx, fieldaccess.RoleDoctor, "Visit")
			Expect(policy.CanPerformAction("Visit", fieldaccess.ActionDelete)).To(BeTrue())
			Expect(policy.CanPerformAction("Visit", fieldaccess.ActionWrite)).To(BeFalse())
		})

		It("takes allowSelfOnly from the last rule in priority order that sets it", func() {
			// Given a lower priority rule that turns self-only on after a higher one turned it off
			create(fieldaccess.CreateRuleDTO{Role: fieldaccess.RoleManager, AllowSelfOnly: boolPtr(false), Priority: 9})
			create(fieldaccess.CreateRuleDTO{Role: fieldaccess.RoleManager, AllowSelfOnly: boolPtr(true), Priority: 2})
			create(fieldaccess.CreateRuleDTO{Role: fieldaccess.RoleManager, Priority: 20})

			// Then the lowest priority setting is the one applied
			policy, _ := service.GetEffectivePolicy(ctx, fieldaccess.RoleManager, "")
			Expect(policy.AllowSelfOnly).To(BeTrue())
		})

		It("builds custom roles from an empty self-only base", func() {
			create(fieldaccess.CreateRuleDTO{Role: "auditor", Allow: []string{"name", "createdAt"}})

			policy, err := service.GetEffectivePolicy(ctx, "auditor", "")
			Expect(err).NotTo(HaveOccurred())
			Expect(policy.AllowSelfOnly).To(BeTrue())
			Expect(policy.CanAccessField("name")).To(BeTrue())
			Expect(policy.CanAccessField("email")).To(BeFalse())
		})

		It("returns a deny-all policy with the error when rules cannot be loaded", func() {
			broken := fieldaccess.NewService(failingRules{}, logs, logger.Discard())
			policy, err := broken.GetEffectivePolicy(ctx, fieldaccess.RoleUser, "")
			Expect(err).To(HaveOccurred())
			Expect(policy).To(Equal(fieldaccess.GetPolicy(fieldaccess.RolePublic)))
			Expect(policy.CanAccessField("name")).To(BeFalse())
		})

		It("fails the preview when rules cannot be loaded", func() {
			broken := fieldaccess.NewService(failingRules{}, logs, logger.Discard())
			_, err := broken.Preview(ctx, fieldaccess.PreviewRequest{Role: fieldaccess.RoleUser, Resource: map[string]any{"name": "Jo"}})
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("rule management", func() {
		It("applies column defaults on create", func() {
			rule := create(fieldaccess.CreateRuleDTO{Role: fieldaccess.RoleUser, Deny: []string{"phone"}})
			Expect(rule.ID).To(HaveLen(26))
			Expect(rule.AllowRead).To(BeTrue())
			Expect(rule.AllowWrite).To(BeFalse())
			Expect(rule.AllowDelete).To(BeFalse())
			Expect(rule.IsActive).To(BeTrue())
			Expect(rule.AllowSelfOnly).To(BeNil())
			Expect(rule.CreatedBy).To(Equal("admin-1"))

			stored, err := service.GetRule(ctx, rule.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Deny).To(Equal([]string{"phone"}))
			Expect(stored.Allow).To(Equal([]string{}))
		})

		It("rejects invalid rules", func() {
			_, err := service.CreateRule(ctx, fieldaccess.CreateRuleDTO{Role: "", Deny: []string{"a b"}}, "admin-1")
			appErr, ok := apperrors.IsAppError(err)
			Expect(ok).To(BeTrue())
			Expect(appErr.StatusCode).To(Equal(400))
			details := appErr.Details.(apperrors.ValidationErrors)
			Expect(details.Errors).To(HaveLen(2))
		})

		It("updates only the given fields", func() {
			rule := create(fieldaccess.CreateRuleDTO{Role: fieldaccess.RoleUser, Deny: []string{"phone"}, Priority: 3})
			now = now.Add(time.Minute)

			updated, err := service.UpdateRule(ctx, rule.ID, fieldaccess.UpdateRuleDTO{Allow: []string{"nickname"}}, "admin-2")
			Expect(err).NotTo(HaveOccurred())
			Expect(updated.Deny).To(Equal([]string{"phone"}))
			Expect(updated.Allow).To(Equal([]string{"nickname"}))
			Expect(updated.Priority).To(Equal(3))
			Expect(updated.ModifiedBy).To(Equal("admin-2"))
			Expect(updated.UpdatedAt).To(Equal(now))
		})

		It("reports unknown rules as not found", func() {
			_, err := service.GetRule(ctx, "missing")
			Expect(err).To(Equal(apperrors.ErrRuleNotFound))
			Expect(service.DeleteRule(ctx, "missing", "admin-1")).To(Equal(apperrors.ErrRuleNotFound))
		})

		It("deletes rules", func() {
			rule := create(fieldaccess.CreateRuleDTO{Role: fieldaccess.RoleUser})
			Expect(service.DeleteRule(ctx, rule.ID, "admin-1")).To(Succeed())
			_, err := service.GetRule(ctx, rule.ID)
			Expect(err).To(Equal(apperrors.ErrRuleNotFound))
		})

		It("lists by role, entity and activity", func() {
			create(fieldaccess.CreateRuleDTO{Role: fieldaccess.RoleUser})
			visit := create(fieldaccess.CreateRuleDTO{Role: fieldaccess.RoleDoctor, EntityName: strPtr("Visit")})
			_, err := service.SetRuleActive(ctx, visit.ID, false, "admin-1")
			Expect(err).NotTo(HaveOccurred())

			byRole, _ := service.RulesByRole(ctx, fieldaccess.RoleUser)
			Expect(byRole).To(HaveLen(1))
			byEntity, _ := service.RulesByEntity(ctx, "Visit")
			Expect(byEntity).To(HaveLen(1))
			active, _ := service.ListRules(ctx, true)
			Expect(active).To(HaveLen(1))
			all, _ := service.ListRules(ctx, false)
			Expect(all).To(HaveLen(2))
		})

		It("creates nothing when one bulk rule is invalid", func() {
			_, err := service.BulkCreate(ctx, []fieldaccess.CreateRuleDTO{
				{Role: fieldaccess.RoleUser},
				{Role: fieldaccess.RoleUser, Deny: []string{""}},
			}, "admin-1")
			Expect(err).To(HaveOccurred())

			all, _ := service.ListRules(ctx, false)
			Expect(all).To(BeEmpty())
		})

		It("replaces all rules on import", func() {
			create(fieldaccess.CreateRuleDTO{Role: fieldaccess.RoleUser, Deny: []string{"old"}})
			export, err := service.ExportRules(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(export.Rules).To(HaveLen(1))
			Expect(export.Rules[0].Deny).To(Equal([]string{"old"}))

			result, err := service.ImportRules(ctx, fieldaccess.RulesExport{Rules: []fieldaccess.RuleExport{
				{Role: fieldaccess.RoleManager, Deny: []string{"new"}, AllowRead: true, IsActive: true},
				{Role: fieldaccess.RoleAdmin, Deny: []string{"newer"}, AllowRead: true, IsActive: true},
			}}, "admin-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Imported).To(Equal(2))

			all, _ := service.ListRules(ctx, false)
			Expect(all).To(HaveLen(2))
			for _, r := range all {
				Expect(r.Deny).NotTo(ContainElement("old"))
			}
		})

		It("keeps existing rules when an import is invalid", func() {
			create(fieldaccess.CreateRuleDTO{Role: fieldaccess.RoleUser})
			_, err := service.ImportRules(ctx, fieldaccess.RulesExport{Rules: []fieldaccess.RuleExport{{Role: ""}}}, "admin-1")
			Expect(err).To(HaveOccurred())
			all, _ := service.ListRules(ctx, false)
			Expect(all).To(HaveLen(1))
		})
	})

	Describe("Preview", func() {
		It("shows what a role would see", func() {
			resp, err := service.Preview(ctx, fieldaccess.PreviewRequest{
				Role:     fieldaccess.RoleUser,
				UserID:   "u1",
				Resource: map[string]any{"userId": "u1", "name": "Jo", "salaryInfo": 1},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Resource).To(Equal(map[string]any{"userId": "u1", "name": "Jo"}))
			Expect(resp.DeniedFields).To(Equal([]string{"salaryInfo"}))
			Expect(resp.RecordDenied).To(BeFalse())
		})

		It("requires a role", func() {
			_, err := service.Preview(ctx, fieldaccess.PreviewRequest{Resource: map[string]any{}})
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("access logs", func() {
		record := func(userID, role string, action fieldaccess.Action, granted bool, at time.Time) {
			entry := &fieldaccess.AccessLog{UserID: userID, Role: role, Action: action, Granted: granted, CreatedAt: at}
			if !granted {
				entry.DeniedFields = []string{"medicalNotes"}
			}
			Expect(service.LogAccess(ctx, entry)).To(Succeed())
		}

		BeforeEach(func() {
			record("u1", fieldaccess.RoleUser, fieldaccess.ActionRead, false, now.Add(-3*time.Minute))
			record("u1", fieldaccess.RoleUser, fieldaccess.ActionRead, true, now.Add(-2*time.Minute))
			record("u2", fieldaccess.RoleManager, fieldaccess.ActionWrite, true, now.Add(-time.Minute))
			record("u3", fieldaccess.RoleUser, fieldaccess.ActionRead, false, now.Add(-100*24*time.Hour))
		})

		It("lists a user's logs newest first", func() {
			list, err := service.AccessLogs(ctx, "u1", 10, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(list).To(HaveLen(2))
			Expect(list[0].Granted).To(BeTrue())
			Expect(list[1].DeniedFields).To(Equal([]string{"medicalNotes"}))
		})

		It("lists denied logs when no user is given", func() {
			list, err := service.AccessLogs(ctx, "", 10, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(list).To(HaveLen(2))
			for _, l := range list {
				Expect(l.Granted).To(BeFalse())
			}
		})

		It("computes stats", func() {
			stats, err := service.AccessStats(ctx, "")
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.Total).To(Equal(int64(4)))
			Expect(stats.Granted).To(Equal(int64(2)))
			Expect(stats.Denied).To(Equal(int64(2)))
			Expect(stats.DenialRate).To(Equal("50.00%"))
			Expect(stats.ByAction).To(Equal([]fieldaccess.CountByKey{{Key: "read", Count: 3}, {Key: "write", Count: 1}}))
			Expect(stats.ByRole).To(Equal([]fieldaccess.CountByKey{{Key: "user", Count: 3}, {Key: "manager", Count: 1}}))
		})

		It("scopes stats to one user", func() {
			stats, err := service.AccessStats(ctx, "u2")
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.Total).To(Equal(int64(1)))
			Expect(stats.DenialRate).To(Equal("0.00%"))
		})

		It("reports a zero rate without logs", func() {
			stats, err := service.AccessStats(ctx, "nobody")
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.DenialRate).To(Equal("0%"))
			Expect(stats.ByRole).To(BeEmpty())
		})

		It("purges logs past retention", func() {
			n, err := service.PurgeExpiredLogs(ctx, 90*24*time.Hour)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(int64(1)))

			stats, _ := service.AccessStats(ctx, "")
			Expect(stats.Total).To(Equal(int64(3)))
		})
	})
})
