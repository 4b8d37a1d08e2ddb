package fieldaccess_test

import (
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/fieldguard/internal/fieldaccess"
)

var _ = Describe("Policy", func() {
	Describe("MatchPattern", func() {
		DescribeTable("glob matching",
			func(pattern, path string, want bool) {
				Expect(fieldaccess.MatchPattern(pattern, path)).To(Equal(want))
			},
			Entry("exact", "email", "email", true),
			Entry("no partial prefix", "email", "emailVerified", false),
			Entry("wildcard subtree", "sensitiveEncrypted.*", "sensitiveEncrypted.ssn", true),
			Entry("wildcard needs the dot", "sensitiveEncrypted.*", "sensitiveEncrypted", false),
			Entry("wildcard spans segments", "profile.*", "profile.address.city", true),
			Entry("dots are literal", "a.b", "axb", false),
			Entry("bracket path against dot pattern", "orders.*.total", "orders[0].total", true),
			Entry("bracket pattern against bracket path", "orders[0].total", "orders[0].total", true),
			Entry("bracket pattern other index", "orders[0].total", "orders[1].total", false),
			Entry("regex metacharacters are literal", "a+b", "aab", false),
			Entry("star alone", "*", "anything.at.all", true),
		)
	})

	Describe("built-in policies", func() {
		It("denies everything to public", func() {
			Expect(fieldaccess.CanAccessField(fieldaccess.RolePublic, "name")).To(BeFalse())
			Expect(fieldaccess.CanAccessField(fieldaccess.RolePublic, "id")).To(BeFalse())
		})

		It("falls back to public for unknown roles", func() {
			Expect(fieldaccess.GetPolicy("intern")).To(Equal(fieldaccess.GetPolicy(fieldaccess.RolePublic)))
			Expect(fieldaccess.CanAccessField("intern", "name")).To(BeFalse())
		})

		It("lets deny beat a wildcard allow", func() {
			Expect(fieldaccess.CanAccessField(fieldaccess.RoleUser, "name")).To(BeTrue())
			Expect(fieldaccess.CanAccessField(fieldaccess.RoleUser, "medicalNotes")).To(BeFalse())
			Expect(fieldaccess.CanAccessField(fieldaccess.RoleUser, "sensitiveEncrypted.ssn")).To(BeFalse())
			Expect(fieldaccess.CanAccessField(fieldaccess.RoleManager, "boardNotes")).To(BeFalse())
			Expect(fieldaccess.CanAccessField(fieldaccess.RoleAdmin, "encryptionKeys")).To(BeFalse())
			Expect(fieldaccess.CanAccessField(fieldaccess.RoleSuperAdmin, "encryptionKeys")).To(BeTrue())
		})

		It("marks only the user role self-only", func() {
			for _, role := range fieldaccess.KnownRoles() {
				Expect(fieldaccess.GetPolicy(role).AllowSelfOnly).To(Equal(role == fieldaccess.RoleUser), role)
			}
		})

		It("returns copies that callers may modify", func() {
			p := fieldaccess.GetPolicy(fieldaccess.RoleUser)
			p.Deny = append(p.Deny[:0], "nothing")
			Expect(fieldaccess.CanAccessField(fieldaccess.RoleUser, "medicalNotes")).To(BeFalse())
		})
	})

	Describe("CanPerformAction", func() {
		It("uses doctor entity overrides", func() {
			Expect(fieldaccess.CanPerformAction(fieldaccess.RoleDoctor, "Visit", fieldaccess.ActionRead)).To(BeTrue())
			Expect(fieldaccess.CanPerformAction(fieldaccess.RoleDoctor, "Visit", fieldaccess.ActionWrite)).To(BeTrue())
			Expect(fieldaccess.CanPerformAction(fieldaccess.RoleDoctor, "Visit", fieldaccess.ActionDelete)).To(BeFalse())
		})

		It("falls back to a wildcard allow list without an entity override", func() {
			Expect(fieldaccess.CanPerformAction(fieldaccess.RoleDoctor, "Invoice", fieldaccess.ActionDelete)).To(BeTrue())
			Expect(fieldaccess.CanPerformAction(fieldaccess.RolePublic, "Invoice", fieldaccess.ActionRead)).To(BeFalse())
		})

		It("permits actions whose flag is unset", func() {
			p := fieldaccess.Policy{
				Allow:       []string{"name"},
				EntityRules: map[string]fieldaccess.EntityRule{"Visit": {}},
			}
			Expect(p.CanPerformAction("Visit", fieldaccess.ActionDelete)).To(BeTrue())
		})
	})

	Describe("ForEntity", func() {
		It("adds the entity override's deny patterns", func() {
			doc := fieldaccess.GetPolicy(fieldaccess.RoleDoctor).ForEntity("Document")
			Expect(doc.CanAccessField("billingInfo")).To(BeFalse())
			Expect(fieldaccess.GetPolicy(fieldaccess.RoleDoctor).CanAccessField("billingInfo")).To(BeTrue())
		})
	})

	It("maps HTTP methods to actions", func() {
		Expect(fieldaccess.ActionFromMethod(http.MethodGet)).To(Equal(fieldaccess.ActionRead))
		Expect(fieldaccess.ActionFromMethod(http.MethodDelete)).To(Equal(fieldaccess.ActionDelete))
		Expect(fieldaccess.ActionFromMethod(http.MethodPatch)).To(Equal(fieldaccess.ActionWrite))
	})
})
