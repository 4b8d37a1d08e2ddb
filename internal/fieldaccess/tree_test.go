package fieldaccess_test

import (
	"encoding/json"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/fieldguard/internal/fieldaccess"
)

func tree(raw string) map[string]any {
	v, err := fieldaccess.DecodeTree([]byte(raw))
	Expect(err).NotTo(HaveOccurred())
	return v.(map[string]any)
}

var _ = Describe("Tree walker", func() {
	It("lists containers, nested keys and array children", func() {
		doc := tree(`{"b":1,"a":{"y":2,"x":3},"orders":[{"total":5},7,[{"deep":1}]]}`)
		Expect(fieldaccess.FieldPaths(doc)).To(Equal([]string{
			"a", "a.x", "a.y",
			"b",
			"orders", "orders[0].total", "orders[2][0].deep",
		}))
	})

	It("unsets keys and nulls array slots", func() {
		doc := tree(`{"a":{"b":1,"c":2},"list":[{"x":1},{"x":2}]}`)
		Expect(fieldaccess.Unset(doc, "a.b")).To(BeTrue())
		Expect(fieldaccess.Unset(doc, "list[1]")).To(BeTrue())
		Expect(fieldaccess.Unset(doc, "missing.key")).To(BeFalse())
		Expect(fieldaccess.Unset(doc, "list[9].x")).To(BeFalse())

		raw, _ := json.Marshal(doc)
		Expect(string(raw)).To(MatchJSON(`{"a":{"c":2},"list":[{"x":1},null]}`))
	})

	It("deep copies without sharing nested maps", func() {
		doc := tree(`{"a":{"b":1}}`)
		cp := fieldaccess.DeepCopy(doc).(map[string]any)
		cp["a"].(map[string]any)["b"] = 2
		Expect(doc["a"].(map[string]any)["b"]).To(Equal(json.Number("1")))
	})

	DescribeTable("OwnerID",
		func(raw, want string, found bool) {
			id, ok := fieldaccess.OwnerID(tree(raw))
			Expect(ok).To(Equal(found))
			Expect(id).To(Equal(want))
		},
		Entry("userId wins", `{"userId":"u1","_id":"r1","id":"r2"}`, "u1", true),
		Entry("then _id", `{"_id":"r1","id":"r2"}`, "r1", true),
		Entry("then id", `{"id":"r2"}`, "r2", true),
		Entry("numeric ids", `{"userId":42}`, "42", true),
		Entry("populated reference", `{"userId":{"id":"u9","name":"Ann"}}`, "u9", true),
		Entry("empty string is absent", `{"userId":"","id":"r2"}`, "r2", true),
		Entry("none", `{"name":"x"}`, "", false),
	)

	It("converts typed values through JSON", func() {
		type patient struct {
			ID   int    `json:"id"`
			Name string `json:"name"`
		}
		v, err := fieldaccess.ToTree(patient{ID: 7, Name: "Jo"})
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(Equal(map[string]any{"id": json.Number("7"), "name": "Jo"}))
	})
})
