package receipt

import (
	"encoding/json"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"
)

var _ = Describe("Receipt JSON", func() {
	var rec *Receipt

	BeforeEach(func() {
		rec = Extract("VIPS\nFOLIO: A123\nSUBTOTAL: $100\nIVA: $16\nTOTAL: $116")
	})

	It("should write amounts with two decimals", func() {
		data, err := json.Marshal(rec)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data)).To(ContainSubstring(`"subtotal":"100.00"`))
		Expect(string(data)).To(ContainSubstring(`"tax":"16.00"`))
		Expect(string(data)).To(ContainSubstring(`"total":"116.00"`))
		Expect(string(data)).To(ContainSubstring(`"folio":"A123"`))
	})

	It("should pad zero amounts", func() {
		data, err := json.Marshal(Extract(""))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data)).To(ContainSubstring(`"total":"0.00"`))
		Expect(string(data)).To(ContainSubstring(`"merchant_name":"Restaurante"`))
	})

	It("should read its own output back", func() {
		data, err := json.Marshal(rec)
		Expect(err).NotTo(HaveOccurred())

		var back Receipt
		Expect(json.Unmarshal(data, &back)).To(Succeed())
		Expect(back.Total.Equal(decimal.RequireFromString("116"))).To(BeTrue())
		Expect(back.MerchantName).To(Equal("VIPS"))
	})
})
