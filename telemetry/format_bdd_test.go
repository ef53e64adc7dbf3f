package telemetry

import (
	"github.com/corvid-robotics/multiplex/cmn/cos"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/ginkgo/extensions/table"
	. "github.com/onsi/gomega"
)

var _ = Describe("pstring round-trip", func() {
	DescribeTable("PString(PutPString(s)) == s",
		func(s string) {
			b := PutPString(nil, s)
			got, n, err := PString(b)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(Equal(s))
			Expect(n).To(Equal(len(b)))
		},
		Entry("empty string", ""),
		Entry("short name", "accel.x"),
		Entry("name with dots and digits", "servo.7.temperature_c"),
	)

	It("rejects a truncated pstring", func() {
		b := PutPString(nil, "longer than its body")
		_, _, err := PString(b[:2])
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("block header round-trip", func() {
	DescribeTable("decoding a block header recovers its type and size",
		func(bt BlockType, size int) {
			hdr := PutBlockHeader(nil, bt, size)
			gotType, n, err := cos.Uvarint(hdr)
			Expect(err).NotTo(HaveOccurred())
			Expect(BlockType(gotType)).To(Equal(bt))
			gotSize, _, err := cos.Uvarint(hdr[n:])
			Expect(err).NotTo(HaveOccurred())
			Expect(int(gotSize)).To(Equal(size))
		},
		Entry("schema block, tiny", BlockSchema, 1),
		Entry("data block, mid-sized", BlockData, 4096),
		Entry("index block, zero length", BlockIndex, 0),
		Entry("seek marker block", BlockSeek, 37),
	)
})

var _ = Describe("BlockCRC", func() {
	It("is stable under an otherwise-unmodified block and detects corruption", func() {
		block := append([]byte{0x02, 0x0a, 0, 0, 0, 0}, []byte("payload-bytes")...)
		crc := BlockCRC(block, 2)
		PutCRC(block, 2, crc)

		recomputed := BlockCRC(block, 2)
		Expect(recomputed).To(Equal(crc))

		block[len(block)-1] ^= 0xff
		Expect(BlockCRC(block, 2)).NotTo(Equal(crc))
	})
})
