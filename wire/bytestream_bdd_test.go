package wire

import (
	"bytes"
	"context"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/ginkgo/extensions/table"
	. "github.com/onsi/gomega"
)

// roundTrip writes f through one ByteStreamCarrier and decodes it back
// through a second one wrapping the resulting bytes, the byte-carrier
// analogue of spec §8's "decode(encode(f)) == f" property.
func roundTrip(f Frame) (Frame, error) {
	var buf bytes.Buffer
	writer := NewByteStreamCarrier(nil, &buf)
	if err := writer.Write(context.Background(), f); err != nil {
		return Frame{}, err
	}
	reader := NewByteStreamCarrier(bytes.NewReader(buf.Bytes()), nil)
	return reader.Read(context.Background())
}

var _ = Describe("ByteStreamCarrier", func() {
	DescribeTable("decode(encode(f)) == f",
		func(f Frame) {
			got, err := roundTrip(f)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.SourceID).To(Equal(f.SourceID))
			Expect(got.DestID).To(Equal(f.DestID))
			Expect(got.RequestReply).To(Equal(f.RequestReply))
			Expect(got.Payload).To(Equal(f.Payload))
		},
		Entry("empty payload, no reply requested", Frame{SourceID: 0, DestID: 1, Payload: []byte{}}),
		Entry("short payload with reply requested", Frame{SourceID: 2, DestID: 5, RequestReply: true, Payload: []byte("hello")}),
		Entry("broadcast destination", Frame{SourceID: 3, DestID: 0x7f, Payload: []byte{0x10, 0x03, 0x0a}}),
		Entry("payload near the default carrier max", Frame{SourceID: 1, DestID: 2, Payload: bytes.Repeat([]byte{0xAA}, 250)}),
	)

	It("ignores trailing garbage after a well-formed frame", func() {
		var buf bytes.Buffer
		writer := NewByteStreamCarrier(nil, &buf)
		f := Frame{SourceID: 1, DestID: 2, Payload: []byte("ok")}
		Expect(writer.Write(context.Background(), f)).To(Succeed())
		buf.Write([]byte{0x00, 0xff, 0xff, 0xff})

		reader := NewByteStreamCarrier(bytes.NewReader(buf.Bytes()), nil)
		got, err := reader.Read(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Payload).To(Equal(f.Payload))
	})
})
