package wire

import (
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func TestByteStream(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, t.Name())
}
