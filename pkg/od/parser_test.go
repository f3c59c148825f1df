package od

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// sampleEds is a small, valid EDS document used to benchmark/exercise the
// two parser implementations without depending on an externally supplied
// file.
var sampleEds = []byte(`[1000]
ParameterName=Device type
ObjectType=0x7
DataType=0x7
AccessType=ro
DefaultValue=0x0

[1001]
ParameterName=Error register
ObjectType=0x7
DataType=0x5
AccessType=ro
DefaultValue=0x0

[1018]
ParameterName=Identity object
ObjectType=0x9

[1018sub0]
ParameterName=highest sub-index supported
ObjectType=0x7
DataType=0x5
AccessType=ro
DefaultValue=0x4

[1018sub1]
ParameterName=Vendor-ID
ObjectType=0x7
DataType=0x7
AccessType=ro
DefaultValue=0x0
`)

func TestParseDefault(t *testing.T) {
	od := Default()
	assert.NotNil(t, od)
}

func BenchmarkParser(b *testing.B) {
	b.Run("sample eds parse", func(b *testing.B) {
		for n := 0; n < b.N; n++ {
			_, err := Parse(sampleEds, 0x10)
			assert.Nil(b, err)
		}
	})

	b.Run("sample eds parse v2", func(b *testing.B) {
		for n := 0; n < b.N; n++ {
			_, err := ParseV2(sampleEds, 0x10)
			assert.Nil(b, err)
		}
	})
}
