package carriers

import (
	"testing"

	"github.com/michaelmichaeli/mailtrack/internal/models"
	"github.com/stretchr/testify/require"
)

func TestClassify_knownShapes(t *testing.T) {
	cases := map[string]string{
		"1Z999AA10123456784":         models.CarrierUPS,
		"  1z999aa10123456784  ":     models.CarrierUPS,
		"9400111899223100001234":     models.CarrierUSPS,
		"LA123456789US":              models.CarrierUSPS,
		"AB123456789GB":              models.CarrierRoyalMail,
		"YT123456789CN":              models.CarrierYanwen,
		"LP00123456789012":           models.CarrierCainiao,
		"123456789012":               models.CarrierFedEx,
		"123456789012345":            models.CarrierFedEx,
		"1234567890":                 models.CarrierDHL,
		"JJD1234567890":              models.CarrierDHL,
		"12345678901234":             models.CarrierDPD,
		"":                           models.CarrierUnknown,
		"hello world":                models.CarrierUnknown,
		"12345":                      models.CarrierUnknown,
	}
	for in, want := range cases {
		require.Equal(t, want, Classify(in), "input %q", in)
	}
}

func TestClassify_specificBeatsNumericFallback(t *testing.T) {
	// 20 цифр с ведущей девяткой подходит и под USPS, и под FedEx;
	// порядок правил должен дать USPS.
	require.Equal(t, models.CarrierUSPS, Classify("94001118992231000012"))
}

func TestExtractAll_multipleCarriers(t *testing.T) {
	got := ExtractAll("Package 1: 1Z1234567890123456 (UPS), Package 2: AB123456789GB")
	require.Len(t, got, 2)
	require.Equal(t, models.TrackingCandidate{TrackingNumber: "1Z1234567890123456", Carrier: models.CarrierUPS}, got[0])
	require.Equal(t, models.TrackingCandidate{TrackingNumber: "AB123456789GB", Carrier: models.CarrierRoyalMail}, got[1])
}

func TestExtractAll_dedupAndCase(t *testing.T) {
	got := ExtractAll("1z1234567890123456 and again 1Z1234567890123456")
	require.Len(t, got, 1)
	require.Equal(t, "1Z1234567890123456", got[0].TrackingNumber)
}

func TestExtractAll_noTokens(t *testing.T) {
	require.Empty(t, ExtractAll("hello, nothing to see here"))
}

func TestExtractAll_upsInsideSentence(t *testing.T) {
	got := ExtractAll("your shipment 1Z999AA10123456784 left the facility")
	require.Len(t, got, 1)
	require.Equal(t, models.CarrierUPS, got[0].Carrier)
}
