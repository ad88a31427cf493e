package ifadapter

import "testing"

func TestFeaturesHas(t *testing.T) {
	f := FeatureErrorFrames | FeatureCANFD
	if !f.Has(FeatureErrorFrames) {
		t.Fatalf("expected FeatureErrorFrames set")
	}
	if !f.Has(FeatureCANFD) {
		t.Fatalf("expected FeatureCANFD set")
	}
	if f.Has(FeatureListenOnly) {
		t.Fatalf("did not expect FeatureListenOnly set")
	}
}
