package firestore

import "testing"

func TestActiveSlotIDDistinguishesPairs(t *testing.T) {
	cases := []struct {
		name         string
		aOrder, aSKU string
		bOrder, bSKU string
	}{
		{"separator shifts left", "a", "b_c", "a_b", "c"},
		{"separator shifts right", "ord_1", "SKU", "ord", "1_SKU"},
		{"literal escape sequence", "ord%5F", "SKU", "ord_", "SKU"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := activeSlotID(tc.aOrder, tc.aSKU)
			b := activeSlotID(tc.bOrder, tc.bSKU)
			if a == b {
				t.Fatalf("distinct pairs collided: (%q,%q) and (%q,%q) both map to %q",
					tc.aOrder, tc.aSKU, tc.bOrder, tc.bSKU, a)
			}
		})
	}
}

func TestViolationSlotIDAggregateNeverCollidesWithSKU(t *testing.T) {
	sku := "_order"
	skuSlot := violationSlotID("ord-1", &sku)
	aggregateSlot := violationSlotID("ord-1", nil)
	if skuSlot == aggregateSlot {
		t.Fatalf("sku %q collided with the aggregate slot %q", sku, aggregateSlot)
	}

	empty := "  "
	if got := violationSlotID("ord-1", &empty); got != aggregateSlot {
		t.Fatalf("blank sku must use the aggregate slot, got %q", got)
	}
}
