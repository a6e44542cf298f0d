package receipt

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender(t *testing.T) {
	d := Data{
		PurchaseID:    "pur_1",
		IssuedAt:      time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		CustomerEmail: "buyer@example.test",
		Item:          "Starter pack",
		Credits:       100,
		BonusCredits:  10,
		Original:      "5 000 FCFA",
		Discount:      "1 000 FCFA",
		Total:         "4 000 FCFA",
		Charged:       "6,10 €",
		Provider:      "stripe",
	}
	out, err := Render(d)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("%PDF-")))
	assert.Greater(t, len(out), 1000)
}

func TestRows(t *testing.T) {
	rows := Data{Item: "Pro", Credits: 600, Original: "9 000 FCFA", Total: "9 000 FCFA", Charged: "9 000 FCFA"}.rows()
	var labels []string
	for _, r := range rows {
		labels = append(labels, r.label)
	}
	assert.Equal(t, []string{"Item", "Credits", "Price", "Total"}, labels)
}
