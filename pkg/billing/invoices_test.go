package billing_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/subtrack/pkg/billing"
)

func TestListInvoices_Pagination(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i := 0; i < 25; i++ {
		require.NoError(t, h.store.UpsertInvoiceByExternalRef(ctx, &billing.Invoice{
			ID:                 fmt.Sprintf("inv-%02d", i),
			OrganizationID:     "org1",
			ExternalInvoiceRef: fmt.Sprintf("in_%02d", i),
			CreatedAt:          testNow.Add(time.Duration(i) * time.Hour),
		}))
	}

	tests := []struct {
		name      string
		page      int
		limit     int
		wantPage  int
		wantLimit int
		wantItems int
		wantPages int
		wantFirst string
	}{
		{"defaults", 0, 0, 1, 20, 20, 2, "inv-24"},
		{"second page", 2, 20, 2, 20, 5, 2, "inv-04"},
		{"limit clamped", 1, 500, 1, 100, 25, 1, "inv-24"},
		{"small pages", 3, 10, 3, 10, 5, 3, "inv-04"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := h.engine.ListInvoices(ctx, identity("org1"), tt.page, tt.limit)
			require.NoError(t, err)
			assert.Equal(t, tt.wantPage, page.Page)
			assert.Equal(t, tt.wantLimit, page.Limit)
			assert.Equal(t, 25, page.Total)
			assert.Equal(t, tt.wantPages, page.TotalPages)
			require.Len(t, page.Items, tt.wantItems)
			assert.Equal(t, tt.wantFirst, page.Items[0].ID)
		})
	}
}

func TestGetInvoice_ScopedToOrganization(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.UpsertInvoiceByExternalRef(ctx, &billing.Invoice{
		ID: "inv-1", OrganizationID: "org1", ExternalInvoiceRef: "in_1",
	}))

	inv, err := h.engine.GetInvoice(ctx, identity("org1"), "inv-1")
	require.NoError(t, err)
	assert.Equal(t, "in_1", inv.ExternalInvoiceRef)

	_, err = h.engine.GetInvoice(ctx, identity("org2"), "inv-1")
	assert.Equal(t, billing.KindNotFound, kindOf(err))
	_, err = h.engine.GetInvoice(ctx, identity("org1"), "inv-404")
	assert.Equal(t, billing.KindNotFound, kindOf(err))
}

func TestNextInvoiceNumber(t *testing.T) {
	h := newHarness(t)

	first, err := h.engine.NextInvoiceNumber(context.Background(), 2024)
	require.NoError(t, err)
	second, err := h.engine.NextInvoiceNumber(context.Background(), 2024)
	require.NoError(t, err)

	assert.Equal(t, "INV-2024-0001", first)
	assert.Equal(t, "INV-2024-0002", second)
}
