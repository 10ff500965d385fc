package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsTempID(t *testing.T) {
	assert.True(t, IsTempID("sale_1760486400000"))
	assert.True(t, IsTempID("staff_1760486400001"))
	assert.False(t, IsTempID("sale_42"), "too short to be a millisecond stamp")
	assert.False(t, IsTempID("srv-17"))
	assert.False(t, IsTempID("xsale_1760486400000"))
	assert.False(t, IsTempID("sale_1760486400000x"))
	assert.False(t, IsTempID(""))
}

func TestTempIDsIn(t *testing.T) {
	payload := []byte(`{"customerId":"cust_1760486400000","items":[{"productId":"prod_1760486400001"},{"productId":"srv-3"}]}`)
	assert.Equal(t, []string{"cust_1760486400000", "prod_1760486400001"}, TempIDsIn(payload))
}

func TestCollections_Metadata(t *testing.T) {
	all := AllCollections()
	assert.Len(t, all, 11)
	for _, c := range all {
		assert.True(t, c.Valid(), "%s", c)
		assert.NotEmpty(t, c.Path(), "%s", c)
		assert.Equal(t, "ledger/"+string(c), c.StorageKey())
	}
	assert.Equal(t, "supplier-transactions", SupplierTransactions.Path())
	assert.Empty(t, Invitations.Prefix())
	assert.False(t, Collection("widgets").Valid())
}
