package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMapProviderStatus(t *testing.T) {
	assert.Equal(t, PayoutStatusProcessing, MapProviderStatus("queued"))
	assert.Equal(t, PayoutStatusProcessing, MapProviderStatus("created"))
	assert.Equal(t, PayoutStatusCompleted, MapProviderStatus("processed"))
	assert.Equal(t, PayoutStatusReversed, MapProviderStatus("reversed"))
	assert.Equal(t, PayoutStatusFailed, MapProviderStatus("rejected"))
	assert.Equal(t, PayoutStatusFailed, MapProviderStatus("cancelled"))

	// Unknown vocabulary stays in processing for a later webhook to settle.
	assert.Equal(t, PayoutStatusProcessing, MapProviderStatus("some_future_status"))
}
