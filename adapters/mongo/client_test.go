package mongo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestOptions_ClientOptions(t *testing.T) {
	o := Options{
		URI:                    "mongodb://localhost:27017",
		MaxPoolSize:            25,
		MinPoolSize:            4,
		MaxConnIdleTime:        time.Minute,
		ServerSelectionTimeout: 2 * time.Second,
		ConnectTimeout:         3 * time.Second,
	}
	opts := o.clientOptions()

	require.NotNil(t, opts.MaxPoolSize)
	assert.Equal(t, uint64(25), *opts.MaxPoolSize)
	require.NotNil(t, opts.MinPoolSize)
	assert.Equal(t, uint64(4), *opts.MinPoolSize)
	require.NotNil(t, opts.MaxConnIdleTime)
	assert.Equal(t, time.Minute, *opts.MaxConnIdleTime)
	require.NotNil(t, opts.ServerSelectionTimeout)
	assert.Equal(t, 2*time.Second, *opts.ServerSelectionTimeout)
	require.NotNil(t, opts.ConnectTimeout)
	assert.Equal(t, 3*time.Second, *opts.ConnectTimeout)
}

func TestOptions_ZeroValuesKeepDriverDefaults(t *testing.T) {
	opts := Options{URI: "mongodb://localhost:27017", MinPoolSize: 5}.clientOptions()

	assert.Nil(t, opts.MaxPoolSize)
	// a minimum above an unset maximum is dropped
	assert.Nil(t, opts.MinPoolSize)
	assert.Nil(t, opts.ConnectTimeout)
}

func TestNewClient_RequiresURI(t *testing.T) {
	_, err := NewClient(context.Background(), Options{}, zaptest.NewLogger(t))
	assert.Error(t, err)
}
